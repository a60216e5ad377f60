// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided names before they reach REST
// paths or local file names.
//
// A repository or workflow name ends up in a GitHub API URL and in the
// artifact file names the collector writes, so anything that could
// traverse paths or smuggle query syntax is rejected up front.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// GitHub user and organization logins: alphanumerics and single
	// hyphens, at most 39 characters, no leading hyphen.
	ownerPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)

	repoPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)

	// Workflows are addressed by file name under .github/workflows.
	workflowPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}\.ya?ml$`)
)

// ValidateRepo validates an "owner/name" repository reference.
//
// Example:
//
//	owner, name, err := validation.ValidateRepo(cfg.Repo)
//	if err != nil {
//	    return nil, err
//	}
//	// Safe to use as URL path segments
func ValidateRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return "", "", fmt.Errorf("repo %q is not owner/name", repo)
	}
	if !ownerPattern.MatchString(owner) || strings.Contains(owner, "--") {
		return "", "", fmt.Errorf("invalid repo owner: %q", owner)
	}
	if !repoPattern.MatchString(name) || name == "." || name == ".." {
		return "", "", fmt.Errorf("invalid repo name: %q", name)
	}
	return owner, name, nil
}

// ValidateWorkflow validates a workflow file name such as "daily.yml".
func ValidateWorkflow(workflow string) error {
	if workflow == "" {
		return fmt.Errorf("workflow cannot be empty")
	}
	if !workflowPattern.MatchString(workflow) {
		return fmt.Errorf("invalid workflow file name: %q (want a .yml or .yaml file name)", workflow)
	}
	return nil
}

// SanitizeRepo trims whitespace and a trailing ".git" before validating.
// It returns the normalized "owner/name".
func SanitizeRepo(repo string) (string, error) {
	normalized := strings.TrimSuffix(strings.TrimSpace(repo), ".git")
	owner, name, err := ValidateRepo(normalized)
	if err != nil {
		return "", err
	}
	return owner + "/" + name, nil
}
