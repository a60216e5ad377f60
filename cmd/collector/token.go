// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// secret holds a credential in an encrypted memguard enclave until a
// client is built from it. A nil *secret is an absent credential.
type secret struct {
	enclave *memguard.Enclave
}

// secretFromEnv seals the value of name. It returns nil when the
// variable is unset or empty.
func secretFromEnv(name string) *secret {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	// NewEnclave wipes its argument.
	return &secret{enclave: memguard.NewEnclave([]byte(v))}
}

// reveal decrypts the credential. The returned string is an ordinary Go
// string and lives as long as the client holding it.
func (s *secret) reveal() (string, error) {
	if s == nil {
		return "", nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open sealed credential: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}
