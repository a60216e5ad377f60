// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMark_SurvivesWrapping(t *testing.T) {
	base := errors.New("connection refused")
	marked := Mark(base, Transport)
	wrapped := fmt.Errorf("execute FT.SEARCH on endpoint 1: %w", marked)

	assert.True(t, Is(wrapped, Transport))
	assert.False(t, Is(wrapped, ServerRefused))
	assert.Equal(t, KindTransport, Of(wrapped))
}

func TestMark_Nil(t *testing.T) {
	assert.NoError(t, Mark(nil, Timeout))
	assert.NoError(t, Wrapf(nil, Timeout, "wait"))
}

func TestOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"unmarked", errors.New("boom"), KindOther},
		{"server", Newf(ServerRefused, "Unknown index name"), KindServerRefused},
		{"timeout", Wrapf(errors.New("deadline"), Timeout, "migration %s", "t1"), KindTimeout},
		{"mismatch over server", Mark(Newf(ServerRefused, "x"), OracleMismatch), KindOracleMismatch},
		{"log miner", Newf(LogMinerExternal, "zip: not a valid zip file"), KindLogMinerExternal},
		{"migration", Newf(MigrationFailed, "no ranges left"), KindMigrationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Of(tt.err))
		})
	}
}

func TestWrapf_KeepsMessage(t *testing.T) {
	err := Wrapf(errors.New("EOF"), Transport, "read reply from %s", "127.0.0.1:6379")
	assert.Contains(t, err.Error(), "read reply from 127.0.0.1:6379")
	assert.Contains(t, err.Error(), "EOF")
}
