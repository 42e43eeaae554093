// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Logging
		isDev   bool
		level   zerolog.Level
		wantErr bool
	}{
		{name: "golden path", cfg: Logging{Env: "prod", Level: "info"}, level: zerolog.InfoLevel},
		{name: "empty config", cfg: Logging{}, level: zerolog.InfoLevel},
		{name: "development mode", cfg: Logging{Env: "dev"}, isDev: true, level: zerolog.InfoLevel},
		{name: "debug level", cfg: Logging{Level: "debug"}, level: zerolog.DebugLevel},
		{name: "invalid level", cfg: Logging{Level: "invalid"}, wantErr: true},
		{name: "unbalanced modules", cfg: Logging{Modules: []string{"sort"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := getLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, rootName, l.Module())
			assert.Equal(t, tt.isDev, l.development)
			assert.Equal(t, tt.level, l.GetLevel())
		})
	}
}

func TestNamedModules(t *testing.T) {
	var out bytes.Buffer
	l, err := getLogger(Logging{
		Level:   "warn",
		Modules: []string{"controller.sort"},
		Levels:  []string{"debug"},
		Output:  &out,
	})
	require.NoError(t, err)

	ctl := l.Named("controller")
	assert.Equal(t, "CONTROLLER", ctl.Module())
	assert.Equal(t, zerolog.WarnLevel, ctl.GetLevel())

	srt := ctl.Named("sort")
	assert.Equal(t, "CONTROLLER.SORT", srt.Module())
	assert.Equal(t, zerolog.DebugLevel, srt.GetLevel())

	srt.Debug().Msg("merged")
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &event))
	assert.Equal(t, "CONTROLLER.SORT", event["module"])
	assert.Equal(t, "merged", event["message"])

	out.Reset()
	ctl.Info().Msg("dropped")
	assert.Zero(t, out.Len())
}

func TestFetch(t *testing.T) {
	l := Nop()
	ctx := WithContext(context.Background(), l)
	assert.Equal(t, "PIPELINE", Fetch(ctx, "pipeline").Module())
	assert.Equal(t, "OTHER", Fetch(context.Background(), "other").Module())
}
