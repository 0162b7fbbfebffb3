// ABOUTME: Tests for bootstrap flag parsing
// ABOUTME: Covers both flag forms and the validation errors

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBootstrapArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantName string
		wantPass string
		wantErr  string
	}{
		{name: "separate values", args: []string{"--name", "alice", "--password", "hunter22"}, wantName: "alice", wantPass: "hunter22"},
		{name: "equals form", args: []string{"-n=bob", "-p=pw"}, wantName: "bob", wantPass: "pw"},
		{name: "name only", args: []string{"--name", "  carol "}, wantName: "carol"},
		{name: "missing name", args: nil, wantErr: "--name flag is required"},
		{name: "dangling flag", args: []string{"--name"}, wantErr: "requires a value"},
		{name: "unknown flag", args: []string{"--name", "a", "--force"}, wantErr: "unknown flag"},
		{name: "stray argument", args: []string{"alice"}, wantErr: "unexpected argument"},
		{name: "long name", args: []string{"--name", strings.Repeat("x", 101)}, wantErr: "maximum length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, pass, err := parseBootstrapArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantPass, pass)
		})
	}
}
