// ABOUTME: Tests that internal failures collapse to public error kinds
// ABOUTME: Wrapped sentinels keep their kind, anything else becomes opaque

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublic(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"bare sentinel", ErrUnauthorized, ErrUnauthorized},
		{"wrapped sentinel", fmt.Errorf("validating: %w", ErrUnauthorized), ErrUnauthorized},
		{"persistence", fmt.Errorf("%w: disk I/O error", ErrPersistenceUnavailable), ErrPersistenceUnavailable},
		{"stale", fmt.Errorf("report: %w", ErrUnknownOrStaleCommand), ErrUnknownOrStaleCommand},
		{"unknown", errors.New("sql: database is locked"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Public(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.Same(t, tt.want, got)
		})
	}
}

func TestPublicHidesDetail(t *testing.T) {
	err := fmt.Errorf("mac mismatch for key 0xdeadbeef: %w", ErrUnauthorized)
	assert.Equal(t, "unauthorized", Public(err).Error())
}
