package apperrors

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", fmt.Errorf("post: %w", ErrNetwork), true},
		{"rate limited", ErrRateLimitExceeded, true},
		{"not connected", ErrNotConnected, true},
		{"dial", &net.OpError{Op: "dial", Err: fmt.Errorf("refused")}, true},
		{"rejected", ErrOrderRejected, false},
		{"bad param", ErrInvalidOrderParameter, false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
