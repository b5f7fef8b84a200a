package apperrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockedError(t *testing.T) {
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := fmt.Errorf("login: %w", Locked(until))

	assert.True(t, errors.Is(err, ErrLocked))
	var le *LockedError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, until, le.Until)
	assert.Contains(t, err.Error(), "2026-01-02T03:04:05Z")
}

func TestFieldError(t *testing.T) {
	err := Invalid("email", "must be a valid email")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "email: must be a valid email", err.Error())
}

func TestIsDomain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"sentinel", ErrInvalidCredentials, true},
		{"wrapped", fmt.Errorf("x: %w", ErrReusedPassword), true},
		{"locked", Locked(time.Now()), true},
		{"field", Invalid("a", "b"), true},
		{"internal", ErrInternal, false},
		{"foreign", errors.New("pq: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDomain(tt.err))
		})
	}
}
