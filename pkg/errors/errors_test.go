package errors_test

import (
	"fmt"
	"testing"
	"time"

	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: fmt.Errorf("boom"), want: apperrors.ErrCodeInternal},
		{name: "predefined", err: apperrors.ErrNotFound, want: apperrors.ErrCodeNotFound},
		{name: "wrapped predefined", err: fmt.Errorf("load: %w", apperrors.ErrStateConflict), want: apperrors.ErrCodeStateConflict},
		{name: "cooldown", err: &apperrors.CooldownError{Remaining: 3 * time.Second}, want: apperrors.ErrCodeQueueCooldown},
		{name: "capacity", err: &apperrors.CapacityError{Scope: "global", Limit: 1, Current: 1}, want: apperrors.ErrCodeCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.Code(tt.err))
		})
	}
}

func TestCooldownError(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      string
	}{
		{remaining: 10 * time.Second, want: "QUEUE_COOLDOWN:10"},
		{remaining: 2500 * time.Millisecond, want: "QUEUE_COOLDOWN:3"},
		{remaining: 10 * time.Millisecond, want: "QUEUE_COOLDOWN:1"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			err := &apperrors.CooldownError{Remaining: tt.remaining}
			assert.Equal(t, tt.want, err.Error())
			assert.ErrorIs(t, err, apperrors.ErrQueueCooldown)
		})
	}
}

func TestWithDetailsDoesNotMutateShared(t *testing.T) {
	detailed := apperrors.ErrValidation.WithDetails("display_name is required")

	assert.Equal(t, "display_name is required", detailed.Details)
	assert.Empty(t, apperrors.ErrValidation.Details)
	assert.ErrorIs(t, detailed, apperrors.ErrValidation)
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeUnavailable, "store unavailable")

	assert.ErrorIs(t, err, cause)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Contains(t, err.Error(), "connection refused")
}
