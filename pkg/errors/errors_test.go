package errors

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"foreign", io.ErrUnexpectedEOF, true},
		{"load", New(ErrorTypeLoad, "connection reset"), true},
		{"config", New(ErrorTypeConfig, "bad strategy"), false},
		{"wrapped config", Wrap(New(ErrorTypeConfig, "bad strategy"), ErrorTypeTransform, "transform failed"), false},
		{"permanent", New(ErrorTypeExtraction, "duplicate header").Permanent(), false},
		{"wrapped permanent", Wrap(New(ErrorTypeLoad, "unique violation").Permanent(), ErrorTypeLoad, "insert failed"), false},
		{"cancelled", Cancelled(context.Canceled), false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWrapKeepsChain(t *testing.T) {
	inner := New(ErrorTypeConfig, "unknown strategy")
	err := Wrap(inner, ErrorTypeTransform, "transform failed")

	assert.Equal(t, "transform: transform failed: config: unknown strategy", err.Error())
	assert.Equal(t, ErrorTypeTransform, TypeOf(err))
	assert.True(t, IsType(err, ErrorTypeConfig))
	assert.True(t, IsType(err, ErrorTypeTransform))
	assert.False(t, IsType(err, ErrorTypeLoad))
	assert.ErrorIs(t, err, inner)
	assert.Nil(t, Wrap(nil, ErrorTypeLoad, "nothing"))
}

func TestCancelled(t *testing.T) {
	err := Cancelled(nil)
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(context.DeadlineExceeded))
	assert.False(t, IsCancelled(New(ErrorTypeLoad, "x")))
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))
	assert.NotEmpty(t, err.Stack)
}
