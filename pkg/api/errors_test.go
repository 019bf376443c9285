package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/convergent/chatservice/pkg/api"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want api.Code
	}{
		{codes.NotFound, api.CodeNotFound},
		{codes.Unavailable, api.CodeTransientIO},
		{codes.DeadlineExceeded, api.CodeTransientIO},
		{codes.Aborted, api.CodeTransientIO},
		{codes.InvalidArgument, api.CodeValidation},
		{codes.PermissionDenied, api.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := api.FromStatus(status.Error(tt.code, "boom"), "reading document")
			assert.Equal(t, tt.want, api.CodeOf(err))
			assert.Contains(t, err.Error(), "reading document")
		})
	}

	t.Run("classified errors pass through", func(t *testing.T) {
		original := api.DataIntegrity("two pointers")
		assert.Same(t, original, api.FromStatus(original, "ignored"))
		assert.Nil(t, api.FromStatus(nil, "ignored"))
	})
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", api.NotFound("user alice not found"))
	assert.True(t, api.IsNotFound(wrapped))
	assert.False(t, api.IsTransient(wrapped))
	assert.Equal(t, api.CodeInternal, api.CodeOf(errors.New("plain")))
	assert.False(t, api.IsNotFound(nil))

	wire := api.ErrorOf(api.Transient("write failed", errors.New("unavailable")))
	assert.Equal(t, api.CodeTransientIO, wire.Code)
	assert.Equal(t, "write failed: unavailable", wire.Message)
}
