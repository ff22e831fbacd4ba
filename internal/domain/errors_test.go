package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Mailbox.Send", ErrNotFound, "recipient inbox missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "Mailbox.Send: recipient inbox missing: not found", err.Error())
}

func TestWrapOpNil(t *testing.T) {
	require.NoError(t, WrapOp("op", nil))
}

func TestWrapOpPreservesSentinel(t *testing.T) {
	wrapped := WrapOp("Dispatcher.poll", ErrTransient)
	assert.True(t, errors.Is(wrapped, ErrTransient))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrTransient))
	assert.False(t, IsTransient(ErrNotFound))
	assert.True(t, IsTransient(NewDomainError("Webhook.fanout", ErrTransient, "dial timeout")))
}
