package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSecretLifecycle(t *testing.T) {
	c := New()
	ctx := context.Background()

	got, err := c.GetSessionSecret(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.SetSessionSecret(ctx, "sess-1", "secret-value"))
	got, err = c.GetSessionSecret(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", got)

	require.NoError(t, c.DeleteSessionSecret(ctx, "sess-1"))
	got, err = c.GetSessionSecret(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoginRateLimit(t *testing.T) {
	c := New()
	ctx := context.Background()

	for i := 0; i < loginRateLimitMax; i++ {
		ok, err := c.CheckLoginRateLimit(ctx, "a@example.com")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should be allowed", i+1)
	}

	ok, err := c.CheckLoginRateLimit(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identities are limited independently.
	ok, err = c.CheckLoginRateLimit(ctx, "b@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}
