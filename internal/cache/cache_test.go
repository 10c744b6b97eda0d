package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenRecently(t *testing.T) {
	c := NewMemoryCache(time.Minute)

	seen, err := c.SeenRecently(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, seen, "first sighting must report unseen")

	seen, err = c.SeenRecently(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = c.SeenRecently(context.Background(), "k2")
	require.NoError(t, err)
	assert.False(t, seen, "distinct keys are independent")
}

func TestSeenRecentlyExpires(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)

	_, err := c.SeenRecently(context.Background(), "k1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	seen, err := c.SeenRecently(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, seen, "entry must expire after the TTL")
}
