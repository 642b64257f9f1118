package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, ok, err := l.TryLock(ctx, "cache-build", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "cache-build", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "pass:matching", time.Minute)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))
	_, ok, _ = l.TryLock(ctx, "cache-build", time.Minute)
	assert.True(t, ok)
}
