package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "imap:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "imap:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = l.TryLock(ctx, "imap:2", time.Minute)
	assert.True(t, ok)

	unlock()
	unlock()
	_, ok, _ = l.TryLock(ctx, "imap:1", time.Minute)
	assert.True(t, ok)
}

func TestRedisLockerAcrossInstances(t *testing.T) {
	client := setupTestRedis(t)
	a := NewRedisLocker(client)
	b := NewRedisLocker(client)
	ctx := context.Background()

	unlock, ok, err := a.TryLock(ctx, "imap:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "imap:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlockB, ok, err := b.TryLock(ctx, "imap:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	unlockB()
}
