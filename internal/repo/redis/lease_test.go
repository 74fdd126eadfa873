package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseAcquireMutualExclusion(t *testing.T) {
	_, client := setupRedis(t)
	repo := NewLeaseRepository(client)
	ctx := context.Background()

	ok, err := repo.Acquire(ctx, "default", "process-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// 租约被持有期间其他进程获取失败
	ok, err = repo.Acquire(ctx, "default", "process-2", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := repo.GetHolder(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "process-1", holder)
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	mr, client := setupRedis(t)
	repo := NewLeaseRepository(client)
	ctx := context.Background()

	ok, err := repo.Acquire(ctx, "default", "process-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 持有者停止续期后租约过期，继任者可获取
	mr.FastForward(16 * time.Second)

	ok, err = repo.Acquire(ctx, "default", "process-2", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseRenewOnlyByHolder(t *testing.T) {
	mr, client := setupRedis(t)
	repo := NewLeaseRepository(client)
	ctx := context.Background()

	ok, err := repo.Acquire(ctx, "default", "process-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 非持有者续期失败
	ok, err = repo.Renew(ctx, "default", "process-2", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// 持有者续期成功且TTL被重置
	mr.FastForward(10 * time.Second)
	ok, err = repo.Renew(ctx, "default", "process-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(10 * time.Second)
	holder, err := repo.GetHolder(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "process-1", holder)
}

func TestLeaseReleaseOnlyByHolder(t *testing.T) {
	_, client := setupRedis(t)
	repo := NewLeaseRepository(client)
	ctx := context.Background()

	ok, err := repo.Acquire(ctx, "default", "process-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 非持有者的释放不生效
	require.NoError(t, repo.Release(ctx, "default", "process-2"))
	holder, err := repo.GetHolder(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "process-1", holder)

	// 持有者主动释放后租约立即可被获取
	require.NoError(t, repo.Release(ctx, "default", "process-1"))
	ok, err = repo.Acquire(ctx, "default", "process-2", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseGetHolderEmpty(t *testing.T) {
	_, client := setupRedis(t)
	repo := NewLeaseRepository(client)

	holder, err := repo.GetHolder(context.Background(), "default")
	require.NoError(t, err)
	assert.Empty(t, holder)
}
