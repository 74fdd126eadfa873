package election

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/config"
	redisRepo "helmsman/internal/repo/redis"
)

func testElectionConfig() *config.ElectionConfig {
	return &config.ElectionConfig{
		Enabled:       true,
		Group:         "test",
		LeaseDuration: 2 * time.Second,
		RenewDeadline: 500 * time.Millisecond,
		RetryPeriod:   100 * time.Millisecond,
	}
}

func setupLeaseRepo(t *testing.T) (*miniredis.Miniredis, *redisRepo.LeaseRepository) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, redisRepo.NewLeaseRepository(client)
}

func TestFailoverBound(t *testing.T) {
	_, leaseRepo := setupLeaseRepo(t)
	elector := NewElector(testElectionConfig(), "process-1", leaseRepo, Callbacks{})

	// 故障转移上界 = 租约时长 + 轮询周期
	assert.Equal(t, 2*time.Second+100*time.Millisecond, elector.FailoverBound())
}

func TestElectorBecomesLeader(t *testing.T) {
	_, leaseRepo := setupLeaseRepo(t)

	var leading atomic.Bool
	elector := NewElector(testElectionConfig(), "process-1", leaseRepo, Callbacks{
		OnStartedLeading: func(ctx context.Context) {
			leading.Store(true)
			<-ctx.Done()
			leading.Store(false)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		elector.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return elector.IsLeader() && leading.Load()
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	assert.False(t, elector.IsLeader())
	assert.False(t, leading.Load())
}

func TestElectorMutualExclusion(t *testing.T) {
	_, leaseRepo := setupLeaseRepo(t)

	first := NewElector(testElectionConfig(), "process-1", leaseRepo, Callbacks{})
	second := NewElector(testElectionConfig(), "process-2", leaseRepo, Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Run(ctx)

	require.Eventually(t, func() bool { return first.IsLeader() }, 3*time.Second, 20*time.Millisecond)

	go second.Run(ctx)
	// 第一个持有租约期间第二个始终不能当选
	time.Sleep(800 * time.Millisecond)
	assert.True(t, first.IsLeader())
	assert.False(t, second.IsLeader())
}

func TestElectorFailoverOnRelease(t *testing.T) {
	_, leaseRepo := setupLeaseRepo(t)

	first := NewElector(testElectionConfig(), "process-1", leaseRepo, Callbacks{})
	second := NewElector(testElectionConfig(), "process-2", leaseRepo, Callbacks{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	secondCtx, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()

	firstDone := make(chan struct{})
	go func() {
		first.Run(firstCtx)
		close(firstDone)
	}()
	require.Eventually(t, func() bool { return first.IsLeader() }, 3*time.Second, 20*time.Millisecond)

	go second.Run(secondCtx)

	// 领导者停机时主动释放租约，继任者无需等待租约过期
	cancelFirst()
	<-firstDone

	require.Eventually(t, func() bool { return second.IsLeader() }, 3*time.Second, 20*time.Millisecond)
}

func TestElectorLosesLeadershipWhenLeaseStolen(t *testing.T) {
	mr, leaseRepo := setupLeaseRepo(t)

	var stopped atomic.Bool
	elector := NewElector(testElectionConfig(), "process-1", leaseRepo, Callbacks{
		OnStartedLeading: func(ctx context.Context) {
			<-ctx.Done()
		},
		OnStoppedLeading: func() {
			stopped.Store(true)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go elector.Run(ctx)

	require.Eventually(t, func() bool { return elector.IsLeader() }, 3*time.Second, 20*time.Millisecond)

	// 租约被外力改写(等价于过期后被他人获取)，续期失败触发失位
	require.NoError(t, mr.Set("agent:leader:test", "process-other"))

	require.Eventually(t, func() bool {
		return !elector.IsLeader() && stopped.Load()
	}, 3*time.Second, 20*time.Millisecond)
}
