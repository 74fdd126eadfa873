package election

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	agentModel "helmsman/internal/model/agent"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
)

func TestStaleSweeperMarksLostAgentsOffline(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&agentModel.Agent{}))

	repo := mysqlAgent.NewAgentRepository(db)
	staleAgent := &agentModel.Agent{AgentID: "agent-stale", OrgID: "org-a"}
	staleAgent.MarkOnline("process-dead")
	require.NoError(t, repo.Create(staleAgent))

	// 心跳时间拨到失联阈值之外
	require.NoError(t, db.Model(&agentModel.Agent{}).
		Where("agent_id = ?", "agent-stale").
		Update("last_heartbeat", time.Now().Add(-time.Minute)).Error)

	sweeper := NewStaleSweeper(repo, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ag, err := repo.GetByAgentID("agent-stale")
		return err == nil && ag != nil && ag.Status == agentModel.AgentStatusOffline
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
