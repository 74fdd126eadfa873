package agent

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	agentModel "helmsman/internal/model/agent"
)

// setupTestDB 内存数据库，每个测试独立
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&agentModel.Agent{}, &agentModel.AgentCommand{}))
	return db
}

func strPtr(s string) *string {
	return &s
}

func TestCommandCreateAndGet(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	cmd := &agentModel.AgentCommand{
		CommandID: "cmd-1",
		AgentID:   "agent-1",
		OrgID:     "org-a",
		SessionID: strPtr("sess-1"),
		Type:      "restart",
		Payload:   agentModel.PayloadJSON{"force": true},
	}
	require.NoError(t, repo.Create(cmd))

	got, err := repo.GetByCommandID("cmd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, agentModel.CommandStatusPending, got.Status)
	assert.Equal(t, "org-a", got.OrgID)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-1", *got.SessionID)

	// 未找到返回nil而非错误
	missing, err := repo.GetByCommandID("cmd-none")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCommandNullableSessionID(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	cmd := &agentModel.AgentCommand{
		CommandID: "cmd-nosess",
		AgentID:   "agent-1",
		OrgID:     "org-a",
		Type:      "ping",
	}
	require.NoError(t, repo.Create(cmd))

	got, err := repo.GetByCommandID("cmd-nosess")
	require.NoError(t, err)
	assert.Nil(t, got.SessionID)
}

func TestCommandTransitionStatusGuard(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	cmd := &agentModel.AgentCommand{
		CommandID: "cmd-2",
		AgentID:   "agent-1",
		OrgID:     "org-a",
		Type:      "restart",
	}
	require.NoError(t, repo.Create(cmd))

	// pending -> sent
	require.NoError(t, repo.TransitionStatus("cmd-2", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))

	got, _ := repo.GetByCommandID("cmd-2")
	assert.Equal(t, agentModel.CommandStatusSent, got.Status)
	assert.NotNil(t, got.SentAt)

	// 重复的pending->sent未命中前置状态，被拒绝
	err := repo.TransitionStatus("cmd-2", agentModel.CommandStatusPending, agentModel.CommandStatusSent, "")
	assert.Equal(t, ErrStaleTransition, err)

	// 非法迁移sent->completed被状态机拒绝
	err = repo.TransitionStatus("cmd-2", agentModel.CommandStatusSent, agentModel.CommandStatusCompleted, "")
	assert.Equal(t, ErrStaleTransition, err)

	// sent -> acknowledged -> completed
	require.NoError(t, repo.TransitionStatus("cmd-2", agentModel.CommandStatusSent, agentModel.CommandStatusAcknowledged, ""))
	require.NoError(t, repo.TransitionStatus("cmd-2", agentModel.CommandStatusAcknowledged, agentModel.CommandStatusCompleted, ""))

	got, _ = repo.GetByCommandID("cmd-2")
	assert.Equal(t, agentModel.CommandStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// 终态后任何迁移都被拒绝
	err = repo.TransitionStatus("cmd-2", agentModel.CommandStatusCompleted, agentModel.CommandStatusFailed, "late failure")
	assert.Equal(t, ErrStaleTransition, err)
}

func TestCommandTransitionStatusFailureReason(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	cmd := &agentModel.AgentCommand{
		CommandID: "cmd-3",
		AgentID:   "agent-1",
		OrgID:     "org-a",
		Type:      "restart",
	}
	require.NoError(t, repo.Create(cmd))

	require.NoError(t, repo.TransitionStatus("cmd-3", agentModel.CommandStatusPending, agentModel.CommandStatusFailed, "agent is not connected"))

	got, _ := repo.GetByCommandID("cmd-3")
	assert.Equal(t, agentModel.CommandStatusFailed, got.Status)
	assert.Equal(t, "agent is not connected", got.ErrorMessage)
}

func TestListPendingByAgentOrder(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	for _, id := range []string{"cmd-a", "cmd-b", "cmd-c"} {
		require.NoError(t, repo.Create(&agentModel.AgentCommand{
			CommandID: id,
			AgentID:   "agent-1",
			OrgID:     "org-a",
			Type:      "ping",
		}))
	}
	// 其他Agent和非pending状态不应出现
	require.NoError(t, repo.Create(&agentModel.AgentCommand{
		CommandID: "cmd-other",
		AgentID:   "agent-2",
		OrgID:     "org-a",
		Type:      "ping",
	}))
	require.NoError(t, repo.TransitionStatus("cmd-b", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))

	pending, err := repo.ListPendingByAgent("agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// 按创建顺序返回
	assert.Equal(t, "cmd-a", pending[0].CommandID)
	assert.Equal(t, "cmd-c", pending[1].CommandID)
}

func TestListPendingAgentIDs(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	for i, agentID := range []string{"agent-1", "agent-1", "agent-2"} {
		require.NoError(t, repo.Create(&agentModel.AgentCommand{
			CommandID: "cmd-" + string(rune('a'+i)),
			AgentID:   agentID,
			OrgID:     "org-a",
			Type:      "ping",
		}))
	}

	agentIDs, err := repo.ListPendingAgentIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, agentIDs)
}

func TestGetListTenantFilter(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	require.NoError(t, repo.Create(&agentModel.AgentCommand{CommandID: "cmd-a1", AgentID: "agent-1", OrgID: "org-a", Type: "ping"}))
	require.NoError(t, repo.Create(&agentModel.AgentCommand{CommandID: "cmd-a2", AgentID: "agent-2", OrgID: "org-a", Type: "ping"}))
	require.NoError(t, repo.Create(&agentModel.AgentCommand{CommandID: "cmd-b1", AgentID: "agent-3", OrgID: "org-b", Type: "ping"}))

	// org-a只能看到自己的命令
	commands, total, err := repo.GetList(&agentModel.ListCommandsRequest{Page: 1, PageSize: 10}, "org-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, cmd := range commands {
		assert.Equal(t, "org-a", cmd.OrgID)
	}

	// 按Agent过滤
	commands, total, err = repo.GetList(&agentModel.ListCommandsRequest{AgentID: "agent-1", Page: 1, PageSize: 10}, "org-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "cmd-a1", commands[0].CommandID)
}

func TestCountByStatusForOrg(t *testing.T) {
	repo := NewCommandRepository(setupTestDB(t))

	require.NoError(t, repo.Create(&agentModel.AgentCommand{CommandID: "cmd-1", AgentID: "agent-1", OrgID: "org-a", Type: "ping"}))
	require.NoError(t, repo.Create(&agentModel.AgentCommand{CommandID: "cmd-2", AgentID: "agent-1", OrgID: "org-a", Type: "ping"}))
	require.NoError(t, repo.Create(&agentModel.AgentCommand{CommandID: "cmd-3", AgentID: "agent-2", OrgID: "org-b", Type: "ping"}))
	require.NoError(t, repo.TransitionStatus("cmd-1", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))

	stats, err := repo.CountByStatusForOrg("org-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["pending"])
	assert.Equal(t, int64(1), stats["sent"])

	// 他租户的命令互不可见
	statsB, err := repo.CountByStatusForOrg("org-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), statsB["pending"])
}
