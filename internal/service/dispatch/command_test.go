package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentModel "helmsman/internal/model/agent"
)

func setupCommandService(t *testing.T) (*CommandService, *dispatchFixture) {
	f := setupDispatch(t)
	return NewCommandService(f.commandRepo, f.dispatcher), f
}

func TestCreateCommandPersistsWithOrg(t *testing.T) {
	svc, f := setupCommandService(t)

	sessionID := "sess-1"
	cmd, err := svc.CreateCommand(&agentModel.CreateCommandRequest{
		AgentID:   "agent-1",
		SessionID: &sessionID,
		Type:      "restart",
		Payload:   agentModel.PayloadJSON{"force": true},
	}, "org-a")
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.CommandID)
	assert.Equal(t, agentModel.CommandStatusPending, cmd.Status)
	assert.Equal(t, "org-a", cmd.OrgID)

	stored, err := f.commandRepo.GetByCommandID(cmd.CommandID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.SessionID)
	assert.Equal(t, "sess-1", *stored.SessionID)
}

func TestCreateCommandSurvivesFullQueue(t *testing.T) {
	svc, f := setupCommandService(t)

	// 无消费者时塞满队列
	for i := 0; i < 16; i++ {
		require.NoError(t, f.dispatcher.Enqueue(&agentModel.CommandMessage{CommandID: "cmd-fill", AgentID: "agent-1"}))
	}

	// 入队失败不影响命令创建，保持pending等待恢复扫描
	cmd, err := svc.CreateCommand(&agentModel.CreateCommandRequest{AgentID: "agent-1", Type: "ping"}, "org-a")
	require.NoError(t, err)

	stored, err := f.commandRepo.GetByCommandID(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, agentModel.CommandStatusPending, stored.Status)
}

func TestGetCommandTenantIsolation(t *testing.T) {
	svc, _ := setupCommandService(t)

	cmd, err := svc.CreateCommand(&agentModel.CreateCommandRequest{AgentID: "agent-1", Type: "ping"}, "org-a")
	require.NoError(t, err)

	// 本租户可见
	got, err := svc.GetCommand(cmd.CommandID, "org-a")
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandID, got.CommandID)

	// 他租户按不存在处理
	_, err = svc.GetCommand(cmd.CommandID, "org-b")
	assert.ErrorIs(t, err, ErrCommandNotFound)

	_, err = svc.GetCommand("cmd-missing", "org-a")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestHandleAckAccepted(t *testing.T) {
	svc, f := setupCommandService(t)

	f.createCommand(t, "cmd-1", "agent-1")
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-1", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))

	svc.HandleAck("agent-1", &agentModel.AckMessage{CommandID: "cmd-1", Status: agentModel.AckStatusAccepted})

	cmd, _ := f.commandRepo.GetByCommandID("cmd-1")
	assert.Equal(t, agentModel.CommandStatusAcknowledged, cmd.Status)
	assert.NotNil(t, cmd.AckedAt)
}

func TestHandleAckRejected(t *testing.T) {
	svc, f := setupCommandService(t)

	f.createCommand(t, "cmd-2", "agent-1")
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-2", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))

	svc.HandleAck("agent-1", &agentModel.AckMessage{CommandID: "cmd-2", Status: agentModel.AckStatusRejected, Reason: "unsupported type"})

	cmd, _ := f.commandRepo.GetByCommandID("cmd-2")
	assert.Equal(t, agentModel.CommandStatusFailed, cmd.Status)
	assert.Equal(t, "unsupported type", cmd.ErrorMessage)
}

func TestHandleAckOutOfOrderIgnored(t *testing.T) {
	svc, f := setupCommandService(t)

	// 命令还在pending，直接ack属于乱序回报
	f.createCommand(t, "cmd-3", "agent-1")
	svc.HandleAck("agent-1", &agentModel.AckMessage{CommandID: "cmd-3", Status: agentModel.AckStatusAccepted})

	cmd, _ := f.commandRepo.GetByCommandID("cmd-3")
	assert.Equal(t, agentModel.CommandStatusPending, cmd.Status)
}

func TestHandleResultCompleted(t *testing.T) {
	svc, f := setupCommandService(t)

	f.createCommand(t, "cmd-4", "agent-1")
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-4", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-4", agentModel.CommandStatusSent, agentModel.CommandStatusAcknowledged, ""))

	svc.HandleResult("agent-1", &agentModel.ResultMessage{CommandID: "cmd-4", Status: agentModel.ResultStatusCompleted})

	cmd, _ := f.commandRepo.GetByCommandID("cmd-4")
	assert.Equal(t, agentModel.CommandStatusCompleted, cmd.Status)
	assert.NotNil(t, cmd.CompletedAt)
}

func TestHandleResultFailed(t *testing.T) {
	svc, f := setupCommandService(t)

	f.createCommand(t, "cmd-5", "agent-1")
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-5", agentModel.CommandStatusPending, agentModel.CommandStatusSent, ""))
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-5", agentModel.CommandStatusSent, agentModel.CommandStatusAcknowledged, ""))

	svc.HandleResult("agent-1", &agentModel.ResultMessage{CommandID: "cmd-5", Status: agentModel.ResultStatusFailed, Error: "exit code 1"})

	cmd, _ := f.commandRepo.GetByCommandID("cmd-5")
	assert.Equal(t, agentModel.CommandStatusFailed, cmd.Status)
	assert.Equal(t, "exit code 1", cmd.ErrorMessage)
}

func TestHandleResultOnTerminalIgnored(t *testing.T) {
	svc, f := setupCommandService(t)

	f.createCommand(t, "cmd-6", "agent-1")
	require.NoError(t, f.commandRepo.TransitionStatus("cmd-6", agentModel.CommandStatusPending, agentModel.CommandStatusFailed, "timeout"))

	// 终态后的回报被忽略，状态与原因不变
	svc.HandleResult("agent-1", &agentModel.ResultMessage{CommandID: "cmd-6", Status: agentModel.ResultStatusCompleted})

	cmd, _ := f.commandRepo.GetByCommandID("cmd-6")
	assert.Equal(t, agentModel.CommandStatusFailed, cmd.Status)
	assert.Equal(t, "timeout", cmd.ErrorMessage)
}
