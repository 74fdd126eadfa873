package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    CommandStatus
		to      CommandStatus
		allowed bool
	}{
		{CommandStatusPending, CommandStatusSent, true},
		{CommandStatusPending, CommandStatusFailed, true},
		{CommandStatusPending, CommandStatusAcknowledged, false},
		{CommandStatusPending, CommandStatusCompleted, false},
		{CommandStatusSent, CommandStatusAcknowledged, true},
		{CommandStatusSent, CommandStatusFailed, true},
		{CommandStatusSent, CommandStatusCompleted, false},
		{CommandStatusSent, CommandStatusPending, false},
		{CommandStatusAcknowledged, CommandStatusCompleted, true},
		{CommandStatusAcknowledged, CommandStatusFailed, true},
		{CommandStatusAcknowledged, CommandStatusSent, false},
		// 终态不可再迁移
		{CommandStatusCompleted, CommandStatusFailed, false},
		{CommandStatusCompleted, CommandStatusPending, false},
		{CommandStatusFailed, CommandStatusSent, false},
		{CommandStatusFailed, CommandStatusCompleted, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCommandTransitionTimestamps(t *testing.T) {
	cmd := &AgentCommand{
		CommandID: "cmd-1",
		AgentID:   "agent-1",
		Status:    CommandStatusPending,
	}

	err := cmd.Transition(CommandStatusSent)
	assert.NoError(t, err)
	assert.Equal(t, CommandStatusSent, cmd.Status)
	assert.NotNil(t, cmd.SentAt)
	assert.Nil(t, cmd.AckedAt)

	err = cmd.Transition(CommandStatusAcknowledged)
	assert.NoError(t, err)
	assert.NotNil(t, cmd.AckedAt)
	assert.Nil(t, cmd.CompletedAt)

	err = cmd.Transition(CommandStatusCompleted)
	assert.NoError(t, err)
	assert.NotNil(t, cmd.CompletedAt)
	assert.True(t, cmd.Status.IsTerminal())

	// 终态后的迁移被拒绝，状态不变
	err = cmd.Transition(CommandStatusFailed)
	assert.Error(t, err)
	assert.Equal(t, CommandStatusCompleted, cmd.Status)
}

func TestCommandFail(t *testing.T) {
	cmd := &AgentCommand{
		CommandID: "cmd-2",
		Status:    CommandStatusSent,
	}

	err := cmd.Fail("agent rejected")
	assert.NoError(t, err)
	assert.Equal(t, CommandStatusFailed, cmd.Status)
	assert.Equal(t, "agent rejected", cmd.ErrorMessage)
	assert.NotNil(t, cmd.CompletedAt)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, CommandStatusPending.IsTerminal())
	assert.False(t, CommandStatusSent.IsTerminal())
	assert.False(t, CommandStatusAcknowledged.IsTerminal())
	assert.True(t, CommandStatusCompleted.IsTerminal())
	assert.True(t, CommandStatusFailed.IsTerminal())
}
