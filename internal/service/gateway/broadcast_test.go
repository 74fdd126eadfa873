package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentModel "helmsman/internal/model/agent"
)

func snapshotEnvelope(t *testing.T, orgID string) *agentModel.Envelope {
	envelope, err := agentModel.NewEnvelope(agentModel.MessageTypeSnapshot, &agentModel.SnapshotMessage{
		OrgID:        orgID,
		OnlineAgents: 3,
	})
	require.NoError(t, err)
	return envelope
}

func TestBroadcastToOrgTenantIsolation(t *testing.T) {
	hub := NewSubscriberHub()

	clientA := NewSubscriberClient("user-a", "org-a", 8)
	clientA2 := NewSubscriberClient("user-a2", "org-a", 8)
	clientB := NewSubscriberClient("user-b", "org-b", 8)
	hub.Register(clientA)
	hub.Register(clientA2)
	hub.Register(clientB)

	hub.BroadcastToOrg("org-a", snapshotEnvelope(t, "org-a"))

	// org-a的两个订阅端都收到
	for _, client := range []*SubscriberClient{clientA, clientA2} {
		select {
		case data := <-client.Send:
			var envelope agentModel.Envelope
			require.NoError(t, json.Unmarshal(data, &envelope))
			assert.Equal(t, agentModel.MessageTypeSnapshot, envelope.Type)

			var snapshot agentModel.SnapshotMessage
			require.NoError(t, json.Unmarshal(envelope.Data, &snapshot))
			assert.Equal(t, "org-a", snapshot.OrgID)
		default:
			t.Fatalf("subscriber %s did not receive broadcast", client.UserID)
		}
	}

	// org-b的订阅端绝不能收到org-a的数据
	select {
	case <-clientB.Send:
		t.Fatal("cross-tenant broadcast leaked to org-b")
	default:
	}
}

func TestBroadcastEvictsSlowConsumer(t *testing.T) {
	hub := NewSubscriberHub()

	slow := NewSubscriberClient("user-slow", "org-a", 1)
	fast := NewSubscriberClient("user-fast", "org-a", 8)
	hub.Register(slow)
	hub.Register(fast)

	// 第一条填满slow的缓冲区，第二条触发剔除
	hub.BroadcastToOrg("org-a", snapshotEnvelope(t, "org-a"))
	hub.BroadcastToOrg("org-a", snapshotEnvelope(t, "org-a"))

	assert.Equal(t, 1, hub.Count())

	// 被剔除订阅端的通道已关闭(排空缓冲后可见)
	drained := 0
	for range slow.Send {
		drained++
	}
	assert.Equal(t, 1, drained)

	// 正常订阅端不受影响
	assert.Len(t, fast.Send, 2)
}

func TestHubOrgIDs(t *testing.T) {
	hub := NewSubscriberHub()
	hub.Register(NewSubscriberClient("u1", "org-a", 1))
	hub.Register(NewSubscriberClient("u2", "org-a", 1))
	hub.Register(NewSubscriberClient("u3", "org-b", 1))

	assert.ElementsMatch(t, []string{"org-a", "org-b"}, hub.OrgIDs())
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	hub := NewSubscriberHub()
	client := NewSubscriberClient("u1", "org-a", 1)
	hub.Register(client)

	hub.Unregister(client)
	assert.Equal(t, 0, hub.Count())

	_, open := <-client.Send
	assert.False(t, open)

	// 重复注销安全
	hub.Unregister(client)
}
