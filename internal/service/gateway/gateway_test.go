package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"helmsman/internal/config"
	agentModel "helmsman/internal/model/agent"
	mysqlAgent "helmsman/internal/repo/mysql/agent"
	redisRepo "helmsman/internal/repo/redis"
)

func testGatewayConfig() *config.GatewayConfig {
	return &config.GatewayConfig{
		HeartbeatInterval:  time.Second,
		RouteTTLMultiplier: 2.5,
		SendBufferSize:     8,
		WriteTimeout:       time.Second,
		ReadTimeout:        2 * time.Second,
		RegisterTimeout:    time.Second,
		StoreTimeout:       time.Second,
	}
}

func setupGateway(t *testing.T, processID string) (*GatewayService, *miniredis.Miniredis, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&agentModel.Agent{}, &agentModel.AgentCommand{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewGatewayService(
		processID,
		testGatewayConfig(),
		NewConnectionRegistry(),
		redisRepo.NewRouteRepository(client),
		mysqlAgent.NewAgentRepository(db),
		mysqlAgent.NewCommandRepository(db),
	)
	return svc, mr, db
}

func TestRegisterAgentEstablishesRouteAndState(t *testing.T) {
	svc, mr, db := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := newTestConn("agent-1", "org-a")
	registered, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{
		AgentID:  "agent-1",
		OrgID:    "org-a",
		Hostname: "host-1",
		Version:  "1.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "process-1", registered.ProcessID)
	assert.Equal(t, int64(1), registered.HeartbeatInterval)

	// 路由映射指向本进程
	val, err := mr.Get("agent:agent-1:process")
	require.NoError(t, err)
	assert.Equal(t, "process-1", val)

	// 数据库状态为在线
	var ag agentModel.Agent
	require.NoError(t, db.Where("agent_id = ?", "agent-1").First(&ag).Error)
	assert.Equal(t, agentModel.AgentStatusOnline, ag.Status)
	assert.Equal(t, "process-1", ag.ProcessID)
}

func TestRegisterAgentTakeoverClosesOldConn(t *testing.T) {
	svc, _, _ := setupGateway(t, "process-1")
	ctx := context.Background()

	first := newTestConn("agent-1", "org-a")
	second := newTestConn("agent-1", "org-a")
	msg := &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"}

	_, err := svc.RegisterAgent(ctx, first, msg)
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, second, msg)
	require.NoError(t, err)

	// 旧连接被强制关闭
	select {
	case <-first.Done():
	default:
		t.Fatal("old connection should be closed after takeover")
	}

	got, ok := svc.Registry().Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestHeartbeatRefreshesRouteAndLoad(t *testing.T) {
	svc, mr, db := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := newTestConn("agent-1", "org-a")
	_, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"})
	require.NoError(t, err)

	// 让路由临近过期后由心跳续期
	mr.FastForward(2 * time.Second)
	require.NoError(t, svc.Heartbeat(ctx, "agent-1", 3))

	ttl := mr.TTL("agent:agent-1:process")
	assert.Greater(t, ttl, 2*time.Second)

	var ag agentModel.Agent
	require.NoError(t, db.Where("agent_id = ?", "agent-1").First(&ag).Error)
	assert.Equal(t, 3, ag.ActiveUnits)
}

// 路由已被他进程接管时心跳续期失败，旧连接的心跳不得抢回路由
func TestHeartbeatRejectedWhenRouteTakenOver(t *testing.T) {
	svc, mr, _ := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := newTestConn("agent-1", "org-a")
	_, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"})
	require.NoError(t, err)

	// Agent在process-2重连，路由归属变更
	require.NoError(t, mr.Set("agent:agent-1:process", "process-2"))

	err = svc.Heartbeat(ctx, "agent-1", 1)
	assert.ErrorIs(t, err, ErrRouteConflict)

	val, err := mr.Get("agent:agent-1:process")
	require.NoError(t, err)
	assert.Equal(t, "process-2", val)
}

func TestDisconnectCleansRouteAndState(t *testing.T) {
	svc, mr, db := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := newTestConn("agent-1", "org-a")
	_, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"})
	require.NoError(t, err)

	svc.Disconnect(ctx, conn)

	assert.False(t, mr.Exists("agent:agent-1:process"))
	var ag agentModel.Agent
	require.NoError(t, db.Where("agent_id = ?", "agent-1").First(&ag).Error)
	assert.Equal(t, agentModel.AgentStatusOffline, ag.Status)
}

func TestDisconnectStaleConnDoesNotTouchNewRegistration(t *testing.T) {
	svc, mr, _ := setupGateway(t, "process-1")
	ctx := context.Background()

	first := newTestConn("agent-1", "org-a")
	second := newTestConn("agent-1", "org-a")
	msg := &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"}

	_, err := svc.RegisterAgent(ctx, first, msg)
	require.NoError(t, err)
	_, err = svc.RegisterAgent(ctx, second, msg)
	require.NoError(t, err)

	// 被顶替连接的断开清理不能破坏新连接的路由
	svc.Disconnect(ctx, first)

	val, err := mr.Get("agent:agent-1:process")
	require.NoError(t, err)
	assert.Equal(t, "process-1", val)
	_, ok := svc.Registry().Get("agent-1")
	assert.True(t, ok)
}

// Agent跨进程重连后，旧进程迟到的断开清理不得把数据库状态打回离线
func TestStaleDisconnectDoesNotOfflineReconnectedAgent(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&agentModel.Agent{}, &agentModel.AgentCommand{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	agentRepo := mysqlAgent.NewAgentRepository(db)
	commandRepo := mysqlAgent.NewCommandRepository(db)
	routeRepo := redisRepo.NewRouteRepository(client)

	svc1 := NewGatewayService("process-1", testGatewayConfig(), NewConnectionRegistry(), routeRepo, agentRepo, commandRepo)
	svc2 := NewGatewayService("process-2", testGatewayConfig(), NewConnectionRegistry(), routeRepo, agentRepo, commandRepo)

	ctx := context.Background()
	msg := &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"}

	oldConn := newTestConn("agent-1", "org-a")
	_, err = svc1.RegisterAgent(ctx, oldConn, msg)
	require.NoError(t, err)

	// Agent迁移到process-2
	newConn := newTestConn("agent-1", "org-a")
	_, err = svc2.RegisterAgent(ctx, newConn, msg)
	require.NoError(t, err)

	// 旧进程此刻才察觉连接断开
	svc1.Disconnect(ctx, oldConn)

	val, err := mr.Get("agent:agent-1:process")
	require.NoError(t, err)
	assert.Equal(t, "process-2", val)

	var ag agentModel.Agent
	require.NoError(t, db.Where("agent_id = ?", "agent-1").First(&ag).Error)
	assert.Equal(t, agentModel.AgentStatusOnline, ag.Status)
	assert.Equal(t, "process-2", ag.ProcessID)
}

// 出站缓冲打满的连接按死连接处理:投递失败即摘除登记、清理路由并关闭
func TestDeliverLocalEvictsBackloggedConn(t *testing.T) {
	svc, mr, db := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := NewAgentConn("agent-1", "org-a", nil, 1, time.Second, time.Minute)
	_, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"})
	require.NoError(t, err)

	// 无消费者，第一条塞满缓冲，第二条触发淘汰
	require.NoError(t, svc.DeliverLocal(&agentModel.CommandMessage{CommandID: "cmd-1", AgentID: "agent-1", Type: "restart"}))
	err = svc.DeliverLocal(&agentModel.CommandMessage{CommandID: "cmd-2", AgentID: "agent-1", Type: "restart"})
	require.Error(t, err)

	_, ok := svc.Registry().Get("agent-1")
	assert.False(t, ok)

	select {
	case <-conn.Done():
	default:
		t.Fatal("backlogged connection should be closed")
	}

	assert.False(t, mr.Exists("agent:agent-1:process"))
	var ag agentModel.Agent
	require.NoError(t, db.Where("agent_id = ?", "agent-1").First(&ag).Error)
	assert.Equal(t, agentModel.AgentStatusOffline, ag.Status)
}

func TestRouteCommandLocalDelivery(t *testing.T) {
	svc, _, _ := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := newTestConn("agent-1", "org-a")
	_, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"})
	require.NoError(t, err)

	cmd := &agentModel.CommandMessage{CommandID: "cmd-1", AgentID: "agent-1", Type: "restart"}
	require.NoError(t, svc.RouteCommand(ctx, cmd))

	// 命令直达本地连接的出站缓冲区
	select {
	case data := <-conn.send:
		var envelope agentModel.Envelope
		require.NoError(t, json.Unmarshal(data, &envelope))
		assert.Equal(t, agentModel.MessageTypeCommand, envelope.Type)

		var got agentModel.CommandMessage
		require.NoError(t, json.Unmarshal(envelope.Data, &got))
		assert.Equal(t, "cmd-1", got.CommandID)
	default:
		t.Fatal("command was not delivered to local connection")
	}
}

func TestRouteCommandCrossProcessForwarding(t *testing.T) {
	svc, mr, _ := setupGateway(t, "process-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// agent-2归属另一进程
	require.NoError(t, mr.Set("agent:agent-2:process", "process-2"))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	pubsub := client.Subscribe(ctx, "process:process-2:commands")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	cmd := &agentModel.CommandMessage{CommandID: "cmd-2", AgentID: "agent-2", Type: "restart"}
	require.NoError(t, svc.RouteCommand(ctx, cmd))

	select {
	case msg := <-pubsub.Channel():
		var got agentModel.CommandMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "cmd-2", got.CommandID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for forwarded command")
	}
}

// 停机清理覆盖路由、数据库状态与连接三处
func TestShutdownMarksProcessAgentsOffline(t *testing.T) {
	svc, mr, db := setupGateway(t, "process-1")
	ctx := context.Background()

	conn := newTestConn("agent-1", "org-a")
	_, err := svc.RegisterAgent(ctx, conn, &agentModel.RegisterMessage{AgentID: "agent-1", OrgID: "org-a"})
	require.NoError(t, err)

	svc.Shutdown(ctx)

	assert.False(t, mr.Exists("agent:agent-1:process"))

	var ag agentModel.Agent
	require.NoError(t, db.Where("agent_id = ?", "agent-1").First(&ag).Error)
	assert.Equal(t, agentModel.AgentStatusOffline, ag.Status)
	assert.Empty(t, ag.ProcessID)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection should be closed after shutdown")
	}
}

func TestRouteCommandNoRoute(t *testing.T) {
	svc, _, _ := setupGateway(t, "process-1")

	cmd := &agentModel.CommandMessage{CommandID: "cmd-3", AgentID: "agent-ghost", Type: "restart"}
	err := svc.RouteCommand(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestRouteCommandStaleSelfRoute(t *testing.T) {
	svc, mr, _ := setupGateway(t, "process-1")

	// 路由指向本进程但注册表已无连接:连接刚断开而路由未过期
	require.NoError(t, mr.Set("agent:agent-1:process", "process-1"))

	cmd := &agentModel.CommandMessage{CommandID: "cmd-4", AgentID: "agent-1", Type: "restart"}
	err := svc.RouteCommand(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrNoRoute)
}
