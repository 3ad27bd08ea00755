package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fieldgate/internal/alert"
	"github.com/y001j/fieldgate/internal/fanout"
	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/security"
	"github.com/y001j/fieldgate/internal/southbound"
)

type fakeClient struct {
	mu         sync.Mutex
	name       string
	connectErr error
	readErr    error
	value      interface{}
	state      model.ConnectionState
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:  name,
		value: 25.0,
		state: model.ConnectionState{Available: true, Status: model.StatusInitializing},
	}
}

func (c *fakeClient) Name() string                     { return c.name }
func (c *fakeClient) Init(cfg southbound.Config) error { return nil }

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		c.state.RetryCount++
		return c.connectErr
	}
	now := time.Now()
	c.state.Connected = true
	c.state.Status = model.StatusReady
	c.state.RetryCount = 0
	c.state.LastHeartbeat = &now
	return nil
}

func (c *fakeClient) ReadValue(ctx context.Context, id string) (southbound.ReadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return southbound.ReadResult{}, c.readErr
	}
	return southbound.ReadResult{Value: c.value, Quality: model.QualityGood, Timestamp: time.Now()}, nil
}

func (c *fakeClient) Status() map[string]interface{} {
	return map[string]interface{}{"name": c.name}
}

func (c *fakeClient) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) setState(st model.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
}

func (c *fakeClient) Close() error { return nil }

func recvEnvelope(t *testing.T, ch <-chan []byte) fanout.Envelope {
	t.Helper()
	select {
	case payload := <-ch:
		var env fanout.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("未在超时前收到消息")
		return fanout.Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case payload := <-ch:
		t.Fatalf("不应收到消息: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func testPipeline(client *fakeClient, b *fanout.Broadcaster, engine *alert.Engine) *pipeline {
	return newPipeline(pipelineDeps{
		name:        client.name,
		unitID:      "unit1",
		client:      client,
		guard:       security.NewGuard(client, security.StaticEnvironment{}),
		points:      []southbound.PointConfig{{ID: "ns=2;i=100", SensorType: "temperature"}},
		interval:    time.Second,
		engine:      engine,
		broadcaster: b,
	})
}

func TestPipelinePollPublishesReadingAndAlert(t *testing.T) {
	client := newFakeClient("plant-a")
	client.value = 90.456 // 超过默认规则的85阈值

	b := fanout.NewBroadcaster()
	defer b.Close()
	out := b.Connect("sub")
	require.True(t, b.Subscribe("sub", fanout.UnitTopic("unit1")))

	p := testPipeline(client, b, alert.NewEngine())
	ctx := context.Background()

	require.True(t, p.ensureConnected(ctx))
	p.pollPoints(ctx)

	env := recvEnvelope(t, out)
	assert.Equal(t, "sensor_data", env.Type)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var msg model.SensorDataMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "unit1", msg.UnitID)
	assert.Equal(t, "temperature", msg.SensorType)
	assert.InDelta(t, 90.46, msg.Value, 1e-9) // 规范化舍入到两位小数
	assert.Equal(t, model.QualityGood, msg.Quality)

	env = recvEnvelope(t, out)
	assert.Equal(t, "system_alert", env.Type)
}

func TestPipelinePollBelowThresholdNoAlert(t *testing.T) {
	client := newFakeClient("plant-a")
	client.value = 42.0

	b := fanout.NewBroadcaster()
	defer b.Close()
	out := b.Connect("sub")
	require.True(t, b.Subscribe("sub", fanout.UnitTopic("unit1")))

	p := testPipeline(client, b, alert.NewEngine())
	ctx := context.Background()

	require.True(t, p.ensureConnected(ctx))
	p.pollPoints(ctx)

	env := recvEnvelope(t, out)
	assert.Equal(t, "sensor_data", env.Type)
	assertNoEnvelope(t, out)
}

func TestPipelineReadFailureSkipsPoint(t *testing.T) {
	client := newFakeClient("plant-a")
	client.readErr = errors.New("timeout")

	b := fanout.NewBroadcaster()
	defer b.Close()
	out := b.Connect("sub")
	require.True(t, b.Subscribe("sub", fanout.UnitTopic("unit1")))

	p := testPipeline(client, b, alert.NewEngine())
	ctx := context.Background()

	require.True(t, p.ensureConnected(ctx))
	p.pollPoints(ctx)
	assertNoEnvelope(t, out)
}

func TestEnsureConnectedRateLimitCooldown(t *testing.T) {
	client := newFakeClient("plant-a")
	client.connectErr = errors.New("connection refused")

	b := fanout.NewBroadcaster()
	defer b.Close()
	p := testPipeline(client, b, alert.NewEmptyEngine())
	ctx := context.Background()

	// 默认上限3次，用尽后第4次触发限流进入冷却
	for i := 0; i < 4; i++ {
		assert.False(t, p.ensureConnected(ctx))
	}
	require.False(t, p.rateLimitedAt.IsZero())

	// 冷却期内不再尝试连接
	attemptsBefore := p.guard.SecurityStatus().AttemptCount
	assert.False(t, p.ensureConnected(ctx))
	assert.Equal(t, attemptsBefore, p.guard.SecurityStatus().AttemptCount)

	// 冷却结束：重置计数后重新尝试，服务恢复则连接成功
	client.mu.Lock()
	client.connectErr = nil
	client.mu.Unlock()
	p.rateLimitedAt = time.Now().Add(-2 * rateLimitCooldown)
	assert.True(t, p.ensureConnected(ctx))
	assert.True(t, p.rateLimitedAt.IsZero())
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "offline", statusLabel(model.AvailabilityUnavailable))
	assert.Equal(t, "degraded", statusLabel(model.AvailabilityDegraded))
	assert.Equal(t, "online", statusLabel(model.AvailabilityAvailable))
	assert.Equal(t, "online", statusLabel(model.AvailabilityFullyAvailable))
}

func TestPublishStatusChange(t *testing.T) {
	client := newFakeClient("plant-a")

	b := fanout.NewBroadcaster()
	defer b.Close()
	out := b.Connect("sub")
	require.True(t, b.Subscribe("sub", fanout.UnitTopic("unit1")))
	require.True(t, b.Subscribe("sub", fanout.TopicStatusUpdates))

	p := testPipeline(client, b, alert.NewEmptyEngine())

	// 初始化中：首次发布degraded
	p.publishStatusChange()
	env := recvEnvelope(t, out)
	assert.Equal(t, "unit_status", env.Type)

	// 等级未变化则不重复发布
	p.publishStatusChange()
	assertNoEnvelope(t, out)

	// 连接成功后等级上升，发布状态变更与设备差异
	require.NoError(t, client.Connect(context.Background()))
	p.publishStatusChange()

	env = recvEnvelope(t, out)
	assert.Equal(t, "unit_status", env.Type)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var msg model.UnitStatusMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "online", msg.Status)
	assert.InDelta(t, 100, msg.HealthStatus, 1e-9)

	env = recvEnvelope(t, out)
	assert.Equal(t, "device_status", env.Type)

	// 不可用时发布offline，并附带合成的系统告警
	client.setState(model.ConnectionState{Available: false})
	p.publishStatusChange()

	env = recvEnvelope(t, out)
	assert.Equal(t, "unit_status", env.Type)
	env = recvEnvelope(t, out)
	assert.Equal(t, "system_alert", env.Type)
}
