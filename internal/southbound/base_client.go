package southbound

import (
	"sync"
	"time"

	"github.com/y001j/fieldgate/internal/model"
)

// BaseClient 提供协议客户端的基础实现：连接事实维护与状态快照。
// ConnectionState 由各协议客户端独占修改，外部只读。
type BaseClient struct {
	name       string
	clientType string

	mu    sync.RWMutex
	state model.ConnectionState
}

// NewBaseClient 创建新的基础客户端
func NewBaseClient(name, clientType string) *BaseClient {
	return &BaseClient{
		name:       name,
		clientType: clientType,
		state: model.ConnectionState{
			Available:               true,
			Status:                  model.StatusInitializing,
			HeartbeatTimeoutSeconds: model.DefaultHeartbeatTimeout,
		},
	}
}

// Name 返回客户端名称
func (b *BaseClient) Name() string {
	return b.name
}

// Type 返回协议类型
func (b *BaseClient) Type() string {
	return b.clientType
}

// State 返回连接事实的快照
func (b *BaseClient) State() model.ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetHeartbeatTimeout 设置心跳超时秒数
func (b *BaseClient) SetHeartbeatTimeout(seconds uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seconds > 0 {
		b.state.HeartbeatTimeoutSeconds = seconds
	}
}

// MarkConnected 记录连接成功：重试清零、清除错误、刷新心跳
func (b *BaseClient) MarkConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.state.Connected = true
	b.state.Status = model.StatusReady
	b.state.RetryCount = 0
	b.state.LastError = nil
	b.state.LastHeartbeat = &now
}

// MarkDisconnected 记录连接断开
func (b *BaseClient) MarkDisconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Connected = false
	b.state.Status = model.StatusReconnecting
}

// MarkRetry 连接重试计数加一
func (b *BaseClient) MarkRetry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.RetryCount++
	if b.state.Status != model.StatusInitializing {
		b.state.Status = model.StatusReconnecting
	}
}

// MarkError 记录错误事实
func (b *BaseClient) MarkError(rec model.ErrorRecord, fatal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.LastError = &rec
	if fatal {
		b.state.Status = model.StatusError
		b.state.Connected = false
	}
}

// Heartbeat 刷新心跳时间
func (b *BaseClient) Heartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.state.LastHeartbeat = &now
}

// SetAvailable 设置可用标志（例如配置禁用该连接时置false）
func (b *BaseClient) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Available = available
}

// BaseStatus 返回所有客户端共有的状态字段
func (b *BaseClient) BaseStatus() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := map[string]interface{}{
		"name":        b.name,
		"type":        b.clientType,
		"available":   b.state.Available,
		"connected":   b.state.Connected,
		"status":      string(b.state.Status),
		"retry_count": b.state.RetryCount,
	}
	if b.state.LastHeartbeat != nil {
		st["last_heartbeat"] = model.ISOTime(*b.state.LastHeartbeat)
	}
	if b.state.LastError != nil {
		st["last_error"] = b.state.LastError.Code
	}
	return st
}
