package security

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/southbound"
)

var (
	// ErrNotInitialized Guard未挂载协议客户端
	ErrNotInitialized = errors.New("security guard: no protocol client attached")
	// ErrRateLimited 连接尝试已达上限
	ErrRateLimited = errors.New("security guard: connection attempts rate limited")
)

const (
	// maxEvents 安全事件环形缓冲容量
	maxEvents = 100
	// maxIdentifierLen 标识符最大长度
	maxIdentifierLen = 256
	// DefaultMaxAttempts 连接尝试默认上限
	DefaultMaxAttempts = 3

	invalidIDSentinel = "<invalid-identifier>"
)

// Hook 在受保护操作前后以及出错时触发，用于组合横切日志。
// 显式组合而非隐式包装，调用顺序就是切片顺序。
type Hook struct {
	Before  func(op string, details map[string]interface{})
	After   func(op string, details map[string]interface{})
	OnError func(op string, err error, details map[string]interface{})
}

// Status Guard的只读状态快照
type Status struct {
	Enabled          bool   `json:"enabled"`
	BackendAvailable bool   `json:"backend_available"`
	AttemptCount     int    `json:"attempt_count"`
	MaxAttempts      int    `json:"max_attempts"`
	RecentEventCount int    `json:"recent_event_count"`
	ClientAttached   bool   `json:"client_attached"`
	ConnectionName   string `json:"connection_name,omitempty"`
}

// Guard 包装协议客户端的connect/read操作：校验标识符、限制连接尝试、
// 维护安全事件审计。每个受保护的客户端对应一个Guard实例，
// attempts计数与事件环由单一互斥锁保护，保证调用全序。
type Guard struct {
	mu     sync.Mutex
	client southbound.ProtocolClient
	env    Environment
	hooks  []Hook

	attempts    int
	maxAttempts int
	events      []model.SecurityEvent
}

// Option 构造Guard的可选配置
type Option func(*Guard)

// WithMaxAttempts 覆盖连接尝试上限，小于1时忽略
func WithMaxAttempts(n int) Option {
	return func(g *Guard) {
		if n >= 1 {
			g.maxAttempts = n
		}
	}
}

// WithHook 追加一个操作钩子
func WithHook(h Hook) Option {
	return func(g *Guard) {
		g.hooks = append(g.hooks, h)
	}
}

// NewGuard 创建Guard。client可以为nil，此时连接/读取操作返回未初始化错误。
func NewGuard(client southbound.ProtocolClient, env Environment, opts ...Option) *Guard {
	g := &Guard{
		client:      client,
		env:         env,
		maxAttempts: DefaultMaxAttempts,
		events:      make([]model.SecurityEvent, 0, maxEvents),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateIdentifier 校验节点/主题/点位标识符：非空且不超过256字符
func ValidateIdentifier(id string) bool {
	return id != "" && len(id) <= maxIdentifierLen
}

// SanitizeForLog 返回可安全写入日志的标识符表示。
// 非法输入返回固定哨兵值；生产环境只保留最后一个路径段，其余掩码；
// 非生产环境原样返回。
func (g *Guard) SanitizeForLog(id string) string {
	if !ValidateIdentifier(id) {
		return invalidIDSentinel
	}
	if g.env == nil || !g.env.IsProduction() {
		return id
	}
	if idx := strings.LastIndexAny(id, "/;."); idx >= 0 && idx < len(id)-1 {
		return "***" + id[idx:]
	}
	return "***"
}

// LogSecurityEvent 追加一条安全事件，超出容量时按FIFO淘汰最旧的
func (g *Guard) LogSecurityEvent(eventType string, details map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appendEventLocked(eventType, details)
}

func (g *Guard) appendEventLocked(eventType string, details map[string]interface{}) {
	g.events = append(g.events, model.SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	})
	if n := len(g.events) - maxEvents; n > 0 {
		g.events = append(g.events[:0], g.events[n:]...)
	}
}

// runHooks 执行操作钩子
func (g *Guard) runBefore(op string, details map[string]interface{}) {
	for _, h := range g.hooks {
		if h.Before != nil {
			h.Before(op, details)
		}
	}
}

func (g *Guard) runAfter(op string, details map[string]interface{}) {
	for _, h := range g.hooks {
		if h.After != nil {
			h.After(op, details)
		}
	}
}

func (g *Guard) runOnError(op string, err error, details map[string]interface{}) {
	for _, h := range g.hooks {
		if h.OnError != nil {
			h.OnError(op, err, details)
		}
	}
}

// SecureConnect 受保护的连接操作。
// 尝试计数达到上限后返回ErrRateLimited；连接成功时计数清零，
// 失败时计数保留，直到成功或管理端显式重置。
func (g *Guard) SecureConnect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return ErrNotInitialized
	}

	if g.attempts >= g.maxAttempts {
		g.appendEventLocked("connection_rate_limit_exceeded", map[string]interface{}{
			"attempts":     g.attempts,
			"max_attempts": g.maxAttempts,
		})
		log.Warn().
			Str("client", g.client.Name()).
			Int("attempts", g.attempts).
			Msg("连接尝试已达上限")
		return ErrRateLimited
	}

	g.attempts++
	attempt := g.attempts
	details := map[string]interface{}{"attempt": attempt}
	g.runBefore("connect", details)

	err := g.client.Connect(ctx)
	if err != nil {
		g.appendEventLocked("connection_failed", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		g.runOnError("connect", err, details)
		log.Warn().Err(err).
			Str("client", g.client.Name()).
			Int("attempt", attempt).
			Msg("受保护连接失败")
		return err
	}

	g.attempts = 0
	g.appendEventLocked("connection_established", map[string]interface{}{"attempt": attempt})
	g.runAfter("connect", details)
	log.Info().Str("client", g.client.Name()).Msg("受保护连接成功")
	return nil
}

// SecureReadNode 受保护的读取操作。标识符非法时记录事件并返回nil，
// 不向调用方抛错；底层读取失败同样吞掉错误只返回nil，
// 单点读取失败不应中断整个采集流。
func (g *Guard) SecureReadNode(ctx context.Context, id string) *southbound.ReadResult {
	g.mu.Lock()

	if g.client == nil {
		g.mu.Unlock()
		return nil
	}

	if !ValidateIdentifier(id) {
		g.appendEventLocked("invalid_node_access", map[string]interface{}{
			"identifier": g.SanitizeForLog(id),
		})
		g.mu.Unlock()
		log.Warn().Msg("拒绝非法标识符读取")
		return nil
	}

	sanitized := g.SanitizeForLog(id)
	details := map[string]interface{}{"identifier": sanitized}
	g.runBefore("read", details)

	result, err := g.client.ReadValue(ctx, id)
	if err != nil {
		g.appendEventLocked("node_read_failed", map[string]interface{}{
			"identifier": sanitized,
			"error":      err.Error(),
		})
		g.runOnError("read", err, details)
		g.mu.Unlock()
		log.Warn().Err(err).Str("identifier", sanitized).Msg("受保护读取失败")
		return nil
	}

	g.appendEventLocked("node_read_success", map[string]interface{}{
		"identifier": sanitized,
		"quality":    string(result.Quality),
	})
	g.runAfter("read", details)
	g.mu.Unlock()
	return &result
}

// SecurityStatus 返回只读状态快照，不改变任何状态
func (g *Guard) SecurityStatus() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := Status{
		Enabled:          true,
		AttemptCount:     g.attempts,
		MaxAttempts:      g.maxAttempts,
		RecentEventCount: len(g.events),
		ClientAttached:   g.client != nil,
	}
	if g.client != nil {
		st.ConnectionName = g.client.Name()
		st.BackendAvailable = g.client.State().Available
	}
	return st
}

// SecurityEvents 返回最近的N条事件，最新的在前
func (g *Guard) SecurityEvents(limit int) []model.SecurityEvent {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.SecurityEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = g.events[n-1-i]
	}
	return out
}

// ResetConnectionAttempts 管理端专用：不经过成功连接直接清零尝试计数
func (g *Guard) ResetConnectionAttempts() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = 0
	g.appendEventLocked("attempts_reset", nil)
}

// Client 返回被保护的协议客户端，供状态查询使用
func (g *Guard) Client() southbound.ProtocolClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client
}
