package southbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/y001j/fieldgate/internal/model"
)

// ReadResult 协议客户端读取单个标识符的结果
type ReadResult struct {
	Value     interface{}   `json:"value"`
	Quality   model.Quality `json:"quality"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProtocolClient 定义了所有协议客户端必须实现的能力接口。
// 核心管线只通过 Connect/ReadValue/Status 三个操作消费客户端，
// 协议的线上格式完全由客户端自己负责。
type ProtocolClient interface {
	// Name 返回客户端的唯一名称
	Name() string

	// Init 初始化客户端，传入JSON格式的特定参数
	Init(cfg Config) error

	// Connect 建立协议连接
	Connect(ctx context.Context) error

	// ReadValue 读取指定标识符的当前值
	ReadValue(ctx context.Context, id string) (ReadResult, error)

	// Status 返回协议相关的状态映射
	Status() map[string]interface{}

	// State 返回连接事实快照，供健康分计算读取
	State() model.ConnectionState

	// Close 关闭连接，释放资源
	Close() error
}

// PointConfig 定义一个要轮询的点位
type PointConfig struct {
	ID         string `json:"id" mapstructure:"id"`                   // 协议内标识符，如 ns=2;i=123 或 hr:100
	SensorType string `json:"sensor_type" mapstructure:"sensor_type"` // 传感器类型，如 temperature
}

// Config 是协议客户端配置的基础结构
type Config struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Address    string          `json:"address"`
	UnitID     string          `json:"unit_id"`
	IntervalMS int             `json:"interval_ms,omitempty"`
	TimeoutMS  int             `json:"timeout_ms,omitempty"`
	Points     []PointConfig   `json:"points"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("client name cannot be empty")
	}
	if c.Type == "" {
		return fmt.Errorf("client type cannot be empty")
	}
	if c.Address == "" {
		return fmt.Errorf("client address cannot be empty")
	}
	return nil
}

// Interval 返回轮询间隔，默认5秒
func (c *Config) Interval() time.Duration {
	if c.IntervalMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Timeout 返回请求超时，默认10秒
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ClientFactory 定义了创建客户端实例的工厂函数类型
type ClientFactory func() ProtocolClient

// Registry 维护所有已注册的客户端工厂
var Registry = make(map[string]ClientFactory)

// Register 注册一个客户端工厂到全局注册表
func Register(typeName string, factory ClientFactory) {
	Registry[typeName] = factory
}

// Create 根据类型名创建客户端实例
func Create(typeName string) (ProtocolClient, bool) {
	factory, exists := Registry[typeName]
	if !exists {
		return nil, false
	}
	return factory(), true
}
