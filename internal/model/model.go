package model

import (
	"time"
)

// Quality 表示读数的质量标记
type Quality string

const (
	QualityGood      Quality = "GOOD"
	QualityBad       Quality = "BAD"
	QualityUncertain Quality = "UNCERTAIN"
)

// IsValid 判断质量标记是否为已知枚举值
func (q Quality) IsValid() bool {
	switch q {
	case QualityGood, QualityBad, QualityUncertain:
		return true
	}
	return false
}

// ConnStatus 表示协议连接的离散状态
type ConnStatus string

const (
	StatusInitializing ConnStatus = "initializing"
	StatusReady        ConnStatus = "ready"
	StatusDegraded     ConnStatus = "degraded"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusError        ConnStatus = "error"
)

// AvailabilityLevel 连接可用性的有序等级
type AvailabilityLevel int

const (
	AvailabilityUnavailable    AvailabilityLevel = 0
	AvailabilityDegraded       AvailabilityLevel = 1
	AvailabilityAvailable      AvailabilityLevel = 2
	AvailabilityFullyAvailable AvailabilityLevel = 3
)

// String 返回等级的可读名称
func (l AvailabilityLevel) String() string {
	switch l {
	case AvailabilityUnavailable:
		return "UNAVAILABLE"
	case AvailabilityDegraded:
		return "DEGRADED"
	case AvailabilityAvailable:
		return "AVAILABLE"
	case AvailabilityFullyAvailable:
		return "FULLY_AVAILABLE"
	}
	return "UNKNOWN"
}

// ErrorRecord 一次错误的不可变记录，时间戳为ISO-8601字符串
type ErrorRecord struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// DefaultHeartbeatTimeout 心跳超时默认值（秒）
const DefaultHeartbeatTimeout uint = 300

// ConnectionState 协议连接的原始事实，由协议客户端维护
type ConnectionState struct {
	Available               bool         `json:"available"`
	Connected               bool         `json:"connected"`
	Status                  ConnStatus   `json:"status"`
	LastHeartbeat           *time.Time   `json:"last_heartbeat,omitempty"`
	RetryCount              uint         `json:"retry_count"`
	LastError               *ErrorRecord `json:"last_error,omitempty"`
	HeartbeatTimeoutSeconds uint         `json:"heartbeat_timeout_seconds"`
}

// HeartbeatTimeout 返回配置的心跳超时，零值回退到默认300秒
func (s ConnectionState) HeartbeatTimeout() uint {
	if s.HeartbeatTimeoutSeconds == 0 {
		return DefaultHeartbeatTimeout
	}
	return s.HeartbeatTimeoutSeconds
}

// SecurityEvent 安全相关事件，只追加，由环形缓冲限制容量
type SecurityEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Reading 规范化后的单条读数
type Reading struct {
	UnitID     string    `json:"unit_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Quality    Quality   `json:"quality"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertCondition 告警规则的比较条件
type AlertCondition string

const (
	ConditionGreaterThan AlertCondition = "greater_than"
	ConditionLessThan    AlertCondition = "less_than"
	// ConditionEquals 按float64精确相等比较。规范化步骤已将值舍入到
	// 两位小数，阈值也应使用两位小数。
	ConditionEquals AlertCondition = "equals"
)

// IsValid 判断条件是否为已知枚举值
func (c AlertCondition) IsValid() bool {
	switch c {
	case ConditionGreaterThan, ConditionLessThan, ConditionEquals:
		return true
	}
	return false
}

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule 阈值告警规则
type AlertRule struct {
	SensorType      string         `json:"sensor_type"`
	Condition       AlertCondition `json:"condition"`
	Threshold       float64        `json:"threshold"`
	Severity        Severity       `json:"severity"`
	MessageTemplate string         `json:"message_template"`
}

// AlertEvent 规则触发后产生的告警事件，产生后立即发布
type AlertEvent struct {
	ID         string    `json:"id"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	UnitID     string    `json:"unit_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	SourceRule AlertRule `json:"source_rule"`
	Timestamp  time.Time `json:"timestamp"`
}

// ISOTime 将时间格式化为UTC的ISO-8601字符串，发布消息统一使用该格式
func ISOTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NowISO 当前UTC时间的ISO-8601字符串
func NowISO() string {
	return ISOTime(time.Now())
}
