package config

import (
	"encoding/json"
	"fmt"

	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/southbound"
)

// GatewayConfig 网关全局配置
type GatewayConfig struct {
	LogLevel    string `json:"log_level" mapstructure:"log_level"`
	Production  bool   `json:"production" mapstructure:"production"`
	NATSURL     string `json:"nats_url" mapstructure:"nats_url"`
	HTTPAddr    string `json:"http_addr" mapstructure:"http_addr"`
	RedisAddr   string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisDB     int    `json:"redis_db" mapstructure:"redis_db"`
	AlertDBPath string `json:"alert_db_path" mapstructure:"alert_db_path"`
}

// ConnectionConfig 单个协议连接的配置
type ConnectionConfig struct {
	Name        string                  `json:"name" mapstructure:"name"`
	Type        string                  `json:"type" mapstructure:"type"`
	Address     string                  `json:"address" mapstructure:"address"`
	UnitID      string                  `json:"unit_id" mapstructure:"unit_id"`
	IntervalMS  int                     `json:"interval_ms" mapstructure:"interval_ms"`
	TimeoutMS   int                     `json:"timeout_ms" mapstructure:"timeout_ms"`
	MaxAttempts int                     `json:"max_attempts" mapstructure:"max_attempts"`
	Points      []southbound.PointConfig `json:"points" mapstructure:"points"`
	Params      map[string]interface{}  `json:"params" mapstructure:"params"`
}

// ClientConfig 转换为southbound客户端配置
func (c *ConnectionConfig) ClientConfig() (southbound.Config, error) {
	cfg := southbound.Config{
		Name:       c.Name,
		Type:       c.Type,
		Address:    c.Address,
		UnitID:     c.UnitID,
		IntervalMS: c.IntervalMS,
		TimeoutMS:  c.TimeoutMS,
		Points:     c.Points,
	}
	if c.UnitID == "" {
		cfg.UnitID = c.Name
	}
	if len(c.Params) > 0 {
		raw, err := json.Marshal(c.Params)
		if err != nil {
			return cfg, fmt.Errorf("序列化连接参数失败: %w", err)
		}
		cfg.Params = raw
	}
	return cfg, nil
}

// AlertRuleConfig 配置文件中的告警规则
type AlertRuleConfig struct {
	SensorType string  `json:"sensor_type" mapstructure:"sensor_type"`
	Condition  string  `json:"condition" mapstructure:"condition"`
	Threshold  float64 `json:"threshold" mapstructure:"threshold"`
	Severity   string  `json:"severity" mapstructure:"severity"`
	Message    string  `json:"message" mapstructure:"message"`
}

// Rule 转换为模型规则，条件非法时返回错误
func (c *AlertRuleConfig) Rule() (model.AlertRule, error) {
	rule := model.AlertRule{
		SensorType:      c.SensorType,
		Condition:       model.AlertCondition(c.Condition),
		Threshold:       c.Threshold,
		Severity:        model.Severity(c.Severity),
		MessageTemplate: c.Message,
	}
	if rule.SensorType == "" {
		return rule, fmt.Errorf("规则缺少sensor_type")
	}
	if !rule.Condition.IsValid() {
		return rule, fmt.Errorf("未知的规则条件: %q", c.Condition)
	}
	return rule, nil
}

// Config 配置文件的顶层结构
type Config struct {
	Gateway     GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Connections []ConnectionConfig `json:"connections" mapstructure:"connections"`
	AlertRules  []AlertRuleConfig  `json:"alert_rules" mapstructure:"alert_rules"`
}
