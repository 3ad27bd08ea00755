// Package alert 维护阈值告警规则并对规范化读数做逐条评估。
package alert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
)

// Engine 持有有序的规则集合。规则按插入顺序评估，
// 多条规则命中同一读数时各自独立产生事件。
type Engine struct {
	mu    sync.RWMutex
	rules []model.AlertRule
}

// NewEngine 创建引擎并安装默认规则集
func NewEngine() *Engine {
	e := &Engine{}
	e.AddRule(model.AlertRule{SensorType: "temperature", Condition: model.ConditionGreaterThan, Threshold: 85, Severity: model.SeverityCritical})
	e.AddRule(model.AlertRule{SensorType: "pressure", Condition: model.ConditionGreaterThan, Threshold: 10, Severity: model.SeverityWarning})
	e.AddRule(model.AlertRule{SensorType: "temperature", Condition: model.ConditionLessThan, Threshold: -10, Severity: model.SeverityWarning})
	return e
}

// NewEmptyEngine 创建不带默认规则的引擎
func NewEmptyEngine() *Engine {
	return &Engine{}
}

// AddRule 追加一条规则。severity缺省为warning，
// 消息模板缺省为 "<sensor> <condition> <threshold>: {value}"。
func (e *Engine) AddRule(rule model.AlertRule) {
	if rule.Severity == "" {
		rule.Severity = model.SeverityWarning
	}
	if rule.MessageTemplate == "" {
		rule.MessageTemplate = fmt.Sprintf("%s %s %s: {value}",
			rule.SensorType, rule.Condition, formatFloat(rule.Threshold))
	}

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()

	log.Debug().
		Str("sensor_type", rule.SensorType).
		Str("condition", string(rule.Condition)).
		Float64("threshold", rule.Threshold).
		Msg("告警规则已添加")
}

// RemoveRule 按序号移除规则，序号越界返回false
func (e *Engine) RemoveRule(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.rules) {
		return false
	}
	e.rules = append(e.rules[:index], e.rules[index+1:]...)
	return true
}

// ReplaceRules 整体替换规则集合，用于配置热加载
func (e *Engine) ReplaceRules(rules []model.AlertRule) {
	normalized := make([]model.AlertRule, 0, len(rules))
	for _, r := range rules {
		if r.Severity == "" {
			r.Severity = model.SeverityWarning
		}
		if r.MessageTemplate == "" {
			r.MessageTemplate = fmt.Sprintf("%s %s %s: {value}",
				r.SensorType, r.Condition, formatFloat(r.Threshold))
		}
		normalized = append(normalized, r)
	}

	e.mu.Lock()
	e.rules = normalized
	e.mu.Unlock()

	log.Info().Int("count", len(normalized)).Msg("告警规则集合已替换")
}

// ListRules 返回当前规则的防御性拷贝
func (e *Engine) ListRules() []model.AlertRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.AlertRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate 用全部匹配规则评估一条读数，返回按规则插入顺序排列的告警事件。
// 评估从不抛错；读数无有效值时直接返回空。
func (e *Engine) Evaluate(r model.Reading) []model.AlertEvent {
	if math.IsNaN(r.Value) {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []model.AlertEvent
	for _, rule := range e.rules {
		if rule.SensorType != r.SensorType {
			continue
		}
		if !matches(rule, r.Value) {
			continue
		}
		events = append(events, model.AlertEvent{
			ID:         uuid.NewString(),
			Severity:   rule.Severity,
			Message:    renderMessage(rule.MessageTemplate, r.Value),
			UnitID:     r.UnitID,
			SensorType: r.SensorType,
			Value:      r.Value,
			Threshold:  rule.Threshold,
			SourceRule: rule,
			Timestamp:  time.Now().UTC(),
		})
	}
	return events
}

// matches 按规则条件测试数值。equals为float64精确比较，
// 规范化已将值舍入到两位小数，阈值应同样使用两位小数。
func matches(rule model.AlertRule, value float64) bool {
	switch rule.Condition {
	case model.ConditionGreaterThan:
		return value > rule.Threshold
	case model.ConditionLessThan:
		return value < rule.Threshold
	case model.ConditionEquals:
		return value == rule.Threshold
	default:
		return false
	}
}

// renderMessage 将数值插入消息模板
func renderMessage(template string, value float64) string {
	return strings.ReplaceAll(template, "{value}", formatFloat(value))
}

// formatFloat 数值的紧凑文本表示
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
