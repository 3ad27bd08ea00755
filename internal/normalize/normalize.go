// Package normalize 在读数进入告警与分发之前做一次性的校验与规范化。
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/y001j/fieldgate/internal/model"
)

var (
	// ErrMissingField 必填字段缺失
	ErrMissingField = errors.New("normalize: missing required field")
	// ErrInvalidValue 数值无法转换或非有限
	ErrInvalidValue = errors.New("normalize: invalid value")
	// ErrInvalidIdentifier 单元或传感器标识无效
	ErrInvalidIdentifier = errors.New("normalize: invalid identifier")
	// ErrInvalidTimestamp 时间戳字段存在但无法解析
	ErrInvalidTimestamp = errors.New("normalize: invalid timestamp")
)

// timestampLayouts 依次尝试的时间戳格式
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalize 将松散类型的原始读数转换为规范化Reading。
// 必填字段：unit_id、sensor_type、value、timestamp。
// quality缺失默认GOOD，未知取值强制为UNCERTAIN；数值舍入到两位小数。
// timestamp缺失默认当前UTC时间，存在但无法解析则拒绝。
func Normalize(raw map[string]interface{}) (model.Reading, error) {
	var r model.Reading

	unitID, err := requireString(raw, "unit_id")
	if err != nil {
		return r, err
	}
	sensorType, err := requireString(raw, "sensor_type")
	if err != nil {
		return r, err
	}

	rawValue, ok := raw["value"]
	if !ok || rawValue == nil {
		return r, fmt.Errorf("%w: value", ErrMissingField)
	}
	value, err := coerceFloat(rawValue)
	if err != nil {
		return r, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return r, fmt.Errorf("%w: non-finite value", ErrInvalidValue)
	}

	ts, err := coerceTimestamp(raw["timestamp"])
	if err != nil {
		return r, err
	}

	r = model.Reading{
		UnitID:     unitID,
		SensorType: sensorType,
		Value:      math.Round(value*100) / 100,
		Quality:    coerceQuality(raw["quality"]),
		Timestamp:  ts,
	}
	return r, nil
}

// requireString 取出必填字符串字段，去除首尾空白
func requireString(raw map[string]interface{}, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", ErrInvalidIdentifier, key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidIdentifier, key)
	}
	return s, nil
}

// coerceFloat 将任意数值表示转换为float64
func coerceFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, n)
		}
		return f, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

// coerceQuality 缺失默认GOOD，未知枚举强制UNCERTAIN，从不拒绝
func coerceQuality(v interface{}) model.Quality {
	if v == nil {
		return model.QualityGood
	}
	s, ok := v.(string)
	if !ok {
		return model.QualityUncertain
	}
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return model.QualityGood
	}
	q := model.Quality(s)
	if !q.IsValid() {
		return model.QualityUncertain
	}
	return q
}

// coerceTimestamp 缺失默认当前UTC；存在但无法解析则返回ErrInvalidTimestamp
func coerceTimestamp(v interface{}) (time.Time, error) {
	if v == nil {
		return time.Now().UTC(), nil
	}
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case string:
		s := strings.TrimSpace(ts)
		if s == "" {
			return time.Now().UTC(), nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimestamp, v)
	}
}
