package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fieldgate/internal/model"
)

func reading(sensorType string, value float64) model.Reading {
	return model.Reading{
		UnitID:     "U1",
		SensorType: sensorType,
		Value:      value,
		Quality:    model.QualityGood,
	}
}

func TestEvaluateThresholdRule(t *testing.T) {
	e := NewEmptyEngine()
	e.AddRule(model.AlertRule{
		SensorType: "temperature",
		Condition:  model.ConditionGreaterThan,
		Threshold:  85,
		Severity:   model.SeverityCritical,
	})

	events := e.Evaluate(reading("temperature", 90))
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityCritical, events[0].Severity)
	assert.Contains(t, events[0].Message, "90")
	assert.Equal(t, "U1", events[0].UnitID)
	assert.Equal(t, 90.0, events[0].Value)
	assert.Equal(t, 85.0, events[0].Threshold)
	assert.NotEmpty(t, events[0].ID)

	assert.Empty(t, e.Evaluate(reading("temperature", 80)))
	assert.Empty(t, e.Evaluate(reading("pressure", 90)))
}

func TestEvaluateConditions(t *testing.T) {
	tests := []struct {
		name      string
		condition model.AlertCondition
		threshold float64
		value     float64
		hit       bool
	}{
		{"greater_than命中", model.ConditionGreaterThan, 10, 10.01, true},
		{"greater_than等值不命中", model.ConditionGreaterThan, 10, 10, false},
		{"less_than命中", model.ConditionLessThan, -10, -12, true},
		{"less_than等值不命中", model.ConditionLessThan, -10, -10, false},
		{"equals精确相等", model.ConditionEquals, 21.5, 21.5, true},
		{"equals不相等", model.ConditionEquals, 21.5, 21.51, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEmptyEngine()
			e.AddRule(model.AlertRule{
				SensorType: "s", Condition: tt.condition, Threshold: tt.threshold,
			})
			events := e.Evaluate(reading("s", tt.value))
			if tt.hit {
				assert.Len(t, events, 1)
			} else {
				assert.Empty(t, events)
			}
		})
	}
}

func TestEvaluateMultipleRulesInsertionOrder(t *testing.T) {
	e := NewEmptyEngine()
	e.AddRule(model.AlertRule{SensorType: "temperature", Condition: model.ConditionGreaterThan, Threshold: 50, Severity: model.SeverityInfo})
	e.AddRule(model.AlertRule{SensorType: "temperature", Condition: model.ConditionGreaterThan, Threshold: 80, Severity: model.SeverityCritical})
	e.AddRule(model.AlertRule{SensorType: "temperature", Condition: model.ConditionLessThan, Threshold: 100, Severity: model.SeverityWarning})

	events := e.Evaluate(reading("temperature", 90))
	require.Len(t, events, 3)
	assert.Equal(t, model.SeverityInfo, events[0].Severity)
	assert.Equal(t, model.SeverityCritical, events[1].Severity)
	assert.Equal(t, model.SeverityWarning, events[2].Severity)
}

func TestAddRuleDefaults(t *testing.T) {
	e := NewEmptyEngine()
	e.AddRule(model.AlertRule{
		SensorType: "humidity", Condition: model.ConditionGreaterThan, Threshold: 95,
	})

	rules := e.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, model.SeverityWarning, rules[0].Severity)
	assert.Equal(t, "humidity greater_than 95: {value}", rules[0].MessageTemplate)

	events := e.Evaluate(reading("humidity", 99.5))
	require.Len(t, events, 1)
	assert.Equal(t, "humidity greater_than 95: 99.5", events[0].Message)
}

func TestDefaultRuleSet(t *testing.T) {
	e := NewEngine()

	events := e.Evaluate(reading("temperature", 90))
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityCritical, events[0].Severity)

	events = e.Evaluate(reading("temperature", -15))
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityWarning, events[0].Severity)

	events = e.Evaluate(reading("pressure", 12))
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityWarning, events[0].Severity)

	assert.Empty(t, e.Evaluate(reading("pressure", 5)))
}

func TestListRulesDefensiveCopy(t *testing.T) {
	e := NewEngine()
	rules := e.ListRules()
	require.NotEmpty(t, rules)

	rules[0].Threshold = -9999
	assert.NotEqual(t, -9999.0, e.ListRules()[0].Threshold)
}

func TestRemoveAndReplaceRules(t *testing.T) {
	e := NewEmptyEngine()
	e.AddRule(model.AlertRule{SensorType: "a", Condition: model.ConditionGreaterThan, Threshold: 1})
	e.AddRule(model.AlertRule{SensorType: "b", Condition: model.ConditionGreaterThan, Threshold: 2})

	assert.False(t, e.RemoveRule(5))
	assert.True(t, e.RemoveRule(0))
	rules := e.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "b", rules[0].SensorType)

	e.ReplaceRules([]model.AlertRule{
		{SensorType: "c", Condition: model.ConditionEquals, Threshold: 3},
	})
	rules = e.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "c", rules[0].SensorType)
	assert.Equal(t, model.SeverityWarning, rules[0].Severity)
}
