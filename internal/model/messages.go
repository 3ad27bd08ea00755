package model

// 对外发布的消息形态。时间戳字段均为ISO-8601 UTC字符串。

// SensorDataMessage sensor_data 主题消息
type SensorDataMessage struct {
	UnitID     string  `json:"unit_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Quality    Quality `json:"quality"`
	Timestamp  string  `json:"timestamp"`
}

// NewSensorDataMessage 由规范化读数构建 sensor_data 消息
func NewSensorDataMessage(r Reading) SensorDataMessage {
	return SensorDataMessage{
		UnitID:     r.UnitID,
		SensorType: r.SensorType,
		Value:      r.Value,
		Quality:    r.Quality,
		Timestamp:  ISOTime(r.Timestamp),
	}
}

// UnitStatusMessage unit_status 主题消息
type UnitStatusMessage struct {
	UnitID       string  `json:"unit_id"`
	Status       string  `json:"status"`
	HealthStatus float64 `json:"health_status,omitempty"`
	Timestamp    string  `json:"timestamp"`
}

// SystemAlertMessage system_alert 广播消息
type SystemAlertMessage struct {
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	UnitID    string   `json:"unit_id,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// DeviceStatusMessage device_status 主题消息，携带结构化差异
type DeviceStatusMessage struct {
	DeviceID   string                 `json:"device_id"`
	DeviceName string                 `json:"device_name,omitempty"`
	Timestamp  string                 `json:"timestamp"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	OldStatus  map[string]interface{} `json:"old_status,omitempty"`
	NewStatus  map[string]interface{} `json:"new_status,omitempty"`
}
