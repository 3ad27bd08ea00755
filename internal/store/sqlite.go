// Package store 持久化告警历史，供查询层分页读取。
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"

	"github.com/y001j/fieldgate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_history (
	id          TEXT PRIMARY KEY,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	unit_id     TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	value       REAL NOT NULL,
	threshold   REAL NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_history_created_at ON alert_history(created_at);
`

// AlertStore 基于SQLite的告警历史存储
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore 打开数据库并初始化表结构
func NewAlertStore(path string) (*AlertStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	log.Info().Str("path", path).Msg("告警历史存储已打开")
	return &AlertStore{db: db}, nil
}

// Insert 写入一条告警事件
func (s *AlertStore) Insert(evt model.AlertEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO alert_history (id, severity, message, unit_id, sensor_type, value, threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Severity), evt.Message, evt.UnitID, evt.SensorType,
		evt.Value, evt.Threshold, evt.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("写入告警历史失败: %w", err)
	}
	return nil
}

// Recent 按时间倒序返回最近的N条告警
func (s *AlertStore) Recent(limit int) ([]model.AlertEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, severity, message, unit_id, sensor_type, value, threshold, created_at
		 FROM alert_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询告警历史失败: %w", err)
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		var evt model.AlertEvent
		var severity, createdAt string
		if err := rows.Scan(&evt.ID, &severity, &evt.Message, &evt.UnitID,
			&evt.SensorType, &evt.Value, &evt.Threshold, &createdAt); err != nil {
			return nil, fmt.Errorf("扫描告警历史失败: %w", err)
		}
		evt.Severity = model.Severity(severity)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			evt.Timestamp = ts
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close 关闭数据库
func (s *AlertStore) Close() error {
	return s.db.Close()
}
