// Package readmodel 是外部读模型持久化协作方：把最新的规范化读数
// 写入Redis，供查询层按单元/传感器读取。核心管线对写入失败只记日志。
package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/model"
)

const (
	keyPrefix  = "fieldgate:latest:"
	defaultTTL = 24 * time.Hour
)

// Store 最新值读模型
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore 创建读模型并验证连接
func NewStore(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info().Str("addr", addr).Int("db", db).Msg("读模型Redis连接成功")
	return &Store{client: client, ttl: defaultTTL}, nil
}

func key(unitID, sensorType string) string {
	return keyPrefix + unitID + ":" + sensorType
}

// SetLatest 覆盖写入某单元某传感器的最新读数
func (s *Store) SetLatest(ctx context.Context, r model.Reading) error {
	payload, err := json.Marshal(model.NewSensorDataMessage(r))
	if err != nil {
		return fmt.Errorf("序列化读数失败: %w", err)
	}
	if err := s.client.Set(ctx, key(r.UnitID, r.SensorType), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("写入读模型失败: %w", err)
	}
	return nil
}

// GetLatest 读取某单元某传感器的最新读数
func (s *Store) GetLatest(ctx context.Context, unitID, sensorType string) (*model.SensorDataMessage, error) {
	data, err := s.client.Get(ctx, key(unitID, sensorType)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取读模型失败: %w", err)
	}

	var msg model.SensorDataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析读模型数据失败: %w", err)
	}
	return &msg, nil
}

// ListUnit 列出某单元全部传感器的最新读数
func (s *Store) ListUnit(ctx context.Context, unitID string) ([]model.SensorDataMessage, error) {
	var out []model.SensorDataMessage

	iter := s.client.Scan(ctx, 0, keyPrefix+unitID+":*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var msg model.SensorDataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描读模型失败: %w", err)
	}
	return out, nil
}

// Close 关闭Redis连接
func (s *Store) Close() error {
	return s.client.Close()
}
