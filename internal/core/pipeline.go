package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/y001j/fieldgate/internal/alert"
	"github.com/y001j/fieldgate/internal/fanout"
	"github.com/y001j/fieldgate/internal/model"
	"github.com/y001j/fieldgate/internal/normalize"
	"github.com/y001j/fieldgate/internal/readmodel"
	"github.com/y001j/fieldgate/internal/security"
	"github.com/y001j/fieldgate/internal/southbound"
	"github.com/y001j/fieldgate/internal/status"
	"github.com/y001j/fieldgate/internal/store"
)

// rateLimitCooldown 连接尝试触顶后，等待多久由管线自动重置计数
const rateLimitCooldown = 60 * time.Second

type pipelineDeps struct {
	name        string
	unitID      string
	client      southbound.ProtocolClient
	guard       *security.Guard
	points      []southbound.PointConfig
	interval    time.Duration
	engine      *alert.Engine
	broadcaster *fanout.Broadcaster
	readModel   *readmodel.Store
	alertStore  *store.AlertStore
}

// pipeline 一条协议连接的完整采集链路：
// 受保护连接 -> 受保护读点 -> 规范化 -> 告警评估 -> 分发与持久化。
// 每条管线独立运行，互不阻塞。
type pipeline struct {
	pipelineDeps

	lastLevel     model.AvailabilityLevel
	hasLevel      bool
	rateLimitedAt time.Time
}

func newPipeline(deps pipelineDeps) *pipeline {
	return &pipeline{pipelineDeps: deps}
}

// run 驱动管线直到ctx取消。首个tick前立即执行一轮。
func (p *pipeline) run(ctx context.Context) {
	log.Info().
		Str("pipeline", p.name).
		Str("unit_id", p.unitID).
		Int("points", len(p.points)).
		Dur("interval", p.interval).
		Msg("管线启动")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("pipeline", p.name).Msg("管线停止")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *pipeline) tick(ctx context.Context) {
	if p.ensureConnected(ctx) {
		p.pollPoints(ctx)
	}
	p.publishStatusChange()
}

// ensureConnected 保证连接可用。触发限流后进入冷却期，
// 冷却结束由管线代替管理端重置尝试计数再试。
func (p *pipeline) ensureConnected(ctx context.Context) bool {
	if p.client.State().Connected {
		return true
	}

	if !p.rateLimitedAt.IsZero() {
		if time.Since(p.rateLimitedAt) < rateLimitCooldown {
			return false
		}
		p.guard.ResetConnectionAttempts()
		p.rateLimitedAt = time.Time{}
		log.Info().Str("pipeline", p.name).Msg("连接限流冷却结束，重置尝试计数")
	}

	err := p.guard.SecureConnect(ctx)
	if err == nil {
		return true
	}
	if errors.Is(err, security.ErrRateLimited) {
		p.rateLimitedAt = time.Now()
		log.Warn().
			Str("pipeline", p.name).
			Dur("cooldown", rateLimitCooldown).
			Msg("连接尝试已限流，进入冷却期")
	}
	return false
}

// pollPoints 逐点读取、规范化、评估并分发。单点失败不影响其余点位。
func (p *pipeline) pollPoints(ctx context.Context) {
	for _, pt := range p.points {
		res := p.guard.SecureReadNode(ctx, pt.ID)
		if res == nil {
			continue
		}

		raw := map[string]interface{}{
			"unit_id":     p.unitID,
			"sensor_type": pt.SensorType,
			"value":       res.Value,
			"quality":     string(res.Quality),
		}
		if !res.Timestamp.IsZero() {
			raw["timestamp"] = res.Timestamp.UTC().Format(time.RFC3339Nano)
		}

		reading, err := normalize.Normalize(raw)
		if err != nil {
			log.Warn().Err(err).
				Str("pipeline", p.name).
				Str("sensor_type", pt.SensorType).
				Msg("读数规范化失败，丢弃")
			continue
		}

		p.broadcaster.PublishReading(reading)

		if p.readModel != nil {
			if err := p.readModel.SetLatest(ctx, reading); err != nil {
				log.Warn().Err(err).Str("pipeline", p.name).Msg("写入读模型失败")
			}
		}

		for _, evt := range p.engine.Evaluate(reading) {
			log.Info().
				Str("pipeline", p.name).
				Str("severity", string(evt.Severity)).
				Str("message", evt.Message).
				Msg("触发告警")
			p.broadcaster.PublishAlert(evt)
			if p.alertStore != nil {
				if err := p.alertStore.Insert(evt); err != nil {
					log.Warn().Err(err).Str("pipeline", p.name).Msg("写入告警历史失败")
				}
			}
		}
	}
}

// statusLabel 可用性等级对应的单元状态文本
func statusLabel(level model.AvailabilityLevel) string {
	switch level {
	case model.AvailabilityUnavailable:
		return "offline"
	case model.AvailabilityDegraded:
		return "degraded"
	default:
		return "online"
	}
}

// publishStatusChange 可用性等级变化时发布单元状态与设备状态差异
func (p *pipeline) publishStatusChange() {
	state := p.client.State()
	level := status.ComputeAvailabilityLevel(state)
	if p.hasLevel && level == p.lastLevel {
		return
	}

	score := status.ComputeHealthScore(state)
	label := statusLabel(level)

	p.broadcaster.PublishUnitStatus(model.UnitStatusMessage{
		UnitID:       p.unitID,
		Status:       label,
		HealthStatus: score,
	})

	if p.hasLevel {
		p.broadcaster.PublishDeviceStatus(model.DeviceStatusMessage{
			DeviceID:   p.unitID,
			DeviceName: p.name,
			Changes: map[string]interface{}{
				"availability": level.String(),
			},
			OldStatus: map[string]interface{}{
				"availability": p.lastLevel.String(),
			},
			NewStatus: map[string]interface{}{
				"availability": level.String(),
				"health_score": score,
			},
		})
	}

	log.Info().
		Str("pipeline", p.name).
		Str("status", label).
		Float64("health_score", score).
		Msg("单元可用性等级变化")

	p.lastLevel = level
	p.hasLevel = true
}
