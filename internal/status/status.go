// Package status 将协议连接的原始事实换算为健康分与可用性等级。
// 全部为纯函数，无内部状态，可并发调用。
package status

import (
	"time"

	"github.com/y001j/fieldgate/internal/model"
)

// IsHeartbeatStale 判断心跳是否过期。从未收到心跳视为过期。
func IsHeartbeatStale(lastHeartbeat *time.Time, timeoutSeconds uint) bool {
	if lastHeartbeat == nil {
		return true
	}
	return time.Since(*lastHeartbeat) > time.Duration(timeoutSeconds)*time.Second
}

// TimeSinceHeartbeat 返回距最近一次心跳的秒数。从未收到心跳时ok为false。
func TimeSinceHeartbeat(lastHeartbeat *time.Time) (seconds float64, ok bool) {
	if lastHeartbeat == nil {
		return 0, false
	}
	return time.Since(*lastHeartbeat).Seconds(), true
}

// IsRecovering 判断连接是否处于恢复过程中：有重试记录且状态为重连或初始化
func IsRecovering(retryCount uint, st model.ConnStatus) bool {
	return retryCount > 0 && (st == model.StatusReconnecting || st == model.StatusInitializing)
}

// ComputeHealthScore 计算[0,100]区间的健康分。
// 不可用直接为0；否则基础30分，连接+40，状态ready+20，心跳新鲜+10；
// 存在错误扣15，重试按min(2*retryCount,10)扣分。
func ComputeHealthScore(s model.ConnectionState) float64 {
	if !s.Available {
		return 0
	}

	score := 30.0
	if s.Connected {
		score += 40
	}
	if s.Status == model.StatusReady {
		score += 20
	}
	if !IsHeartbeatStale(s.LastHeartbeat, s.HeartbeatTimeout()) {
		score += 10
	}

	if s.LastError != nil {
		score -= 15
	}
	retryPenalty := float64(s.RetryCount) * 2
	if retryPenalty > 10 {
		retryPenalty = 10
	}
	score -= retryPenalty

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ComputeAvailabilityLevel 按严格优先级推导可用性等级。
// 对同一ConnectionState结果确定，不依赖任何隐藏状态。
func ComputeAvailabilityLevel(s model.ConnectionState) model.AvailabilityLevel {
	if !s.Available {
		return model.AvailabilityUnavailable
	}

	hasError := s.LastError != nil
	if s.Status == model.StatusError || (hasError && !IsRecovering(s.RetryCount, s.Status)) {
		return model.AvailabilityDegraded
	}

	stale := IsHeartbeatStale(s.LastHeartbeat, s.HeartbeatTimeout())
	if s.Connected && s.Status == model.StatusReady && !stale {
		return model.AvailabilityFullyAvailable
	}

	if s.Connected || s.Status == model.StatusReady || s.Status == model.StatusDegraded {
		if stale || s.Status == model.StatusDegraded {
			return model.AvailabilityDegraded
		}
		return model.AvailabilityAvailable
	}

	if s.Status == model.StatusInitializing || s.Status == model.StatusReconnecting {
		return model.AvailabilityDegraded
	}

	// available标志在此处已知为真
	return model.AvailabilityAvailable
}

// RecordError 以当前UTC时间构建错误记录
func RecordError(code, message string, context map[string]interface{}) model.ErrorRecord {
	return model.ErrorRecord{
		Code:      code,
		Message:   message,
		Context:   context,
		Timestamp: model.NowISO(),
	}
}
