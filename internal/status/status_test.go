package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y001j/fieldgate/internal/model"
)

func freshHeartbeat() *time.Time {
	t := time.Now().Add(-10 * time.Second)
	return &t
}

func staleHeartbeat() *time.Time {
	t := time.Now().Add(-20 * time.Minute)
	return &t
}

func TestComputeHealthScore(t *testing.T) {
	errRec := RecordError("read_timeout", "timeout", nil)

	tests := []struct {
		name  string
		state model.ConnectionState
		want  float64
	}{
		{
			name: "不可用时恒为0",
			state: model.ConnectionState{
				Available: false, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(),
			},
			want: 0,
		},
		{
			name: "满分情形",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(),
			},
			want: 100,
		},
		{
			name: "错误扣15分、两次重试扣4分",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(), LastError: &errRec, RetryCount: 2,
			},
			want: 81,
		},
		{
			name: "重试扣分封顶10",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(), RetryCount: 50,
			},
			want: 90,
		},
		{
			name: "仅available基础分",
			state: model.ConnectionState{
				Available: true, Status: model.StatusInitializing,
			},
			want: 30,
		},
		{
			name: "心跳过期不加分",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: staleHeartbeat(),
			},
			want: 90,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeHealthScore(tt.state), 1e-9)
		})
	}
}

func TestComputeHealthScoreRange(t *testing.T) {
	// 极端组合下也不越出[0,100]
	errRec := RecordError("x", "", nil)
	s := model.ConnectionState{Available: true, LastError: &errRec, RetryCount: 100}
	score := ComputeHealthScore(s)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)
}

func TestComputeAvailabilityLevel(t *testing.T) {
	errRec := RecordError("conn_lost", "", nil)

	tests := []struct {
		name  string
		state model.ConnectionState
		want  model.AvailabilityLevel
	}{
		{
			name: "不可用优先级最高",
			state: model.ConnectionState{
				Available: false, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(),
			},
			want: model.AvailabilityUnavailable,
		},
		{
			name:  "status=error即降级",
			state: model.ConnectionState{Available: true, Connected: true, Status: model.StatusError},
			want:  model.AvailabilityDegraded,
		},
		{
			name: "有错误且非恢复中为降级",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(), LastError: &errRec,
			},
			want: model.AvailabilityDegraded,
		},
		{
			name: "有错误但正在重连恢复则不按错误降级",
			state: model.ConnectionState{
				Available: true, Status: model.StatusReconnecting,
				LastError: &errRec, RetryCount: 1,
			},
			want: model.AvailabilityDegraded, // 重连中仍为降级
		},
		{
			name: "完全可用",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: freshHeartbeat(),
			},
			want: model.AvailabilityFullyAvailable,
		},
		{
			name: "已连接但心跳过期",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusReady,
				LastHeartbeat: staleHeartbeat(),
			},
			want: model.AvailabilityDegraded,
		},
		{
			name: "已连接心跳新鲜但状态非ready",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.ConnStatus(""),
				LastHeartbeat: freshHeartbeat(),
			},
			want: model.AvailabilityAvailable,
		},
		{
			name: "状态degraded",
			state: model.ConnectionState{
				Available: true, Connected: true, Status: model.StatusDegraded,
				LastHeartbeat: freshHeartbeat(),
			},
			want: model.AvailabilityDegraded,
		},
		{
			name:  "初始化中",
			state: model.ConnectionState{Available: true, Status: model.StatusInitializing},
			want:  model.AvailabilityDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeAvailabilityLevel(tt.state))
		})
	}
}

func TestHeartbeatHelpers(t *testing.T) {
	assert.True(t, IsHeartbeatStale(nil, 300))
	assert.True(t, IsHeartbeatStale(staleHeartbeat(), 300))
	assert.False(t, IsHeartbeatStale(freshHeartbeat(), 300))

	_, ok := TimeSinceHeartbeat(nil)
	assert.False(t, ok)

	secs, ok := TimeSinceHeartbeat(staleHeartbeat())
	require.True(t, ok)
	assert.Greater(t, secs, 60.0)
}

func TestIsRecovering(t *testing.T) {
	assert.True(t, IsRecovering(1, model.StatusReconnecting))
	assert.True(t, IsRecovering(3, model.StatusInitializing))
	assert.False(t, IsRecovering(0, model.StatusReconnecting))
	assert.False(t, IsRecovering(2, model.StatusReady))
}

func TestRecordError(t *testing.T) {
	rec := RecordError("bad_node", "node missing", map[string]interface{}{"node": "ns=2;i=9"})
	assert.Equal(t, "bad_node", rec.Code)
	assert.Equal(t, "node missing", rec.Message)
	parsed, err := time.Parse(time.RFC3339, rec.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, 5*time.Second)
}
