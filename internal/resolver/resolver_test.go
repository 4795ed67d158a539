package resolver

import (
	"context"
	"testing"
	"time"

	"wisefido-presence/internal/models"
	"wisefido-presence/internal/recorder"
	"wisefido-presence/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 睡眠窗口 22:30-09:00，真实起床宽限 15 分钟，典型起床 07:30，假定睡眠 480 分钟
func newTestResolver(repo *repository.MemoryTelemetryRepo, onDayStart DayStartFunc) *Resolver {
	return NewResolver(
		"tenant-1", "user-1",
		recorder.SleepWindow{StartMinute: 1350, EndMinute: 540},
		15,
		450, // 07:30
		480,
		time.UTC,
		repo,
		onDayStart,
		zap.NewNop(),
	)
}

func TestBootstrap_RestartUsesLatestSegmentEnd(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()

	// 已有昨夜的睡眠片段
	end := time.Date(2025, 3, 11, 6, 45, 0, 0, time.UTC)
	start := end.Add(-7 * time.Hour)
	require.NoError(t, repo.CreateSleepSegment(ctx, &models.SleepSegment{
		SegmentID: "seg-1",
		TenantID:  "tenant-1",
		UserID:    "user-1",
		StartTime: start,
		EndTime:   &end,
		Source:    models.SourcePresenceInferred,
	}))

	r := newTestResolver(repo, nil)

	// 进程 23:00 重启：日起点必须取片段的 end，不是进程启动时间
	processStart := time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)
	dayStart, err := r.Bootstrap(ctx, processStart)
	require.NoError(t, err)
	assert.Equal(t, end, dayStart)

	// 不合成任何片段
	segments, err := repo.ListSleepSegmentsTouching(ctx, "tenant-1", "user-1", processStart.Add(-24*time.Hour), processStart)
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestBootstrap_ColdStartSynthesizesAssumedSleep(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()
	r := newTestResolver(repo, nil)

	// 23:00 冷启动：合成片段终点是今天 07:30，不是 23:00
	processStart := time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)
	dayStart, err := r.Bootstrap(ctx, processStart)
	require.NoError(t, err)

	expectedWake := time.Date(2025, 3, 11, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, expectedWake, dayStart)

	segments, err := repo.ListSleepSegmentsTouching(ctx, "tenant-1", "user-1", processStart.Add(-24*time.Hour), processStart)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, models.SourceAssumedColdStart, segments[0].Source)
	require.NotNil(t, segments[0].EndTime)
	assert.Equal(t, expectedWake, *segments[0].EndTime)
	assert.InDelta(t, 480, segments[0].DurationMinutes, 0.001)
}

// 凌晨启动：今天的典型起床时间还没到，取前一天的，结果不在未来
func TestBootstrap_ColdStartBeforeTypicalWake(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()
	r := newTestResolver(repo, nil)

	processStart := time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)
	dayStart, err := r.Bootstrap(ctx, processStart)
	require.NoError(t, err)

	expectedWake := time.Date(2025, 3, 10, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, expectedWake, dayStart)
}

// 冷启动检查只执行一次：第二次 Bootstrap 直接返回已定结果
func TestBootstrap_RunsOnce(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()
	r := newTestResolver(repo, nil)

	processStart := time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)
	first, err := r.Bootstrap(ctx, processStart)
	require.NoError(t, err)

	second, err := r.Bootstrap(ctx, processStart.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 不重复合成
	segments, err := repo.ListSleepSegmentsTouching(ctx, "tenant-1", "user-1", processStart.Add(-24*time.Hour), processStart.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestOnAwayReturn_ShortAwayNotADayStart(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()

	var fired []time.Time
	r := newTestResolver(repo, func(wake time.Time) { fired = append(fired, wake) })

	// 10 分钟的离开：窗口外也不算日起点
	start := time.Date(2025, 3, 11, 14, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	decision, err := r.OnAwayReturn(ctx, start, end, end)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNotADayStart, decision)
	assert.Empty(t, fired)
}

func TestOnAwayReturn_InsideWindowAwaitsConfirmation(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()

	var fired []time.Time
	r := newTestResolver(repo, func(wake time.Time) { fired = append(fired, wake) })

	// 03:00 返回（窗口内），离开 4 小时
	end := time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)
	start := end.Add(-4 * time.Hour)
	decision, err := r.OnAwayReturn(ctx, start, end, end)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAwaitingConfirmation, decision)
	assert.Empty(t, fired)

	// 宽限期内又确认离开：取消等待，夜晚继续
	r.CancelPending()
	confirmed, err := r.ConfirmPending(end.Add(20 * time.Minute))
	require.NoError(t, err)
	assert.False(t, confirmed)
	assert.Empty(t, fired)
}

func TestConfirmPending_SustainedActivityConfirmsDayStart(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()

	var fired []time.Time
	r := newTestResolver(repo, func(wake time.Time) { fired = append(fired, wake) })

	end := time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)
	start := end.Add(-6 * time.Hour)
	decision, err := r.OnAwayReturn(ctx, start, end, end)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAwaitingConfirmation, decision)

	// 宽限期未满：尚不确认
	confirmed, err := r.ConfirmPending(end.Add(10 * time.Minute))
	require.NoError(t, err)
	assert.False(t, confirmed)

	// 持续活跃 15 分钟后确认，起床时刻取返回时刻
	confirmed, err = r.ConfirmPending(end.Add(15 * time.Minute))
	require.NoError(t, err)
	assert.True(t, confirmed)
	require.Len(t, fired, 1)
	assert.Equal(t, end, fired[0])
	assert.Equal(t, end, r.DayStart())
}

func TestOnAwayReturn_OutsideWindowConfirmsImmediately(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	ctx := context.Background()

	var fired []time.Time
	r := newTestResolver(repo, func(wake time.Time) { fired = append(fired, wake) })

	// 09:30 返回（窗口已关闭），离开 8 小时
	end := time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC)
	start := end.Add(-8 * time.Hour)
	decision, err := r.OnAwayReturn(ctx, start, end, end)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionConfirmedDayStart, decision)
	require.Len(t, fired, 1)
	assert.Equal(t, end, fired[0])
}
