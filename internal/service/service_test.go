package service

import (
	"context"
	"testing"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/consumer"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Presence.GraceThresholdSeconds = 60
	cfg.Presence.ConfirmThresholdSeconds = 180
	cfg.Presence.SignalTimeoutSeconds = 30
	cfg.Presence.SleepWindowStart = "22:30"
	cfg.Presence.SleepWindowEnd = "09:00"
	cfg.Presence.MinSleepMinutes = 120
	cfg.Presence.RealWakeGraceMinutes = 15
	cfg.Presence.TypicalWakeTime = "07:30"
	cfg.Presence.AssumedSleepMinutes = 480
	cfg.Presence.Timezone = "UTC"
	cfg.Presence.RetentionDays = 30
	return cfg
}

func newTestService(t *testing.T, repo *repository.MemoryTelemetryRepo) *Service {
	t.Helper()
	svc, err := NewService(newTestConfig(), nil, nil, repo, repo, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

// 预置一条昨夜已闭合的睡眠片段，让启动走重启路径而不是冷启动合成
func seedRestartSegment(t *testing.T, repo *repository.MemoryTelemetryRepo, end time.Time) {
	t.Helper()
	start := end.Add(-7 * time.Hour)
	require.NoError(t, repo.CreateSleepSegment(context.Background(), &models.SleepSegment{
		SegmentID: "seed",
		TenantID:  "tenant-1",
		UserID:    "user-1",
		StartTime: start,
		EndTime:   &end,
		Source:    models.SourcePresenceInferred,
	}))
}

// 整夜场景：23:00 离开，07:00 返回，07:16 确认起床
func TestHandleIdleSample_FullNight(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	seedRestartSegment(t, repo, time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newTestService(t, repo)
	ctx := context.Background()

	// 23:03 空闲 180 秒：单次采样越过两个阈值，离开起点回溯到 23:00
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 180,
		time.Date(2025, 3, 11, 23, 3, 0, 0, time.UTC)))
	state := svc.GetPresenceState(ctx, "tenant-1", "user-1")
	assert.Equal(t, models.StatusConfirmedAway, state.Status)
	require.NotNil(t, state.AwaySince)
	assert.Equal(t, time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC), *state.AwaySince)

	// 07:00 返回：480 分钟的离开被分类为睡眠
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 7, 0, 0, 0, time.UTC)))
	assert.Equal(t, models.StatusActive, svc.GetPresenceState(ctx, "tenant-1", "user-1").Status)

	sleeps, err := repo.ListSleepSegmentsTouching(ctx, "tenant-1", "user-1",
		time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, sleeps, 1)
	assert.Equal(t, models.SourcePresenceInferred, sleeps[0].Source)
	assert.InDelta(t, 480, sleeps[0].DurationMinutes, 0.001)

	// 07:16 仍活跃：窗口内的返回经持续活跃追认为日起点
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 7, 16, 0, 0, time.UTC)))

	night, err := svc.GetReconciledNight(ctx, "tenant-1", "user-1",
		time.Date(2025, 3, 12, 7, 16, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.InDelta(t, 480, night.TotalSleepMinutes, 0.001)
	assert.False(t, night.Fragmented)
}

// 起夜场景：03:00 短暂起身，03:20 回到睡眠，起床后打断出现在校勘结果里
func TestHandleIdleSample_NightInterruption(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	seedRestartSegment(t, repo, time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newTestService(t, repo)
	ctx := context.Background()

	// 23:00 入睡
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 180,
		time.Date(2025, 3, 11, 23, 3, 0, 0, time.UTC)))

	// 03:00 起身（窗口内返回：等待确认，并成为候选清醒起点）
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 3, 0, 0, 0, time.UTC)))

	// 03:23 重新确认离开（离开起点回溯到 03:20）：
	// 候选清醒区间 [03:00, 03:20] 闭合为一条推断清醒片段
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 180,
		time.Date(2025, 3, 12, 3, 23, 0, 0, time.UTC)))

	wakes, err := repo.ListWakeSegmentsTouching(ctx, "tenant-1", "user-1",
		time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, wakes, 1)
	assert.Equal(t, time.Date(2025, 3, 12, 3, 0, 0, 0, time.UTC), wakes[0].StartTime)
	require.NotNil(t, wakes[0].EndTime)
	assert.Equal(t, time.Date(2025, 3, 12, 3, 20, 0, 0, time.UTC), *wakes[0].EndTime)

	// 07:00 返回，07:16 确认起床
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 7, 0, 0, 0, time.UTC)))
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 7, 16, 0, 0, time.UTC)))

	night, err := svc.GetReconciledNight(ctx, "tenant-1", "user-1",
		time.Date(2025, 3, 12, 7, 16, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.InDelta(t, 460, night.TotalSleepMinutes, 0.001) // 240 + 220
	assert.InDelta(t, 20, night.TotalWakeMinutes, 0.001)
	require.Len(t, night.WakeInterruptions, 1)
	assert.True(t, night.Fragmented)
	assert.InDelta(t, 240, night.PrimarySleepMinutes, 0.001)
}

// 用户陈述经 StatementHandler 入库且绕过分类器（下午小睡也落库）
func TestHandleSleepStatement_BypassesClassifier(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	svc := newTestService(t, repo)
	ctx := context.Background()

	start := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	require.NoError(t, svc.HandleSleepStatement(ctx, "tenant-1", "user-1", start, end, "afternoon nap"))

	sleeps, err := repo.ListSleepSegmentsTouching(ctx, "tenant-1", "user-1",
		start.Add(-time.Hour), end.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sleeps, 1)
	assert.Equal(t, models.SourceUserStated, sleeps[0].Source)
	assert.Equal(t, "afternoon nap", sleeps[0].RawNote)
}

func TestHandleWakeStatement_RecordsUserStatedWake(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	svc := newTestService(t, repo)
	ctx := context.Background()

	start := time.Date(2025, 3, 12, 3, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	require.NoError(t, svc.HandleWakeStatement(ctx, "tenant-1", "user-1", start, end, "bathroom"))

	wakes, err := repo.ListWakeSegmentsTouching(ctx, "tenant-1", "user-1",
		start.Add(-time.Hour), end.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, wakes, 1)
	assert.Equal(t, models.SourceUserStated, wakes[0].Source)
}

// 不同用户互不串扰：各有独立的状态机
func TestHandleIdleSample_IsolatesUsers(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	svc := newTestService(t, repo)
	ctx := context.Background()

	now := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 300, now))
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-2", 0, now))

	assert.Equal(t, models.StatusConfirmedAway, svc.GetPresenceState(ctx, "tenant-1", "user-1").Status)
	assert.Equal(t, models.StatusActive, svc.GetPresenceState(ctx, "tenant-1", "user-2").Status)
}

// 本进程未跟踪的用户：状态查询回退读 Redis 快照缓存
func TestGetPresenceState_FallsBackToCacheSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := newTestConfig()
	cfg.Presence.CacheKeyPrefix = "presence:user:"
	cfg.Presence.CacheTTLSeconds = 30

	repo := repository.NewMemoryTelemetryRepo()
	cache := consumer.NewCacheManager(cfg, consumer.NewRedisKVStore(redisClient), zap.NewNop())
	svc, err := NewService(cfg, nil, nil, repo, repo, cache, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()

	// 另一个实例写入的快照
	awaySince := time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)
	require.NoError(t, cache.UpdateSnapshot(ctx, "tenant-1", "user-1", models.PresenceState{
		Status:    models.StatusConfirmedAway,
		AwaySince: &awaySince,
	}))

	state := svc.GetPresenceState(ctx, "tenant-1", "user-1")
	assert.Equal(t, models.StatusConfirmedAway, state.Status)
	require.NotNil(t, state.AwaySince)
	assert.True(t, awaySince.Equal(*state.AwaySince))

	// 缓存里也没有的用户：初始 Active
	assert.Equal(t, models.StatusActive, svc.GetPresenceState(ctx, "tenant-1", "user-unknown").Status)
}

func TestGetPresenceStatistics_AfterDayStart(t *testing.T) {
	repo := repository.NewMemoryTelemetryRepo()
	seedRestartSegment(t, repo, time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC))
	svc := newTestService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 180,
		time.Date(2025, 3, 11, 23, 3, 0, 0, time.UTC)))
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 7, 0, 0, 0, time.UTC)))
	require.NoError(t, svc.HandleIdleSample(ctx, "tenant-1", "user-1", 0,
		time.Date(2025, 3, 12, 7, 16, 0, 0, time.UTC)))

	now := time.Date(2025, 3, 12, 7, 46, 0, 0, time.UTC)
	stats, err := svc.GetPresenceStatistics(ctx, "tenant-1", "user-1", now)
	require.NoError(t, err)

	// 日起点是 07:00，之后用户一直活跃
	assert.InDelta(t, 0, stats.TotalAwayMinutes, 0.001)
	assert.InDelta(t, 46, stats.TotalActiveMinutes, 0.001)
	assert.InDelta(t, 46, stats.CurrentSessionMinutes, 0.001)
}
