// Package resolver 判定离开后返回是否构成真正的"起床"（日起点），
// 并在进程启动时区分真冷启动与带历史数据的重启。
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-presence/internal/models"
	"wisefido-presence/internal/recorder"
	"wisefido-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DayStartFunc 日起点回调（交给外部日界协作方）
type DayStartFunc func(wakeInstant time.Time)

// Resolver 单用户日界判定器
type Resolver struct {
	mu sync.Mutex

	tenantID string
	userID   string

	window               recorder.SleepWindow
	realWakeGraceMinutes float64
	typicalWakeMinute    int
	assumedSleepMinutes  float64
	location             *time.Location

	segments   repository.SegmentsRepository
	onDayStart DayStartFunc
	logger     *zap.Logger

	// 冷启动检查进程生命周期内只执行一次
	bootstrapped bool
	dayStart     time.Time

	// 窗口内返回后等待持续活跃确认的起点
	pendingSince *time.Time
}

// NewResolver 创建日界判定器
func NewResolver(
	tenantID, userID string,
	window recorder.SleepWindow,
	realWakeGraceMinutes float64,
	typicalWakeMinute int,
	assumedSleepMinutes float64,
	location *time.Location,
	segments repository.SegmentsRepository,
	onDayStart DayStartFunc,
	logger *zap.Logger,
) *Resolver {
	if location == nil {
		location = time.Local
	}
	return &Resolver{
		tenantID:             tenantID,
		userID:               userID,
		window:               window,
		realWakeGraceMinutes: realWakeGraceMinutes,
		typicalWakeMinute:    typicalWakeMinute,
		assumedSleepMinutes:  assumedSleepMinutes,
		location:             location,
		segments:             segments,
		onDayStart:           onDayStart,
		logger:               logger,
	}
}

// Bootstrap 进程启动时的冷启动/重启判定（只执行一次，之后直接返回已定结果）
//
// - 重启：尾随 24 小时内存在已闭合的睡眠片段，日起点取最近片段的
//   end——从不取进程启动的墙钟时间
// - 真冷启动：无任何片段，合成一条 source=assumed_cold_start 的片段，
//   终点是"今天"的典型起床时间（不是进程启动时间），避免 23 点重启
//   虚构出一段 23 点结束的 8 小时小睡
func (r *Resolver) Bootstrap(ctx context.Context, now time.Time) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bootstrapped {
		return r.dayStart, nil
	}

	segments, err := r.segments.ListSleepSegmentsTouching(ctx, r.tenantID, r.userID, now.Add(-24*time.Hour), now)
	if err != nil {
		// 读失败允许降级：按冷启动处理，但写失败必须上抛
		r.logger.Warn("Failed to read sleep segments during bootstrap, assuming cold start",
			zap.String("user_id", r.userID),
			zap.Error(err),
		)
		segments = nil
	}

	var latestEnd *time.Time
	for _, s := range segments {
		if s.EndTime == nil {
			continue
		}
		if latestEnd == nil || s.EndTime.After(*latestEnd) {
			end := *s.EndTime
			latestEnd = &end
		}
	}

	if latestEnd != nil {
		// 重启：复用已有遥测
		r.dayStart = *latestEnd
		r.bootstrapped = true
		r.logger.Info("Restart detected, derived day start from stored telemetry",
			zap.String("user_id", r.userID),
			zap.Time("day_start", r.dayStart),
		)
		return r.dayStart, nil
	}

	// 真冷启动：合成假定睡眠
	wake := r.typicalWakeToday(now)
	start := wake.Add(-time.Duration(r.assumedSleepMinutes * float64(time.Minute)))
	segment := &models.SleepSegment{
		SegmentID:       uuid.NewString(),
		TenantID:        r.tenantID,
		UserID:          r.userID,
		StartTime:       start,
		EndTime:         &wake,
		DurationMinutes: wake.Sub(start).Minutes(),
		Source:          models.SourceAssumedColdStart,
		CreatedAt:       time.Now(),
	}
	if err := r.segments.CreateSleepSegment(ctx, segment); err != nil {
		return time.Time{}, fmt.Errorf("failed to record assumed cold start segment: %w", err)
	}

	r.dayStart = wake
	r.bootstrapped = true
	r.logger.Info("Cold start detected, synthesized assumed sleep segment",
		zap.String("user_id", r.userID),
		zap.Time("assumed_start", start),
		zap.Time("assumed_wake", wake),
	)
	return r.dayStart, nil
}

// OnAwayReturn 对一次离开后返回做日界判定
//
// 规则：
// - 离开时长低于真实起床宽限期：睡眠中的短暂打断，不是日起点
// - 返回时刻仍在睡眠窗口内：暂不判定，等待持续活跃确认
// - 窗口已关闭且离开时长足够：确认日起点，触发回调
func (r *Resolver) OnAwayReturn(ctx context.Context, awayStart, awayEnd, now time.Time) (models.DayBoundaryDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	durationMinutes := awayEnd.Sub(awayStart).Minutes()
	if durationMinutes < r.realWakeGraceMinutes {
		return models.DecisionNotADayStart, nil
	}

	endMinute := minuteOfDay(awayEnd.In(r.location))
	if r.window.Contains(endMinute) {
		pending := awayEnd
		r.pendingSince = &pending
		r.logger.Debug("Return inside sleep window, awaiting sustained activity",
			zap.String("user_id", r.userID),
			zap.Time("returned_at", awayEnd),
		)
		return models.DecisionAwaitingConfirmation, nil
	}

	r.confirmDayStartLocked(awayEnd)
	return models.DecisionConfirmedDayStart, nil
}

// ConfirmPending 活跃期间周期性调用：窗口内返回后持续活跃超过宽限期
// 则追认日起点。返回是否在本次调用中确认。
func (r *Resolver) ConfirmPending(now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pendingSince == nil {
		return false, nil
	}
	if now.Sub(*r.pendingSince).Minutes() < r.realWakeGraceMinutes {
		return false, nil
	}

	wake := *r.pendingSince
	r.confirmDayStartLocked(wake)
	return true, nil
}

// CancelPending 再次确认离开时调用：窗口内的返回只是打断，夜晚继续
func (r *Resolver) CancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingSince = nil
}

// DayStart 当前已判定的日起点
func (r *Resolver) DayStart() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dayStart
}

func (r *Resolver) confirmDayStartLocked(wake time.Time) {
	r.dayStart = wake
	r.pendingSince = nil
	r.logger.Info("Day start confirmed",
		zap.String("user_id", r.userID),
		zap.Time("wake_instant", wake),
	)
	if r.onDayStart != nil {
		r.onDayStart(wake)
	}
}

// typicalWakeToday "今天"的典型起床时刻；若尚未到达（凌晨启动），
// 取前一天的，保证结果不在未来
func (r *Resolver) typicalWakeToday(now time.Time) time.Time {
	local := now.In(r.location)
	wake := time.Date(local.Year(), local.Month(), local.Day(),
		r.typicalWakeMinute/60, r.typicalWakeMinute%60, 0, 0, r.location)
	if wake.After(now) {
		wake = wake.AddDate(0, 0, -1)
	}
	return wake
}

func minuteOfDay(t time.Time) float64 {
	return float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60.0
}
