// Package recorder 将离开区间与用户陈述转换为睡眠/清醒片段
//
// 分类规则：离开区间判定为睡眠当且仅当
// 1. 时长 >= 最短睡眠时长，并且
// 2. 区间两个端点都落在配置的睡眠窗口内（窗口可跨午夜）
//
// 端点判定必须用"自午夜起的分钟数"比较（不能只比小时），且必须是
// 两端点的合取——只有一端命中（例如区间在窗口打开前几分钟结束）
// 不得判定为睡眠。
package recorder

import (
	"context"
	"fmt"
	"time"

	"wisefido-presence/internal/models"
	"wisefido-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SleepWindow 睡眠窗口 [Start, End)，自午夜起的分钟数，Start > End 表示跨午夜
type SleepWindow struct {
	StartMinute int
	EndMinute   int
}

// Contains 判定钟面分钟数是否落在窗口内
func (w SleepWindow) Contains(minuteOfDay float64) bool {
	start := float64(w.StartMinute)
	end := float64(w.EndMinute)
	if start > end {
		// 跨午夜：[start, 24:00) ∪ [00:00, end)
		return minuteOfDay >= start || minuteOfDay < end
	}
	return minuteOfDay >= start && minuteOfDay < end
}

// Recorder 睡眠/清醒记录器
type Recorder struct {
	tenantID string
	userID   string

	window          SleepWindow
	minSleepMinutes float64
	location        *time.Location

	segments repository.SegmentsRepository
	logger   *zap.Logger
}

// NewRecorder 创建记录器
func NewRecorder(
	tenantID, userID string,
	window SleepWindow,
	minSleepMinutes float64,
	location *time.Location,
	segments repository.SegmentsRepository,
	logger *zap.Logger,
) *Recorder {
	if location == nil {
		location = time.Local
	}
	return &Recorder{
		tenantID:        tenantID,
		userID:          userID,
		window:          window,
		minSleepMinutes: minSleepMinutes,
		location:        location,
		segments:        segments,
		logger:          logger,
	}
}

// ClassifyAndRecord 对离开区间做睡眠分类；判定为睡眠时落库并返回片段，
// 否则返回 (nil, nil)。
func (r *Recorder) ClassifyAndRecord(ctx context.Context, awayStart, awayEnd time.Time) (*models.SleepSegment, error) {
	if !awayEnd.After(awayStart) {
		r.logger.Warn("Skipping malformed away interval",
			zap.String("user_id", r.userID),
			zap.Time("away_start", awayStart),
			zap.Time("away_end", awayEnd),
		)
		return nil, nil
	}

	durationMinutes := awayEnd.Sub(awayStart).Minutes()
	if durationMinutes < r.minSleepMinutes {
		return nil, nil
	}

	// 两端点都必须在窗口内（合取）
	startMinute := minuteOfDay(awayStart.In(r.location))
	endMinute := minuteOfDay(awayEnd.In(r.location))
	if !r.window.Contains(startMinute) || !r.window.Contains(endMinute) {
		r.logger.Debug("Away interval outside sleep window, not classified as sleep",
			zap.String("user_id", r.userID),
			zap.Float64("start_minute", startMinute),
			zap.Float64("end_minute", endMinute),
			zap.Float64("duration_minutes", durationMinutes),
		)
		return nil, nil
	}

	segment := &models.SleepSegment{
		SegmentID:       uuid.NewString(),
		TenantID:        r.tenantID,
		UserID:          r.userID,
		StartTime:       awayStart,
		EndTime:         &awayEnd,
		DurationMinutes: durationMinutes,
		Source:          models.SourcePresenceInferred,
		CreatedAt:       time.Now(),
	}
	if err := r.segments.CreateSleepSegment(ctx, segment); err != nil {
		return nil, fmt.Errorf("failed to record inferred sleep segment: %w", err)
	}

	r.logger.Info("Recorded inferred sleep segment",
		zap.String("user_id", r.userID),
		zap.String("segment_id", segment.SegmentID),
		zap.Time("start", awayStart),
		zap.Time("end", awayEnd),
		zap.Float64("duration_minutes", durationMinutes),
	)

	return segment, nil
}

// RecordUserStated 记录用户陈述的睡眠区间
// 用户陈述不经过分类器，无条件落库（仅校验区间合法）。
func (r *Recorder) RecordUserStated(ctx context.Context, start, end time.Time, note string) (*models.SleepSegment, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("user stated sleep interval start must be before end")
	}

	segment := &models.SleepSegment{
		SegmentID:       uuid.NewString(),
		TenantID:        r.tenantID,
		UserID:          r.userID,
		StartTime:       start,
		EndTime:         &end,
		DurationMinutes: end.Sub(start).Minutes(),
		Source:          models.SourceUserStated,
		RawNote:         note,
		CreatedAt:       time.Now(),
	}
	if err := r.segments.CreateSleepSegment(ctx, segment); err != nil {
		return nil, fmt.Errorf("failed to record user stated sleep segment: %w", err)
	}

	r.logger.Info("Recorded user stated sleep segment",
		zap.String("user_id", r.userID),
		zap.String("segment_id", segment.SegmentID),
		zap.Float64("duration_minutes", segment.DurationMinutes),
	)

	return segment, nil
}

// RecordWakeInterval 记录嵌套在睡眠中的清醒片段（如起夜）
func (r *Recorder) RecordWakeInterval(ctx context.Context, start, end time.Time, source models.SegmentSource, notes string) (*models.WakeSegment, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("wake interval start must be before end")
	}

	segment := &models.WakeSegment{
		SegmentID:       uuid.NewString(),
		TenantID:        r.tenantID,
		UserID:          r.userID,
		StartTime:       start,
		EndTime:         &end,
		DurationMinutes: end.Sub(start).Minutes(),
		Source:          source,
		Notes:           notes,
		CreatedAt:       time.Now(),
	}
	if err := r.segments.CreateWakeSegment(ctx, segment); err != nil {
		return nil, fmt.Errorf("failed to record wake segment: %w", err)
	}

	r.logger.Info("Recorded wake segment",
		zap.String("user_id", r.userID),
		zap.String("segment_id", segment.SegmentID),
		zap.Float64("duration_minutes", segment.DurationMinutes),
	)

	return segment, nil
}

// minuteOfDay 自午夜起的分钟数（含秒的小数部分）
func minuteOfDay(t time.Time) float64 {
	return float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60.0
}
