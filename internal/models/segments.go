package models

import "time"

// SegmentSource 睡眠/清醒片段的数据来源
type SegmentSource string

const (
	// SourceUserStated 用户明确陈述（上游抽取服务解析为结构化区间）
	SourceUserStated SegmentSource = "user_stated"
	// SourcePresenceInferred 由在场监测的长离开区间推断
	SourcePresenceInferred SegmentSource = "presence_inferred"
	// SourceAssumedColdStart 冷启动时合成的假定睡眠
	SourceAssumedColdStart SegmentSource = "assumed_cold_start"
)

// SleepSegment 睡眠片段（仅追加；从不原地修改，冲突时在对账中被排除）
//
// 不变式：EndTime 非空时 StartTime < EndTime；DurationMinutes 为派生值。
type SleepSegment struct {
	SegmentID       string        `json:"segment_id"`
	TenantID        string        `json:"tenant_id"`
	UserID          string        `json:"user_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	DurationMinutes float64       `json:"duration_minutes"`
	Source          SegmentSource `json:"source"`
	RawNote         string        `json:"raw_note,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// WakeSegment 清醒片段（仅追加）
//
// 表示嵌套在睡眠窗口内的一段清醒（如起夜），只有与重叠的
// SleepSegment 放在一起才有意义。
type WakeSegment struct {
	SegmentID       string        `json:"segment_id"`
	TenantID        string        `json:"tenant_id"`
	UserID          string        `json:"user_id"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	DurationMinutes float64       `json:"duration_minutes"`
	Source          SegmentSource `json:"source"`
	Notes           string        `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SleepPeriod 对账后的一段连续睡眠（有序、不重叠）
type SleepPeriod struct {
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Minutes float64       `json:"minutes"`
	Source  SegmentSource `json:"source"`
}

// WakeInterruption 对账后嵌套在睡眠中的清醒打断
type WakeInterruption struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Minutes float64   `json:"minutes"`
}

// ReconciledNight 对账后的夜间睡眠汇总（按需计算，不落库）
type ReconciledNight struct {
	TotalSleepMinutes   float64                   `json:"total_sleep_minutes"`
	TotalWakeMinutes    float64                   `json:"total_wake_minutes"`
	SleepPeriods        []SleepPeriod             `json:"sleep_periods"`
	WakeInterruptions   []WakeInterruption        `json:"wake_interruptions"`
	Fragmented          bool                      `json:"fragmented"`
	PrimarySleepMinutes float64                   `json:"primary_sleep_minutes"`
	SourceBreakdown     map[SegmentSource]float64 `json:"source_breakdown"`

	// SkippedSegments 对账时跳过的畸形片段数（无包裹睡眠的清醒、未闭合片段等）
	SkippedSegments int `json:"skipped_segments,omitempty"`
}

// DayBoundaryDecision 日界判定结果
type DayBoundaryDecision string

const (
	// DecisionNotADayStart 不是日起点（睡眠中的短暂打断）
	DecisionNotADayStart DayBoundaryDecision = "not_a_day_start"
	// DecisionAwaitingConfirmation 窗口内返回，等待持续活跃确认
	DecisionAwaitingConfirmation DayBoundaryDecision = "awaiting_confirmation"
	// DecisionConfirmedDayStart 确认日起点
	DecisionConfirmedDayStart DayBoundaryDecision = "confirmed_day_start"
)
