package models

import "time"

// PresenceEventKind 在场遥测事件类型
type PresenceEventKind string

const (
	// EventPotentiallyAway 空闲超过宽限阈值，可能离开
	EventPotentiallyAway PresenceEventKind = "potentially_away"
	// EventConfirmedAway 空闲超过确认阈值，确认离开（时间戳回溯到 grace_start）
	EventConfirmedAway PresenceEventKind = "confirmed_away"
	// EventReturned 离开后返回
	EventReturned PresenceEventKind = "returned"
)

// PresenceEvent 在场状态转换事件（不可变，仅追加）
//
// 不变式：
// - 同一用户流内 Timestamp 单调非递减
// - Returned 事件之前必然恰有一个未配对的 ConfirmedAway 事件
type PresenceEvent struct {
	EventID   string            `json:"event_id"`
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      PresenceEventKind `json:"kind"`

	// IdleSeconds 事件发生时观测到的空闲秒数（PotentiallyAway/ConfirmedAway）
	IdleSeconds float64 `json:"idle_seconds"`

	// DurationMinutes 仅 Returned 事件填写：自回溯的离开起点以来的分钟数
	DurationMinutes *float64 `json:"duration_minutes,omitempty"`
}

// PresenceStatus 在场状态枚举
type PresenceStatus string

const (
	StatusActive          PresenceStatus = "active"
	StatusPotentiallyAway PresenceStatus = "potentially_away"
	StatusConfirmedAway   PresenceStatus = "confirmed_away"
)

// PresenceState 派生的当前在场状态（不单独持久化，由最新事件重建）
//
// AwaySince/GraceStart 用于时间回溯：离开区间定义为从空闲开始的时刻算起，
// 而不是从跨过确认阈值的时刻算起。
type PresenceState struct {
	Status      PresenceStatus `json:"status"`
	AwaySince   *time.Time     `json:"away_since,omitempty"`
	GraceStart  *time.Time     `json:"grace_start,omitempty"`
	IdleSeconds float64        `json:"idle_seconds"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AwayInterval 一段已确认并结束的离开区间
type AwayInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DurationMinutes 区间时长（分钟）
func (a AwayInterval) DurationMinutes() float64 {
	return a.End.Sub(a.Start).Minutes()
}

// PresenceStatistics 自某个日起点以来的在场统计
type PresenceStatistics struct {
	TotalActiveMinutes    float64 `json:"total_active_minutes"`
	TotalAwayMinutes      float64 `json:"total_away_minutes"`
	AwayCount             int     `json:"away_count"`
	LongestAwayMinutes    float64 `json:"longest_away_minutes"`
	CurrentSessionMinutes float64 `json:"current_session_minutes"`
}
