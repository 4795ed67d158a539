package repository

import (
	"context"
	"time"

	"wisefido-presence/internal/models"
)

// PresenceEventsRepository 在场事件仓库（仅追加）
//
// 写失败必须上抛（事件不允许静默丢失）；读失败允许返回部分结果，
// 由调用方降级为尽力而为的汇总。
type PresenceEventsRepository interface {
	// AppendEvent 追加一条在场事件
	AppendEvent(ctx context.Context, event *models.PresenceEvent) error
	// ListEventsSince 按时间升序列出某用户自 since 以来的事件
	ListEventsSince(ctx context.Context, tenantID, userID string, since time.Time) ([]models.PresenceEvent, error)
	// PruneEventsBefore 删除 cutoff 之前的事件（保留策略），返回删除行数
	PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SegmentsRepository 睡眠/清醒片段仓库（仅追加，永久保留）
type SegmentsRepository interface {
	// CreateSleepSegment 追加一条睡眠片段
	CreateSleepSegment(ctx context.Context, segment *models.SleepSegment) error
	// CreateWakeSegment 追加一条清醒片段
	CreateWakeSegment(ctx context.Context, segment *models.WakeSegment) error
	// ListSleepSegmentsTouching 列出与 [from, to] 有交集的睡眠片段（按开始时间升序）
	ListSleepSegmentsTouching(ctx context.Context, tenantID, userID string, from, to time.Time) ([]models.SleepSegment, error)
	// ListWakeSegmentsTouching 列出与 [from, to] 有交集的清醒片段（按开始时间升序）
	ListWakeSegmentsTouching(ctx context.Context, tenantID, userID string, from, to time.Time) ([]models.WakeSegment, error)
}
