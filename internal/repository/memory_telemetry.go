package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"wisefido-presence/internal/models"
)

// MemoryTelemetryRepo 内存版遥测仓库（DB 不可用或单元测试时使用）
// NOTE: 同时实现事件仓库与片段仓库两个接口。
type MemoryTelemetryRepo struct {
	mu            sync.RWMutex
	events        []models.PresenceEvent
	sleepSegments []models.SleepSegment
	wakeSegments  []models.WakeSegment
}

func NewMemoryTelemetryRepo() *MemoryTelemetryRepo {
	return &MemoryTelemetryRepo{}
}

var (
	_ PresenceEventsRepository = (*MemoryTelemetryRepo)(nil)
	_ SegmentsRepository       = (*MemoryTelemetryRepo)(nil)
)

func (r *MemoryTelemetryRepo) AppendEvent(_ context.Context, event *models.PresenceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *MemoryTelemetryRepo) ListEventsSince(_ context.Context, tenantID, userID string, since time.Time) ([]models.PresenceEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.PresenceEvent
	for _, e := range r.events {
		if e.TenantID == tenantID && e.UserID == userID && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (r *MemoryTelemetryRepo) PruneEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var deleted int64
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return deleted, nil
}

func (r *MemoryTelemetryRepo) CreateSleepSegment(_ context.Context, segment *models.SleepSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleepSegments = append(r.sleepSegments, *segment)
	return nil
}

func (r *MemoryTelemetryRepo) CreateWakeSegment(_ context.Context, segment *models.WakeSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wakeSegments = append(r.wakeSegments, *segment)
	return nil
}

func (r *MemoryTelemetryRepo) ListSleepSegmentsTouching(_ context.Context, tenantID, userID string, from, to time.Time) ([]models.SleepSegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SleepSegment
	for _, s := range r.sleepSegments {
		if s.TenantID != tenantID || s.UserID != userID {
			continue
		}
		if s.StartTime.After(to) {
			continue
		}
		if s.EndTime != nil && s.EndTime.Before(from) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (r *MemoryTelemetryRepo) ListWakeSegmentsTouching(_ context.Context, tenantID, userID string, from, to time.Time) ([]models.WakeSegment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.WakeSegment
	for _, s := range r.wakeSegments {
		if s.TenantID != tenantID || s.UserID != userID {
			continue
		}
		if s.StartTime.After(to) {
			continue
		}
		if s.EndTime != nil && s.EndTime.Before(from) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}
