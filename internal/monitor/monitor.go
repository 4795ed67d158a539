// Package monitor 实现在场状态机
//
// 状态机：Active -> PotentiallyAway -> ConfirmedAway -> Active
// - Active -> PotentiallyAway：idle_seconds >= grace 阈值
// - PotentiallyAway -> ConfirmedAway：idle_seconds >= confirm 阈值
// - PotentiallyAway -> Active：空闲在确认前复位（误报，不发 Returned）
// - ConfirmedAway -> Active：空闲复位，发 Returned 并产出离开区间
//
// 关键规则：离开区间从空闲开始的时刻（grace_start = now - idle_seconds）算起，
// 而不是从跨过确认阈值的时刻算起。PotentiallyAway / ConfirmedAway 事件的
// 时间戳都回溯到 grace_start，因此事件流保持时间单调非递减。
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-presence/internal/models"
	"wisefido-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Monitor 单用户在场监测器（单写者：只有轮询循环写事件）
type Monitor struct {
	mu sync.Mutex

	tenantID string
	userID   string

	graceThresholdSeconds   float64
	confirmThresholdSeconds float64

	events repository.PresenceEventsRepository
	logger *zap.Logger

	state    models.PresenceState
	degraded bool
}

// NewMonitor 创建在场监测器（初始状态 Active）
func NewMonitor(
	tenantID, userID string,
	graceThresholdSeconds, confirmThresholdSeconds float64,
	events repository.PresenceEventsRepository,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		tenantID:                tenantID,
		userID:                  userID,
		graceThresholdSeconds:   graceThresholdSeconds,
		confirmThresholdSeconds: confirmThresholdSeconds,
		events:                  events,
		logger:                  logger,
		state: models.PresenceState{
			Status: models.StatusActive,
		},
	}
}

// Poll 处理一次空闲采样，返回新状态；若本次采样结束了一段已确认的
// 离开，则同时返回该离开区间（交由睡眠记录器和日界判定器处理）。
//
// 事件写入失败时不提交状态转换，错误上抛（事件不允许静默丢失）。
func (m *Monitor) Poll(ctx context.Context, idleSeconds float64, now time.Time) (models.PresenceState, *models.AwayInterval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idleSeconds < 0 {
		// 负值视为探针异常，保持当前状态
		return m.holdLocked(now), nil, fmt.Errorf("invalid idle_seconds: %f", idleSeconds)
	}

	if m.degraded {
		m.degraded = false
		m.logger.Info("Idle signal restored",
			zap.String("user_id", m.userID),
		)
	}

	var returned *models.AwayInterval

	switch m.state.Status {
	case models.StatusActive:
		if idleSeconds >= m.graceThresholdSeconds {
			// 空闲开始的时刻，而不是当前时刻
			graceStart := now.Add(-secondsToDuration(idleSeconds))
			if err := m.appendEvent(ctx, models.EventPotentiallyAway, graceStart, idleSeconds, nil); err != nil {
				return m.state, nil, err
			}
			m.state.Status = models.StatusPotentiallyAway
			m.state.GraceStart = &graceStart
			m.logger.Debug("Presence potentially away",
				zap.String("user_id", m.userID),
				zap.Float64("idle_seconds", idleSeconds),
				zap.Time("grace_start", graceStart),
			)
		}
		// 单次采样可能直接越过确认阈值，继续落入下面的确认判断
		if m.state.Status == models.StatusPotentiallyAway && idleSeconds >= m.confirmThresholdSeconds {
			if err := m.confirmAwayLocked(ctx, idleSeconds); err != nil {
				return m.state, nil, err
			}
		}

	case models.StatusPotentiallyAway:
		if idleSeconds < m.graceThresholdSeconds {
			// 误报：确认前空闲复位，不发 Returned
			m.state.Status = models.StatusActive
			m.state.GraceStart = nil
			m.logger.Debug("Presence away candidate cancelled",
				zap.String("user_id", m.userID),
				zap.Float64("idle_seconds", idleSeconds),
			)
		} else if idleSeconds >= m.confirmThresholdSeconds {
			if err := m.confirmAwayLocked(ctx, idleSeconds); err != nil {
				return m.state, nil, err
			}
		}

	case models.StatusConfirmedAway:
		if idleSeconds < m.graceThresholdSeconds {
			awaySince := *m.state.AwaySince
			duration := now.Sub(awaySince).Minutes()
			if err := m.appendEvent(ctx, models.EventReturned, now, idleSeconds, &duration); err != nil {
				return m.state, nil, err
			}
			m.state.Status = models.StatusActive
			m.state.AwaySince = nil
			m.state.GraceStart = nil
			returned = &models.AwayInterval{Start: awaySince, End: now}
			m.logger.Info("Presence returned",
				zap.String("user_id", m.userID),
				zap.Time("away_since", awaySince),
				zap.Float64("duration_minutes", duration),
			)
		}
	}

	m.state.IdleSeconds = idleSeconds
	m.state.UpdatedAt = now

	return m.state, returned, nil
}

// confirmAwayLocked 提交 PotentiallyAway -> ConfirmedAway 转换
// 事件时间戳回溯到 grace_start
func (m *Monitor) confirmAwayLocked(ctx context.Context, idleSeconds float64) error {
	graceStart := *m.state.GraceStart
	if err := m.appendEvent(ctx, models.EventConfirmedAway, graceStart, idleSeconds, nil); err != nil {
		return err
	}
	m.state.Status = models.StatusConfirmedAway
	m.state.AwaySince = &graceStart
	m.logger.Info("Presence confirmed away",
		zap.String("user_id", m.userID),
		zap.Time("away_since", graceStart),
		zap.Float64("idle_seconds", idleSeconds),
	)
	return nil
}

// HoldState 空闲信号不可用时调用：保持最后已知状态，记录一次降级日志
func (m *Monitor) HoldState(now time.Time) models.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdLocked(now)
}

func (m *Monitor) holdLocked(now time.Time) models.PresenceState {
	if !m.degraded {
		m.degraded = true
		m.logger.Warn("Idle signal unavailable, holding last presence state",
			zap.String("user_id", m.userID),
			zap.String("status", string(m.state.Status)),
		)
	}
	return m.state
}

// Snapshot 返回当前状态的副本（供状态查询使用）
func (m *Monitor) Snapshot() models.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) appendEvent(ctx context.Context, kind models.PresenceEventKind, ts time.Time, idleSeconds float64, durationMinutes *float64) error {
	event := &models.PresenceEvent{
		EventID:         uuid.NewString(),
		TenantID:        m.tenantID,
		UserID:          m.userID,
		Timestamp:       ts,
		Kind:            kind,
		IdleSeconds:     idleSeconds,
		DurationMinutes: durationMinutes,
	}
	if err := m.events.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append %s event: %w", kind, err)
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
