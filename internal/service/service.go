// Package service 组装在场监测的完整流水线：
// 空闲采样 -> 状态机 -> 睡眠分类 -> 日界判定 -> 夜间校勘 -> 对外发布
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/consumer"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/monitor"
	"wisefido-presence/internal/reconcile"
	"wisefido-presence/internal/recorder"
	"wisefido-presence/internal/repository"
	"wisefido-presence/internal/resolver"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "wisefido-presence/internal/common/redis"
)

// DayStartEvent 日起点确认后发布到输出流的消息
type DayStartEvent struct {
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id"`
	WakeInstant int64  `json:"wake_instant"` // Unix 秒
}

// NightSummaryEvent 日起点确认后随附发布的前夜校勘结果
type NightSummaryEvent struct {
	TenantID string                 `json:"tenant_id"`
	UserID   string                 `json:"user_id"`
	Night    models.ReconciledNight `json:"night"`
}

// userCore 单用户的状态机组合（monitor / recorder / resolver）
//
// 每用户单写者：core.mu 串行化该用户的全部采样与陈述处理，
// 保证事件流的单调时间戳。
type userCore struct {
	mu sync.Mutex

	tenantID string
	userID   string

	monitor  *monitor.Monitor
	recorder *recorder.Recorder
	resolver *resolver.Resolver

	// 最后一次收到空闲采样的时刻（看门狗用）
	lastSample time.Time

	// 夜间返回后的候选清醒起点：下一次确认离开时落一条清醒片段
	pendingWakeStart *time.Time
}

// Service 在场服务
type Service struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client

	events   repository.PresenceEventsRepository
	segments repository.SegmentsRepository
	cache    *consumer.CacheManager

	window            recorder.SleepWindow
	typicalWakeMinute int
	location          *time.Location

	mu    sync.Mutex
	users map[string]*userCore

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ consumer.IdleSampleHandler = (*Service)(nil)
var _ consumer.StatementHandler = (*Service)(nil)

// NewService 创建在场服务
//
// redisClient 和 cache 允许为 nil（单测场景）：快照缓存与流发布
// 自动退化为 no-op。
func NewService(
	cfg *config.Config,
	db *sql.DB,
	redisClient *redis.Client,
	events repository.PresenceEventsRepository,
	segments repository.SegmentsRepository,
	cache *consumer.CacheManager,
	logger *zap.Logger,
) (*Service, error) {
	window, typicalWake, err := parseClockConfig(cfg)
	if err != nil {
		return nil, err
	}

	location := time.Local
	if cfg.Presence.Timezone != "" && cfg.Presence.Timezone != "Local" {
		location, err = time.LoadLocation(cfg.Presence.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Presence.Timezone, err)
		}
	}

	return &Service{
		config:            cfg,
		logger:            logger,
		db:                db,
		redisClient:       redisClient,
		events:            events,
		segments:          segments,
		cache:             cache,
		window:            window,
		typicalWakeMinute: typicalWake,
		location:          location,
		users:             make(map[string]*userCore),
		stopCh:            make(chan struct{}),
	}, nil
}

func parseClockConfig(cfg *config.Config) (recorder.SleepWindow, int, error) {
	start, err := config.ParseClockMinutes(cfg.Presence.SleepWindowStart)
	if err != nil {
		return recorder.SleepWindow{}, 0, fmt.Errorf("invalid sleep window start: %w", err)
	}
	end, err := config.ParseClockMinutes(cfg.Presence.SleepWindowEnd)
	if err != nil {
		return recorder.SleepWindow{}, 0, fmt.Errorf("invalid sleep window end: %w", err)
	}
	wake, err := config.ParseClockMinutes(cfg.Presence.TypicalWakeTime)
	if err != nil {
		return recorder.SleepWindow{}, 0, fmt.Errorf("invalid typical wake time: %w", err)
	}
	return recorder.SleepWindow{StartMinute: start, EndMinute: end}, wake, nil
}

// Start 启动后台循环（看门狗、保留清理）
func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(2)
	go s.watchdogLoop(ctx)
	go s.retentionLoop(ctx)

	s.logger.Info("Presence service started",
		zap.Float64("grace_threshold_seconds", s.config.Presence.GraceThresholdSeconds),
		zap.Float64("confirm_threshold_seconds", s.config.Presence.ConfirmThresholdSeconds),
		zap.String("sleep_window", s.config.Presence.SleepWindowStart+"-"+s.config.Presence.SleepWindowEnd),
	)
	return nil
}

// Stop 停止后台循环
func (s *Service) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Presence service stopped")
	return nil
}

// coreFor 获取或创建某用户的状态机组合
func (s *Service) coreFor(tenantID, userID string) *userCore {
	key := tenantID + ":" + userID

	s.mu.Lock()
	defer s.mu.Unlock()

	if core, ok := s.users[key]; ok {
		return core
	}

	core := &userCore{
		tenantID: tenantID,
		userID:   userID,
	}
	core.monitor = monitor.NewMonitor(
		tenantID, userID,
		s.config.Presence.GraceThresholdSeconds,
		s.config.Presence.ConfirmThresholdSeconds,
		s.events,
		s.logger,
	)
	core.recorder = recorder.NewRecorder(
		tenantID, userID,
		s.window,
		s.config.Presence.MinSleepMinutes,
		s.location,
		s.segments,
		s.logger,
	)
	core.resolver = resolver.NewResolver(
		tenantID, userID,
		s.window,
		s.config.Presence.RealWakeGraceMinutes,
		s.typicalWakeMinute,
		s.config.Presence.AssumedSleepMinutes,
		s.location,
		s.segments,
		func(wake time.Time) { s.publishDayStart(tenantID, userID, wake) },
		s.logger,
	)
	s.users[key] = core
	return core
}

// HandleIdleSample 处理一次空闲采样（consumer.IdleSampleHandler）
func (s *Service) HandleIdleSample(ctx context.Context, tenantID, userID string, idleSeconds float64, sampledAt time.Time) error {
	core := s.coreFor(tenantID, userID)

	core.mu.Lock()
	defer core.mu.Unlock()

	// 首次采样时做冷启动/重启判定
	if _, err := core.resolver.Bootstrap(ctx, sampledAt); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	prev := core.monitor.Snapshot().Status
	state, returned, err := core.monitor.Poll(ctx, idleSeconds, sampledAt)
	if err != nil {
		return err
	}
	core.lastSample = sampledAt

	// 进入确认离开：若此前有夜间返回的候选清醒起点，现在闭合它
	if state.Status == models.StatusConfirmedAway && prev != models.StatusConfirmedAway {
		s.closePendingWakeLocked(ctx, core, state)
		core.resolver.CancelPending()
	}

	// 离开结束：睡眠分类 + 日界判定
	if returned != nil {
		if _, err := core.recorder.ClassifyAndRecord(ctx, returned.Start, returned.End); err != nil {
			return err
		}

		decision, err := core.resolver.OnAwayReturn(ctx, returned.Start, returned.End, sampledAt)
		if err != nil {
			return err
		}
		switch decision {
		case models.DecisionConfirmedDayStart:
			core.pendingWakeStart = nil
		default:
			// 未确认为日起点且返回时刻仍在睡眠窗口内：
			// 这可能是一段嵌套清醒（起夜）的开始
			if s.window.Contains(minuteOfDay(returned.End.In(s.location))) {
				end := returned.End
				core.pendingWakeStart = &end
			}
		}
	}

	// 活跃期间轮询等待中的日界确认
	if state.Status == models.StatusActive {
		confirmed, err := core.resolver.ConfirmPending(sampledAt)
		if err != nil {
			return err
		}
		if confirmed {
			core.pendingWakeStart = nil
		}
	}

	// 快照缓存是派生视图，写失败只记日志
	if s.cache != nil {
		if err := s.cache.UpdateSnapshot(ctx, tenantID, userID, state); err != nil {
			s.logger.Warn("Failed to update presence snapshot cache",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// closePendingWakeLocked 用户再次确认离开：把上次夜间返回到本次离开
// 起点之间的区间落为一条推断清醒片段
func (s *Service) closePendingWakeLocked(ctx context.Context, core *userCore, state models.PresenceState) {
	if core.pendingWakeStart == nil || state.AwaySince == nil {
		return
	}
	start := *core.pendingWakeStart
	end := *state.AwaySince
	core.pendingWakeStart = nil

	if !end.After(start) {
		return
	}
	if _, err := core.recorder.RecordWakeInterval(ctx, start, end, models.SourcePresenceInferred, ""); err != nil {
		s.logger.Error("Failed to record inferred wake segment",
			zap.String("user_id", core.userID),
			zap.Error(err),
		)
	}
}

// HandleSleepStatement 处理用户陈述的睡眠区间（consumer.StatementHandler）
func (s *Service) HandleSleepStatement(ctx context.Context, tenantID, userID string, start, end time.Time, note string) error {
	core := s.coreFor(tenantID, userID)
	core.mu.Lock()
	defer core.mu.Unlock()

	_, err := core.recorder.RecordUserStated(ctx, start, end, note)
	return err
}

// HandleWakeStatement 处理用户陈述的夜间清醒区间（consumer.StatementHandler）
func (s *Service) HandleWakeStatement(ctx context.Context, tenantID, userID string, start, end time.Time, notes string) error {
	core := s.coreFor(tenantID, userID)
	core.mu.Lock()
	defer core.mu.Unlock()

	_, err := core.recorder.RecordWakeInterval(ctx, start, end, models.SourceUserStated, notes)
	return err
}

// GetPresenceState 当前在场状态
//
// 本进程正在跟踪该用户时直接读状态机快照；否则（例如重启后还没
// 收到采样）回退读 Redis 快照缓存；两者都没有时按初始 Active 返回。
func (s *Service) GetPresenceState(ctx context.Context, tenantID, userID string) models.PresenceState {
	s.mu.Lock()
	core, ok := s.users[tenantID+":"+userID]
	s.mu.Unlock()
	if ok {
		return core.monitor.Snapshot()
	}

	if s.cache != nil {
		cached, err := s.cache.GetSnapshot(ctx, tenantID, userID)
		if err == nil {
			return *cached
		}
		if !errors.Is(err, consumer.ErrCacheMiss) {
			s.logger.Warn("Failed to read presence snapshot cache",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	return models.PresenceState{Status: models.StatusActive}
}

// GetPresenceStatistics 自日起点以来的在场统计
//
// 事件读失败降级为尽力而为的汇总（空事件流），只记日志。
func (s *Service) GetPresenceStatistics(ctx context.Context, tenantID, userID string, now time.Time) (models.PresenceStatistics, error) {
	core := s.coreFor(tenantID, userID)
	dayStart := core.resolver.DayStart()
	if dayStart.IsZero() {
		var err error
		dayStart, err = core.resolver.Bootstrap(ctx, now)
		if err != nil {
			return models.PresenceStatistics{}, err
		}
	}

	events, err := s.events.ListEventsSince(ctx, tenantID, userID, dayStart)
	if err != nil {
		s.logger.Warn("Failed to list presence events, returning partial statistics",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		events = nil
	}

	return ComputeStatistics(events, dayStart, now), nil
}

// GetReconciledNight 校勘尾随 24 小时内的夜间睡眠
func (s *Service) GetReconciledNight(ctx context.Context, tenantID, userID string, now time.Time) (models.ReconciledNight, error) {
	from := now.Add(-24 * time.Hour)

	sleeps, err := s.segments.ListSleepSegmentsTouching(ctx, tenantID, userID, from, now)
	if err != nil {
		return models.ReconciledNight{}, fmt.Errorf("failed to list sleep segments: %w", err)
	}
	wakes, err := s.segments.ListWakeSegmentsTouching(ctx, tenantID, userID, from, now)
	if err != nil {
		return models.ReconciledNight{}, fmt.Errorf("failed to list wake segments: %w", err)
	}

	return reconcile.Reconcile(sleeps, wakes), nil
}

// publishDayStart 日起点确认回调：发布日起点事件与前夜校勘结果
//
// 发布是派生输出，失败只记日志不回滚判定。
func (s *Service) publishDayStart(tenantID, userID string, wake time.Time) {
	s.logger.Info("Publishing day start",
		zap.String("user_id", userID),
		zap.Time("wake_instant", wake),
	)

	if s.redisClient == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := DayStartEvent{
		TenantID:    tenantID,
		UserID:      userID,
		WakeInstant: wake.Unix(),
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, s.redisClient, s.config.Presence.DayStartStream, event); err != nil {
		s.logger.Error("Failed to publish day start event",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	night, err := s.GetReconciledNight(ctx, tenantID, userID, wake)
	if err != nil {
		s.logger.Error("Failed to reconcile night for day start",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}
	summary := NightSummaryEvent{
		TenantID: tenantID,
		UserID:   userID,
		Night:    night,
	}
	if _, err := rediscommon.PublishJSONToStream(ctx, s.redisClient, s.config.Presence.NightStream, summary); err != nil {
		s.logger.Error("Failed to publish night summary",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// watchdogLoop 空闲信号看门狗：超时未收到采样的用户保持最后已知状态
func (s *Service) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()

	timeout := time.Duration(s.config.Presence.SignalTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			cores := make([]*userCore, 0, len(s.users))
			for _, core := range s.users {
				cores = append(cores, core)
			}
			s.mu.Unlock()

			for _, core := range cores {
				core.mu.Lock()
				if !core.lastSample.IsZero() && now.Sub(core.lastSample) > timeout {
					core.monitor.HoldState(now)
				}
				core.mu.Unlock()
			}
		}
	}
}

// retentionLoop 在场事件保留清理（片段永久保留，不清理）
func (s *Service) retentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.config.Presence.RetentionDays)
			deleted, err := s.events.PruneEventsBefore(ctx, cutoff)
			if err != nil {
				s.logger.Error("Failed to prune presence events", zap.Error(err))
				continue
			}
			if deleted > 0 {
				s.logger.Info("Pruned presence events",
					zap.Int64("deleted", deleted),
					zap.Time("cutoff", cutoff),
				)
			}
		}
	}
}

func minuteOfDay(t time.Time) float64 {
	return float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60.0
}
