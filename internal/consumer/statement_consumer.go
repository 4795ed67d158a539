package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wisefido-presence/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "wisefido-presence/internal/common/redis"
)

// Metrics 监控指标
type Metrics struct {
	mu sync.RWMutex

	// 消息处理统计
	MessagesProcessed int64 // 处理的消息总数
	MessagesSucceeded int64 // 成功处理的消息数
	MessagesFailed    int64 // 处理失败的消息数

	// 错误分类统计
	ErrorsParse  int64 // 解析错误
	ErrorsRecord int64 // 落库失败

	// 性能指标
	TotalProcessingTime time.Duration // 总处理时间
	LastProcessTime     time.Time     // 最后处理时间

	// 启动时间
	StartTime time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesProcessed:   m.MessagesProcessed,
		MessagesSucceeded:   m.MessagesSucceeded,
		MessagesFailed:      m.MessagesFailed,
		ErrorsParse:         m.ErrorsParse,
		ErrorsRecord:        m.ErrorsRecord,
		TotalProcessingTime: m.TotalProcessingTime,
		LastProcessTime:     m.LastProcessTime,
		StartTime:           m.StartTime,
	}
}

// IncrementProcessed 增加处理计数
func (m *Metrics) IncrementProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesProcessed++
}

// IncrementSucceeded 增加成功计数
func (m *Metrics) IncrementSucceeded(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSucceeded++
	m.TotalProcessingTime += duration
	m.LastProcessTime = time.Now()
}

// IncrementFailed 增加失败计数
func (m *Metrics) IncrementFailed(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesFailed++
	switch errorType {
	case "parse":
		m.ErrorsParse++
	case "record":
		m.ErrorsRecord++
	}
}

// StatementHandler 用户陈述处理方（由 service 层实现）
type StatementHandler interface {
	// HandleSleepStatement 处理用户陈述的睡眠区间
	HandleSleepStatement(ctx context.Context, tenantID, userID string, start, end time.Time, note string) error
	// HandleWakeStatement 处理用户陈述的夜间清醒区间
	HandleWakeStatement(ctx context.Context, tenantID, userID string, start, end time.Time, notes string) error
}

// SleepStatementMessage 上游自然语言抽取服务发布的结构化区间
// （本服务只接受已结构化的时间范围，解析本身不在范围内）
type SleepStatementMessage struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Kind     string `json:"kind"` // "sleep" 或 "wake"
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Note     string `json:"note,omitempty"`
}

// StatementConsumer 用户陈述 Redis Streams 消费者
type StatementConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	handler     StatementHandler
	logger      *zap.Logger
	metrics     *Metrics
}

// NewStatementConsumer 创建 Streams 消费者
func NewStatementConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	handler StatementHandler,
	logger *zap.Logger,
) *StatementConsumer {
	return &StatementConsumer{
		config:      cfg,
		redisClient: redisClient,
		handler:     handler,
		logger:      logger,
		metrics: &Metrics{
			StartTime: time.Now(),
		},
	}
}

// Start 启动消费者
func (c *StatementConsumer) Start(ctx context.Context) error {
	// 创建消费者组
	stream := c.config.Presence.StatementStream
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Presence.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}

	c.logger.Info("Statement consumer started",
		zap.String("consumer_group", c.config.Presence.ConsumerGroup),
		zap.String("consumer_name", c.config.Presence.ConsumerName),
		zap.String("stream", stream),
	)

	// 启动指标报告协程
	metricsCtx, metricsCancel := context.WithCancel(ctx)
	defer metricsCancel()
	go c.reportMetrics(metricsCtx)

	// 启动消费循环
	backoffDuration := time.Second // 初始退避时间
	maxBackoff := 30 * time.Second // 最大退避时间

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeStream(ctx, stream); err != nil {
				c.logger.Error("Failed to consume statement stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避：等待后重试
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				// 成功时重置退避时间
				backoffDuration = time.Second
			}
		}
	}
}

// consumeStream 消费单个 Stream
func (c *StatementConsumer) consumeStream(ctx context.Context, stream string) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		stream,
		c.config.Presence.ConsumerGroup,
		c.config.Presence.ConsumerName,
		16,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		c.metrics.IncrementProcessed()
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process statement message",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
			// 继续处理下一条消息，不中断；失败的消息留在 pending 等待重投
			continue
		}
		// 确认成功处理的消息，避免 pending 列表无限增长
		if err := rediscommon.AckMessages(ctx, c.redisClient, stream, c.config.Presence.ConsumerGroup, msg.ID); err != nil {
			c.logger.Error("Failed to ack statement message",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processMessage 处理单条用户陈述消息
func (c *StatementConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	startTime := time.Now()

	// 解析消息数据
	var dataStr string
	if val, ok := msg.Values["data"]; ok {
		if str, ok := val.(string); ok {
			dataStr = str
		} else {
			c.metrics.IncrementFailed("parse")
			return fmt.Errorf("invalid data format in message")
		}
	} else {
		c.metrics.IncrementFailed("parse")
		return fmt.Errorf("missing data field in message")
	}

	var statement SleepStatementMessage
	if err := json.Unmarshal([]byte(dataStr), &statement); err != nil {
		c.metrics.IncrementFailed("parse")
		return fmt.Errorf("failed to unmarshal statement: %w", err)
	}

	if statement.TenantID == "" || statement.UserID == "" {
		c.metrics.IncrementFailed("parse")
		return fmt.Errorf("statement missing tenant_id or user_id")
	}

	start := time.Unix(statement.Start, 0).UTC()
	end := time.Unix(statement.End, 0).UTC()

	var err error
	switch statement.Kind {
	case "wake":
		err = c.handler.HandleWakeStatement(ctx, statement.TenantID, statement.UserID, start, end, statement.Note)
	default:
		// 默认按睡眠陈述处理
		err = c.handler.HandleSleepStatement(ctx, statement.TenantID, statement.UserID, start, end, statement.Note)
	}
	if err != nil {
		c.metrics.IncrementFailed("record")
		return fmt.Errorf("failed to record statement: %w", err)
	}

	processingDuration := time.Since(startTime)
	c.metrics.IncrementSucceeded(processingDuration)

	c.logger.Info("Recorded user statement",
		zap.String("user_id", statement.UserID),
		zap.String("kind", statement.Kind),
		zap.Duration("processing_time", processingDuration),
	)

	return nil
}

// reportMetrics 定期报告指标（每60秒）
func (c *StatementConsumer) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := c.metrics.GetSnapshot()
			uptime := time.Since(snapshot.StartTime)

			var avgProcessingTime time.Duration
			if snapshot.MessagesSucceeded > 0 {
				avgProcessingTime = snapshot.TotalProcessingTime / time.Duration(snapshot.MessagesSucceeded)
			}

			c.logger.Info("Metrics report",
				zap.Int64("messages_processed", snapshot.MessagesProcessed),
				zap.Int64("messages_succeeded", snapshot.MessagesSucceeded),
				zap.Int64("messages_failed", snapshot.MessagesFailed),
				zap.Int64("errors_parse", snapshot.ErrorsParse),
				zap.Int64("errors_record", snapshot.ErrorsRecord),
				zap.Duration("avg_processing_time", avgProcessingTime),
				zap.Duration("uptime", uptime),
			)
		}
	}
}
