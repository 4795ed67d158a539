package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-presence/internal/config"

	"go.uber.org/zap"

	mqttcommon "wisefido-presence/internal/common/mqtt"
)

// IdleSampleHandler 空闲采样处理方（由 service 层实现）
type IdleSampleHandler interface {
	// HandleIdleSample 处理一次空闲采样
	HandleIdleSample(ctx context.Context, tenantID, userID string, idleSeconds float64, sampledAt time.Time) error
}

// IdleSignalMessage OS 级空闲探针发布的消息
//
// 主题格式: presence/{device_id}/idle
type IdleSignalMessage struct {
	TenantID    string  `json:"tenant_id"`
	UserID      string  `json:"user_id"`
	IdleSeconds float64 `json:"idle_seconds"`
	Timestamp   int64   `json:"timestamp"` // Unix 秒
}

// IdleConsumer MQTT 空闲信号消费者
type IdleConsumer struct {
	config     *config.Config
	mqttClient *mqttcommon.Client
	handler    IdleSampleHandler
	logger     *zap.Logger
}

// NewIdleConsumer 创建空闲信号消费者
func NewIdleConsumer(
	cfg *config.Config,
	mqttClient *mqttcommon.Client,
	handler IdleSampleHandler,
	logger *zap.Logger,
) *IdleConsumer {
	return &IdleConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		handler:    handler,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *IdleConsumer) Start(ctx context.Context) error {
	// 订阅空闲信号主题
	if err := c.mqttClient.Subscribe(c.config.Presence.IdleTopic, 1, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to idle topic: %w", err)
	}

	c.logger.Info("Idle signal consumer started",
		zap.String("topic", c.config.Presence.IdleTopic),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *IdleConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.config.Presence.IdleTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("Idle signal consumer stopped")
	return nil
}

// handleMessage 处理一条空闲信号消息
func (c *IdleConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received idle signal",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	// 1. 解析消息
	var msg IdleSignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("Failed to unmarshal idle signal",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal idle signal: %w", err)
	}

	if msg.TenantID == "" || msg.UserID == "" {
		c.logger.Warn("Idle signal missing tenant or user",
			zap.String("topic", topic),
		)
		return fmt.Errorf("idle signal missing tenant_id or user_id")
	}

	sampledAt := time.Unix(msg.Timestamp, 0).UTC()
	if msg.Timestamp == 0 {
		// 探针未带时间戳：降级用接收时刻
		sampledAt = time.Now().UTC()
	}

	// 2. 交给 service 层驱动状态机
	if err := c.handler.HandleIdleSample(context.Background(), msg.TenantID, msg.UserID, msg.IdleSeconds, sampledAt); err != nil {
		c.logger.Error("Failed to handle idle sample",
			zap.String("user_id", msg.UserID),
			zap.Float64("idle_seconds", msg.IdleSeconds),
			zap.Error(err),
		)
		return fmt.Errorf("failed to handle idle sample: %w", err)
	}

	return nil
}
