package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	common "wisefido-presence/internal/common/config"
)

// Config Presence 服务配置
type Config struct {
	Database common.DatabaseConfig
	Redis    common.RedisConfig
	MQTT     common.MQTTConfig

	// Presence 服务特定配置
	Presence struct {
		// 状态机阈值（秒）
		GraceThresholdSeconds   float64 // Active -> PotentiallyAway
		ConfirmThresholdSeconds float64 // PotentiallyAway -> ConfirmedAway
		// 空闲信号看门狗：超过该秒数未收到采样视为信号降级
		SignalTimeoutSeconds int

		// 睡眠窗口（本地钟面时间 HH:MM，可跨午夜）
		SleepWindowStart string // 如 "22:30"
		SleepWindowEnd   string // 如 "09:00"
		// 离开区间判定为睡眠的最短时长（分钟）
		MinSleepMinutes float64
		// 真实起床的宽限期（分钟）：低于该时长的返回视为睡眠中的打断
		RealWakeGraceMinutes float64
		// 典型起床时间（HH:MM），冷启动合成片段的终点
		TypicalWakeTime string
		// 冷启动合成片段的假定睡眠时长（分钟）
		AssumedSleepMinutes float64
		// 钟面时间所在时区（IANA 名称，"Local" 表示进程本地时区）
		Timezone string

		// 在场事件保留天数（睡眠/清醒片段永久保留）
		RetentionDays int

		// MQTT 空闲信号主题，如 "presence/+/idle"
		IdleTopic string

		// Redis Streams
		StatementStream string // 用户陈述输入流
		ConsumerGroup   string
		ConsumerName    string
		DayStartStream  string // 日起点输出流
		NightStream     string // 夜间汇总输出流

		// 状态快照缓存
		CacheKeyPrefix  string
		CacheTTLSeconds int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "mqtt://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-presence")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "wisefido")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")

	// Presence 服务配置
	cfg.Presence.GraceThresholdSeconds = getEnvFloat("PRESENCE_GRACE_THRESHOLD_SECONDS", 60)
	cfg.Presence.ConfirmThresholdSeconds = getEnvFloat("PRESENCE_CONFIRM_THRESHOLD_SECONDS", 180)
	cfg.Presence.SignalTimeoutSeconds = getEnvInt("PRESENCE_SIGNAL_TIMEOUT_SECONDS", 30)
	cfg.Presence.SleepWindowStart = getEnv("PRESENCE_SLEEP_WINDOW_START", "22:30")
	cfg.Presence.SleepWindowEnd = getEnv("PRESENCE_SLEEP_WINDOW_END", "09:00")
	cfg.Presence.MinSleepMinutes = getEnvFloat("PRESENCE_MIN_SLEEP_MINUTES", 120)
	cfg.Presence.RealWakeGraceMinutes = getEnvFloat("PRESENCE_REAL_WAKE_GRACE_MINUTES", 15)
	cfg.Presence.TypicalWakeTime = getEnv("PRESENCE_TYPICAL_WAKE_TIME", "07:30")
	cfg.Presence.AssumedSleepMinutes = getEnvFloat("PRESENCE_ASSUMED_SLEEP_MINUTES", 480)
	cfg.Presence.Timezone = getEnv("PRESENCE_TIMEZONE", "Local")
	cfg.Presence.RetentionDays = getEnvInt("PRESENCE_RETENTION_DAYS", 30)
	cfg.Presence.IdleTopic = getEnv("PRESENCE_IDLE_TOPIC", "presence/+/idle")
	cfg.Presence.StatementStream = getEnv("PRESENCE_STATEMENT_STREAM", "sleep:statement:stream")
	cfg.Presence.ConsumerGroup = getEnv("PRESENCE_CONSUMER_GROUP", "presence-service")
	cfg.Presence.ConsumerName = getEnv("PRESENCE_CONSUMER_NAME", "presence-1")
	cfg.Presence.DayStartStream = getEnv("PRESENCE_DAYSTART_STREAM", "presence:daystart:stream")
	cfg.Presence.NightStream = getEnv("PRESENCE_NIGHT_STREAM", "presence:night:stream")
	cfg.Presence.CacheKeyPrefix = getEnv("PRESENCE_CACHE_KEY_PREFIX", "presence:user:")
	cfg.Presence.CacheTTLSeconds = getEnvInt("PRESENCE_CACHE_TTL_SECONDS", 30)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// ParseClockMinutes 解析 "HH:MM" 为自午夜起的分钟数
func ParseClockMinutes(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return hour*60 + minute, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
