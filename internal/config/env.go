package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays SANTA_* environment variables onto cfg. Unparseable
// values are ignored so a typo never wipes a file setting.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("SANTA_BOT_TOKEN", &cfg.BotTokenName)
	str("SANTA_SECRET_REGION", &cfg.SecretRegion)
	str("SANTA_SECRET_SOURCE", &cfg.SecretSource)
	str("SANTA_CHANNEL_ID", &cfg.ChannelID)
	dur("SANTA_WAIT_DURATION", &cfg.WaitDuration)
	str("SANTA_SCHEDULE", &cfg.Schedule)

	str("SANTA_QUEUE_NAME", &cfg.Queue.Name)
	dur("SANTA_QUEUE_VISIBILITY_TIMEOUT", &cfg.Queue.VisibilityTimeout)
	num("SANTA_QUEUE_MAX_RECEIVE_COUNT", &cfg.Queue.MaxReceiveCount)
	dur("SANTA_QUEUE_NACK_DELAY", &cfg.Queue.NackDelay)
	str("SANTA_QUEUE_CLASSIFIER", &cfg.Queue.Classifier)

	num("SANTA_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	dur("SANTA_WORKER_TIMEOUT", &cfg.Worker.Timeout)
	num("SANTA_WORKER_MAX_ATTEMPTS", &cfg.Worker.MaxAttempts)
	if v := os.Getenv("SANTA_WORKER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Worker.RateLimitPerSecond = f
		}
	}

	dur("SANTA_MONITOR_PERIOD", &cfg.Monitor.Period)
	num("SANTA_MONITOR_THRESHOLD", &cfg.Monitor.Threshold)
	str("SANTA_MONITOR_ALERT_CHANNEL_ID", &cfg.Monitor.AlertChannelID)

	str("SANTA_HTTP_ADDR", &cfg.HTTP.Addr)
	str("SANTA_GRPC_ADDR", &cfg.GRPC.Addr)
	str("SANTA_DATA_DIR", &cfg.DataDir)
	str("SANTA_FSYNC", &cfg.Fsync)
	str("SANTA_LOG_LEVEL", &cfg.Log.Level)
	str("SANTA_LOG_FORMAT", &cfg.Log.Format)
}
