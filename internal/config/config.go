package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	logpkg "github.com/rzbill/santa/pkg/log"
)

// Config is the top-level configuration loaded from file and env.
type Config struct {
	// BotTokenName names the secret holding the chat bot token.
	BotTokenName string `json:"botTokenName" yaml:"botTokenName" validate:"required"`
	SecretRegion string `json:"secretRegion" yaml:"secretRegion" validate:"required_if=SecretSource aws"`
	// SecretSource selects the resolver: "aws" (Secrets Manager) or "env".
	SecretSource string   `json:"secretSource" yaml:"secretSource" validate:"oneof=aws env"`
	ChannelID    string   `json:"channelID" yaml:"channelID" validate:"required"`
	WaitDuration Duration `json:"waitDuration" yaml:"waitDuration" validate:"gt=0"`
	// Schedule is an optional five-field cron spec that starts runs.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty" validate:"omitempty,cronspec"`

	Queue   QueueConfig   `json:"queue" yaml:"queue"`
	Worker  WorkerConfig  `json:"worker" yaml:"worker"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
	History HistoryConfig `json:"history" yaml:"history"`

	HTTP HTTPConfig `json:"http" yaml:"http"`
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	DataDir string        `json:"dataDir" yaml:"dataDir"`
	Fsync   string        `json:"fsync" yaml:"fsync" validate:"omitempty,oneof=always interval never"`
	Log     logpkg.Config `json:"log" yaml:"log"`
}

// QueueConfig configures the notification queue and its redrive policy.
type QueueConfig struct {
	Name              string   `json:"name" yaml:"name" validate:"required,excludesall=/"`
	VisibilityTimeout Duration `json:"visibilityTimeout" yaml:"visibilityTimeout" validate:"gt=0"`
	MaxReceiveCount   int      `json:"maxReceiveCount" yaml:"maxReceiveCount" validate:"min=1"`
	// NackDelay of zero means "use VisibilityTimeout".
	NackDelay Duration `json:"nackDelay" yaml:"nackDelay" validate:"gte=0"`
	// Classifier is an optional CEL boolean expression over `error` and
	// `receiveCount`; true dead-letters the message immediately.
	Classifier    string   `json:"classifier,omitempty" yaml:"classifier,omitempty"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval" validate:"gt=0"`
}

// WorkerConfig configures the pairing worker.
type WorkerConfig struct {
	Concurrency        int      `json:"concurrency" yaml:"concurrency" validate:"min=1"`
	Timeout            Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxAttempts        int      `json:"maxAttempts" yaml:"maxAttempts" validate:"min=1"`
	PollInterval       Duration `json:"pollInterval" yaml:"pollInterval" validate:"gt=0"`
	RateLimitPerSecond float64  `json:"rateLimitPerSecond" yaml:"rateLimitPerSecond" validate:"gte=0"`
}

// MonitorConfig configures the dead-letter alarm.
type MonitorConfig struct {
	Period    Duration `json:"period" yaml:"period" validate:"gt=0"`
	Threshold int      `json:"threshold" yaml:"threshold" validate:"min=1"`
	Interval  Duration `json:"interval" yaml:"interval" validate:"gt=0"`
	// AlertChannelID, when set, receives a chat message on OK->ALARM.
	AlertChannelID string `json:"alertChannelID,omitempty" yaml:"alertChannelID,omitempty"`
}

// HistoryConfig bounds the run history log.
type HistoryConfig struct {
	Retention Duration `json:"retention" yaml:"retention" validate:"gte=0"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr" validate:"omitempty,listenaddr"`
}

type GRPCConfig struct {
	Addr string `json:"addr" yaml:"addr" validate:"omitempty,listenaddr"`
}

// Default returns built-in defaults matching the production bot: a one
// week collection window, three receives before dead-lettering, and a
// serialized worker with a 10s budget and two attempts.
func Default() Config {
	return Config{
		BotTokenName: "SantaBotToken",
		SecretRegion: "ap-southeast-2",
		SecretSource: "aws",
		WaitDuration: Duration(7 * 24 * time.Hour),
		Queue: QueueConfig{
			Name:              "notifications",
			VisibilityTimeout: Duration(30 * time.Second),
			MaxReceiveCount:   3,
			SweepInterval:     Duration(time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:        1,
			Timeout:            Duration(10 * time.Second),
			MaxAttempts:        2,
			PollInterval:       Duration(time.Second),
			RateLimitPerSecond: 1,
		},
		Monitor: MonitorConfig{
			Period:    Duration(5 * time.Minute),
			Threshold: 1,
			Interval:  Duration(time.Minute),
		},
		History: HistoryConfig{Retention: Duration(30 * 24 * time.Hour)},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8080"},
		GRPC:    GRPCConfig{Addr: "127.0.0.1:9090"},
		Fsync:   "interval",
		Log:     logpkg.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top
// of Default. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// EffectiveNackDelay resolves the zero default.
func (q QueueConfig) EffectiveNackDelay() time.Duration {
	if q.NackDelay <= 0 {
		return q.VisibilityTimeout.Std()
	}
	return q.NackDelay.Std()
}

// ResolvedDataDir returns DataDir or the OS default.
func (c Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }
