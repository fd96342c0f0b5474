package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Redis       RedisConfig       `yaml:"redis"`
	ConfigStore ConfigStoreConfig `yaml:"config_store"`
	DocStore    DocStoreConfig    `yaml:"doc_store"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Access      AccessConfig      `yaml:"access"`
	Builder     BuilderConfig     `yaml:"alert_builder"`
	Action      ActionConfig      `yaml:"action"`
	Cache       CacheConfig       `yaml:"cache"`
}

type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ConfigStoreConfig points at the Postgres configuration store. The core
// only reads from it; a separate configuration service owns writes.
type ConfigStoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (c ConfigStoreConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type DocStoreConfig struct {
	Addresses     []string `yaml:"addresses"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	TLSSkipVerify bool     `yaml:"tls_skip_verify"`
	AlertIndex    string   `yaml:"alert_index"` // prefix; time-rolled as {prefix}_{yyyy}
	LogIndex      string   `yaml:"log_index"`
}

type SchedulerConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	HeartbeatTTL      string `yaml:"heartbeat_ttl"`
	VirtualNodes      int    `yaml:"virtual_nodes"`
	GroupLockTTL      string `yaml:"group_lock_ttl"`
	DispatchInterval  string `yaml:"dispatch_interval"`
}

type AccessConfig struct {
	PullDelay    string    `yaml:"pull_delay"`    // now - delay is the window end
	MaxWindow    string    `yaml:"max_window"`    // clamp for checkpoint catch-up
	ExpireAfter  string    `yaml:"expire_after"`  // records older than this are discarded
	MinInterval  int       `yaml:"min_interval"`  // default per-group pull interval, seconds
	Timeout      string    `yaml:"timeout"`       // bound on every source call
	QoS          QoSPolicy `yaml:"qos"`
	CircuitRules []string  `yaml:"circuit_rules"` // "strategy:biz:source_label:type_label", "*" wildcards
	PromURL      string    `yaml:"prom_url"`      // prometheus:time_series pull endpoint
	EventAPI     string    `yaml:"event_api"`     // custom:event pull endpoint
}

type BuilderConfig struct {
	Workers       int       `yaml:"workers"`
	BatchSize     int       `yaml:"batch_size"`
	ConsumerGroup string    `yaml:"consumer_group"`
	SnapshotTTL   string    `yaml:"snapshot_ttl"`
	QoS           QoSPolicy `yaml:"qos"`
}

type ActionConfig struct {
	MaxRetries     int       `yaml:"max_retries"`
	RetryBackoff   string    `yaml:"retry_backoff"` // base of the exponential backoff
	SweepSpec      string    `yaml:"sweep_spec"`    // cron spec for the delayed-queue sweep
	Timeout        string    `yaml:"timeout"`
	JobExecutorURL string    `yaml:"job_executor_url"`
	QoS            QoSPolicy `yaml:"qos"`
	Notifiers      Notifiers `yaml:"notifiers"`
}

// QoSPolicy is the consolidated rate-limit knob used by every stage:
// at most Threshold units per Window for one fingerprint class.
type QoSPolicy struct {
	IsEnabled bool   `yaml:"is_enabled"`
	Threshold int    `yaml:"threshold"`
	Window    string `yaml:"window"`
}

type CacheConfig struct {
	RefreshSpec string `yaml:"refresh_spec"` // cron spec
}

type Notifiers struct {
	Console  ConsoleNotifier  `yaml:"console"`
	Webhook  WebhookNotifier  `yaml:"webhook"`
	WeChat   WeChatNotifier   `yaml:"wechat"`
	DingTalk DingTalkNotifier `yaml:"dingtalk"`
	Email    EmailNotifier    `yaml:"email"`
}

type ConsoleNotifier struct {
	IsEnabled bool `yaml:"is_enabled"`
}

type WebhookNotifier struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
}

type WeChatNotifier struct {
	Webhook string `yaml:"webhook"`
	Timeout string `yaml:"timeout"`
}

type DingTalkNotifier struct {
	Webhook string `yaml:"webhook"`
	Secret  string `yaml:"secret"`
	Timeout string `yaml:"timeout"`
}

type EmailNotifier struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	User    string   `yaml:"username"`
	Pass    string   `yaml:"password"`
	From    string   `yaml:"from"`
	To      []string `yaml:"to"`
	UseTLS  bool     `yaml:"use_tls"`
	Timeout string   `yaml:"timeout"`
}

// Load reads the optional YAML file, applies env overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Server.BindAddr = getEnv("SERVER_BIND_ADDR", cfg.Server.BindAddr)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.ConfigStore.Host = getEnv("DB_HOST", cfg.ConfigStore.Host)
	cfg.ConfigStore.Port = getEnvInt("DB_PORT", cfg.ConfigStore.Port)
	cfg.ConfigStore.User = getEnv("DB_USER", cfg.ConfigStore.User)
	cfg.ConfigStore.Password = getEnv("DB_PASSWORD", cfg.ConfigStore.Password)
	cfg.ConfigStore.DBName = getEnv("DB_NAME", cfg.ConfigStore.DBName)
	cfg.ConfigStore.SSLMode = getEnv("DB_SSLMODE", cfg.ConfigStore.SSLMode)

	fillDefaults(cfg)
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "skyeye"
	}
	if cfg.ConfigStore.Host == "" {
		cfg.ConfigStore.Host = "localhost"
	}
	if cfg.ConfigStore.Port == 0 {
		cfg.ConfigStore.Port = 5432
	}
	if cfg.ConfigStore.User == "" {
		cfg.ConfigStore.User = "skyeye"
	}
	if cfg.ConfigStore.DBName == "" {
		cfg.ConfigStore.DBName = "skyeye"
	}
	if cfg.ConfigStore.SSLMode == "" {
		cfg.ConfigStore.SSLMode = "disable"
	}
	if len(cfg.DocStore.Addresses) == 0 {
		cfg.DocStore.Addresses = []string{"http://localhost:9200"}
	}
	if cfg.DocStore.AlertIndex == "" {
		cfg.DocStore.AlertIndex = "alert"
	}
	if cfg.DocStore.LogIndex == "" {
		cfg.DocStore.LogIndex = "log"
	}
	if cfg.Scheduler.HeartbeatInterval == "" {
		cfg.Scheduler.HeartbeatInterval = "10s"
	}
	if cfg.Scheduler.HeartbeatTTL == "" {
		cfg.Scheduler.HeartbeatTTL = "30s"
	}
	if cfg.Scheduler.VirtualNodes == 0 {
		cfg.Scheduler.VirtualNodes = 128
	}
	if cfg.Scheduler.GroupLockTTL == "" {
		cfg.Scheduler.GroupLockTTL = "60s"
	}
	if cfg.Scheduler.DispatchInterval == "" {
		cfg.Scheduler.DispatchInterval = "10s"
	}
	if cfg.Access.PullDelay == "" {
		cfg.Access.PullDelay = "30s"
	}
	if cfg.Access.MaxWindow == "" {
		cfg.Access.MaxWindow = "10m"
	}
	if cfg.Access.ExpireAfter == "" {
		cfg.Access.ExpireAfter = "30m"
	}
	if cfg.Access.MinInterval == 0 {
		cfg.Access.MinInterval = 60
	}
	if cfg.Access.Timeout == "" {
		cfg.Access.Timeout = "30s"
	}
	if cfg.Access.QoS.Threshold == 0 {
		cfg.Access.QoS = QoSPolicy{IsEnabled: true, Threshold: 1000, Window: "1m"}
	}
	if cfg.Access.PromURL == "" {
		cfg.Access.PromURL = "http://localhost:9090"
	}
	if cfg.Builder.Workers == 0 {
		cfg.Builder.Workers = 2
	}
	if cfg.Builder.BatchSize == 0 {
		cfg.Builder.BatchSize = 100
	}
	if cfg.Builder.ConsumerGroup == "" {
		cfg.Builder.ConsumerGroup = "alert_builder"
	}
	if cfg.Builder.SnapshotTTL == "" {
		cfg.Builder.SnapshotTTL = "24h"
	}
	if cfg.Builder.QoS.Threshold == 0 {
		cfg.Builder.QoS = QoSPolicy{IsEnabled: true, Threshold: 5, Window: "1m"}
	}
	if cfg.Action.MaxRetries == 0 {
		cfg.Action.MaxRetries = 3
	}
	if cfg.Action.RetryBackoff == "" {
		cfg.Action.RetryBackoff = "30s"
	}
	if cfg.Action.SweepSpec == "" {
		cfg.Action.SweepSpec = "@every 10s"
	}
	if cfg.Action.Timeout == "" {
		cfg.Action.Timeout = "30s"
	}
	if cfg.Action.QoS.Threshold == 0 {
		cfg.Action.QoS = QoSPolicy{IsEnabled: true, Threshold: 100, Window: "1m"}
	}
	if cfg.Cache.RefreshSpec == "" {
		cfg.Cache.RefreshSpec = "@every 1m"
	}
}

func getEnv(key, current string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return current
}

func getEnvInt(key string, current int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return current
}
