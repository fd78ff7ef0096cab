package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	JWT          JWTConfig          `yaml:"jwt"`
	Redis        RedisConfig        `yaml:"redis"`
	Log          LogConfig          `yaml:"log"`
	Automation   AutomationConfig   `yaml:"automation"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Notification NotificationConfig `yaml:"notification"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig for the optional async delivery retry queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// AutomationConfig controls decision priorities and which decisions need approval.
type AutomationConfig struct {
	// RiskThreshold is the lowest priority that requires human approval.
	RiskThreshold string `yaml:"risk_threshold"`
	// Cost reduction thresholds used to derive decision priority.
	CriticalThreshold float64 `yaml:"critical_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
	// RulesFile optionally points at a YAML list of custom automation rules.
	RulesFile string `yaml:"rules_file"`
	// ApplyWebhookURL receives decisions cleared for application. Empty
	// means decisions are only logged.
	ApplyWebhookURL string `yaml:"apply_webhook_url"`
}

type ApprovalConfig struct {
	PolicyFile string `yaml:"policy_file"`
	// ExpireAfterHours is how long an escalated request without further
	// escalation tiers stays open before it expires.
	ExpireAfterHours float64 `yaml:"expire_after_hours"`
	// SweepSpec is the cron spec of the overdue deadline sweep.
	SweepSpec string `yaml:"sweep_spec"`
}

type NotificationConfig struct {
	Channels map[string]ChannelConfig `yaml:"channels"`
	Retry    RetryConfig              `yaml:"retry"`
	SMTP     SMTPConfig               `yaml:"smtp"`
	// Watchers receive automation_applied notifications.
	Watchers []RecipientConfig `yaml:"watchers"`
	// Muted lists notification types that are never delivered.
	Muted []string `yaml:"muted"`
}

type ChannelConfig struct {
	Enabled bool `yaml:"enabled"`
	// RateLimit is the number of deliveries allowed per RateWindowSeconds; 0 disables limiting.
	RateLimit         int `yaml:"rate_limit"`
	RateWindowSeconds int `yaml:"rate_window_seconds"`
	// WebhookURL is used by channels that post to a single incoming webhook.
	WebhookURL string `yaml:"webhook_url"`
}

type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            bool    `yaml:"jitter"`
	// SweepSpec is the cron spec that re-queues retries lost on restart.
	SweepSpec string `yaml:"sweep_spec"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	UseTLS   bool   `yaml:"use_tls"`
}

type RecipientConfig struct {
	Channel string `yaml:"channel"`
	Address string `yaml:"address"`
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		// Unmarshal over the defaults so partial files keep sane values.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "release",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "repoflow.db",
		},
		JWT: JWTConfig{
			Secret:     "repoflow-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{Level: "info"},
		Automation: AutomationConfig{
			RiskThreshold:     "high",
			CriticalThreshold: 5000,
			HighThreshold:     1000,
			MediumThreshold:   200,
		},
		Approval: ApprovalConfig{
			PolicyFile:       "policies.yaml",
			ExpireAfterHours: 72,
			SweepSpec:        "@every 1m",
		},
		Notification: NotificationConfig{
			Channels: map[string]ChannelConfig{
				"slack":   {Enabled: true, RateLimit: 30, RateWindowSeconds: 60},
				"email":   {Enabled: true, RateLimit: 60, RateWindowSeconds: 60},
				"webhook": {Enabled: true},
				"teams":   {Enabled: false},
				"discord": {Enabled: false},
			},
			Retry: RetryConfig{
				MaxAttempts:       5,
				InitialDelayMs:    1000,
				MaxDelayMs:        300000,
				BackoffMultiplier: 2,
				Jitter:            true,
				SweepSpec:         "@every 5m",
			},
			SMTP: SMTPConfig{Port: 587},
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if applyURL := os.Getenv("APPLY_WEBHOOK_URL"); applyURL != "" {
		c.Automation.ApplyWebhookURL = applyURL
	}
	if policyFile := os.Getenv("APPROVAL_POLICY_FILE"); policyFile != "" {
		c.Approval.PolicyFile = policyFile
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		c.Notification.SMTP.Host = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Notification.SMTP.Port = p
		}
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		c.Notification.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		c.Notification.SMTP.Password = pass
	}
	if from := os.Getenv("SMTP_FROM"); from != "" {
		c.Notification.SMTP.From = from
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
