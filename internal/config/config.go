package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the Faultline server. It is built once by
// Load and treated as read-only afterwards.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Tracking     TrackingConfig
	Notify       NotifyConfig
	APM          APMConfig
	Retention    RetentionConfig
	IssueTracker IssueTrackerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	AppRoot            string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	Backend         string // postgres | memory
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type TrackingConfig struct {
	Enabled               bool
	IgnoredExceptions     []string
	IgnoredUserAgents     []string
	MiddlewareIgnorePaths []string
	BacktraceLinesLimit   int
	FilterParameters      []string
	SanitizeFields        []string
}

type NotifyConfig struct {
	Cooldown             time.Duration
	Rules                RulesConfig
	ChannelRatePerMinute int
	Telegram             TelegramConfig
	Webhook              WebhookConfig
	Email                EmailConfig
	EmailAPI             EmailAPIConfig
	ShoutrrrURLs         []string
}

// RulesConfig decides which occurrences are worth a notification.
type RulesConfig struct {
	OnFirstOccurrence    bool
	OnReopen             bool
	OnThreshold          []int
	CriticalExceptions   []string
	NotifyInEnvironments []string
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIBase  string
}

type WebhookConfig struct {
	URL     string
	Method  string
	Headers map[string]string
}

type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

type EmailAPIConfig struct {
	BaseURL string
	APIKey  string
	From    string
	To      []string
}

type APMConfig struct {
	Enabled       bool
	SampleRate    float64
	Backend       string // postgres | mysql | sqlite
	DSN           string
	RetentionDays int
	CacheTTL      time.Duration
}

type RetentionConfig struct {
	Days     int
	Schedule string
}

type IssueTrackerConfig struct {
	APIURL string
	Owner  string
	Repo   string
	Token  string
	Labels []string
}

// Configured reports whether issue creation can be attempted.
func (c IssueTrackerConfig) Configured() bool {
	return c.Owner != "" && c.Repo != "" && c.Token != ""
}

var validBackends = map[string]bool{"postgres": true, "memory": true}

var validAPMBackends = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}

// bindings maps config keys to the environment variables that override them.
var bindings = map[string]string{
	"server.port":                      "FAULTLINE_PORT",
	"server.env":                       "FAULTLINE_ENV",
	"server.app_root":                  "FAULTLINE_APP_ROOT",
	"server.rate_limit_per_minute":     "FAULTLINE_RATE_LIMIT_PER_MINUTE",
	"database.backend":                 "FAULTLINE_STORE",
	"database.url":                     "DATABASE_URL",
	"database.max_open_conns":          "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns":          "DATABASE_MAX_IDLE_CONNS",
	"database.conn_max_lifetime":       "DATABASE_CONN_MAX_LIFETIME",
	"database.migrations_dir":          "DATABASE_MIGRATIONS_DIR",
	"redis.url":                        "REDIS_URL",
	"tracking.enabled":                 "FAULTLINE_ENABLED",
	"tracking.ignored_exceptions":      "FAULTLINE_IGNORED_EXCEPTIONS",
	"tracking.ignored_user_agents":     "FAULTLINE_IGNORED_USER_AGENTS",
	"tracking.middleware_ignore_paths": "FAULTLINE_MIDDLEWARE_IGNORE_PATHS",
	"tracking.backtrace_lines_limit":   "FAULTLINE_BACKTRACE_LINES_LIMIT",
	"tracking.filter_parameters":       "FAULTLINE_FILTER_PARAMETERS",
	"tracking.sanitize_fields":         "FAULTLINE_SANITIZE_FIELDS",
	"notify.cooldown":                  "FAULTLINE_NOTIFICATION_COOLDOWN",
	"notify.channel_rate_per_minute":   "FAULTLINE_CHANNEL_RATE_PER_MINUTE",
	"notify.rules.on_first_occurrence": "FAULTLINE_NOTIFY_ON_FIRST_OCCURRENCE",
	"notify.rules.on_reopen":           "FAULTLINE_NOTIFY_ON_REOPEN",
	"notify.rules.on_threshold":        "FAULTLINE_NOTIFY_ON_THRESHOLD",
	"notify.rules.critical_exceptions": "FAULTLINE_CRITICAL_EXCEPTIONS",
	"notify.rules.environments":        "FAULTLINE_NOTIFY_IN_ENVIRONMENTS",
	"notify.telegram.bot_token":        "TELEGRAM_BOT_TOKEN",
	"notify.telegram.chat_id":          "TELEGRAM_CHAT_ID",
	"notify.telegram.api_base":         "TELEGRAM_API_BASE",
	"notify.webhook.url":               "WEBHOOK_URL",
	"notify.webhook.method":            "WEBHOOK_METHOD",
	"notify.webhook.headers":           "WEBHOOK_HEADERS",
	"notify.email.smtp_host":           "SMTP_HOST",
	"notify.email.smtp_port":           "SMTP_PORT",
	"notify.email.username":            "SMTP_USERNAME",
	"notify.email.password":            "SMTP_PASSWORD",
	"notify.email.from":                "EMAIL_FROM",
	"notify.email.to":                  "EMAIL_TO",
	"notify.email_api.base_url":        "EMAIL_API_BASE_URL",
	"notify.email_api.api_key":         "EMAIL_API_KEY",
	"notify.email_api.from":            "EMAIL_API_FROM",
	"notify.email_api.to":              "EMAIL_API_TO",
	"notify.shoutrrr_urls":             "SHOUTRRR_URLS",
	"apm.enabled":                      "FAULTLINE_APM_ENABLED",
	"apm.sample_rate":                  "FAULTLINE_APM_SAMPLE_RATE",
	"apm.backend":                      "FAULTLINE_APM_BACKEND",
	"apm.dsn":                          "FAULTLINE_APM_DSN",
	"apm.retention_days":               "FAULTLINE_APM_RETENTION_DAYS",
	"apm.cache_ttl":                    "FAULTLINE_APM_CACHE_TTL",
	"retention.days":                   "FAULTLINE_RETENTION_DAYS",
	"retention.schedule":               "FAULTLINE_RETENTION_SCHEDULE",
	"issue_tracker.api_url":            "ISSUE_TRACKER_API_URL",
	"issue_tracker.owner":              "ISSUE_TRACKER_OWNER",
	"issue_tracker.repo":               "ISSUE_TRACKER_REPO",
	"issue_tracker.token":              "ISSUE_TRACKER_TOKEN",
	"issue_tracker.labels":             "ISSUE_TRACKER_LABELS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.rate_limit_per_minute", 600)
	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.backtrace_lines_limit", 50)
	v.SetDefault("notify.cooldown", 5*time.Minute)
	v.SetDefault("notify.channel_rate_per_minute", 30)
	v.SetDefault("notify.rules.on_first_occurrence", true)
	v.SetDefault("notify.rules.on_reopen", true)
	v.SetDefault("notify.rules.on_threshold", "10,100,1000")
	v.SetDefault("notify.rules.environments", "production")
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.webhook.method", "POST")
	v.SetDefault("notify.email.smtp_port", 587)
	v.SetDefault("notify.email_api.base_url", "https://api.resend.com")
	v.SetDefault("apm.enabled", false)
	v.SetDefault("apm.sample_rate", 1.0)
	v.SetDefault("apm.backend", "postgres")
	v.SetDefault("apm.retention_days", 7)
	v.SetDefault("apm.cache_ttl", 30*time.Second)
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("issue_tracker.api_url", "https://api.github.com")
}

// Load reads defaults, the optional YAML file named by FAULTLINE_CONFIG and
// environment variables (in increasing precedence) and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("FAULTLINE_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	thresholds, err := intList(v, "notify.rules.on_threshold")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               v.GetInt("server.port"),
			Env:                v.GetString("server.env"),
			AppRoot:            v.GetString("server.app_root"),
			RateLimitPerMinute: v.GetInt("server.rate_limit_per_minute"),
		},
		Database: DatabaseConfig{
			Backend:         strings.ToLower(v.GetString("database.backend")),
			URL:             v.GetString("database.url"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			MigrationsDir:   v.GetString("database.migrations_dir"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
		},
		Tracking: TrackingConfig{
			Enabled:               v.GetBool("tracking.enabled"),
			IgnoredExceptions:     stringList(v, "tracking.ignored_exceptions"),
			IgnoredUserAgents:     stringList(v, "tracking.ignored_user_agents"),
			MiddlewareIgnorePaths: stringList(v, "tracking.middleware_ignore_paths"),
			BacktraceLinesLimit:   v.GetInt("tracking.backtrace_lines_limit"),
			FilterParameters:      stringList(v, "tracking.filter_parameters"),
			SanitizeFields:        stringList(v, "tracking.sanitize_fields"),
		},
		Notify: NotifyConfig{
			Cooldown:             v.GetDuration("notify.cooldown"),
			ChannelRatePerMinute: v.GetInt("notify.channel_rate_per_minute"),
			Rules: RulesConfig{
				OnFirstOccurrence:    v.GetBool("notify.rules.on_first_occurrence"),
				OnReopen:             v.GetBool("notify.rules.on_reopen"),
				OnThreshold:          thresholds,
				CriticalExceptions:   stringList(v, "notify.rules.critical_exceptions"),
				NotifyInEnvironments: stringList(v, "notify.rules.environments"),
			},
			Telegram: TelegramConfig{
				BotToken: v.GetString("notify.telegram.bot_token"),
				ChatID:   v.GetString("notify.telegram.chat_id"),
				APIBase:  v.GetString("notify.telegram.api_base"),
			},
			Webhook: WebhookConfig{
				URL:     v.GetString("notify.webhook.url"),
				Method:  strings.ToUpper(v.GetString("notify.webhook.method")),
				Headers: stringMap(v, "notify.webhook.headers"),
			},
			Email: EmailConfig{
				SMTPHost: v.GetString("notify.email.smtp_host"),
				SMTPPort: v.GetInt("notify.email.smtp_port"),
				Username: v.GetString("notify.email.username"),
				Password: v.GetString("notify.email.password"),
				From:     v.GetString("notify.email.from"),
				To:       stringList(v, "notify.email.to"),
			},
			EmailAPI: EmailAPIConfig{
				BaseURL: v.GetString("notify.email_api.base_url"),
				APIKey:  v.GetString("notify.email_api.api_key"),
				From:    v.GetString("notify.email_api.from"),
				To:      stringList(v, "notify.email_api.to"),
			},
			ShoutrrrURLs: stringList(v, "notify.shoutrrr_urls"),
		},
		APM: APMConfig{
			Enabled:       v.GetBool("apm.enabled"),
			SampleRate:    v.GetFloat64("apm.sample_rate"),
			Backend:       strings.ToLower(v.GetString("apm.backend")),
			DSN:           v.GetString("apm.dsn"),
			RetentionDays: v.GetInt("apm.retention_days"),
			CacheTTL:      v.GetDuration("apm.cache_ttl"),
		},
		Retention: RetentionConfig{
			Days:     v.GetInt("retention.days"),
			Schedule: v.GetString("retention.schedule"),
		},
		IssueTracker: IssueTrackerConfig{
			APIURL: strings.TrimRight(v.GetString("issue_tracker.api_url"), "/"),
			Owner:  v.GetString("issue_tracker.owner"),
			Repo:   v.GetString("issue_tracker.repo"),
			Token:  v.GetString("issue_tracker.token"),
			Labels: stringList(v, "issue_tracker.labels"),
		},
	}

	if cfg.APM.Backend == "postgres" && cfg.APM.DSN == "" {
		cfg.APM.DSN = cfg.Database.URL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("FAULTLINE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !validBackends[c.Database.Backend] {
		return fmt.Errorf("FAULTLINE_STORE must be one of postgres, memory; got %q", c.Database.Backend)
	}
	if c.Database.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Tracking.BacktraceLinesLimit <= 0 {
		return fmt.Errorf("FAULTLINE_BACKTRACE_LINES_LIMIT must be positive, got %d", c.Tracking.BacktraceLinesLimit)
	}
	for _, pattern := range c.Tracking.IgnoredUserAgents {
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("FAULTLINE_IGNORED_USER_AGENTS contains an invalid pattern %q: %w", pattern, err)
		}
	}

	if c.Notify.Cooldown < 0 {
		return fmt.Errorf("FAULTLINE_NOTIFICATION_COOLDOWN must not be negative")
	}
	if (c.Notify.Telegram.BotToken == "") != (c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	if u := c.Notify.Webhook.URL; u != "" && !isHTTPURL(u) {
		return fmt.Errorf("WEBHOOK_URL must start with http:// or https://, got %q", u)
	}
	if c.Notify.Email.SMTPHost != "" && (c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0) {
		return fmt.Errorf("EMAIL_FROM and EMAIL_TO are required when SMTP_HOST is set")
	}
	if c.Notify.EmailAPI.APIKey != "" && (c.Notify.EmailAPI.From == "" || len(c.Notify.EmailAPI.To) == 0) {
		return fmt.Errorf("EMAIL_API_FROM and EMAIL_API_TO are required when EMAIL_API_KEY is set")
	}

	if c.APM.SampleRate < 0 || c.APM.SampleRate > 1 {
		return fmt.Errorf("FAULTLINE_APM_SAMPLE_RATE must be between 0 and 1, got %v", c.APM.SampleRate)
	}
	if !validAPMBackends[c.APM.Backend] {
		return fmt.Errorf("FAULTLINE_APM_BACKEND must be one of postgres, mysql, sqlite; got %q", c.APM.Backend)
	}
	if c.APM.Enabled && c.APM.DSN == "" {
		return fmt.Errorf("FAULTLINE_APM_DSN is required when APM is enabled with the %s backend", c.APM.Backend)
	}
	if c.APM.RetentionDays < 0 {
		return fmt.Errorf("FAULTLINE_APM_RETENTION_DAYS must not be negative")
	}

	if c.Retention.Days < 0 {
		return fmt.Errorf("FAULTLINE_RETENTION_DAYS must not be negative")
	}
	if c.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("FAULTLINE_RETENTION_SCHEDULE is invalid: %w", err)
		}
	}

	if u := c.IssueTracker.APIURL; u != "" && !isHTTPURL(u) {
		return fmt.Errorf("ISSUE_TRACKER_API_URL must start with http:// or https://, got %q", u)
	}

	return nil
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// stringList reads a YAML sequence or a comma-separated string.
func stringList(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(raw, ",")
	case []string:
		parts = raw
	case []any:
		for _, item := range raw {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(raw)}
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intList(v *viper.Viper, key string) ([]int, error) {
	var out []int
	for _, s := range stringList(v, key) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", key, s)
		}
		out = append(out, n)
	}
	return out, nil
}

// stringMap reads a YAML mapping or a "Key:Value,Key2:Value2" string.
func stringMap(v *viper.Viper, key string) map[string]string {
	if s, ok := v.Get(key).(string); ok {
		out := make(map[string]string)
		for _, pair := range strings.Split(s, ",") {
			k, val, found := strings.Cut(pair, ":")
			if !found || strings.TrimSpace(k) == "" {
				continue
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		return out
	}
	m := v.GetStringMapString(key)
	if len(m) == 0 {
		return nil
	}
	return m
}
