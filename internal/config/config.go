package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/DeskAgent/internal/guardian"
	"github.com/wwwzy/DeskAgent/internal/monitor"
	"github.com/wwwzy/DeskAgent/internal/state"
	"github.com/wwwzy/DeskAgent/internal/storage"
	"github.com/wwwzy/DeskAgent/internal/turnctx"
	"github.com/wwwzy/DeskAgent/internal/understand"
)

type Config struct {
	Storage    storage.Config    `mapstructure:"storage"`
	State      state.Config      `mapstructure:"state"`
	Context    turnctx.Config    `mapstructure:"context"`
	Understand understand.Config `mapstructure:"understand"`
	Guardian   guardian.Config   `mapstructure:"guardian"`
	Monitor    monitor.Config    `mapstructure:"monitor"`
	LogLevel   string            `mapstructure:"log_level"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 默认搜索路径
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.deskagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DESKAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件未找到，使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	// Ark 配置验证：交互链路必须有可用模型
	if c.Understand.Ark.APIKey == "" {
		return fmt.Errorf("understand.ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Understand.Ark.ModelID == "" {
		return fmt.Errorf("understand.ark.model_id is required (or set ARK_MODEL_ID env var)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	// -------------------------------------------------------------------------
	// Storage Defaults (存储默认值)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", "deskagent.db")
	v.SetDefault("storage.enable_wal", true)
	v.SetDefault("storage.busy_timeout", 5*time.Second)

	// -------------------------------------------------------------------------
	// State Defaults (会话状态默认值)
	// -------------------------------------------------------------------------
	stateDefaults := state.DefaultConfig()
	v.SetDefault("state.ttl", stateDefaults.TTL)

	// -------------------------------------------------------------------------
	// Context Defaults (上下文组装默认值)
	// -------------------------------------------------------------------------
	ctxDefaults := turnctx.DefaultConfig()
	v.SetDefault("context.max_recent_messages", ctxDefaults.MaxRecentMessages)
	v.SetDefault("context.max_context_chars", ctxDefaults.MaxContextChars)
	v.SetDefault("context.max_summary_chars", ctxDefaults.MaxSummaryChars)
	v.SetDefault("context.max_snippets", ctxDefaults.MaxSnippets)
	v.SetDefault("context.source_timeout", ctxDefaults.SourceTimeout)

	// -------------------------------------------------------------------------
	// Understand Defaults (理解模块默认值)
	// -------------------------------------------------------------------------
	umDefaults := understand.DefaultConfig()
	v.SetDefault("understand.provider", umDefaults.Provider)
	v.SetDefault("understand.call_timeout", umDefaults.CallTimeout)
	v.SetDefault("understand.max_retries", umDefaults.MaxRetries)
	v.SetDefault("understand.retry_backoff", umDefaults.RetryBackoff)
	v.SetDefault("understand.ark.api_key", "")
	v.SetDefault("understand.ark.model_id", "")
	v.SetDefault("understand.ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")

	v.BindEnv("understand.ark.api_key", "ARK_API_KEY")
	v.BindEnv("understand.ark.model_id", "ARK_MODEL_ID")
	v.BindEnv("understand.ark.base_url", "ARK_BASE_URL")

	// -------------------------------------------------------------------------
	// Guardian Defaults (安全门默认值)
	// -------------------------------------------------------------------------
	guardDefaults := guardian.DefaultConfig()
	v.SetDefault("guardian.magnitude_threshold", guardDefaults.MagnitudeThreshold)
	v.SetDefault("guardian.max_past_days", guardDefaults.MaxPastDays)
	v.SetDefault("guardian.max_future_days", guardDefaults.MaxFutureDays)
	v.SetDefault("guardian.confidence_floor", guardDefaults.ConfidenceFloor)

	// -------------------------------------------------------------------------
	// Monitor Defaults (监控默认值)
	// -------------------------------------------------------------------------
	monitorDefaults := monitor.DefaultConfig()
	v.SetDefault("monitor.turns.enabled", monitorDefaults.Turns.Enabled)
	v.SetDefault("monitor.turns.queue_size", monitorDefaults.Turns.QueueSize)
	v.SetDefault("monitor.turns.batch_size", monitorDefaults.Turns.BatchSize)
	v.SetDefault("monitor.turns.flush_interval", monitorDefaults.Turns.FlushInterval)

	v.SetDefault("monitor.retention.enabled", monitorDefaults.Retention.Enabled)
	v.SetDefault("monitor.retention.interval", monitorDefaults.Retention.Interval)
	v.SetDefault("monitor.retention.metrics_keep", monitorDefaults.Retention.MetricsKeep)
	v.SetDefault("monitor.retention.audit_keep", monitorDefaults.Retention.AuditKeep)
	v.SetDefault("monitor.retention.batch_rows", monitorDefaults.Retention.BatchRows)
	v.SetDefault("monitor.retention.idle_sleep", monitorDefaults.Retention.IdleSleep)
	v.SetDefault("monitor.retention.workers", monitorDefaults.Retention.Workers)

	v.SetDefault("monitor.sweeper.enabled", monitorDefaults.Sweeper.Enabled)
	v.SetDefault("monitor.sweeper.interval", monitorDefaults.Sweeper.Interval)
	v.SetDefault("monitor.sweeper.batch_rows", monitorDefaults.Sweeper.BatchRows)
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:        "deskagent.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		State:      state.DefaultConfig(),
		Context:    turnctx.DefaultConfig(),
		Understand: understand.DefaultConfig(),
		Guardian:   guardian.DefaultConfig(),
		Monitor:    monitor.DefaultConfig(),
	}
}
