package monitor

import (
	"runtime"
	"time"
)

type ErrorHandler func(err error)

type TurnsConfig struct {
	// Enabled 控制轮次指标采集是否启用。
	Enabled bool `mapstructure:"enabled"`

	// QueueSize 为指标缓冲队列大小；队列满时直接丢弃，绝不阻塞决策路径。
	QueueSize int `mapstructure:"queue_size"`
	// BatchSize 为单次写库的最大批量；达到批量即触发一次落库。
	BatchSize int `mapstructure:"batch_size"`
	// FlushInterval 为写入端的最大等待时间；未达批量也按该间隔定时落库。
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// OnError 为异步错误回调（落库失败等）；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

type RetentionConfig struct {
	// Enabled 控制留存清理是否启用。
	Enabled bool `mapstructure:"enabled"`

	// Interval 为清理周期。
	Interval time.Duration `mapstructure:"interval"`
	// MetricsKeep/AuditKeep 为两张表各自的保留时长。
	MetricsKeep time.Duration `mapstructure:"metrics_keep"`
	AuditKeep   time.Duration `mapstructure:"audit_keep"`
	// BatchRows 为单次删除批量；IdleSleep 为批与批之间的间歇。
	BatchRows int           `mapstructure:"batch_rows"`
	IdleSleep time.Duration `mapstructure:"idle_sleep"`
	// Workers 为并发清理任务数。
	Workers int `mapstructure:"workers"`

	OnError ErrorHandler `mapstructure:"-"`
}

type SweeperConfig struct {
	// Enabled 控制过期会话状态清扫是否启用。
	Enabled bool `mapstructure:"enabled"`

	// Interval 为清扫周期；BatchRows 为单次删除批量。
	Interval  time.Duration `mapstructure:"interval"`
	BatchRows int           `mapstructure:"batch_rows"`

	OnError ErrorHandler `mapstructure:"-"`
}

type Config struct {
	Turns     TurnsConfig     `mapstructure:"turns"`
	Retention RetentionConfig `mapstructure:"retention"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
}

func DefaultConfig() Config {
	return Config{
		Turns: TurnsConfig{
			Enabled:       true,
			QueueSize:     256,
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:     true,
			Interval:    time.Hour,
			MetricsKeep: 7 * 24 * time.Hour,
			AuditKeep:   90 * 24 * time.Hour,
			BatchRows:   500,
			IdleSleep:   50 * time.Millisecond,
			Workers:     max(2, runtime.NumCPU()),
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  time.Minute,
			BatchRows: 500,
		},
	}
}

func (c TurnsConfig) withDefaults() TurnsConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.MetricsKeep <= 0 {
		c.MetricsKeep = 7 * 24 * time.Hour
	}
	if c.AuditKeep <= 0 {
		c.AuditKeep = 90 * 24 * time.Hour
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	if c.Workers <= 0 {
		c.Workers = max(2, runtime.NumCPU())
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
