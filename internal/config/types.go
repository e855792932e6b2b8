package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了适配器运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Venue      VenueConfig      `mapstructure:"venue"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Confirm    ConfirmConfig    `mapstructure:"confirm"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。monitor_port 为 0 时不启动运维接口。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

// VenueConfig 描述场所 REST 接入信息。
type VenueConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Identifier string        `mapstructure:"identifier"`
	Secret     string        `mapstructure:"secret"`
	AccountID  string        `mapstructure:"account_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// GateConfig 描述单个限流闸门：滑动窗口内最多放行 capacity 次。
type GateConfig struct {
	Capacity int           `mapstructure:"capacity"`
	Window   time.Duration `mapstructure:"window"`
}

// RateLimitsConfig 管理交易类与查询类两套独立配额。
type RateLimitsConfig struct {
	Trading    GateConfig `mapstructure:"trading"`
	NonTrading GateConfig `mapstructure:"non_trading"`
}

// StreamingConfig 控制流推送连接行为。
type StreamingConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PreferLongPoll bool          `mapstructure:"prefer_long_poll"`
}

// ConfirmConfig 控制成交确认的轮询兜底。
type ConfirmConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

// DatabaseConfig 管理流水日志数据库。
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.MonitorPort < 0 || c.App.MonitorPort > 65535 {
		err = multierr.Append(err, errors.New("app.monitor_port 必须在 0-65535 之间"))
	}
	if c.Venue.BaseURL == "" {
		err = multierr.Append(err, errors.New("venue.base_url 不能为空"))
	}
	if c.Venue.APIKey == "" {
		err = multierr.Append(err, errors.New("venue.api_key 不能为空"))
	}
	if c.Venue.Identifier == "" {
		err = multierr.Append(err, errors.New("venue.identifier 不能为空"))
	}
	if c.Venue.Secret == "" {
		err = multierr.Append(err, errors.New("venue.secret 不能为空"))
	}
	if c.Venue.Timeout <= 0 {
		err = multierr.Append(err, errors.New("venue.timeout 必须大于0"))
	}
	if c.RateLimits.Trading.Capacity <= 0 {
		err = multierr.Append(err, errors.New("rate_limits.trading.capacity 必须大于0"))
	}
	if c.RateLimits.Trading.Window <= 0 {
		err = multierr.Append(err, errors.New("rate_limits.trading.window 必须大于0"))
	}
	if c.RateLimits.NonTrading.Capacity <= 0 {
		err = multierr.Append(err, errors.New("rate_limits.non_trading.capacity 必须大于0"))
	}
	if c.RateLimits.NonTrading.Window <= 0 {
		err = multierr.Append(err, errors.New("rate_limits.non_trading.window 必须大于0"))
	}
	if c.Streaming.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("streaming.connect_timeout 必须大于0"))
	}
	if c.Confirm.Timeout <= 0 {
		err = multierr.Append(err, errors.New("confirm.timeout 必须大于0"))
	}
	if c.Confirm.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("confirm.poll_interval 必须大于0"))
	}
	if c.Confirm.PollAttempts <= 0 {
		err = multierr.Append(err, errors.New("confirm.poll_attempts 必须大于0"))
	}
	if c.Database.Enabled {
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
		if c.Database.MaxOpenConns <= 0 {
			err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
		}
		if c.Database.MaxIdleConns < 0 {
			err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
		}
		if c.Database.ConnMaxLifetime < 0 {
			err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
		}
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
