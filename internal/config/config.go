// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0" toml:"key"`
//
// 加载顺序: 默认值/环境变量 → TOML 文件 (THREAD_ENGINE_CONFIG) 覆盖非空值 → 显式设置的环境变量再次覆盖。
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/multi-agent/thread-engine/pkg/logger"
	"github.com/multi-agent/thread-engine/pkg/util"
)

// EnvConfigPath 指向可选的 TOML 配置文件。
const EnvConfigPath = "THREAD_ENGINE_CONFIG"

// Config 应用全局配置。
type Config struct {
	// HTTP
	HTTPAddr string `env:"HTTP_ADDR" default:"127.0.0.1:8787" toml:"http_addr"`

	// app-server (JSON-RPC over WebSocket)
	AppServerURL        string `env:"APP_SERVER_URL" toml:"app_server_url"`
	AppServerSpawn      bool   `env:"APP_SERVER_SPAWN" default:"false" toml:"app_server_spawn"`
	AppServerCommand    string `env:"APP_SERVER_COMMAND" default:"codex" toml:"app_server_command"`
	AppServerPort       int    `env:"APP_SERVER_PORT" default:"4500" min:"1" toml:"app_server_port"`
	AppServerCallSec    int    `env:"APP_SERVER_CALL_TIMEOUT_SEC" default:"30" min:"1" toml:"app_server_call_timeout_sec"`
	AppServerMaxRetries int    `env:"APP_SERVER_MAX_RECONNECT" default:"5" min:"0" toml:"app_server_max_reconnect"`

	// PostgreSQL (可选, 为空则不落库)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING" toml:"postgres_connection_string"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public" toml:"postgres_schema"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1" toml:"postgres_pool_min_size"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1" toml:"postgres_pool_max_size"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1" toml:"postgres_pool_timeout_sec"`
	MigrationsDir          string `env:"MIGRATIONS_DIR" default:"migrations" toml:"migrations_dir"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO" toml:"log_level"`
	LogEnv   string `env:"LOG_ENV" default:"production" toml:"log_env"`

	// 引擎
	TurnTimeoutSec         int `env:"TURN_TIMEOUT_SEC" default:"600" min:"1" toml:"turn_timeout_sec"`
	ApprovalTimeoutSec     int `env:"APPROVAL_TIMEOUT_SEC" default:"300" min:"1" toml:"approval_timeout_sec"`
	ApprovalSweepSec       int `env:"APPROVAL_SWEEP_SEC" default:"30" min:"1" toml:"approval_sweep_sec"`
	ApprovalRetryBaseMS    int `env:"APPROVAL_RETRY_BASE_MS" default:"500" min:"1" toml:"approval_retry_base_ms"`
	FlushIntervalMS        int `env:"FLUSH_INTERVAL_MS" default:"16" min:"1" toml:"flush_interval_ms"`
	MaxItemOutputBytes     int `env:"MAX_ITEM_OUTPUT_BYTES" default:"1048576" min:"0" toml:"max_item_output_bytes"` // 1MB, 0 = 不限
	UserMessageDedupWindow int `env:"USER_MESSAGE_DEDUP_WINDOW" default:"10" min:"0" toml:"user_message_dedup_window"`

	// Dashboard
	SSEKeepaliveSec int `env:"SSE_KEEPALIVE_SEC" default:"30" min:"1" toml:"sse_keepalive_sec"`
	AuditLogLimit   int `env:"AUDIT_LOG_LIMIT" default:"100" min:"1" toml:"audit_log_limit"`
}

// Load 从环境变量加载配置, 若 THREAD_ENGINE_CONFIG 指向文件则叠加 TOML。
func Load() (*Config, error) {
	var cfg Config
	util.LoadFromEnv(&cfg)

	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		return &cfg, nil
	}
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad 同 Load, 失败时退出进程。
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		logger.Fatal("config: load failed", logger.FieldPath, os.Getenv(EnvConfigPath), logger.FieldError, err)
	}
	return cfg
}

// overlayFile 用 TOML 非零值覆盖 cfg, 已显式设置的环境变量保持优先。
func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file Config
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	dst := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(file)
	t := dst.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if env := field.Tag.Get("env"); env != "" && util.EnvSet(env) {
			continue
		}
		sv := src.Field(i)
		if sv.IsZero() {
			continue
		}
		dst.Field(i).Set(sv)
	}
	logger.Info("config: file overlay applied", logger.FieldPath, path)
	return nil
}

// TurnTimeout 单个 turn 的看门狗时长。
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// ApprovalTimeout 审批请求的最长等待时间。
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSec) * time.Second
}

// ApprovalSweepInterval 过期审批扫描周期。
func (c *Config) ApprovalSweepInterval() time.Duration {
	return time.Duration(c.ApprovalSweepSec) * time.Second
}

// ApprovalRetryBase 取消审批重试的退避基数。
func (c *Config) ApprovalRetryBase() time.Duration {
	return time.Duration(c.ApprovalRetryBaseMS) * time.Millisecond
}

// FlushInterval delta 合并刷新间隔。
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// AppServerCallTimeout JSON-RPC 调用超时。
func (c *Config) AppServerCallTimeout() time.Duration {
	return time.Duration(c.AppServerCallSec) * time.Second
}

// AppServerEndpoint 返回 app-server ws 地址; 未显式配置时按端口拼接本地地址。
func (c *Config) AppServerEndpoint() string {
	if u := strings.TrimSpace(c.AppServerURL); u != "" {
		return u
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", c.AppServerPort)
}
