package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Sentinel-Orchestrator/internal/coordinator"
	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/fusion"
	"Sentinel-Orchestrator/internal/specialist"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SENTINEL_CONFIG"

// DefaultConfigPath 是未设置环境变量时的配置路径。
const DefaultConfigPath = "configs/sentinel.json"

// Config 描述了 sentinel 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Identity    IdentityConfig    `json:"identity"`
	Logging     LoggingConfig     `json:"logging"`
	Chains      ChainsConfig      `json:"chains"`
	Specialists SpecialistsConfig `json:"specialists"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Escrow      EscrowConfig      `json:"escrow"`
	Storage     StorageConfig     `json:"storage"`
	Jobs        JobsConfig        `json:"jobs"`
	Alerting    AlertingConfig    `json:"alerting"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。MetricsAddress 非空时单独暴露 /metrics。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// IdentityConfig 描述本地签名身份与对端公钥。
type IdentityConfig struct {
	AgentID             string            `json:"agent_id"`
	KeyPath             string            `json:"key_path"`
	VerificationMode    string            `json:"verification_mode"`
	MaxClockSkewSeconds int               `json:"max_clock_skew_seconds"`
	TrustedKeys         map[string]string `json:"trusted_keys"`
}

// Mode 返回解析后的校验模式。
func (c IdentityConfig) Mode() envelope.Mode {
	mode, err := envelope.ParseMode(c.VerificationMode)
	if err != nil {
		return envelope.ModeProduction
	}
	return mode
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ChainsConfig 指向链节点定义文件。
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
}

// SpecialistsConfig 控制 specialist 的超时与远程 specialist 列表。
// FanoutTimeoutSeconds 是协调器的整体截止时间，必须小于单个 specialist 的超时。
type SpecialistsConfig struct {
	TimeoutSeconds       int                      `json:"timeout_seconds"`
	FanoutTimeoutSeconds int                      `json:"fanout_timeout_seconds"`
	Profile              string                   `json:"profile"`
	ReplayCapacity       int64                    `json:"replay_capacity"`
	ReplayLimit          int                      `json:"replay_limit"`
	Disabled             []string                 `json:"disabled"`
	Remote               []RemoteSpecialistConfig `json:"remote"`
}

// Enabled 判断本地 specialist 是否启用。
func (c SpecialistsConfig) Enabled(name string) bool {
	for _, d := range c.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return false
		}
	}
	return true
}

// RemoteSpecialistConfig 描述一个以 HTTP 服务形式部署的 specialist。
type RemoteSpecialistConfig struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	PeerID         string `json:"peer_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PipelineConfig 控制跨智能体流水线。
type PipelineConfig struct {
	Enabled        bool               `json:"enabled"`
	AgentID        string             `json:"agent_id"`
	KeyPath        string             `json:"key_path"`
	Weights        map[string]float64 `json:"weights"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	Profile        string             `json:"profile"`
	PatternsPath   string             `json:"patterns_path"`
	SanctionsPath  string             `json:"sanctions_path"`
	CoordinatorURL string             `json:"coordinator_url"`
}

// EscrowConfig 选择托管账本的后端。
type EscrowConfig struct {
	Driver         string `json:"driver"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	MySQL MySQLConfig `json:"mysql"`
	Redis RedisConfig `json:"redis"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// JobsConfig 控制异步验证任务。
type JobsConfig struct {
	Enabled    bool           `json:"enabled"`
	Store      string         `json:"store"`
	Queue      string         `json:"queue"`
	QueueName  string         `json:"queue_name"`
	QueueSize  int            `json:"queue_size"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides 允许通过环境变量注入敏感连接串。
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SENTINEL_MYSQL_DSN"); v != "" {
		c.Storage.MySQL.DSN = v
	}
	if v := os.Getenv("SENTINEL_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("SENTINEL_RABBITMQ_URL"); v != "" {
		c.Jobs.RabbitMQ.URL = v
	}
	if v := os.Getenv("SENTINEL_ALERT_WEBHOOK"); v != "" {
		c.Alerting.WebhookURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	if c.Identity.AgentID == "" {
		c.Identity.AgentID = "did:sentinel:coordinator"
	}
	if c.Identity.VerificationMode == "" {
		c.Identity.VerificationMode = string(envelope.ModeProduction)
	}
	if c.Identity.KeyPath == "" {
		c.Identity.KeyPath = filepath.Join(c.Runtime.DataDir, "keys", "coordinator.key")
	} else {
		c.Identity.KeyPath = resolve(baseDir, c.Identity.KeyPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Chains.DefinitionsPath != "" {
		c.Chains.DefinitionsPath = resolve(baseDir, c.Chains.DefinitionsPath)
	}

	if c.Specialists.TimeoutSeconds <= 0 {
		c.Specialists.TimeoutSeconds = int(specialist.DefaultTimeout / time.Second)
	}
	if c.Specialists.FanoutTimeoutSeconds <= 0 {
		c.Specialists.FanoutTimeoutSeconds = int(coordinator.DefaultFanoutTimeout / time.Second)
	}
	if strings.TrimSpace(c.Specialists.Profile) == "" {
		c.Specialists.Profile = fusion.SpecialistProfile.Name
	}

	if c.Pipeline.AgentID == "" {
		c.Pipeline.AgentID = "did:sentinel:oracle"
	}
	if c.Pipeline.KeyPath == "" {
		c.Pipeline.KeyPath = filepath.Join(c.Runtime.DataDir, "keys", "oracle.key")
	} else {
		c.Pipeline.KeyPath = resolve(baseDir, c.Pipeline.KeyPath)
	}
	if len(c.Pipeline.Weights) == 0 {
		c.Pipeline.Weights = fusion.DefaultPipelineWeights()
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		c.Pipeline.TimeoutSeconds = 20
	}
	if strings.TrimSpace(c.Pipeline.Profile) == "" {
		c.Pipeline.Profile = fusion.PipelineProfile.Name
	}
	if c.Pipeline.PatternsPath != "" {
		c.Pipeline.PatternsPath = resolve(baseDir, c.Pipeline.PatternsPath)
	}
	if c.Pipeline.SanctionsPath != "" {
		c.Pipeline.SanctionsPath = resolve(baseDir, c.Pipeline.SanctionsPath)
	}

	if c.Escrow.Driver == "" {
		c.Escrow.Driver = "memory"
	}
	if c.Escrow.TimeoutSeconds <= 0 {
		c.Escrow.TimeoutSeconds = 2
	}

	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 10
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "sentinel"
	}

	if c.Jobs.Store == "" {
		c.Jobs.Store = "memory"
	}
	if c.Jobs.Queue == "" {
		c.Jobs.Queue = "memory"
	}
	if c.Jobs.QueueSize <= 0 {
		c.Jobs.QueueSize = 256
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.RabbitMQ.Prefetch <= 0 {
		c.Jobs.RabbitMQ.Prefetch = c.Jobs.Workers
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查无法通过默认值修复的配置错误。
func (c *Config) Validate() error {
	var errs []error
	if _, err := envelope.ParseMode(c.Identity.VerificationMode); err != nil {
		errs = append(errs, err)
	}
	if c.Specialists.FanoutTimeoutSeconds >= c.Specialists.TimeoutSeconds {
		errs = append(errs, fmt.Errorf("fanout_timeout_seconds (%d) 必须小于 specialist timeout_seconds (%d)",
			c.Specialists.FanoutTimeoutSeconds, c.Specialists.TimeoutSeconds))
	}
	if _, err := fusion.ProfileByName(c.Specialists.Profile); err != nil {
		errs = append(errs, fmt.Errorf("specialists.profile 无效: %w", err))
	}
	if c.Pipeline.Enabled {
		if _, err := fusion.NewWeightedPolicy(c.Pipeline.Weights); err != nil {
			errs = append(errs, fmt.Errorf("流水线权重无效: %w", err))
		}
		if _, err := fusion.ProfileByName(c.Pipeline.Profile); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.profile 无效: %w", err))
		}
	}

	usesMySQL := false
	usesRedis := false
	switch c.Escrow.Driver {
	case "memory":
	case "mysql":
		usesMySQL = true
	case "redis":
		usesRedis = true
	default:
		errs = append(errs, fmt.Errorf("未知的托管账本驱动: %q", c.Escrow.Driver))
	}

	if c.Jobs.Enabled {
		switch c.Jobs.Store {
		case "memory":
		case "mysql":
			usesMySQL = true
		default:
			errs = append(errs, fmt.Errorf("未知的任务存储驱动: %q", c.Jobs.Store))
		}
		switch c.Jobs.Queue {
		case "memory":
		case "redis":
			usesRedis = true
		case "rabbitmq":
			if strings.TrimSpace(c.Jobs.RabbitMQ.URL) == "" {
				errs = append(errs, errors.New("rabbitmq 队列缺少 url"))
			}
		default:
			errs = append(errs, fmt.Errorf("未知的任务队列驱动: %q", c.Jobs.Queue))
		}
	}

	if usesMySQL && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("mysql 驱动需要 storage.mysql.dsn"))
	}
	if usesRedis && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("redis 驱动需要 storage.redis.address"))
	}

	seen := make(map[string]struct{}, len(c.Specialists.Remote))
	for _, remote := range c.Specialists.Remote {
		if strings.TrimSpace(remote.Name) == "" || strings.TrimSpace(remote.URL) == "" {
			errs = append(errs, errors.New("远程 specialist 需要 name 与 url"))
			continue
		}
		if _, dup := seen[remote.Name]; dup {
			errs = append(errs, fmt.Errorf("重复的远程 specialist: %s", remote.Name))
		}
		seen[remote.Name] = struct{}{}
	}
	return errors.Join(errs...)
}

// Seconds 把配置中的秒数转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
