package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 perpagentd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	EventQueue EventQueueConfig `yaml:"event_queue"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Signal     SignalConfig     `yaml:"signal"`
	Chains     ChainsConfig     `yaml:"chains"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址与限流参数。
type ServerConfig struct {
	Address        string  `yaml:"address"`
	CronSecret     string  `yaml:"cron_secret"`
	CronSecretEnv  string  `yaml:"cron_secret_env"`
	MonitorRPS     float64 `yaml:"monitor_rps"`
	MonitorBurst   int     `yaml:"monitor_burst"`
	MetricsAddress string  `yaml:"metrics_address"`
}

// StorageConfig 统一描述持久化后端的连接信息。
type StorageConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// CacheConfig 描述行情缓存后端。memory 用于测试，redis 用于多副本部署。
type CacheConfig struct {
	Driver    string `yaml:"driver"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PriceTTL  int    `yaml:"price_ttl_seconds"`
	CandleTTL int    `yaml:"candle_ttl_seconds"`
}

// EventQueueConfig 描述异步事件队列的驱动与连接参数。
type EventQueueConfig struct {
	Driver   string        `yaml:"driver"`
	Workers  int           `yaml:"workers"`
	Redis    RedisQueue    `yaml:"redis"`
	RabbitMQ RabbitMQQueue `yaml:"rabbitmq"`
}

// RedisQueue 描述 Redis 队列的连接参数。
type RedisQueue struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// RabbitMQQueue 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueue struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ExchangeConfig 描述永续合约交易所的访问方式。
type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SignalConfig 描述 AI 信号评估所使用的推理服务。
type SignalConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ChainConfig 描述单条链的 RPC 与代币合约信息。
type ChainConfig struct {
	Name          string `yaml:"name"`
	RPCURL        string `yaml:"rpc_url"`
	USDCContract  string `yaml:"usdc_contract"`
	BridgeAddress string `yaml:"bridge_address"`
}

// ChainsConfig 汇总支付管道涉及的链。
type ChainsConfig struct {
	Settlement ChainConfig `yaml:"settlement"`
	Payout     ChainConfig `yaml:"payout"`
	PrivateKey string      `yaml:"private_key"`
	KeyEnv     string      `yaml:"private_key_env"`
}

// EngineConfig 放置生命周期引擎的运行时参数。
type EngineConfig struct {
	MonitorWorkers      int     `yaml:"monitor_workers"`
	MonitorIntervalSec  int     `yaml:"monitor_interval_seconds"`
	SettleIntervalSec   int     `yaml:"settle_interval_seconds"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinTradeSizeUsd     float64 `yaml:"min_trade_size_usd"`
	MaxTradeSizeUsd     float64 `yaml:"max_trade_size_usd"`
	PerformanceFeeRate  float64 `yaml:"performance_fee_rate"`
	CreatorFeeSplit     float64 `yaml:"creator_fee_split"`
	VampireFeedRate     float64 `yaml:"vampire_feed_rate"`
	ReferralBurnShare   float64 `yaml:"referral_burn_share"`
	ReferralFuelBonus   float64 `yaml:"referral_fuel_bonus"`
	InvestExitFeeRate   float64 `yaml:"invest_exit_fee_rate"`
	MinEnergyToLive     float64 `yaml:"min_energy_to_live"`
	HeartbeatBurn       float64 `yaml:"heartbeat_burn"`
	ProfitToFuelUsd     float64 `yaml:"profit_to_fuel_usd"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	AuditPath   string   `yaml:"audit_path"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
// 引擎参数的默认值即生产常量：留空等价于使用平台标准分成比例。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MonitorRPS <= 0 {
		c.Server.MonitorRPS = 0.5
	}
	if c.Server.MonitorBurst <= 0 {
		c.Server.MonitorBurst = 3
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 20
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 10
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.PriceTTL <= 0 {
		c.Cache.PriceTTL = 30
	}
	if c.Cache.CandleTTL <= 0 {
		c.Cache.CandleTTL = 300
	}

	if c.EventQueue.Driver == "" {
		c.EventQueue.Driver = "memory"
	}
	if c.EventQueue.Workers <= 0 {
		c.EventQueue.Workers = 4
	}

	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = 10
	}

	if c.Signal.Provider == "" {
		c.Signal.Provider = "openai"
	}
	if c.Signal.TimeoutSeconds <= 0 {
		c.Signal.TimeoutSeconds = 60
	}

	if c.Engine.MonitorWorkers <= 0 {
		c.Engine.MonitorWorkers = 8
	}
	if c.Engine.MonitorIntervalSec <= 0 {
		c.Engine.MonitorIntervalSec = 60
	}
	if c.Engine.SettleIntervalSec <= 0 {
		c.Engine.SettleIntervalSec = 120
	}
	if c.Engine.ConfidenceThreshold <= 0 {
		c.Engine.ConfidenceThreshold = 60
	}
	if c.Engine.MinTradeSizeUsd <= 0 {
		c.Engine.MinTradeSizeUsd = 10
	}
	if c.Engine.MaxTradeSizeUsd <= 0 {
		c.Engine.MaxTradeSizeUsd = 100000
	}
	if c.Engine.PerformanceFeeRate <= 0 {
		c.Engine.PerformanceFeeRate = 0.20
	}
	if c.Engine.CreatorFeeSplit <= 0 {
		c.Engine.CreatorFeeSplit = 0.50
	}
	if c.Engine.VampireFeedRate <= 0 {
		c.Engine.VampireFeedRate = 0.10
	}
	if c.Engine.ReferralBurnShare <= 0 {
		c.Engine.ReferralBurnShare = 0.05
	}
	if c.Engine.ReferralFuelBonus <= 0 {
		c.Engine.ReferralFuelBonus = 10
	}
	if c.Engine.InvestExitFeeRate <= 0 {
		c.Engine.InvestExitFeeRate = 0.01
	}
	if c.Engine.MinEnergyToLive <= 0 {
		c.Engine.MinEnergyToLive = 1
	}
	if c.Engine.HeartbeatBurn <= 0 {
		c.Engine.HeartbeatBurn = 1
	}
	if c.Engine.ProfitToFuelUsd <= 0 {
		c.Engine.ProfitToFuelUsd = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// ExchangeTimeout 返回交易所调用超时时间。
func (c *ExchangeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout 返回推理调用超时时间。
func (c *SignalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveSecret 依次从明文配置与环境变量解析凭据。
func ResolveSecret(value, envName string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}
