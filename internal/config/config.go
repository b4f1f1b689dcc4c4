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

	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/pkg/logger"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "SWAPAGENT_CONFIG"

// Config 描述了交换代理在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     logger.Config     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue"`
	LLM         LLMConfig         `json:"llm"`
	Price       PriceConfig       `json:"price"`
	Web3        Web3Config        `json:"web3"`
	Wallet      WalletConfig      `json:"wallet"`
	Token       TokenConfig       `json:"token"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Polling     PollingConfig     `json:"polling"`
	Metrics     MetricsConfig     `json:"metrics"`
	Alerting    AlertingConfig    `json:"alerting"`
	Auth        AuthConfig        `json:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述谈判状态存储。
type StorageConfig struct {
	Negotiation NegotiationStoreConfig `json:"negotiation"`
}

// NegotiationStoreConfig 支持 memory、redis、mysql 三种驱动。
type NegotiationStoreConfig struct {
	Driver          string      `json:"driver"`
	DSN             string      `json:"dsn"`
	MaxOpenConns    int         `json:"max_open_conns"`
	MaxIdleConns    int         `json:"max_idle_conns"`
	ConnMaxLifetime int         `json:"conn_max_lifetime_seconds"`
	Redis           RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 控制入站消息队列。
type QueueConfig struct {
	Driver      string         `json:"driver"`
	BufferSize  int            `json:"buffer_size"`
	Workers     int            `json:"workers"`
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// LLMConfig 用于配置消息理解与生成的方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// PriceConfig 描述价格预言机。
type PriceConfig struct {
	BaseURL           string  `json:"base_url"`
	APIKeyEnv         string  `json:"api_key_env"`
	CacheTTLSeconds   int     `json:"cache_ttl_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点及托管程序所需的参数。
type Web3Config struct {
	ChainConfig    string             `json:"chain_config"`
	DefaultChain   string             `json:"default_chain"`
	RPCURL         string             `json:"rpc_url"`
	Program        web3.EscrowProgram `json:"program"`
	PriorityFeeWei int64              `json:"priority_fee_wei"`
	ValidityBlocks uint64             `json:"validity_blocks"`
	SubmitRetries  int                `json:"submit_retries"`
	// DepositTolerance 是核对托管存款时允许的绝对误差（界面金额）。
	DepositTolerance   float64 `json:"deposit_tolerance"`
	ReceiptPollSeconds int     `json:"receipt_poll_seconds"`
}

// WalletConfig 指定我方钱包及私钥所在环境变量。
type WalletConfig struct {
	Address       string `json:"address"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// TokenConfig 描述我方代币。
type TokenConfig struct {
	Mint       string  `json:"mint"`
	Symbol     string  `json:"symbol"`
	MinReserve float64 `json:"min_reserve"`
}

// NegotiationConfig 控制谈判策略。
type NegotiationConfig struct {
	TiersPath     string  `json:"tiers_path"`
	DealTolerance float64 `json:"deal_tolerance"`
	CapProximity  float64 `json:"cap_proximity"`
}

// PollingConfig 控制托管轮询引擎。
type PollingConfig struct {
	StatePath           string  `json:"state_path"`
	IntervalSeconds     int     `json:"interval_seconds"`
	Threshold           float64 `json:"threshold"`
	MaxExchangeAttempts int     `json:"max_exchange_attempts"`
	WatchExternalEdits  *bool   `json:"watch_external_edits"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AuthConfig 控制运维接口的认证方式。
type AuthConfig struct {
	// Mode 取值 disabled 或 token。
	Mode      string           `json:"mode"`
	Operators []OperatorConfig `json:"operators"`
}

// OperatorConfig 描述一个运维账号，token 从环境变量读取。
type OperatorConfig struct {
	Name        string   `json:"name"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Interval 返回轮询间隔。
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// WatchEnabled 判断是否监听外部编辑。
func (p PollingConfig) WatchEnabled() bool {
	return p.WatchExternalEdits == nil || *p.WatchExternalEdits
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

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 检查无法给出默认值的必填项。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token.Mint) == "" {
		errs = append(errs, errors.New("token.mint 不能为空"))
	}
	if strings.TrimSpace(c.Wallet.Address) == "" {
		errs = append(errs, errors.New("wallet.address 不能为空"))
	}
	if c.Polling.Threshold <= 0 || c.Polling.Threshold > 1 {
		errs = append(errs, fmt.Errorf("polling.threshold 必须位于 (0, 1]，当前为 %v", c.Polling.Threshold))
	}
	switch c.Storage.Negotiation.Driver {
	case "memory", "redis", "mysql":
	default:
		errs = append(errs, fmt.Errorf("不支持的谈判存储驱动: %s", c.Storage.Negotiation.Driver))
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver))
	}
	switch c.LLM.Provider {
	case "keyword", "openai":
	default:
		errs = append(errs, fmt.Errorf("不支持的 LLM 提供方: %s", c.LLM.Provider))
	}
	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Auth.Operators) == 0 {
			errs = append(errs, errors.New("auth.mode=token 时至少需要一个 operator"))
		}
		for i, op := range c.Auth.Operators {
			if strings.TrimSpace(op.Name) == "" || strings.TrimSpace(op.TokenEnv) == "" {
				errs = append(errs, fmt.Errorf("auth.operators[%d] 需要 name 与 token_env", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	store := &c.Storage.Negotiation
	store.Driver = strings.ToLower(strings.TrimSpace(store.Driver))
	if store.Driver == "" {
		store.Driver = "memory"
	}
	if store.MaxOpenConns <= 0 {
		store.MaxOpenConns = 10
	}
	if store.MaxIdleConns <= 0 {
		store.MaxIdleConns = 5
	}
	if store.ConnMaxLifetime <= 0 {
		store.ConnMaxLifetime = 300
	}
	if store.Redis.Prefix == "" {
		store.Redis.Prefix = "swapagent:negotiation:"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 128
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "swapagent:messages"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "swapagent.messages"
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "keyword"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 30
	}

	if c.Price.CacheTTLSeconds <= 0 {
		c.Price.CacheTTLSeconds = 60
	}
	if c.Price.RequestsPerSecond <= 0 {
		c.Price.RequestsPerSecond = 2
	}
	if c.Price.Burst <= 0 {
		c.Price.Burst = 4
	}
	if c.Price.TimeoutSeconds <= 0 {
		c.Price.TimeoutSeconds = 10
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.PriorityFeeWei <= 0 {
		c.Web3.PriorityFeeWei = 1_000_000_000
	}
	if c.Web3.ValidityBlocks == 0 {
		c.Web3.ValidityBlocks = 150
	}
	if c.Web3.SubmitRetries <= 0 {
		c.Web3.SubmitRetries = 3
	}
	if c.Web3.DepositTolerance <= 0 {
		c.Web3.DepositTolerance = 0.000001
	}
	if c.Web3.ReceiptPollSeconds <= 0 {
		c.Web3.ReceiptPollSeconds = 2
	}
	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = "SWAPAGENT_PRIVATE_KEY"
	}

	if c.Negotiation.TiersPath == "" {
		c.Negotiation.TiersPath = filepath.Join(baseDir, "tiers.yaml")
	} else {
		c.Negotiation.TiersPath = resolve(baseDir, c.Negotiation.TiersPath)
	}
	if c.Negotiation.DealTolerance <= 0 {
		c.Negotiation.DealTolerance = 0.95
	}
	if c.Negotiation.CapProximity <= 0 {
		c.Negotiation.CapProximity = 0.95
	}

	if c.Polling.StatePath == "" {
		c.Polling.StatePath = filepath.Join(baseDir, "data", "polling_state.json")
	} else {
		c.Polling.StatePath = resolve(baseDir, c.Polling.StatePath)
	}
	if c.Polling.IntervalSeconds <= 0 {
		c.Polling.IntervalSeconds = 60
	}
	if c.Polling.Threshold == 0 {
		c.Polling.Threshold = 0.95
	}
	if c.Polling.MaxExchangeAttempts <= 0 {
		c.Polling.MaxExchangeAttempts = 5
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
