package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenMCP-Swap/internal/api"
	"OpenMCP-Swap/internal/auth"
	"OpenMCP-Swap/internal/config"
	"OpenMCP-Swap/internal/escrow"
	"OpenMCP-Swap/internal/llm"
	"OpenMCP-Swap/internal/llm/openai"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/internal/observability/alerting"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/polling"
	"OpenMCP-Swap/internal/price"
	storagemysql "OpenMCP-Swap/internal/storage/mysql"
	storageredis "OpenMCP-Swap/internal/storage/redis"
	"OpenMCP-Swap/internal/task"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/internal/web3/provider"
	"OpenMCP-Swap/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// main 是交换代理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("swapagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "swapagent.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	chain, err := chains.DefaultClient()
	if err != nil {
		return err
	}

	vaultHash := chains.DefaultProgram().VaultRuntimeHash
	if strings.TrimSpace(vaultHash) == "" {
		return errors.New("默认链缺少 escrow.vault_runtime_code_hash，无法校验对方金库布局")
	}

	keys := web3.NewKeyRing()
	signerRef, err := keys.AddHex(os.Getenv(cfg.Wallet.PrivateKeyEnv))
	if err != nil {
		return fmt.Errorf("读取环境变量 %s 中的签名私钥失败: %w", cfg.Wallet.PrivateKeyEnv, err)
	}
	if !strings.EqualFold(signerRef, cfg.Wallet.Address) {
		return fmt.Errorf("签名私钥地址 %s 与 wallet.address %s 不一致", signerRef, cfg.Wallet.Address)
	}

	alerts := buildAlerting(cfg.Alerting)
	swapMetrics := metrics.Swap()

	orchestrator := escrow.NewOrchestrator(chain, keys,
		escrow.WithPriorityFee(big.NewInt(cfg.Web3.PriorityFeeWei)),
		escrow.WithValidityBlocks(cfg.Web3.ValidityBlocks),
		escrow.WithSubmitAttempts(cfg.Web3.SubmitRetries),
		escrow.WithTolerance(cfg.Web3.DepositTolerance),
		escrow.WithVaultRuntimeHash(vaultHash),
		escrow.WithMetrics(swapMetrics),
	)

	store := polling.NewFileStore(cfg.Polling.StatePath)
	engineOpts := []polling.Option{
		polling.WithInterval(cfg.Polling.Interval()),
		polling.WithThreshold(cfg.Polling.Threshold),
		polling.WithMaxExchangeAttempts(cfg.Polling.MaxExchangeAttempts),
		polling.WithAlertDispatcher(alerts),
		polling.WithMetrics(swapMetrics),
	}
	var watcher *polling.Watcher
	if cfg.Polling.WatchEnabled() {
		watcher, err = polling.NewWatcher(cfg.Polling.StatePath)
		if err != nil {
			return err
		}
		defer watcher.Close()
		engineOpts = append(engineOpts, polling.WithChanges(watcher.Changes()))
	}

	negotiations, err := openNegotiationStore(ctx, cfg.Storage.Negotiation)
	if err != nil {
		return err
	}
	defer negotiations.Close()

	interpreter, composer, err := buildLanguage(cfg.LLM)
	if err != nil {
		return err
	}
	oracle, err := price.NewClient(cfg.Price.BaseURL,
		price.WithAPIKey(os.Getenv(cfg.Price.APIKeyEnv)),
		price.WithRateLimit(cfg.Price.RequestsPerSecond, cfg.Price.Burst),
		price.WithCacheTTL(time.Duration(cfg.Price.CacheTTLSeconds)*time.Second),
		price.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Price.TimeoutSeconds) * time.Second}),
	)
	if err != nil {
		return err
	}

	whitelist, err := negotiation.LoadWhitelist(cfg.Negotiation.TiersPath)
	if err != nil {
		return err
	}
	profiles := negotiation.NewTierResolver(whitelist, negotiation.ChainBalance{
		Reader: chain,
		Mint:   cfg.Token.Mint,
		Owner:  cfg.Wallet.Address,
	}, cfg.Token.MinReserve)

	// 状态机需要引擎登记任务，引擎完成时又要回调状态机，先建引擎再挂回调。
	var machine *negotiation.Machine
	engineOpts = append(engineOpts, polling.WithCompletionHandler(func(ctx context.Context, t polling.Task) error {
		return machine.NotifyEscrowCompleted(ctx, t)
	}))
	engine := polling.NewEngine(store, chain, orchestrator, engineOpts...)

	machine, err = negotiation.NewMachine(negotiation.Dependencies{
		Store:       negotiations,
		Profiles:    profiles,
		Interpreter: interpreter,
		Composer:    composer,
		Oracle:      oracle,
		Escrow:      orchestrator,
		Tasks:       engine,
		Messenger:   negotiation.LogMessenger{},
		Wallet: negotiation.Wallet{
			Address:   cfg.Wallet.Address,
			SignerRef: signerRef,
			Mint:      cfg.Token.Mint,
			Symbol:    cfg.Token.Symbol,
		},
	},
		negotiation.WithDealTolerance(cfg.Negotiation.DealTolerance),
		negotiation.WithCapProximity(cfg.Negotiation.CapProximity),
		negotiation.WithMetrics(swapMetrics),
	)
	if err != nil {
		return err
	}

	messages, err := openMessageStore(ctx, cfg.Storage.Negotiation)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = messages.Close()
		return err
	}
	service := task.NewService(messages, queue, cfg.Queue.MaxAttempts)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭消息服务失败", slog.Any("error", err))
		}
	}()
	processor := task.NewProcessor(machine, messages, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(alerts),
		task.WithProcessorLogger(logger.Named("processor")),
	)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}

	server := api.NewServer(cfg.Server.Address,
		api.WithMessages(service),
		api.WithNegotiations(negotiations),
		api.WithEscrows(engine),
		api.WithChains(chains),
		api.WithAuth(authSvc),
	)

	logger.L().Info("swapagentd 已启动",
		slog.String("api", cfg.Server.Address),
		slog.String("wallet", cfg.Wallet.Address),
		slog.String("negotiation_store", cfg.Storage.Negotiation.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("auth", string(authSvc.Mode())),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(groupCtx) })
	group.Go(func() error { return processor.Start(groupCtx) })
	if watcher != nil {
		group.Go(func() error {
			watcher.Run(groupCtx)
			return nil
		})
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" && cfg.Metrics.Address != cfg.Server.Address {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Metrics.Address) })
	}
	return group.Wait()
}

func openNegotiationStore(ctx context.Context, cfg config.NegotiationStoreConfig) (negotiation.Store, error) {
	switch cfg.Driver {
	case "redis":
		return storageredis.NewNegotiationStore(ctx, storageredis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "mysql":
		return storagemysql.NewNegotiationStore(ctx, mysqlConfig(cfg))
	default:
		return negotiation.NewMemoryStore(), nil
	}
}

// openMessageStore 与谈判状态共用 MySQL；其余驱动下消息只保存在内存。
func openMessageStore(ctx context.Context, cfg config.NegotiationStoreConfig) (task.Store, error) {
	if cfg.Driver == "mysql" {
		return task.NewMySQLStore(ctx, mysqlConfig(cfg))
	}
	return task.NewMemoryStore(), nil
}

func mysqlConfig(cfg config.NegotiationStoreConfig) storagemysql.Config {
	return storagemysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Prefix,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.Workers,
			Durable:  true,
		})
	default:
		return task.NewMemoryQueue(cfg.BufferSize), nil
	}
}

func buildLanguage(cfg config.LLMConfig) (llm.Interpreter, llm.Composer, error) {
	templates, err := llm.NewTemplateComposer(nil)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Provider != "openai" {
		return llm.KeywordInterpreter{}, templates, nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:      os.Getenv(cfg.OpenAI.APIKeyEnv),
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// buildAuth 从环境变量读取各运维账号的 token。
func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	operators := make([]auth.Operator, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		token := strings.TrimSpace(os.Getenv(op.TokenEnv))
		if token == "" && !op.Disabled {
			return nil, fmt.Errorf("环境变量 %s 未设置 (operator %s)", op.TokenEnv, op.Name)
		}
		if token == "" {
			continue
		}
		operators = append(operators, auth.Operator{
			Name:        op.Name,
			Token:       token,
			Permissions: op.Permissions,
			Disabled:    op.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Operators: operators})
}
