package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Sentinel-Orchestrator/internal/api"
	"Sentinel-Orchestrator/internal/chain"
	"Sentinel-Orchestrator/internal/chain/provider"
	"Sentinel-Orchestrator/internal/config"
	"Sentinel-Orchestrator/internal/coordinator"
	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/escrow"
	"Sentinel-Orchestrator/internal/fusion"
	"Sentinel-Orchestrator/internal/identity"
	"Sentinel-Orchestrator/internal/job"
	"Sentinel-Orchestrator/internal/knowledge"
	"Sentinel-Orchestrator/internal/observability/alerting"
	"Sentinel-Orchestrator/internal/observability/metrics"
	"Sentinel-Orchestrator/internal/pipeline"
	"Sentinel-Orchestrator/internal/specialist"
	"Sentinel-Orchestrator/internal/storage/mysql"
	"Sentinel-Orchestrator/internal/storage/redis"
	"Sentinel-Orchestrator/pkg/logger"
)

// main 是 sentinel 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentineld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	appLog := logger.Named("sentineld")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 身份与公钥环。
	self, err := identity.LoadOrGenerate(cfg.Identity.AgentID, cfg.Identity.KeyPath)
	if err != nil {
		return err
	}
	ring := identity.NewKeyring()
	for agentID, key := range cfg.Identity.TrustedKeys {
		if err := ring.RegisterBase64(agentID, key); err != nil {
			return fmt.Errorf("登记公钥 %s 失败: %w", agentID, err)
		}
	}
	codecOpts := []envelope.Option{envelope.WithMaxClockSkew(config.Seconds(cfg.Identity.MaxClockSkewSeconds))}
	codec, err := envelope.NewCodec(self, ring, cfg.Identity.Mode(), codecOpts...)
	if err != nil {
		return err
	}
	appLog.Info("签名身份已加载",
		slog.String("agent_id", self.ID()),
		slog.String("public_key", self.PublicKeyBase64()),
		slog.String("mode", string(codec.Mode())),
	)

	m := metrics.New()
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	alerts := alerting.NewFanout(notifiers...)

	// 链数据源。
	defs, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	var registry *provider.Registry
	if len(defs.Chains) > 0 {
		registry, err = provider.NewRegistry(ctx, defs)
		if err != nil {
			return err
		}
		defer registry.Close()
	} else {
		appLog.Warn("未配置链数据源，仅使用远程 specialist")
	}

	specialists, closeSpecialists, err := buildSpecialists(cfg, registry, codec)
	if err != nil {
		return err
	}
	defer closeSpecialists()

	// MySQL 连接在账本与任务存储之间共享。
	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		opened, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(cfg.Storage.MySQL.ConnMaxLifetimeSeconds),
		})
		if err != nil {
			return nil, err
		}
		db = opened
		return db, nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	ledger, err := buildLedger(ctx, cfg, openDB)
	if err != nil {
		return err
	}
	defer ledger.Close()

	profile, err := fusion.ProfileByName(cfg.Specialists.Profile)
	if err != nil {
		return err
	}
	coord, err := coordinator.New(codec, fusion.NewEngine(fusion.MeanPolicy{}, profile), specialists,
		coordinator.WithLedger(ledger),
		coordinator.WithAlerts(alerts),
		coordinator.WithMetrics(m),
		coordinator.WithFanoutTimeout(config.Seconds(cfg.Specialists.FanoutTimeoutSeconds)),
		coordinator.WithEscrowTimeout(config.Seconds(cfg.Escrow.TimeoutSeconds)),
	)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*config.Seconds(cfg.Escrow.TimeoutSeconds))
		defer cancel()
		if err := coord.FlushCredits(flushCtx); err != nil {
			appLog.Warn("退出前仍有未完成的托管入账", slog.Any("error", err))
		}
	}()

	var pipe *pipeline.Pipeline
	if cfg.Pipeline.Enabled {
		pipe, err = buildPipeline(cfg, registry, ring, coord, self, m)
		if err != nil {
			return err
		}
	}

	var jobs *job.Service
	if cfg.Jobs.Enabled {
		store, queue, err := buildJobBackends(ctx, cfg, openDB)
		if err != nil {
			return err
		}
		defer queue.Close()
		jobs = job.NewService(store, queue, cfg.Jobs.MaxRetries)
		processor := job.NewProcessor(coord, store, queue, queue,
			job.WithWorkerCount(cfg.Jobs.Workers),
			job.WithAlertDispatcher(alerts),
			job.WithProcessorMetrics(m),
			job.WithProcessorLogger(logger.Named("job")),
		)
		processorCtx, processorCancel := context.WithCancel(ctx)
		defer processorCancel()
		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("任务处理器异常退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress, m); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Codec:       codec,
		Verifier:    coord,
		Jobs:        jobs,
		Ledger:      ledger,
		Pipeline:    pipe,
		Specialists: specialists,
		Metrics:     m,
	})
	appLog.Info("sentinel 已就绪",
		slog.Any("specialists", coord.Specialists()),
		slog.Any("chains", registry.Chains()),
		slog.Bool("pipeline", pipe != nil),
		slog.Bool("jobs", jobs != nil),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSpecialists 按链数据源的能力装配本地 specialist，并追加远程 specialist。
func buildSpecialists(cfg *config.Config, registry *provider.Registry, codec *envelope.Codec) ([]specialist.Specialist, func(), error) {
	timeout := config.Seconds(cfg.Specialists.TimeoutSeconds)
	sc := cfg.Specialists
	var list []specialist.Specialist
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if tips := registry.Default(); tips != nil && sc.Enabled("tip_divergence") {
		list = append(list, specialist.NewTipDivergence(tips,
			specialist.WithTipTimeout(timeout),
		))
	}
	if blocks, ok := registry.BlockReader(); ok && sc.Enabled("block_scanner") {
		list = append(list, specialist.NewBlockScanner(blocks,
			specialist.WithBlockTimeout(timeout),
		))
	}
	if sampler, ok := registry.StakeSampler(); ok && sc.Enabled("stake_concentration") {
		list = append(list, specialist.NewConcentration(sampler,
			specialist.WithConcentrationTimeout(timeout),
		))
	}
	if reader, ok := registry.PatternReader(); ok && sc.Enabled("replay_detector") {
		replay, err := specialist.NewReplay(reader,
			specialist.WithReplayCapacity(sc.ReplayCapacity),
			specialist.WithReplayLimit(sc.ReplayLimit),
			specialist.WithReplayTimeout(timeout),
		)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, replay.Close)
		list = append(list, replay)
	}
	for _, rc := range sc.Remote {
		remoteTimeout := timeout
		if rc.TimeoutSeconds > 0 {
			remoteTimeout = config.Seconds(rc.TimeoutSeconds)
		}
		remote, err := specialist.NewRemote(rc.Name, rc.URL, rc.PeerID, codec, nil, remoteTimeout)
		if err != nil {
			return nil, closeAll, err
		}
		list = append(list, remote)
	}
	if len(list) == 0 {
		return nil, closeAll, errors.New("没有可用的 specialist，请检查链配置或远程 specialist 列表")
	}
	return list, closeAll, nil
}

func buildLedger(ctx context.Context, cfg *config.Config, openDB func() (*sql.DB, error)) (escrow.Ledger, error) {
	switch cfg.Escrow.Driver {
	case "memory":
		return escrow.NewMemoryLedger(), nil
	case "mysql":
		db, err := openDB()
		if err != nil {
			return nil, err
		}
		return mysql.NewEscrowLedger(db), nil
	case "redis":
		return redis.NewEscrowLedger(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的托管账本驱动: %s", cfg.Escrow.Driver)
	}
}

func buildJobBackends(ctx context.Context, cfg *config.Config, openDB func() (*sql.DB, error)) (job.Store, job.Queue, error) {
	var store job.Store
	switch cfg.Jobs.Store {
	case "memory":
		store = job.NewMemoryStore()
	case "mysql":
		db, err := openDB()
		if err != nil {
			return nil, nil, err
		}
		store = mysql.NewJobStore(db)
	default:
		return nil, nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Jobs.Store)
	}

	switch cfg.Jobs.Queue {
	case "memory":
		return store, job.NewMemoryQueue(cfg.Jobs.QueueSize), nil
	case "redis":
		queue, err := job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Queue:    cfg.Jobs.QueueName,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, queue, nil
	case "rabbitmq":
		queue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.Jobs.RabbitMQ.URL,
			Queue:    cfg.Jobs.QueueName,
			Prefetch: cfg.Jobs.RabbitMQ.Prefetch,
			Durable:  cfg.Jobs.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, queue, nil
	default:
		return nil, nil, fmt.Errorf("未知的任务队列驱动: %s", cfg.Jobs.Queue)
	}
}

// buildPipeline 装配跨智能体流水线。oracle 角色使用独立身份调用协调器，
// 未配置 coordinator_url 时直接在进程内调用。
func buildPipeline(cfg *config.Config, registry *provider.Registry, ring *identity.Keyring,
	coord *coordinator.Coordinator, self *identity.Identity, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	policy, err := fusion.NewWeightedPolicy(cfg.Pipeline.Weights)
	if err != nil {
		return nil, err
	}
	roleTimeout := config.Seconds(cfg.Pipeline.TimeoutSeconds)

	patterns := pipeline.DefaultThreatPatterns()
	if cfg.Pipeline.PatternsPath != "" {
		patterns, err = pipeline.LoadThreatPatterns(cfg.Pipeline.PatternsPath)
		if err != nil {
			return nil, err
		}
	}
	sentinel, err := pipeline.NewSentinel(patterns, roleTimeout)
	if err != nil {
		return nil, err
	}

	sanctions := knowledge.NewSanctionsList(nil)
	if cfg.Pipeline.SanctionsPath != "" {
		sanctions, err = knowledge.LoadSanctionsList(cfg.Pipeline.SanctionsPath)
		if err != nil {
			return nil, err
		}
	}
	complianceOpts := []pipeline.ComplianceOption{pipeline.WithComplianceTimeout(roleTimeout)}
	if ages, ok := registry.WalletAgeReader(); ok {
		complianceOpts = append(complianceOpts, pipeline.WithWalletAges(ages))
	}
	compliance := pipeline.NewCompliance(sanctions, complianceOpts...)

	oracleID, err := identity.LoadOrGenerate(cfg.Pipeline.AgentID, cfg.Pipeline.KeyPath)
	if err != nil {
		return nil, err
	}
	if err := ring.RegisterIdentity(oracleID); err != nil {
		return nil, err
	}
	oracleRing := identity.NewKeyring()
	if err := oracleRing.RegisterIdentity(self); err != nil {
		return nil, err
	}
	oracleCodec, err := envelope.NewCodec(oracleID, oracleRing, envelope.ModeProduction)
	if err != nil {
		return nil, err
	}
	var verifier pipeline.Verifier = coord
	if cfg.Pipeline.CoordinatorURL != "" {
		verifier = pipeline.NewHTTPVerifier(cfg.Pipeline.CoordinatorURL, nil)
	}
	oracle, err := pipeline.NewOracle(oracleCodec, verifier, self.ID(), roleTimeout)
	if err != nil {
		return nil, err
	}

	profile, err := fusion.ProfileByName(cfg.Pipeline.Profile)
	if err != nil {
		return nil, err
	}
	return pipeline.New(policy, []specialist.Specialist{sentinel, oracle, compliance},
		pipeline.WithTimeout(roleTimeout),
		pipeline.WithProfile(profile),
		pipeline.WithMetrics(m),
	)
}
