package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/api"
	"github.com/xela07ax/x402-paygate/internal/api/handler"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/chain"
	"github.com/xela07ax/x402-paygate/internal/engine"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"github.com/xela07ax/x402-paygate/internal/repository"
	"github.com/xela07ax/x402-paygate/internal/repository/memory"
	"github.com/xela07ax/x402-paygate/internal/repository/postgres"
	"github.com/xela07ax/x402-paygate/internal/settlement"
	"github.com/xela07ax/x402-paygate/internal/signer"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger, "paygate")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("paygate stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст фоновых горутин: SIGTERM остановит слушателей
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Хранилище
	store, err := openStore(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Аудит: пачками в payment_audit
	auditor := audit.NewAgentFS(store, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		OnFill:        func(used, _ int) { metrics.AuditBufferFill.Set(float64(used)) },
	})
	auditor.Start()
	defer auditor.Stop()

	// 4. Redis: блокировки кошельков, kill-switch, события HITL. Без Redis — один инстанс.
	var (
		rdb      *redis.Client
		locker   engine.WalletLocker = engine.NewLocalWalletLocker()
		notifier engine.PendingNotifier
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		locker = engine.NewRedisWalletLocker(rdb, cfg.Engine.WalletLockTTL, logger)
		notifier = engine.NewRedisNotifier(rdb, logger)
	} else {
		logger.Warn("redis is not configured, wallet locks and freeze state are local to this instance")
	}

	freeze := engine.NewFreezeManager(rdb, logger)
	frozen, err := store.ListFrozenUsers(appCtx)
	if err != nil {
		return fmt.Errorf("load frozen wallets: %w", err)
	}
	if err := freeze.Warmup(appCtx, frozen); err != nil {
		logger.Warn("freeze warm-up failed", zap.Error(err))
	}
	if err := freeze.Init(appCtx); err != nil {
		return fmt.Errorf("init freeze manager: %w", err)
	}
	go freeze.StartListener(appCtx)

	// 5. Подпись и расчет
	ks, err := signer.NewKeystore(cfg.Keystore.MasterKey)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	sg := signer.NewSigner(ks, signer.DomainConfig{
		ChainID: cfg.Chain.ChainID,
		Network: cfg.Chain.Network,
		Name:    cfg.Chain.TokenName,
		Version: cfg.Chain.TokenVersion,
	}, logger)

	settler := settlement.NewClient(settlement.Config{
		FetchAttempts: cfg.Engine.FetchAttempts,
		FetchTimeout:  cfg.Engine.FetchTimeout,
		SubmitTimeout: cfg.Engine.SubmitTimeout,
		RetryDelay:    cfg.Engine.RetryDelay,
		RateLimit:     cfg.Engine.RateLimit,
		RateBurst:     cfg.Engine.RateBurst,
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
	}, &http.Client{}, logger, metrics.BreakerState)

	deps := engine.Deps{
		Store:    store,
		Settler:  settler,
		Signer:   sg,
		Locker:   locker,
		Freeze:   freeze,
		Auditor:  auditor,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	}

	// 6. Сеть: проверка расчетов и выводы. Без RPC обе операции отключены.
	if cfg.Chain.RPCURL != "" {
		ec, err := ethclient.DialContext(appCtx, cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("chain rpc: %w", err)
		}
		defer ec.Close()

		deps.Verifier = chain.NewVerifier(ec, cfg.Chain.MinConfirmations, cfg.Chain.RPCTimeout, logger)
		if cfg.Chain.AssetAddress != "" {
			tr, err := chain.NewTransferor(ec, sg, cfg.Chain.AssetAddress, logger)
			if err != nil {
				return fmt.Errorf("transferor: %w", err)
			}
			deps.Transferor = tr
		}
	} else {
		logger.Warn("chain.rpc_url is empty, settlement verification and withdrawals are disabled")
	}

	// 7. Ядро
	core := engine.New(engine.Config{
		Network:           cfg.Chain.Network,
		Schemes:           cfg.Engine.Schemes,
		Decimals:          cfg.Chain.Decimals,
		PendingTTL:        cfg.Engine.PendingTTL,
		SettlementTimeout: cfg.Engine.SettlementTimeout,
	}, deps)

	// 8. HTTP
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	server := api.NewServer(logger, auth.NewBaseValidator(pub), handler.New(core, logger), store)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		logger.Info("paygate started", zap.String("addr", srv.Addr), zap.String("network", cfg.Chain.Network))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 9. Graceful Shutdown
	var runErr error
	select {
	case <-appCtx.Done():
		logger.Info("paygate stopping")
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	metricsSrv.Shutdown(shutdownCtx)

	// Дожидаемся начатых расчетов: строки леджера должны быть финализированы.
	// Ждем не меньше таймаута расчета, иначе строка останется pending.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), max(cfg.Server.ShutdownTimeout, core.DrainTimeout()))
	defer drainCancel()
	if err := core.Shutdown(drainCtx); err != nil {
		logger.Warn("in-flight settlements did not finish before drain timeout", zap.Error(err))
	}

	logger.Info("paygate exited properly")
	return runErr
}

func openStore(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (repository.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.NewStore(), nil
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := postgres.NewStore(connCtx, postgres.Options{
		URL:        cfg.Database.URL,
		MaxConns:   cfg.Database.MaxConns,
		MinConns:   cfg.Database.MinConns,
		TxAttempts: cfg.Database.TxAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := store.Ping(connCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return store, nil
}
