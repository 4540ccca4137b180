// Точка входа Resilience Module - поддержание требуемого числа реплик
// файлов в resilient-группах пулов.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает карты пулов и операций, обработчики сообщений и топологии,
// запускает фоновые задачи (потребители карт, checkpoint, topologymetrics)
// и HTTP-сервер с опциональным JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/arturkryukov/artstore/resilience-module/internal/api/handlers"
	"github.com/arturkryukov/artstore/resilience-module/internal/api/middleware"
	"github.com/arturkryukov/artstore/resilience-module/internal/config"
	"github.com/arturkryukov/artstore/resilience-module/internal/database"
	"github.com/arturkryukov/artstore/resilience-module/internal/executor"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/migration"
	"github.com/arturkryukov/artstore/resilience-module/internal/placement"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolclient"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
	"github.com/arturkryukov/artstore/resilience-module/internal/repository"
	"github.com/arturkryukov/artstore/resilience-module/internal/selector"
	"github.com/arturkryukov/artstore/resilience-module/internal/server"
	"github.com/arturkryukov/artstore/resilience-module/internal/service"
	"github.com/arturkryukov/artstore/resilience-module/internal/topology"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Resilience Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("RS_DEPHEALTH_GROUP") == "" {
		logger.Warn("RS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool -> *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	txRunner := repository.NewTxRunner(pool)
	namespaceRepo := repository.NewNamespaceRepository(pool)
	checkpointRepo := repository.NewCheckpointRepository(pool, txRunner)
	excludedRepo := repository.NewExcludedPoolRepository(pool, txRunner)

	// 6. Пулы исполнителей: updateService (сообщения, сканы) и
	// taskService (копирование, удаление, staging)
	updateService := executor.New("update", cfg.UpdateThreads, logger)
	taskService := executor.New("task", cfg.TaskThreads, logger)

	// 7. Карты пулов и операций над файлами
	pools := poolinfo.NewMap()
	history := fileop.NewHistory(cfg.HistorySize, cfg.HistoryTTL)
	fileOps := fileop.NewMap(pools, history, fileop.Config{
		CopyThreads:   cfg.CopyThreads,
		MaxAllocation: cfg.MaxAllocation,
		MaxRetries:    cfg.MaxRetries,
		Timeout:       cfg.FileOperationTimeout,
	}, logger)

	// 8. Клиенты пулов и placement authority
	poolClient, err := poolclient.New(poolclient.Config{
		Timeout:       cfg.PoolClientTimeout,
		RetryAttempts: cfg.RPCRetryAttempts,
		CACertPath:    cfg.PoolCACertPath,
	}, pools.PoolURL, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента пулов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	placementClient := placement.New(cfg.PlacementURL, cfg.PoolClientTimeout, cfg.RPCRetryAttempts, logger)

	// 9. Обработчики операций над файлами
	namespace := service.NewNamespaceAccess(namespaceRepo, logger)
	completion := service.NewCompletionHandler(fileOps, logger)
	copier := service.NewMigrationCopier(
		migration.NewExecutor(poolClient, completion, cfg.CopyTimeout, logger),
	)
	fileHandler := service.NewFileOperationHandler(service.Dependencies{
		Pools:        pools,
		Operations:   fileOps,
		Namespace:    namespace,
		Selector:     selector.NewRandom(pools),
		Replicas:     poolClient,
		Copier:       copier,
		Stager:       placementClient,
		Completion:   completion,
		Inaccessible: service.NewAlarmingInaccessibleHandler(pools, completion, logger),
		TaskService:  taskService,
	}, service.HandlerConfig{
		LaunchDelay:   cfg.LaunchDelay,
		AlarmInterval: cfg.AlarmInterval,
	}, logger)

	// 10. Карта операций над пулами и сканер
	poolOps := poolop.NewMap(pools, fileOps, excludedRepo, poolop.Config{
		ScanWindow:           cfg.PoolScanWindow,
		MaxConcurrentRunning: cfg.PoolMaxConcurrentScans,
		DownGracePeriod:      cfg.PoolDownGracePeriod,
		RestartGracePeriod:   cfg.PoolRestartGracePeriod,
		Timeout:              cfg.PoolOperationTimeout,
		Watchdog:             cfg.PoolWatchdog,
	}, logger)
	scanner := service.NewPoolScanner(fileHandler, namespace, updateService, logger)
	scanner.SetReporter(poolOps)
	poolOps.SetScanner(scanner)
	fileOps.SetHandlers(fileHandler.NewTask, fileHandler, poolOps)

	// 11. Сообщения и топология. Сообщения копятся до первого снимка.
	messages := service.NewMessageHandler(fileHandler, pools, poolOps, updateService, logger)
	changeHandler := service.NewPoolInfoChangeHandler(pools, fileOps, poolOps, checkpointRepo,
		cfg.TopologyTimeout, cfg.AlarmInterval, logger)
	changeHandler.OnInitialized(messages.Activate)

	// 12. Запуск фоновых задач
	fileOps.Start(ctx)
	poolOps.Start(ctx)
	changeHandler.Start(ctx)

	checkpointer := service.NewCheckpointer(fileOps, checkpointRepo, cfg.CheckpointInterval, logger)
	checkpointer.Start(ctx)

	var watcher *topology.Watcher
	if cfg.TopologyFile != "" {
		watcher = topology.NewWatcher(cfg.TopologyFile, changeHandler, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Ошибка загрузки файла топологии",
				slog.String("path", cfg.TopologyFile),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	} else {
		logger.Info("RS_TOPOLOGY_FILE не задан, ожидается снимок через PUT /api/v1/topology")
	}

	// 12.1 topologymetrics - мониторинг зависимостей (PostgreSQL + placement authority)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"resilience-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.PlacementURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 13. Handlers
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), changeHandler)
	apiHandler := handlers.NewAPIHandler(messages, changeHandler, fileOps, poolOps, pools, logger)

	// 14. JWT middleware (если задан RS_JWKS_URL)
	var auth func(http.Handler) http.Handler
	if cfg.AuthEnabled() {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSURL,
			Issuer:          cfg.JWTIssuer,
			RefreshInterval: cfg.JWKSRefreshInterval,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		auth = jwtAuth.Middleware()
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("RS_JWKS_URL не задан, API доступен без аутентификации")
	}

	// 15. HTTP-сервер (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, apiHandler, healthHandler, auth)
	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// 16. Graceful shutdown фоновых задач: источники событий, потребители,
	// финальный checkpoint, исполнители
	logger.Info("Останавливаем фоновые задачи...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	watcher.Stop()
	changeHandler.Stop()
	poolOps.Stop()
	fileOps.Stop()
	checkpointer.Stop(shutdownCtx)
	for _, p := range []*executor.Pool{updateService, taskService} {
		if err := p.Stop(shutdownCtx); err != nil {
			logger.Warn("Пул исполнителей остановлен с ошибкой", slog.String("error", err.Error()))
		}
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	cancel()

	if runErr != nil {
		os.Exit(1)
	}
	logger.Info("Resilience Module остановлен")
}
