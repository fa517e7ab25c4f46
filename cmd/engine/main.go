// cmd/engine/main.go
// 拍卖估值与 flip 检测引擎 - 主入口
// 包含: Ingest + Scheduler (聚合 / 汇总 / 检测 / 清理) + API Server + Metrics
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"skyflip/internal/analyzer"
	"skyflip/internal/api"
	"skyflip/internal/config"
	"skyflip/internal/flipper"
	"skyflip/internal/gems"
	"skyflip/internal/ingest"
	"skyflip/internal/keygen"
	"skyflip/internal/model"
	"skyflip/internal/pkg/logger"
	"skyflip/internal/pkg/metrics"
	"skyflip/internal/pkg/ratelimit"
	"skyflip/internal/pkg/redisqueue"
	"skyflip/internal/publisher"
	"skyflip/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 命令行参数
	configFile := flag.String("config", "", "config file path")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	// 加载配置
	cfg, err := loadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 初始化日志
	slogger := logger.NewWithIdentity(logger.Config{Level: cfg.App.LogLevel})
	slog.SetDefault(slogger)
	metrics.InitMetrics()

	slogger.Info("starting skyflip engine", slog.String("env", cfg.App.Env))

	if err := run(cfg, slogger); err != nil {
		slogger.Error("engine stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slogger.Info("engine stopped")
}

func run(cfg *config.Config, slogger *slog.Logger) error {
	// 初始化 MySQL
	dbOpts := model.DefaultDBOptions()
	if cfg.App.LogLevel == "debug" {
		dbOpts.LogLevel = "info"
	}
	db, err := model.InitDB(&cfg.MySQL, slogger, dbOpts)
	if err != nil {
		return err
	}
	if os.Getenv("AUTO_MIGRATE") == "true" {
		if err := model.AutoMigrate(db); err != nil {
			return err
		}
		slogger.Info("database migrated")
	}

	// 初始化 Redis
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slogger.Error("Redis close error", slog.String("error", err.Error()))
		}
	}()
	slogger.Info("Redis connected", slog.String("addr", cfg.Redis.Addr))

	// 规范化查找表
	tables := keygen.DefaultTables()
	if cfg.Keygen.TablesPath != "" {
		if tables, err = keygen.LoadTables(cfg.Keygen.TablesPath); err != nil {
			return err
		}
		slogger.Info("keygen tables loaded", slog.String("path", cfg.Keygen.TablesPath))
	}
	keys := keygen.New(tables)

	// 宝石估值 (价格源 + 内存缓存)
	limiter := ratelimit.NewBucket(rdb, "skyflip:ratelimit:gems", cfg.Gems.RateLimit, cfg.Gems.RateBurst)
	feed := gems.NewHTTPFeed(cfg.Gems.FeedURL, cfg.Gems.RequestTimeout, limiter).WithRateWait(cfg.Gems.RateWait)
	gemPrices := gems.NewPriceCache(feed, cfg.Gems.CacheTTL, cfg.Gems.RequestTimeout, logger.Component(slogger, "gems")).
		WithFailureBackoff(cfg.Gems.FailureBackoff)
	valuer := gems.NewValuer(tables, gemPrices, gems.Fees{
		gems.QualityPerfect:  cfg.Gems.PerfectFee,
		gems.QualityFlawless: cfg.Gems.FlawlessFee,
	})

	// 聚合与归档
	aggregator := analyzer.NewAggregator(db, keys, valuer, cfg.Aggregator, slogger)
	archiver := analyzer.NewArchiver(db, cfg.Aggregator, cfg.Detector.DecayHorizon, slogger)

	// 检测器
	store := flipper.NewOpportunityStore(db, cfg.Aggregator.BatchSize)
	cache := flipper.NewOpportunityCache(rdb, flipper.OpportunityCacheTTL)
	deps := flipper.Deps{
		DB:        db,
		Keys:      keys,
		Valuer:    valuer,
		Store:     store,
		Cache:     cache,
		Publisher: publisher.NewStreamPublisher(rdb, cfg.Publisher),
		Log:       slogger,
	}
	standard := flipper.NewDetector(model.FlipVariantStandard, cfg.Detector, deps)
	ending := flipper.NewDetector(model.FlipVariantEnding, cfg.Detector, deps)

	// 拍卖事件接入
	queue, err := redisqueue.NewClient(rdb, cfg.Ingest.Queue)
	if err != nil {
		return err
	}
	var ingester *ingest.Ingester
	if cfg.Ingest.Enabled {
		ingester = ingest.New(db, queue, cfg.Ingest, slogger)
	}

	// 调度器
	sched := scheduler.New(rdb, cfg.Scheduler, slogger)
	for _, task := range scheduler.DefaultTasks(cfg.Scheduler, cfg.Aggregator, scheduler.Jobs{
		Aggregator: aggregator,
		Archiver:   archiver,
		Standard:   standard,
		Ending:     ending,
	}) {
		if err := sched.Register(task); err != nil {
			return err
		}
	}

	// API Server
	server := api.NewServer(api.Deps{
		DB:         db,
		Keys:       keys,
		Aggregator: aggregator,
		Store:      store,
		Cache:      cache,
		Detectors: map[model.FlipVariant]*flipper.Detector{
			model.FlipVariantStandard: standard,
			model.FlipVariantEnding:   ending,
		},
		Valuer:    valuer,
		GemPrices: gemPrices,
		Scheduler: sched,
		Ingester:  ingester,
		Queue:     queue,
	}, slogger, &api.Config{
		Addr:         cfg.App.HTTPAddr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Debug:        cfg.App.Env == "local",
		EnableCORS:   os.Getenv("ENABLE_CORS") == "true",
		AdminAPIKey:  cfg.App.AdminAPIKey,
	})

	// Metrics Server (Prometheus)
	metricsAddr := cfg.App.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = ":2112"
	}
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 创建 context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ingester != nil {
		if err := ingester.Start(ctx); err != nil {
			return err
		}
		slogger.Info("ingester started", slog.Int("workers", cfg.Ingest.Workers), slog.String("queue", cfg.Ingest.Queue))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	slogger.Info("scheduler started", slog.Any("tasks", sched.TaskNames()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slogger.Info("metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slogger.Info("shutdown signal received, stopping services...")

		// 优雅关闭
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slogger.Error("API server shutdown error", slog.String("error", err.Error()))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slogger.Error("metrics server shutdown error", slog.String("error", err.Error()))
		}

		sched.Stop()
		slogger.Info("scheduler stopped")
		if ingester != nil {
			ingester.Stop()
			slogger.Info("ingester stopped")
		}
		return nil
	})

	slogger.Info("all services started, waiting for shutdown signal...")
	return g.Wait()
}

// loadConfig 加载配置
func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	// 尝试默认路径
	for _, path := range []string{"configs/config.json", "config.json", "/etc/skyflip/config.json"} {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load("")
}

// initRedis 初始化 Redis 连接
func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           0,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	slog.Info("Redis client configured",
		slog.String("addr", cfg.Addr),
		slog.Int("pool_size", cfg.PoolSize),
		slog.Int("min_idle_conns", cfg.MinIdleConns),
		slog.Duration("dial_timeout", cfg.DialTimeout))

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
