package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置
type Config struct {
	App        AppConfig        `json:"app"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Detector   DetectorConfig   `json:"detector"`
	Gems       GemsConfig       `json:"gems"`
	Ingest     IngestConfig     `json:"ingest"`
	Publisher  PublisherConfig  `json:"publisher"`
	Keygen     KeygenConfig     `json:"keygen"`
	MySQL      MySQLConfig      `json:"mysql"`
	Redis      RedisConfig      `json:"redis"`
}

// AppConfig 应用程序基础配置
type AppConfig struct {
	Env         string `json:"env"`           // 运行环境: local / prod
	LogLevel    string `json:"log_level"`     // 日志级别: debug / info / warn / error
	HTTPAddr    string `json:"http_addr"`     // API 服务监听地址
	MetricsAddr string `json:"metrics_addr"`  // Prometheus 指标监听地址
	AdminAPIKey string `json:"admin_api_key"` // Admin API Key (空则不启用认证)
}

// SchedulerConfig 周期任务调度配置
type SchedulerConfig struct {
	AggregateFineInterval   time.Duration `json:"aggregate_fine_interval"`   // 细粒度聚合间隔 (默认 1m)
	AggregateHourlyInterval time.Duration `json:"aggregate_hourly_interval"` // 小时聚合间隔 (默认 5m)
	RollupDailyInterval     time.Duration `json:"rollup_daily_interval"`     // 日汇总间隔 (默认 30m)
	DetectStandardInterval  time.Duration `json:"detect_standard_interval"`  // 标准检测间隔 (默认 30s)
	DetectEndingInterval    time.Duration `json:"detect_ending_interval"`    // 即将结束检测间隔 (默认 10s)
	CleanupInterval         time.Duration `json:"cleanup_interval"`          // 清理间隔 (默认 1h)
	TaskTimeout             time.Duration `json:"task_timeout"`              // 单次任务超时 (默认 5m)
	LeaseEnabled            bool          `json:"lease_enabled"`             // 多副本时启用 Redis 租约
	LeaseTTL                time.Duration `json:"lease_ttl"`                 // 租约有效期 (默认 2m)
}

// AggregatorConfig 价格聚合配置
type AggregatorConfig struct {
	FineWindow       time.Duration `json:"fine_window"`       // 细粒度窗口宽度 (默认 5m)
	FineMinSamples   int           `json:"fine_min_samples"`  // 细粒度窗口最小样本数 (默认 5)
	SettleDelay      time.Duration `json:"settle_delay"`      // 窗口结束后等待成交落库的时间 (默认 1m)
	CatchUpLookback  time.Duration `json:"catch_up_lookback"` // 补跑回溯范围 (默认 6h)
	BatchSize        int           `json:"batch_size"`        // 批量写入大小 (默认 100)
	FineRetention    time.Duration `json:"fine_retention"`    // 细粒度保留时间 (默认 24h)
	HourlyRetention  time.Duration `json:"hourly_retention"`  // 小时数据保留时间 (默认 7d)
	ListingRetention time.Duration `json:"listing_retention"` // 拍卖记录保留时间 (默认 14d)
}

// DetectorConfig Flip 检测配置
type DetectorConfig struct {
	MinSamples          int           `json:"min_samples"`            // 聚合最小样本数 (默认 5)
	MinMargin           float64       `json:"min_margin"`             // 标准检测最小利润率 (默认 0.05)
	EndingMinMargin     float64       `json:"ending_min_margin"`      // 即将结束检测最小利润率 (默认 0.03)
	EndingWindow        time.Duration `json:"ending_window"`          // 即将结束的时间窗口 (默认 2m)
	CompetitionFactor   float64       `json:"competition_factor"`     // 竞价溢价系数 (默认 1.1)
	DecayFactor         float64       `json:"decay_factor"`           // 曝光衰减系数 (默认 1.05)
	HitCap              int           `json:"hit_cap"`                // 衰减次数上限 (默认 20)
	DecayHorizon        time.Duration `json:"decay_horizon"`          // 曝光计数有效期 (默认 6h)
	LowValueThreshold   int64         `json:"low_value_threshold"`    // 低价值物品阈值 (默认 500000)
	LowValueExtraMargin float64       `json:"low_value_extra_margin"` // 低价值物品额外利润率 (默认 0.05)
	StackPenalty        float64       `json:"stack_penalty"`          // 堆叠惩罚系数 (默认 0.95)
	BinOnly             bool          `json:"bin_only"`               // 标准检测仅考虑一口价
	BatchSize           int           `json:"batch_size"`             // 候选批次大小 (默认 500)
	FineLookback        time.Duration `json:"fine_lookback"`          // 细粒度查询回溯 (默认 1h)
	HourlyLookback      time.Duration `json:"hourly_lookback"`        // 小时查询回溯 (默认 24h)
	DailyLookback       time.Duration `json:"daily_lookback"`         // 日查询回溯 (默认 7d)
}

// GemsConfig 宝石估值配置
type GemsConfig struct {
	FeedURL        string        `json:"feed_url"`        // 价格源地址
	CacheTTL       time.Duration `json:"cache_ttl"`       // 价格缓存 TTL (默认 5m)
	RequestTimeout time.Duration `json:"request_timeout"` // 请求超时 (默认 10s)
	PerfectFee     int64         `json:"perfect_fee"`     // PERFECT 手续费 (默认 500000)
	FlawlessFee    int64         `json:"flawless_fee"`    // FLAWLESS 手续费 (默认 100000)
	RateLimit      int           `json:"rate_limit"`      // 价格源限流 (token/s)
	RateBurst      int           `json:"rate_burst"`      // 限流桶容量
	RateWait       time.Duration `json:"rate_wait"`       // 限流时最长等待 (默认 2s)
	FailureBackoff time.Duration `json:"failure_backoff"` // 刷新失败后暂停重试 (默认 30s)
}

// IngestConfig 拍卖事件接入配置
type IngestConfig struct {
	Enabled    bool          `json:"enabled"`     // 是否启动接入 worker
	Queue      string        `json:"queue"`       // Redis 队列名
	Workers    int           `json:"workers"`     // worker 数量 (默认 4)
	PopTimeout time.Duration `json:"pop_timeout"` // 阻塞读取超时 (默认 5s)
}

// PublisherConfig 广播配置
type PublisherConfig struct {
	StandardStream string `json:"standard_stream"` // 标准 flip 集合 stream
	EndingStream   string `json:"ending_stream"`   // 即将结束 flip stream
	MaxLen         int64  `json:"max_len"`         // stream 最大长度 (近似裁剪)
}

// KeygenConfig 规范化查找表配置
type KeygenConfig struct {
	TablesPath string `json:"tables_path"` // 外部 YAML 查找表路径 (空则使用内置表)
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	Addr         string        `json:"addr"`           // Redis 地址 (host:port)
	Password     string        `json:"password"`       // Redis 密码
	PoolSize     int           `json:"pool_size"`      // 连接池大小 (默认 10)
	MinIdleConns int           `json:"min_idle_conns"` // 最小空闲连接数 (默认 2)
	DialTimeout  time.Duration `json:"dial_timeout"`   // 连接超时 (默认 5s)
	ReadTimeout  time.Duration `json:"read_timeout"`   // 读取超时 (默认 3s)
	WriteTimeout time.Duration `json:"write_timeout"`  // 写入超时 (默认 3s)
}

// Load 从 JSON 文件加载配置
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			HTTPAddr:    ":8080",
			MetricsAddr: ":2112",
		},
		Scheduler: SchedulerConfig{
			AggregateFineInterval:   1 * time.Minute,
			AggregateHourlyInterval: 5 * time.Minute,
			RollupDailyInterval:     30 * time.Minute,
			DetectStandardInterval:  30 * time.Second,
			DetectEndingInterval:    10 * time.Second,
			CleanupInterval:         1 * time.Hour,
			TaskTimeout:             5 * time.Minute,
			LeaseEnabled:            false,
			LeaseTTL:                2 * time.Minute,
		},
		Aggregator: AggregatorConfig{
			FineWindow:       5 * time.Minute,
			FineMinSamples:   5,
			SettleDelay:      1 * time.Minute,
			CatchUpLookback:  6 * time.Hour,
			BatchSize:        100,
			FineRetention:    24 * time.Hour,
			HourlyRetention:  7 * 24 * time.Hour,
			ListingRetention: 14 * 24 * time.Hour,
		},
		Detector: DetectorConfig{
			MinSamples:          5,
			MinMargin:           0.05,
			EndingMinMargin:     0.03,
			EndingWindow:        2 * time.Minute,
			CompetitionFactor:   1.1,
			DecayFactor:         1.05,
			HitCap:              20,
			DecayHorizon:        6 * time.Hour,
			LowValueThreshold:   500_000,
			LowValueExtraMargin: 0.05,
			StackPenalty:        0.95,
			BinOnly:             true,
			BatchSize:           500,
			FineLookback:        1 * time.Hour,
			HourlyLookback:      24 * time.Hour,
			DailyLookback:       7 * 24 * time.Hour,
		},
		Gems: GemsConfig{
			FeedURL:        "https://api.hypixel.net/v2/skyblock/bazaar",
			CacheTTL:       5 * time.Minute,
			RequestTimeout: 10 * time.Second,
			PerfectFee:     500_000,
			FlawlessFee:    100_000,
			RateLimit:      1,
			RateBurst:      2,
			RateWait:       2 * time.Second,
			FailureBackoff: 30 * time.Second,
		},
		Ingest: IngestConfig{
			Enabled:    true,
			Queue:      "skyflip:listings",
			Workers:    4,
			PopTimeout: 5 * time.Second,
		},
		Publisher: PublisherConfig{
			StandardStream: "flips.standard",
			EndingStream:   "flips.ending",
			MaxLen:         1000,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/skyflip?parseTime=true&loc=UTC",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Password:     "",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	// App
	setString(&cfg.App.Env, defaults.App.Env)
	setString(&cfg.App.LogLevel, defaults.App.LogLevel)
	setString(&cfg.App.HTTPAddr, defaults.App.HTTPAddr)
	setString(&cfg.App.MetricsAddr, defaults.App.MetricsAddr)

	// Scheduler (LeaseEnabled 使用零值即可)
	setDuration(&cfg.Scheduler.AggregateFineInterval, defaults.Scheduler.AggregateFineInterval)
	setDuration(&cfg.Scheduler.AggregateHourlyInterval, defaults.Scheduler.AggregateHourlyInterval)
	setDuration(&cfg.Scheduler.RollupDailyInterval, defaults.Scheduler.RollupDailyInterval)
	setDuration(&cfg.Scheduler.DetectStandardInterval, defaults.Scheduler.DetectStandardInterval)
	setDuration(&cfg.Scheduler.DetectEndingInterval, defaults.Scheduler.DetectEndingInterval)
	setDuration(&cfg.Scheduler.CleanupInterval, defaults.Scheduler.CleanupInterval)
	setDuration(&cfg.Scheduler.TaskTimeout, defaults.Scheduler.TaskTimeout)
	setDuration(&cfg.Scheduler.LeaseTTL, defaults.Scheduler.LeaseTTL)

	// Aggregator
	setDuration(&cfg.Aggregator.FineWindow, defaults.Aggregator.FineWindow)
	setInt(&cfg.Aggregator.FineMinSamples, defaults.Aggregator.FineMinSamples)
	setDuration(&cfg.Aggregator.SettleDelay, defaults.Aggregator.SettleDelay)
	setDuration(&cfg.Aggregator.CatchUpLookback, defaults.Aggregator.CatchUpLookback)
	setInt(&cfg.Aggregator.BatchSize, defaults.Aggregator.BatchSize)
	setDuration(&cfg.Aggregator.FineRetention, defaults.Aggregator.FineRetention)
	setDuration(&cfg.Aggregator.HourlyRetention, defaults.Aggregator.HourlyRetention)
	setDuration(&cfg.Aggregator.ListingRetention, defaults.Aggregator.ListingRetention)

	// Detector (BinOnly 零值为 false，由配置文件显式决定)
	setInt(&cfg.Detector.MinSamples, defaults.Detector.MinSamples)
	setFloat(&cfg.Detector.MinMargin, defaults.Detector.MinMargin)
	setFloat(&cfg.Detector.EndingMinMargin, defaults.Detector.EndingMinMargin)
	setDuration(&cfg.Detector.EndingWindow, defaults.Detector.EndingWindow)
	setFloat(&cfg.Detector.CompetitionFactor, defaults.Detector.CompetitionFactor)
	setFloat(&cfg.Detector.DecayFactor, defaults.Detector.DecayFactor)
	setInt(&cfg.Detector.HitCap, defaults.Detector.HitCap)
	setDuration(&cfg.Detector.DecayHorizon, defaults.Detector.DecayHorizon)
	if cfg.Detector.LowValueThreshold == 0 {
		cfg.Detector.LowValueThreshold = defaults.Detector.LowValueThreshold
	}
	setFloat(&cfg.Detector.LowValueExtraMargin, defaults.Detector.LowValueExtraMargin)
	setFloat(&cfg.Detector.StackPenalty, defaults.Detector.StackPenalty)
	setInt(&cfg.Detector.BatchSize, defaults.Detector.BatchSize)
	setDuration(&cfg.Detector.FineLookback, defaults.Detector.FineLookback)
	setDuration(&cfg.Detector.HourlyLookback, defaults.Detector.HourlyLookback)
	setDuration(&cfg.Detector.DailyLookback, defaults.Detector.DailyLookback)

	// Gems
	setString(&cfg.Gems.FeedURL, defaults.Gems.FeedURL)
	setDuration(&cfg.Gems.CacheTTL, defaults.Gems.CacheTTL)
	setDuration(&cfg.Gems.RequestTimeout, defaults.Gems.RequestTimeout)
	if cfg.Gems.PerfectFee == 0 {
		cfg.Gems.PerfectFee = defaults.Gems.PerfectFee
	}
	if cfg.Gems.FlawlessFee == 0 {
		cfg.Gems.FlawlessFee = defaults.Gems.FlawlessFee
	}
	setInt(&cfg.Gems.RateLimit, defaults.Gems.RateLimit)
	setInt(&cfg.Gems.RateBurst, defaults.Gems.RateBurst)
	setDuration(&cfg.Gems.RateWait, defaults.Gems.RateWait)
	setDuration(&cfg.Gems.FailureBackoff, defaults.Gems.FailureBackoff)

	// Ingest
	setString(&cfg.Ingest.Queue, defaults.Ingest.Queue)
	setInt(&cfg.Ingest.Workers, defaults.Ingest.Workers)
	setDuration(&cfg.Ingest.PopTimeout, defaults.Ingest.PopTimeout)

	// Publisher
	setString(&cfg.Publisher.StandardStream, defaults.Publisher.StandardStream)
	setString(&cfg.Publisher.EndingStream, defaults.Publisher.EndingStream)
	if cfg.Publisher.MaxLen == 0 {
		cfg.Publisher.MaxLen = defaults.Publisher.MaxLen
	}

	// MySQL / Redis
	setString(&cfg.MySQL.DSN, defaults.MySQL.DSN)
	setString(&cfg.Redis.Addr, defaults.Redis.Addr)
	setInt(&cfg.Redis.PoolSize, defaults.Redis.PoolSize)
	setInt(&cfg.Redis.MinIdleConns, defaults.Redis.MinIdleConns)
	setDuration(&cfg.Redis.DialTimeout, defaults.Redis.DialTimeout)
	setDuration(&cfg.Redis.ReadTimeout, defaults.Redis.ReadTimeout)
	setDuration(&cfg.Redis.WriteTimeout, defaults.Redis.WriteTimeout)
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	// App
	envString("APP_ENV", &cfg.App.Env)
	envString("APP_LOG_LEVEL", &cfg.App.LogLevel)
	envString("APP_HTTP_ADDR", &cfg.App.HTTPAddr)
	envString("APP_METRICS_ADDR", &cfg.App.MetricsAddr)
	envString("ADMIN_API_KEY", &cfg.App.AdminAPIKey)

	// Scheduler
	envDuration("SCHEDULER_AGGREGATE_FINE_INTERVAL", &cfg.Scheduler.AggregateFineInterval)
	envDuration("SCHEDULER_AGGREGATE_HOURLY_INTERVAL", &cfg.Scheduler.AggregateHourlyInterval)
	envDuration("SCHEDULER_ROLLUP_DAILY_INTERVAL", &cfg.Scheduler.RollupDailyInterval)
	envDuration("SCHEDULER_DETECT_STANDARD_INTERVAL", &cfg.Scheduler.DetectStandardInterval)
	envDuration("SCHEDULER_DETECT_ENDING_INTERVAL", &cfg.Scheduler.DetectEndingInterval)
	envDuration("SCHEDULER_CLEANUP_INTERVAL", &cfg.Scheduler.CleanupInterval)
	envDuration("SCHEDULER_TASK_TIMEOUT", &cfg.Scheduler.TaskTimeout)
	envBool("SCHEDULER_LEASE_ENABLED", &cfg.Scheduler.LeaseEnabled)
	envDuration("SCHEDULER_LEASE_TTL", &cfg.Scheduler.LeaseTTL)

	// Aggregator
	envDuration("AGGREGATOR_FINE_WINDOW", &cfg.Aggregator.FineWindow)
	envInt("AGGREGATOR_FINE_MIN_SAMPLES", &cfg.Aggregator.FineMinSamples)
	envDuration("AGGREGATOR_SETTLE_DELAY", &cfg.Aggregator.SettleDelay)
	envDuration("AGGREGATOR_CATCH_UP_LOOKBACK", &cfg.Aggregator.CatchUpLookback)
	envDuration("AGGREGATOR_LISTING_RETENTION", &cfg.Aggregator.ListingRetention)

	// Detector
	envInt("DETECTOR_MIN_SAMPLES", &cfg.Detector.MinSamples)
	envFloat("DETECTOR_MIN_MARGIN", &cfg.Detector.MinMargin)
	envFloat("DETECTOR_ENDING_MIN_MARGIN", &cfg.Detector.EndingMinMargin)
	envDuration("DETECTOR_ENDING_WINDOW", &cfg.Detector.EndingWindow)
	envFloat("DETECTOR_DECAY_FACTOR", &cfg.Detector.DecayFactor)
	envInt("DETECTOR_HIT_CAP", &cfg.Detector.HitCap)
	envDuration("DETECTOR_DECAY_HORIZON", &cfg.Detector.DecayHorizon)
	envBool("DETECTOR_BIN_ONLY", &cfg.Detector.BinOnly)

	// Gems
	envString("GEMS_FEED_URL", &cfg.Gems.FeedURL)
	envDuration("GEMS_CACHE_TTL", &cfg.Gems.CacheTTL)
	envDuration("GEMS_FAILURE_BACKOFF", &cfg.Gems.FailureBackoff)

	// Ingest
	envBool("INGEST_ENABLED", &cfg.Ingest.Enabled)
	envString("INGEST_QUEUE", &cfg.Ingest.Queue)
	envInt("INGEST_WORKERS", &cfg.Ingest.Workers)

	envString("KEYGEN_TABLES_PATH", &cfg.Keygen.TablesPath)

	// MySQL
	if v := viper.GetString("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") {
		cfg.MySQL.DSN = buildMySQLDSN(cfg.MySQL.DSN)
	}

	// Redis
	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	envInt("REDIS_MIN_IDLE_CONNS", &cfg.Redis.MinIdleConns)
	envDuration("REDIS_DIAL_TIMEOUT", &cfg.Redis.DialTimeout)
	envDuration("REDIS_READ_TIMEOUT", &cfg.Redis.ReadTimeout)
	envDuration("REDIS_WRITE_TIMEOUT", &cfg.Redis.WriteTimeout)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func envString(key string, dst *string) {
	if v := viper.GetString(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := viper.GetString(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := viper.GetString(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := viper.GetString(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := viper.GetString(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func buildMySQLDSN(fallbackDSN string) string {
	parsed, err := mysql.ParseDSN(fallbackDSN)
	if err != nil {
		parsed = &mysql.Config{
			User:   "root",
			Passwd: "",
			Net:    "tcp",
			Addr:   "localhost:3306",
			DBName: "skyflip",
			Params: map[string]string{
				"parseTime": "true",
				"loc":       "UTC",
			},
		}
	}

	if v := os.Getenv("DB_HOST"); v != "" {
		port := "3306"
		if p := os.Getenv("DB_PORT"); p != "" {
			port = p
		} else if strings.Contains(parsed.Addr, ":") {
			parts := strings.Split(parsed.Addr, ":")
			if len(parts) == 2 {
				port = parts[1]
			}
		}
		parsed.Addr = v + ":" + port
	}
	if v := os.Getenv("DB_USER"); v != "" {
		parsed.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		parsed.Passwd = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		parsed.DBName = v
	}

	return parsed.FormatDSN()
}

// LookbackFor 返回指定分辨率在检测时允许的回溯范围
func (c *DetectorConfig) LookbackFor(resolution string) time.Duration {
	switch resolution {
	case "fine":
		return c.FineLookback
	case "hourly":
		return c.HourlyLookback
	default:
		return c.DailyLookback
	}
}
