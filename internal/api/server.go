// internal/api/server.go
// HTTP API Server - 使用 Gin 框架
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"skyflip/internal/analyzer"
	"skyflip/internal/flipper"
	"skyflip/internal/gems"
	"skyflip/internal/ingest"
	"skyflip/internal/keygen"
	"skyflip/internal/model"
	"skyflip/internal/pkg/metrics"
	"skyflip/internal/pkg/redisqueue"
	"skyflip/internal/scheduler"
)

// Deps API 依赖的组件，除 DB 与 Keys 外均可为 nil
type Deps struct {
	DB         *gorm.DB
	Keys       *keygen.Canonicalizer
	Aggregator *analyzer.Aggregator
	Store      *flipper.OpportunityStore
	Cache      *flipper.OpportunityCache
	Detectors  map[model.FlipVariant]*flipper.Detector
	Valuer     flipper.ComponentValuer
	GemPrices  *gems.PriceCache
	Scheduler  *scheduler.Scheduler
	Ingester   *ingest.Ingester
	Queue      *redisqueue.Client
}

// Server HTTP API 服务器
type Server struct {
	router      *gin.Engine
	deps        Deps
	logger      *slog.Logger
	server      *http.Server
	adminAPIKey string
}

// Config 服务器配置
type Config struct {
	Addr         string        // 监听地址 (如 ":8080")
	ReadTimeout  time.Duration // 读取超时
	WriteTimeout time.Duration // 写入超时
	Debug        bool          // 调试模式
	EnableCORS   bool          // 启用 CORS (开发模式)
	AdminAPIKey  string        // Admin API Key (空则不启用认证)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer 创建 API 服务器
func NewServer(deps Deps, logger *slog.Logger, cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil && deps.DB != nil {
		deps.Store = flipper.NewOpportunityStore(deps.DB, 100)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// CORS 中间件 (开发模式)
	if cfg.EnableCORS {
		router.Use(corsMiddleware())
	}

	s := &Server{
		router:      router,
		deps:        deps,
		logger:      logger,
		adminAPIKey: cfg.AdminAPIKey,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 健康检查
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// 低价机会与价格
		v1.GET("/flips", s.listFlips)
		v1.GET("/prices", s.getPrices)
		v1.POST("/key", s.previewKey)

		// 系统
		system := v1.Group("/system")
		{
			system.GET("/status", s.getSystemStatus)
			system.GET("/scheduler", s.getSchedulerStatus)
		}

		// 管理 (需要 API Key 认证)
		admin := v1.Group("/admin")
		admin.Use(s.apiKeyMiddleware())
		{
			admin.POST("/tasks/:name/trigger", s.triggerTask)
			admin.POST("/cache/invalidate", s.invalidateCaches)
		}
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting API server", slog.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router 获取路由器（用于测试）
func (s *Server) Router() *gin.Engine {
	return s.router
}

// requestLogger 请求日志中间件，同时记录 HTTP 指标
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
		)
	}
}

// corsMiddleware CORS 中间件 (允许所有来源)
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// apiKeyMiddleware 管理接口认证，比较使用常量时间
// adminAPIKey 为空时不启用认证 (本地开发)
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	want := []byte(s.adminAPIKey)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}

		got := c.GetHeader("X-API-Key")
		switch {
		case got == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Code: 401, Message: "missing API key"})
		case subtle.ConstantTimeCompare([]byte(got), want) != 1:
			s.logger.Warn("admin request rejected", slog.String("path", c.FullPath()), slog.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Code: 401, Message: "invalid API key"})
		default:
			c.Next()
		}
	}
}

// healthCheck 存活检查，数据库不可达时返回 503
func (s *Server) healthCheck(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if sqlDB, err := s.deps.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ============================================================================
// Response 工具函数
// ============================================================================

// Response 统一响应格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// success 成功响应
func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// errorResponse 错误响应
func errorResponse(c *gin.Context, status int, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

// badRequest 400 错误
func badRequest(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, 400, message)
}

// notFound 404 错误
func notFound(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, 404, message)
}

// conflict 409 错误
func conflict(c *gin.Context, message string) {
	errorResponse(c, http.StatusConflict, 409, message)
}

// internalError 500 错误
func internalError(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, 500, message)
}

// unavailable 503 错误
func unavailable(c *gin.Context, message string) {
	errorResponse(c, http.StatusServiceUnavailable, 503, message)
}
