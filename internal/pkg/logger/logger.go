package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config 日志配置。
type Config struct {
	Level  string    // 日志级别: debug, info, warn, error
	Output io.Writer // 输出目标，默认 stdout
}

// New 创建一个新的结构化日志记录器。
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: utcTime,
	})

	return slog.New(handler)
}

// NewWithIdentity creates a logger tagged with hostname and worker_id so
// that lines from several engine replicas can be told apart.
func NewWithIdentity(cfg Config) *slog.Logger {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	workerID := strings.TrimSpace(os.Getenv("WORKER_ID"))
	if workerID == "" {
		workerID = host
	}
	return New(cfg).With(
		slog.String("hostname", host),
		slog.String("worker_id", workerID),
	)
}

// Component 返回带 component 字段的子日志记录器，nil 时回退到默认记录器。
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.String("component", name))
}

// parseLevel 解析日志级别字符串。
func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// utcTime 统一以 UTC RFC3339 输出时间。
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
	}
	return a
}
