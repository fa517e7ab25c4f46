// Package metrics 提供 Prometheus 监控指标定义和工具函数。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 接入队列相关指标
var (
	// IngestQueueDepth Redis List 队列深度
	IngestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skyflip_ingest_queue_depth",
		Help: "Current Redis list depth of the listing ingest queue",
	}, []string{"queue_name"}) // queue_name: pending, processing

	// IngestEventsTotal 接入事件总数
	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_ingest_events_total",
		Help: "Total number of listing events consumed",
	}, []string{"type", "status"}) // type: upsert, sold, expired; status: ok, ignored, failed, invalid
)

// 聚合相关指标
var (
	// AggregationWindowsTotal 聚合窗口处理次数
	AggregationWindowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_aggregation_windows_total",
		Help: "Aggregation windows processed by resolution and outcome",
	}, []string{"resolution", "status"}) // status: done, skipped, failed

	// AggregatesWrittenTotal 写入的聚合行数
	AggregatesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_aggregates_written_total",
		Help: "Price aggregate rows upserted",
	}, []string{"resolution"})

	// SalesFilteredTotal 各过滤阶段剔除的成交数
	SalesFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_sales_filtered_total",
		Help: "Sales removed before bucketing, by filter stage",
	}, []string{"stage"}) // stage: item, seller, buyer, pair, date_gate, fine_min_samples

	// CleanupRowsTotal 清理删除的行数
	CleanupRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_cleanup_rows_total",
		Help: "Rows deleted by retention cleanup",
	}, []string{"table"})
)

// Flip 检测相关指标
var (
	// DetectionCyclesTotal 检测周期次数
	DetectionCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_detection_cycles_total",
		Help: "Detection cycles by variant and outcome",
	}, []string{"variant", "status"}) // status: ok, failed, canceled

	// DetectionCycleDuration 检测周期耗时
	DetectionCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skyflip_detection_cycle_duration_seconds",
		Help:    "Detection cycle duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"variant"})

	// OpportunitiesEmittedTotal 产出的 flip 数量
	OpportunitiesEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_opportunities_emitted_total",
		Help: "Flip opportunities emitted",
	}, []string{"variant"})

	// OpportunitiesCurrent 最近一次周期的 flip 数量
	OpportunitiesCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skyflip_opportunities_current",
		Help: "Flip opportunities produced by the latest cycle",
	}, []string{"variant"})

	// CandidatesSkippedTotal 被跳过的候选数量
	CandidatesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_candidates_skipped_total",
		Help: "Candidate listings skipped during scoring",
	}, []string{"variant", "reason"}) // reason: denied, no_aggregate, below_margin, error
)

// 宝石价格源相关指标
var (
	// GemFeedRequestsTotal 价格源请求次数
	GemFeedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_gem_feed_requests_total",
		Help: "Component price feed refreshes by outcome",
	}, []string{"status"}) // status: ok, failed, throttled

	// GemFeedRefreshDuration 价格源刷新耗时
	GemFeedRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skyflip_gem_feed_refresh_duration_seconds",
		Help:    "Component price feed refresh latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

// 调度器相关指标
var (
	// SchedulerTaskRunsTotal 任务执行次数
	SchedulerTaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_scheduler_task_runs_total",
		Help: "Scheduled task runs by outcome",
	}, []string{"task", "status"}) // status: ok, failed, canceled, skipped, panic

	// SchedulerTaskDuration 任务耗时
	SchedulerTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skyflip_scheduler_task_duration_seconds",
		Help:    "Scheduled task duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"task"})
)

// 广播相关指标
var (
	// PublishedMessagesTotal 发布到 stream 的消息数
	PublishedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_published_messages_total",
		Help: "Messages published to broadcast streams",
	}, []string{"stream", "status"})
)

// HTTP API 相关指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyflip_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration HTTP 请求耗时分布
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skyflip_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"method", "path"})
)

// 系统指标
var (
	// ServiceStartTime 服务启动时间（Unix timestamp）
	ServiceStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skyflip_service_start_time_seconds",
		Help: "Unix time the engine process started",
	})
)

// InitMetrics 初始化指标（设置静态值）
func InitMetrics() {
	ServiceStartTime.Set(float64(time.Now().Unix()))
}
