// internal/api/system_handler.go
// 系统状态 API
package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"skyflip/internal/gems"
	"skyflip/internal/ingest"
	"skyflip/internal/model"
	"skyflip/internal/pkg/redisqueue"
	"skyflip/internal/scheduler"
)

// ============================================================================
// 系统状态
// ============================================================================

// SystemStatusResponse 系统状态响应
type SystemStatusResponse struct {
	Status    string                `json:"status"`
	Timestamp string                `json:"timestamp"`
	Database  DatabaseStatus        `json:"database"`
	Scheduler *SchedulerStatusBrief `json:"scheduler,omitempty"`
	Ingest    *IngestStatus         `json:"ingest,omitempty"`
	GemPrices *gems.Snapshot        `json:"gem_prices,omitempty"`
}

// DatabaseStatus 数据库状态
type DatabaseStatus struct {
	Connected      bool       `json:"connected"`
	ActiveListings int64      `json:"active_listings"`
	Opportunities  int64      `json:"opportunities"`
	LastHourly     *time.Time `json:"last_hourly_window,omitempty"`
}

// SchedulerStatusBrief 调度器简要状态
type SchedulerStatusBrief struct {
	Running  bool  `json:"running"`
	Tasks    int   `json:"tasks"`
	Failures int64 `json:"failures"`
}

// IngestStatus 接入状态
type IngestStatus struct {
	Running bool              `json:"running"`
	Stats   ingest.Stats      `json:"stats"`
	Queue   *redisqueue.Stats `json:"queue,omitempty"`
}

// getSystemStatus 获取系统状态
// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	ctx := c.Request.Context()
	resp := SystemStatusResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
	}

	// 数据库状态
	db := s.deps.DB.WithContext(ctx)
	dbConnected := true
	var active int64
	if err := db.Model(&model.Listing{}).Where("status = ?", model.ListingStatusActive).Count(&active).Error; err != nil {
		dbConnected = false
		resp.Status = "degraded"
	}
	resp.Database = DatabaseStatus{Connected: dbConnected, ActiveListings: active}
	if dbConnected {
		db.Model(&model.FlipOpportunity{}).Count(&resp.Database.Opportunities)

		var last model.AggregationWindow
		if err := db.Where("resolution = ?", model.ResolutionHourly).
			Order("window_start DESC").Limit(1).Find(&last).Error; err == nil && last.ID != 0 {
			resp.Database.LastHourly = &last.WindowStart
		}
	}

	// Scheduler 状态
	if s.deps.Scheduler != nil {
		brief := &SchedulerStatusBrief{Running: s.deps.Scheduler.IsRunning()}
		for _, st := range s.deps.Scheduler.Stats() {
			brief.Tasks++
			brief.Failures += st.Failures
		}
		resp.Scheduler = brief
	}

	// Ingest 状态
	if s.deps.Ingester != nil {
		status := &IngestStatus{
			Running: s.deps.Ingester.IsRunning(),
			Stats:   s.deps.Ingester.Stats(),
		}
		if s.deps.Queue != nil {
			if q, err := s.deps.Queue.Depth(ctx); err == nil {
				status.Queue = q
			}
		}
		resp.Ingest = status
	}

	// 宝石价格缓存
	if s.deps.GemPrices != nil {
		snap := s.deps.GemPrices.Snapshot()
		resp.GemPrices = &snap
	}

	success(c, resp)
}

// ============================================================================
// 调度器详情
// ============================================================================

// getSchedulerStatus 获取调度器详细状态
// GET /api/v1/system/scheduler
func (s *Server) getSchedulerStatus(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "scheduler not available")
		return
	}

	success(c, gin.H{
		"running": s.deps.Scheduler.IsRunning(),
		"tasks":   s.deps.Scheduler.Stats(),
	})
}

// triggerTask 手动触发任务
// POST /api/v1/admin/tasks/:name/trigger
func (s *Server) triggerTask(c *gin.Context) {
	if s.deps.Scheduler == nil {
		unavailable(c, "scheduler not available")
		return
	}
	name := c.Param("name")
	err := s.deps.Scheduler.TriggerNow(name)
	switch {
	case err == nil:
		s.logger.Info("task triggered via API", "task", name)
		success(c, gin.H{"task": name, "triggered": true})
	case errors.Is(err, scheduler.ErrUnknownTask):
		notFound(c, err.Error())
	case errors.Is(err, scheduler.ErrTaskRunning):
		conflict(c, err.Error())
	default:
		internalError(c, err.Error())
	}
}

// invalidateCaches 清空机会列表缓存与宝石价格缓存
// POST /api/v1/admin/cache/invalidate
func (s *Server) invalidateCaches(c *gin.Context) {
	if err := s.deps.Cache.InvalidateAll(c.Request.Context()); err != nil {
		internalError(c, "invalidate opportunity cache failed")
		return
	}
	if s.deps.GemPrices != nil {
		s.deps.GemPrices.Invalidate()
	}
	success(c, gin.H{"invalidated": true})
}
