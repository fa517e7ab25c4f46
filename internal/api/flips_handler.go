// internal/api/flips_handler.go
// 低价机会、价格聚合与 key 预览 API
package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"skyflip/internal/flipper"
	"skyflip/internal/model"
)

// flipsCacheLimit 缓存完整集合的上限，请求的 limit 在其上截取
const flipsCacheLimit = 500

// FlipsQuery 机会列表查询参数
type FlipsQuery struct {
	Variant string `form:"variant"`
	Limit   int    `form:"limit"`
}

// listFlips 当前低价机会
// GET /api/v1/flips?variant=standard&limit=50
// 优先从 Redis 缓存读取，缓存 miss 时查询数据库
func (s *Server) listFlips(c *gin.Context) {
	var query FlipsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err.Error())
		return
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > flipsCacheLimit {
		query.Limit = flipsCacheLimit
	}

	variant := model.FlipVariant(query.Variant)
	if variant == "" {
		variant = model.FlipVariantStandard
	}
	switch variant {
	case model.FlipVariantStandard:
	case model.FlipVariantEnding:
		badRequest(c, "ending opportunities are only broadcast, subscribe to the stream")
		return
	default:
		badRequest(c, "unknown variant")
		return
	}

	ctx := c.Request.Context()

	// 1. 尝试从 Redis 缓存读取
	cached, ok, err := s.deps.Cache.Get(ctx, variant)
	if err != nil {
		s.logger.Warn("read opportunity cache failed", "error", err.Error())
	}
	if ok {
		items := cached.Opportunities
		if len(items) > query.Limit {
			items = items[:query.Limit]
		}
		success(c, gin.H{
			"variant":    variant,
			"items":      items,
			"count":      len(items),
			"total":      len(cached.Opportunities),
			"from_cache": true,
			"cached_at":  cached.CachedAt,
		})
		return
	}

	// 2. 缓存 miss，查询数据库 (取缓存上限以便缓存完整数据)
	opps, err := s.deps.Store.List(ctx, variant, flipsCacheLimit)
	if err != nil {
		internalError(c, "list opportunities failed")
		return
	}
	if err := s.deps.Cache.Set(ctx, variant, opps); err != nil {
		s.logger.Warn("write opportunity cache failed", "error", err.Error())
	}

	items := opps
	if len(items) > query.Limit {
		items = items[:query.Limit]
	}
	if items == nil {
		items = []model.FlipOpportunity{}
	}
	success(c, gin.H{
		"variant":    variant,
		"items":      items,
		"count":      len(items),
		"total":      len(opps),
		"from_cache": false,
	})
}

// PricesQuery 价格聚合查询参数
type PricesQuery struct {
	Key        string `form:"key"`
	Tag        string `form:"tag"`
	Resolution string `form:"resolution"`
	Hours      int    `form:"hours"`
	Limit      int    `form:"limit"`
}

// getPrices 价格聚合历史
// GET /api/v1/prices?key=...&resolution=hourly&hours=24
// GET /api/v1/prices?tag=HYPERION&resolution=daily&hours=168
func (s *Server) getPrices(c *gin.Context) {
	if s.deps.Aggregator == nil {
		unavailable(c, "aggregator not available")
		return
	}
	var query PricesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err.Error())
		return
	}
	if query.Key == "" && query.Tag == "" {
		badRequest(c, "key or tag is required")
		return
	}

	res := model.Resolution(query.Resolution)
	if res == "" {
		res = model.ResolutionHourly
	}
	if !res.Valid() {
		badRequest(c, "invalid resolution")
		return
	}
	if query.Hours <= 0 {
		query.Hours = 24
	}
	if query.Hours > 24*90 {
		query.Hours = 24 * 90
	}
	if query.Limit <= 0 || query.Limit > 1000 {
		query.Limit = 1000
	}
	since := time.Now().UTC().Truncate(time.Second).Add(-time.Duration(query.Hours) * time.Hour)

	ctx := c.Request.Context()
	var (
		rows []model.PriceAggregate
		err  error
	)
	if query.Key != "" {
		rows, err = s.deps.Aggregator.GetAggregates(ctx, query.Key, res, since, query.Limit)
	} else {
		rows, err = s.deps.Aggregator.GetAggregatesByTag(ctx, query.Tag, res, since, query.Limit)
	}
	if err != nil {
		internalError(c, "get aggregates failed")
		return
	}
	if rows == nil {
		rows = []model.PriceAggregate{}
	}

	success(c, gin.H{
		"key":        query.Key,
		"tag":        query.Tag,
		"resolution": res,
		"since":      since.Format(time.RFC3339),
		"items":      rows,
		"count":      len(rows),
	})
}

// KeyPreviewResponse key 预览响应
type KeyPreviewResponse struct {
	Key            string             `json:"key"`
	BaseKey        string             `json:"base_key"`
	Denied         bool               `json:"denied"`
	GemValue       int64              `json:"gem_value"`
	GemBreakdown   string             `json:"gem_breakdown,omitempty"`
	Appraisal      *flipper.Appraisal `json:"appraisal,omitempty"`
	AppraisalError string             `json:"appraisal_error,omitempty"`
	Variant        model.FlipVariant  `json:"variant,omitempty"`
}

// previewKey 计算一条拍卖的等价类 key，并按当前聚合估价
// POST /api/v1/key?variant=standard  body: Listing JSON
func (s *Server) previewKey(c *gin.Context) {
	var l model.Listing
	if err := c.ShouldBindJSON(&l); err != nil {
		badRequest(c, err.Error())
		return
	}
	if l.Tag == "" && l.ItemName == "" {
		badRequest(c, "tag or item_name is required")
		return
	}
	if l.Count <= 0 {
		l.Count = 1
	}

	resp := KeyPreviewResponse{
		Key:     s.deps.Keys.Key(&l),
		BaseKey: s.deps.Keys.BaseKey(&l),
		Denied:  s.deps.Keys.Tables().Denied(&l),
	}
	ctx := c.Request.Context()
	if s.deps.Valuer != nil {
		resp.GemValue, resp.GemBreakdown = s.deps.Valuer.GemValue(ctx, &l)
	}

	variant := model.FlipVariant(c.DefaultQuery("variant", string(model.FlipVariantStandard)))
	if d, ok := s.deps.Detectors[variant]; ok {
		resp.Variant = variant
		a, err := d.Appraise(ctx, &l)
		switch {
		case err == nil:
			resp.Appraisal = a
		case errors.Is(err, flipper.ErrNoAggregate), errors.Is(err, flipper.ErrDenied), errors.Is(err, flipper.ErrInvalidPrice):
			resp.AppraisalError = err.Error()
		default:
			internalError(c, "appraise failed")
			return
		}
	}

	success(c, resp)
}
