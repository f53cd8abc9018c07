package main

import (
	"context"
	"errors"
	"fmt"
	"lookup-gateway/core"
	"lookup-gateway/models"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const callerHeader = "X-Caller-ID"

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, g *core.Gateway, db *gorm.DB, gatherer prometheus.Gatherer, limiter *IPRateLimiter, log *logrus.Logger) {
	// 公开路由 - 无需鉴权，无访问日志
	engine.GET("/health", handleHealth(g))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(log), RateLimitMiddleware(limiter, log))
	{
		api.GET("/lookup/:capability/:subject", handleLookup(g))
	}

	admin := engine.Group("/admin")
	admin.Use(requestLoggerMiddleware(log), AdminAuthMiddleware(db))
	{
		admin.GET("/providers", handleListProviders(g))
		admin.GET("/providers/:provider/slots", handleListSlots(g))
		admin.PUT("/providers/:provider/global-slot", handleSetGlobalSlot(g))
		admin.PUT("/providers/:provider/callers/:caller", handleSetCallerSlot(g))
		admin.DELETE("/providers/:provider/callers/:caller", handleResetCallerSlot(g))
		admin.POST("/providers/:provider/rotate", handleRotate(g))
		admin.PUT("/providers/:provider/slots/:slot", handleReplaceCredential(g))

		admin.GET("/stats", handleStats(g, db))
	}
}

// writeError 把核心错误映射为 HTTP 状态码和带纠正提示的消息
func writeError(c *gin.Context, err error) {
	status, errType, message := 500, "internal_error", "internal error"
	var reasons []string

	var allFailed *core.AllProvidersFailedError
	switch {
	case errors.As(err, &allFailed):
		status, errType = 503, "service_unavailable"
		message = fmt.Sprintf("all providers for %s failed, service unavailable, try later", allFailed.Capability)
		reasons = allFailed.Reasons()
	case errors.Is(err, core.ErrPersistence):
		status, errType = 503, "service_unavailable"
		message = "change applied but could not be saved, service unavailable, try later"
	case errors.Is(err, core.ErrInvalidSlot):
		status, errType = 400, "invalid_slot"
		message = err.Error() + ": choose a configured slot listed by GET /admin/providers/:provider/slots"
	case errors.Is(err, core.ErrNotConfigured):
		status, errType = 400, "not_configured"
		message = err.Error() + ": configure the credential variable first"
	case errors.Is(err, core.ErrInvalidInput):
		status, errType = 400, "invalid_request_error"
		message = err.Error()
	case errors.Is(err, core.ErrNoAlternative):
		status, errType = 409, "no_alternative"
		message = err.Error() + ": configure another slot before rotating"
	case errors.Is(err, core.ErrUnknownProvider), errors.Is(err, core.ErrUnknownCapability):
		status, errType = 404, "not_found"
		message = err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, errType = 504, "timeout"
		message = "lookup did not finish in time"
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{Message: message, Type: errType, Reasons: reasons},
	})
}

// handleHealth 健康检查
func handleHealth(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		caps := g.Chain.Capabilities()
		names := make([]string, 0, len(caps))
		for _, cp := range caps {
			names = append(names, string(cp))
		}
		c.JSON(200, models.HealthResponse{
			Status:       "ok",
			Gateway:      "lookup-gateway",
			Capabilities: names,
			Timestamp:    time.Now().Unix(),
		})
	}
}

// handleLookup 按 capability 解析 subject
func handleLookup(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		capability := core.Capability(c.Param("capability"))
		res, err := g.Chain.Resolve(c.Request.Context(), capability, c.Param("subject"), c.GetHeader(callerHeader))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, toLookupResponse(res))
	}
}

func toLookupResponse(res *core.Resolution) models.LookupResponse {
	out := models.LookupResponse{
		ResolutionID: res.ID,
		FromCache:    res.FromCache,
		Result:       res.Result,
	}
	for _, a := range res.Attempts {
		v := models.AttemptView{Provider: a.Provider, Outcome: a.Outcome}
		if a.Err != nil {
			v.Error = a.Err.Error()
		}
		out.Attempts = append(out.Attempts, v)
	}
	return out
}

type providerView struct {
	core.SlotStats
	Capability string     `json:"capability"`
	Usage      core.Usage `json:"usage"`
}

func providerSummary(g *core.Gateway, id string) (providerView, error) {
	p, err := g.Registry.Get(id)
	if err != nil {
		return providerView{}, err
	}
	stats, err := g.Creds.Stats(id)
	if err != nil {
		return providerView{}, err
	}
	usage, err := g.Limiter.Usage(id)
	if err != nil {
		return providerView{}, err
	}
	return providerView{SlotStats: stats, Capability: string(p.Capability), Usage: usage}, nil
}

// handleListProviders 所有 provider 的 slot 和用量概况
func handleListProviders(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var out []providerView
		for _, id := range g.Creds.Providers() {
			v, err := providerSummary(g, id)
			if err != nil {
				writeError(c, err)
				return
			}
			out = append(out, v)
		}
		c.JSON(200, models.NewSuccessResponse("ok", out))
	}
}

// handleListSlots 列出 provider 的 slot
func handleListSlots(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("provider")
		slots, err := g.Creds.ListSlots(id)
		if err != nil {
			writeError(c, err)
			return
		}
		summary, err := providerSummary(g, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, models.NewSuccessResponse("ok", gin.H{
			"slots":   slots,
			"summary": summary,
		}))
	}
}

func bindSlot(c *gin.Context) (int, bool) {
	var req models.SetSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return 0, false
	}
	return req.Slot, true
}

// handleSetGlobalSlot 设置全局 active slot
func handleSetGlobalSlot(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		slot, ok := bindSlot(c)
		if !ok {
			return
		}
		if err := g.Creds.SetGlobalActiveSlot(c.Param("provider"), slot); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, models.NewSuccessResponse("global slot updated", gin.H{"slot": slot}))
	}
}

// handleSetCallerSlot 为 caller 固定 slot，?force=true 时跳过已配置检查
func handleSetCallerSlot(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		slot, ok := bindSlot(c)
		if !ok {
			return
		}
		provider, caller := c.Param("provider"), c.Param("caller")

		var err error
		if force, _ := strconv.ParseBool(c.Query("force")); force {
			err = g.Creds.ForceCallerSlot(provider, caller, slot)
		} else {
			err = g.Creds.SetCallerSlot(provider, caller, slot)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, models.NewSuccessResponse("caller slot updated", gin.H{"caller": caller, "slot": slot}))
	}
}

// handleResetCallerSlot 删除 caller 覆盖，caller 为 all 时删除全部
func handleResetCallerSlot(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, caller := c.Param("provider"), c.Param("caller")
		if err := g.Creds.ResetCallerSlot(provider, caller); err != nil {
			writeError(c, err)
			return
		}
		slot, err := g.Creds.ActiveSlot(provider, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, models.NewSuccessResponse("caller override removed", gin.H{"caller": caller, "slot": slot}))
	}
}

// handleRotate 切换到下一个已配置 slot
func handleRotate(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		slot, err := g.Creds.RotateToNextConfigured(c.Param("provider"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, models.NewSuccessResponse("rotated", gin.H{"slot": slot}))
	}
}

// handleReplaceCredential 替换 slot 的 secret
func handleReplaceCredential(g *core.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		slot, err := strconv.Atoi(c.Param("slot"))
		if err != nil {
			writeError(c, fmt.Errorf("%w: slot must be a number", core.ErrInvalidInput))
			return
		}
		var req models.ReplaceCredentialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
			return
		}
		if err := g.Creds.ReplaceCredential(c.Param("provider"), slot, req.Secret); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(200, models.NewSuccessResponse("credential replaced", gin.H{
			"slot":   slot,
			"secret": models.MaskAPIKey(req.Secret),
		}))
	}
}

// handleStats 缓存统计和每个 provider 的累计尝试结果
func handleStats(g *core.Gateway, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var providerStats []models.ProviderStats
		if err := db.Order("provider").Find(&providerStats).Error; err != nil {
			writeError(c, fmt.Errorf("%w: %v", core.ErrPersistence, err))
			return
		}

		type providerRow struct {
			models.ProviderStats
			AvgLatency float64 `json:"avg_latency"`
		}
		rows := make([]providerRow, 0, len(providerStats))
		for _, s := range providerStats {
			row := providerRow{ProviderStats: s}
			if s.TotalRequests > 0 {
				row.AvgLatency = s.TotalLatency / float64(s.TotalRequests)
			}
			rows = append(rows, row)
		}

		var lookups int64
		db.Model(&models.LookupLog{}).Count(&lookups)

		c.JSON(200, models.NewSuccessResponse("ok", gin.H{
			"cache":     g.Cache.Stats(),
			"providers": rows,
			"lookups":   lookups,
		}))
	}
}
