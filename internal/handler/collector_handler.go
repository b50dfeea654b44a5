package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// CollectorHandler 指标采集器处理器
type CollectorHandler struct {
	logger  *zap.Logger
	service *service.CollectorService
}

// NewCollectorHandler 创建处理器
func NewCollectorHandler(logger *zap.Logger, service *service.CollectorService) *CollectorHandler {
	return &CollectorHandler{
		logger:  logger,
		service: service,
	}
}

// RecordSample 上报一条操作样本
// POST /api/collector/samples
func (h *CollectorHandler) RecordSample(c echo.Context) error {
	var sample models.MetricSample
	if err := c.Bind(&sample); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}
	if sample.Operation == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "操作类型不能为空",
		})
	}

	if err := h.service.Record(c.Request().Context(), sample); err != nil {
		h.logger.Error("记录样本失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "记录失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "已记录",
	})
}

// Summary 实时概要
// GET /api/collector/summary
func (h *CollectorHandler) Summary(c echo.Context) error {
	summary, err := h.service.Summary(c.Request().Context())
	if err != nil {
		h.logger.Error("读取采集器概要失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, summary)
}

// Baseline 当前性能基线
// GET /api/collector/baseline
func (h *CollectorHandler) Baseline(c echo.Context) error {
	baseline := h.service.Baseline()
	if baseline == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "基线尚未建立",
		})
	}
	return c.JSON(http.StatusOK, baseline)
}

// ListAlerts 查询告警
// GET /api/collector/alerts
func (h *CollectorHandler) ListAlerts(c echo.Context) error {
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)
	if since <= 0 {
		since = time.Now().Add(-24 * time.Hour).UnixMilli()
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	alerts, err := h.service.RecentAlerts(c.Request().Context(), since, limit)
	if err != nil {
		h.logger.Error("查询告警失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": alerts,
		"total": len(alerts),
	})
}

// SaveRule 创建或更新告警规则
// POST /api/collector/rules
func (h *CollectorHandler) SaveRule(c echo.Context) error {
	var rule models.AlertRule
	if err := c.Bind(&rule); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}

	if err := h.service.SaveRule(c.Request().Context(), &rule); err != nil {
		h.logger.Error("保存告警规则失败", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, rule)
}

// Flush 立即落盘缓冲区
// POST /api/collector/flush
func (h *CollectorHandler) Flush(c echo.Context) error {
	if err := h.service.Flush(c.Request().Context()); err != nil {
		h.logger.Error("手动落盘失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "落盘失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "已落盘",
	})
}
