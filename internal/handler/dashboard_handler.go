package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dushixiang/marmot/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// DashboardHandler 仪表盘处理器
type DashboardHandler struct {
	logger  *zap.Logger
	service *service.DashboardService
}

// NewDashboardHandler 创建处理器
func NewDashboardHandler(logger *zap.Logger, service *service.DashboardService) *DashboardHandler {
	return &DashboardHandler{
		logger:  logger,
		service: service,
	}
}

// Overview 最近一次全局快照
// GET /api/dashboard
func (h *DashboardHandler) Overview(c echo.Context) error {
	snapshot, err := h.service.Latest(c.Request().Context())
	if err != nil {
		h.logger.Error("读取仪表盘快照失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, snapshot)
}

// History 快照历史
// GET /api/dashboard/history
func (h *DashboardHandler) History(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	history := h.service.History(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": history,
		"total": len(history),
	})
}

// Alerts 仪表盘告警
// GET /api/dashboard/alerts
func (h *DashboardHandler) Alerts(c echo.Context) error {
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)
	if since <= 0 {
		since = time.Now().Add(-24 * time.Hour).UnixMilli()
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	alerts, err := h.service.Alerts(c.Request().Context(), since, limit)
	if err != nil {
		h.logger.Error("查询仪表盘告警失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": alerts,
		"total": len(alerts),
	})
}

// Projection 容量预测
// GET /api/dashboard/projection
func (h *DashboardHandler) Projection(c echo.Context) error {
	projection, err := h.service.Projection(c.Request().Context())
	if err != nil {
		h.logger.Error("容量预测失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "预测失败",
		})
	}
	return c.JSON(http.StatusOK, projection)
}

// Prometheus Prometheus 文本导出
// GET /metrics
func (h *DashboardHandler) Prometheus(c echo.Context) error {
	text, err := h.service.PrometheusText(c.Request().Context())
	if err != nil {
		h.logger.Error("Prometheus 导出失败", zap.Error(err))
		return c.String(http.StatusInternalServerError, "export failed")
	}
	return c.String(http.StatusOK, text)
}

// GrafanaRoot Grafana simple-json 数据源连通性探测
// GET /api/grafana
func (h *DashboardHandler) GrafanaRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// GrafanaSearch Grafana 指标名列表
// POST /api/grafana/search
func (h *DashboardHandler) GrafanaSearch(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.GrafanaSearch())
}

// GrafanaQuery Grafana 时间序列查询
// POST /api/grafana/query
func (h *DashboardHandler) GrafanaQuery(c echo.Context) error {
	var query service.GrafanaQuery
	if err := c.Bind(&query); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}

	series, err := h.service.GrafanaQueryResponse(c.Request().Context(), query)
	if err != nil {
		h.logger.Error("Grafana 查询失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, series)
}
