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

// SeriesHandler 时间序列处理器
type SeriesHandler struct {
	logger  *zap.Logger
	service *service.SeriesService
}

// NewSeriesHandler 创建处理器
func NewSeriesHandler(logger *zap.Logger, service *service.SeriesService) *SeriesHandler {
	return &SeriesHandler{
		logger:  logger,
		service: service,
	}
}

// timeRange 解析 start/end 查询参数，缺省为最近一小时
func timeRange(c echo.Context) (int64, int64) {
	start, _ := strconv.ParseInt(c.QueryParam("start"), 10, 64)
	end, _ := strconv.ParseInt(c.QueryParam("end"), 10, 64)
	if end <= 0 {
		end = time.Now().UnixMilli()
	}
	if start <= 0 {
		start = end - 60*60*1000
	}
	return start, end
}

// ListDefinitions 指标定义列表
// GET /api/series/definitions
func (h *SeriesHandler) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Definitions())
}

// RegisterDefinition 注册指标
// POST /api/series/definitions
func (h *SeriesHandler) RegisterDefinition(c echo.Context) error {
	var def models.MetricDefinition
	if err := c.Bind(&def); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}

	if err := h.service.RegisterMetric(c.Request().Context(), def); err != nil {
		h.logger.Error("注册指标失败", zap.Error(err))
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "注册成功",
	})
}

// QueryPoints 查询原始数据点
// GET /api/series/:name/points
func (h *SeriesHandler) QueryPoints(c echo.Context) error {
	name := c.Param("name")
	start, end := timeRange(c)

	points, err := h.service.Query(c.Request().Context(), name, start, end, nil)
	if err != nil {
		h.logger.Error("查询数据点失败", zap.String("metric", name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": points,
		"total": len(points),
	})
}

// QueryBuckets 查询聚合桶
// GET /api/series/:name/buckets
func (h *SeriesHandler) QueryBuckets(c echo.Context) error {
	name := c.Param("name")
	start, end := timeRange(c)

	buckets, err := h.service.AggregatedQuery(c.Request().Context(), name, start, end)
	if err != nil {
		h.logger.Error("查询聚合桶失败", zap.String("metric", name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": buckets,
		"total": len(buckets),
	})
}

// ExportCSV 导出 CSV
// GET /api/series/:name/export
func (h *SeriesHandler) ExportCSV(c echo.Context) error {
	name := c.Param("name")
	start, end := timeRange(c)

	csvText, err := h.service.CSVDump(c.Request().Context(), name, start, end)
	if err != nil {
		h.logger.Error("导出 CSV 失败", zap.String("metric", name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "导出失败",
		})
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`.csv"`)
	return c.Blob(http.StatusOK, "text/csv", []byte(csvText))
}

// Snapshot JSON 快照导出
// GET /api/series/snapshot
func (h *SeriesHandler) Snapshot(c echo.Context) error {
	snapshots, err := h.service.JSONSnapshot(c.Request().Context())
	if err != nil {
		h.logger.Error("导出指标快照失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "导出失败",
		})
	}
	return c.JSON(http.StatusOK, snapshots)
}
