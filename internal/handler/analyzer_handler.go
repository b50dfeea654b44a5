package handler

import (
	"net/http"
	"strconv"

	"github.com/dushixiang/marmot/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AnalyzerHandler 查询分析器处理器
type AnalyzerHandler struct {
	logger  *zap.Logger
	service *service.AnalyzerService
}

// NewAnalyzerHandler 创建处理器
func NewAnalyzerHandler(logger *zap.Logger, service *service.AnalyzerService) *AnalyzerHandler {
	return &AnalyzerHandler{
		logger:  logger,
		service: service,
	}
}

// Analyze 分析一条查询
// POST /api/analyzer/analyze
func (h *AnalyzerHandler) Analyze(c echo.Context) error {
	var req struct {
		Query      string `json:"query"`
		DurationMs int64  `json:"durationMs"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "查询语句不能为空",
		})
	}

	analysis, err := h.service.AnalyzeQuery(c.Request().Context(), req.Query, req.DurationMs, nil)
	if err != nil {
		h.logger.Error("查询分析失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "分析失败",
		})
	}
	return c.JSON(http.StatusOK, analysis)
}

// GetAnalysis 按哈希获取分析结果
// GET /api/analyzer/analyses/:hash
func (h *AnalyzerHandler) GetAnalysis(c echo.Context) error {
	hash := c.Param("hash")
	if hash == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "哈希不能为空",
		})
	}

	analysis, err := h.service.Analysis(c.Request().Context(), hash)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "分析结果不存在",
		})
	}
	return c.JSON(http.StatusOK, analysis)
}

// SlowQueries 慢查询统计
// GET /api/analyzer/slow-queries
func (h *AnalyzerHandler) SlowQueries(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	records, err := h.service.SlowQueries(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("查询慢查询统计失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

// Patterns 查询模式统计
// GET /api/analyzer/patterns
func (h *AnalyzerHandler) Patterns(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	patterns, err := h.service.Patterns(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("查询模式统计失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": patterns,
		"total": len(patterns),
	})
}

// Recommendations 索引建议列表
// GET /api/analyzer/recommendations
func (h *AnalyzerHandler) Recommendations(c echo.Context) error {
	status := c.QueryParam("status")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	recs, err := h.service.Recommendations(c.Request().Context(), status, limit)
	if err != nil {
		h.logger.Error("查询索引建议失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": recs,
		"total": len(recs),
	})
}

// ImplementRecommendation 处理索引建议。
// execute=false 时只返回语句；真正建索引还需要服务端配置允许。
// POST /api/analyzer/recommendations/:id/implement
func (h *AnalyzerHandler) ImplementRecommendation(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "建议ID不能为空",
		})
	}

	var req struct {
		Execute bool `json:"execute"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "请求参数错误",
		})
	}

	rec, err := h.service.ImplementRecommendation(c.Request().Context(), id, req.Execute)
	if err != nil {
		h.logger.Error("处理索引建议失败", zap.String("id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, rec)
}

// RejectRecommendation 拒绝索引建议
// POST /api/analyzer/recommendations/:id/reject
func (h *AnalyzerHandler) RejectRecommendation(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "建议ID不能为空",
		})
	}

	if err := h.service.RejectRecommendation(c.Request().Context(), id); err != nil {
		h.logger.Error("拒绝索引建议失败", zap.String("id", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "操作失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"message": "已拒绝",
	})
}

// Stats 分析器统计概览
// GET /api/analyzer/stats
func (h *AnalyzerHandler) Stats(c echo.Context) error {
	stats, err := h.service.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error("读取分析器统计失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, stats)
}
