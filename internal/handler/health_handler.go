package handler

import (
	"net/http"
	"strconv"

	"github.com/dushixiang/marmot/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HealthHandler 健康引擎处理器
type HealthHandler struct {
	logger  *zap.Logger
	service *service.HealthService
}

// NewHealthHandler 创建处理器
func NewHealthHandler(logger *zap.Logger, service *service.HealthService) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		service: service,
	}
}

// Report 最近一轮检查报告
// GET /api/health
func (h *HealthHandler) Report(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.LastReport())
}

// Run 立即执行一轮检查
// POST /api/health/run
func (h *HealthHandler) Run(c echo.Context) error {
	report := h.service.RunChecks(c.Request().Context())
	return c.JSON(http.StatusOK, report)
}

// History 检查历史
// GET /api/health/history
func (h *HealthHandler) History(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	results, err := h.service.History(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("查询健康检查历史失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": results,
		"total": len(results),
	})
}

// CheckHistory 单个检查项的历史
// GET /api/health/checks/:name
func (h *HealthHandler) CheckHistory(c echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "检查项名称不能为空",
		})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	results, err := h.service.CheckHistory(c.Request().Context(), name, limit)
	if err != nil {
		h.logger.Error("查询检查项历史失败", zap.String("check", name), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": results,
		"total": len(results),
	})
}

// Issues 未解决的完整性问题
// GET /api/health/issues
func (h *HealthHandler) Issues(c echo.Context) error {
	issues, err := h.service.OpenIssues(c.Request().Context())
	if err != nil {
		h.logger.Error("查询完整性问题失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": issues,
		"total": len(issues),
	})
}

// Actions 修复动作历史
// GET /api/health/actions
func (h *HealthHandler) Actions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	actions, err := h.service.Actions(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("查询修复动作失败", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "查询失败",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": actions,
		"total": len(actions),
	})
}

// Remediate 手动触发某个检查项的修复动作（仅白名单内）
// POST /api/health/remediate/:check
func (h *HealthHandler) Remediate(c echo.Context) error {
	checkName := c.Param("check")
	if checkName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "检查项名称不能为空",
		})
	}

	action, err := h.service.Remediate(c.Request().Context(), checkName)
	if err != nil {
		h.logger.Error("执行修复动作失败", zap.String("check", checkName), zap.Error(err))
		status := http.StatusInternalServerError
		if action == nil {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, action)
}
