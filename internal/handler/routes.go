package handler

import (
	"github.com/labstack/echo/v4"
)

// Handlers 全部处理器的集合
type Handlers struct {
	Collector *CollectorHandler
	Series    *SeriesHandler
	Health    *HealthHandler
	Analyzer  *AnalyzerHandler
	Dashboard *DashboardHandler
}

// Register 注册全部路由
func Register(e *echo.Echo, h *Handlers) {
	// Prometheus 抓取端点放在根路径
	e.GET("/metrics", h.Dashboard.Prometheus)

	api := e.Group("/api")

	collector := api.Group("/collector")
	collector.POST("/samples", h.Collector.RecordSample)
	collector.GET("/summary", h.Collector.Summary)
	collector.GET("/baseline", h.Collector.Baseline)
	collector.GET("/alerts", h.Collector.ListAlerts)
	collector.POST("/rules", h.Collector.SaveRule)
	collector.POST("/flush", h.Collector.Flush)

	series := api.Group("/series")
	series.GET("/definitions", h.Series.ListDefinitions)
	series.POST("/definitions", h.Series.RegisterDefinition)
	series.GET("/snapshot", h.Series.Snapshot)
	series.GET("/:name/points", h.Series.QueryPoints)
	series.GET("/:name/buckets", h.Series.QueryBuckets)
	series.GET("/:name/export", h.Series.ExportCSV)

	health := api.Group("/health")
	health.GET("", h.Health.Report)
	health.POST("/run", h.Health.Run)
	health.GET("/history", h.Health.History)
	health.GET("/checks/:name", h.Health.CheckHistory)
	health.GET("/issues", h.Health.Issues)
	health.GET("/actions", h.Health.Actions)
	health.POST("/remediate/:check", h.Health.Remediate)

	analyzer := api.Group("/analyzer")
	analyzer.POST("/analyze", h.Analyzer.Analyze)
	analyzer.GET("/analyses/:hash", h.Analyzer.GetAnalysis)
	analyzer.GET("/slow-queries", h.Analyzer.SlowQueries)
	analyzer.GET("/patterns", h.Analyzer.Patterns)
	analyzer.GET("/recommendations", h.Analyzer.Recommendations)
	analyzer.POST("/recommendations/:id/implement", h.Analyzer.ImplementRecommendation)
	analyzer.POST("/recommendations/:id/reject", h.Analyzer.RejectRecommendation)
	analyzer.GET("/stats", h.Analyzer.Stats)

	dashboard := api.Group("/dashboard")
	dashboard.GET("", h.Dashboard.Overview)
	dashboard.GET("/history", h.Dashboard.History)
	dashboard.GET("/alerts", h.Dashboard.Alerts)
	dashboard.GET("/projection", h.Dashboard.Projection)

	grafana := api.Group("/grafana")
	grafana.GET("", h.Dashboard.GrafanaRoot)
	grafana.POST("/search", h.Dashboard.GrafanaSearch)
	grafana.POST("/query", h.Dashboard.GrafanaQuery)
}
