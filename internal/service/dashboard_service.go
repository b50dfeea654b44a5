package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/repo"
	"github.com/dushixiang/marmot/internal/sysinfo"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DashboardSnapshot 某一时刻的全局状态快照
type DashboardSnapshot struct {
	Timestamp         int64              `json:"timestamp"` // 毫秒
	HealthOverall     string             `json:"healthOverall"`
	HealthScore       float64            `json:"healthScore"`
	Realtime          *RealtimeSummary   `json:"realtime,omitempty"`
	System            *sysinfo.Snapshot  `json:"system,omitempty"`
	Analyzer          *AnalyzerStats     `json:"analyzer,omitempty"`
	SlowQueries       []models.SlowQuery `json:"slowQueries,omitempty"`
	DatabaseSizeBytes int64              `json:"databaseSizeBytes"`
}

// CapacityProjection 基于近期增长的线性容量预测
type CapacityProjection struct {
	CurrentBytes     int64   `json:"currentBytes"`
	DailyGrowthBytes float64 `json:"dailyGrowthBytes"`
	ProjectedBytes   int64   `json:"projectedBytes"` // 预测期末的数据库大小
	ProjectionDays   int     `json:"projectionDays"`
	DiskFreeBytes    int64   `json:"diskFreeBytes"`
	DaysUntilFull    float64 `json:"daysUntilFull"` // 磁盘按当前增速耗尽的天数，<0 表示无增长
}

// GrafanaRange Grafana 查询时间范围
type GrafanaRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// GrafanaTarget Grafana 查询目标
type GrafanaTarget struct {
	Target string `json:"target"`
}

// GrafanaQuery Grafana simple-json 查询请求
type GrafanaQuery struct {
	Range   GrafanaRange    `json:"range"`
	Targets []GrafanaTarget `json:"targets"`
}

// GrafanaSeries Grafana simple-json 响应中的单条序列
type GrafanaSeries struct {
	Target     string       `json:"target"`
	Datapoints [][2]float64 `json:"datapoints"` // [值, 毫秒时间戳]
}

// DashboardService 仪表盘门面：周期性汇聚各组件状态为快照，维护有界历史，
// 评估自身阈值告警，并对外提供 Prometheus / Grafana / JSON 视图。
type DashboardService struct {
	logger        *zap.Logger
	dashboardRepo *repo.DashboardRepo
	collector     *CollectorService
	health        *HealthService
	analyzer      *AnalyzerService
	series        *SeriesService
	sampler       sysinfo.Sampler
	dbEngine      engine.Engine
	bus           *eventbus.Bus
	conf          config.Config

	mu            sync.RWMutex
	history       []*DashboardSnapshot
	snapshotCount int64

	cron    *cron.Cron
	started atomic.Bool
}

func NewDashboardService(
	logger *zap.Logger,
	db *gorm.DB,
	conf config.Config,
	collector *CollectorService,
	health *HealthService,
	analyzer *AnalyzerService,
	series *SeriesService,
	sampler sysinfo.Sampler,
	dbEngine engine.Engine,
	bus *eventbus.Bus,
) *DashboardService {
	return &DashboardService{
		logger:        logger,
		dashboardRepo: repo.NewDashboardRepo(db),
		collector:     collector,
		health:        health,
		analyzer:      analyzer,
		series:        series,
		sampler:       sampler,
		dbEngine:      dbEngine,
		bus:           bus,
		conf:          conf,
	}
}

// Start 启动刷新定时器，幂等
func (s *DashboardService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", s.conf.Dashboard.RefreshInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Refresh(context.Background()); err != nil {
			s.logger.Error("仪表盘刷新失败", zap.Error(err))
		}
	}); err != nil {
		s.logger.Error("注册仪表盘定时器失败", zap.Error(err))
	}
	s.cron.Start()
	s.logger.Info("仪表盘已启动", zap.Int("refreshInterval", s.conf.Dashboard.RefreshInterval))
}

// Stop 停止刷新定时器，幂等
func (s *DashboardService) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.logger.Info("仪表盘已停止")
}

// Refresh 并发拉取各组件状态并汇聚为快照。单个来源失败不影响其余字段。
func (s *DashboardService) Refresh(ctx context.Context) (*DashboardSnapshot, error) {
	snapshot := &DashboardSnapshot{
		Timestamp: time.Now().UnixMilli(),
	}

	report := s.health.LastReport()
	snapshot.HealthOverall = report.Overall
	snapshot.HealthScore = report.Score

	var wg conc.WaitGroup
	wg.Go(func() {
		summary, err := s.collector.Summary(ctx)
		if err != nil {
			s.logger.Error("读取采集器概要失败", zap.Error(err))
			return
		}
		snapshot.Realtime = summary
	})
	wg.Go(func() {
		sys, err := s.sampler.Sample()
		if err != nil {
			s.logger.Error("系统资源采样失败", zap.Error(err))
			return
		}
		snapshot.System = sys
	})
	wg.Go(func() {
		stats, err := s.analyzer.Stats(ctx)
		if err != nil {
			s.logger.Error("读取分析器统计失败", zap.Error(err))
			return
		}
		snapshot.Analyzer = stats
	})
	wg.Go(func() {
		slow, err := s.analyzer.SlowQueries(ctx, s.conf.Dashboard.SlowQueryTop)
		if err != nil {
			s.logger.Error("读取慢查询失败", zap.Error(err))
			return
		}
		snapshot.SlowQueries = slow
	})
	wg.Go(func() {
		pageCount, err1 := s.dbEngine.PageCount(ctx)
		pageSize, err2 := s.dbEngine.PageSize(ctx)
		if err1 == nil && err2 == nil {
			snapshot.DatabaseSizeBytes = pageCount * pageSize
		}
	})
	wg.Wait()

	s.appendHistory(snapshot)
	s.evaluateThresholds(ctx, snapshot)

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicSnapshotReady, snapshot)
	}
	return snapshot, nil
}

// appendHistory 追加到有界内存历史，并按配置抽样持久化
func (s *DashboardService) appendHistory(snapshot *DashboardSnapshot) {
	s.mu.Lock()
	s.history = append(s.history, snapshot)
	if len(s.history) > s.conf.Dashboard.HistorySize {
		s.history = s.history[len(s.history)-s.conf.Dashboard.HistorySize:]
	}
	s.snapshotCount++
	persist := s.snapshotCount%int64(s.conf.Dashboard.PersistEvery) == 0
	s.mu.Unlock()

	if !persist {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("快照序列化失败", zap.Error(err))
		return
	}
	record := &models.SnapshotRecord{
		ID:        uuid.NewString(),
		Timestamp: snapshot.Timestamp,
		Data:      data,
	}
	if err := s.dashboardRepo.CreateSnapshot(context.Background(), record); err != nil {
		s.logger.Error("快照持久化失败", zap.Error(err))
	}
}

// evaluateThresholds 评估仪表盘自身的阈值告警
func (s *DashboardService) evaluateThresholds(ctx context.Context, snapshot *DashboardSnapshot) {
	conf := s.conf.Dashboard

	if snapshot.Realtime != nil {
		if snapshot.Realtime.AvgDurationMs >= float64(conf.ResponseTimeMs) {
			s.fireAlert(ctx, "response_time", models.HealthStatusWarning,
				fmt.Sprintf("平均响应时间 %.1fms 超过阈值", snapshot.Realtime.AvgDurationMs),
				snapshot.Realtime.AvgDurationMs, float64(conf.ResponseTimeMs))
		}
		if snapshot.Realtime.ErrorRate >= conf.ErrorRatePercent {
			s.fireAlert(ctx, "error_rate", models.HealthStatusWarning,
				fmt.Sprintf("错误率 %.1f%% 超过阈值", snapshot.Realtime.ErrorRate),
				snapshot.Realtime.ErrorRate, conf.ErrorRatePercent)
		}
	}
	if snapshot.System != nil {
		if snapshot.System.SystemMemoryPercent >= conf.MemoryPercent {
			s.fireAlert(ctx, "memory", models.HealthStatusWarning,
				fmt.Sprintf("内存使用率 %.1f%% 超过阈值", snapshot.System.SystemMemoryPercent),
				snapshot.System.SystemMemoryPercent, conf.MemoryPercent)
		}
		if snapshot.System.DiskPercent >= conf.DiskPercent {
			s.fireAlert(ctx, "disk", models.HealthStatusCritical,
				fmt.Sprintf("磁盘使用率 %.1f%% 超过阈值", snapshot.System.DiskPercent),
				snapshot.System.DiskPercent, conf.DiskPercent)
		}
	}
}

func (s *DashboardService) fireAlert(ctx context.Context, kind, severity, message string, value, threshold float64) {
	alert := &models.DashboardAlert{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Threshold: threshold,
	}
	if err := s.dashboardRepo.CreateAlert(ctx, alert); err != nil {
		s.logger.Error("仪表盘告警写入失败", zap.Error(err))
		return
	}
	s.logger.Warn("仪表盘阈值触发",
		zap.String("kind", kind),
		zap.Float64("value", value),
		zap.Float64("threshold", threshold))
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicAlertFired, alert)
	}
}

// Latest 最近一次快照，尚无快照时现场刷新一次
func (s *DashboardService) Latest(ctx context.Context) (*DashboardSnapshot, error) {
	s.mu.RLock()
	n := len(s.history)
	if n > 0 {
		snapshot := s.history[n-1]
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()
	return s.Refresh(ctx)
}

// History 内存中的快照历史（升序），limit <= 0 返回全部
func (s *DashboardService) History(limit int) []*DashboardSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*DashboardSnapshot, len(history))
	copy(out, history)
	return out
}

// Alerts 最近的仪表盘告警
func (s *DashboardService) Alerts(ctx context.Context, since int64, limit int) ([]models.DashboardAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.dashboardRepo.FindAlertsSince(ctx, since, limit)
}

// Projection 线性容量预测：取预测窗口内的数据库大小序列拟合日增长
func (s *DashboardService) Projection(ctx context.Context) (*CapacityProjection, error) {
	conf := s.conf.Dashboard
	now := time.Now().UnixMilli()
	windowMs := int64(conf.ProjectionWindowH) * 60 * 60 * 1000

	points, err := s.series.Query(ctx, MetricDatabaseSize, now-windowMs, now, nil)
	if err != nil {
		return nil, err
	}

	projection := &CapacityProjection{
		ProjectionDays: conf.ProjectionDays,
		DaysUntilFull:  -1,
	}

	if s.sampler != nil {
		if sys, err := s.sampler.Sample(); err == nil {
			projection.DiskFreeBytes = int64(sys.DiskTotal - sys.DiskUsed)
		}
	}

	if len(points) < 2 {
		// 数据不足时退化为当前大小，无增长预测
		pageCount, err1 := s.dbEngine.PageCount(ctx)
		pageSize, err2 := s.dbEngine.PageSize(ctx)
		if err1 == nil && err2 == nil {
			projection.CurrentBytes = pageCount * pageSize
			projection.ProjectedBytes = projection.CurrentBytes
		}
		return projection, nil
	}

	first, last := points[0], points[len(points)-1]
	projection.CurrentBytes = int64(last.Value)

	elapsedDays := float64(last.Timestamp-first.Timestamp) / float64(24*60*60*1000)
	if elapsedDays > 0 {
		projection.DailyGrowthBytes = (last.Value - first.Value) / elapsedDays
	}
	projection.ProjectedBytes = projection.CurrentBytes + int64(projection.DailyGrowthBytes*float64(conf.ProjectionDays))

	if projection.DailyGrowthBytes > 0 && projection.DiskFreeBytes > 0 {
		projection.DaysUntilFull = float64(projection.DiskFreeBytes) / projection.DailyGrowthBytes
	}
	return projection, nil
}

// GrafanaQueryResponse 处理 Grafana simple-json 查询：每个 target 对应一个
// 指标名，返回该指标在时间范围内的原始数据点。
func (s *DashboardService) GrafanaQueryResponse(ctx context.Context, query GrafanaQuery) ([]GrafanaSeries, error) {
	from := query.Range.From.UnixMilli()
	to := query.Range.To.UnixMilli()

	out := make([]GrafanaSeries, 0, len(query.Targets))
	for _, target := range query.Targets {
		points, err := s.series.Query(ctx, target.Target, from, to, nil)
		if err != nil {
			return nil, err
		}
		series := GrafanaSeries{
			Target:     target.Target,
			Datapoints: make([][2]float64, 0, len(points)),
		}
		for _, point := range points {
			series.Datapoints = append(series.Datapoints, [2]float64{point.Value, float64(point.Timestamp)})
		}
		out = append(out, series)
	}
	return out, nil
}

// GrafanaSearch Grafana 指标名搜索（/search 端点）
func (s *DashboardService) GrafanaSearch() []string {
	defs := s.series.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		if def.Enabled {
			names = append(names, def.Name)
		}
	}
	return names
}

// PrometheusText Prometheus 文本导出（委托给时间序列存储）
func (s *DashboardService) PrometheusText(ctx context.Context) (string, error) {
	return s.series.PrometheusText(ctx)
}
