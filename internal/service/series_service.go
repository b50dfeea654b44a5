package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/repo"
	"github.com/dushixiang/marmot/internal/sysinfo"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 内置指标
const (
	MetricOperationDuration = "db_operation_duration_ms"
	MetricOperationErrors   = "db_operation_errors_total"
	MetricProcessMemory     = "process_memory_bytes"
	MetricProcessCPU        = "process_cpu_percent"
	MetricDiskUsage         = "db_disk_usage_percent"
	MetricDatabaseSize      = "db_size_bytes"
)

// builtinDefinitions 内置指标定义
func builtinDefinitions() []models.MetricDefinition {
	return []models.MetricDefinition{
		{Name: MetricOperationDuration, Description: "数据库操作耗时", Unit: "ms", Kind: models.MetricKindHistogram, Labels: []string{"operation"}, Enabled: true},
		{Name: MetricOperationErrors, Description: "数据库操作错误数", Unit: "count", Kind: models.MetricKindCounter, Labels: []string{"operation"}, Enabled: true},
		{Name: MetricProcessMemory, Description: "进程常驻内存", Unit: "bytes", Kind: models.MetricKindGauge, Enabled: true},
		{Name: MetricProcessCPU, Description: "进程 CPU 使用率", Unit: "percent", Kind: models.MetricKindGauge, Enabled: true},
		{Name: MetricDiskUsage, Description: "数据目录磁盘使用率", Unit: "percent", Kind: models.MetricKindGauge, Enabled: true},
		{Name: MetricDatabaseSize, Description: "数据库文件大小", Unit: "bytes", Kind: models.MetricKindGauge, Enabled: true},
	}
}

// SeriesThreshold 时间序列阈值（在聚合周期内按桶平均值评估）
type SeriesThreshold struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
}

// BucketStats 单个窗口的聚合统计
type BucketStats struct {
	Count  int64
	Sum    float64
	Min    float64
	Max    float64
	Avg    float64
	P50    float64
	P95    float64
	P99    float64
	StdDev float64
}

// SeriesService 时间序列存储：注册命名指标、记录带标签的数据点、
// 周期性分桶聚合（计数/总和/极值/均值/百分位/标准差）并支持多种格式导出。
type SeriesService struct {
	logger     *zap.Logger
	seriesRepo *repo.SeriesRepo
	dbEngine   engine.Engine
	sampler    sysinfo.Sampler
	bus        *eventbus.Bus
	conf       config.Config

	mu         sync.RWMutex
	registry   map[string]models.MetricDefinition
	buffers    map[string][]models.SeriesPoint
	thresholds []SeriesThreshold

	cron    *cron.Cron
	started atomic.Bool
}

func NewSeriesService(logger *zap.Logger, db *gorm.DB, conf config.Config, dbEngine engine.Engine, sampler sysinfo.Sampler, bus *eventbus.Bus) *SeriesService {
	return &SeriesService{
		logger:     logger,
		seriesRepo: repo.NewSeriesRepo(db),
		dbEngine:   dbEngine,
		sampler:    sampler,
		bus:        bus,
		conf:       conf,
		registry:   make(map[string]models.MetricDefinition),
		buffers:    make(map[string][]models.SeriesPoint),
	}
}

// Init 注册内置指标并加载已持久化的定义
func (s *SeriesService) Init(ctx context.Context) error {
	for _, def := range builtinDefinitions() {
		if err := s.RegisterMetric(ctx, def); err != nil {
			return err
		}
	}

	defs, err := s.seriesRepo.FindDefinitions(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, def := range defs {
		s.registry[def.Name] = def
	}
	s.mu.Unlock()
	return nil
}

// RegisterMetric 注册指标定义（幂等 upsert）
func (s *SeriesService) RegisterMetric(ctx context.Context, def models.MetricDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("指标名称不能为空")
	}
	switch def.Kind {
	case models.MetricKindCounter, models.MetricKindGauge, models.MetricKindHistogram, models.MetricKindSummary:
	default:
		return fmt.Errorf("不支持的指标类型: %s", def.Kind)
	}
	if def.RetentionDays <= 0 {
		def.RetentionDays = s.conf.Series.RetentionDays
	}
	if def.AggregationSeconds <= 0 {
		def.AggregationSeconds = s.conf.Series.BucketSeconds
	}

	if err := s.seriesRepo.SaveDefinition(ctx, &def); err != nil {
		return err
	}

	s.mu.Lock()
	s.registry[def.Name] = def
	s.mu.Unlock()
	return nil
}

// RegisterThreshold 注册阈值（聚合周期评估）
func (s *SeriesService) RegisterThreshold(threshold SeriesThreshold) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = append(s.thresholds, threshold)
}

// Record 记录一个数据点：未注册或已禁用的指标直接忽略；
// 缓冲区满时丢弃最旧的数据点。ts 为 0 时使用当前时间。
func (s *SeriesService) Record(metric string, value float64, labels map[string]string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.registry[metric]
	if !ok || !def.Enabled {
		return
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	point := models.SeriesPoint{
		Metric:    metric,
		Timestamp: ts,
		Value:     value,
		LabelKey:  canonicalLabelKey(labels),
		Labels:    toJSONMap(labels),
	}

	buffer := s.buffers[metric]
	if len(buffer) >= s.conf.Series.BufferSize {
		buffer = buffer[1:]
	}
	s.buffers[metric] = append(buffer, point)
}

// Query 查询原始数据点（升序），labels 非空时按标签组过滤
func (s *SeriesService) Query(ctx context.Context, metric string, start, end int64, labels map[string]string) ([]models.SeriesPoint, error) {
	if labels != nil {
		return s.seriesRepo.FindPointsByLabel(ctx, metric, canonicalLabelKey(labels), start, end)
	}
	return s.seriesRepo.FindPoints(ctx, metric, start, end)
}

// AggregatedQuery 查询聚合桶（升序）
func (s *SeriesService) AggregatedQuery(ctx context.Context, metric string, start, end int64) ([]models.SeriesBucket, error) {
	return s.seriesRepo.FindBuckets(ctx, metric, start, end)
}

// Definitions 返回当前注册的全部指标定义
func (s *SeriesService) Definitions() []models.MetricDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]models.MetricDefinition, 0, len(s.registry))
	for _, def := range s.registry {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Start 启动采集定时器（落盘缓冲 + 采样系统指标）与聚合定时器，幂等
func (s *SeriesService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.cron = cron.New(cron.WithSeconds())

	collectSpec := fmt.Sprintf("@every %ds", s.conf.Series.CollectInterval)
	if _, err := s.cron.AddFunc(collectSpec, func() {
		ctx := context.Background()
		s.collectSystemMetrics(ctx)
		s.FlushBuffers(ctx)
	}); err != nil {
		s.logger.Error("注册采集定时器失败", zap.Error(err))
	}

	aggregateSpec := fmt.Sprintf("@every %ds", s.conf.Series.AggregateInterval)
	if _, err := s.cron.AddFunc(aggregateSpec, func() {
		s.Aggregate(context.Background())
	}); err != nil {
		s.logger.Error("注册聚合定时器失败", zap.Error(err))
	}

	s.cron.Start()
	s.logger.Info("时间序列存储已启动",
		zap.Int("collectInterval", s.conf.Series.CollectInterval),
		zap.Int("aggregateInterval", s.conf.Series.AggregateInterval))
}

// Stop 停止定时器并落盘剩余缓冲，幂等
func (s *SeriesService) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.FlushBuffers(context.Background())
	s.logger.Info("时间序列存储已停止")
}

// FlushBuffers 将内存缓冲写入存储。
// 失败策略：记录日志并丢弃本周期数据，不做重试（可用性优先于完整性）。
func (s *SeriesService) FlushBuffers(ctx context.Context) {
	s.mu.Lock()
	buffers := s.buffers
	s.buffers = make(map[string][]models.SeriesPoint)
	s.mu.Unlock()

	var points []models.SeriesPoint
	for _, buffer := range buffers {
		points = append(points, buffer...)
	}
	if len(points) == 0 {
		return
	}

	if err := s.seriesRepo.CreatePoints(ctx, points); err != nil {
		s.logger.Error("数据点落盘失败，本周期数据已丢弃",
			zap.Int("points", len(points)),
			zap.Error(err))
	}
}

// collectSystemMetrics 采样进程/主机资源与数据库体积，写入内置序列
func (s *SeriesService) collectSystemMetrics(ctx context.Context) {
	if s.sampler != nil {
		snapshot, err := s.sampler.Sample()
		if err != nil {
			s.logger.Error("系统资源采样失败", zap.Error(err))
		} else {
			s.Record(MetricProcessMemory, float64(snapshot.ProcessMemoryBytes), nil, snapshot.Timestamp)
			s.Record(MetricProcessCPU, snapshot.ProcessCPUPercent, nil, snapshot.Timestamp)
			s.Record(MetricDiskUsage, snapshot.DiskPercent, nil, snapshot.Timestamp)
		}
	}

	if s.dbEngine != nil {
		pageCount, err1 := s.dbEngine.PageCount(ctx)
		pageSize, err2 := s.dbEngine.PageSize(ctx)
		if err1 == nil && err2 == nil {
			s.Record(MetricDatabaseSize, float64(pageCount*pageSize), nil, 0)
		}
	}
}

// Aggregate 聚合周期：把回看窗口内已落盘的原始点按 指标+标签组 分到固定窗口，
// 整窗重算统计量后覆盖写入，随后评估阈值并按各自保留期清理。
// 回看起点对齐到窗口边界，整窗重算保证重复执行结果一致；
// 迟到的数据点在下个周期重算时并入，晚于回看窗口才落盘的点不再参与聚合。
func (s *SeriesService) Aggregate(ctx context.Context) {
	s.mu.RLock()
	defs := make([]models.MetricDefinition, 0, len(s.registry))
	for _, def := range s.registry {
		defs = append(defs, def)
	}
	thresholds := make([]SeriesThreshold, len(s.thresholds))
	copy(thresholds, s.thresholds)
	s.mu.RUnlock()

	now := time.Now().UnixMilli()

	for _, def := range defs {
		bucketMs := int64(def.AggregationSeconds) * 1000
		// 回看两个聚合周期并对齐到窗口起点，窗口内的桶由全部原始点重算
		start := now - 2*int64(s.conf.Series.AggregateInterval)*1000
		start -= start % bucketMs

		points, err := s.seriesRepo.FindPoints(ctx, def.Name, start, now)
		if err != nil {
			// 失败策略：跳过本周期，不做重试
			s.logger.Error("读取原始数据点失败", zap.String("metric", def.Name), zap.Error(err))
			continue
		}
		if len(points) == 0 {
			continue
		}

		buckets := s.bucketize(def, points, bucketMs)
		for i := range buckets {
			if err := s.seriesRepo.SaveBucket(ctx, &buckets[i]); err != nil {
				s.logger.Error("聚合桶落盘失败",
					zap.String("metric", def.Name),
					zap.Int64("bucketStart", buckets[i].BucketStart),
					zap.Error(err))
			}
		}

		s.evaluateThresholds(def.Name, buckets, thresholds)

		retentionMs := int64(def.RetentionDays) * 24 * 60 * 60 * 1000
		cutoff := now - retentionMs
		if err := s.seriesRepo.DeletePointsBefore(ctx, def.Name, cutoff); err != nil {
			s.logger.Error("清理原始数据点失败", zap.String("metric", def.Name), zap.Error(err))
		}
		if err := s.seriesRepo.DeleteBucketsBefore(ctx, def.Name, cutoff); err != nil {
			s.logger.Error("清理聚合桶失败", zap.String("metric", def.Name), zap.Error(err))
		}
	}
}

// bucketize 将数据点按窗口与标签组分桶并计算统计量。
// 每个桶由窗口内的全部原始点重算，落盘时覆盖既有值。
func (s *SeriesService) bucketize(def models.MetricDefinition, points []models.SeriesPoint, bucketMs int64) []models.SeriesBucket {
	type groupKey struct {
		bucketStart int64
		labelKey    string
	}
	groups := make(map[groupKey][]models.SeriesPoint)
	for _, point := range points {
		key := groupKey{
			bucketStart: point.Timestamp - point.Timestamp%bucketMs,
			labelKey:    point.LabelKey,
		}
		groups[key] = append(groups[key], point)
	}

	buckets := make([]models.SeriesBucket, 0, len(groups))
	for key, group := range groups {
		values := make([]float64, 0, len(group))
		for _, point := range group {
			values = append(values, point.Value)
		}
		stats := ComputeBucketStats(values)

		buckets = append(buckets, models.SeriesBucket{
			Metric:      def.Name,
			BucketStart: key.bucketStart,
			LabelKey:    key.labelKey,
			Labels:      group[0].Labels,
			Count:       stats.Count,
			Sum:         stats.Sum,
			Min:         stats.Min,
			Max:         stats.Max,
			Avg:         stats.Avg,
			P50:         stats.P50,
			P95:         stats.P95,
			P99:         stats.P99,
			StdDev:      stats.StdDev,
		})
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketStart < buckets[j].BucketStart })
	return buckets
}

// ComputeBucketStats 对一组值计算聚合统计量。
// 百分位取排序后下标 floor(n*p)，与输入顺序无关。
func ComputeBucketStats(values []float64) BucketStats {
	if len(values) == 0 {
		return BucketStats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(n)

	var variance float64
	for _, v := range sorted {
		variance += (v - avg) * (v - avg)
	}
	variance /= float64(n)

	return BucketStats{
		Count:  int64(n),
		Sum:    sum,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Avg:    avg,
		P50:    sorted[percentileIndex(n, 0.50)],
		P95:    sorted[percentileIndex(n, 0.95)],
		P99:    sorted[percentileIndex(n, 0.99)],
		StdDev: math.Sqrt(variance),
	}
}

// percentileIndex 排序数组的百分位下标: floor(n*p)，上限 n-1
func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// mergeBuckets 合并两个聚合桶：计数/总和精确，均值由总和推导，
// 百分位与标准差按计数加权平均（近似值）。导出侧跨窗口汇总时使用。
func mergeBuckets(a, b models.SeriesBucket) models.SeriesBucket {
	merged := b
	merged.Count = a.Count + b.Count
	merged.Sum = a.Sum + b.Sum
	merged.Min = math.Min(a.Min, b.Min)
	merged.Max = math.Max(a.Max, b.Max)
	if merged.Count > 0 {
		merged.Avg = merged.Sum / float64(merged.Count)
		wa := float64(a.Count) / float64(merged.Count)
		wb := float64(b.Count) / float64(merged.Count)
		merged.P50 = a.P50*wa + b.P50*wb
		merged.P95 = a.P95*wa + b.P95*wb
		merged.P99 = a.P99*wa + b.P99*wb
		merged.StdDev = a.StdDev*wa + b.StdDev*wb
	}
	return merged
}

// evaluateThresholds 按桶平均值评估配置的阈值，触发时发布告警事件
func (s *SeriesService) evaluateThresholds(metric string, buckets []models.SeriesBucket, thresholds []SeriesThreshold) {
	for _, threshold := range thresholds {
		if threshold.Metric != metric {
			continue
		}
		for _, bucket := range buckets {
			if compare(bucket.Avg, threshold.Operator, threshold.Threshold) {
				s.logger.Warn("时间序列阈值触发",
					zap.String("metric", metric),
					zap.Float64("avg", bucket.Avg),
					zap.Float64("threshold", threshold.Threshold),
					zap.String("severity", threshold.Severity))
				if s.bus != nil {
					s.bus.Publish(eventbus.TopicAlertFired, map[string]any{
						"source":    "series",
						"metric":    metric,
						"value":     bucket.Avg,
						"threshold": threshold.Threshold,
						"severity":  threshold.Severity,
					})
				}
				break
			}
		}
	}
}

// canonicalLabelKey 标签的规范化键：按键名排序后拼接为 k=v,k2=v2
func canonicalLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// toJSONMap map[string]string 转 JSONMap
func toJSONMap(labels map[string]string) datatypes.JSONMap {
	if len(labels) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
