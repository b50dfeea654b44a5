package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/repo"
	"github.com/go-orz/cache"
	"github.com/go-orz/orz"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Baseline 日级滚动性能基线
type Baseline struct {
	AvgMs       float64 `json:"avgMs"`
	SampleCount int64   `json:"sampleCount"`
	ComputedAt  int64   `json:"computedAt"` // 毫秒
}

// RealtimeSummary 实时性能摘要（供仪表盘读取）
type RealtimeSummary struct {
	WindowSeconds   int     `json:"windowSeconds"`
	OperationCount  int64   `json:"operationCount"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
	MaxDurationMs   int64   `json:"maxDurationMs"`
	ErrorCount      int64   `json:"errorCount"`
	ErrorRate       float64 `json:"errorRate"`    // 百分比
	CacheHitRate    float64 `json:"cacheHitRate"` // 百分比（时长启发式）
	BufferedSamples int     `json:"bufferedSamples"`
	ActiveAlerts    int     `json:"activeAlerts"`
}

// MeasureOptions measure 的可选参数
type MeasureOptions struct {
	UserID      string // 用户 ID
	CapturePlan bool   // 是否采集执行计划（覆盖全局配置）
}

// CollectorService 指标采集器：围绕每次数据库操作记录时延与资源样本，
// 缓冲落盘并分发到时间序列存储与查询分析器，同时进行实时告警评估。
type CollectorService struct {
	logger  *zap.Logger
	Service *orz.Service

	sampleRepo *repo.SampleRepo
	series     *SeriesService
	analyzer   *AnalyzerService
	dbEngine   engine.Engine
	bus        *eventbus.Bus
	conf       config.Config

	mu            sync.Mutex
	buffer        []models.MetricSample
	pendingAlerts []models.AlertRecord

	baselineCache cache.Cache[string, *Baseline]
	retry         *backoff.Backoff

	cron    *cron.Cron
	started atomic.Bool
}

func NewCollectorService(logger *zap.Logger, db *gorm.DB, conf config.Config, dbEngine engine.Engine, series *SeriesService, analyzer *AnalyzerService, bus *eventbus.Bus) *CollectorService {
	return &CollectorService{
		logger:     logger,
		Service:    orz.NewService(db),
		sampleRepo: repo.NewSampleRepo(db),
		series:     series,
		analyzer:   analyzer,
		dbEngine:   dbEngine,
		bus:        bus,
		conf:       conf,

		baselineCache: cache.New[string, *Baseline](48 * time.Hour),
		retry: &backoff.Backoff{
			Min:    time.Second,
			Max:    time.Minute,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Record 记录一个样本：补全 ID 与时间戳，按采样率随机丢弃，写入内存缓冲，
// 关键时长告警在本次调用内同步评估并落盘，缓冲达到批量阈值时触发落盘。
func (s *CollectorService) Record(ctx context.Context, sample models.MetricSample) error {
	if !s.conf.Collector.Enabled {
		return nil
	}
	if sample.Operation == "" {
		return fmt.Errorf("样本缺少操作名称")
	}

	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.Timestamp == 0 {
		sample.Timestamp = time.Now().UnixMilli()
	}

	// 按采样率随机丢弃
	if rate := s.conf.Collector.SamplingRate; rate < 1.0 && rand.Float64() >= rate {
		return nil
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, sample)
	needFlush := len(s.buffer) >= s.conf.Collector.BatchSize
	s.mu.Unlock()

	s.bus.Publish(eventbus.TopicSampleRecorded, sample)

	// 关键时长告警快速路径：同步评估并持久化
	if sample.DurationMs >= s.conf.Collector.CriticalDurationMs {
		s.fireCriticalDurationAlert(ctx, sample)
	}

	if needFlush {
		if err := s.Flush(ctx); err != nil {
			s.logger.Error("缓冲区落盘失败，批次已重新入队", zap.Error(err))
		}
	}

	return nil
}

// fireCriticalDurationAlert 同步写入关键时长告警
func (s *CollectorService) fireCriticalDurationAlert(ctx context.Context, sample models.MetricSample) {
	alert := models.AlertRecord{
		ID:        uuid.NewString(),
		Timestamp: sample.Timestamp,
		RuleID:    "builtin:critical_duration",
		Severity:  "critical",
		Message: fmt.Sprintf("操作 %s 耗时 %dms，超过关键阈值 %dms",
			sample.Operation, sample.DurationMs, s.conf.Collector.CriticalDurationMs),
		Value:     float64(sample.DurationMs),
		Threshold: float64(s.conf.Collector.CriticalDurationMs),
		Metadata: map[string]any{
			"sampleId":  sample.ID,
			"operation": sample.Operation,
		},
	}

	if err := s.sampleRepo.CreateAlert(ctx, &alert); err != nil {
		s.logger.Error("关键告警落盘失败", zap.String("sampleId", sample.ID), zap.Error(err))
	}
	s.bus.Publish(eventbus.TopicAlertFired, alert)
}

// Measure 包裹一次数据库操作：计时、按启发式判定缓存命中、可选采集执行计划，
// 无论成功失败都记录样本，并在记录后将失败原样返回给调用方。
func (s *CollectorService) Measure(ctx context.Context, operation, query, connectionID string, opts *MeasureOptions, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	durationMs := time.Since(start).Milliseconds()

	sample := models.MetricSample{
		Operation:    operation,
		Query:        query,
		DurationMs:   durationMs,
		ConnectionID: connectionID,
		// 缓存命中为固定小时长启发式判定，并非真实缓存信号
		CacheHit: err == nil && durationMs <= s.conf.Collector.CacheHitMaxMs,
	}
	if opts != nil {
		sample.UserID = opts.UserID
	}
	if err != nil {
		sample.ErrorCode = truncate(err.Error(), 128)
	}

	capturePlan := s.conf.Collector.CapturePlans
	if opts != nil && opts.CapturePlan {
		capturePlan = true
	}
	if capturePlan && query != "" && err == nil {
		if steps, planErr := s.dbEngine.ExplainPlan(ctx, query); planErr == nil {
			details := make([]string, 0, len(steps))
			for _, step := range steps {
				details = append(details, step.Detail)
			}
			sample.Plan = strings.Join(details, "\n")
		}
	}

	if recordErr := s.Record(ctx, sample); recordErr != nil {
		s.logger.Error("记录样本失败",
			zap.String("operation", operation),
			zap.Error(recordErr))
	}

	// 被测操作的失败在记录后必须原样抛回，绝不吞掉
	return err
}

// Flush 落盘：在任何 IO 之前原子地交换并清空当前缓冲，
// 并发记录的样本会落入新缓冲，不会丢失也不会重复落盘。
func (s *CollectorService) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	alerts := s.pendingAlerts
	s.buffer = nil
	s.pendingAlerts = nil
	s.mu.Unlock()

	if len(batch) == 0 && len(alerts) == 0 {
		return nil
	}

	err := s.Service.Transaction(ctx, func(ctx context.Context) error {
		if err := s.sampleRepo.CreateBatch(ctx, batch); err != nil {
			return err
		}
		return s.sampleRepo.CreateAlerts(ctx, alerts)
	})
	if err != nil {
		// 失败批次重新排到缓冲区头部，下个周期重试（至少一次语义，下游可能出现重复）
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.pendingAlerts = append(alerts, s.pendingAlerts...)
		s.mu.Unlock()

		delay := s.retry.Duration()
		s.logger.Error("样本批次落盘失败",
			zap.Int("batchSize", len(batch)),
			zap.Duration("nextRetryIn", delay),
			zap.Error(err))
		return err
	}
	s.retry.Reset()

	s.fanOut(ctx, batch)
	return nil
}

// fanOut 将已落盘的样本分发到时间序列存储与查询分析器
func (s *CollectorService) fanOut(ctx context.Context, batch []models.MetricSample) {
	for _, sample := range batch {
		if s.series != nil {
			labels := map[string]string{"operation": sample.Operation}
			s.series.Record(MetricOperationDuration, float64(sample.DurationMs), labels, sample.Timestamp)
			if sample.ErrorCode != "" {
				s.series.Record(MetricOperationErrors, 1, labels, sample.Timestamp)
			}
		}

		if s.analyzer != nil && sample.Query != "" {
			s.analyzer.TrackQueryPattern(ctx, sample.Query, sample.DurationMs)
			if sample.DurationMs >= s.conf.Analyzer.SlowQueryThresholdMs {
				if _, err := s.analyzer.AnalyzeQuery(ctx, sample.Query, sample.DurationMs, nil); err != nil {
					s.logger.Debug("查询分析失败", zap.Error(err))
				}
			}
		}
	}
}

// Start 启动聚合定时器（落盘 + 规则评估 + 基线刷新）与每日清理定时器，幂等
func (s *CollectorService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.cron = cron.New(cron.WithSeconds())

	spec := fmt.Sprintf("@every %ds", s.conf.Collector.FlushInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		s.aggregationCycle(context.Background())
	}); err != nil {
		s.logger.Error("注册聚合定时器失败", zap.Error(err))
	}

	if _, err := s.cron.AddFunc("0 0 3 * * *", func() {
		s.cleanup(context.Background())
	}); err != nil {
		s.logger.Error("注册清理定时器失败", zap.Error(err))
	}

	s.cron.Start()
	s.logger.Info("指标采集器已启动",
		zap.Int("flushInterval", s.conf.Collector.FlushInterval),
		zap.Float64("samplingRate", s.conf.Collector.SamplingRate))
}

// Stop 停止定时器并执行最后一次落盘，幂等
func (s *CollectorService) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if err := s.Flush(context.Background()); err != nil {
		s.logger.Error("停止时落盘失败", zap.Error(err))
	}
	s.logger.Info("指标采集器已停止")
}

// aggregationCycle 周期任务：落盘、评估启用的告警规则、刷新日级基线
func (s *CollectorService) aggregationCycle(ctx context.Context) {
	if err := s.Flush(ctx); err != nil {
		// 失败批次已重新入队，等待下个周期
		return
	}
	s.EvaluateRules(ctx)
	s.refreshBaseline(ctx)
}

// EvaluateRules 评估全部启用的告警规则：
// 在规则的回溯窗口内取样本，>/>= 取最大值，</<= 取最小值，= 取最新值。
func (s *CollectorService) EvaluateRules(ctx context.Context) {
	rules, err := s.sampleRepo.FindEnabledRules(ctx)
	if err != nil {
		s.logger.Error("查询告警规则失败", zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	for _, rule := range rules {
		lookback := int64(rule.DurationSeconds) * 1000
		if lookback <= 0 {
			lookback = 60_000
		}
		samples, err := s.sampleRepo.FindByWindow(ctx, now-lookback, now)
		if err != nil {
			s.logger.Error("查询规则窗口样本失败", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if len(samples) == 0 {
			continue
		}

		value, ok := observeRuleValue(rule, samples)
		if !ok {
			continue
		}
		if !compare(value, rule.Operator, rule.Threshold) {
			continue
		}

		alert := models.AlertRecord{
			ID:        uuid.NewString(),
			Timestamp: now,
			RuleID:    rule.ID,
			Severity:  rule.Severity,
			Message: fmt.Sprintf("规则 %s 触发: %s %s %.2f (观测值 %.2f)",
				rule.Name, rule.Metric, rule.Operator, rule.Threshold, value),
			Value:     value,
			Threshold: rule.Threshold,
			Metadata:  map[string]any{"ruleName": rule.Name, "metric": rule.Metric},
		}

		if rule.Severity == "critical" {
			// critical 同步落盘，其余进入缓冲
			if err := s.sampleRepo.CreateAlert(ctx, &alert); err != nil {
				s.logger.Error("告警落盘失败", zap.String("rule", rule.Name), zap.Error(err))
			}
		} else {
			s.mu.Lock()
			s.pendingAlerts = append(s.pendingAlerts, alert)
			s.mu.Unlock()
		}
		s.bus.Publish(eventbus.TopicAlertFired, alert)
	}
}

// observeRuleValue 从样本序列中按规则语义取观测值
func observeRuleValue(rule models.AlertRule, samples []models.MetricSample) (float64, bool) {
	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		switch rule.Metric {
		case "duration_ms":
			values = append(values, float64(sample.DurationMs))
		case "memory_bytes":
			values = append(values, float64(sample.MemoryBytes))
		case "cpu_time_ms":
			values = append(values, float64(sample.CPUTimeMs))
		case "io_wait_ms":
			values = append(values, float64(sample.IOWaitMs))
		case "warning_count":
			values = append(values, float64(sample.WarningCount))
		case "error_rate":
			// error_rate 按窗口整体计算，不逐样本取值
		default:
			return 0, false
		}
	}

	if rule.Metric == "error_rate" {
		var errors int
		for _, sample := range samples {
			if sample.ErrorCode != "" {
				errors++
			}
		}
		return float64(errors) / float64(len(samples)) * 100, true
	}

	if len(values) == 0 {
		return 0, false
	}

	switch rule.Operator {
	case ">", ">=":
		maxValue := values[0]
		for _, v := range values[1:] {
			if v > maxValue {
				maxValue = v
			}
		}
		return maxValue, true
	case "<", "<=":
		minValue := values[0]
		for _, v := range values[1:] {
			if v < minValue {
				minValue = v
			}
		}
		return minValue, true
	default:
		return values[len(values)-1], true
	}
}

// compare 按运算符比较观测值与阈值
func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "=":
		return value == threshold
	default:
		return false
	}
}

// refreshBaseline 刷新日级滚动基线（前一天的平均耗时），
// 并与最近一小时比较，显著劣化时产生告警。
func (s *CollectorService) refreshBaseline(ctx context.Context) {
	now := time.Now().UnixMilli()
	dayMs := int64(24 * time.Hour / time.Millisecond)

	stats, err := s.sampleRepo.StatsByWindow(ctx, now-2*dayMs, now-dayMs)
	if err != nil {
		s.logger.Error("计算基线失败", zap.Error(err))
		return
	}
	if stats.Count < 10 {
		// 样本太少，基线不可用
		return
	}

	baseline := &Baseline{
		AvgMs:       stats.AvgMs,
		SampleCount: stats.Count,
		ComputedAt:  now,
	}
	s.baselineCache.Set("daily", baseline, 48*time.Hour)

	recent, err := s.sampleRepo.StatsByWindow(ctx, now-int64(time.Hour/time.Millisecond), now)
	if err != nil || recent.Count == 0 {
		return
	}

	// 劣化超过基线 50% 时告警
	if recent.AvgMs > baseline.AvgMs*1.5 {
		alert := models.AlertRecord{
			ID:        uuid.NewString(),
			Timestamp: now,
			RuleID:    "builtin:baseline_degradation",
			Severity:  "warning",
			Message: fmt.Sprintf("近一小时平均耗时 %.1fms 超过日基线 %.1fms 的 150%%",
				recent.AvgMs, baseline.AvgMs),
			Value:     recent.AvgMs,
			Threshold: baseline.AvgMs * 1.5,
			Metadata:  map[string]any{"baselineSamples": baseline.SampleCount},
		}
		s.mu.Lock()
		s.pendingAlerts = append(s.pendingAlerts, alert)
		s.mu.Unlock()
		s.bus.Publish(eventbus.TopicAlertFired, alert)
	}
}

// cleanup 按保留期清理样本与告警
func (s *CollectorService) cleanup(ctx context.Context) {
	cutoff := time.Now().UnixMilli() - int64(s.conf.Collector.RetentionDays)*24*60*60*1000

	if err := s.sampleRepo.DeleteBefore(ctx, cutoff); err != nil {
		s.logger.Error("清理过期样本失败", zap.Error(err))
	}
	if err := s.sampleRepo.DeleteAlertsBefore(ctx, cutoff); err != nil {
		s.logger.Error("清理过期告警失败", zap.Error(err))
	}
	s.logger.Info("采集器数据清理完成", zap.Int64("cutoff", cutoff))
}

// Baseline 返回当前日级基线（可能为 nil）
func (s *CollectorService) Baseline() *Baseline {
	baseline, _ := s.baselineCache.Get("daily")
	return baseline
}

// Summary 实时性能摘要（最近 5 分钟）
func (s *CollectorService) Summary(ctx context.Context) (*RealtimeSummary, error) {
	const windowSeconds = 300
	now := time.Now().UnixMilli()

	stats, err := s.sampleRepo.StatsByWindow(ctx, now-windowSeconds*1000, now)
	if err != nil {
		return nil, err
	}

	active, err := s.sampleRepo.FindActiveAlerts(ctx)
	if err != nil {
		s.logger.Error("查询未恢复告警失败", zap.Error(err))
	}

	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()

	summary := &RealtimeSummary{
		WindowSeconds:   windowSeconds,
		OperationCount:  stats.Count,
		AvgDurationMs:   stats.AvgMs,
		MaxDurationMs:   stats.MaxMs,
		ErrorCount:      stats.ErrorCount,
		BufferedSamples: buffered,
		ActiveAlerts:    len(active),
	}
	if stats.Count > 0 {
		summary.ErrorRate = float64(stats.ErrorCount) / float64(stats.Count) * 100
		summary.CacheHitRate = float64(stats.CacheHits) / float64(stats.Count) * 100
	}
	return summary, nil
}

// RecentAlerts 查询最近的告警
func (s *CollectorService) RecentAlerts(ctx context.Context, since int64, limit int) ([]models.AlertRecord, error) {
	return s.sampleRepo.FindAlertsSince(ctx, since, limit)
}

// SaveRule 保存告警规则
func (s *CollectorService) SaveRule(ctx context.Context, rule *models.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	switch rule.Operator {
	case ">", ">=", "<", "<=", "=":
	default:
		return fmt.Errorf("不支持的运算符: %s", rule.Operator)
	}
	return s.sampleRepo.SaveRule(ctx, rule)
}

// SeedDefaultRules 首次启动时写入内置告警规则，幂等
func (s *CollectorService) SeedDefaultRules(ctx context.Context) error {
	count, err := s.sampleRepo.CountRules(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	defaults := []models.AlertRule{
		{ID: "default:slow_operation", Name: "慢操作", Metric: "duration_ms", Operator: ">", Threshold: 1000, DurationSeconds: 300, Severity: "warning", Enabled: true},
		{ID: "default:critical_operation", Name: "超慢操作", Metric: "duration_ms", Operator: ">", Threshold: float64(s.conf.Collector.CriticalDurationMs), DurationSeconds: 300, Severity: "critical", Enabled: true},
		{ID: "default:high_error_rate", Name: "高错误率", Metric: "error_rate", Operator: ">", Threshold: 10, DurationSeconds: 600, Severity: "warning", Enabled: true},
	}
	for i := range defaults {
		if err := s.sampleRepo.SaveRule(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	return nil
}

// truncate 截断过长字符串
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
