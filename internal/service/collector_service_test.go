package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestCollector(t *testing.T, mutate func(*config.Config)) (*CollectorService, *gorm.DB, *fakeEngine) {
	t.Helper()
	db := newTestDB(t)
	conf := config.Default()
	if mutate != nil {
		mutate(&conf)
	}
	eng := newFakeEngine()
	bus := newTestBus()

	series := NewSeriesService(zap.NewNop(), db, conf, eng, newFakeSampler(), bus)
	if err := series.Init(context.Background()); err != nil {
		t.Fatalf("初始化时间序列存储失败: %v", err)
	}
	analyzer := NewAnalyzerService(zap.NewNop(), db, conf, eng)
	collector := NewCollectorService(zap.NewNop(), db, conf, eng, series, analyzer, bus)
	return collector, db, eng
}

func TestRecordAndFlush(t *testing.T) {
	collector, db, _ := newTestCollector(t, nil)
	ctx := context.Background()

	err := collector.Record(ctx, models.MetricSample{
		Operation:  "select",
		Query:      "SELECT * FROM users WHERE id = 1",
		DurationMs: 12,
	})
	if err != nil {
		t.Fatalf("记录样本失败: %v", err)
	}

	// 落盘前样本在缓冲区中
	summary, err := collector.Summary(ctx)
	if err != nil {
		t.Fatalf("读取概要失败: %v", err)
	}
	if summary.BufferedSamples != 1 {
		t.Errorf("缓冲区应有 1 个样本，实际 %d 个", summary.BufferedSamples)
	}

	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	sampleRepo := repo.NewSampleRepo(db)
	now := time.Now().UnixMilli()
	samples, err := sampleRepo.FindByWindow(ctx, now-10_000, now+1000)
	if err != nil {
		t.Fatalf("查询样本失败: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("应有 1 个样本，实际 %d 个", len(samples))
	}
	if samples[0].ID == "" || samples[0].Timestamp == 0 {
		t.Error("样本应补全 ID 与时间戳")
	}
}

func TestFlushPersistsSamplesAndAlertsInOneBatch(t *testing.T) {
	collector, db, _ := newTestCollector(t, nil)
	ctx := context.Background()

	if err := collector.Record(ctx, models.MetricSample{Operation: "select", DurationMs: 30}); err != nil {
		t.Fatalf("记录样本失败: %v", err)
	}
	collector.mu.Lock()
	collector.pendingAlerts = append(collector.pendingAlerts, models.AlertRecord{
		ID:        "alert-1",
		Timestamp: time.Now().UnixMilli(),
		RuleID:    "rule-1",
		Severity:  "warning",
		Message:   "慢操作",
	})
	collector.mu.Unlock()

	// 样本与告警在同一个事务内落盘
	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	sampleRepo := repo.NewSampleRepo(db)
	now := time.Now().UnixMilli()
	samples, err := sampleRepo.FindByWindow(ctx, now-10_000, now+1000)
	if err != nil {
		t.Fatalf("查询样本失败: %v", err)
	}
	if len(samples) != 1 {
		t.Errorf("事务提交后样本应可见，实际 %d 个", len(samples))
	}
	alerts, err := collector.RecentAlerts(ctx, now-10_000, 10)
	if err != nil {
		t.Fatalf("查询告警失败: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("事务提交后告警应可见，实际 %d 条", len(alerts))
	}

	summary, err := collector.Summary(ctx)
	if err != nil {
		t.Fatalf("读取概要失败: %v", err)
	}
	if summary.BufferedSamples != 0 {
		t.Errorf("落盘后缓冲区应清空，实际 %d 个", summary.BufferedSamples)
	}
}

func TestRecordRejectsMissingOperation(t *testing.T) {
	collector, _, _ := newTestCollector(t, nil)
	if err := collector.Record(context.Background(), models.MetricSample{}); err == nil {
		t.Error("缺少操作名称的样本应该被拒绝")
	}
}

func TestRecordDisabled(t *testing.T) {
	collector, _, _ := newTestCollector(t, func(c *config.Config) {
		c.Collector.Enabled = false
	})
	ctx := context.Background()

	if err := collector.Record(ctx, models.MetricSample{Operation: "select"}); err != nil {
		t.Fatalf("禁用状态下记录不应报错: %v", err)
	}
	summary, err := collector.Summary(ctx)
	if err != nil {
		t.Fatalf("读取概要失败: %v", err)
	}
	if summary.BufferedSamples != 0 {
		t.Error("禁用状态下不应缓冲样本")
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	collector, db, _ := newTestCollector(t, func(c *config.Config) {
		c.Collector.BatchSize = 3
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := collector.Record(ctx, models.MetricSample{Operation: "select", DurationMs: int64(i)}); err != nil {
			t.Fatalf("记录样本失败: %v", err)
		}
	}

	sampleRepo := repo.NewSampleRepo(db)
	now := time.Now().UnixMilli()
	samples, err := sampleRepo.FindByWindow(ctx, now-10_000, now+1000)
	if err != nil {
		t.Fatalf("查询样本失败: %v", err)
	}
	if len(samples) != 3 {
		t.Errorf("达到批量阈值应自动落盘，库中有 %d 个样本", len(samples))
	}
}

func TestCriticalDurationAlertIsSynchronous(t *testing.T) {
	collector, _, _ := newTestCollector(t, nil)
	ctx := context.Background()

	err := collector.Record(ctx, models.MetricSample{
		Operation:  "update",
		DurationMs: 6000, // 超过默认关键阈值 5000ms
	})
	if err != nil {
		t.Fatalf("记录样本失败: %v", err)
	}

	// 不经过落盘周期，告警应已持久化
	alerts, err := collector.RecentAlerts(ctx, time.Now().UnixMilli()-10_000, 10)
	if err != nil {
		t.Fatalf("查询告警失败: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("应有 1 条关键告警，实际 %d 条", len(alerts))
	}
	if alerts[0].RuleID != "builtin:critical_duration" || alerts[0].Severity != "critical" {
		t.Errorf("告警内容不符: %+v", alerts[0])
	}
}

func TestMeasureRecordsFailure(t *testing.T) {
	collector, db, _ := newTestCollector(t, nil)
	ctx := context.Background()

	wantErr := fmt.Errorf("表不存在")
	err := collector.Measure(ctx, "select", "SELECT * FROM missing", "conn-1", nil, func(ctx context.Context) error {
		return wantErr
	})
	if err == nil {
		t.Fatal("被测操作的失败必须原样返回")
	}

	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	sampleRepo := repo.NewSampleRepo(db)
	now := time.Now().UnixMilli()
	samples, err := sampleRepo.FindByWindow(ctx, now-10_000, now+1000)
	if err != nil {
		t.Fatalf("查询样本失败: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("失败的操作也应记录样本，实际 %d 个", len(samples))
	}
	if samples[0].ErrorCode == "" {
		t.Error("失败样本应带错误码")
	}
	if samples[0].CacheHit {
		t.Error("失败的操作不应判定为缓存命中")
	}
}

func TestMeasureCacheHitHeuristic(t *testing.T) {
	collector, db, _ := newTestCollector(t, func(c *config.Config) {
		c.Collector.CacheHitMaxMs = 50
	})
	ctx := context.Background()

	err := collector.Measure(ctx, "select", "SELECT 1", "", nil, func(ctx context.Context) error {
		return nil // 立即返回，时长低于缓存命中阈值
	})
	if err != nil {
		t.Fatalf("Measure 失败: %v", err)
	}
	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	sampleRepo := repo.NewSampleRepo(db)
	now := time.Now().UnixMilli()
	samples, err := sampleRepo.FindByWindow(ctx, now-10_000, now+1000)
	if err != nil {
		t.Fatalf("查询样本失败: %v", err)
	}
	if len(samples) != 1 || !samples[0].CacheHit {
		t.Error("快速成功的操作应按启发式判定为缓存命中")
	}
}

func TestEvaluateRules(t *testing.T) {
	collector, _, _ := newTestCollector(t, nil)
	ctx := context.Background()

	rule := &models.AlertRule{
		Name:            "慢操作",
		Metric:          "duration_ms",
		Operator:        ">",
		Threshold:       100,
		DurationSeconds: 300,
		Severity:        "warning",
		Enabled:         true,
	}
	if err := collector.SaveRule(ctx, rule); err != nil {
		t.Fatalf("保存规则失败: %v", err)
	}

	if err := collector.Record(ctx, models.MetricSample{Operation: "select", DurationMs: 200}); err != nil {
		t.Fatalf("记录样本失败: %v", err)
	}
	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	collector.EvaluateRules(ctx)
	// 非 critical 告警进入缓冲，再次落盘后可见
	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	alerts, err := collector.RecentAlerts(ctx, time.Now().UnixMilli()-10_000, 10)
	if err != nil {
		t.Fatalf("查询告警失败: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("应有 1 条规则告警，实际 %d 条", len(alerts))
	}
	if alerts[0].RuleID != rule.ID || alerts[0].Severity != "warning" {
		t.Errorf("告警内容不符: %+v", alerts[0])
	}
}

func TestSaveRuleRejectsBadOperator(t *testing.T) {
	collector, _, _ := newTestCollector(t, nil)
	err := collector.SaveRule(context.Background(), &models.AlertRule{
		Name:     "x",
		Metric:   "duration_ms",
		Operator: "~",
	})
	if err == nil {
		t.Error("非法运算符应该被拒绝")
	}
}

func TestSeedDefaultRulesIdempotent(t *testing.T) {
	collector, db, _ := newTestCollector(t, nil)
	ctx := context.Background()

	if err := collector.SeedDefaultRules(ctx); err != nil {
		t.Fatalf("写入默认规则失败: %v", err)
	}
	if err := collector.SeedDefaultRules(ctx); err != nil {
		t.Fatalf("重复写入默认规则失败: %v", err)
	}

	count, err := repo.NewSampleRepo(db).CountRules(ctx)
	if err != nil {
		t.Fatalf("统计规则失败: %v", err)
	}
	if count != 3 {
		t.Errorf("默认规则应为 3 条，实际 %d 条", count)
	}
}

func TestFanOutFeedsSeriesAndAnalyzer(t *testing.T) {
	collector, db, _ := newTestCollector(t, func(c *config.Config) {
		c.Analyzer.SlowQueryThresholdMs = 100
	})
	ctx := context.Background()

	err := collector.Record(ctx, models.MetricSample{
		Operation:  "select",
		Query:      "SELECT * FROM users WHERE id = 7",
		DurationMs: 150,
	})
	if err != nil {
		t.Fatalf("记录样本失败: %v", err)
	}
	if err := collector.Flush(ctx); err != nil {
		t.Fatalf("落盘失败: %v", err)
	}

	// 时间序列侧：操作耗时指标进入缓冲
	collector.series.FlushBuffers(ctx)
	now := time.Now().UnixMilli()
	points, err := collector.series.Query(ctx, MetricOperationDuration, now-10_000, now+1000, nil)
	if err != nil {
		t.Fatalf("查询时间序列失败: %v", err)
	}
	if len(points) != 1 || points[0].Value != 150 {
		t.Errorf("操作耗时应分发到时间序列: %v", points)
	}

	// 分析器侧：慢查询统计与查询模式
	queryRepo := repo.NewQueryRepo(db)
	slowCount, err := queryRepo.CountSlowQueries(ctx)
	if err != nil {
		t.Fatalf("统计慢查询失败: %v", err)
	}
	if slowCount != 1 {
		t.Errorf("超过阈值的查询应进入慢查询统计，实际 %d 条", slowCount)
	}
	patternCount, err := queryRepo.CountPatterns(ctx)
	if err != nil {
		t.Fatalf("统计查询模式失败: %v", err)
	}
	if patternCount != 1 {
		t.Errorf("查询模式应被统计，实际 %d 条", patternCount)
	}
}
