package service

import (
	"context"
	"testing"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/models"
	"go.uber.org/zap"
)

func newTestSeries(t *testing.T) *SeriesService {
	t.Helper()
	db := newTestDB(t)
	conf := config.Default()
	s := NewSeriesService(zap.NewNop(), db, conf, newFakeEngine(), newFakeSampler(), newTestBus())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("初始化时间序列存储失败: %v", err)
	}
	return s
}

func TestRegisterMetricValidation(t *testing.T) {
	s := newTestSeries(t)
	ctx := context.Background()

	if err := s.RegisterMetric(ctx, models.MetricDefinition{Kind: models.MetricKindGauge}); err == nil {
		t.Error("空名称应该被拒绝")
	}
	if err := s.RegisterMetric(ctx, models.MetricDefinition{Name: "x", Kind: "bogus"}); err == nil {
		t.Error("未知指标类型应该被拒绝")
	}

	err := s.RegisterMetric(ctx, models.MetricDefinition{
		Name:    "app_requests_total",
		Kind:    models.MetricKindCounter,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("注册合法指标失败: %v", err)
	}

	// 未指定保留期与聚合窗口时使用全局默认
	defs := s.Definitions()
	for _, def := range defs {
		if def.Name == "app_requests_total" {
			if def.RetentionDays != config.Default().Series.RetentionDays {
				t.Errorf("保留期应取全局默认: %d", def.RetentionDays)
			}
			return
		}
	}
	t.Error("注册的指标未出现在定义列表中")
}

func TestRecordAndQuery(t *testing.T) {
	s := newTestSeries(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	s.Record(MetricOperationDuration, 12.5, map[string]string{"operation": "select"}, now)
	s.Record("never_registered", 1, nil, now) // 未注册指标应被忽略
	s.FlushBuffers(ctx)

	points, err := s.Query(ctx, MetricOperationDuration, now-1000, now+1000, nil)
	if err != nil {
		t.Fatalf("查询数据点失败: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("应有 1 个数据点，实际 %d 个", len(points))
	}
	if points[0].Value != 12.5 {
		t.Errorf("数据点取值不符: %f", points[0].Value)
	}
	if points[0].LabelKey != "operation=select" {
		t.Errorf("标签键不符: %q", points[0].LabelKey)
	}

	ghost, err := s.Query(ctx, "never_registered", now-1000, now+1000, nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(ghost) != 0 {
		t.Errorf("未注册指标不应有数据点，实际 %d 个", len(ghost))
	}
}

func TestQueryByLabel(t *testing.T) {
	s := newTestSeries(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	s.Record(MetricOperationDuration, 10, map[string]string{"operation": "select"}, now)
	s.Record(MetricOperationDuration, 20, map[string]string{"operation": "insert"}, now)
	s.FlushBuffers(ctx)

	points, err := s.Query(ctx, MetricOperationDuration, now-1000, now+1000, map[string]string{"operation": "insert"})
	if err != nil {
		t.Fatalf("按标签查询失败: %v", err)
	}
	if len(points) != 1 || points[0].Value != 20 {
		t.Errorf("标签过滤结果不符: %v", points)
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	db := newTestDB(t)
	conf := config.Default()
	conf.Series.BufferSize = 3
	s := NewSeriesService(zap.NewNop(), db, conf, nil, nil, newTestBus())
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}

	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		s.Record(MetricProcessMemory, float64(i), nil, now+int64(i))
	}
	s.FlushBuffers(ctx)

	points, err := s.Query(ctx, MetricProcessMemory, now-1000, now+1000, nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("缓冲区容量 3 应只保留 3 个点，实际 %d 个", len(points))
	}
	// 最旧的两个点被丢弃
	if points[0].Value != 2 {
		t.Errorf("应丢弃最旧的数据点，首个点取值 %f", points[0].Value)
	}
}

func TestComputeBucketStats(t *testing.T) {
	values := []float64{100, 90, 80, 70, 60, 50, 40, 30, 20, 10}
	stats := ComputeBucketStats(values)

	if stats.Count != 10 {
		t.Errorf("计数不符: %d", stats.Count)
	}
	if stats.Sum != 550 {
		t.Errorf("总和不符: %f", stats.Sum)
	}
	if stats.Min != 10 || stats.Max != 100 {
		t.Errorf("极值不符: min=%f max=%f", stats.Min, stats.Max)
	}
	if stats.Avg != 55 {
		t.Errorf("均值不符: %f", stats.Avg)
	}
	// 排序后下标 floor(10*0.50)=5 -> 60
	if stats.P50 != 60 {
		t.Errorf("P50 不符: %f", stats.P50)
	}
	if stats.P95 != 100 || stats.P99 != 100 {
		t.Errorf("高百分位不符: p95=%f p99=%f", stats.P95, stats.P99)
	}

	// 单调性: min <= p50 <= p95 <= p99 <= max
	if !(stats.Min <= stats.P50 && stats.P50 <= stats.P95 && stats.P95 <= stats.P99 && stats.P99 <= stats.Max) {
		t.Errorf("百分位应单调: %+v", stats)
	}
}

func TestComputeBucketStatsOrderIndependent(t *testing.T) {
	a := ComputeBucketStats([]float64{3, 1, 2})
	b := ComputeBucketStats([]float64{1, 2, 3})
	if a != b {
		t.Errorf("统计量应与输入顺序无关: %+v vs %+v", a, b)
	}
}

func TestComputeBucketStatsEmpty(t *testing.T) {
	stats := ComputeBucketStats(nil)
	if stats.Count != 0 {
		t.Errorf("空输入应返回零值: %+v", stats)
	}
}

func TestAggregate(t *testing.T) {
	s := newTestSeries(t)
	ctx := context.Background()

	// 对齐到当前聚合桶的起点，保证所有点落在同一个桶里
	bucketMs := int64(s.conf.Series.BucketSeconds) * 1000
	now := time.Now().UnixMilli()
	bucketStart := now - now%bucketMs

	labels := map[string]string{"operation": "select"}
	for i, v := range []float64{10, 20, 30, 40} {
		s.Record(MetricOperationDuration, v, labels, bucketStart+int64(i))
	}
	s.FlushBuffers(ctx)

	s.Aggregate(ctx)

	buckets, err := s.AggregatedQuery(ctx, MetricOperationDuration, bucketStart-1, now+1)
	if err != nil {
		t.Fatalf("查询聚合桶失败: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("应有 1 个聚合桶，实际 %d 个", len(buckets))
	}

	bucket := buckets[0]
	if bucket.BucketStart%bucketMs != 0 {
		t.Errorf("桶起点应与窗口对齐: %d", bucket.BucketStart)
	}
	if bucket.Count != 4 || bucket.Sum != 100 || bucket.Min != 10 || bucket.Max != 40 || bucket.Avg != 25 {
		t.Errorf("聚合统计不符: %+v", bucket)
	}
	if bucket.LabelKey != "operation=select" {
		t.Errorf("标签键不符: %q", bucket.LabelKey)
	}
}

func TestAggregateIdempotent(t *testing.T) {
	s := newTestSeries(t)
	ctx := context.Background()

	bucketMs := int64(s.conf.Series.BucketSeconds) * 1000
	now := time.Now().UnixMilli()
	bucketStart := now - now%bucketMs

	labels := map[string]string{"operation": "select"}
	for i, v := range []float64{10, 20, 30} {
		s.Record(MetricOperationDuration, v, labels, bucketStart+int64(i))
	}
	s.FlushBuffers(ctx)

	// 同一窗口聚合两次，整窗重算后结果应一致
	s.Aggregate(ctx)
	s.Aggregate(ctx)

	buckets, err := s.AggregatedQuery(ctx, MetricOperationDuration, bucketStart-1, now+1)
	if err != nil {
		t.Fatalf("查询聚合桶失败: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("应有 1 个聚合桶，实际 %d 个", len(buckets))
	}
	if buckets[0].Count != 3 || buckets[0].Sum != 60 {
		t.Errorf("重复聚合不应累加统计: count=%d sum=%f", buckets[0].Count, buckets[0].Sum)
	}
}

func TestAggregateSeparatesLabelGroups(t *testing.T) {
	s := newTestSeries(t)
	ctx := context.Background()

	bucketMs := int64(s.conf.Series.BucketSeconds) * 1000
	now := time.Now().UnixMilli()
	bucketStart := now - now%bucketMs

	s.Record(MetricOperationDuration, 10, map[string]string{"operation": "select"}, bucketStart)
	s.Record(MetricOperationDuration, 99, map[string]string{"operation": "insert"}, bucketStart+1)
	s.FlushBuffers(ctx)
	s.Aggregate(ctx)

	buckets, err := s.AggregatedQuery(ctx, MetricOperationDuration, bucketStart-1, now+1)
	if err != nil {
		t.Fatalf("查询聚合桶失败: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("不同标签组应各自成桶，实际 %d 个", len(buckets))
	}
}

func TestCanonicalLabelKey(t *testing.T) {
	a := canonicalLabelKey(map[string]string{"b": "2", "a": "1"})
	if a != "a=1,b=2" {
		t.Errorf("标签键应按键名排序: %q", a)
	}
	if canonicalLabelKey(nil) != "" {
		t.Error("空标签应得到空键")
	}
}

func TestMergeBuckets(t *testing.T) {
	a := models.SeriesBucket{Count: 2, Sum: 20, Min: 5, Max: 15, Avg: 10, P50: 10, P95: 15, P99: 15}
	b := models.SeriesBucket{Count: 2, Sum: 60, Min: 20, Max: 40, Avg: 30, P50: 30, P95: 40, P99: 40}

	merged := mergeBuckets(a, b)
	if merged.Count != 4 {
		t.Errorf("合并后计数不符: %d", merged.Count)
	}
	if merged.Sum != 80 {
		t.Errorf("合并后总和不符: %f", merged.Sum)
	}
	if merged.Min != 5 || merged.Max != 40 {
		t.Errorf("合并后极值不符: min=%f max=%f", merged.Min, merged.Max)
	}
	if merged.Avg != 20 {
		t.Errorf("合并后均值应由总和推导: %f", merged.Avg)
	}
	// 百分位按计数加权平均（近似）
	if merged.P50 != 20 {
		t.Errorf("合并后 P50 不符: %f", merged.P50)
	}
}
