package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/marmot/internal/models"
	"gorm.io/datatypes"
)

// MetricSnapshot 单个指标的最新状态（JSON 导出）
type MetricSnapshot struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Unit        string               `json:"unit"`
	Kind        string               `json:"kind"`
	Value       float64              `json:"value"`
	Timestamp   int64                `json:"timestamp"`
	Bucket      *models.SeriesBucket `json:"bucket,omitempty"` // histogram/summary 的最新聚合桶
}

// PrometheusText 导出 Prometheus 文本格式：
// counter/gauge 输出最新值，histogram/summary 先把近期窗口的桶
// 按标签组汇总，再将百分位展开为带后缀的序列。
func (s *SeriesService) PrometheusText(ctx context.Context) (string, error) {
	var sb strings.Builder

	for _, def := range s.Definitions() {
		if !def.Enabled {
			continue
		}

		sb.WriteString(fmt.Sprintf("# HELP %s %s\n", def.Name, def.Description))
		sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", def.Name, prometheusType(def.Kind)))

		switch def.Kind {
		case models.MetricKindHistogram, models.MetricKindSummary:
			now := time.Now().UnixMilli()
			lookback := int64(def.AggregationSeconds) * 1000 * 4
			buckets, err := s.seriesRepo.FindBuckets(ctx, def.Name, now-lookback, now)
			if err != nil {
				return "", err
			}
			for _, bucket := range rollupBucketsPerLabel(buckets) {
				labels := renderLabels(bucket.Labels)
				sb.WriteString(fmt.Sprintf("%s_count%s %d\n", def.Name, labels, bucket.Count))
				sb.WriteString(fmt.Sprintf("%s_sum%s %s\n", def.Name, labels, formatValue(bucket.Sum)))
				sb.WriteString(fmt.Sprintf("%s_avg%s %s\n", def.Name, labels, formatValue(bucket.Avg)))
				sb.WriteString(fmt.Sprintf("%s_p50%s %s\n", def.Name, labels, formatValue(bucket.P50)))
				sb.WriteString(fmt.Sprintf("%s_p95%s %s\n", def.Name, labels, formatValue(bucket.P95)))
				sb.WriteString(fmt.Sprintf("%s_p99%s %s\n", def.Name, labels, formatValue(bucket.P99)))
			}
		default:
			point, err := s.seriesRepo.LatestPoint(ctx, def.Name)
			if err != nil {
				// 还没有数据点的指标跳过
				continue
			}
			sb.WriteString(fmt.Sprintf("%s%s %s\n", def.Name, renderLabels(point.Labels), formatValue(point.Value)))
		}
	}

	return sb.String(), nil
}

// JSONSnapshot 导出全部指标的最新状态
func (s *SeriesService) JSONSnapshot(ctx context.Context) ([]MetricSnapshot, error) {
	var snapshots []MetricSnapshot

	for _, def := range s.Definitions() {
		if !def.Enabled {
			continue
		}
		snapshot := MetricSnapshot{
			Name:        def.Name,
			Description: def.Description,
			Unit:        def.Unit,
			Kind:        def.Kind,
		}

		if point, err := s.seriesRepo.LatestPoint(ctx, def.Name); err == nil {
			snapshot.Value = point.Value
			snapshot.Timestamp = point.Timestamp
		}

		if def.Kind == models.MetricKindHistogram || def.Kind == models.MetricKindSummary {
			now := time.Now().UnixMilli()
			lookback := int64(def.AggregationSeconds) * 1000 * 4
			buckets, err := s.seriesRepo.FindBuckets(ctx, def.Name, now-lookback, now)
			if err == nil && len(buckets) > 0 {
				latest := buckets[len(buckets)-1]
				snapshot.Bucket = &latest
			}
		}

		snapshots = append(snapshots, snapshot)
	}

	return snapshots, nil
}

// CSVDump 导出指定指标在时间窗口内的原始数据点
func (s *SeriesService) CSVDump(ctx context.Context, metric string, start, end int64) (string, error) {
	points, err := s.seriesRepo.FindPoints(ctx, metric, start, end)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	writer := csv.NewWriter(&sb)
	if err := writer.Write([]string{"metric", "timestamp", "value", "labels"}); err != nil {
		return "", err
	}
	for _, point := range points {
		record := []string{
			point.Metric,
			strconv.FormatInt(point.Timestamp, 10),
			formatValue(point.Value),
			point.LabelKey,
		}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// prometheusType 指标类型到 Prometheus 暴露类型的映射。
// histogram 的百分位以带后缀的 gauge 序列暴露，而非原生 histogram 桶。
func prometheusType(kind string) string {
	switch kind {
	case models.MetricKindCounter:
		return "counter"
	default:
		return "gauge"
	}
}

// rollupBucketsPerLabel 将窗口内每个标签组的桶合并为一个汇总桶。
// 计数与总和精确，百分位与标准差为计数加权近似值。
func rollupBucketsPerLabel(buckets []models.SeriesBucket) []models.SeriesBucket {
	merged := make(map[string]models.SeriesBucket)
	for _, bucket := range buckets {
		if existing, ok := merged[bucket.LabelKey]; ok {
			merged[bucket.LabelKey] = mergeBuckets(existing, bucket)
		} else {
			merged[bucket.LabelKey] = bucket
		}
	}

	out := make([]models.SeriesBucket, 0, len(merged))
	for _, bucket := range merged {
		out = append(out, bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LabelKey < out[j].LabelKey })
	return out
}

// renderLabels 渲染 Prometheus 标签，如 {operation="select"}
func renderLabels(labels datatypes.JSONMap) string {
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
		parts = append(parts, fmt.Sprintf("%s=%q", k, fmt.Sprint(labels[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// formatValue 数值格式化，整数不带小数点
func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
