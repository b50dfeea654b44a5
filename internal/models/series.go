package models

import "gorm.io/datatypes"

// 指标类型
const (
	MetricKindCounter   = "counter"
	MetricKindGauge     = "gauge"
	MetricKindHistogram = "histogram"
	MetricKindSummary   = "summary"
)

// MetricDefinition 命名指标定义（内置 + 动态注册）
type MetricDefinition struct {
	Name               string                      `gorm:"primaryKey" json:"name"`
	Description        string                      `json:"description"`
	Unit               string                      `json:"unit"`
	Kind               string                      `json:"kind"`               // counter/gauge/histogram/summary
	Labels             datatypes.JSONSlice[string] `json:"labels,omitempty"`   // 标签名列表
	RetentionDays      int                         `json:"retentionDays"`      // 保留天数（0 表示使用全局默认）
	AggregationSeconds int                         `json:"aggregationSeconds"` // 聚合窗口（0 表示使用全局默认）
	Enabled            bool                        `json:"enabled"`
}

func (MetricDefinition) TableName() string {
	return "ts_definitions"
}

// SeriesPoint 原始时间序列数据点（只追加）
type SeriesPoint struct {
	ID        uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	Metric    string            `gorm:"index:idx_point_metric_ts" json:"metric"`
	Timestamp int64             `gorm:"index:idx_point_metric_ts" json:"timestamp"` // 毫秒
	Value     float64           `json:"value"`
	LabelKey  string            `gorm:"index:idx_point_labels" json:"labelKey"` // 标签的规范化键（如 op=select,table=users）
	Labels    datatypes.JSONMap `json:"labels,omitempty"`
}

func (SeriesPoint) TableName() string {
	return "ts_points"
}

// SeriesBucket 聚合桶，每个 (指标, 窗口起点, 标签组) 一行，
// 聚合周期内由窗口原始点整窗重算后覆盖写入
// 注意：导出侧跨窗口汇总的百分位只是近似值（精确合并需要原始数据）
type SeriesBucket struct {
	Metric      string            `gorm:"uniqueIndex:ux_bucket" json:"metric"`
	BucketStart int64             `gorm:"uniqueIndex:ux_bucket;index:idx_bucket_ts" json:"bucketStart"` // 毫秒
	LabelKey    string            `gorm:"uniqueIndex:ux_bucket" json:"labelKey"`
	Labels      datatypes.JSONMap `json:"labels,omitempty"`
	Count       int64             `json:"count"`
	Sum         float64           `json:"sum"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	Avg         float64           `json:"avg"`
	P50         float64           `json:"p50"`
	P95         float64           `json:"p95"`
	P99         float64           `json:"p99"`
	StdDev      float64           `json:"stdDev"`
}

func (SeriesBucket) TableName() string {
	return "ts_buckets"
}
