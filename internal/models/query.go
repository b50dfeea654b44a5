package models

import "gorm.io/datatypes"

// 索引使用分类
const (
	IndexUsageScan  = "scan"  // 全表扫描
	IndexUsageSeek  = "seek"  // 索引查找
	IndexUsageMixed = "mixed" // 混合
	IndexUsageNone  = "none"  // 无法判定
)

// 复杂度分级
const (
	ComplexityLow      = "low"
	ComplexityMedium   = "medium"
	ComplexityHigh     = "high"
	ComplexityVeryHigh = "very_high"
)

// Suggestion 查询优化建议
type Suggestion struct {
	Type        string `json:"type"` // missing_index/inefficient_join/unindexed_predicate/wildcard_select/unbounded_order/nested_subquery
	Description string `json:"description"`
	Priority    int    `json:"priority"` // 数值越小优先级越高
}

// QueryAnalysis 查询分析结果（按查询哈希去重缓存，每个哈希只计算一次）
type QueryAnalysis struct {
	Hash          string                          `gorm:"primaryKey" json:"hash"`
	Query         string                          `json:"query"`
	QueryType     string                          `json:"queryType"` // select/insert/update/delete/other
	PlanSteps     datatypes.JSONSlice[string]     `json:"planSteps,omitempty"`
	IndexUsage    string                          `json:"indexUsage"` // scan/seek/mixed/none
	EstimatedCost float64                         `json:"estimatedCost"`
	EstimatedRows int64                           `json:"estimatedRows"`
	Complexity    string                          `json:"complexity"` // low/medium/high/very_high
	Suggestions   datatypes.JSONSlice[Suggestion] `json:"suggestions,omitempty"`
	Timestamp     int64                           `json:"timestamp"` // 毫秒
}

func (QueryAnalysis) TableName() string {
	return "qa_analyses"
}

// SlowQuery 慢查询统计（按哈希 upsert，平均值为真实运行均值）
type SlowQuery struct {
	Hash     string  `gorm:"primaryKey" json:"hash"`
	Query    string  `json:"query"`
	Count    int64   `json:"count"`
	TotalMs  int64   `json:"totalMs"`
	AvgMs    float64 `json:"avgMs"`
	MaxMs    int64   `json:"maxMs"`
	LastSeen int64   `gorm:"index:idx_slow_seen" json:"lastSeen"` // 毫秒
}

func (SlowQuery) TableName() string {
	return "qa_slow_queries"
}

// 索引建议状态
const (
	RecommendationPending  = "pending"
	RecommendationCreated  = "created"
	RecommendationRejected = "rejected"
	RecommendationObsolete = "obsolete"
)

// IndexRecommendation 索引建议（pending 状态下按 表+列 去重）
type IndexRecommendation struct {
	ID            string                      `gorm:"primaryKey" json:"id"`
	Table         string                      `gorm:"column:table_name;index:idx_rec_table" json:"tableName"`
	Columns       datatypes.JSONSlice[string] `json:"columns"`                            // 有序列
	ColumnKey     string                      `gorm:"index:idx_rec_key" json:"columnKey"` // 表+列的规范化键，用于去重
	Kind          string                      `json:"kind"`                               // btree 等
	Reason        string                      `json:"reason"`
	ImpactPercent float64                     `json:"impactPercent"` // 预估收益（百分比）
	Patterns      datatypes.JSONSlice[string] `json:"patterns,omitempty"`
	Statement     string                      `json:"statement"` // 生成的建索引语句
	Priority      int                         `json:"priority"`
	Status        string                      `json:"status"`    // pending/created/rejected/obsolete
	CreatedAt     int64                       `json:"createdAt"` // 毫秒
}

func (IndexRecommendation) TableName() string {
	return "qa_index_recommendations"
}

// QueryPattern 查询模式（字面量归一化后的模板统计）
type QueryPattern struct {
	Hash      string                      `gorm:"primaryKey" json:"hash"`
	Template  string                      `json:"template"`
	Count     int64                       `json:"count"`
	AvgMs     float64                     `json:"avgMs"`
	Tables    datatypes.JSONSlice[string] `json:"tables,omitempty"`
	FirstSeen int64                       `json:"firstSeen"` // 毫秒
	LastSeen  int64                       `gorm:"index:idx_pattern_seen" json:"lastSeen"`
}

func (QueryPattern) TableName() string {
	return "qa_patterns"
}
