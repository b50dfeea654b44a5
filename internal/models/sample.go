package models

import "gorm.io/datatypes"

// MetricSample 单次数据库操作的度量样本（不可变，由埋点创建）
type MetricSample struct {
	ID              string                      `gorm:"primaryKey" json:"id"`
	Timestamp       int64                       `gorm:"index:idx_sample_ts" json:"timestamp"` // 时间戳（毫秒）
	Operation       string                      `gorm:"index:idx_sample_op" json:"operation"` // 操作名称
	Query           string                      `json:"query,omitempty"`                      // 原始查询文本（可选）
	DurationMs      int64                       `json:"durationMs"`                           // 耗时（毫秒）
	RecordsAffected int64                       `json:"recordsAffected"`                      // 影响行数
	MemoryBytes     int64                       `json:"memoryBytes"`                          // 内存占用（字节）
	CPUTimeMs       int64                       `json:"cpuTimeMs"`                            // CPU 时间（毫秒）
	IOWaitMs        int64                       `json:"ioWaitMs"`                             // IO 等待（毫秒）
	CacheHit        bool                        `json:"cacheHit"`                             // 缓存命中（时长启发式判定，非真实缓存信号）
	IndexesUsed     datatypes.JSONSlice[string] `json:"indexesUsed,omitempty"`                // 使用的索引
	Plan            string                      `json:"plan,omitempty"`                       // 执行计划文本（可选）
	ConnectionID    string                      `json:"connectionId"`                         // 连接 ID
	UserID          string                      `json:"userId,omitempty"`                     // 用户 ID（可选）
	ErrorCode       string                      `json:"errorCode,omitempty"`                  // 错误码（可选）
	WarningCount    int                         `json:"warningCount"`                         // 警告数量
}

func (MetricSample) TableName() string {
	return "mon_samples"
}

// AlertRule 告警规则（声明式，配置一次）
type AlertRule struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	Name            string  `json:"name"`
	Metric          string  `json:"metric"`          // 目标指标，如 duration_ms / error_rate
	Operator        string  `json:"operator"`        // 比较运算符: > >= < <= =
	Threshold       float64 `json:"threshold"`       // 阈值
	DurationSeconds int     `json:"durationSeconds"` // 最小持续时间（也是评估回溯窗口，秒）
	Severity        string  `json:"severity"`        // 级别: info/warning/critical
	Enabled         bool    `json:"enabled"`
}

func (AlertRule) TableName() string {
	return "mon_alert_rules"
}

// AlertRecord 告警实例（规则触发时创建，critical 同步落盘）
type AlertRecord struct {
	ID         string            `gorm:"primaryKey" json:"id"`
	Timestamp  int64             `gorm:"index:idx_alert_ts" json:"timestamp"` // 触发时间（毫秒）
	RuleID     string            `gorm:"index:idx_alert_rule" json:"ruleId"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Value      float64           `json:"value"`     // 观测值
	Threshold  float64           `json:"threshold"` // 触发阈值
	Resolved   bool              `json:"resolved"`
	ResolvedAt int64             `json:"resolvedAt,omitempty"` // 恢复时间（毫秒）
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
}

func (AlertRecord) TableName() string {
	return "mon_alerts"
}
