package models

import "gorm.io/datatypes"

// 健康状态
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusWarning  = "warning"
	HealthStatusCritical = "critical"
	HealthStatusUnknown  = "unknown"
)

// HealthRecord 单次健康检查结果（历史只追加，按上限裁剪）
type HealthRecord struct {
	ID          string                      `gorm:"primaryKey" json:"id"`
	CheckName   string                      `gorm:"index:idx_health_check" json:"checkName"`
	Status      string                      `json:"status"` // healthy/warning/critical/unknown
	Message     string                      `json:"message"`
	Details     datatypes.JSONMap           `json:"details,omitempty"`
	Timestamp   int64                       `gorm:"index:idx_health_ts" json:"timestamp"` // 毫秒
	DurationMs  int64                       `json:"durationMs"`                           // 检查耗时（毫秒）
	Remediation datatypes.JSONSlice[string] `json:"remediation,omitempty"`                // 修复建议
}

func (HealthRecord) TableName() string {
	return "health_results"
}

// 完整性问题类型
const (
	IntegrityIssueCorruption    = "corruption"
	IntegrityIssueConstraint    = "constraint"
	IntegrityIssueIndexMismatch = "index_mismatch"
	IntegrityIssueFKViolation   = "fk_violation"
)

// IntegrityIssue 数据完整性问题
type IntegrityIssue struct {
	ID           string                      `gorm:"primaryKey" json:"id"`
	Type         string                      `json:"type"` // corruption/constraint/index_mismatch/fk_violation
	Severity     string                      `json:"severity"`
	Table        string                      `gorm:"column:table_name" json:"tableName"`
	Description  string                      `json:"description"`
	AffectedRows int64                       `json:"affectedRows"`
	Remediation  datatypes.JSONSlice[string] `json:"remediation,omitempty"`
	Resolved     bool                        `json:"resolved"`
	Timestamp    int64                       `gorm:"index:idx_issue_ts" json:"timestamp"` // 毫秒
}

func (IntegrityIssue) TableName() string {
	return "health_integrity_issues"
}

// 修复动作状态
const (
	RemediationStatusPending   = "pending"
	RemediationStatusRunning   = "running"
	RemediationStatusCompleted = "completed"
	RemediationStatusFailed    = "failed"
)

// RemediationAction 自动修复动作（仅在显式启用自动修复时创建，全程可审计）
type RemediationAction struct {
	ID          string            `gorm:"primaryKey" json:"id"`
	ActionType  string            `json:"actionType"` // compact/rebuild_indexes/checkpoint
	CheckName   string            `json:"checkName"`  // 触发的检查项
	Status      string            `json:"status"`     // pending/running/completed/failed
	CreatedAt   int64             `json:"createdAt"`  // 毫秒
	StartedAt   int64             `json:"startedAt,omitempty"`
	CompletedAt int64             `json:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
	Result      datatypes.JSONMap `json:"result,omitempty"`
}

func (RemediationAction) TableName() string {
	return "health_remediations"
}
