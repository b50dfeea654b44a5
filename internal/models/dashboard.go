package models

import "gorm.io/datatypes"

// SnapshotRecord 持久化的仪表盘快照（抽样持久化，完整历史在内存中）
type SnapshotRecord struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Timestamp int64          `gorm:"index:idx_snapshot_ts" json:"timestamp"` // 毫秒
	Data      datatypes.JSON `json:"data"`                                   // 序列化后的快照内容
}

func (SnapshotRecord) TableName() string {
	return "dash_snapshots"
}

// DashboardAlert 仪表盘自身的阈值告警（独立于采集器的告警规则）
type DashboardAlert struct {
	ID        string  `gorm:"primaryKey" json:"id"`
	Timestamp int64   `gorm:"index:idx_dash_alert_ts" json:"timestamp"` // 毫秒
	Kind      string  `json:"kind"`                                     // response_time/error_rate/memory/disk
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Resolved  bool    `json:"resolved"`
}

func (DashboardAlert) TableName() string {
	return "dash_alerts"
}
