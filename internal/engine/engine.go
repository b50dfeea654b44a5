package engine

import (
	"context"
	"database/sql"
	"time"
)

// PlanStep 执行计划步骤
type PlanStep struct {
	ID     int    `json:"id"`
	Parent int    `json:"parent"`
	Detail string `json:"detail"`
}

// FKViolation 外键违规记录
type FKViolation struct {
	Table  string `json:"table"`
	RowID  int64  `json:"rowId"`
	Parent string `json:"parent"`
	FKID   int64  `json:"fkId"`
}

// Engine 数据库引擎内省接口（监控子系统消费，不实现数据库本身）
type Engine interface {
	// ExplainPlan 获取查询的执行计划
	ExplainPlan(ctx context.Context, query string) ([]PlanStep, error)
	// IntegrityCheck 一致性扫描，健康时仅返回 ["ok"]
	IntegrityCheck(ctx context.Context) ([]string, error)
	// ForeignKeyCheck 外键一致性扫描
	ForeignKeyCheck(ctx context.Context) ([]FKViolation, error)
	// JournalMode 读取日志模式 pragma
	JournalMode(ctx context.Context) (string, error)
	// PageCount 数据库页数
	PageCount(ctx context.Context) (int64, error)
	// FreelistCount 空闲页数
	FreelistCount(ctx context.Context) (int64, error)
	// PageSize 页大小（字节）
	PageSize(ctx context.Context) (int64, error)
	// Tables 列出用户表
	Tables(ctx context.Context) ([]string, error)
	// Indexes 列出某个表上的索引
	Indexes(ctx context.Context, table string) ([]string, error)
	// TableColumns 列出某个表的列
	TableColumns(ctx context.Context, table string) ([]string, error)
	// Compact 压缩数据库（有界维护操作）
	Compact(ctx context.Context) error
	// RebuildIndexes 重建全部索引
	RebuildIndexes(ctx context.Context) error
	// Checkpoint 执行 WAL 检查点
	Checkpoint(ctx context.Context) error
	// Exec 执行维护语句（仅供受控的建索引路径使用）
	Exec(ctx context.Context, stmt string) error
	// Ping 连接探活，返回往返耗时
	Ping(ctx context.Context) (time.Duration, error)
	// ConnectionStats 连接池统计
	ConnectionStats() sql.DBStats
}
