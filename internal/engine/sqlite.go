package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SQLiteEngine 基于 gorm 连接的 SQLite 引擎内省实现
type SQLiteEngine struct {
	db *gorm.DB
}

func NewSQLiteEngine(db *gorm.DB) *SQLiteEngine {
	return &SQLiteEngine{
		db: db,
	}
}

// ExplainPlan 获取查询的执行计划
func (e *SQLiteEngine) ExplainPlan(ctx context.Context, query string) ([]PlanStep, error) {
	rows, err := e.db.WithContext(ctx).Raw("EXPLAIN QUERY PLAN " + query).Rows()
	if err != nil {
		return nil, fmt.Errorf("获取执行计划失败: %w", err)
	}
	defer rows.Close()

	var steps []PlanStep
	for rows.Next() {
		var step PlanStep
		var notUsed int
		if err := rows.Scan(&step.ID, &step.Parent, &notUsed, &step.Detail); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// IntegrityCheck 一致性扫描
func (e *SQLiteEngine) IntegrityCheck(ctx context.Context) ([]string, error) {
	var results []string
	err := e.db.WithContext(ctx).Raw("PRAGMA integrity_check").Scan(&results).Error
	return results, err
}

// ForeignKeyCheck 外键一致性扫描
func (e *SQLiteEngine) ForeignKeyCheck(ctx context.Context) ([]FKViolation, error) {
	rows, err := e.db.WithContext(ctx).Raw("PRAGMA foreign_key_check").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []FKViolation
	for rows.Next() {
		var v FKViolation
		var rowID sql.NullInt64
		if err := rows.Scan(&v.Table, &rowID, &v.Parent, &v.FKID); err != nil {
			return nil, err
		}
		v.RowID = rowID.Int64
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// JournalMode 读取日志模式
func (e *SQLiteEngine) JournalMode(ctx context.Context) (string, error) {
	var mode string
	err := e.db.WithContext(ctx).Raw("PRAGMA journal_mode").Scan(&mode).Error
	return mode, err
}

// PageCount 数据库页数
func (e *SQLiteEngine) PageCount(ctx context.Context) (int64, error) {
	var count int64
	err := e.db.WithContext(ctx).Raw("PRAGMA page_count").Scan(&count).Error
	return count, err
}

// FreelistCount 空闲页数
func (e *SQLiteEngine) FreelistCount(ctx context.Context) (int64, error) {
	var count int64
	err := e.db.WithContext(ctx).Raw("PRAGMA freelist_count").Scan(&count).Error
	return count, err
}

// PageSize 页大小
func (e *SQLiteEngine) PageSize(ctx context.Context) (int64, error) {
	var size int64
	err := e.db.WithContext(ctx).Raw("PRAGMA page_size").Scan(&size).Error
	return size, err
}

// Tables 列出用户表（排除 sqlite 内部表）
func (e *SQLiteEngine) Tables(ctx context.Context) ([]string, error) {
	var tables []string
	err := e.db.WithContext(ctx).
		Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name").
		Scan(&tables).Error
	return tables, err
}

// Indexes 列出某个表上的索引
func (e *SQLiteEngine) Indexes(ctx context.Context, table string) ([]string, error) {
	var indexes []string
	err := e.db.WithContext(ctx).
		Raw("SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? ORDER BY name", table).
		Scan(&indexes).Error
	return indexes, err
}

// TableColumns 列出某个表的列
func (e *SQLiteEngine) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := e.db.WithContext(ctx).Raw("PRAGMA table_info(" + quoteIdentifier(table) + ")").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// Compact 压缩数据库
func (e *SQLiteEngine) Compact(ctx context.Context) error {
	return e.db.WithContext(ctx).Exec("VACUUM").Error
}

// RebuildIndexes 重建全部索引
func (e *SQLiteEngine) RebuildIndexes(ctx context.Context) error {
	return e.db.WithContext(ctx).Exec("REINDEX").Error
}

// Checkpoint 执行 WAL 检查点
func (e *SQLiteEngine) Checkpoint(ctx context.Context) error {
	return e.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error
}

// Exec 执行维护语句
func (e *SQLiteEngine) Exec(ctx context.Context, stmt string) error {
	return e.db.WithContext(ctx).Exec(stmt).Error
}

// Ping 连接探活
func (e *SQLiteEngine) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := e.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// ConnectionStats 连接池统计
func (e *SQLiteEngine) ConnectionStats() sql.DBStats {
	sqlDB, err := e.db.DB()
	if err != nil {
		return sql.DBStats{}
	}
	return sqlDB.Stats()
}

// quoteIdentifier 引号包裹标识符，避免拼接出非法语句
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}
