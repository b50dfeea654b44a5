package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/migrate"
	"github.com/dushixiang/marmot/internal/sysinfo"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq atomic.Int64

// newTestDB 内存数据库 + 建表。
// 共享缓存模式让事务拿到的第二条连接也能看到同一份数据。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:marmot_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	if err := migrate.AutoMigrate(zap.NewNop(), db); err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

func newTestBus() *eventbus.Bus {
	return eventbus.NewBus(zap.NewNop())
}

// fakeEngine 可配置的引擎桩
type fakeEngine struct {
	mu sync.Mutex

	planSteps     []engine.PlanStep
	planErr       error
	integrityRows []string
	fkViolations  []engine.FKViolation
	journalMode   string
	pageCount     int64
	freelist      int64
	pageSize      int64
	pingErr       error
	openConns     int
	tables        []string
	indexes       map[string][]string

	execStmts        []string
	compactCalled    bool
	rebuildCalled    bool
	checkpointCalled bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		integrityRows: []string{"ok"},
		journalMode:   "wal",
		pageCount:     100,
		freelist:      0,
		pageSize:      4096,
		openConns:     1,
		tables:        []string{"users"},
		indexes:       map[string][]string{"users": {"idx_users_status"}},
	}
}

func (f *fakeEngine) ExplainPlan(ctx context.Context, query string) ([]engine.PlanStep, error) {
	return f.planSteps, f.planErr
}

func (f *fakeEngine) IntegrityCheck(ctx context.Context) ([]string, error) {
	return f.integrityRows, nil
}

func (f *fakeEngine) ForeignKeyCheck(ctx context.Context) ([]engine.FKViolation, error) {
	return f.fkViolations, nil
}

func (f *fakeEngine) JournalMode(ctx context.Context) (string, error) {
	return f.journalMode, nil
}

func (f *fakeEngine) PageCount(ctx context.Context) (int64, error) {
	return f.pageCount, nil
}

func (f *fakeEngine) FreelistCount(ctx context.Context) (int64, error) {
	return f.freelist, nil
}

func (f *fakeEngine) PageSize(ctx context.Context) (int64, error) {
	return f.pageSize, nil
}

func (f *fakeEngine) Tables(ctx context.Context) ([]string, error) {
	return f.tables, nil
}

func (f *fakeEngine) Indexes(ctx context.Context, table string) ([]string, error) {
	return f.indexes[table], nil
}

func (f *fakeEngine) TableColumns(ctx context.Context, table string) ([]string, error) {
	return []string{"id", "status"}, nil
}

func (f *fakeEngine) Compact(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compactCalled = true
	return nil
}

func (f *fakeEngine) RebuildIndexes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuildCalled = true
	return nil
}

func (f *fakeEngine) Checkpoint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpointCalled = true
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, stmt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execStmts = append(f.execStmts, stmt)
	return nil
}

func (f *fakeEngine) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, f.pingErr
}

func (f *fakeEngine) ConnectionStats() sql.DBStats {
	return sql.DBStats{OpenConnections: f.openConns, InUse: f.openConns}
}

// fakeSampler 固定返回值的采样器桩
type fakeSampler struct {
	snapshot sysinfo.Snapshot
	err      error
}

func newFakeSampler() *fakeSampler {
	return &fakeSampler{
		snapshot: sysinfo.Snapshot{
			Timestamp:           time.Now().UnixMilli(),
			ProcessMemoryBytes:  64 << 20,
			ProcessCPUPercent:   5,
			SystemMemoryPercent: 40,
			DiskPercent:         50,
			DiskUsed:            50 << 30,
			DiskTotal:           100 << 30,
			Goroutines:          10,
		},
	}
}

func (f *fakeSampler) Sample() (*sysinfo.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	snapshot := f.snapshot
	return &snapshot, nil
}
