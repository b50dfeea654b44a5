package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestHealth(t *testing.T, mutate func(*config.Config)) (*HealthService, *gorm.DB, *fakeEngine, *fakeSampler) {
	t.Helper()
	db := newTestDB(t)
	conf := config.Default()
	if mutate != nil {
		mutate(&conf)
	}
	eng := newFakeEngine()
	sampler := newFakeSampler()
	s := NewHealthService(zap.NewNop(), db, conf, eng, sampler, newTestBus())
	return s, db, eng, sampler
}

func TestRunChecksAllHealthy(t *testing.T) {
	s, _, _, _ := newTestHealth(t, nil)

	report := s.RunChecks(context.Background())
	if report.Overall != models.HealthStatusHealthy {
		t.Errorf("全部通过时整体状态应为 healthy: %s", report.Overall)
	}
	if report.Score != 100 {
		t.Errorf("全部通过时得分应为 100: %f", report.Score)
	}
	if len(report.Results) != 12 {
		t.Errorf("内置检查应为 12 项，实际 %d 项", len(report.Results))
	}

	for _, result := range report.Results {
		if result.ID == "" {
			t.Errorf("检查结果 %s 缺少 ID", result.CheckName)
		}
	}
}

func TestRunChecksWorstStatusWins(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, nil)
	eng.integrityRows = []string{"row 17 missing from index idx_users_id"}

	report := s.RunChecks(context.Background())
	if report.Overall != models.HealthStatusCritical {
		t.Errorf("存在 critical 检查时整体状态应为 critical: %s", report.Overall)
	}
	// 11 项 healthy (100) + 1 项 critical (20) 的算术平均
	want := (11*100.0 + 20) / 12
	if report.Score != want {
		t.Errorf("得分应为各项平均 %f: %f", want, report.Score)
	}
}

func TestRunChecksRecordsIntegrityIssues(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, nil)
	eng.integrityRows = []string{"corruption on page 3"}

	s.RunChecks(context.Background())

	issues, err := s.OpenIssues(context.Background())
	if err != nil {
		t.Fatalf("查询完整性问题失败: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("应记录 1 个完整性问题，实际 %d 个", len(issues))
	}
	if issues[0].Type != models.IntegrityIssueCorruption {
		t.Errorf("问题类型不符: %s", issues[0].Type)
	}
}

func TestRunChecksPanicBecomesCritical(t *testing.T) {
	s, _, _, _ := newTestHealth(t, nil)
	s.RegisterCheck("explode", func(ctx context.Context) CheckOutcome {
		panic("boom")
	})

	report := s.RunChecks(context.Background())
	if len(report.Results) != 13 {
		t.Fatalf("应有 13 项结果，实际 %d 项", len(report.Results))
	}

	var found bool
	for _, result := range report.Results {
		if result.CheckName == "explode" {
			found = true
			if result.Status != models.HealthStatusCritical {
				t.Errorf("panic 的检查应合成 critical 结果: %s", result.Status)
			}
			if result.Message == "" {
				t.Error("合成结果应携带 panic 信息")
			}
		}
	}
	if !found {
		t.Error("panic 的检查结果丢失")
	}
	// 合成的 critical 结果参与汇总
	if report.Overall != models.HealthStatusCritical {
		t.Errorf("存在 panic 检查时整体状态应为 critical: %s", report.Overall)
	}
}

func TestCheckThresholds(t *testing.T) {
	t.Run("磁盘告警", func(t *testing.T) {
		s, _, _, sampler := newTestHealth(t, nil)
		sampler.snapshot.DiskPercent = 90 // 默认 warn 85 / crit 95

		report := s.RunChecks(context.Background())
		for _, result := range report.Results {
			if result.CheckName == "disk_space" && result.Status != models.HealthStatusWarning {
				t.Errorf("磁盘使用率 90%% 应为 warning: %s", result.Status)
			}
		}
	})

	t.Run("碎片率严重", func(t *testing.T) {
		s, _, eng, _ := newTestHealth(t, nil)
		eng.pageCount = 100
		eng.freelist = 40 // 40%

		report := s.RunChecks(context.Background())
		for _, result := range report.Results {
			if result.CheckName == "fragmentation" && result.Status != models.HealthStatusCritical {
				t.Errorf("碎片率 40%% 应为 critical: %s", result.Status)
			}
		}
	})

	t.Run("非 WAL 模式", func(t *testing.T) {
		s, _, eng, _ := newTestHealth(t, nil)
		eng.journalMode = "delete"

		report := s.RunChecks(context.Background())
		for _, result := range report.Results {
			if result.CheckName == "journal_mode" && result.Status != models.HealthStatusWarning {
				t.Errorf("非 WAL 模式应为 warning: %s", result.Status)
			}
		}
	})
}

func TestRemediateAllowList(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, nil)
	ctx := context.Background()

	action, err := s.Remediate(ctx, "fragmentation")
	if err != nil {
		t.Fatalf("执行修复动作失败: %v", err)
	}
	if action.ActionType != ActionCompact {
		t.Errorf("碎片问题应映射到压缩动作: %s", action.ActionType)
	}
	if action.Status != models.RemediationStatusCompleted {
		t.Errorf("动作状态应为 completed: %s", action.Status)
	}
	if !eng.compactCalled {
		t.Error("应调用引擎的压缩操作")
	}

	// 白名单之外的检查项直接拒绝
	if _, err := s.Remediate(ctx, "journal_mode"); err == nil {
		t.Error("白名单之外的检查项应该被拒绝")
	}

	actions, err := s.Actions(ctx, 10)
	if err != nil {
		t.Fatalf("查询修复动作失败: %v", err)
	}
	if len(actions) != 1 {
		t.Errorf("应留痕 1 条修复动作，实际 %d 条", len(actions))
	}
}

func TestAutoRemediateDisabledByDefault(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, nil)
	eng.integrityRows = []string{"corrupt"}

	s.RunChecks(context.Background())

	if eng.rebuildCalled {
		t.Error("未启用自动修复时不应执行任何修复动作")
	}
	actions, err := s.Actions(context.Background(), 10)
	if err != nil {
		t.Fatalf("查询修复动作失败: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("未启用自动修复时不应有动作记录，实际 %d 条", len(actions))
	}
}

func TestAutoRemediateTriggersOnCritical(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, func(c *config.Config) {
		c.Health.AutoRemediate = true
	})
	eng.integrityRows = []string{"corrupt"}

	s.RunChecks(context.Background())

	if !eng.rebuildCalled {
		t.Error("启用自动修复后 critical 的完整性问题应触发索引重建")
	}
}

func TestLastReportBeforeFirstRun(t *testing.T) {
	s, _, _, _ := newTestHealth(t, nil)
	report := s.LastReport()
	if report.Overall != models.HealthStatusUnknown {
		t.Errorf("未运行过检查时整体状态应为 unknown: %s", report.Overall)
	}
}

func TestHistoryTrim(t *testing.T) {
	s, _, _, _ := newTestHealth(t, func(c *config.Config) {
		c.Health.HistoryLimit = 15
	})
	ctx := context.Background()

	s.RunChecks(ctx) // 12 条
	s.RunChecks(ctx) // 再 12 条，超过上限后裁剪到 15

	results, err := s.History(ctx, 100)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(results) != 15 {
		t.Errorf("历史应裁剪到 15 条，实际 %d 条", len(results))
	}
}

func TestStartRunsImmediately(t *testing.T) {
	s, _, _, _ := newTestHealth(t, nil)
	defer s.Stop()

	s.Start()

	report := s.LastReport()
	if len(report.Results) != 12 {
		t.Fatalf("启动后应立即产出一轮检查结果，实际 %d 项", len(report.Results))
	}
	if report.Overall != models.HealthStatusHealthy {
		t.Errorf("首轮检查整体状态应为 healthy: %s", report.Overall)
	}
}

func TestSchemaCheck(t *testing.T) {
	t.Run("缺少必需表", func(t *testing.T) {
		s, _, _, _ := newTestHealth(t, func(c *config.Config) {
			c.Health.RequiredTables = []string{"users", "orders"}
		})

		report := s.RunChecks(context.Background())
		if report.Overall != models.HealthStatusCritical {
			t.Errorf("缺少必需表时整体状态应为 critical: %s", report.Overall)
		}
		for _, result := range report.Results {
			if result.CheckName == "schema" && result.Status != models.HealthStatusCritical {
				t.Errorf("缺少必需表的检查应为 critical: %s", result.Status)
			}
		}
	})

	t.Run("缺少建议索引", func(t *testing.T) {
		s, _, _, _ := newTestHealth(t, func(c *config.Config) {
			c.Health.RequiredTables = []string{"users"}
			c.Health.RecommendedIndexes = map[string][]string{"users": {"idx_users_email"}}
		})

		report := s.RunChecks(context.Background())
		for _, result := range report.Results {
			if result.CheckName == "schema" && result.Status != models.HealthStatusWarning {
				t.Errorf("缺少建议索引的检查应为 warning: %s", result.Status)
			}
		}
	})

	t.Run("结构完整", func(t *testing.T) {
		s, _, _, _ := newTestHealth(t, func(c *config.Config) {
			c.Health.RequiredTables = []string{"users"}
			c.Health.RecommendedIndexes = map[string][]string{"users": {"idx_users_status"}}
		})

		report := s.RunChecks(context.Background())
		for _, result := range report.Results {
			if result.CheckName == "schema" && result.Status != models.HealthStatusHealthy {
				t.Errorf("结构完整时检查应为 healthy: %s", result.Status)
			}
		}
	})
}

func TestIndexCoverageWarnsOnBareTable(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, nil)
	eng.tables = []string{"users", "events"}
	// events 表没有任何索引

	report := s.RunChecks(context.Background())
	for _, result := range report.Results {
		if result.CheckName == "index_coverage" && result.Status != models.HealthStatusWarning {
			t.Errorf("存在无索引的表时检查应为 warning: %s", result.Status)
		}
	}
}

func TestPerformanceBaselineDegradation(t *testing.T) {
	s, _, _, _ := newTestHealth(t, nil)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	// 一周前的基线：平均 10ms
	var baseline []models.MetricSample
	for i := 0; i < 12; i++ {
		baseline = append(baseline, models.MetricSample{
			ID:         fmt.Sprintf("base-%d", i),
			Timestamp:  now - 6*24*60*60*1000 - 12*60*60*1000,
			Operation:  "select",
			DurationMs: 10,
		})
	}
	if err := s.sampleRepo.CreateBatch(ctx, baseline); err != nil {
		t.Fatalf("写入基线样本失败: %v", err)
	}

	// 近期样本：平均 100ms，低于绝对阈值但远高于基线
	var recent []models.MetricSample
	for i := 0; i < 5; i++ {
		recent = append(recent, models.MetricSample{
			ID:         fmt.Sprintf("recent-%d", i),
			Timestamp:  now - 60*1000,
			Operation:  "select",
			DurationMs: 100,
		})
	}
	if err := s.sampleRepo.CreateBatch(ctx, recent); err != nil {
		t.Fatalf("写入近期样本失败: %v", err)
	}

	report := s.RunChecks(ctx)
	var found bool
	for _, result := range report.Results {
		if result.CheckName == "performance" {
			found = true
			if result.Status != models.HealthStatusWarning {
				t.Errorf("较基线明显劣化时性能检查应为 warning: %s", result.Status)
			}
		}
	}
	if !found {
		t.Error("性能检查结果丢失")
	}
}

func TestForeignKeyViolationsRecorded(t *testing.T) {
	s, _, eng, _ := newTestHealth(t, nil)
	eng.fkViolations = []engine.FKViolation{
		{Table: "orders", RowID: 7, Parent: "users", FKID: 0},
		{Table: "orders", RowID: 9, Parent: "users", FKID: 0},
	}

	s.RunChecks(context.Background())

	issues, err := s.OpenIssues(context.Background())
	if err != nil {
		t.Fatalf("查询完整性问题失败: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("同一张表的违规应合并为 1 个问题，实际 %d 个", len(issues))
	}
	if issues[0].Type != models.IntegrityIssueFKViolation {
		t.Errorf("问题类型不符: %s", issues[0].Type)
	}
	if issues[0].Table != "orders" {
		t.Errorf("问题应记录违规所在的表: %s", issues[0].Table)
	}
	if issues[0].AffectedRows != 2 {
		t.Errorf("应统计违规行数 2，实际 %d", issues[0].AffectedRows)
	}
}
