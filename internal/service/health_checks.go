package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dushixiang/marmot/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// registerBuiltinChecks 注册内置检查项
func (s *HealthService) registerBuiltinChecks() {
	s.RegisterCheck("connectivity", s.checkConnectivity)
	s.RegisterCheck("connection_pool", s.checkConnectionPool)
	s.RegisterCheck("journal_mode", s.checkJournalMode)
	s.RegisterCheck("fragmentation", s.checkFragmentation)
	s.RegisterCheck("disk_space", s.checkDiskSpace)
	s.RegisterCheck("memory", s.checkMemory)
	s.RegisterCheck("performance", s.checkPerformance)
	s.RegisterCheck("error_rate", s.checkErrorRate)
	s.RegisterCheck("integrity", s.checkIntegrity)
	s.RegisterCheck("foreign_keys", s.checkForeignKeys)
	s.RegisterCheck("schema", s.checkSchema)
	s.RegisterCheck("index_coverage", s.checkIndexCoverage)
}

// checkConnectivity 连接探活
func (s *HealthService) checkConnectivity(ctx context.Context) CheckOutcome {
	rtt, err := s.dbEngine.Ping(ctx)
	if err != nil {
		return CheckOutcome{
			Status:      models.HealthStatusCritical,
			Message:     fmt.Sprintf("数据库连接失败: %v", err),
			Remediation: []string{"检查数据库文件是否可访问", "执行 WAL 检查点释放连接"},
		}
	}

	status := models.HealthStatusHealthy
	message := "数据库连接正常"
	if rtt > 100*time.Millisecond {
		status = models.HealthStatusWarning
		message = "数据库响应缓慢"
	}
	return CheckOutcome{
		Status:  status,
		Message: message,
		Details: map[string]any{"rttMs": rtt.Milliseconds()},
	}
}

// checkConnectionPool 连接池水位
func (s *HealthService) checkConnectionPool(ctx context.Context) CheckOutcome {
	stats := s.dbEngine.ConnectionStats()
	max := s.conf.Health.MaxConnections

	details := map[string]any{
		"open":    stats.OpenConnections,
		"inUse":   stats.InUse,
		"idle":    stats.Idle,
		"waiting": stats.WaitCount,
	}

	switch {
	case stats.OpenConnections >= max:
		return CheckOutcome{
			Status:      models.HealthStatusCritical,
			Message:     fmt.Sprintf("连接数已达上限 %d", max),
			Details:     details,
			Remediation: []string{"执行 WAL 检查点", "检查是否存在连接泄漏"},
		}
	case stats.OpenConnections >= max*8/10:
		return CheckOutcome{
			Status:  models.HealthStatusWarning,
			Message: fmt.Sprintf("连接数接近上限 (%d/%d)", stats.OpenConnections, max),
			Details: details,
		}
	default:
		return CheckOutcome{
			Status:  models.HealthStatusHealthy,
			Message: "连接池水位正常",
			Details: details,
		}
	}
}

// checkJournalMode WAL 模式检查
func (s *HealthService) checkJournalMode(ctx context.Context) CheckOutcome {
	mode, err := s.dbEngine.JournalMode(ctx)
	if err != nil {
		return CheckOutcome{
			Status:  models.HealthStatusUnknown,
			Message: fmt.Sprintf("读取日志模式失败: %v", err),
		}
	}
	if !strings.EqualFold(mode, "wal") {
		return CheckOutcome{
			Status:      models.HealthStatusWarning,
			Message:     fmt.Sprintf("日志模式为 %s，建议使用 WAL", mode),
			Details:     map[string]any{"journalMode": mode},
			Remediation: []string{"PRAGMA journal_mode=WAL"},
		}
	}
	return CheckOutcome{
		Status:  models.HealthStatusHealthy,
		Message: "日志模式为 WAL",
		Details: map[string]any{"journalMode": mode},
	}
}

// checkFragmentation 碎片率（空闲页 / 总页数）
func (s *HealthService) checkFragmentation(ctx context.Context) CheckOutcome {
	pageCount, err := s.dbEngine.PageCount(ctx)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取页数失败: %v", err)}
	}
	freelist, err := s.dbEngine.FreelistCount(ctx)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取空闲页数失败: %v", err)}
	}

	var ratio float64
	if pageCount > 0 {
		ratio = float64(freelist) / float64(pageCount) * 100
	}
	details := map[string]any{
		"pageCount":       pageCount,
		"freelistCount":   freelist,
		"fragmentPercent": ratio,
	}

	switch {
	case ratio >= 30:
		return CheckOutcome{
			Status:      models.HealthStatusCritical,
			Message:     fmt.Sprintf("碎片率 %.1f%% 过高", ratio),
			Details:     details,
			Remediation: []string{"执行数据库压缩回收空闲页"},
		}
	case ratio >= 10:
		return CheckOutcome{
			Status:      models.HealthStatusWarning,
			Message:     fmt.Sprintf("碎片率 %.1f%% 偏高", ratio),
			Details:     details,
			Remediation: []string{"在低峰期执行数据库压缩"},
		}
	default:
		return CheckOutcome{
			Status:  models.HealthStatusHealthy,
			Message: "碎片率正常",
			Details: details,
		}
	}
}

// checkDiskSpace 磁盘使用率
func (s *HealthService) checkDiskSpace(ctx context.Context) CheckOutcome {
	snapshot, err := s.sampler.Sample()
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("磁盘采样失败: %v", err)}
	}

	details := map[string]any{
		"diskPercent": snapshot.DiskPercent,
		"diskUsed":    snapshot.DiskUsed,
		"diskTotal":   snapshot.DiskTotal,
	}

	switch {
	case snapshot.DiskPercent >= float64(s.conf.Health.DiskCritPercent):
		return CheckOutcome{
			Status:      models.HealthStatusCritical,
			Message:     fmt.Sprintf("磁盘使用率 %.1f%% 达到严重阈值", snapshot.DiskPercent),
			Details:     details,
			Remediation: []string{"清理过期数据", "压缩数据库", "扩容磁盘"},
		}
	case snapshot.DiskPercent >= float64(s.conf.Health.DiskWarnPercent):
		return CheckOutcome{
			Status:  models.HealthStatusWarning,
			Message: fmt.Sprintf("磁盘使用率 %.1f%% 偏高", snapshot.DiskPercent),
			Details: details,
		}
	default:
		return CheckOutcome{
			Status:  models.HealthStatusHealthy,
			Message: "磁盘空间充足",
			Details: details,
		}
	}
}

// checkMemory 系统内存使用率
func (s *HealthService) checkMemory(ctx context.Context) CheckOutcome {
	snapshot, err := s.sampler.Sample()
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("内存采样失败: %v", err)}
	}

	details := map[string]any{
		"systemMemoryPercent": snapshot.SystemMemoryPercent,
		"processMemoryBytes":  snapshot.ProcessMemoryBytes,
		"goroutines":          snapshot.Goroutines,
	}

	switch {
	case snapshot.SystemMemoryPercent >= float64(s.conf.Health.MemoryCritPercent):
		return CheckOutcome{
			Status:  models.HealthStatusCritical,
			Message: fmt.Sprintf("系统内存使用率 %.1f%% 达到严重阈值", snapshot.SystemMemoryPercent),
			Details: details,
		}
	case snapshot.SystemMemoryPercent >= float64(s.conf.Health.MemoryWarnPercent):
		return CheckOutcome{
			Status:  models.HealthStatusWarning,
			Message: fmt.Sprintf("系统内存使用率 %.1f%% 偏高", snapshot.SystemMemoryPercent),
			Details: details,
		}
	default:
		return CheckOutcome{
			Status:  models.HealthStatusHealthy,
			Message: "内存使用正常",
			Details: details,
		}
	}
}

// checkPerformance 最近 5 分钟操作耗时。
// 除绝对阈值外，还与一周前同期的基线比较，发现相对劣化时同样告警。
func (s *HealthService) checkPerformance(ctx context.Context) CheckOutcome {
	now := time.Now().UnixMilli()
	stats, err := s.sampleRepo.StatsByWindow(ctx, now-5*60*1000, now)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取样本统计失败: %v", err)}
	}
	if stats.Count == 0 {
		return CheckOutcome{Status: models.HealthStatusHealthy, Message: "窗口内无操作样本"}
	}

	details := map[string]any{
		"count": stats.Count,
		"avgMs": stats.AvgMs,
		"maxMs": stats.MaxMs,
	}

	switch {
	case stats.AvgMs >= float64(s.conf.Health.CriticalQueryMs):
		return CheckOutcome{
			Status:      models.HealthStatusCritical,
			Message:     fmt.Sprintf("平均操作耗时 %.1fms 达到严重阈值", stats.AvgMs),
			Details:     details,
			Remediation: []string{"执行数据库压缩", "检查慢查询与缺失索引"},
		}
	case stats.AvgMs >= float64(s.conf.Health.SlowQueryMs):
		return CheckOutcome{
			Status:      models.HealthStatusWarning,
			Message:     fmt.Sprintf("平均操作耗时 %.1fms 偏高", stats.AvgMs),
			Details:     details,
			Remediation: []string{"检查慢查询与缺失索引"},
		}
	}

	// 基线窗口取 7 天前到 6 天前，样本太少时不比较
	baseline, err := s.sampleRepo.StatsByWindow(ctx, now-7*24*60*60*1000, now-6*24*60*60*1000)
	if err == nil && baseline.Count >= 10 && baseline.AvgMs > 0 && stats.AvgMs > baseline.AvgMs*1.5 {
		details["baselineAvgMs"] = baseline.AvgMs
		details["baselineCount"] = baseline.Count
		return CheckOutcome{
			Status:      models.HealthStatusWarning,
			Message:     fmt.Sprintf("平均操作耗时 %.1fms 较一周前基线 %.1fms 明显劣化", stats.AvgMs, baseline.AvgMs),
			Details:     details,
			Remediation: []string{"检查慢查询与缺失索引", "对比近期变更"},
		}
	}

	return CheckOutcome{
		Status:  models.HealthStatusHealthy,
		Message: "操作耗时正常",
		Details: details,
	}
}

// checkErrorRate 最近 5 分钟错误率
func (s *HealthService) checkErrorRate(ctx context.Context) CheckOutcome {
	now := time.Now().UnixMilli()
	stats, err := s.sampleRepo.StatsByWindow(ctx, now-5*60*1000, now)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取样本统计失败: %v", err)}
	}
	if stats.Count == 0 {
		return CheckOutcome{Status: models.HealthStatusHealthy, Message: "窗口内无操作样本"}
	}

	rate := float64(stats.ErrorCount) / float64(stats.Count) * 100
	details := map[string]any{
		"count":       stats.Count,
		"errorCount":  stats.ErrorCount,
		"ratePercent": rate,
	}

	switch {
	case rate >= 20:
		return CheckOutcome{
			Status:  models.HealthStatusCritical,
			Message: fmt.Sprintf("错误率 %.1f%% 过高", rate),
			Details: details,
		}
	case rate >= 5:
		return CheckOutcome{
			Status:  models.HealthStatusWarning,
			Message: fmt.Sprintf("错误率 %.1f%% 偏高", rate),
			Details: details,
		}
	default:
		return CheckOutcome{
			Status:  models.HealthStatusHealthy,
			Message: "错误率正常",
			Details: details,
		}
	}
}

// checkIntegrity 一致性扫描，异常行会记录为完整性问题
func (s *HealthService) checkIntegrity(ctx context.Context) CheckOutcome {
	rows, err := s.dbEngine.IntegrityCheck(ctx)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("一致性扫描失败: %v", err)}
	}

	if len(rows) == 1 && strings.EqualFold(rows[0], "ok") {
		return CheckOutcome{Status: models.HealthStatusHealthy, Message: "一致性扫描通过"}
	}

	for _, row := range rows {
		issue := &models.IntegrityIssue{
			ID:          uuid.NewString(),
			Type:        models.IntegrityIssueCorruption,
			Severity:    models.HealthStatusCritical,
			Description: row,
			Remediation: []string{"重建索引", "从备份恢复"},
			Timestamp:   time.Now().UnixMilli(),
		}
		if err := s.healthRepo.CreateIssue(ctx, issue); err != nil {
			s.logger.Error("完整性问题落盘失败", zap.Error(err))
		}
	}

	return CheckOutcome{
		Status:      models.HealthStatusCritical,
		Message:     fmt.Sprintf("一致性扫描发现 %d 个问题", len(rows)),
		Details:     map[string]any{"issues": rows},
		Remediation: []string{"重建索引", "从备份恢复"},
	}
}

// checkForeignKeys 外键一致性扫描
func (s *HealthService) checkForeignKeys(ctx context.Context) CheckOutcome {
	violations, err := s.dbEngine.ForeignKeyCheck(ctx)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("外键扫描失败: %v", err)}
	}
	if len(violations) == 0 {
		return CheckOutcome{Status: models.HealthStatusHealthy, Message: "外键约束完整"}
	}

	byTable := make(map[string]int64)
	for _, violation := range violations {
		byTable[violation.Table]++
	}
	for table, count := range byTable {
		issue := &models.IntegrityIssue{
			ID:           uuid.NewString(),
			Type:         models.IntegrityIssueFKViolation,
			Severity:     models.HealthStatusWarning,
			Table:        table,
			Description:  fmt.Sprintf("表 %s 存在 %d 条外键违规", table, count),
			AffectedRows: count,
			Remediation:  []string{"删除或修复孤儿行"},
			Timestamp:    time.Now().UnixMilli(),
		}
		if err := s.healthRepo.CreateIssue(ctx, issue); err != nil {
			s.logger.Error("完整性问题落盘失败", zap.Error(err))
		}
	}

	return CheckOutcome{
		Status:      models.HealthStatusWarning,
		Message:     fmt.Sprintf("发现 %d 条外键违规", len(violations)),
		Details:     map[string]any{"violations": len(violations), "tables": len(byTable)},
		Remediation: []string{"删除或修复孤儿行"},
	}
}

// checkSchema 表结构检查：缺少必需表为 critical，缺少建议索引为 warning
func (s *HealthService) checkSchema(ctx context.Context) CheckOutcome {
	tables, err := s.dbEngine.Tables(ctx)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取表清单失败: %v", err)}
	}
	existing := make(map[string]bool, len(tables))
	for _, table := range tables {
		existing[table] = true
	}

	var missingTables []string
	for _, table := range s.conf.Health.RequiredTables {
		if !existing[table] {
			missingTables = append(missingTables, table)
		}
	}
	if len(missingTables) > 0 {
		return CheckOutcome{
			Status:      models.HealthStatusCritical,
			Message:     fmt.Sprintf("缺少必需表: %s", strings.Join(missingTables, ", ")),
			Details:     map[string]any{"missingTables": missingTables},
			Remediation: []string{"执行建表迁移", "从备份恢复"},
		}
	}

	var missingIndexes []string
	for table, wanted := range s.conf.Health.RecommendedIndexes {
		if !existing[table] {
			continue
		}
		indexes, err := s.dbEngine.Indexes(ctx, table)
		if err != nil {
			return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取索引清单失败: %v", err)}
		}
		have := make(map[string]bool, len(indexes))
		for _, index := range indexes {
			have[index] = true
		}
		for _, index := range wanted {
			if !have[index] {
				missingIndexes = append(missingIndexes, table+"."+index)
			}
		}
	}
	if len(missingIndexes) > 0 {
		sort.Strings(missingIndexes)
		return CheckOutcome{
			Status:      models.HealthStatusWarning,
			Message:     fmt.Sprintf("缺少建议索引: %s", strings.Join(missingIndexes, ", ")),
			Details:     map[string]any{"missingIndexes": missingIndexes},
			Remediation: []string{"创建缺失的索引"},
		}
	}

	return CheckOutcome{
		Status:  models.HealthStatusHealthy,
		Message: "表结构完整",
		Details: map[string]any{"tables": len(tables)},
	}
}

// checkIndexCoverage 无任何索引的用户表提示性告警
func (s *HealthService) checkIndexCoverage(ctx context.Context) CheckOutcome {
	tables, err := s.dbEngine.Tables(ctx)
	if err != nil {
		return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取表清单失败: %v", err)}
	}

	var uncovered []string
	for _, table := range tables {
		indexes, err := s.dbEngine.Indexes(ctx, table)
		if err != nil {
			return CheckOutcome{Status: models.HealthStatusUnknown, Message: fmt.Sprintf("读取索引清单失败: %v", err)}
		}
		if len(indexes) == 0 {
			uncovered = append(uncovered, table)
		}
	}
	if len(uncovered) > 0 {
		sort.Strings(uncovered)
		return CheckOutcome{
			Status:      models.HealthStatusWarning,
			Message:     fmt.Sprintf("%d 张表没有任何索引: %s", len(uncovered), strings.Join(uncovered, ", ")),
			Details:     map[string]any{"tables": uncovered},
			Remediation: []string{"为高频查询列创建索引"},
		}
	}

	return CheckOutcome{
		Status:  models.HealthStatusHealthy,
		Message: "索引覆盖正常",
		Details: map[string]any{"tables": len(tables)},
	}
}
