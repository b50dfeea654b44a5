package repo

import (
	"context"

	"github.com/dushixiang/marmot/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SampleRepo 样本与告警的持久化。嵌入通用仓储以便在
// Service.Transaction 内通过 GetDB(ctx) 复用事务连接。
type SampleRepo struct {
	orz.Repository[models.MetricSample, string]
}

func NewSampleRepo(db *gorm.DB) *SampleRepo {
	return &SampleRepo{
		Repository: orz.NewRepository[models.MetricSample, string](db),
	}
}

// CreateBatch 批量写入样本
func (r *SampleRepo) CreateBatch(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return r.GetDB(ctx).WithContext(ctx).CreateInBatches(samples, 200).Error
}

// FindByWindow 查询时间窗口内的样本（按时间升序）
func (r *SampleRepo) FindByWindow(ctx context.Context, start, end int64) ([]models.MetricSample, error) {
	var samples []models.MetricSample
	err := r.GetDB(ctx).WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp ASC").
		Find(&samples).Error
	return samples, err
}

// SampleStats 样本窗口统计
type SampleStats struct {
	Count      int64   `json:"count"`
	AvgMs      float64 `json:"avgMs"`
	MaxMs      int64   `json:"maxMs"`
	ErrorCount int64   `json:"errorCount"`
	CacheHits  int64   `json:"cacheHits"`
}

// StatsByWindow 统计时间窗口内的样本（用于基线与性能检查）
func (r *SampleRepo) StatsByWindow(ctx context.Context, start, end int64) (SampleStats, error) {
	var stats SampleStats
	err := r.GetDB(ctx).WithContext(ctx).Model(&models.MetricSample{}).
		Select("COUNT(*) AS count, COALESCE(AVG(duration_ms), 0) AS avg_ms, COALESCE(MAX(duration_ms), 0) AS max_ms, COALESCE(SUM(CASE WHEN error_code <> '' THEN 1 ELSE 0 END), 0) AS error_count, COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hits").
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Scan(&stats).Error
	return stats, err
}

// DeleteBefore 删除指定时间之前的样本
func (r *SampleRepo) DeleteBefore(ctx context.Context, ts int64) error {
	return r.GetDB(ctx).WithContext(ctx).Where("timestamp < ?", ts).Delete(&models.MetricSample{}).Error
}

// SaveRule 保存告警规则（按 ID upsert）
func (r *SampleRepo) SaveRule(ctx context.Context, rule *models.AlertRule) error {
	return r.GetDB(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "metric", "operator", "threshold", "duration_seconds", "severity", "enabled"}),
		}).
		Create(rule).Error
}

// FindEnabledRules 查询启用的告警规则
func (r *SampleRepo) FindEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := r.GetDB(ctx).WithContext(ctx).Where("enabled = ?", true).Find(&rules).Error
	return rules, err
}

// FindRules 查询全部告警规则
func (r *SampleRepo) FindRules(ctx context.Context) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := r.GetDB(ctx).WithContext(ctx).Find(&rules).Error
	return rules, err
}

// CountRules 统计规则数量
func (r *SampleRepo) CountRules(ctx context.Context) (int64, error) {
	var count int64
	err := r.GetDB(ctx).WithContext(ctx).Model(&models.AlertRule{}).Count(&count).Error
	return count, err
}

// CreateAlert 写入单条告警
func (r *SampleRepo) CreateAlert(ctx context.Context, alert *models.AlertRecord) error {
	return r.GetDB(ctx).WithContext(ctx).Create(alert).Error
}

// CreateAlerts 批量写入告警
func (r *SampleRepo) CreateAlerts(ctx context.Context, alerts []models.AlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	return r.GetDB(ctx).WithContext(ctx).CreateInBatches(alerts, 100).Error
}

// FindAlertsSince 查询指定时间之后的告警（按时间倒序）
func (r *SampleRepo) FindAlertsSince(ctx context.Context, since int64, limit int) ([]models.AlertRecord, error) {
	var alerts []models.AlertRecord
	err := r.GetDB(ctx).WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

// FindActiveAlerts 查询未恢复的告警
func (r *SampleRepo) FindActiveAlerts(ctx context.Context) ([]models.AlertRecord, error) {
	var alerts []models.AlertRecord
	err := r.GetDB(ctx).WithContext(ctx).
		Where("resolved = ?", false).
		Order("timestamp DESC").
		Find(&alerts).Error
	return alerts, err
}

// ResolveAlert 标记告警已恢复
func (r *SampleRepo) ResolveAlert(ctx context.Context, id string, resolvedAt int64) error {
	return r.GetDB(ctx).WithContext(ctx).Model(&models.AlertRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "resolved_at": resolvedAt}).Error
}

// DeleteAlertsBefore 删除指定时间之前的告警
func (r *SampleRepo) DeleteAlertsBefore(ctx context.Context, ts int64) error {
	return r.GetDB(ctx).WithContext(ctx).Where("timestamp < ?", ts).Delete(&models.AlertRecord{}).Error
}
