package repo

import (
	"context"

	"github.com/dushixiang/marmot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SeriesRepo struct {
	db *gorm.DB
}

func NewSeriesRepo(db *gorm.DB) *SeriesRepo {
	return &SeriesRepo{
		db: db,
	}
}

// SaveDefinition 保存指标定义（按名称 upsert，幂等）
func (r *SeriesRepo) SaveDefinition(ctx context.Context, def *models.MetricDefinition) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "unit", "kind", "labels", "retention_days", "aggregation_seconds", "enabled"}),
		}).
		Create(def).Error
}

// FindDefinitions 查询全部指标定义
func (r *SeriesRepo) FindDefinitions(ctx context.Context) ([]models.MetricDefinition, error) {
	var defs []models.MetricDefinition
	err := r.db.WithContext(ctx).Order("name ASC").Find(&defs).Error
	return defs, err
}

// CreatePoints 批量写入原始数据点
func (r *SeriesRepo) CreatePoints(ctx context.Context, points []models.SeriesPoint) error {
	if len(points) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(points, 500).Error
}

// FindPoints 查询原始数据点（按时间升序）
func (r *SeriesRepo) FindPoints(ctx context.Context, metric string, start, end int64) ([]models.SeriesPoint, error) {
	var points []models.SeriesPoint
	err := r.db.WithContext(ctx).
		Where("metric = ? AND timestamp >= ? AND timestamp <= ?", metric, start, end).
		Order("timestamp ASC").
		Find(&points).Error
	return points, err
}

// FindPointsByLabel 按标签键查询原始数据点
func (r *SeriesRepo) FindPointsByLabel(ctx context.Context, metric, labelKey string, start, end int64) ([]models.SeriesPoint, error) {
	var points []models.SeriesPoint
	err := r.db.WithContext(ctx).
		Where("metric = ? AND label_key = ? AND timestamp >= ? AND timestamp <= ?", metric, labelKey, start, end).
		Order("timestamp ASC").
		Find(&points).Error
	return points, err
}

// SaveBucket 保存聚合桶（按 指标+窗口+标签 upsert，统计列整体覆盖）
func (r *SeriesRepo) SaveBucket(ctx context.Context, bucket *models.SeriesBucket) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "metric"}, {Name: "bucket_start"}, {Name: "label_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"labels", "count", "sum", "min", "max", "avg", "p50", "p95", "p99", "std_dev"}),
		}).
		Create(bucket).Error
}

// FindBuckets 查询聚合桶（按窗口起点升序）
func (r *SeriesRepo) FindBuckets(ctx context.Context, metric string, start, end int64) ([]models.SeriesBucket, error) {
	var buckets []models.SeriesBucket
	err := r.db.WithContext(ctx).
		Where("metric = ? AND bucket_start >= ? AND bucket_start <= ?", metric, start, end).
		Order("bucket_start ASC").
		Find(&buckets).Error
	return buckets, err
}

// LatestPoint 查询某个指标的最新原始数据点
func (r *SeriesRepo) LatestPoint(ctx context.Context, metric string) (*models.SeriesPoint, error) {
	var point models.SeriesPoint
	err := r.db.WithContext(ctx).
		Where("metric = ?", metric).
		Order("timestamp DESC").
		First(&point).Error
	if err != nil {
		return nil, err
	}
	return &point, nil
}

// DeletePointsBefore 删除指定指标在某时间之前的原始数据点
func (r *SeriesRepo) DeletePointsBefore(ctx context.Context, metric string, ts int64) error {
	return r.db.WithContext(ctx).
		Where("metric = ? AND timestamp < ?", metric, ts).
		Delete(&models.SeriesPoint{}).Error
}

// DeleteBucketsBefore 删除指定指标在某时间之前的聚合桶
func (r *SeriesRepo) DeleteBucketsBefore(ctx context.Context, metric string, ts int64) error {
	return r.db.WithContext(ctx).
		Where("metric = ? AND bucket_start < ?", metric, ts).
		Delete(&models.SeriesBucket{}).Error
}
