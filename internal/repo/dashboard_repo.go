package repo

import (
	"context"

	"github.com/dushixiang/marmot/internal/models"
	"gorm.io/gorm"
)

type DashboardRepo struct {
	db *gorm.DB
}

func NewDashboardRepo(db *gorm.DB) *DashboardRepo {
	return &DashboardRepo{
		db: db,
	}
}

// CreateSnapshot 写入抽样持久化的快照
func (r *DashboardRepo) CreateSnapshot(ctx context.Context, snapshot *models.SnapshotRecord) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

// FindSnapshotsSince 查询指定时间之后的快照（按时间升序）
func (r *DashboardRepo) FindSnapshotsSince(ctx context.Context, since int64) ([]models.SnapshotRecord, error) {
	var snapshots []models.SnapshotRecord
	err := r.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Find(&snapshots).Error
	return snapshots, err
}

// DeleteSnapshotsBefore 删除指定时间之前的快照
func (r *DashboardRepo) DeleteSnapshotsBefore(ctx context.Context, ts int64) error {
	return r.db.WithContext(ctx).Where("timestamp < ?", ts).Delete(&models.SnapshotRecord{}).Error
}

// CreateAlert 写入仪表盘告警
func (r *DashboardRepo) CreateAlert(ctx context.Context, alert *models.DashboardAlert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

// FindAlertsSince 查询指定时间之后的仪表盘告警（按时间倒序）
func (r *DashboardRepo) FindAlertsSince(ctx context.Context, since int64, limit int) ([]models.DashboardAlert, error) {
	var alerts []models.DashboardAlert
	err := r.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}
