package repo

import (
	"context"

	"github.com/dushixiang/marmot/internal/models"
	"gorm.io/gorm"
)

type HealthRepo struct {
	db *gorm.DB
}

func NewHealthRepo(db *gorm.DB) *HealthRepo {
	return &HealthRepo{
		db: db,
	}
}

// CreateResults 批量写入检查结果
func (r *HealthRepo) CreateResults(ctx context.Context, results []models.HealthRecord) error {
	if len(results) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(results, 100).Error
}

// FindRecentResults 查询最近的检查结果（按时间倒序）
func (r *HealthRepo) FindRecentResults(ctx context.Context, limit int) ([]models.HealthRecord, error) {
	var results []models.HealthRecord
	err := r.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}

// FindResultsByCheck 查询某个检查项的历史结果
func (r *HealthRepo) FindResultsByCheck(ctx context.Context, checkName string, limit int) ([]models.HealthRecord, error) {
	var results []models.HealthRecord
	err := r.db.WithContext(ctx).
		Where("check_name = ?", checkName).
		Order("timestamp DESC").
		Limit(limit).
		Find(&results).Error
	return results, err
}

// TrimResults 裁剪历史记录，只保留最近 keep 条
func (r *HealthRepo) TrimResults(ctx context.Context, keep int) error {
	return r.db.WithContext(ctx).Exec(
		"DELETE FROM health_results WHERE id NOT IN (SELECT id FROM health_results ORDER BY timestamp DESC LIMIT ?)",
		keep,
	).Error
}

// CreateIssue 写入完整性问题
func (r *HealthRepo) CreateIssue(ctx context.Context, issue *models.IntegrityIssue) error {
	return r.db.WithContext(ctx).Create(issue).Error
}

// FindOpenIssues 查询未解决的完整性问题
func (r *HealthRepo) FindOpenIssues(ctx context.Context) ([]models.IntegrityIssue, error) {
	var issues []models.IntegrityIssue
	err := r.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("timestamp DESC").
		Find(&issues).Error
	return issues, err
}

// ResolveIssue 标记完整性问题已解决
func (r *HealthRepo) ResolveIssue(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.IntegrityIssue{}).
		Where("id = ?", id).
		Update("resolved", true).Error
}

// CreateAction 写入修复动作
func (r *HealthRepo) CreateAction(ctx context.Context, action *models.RemediationAction) error {
	return r.db.WithContext(ctx).Create(action).Error
}

// UpdateAction 更新修复动作
func (r *HealthRepo) UpdateAction(ctx context.Context, action *models.RemediationAction) error {
	return r.db.WithContext(ctx).Save(action).Error
}

// FindActions 查询修复动作（按创建时间倒序）
func (r *HealthRepo) FindActions(ctx context.Context, limit int) ([]models.RemediationAction, error) {
	var actions []models.RemediationAction
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}
