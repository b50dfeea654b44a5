package repo

import (
	"context"

	"github.com/dushixiang/marmot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueryRepo struct {
	db *gorm.DB
}

func NewQueryRepo(db *gorm.DB) *QueryRepo {
	return &QueryRepo{
		db: db,
	}
}

// SaveAnalysis 保存分析结果（按哈希 upsert）
func (r *QueryRepo) SaveAnalysis(ctx context.Context, analysis *models.QueryAnalysis) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"query", "query_type", "plan_steps", "index_usage", "estimated_cost", "estimated_rows", "complexity", "suggestions", "timestamp"}),
		}).
		Create(analysis).Error
}

// FindAnalysis 按哈希查询分析结果
func (r *QueryRepo) FindAnalysis(ctx context.Context, hash string) (*models.QueryAnalysis, error) {
	var analysis models.QueryAnalysis
	err := r.db.WithContext(ctx).Where("hash = ?", hash).First(&analysis).Error
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// CountAnalyses 统计分析结果数量
func (r *QueryRepo) CountAnalyses(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.QueryAnalysis{}).Count(&count).Error
	return count, err
}

// TrimAnalyses 裁剪分析结果，只保留最近 keep 条
func (r *QueryRepo) TrimAnalyses(ctx context.Context, keep int) error {
	return r.db.WithContext(ctx).Exec(
		"DELETE FROM qa_analyses WHERE hash NOT IN (SELECT hash FROM qa_analyses ORDER BY timestamp DESC LIMIT ?)",
		keep,
	).Error
}

// UpsertSlowQuery 按哈希 upsert 慢查询统计，平均值为真实运行均值
func (r *QueryRepo) UpsertSlowQuery(ctx context.Context, hash, query string, durationMs, now int64) error {
	record := models.SlowQuery{
		Hash:     hash,
		Query:    query,
		Count:    1,
		TotalMs:  durationMs,
		AvgMs:    float64(durationMs),
		MaxMs:    durationMs,
		LastSeen: now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "hash"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":     gorm.Expr("count + 1"),
				"total_ms":  gorm.Expr("total_ms + excluded.total_ms"),
				"avg_ms":    gorm.Expr("(total_ms + excluded.total_ms) * 1.0 / (count + 1)"),
				"max_ms":    gorm.Expr("MAX(max_ms, excluded.max_ms)"),
				"last_seen": gorm.Expr("excluded.last_seen"),
			}),
		}).
		Create(&record).Error
}

// FindSlowQueries 查询慢查询统计（按平均耗时倒序）
func (r *QueryRepo) FindSlowQueries(ctx context.Context, limit int) ([]models.SlowQuery, error) {
	var records []models.SlowQuery
	err := r.db.WithContext(ctx).
		Order("avg_ms DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// FindSlowQuery 按哈希查询慢查询统计
func (r *QueryRepo) FindSlowQuery(ctx context.Context, hash string) (*models.SlowQuery, error) {
	var record models.SlowQuery
	err := r.db.WithContext(ctx).Where("hash = ?", hash).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// CountSlowQueries 统计慢查询数量
func (r *QueryRepo) CountSlowQueries(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SlowQuery{}).Count(&count).Error
	return count, err
}

// CreateRecommendation 写入索引建议
func (r *QueryRepo) CreateRecommendation(ctx context.Context, rec *models.IndexRecommendation) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// FindPendingRecommendationByKey 按 表+列 规范化键查询待处理的索引建议（用于去重）
func (r *QueryRepo) FindPendingRecommendationByKey(ctx context.Context, columnKey string) (*models.IndexRecommendation, error) {
	var rec models.IndexRecommendation
	err := r.db.WithContext(ctx).
		Where("column_key = ? AND status = ?", columnKey, models.RecommendationPending).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindRecommendation 按 ID 查询索引建议
func (r *QueryRepo) FindRecommendation(ctx context.Context, id string) (*models.IndexRecommendation, error) {
	var rec models.IndexRecommendation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindRecommendations 查询索引建议（按优先级升序、创建时间倒序）
func (r *QueryRepo) FindRecommendations(ctx context.Context, status string, limit int) ([]models.IndexRecommendation, error) {
	var recs []models.IndexRecommendation
	query := r.db.WithContext(ctx)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.
		Order("priority ASC, created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// UpdateRecommendationStatus 更新索引建议状态
func (r *QueryRepo) UpdateRecommendationStatus(ctx context.Context, id, status string) error {
	return r.db.WithContext(ctx).Model(&models.IndexRecommendation{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// UpsertPattern 按哈希 upsert 查询模式统计
func (r *QueryRepo) UpsertPattern(ctx context.Context, pattern *models.QueryPattern) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "hash"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":     gorm.Expr("count + 1"),
				"avg_ms":    gorm.Expr("(avg_ms * count + excluded.avg_ms) / (count + 1)"),
				"last_seen": gorm.Expr("excluded.last_seen"),
			}),
		}).
		Create(pattern).Error
}

// FindPatterns 查询模式统计（按出现次数倒序）
func (r *QueryRepo) FindPatterns(ctx context.Context, limit int) ([]models.QueryPattern, error) {
	var patterns []models.QueryPattern
	err := r.db.WithContext(ctx).
		Order("count DESC").
		Limit(limit).
		Find(&patterns).Error
	return patterns, err
}

// CountPatterns 统计查询模式数量
func (r *QueryRepo) CountPatterns(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.QueryPattern{}).Count(&count).Error
	return count, err
}
