package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/repo"
	"github.com/go-orz/cache"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AnalyzerStats 分析器统计概览
type AnalyzerStats struct {
	Analyses        int64 `json:"analyses"`
	SlowQueries     int64 `json:"slowQueries"`
	Patterns        int64 `json:"patterns"`
	Recommendations int   `json:"recommendations"`
}

// AnalyzerService 查询分析器：按哈希缓存分析结果（每个查询形态只分析一次），
// 维护慢查询与查询模式统计，并生成受控的索引建议。
type AnalyzerService struct {
	logger    *zap.Logger
	queryRepo *repo.QueryRepo
	dbEngine  engine.Engine
	conf      config.Config

	analysisCache cache.Cache[string, *models.QueryAnalysis]
}

func NewAnalyzerService(logger *zap.Logger, db *gorm.DB, conf config.Config, dbEngine engine.Engine) *AnalyzerService {
	ttl := time.Duration(conf.Analyzer.CacheTTLMinutes) * time.Minute
	return &AnalyzerService{
		logger:        logger,
		queryRepo:     repo.NewQueryRepo(db),
		dbEngine:      dbEngine,
		conf:          conf,
		analysisCache: cache.New[string, *models.QueryAnalysis](ttl),
	}
}

// HashQuery 查询形态的哈希：先做字面量归一化，相同形态的查询共享一份分析
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:8])
}

// AnalyzeQuery 分析一条查询。命中缓存时直接返回既有结果（只更新运行统计，
// 不重复计算）；未命中时执行完整分析并落盘。
func (s *AnalyzerService) AnalyzeQuery(ctx context.Context, query string, durationMs int64, meta map[string]any) (*models.QueryAnalysis, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("查询语句为空")
	}

	hash := HashQuery(query)
	now := time.Now().UnixMilli()

	// 运行统计总是更新（真实运行均值在 upsert 表达式里计算）
	if durationMs >= s.conf.Analyzer.SlowQueryThresholdMs {
		if err := s.queryRepo.UpsertSlowQuery(ctx, hash, query, durationMs, now); err != nil {
			s.logger.Error("慢查询统计更新失败", zap.Error(err))
		}
	}

	if cached, ok := s.analysisCache.Get(hash); ok {
		return cached, nil
	}
	if existing, err := s.queryRepo.FindAnalysis(ctx, hash); err == nil {
		s.cachePut(hash, existing)
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	analysis := s.analyze(ctx, query, hash, durationMs, now)

	if err := s.queryRepo.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	if count, err := s.queryRepo.CountAnalyses(ctx); err == nil && count > int64(s.conf.Analyzer.MaxCacheEntries) {
		if err := s.queryRepo.TrimAnalyses(ctx, s.conf.Analyzer.MaxCacheEntries); err != nil {
			s.logger.Error("裁剪分析结果失败", zap.Error(err))
		}
	}
	s.cachePut(hash, analysis)

	if s.conf.Analyzer.EnableRecommendations {
		s.maybeRecommendIndex(ctx, query, analysis)
	}
	return analysis, nil
}

// analyze 执行分析：索引使用分类、复杂度与优化建议。
// 执行计划只为达到慢查询阈值的 select 获取，低于阈值的新查询
// 走纯文本的基础分析，避免对快查询引入额外的数据库往返。
func (s *AnalyzerService) analyze(ctx context.Context, query, hash string, durationMs, now int64) *models.QueryAnalysis {
	analysis := &models.QueryAnalysis{
		Hash:      hash,
		Query:     query,
		QueryType: queryTypeOf(query),
		Timestamp: now,
	}

	var steps []engine.PlanStep
	if analysis.QueryType == "select" && durationMs >= s.conf.Analyzer.SlowQueryThresholdMs && s.dbEngine != nil {
		var err error
		steps, err = s.dbEngine.ExplainPlan(ctx, query)
		if err != nil {
			// 计划获取失败时退化为纯文本分析
			s.logger.Debug("获取执行计划失败", zap.String("hash", hash), zap.Error(err))
		}
	}

	for _, step := range steps {
		analysis.PlanSteps = append(analysis.PlanSteps, step.Detail)
	}
	analysis.IndexUsage = classifyPlan(steps)
	analysis.EstimatedCost, analysis.EstimatedRows = estimateCost(query, analysis.IndexUsage)
	analysis.Complexity = complexityOf(query, analysis.IndexUsage)
	analysis.Suggestions = buildSuggestions(query, analysis.IndexUsage)
	return analysis
}

func (s *AnalyzerService) cachePut(hash string, analysis *models.QueryAnalysis) {
	ttl := time.Duration(s.conf.Analyzer.CacheTTLMinutes) * time.Minute
	s.analysisCache.Set(hash, analysis, ttl)
}

// TrackQueryPattern 归一化后统计查询模式（出现次数与运行均值）
func (s *AnalyzerService) TrackQueryPattern(ctx context.Context, query string, durationMs int64) {
	template := NormalizeQuery(query)
	if template == "" {
		return
	}
	now := time.Now().UnixMilli()

	pattern := &models.QueryPattern{
		Hash:      HashQuery(query),
		Template:  template,
		Count:     1,
		AvgMs:     float64(durationMs),
		Tables:    extractTables(query),
		FirstSeen: now,
		LastSeen:  now,
	}
	if err := s.queryRepo.UpsertPattern(ctx, pattern); err != nil {
		s.logger.Error("查询模式统计更新失败", zap.Error(err))
	}
}

// maybeRecommendIndex 全表扫描且能提取出 表+谓词列 时生成索引建议，
// 同一 表+列 组合的 pending 建议只保留一条。
func (s *AnalyzerService) maybeRecommendIndex(ctx context.Context, query string, analysis *models.QueryAnalysis) {
	if analysis.IndexUsage != models.IndexUsageScan {
		return
	}
	tables := extractTables(query)
	columns := extractPredicateColumns(query)
	if len(tables) == 0 || len(columns) == 0 {
		return
	}
	table := tables[0]

	columnKey := table + "(" + strings.Join(columns, ",") + ")"
	if _, err := s.queryRepo.FindPendingRecommendationByKey(ctx, columnKey); err == nil {
		return // 已有同样的待处理建议
	}

	rec := &models.IndexRecommendation{
		ID:            uuid.NewString(),
		Table:         table,
		Columns:       columns,
		ColumnKey:     columnKey,
		Kind:          "btree",
		Reason:        fmt.Sprintf("查询对表 %s 做全表扫描，谓词列 %s 未命中索引", table, strings.Join(columns, ", ")),
		ImpactPercent: estimateIndexImpact(analysis),
		Patterns:      []string{NormalizeQuery(query)},
		Statement:     buildCreateIndex(table, columns),
		Priority:      recommendationPriority(analysis),
		Status:        models.RecommendationPending,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := s.queryRepo.CreateRecommendation(ctx, rec); err != nil {
		s.logger.Error("索引建议写入失败", zap.Error(err))
		return
	}
	s.logger.Info("生成索引建议",
		zap.String("table", table),
		zap.Strings("columns", columns),
		zap.String("statement", rec.Statement))
}

// ImplementRecommendation 处理索引建议。
// execute 为 false 时只返回语句（演练）；实际执行需要 execute 与
// 配置项 autoCreateIndex 同时为真，二者缺一不可。
func (s *AnalyzerService) ImplementRecommendation(ctx context.Context, id string, execute bool) (*models.IndexRecommendation, error) {
	rec, err := s.queryRepo.FindRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.RecommendationPending {
		return nil, fmt.Errorf("索引建议 %s 状态为 %s，无法执行", id, rec.Status)
	}

	if !execute || !s.conf.Analyzer.AutoCreateIndex {
		return rec, nil
	}

	if err := s.dbEngine.Exec(ctx, rec.Statement); err != nil {
		return nil, fmt.Errorf("执行建索引语句失败: %w", err)
	}
	if err := s.queryRepo.UpdateRecommendationStatus(ctx, id, models.RecommendationCreated); err != nil {
		return nil, err
	}
	rec.Status = models.RecommendationCreated

	s.logger.Info("索引已创建",
		zap.String("table", rec.Table),
		zap.String("statement", rec.Statement))
	return rec, nil
}

// RejectRecommendation 拒绝索引建议
func (s *AnalyzerService) RejectRecommendation(ctx context.Context, id string) error {
	return s.queryRepo.UpdateRecommendationStatus(ctx, id, models.RecommendationRejected)
}

// Analysis 按哈希查询分析结果
func (s *AnalyzerService) Analysis(ctx context.Context, hash string) (*models.QueryAnalysis, error) {
	if cached, ok := s.analysisCache.Get(hash); ok {
		return cached, nil
	}
	return s.queryRepo.FindAnalysis(ctx, hash)
}

// SlowQueries 慢查询统计（按平均耗时倒序）
func (s *AnalyzerService) SlowQueries(ctx context.Context, limit int) ([]models.SlowQuery, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRepo.FindSlowQueries(ctx, limit)
}

// Patterns 查询模式统计（按出现次数倒序）
func (s *AnalyzerService) Patterns(ctx context.Context, limit int) ([]models.QueryPattern, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRepo.FindPatterns(ctx, limit)
}

// Recommendations 索引建议列表，status 为空时返回全部
func (s *AnalyzerService) Recommendations(ctx context.Context, status string, limit int) ([]models.IndexRecommendation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRepo.FindRecommendations(ctx, status, limit)
}

// Stats 分析器统计概览
func (s *AnalyzerService) Stats(ctx context.Context) (*AnalyzerStats, error) {
	analyses, err := s.queryRepo.CountAnalyses(ctx)
	if err != nil {
		return nil, err
	}
	slow, err := s.queryRepo.CountSlowQueries(ctx)
	if err != nil {
		return nil, err
	}
	patterns, err := s.queryRepo.CountPatterns(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.queryRepo.FindRecommendations(ctx, models.RecommendationPending, 1000)
	if err != nil {
		return nil, err
	}
	return &AnalyzerStats{
		Analyses:        analyses,
		SlowQueries:     slow,
		Patterns:        patterns,
		Recommendations: len(recs),
	}, nil
}
