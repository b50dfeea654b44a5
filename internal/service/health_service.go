package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/dushixiang/marmot/internal/repo"
	"github.com/dushixiang/marmot/internal/sysinfo"
	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CheckOutcome 单项检查的输出
type CheckOutcome struct {
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Remediation []string       `json:"remediation,omitempty"`
}

// CheckFunc 健康检查函数
type CheckFunc func(ctx context.Context) CheckOutcome

type healthCheck struct {
	name string
	run  CheckFunc
}

// HealthReport 一轮检查的汇总
type HealthReport struct {
	Overall   string                `json:"overall"`   // 最差状态
	Score     float64               `json:"score"`     // 各项得分的算术平均
	Timestamp int64                 `json:"timestamp"` // 毫秒
	Results   []models.HealthRecord `json:"results"`
}

// 状态到得分的映射
var statusScores = map[string]float64{
	models.HealthStatusHealthy:  100,
	models.HealthStatusWarning:  60,
	models.HealthStatusUnknown:  30,
	models.HealthStatusCritical: 20,
}

// 状态严重程度排序（越大越差）
var statusRank = map[string]int{
	models.HealthStatusHealthy:  0,
	models.HealthStatusUnknown:  1,
	models.HealthStatusWarning:  2,
	models.HealthStatusCritical: 3,
}

// HealthService 健康引擎：周期性并发执行内置检查，汇总为整体状态与得分，
// 持久化历史并在显式启用时触发受控的自动修复。
type HealthService struct {
	logger     *zap.Logger
	healthRepo *repo.HealthRepo
	sampleRepo *repo.SampleRepo
	dbEngine   engine.Engine
	sampler    sysinfo.Sampler
	bus        *eventbus.Bus
	conf       config.Config

	checks []healthCheck

	mu         sync.RWMutex
	lastReport *HealthReport

	running atomic.Bool // 上一轮未结束时跳过本轮
	cron    *cron.Cron
	started atomic.Bool
}

func NewHealthService(logger *zap.Logger, db *gorm.DB, conf config.Config, dbEngine engine.Engine, sampler sysinfo.Sampler, bus *eventbus.Bus) *HealthService {
	s := &HealthService{
		logger:     logger,
		healthRepo: repo.NewHealthRepo(db),
		sampleRepo: repo.NewSampleRepo(db),
		dbEngine:   dbEngine,
		sampler:    sampler,
		bus:        bus,
		conf:       conf,
	}
	s.registerBuiltinChecks()
	return s
}

// RegisterCheck 注册检查项（内置检查之外的扩展点）
func (s *HealthService) RegisterCheck(name string, fn CheckFunc) {
	s.checks = append(s.checks, healthCheck{name: name, run: fn})
}

// Start 启动周期检查：先立即执行一轮，再按固定间隔重复，幂等
func (s *HealthService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.RunChecks(context.Background())

	s.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %ds", s.conf.Health.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		s.RunChecks(context.Background())
	}); err != nil {
		s.logger.Error("注册健康检查定时器失败", zap.Error(err))
	}
	s.cron.Start()
	s.logger.Info("健康引擎已启动", zap.Int("interval", s.conf.Health.Interval))
}

// Stop 停止周期检查，幂等
func (s *HealthService) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.logger.Info("健康引擎已停止")
}

// RunChecks 并发执行全部检查并汇总。上一轮尚未结束时直接返回上次报告。
func (s *HealthService) RunChecks(ctx context.Context) *HealthReport {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("上一轮健康检查尚未结束，跳过本轮")
		return s.LastReport()
	}
	defer s.running.Store(false)

	now := time.Now().UnixMilli()

	p := pool.NewWithResults[models.HealthRecord]().WithMaxGoroutines(4)
	for _, check := range s.checks {
		check := check
		p.Go(func() models.HealthRecord {
			return s.runOne(ctx, check, now)
		})
	}
	results := p.Wait()

	report := &HealthReport{
		Overall:   models.HealthStatusHealthy,
		Timestamp: now,
		Results:   results,
	}

	var total float64
	for _, result := range results {
		if statusRank[result.Status] > statusRank[report.Overall] {
			report.Overall = result.Status
		}
		total += statusScores[result.Status]
	}
	if len(results) > 0 {
		report.Score = total / float64(len(results))
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	if err := s.healthRepo.CreateResults(ctx, results); err != nil {
		s.logger.Error("健康检查结果落盘失败", zap.Error(err))
	}
	if err := s.healthRepo.TrimResults(ctx, s.conf.Health.HistoryLimit); err != nil {
		s.logger.Error("裁剪健康检查历史失败", zap.Error(err))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicHealthCompleted, report)
	}

	s.maybeRemediate(ctx, results)
	return report
}

// runOne 执行单项检查，panic 被捕获并合成一条 critical 结果
func (s *HealthService) runOne(ctx context.Context, check healthCheck, ts int64) (record models.HealthRecord) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			wrapped := goerrors.Wrap(r, 2)
			s.logger.Error("健康检查 panic",
				zap.String("check", check.name),
				zap.String("stack", wrapped.ErrorStack()))
			record = models.HealthRecord{
				ID:         uuid.NewString(),
				CheckName:  check.name,
				Status:     models.HealthStatusCritical,
				Message:    fmt.Sprintf("检查异常退出: %v", r),
				Timestamp:  ts,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
	}()

	outcome := check.run(ctx)
	if outcome.Status == "" {
		outcome.Status = models.HealthStatusUnknown
	}

	return models.HealthRecord{
		ID:          uuid.NewString(),
		CheckName:   check.name,
		Status:      outcome.Status,
		Message:     outcome.Message,
		Details:     outcome.Details,
		Timestamp:   ts,
		DurationMs:  time.Since(start).Milliseconds(),
		Remediation: outcome.Remediation,
	}
}

// LastReport 最近一轮检查报告（尚未运行过时返回 unknown）
func (s *HealthService) LastReport() *HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReport == nil {
		return &HealthReport{
			Overall:   models.HealthStatusUnknown,
			Score:     statusScores[models.HealthStatusUnknown],
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return s.lastReport
}

// History 检查历史（按时间倒序）
func (s *HealthService) History(ctx context.Context, limit int) ([]models.HealthRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.healthRepo.FindRecentResults(ctx, limit)
}

// CheckHistory 某个检查项的历史
func (s *HealthService) CheckHistory(ctx context.Context, checkName string, limit int) ([]models.HealthRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.healthRepo.FindResultsByCheck(ctx, checkName, limit)
}

// OpenIssues 未解决的完整性问题
func (s *HealthService) OpenIssues(ctx context.Context) ([]models.IntegrityIssue, error) {
	return s.healthRepo.FindOpenIssues(ctx)
}

// Actions 修复动作历史
func (s *HealthService) Actions(ctx context.Context, limit int) ([]models.RemediationAction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.healthRepo.FindActions(ctx, limit)
}
