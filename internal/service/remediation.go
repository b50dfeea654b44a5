package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 修复动作类型
const (
	ActionCompact        = "compact"
	ActionRebuildIndexes = "rebuild_indexes"
	ActionCheckpoint     = "checkpoint"
)

// remediationActions 检查项到修复动作的白名单映射。
// 不在表中的检查项不会触发任何自动修复。
var remediationActions = map[string]string{
	"performance":     ActionCompact,
	"fragmentation":   ActionCompact,
	"integrity":       ActionRebuildIndexes,
	"foreign_keys":    ActionRebuildIndexes,
	"index_coverage":  ActionRebuildIndexes,
	"connectivity":    ActionCheckpoint,
	"connection_pool": ActionCheckpoint,
}

// maybeRemediate 对严重状态的检查项触发自动修复（需显式启用）
func (s *HealthService) maybeRemediate(ctx context.Context, results []models.HealthRecord) {
	if !s.conf.Health.AutoRemediate {
		return
	}
	for _, result := range results {
		if result.Status != models.HealthStatusCritical {
			continue
		}
		if _, ok := remediationActions[result.CheckName]; !ok {
			continue
		}
		if _, err := s.Remediate(ctx, result.CheckName); err != nil {
			s.logger.Error("自动修复失败",
				zap.String("check", result.CheckName),
				zap.Error(err))
		}
	}
}

// Remediate 对某个检查项执行白名单内的修复动作，全程留痕。
// 白名单之外的检查项直接拒绝。
func (s *HealthService) Remediate(ctx context.Context, checkName string) (*models.RemediationAction, error) {
	actionType, ok := remediationActions[checkName]
	if !ok {
		return nil, fmt.Errorf("检查项 %s 没有可用的修复动作", checkName)
	}

	action := &models.RemediationAction{
		ID:         uuid.NewString(),
		ActionType: actionType,
		CheckName:  checkName,
		Status:     models.RemediationStatusPending,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.healthRepo.CreateAction(ctx, action); err != nil {
		return nil, err
	}

	action.Status = models.RemediationStatusRunning
	action.StartedAt = time.Now().UnixMilli()
	if err := s.healthRepo.UpdateAction(ctx, action); err != nil {
		return nil, err
	}

	s.logger.Info("开始执行修复动作",
		zap.String("action", actionType),
		zap.String("check", checkName))

	execErr := s.executeAction(ctx, actionType)

	action.CompletedAt = time.Now().UnixMilli()
	if execErr != nil {
		action.Status = models.RemediationStatusFailed
		action.Error = execErr.Error()
	} else {
		action.Status = models.RemediationStatusCompleted
		action.Result = map[string]any{
			"durationMs": action.CompletedAt - action.StartedAt,
		}
	}
	if err := s.healthRepo.UpdateAction(ctx, action); err != nil {
		s.logger.Error("修复动作状态更新失败", zap.Error(err))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicRemediationFinished, action)
	}

	if execErr != nil {
		return action, execErr
	}
	s.logger.Info("修复动作执行完成",
		zap.String("action", actionType),
		zap.Int64("durationMs", action.CompletedAt-action.StartedAt))
	return action, nil
}

// executeAction 只执行有界的维护操作
func (s *HealthService) executeAction(ctx context.Context, actionType string) error {
	switch actionType {
	case ActionCompact:
		return s.dbEngine.Compact(ctx)
	case ActionRebuildIndexes:
		return s.dbEngine.RebuildIndexes(ctx)
	case ActionCheckpoint:
		return s.dbEngine.Checkpoint(ctx)
	default:
		return fmt.Errorf("未知的修复动作: %s", actionType)
	}
}
