package migrate

import (
	"github.com/dushixiang/marmot/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 建表与结构同步
func AutoMigrate(logger *zap.Logger, db *gorm.DB) error {
	logger.Info("开始执行数据库迁移")

	err := db.AutoMigrate(
		&models.MetricSample{},
		&models.AlertRule{},
		&models.AlertRecord{},
		&models.MetricDefinition{},
		&models.SeriesPoint{},
		&models.SeriesBucket{},
		&models.HealthRecord{},
		&models.IntegrityIssue{},
		&models.RemediationAction{},
		&models.QueryAnalysis{},
		&models.SlowQuery{},
		&models.IndexRecommendation{},
		&models.QueryPattern{},
		&models.SnapshotRecord{},
		&models.DashboardAlert{},
	)
	if err != nil {
		logger.Error("数据库迁移失败", zap.Error(err))
		return err
	}

	logger.Info("数据库迁移完成")
	return nil
}
