package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dushixiang/marmot/internal/config"
	"github.com/dushixiang/marmot/internal/engine"
	"github.com/dushixiang/marmot/internal/eventbus"
	"github.com/dushixiang/marmot/internal/handler"
	"github.com/dushixiang/marmot/internal/logger"
	"github.com/dushixiang/marmot/internal/migrate"
	"github.com/dushixiang/marmot/internal/service"
	"github.com/dushixiang/marmot/internal/sysinfo"
	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "marmot",
		Short: "嵌入式数据库自监控服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(conf.Log)
	defer func() { _ = log.Sync() }()

	db, err := gorm.Open(sqlite.Open(conf.Database.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}

	if err := migrate.AutoMigrate(log, db); err != nil {
		return err
	}

	dbEngine := engine.NewSQLiteEngine(db)
	sampler, err := sysinfo.NewSystemSampler(filepath.Dir(conf.Database.Path))
	if err != nil {
		return fmt.Errorf("初始化资源采样器失败: %w", err)
	}
	bus := eventbus.NewBus(log)

	ctx := context.Background()

	series := service.NewSeriesService(log, db, conf, dbEngine, sampler, bus)
	if err := series.Init(ctx); err != nil {
		return fmt.Errorf("初始化时间序列存储失败: %w", err)
	}
	analyzer := service.NewAnalyzerService(log, db, conf, dbEngine)
	collector := service.NewCollectorService(log, db, conf, dbEngine, series, analyzer, bus)
	if err := collector.SeedDefaultRules(ctx); err != nil {
		return fmt.Errorf("初始化默认告警规则失败: %w", err)
	}
	health := service.NewHealthService(log, db, conf, dbEngine, sampler, bus)
	dashboard := service.NewDashboardService(log, db, conf, collector, health, analyzer, series, sampler, dbEngine, bus)

	series.Start()
	collector.Start()
	health.Start()
	dashboard.Start()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	handler.Register(e, &handler.Handlers{
		Collector: handler.NewCollectorHandler(log, collector),
		Series:    handler.NewSeriesHandler(log, series),
		Health:    handler.NewHealthHandler(log, health),
		Analyzer:  handler.NewAnalyzerHandler(log, analyzer),
		Dashboard: handler.NewDashboardHandler(log, dashboard),
	})

	go func() {
		if err := e.Start(conf.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP 服务启动失败", zap.Error(err))
		}
	}()
	log.Info("服务已启动", zap.String("addr", conf.Server.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("收到退出信号，开始关闭")

	dashboard.Stop()
	health.Stop()
	collector.Stop()
	series.Stop()
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 服务关闭失败", zap.Error(err))
	}

	log.Info("服务已退出")
	return nil
}
