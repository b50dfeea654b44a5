package config

import (
	"fmt"
	"os"

	"github.com/dushixiang/marmot/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config 应用配置（不可变，构造时一次性合并完成后注入各组件）
type Config struct {
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Log       logger.Config   `yaml:"log" json:"log"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Collector CollectorConfig `yaml:"collector" json:"collector"`
	Series    SeriesConfig    `yaml:"series" json:"series"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer" json:"analyzer"`
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"` // SQLite 数据库文件路径
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"` // 监听地址，如 :8787
}

// CollectorConfig 指标采集器配置
type CollectorConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`                       // 是否启用采集
	SamplingRate       float64 `yaml:"samplingRate" json:"samplingRate"`             // 采样率 (0,1]
	BatchSize          int     `yaml:"batchSize" json:"batchSize"`                   // 缓冲区达到该数量时触发落盘
	FlushInterval      int     `yaml:"flushInterval" json:"flushInterval"`           // 聚合定时器间隔（秒）
	RetentionDays      int     `yaml:"retentionDays" json:"retentionDays"`           // 样本保留天数
	CriticalDurationMs int64   `yaml:"criticalDurationMs" json:"criticalDurationMs"` // 关键告警时长阈值（毫秒）
	CacheHitMaxMs      int64   `yaml:"cacheHitMaxMs" json:"cacheHitMaxMs"`           // 缓存命中判定时长上限（毫秒，启发式）
	CapturePlans       bool    `yaml:"capturePlans" json:"capturePlans"`             // 是否采集执行计划
}

// SeriesConfig 时间序列存储配置
type SeriesConfig struct {
	CollectInterval   int `yaml:"collectInterval" json:"collectInterval"`     // 采集定时器间隔（秒）
	AggregateInterval int `yaml:"aggregateInterval" json:"aggregateInterval"` // 聚合定时器间隔（秒）
	BucketSeconds     int `yaml:"bucketSeconds" json:"bucketSeconds"`         // 聚合桶宽度（秒）
	BufferSize        int `yaml:"bufferSize" json:"bufferSize"`               // 每个指标的内存缓冲区容量
	RetentionDays     int `yaml:"retentionDays" json:"retentionDays"`         // 默认保留天数（指标可单独覆盖）
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	Interval           int                 `yaml:"interval" json:"interval"`                     // 检查间隔（秒）
	AutoRemediate      bool                `yaml:"autoRemediate" json:"autoRemediate"`           // 是否启用自动修复（默认关闭）
	SlowQueryMs        int64               `yaml:"slowQueryMs" json:"slowQueryMs"`               // 性能检查慢查询阈值（毫秒）
	CriticalQueryMs    int64               `yaml:"criticalQueryMs" json:"criticalQueryMs"`       // 性能检查严重阈值（毫秒）
	MaxConnections     int                 `yaml:"maxConnections" json:"maxConnections"`         // 连接数告警阈值
	DiskWarnPercent    int                 `yaml:"diskWarnPercent" json:"diskWarnPercent"`       // 磁盘使用率警告阈值
	DiskCritPercent    int                 `yaml:"diskCritPercent" json:"diskCritPercent"`       // 磁盘使用率严重阈值
	MemoryWarnPercent  int                 `yaml:"memoryWarnPercent" json:"memoryWarnPercent"`   // 内存使用率警告阈值
	MemoryCritPercent  int                 `yaml:"memoryCritPercent" json:"memoryCritPercent"`   // 内存使用率严重阈值
	HistoryLimit       int                 `yaml:"historyLimit" json:"historyLimit"`             // 历史记录上限
	RequiredTables     []string            `yaml:"requiredTables" json:"requiredTables"`         // 缺失即 critical 的必需表
	RecommendedIndexes map[string][]string `yaml:"recommendedIndexes" json:"recommendedIndexes"` // 表 -> 建议索引名，缺失为 warning
}

// AnalyzerConfig 查询分析器配置
type AnalyzerConfig struct {
	SlowQueryThresholdMs  int64 `yaml:"slowQueryThresholdMs" json:"slowQueryThresholdMs"`   // 慢查询分析阈值（毫秒）
	EnableRecommendations bool  `yaml:"enableRecommendations" json:"enableRecommendations"` // 是否生成索引建议
	AutoCreateIndex       bool  `yaml:"autoCreateIndex" json:"autoCreateIndex"`             // 是否允许执行索引创建（默认关闭）
	CacheTTLMinutes       int   `yaml:"cacheTTLMinutes" json:"cacheTTLMinutes"`             // 分析结果缓存时长（分钟）
	MaxCacheEntries       int   `yaml:"maxCacheEntries" json:"maxCacheEntries"`             // 缓存条目上限
}

// DashboardConfig 仪表盘配置
type DashboardConfig struct {
	RefreshInterval   int     `yaml:"refreshInterval" json:"refreshInterval"`     // 刷新间隔（秒）
	HistorySize       int     `yaml:"historySize" json:"historySize"`             // 内存历史快照上限
	PersistEvery      int     `yaml:"persistEvery" json:"persistEvery"`           // 每 N 个快照持久化一个
	SlowQueryTop      int     `yaml:"slowQueryTop" json:"slowQueryTop"`           // 展示的慢查询数量
	ResponseTimeMs    int64   `yaml:"responseTimeMs" json:"responseTimeMs"`       // 响应时间告警阈值（毫秒）
	ErrorRatePercent  float64 `yaml:"errorRatePercent" json:"errorRatePercent"`   // 错误率告警阈值（百分比）
	MemoryPercent     float64 `yaml:"memoryPercent" json:"memoryPercent"`         // 内存告警阈值（百分比）
	DiskPercent       float64 `yaml:"diskPercent" json:"diskPercent"`             // 磁盘告警阈值（百分比）
	ProjectionDays    int     `yaml:"projectionDays" json:"projectionDays"`       // 容量预测时间跨度（天）
	ProjectionWindowH int     `yaml:"projectionWindowH" json:"projectionWindowH"` // 预测取样窗口（小时）
}

// Default 默认配置
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "marmot.db"},
		Log:      logger.Config{Level: "info", MaxSize: 100, MaxBackups: 3, MaxAge: 7},
		Server:   ServerConfig{Addr: ":8787"},
		Collector: CollectorConfig{
			Enabled:            true,
			SamplingRate:       1.0,
			BatchSize:          100,
			FlushInterval:      60,
			RetentionDays:      7,
			CriticalDurationMs: 5000,
			CacheHitMaxMs:      1,
			CapturePlans:       false,
		},
		Series: SeriesConfig{
			CollectInterval:   30,
			AggregateInterval: 60,
			BucketSeconds:     60,
			BufferSize:        1000,
			RetentionDays:     7,
		},
		Health: HealthConfig{
			Interval:          300,
			AutoRemediate:     false,
			SlowQueryMs:       1000,
			CriticalQueryMs:   5000,
			MaxConnections:    100,
			DiskWarnPercent:   85,
			DiskCritPercent:   95,
			MemoryWarnPercent: 85,
			MemoryCritPercent: 95,
			HistoryLimit:      1000,
		},
		Analyzer: AnalyzerConfig{
			SlowQueryThresholdMs:  100,
			EnableRecommendations: true,
			AutoCreateIndex:       false,
			CacheTTLMinutes:       60,
			MaxCacheEntries:       1000,
		},
		Dashboard: DashboardConfig{
			RefreshInterval:   30,
			HistorySize:       120,
			PersistEvery:      10,
			SlowQueryTop:      10,
			ResponseTimeMs:    1000,
			ErrorRatePercent:  5,
			MemoryPercent:     90,
			DiskPercent:       90,
			ProjectionDays:    30,
			ProjectionWindowH: 24,
		},
	}
}

// Merge 纯函数合并：override 中的非零值覆盖 base，两者均不被修改
func Merge(base, override Config) Config {
	out := base

	if override.Database.Path != "" {
		out.Database.Path = override.Database.Path
	}
	if override.Log.Level != "" {
		out.Log.Level = override.Log.Level
	}
	if override.Log.File != "" {
		out.Log.File = override.Log.File
	}
	if override.Log.MaxSize > 0 {
		out.Log.MaxSize = override.Log.MaxSize
	}
	if override.Log.MaxBackups > 0 {
		out.Log.MaxBackups = override.Log.MaxBackups
	}
	if override.Log.MaxAge > 0 {
		out.Log.MaxAge = override.Log.MaxAge
	}
	if override.Log.Compress {
		out.Log.Compress = true
	}
	if override.Server.Addr != "" {
		out.Server.Addr = override.Server.Addr
	}

	if override.Collector.SamplingRate > 0 {
		out.Collector.SamplingRate = override.Collector.SamplingRate
	}
	if override.Collector.BatchSize > 0 {
		out.Collector.BatchSize = override.Collector.BatchSize
	}
	if override.Collector.FlushInterval > 0 {
		out.Collector.FlushInterval = override.Collector.FlushInterval
	}
	if override.Collector.RetentionDays > 0 {
		out.Collector.RetentionDays = override.Collector.RetentionDays
	}
	if override.Collector.CriticalDurationMs > 0 {
		out.Collector.CriticalDurationMs = override.Collector.CriticalDurationMs
	}
	if override.Collector.CacheHitMaxMs > 0 {
		out.Collector.CacheHitMaxMs = override.Collector.CacheHitMaxMs
	}
	if override.Collector.CapturePlans {
		out.Collector.CapturePlans = true
	}

	if override.Series.CollectInterval > 0 {
		out.Series.CollectInterval = override.Series.CollectInterval
	}
	if override.Series.AggregateInterval > 0 {
		out.Series.AggregateInterval = override.Series.AggregateInterval
	}
	if override.Series.BucketSeconds > 0 {
		out.Series.BucketSeconds = override.Series.BucketSeconds
	}
	if override.Series.BufferSize > 0 {
		out.Series.BufferSize = override.Series.BufferSize
	}
	if override.Series.RetentionDays > 0 {
		out.Series.RetentionDays = override.Series.RetentionDays
	}

	if override.Health.Interval > 0 {
		out.Health.Interval = override.Health.Interval
	}
	if override.Health.AutoRemediate {
		out.Health.AutoRemediate = true
	}
	if override.Health.SlowQueryMs > 0 {
		out.Health.SlowQueryMs = override.Health.SlowQueryMs
	}
	if override.Health.CriticalQueryMs > 0 {
		out.Health.CriticalQueryMs = override.Health.CriticalQueryMs
	}
	if override.Health.MaxConnections > 0 {
		out.Health.MaxConnections = override.Health.MaxConnections
	}
	if override.Health.DiskWarnPercent > 0 {
		out.Health.DiskWarnPercent = override.Health.DiskWarnPercent
	}
	if override.Health.DiskCritPercent > 0 {
		out.Health.DiskCritPercent = override.Health.DiskCritPercent
	}
	if override.Health.MemoryWarnPercent > 0 {
		out.Health.MemoryWarnPercent = override.Health.MemoryWarnPercent
	}
	if override.Health.MemoryCritPercent > 0 {
		out.Health.MemoryCritPercent = override.Health.MemoryCritPercent
	}
	if override.Health.HistoryLimit > 0 {
		out.Health.HistoryLimit = override.Health.HistoryLimit
	}
	if len(override.Health.RequiredTables) > 0 {
		out.Health.RequiredTables = override.Health.RequiredTables
	}
	if len(override.Health.RecommendedIndexes) > 0 {
		out.Health.RecommendedIndexes = override.Health.RecommendedIndexes
	}

	if override.Analyzer.SlowQueryThresholdMs > 0 {
		out.Analyzer.SlowQueryThresholdMs = override.Analyzer.SlowQueryThresholdMs
	}
	if override.Analyzer.AutoCreateIndex {
		out.Analyzer.AutoCreateIndex = true
	}
	if override.Analyzer.CacheTTLMinutes > 0 {
		out.Analyzer.CacheTTLMinutes = override.Analyzer.CacheTTLMinutes
	}
	if override.Analyzer.MaxCacheEntries > 0 {
		out.Analyzer.MaxCacheEntries = override.Analyzer.MaxCacheEntries
	}

	if override.Dashboard.RefreshInterval > 0 {
		out.Dashboard.RefreshInterval = override.Dashboard.RefreshInterval
	}
	if override.Dashboard.HistorySize > 0 {
		out.Dashboard.HistorySize = override.Dashboard.HistorySize
	}
	if override.Dashboard.PersistEvery > 0 {
		out.Dashboard.PersistEvery = override.Dashboard.PersistEvery
	}
	if override.Dashboard.SlowQueryTop > 0 {
		out.Dashboard.SlowQueryTop = override.Dashboard.SlowQueryTop
	}
	if override.Dashboard.ResponseTimeMs > 0 {
		out.Dashboard.ResponseTimeMs = override.Dashboard.ResponseTimeMs
	}
	if override.Dashboard.ErrorRatePercent > 0 {
		out.Dashboard.ErrorRatePercent = override.Dashboard.ErrorRatePercent
	}
	if override.Dashboard.MemoryPercent > 0 {
		out.Dashboard.MemoryPercent = override.Dashboard.MemoryPercent
	}
	if override.Dashboard.DiskPercent > 0 {
		out.Dashboard.DiskPercent = override.Dashboard.DiskPercent
	}
	if override.Dashboard.ProjectionDays > 0 {
		out.Dashboard.ProjectionDays = override.Dashboard.ProjectionDays
	}
	if override.Dashboard.ProjectionWindowH > 0 {
		out.Dashboard.ProjectionWindowH = override.Dashboard.ProjectionWindowH
	}

	return out
}

// Load 从 YAML 文件加载配置并与默认配置合并
func Load(path string) (Config, error) {
	base := Default()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return base, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return Merge(base, override), nil
}
