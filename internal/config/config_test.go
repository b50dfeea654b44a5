package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefault(t *testing.T) {
	conf := Default()

	if conf.Collector.SamplingRate != 1.0 {
		t.Errorf("默认采样率应为 1.0: %f", conf.Collector.SamplingRate)
	}
	if conf.Collector.CriticalDurationMs != 5000 {
		t.Errorf("默认关键时长阈值应为 5000ms: %d", conf.Collector.CriticalDurationMs)
	}
	if conf.Health.AutoRemediate {
		t.Error("自动修复默认应关闭")
	}
	if conf.Analyzer.AutoCreateIndex {
		t.Error("自动建索引默认应关闭")
	}
}

func TestMergeOverridesNonZero(t *testing.T) {
	base := Default()
	override := Config{}
	override.Server.Addr = ":9090"
	override.Collector.BatchSize = 50
	override.Health.AutoRemediate = true
	override.Health.RequiredTables = []string{"users", "orders"}

	merged := Merge(base, override)

	if merged.Server.Addr != ":9090" {
		t.Errorf("非零覆盖项应生效: %s", merged.Server.Addr)
	}
	if merged.Collector.BatchSize != 50 {
		t.Errorf("非零覆盖项应生效: %d", merged.Collector.BatchSize)
	}
	if !merged.Health.AutoRemediate {
		t.Error("布尔覆盖项应生效")
	}
	if len(merged.Health.RequiredTables) != 2 {
		t.Errorf("必需表覆盖项应生效: %v", merged.Health.RequiredTables)
	}
	// 未覆盖的字段保持默认
	if merged.Collector.CriticalDurationMs != base.Collector.CriticalDurationMs {
		t.Error("未覆盖的字段不应改变")
	}
}

func TestMergeIsPure(t *testing.T) {
	base := Default()
	baseCopy := base
	override := Config{}
	override.Server.Addr = ":9090"

	Merge(base, override)

	if !reflect.DeepEqual(base, baseCopy) {
		t.Error("合并不应修改 base")
	}
}

func TestLoadMissingPathUsesDefault(t *testing.T) {
	conf, err := Load("")
	if err != nil {
		t.Fatalf("空路径应返回默认配置: %v", err)
	}
	if conf.Server.Addr != Default().Server.Addr {
		t.Error("空路径应返回默认配置")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marmot.yaml")
	content := []byte("server:\n  addr: \":9999\"\ncollector:\n  batchSize: 7\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if conf.Server.Addr != ":9999" {
		t.Errorf("配置文件覆盖应生效: %s", conf.Server.Addr)
	}
	if conf.Collector.BatchSize != 7 {
		t.Errorf("配置文件覆盖应生效: %d", conf.Collector.BatchSize)
	}
	// 未出现在文件中的字段保持默认
	if conf.Collector.SamplingRate != 1.0 {
		t.Errorf("未覆盖字段应保持默认: %f", conf.Collector.SamplingRate)
	}
}
