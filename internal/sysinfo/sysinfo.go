package sysinfo

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot 进程与主机资源快照
type Snapshot struct {
	Timestamp           int64   `json:"timestamp"`           // 毫秒
	ProcessMemoryBytes  uint64  `json:"processMemoryBytes"`  // 进程常驻内存
	ProcessCPUPercent   float64 `json:"processCpuPercent"`   // 进程 CPU 使用率
	SystemMemoryPercent float64 `json:"systemMemoryPercent"` // 系统内存使用率
	SystemMemoryUsed    uint64  `json:"systemMemoryUsed"`    // 系统已用内存（字节）
	SystemMemoryTotal   uint64  `json:"systemMemoryTotal"`   // 系统总内存（字节）
	DiskPercent         float64 `json:"diskPercent"`         // 数据目录所在磁盘使用率
	DiskUsed            uint64  `json:"diskUsed"`            // 磁盘已用（字节）
	DiskTotal           uint64  `json:"diskTotal"`           // 磁盘总量（字节）
	HostUptime          uint64  `json:"hostUptime"`          // 主机运行时间（秒）
	Goroutines          int     `json:"goroutines"`          // goroutine 数量
}

// Sampler 资源采样器（同步调用）
type Sampler interface {
	Sample() (*Snapshot, error)
}

// SystemSampler 基于 gopsutil 的采样器实现
type SystemSampler struct {
	proc     *process.Process
	diskPath string
}

// NewSystemSampler 创建采样器，diskPath 为数据库文件所在目录
func NewSystemSampler(diskPath string) (*SystemSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if diskPath == "" {
		diskPath = "."
	}
	return &SystemSampler{
		proc:     proc,
		diskPath: diskPath,
	}, nil
}

// Sample 采集一次资源快照，单项失败不影响其余字段
func (s *SystemSampler) Sample() (*Snapshot, error) {
	snapshot := &Snapshot{
		Timestamp:  time.Now().UnixMilli(),
		Goroutines: runtime.NumGoroutine(),
	}

	if memInfo, err := s.proc.MemoryInfo(); err == nil && memInfo != nil {
		snapshot.ProcessMemoryBytes = memInfo.RSS
	}
	if cpuPercent, err := s.proc.CPUPercent(); err == nil {
		snapshot.ProcessCPUPercent = cpuPercent
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snapshot.SystemMemoryPercent = vm.UsedPercent
		snapshot.SystemMemoryUsed = vm.Used
		snapshot.SystemMemoryTotal = vm.Total
	}

	if usage, err := disk.Usage(s.diskPath); err == nil && usage != nil {
		snapshot.DiskPercent = usage.UsedPercent
		snapshot.DiskUsed = usage.Used
		snapshot.DiskTotal = usage.Total
	}

	if uptime, err := host.Uptime(); err == nil {
		snapshot.HostUptime = uptime
	}

	return snapshot, nil
}
