// Package monitor 进程与主机资源采集
package monitor

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics 进程资源
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存百分比
	ProcessID     int       `json:"process_id"`
	Goroutines    int       `json:"goroutines"`
}

// HostInfo 主机概况（doctor 使用）
type HostInfo struct {
	LogicalCPUs   int     `json:"logical_cpus"`
	TotalMemoryMB float64 `json:"total_memory_mb"`
	UsedPercent   float64 `json:"used_percent"`
}

// CollectSystemMetrics 采集当前进程资源
func CollectSystemMetrics() (*SystemMetrics, error) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		// 退回系统整体 CPU
		cpuPercent, err = systemCPUPercent()
		if err != nil {
			return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}

	m := &SystemMetrics{
		Timestamp:  time.Now(),
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		ProcessID:  pid,
		Goroutines: runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		m.MemoryPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}
	return m, nil
}

// CollectHostInfo 采集主机 CPU 与内存概况
func CollectHostInfo() (*HostInfo, error) {
	info := &HostInfo{LogicalCPUs: runtime.NumCPU()}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.LogicalCPUs = n
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return info, fmt.Errorf("获取系统内存失败: %w", err)
	}
	info.TotalMemoryMB = float64(vm.Total) / 1024 / 1024
	info.UsedPercent = vm.UsedPercent
	return info, nil
}

func systemCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("无法获取CPU使用率")
	}
	return percentages[0], nil
}
