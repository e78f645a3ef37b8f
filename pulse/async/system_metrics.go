package async

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/scry/errors"
)

// SystemMetrics is the worker pool's resource snapshot, broadcast to the
// UI alongside queue stats.
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"` // workers currently inside Execute
	WorkersTotal  int     `json:"workers_total"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
}

// getMemoryStats returns total and available system memory in bytes.
// gopsutil reads the right source per platform, so one implementation
// covers linux, darwin, and windows alike.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount sizes the pool to available memory. Each
// concurrent local-inference call is budgeted ~5GB (a 3B model), with
// 2GB held back for everything else on the machine.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerLLMWorker = 5.0
	const memoryBuffer = 2.0

	if availableGB < memoryBuffer {
		return 1
	}

	usableMemory := availableGB - memoryBuffer
	recommended := int(usableMemory / memoryPerLLMWorker)

	if recommended < 1 {
		return 1
	}
	if recommended > 10 {
		return 10
	}

	return recommended
}

// GetSystemMetrics snapshots memory pressure, worker occupancy, and queue
// depth. Failed reads degrade to zeros rather than erroring; a metrics
// gap should never take down a broadcast.
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	queued, running, err := wp.queue.GetJobCounts()
	if err != nil {
		queued, running = 0, 0
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsQueued:    queued,
		JobsRunning:   running,
	}
}

// checkMemoryPressure warns when the configured worker count wants more
// memory than the machine has free. Returns the warning text, or empty
// when the count fits.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}

	return ""
}
