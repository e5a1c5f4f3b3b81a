package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// framesPerWorker approximates how many full-size buffers one worker holds
// at once: decoded source, gray copy, warped frame and cropped clone.
const framesPerWorker = 4

// minFreeRAM is kept out of the worker budget.
const minFreeRAM = int64(512)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil // Convert KB to MB
					}
				}
			}
		}
	}

	// Fallback to syscall if /proc/meminfo parsing fails
	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}

	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// EstimateDatasetSize estimates the on-disk size of files in MB by sampling
// at most five of them.
func EstimateDatasetSize(files []string) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}

	sampleSize := min(len(files), 5)

	var totalSampleSize int64
	for i := 0; i < sampleSize; i++ {
		if stat, err := os.Stat(files[i]); err == nil {
			totalSampleSize += stat.Size()
		}
	}

	if totalSampleSize == 0 {
		return 0, fmt.Errorf("could not determine file sizes")
	}

	avgFileSize := totalSampleSize / int64(sampleSize)
	return int64(len(files)) * avgFileSize / (1024 * 1024), nil
}

// MaxWorkersForMemory caps requested so that every worker can hold its
// decoded buffers of frameBytes each. Unknown memory leaves requested as is.
func MaxWorkersForMemory(frameBytes int64, requested int, logger *slog.Logger) int {
	available, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return requested
	}
	return workersForBudget(available, frameBytes, requested, logger)
}

func workersForBudget(availableMB, frameBytes int64, requested int, logger *slog.Logger) int {
	if requested < 1 {
		requested = 1
	}
	if frameBytes <= 0 {
		return requested
	}

	perWorkerMB := frameBytes*framesPerWorker/(1024*1024) + 1
	budget := availableMB - minFreeRAM
	allowed := int(budget / perWorkerMB)
	if allowed < 1 {
		allowed = 1
	}
	if allowed >= requested {
		return requested
	}

	if logger != nil {
		logger.Warn("reducing workers to fit available memory",
			"requested", requested,
			"allowed", allowed,
			"available_ram_mb", availableMB,
			"per_worker_mb", perWorkerMB,
		)
	}
	return allowed
}
