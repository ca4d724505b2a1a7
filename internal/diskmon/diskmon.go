// Package diskmon provides a lightweight, pre-flight free-space check
// ahead of buffer appends, so a nearly-full disk is logged as an
// imminent StorageUnavailable risk before an append actually fails.
package diskmon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// LowWaterMarkPercent is the default disk usage threshold (percent
// used) above which Checker logs a disk_low warning.
const LowWaterMarkPercent = 90.0

// Checker caches disk usage lookups so a per-sample pre-flight check
// doesn't issue a statfs syscall on every single Append.
type Checker struct {
	path          string
	lowWaterMark  float64
	cacheInterval time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	lastLook time.Time
	lastUsed float64
}

// New creates a Checker for the filesystem backing path.
func New(path string, logger *slog.Logger) *Checker {
	return &Checker{
		path:          path,
		lowWaterMark:  LowWaterMarkPercent,
		cacheInterval: 5 * time.Second,
		logger:        logger.With("component", "diskmon"),
	}
}

// CheckBeforeAppend refreshes the cached usage reading if stale and
// logs a disk_low warning when the partition is above the low-water
// mark. It never blocks or returns an error — this is purely an early
// signal, the append itself still runs and surfaces its own failure.
func (c *Checker) CheckBeforeAppend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastLook) < c.cacheInterval {
		if c.lastUsed >= c.lowWaterMark {
			c.logger.Warn("disk_low", "path", c.path, "used_percent", c.lastUsed)
		}
		return
	}

	usage, err := disk.Usage(c.path)
	if err != nil {
		c.logger.Debug("failed to read disk usage", "path", c.path, "error", err)
		return
	}

	c.lastLook = time.Now()
	c.lastUsed = usage.UsedPercent

	if usage.UsedPercent >= c.lowWaterMark {
		c.logger.Warn("disk_low", "path", c.path, "used_percent", usage.UsedPercent)
	}
}
