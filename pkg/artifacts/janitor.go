package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/ocrvoice/pkg/logger"
)

// Janitor removes job directories left behind by a crashed process. It
// only deletes directories that belong to no live job and are older than
// maxAge.
type Janitor struct {
	root     string
	schedule string
	maxAge   time.Duration
	isLive   func(jobID string) bool
	now      func() time.Time
}

func NewJanitor(root, schedule string, maxAge time.Duration, isLive func(jobID string) bool) (*Janitor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	if isLive == nil {
		isLive = func(string) bool { return false }
	}
	return &Janitor{
		root:     root,
		schedule: schedule,
		maxAge:   maxAge,
		isLive:   isLive,
		now:      time.Now,
	}, nil
}

// Sweep performs one pass and returns how many job directories it removed.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read work dir: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, "job_") || j.isLive(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(j.root, name)); err != nil {
			logger.WarnCF("janitor", "Failed to remove stale job dir", map[string]interface{}{
				"job_id": name,
				"error":  err.Error(),
			})
			continue
		}
		removed++
	}
	return removed, nil
}

// Run sweeps on every schedule tick until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	logger.InfoCF("janitor", "Artifact janitor started", map[string]interface{}{
		"schedule": j.schedule,
		"max_age":  j.maxAge.String(),
	})
	for {
		next, err := gronx.NextTickAfter(j.schedule, j.now(), false)
		if err != nil {
			logger.ErrorCF("janitor", "Cannot compute next sweep", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		removed, err := j.Sweep()
		if err != nil {
			logger.WarnCF("janitor", "Sweep failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		if removed > 0 {
			logger.InfoCF("janitor", "Removed stale job directories", map[string]interface{}{"count": removed})
		}
	}
}
