// flush.go implements the background job persisting the telemetry aggregate.
// One JSON blob per cycle, written only when the collector is dirty. A panic
// in one cycle is recovered and logged so a bad cycle never kills the
// scheduler.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cloudnetservice/updateserver/internal/db/models"
	"github.com/cloudnetservice/updateserver/internal/telemetry"
)

// SnapshotRepository is the persistence surface the flush job needs.
// Implemented by repositories.TelemetrySnapshotRepository.
type SnapshotRepository interface {
	Save(ctx context.Context, row *models.TelemetrySnapshotRow) error
	Latest(ctx context.Context) (*models.TelemetrySnapshotRow, error)
}

// FlushJob periodically persists the collector state.
type FlushJob struct {
	collector *Collector
	repo      SnapshotRepository
	interval  time.Duration
	stopChan  chan struct{}
}

// NewFlushJob creates a flush job. interval defaults to 30 seconds.
func NewFlushJob(collector *Collector, repo SnapshotRepository, interval time.Duration) *FlushJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FlushJob{
		collector: collector,
		repo:      repo,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Restore loads the newest persisted snapshot into the collector. Called once
// before Start; a missing snapshot is not an error.
func (j *FlushJob) Restore(ctx context.Context) error {
	row, err := j.repo.Latest(ctx)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return j.collector.Restore(row.Snapshot)
}

// Start begins the flush loop. The loop exits when ctx is cancelled or Stop
// is called; a running cycle finishes before the loop returns.
func (j *FlushJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("telemetry flush job started", "interval", j.interval)

	for {
		select {
		case <-ticker.C:
			j.runCycle(ctx)
		case <-j.stopChan:
			// Final flush so a clean shutdown never loses reports.
			j.runCycle(ctx)
			slog.Info("telemetry flush job stopped")
			return
		case <-ctx.Done():
			slog.Info("telemetry flush job context cancelled")
			return
		}
	}
}

// Stop signals the flush loop to exit.
func (j *FlushJob) Stop() {
	close(j.stopChan)
}

// runCycle persists the aggregate if it changed since the last cycle.
func (j *FlushJob) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in telemetry flush cycle", "panic", r)
		}
	}()

	if !j.collector.Dirty() {
		return
	}

	// Clear the flag before snapshotting. A report accepted while the
	// persist is in flight sets it again, so that report is picked up by
	// the next cycle instead of being silently marked flushed.
	j.collector.MarkClean()

	start := time.Now()
	data, err := j.collector.Snapshot()
	if err != nil {
		j.collector.markDirty()
		slog.Error("telemetry flush: failed to snapshot collector", "error", err)
		return
	}

	row := &models.TelemetrySnapshotRow{Snapshot: json.RawMessage(data)}
	if err := j.repo.Save(ctx, row); err != nil {
		j.collector.markDirty()
		slog.Error("telemetry flush: failed to persist snapshot", "error", err)
		return
	}

	telemetry.TelemetryFlushDuration.Observe(time.Since(start).Seconds())
}
