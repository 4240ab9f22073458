package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// MetricsSnapshot holds a point-in-time view of enforcement health.
type MetricsSnapshot struct {
	// Enforcement job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsPartial   int     `json:"jobs_partial"`
	JobsRunning   int     `json:"jobs_running"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Webhook deliveries that exhausted their retries.
	PermanentDeliveries int `json:"permanent_deliveries"`

	// Devices that have not acknowledged a policy inside the stale window.
	StaleDevices int `json:"stale_devices"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store       store.Store
	staleWindow time.Duration
}

// NewCollector creates a metrics collector. staleWindow controls how long a
// device may go without acknowledging before it counts as stale.
func NewCollector(st store.Store, staleWindow time.Duration) *Collector {
	return &Collector{store: st, staleWindow: staleWindow}
}

// Collect gathers a snapshot of enforcement metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListEnforcementJobs(ctx, store.JobFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list enforcement jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusPartial:
			snap.JobsPartial++
		case model.JobStatusRunning:
			snap.JobsRunning++
		}
	}

	// A partial job still means at least one platform was not enforced, so it
	// counts against the failure rate alongside outright failures.
	finished := snap.JobsCompleted + snap.JobsFailed + snap.JobsPartial
	if finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed+snap.JobsPartial) / float64(finished)
	}

	failed, err := c.store.FailedDeliveries(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failed deliveries")
	}
	for _, d := range failed {
		if d.UpdatedAt.Before(cutoff) {
			continue
		}
		snap.PermanentDeliveries++
	}

	stale, err := c.store.StaleDevices(ctx, time.Now().UTC().Add(-c.staleWindow))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stale devices")
	}
	snap.StaleDevices = len(stale)

	return snap, nil
}
