package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/thejerf/suture/v4"

	"github.com/pbs-plus/plus-scheduler/internal/metrics"
	"github.com/pbs-plus/plus-scheduler/internal/syslog"
)

type purger interface {
	PurgeBefore(cutoff time.Time) (int64, error)
}

// Housekeeper removes old notifications, error log entries and operation
// logs on a cron schedule. It satisfies suture.Service.
type Housekeeper struct {
	Schedule  string
	Retention time.Duration
	store     purger
}

func NewHousekeeper(store purger, schedule string, retention time.Duration) *Housekeeper {
	return &Housekeeper{
		Schedule:  schedule,
		Retention: retention,
		store:     store,
	}
}

// RunOnce purges everything older than the retention. A zero retention
// keeps everything.
func (h *Housekeeper) RunOnce() {
	if h.Retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-h.Retention)

	removed, err := h.store.PurgeBefore(cutoff)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to purge old records").Write()
	} else if removed > 0 {
		metrics.HousekeepingPurged.WithLabelValues("records").Add(float64(removed))
	}

	logs, err := syslog.PurgeOperationLogs(h.Retention)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to purge operation logs").Write()
	} else if logs > 0 {
		metrics.HousekeepingPurged.WithLabelValues("operation-logs").Add(float64(logs))
	}

	syslog.L.Info().WithMessage("housekeeping finished").
		WithFields(map[string]interface{}{"records": removed, "operationLogs": logs}).Write()
}

func (h *Housekeeper) Serve(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(h.Schedule, h.RunOnce); err != nil {
		return fmt.Errorf("housekeeping: invalid schedule %q: %w: %w", h.Schedule, err, suture.ErrDoNotRestart)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	return ctx.Err()
}

func (h *Housekeeper) String() string {
	return "housekeeping"
}
