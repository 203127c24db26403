// Package scheduler fires cron, interval and one-time jobs.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// NextRun computes the next firing instant for a job strictly after
// the given time. A nil result with no error means the job has no
// further runs (a spent one-time job).
func NextRun(job *types.ScheduledJob, after time.Time) (*time.Time, error) {
	switch job.Type {
	case types.JobTypeCron:
		sched, err := parseCron(job.Schedule, job.Timezone)
		if err != nil {
			return nil, err
		}
		next := sched.Next(after)
		if next.IsZero() {
			return nil, fmt.Errorf("cron %q yields no future run", job.Schedule)
		}
		return &next, nil

	case types.JobTypeInterval, types.JobTypeRecurring:
		if job.Interval <= 0 {
			return nil, fmt.Errorf("interval job %s has no interval", job.ID)
		}
		next := after.Add(job.Interval)
		return &next, nil

	case types.JobTypeOneTime:
		at, err := time.Parse(time.RFC3339, job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("one-time schedule %q: %w", job.Schedule, err)
		}
		// A past instant fires immediately; a spent job has none.
		if job.RunCount > 0 {
			return nil, nil
		}
		return &at, nil
	}
	return nil, fmt.Errorf("unknown job type %q", job.Type)
}

// parseCron parses a standard 5-field cron expression (plus @every and
// @daily style descriptors) in the job's timezone. Empty timezone
// means UTC.
func parseCron(spec, timezone string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("cron schedule is empty")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("timezone %q: %w", timezone, err)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %s", timezone, spec))
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", spec, err)
	}
	return sched, nil
}

// ValidateSchedule checks a job's schedule fields without computing a
// run, for use at registration time.
func ValidateSchedule(job *types.ScheduledJob) error {
	switch job.Type {
	case types.JobTypeCron:
		_, err := parseCron(job.Schedule, job.Timezone)
		return err
	case types.JobTypeInterval, types.JobTypeRecurring:
		if job.Interval <= 0 {
			return fmt.Errorf("interval must be positive")
		}
		return nil
	case types.JobTypeOneTime:
		_, err := time.Parse(time.RFC3339, job.Schedule)
		if err != nil {
			return fmt.Errorf("one-time schedule %q: %w", job.Schedule, err)
		}
		return nil
	}
	return fmt.Errorf("unknown job type %q", job.Type)
}
