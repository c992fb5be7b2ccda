// Package scheduler turns cron-bound schedule definitions into enqueued DAG
// runs and drains the run queue through a bounded worker pool.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gantryhq/gantry/pkg/schema"
)

// cronParser accepts the standard five-field form (minute hour day-of-month
// month day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Predicate answers "does this schedule fire at this minute". Parsed once at
// load time so a bad expression fails before the scheduler starts ticking.
type Predicate struct {
	expr  string
	sched cron.Schedule
}

// ParseCron compiles a five-field cron expression into a Predicate.
func ParseCron(expr string) (Predicate, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Predicate{}, schema.NewErrorf(schema.ErrCodeSchedule,
			"invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return Predicate{expr: expr, sched: sched}, nil
}

// Matches reports whether the schedule fires during the minute containing t.
// Sub-minute precision is ignored: any instant within a matching minute matches.
func (p Predicate) Matches(t time.Time) bool {
	if p.sched == nil {
		return false
	}
	minute := t.Truncate(time.Minute)
	return p.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// Next returns the first firing time strictly after t.
func (p Predicate) Next(t time.Time) time.Time {
	if p.sched == nil {
		return time.Time{}
	}
	return p.sched.Next(t)
}

// String returns the original cron expression.
func (p Predicate) String() string { return p.expr }
