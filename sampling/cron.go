package sampling

import (
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Cron fires when a point of its cron schedule has passed since it was last
// asked. A dataset which has never been checked waits for the next point of
// the schedule.
type Cron struct {
	expr *cronexpr.Expression
}

// NewCron builds a Cron sampler from its "schedule" parameter.
func NewCron(cfg *ingester.SamplingConfig) (ingester.Sampler, error) {
	raw, ok := cfg.Params["schedule"]
	if !ok {
		return nil, errors.New("missing schedule parameter")
	}
	expr, err := cronexpr.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing schedule %q", raw)
	}
	return &Cron{expr: expr}, nil
}

// Sample implements ingester.Sampler.
func (c *Cron) Sample(now time.Time, ds *ingester.Dataset, state ingester.State) (bool, ingester.State, error) {
	last, ok, err := lastRun(state)
	if err != nil {
		return false, state, err
	}
	due := false
	if ok {
		next := c.expr.Next(last)
		due = !next.IsZero() && !next.After(now)
	}
	return due, checked(state, now), nil
}
