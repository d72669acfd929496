package sampling

import (
	"math"
	"strconv"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Periodic fires when more than Rate has elapsed since it was last asked.
//
// The stored time is that of the last check, not the last firing: every call
// overwrites it. On a fixed tick this fires roughly every
// ceil(rate/tick)*tick.
type Periodic struct {
	Rate time.Duration
}

// NewPeriodic builds a Periodic sampler from its "rate" parameter, given in
// seconds. Fractions of a second are allowed.
func NewPeriodic(cfg *ingester.SamplingConfig) (ingester.Sampler, error) {
	raw, ok := cfg.Params["rate"]
	if !ok {
		return nil, errors.New("missing rate parameter")
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing rate %q", raw)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return nil, errors.Errorf("invalid rate %s", raw)
	}
	return &Periodic{Rate: time.Duration(secs * float64(time.Second))}, nil
}

// Sample implements ingester.Sampler. Check times are whole seconds.
func (p *Periodic) Sample(now time.Time, ds *ingester.Dataset, state ingester.State) (bool, ingester.State, error) {
	last, ok, err := lastRun(state)
	if err != nil {
		return false, state, err
	}
	due := !ok || float64(last.Unix())+p.Rate.Seconds() < float64(now.Unix())
	return due, checked(state, now), nil
}
