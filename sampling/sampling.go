// Copyright 2024 The Ingester Authors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package sampling provides the Sampler implementations which decide when a
// dataset's data source is due.
package sampling

import (
	"strconv"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Sampler kinds.
const (
	PeriodicKind      = "periodic"
	PeriodicKindAlias = "periodic_sampling"
	CronKind          = "cron"
)

// LastRunKey is the state key holding the epoch seconds of the previous
// check.
const LastRunKey = "last_run"

// Register adds the samplers of this package to r.
func Register(r *ingester.Registry) {
	r.RegisterSampler(PeriodicKind, NewPeriodic)
	r.RegisterSampler(PeriodicKindAlias, NewPeriodic)
	r.RegisterSampler(CronKind, NewCron)
}

// lastRun reads the previous check time out of state.
func lastRun(state ingester.State) (time.Time, bool, error) {
	raw, ok := state[LastRunKey]
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	// older state may hold the check time as a float
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "parsing %s %q", LastRunKey, raw)
	}
	return time.Unix(int64(secs), 0).UTC(), true, nil
}

// checked returns a copy of state with the check time set to now.
func checked(state ingester.State, now time.Time) ingester.State {
	next := state.Clone()
	next[LastRunKey] = strconv.FormatInt(now.Unix(), 10)
	return next
}
