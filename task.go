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

package ingester

import "time"

// TaskState is the stage an IngestTask has reached.
type TaskState string

const (
	IngressPending TaskState = "INGRESS_PENDING"
	ArchivePending TaskState = "ARCHIVE_PENDING"
	Complete       TaskState = "COMPLETE"
	Failed         TaskState = "FAILED"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskState) Terminal() bool {
	return s == Complete || s == Failed
}

// CanTransition reports whether a task may move from s to next. Tasks only
// ever move forward.
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case IngressPending:
		return next == ArchivePending || next == Failed
	case ArchivePending:
		return next == Complete || next == Failed
	}
	return false
}

// IngestTask is one fetch-then-persist unit of work.
type IngestTask struct {
	ID         int64             `json:"id"`
	DatasetID  int64             `json:"dataset"`
	State      TaskState         `json:"state"`
	Parameters map[string]string `json:"parameters,omitempty"`
	StagingDir string            `json:"staging_dir"`

	// Guarded tasks hold their dataset's running flag until they leave the
	// ingress stage.
	Guarded bool `json:"guarded"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Reason  string    `json:"reason,omitempty"`
}

// State is the opaque key/value state a Sampler or DataSource keeps between
// runs.
type State map[string]string

// Clone returns a copy of s. The copy of a nil State is an empty State.
func (s State) Clone() State {
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event is an entry in a dataset's ingester event log.
type Event struct {
	ID        int64     `json:"id"`
	DatasetID int64     `json:"dataset"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
