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

// Package mock provides in-memory implementations of the ingester's
// collaborators for use in tests.
package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Service is an in-memory ingester.Service. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	datasets     map[int64]*ingester.Dataset
	schemas      map[int64]*ingester.Schema
	samplerState map[int64]ingester.State
	sourceState  map[int64]ingester.State
	events       []*ingester.Event
	tasks        map[int64]*ingester.IngestTask

	datasetIDs *ingester.Nexter
	schemaIDs  *ingester.Nexter
	taskIDs    *ingester.Nexter
	eventIDs   *ingester.Nexter

	// Now is used to timestamp tasks. It defaults to time.Now.
	Now func() time.Time

	// PersistSourceStateErr, if set, is returned by PersistDataSourceState.
	PersistSourceStateErr error
}

var _ ingester.Service = &Service{}

// NewService returns an empty Service.
func NewService() *Service {
	s := &Service{
		datasetIDs: ingester.NewNexter(),
		schemaIDs:  ingester.NewNexter(),
		taskIDs:    ingester.NewNexter(),
		eventIDs:   ingester.NewNexter(),
		Now:        time.Now,
	}
	s.clear()
	return s
}

func (s *Service) clear() {
	s.datasets = make(map[int64]*ingester.Dataset)
	s.schemas = make(map[int64]*ingester.Schema)
	s.samplerState = make(map[int64]ingester.State)
	s.sourceState = make(map[int64]ingester.State)
	s.events = nil
	s.tasks = make(map[int64]*ingester.IngestTask)
	s.datasetIDs.Reset()
	s.schemaIDs.Reset()
	s.taskIDs.Reset()
	s.eventIDs.Reset()
}

// Reset implements ingester.MetadataService.
func (s *Service) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	return nil
}

// GetDataset implements ingester.SchemaResolver.
func (s *Service) GetDataset(id int64) (*ingester.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return nil, errors.Wrapf(ingester.ErrNotFound, "dataset %d", id)
	}
	return ds.Clone(), nil
}

// GetSchema implements ingester.SchemaResolver.
func (s *Service) GetSchema(id int64) (*ingester.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schemas[id]
	if !ok {
		return nil, errors.Wrapf(ingester.ErrNotFound, "schema %d", id)
	}
	c := *sc
	return &c, nil
}

// GetActiveDatasets implements ingester.MetadataService.
func (s *Service) GetActiveDatasets(kind string) ([]*ingester.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ingester.Dataset
	for _, ds := range s.datasets {
		if !ds.Enabled {
			continue
		}
		if kind != "" && (ds.DataSource == nil || ds.DataSource.Kind != kind) {
			continue
		}
		out = append(out, ds.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PersistDataset implements ingester.MetadataService. A dataset with a zero
// id is assigned one. The running flag is owned by the task methods and is
// never changed here.
func (s *Service) PersistDataset(ds *ingester.Dataset) (*ingester.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := ds.Clone()
	if c.ID == 0 {
		c.ID = s.datasetIDs.Next()
	}
	if old, ok := s.datasets[c.ID]; ok {
		c.Running = old.Running
	} else {
		c.Running = false
	}
	s.datasets[c.ID] = c
	return c.Clone(), nil
}

// EnableDataset implements ingester.MetadataService.
func (s *Service) EnableDataset(id int64) error {
	return s.setEnabled(id, true)
}

// DisableDataset implements ingester.MetadataService.
func (s *Service) DisableDataset(id int64) error {
	return s.setEnabled(id, false)
}

func (s *Service) setEnabled(id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return errors.Wrapf(ingester.ErrNotFound, "dataset %d", id)
	}
	ds.Enabled = enabled
	return nil
}

// PersistSchema implements ingester.MetadataService.
func (s *Service) PersistSchema(sc *ingester.Schema) (*ingester.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sc
	if c.ID == 0 {
		c.ID = s.schemaIDs.Next()
	}
	s.schemas[c.ID] = &c
	ret := c
	return &ret, nil
}

// GetSamplerState implements ingester.MetadataService.
func (s *Service) GetSamplerState(datasetID int64) (ingester.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplerState[datasetID].Clone(), nil
}

// PersistSamplerState implements ingester.MetadataService.
func (s *Service) PersistSamplerState(datasetID int64, state ingester.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samplerState[datasetID] = state.Clone()
	return nil
}

// GetDataSourceState implements ingester.MetadataService.
func (s *Service) GetDataSourceState(datasetID int64) (ingester.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceState[datasetID].Clone(), nil
}

// PersistDataSourceState implements ingester.MetadataService.
func (s *Service) PersistDataSourceState(datasetID int64, state ingester.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PersistSourceStateErr != nil {
		return s.PersistSourceStateErr
	}
	s.sourceState[datasetID] = state.Clone()
	return nil
}

// LogIngesterEvent implements ingester.MetadataService.
func (s *Service) LogIngesterEvent(datasetID int64, ts time.Time, level, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &ingester.Event{
		ID:        s.eventIDs.Next(),
		DatasetID: datasetID,
		Timestamp: ts,
		Level:     level,
		Message:   msg,
	})
	return nil
}

// GetIngesterEvents implements ingester.MetadataService.
func (s *Service) GetIngesterEvents(datasetID int64) ([]*ingester.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ingester.Event
	for _, ev := range s.events {
		if ev.DatasetID == datasetID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}

// CreateIngestTask implements ingester.TaskStore.
func (s *Service) CreateIngestTask(task *ingester.IngestTask, guard bool) (*ingester.IngestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[task.DatasetID]
	if !ok {
		return nil, errors.Wrapf(ingester.ErrNotFound, "dataset %d", task.DatasetID)
	}
	if guard {
		if ds.Running {
			return nil, errors.Wrapf(ingester.ErrAlreadyRunning, "dataset %d", ds.ID)
		}
		ds.Running = true
	}
	c := copyTask(task)
	c.ID = s.taskIDs.Next()
	c.State = ingester.IngressPending
	c.Guarded = guard
	c.Created = s.Now()
	c.Updated = c.Created
	s.tasks[c.ID] = c
	return copyTask(c), nil
}

// MarkIngressComplete implements ingester.TaskStore.
func (s *Service) MarkIngressComplete(id int64) error {
	return s.transition(id, ingester.ArchivePending, "")
}

// MarkIngestComplete implements ingester.TaskStore.
func (s *Service) MarkIngestComplete(id int64) error {
	return s.transition(id, ingester.Complete, "")
}

// MarkIngestFailed implements ingester.TaskStore.
func (s *Service) MarkIngestFailed(id int64, reason string) error {
	return s.transition(id, ingester.Failed, reason)
}

func (s *Service) transition(id int64, next ingester.TaskState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return errors.Wrapf(ingester.ErrNotFound, "task %d", id)
	}
	if !task.State.CanTransition(next) {
		return errors.Wrapf(ingester.ErrInvalidTransition, "task %d: %s to %s", id, task.State, next)
	}
	if task.Guarded && task.State == ingester.IngressPending {
		if ds, ok := s.datasets[task.DatasetID]; ok {
			ds.Running = false
		}
	}
	task.State = next
	task.Reason = reason
	task.Updated = s.Now()
	return nil
}

// GetIngestTask implements ingester.TaskStore.
func (s *Service) GetIngestTask(id int64) (*ingester.IngestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(ingester.ErrNotFound, "task %d", id)
	}
	return copyTask(task), nil
}

// GetIngestQueue implements ingester.TaskStore.
func (s *Service) GetIngestQueue() ([]*ingester.IngestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ingester.IngestTask
	for _, task := range s.tasks {
		if !task.State.Terminal() {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Tasks returns every task for datasetID, terminal or not, in id order.
func (s *Service) Tasks(datasetID int64) []*ingester.IngestTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ingester.IngestTask
	for _, task := range s.tasks {
		if task.DatasetID == datasetID {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyTask(t *ingester.IngestTask) *ingester.IngestTask {
	c := *t
	if t.Parameters != nil {
		c.Parameters = make(map[string]string, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}
