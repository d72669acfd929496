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

// Package boltdb provides an ingester.Service which keeps datasets, schemas,
// sampler and source state, the event log, and ingest tasks in a single
// boltdb file.
package boltdb

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

var (
	datasetBucket      = []byte("datasets")
	schemaBucket       = []byte("schemas")
	samplerStateBucket = []byte("samplerState")
	sourceStateBucket  = []byte("sourceState")
	eventBucket        = []byte("events")
	taskBucket         = []byte("tasks")

	allBuckets = [][]byte{datasetBucket, schemaBucket, samplerStateBucket, sourceStateBucket, eventBucket, taskBucket}
)

// Service is an ingester.Service stored in boltdb. Every method runs in a
// single transaction.
type Service struct {
	Db *bolt.DB

	// Now timestamps tasks. It defaults to time.Now.
	Now func() time.Time
}

var _ ingester.Service = &Service{}

// Open opens (creating if necessary) the service stored in filename.
func Open(filename string) (*Service, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening db file '%v'", filename)
	}
	s := &Service{Db: db, Now: time.Now}
	if err := s.Db.Update(createBuckets); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensuring bucket existence")
	}
	return s, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return errors.Wrapf(err, "creating %s bucket", name)
		}
	}
	return nil
}

// Close syncs and closes the underlying boltdb.
func (s *Service) Close() error {
	err := s.Db.Sync()
	if err != nil {
		return errors.Wrap(err, "syncing db")
	}
	return s.Db.Close()
}

// Reset implements ingester.MetadataService.
func (s *Service) Reset() error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return errors.Wrapf(err, "deleting %s bucket", name)
			}
		}
		return createBuckets(tx)
	})
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func get(b *bolt.Bucket, id int64, v interface{}, what string) error {
	data := b.Get(itob(id))
	if data == nil {
		return errors.Wrapf(ingester.ErrNotFound, "%s %d", what, id)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decoding %s %d", what, id)
}

func put(b *bolt.Bucket, id int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding")
	}
	return b.Put(itob(id), data)
}

// nextID returns id if it is set, making sure the bucket's sequence never
// hands it out again, or the bucket's next sequence otherwise.
func nextID(b *bolt.Bucket, id int64) (int64, error) {
	if id != 0 {
		if uint64(id) > b.Sequence() {
			if err := b.SetSequence(uint64(id)); err != nil {
				return 0, err
			}
		}
		return id, nil
	}
	seq, err := b.NextSequence()
	return int64(seq), err
}

// GetDataset implements ingester.SchemaResolver.
func (s *Service) GetDataset(id int64) (ds *ingester.Dataset, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		ds = &ingester.Dataset{}
		return get(tx.Bucket(datasetBucket), id, ds, "dataset")
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// GetActiveDatasets implements ingester.MetadataService.
func (s *Service) GetActiveDatasets(kind string) (out []*ingester.Dataset, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(datasetBucket).ForEach(func(k, v []byte) error {
			ds := &ingester.Dataset{}
			if err := json.Unmarshal(v, ds); err != nil {
				return errors.Wrapf(err, "decoding dataset %d", btoi(k))
			}
			if !ds.Enabled {
				return nil
			}
			if kind != "" && (ds.DataSource == nil || ds.DataSource.Kind != kind) {
				return nil
			}
			out = append(out, ds)
			return nil
		})
	})
	return out, err
}

// PersistDataset implements ingester.MetadataService. The running flag of an
// existing dataset is left as it is.
func (s *Service) PersistDataset(ds *ingester.Dataset) (out *ingester.Dataset, err error) {
	err = s.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(datasetBucket)
		out = ds.Clone()
		out.Running = false
		if out.ID != 0 {
			old := &ingester.Dataset{}
			if err := get(b, out.ID, old, "dataset"); err == nil {
				out.Running = old.Running
			} else if !ingester.IsNotFound(err) {
				return err
			}
		}
		if out.ID, err = nextID(b, out.ID); err != nil {
			return errors.Wrap(err, "allocating dataset id")
		}
		return put(b, out.ID, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnableDataset implements ingester.MetadataService.
func (s *Service) EnableDataset(id int64) error {
	return s.updateDataset(id, func(ds *ingester.Dataset) error {
		ds.Enabled = true
		return nil
	})
}

// DisableDataset implements ingester.MetadataService.
func (s *Service) DisableDataset(id int64) error {
	return s.updateDataset(id, func(ds *ingester.Dataset) error {
		ds.Enabled = false
		return nil
	})
}

func (s *Service) updateDataset(id int64, fn func(ds *ingester.Dataset) error) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		return modifyDataset(tx, id, fn)
	})
}

func modifyDataset(tx *bolt.Tx, id int64, fn func(ds *ingester.Dataset) error) error {
	b := tx.Bucket(datasetBucket)
	ds := &ingester.Dataset{}
	if err := get(b, id, ds, "dataset"); err != nil {
		return err
	}
	if err := fn(ds); err != nil {
		return err
	}
	return put(b, id, ds)
}

// GetSchema implements ingester.SchemaResolver.
func (s *Service) GetSchema(id int64) (sc *ingester.Schema, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		sc = &ingester.Schema{}
		return get(tx.Bucket(schemaBucket), id, sc, "schema")
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// PersistSchema implements ingester.MetadataService.
func (s *Service) PersistSchema(sc *ingester.Schema) (out *ingester.Schema, err error) {
	for name, kind := range sc.Attributes {
		if !kind.Valid() {
			return nil, errors.Errorf("attribute %q has unknown kind %q", name, kind)
		}
	}
	err = s.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(schemaBucket)
		c := *sc
		out = &c
		if out.ID, err = nextID(b, out.ID); err != nil {
			return errors.Wrap(err, "allocating schema id")
		}
		return put(b, out.ID, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) getState(bucket []byte, datasetID int64) (state ingester.State, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		state = ingester.State{}
		err := get(tx.Bucket(bucket), datasetID, &state, "state of dataset")
		if ingester.IsNotFound(err) {
			return nil
		}
		return err
	})
	return state, err
}

func (s *Service) putState(bucket []byte, datasetID int64, state ingester.State) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucket), datasetID, state)
	})
}

// GetSamplerState implements ingester.MetadataService.
func (s *Service) GetSamplerState(datasetID int64) (ingester.State, error) {
	return s.getState(samplerStateBucket, datasetID)
}

// PersistSamplerState implements ingester.MetadataService.
func (s *Service) PersistSamplerState(datasetID int64, state ingester.State) error {
	return s.putState(samplerStateBucket, datasetID, state)
}

// GetDataSourceState implements ingester.MetadataService.
func (s *Service) GetDataSourceState(datasetID int64) (ingester.State, error) {
	return s.getState(sourceStateBucket, datasetID)
}

// PersistDataSourceState implements ingester.MetadataService.
func (s *Service) PersistDataSourceState(datasetID int64, state ingester.State) error {
	return s.putState(sourceStateBucket, datasetID, state)
}

// LogIngesterEvent implements ingester.MetadataService. Events are kept in a
// sub-bucket per dataset.
func (s *Service) LogIngesterEvent(datasetID int64, ts time.Time, level, msg string) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(eventBucket).CreateBucketIfNotExists(itob(datasetID))
		if err != nil {
			return errors.Wrap(err, "creating event bucket")
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		return put(b, int64(id), &ingester.Event{
			ID:        int64(id),
			DatasetID: datasetID,
			Timestamp: ts,
			Level:     level,
			Message:   msg,
		})
	})
}

// GetIngesterEvents implements ingester.MetadataService.
func (s *Service) GetIngesterEvents(datasetID int64) (events []*ingester.Event, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventBucket).Bucket(itob(datasetID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			ev := &ingester.Event{}
			if err := json.Unmarshal(v, ev); err != nil {
				return errors.Wrapf(err, "decoding event %d", btoi(k))
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

// CreateIngestTask implements ingester.TaskStore. The running check and the
// task insert happen in the same transaction.
func (s *Service) CreateIngestTask(task *ingester.IngestTask, guard bool) (out *ingester.IngestTask, err error) {
	err = s.Db.Update(func(tx *bolt.Tx) error {
		err := modifyDataset(tx, task.DatasetID, func(ds *ingester.Dataset) error {
			if !guard {
				return nil
			}
			if ds.Running {
				return errors.Wrapf(ingester.ErrAlreadyRunning, "dataset %d", ds.ID)
			}
			ds.Running = true
			return nil
		})
		if err != nil {
			return err
		}
		b := tx.Bucket(taskBucket)
		c := *task
		out = &c
		seq, err := b.NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocating task id")
		}
		out.ID = int64(seq)
		out.State = ingester.IngressPending
		out.Guarded = guard
		out.Created = s.Now().UTC()
		out.Updated = out.Created
		return put(b, out.ID, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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

// transition moves a task forward, releasing its dataset if the task was
// guarding it.
func (s *Service) transition(id int64, next ingester.TaskState, reason string) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		task := &ingester.IngestTask{}
		if err := get(b, id, task, "task"); err != nil {
			return err
		}
		if !task.State.CanTransition(next) {
			return errors.Wrapf(ingester.ErrInvalidTransition, "task %d: %s to %s", id, task.State, next)
		}
		if task.Guarded && task.State == ingester.IngressPending {
			err := modifyDataset(tx, task.DatasetID, func(ds *ingester.Dataset) error {
				ds.Running = false
				return nil
			})
			if err != nil && !ingester.IsNotFound(err) {
				return errors.Wrap(err, "releasing dataset")
			}
		}
		task.State = next
		task.Reason = reason
		task.Updated = s.Now().UTC()
		return put(b, id, task)
	})
}

// GetIngestTask implements ingester.TaskStore.
func (s *Service) GetIngestTask(id int64) (task *ingester.IngestTask, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		task = &ingester.IngestTask{}
		return get(tx.Bucket(taskBucket), id, task, "task")
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetIngestQueue implements ingester.TaskStore.
func (s *Service) GetIngestQueue() (tasks []*ingester.IngestTask, err error) {
	err = s.Db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucket).ForEach(func(k, v []byte) error {
			task := &ingester.IngestTask{}
			if err := json.Unmarshal(v, task); err != nil {
				return errors.Wrapf(err, "decoding task %d", btoi(k))
			}
			if !task.State.Terminal() {
				tasks = append(tasks, task)
			}
			return nil
		})
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, err
}
