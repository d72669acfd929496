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

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Sampler decides whether a dataset's source is due for a fetch. It is handed
// the state it returned on the previous call and returns the state to keep
// for the next one.
type Sampler interface {
	Sample(now time.Time, ds *Dataset, state State) (due bool, next State, err error)
}

// DataSource fetches new data for one task into the task's staging directory.
// A DataSource is built fresh for every task and discarded afterwards.
type DataSource interface {
	// Fetch writes any fetched files below stagingDir and returns an entry
	// for each new observation. File attachments in the returned entries
	// are relative to stagingDir.
	Fetch(ctx context.Context, stagingDir string, repo EntryReader) ([]*DataEntry, error)

	// State returns the state to persist once the fetch has been
	// snapshotted. It is only called after Fetch returns without error.
	State() State
}

// Backlogger is implemented by data sources which can tell that data arrived
// while they were fetching. After a guarded task with such a source leaves
// ingress, its dataset is run again if there is a backlog.
type Backlogger interface {
	Backlog() (bool, error)
}

// SourceContext carries everything a DataSource needs to be built.
type SourceContext struct {
	Dataset    *Dataset
	Config     *DataSourceConfig
	State      State
	Parameters map[string]string
	Log        Logger
}

// Param returns the named configuration parameter, or def if it is not set.
func (sc SourceContext) Param(name, def string) string {
	if sc.Config != nil {
		if v, ok := sc.Config.Params[name]; ok && v != "" {
			return v
		}
	}
	return def
}

// IntParam parses the named parameter as an integer.
func (sc SourceContext) IntParam(name string, def int64) (int64, error) {
	raw := sc.Param(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, errors.Wrapf(err, "parsing %s parameter", name)
}

// FloatParam parses the named parameter as a float.
func (sc SourceContext) FloatParam(name string, def float64) (float64, error) {
	raw := sc.Param(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, errors.Wrapf(err, "parsing %s parameter", name)
}

// BoolParam parses the named parameter as a boolean.
func (sc SourceContext) BoolParam(name string, def bool) (bool, error) {
	raw := sc.Param(name, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	return v, errors.Wrapf(err, "parsing %s parameter", name)
}

// DatasetID returns the id of the dataset the source is built for.
func (sc SourceContext) DatasetID() int64 {
	if sc.Dataset == nil {
		return 0
	}
	return sc.Dataset.ID
}

// EntryReader gives data sources read access to persisted entries.
type EntryReader interface {
	GetDataEntry(ctx context.Context, datasetID, entryID int64) (*DataEntry, error)
	GetDataEntryStream(ctx context.Context, datasetID, entryID int64, attr string) (io.ReadCloser, error)
	FindDataEntries(ctx context.Context, datasetID int64) ([]*DataEntry, error)
}

// Repository is the final store of entries.
type Repository interface {
	EntryReader

	// Persist validates entry against its dataset's schema, copies its file
	// attachments out of stagingDir and stores it. The returned entry has
	// its ID assigned and its file paths rewritten.
	Persist(ctx context.Context, entry *DataEntry, stagingDir string) (*DataEntry, error)

	// Reset removes every stored entry.
	Reset() error
}

// SchemaResolver finds the schema entries of a dataset must satisfy.
type SchemaResolver interface {
	GetDataset(id int64) (*Dataset, error)
	GetSchema(id int64) (*Schema, error)
}

// TaskStore durably records ingest tasks. Every method is a single atomic
// update.
type TaskStore interface {
	// CreateIngestTask assigns task an id and stores it at IngressPending.
	// If guard is true it fails with ErrAlreadyRunning when the dataset is
	// already running, and marks it running otherwise.
	CreateIngestTask(task *IngestTask, guard bool) (*IngestTask, error)
	MarkIngressComplete(id int64) error
	MarkIngestComplete(id int64) error
	MarkIngestFailed(id int64, reason string) error
	GetIngestTask(id int64) (*IngestTask, error)

	// GetIngestQueue returns every non-terminal task in creation order.
	GetIngestQueue() ([]*IngestTask, error)
}

// MetadataService owns datasets, schemas, sampler and source state, and the
// ingester event log.
type MetadataService interface {
	SchemaResolver

	// GetActiveDatasets returns the enabled datasets, optionally only those
	// whose data source is of the given kind.
	GetActiveDatasets(kind string) ([]*Dataset, error)
	PersistDataset(ds *Dataset) (*Dataset, error)
	EnableDataset(id int64) error
	DisableDataset(id int64) error
	PersistSchema(s *Schema) (*Schema, error)

	GetSamplerState(datasetID int64) (State, error)
	PersistSamplerState(datasetID int64, state State) error
	GetDataSourceState(datasetID int64) (State, error)
	PersistDataSourceState(datasetID int64, state State) error

	LogIngesterEvent(datasetID int64, ts time.Time, level, msg string) error
	GetIngesterEvents(datasetID int64) ([]*Event, error)

	// Reset removes all state. It exists for tests.
	Reset() error
}

// Service is a MetadataService which also stores ingest tasks.
type Service interface {
	MetadataService
	TaskStore
}

// ObservationListener is told about every entry the archive stage persists.
// The staging directory of the task still exists during the call.
type ObservationListener interface {
	NotifyNewDataEntry(ctx context.Context, entry *DataEntry, stagingDir string) error
}

// ObservationListenerFunc adapts a function to ObservationListener.
type ObservationListenerFunc func(ctx context.Context, entry *DataEntry, stagingDir string) error

// NotifyNewDataEntry calls f.
func (f ObservationListenerFunc) NotifyNewDataEntry(ctx context.Context, entry *DataEntry, stagingDir string) error {
	return f(ctx, entry, stagingDir)
}
