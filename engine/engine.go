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

// Package engine schedules datasets and moves their ingest tasks through the
// ingress and archive stages.
//
// A task is created at INGRESS_PENDING when a dataset's sampler fires, when
// an upstream dataset of a chained dataset lands an entry, or when a dataset
// is invoked by hand. The ingress stage fetches from the dataset's source,
// runs the optional processing script, and writes the resulting entries to
// a snapshot in the task's staging directory. The archive stage persists the
// snapshot's entries and tells the observation listeners about them. Tasks
// found unfinished at startup resume at the stage they had reached.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/script"
	"github.com/jcu-dc24/ingester/snapshot"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Defaults for Config.
const (
	DefaultTickInterval = 15 * time.Second
	DefaultPollInterval = time.Second
)

// Config holds an Engine's collaborators and settings.
type Config struct {
	Service    ingester.Service
	Repository ingester.Repository
	Registry   *ingester.Registry

	// StagingRoot is the directory below which each task gets its own
	// staging directory.
	StagingRoot string

	// TickInterval is the time between scheduler passes.
	TickInterval time.Duration

	// PollInterval bounds how long a worker waits on an empty queue before
	// checking for shutdown.
	PollInterval time.Duration

	// FetchTimeout, if set, bounds a single fetch and script run.
	FetchTimeout time.Duration

	Script *script.Runner
	Log    ingester.Logger
	Stats  ingester.Statter
	Now    func() time.Time
}

// Engine runs the scheduler and the ingress and archive workers.
type Engine struct {
	svc      ingester.Service
	repo     ingester.Repository
	registry *ingester.Registry

	stagingRoot  string
	tickInterval time.Duration
	pollInterval time.Duration
	fetchTimeout time.Duration

	script *script.Runner
	log    ingester.Logger
	stats  ingester.Statter
	now    func() time.Time

	ingress *queue
	archive *queue

	mu        sync.RWMutex
	listeners []ingester.ObservationListener
}

// New returns an Engine for cfg. The cascade router is registered as its
// first observation listener.
func New(cfg Config) (*Engine, error) {
	if cfg.Service == nil || cfg.Repository == nil || cfg.Registry == nil {
		return nil, errors.New("service, repository and registry are required")
	}
	if cfg.StagingRoot == "" {
		return nil, errors.New("no staging root")
	}
	if err := os.MkdirAll(cfg.StagingRoot, 0700); err != nil {
		return nil, errors.Wrap(err, "making staging root")
	}
	e := &Engine{
		svc:          cfg.Service,
		repo:         cfg.Repository,
		registry:     cfg.Registry,
		stagingRoot:  cfg.StagingRoot,
		tickInterval: cfg.TickInterval,
		pollInterval: cfg.PollInterval,
		fetchTimeout: cfg.FetchTimeout,
		script:       cfg.Script,
		log:          cfg.Log,
		stats:        cfg.Stats,
		now:          cfg.Now,
		ingress:      newQueue(),
		archive:      newQueue(),
	}
	if e.tickInterval <= 0 {
		e.tickInterval = DefaultTickInterval
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.log == nil {
		e.log = ingester.NopLogger{}
	}
	if e.stats == nil {
		e.stats = ingester.NopStatter{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.script == nil {
		e.script = script.NewRunner(e.log)
	}
	e.RegisterObservationListener(NewRouter(e.svc, e, e.log))
	return e, nil
}

// RegisterObservationListener adds l to the listeners told about every
// persisted entry.
func (e *Engine) RegisterObservationListener(l ingester.ObservationListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// event records msg in the dataset's event log, falling back to the
// process log if that fails.
func (e *Engine) event(datasetID int64, level, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	e.log.Printf("dataset %d: %s", datasetID, msg)
	if err := e.svc.LogIngesterEvent(datasetID, e.now().UTC(), level, msg); err != nil {
		e.log.Printf("logging event for dataset %d: %v", datasetID, err)
	}
}

// Tick runs one scheduler pass: every enabled, scheduled dataset's sampler
// is consulted and the due datasets are enqueued. Sampler failures are
// recorded against the dataset and do not stop the pass.
func (e *Engine) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { e.stats.Timing("engine.tick", time.Since(start), 1) }()
	datasets, err := e.svc.GetActiveDatasets("")
	if err != nil {
		return errors.Wrap(err, "getting active datasets")
	}
	now := e.now()
	for _, ds := range datasets {
		if !ds.Scheduled() {
			continue
		}
		due, err := e.sample(now, ds)
		if err != nil {
			e.stats.Count("engine.sampler.failed", 1, 1)
			e.event(ds.ID, ingester.LevelError, "sampling: %v", err)
			continue
		}
		if !due {
			continue
		}
		e.stats.Count("engine.sampler.due", 1, 1)
		if _, err := e.Enqueue(ctx, ds, nil, true); ingester.IsAlreadyRunning(err) {
			e.log.Debugf("dataset %d is due but still running", ds.ID)
		} else if err != nil {
			e.event(ds.ID, ingester.LevelError, "enqueueing: %v", err)
		}
	}
	return nil
}

func (e *Engine) sample(now time.Time, ds *ingester.Dataset) (due bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("sampler panic: %v", r)
		}
	}()
	sampler, err := e.registry.NewSampler(ds.DataSource.Sampling)
	if err != nil {
		return false, err
	}
	state, err := e.svc.GetSamplerState(ds.ID)
	if err != nil {
		return false, errors.Wrap(err, "getting sampler state")
	}
	due, next, err := sampler.Sample(now, ds, state)
	if err != nil {
		return false, err
	}
	if err := e.svc.PersistSamplerState(ds.ID, next); err != nil {
		return false, errors.Wrap(err, "persisting sampler state")
	}
	return due, nil
}

// Enqueue creates an ingress task for ds with a fresh staging directory and
// queues it. A guarded task is refused with ErrAlreadyRunning while the
// dataset has another guarded task in ingress.
func (e *Engine) Enqueue(ctx context.Context, ds *ingester.Dataset, params map[string]string, guard bool) (*ingester.IngestTask, error) {
	dir := filepath.Join(e.stagingRoot, uuid.New().String())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "making staging directory")
	}
	task, err := e.svc.CreateIngestTask(&ingester.IngestTask{
		DatasetID:  ds.ID,
		Parameters: params,
		StagingDir: dir,
	}, guard)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "creating task for dataset %d", ds.ID)
	}
	e.stats.Count("engine.enqueued", 1, 1)
	e.log.Debugf("enqueued task %d for dataset %d in %s", task.ID, ds.ID, dir)
	e.ingress.Push(task)
	return task, nil
}

// Invoke runs a dataset outside of its schedule. A dataset with its own
// source is enqueued as if its sampler had fired. A chained dataset is
// backfilled with one task per entry of its upstream dataset.
func (e *Engine) Invoke(ctx context.Context, datasetID int64) error {
	ds, err := e.svc.GetDataset(datasetID)
	if err != nil {
		return errors.Wrap(err, "getting dataset")
	}
	if !ds.Enabled {
		return errors.Wrapf(ingester.ErrDisabled, "dataset %d", ds.ID)
	}
	if ds.DataSource == nil {
		return errors.Wrapf(ingester.ErrNoDataSource, "dataset %d", ds.ID)
	}
	if !ds.Chained() {
		_, err := e.Enqueue(ctx, ds, nil, true)
		return err
	}
	upstream, err := ds.Upstream()
	if err != nil {
		return err
	}
	entries, err := e.repo.FindDataEntries(ctx, upstream)
	if err != nil {
		return errors.Wrapf(err, "finding entries of dataset %d", upstream)
	}
	for _, entry := range entries {
		if _, err := e.Enqueue(ctx, ds, triggerParams(entry), false); err != nil {
			return err
		}
	}
	e.log.Printf("backfilling dataset %d with %d entries of dataset %d", ds.ID, len(entries), upstream)
	return nil
}

func triggerParams(entry *ingester.DataEntry) map[string]string {
	return map[string]string{
		ingester.ParamSourceDataset: strconv.FormatInt(entry.DatasetID, 10),
		ingester.ParamSourceEntry:   strconv.FormatInt(entry.ID, 10),
	}
}

// ProcessIngress runs the ingress stage of task. On success the task is at
// ARCHIVE_PENDING and queued for archiving. On failure it is FAILED, its
// staging directory is kept, and the error is returned.
func (e *Engine) ProcessIngress(ctx context.Context, task *ingester.IngestTask) error {
	start := time.Now()
	src, ds, err := e.ingest(ctx, task)
	if err != nil {
		e.stats.Count("engine.ingress.failed", 1, 1)
		e.event(task.DatasetID, ingester.LevelError, "ingress of task %d failed: %v", task.ID, err)
		if merr := e.svc.MarkIngestFailed(task.ID, err.Error()); merr != nil {
			e.log.Printf("marking task %d failed: %v", task.ID, merr)
		}
		return err
	}
	if err := e.svc.MarkIngressComplete(task.ID); err != nil {
		return errors.Wrapf(err, "marking ingress of task %d complete", task.ID)
	}
	e.archive.Push(task)
	if err := e.svc.PersistDataSourceState(ds.ID, src.State()); err != nil {
		e.event(ds.ID, ingester.LevelWarn, "persisting source state: %v", err)
	}
	if task.Guarded {
		e.followUp(ctx, ds, src)
	}
	e.stats.Timing("engine.ingress", time.Since(start), 1)
	return nil
}

// followUp enqueues another guarded task for ds if its source reports data
// which arrived too late for the task that just left ingress. Datasets
// without a sampler would otherwise not look at it until they are invoked
// again.
func (e *Engine) followUp(ctx context.Context, ds *ingester.Dataset, src ingester.DataSource) {
	b, ok := src.(ingester.Backlogger)
	if !ok {
		return
	}
	more, err := b.Backlog()
	if err != nil {
		e.event(ds.ID, ingester.LevelWarn, "checking backlog: %v", err)
		return
	}
	if !more {
		return
	}
	if _, err := e.Enqueue(ctx, ds, nil, true); err != nil && !ingester.IsAlreadyRunning(err) {
		e.event(ds.ID, ingester.LevelError, "enqueueing backlog: %v", err)
	}
}

// ingest fetches, transforms and snapshots task's entries.
func (e *Engine) ingest(ctx context.Context, task *ingester.IngestTask) (ingester.DataSource, *ingester.Dataset, error) {
	ds, err := e.svc.GetDataset(task.DatasetID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "getting dataset")
	}
	if ds.DataSource == nil {
		return nil, nil, errors.Wrapf(ingester.ErrNoDataSource, "dataset %d", ds.ID)
	}
	state, err := e.svc.GetDataSourceState(ds.ID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "getting source state")
	}
	src, err := e.registry.NewSource(ingester.SourceContext{
		Dataset:    ds,
		Config:     ds.DataSource,
		State:      state,
		Parameters: task.Parameters,
		Log:        ingester.WithPrefix(e.log, fmt.Sprintf("dataset %d: ", ds.ID)),
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "building data source")
	}
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}
	entries, err := e.fetch(ctx, src, task.StagingDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetching")
	}
	for _, entry := range entries {
		if entry.DatasetID == 0 {
			entry.DatasetID = ds.ID
		}
	}
	if ds.DataSource.ProcessingScript != "" {
		emissions, err := e.script.Run(ctx, ds.DataSource.ProcessingScript, task.StagingDir, ds.ID, entries)
		if err != nil {
			return nil, nil, errors.Wrap(err, "running processing script")
		}
		entries = make([]*ingester.DataEntry, 0, len(emissions))
		for _, em := range emissions {
			entry := em.Entry.Clone()
			entry.DatasetID = em.DatasetID
			if entry.DatasetID == 0 {
				entry.DatasetID = ds.ID
			}
			entries = append(entries, entry)
		}
	}
	if err := snapshot.Write(task.StagingDir, entries); err != nil {
		return nil, nil, errors.Wrap(err, "writing snapshot")
	}
	e.log.Debugf("task %d staged %d entries", task.ID, len(entries))
	return src, ds, nil
}

func (e *Engine) fetch(ctx context.Context, src ingester.DataSource, dir string) (entries []*ingester.DataEntry, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("data source panic: %v\n%s", r, debug.Stack())
		}
		e.stats.Timing("engine.fetch", time.Since(start), 1)
	}()
	return src.Fetch(ctx, dir, e.repo)
}

// ProcessArchive runs the archive stage of task. Every entry of the task's
// snapshot is persisted, the task is marked COMPLETE, the observation
// listeners are told about each entry, and the staging directory is
// removed. If any entry cannot be persisted the task is FAILED and its
// staging directory kept.
func (e *Engine) ProcessArchive(ctx context.Context, task *ingester.IngestTask) error {
	start := time.Now()
	persisted, err := e.persistSnapshot(ctx, task)
	if err != nil {
		e.stats.Count("engine.archive.failed", 1, 1)
		e.event(task.DatasetID, ingester.LevelError, "archive of task %d failed, staging directory %s kept: %v", task.ID, task.StagingDir, err)
		if merr := e.svc.MarkIngestFailed(task.ID, err.Error()); merr != nil {
			e.log.Printf("marking task %d failed: %v", task.ID, merr)
		}
		return err
	}
	if err := e.svc.MarkIngestComplete(task.ID); err != nil {
		return errors.Wrapf(err, "marking task %d complete", task.ID)
	}
	e.stats.Count("engine.archive.persisted", int64(len(persisted)), 1)
	e.notify(ctx, persisted, task.StagingDir)
	if err := os.RemoveAll(task.StagingDir); err != nil {
		e.log.Printf("removing staging directory of task %d: %v", task.ID, err)
	}
	e.stats.Timing("engine.archive", time.Since(start), 1)
	return nil
}

func (e *Engine) persistSnapshot(ctx context.Context, task *ingester.IngestTask) ([]*ingester.DataEntry, error) {
	entries, err := snapshot.Read(task.StagingDir)
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot")
	}
	persisted := make([]*ingester.DataEntry, 0, len(entries))
	for i, entry := range entries {
		stored, err := e.repo.Persist(ctx, entry, task.StagingDir)
		if err != nil {
			return nil, errors.Wrapf(err, "persisting entry %d of %d", i+1, len(entries))
		}
		persisted = append(persisted, stored)
	}
	return persisted, nil
}

func (e *Engine) notify(ctx context.Context, entries []*ingester.DataEntry, dir string) {
	e.mu.RLock()
	listeners := append([]ingester.ObservationListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, entry := range entries {
		for _, l := range listeners {
			if err := e.notifyOne(ctx, l, entry, dir); err != nil {
				e.log.Printf("notifying listener of entry %d of dataset %d: %v", entry.ID, entry.DatasetID, err)
			}
		}
	}
}

func (e *Engine) notifyOne(ctx context.Context, l ingester.ObservationListener, entry *ingester.DataEntry, dir string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("listener panic: %v", r)
		}
	}()
	return l.NotifyNewDataEntry(ctx, entry, dir)
}

// Recover queues every unfinished task at the stage it reached: tasks at
// INGRESS_PENDING are fetched again, tasks at ARCHIVE_PENDING are archived
// from the snapshot they already wrote.
func (e *Engine) Recover(ctx context.Context) error {
	tasks, err := e.svc.GetIngestQueue()
	if err != nil {
		return errors.Wrap(err, "getting ingest queue")
	}
	for _, task := range tasks {
		switch task.State {
		case ingester.IngressPending:
			e.ingress.Push(task)
		case ingester.ArchivePending:
			e.archive.Push(task)
		}
	}
	if len(tasks) > 0 {
		e.log.Printf("recovered %d unfinished tasks", len(tasks))
	}
	return nil
}

// Run recovers unfinished tasks and then runs the scheduler and both
// workers until ctx is cancelled. A task being processed when ctx is
// cancelled runs to completion.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return errors.Wrap(err, "recovering")
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return e.schedule(ctx) })
	eg.Go(func() error { return e.work(ctx, "ingress", e.ingress, e.ProcessIngress) })
	eg.Go(func() error { return e.work(ctx, "archive", e.archive, e.ProcessArchive) })
	return eg.Wait()
}

func (e *Engine) schedule(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		e.safely("scheduler", func() {
			if err := e.Tick(ctx); err != nil {
				e.log.Printf("scheduler pass: %v", err)
			}
		})
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) work(ctx context.Context, name string, q *queue, process func(context.Context, *ingester.IngestTask) error) error {
	for ctx.Err() == nil {
		task, ok := q.Pop(ctx, e.pollInterval)
		if !ok {
			continue
		}
		ok = e.safely(name, func() {
			if err := process(context.WithoutCancel(ctx), task); err != nil {
				e.log.Debugf("%s of task %d: %v", name, task.ID, err)
			}
		})
		if !ok {
			if err := e.svc.MarkIngestFailed(task.ID, name+" panicked"); err != nil {
				e.log.Printf("marking task %d failed: %v", task.ID, err)
			}
		}
	}
	return nil
}

// safely runs fn, reporting whether it returned without panicking.
func (e *Engine) safely(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Printf("panic in %s: %v\n%s", name, r, debug.Stack())
			ok = false
		}
	}()
	fn()
	return true
}

// Pending returns the number of tasks waiting in the ingress and archive
// queues.
func (e *Engine) Pending() (ingress, archive int) {
	return e.ingress.Len(), e.archive.Len()
}

// NextIngress pops the next task waiting for ingress, waiting at most
// timeout.
func (e *Engine) NextIngress(ctx context.Context, timeout time.Duration) (*ingester.IngestTask, bool) {
	return e.ingress.Pop(ctx, timeout)
}

// NextArchive pops the next task waiting for archiving, waiting at most
// timeout.
func (e *Engine) NextArchive(ctx context.Context, timeout time.Duration) (*ingester.IngestTask, bool) {
	return e.archive.Pop(ctx, timeout)
}
