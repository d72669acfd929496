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

package boltdb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/boltdb"
)

func openService(t *testing.T) (*boltdb.Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingester.db")
	s, err := boltdb.Open(path)
	if err != nil {
		t.Fatalf("opening service: %v", err)
	}
	return s, path
}

func pullDataset() *ingester.Dataset {
	return &ingester.Dataset{
		Enabled: true,
		DataSource: &ingester.DataSourceConfig{
			Kind:     "pull",
			Params:   map[string]string{"url": "http://example.com/data"},
			Sampling: &ingester.SamplingConfig{Kind: "periodic", Params: map[string]string{"rate": "60"}},
		},
	}
}

func TestDatasets(t *testing.T) {
	s, path := openService(t)
	ds, err := s.PersistDataset(pullDataset())
	if err != nil {
		t.Fatalf("persisting dataset: %v", err)
	}
	if ds.ID != 1 {
		t.Fatalf("expected id 1, got %d", ds.ID)
	}
	explicit := pullDataset()
	explicit.ID = 10
	explicit.Enabled = false
	if _, err := s.PersistDataset(explicit); err != nil {
		t.Fatalf("persisting dataset with explicit id: %v", err)
	}
	next, err := s.PersistDataset(pullDataset())
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != 11 {
		t.Fatalf("ids should continue after explicit ids, got %d", next.ID)
	}

	active, err := s.GetActiveDatasets("")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active datasets, got %d", len(active))
	}
	if active, _ := s.GetActiveDatasets("push"); len(active) != 0 {
		t.Fatalf("expected no push datasets, got %d", len(active))
	}
	if err := s.EnableDataset(10); err != nil {
		t.Fatal(err)
	}
	if err := s.DisableDataset(1); err != nil {
		t.Fatal(err)
	}
	if err := s.EnableDataset(99); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found enabling unknown dataset, got %v", err)
	}

	// reopen
	if err := s.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}
	s, err = boltdb.Open(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	got, err := s.GetDataset(10)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.DataSource.Params["url"] != "http://example.com/data" || got.DataSource.Sampling.Params["rate"] != "60" {
		t.Fatalf("unexpected dataset after reopen %#v", got)
	}
	if ds, _ := s.GetDataset(1); ds.Enabled {
		t.Fatalf("dataset 1 should be disabled")
	}
	if _, err := s.GetDataset(2); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSchemas(t *testing.T) {
	s, _ := openService(t)
	defer s.Close()
	sc, err := s.PersistSchema(&ingester.Schema{Name: "w", Attributes: map[string]ingester.AttrKind{"t": ingester.KindDouble}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSchema(sc.ID)
	if err != nil || got.Attributes["t"] != ingester.KindDouble {
		t.Fatalf("unexpected schema %#v, %v", got, err)
	}
	if _, err := s.PersistSchema(&ingester.Schema{Attributes: map[string]ingester.AttrKind{"t": "decimal"}}); err == nil {
		t.Fatalf("expected error for unknown attribute kind")
	}
}

func TestState(t *testing.T) {
	s, _ := openService(t)
	defer s.Close()
	st, err := s.GetSamplerState(1)
	if err != nil || len(st) != 0 {
		t.Fatalf("expected empty state, got %v, %v", st, err)
	}
	if err := s.PersistSamplerState(1, ingester.State{"last_run": "5"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PersistDataSourceState(1, ingester.State{"lasttime": "x"}); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.GetSamplerState(1); st["last_run"] != "5" || len(st) != 1 {
		t.Fatalf("unexpected sampler state %v", st)
	}
	if st, _ := s.GetDataSourceState(1); st["lasttime"] != "x" || len(st) != 1 {
		t.Fatalf("unexpected source state %v", st)
	}
}

func TestEvents(t *testing.T) {
	s, _ := openService(t)
	defer s.Close()
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, msg := range []string{"a", "b"} {
		if err := s.LogIngesterEvent(3, now.Add(time.Duration(i)*time.Second), ingester.LevelError, msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.LogIngesterEvent(4, now, ingester.LevelInfo, "c"); err != nil {
		t.Fatal(err)
	}
	events, err := s.GetIngesterEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Message != "a" || events[1].Message != "b" || events[1].Level != ingester.LevelError {
		t.Fatalf("unexpected events %v", events)
	}
	if events, _ := s.GetIngesterEvents(5); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestTasks(t *testing.T) {
	s, _ := openService(t)
	defer s.Close()
	ds, err := s.PersistDataset(pullDataset())
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.CreateIngestTask(&ingester.IngestTask{DatasetID: ds.ID, StagingDir: "/tmp/a"}, true)
	if err != nil {
		t.Fatalf("creating guarded task: %v", err)
	}
	if first.State != ingester.IngressPending || first.ID == 0 || !first.Guarded {
		t.Fatalf("unexpected task %#v", first)
	}
	if got, _ := s.GetDataset(ds.ID); !got.Running {
		t.Fatalf("dataset should be running")
	}
	if _, err := s.CreateIngestTask(&ingester.IngestTask{DatasetID: ds.ID}, true); !ingester.IsAlreadyRunning(err) {
		t.Fatalf("expected already running, got %v", err)
	}
	// re-saving the dataset does not clear the running flag
	if _, err := s.PersistDataset(ds); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetDataset(ds.ID); !got.Running {
		t.Fatalf("persisting a dataset should not release it")
	}
	unguarded, err := s.CreateIngestTask(&ingester.IngestTask{
		DatasetID:  ds.ID,
		Parameters: map[string]string{ingester.ParamSourceDataset: "1"},
	}, false)
	if err != nil {
		t.Fatalf("unguarded task should bypass the running flag: %v", err)
	}

	queue, err := s.GetIngestQueue()
	if err != nil || len(queue) != 2 || queue[0].ID != first.ID || queue[1].Parameters[ingester.ParamSourceDataset] != "1" {
		t.Fatalf("unexpected queue %v, %v", queue, err)
	}

	if err := s.MarkIngressComplete(first.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetDataset(ds.ID); got.Running {
		t.Fatalf("leaving ingress should release the dataset")
	}
	if err := s.MarkIngressComplete(first.ID); err == nil {
		t.Fatalf("expected error repeating a transition")
	}
	if err := s.MarkIngestComplete(first.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkIngestFailed(first.ID, "late"); err == nil {
		t.Fatalf("complete tasks cannot fail")
	}
	if err := s.MarkIngestComplete(unguarded.ID); err == nil {
		t.Fatalf("tasks cannot skip the archive stage")
	}
	if err := s.MarkIngestFailed(unguarded.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetIngestTask(unguarded.ID)
	if err != nil || got.State != ingester.Failed || got.Reason != "boom" {
		t.Fatalf("unexpected task %#v, %v", got, err)
	}
	if queue, _ := s.GetIngestQueue(); len(queue) != 0 {
		t.Fatalf("expected empty queue, got %v", queue)
	}
	if _, err := s.CreateIngestTask(&ingester.IngestTask{DatasetID: 99}, true); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found for unknown dataset, got %v", err)
	}
}

func TestReset(t *testing.T) {
	s, _ := openService(t)
	defer s.Close()
	if _, err := s.PersistDataset(pullDataset()); err != nil {
		t.Fatal(err)
	}
	if err := s.LogIngesterEvent(1, time.Now(), ingester.LevelInfo, "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("resetting: %v", err)
	}
	if active, _ := s.GetActiveDatasets(""); len(active) != 0 {
		t.Fatalf("expected no datasets after reset")
	}
	ds, err := s.PersistDataset(pullDataset())
	if err != nil || ds.ID != 1 {
		t.Fatalf("ids should restart after reset, got %v, %v", ds, err)
	}
}
