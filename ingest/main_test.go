package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
)

func testMain(t *testing.T) *Main {
	t.Helper()
	m := NewMain()
	m.DataDir = t.TempDir()
	m.Bind = "127.0.0.1:0"
	m.TickInterval = 10 * time.Millisecond
	m.PollInterval = 10 * time.Millisecond
	m.LogPath = filepath.Join(m.DataDir, "ingester.log")
	m.Verbose = true
	return m
}

func TestSetupPushAndMetrics(t *testing.T) {
	m := testMain(t)
	if err := m.Setup(); err != nil {
		t.Fatalf("setting up: %v", err)
	}
	defer m.Close()
	inbox := t.TempDir()
	ds, err := m.svc.PersistDataset(&ingester.Dataset{Enabled: true, DataSource: &ingester.DataSourceConfig{
		Kind:   "push",
		Params: map[string]string{"path": inbox},
	}})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/push/1", "text/csv", strings.NewReader("1,2,3"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	ctx := context.Background()
	task, ok := m.Engine().NextIngress(ctx, time.Second)
	if !ok {
		t.Fatalf("push did not enqueue a task")
	}
	if err := m.Engine().ProcessIngress(ctx, task); err != nil {
		t.Fatalf("ingress: %v", err)
	}
	task, ok = m.Engine().NextArchive(ctx, time.Second)
	if !ok {
		t.Fatalf("no task to archive")
	}
	if err := m.Engine().ProcessArchive(ctx, task); err != nil {
		t.Fatalf("archive: %v", err)
	}
	entries, err := m.repo.FindDataEntries(ctx, ds.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %v, %v", entries, err)
	}
	rc, err := m.repo.GetDataEntryStream(ctx, ds.ID, entries[0].ID, "file")
	if err != nil {
		t.Fatalf("streaming attachment: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "1,2,3" {
		t.Fatalf("unexpected attachment %q", data)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"ingester_engine_enqueued_total 1", "ingester_engine_archive_persisted_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRunContext(t *testing.T) {
	m := testMain(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := m.RunContext(ctx); err != nil {
		t.Fatalf("running: %v", err)
	}
	logged, err := os.ReadFile(m.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logged), "listening on 127.0.0.1:") {
		t.Fatalf("unexpected log:\n%s", logged)
	}
	// everything was closed, so the data directory can be opened again
	if err := m.Setup(); err != nil {
		t.Fatalf("setting up again: %v", err)
	}
	m.Close()
}

func TestSetupBadDataDir(t *testing.T) {
	m := testMain(t)
	file := filepath.Join(m.DataDir, "taken")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	m.DataDir = file
	if err := m.Setup(); err == nil {
		m.Close()
		t.Fatalf("expected error for a data directory which is a file")
	}
}
