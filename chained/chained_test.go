package chained_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/chained"
	"github.com/jcu-dc24/ingester/mock"
)

func TestFetch(t *testing.T) {
	repo := mock.NewRepository()
	up := ingester.NewDataEntry(1, time.Unix(1700000000, 0))
	up.Attrs.Set("temp", 21.5)
	up.Attrs.Set("raw", ingester.FileAttachment{Path: "1-raw", MimeType: "text/csv", FileName: "a.csv"})
	stored := repo.Add(up, map[string][]byte{"raw": []byte("1,2,3")})

	r := ingester.NewRegistry()
	chained.Register(r)
	src, err := r.NewSource(ingester.SourceContext{
		Dataset: &ingester.Dataset{ID: 2},
		Config:  &ingester.DataSourceConfig{Kind: ingester.ChainedKind, Params: map[string]string{"dataset_id": "1"}},
		Parameters: map[string]string{
			ingester.ParamSourceDataset: "1",
			ingester.ParamSourceEntry:   "1",
		},
	})
	if err != nil {
		t.Fatalf("building source: %v", err)
	}
	dir := t.TempDir()
	entries, err := src.Fetch(context.Background(), dir, repo)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != 0 || e.DatasetID != 2 || !e.Timestamp.Equal(stored.Timestamp) {
		t.Fatalf("unexpected entry %#v", e)
	}
	if v, _ := e.Attrs.Get("temp"); v != 21.5 {
		t.Fatalf("scalar not copied: %#v", v)
	}
	v, _ := e.Attrs.Get("raw")
	if fa := v.(ingester.FileAttachment); fa.Path != "raw" || fa.MimeType != "text/csv" || fa.FileName != "a.csv" {
		t.Fatalf("unexpected attachment %#v", fa)
	}
	data, err := os.ReadFile(filepath.Join(dir, "raw"))
	if err != nil || string(data) != "1,2,3" {
		t.Fatalf("unexpected staged file %q, %v", data, err)
	}
}

func TestFetchMissingEntry(t *testing.T) {
	src, err := chained.New(ingester.SourceContext{
		Dataset:    &ingester.Dataset{ID: 2},
		Parameters: map[string]string{ingester.ParamSourceDataset: "1", ingester.ParamSourceEntry: "5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Fetch(context.Background(), t.TempDir(), mock.NewRepository()); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewMissingParameters(t *testing.T) {
	for _, params := range []map[string]string{
		nil,
		{ingester.ParamSourceDataset: "1"},
		{ingester.ParamSourceDataset: "1", ingester.ParamSourceEntry: "x"},
	} {
		if _, err := chained.New(ingester.SourceContext{Parameters: params}); err == nil {
			t.Fatalf("expected error for parameters %v", params)
		}
	}
}

func TestFetchRejectsUnsafeAttributeNames(t *testing.T) {
	for _, name := range []string{"../x", "a/b", "..", `a\b`} {
		repo := mock.NewRepository()
		up := ingester.NewDataEntry(1, time.Unix(1700000000, 0))
		up.Attrs.Set(name, ingester.FileAttachment{Path: "x"})
		repo.Add(up, map[string][]byte{name: []byte("escape")})

		src, err := chained.New(ingester.SourceContext{
			Dataset:    &ingester.Dataset{ID: 2},
			Parameters: map[string]string{ingester.ParamSourceDataset: "1", ingester.ParamSourceEntry: "1"},
		})
		if err != nil {
			t.Fatal(err)
		}
		root := t.TempDir()
		dir := filepath.Join(root, "task")
		if err := os.Mkdir(dir, 0700); err != nil {
			t.Fatal(err)
		}
		if _, err := src.Fetch(context.Background(), dir, repo); err == nil {
			t.Fatalf("expected error for attribute %q", name)
		}
		if _, err := os.Stat(filepath.Join(root, "x")); !os.IsNotExist(err) {
			t.Fatalf("attribute %q written outside the staging directory", name)
		}
	}
}
