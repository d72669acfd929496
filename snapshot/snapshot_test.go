package snapshot_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/snapshot"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	first := ingester.NewDataEntry(1, time.Date(2023, 11, 14, 22, 13, 20, 123456000, time.UTC))
	first.Attrs.Set("file", ingester.FileAttachment{Path: "outputfile", MimeType: "text/plain", FileName: "data.csv"})
	first.Attrs.Set("temp", 21.25)
	first.Attrs.Set("count", int64(-4))
	first.Attrs.Set("site", "reef")
	first.Attrs.Set("ok", true)
	second := ingester.NewDataEntry(7, time.Unix(1700000000, 0))
	second.ID = 99

	if snapshot.Exists(dir) {
		t.Fatalf("snapshot should not exist yet")
	}
	if err := snapshot.Write(dir, []*ingester.DataEntry{first, second}); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}
	if !snapshot.Exists(dir) {
		t.Fatalf("snapshot should exist")
	}
	got, err := snapshot.Read(dir)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0].Attrs, first.Attrs) {
		t.Fatalf("attributes differ:\n%#v\n%#v", got[0].Attrs, first.Attrs)
	}
	if !got[0].Timestamp.Equal(first.Timestamp) || got[0].DatasetID != 1 {
		t.Fatalf("unexpected first entry %#v", got[0])
	}
	if got[1].ID != 0 {
		t.Fatalf("snapshot should not carry entry ids, got %d", got[1].ID)
	}
	if got[1].DatasetID != 7 || len(got[1].Attrs) != 0 {
		t.Fatalf("unexpected second entry %#v", got[1])
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("temporary files left behind: %v", files)
	}
}

func TestEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := snapshot.Write(dir, nil); err != nil {
		t.Fatalf("writing empty snapshot: %v", err)
	}
	got, err := snapshot.Read(dir)
	if err != nil {
		t.Fatalf("reading empty snapshot: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}

func TestUnsupportedValue(t *testing.T) {
	dir := t.TempDir()
	e := ingester.NewDataEntry(1, time.Now())
	e.Attrs = append(e.Attrs, ingester.Attribute{Name: "bad", Value: []int{1}})
	if err := snapshot.Write(dir, []*ingester.DataEntry{e}); err == nil {
		t.Fatalf("expected error for unsupported value")
	}
	if snapshot.Exists(dir) {
		t.Fatalf("failed write should not leave a snapshot")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("failed write left files behind: %v", entries)
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := snapshot.Read(t.TempDir()); err == nil {
		t.Fatalf("expected error reading missing snapshot")
	}
}
