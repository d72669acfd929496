package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/boltdb"
	"github.com/jcu-dc24/ingester/test"
)

const definitions = `
schemas:
  - id: 1
    name: weather
    attributes:
      temperature: double
      file: file
datasets:
  - id: 1
    description: weather station
    enabled: true
    schema_id: 1
    location:
      name: reef
      latitude: -19.25
      longitude: 146.8
    data_source:
      kind: pull
      params:
        url: http://example.com/weather.csv
      sampling:
        kind: periodic
        params:
          rate: "300"
  - id: 2
    enabled: false
    data_source:
      kind: dataset
      params:
        dataset_id: "1"
`

func TestReadDefinitions(t *testing.T) {
	defs, err := ReadDefinitions(strings.NewReader(definitions))
	test.ErrNil(t, err, "reading definitions")
	test.MustBe(t, 1, len(defs.Schemas))
	test.MustBe(t, ingester.KindDouble, defs.Schemas[0].Attributes["temperature"])
	test.MustBe(t, 2, len(defs.Datasets))
	test.MustBe(t, "300", defs.Datasets[0].DataSource.Sampling.Params["rate"])
	test.MustBe(t, -19.25, defs.Datasets[0].Location.Latitude)

	if _, err := ReadDefinitions(strings.NewReader("datasets:\n  - id: 1\n    colour: red\n")); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestAdmin(t *testing.T) {
	dir := t.TempDir()
	a := &Admin{DataDir: dir}
	path := filepath.Join(dir, "defs.yaml")
	test.ErrNil(t, os.WriteFile(path, []byte(definitions), 0600), "writing definitions")

	out := &bytes.Buffer{}
	test.ErrNil(t, a.Define(path, out), "defining")
	test.MustBe(t, "schema 1 weather\ndataset 1 pull enabled=true\ndataset 2 dataset enabled=false\n", out.String())

	ctx := context.Background()
	test.ErrCause(t, a.Invoke(ctx, 2), ingester.ErrDisabled, "invoking disabled dataset")
	test.ErrNil(t, a.Enable(2), "enabling")
	test.ErrNil(t, a.Invoke(ctx, 1), "invoking")
	if err := a.Invoke(ctx, 1); !ingester.IsAlreadyRunning(err) {
		t.Fatalf("expected already running, got %v", err)
	}
	test.ErrNil(t, a.Disable(1), "disabling")
	test.ErrCause(t, a.Enable(9), ingester.ErrNotFound, "enabling unknown dataset")

	svc, err := boltdb.Open(filepath.Join(dir, "ingester.db"))
	test.ErrNil(t, err, "opening service")
	queue, err := svc.GetIngestQueue()
	test.ErrNil(t, err, "getting queue")
	if len(queue) != 1 || queue[0].DatasetID != 1 || queue[0].State != ingester.IngressPending {
		t.Fatalf("unexpected queue %v", queue)
	}
	ds, _ := svc.GetDataset(2)
	if !ds.Enabled {
		t.Fatalf("dataset 2 should be enabled")
	}
	test.ErrNil(t, svc.LogIngesterEvent(1, time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC), ingester.LevelWarn, "slow upstream"), "logging event")
	svc.Close()

	out.Reset()
	test.ErrNil(t, a.Events(ctx, 1, out), "listing events")
	if !strings.Contains(out.String(), "WARN  slow upstream") {
		t.Fatalf("unexpected events %q", out.String())
	}

	test.ErrNil(t, a.Reset(), "resetting")
	test.ErrCause(t, a.Enable(1), ingester.ErrNotFound, "enabling after reset")
}
