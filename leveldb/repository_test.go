package leveldb_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/leveldb"
	"github.com/jcu-dc24/ingester/mock"
	"github.com/jcu-dc24/ingester/test"
)

type fixture struct {
	svc   *mock.Service
	repo  *leveldb.Repository
	blobs *leveldb.DirBlobs
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	svc := mock.NewService()
	blobs, err := leveldb.NewDirBlobs(filepath.Join(dir, "blobs"))
	test.ErrNil(t, err, "making blob store")
	repo, err := leveldb.Open(filepath.Join(dir, "db"), svc, blobs)
	test.ErrNil(t, err, "opening repository")
	t.Cleanup(func() { repo.Close() })
	return &fixture{svc: svc, repo: repo, blobs: blobs, dir: dir}
}

func (f *fixture) dataset(t *testing.T, loc *ingester.Location, attrs map[string]ingester.AttrKind) *ingester.Dataset {
	t.Helper()
	ds := &ingester.Dataset{Enabled: true, Location: loc}
	if attrs != nil {
		sc, err := f.svc.PersistSchema(&ingester.Schema{Name: "s", Attributes: attrs})
		test.ErrNil(t, err, "persisting schema")
		ds.SchemaID = sc.ID
	}
	ds, err := f.svc.PersistDataset(ds)
	test.ErrNil(t, err, "persisting dataset")
	return ds
}

func readAll(t *testing.T, rc io.ReadCloser, err error) string {
	t.Helper()
	test.ErrNil(t, err, "opening stream")
	defer rc.Close()
	data, err := io.ReadAll(rc)
	test.ErrNil(t, err, "reading stream")
	return string(data)
}

func TestPersistAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := f.dataset(t, nil, map[string]ingester.AttrKind{"temp": ingester.KindDouble, "raw": ingester.KindFile})
	staging := t.TempDir()
	test.ErrNil(t, os.WriteFile(filepath.Join(staging, "outputfile"), []byte("a,b"), 0600), "writing staged file")

	e := ingester.NewDataEntry(ds.ID, time.Unix(1700000000, 0))
	e.Attrs.Set("temp", 20.5)
	e.Attrs.Set("raw", ingester.FileAttachment{Path: "outputfile", MimeType: "text/csv"})
	stored, err := f.repo.Persist(ctx, e, staging)
	test.ErrNil(t, err, "persisting")
	test.MustBe(t, int64(1), stored.ID, "entry id")

	// the staged copy is no longer needed once persisted
	test.ErrNil(t, os.RemoveAll(staging), "removing staging")

	got, err := f.repo.GetDataEntry(ctx, ds.ID, stored.ID)
	test.ErrNil(t, err, "getting entry")
	test.MustBe(t, stored.Attrs, got.Attrs, "attributes")
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Fatalf("timestamp %v != %v", got.Timestamp, e.Timestamp)
	}
	v, _ := got.Attrs.Get("raw")
	if fa := v.(ingester.FileAttachment); fa.Path == "outputfile" || fa.MimeType != "text/csv" {
		t.Fatalf("attachment path should be rewritten: %#v", fa)
	}
	rc, err := f.repo.GetDataEntryStream(ctx, ds.ID, stored.ID, "raw")
	test.MustBe(t, "a,b", readAll(t, rc, err))
	if _, err := f.repo.GetDataEntryStream(ctx, ds.ID, stored.ID, "missing"); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found for missing attribute, got %v", err)
	}
	if _, err := f.repo.GetDataEntryStream(ctx, ds.ID, stored.ID, "temp"); err == nil {
		t.Fatalf("expected error streaming a scalar attribute")
	}
	if _, err := f.repo.GetDataEntry(ctx, ds.ID, 7); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPersistValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := f.dataset(t, nil, map[string]ingester.AttrKind{"temp": ingester.KindDouble})

	tests := []struct {
		name  string
		attr  string
		value interface{}
	}{
		{"undeclared", "humidity", 50.0},
		{"wrong kind", "temp", "warm"},
		{"missing file", "temp", ingester.FileAttachment{Path: "nope"}},
	}
	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			e := ingester.NewDataEntry(ds.ID, time.Now())
			e.Attrs.Set(tst.attr, tst.value)
			if _, err := f.repo.Persist(ctx, e, t.TempDir()); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	entries, err := f.repo.FindDataEntries(ctx, ds.ID)
	test.ErrNil(t, err, "finding entries")
	test.MustBe(t, 0, len(entries), "entries after failed persists")

	unknown := ingester.NewDataEntry(99, time.Now())
	if _, err := f.repo.Persist(ctx, unknown, t.TempDir()); !ingester.IsNotFound(err) {
		t.Fatalf("expected not found for unknown dataset, got %v", err)
	}
}

func TestFindAndReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.dataset(t, nil, nil)
	b := f.dataset(t, nil, nil)
	for i, id := range []int64{a.ID, b.ID, a.ID} {
		e := ingester.NewDataEntry(id, time.Unix(int64(i), 0))
		e.Attrs.Set("n", int64(i))
		_, err := f.repo.Persist(ctx, e, f.dir)
		test.ErrNil(t, err, "persisting")
	}
	entries, err := f.repo.FindDataEntries(ctx, a.ID)
	test.ErrNil(t, err, "finding entries")
	if len(entries) != 2 || entries[0].ID != 1 || entries[1].ID != 3 {
		t.Fatalf("unexpected entries %v", entries)
	}

	test.ErrNil(t, f.repo.Close(), "closing")
	repo, err := leveldb.Open(filepath.Join(f.dir, "db"), f.svc, f.blobs)
	test.ErrNil(t, err, "reopening")
	defer repo.Close()
	e := ingester.NewDataEntry(b.ID, time.Now())
	stored, err := repo.Persist(ctx, e, f.dir)
	test.ErrNil(t, err, "persisting after reopen")
	test.MustBe(t, int64(4), stored.ID, "ids continue after reopen")
}

func TestFindDataEntriesNear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	townsville := f.dataset(t, &ingester.Location{Name: "townsville", Latitude: -19.26, Longitude: 146.82}, nil)
	cairns := f.dataset(t, &ingester.Location{Name: "cairns", Latitude: -16.92, Longitude: 145.77}, nil)
	nowhere := f.dataset(t, nil, nil)
	for _, id := range []int64{townsville.ID, cairns.ID, nowhere.ID, townsville.ID} {
		_, err := f.repo.Persist(ctx, ingester.NewDataEntry(id, time.Now()), f.dir)
		test.ErrNil(t, err, "persisting")
	}

	near, err := f.repo.FindDataEntriesNear(ctx, -19.25, 146.81, 4)
	test.ErrNil(t, err, "finding near townsville")
	if len(near) != 2 || near[0].DatasetID != townsville.ID || near[1].DatasetID != townsville.ID {
		t.Fatalf("unexpected entries near townsville %v", near)
	}
	wide, err := f.repo.FindDataEntriesNear(ctx, -19.25, 146.81, 1)
	test.ErrNil(t, err, "finding in wide cell")
	test.MustBe(t, 3, len(wide), "entries in wide cell")
	if _, err := f.repo.FindDataEntriesNear(ctx, 0, 0, 13); err == nil {
		t.Fatalf("expected error for bad precision")
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := f.dataset(t, &ingester.Location{Latitude: 1, Longitude: 1}, nil)
	staging := t.TempDir()
	test.ErrNil(t, os.WriteFile(filepath.Join(staging, "f"), []byte("x"), 0600), "writing staged file")
	e := ingester.NewDataEntry(ds.ID, time.Now())
	e.Attrs.Set("f", ingester.FileAttachment{Path: "f"})
	stored, err := f.repo.Persist(ctx, e, staging)
	test.ErrNil(t, err, "persisting")

	test.ErrNil(t, f.repo.Reset(), "resetting")
	if _, err := f.repo.GetDataEntry(ctx, ds.ID, stored.ID); !ingester.IsNotFound(err) {
		t.Fatalf("expected entry to be gone, got %v", err)
	}
	if _, err := f.blobs.Get(ctx, "1/1/f"); err == nil {
		t.Fatalf("expected blob to be removed")
	}
	near, err := f.repo.FindDataEntriesNear(ctx, 1, 1, 5)
	test.ErrNil(t, err, "finding near")
	test.MustBe(t, 0, len(near), "index entries after reset")
	stored, err = f.repo.Persist(ctx, ingester.NewDataEntry(ds.ID, time.Now()), staging)
	test.ErrNil(t, err, "persisting after reset")
	test.MustBe(t, int64(1), stored.ID, "ids restart after reset")
}

func TestDirBlobsKeys(t *testing.T) {
	blobs, err := leveldb.NewDirBlobs(t.TempDir())
	test.ErrNil(t, err, "making blob store")
	for _, key := range []string{"", "..", "../x", "/abs"} {
		if _, err := blobs.Get(context.Background(), key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}
