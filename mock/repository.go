package mock

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Repository is an in-memory ingester.Repository. File attachments are read
// into memory when an entry is persisted.
type Repository struct {
	mu      sync.Mutex
	entries map[int64][]*ingester.DataEntry
	files   map[fileKey][]byte
	ids     *ingester.Nexter

	// Resolver, if set, is used to validate entries against their schema.
	Resolver ingester.SchemaResolver

	// PersistErr, if set, is returned by Persist for every entry.
	PersistErr error
}

type fileKey struct {
	dataset, entry int64
	attr           string
}

var _ ingester.Repository = &Repository{}

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		entries: make(map[int64][]*ingester.DataEntry),
		files:   make(map[fileKey][]byte),
		ids:     ingester.NewNexter(),
	}
}

// Persist implements ingester.Repository.
func (r *Repository) Persist(ctx context.Context, entry *ingester.DataEntry, stagingDir string) (*ingester.DataEntry, error) {
	if r.PersistErr != nil {
		return nil, r.PersistErr
	}
	if r.Resolver != nil {
		if err := ingester.Validate(r.Resolver, entry); err != nil {
			return nil, err
		}
	}
	stored := entry.Clone()
	contents := make(map[string][]byte)
	for _, name := range stored.Attrs.Files() {
		v, _ := stored.Attrs.Get(name)
		fa := v.(ingester.FileAttachment)
		data, err := os.ReadFile(filepath.Join(stagingDir, fa.Path))
		if err != nil {
			return nil, errors.Wrapf(err, "reading attachment %s", name)
		}
		contents[name] = data
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored.ID = r.ids.Next()
	for name, data := range contents {
		r.files[fileKey{stored.DatasetID, stored.ID, name}] = data
	}
	r.entries[stored.DatasetID] = append(r.entries[stored.DatasetID], stored)
	return stored.Clone(), nil
}

// GetDataEntry implements ingester.EntryReader.
func (r *Repository) GetDataEntry(ctx context.Context, datasetID, entryID int64) (*ingester.DataEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[datasetID] {
		if e.ID == entryID {
			return e.Clone(), nil
		}
	}
	return nil, errors.Wrapf(ingester.ErrNotFound, "entry %d of dataset %d", entryID, datasetID)
}

// GetDataEntryStream implements ingester.EntryReader.
func (r *Repository) GetDataEntryStream(ctx context.Context, datasetID, entryID int64, attr string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[fileKey{datasetID, entryID, attr}]
	if !ok {
		return nil, errors.Wrapf(ingester.ErrNotFound, "attribute %s of entry %d", attr, entryID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// FindDataEntries implements ingester.EntryReader.
func (r *Repository) FindDataEntries(ctx context.Context, datasetID int64) ([]*ingester.DataEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ingester.DataEntry, 0, len(r.entries[datasetID]))
	for _, e := range r.entries[datasetID] {
		out = append(out, e.Clone())
	}
	return out, nil
}

// Reset implements ingester.Repository.
func (r *Repository) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[int64][]*ingester.DataEntry)
	r.files = make(map[fileKey][]byte)
	r.ids.Reset()
	return nil
}

// Add stores e with the given attachment contents as if it had been
// persisted, and returns it with its id assigned.
func (r *Repository) Add(e *ingester.DataEntry, files map[string][]byte) *ingester.DataEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := e.Clone()
	stored.ID = r.ids.Next()
	for name, data := range files {
		r.files[fileKey{stored.DatasetID, stored.ID, name}] = data
	}
	r.entries[stored.DatasetID] = append(r.entries[stored.DatasetID], stored)
	return stored.Clone()
}
