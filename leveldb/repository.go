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

// Package leveldb provides an ingester.Repository which keeps entry records
// in leveldb and attachment contents in a BlobStore.
package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jcu-dc24/ingester"
	"github.com/mmcloughlin/geohash"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	seqKey      = []byte("seq")
	entryPrefix = []byte("e/")
	geoPrefix   = []byte("g/")
)

// Repository is an ingester.Repository backed by leveldb. Entries are keyed
// by dataset and id, and entries of datasets with a location are also
// indexed by the geohash of that location.
type Repository struct {
	mu       sync.Mutex
	db       *leveldb.DB
	blobs    BlobStore
	resolver ingester.SchemaResolver
	seq      int64
}

var _ ingester.Repository = &Repository{}

// Open opens (creating if necessary) a repository in dirname. Entries are
// validated against schemas found through resolver before they are stored.
func Open(dirname string, resolver ingester.SchemaResolver, blobs BlobStore) (*Repository, error) {
	if err := os.MkdirAll(dirname, 0700); err != nil {
		return nil, errors.Wrap(err, "making directory")
	}
	db, err := leveldb.OpenFile(filepath.Join(dirname, "entries"), &opt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb at %v", dirname)
	}
	r := &Repository{db: db, blobs: blobs, resolver: resolver}
	data, err := db.Get(seqKey, nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		db.Close()
		return nil, errors.Wrap(err, "reading entry sequence")
	default:
		r.seq = int64(binary.BigEndian.Uint64(data))
	}
	return r, nil
}

// Close closes the underlying leveldb.
func (r *Repository) Close() error {
	return errors.Wrap(r.db.Close(), "closing leveldb")
}

func entryKey(datasetID, entryID int64) []byte {
	return []byte(fmt.Sprintf("e/%020d/%020d", datasetID, entryID))
}

func datasetPrefix(datasetID int64) []byte {
	return []byte(fmt.Sprintf("e/%020d/", datasetID))
}

func geoKey(hash string, datasetID, entryID int64) []byte {
	return []byte(fmt.Sprintf("g/%s/%020d/%020d", hash, datasetID, entryID))
}

func blobKey(datasetID, entryID int64, attr string) string {
	return fmt.Sprintf("%d/%d/%s", datasetID, entryID, attr)
}

// Persist implements ingester.Repository. Attachments are copied into the
// blob store before the entry record is written, so a stored entry always
// has its contents available.
func (r *Repository) Persist(ctx context.Context, entry *ingester.DataEntry, stagingDir string) (*ingester.DataEntry, error) {
	if err := ingester.Validate(r.resolver, entry); err != nil {
		return nil, err
	}
	ds, err := r.resolver.GetDataset(entry.DatasetID)
	if err != nil {
		return nil, errors.Wrap(err, "resolving dataset")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored := entry.Clone()
	stored.ID = r.seq + 1
	for _, name := range stored.Attrs.Files() {
		v, _ := stored.Attrs.Get(name)
		fa := v.(ingester.FileAttachment)
		if err := r.putBlob(ctx, filepath.Join(stagingDir, fa.Path), blobKey(stored.DatasetID, stored.ID, name)); err != nil {
			return nil, errors.Wrapf(err, "storing attachment %s", name)
		}
		fa.Path = blobKey(stored.DatasetID, stored.ID, name)
		stored.Attrs.Set(name, fa)
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.Wrap(err, "encoding entry")
	}
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(stored.ID))
	batch := new(leveldb.Batch)
	batch.Put(seqKey, seq)
	batch.Put(entryKey(stored.DatasetID, stored.ID), data)
	if ds.Location != nil {
		hash := geohash.Encode(ds.Location.Latitude, ds.Location.Longitude)
		batch.Put(geoKey(hash, stored.DatasetID, stored.ID), nil)
	}
	if err := r.db.Write(batch, nil); err != nil {
		return nil, errors.Wrap(err, "writing entry")
	}
	r.seq = stored.ID
	return stored, nil
}

func (r *Repository) putBlob(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.blobs.Put(ctx, key, f)
}

// GetDataEntry implements ingester.EntryReader.
func (r *Repository) GetDataEntry(ctx context.Context, datasetID, entryID int64) (*ingester.DataEntry, error) {
	data, err := r.db.Get(entryKey(datasetID, entryID), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(ingester.ErrNotFound, "entry %d of dataset %d", entryID, datasetID)
	} else if err != nil {
		return nil, errors.Wrap(err, "reading entry")
	}
	e := &ingester.DataEntry{}
	return e, errors.Wrapf(json.Unmarshal(data, e), "decoding entry %d", entryID)
}

// GetDataEntryStream implements ingester.EntryReader.
func (r *Repository) GetDataEntryStream(ctx context.Context, datasetID, entryID int64, attr string) (io.ReadCloser, error) {
	e, err := r.GetDataEntry(ctx, datasetID, entryID)
	if err != nil {
		return nil, err
	}
	v, ok := e.Attrs.Get(attr)
	if !ok {
		return nil, errors.Wrapf(ingester.ErrNotFound, "attribute %s of entry %d", attr, entryID)
	}
	fa, ok := v.(ingester.FileAttachment)
	if !ok {
		return nil, errors.Errorf("attribute %s of entry %d is not a file", attr, entryID)
	}
	return r.blobs.Get(ctx, fa.Path)
}

// FindDataEntries implements ingester.EntryReader. Entries are returned in
// id order.
func (r *Repository) FindDataEntries(ctx context.Context, datasetID int64) ([]*ingester.DataEntry, error) {
	iter := r.db.NewIterator(util.BytesPrefix(datasetPrefix(datasetID)), nil)
	defer iter.Release()
	var out []*ingester.DataEntry
	for iter.Next() {
		e := &ingester.DataEntry{}
		if err := json.Unmarshal(iter.Value(), e); err != nil {
			return nil, errors.Wrapf(err, "decoding entry at %s", iter.Key())
		}
		out = append(out, e)
	}
	return out, errors.Wrap(iter.Error(), "iterating entries")
}

// FindDataEntriesNear returns the entries of every dataset located in the
// geohash cell of the given precision (in characters, 1 to 12) which
// contains lat, lng.
func (r *Repository) FindDataEntriesNear(ctx context.Context, lat, lng float64, precision uint) ([]*ingester.DataEntry, error) {
	if precision < 1 || precision > 12 {
		return nil, errors.Errorf("geohash precision %d out of range", precision)
	}
	prefix := append(append([]byte{}, geoPrefix...), geohash.EncodeWithPrecision(lat, lng, precision)...)
	iter := r.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []*ingester.DataEntry
	for iter.Next() {
		parts := strings.Split(string(iter.Key()), "/")
		if len(parts) != 4 {
			return nil, errors.Errorf("malformed index key %s", iter.Key())
		}
		datasetID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing index key %s", iter.Key())
		}
		entryID, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing index key %s", iter.Key())
		}
		e, err := r.GetDataEntry(ctx, datasetID, entryID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, errors.Wrap(iter.Error(), "iterating geohash index")
}

// Reset implements ingester.Repository. It removes every entry and its
// attachments.
func (r *Repository) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := context.Background()
	iter := r.db.NewIterator(nil, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		key := append([]byte{}, iter.Key()...)
		if bytes.HasPrefix(key, entryPrefix) {
			e := &ingester.DataEntry{}
			if err := json.Unmarshal(iter.Value(), e); err != nil {
				return errors.Wrapf(err, "decoding entry at %s", key)
			}
			for _, name := range e.Attrs.Files() {
				v, _ := e.Attrs.Get(name)
				if err := r.blobs.Delete(ctx, v.(ingester.FileAttachment).Path); err != nil {
					return err
				}
			}
		}
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "iterating entries")
	}
	if err := r.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "deleting entries")
	}
	r.seq = 0
	return nil
}
