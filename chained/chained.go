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

// Package chained provides the DataSource of derived datasets: it re-emits a
// single entry which has already been persisted to another dataset.
package chained

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Register adds the chained source to r under both of its kinds.
func Register(r *ingester.Registry) {
	f := func(sc ingester.SourceContext) (ingester.DataSource, error) { return New(sc) }
	r.RegisterSource(ingester.ChainedKind, f)
	r.RegisterSource(ingester.ChainedKindAlias, f)
}

// Source copies one upstream entry, named by its trigger parameters, into the
// staging directory.
type Source struct {
	datasetID     int64
	sourceDataset int64
	sourceEntry   int64
	state         ingester.State
}

// New builds a Source from the source_dataset and source_entry_id trigger
// parameters.
func New(sc ingester.SourceContext) (*Source, error) {
	s := &Source{
		datasetID: sc.DatasetID(),
		state:     sc.State.Clone(),
	}
	var err error
	if s.sourceDataset, err = param(sc.Parameters, ingester.ParamSourceDataset); err != nil {
		return nil, err
	}
	if s.sourceEntry, err = param(sc.Parameters, ingester.ParamSourceEntry); err != nil {
		return nil, err
	}
	return s, nil
}

func param(params map[string]string, name string) (int64, error) {
	raw, ok := params[name]
	if !ok {
		return 0, errors.Errorf("missing %s trigger parameter", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, errors.Wrapf(err, "parsing %s", name)
}

// State implements ingester.DataSource.
func (s *Source) State() ingester.State {
	return s.state
}

// Fetch implements ingester.DataSource. File attachments are copied into
// stagingDir under the name of their attribute.
func (s *Source) Fetch(ctx context.Context, stagingDir string, repo ingester.EntryReader) ([]*ingester.DataEntry, error) {
	if repo == nil {
		return nil, errors.New("no repository to read upstream entries from")
	}
	upstream, err := repo.GetDataEntry(ctx, s.sourceDataset, s.sourceEntry)
	if err != nil {
		return nil, errors.Wrapf(err, "getting entry %d of dataset %d", s.sourceEntry, s.sourceDataset)
	}
	e := ingester.NewDataEntry(s.datasetID, upstream.Timestamp)
	for _, a := range upstream.Attrs {
		fa, ok := a.Value.(ingester.FileAttachment)
		if !ok {
			e.Attrs.Set(a.Name, a.Value)
			continue
		}
		if !fileName(a.Name) {
			return nil, errors.Errorf("attribute %q of entry %d cannot be staged as a file", a.Name, s.sourceEntry)
		}
		if err := s.copyFile(ctx, repo, a.Name, filepath.Join(stagingDir, a.Name)); err != nil {
			return nil, err
		}
		e.Attrs.Set(a.Name, ingester.FileAttachment{
			Path:     a.Name,
			MimeType: fa.MimeType,
			FileName: fa.FileName,
		})
	}
	return []*ingester.DataEntry{e}, nil
}

// fileName reports whether name is a single path element which stays inside
// the directory it is joined to.
func fileName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

func (s *Source) copyFile(ctx context.Context, repo ingester.EntryReader, attr, dst string) error {
	rc, err := repo.GetDataEntryStream(ctx, s.sourceDataset, s.sourceEntry, attr)
	if err != nil {
		return errors.Wrapf(err, "opening %s", attr)
	}
	defer rc.Close()
	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return errors.Wrapf(err, "copying %s", attr)
	}
	return errors.Wrapf(f.Close(), "closing %s", dst)
}
