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

// Package push provides a DataSource which collects files dropped into an
// inbox directory. Files are named by the epoch second they were received.
package push

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Source kinds.
const (
	Kind      = "push"
	KindAlias = "push_data_source"
)

// StagedPrefix is prepended to the name of every file moved into a staging
// directory.
const StagedPrefix = "file-"

var inboxName = regexp.MustCompile(`^[0-9]+$`)

// Register adds the push source to r.
func Register(r *ingester.Registry) {
	f := func(sc ingester.SourceContext) (ingester.DataSource, error) { return New(sc) }
	r.RegisterSource(Kind, f)
	r.RegisterSource(KindAlias, f)
}

// Source moves every pending file out of an inbox. The files left in the
// inbox are the backlog, so the source keeps no state of its own.
type Source struct {
	inbox     string
	field     string
	datasetID int64
	state     ingester.State
}

// New builds a Source from the "path" and "field" parameters.
func New(sc ingester.SourceContext) (*Source, error) {
	s := &Source{
		inbox:     sc.Param("path", ""),
		field:     sc.Param("field", "file"),
		datasetID: sc.DatasetID(),
		state:     sc.State.Clone(),
	}
	if s.inbox == "" {
		return nil, errors.New("missing path parameter")
	}
	return s, nil
}

// State implements ingester.DataSource.
func (s *Source) State() ingester.State {
	return s.state
}

// Fetch implements ingester.DataSource. Files staged by an earlier attempt
// at the same task are picked up again along with the inbox backlog. An
// inbox file whose name is already taken in stagingDir is left for the next
// task.
func (s *Source) Fetch(ctx context.Context, stagingDir string, repo ingester.EntryReader) ([]*ingester.DataEntry, error) {
	staged, err := stagedFiles(stagingDir)
	if err != nil {
		return nil, err
	}
	pending, err := Pending(s.inbox)
	if err != nil {
		return nil, err
	}
	for _, secs := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if staged[secs] {
			continue
		}
		name := strconv.FormatInt(secs, 10)
		if err := move(filepath.Join(s.inbox, name), filepath.Join(stagingDir, StagedPrefix+name)); err != nil {
			return nil, errors.Wrapf(err, "moving %s", name)
		}
		staged[secs] = true
	}

	all := make([]int64, 0, len(staged))
	for secs := range staged {
		all = append(all, secs)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	entries := make([]*ingester.DataEntry, 0, len(all))
	for _, secs := range all {
		name := strconv.FormatInt(secs, 10)
		e := ingester.NewDataEntry(s.datasetID, time.Unix(secs, 0))
		e.Attrs.Set(s.field, ingester.FileAttachment{Path: StagedPrefix + name, FileName: name})
		entries = append(entries, e)
	}
	return entries, nil
}

// Backlog implements ingester.Backlogger. It reports whether files arrived
// in the inbox after the last Fetch moved its backlog.
func (s *Source) Backlog() (bool, error) {
	pending, err := Pending(s.inbox)
	return len(pending) > 0, err
}

// stagedFiles returns the epoch seconds of the inbox files already moved
// into stagingDir.
func stagedFiles(stagingDir string) (map[int64]bool, error) {
	infos, err := os.ReadDir(stagingDir)
	if err != nil {
		return nil, errors.Wrap(err, "reading staging directory")
	}
	staged := make(map[int64]bool)
	for _, info := range infos {
		name := strings.TrimPrefix(info.Name(), StagedPrefix)
		if info.IsDir() || name == info.Name() || !inboxName.MatchString(name) {
			continue
		}
		secs, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		staged[secs] = true
	}
	return staged, nil
}

// Pending returns the epoch seconds of every file waiting in inbox, oldest
// first.
func Pending(inbox string) ([]int64, error) {
	infos, err := os.ReadDir(inbox)
	if err != nil {
		return nil, errors.Wrap(err, "reading inbox")
	}
	var pending []int64
	for _, info := range infos {
		if info.IsDir() || !inboxName.MatchString(info.Name()) {
			continue
		}
		secs, err := strconv.ParseInt(info.Name(), 10, 64)
		if err != nil {
			continue
		}
		pending = append(pending, secs)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending, nil
}

// Deliver stores body in inbox under the first free epoch second at or after
// at, and returns the name it used. The file only appears under its final
// name once it is complete.
func Deliver(inbox string, at time.Time, body io.Reader) (string, error) {
	if err := os.MkdirAll(inbox, 0755); err != nil {
		return "", errors.Wrap(err, "creating inbox")
	}
	tmp, err := os.CreateTemp(inbox, ".incoming-*")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary file")
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "writing body")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "closing temporary file")
	}
	for secs := at.Unix(); ; secs++ {
		name := strconv.FormatInt(secs, 10)
		target := filepath.Join(inbox, name)
		// Link fails if target exists, unlike Rename.
		err := os.Link(tmp.Name(), target)
		if os.IsExist(err) {
			continue
		}
		os.Remove(tmp.Name())
		if err != nil {
			return "", errors.Wrap(err, "linking into inbox")
		}
		return name, nil
	}
}

// move renames src to dst, falling back to copy and remove when they are on
// different devices.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if _, ok := err.(*os.LinkError); !ok {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
