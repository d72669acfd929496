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

// Package pull provides a DataSource which polls HTTP resources, either a
// single URL or every matching link of an HTML index page.
package pull

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/fetch"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
)

// Source kinds.
const (
	Kind      = "pull"
	KindAlias = "pull_data_source"
)

// StateKey holds the high-water mark: the newest Last-Modified time seen.
const StateKey = "lasttime"

// TimeFormat is the layout of the high-water mark in the source state.
const TimeFormat = "2006-01-02T15:04:05.000Z"

var linkName = regexp.MustCompile(`^[0-9A-Za-z\-_.:]+$`)

// Register adds the pull source to r.
func Register(r *ingester.Registry) {
	f := func(sc ingester.SourceContext) (ingester.DataSource, error) { return New(sc) }
	r.RegisterSource(Kind, f)
	r.RegisterSource(KindAlias, f)
}

// Source fetches url, or each link of the index at url, when it has been
// modified since the previous fetch.
type Source struct {
	url       string
	field     string
	recursive bool
	pattern   *regexp.Regexp

	datasetID int64
	client    *fetch.Client
	log       ingester.Logger

	since time.Time
	state ingester.State
}

// Option is a functional option for Source.
type Option func(s *Source)

// OptClient makes the source use c for its requests.
func OptClient(c *fetch.Client) Option {
	return func(s *Source) {
		s.client = c
	}
}

// New builds a Source from the "url", "field", "recursive", "pattern" and
// "rate_limit" parameters.
func New(sc ingester.SourceContext, opts ...Option) (*Source, error) {
	s := &Source{
		url:       sc.Param("url", ""),
		field:     sc.Param("field", "file"),
		datasetID: sc.DatasetID(),
		log:       sc.Log,
		state:     sc.State.Clone(),
	}
	if s.log == nil {
		s.log = ingester.NopLogger{}
	}
	if s.url == "" {
		return nil, errors.New("missing url parameter")
	}
	var err error
	if s.recursive, err = sc.BoolParam("recursive", false); err != nil {
		return nil, err
	}
	if p := sc.Param("pattern", ""); p != "" {
		if s.pattern, err = regexp.Compile("^(?:" + p + ")"); err != nil {
			return nil, errors.Wrapf(err, "compiling pattern %q", p)
		}
	}
	rps, err := sc.FloatParam("rate_limit", 0)
	if err != nil {
		return nil, err
	}
	s.client = fetch.NewClient(fetch.OptRateLimit(rps))
	if raw := s.state[StateKey]; raw != "" {
		if s.since, err = time.Parse(TimeFormat, raw); err != nil {
			return nil, errors.Wrapf(err, "parsing %s %q", StateKey, raw)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State implements ingester.DataSource.
func (s *Source) State() ingester.State {
	return s.state
}

// Fetch implements ingester.DataSource.
func (s *Source) Fetch(ctx context.Context, stagingDir string, repo ingester.EntryReader) ([]*ingester.DataEntry, error) {
	if !s.recursive {
		e, modified, err := s.fetchOne(ctx, s.url, stagingDir, "outputfile")
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, nil
		}
		s.advance(modified)
		return []*ingester.DataEntry{e}, nil
	}
	return s.fetchIndex(ctx, stagingDir)
}

func (s *Source) fetchIndex(ctx context.Context, stagingDir string) ([]*ingester.DataEntry, error) {
	base, err := url.Parse(s.url)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing url %q", s.url)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	req, err := http.NewRequest(http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building index request")
	}
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching index %s: %s", base, resp.Status)
	}
	links, err := Links(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "parsing index")
	}

	var (
		entries []*ingester.DataEntry
		newest  time.Time
	)
	for _, name := range links {
		if s.pattern != nil && !s.pattern.MatchString(name) {
			continue
		}
		target := base.ResolveReference(&url.URL{Path: name})
		e, modified, err := s.fetchOne(ctx, target.String(), stagingDir, fmt.Sprintf("outputfile%d", len(entries)))
		if err != nil {
			// the mark must not pass a file which was never fetched
			return nil, errors.Wrapf(err, "index link %s", name)
		}
		if e == nil {
			continue
		}
		entries = append(entries, e)
		if modified.After(newest) {
			newest = modified
		}
	}
	s.advance(newest)
	return entries, nil
}

// fetchOne issues a conditional GET for target and stores the body as name in
// stagingDir. It returns a nil entry if the resource is not modified.
func (s *Source) fetchOne(ctx context.Context, target, stagingDir, name string) (*ingester.DataEntry, time.Time, error) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "building request")
	}
	if !s.since.IsZero() {
		req.Header.Set("If-Modified-Since", s.since.UTC().Format(http.TimeFormat))
	}
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		return nil, time.Time{}, nil
	case http.StatusOK:
	default:
		return nil, time.Time{}, errors.Errorf("fetching %s: %s", target, resp.Status)
	}
	if _, err := fetch.Save(filepath.Join(stagingDir, name), resp.Body); err != nil {
		return nil, time.Time{}, err
	}

	var modified time.Time
	ts := time.Now().UTC()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if modified, err = http.ParseTime(lm); err != nil {
			s.log.Printf("dataset %d: ignoring bad Last-Modified %q from %s", s.datasetID, lm, target)
		} else {
			ts = modified
		}
	}
	u, _ := url.Parse(target)
	e := ingester.NewDataEntry(s.datasetID, ts)
	e.Attrs.Set(s.field, ingester.FileAttachment{
		Path:     name,
		MimeType: fetch.MediaType(resp.Header.Get("Content-Type")),
		FileName: path.Base(u.Path),
	})
	return e, modified, nil
}

func (s *Source) advance(modified time.Time) {
	if modified.IsZero() || !modified.After(s.since) {
		return
	}
	s.since = modified
	s.state[StateKey] = modified.UTC().Format(TimeFormat)
}

// Links returns the relative file names linked from an HTML page, in order,
// without duplicates. Links which leave the directory, carry a query, or
// point elsewhere are ignored. A leading "./" is dropped.
func Links(r io.Reader) ([]string, error) {
	var (
		links []string
		seen  = make(map[string]bool)
	)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return links, nil
			}
			return links, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					href := strings.TrimPrefix(string(val), "./")
					if linkName.MatchString(href) && href != "." && href != ".." && !seen[href] {
						seen[href] = true
						links = append(links, href)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}
