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

package sos

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/fetch"
	"github.com/pkg/errors"
)

// Source kinds.
const (
	Kind      = "sos"
	KindAlias = "sos_scraper_data_source"
)

// State keys. Each holds a JSON list of ids.
const (
	SensorMLKey          = "sensorml"
	ObservationsKey      = "observations"
	ObservationMapPrefix = "observation_map."
)

// Register adds the SOS scraper to r.
func Register(r *ingester.Registry) {
	f := func(sc ingester.SourceContext) (ingester.DataSource, error) { return New(sc) }
	r.RegisterSource(Kind, f)
	r.RegisterSource(KindAlias, f)
}

// Source emits an entry for every sensor description and every observation
// it has not seen before. The seen sets are consulted item by item, so a
// crawl that stops early resumes where it left off.
type Source struct {
	client    *Client
	field     string
	prefix    string
	datasetID int64
	log       ingester.Logger

	sensors      *idSet
	observations *idSet
	bySensor     map[string]*idSet

	state ingester.State
	now   func() time.Time
}

// Option is a functional option for Source.
type Option func(s *Source)

// OptNow overrides the clock used to timestamp sensor descriptions.
func OptNow(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// Variants of the SOS 1.0 XML binding the client can speak.
var variants = map[string]bool{"": true, "generic": true, "52north": true}

// New builds a Source from the "url", "field", "observation_prefix",
// "variant" and "rate_limit" parameters.
func New(sc ingester.SourceContext, opts ...Option) (*Source, error) {
	u := sc.Param("url", "")
	if u == "" {
		return nil, errors.New("missing url parameter")
	}
	if v := sc.Param("variant", ""); !variants[strings.ToLower(v)] {
		return nil, errors.Errorf("unsupported SOS variant %q", v)
	}
	rps, err := sc.FloatParam("rate_limit", 0)
	if err != nil {
		return nil, err
	}
	s := &Source{
		client:    NewClient(u, fetch.NewClient(fetch.OptRateLimit(rps))),
		field:     sc.Param("field", "file"),
		prefix:    sc.Param("observation_prefix", ""),
		datasetID: sc.DatasetID(),
		log:       sc.Log,
		bySensor:  make(map[string]*idSet),
		state:     sc.State.Clone(),
		now:       time.Now,
	}
	if s.log == nil {
		s.log = ingester.NopLogger{}
	}
	if s.sensors, err = loadSet(s.state, SensorMLKey); err != nil {
		return nil, err
	}
	if s.observations, err = loadSet(s.state, ObservationsKey); err != nil {
		return nil, err
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

// Fetch implements ingester.DataSource. An error fetching an individual
// document ends the pass early; the entries fetched before it are returned
// and the rest are picked up by the next pass.
func (s *Source) Fetch(ctx context.Context, stagingDir string, repo ingester.EntryReader) ([]*ingester.DataEntry, error) {
	caps, err := s.client.GetCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	var entries []*ingester.DataEntry
	entries, err = s.fetchSensorML(ctx, caps, stagingDir, entries)
	if err == nil {
		entries, err = s.fetchObservations(ctx, caps, stagingDir, entries)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		s.log.Printf("dataset %d: stopping SOS crawl early: %v", s.datasetID, err)
	}
	if err := s.saveState(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Source) fetchSensorML(ctx context.Context, caps *Capabilities, stagingDir string, entries []*ingester.DataEntry) ([]*ingester.DataEntry, error) {
	for _, id := range caps.SensorIDs() {
		if s.sensors.has(id) {
			s.log.Debugf("SensorML for %s already fetched", id)
			continue
		}
		doc, err := s.client.DescribeSensor(ctx, id)
		if err != nil {
			return entries, err
		}
		rel := path.Join("sensorml", url.PathEscape(id))
		if _, err := fetch.Save(filepath.Join(stagingDir, rel), bytes.NewReader(doc)); err != nil {
			return entries, err
		}
		e := ingester.NewDataEntry(s.datasetID, s.now())
		e.Attrs.Set(s.field, ingester.FileAttachment{Path: rel, MimeType: SensorMLType})
		entries = append(entries, e)
		s.sensors.add(id)
	}
	return entries, nil
}

func (s *Source) fetchObservations(ctx context.Context, caps *Capabilities, stagingDir string, entries []*ingester.DataEntry) ([]*ingester.DataEntry, error) {
	ids, err := caps.ObservationIDs(s.prefix)
	if err != nil {
		return entries, err
	}
	for _, id := range ids {
		if s.observations.has(id) {
			continue
		}
		doc, err := s.client.GetObservationByID(ctx, id)
		if err != nil {
			return entries, err
		}
		obs, err := ParseObservation(doc)
		if err != nil {
			return entries, errors.Wrapf(err, "observation %s", id)
		}
		rel := path.Join("observations", url.PathEscape(id)+".xml")
		if _, err := fetch.Save(filepath.Join(stagingDir, rel), bytes.NewReader(doc)); err != nil {
			return entries, err
		}
		ts := obs.Time
		if ts.IsZero() {
			ts = s.now()
		}
		e := ingester.NewDataEntry(s.datasetID, ts)
		e.Attrs.Set(s.field, ingester.FileAttachment{Path: rel, MimeType: OMType})
		entries = append(entries, e)
		s.observations.add(id)
		if err := s.addToSensor(obs.Procedure, id); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

func (s *Source) addToSensor(sensor, id string) error {
	set, ok := s.bySensor[sensor]
	if !ok {
		var err error
		if set, err = loadSet(s.state, ObservationMapPrefix+sensor); err != nil {
			return err
		}
		s.bySensor[sensor] = set
	}
	set.add(id)
	return nil
}

func (s *Source) saveState() error {
	if err := s.sensors.save(s.state); err != nil {
		return err
	}
	if err := s.observations.save(s.state); err != nil {
		return err
	}
	sensors := make([]string, 0, len(s.bySensor))
	for sensor := range s.bySensor {
		sensors = append(sensors, sensor)
	}
	sort.Strings(sensors)
	for _, sensor := range sensors {
		if err := s.bySensor[sensor].save(s.state); err != nil {
			return err
		}
	}
	return nil
}

// idSet is an ordered set of ids stored as a JSON list under key.
type idSet struct {
	key   string
	order []string
	index map[string]bool
}

func loadSet(state ingester.State, key string) (*idSet, error) {
	set := &idSet{key: key, index: make(map[string]bool)}
	raw, ok := state[key]
	if !ok || raw == "" {
		return set, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, errors.Wrapf(err, "decoding %s state", key)
	}
	for _, id := range ids {
		set.add(id)
	}
	return set, nil
}

func (s *idSet) has(id string) bool { return s.index[id] }

func (s *idSet) add(id string) {
	if !s.index[id] {
		s.index[id] = true
		s.order = append(s.order, id)
	}
}

func (s *idSet) save(state ingester.State) error {
	if len(s.order) == 0 {
		return nil
	}
	raw, err := json.Marshal(s.order)
	if err != nil {
		return errors.Wrapf(err, "encoding %s state", s.key)
	}
	state[s.key] = string(raw)
	return nil
}
