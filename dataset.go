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

package ingester

import (
	"strconv"

	"github.com/pkg/errors"
)

// Source kinds which the engine treats specially. Every other kind is
// opaque to the engine and resolved through a Registry.
const (
	ChainedKind      = "dataset"
	ChainedKindAlias = "dataset_data_source"

	// ChainedUpstreamParam is the DataSourceConfig parameter naming the
	// dataset a chained source follows.
	ChainedUpstreamParam = "dataset_id"

	// Trigger parameters carried by tasks which were enqueued for a chained
	// dataset.
	ParamSourceDataset = "source_dataset"
	ParamSourceEntry   = "source_entry_id"
)

// Dataset is the unit of scheduling. The engine only ever holds a snapshot of
// a dataset; the metadata service owns it.
type Dataset struct {
	ID          int64             `json:"id" yaml:"id"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Running     bool              `json:"running" yaml:"-"`
	SchemaID    int64             `json:"schema_id" yaml:"schema_id"`
	Location    *Location         `json:"location,omitempty" yaml:"location"`
	DataSource  *DataSourceConfig `json:"data_source,omitempty" yaml:"data_source"`
}

// DataSourceConfig selects a DataSource implementation by Kind and
// configures it.
type DataSourceConfig struct {
	Kind             string            `json:"kind" yaml:"kind"`
	Params           map[string]string `json:"params,omitempty" yaml:"params"`
	Sampling         *SamplingConfig   `json:"sampling,omitempty" yaml:"sampling"`
	ProcessingScript string            `json:"processing_script,omitempty" yaml:"processing_script"`
}

// SamplingConfig selects a Sampler implementation by Kind and configures it.
type SamplingConfig struct {
	Kind   string            `json:"kind" yaml:"kind"`
	Params map[string]string `json:"params,omitempty" yaml:"params"`
}

// Location is where a dataset's readings are taken.
type Location struct {
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Elevation float64 `json:"elevation,omitempty" yaml:"elevation"`
}

// Chained reports whether the dataset is fed by another dataset's entries
// rather than by a sampler.
func (d *Dataset) Chained() bool {
	return d.DataSource != nil && IsChainedKind(d.DataSource.Kind)
}

// Scheduled reports whether the dataset should be considered on scheduler
// ticks.
func (d *Dataset) Scheduled() bool {
	return d.DataSource != nil && d.DataSource.Sampling != nil && !d.Chained()
}

// Upstream returns the id of the dataset a chained dataset follows.
func (d *Dataset) Upstream() (int64, error) {
	if !d.Chained() {
		return 0, errors.Errorf("dataset %d is not chained", d.ID)
	}
	raw, ok := d.DataSource.Params[ChainedUpstreamParam]
	if !ok {
		return 0, errors.Errorf("dataset %d: missing %s parameter", d.ID, ChainedUpstreamParam)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "dataset %d: parsing %s", d.ID, ChainedUpstreamParam)
	}
	return id, nil
}

// Clone returns a deep copy of d.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	c := *d
	if d.Location != nil {
		loc := *d.Location
		c.Location = &loc
	}
	if d.DataSource != nil {
		dsc := *d.DataSource
		dsc.Params = copyParams(d.DataSource.Params)
		if d.DataSource.Sampling != nil {
			sc := *d.DataSource.Sampling
			sc.Params = copyParams(d.DataSource.Sampling.Params)
			dsc.Sampling = &sc
		}
		c.DataSource = &dsc
	}
	return &c
}

// IsChainedKind reports whether kind names the chained data source.
func IsChainedKind(kind string) bool {
	return kind == ChainedKind || kind == ChainedKindAlias
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	c := make(map[string]string, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}
