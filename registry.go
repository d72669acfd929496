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
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// SamplerFactory builds a Sampler from its configuration.
type SamplerFactory func(cfg *SamplingConfig) (Sampler, error)

// SourceFactory builds a DataSource for a single task.
type SourceFactory func(sc SourceContext) (DataSource, error)

// Registry maps kind strings to sampler and data source constructors.
type Registry struct {
	mu       sync.RWMutex
	samplers map[string]SamplerFactory
	sources  map[string]SourceFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		samplers: make(map[string]SamplerFactory),
		sources:  make(map[string]SourceFactory),
	}
}

// RegisterSampler makes a sampler kind available. Registering a kind twice
// replaces the earlier factory.
func (r *Registry) RegisterSampler(kind string, f SamplerFactory) {
	r.mu.Lock()
	r.samplers[kind] = f
	r.mu.Unlock()
}

// RegisterSource makes a data source kind available.
func (r *Registry) RegisterSource(kind string, f SourceFactory) {
	r.mu.Lock()
	r.sources[kind] = f
	r.mu.Unlock()
}

// NewSampler builds the sampler cfg describes.
func (r *Registry) NewSampler(cfg *SamplingConfig) (Sampler, error) {
	if cfg == nil {
		return nil, errors.New("no sampling configuration")
	}
	r.mu.RLock()
	f, ok := r.samplers[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "sampler %q", cfg.Kind)
	}
	s, err := f(cfg)
	return s, errors.Wrapf(err, "building %s sampler", cfg.Kind)
}

// NewSource builds the data source sc.Config describes.
func (r *Registry) NewSource(sc SourceContext) (DataSource, error) {
	if sc.Config == nil {
		return nil, ErrNoDataSource
	}
	r.mu.RLock()
	f, ok := r.sources[sc.Config.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "data source %q", sc.Config.Kind)
	}
	if sc.State == nil {
		sc.State = State{}
	}
	if sc.Log == nil {
		sc.Log = NopLogger{}
	}
	src, err := f(sc)
	return src, errors.Wrapf(err, "building %s data source", sc.Config.Kind)
}

// Kinds lists the registered sampler and source kinds.
func (r *Registry) Kinds() (samplers, sources []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.samplers {
		samplers = append(samplers, k)
	}
	for k := range r.sources {
		sources = append(sources, k)
	}
	sort.Strings(samplers)
	sort.Strings(sources)
	return samplers, sources
}
