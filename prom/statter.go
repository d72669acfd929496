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

// Package prom implements ingester.Statter on top of a Prometheus registry.
//
// Metrics are created the first time their name is used. Dots and dashes
// in names become underscores, counters get a "_total" suffix and timings
// are observed in seconds into a "_seconds" histogram. Tags of the form
// "key:value" become labels; the label names of a metric are fixed by its
// first use, and later stats with different tag keys are dropped.
package prom

import (
	"strings"
	"sync"
	"time"

	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Statter is an ingester.Statter which records into Prometheus collectors.
type Statter struct {
	namespace string
	reg       prometheus.Registerer
	log       ingester.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	sets       map[string]*set
	labels     map[string][]string
}

// set tracks the distinct values seen for each label combination.
type set struct {
	gauge  *prometheus.GaugeVec
	values map[string]map[string]struct{}
}

var _ ingester.Statter = &Statter{}

// NewStatter returns a Statter registering its metrics under namespace with
// reg. A nil reg means prometheus.DefaultRegisterer.
func NewStatter(namespace string, reg prometheus.Registerer, log ingester.Logger) *Statter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = ingester.NopLogger{}
	}
	return &Statter{
		namespace:  namespace,
		reg:        reg,
		log:        log,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		sets:       make(map[string]*set),
		labels:     make(map[string][]string),
	}
}

// MetricName converts a dotted stat name into a Prometheus metric name.
func MetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, name)
}

// parseTags splits statsd style tags into label names and values. A tag
// without a colon is a label whose value is "true".
func parseTags(tags []string) (names, values []string) {
	for _, t := range tags {
		k, v, ok := strings.Cut(t, ":")
		if !ok {
			v = "true"
		}
		names = append(names, MetricName(k))
		values = append(values, v)
	}
	return names, values
}

// checkLabels records the label names of metric on first use and reports
// whether names matches them afterwards.
func (s *Statter) checkLabels(metric string, names []string) bool {
	known, ok := s.labels[metric]
	if !ok {
		s.labels[metric] = names
		return true
	}
	if len(known) != len(names) {
		return false
	}
	for i := range known {
		if known[i] != names[i] {
			return false
		}
	}
	return true
}

func (s *Statter) register(metric string, c prometheus.Collector) error {
	if err := s.reg.Register(c); err != nil {
		return errors.Wrapf(err, "registering %s", metric)
	}
	return nil
}

// Count implements ingester.Statter.
func (s *Statter) Count(name string, value int64, rate float64, tags ...string) {
	if value < 0 {
		s.log.Debugf("dropping negative count %d for %s", value, name)
		return
	}
	metric := MetricName(name) + "_total"
	names, values := parseTags(tags)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkLabels(metric, names) {
		s.log.Debugf("dropping %s: tags %v do not match earlier use", metric, tags)
		return
	}
	c, ok := s.counters[metric]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      "Count of " + name + ".",
		}, names)
		if err := s.register(metric, c); err != nil {
			s.log.Printf("%v", err)
			return
		}
		s.counters[metric] = c
	}
	c.WithLabelValues(values...).Add(float64(value))
}

// Gauge implements ingester.Statter.
func (s *Statter) Gauge(name string, value float64, rate float64, tags ...string) {
	metric := MetricName(name)
	names, values := parseTags(tags)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkLabels(metric, names) {
		s.log.Debugf("dropping %s: tags %v do not match earlier use", metric, tags)
		return
	}
	g, ok := s.gauges[metric]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      "Current value of " + name + ".",
		}, names)
		if err := s.register(metric, g); err != nil {
			s.log.Printf("%v", err)
			return
		}
		s.gauges[metric] = g
	}
	g.WithLabelValues(values...).Set(value)
}

// Histogram implements ingester.Statter.
func (s *Statter) Histogram(name string, value float64, rate float64, tags ...string) {
	s.observe(MetricName(name), "Distribution of "+name+".", value, tags)
}

// Timing implements ingester.Statter.
func (s *Statter) Timing(name string, value time.Duration, rate float64, tags ...string) {
	s.observe(MetricName(name)+"_seconds", "Duration of "+name+" in seconds.", value.Seconds(), tags)
}

func (s *Statter) observe(metric, help string, value float64, tags []string) {
	names, values := parseTags(tags)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkLabels(metric, names) {
		s.log.Debugf("dropping %s: tags %v do not match earlier use", metric, tags)
		return
	}
	h, ok := s.histograms[metric]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, names)
		if err := s.register(metric, h); err != nil {
			s.log.Printf("%v", err)
			return
		}
		s.histograms[metric] = h
	}
	h.WithLabelValues(values...).Observe(value)
}

// Set implements ingester.Statter. It exposes the number of distinct values
// seen for name as a "_distinct" gauge.
func (s *Statter) Set(name string, value string, rate float64, tags ...string) {
	metric := MetricName(name) + "_distinct"
	names, values := parseTags(tags)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkLabels(metric, names) {
		s.log.Debugf("dropping %s: tags %v do not match earlier use", metric, tags)
		return
	}
	st, ok := s.sets[metric]
	if !ok {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      metric,
			Help:      "Distinct values of " + name + ".",
		}, names)
		if err := s.register(metric, g); err != nil {
			s.log.Printf("%v", err)
			return
		}
		st = &set{gauge: g, values: make(map[string]map[string]struct{})}
		s.sets[metric] = st
	}
	key := strings.Join(values, "\xff")
	seen, ok := st.values[key]
	if !ok {
		seen = make(map[string]struct{})
		st.values[key] = seen
	}
	seen[value] = struct{}{}
	st.gauge.WithLabelValues(values...).Set(float64(len(seen)))
}
