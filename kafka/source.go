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

// Package kafka provides a DataSource which stages the messages of a Kafka
// topic, and an Auditor which publishes persisted entries to a topic.
package kafka

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Source kinds.
const (
	Kind      = "kafka"
	KindAlias = "kafka_data_source"
)

// OffsetKeyPrefix prefixes the state key holding the next offset to read
// from each partition.
const OffsetKeyPrefix = "offset."

func init() {
	sarama.Logger = log.New(ioutil.Discard, "", 0)
}

// ConsumerFunc connects a consumer to brokers.
type ConsumerFunc func(brokers []string, config *sarama.Config) (sarama.Consumer, error)

// Register adds the kafka source to r. The options are applied to every
// source r builds.
func Register(r *ingester.Registry, opts ...Option) {
	f := func(sc ingester.SourceContext) (ingester.DataSource, error) { return New(sc, opts...) }
	r.RegisterSource(Kind, f)
	r.RegisterSource(KindAlias, f)
}

// Source reads each partition of a topic from where the previous fetch
// stopped, until it has read max_messages messages or no message has
// arrived for idle_timeout.
type Source struct {
	brokers     []string
	topic       string
	field       string
	partitions  []int32
	maxMessages int64
	idleTimeout time.Duration

	datasetID int64
	log       ingester.Logger
	consumer  ConsumerFunc
	now       func() time.Time

	state ingester.State
}

// Option is a functional option for Source.
type Option func(s *Source)

// OptConsumer makes the source connect with fn instead of
// sarama.NewConsumer.
func OptConsumer(fn ConsumerFunc) Option {
	return func(s *Source) {
		s.consumer = fn
	}
}

// OptNow sets the clock used to timestamp messages which carry no
// timestamp of their own.
func OptNow(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// New builds a Source from the "brokers", "topic", "field", "partitions",
// "max_messages" and "idle_timeout" (seconds) parameters.
func New(sc ingester.SourceContext, opts ...Option) (*Source, error) {
	s := &Source{
		brokers:   splitList(sc.Param("brokers", "localhost:9092")),
		topic:     sc.Param("topic", ""),
		field:     sc.Param("field", "message"),
		datasetID: sc.DatasetID(),
		log:       sc.Log,
		consumer:  sarama.NewConsumer,
		now:       time.Now,
		state:     sc.State.Clone(),
	}
	if s.log == nil {
		s.log = ingester.NopLogger{}
	}
	if s.topic == "" {
		return nil, errors.New("missing topic parameter")
	}
	for _, p := range splitList(sc.Param("partitions", "")) {
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing partition %q", p)
		}
		s.partitions = append(s.partitions, int32(n))
	}
	var err error
	if s.maxMessages, err = sc.IntParam("max_messages", 1000); err != nil {
		return nil, err
	}
	idle, err := sc.FloatParam("idle_timeout", 5)
	if err != nil {
		return nil, err
	}
	s.idleTimeout = time.Duration(idle * float64(time.Second))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// State implements ingester.DataSource.
func (s *Source) State() ingester.State {
	return s.state
}

// Fetch implements ingester.DataSource.
func (s *Source) Fetch(ctx context.Context, stagingDir string, repo ingester.EntryReader) ([]*ingester.DataEntry, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V0_10_0_0
	config.Consumer.Return.Errors = true
	consumer, err := s.consumer(s.brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "getting new consumer")
	}
	defer consumer.Close()

	partitions := s.partitions
	if len(partitions) == 0 {
		if partitions, err = consumer.Partitions(s.topic); err != nil {
			return nil, errors.Wrapf(err, "listing partitions of %s", s.topic)
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var entries []*ingester.DataEntry
	remaining := s.maxMessages
	for _, p := range partitions {
		if remaining <= 0 {
			break
		}
		got, err := s.consumePartition(ctx, consumer, p, remaining, stagingDir)
		entries = append(entries, got...)
		if err != nil {
			return nil, errors.Wrapf(err, "consuming partition %d", p)
		}
		remaining -= int64(len(got))
	}
	return entries, nil
}

func (s *Source) offsetKey(p int32) string {
	return fmt.Sprintf("%s%d", OffsetKeyPrefix, p)
}

func (s *Source) consumePartition(ctx context.Context, consumer sarama.Consumer, p int32, limit int64, stagingDir string) ([]*ingester.DataEntry, error) {
	offset := sarama.OffsetOldest
	if raw, ok := s.state[s.offsetKey(p)]; ok {
		var err error
		if offset, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", s.offsetKey(p))
		}
	}
	pc, err := consumer.ConsumePartition(s.topic, p, offset)
	if err != nil {
		return nil, errors.Wrap(err, "starting partition consumer")
	}
	defer pc.Close()

	var entries []*ingester.DataEntry
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()
	for int64(len(entries)) < limit {
		select {
		case <-ctx.Done():
			return entries, ctx.Err()
		case <-idle.C:
			return entries, nil
		case err := <-pc.Errors():
			if err == nil {
				return entries, nil
			}
			return entries, err
		case msg, ok := <-pc.Messages():
			if !ok {
				return entries, nil
			}
			e, err := s.stage(msg, stagingDir)
			if err != nil {
				return entries, err
			}
			entries = append(entries, e)
			s.state[s.offsetKey(p)] = strconv.FormatInt(msg.Offset+1, 10)
			idle.Reset(s.idleTimeout)
		}
	}
	return entries, nil
}

func (s *Source) stage(msg *sarama.ConsumerMessage, stagingDir string) (*ingester.DataEntry, error) {
	name := fmt.Sprintf("message-%d-%d", msg.Partition, msg.Offset)
	if err := os.WriteFile(filepath.Join(stagingDir, name), msg.Value, 0600); err != nil {
		return nil, errors.Wrapf(err, "writing %s", name)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	e := ingester.NewDataEntry(s.datasetID, ts)
	e.Attrs.Set(s.field, ingester.FileAttachment{Path: name, FileName: name})
	s.log.Debugf("staged %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
	return e, nil
}
