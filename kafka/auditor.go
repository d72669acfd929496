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

package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/Shopify/sarama"
	"github.com/jcu-dc24/ingester"
	"github.com/pkg/errors"
)

// Auditor is an ingester.ObservationListener which publishes every persisted
// entry as JSON to a Kafka topic, keyed by dataset id.
type Auditor struct {
	producer sarama.SyncProducer
	topic    string
}

var _ ingester.ObservationListener = &Auditor{}

// NewAuditor connects a producer to brokers and returns an Auditor
// publishing to topic.
func NewAuditor(brokers []string, topic string) (*Auditor, error) {
	conf := sarama.NewConfig()
	conf.Version = sarama.V0_10_0_0
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(brokers, conf)
	if err != nil {
		return nil, errors.Wrap(err, "getting new producer")
	}
	return NewAuditorWithProducer(producer, topic), nil
}

// NewAuditorWithProducer returns an Auditor which publishes with producer.
func NewAuditorWithProducer(producer sarama.SyncProducer, topic string) *Auditor {
	return &Auditor{producer: producer, topic: topic}
}

// NotifyNewDataEntry implements ingester.ObservationListener.
func (a *Auditor) NotifyNewDataEntry(ctx context.Context, entry *ingester.DataEntry, stagingDir string) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshaling entry")
	}
	_, _, err = a.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     a.topic,
		Key:       sarama.StringEncoder(strconv.FormatInt(entry.DatasetID, 10)),
		Value:     sarama.ByteEncoder(buf),
		Timestamp: entry.Timestamp,
	})
	return errors.Wrapf(err, "publishing entry %d", entry.ID)
}

// Close closes the underlying producer.
func (a *Auditor) Close() error {
	return errors.Wrap(a.producer.Close(), "closing producer")
}
