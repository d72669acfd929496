package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/jcu-dc24/ingester"
	"github.com/jcu-dc24/ingester/kafka"
)

func consumerFor(c *mocks.Consumer) kafka.Option {
	return kafka.OptConsumer(func(brokers []string, config *sarama.Config) (sarama.Consumer, error) {
		return c, nil
	})
}

func sourceContext(params map[string]string, state ingester.State) ingester.SourceContext {
	return ingester.SourceContext{
		Dataset: &ingester.Dataset{ID: 4},
		Config:  &ingester.DataSourceConfig{Kind: kafka.Kind, Params: params},
		State:   state,
	}
}

func TestFetch(t *testing.T) {
	c := mocks.NewConsumer(t, nil)
	c.SetTopicMetadata(map[string][]int32{"readings": {0, 1}})
	ts := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	p0 := c.ExpectConsumePartition("readings", 0, sarama.OffsetOldest)
	first := &sarama.ConsumerMessage{Topic: "readings", Partition: 0, Offset: 0, Value: []byte("a"), Timestamp: ts}
	second := &sarama.ConsumerMessage{Topic: "readings", Partition: 0, Offset: 1, Value: []byte("b"), Timestamp: ts.Add(time.Second)}
	p0.YieldMessage(first)
	p0.YieldMessage(second)
	p1 := c.ExpectConsumePartition("readings", 1, 7)
	third := &sarama.ConsumerMessage{Topic: "readings", Partition: 1, Offset: 7, Value: []byte("c")}
	p1.YieldMessage(third)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src, err := kafka.New(sourceContext(map[string]string{
		"topic":        "readings",
		"field":        "payload",
		"idle_timeout": "0.05",
	}, ingester.State{"offset.1": "7"}), consumerFor(c), kafka.OptNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("building source: %v", err)
	}
	dir := t.TempDir()
	entries, err := src.Fetch(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, msg := range []*sarama.ConsumerMessage{first, second, third} {
		e := entries[i]
		v, ok := e.Attrs.Get("payload")
		if !ok {
			t.Fatalf("entry %d has no payload: %#v", i, e)
		}
		fa := v.(ingester.FileAttachment)
		data, err := os.ReadFile(filepath.Join(dir, fa.Path))
		if err != nil || string(data) != string(msg.Value) {
			t.Fatalf("entry %d: unexpected staged file %q, %v", i, data, err)
		}
		if e.DatasetID != 4 {
			t.Fatalf("entry %d: wrong dataset %d", i, e.DatasetID)
		}
	}
	if !entries[0].Timestamp.Equal(ts) || !entries[2].Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamps %v %v", entries[0].Timestamp, entries[2].Timestamp)
	}
	state := src.State()
	if state["offset.0"] != strconv.FormatInt(second.Offset+1, 10) || state["offset.1"] != strconv.FormatInt(third.Offset+1, 10) {
		t.Fatalf("unexpected state %v", state)
	}
}

func TestFetchMaxMessages(t *testing.T) {
	c := mocks.NewConsumer(t, nil)
	pc := c.ExpectConsumePartition("t", 2, sarama.OffsetOldest)
	for i := 0; i < 3; i++ {
		pc.YieldMessage(&sarama.ConsumerMessage{Topic: "t", Partition: 2, Offset: int64(i), Value: []byte{'x'}})
	}
	src, err := kafka.New(sourceContext(map[string]string{
		"topic":        "t",
		"partitions":   "2",
		"max_messages": "2",
		"idle_timeout": "1",
	}, nil), consumerFor(c))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := src.Fetch(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected max_messages entries, got %d", len(entries))
	}
	if _, ok := entries[0].Attrs.Get("message"); !ok {
		t.Fatalf("expected default field name")
	}
}

func TestFetchConsumerError(t *testing.T) {
	src, err := kafka.New(sourceContext(map[string]string{"topic": "t"}, nil),
		kafka.OptConsumer(func([]string, *sarama.Config) (sarama.Consumer, error) {
			return nil, sarama.ErrOutOfBrokers
		}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Fetch(context.Background(), t.TempDir(), nil); err == nil {
		t.Fatalf("expected error when the consumer cannot connect")
	}
}

func TestNewErrors(t *testing.T) {
	for _, params := range []map[string]string{
		{},
		{"topic": "t", "partitions": "a"},
		{"topic": "t", "max_messages": "many"},
		{"topic": "t", "idle_timeout": "soon"},
	} {
		if _, err := kafka.New(sourceContext(params, nil)); err == nil {
			t.Fatalf("expected error for %v", params)
		}
	}
}

func TestAuditor(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got struct {
			ID      int64 `json:"id"`
			Dataset int64 `json:"dataset"`
		}
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != 9 || got.Dataset != 3 {
			return errors.New("unexpected entry published")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	a := kafka.NewAuditorWithProducer(producer, "audit")
	e := ingester.NewDataEntry(3, time.Now())
	e.ID = 9
	e.Attrs.Set("temp", 1.5)
	if err := a.NotifyNewDataEntry(context.Background(), e, ""); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if err := a.NotifyNewDataEntry(context.Background(), e, ""); err == nil {
		t.Fatalf("expected producer error to be returned")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}
}
