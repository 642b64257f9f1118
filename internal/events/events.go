// Package events carries reconciliation outcomes to Kafka and turns
// upstream Kafka notifications into reconciler actions.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
)

const (
	TypePositionLinked   = "position.linked"
	TypeMergeSuggested   = "merge.suggested"
	TypeCacheRebuilt     = "cache.rebuilt"
	TypeCacheInvalidated = "cache.invalidated"
	TypePassCompleted    = "pass.completed"
)

type Event struct {
	Type    string
	Key     string
	Payload any
}

type PositionLinked struct {
	ItemID       int64     `json:"position_item_id"`
	EntryID      int64     `json:"catalog_position_id"`
	Score        float64   `json:"score"`
	IndexVersion int64     `json:"index_version"`
	LinkedAt     time.Time `json:"linked_at"`
}

type MergeSuggested struct {
	SourceEntryID int64     `json:"duplicate_position_id"`
	TargetEntryID int64     `json:"main_position_id"`
	Score         float64   `json:"similarity_score"`
	IndexVersion  int64     `json:"index_version"`
	SuggestedAt   time.Time `json:"suggested_at"`
}

type CacheRebuilt struct {
	IndexVersion int64     `json:"index_version"`
	CorpusSize   int       `json:"corpus_size"`
	Forced       bool      `json:"forced"`
	BuiltAt      time.Time `json:"built_at"`
}

type CacheInvalidated struct {
	IndexVersion int64     `json:"index_version"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

type PassCompleted struct {
	Pass   string `json:"pass"`
	PassID string `json:"pass_id"`
	Status string `json:"status"`
	Report any    `json:"report"`
}

// Publisher delivers events. Delivery failures never change a pass
// outcome; callers go through Emit.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes ev and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Default().Warn("event not published", "component", "events", "type", ev.Type, "key", ev.Key, "error", err)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// KafkaPublisher writes events to the reconcile-events topic.
type KafkaPublisher struct {
	producer *kafka.Producer
	metrics  *metrics.Metrics
}

func NewKafkaPublisher(producer *kafka.Producer, m *metrics.Metrics) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, metrics: m}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	err := p.producer.Publish(ctx, kafka.Event{Key: ev.Key, Type: ev.Type, Value: ev.Payload})
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.EventsPublished.WithLabelValues(ev.Type, status).Inc()
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
