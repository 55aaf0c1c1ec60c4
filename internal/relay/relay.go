// Package relay forwards committed audit events to Kafka. The position of each named
// consumer is stored in relay_cursors, so a restarted relay resumes where it stopped and
// delivery is at-least-once.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"planline/internal/domain"
	"planline/internal/metrics"
	"planline/internal/repo"
)

const (
	DefaultTopic  = "planline.events"
	DefaultCursor = "kafka"
)

// Source is the slice of the repository the relay reads and advances.
type Source interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	RelayCursor(ctx context.Context, name string) (int64, error)
	SetRelayCursor(ctx context.Context, name string, id int64) error
}

var _ Source = repo.Repo{}

type Relay struct {
	Source    Source
	Publisher Publisher
	Topic     string
	// Cursor names the consumer position; distinct names relay independently.
	Cursor   string
	Batch    int
	Events   []string
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Envelope is the message value published for each event.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (r Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Relay) topic() string {
	if r.Topic != "" {
		return r.Topic
	}
	return DefaultTopic
}

func (r Relay) cursor() string {
	if r.Cursor != "" {
		return r.Cursor
	}
	return DefaultCursor
}

// RelayOnce publishes one batch of events past the stored cursor and advances it. Events
// that the filter skips still advance the cursor. It returns how many messages were published.
func (r Relay) RelayOnce(ctx context.Context) (int, error) {
	cur, err := r.Source.RelayCursor(ctx, r.cursor())
	if err != nil {
		return 0, err
	}
	evts, err := r.Source.EventsAfter(ctx, cur, r.Batch)
	if err != nil {
		return 0, err
	}
	if len(evts) == 0 {
		return 0, nil
	}
	filter := newEventFilter(r.Events)
	msgs := make([]kafka.Message, 0, len(evts))
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			continue
		}
		msg, err := message(evt)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		if err := r.Publisher.WriteMessages(ctx, r.topic(), msgs...); err != nil {
			return 0, err
		}
	}
	if err := r.Source.SetRelayCursor(ctx, r.cursor(), evts[len(evts)-1].ID); err != nil {
		return len(msgs), err
	}
	r.Metrics.AddRelayed(len(msgs))
	return len(msgs), nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately by the next one.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log := r.logger()
	log.InfoContext(ctx, "event relay started", "topic", r.topic(), "cursor", r.cursor())
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.ErrorContext(ctx, "relay failed", "err", err)
		} else if n > 0 {
			log.DebugContext(ctx, "relayed events", "count", n)
		}
		wait := interval
		if err == nil && r.Batch > 0 && n >= r.Batch {
			wait = 0
		}
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "event relay stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

func message(evt domain.Event) (kafka.Message, error) {
	env := Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			env.Payload = json.RawMessage(evt.Payload)
		} else {
			env.PayloadRaw = evt.Payload
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	key := evt.EntityID
	if key == "" {
		key = evt.EntityKind
	}
	ts, _ := time.Parse(time.RFC3339, evt.TS)
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "event-id", Value: []byte(strconv.FormatInt(evt.ID, 10))},
		},
	}, nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter accepts exact types and prefix patterns ending in "*".
func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "*" {
			return eventFilter{all: true}
		}
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evtType]; ok {
		return true
	}
	for pattern := range f.set {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(evtType, prefix) {
			return true
		}
	}
	return false
}
