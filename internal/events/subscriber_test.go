package events

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/appetiteclub/kds/internal/routing"
	"github.com/appetiteclub/kds/pkg/enums/routestate"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"
)

// MockSubscriber implements events.Subscriber for testing
type MockSubscriber struct {
	SubscribeFunc func(ctx context.Context, topic string, handler events.HandlerFunc) error
}

func (m *MockSubscriber) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, topic, handler)
	}
	return nil
}

// memStore is a map-backed routing.RecordStore and routing.EventLog for
// driving the ingestor without Mongo.
type memStore struct {
	mu        sync.Mutex
	records   map[routing.RecordID]*routing.RoutingRecord
	processed map[string][]routing.RecordID
	unrouted  map[string]routing.UnroutedItem

	CreateErr error
}

func newMemStore() *memStore {
	return &memStore{
		records:   make(map[routing.RecordID]*routing.RoutingRecord),
		processed: make(map[string][]routing.RecordID),
		unrouted:  make(map[string]routing.UnroutedItem),
	}
}

func (m *memStore) Create(ctx context.Context, rec *routing.RoutingRecord) (routing.Delta, error) {
	if m.CreateErr != nil {
		return routing.Delta{}, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return routing.Delta{RecordID: rec.ID, StationID: rec.StationID, After: rec.Clone()}, nil
}

func (m *memStore) Transition(ctx context.Context, id routing.RecordID, from, to, actor string) (routing.Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return routing.Delta{}, routing.ErrNotFound
	}
	if rec.State != from {
		return routing.Delta{}, &routing.StaleStateError{RecordID: id, Expected: from, Actual: rec.State}
	}
	before := rec.Clone()
	rec.State = to
	rec.Transitions = append(rec.Transitions, routing.TransitionEntry{From: from, To: to, Actor: actor, At: time.Now().UTC()})
	return routing.Delta{RecordID: id, StationID: rec.StationID, Before: before, After: rec.Clone()}, nil
}

func (m *memStore) Get(ctx context.Context, id routing.RecordID) (*routing.RoutingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, routing.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memStore) list(keep func(*routing.RoutingRecord) bool) []routing.RoutingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []routing.RoutingRecord
	for _, rec := range m.records {
		if keep(rec) {
			result = append(result, *rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AssignedAt.Before(result[j].AssignedAt)
	})
	return result
}

func (m *memStore) ListActive(ctx context.Context, stationID routing.StationID) ([]routing.RoutingRecord, error) {
	return m.list(func(r *routing.RoutingRecord) bool { return r.Active() && r.StationID == stationID }), nil
}

func (m *memStore) ListActiveByOrder(ctx context.Context, orderID routing.OrderID) ([]routing.RoutingRecord, error) {
	return m.list(func(r *routing.RoutingRecord) bool { return r.Active() && r.OrderID == orderID }), nil
}

func (m *memStore) ListActiveAll(ctx context.Context) ([]routing.RoutingRecord, error) {
	return m.list(func(r *routing.RoutingRecord) bool { return r.Active() }), nil
}

func (m *memStore) Processed(ctx context.Context, eventID string) ([]routing.RecordID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.processed[eventID]
	return ids, ok, nil
}

func (m *memStore) MarkProcessed(ctx context.Context, eventID string, recordIDs []routing.RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = recordIDs
	return nil
}

func (m *memStore) FlagUnrouted(ctx context.Context, item routing.UnroutedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrouted[item.EventID] = item
	return nil
}

func (m *memStore) ClearUnrouted(ctx context.Context, orderID routing.OrderID, itemID routing.ItemID) error {
	return nil
}

func (m *memStore) ListUnrouted(ctx context.Context) ([]routing.UnroutedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []routing.UnroutedItem
	for _, item := range m.unrouted {
		items = append(items, item)
	}
	return items, nil
}

func newTestSubscriber(store *memStore) *OrderEventSubscriber {
	registry := routing.NewStationRegistry()
	routing.SeedStations(registry)
	broker := routing.NewBroker(routing.DefaultBacklog, aqm.NewNoopLogger())
	projection := routing.NewProjection(registry, broker, nil, routing.DefaultDecaySeconds, aqm.NewNoopLogger())
	router := routing.NewRouter(registry, aqm.NewNoopLogger())
	ingestor := routing.NewIngestor(store, store, router, registry, projection, nil, aqm.NewNoopLogger())

	return NewOrderEventSubscriber(&MockSubscriber{}, ingestor, aqm.NewNoopLogger())
}

func orderCreatedPayload(t *testing.T, category string) []byte {
	t.Helper()
	data, err := json.Marshal(event.OrderEvent{
		EventID:    uuid.New().String(),
		EventType:  event.EventOrderCreated,
		OrderID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Items: []event.OrderItemPayload{
			{ItemID: uuid.New().String(), Category: category, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("marshal order event: %v", err)
	}
	return data
}

func TestSubscriberStartSubscribesToOrderFeed(t *testing.T) {
	var subscribedTopic string
	mock := &MockSubscriber{
		SubscribeFunc: func(ctx context.Context, topic string, handler events.HandlerFunc) error {
			subscribedTopic = topic
			return nil
		},
	}

	s := NewOrderEventSubscriber(mock, nil, aqm.NewNoopLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if subscribedTopic != event.OrderEventsTopic {
		t.Errorf("subscribed to %q, want %q", subscribedTopic, event.OrderEventsTopic)
	}
}

func TestSubscriberStartFailure(t *testing.T) {
	mock := &MockSubscriber{
		SubscribeFunc: func(ctx context.Context, topic string, handler events.HandlerFunc) error {
			return errors.New("nats down")
		},
	}

	s := NewOrderEventSubscriber(mock, nil, aqm.NewNoopLogger())
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() should propagate the subscribe failure")
	}
}

func TestSubscriberHandlesOrderCreated(t *testing.T) {
	store := newMemStore()
	s := newTestSubscriber(store)

	if err := s.handleEvent(context.Background(), orderCreatedPayload(t, "grill")); err != nil {
		t.Fatalf("handleEvent() error = %v", err)
	}

	records, _ := store.ListActiveAll(context.Background())
	if len(records) != 1 {
		t.Fatalf("store has %d records, want 1", len(records))
	}
	if records[0].State != routestate.States.New.Code() {
		t.Errorf("record state = %q, want %q", records[0].State, "new")
	}
}

func TestSubscriberDropsMalformedPayload(t *testing.T) {
	s := newTestSubscriber(newMemStore())

	// Malformed JSON must not trigger redelivery.
	if err := s.handleEvent(context.Background(), []byte("{not json")); err != nil {
		t.Errorf("handleEvent() error = %v, want nil for malformed payload", err)
	}
}

func TestSubscriberDropsUnknownEventType(t *testing.T) {
	s := newTestSubscriber(newMemStore())

	data, _ := json.Marshal(event.OrderEvent{
		EventID:    uuid.New().String(),
		EventType:  "order.exploded",
		OrderID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
	})

	if err := s.handleEvent(context.Background(), data); err != nil {
		t.Errorf("handleEvent() error = %v, want nil for unknown event type", err)
	}
}

func TestSubscriberDropsUnroutableEvent(t *testing.T) {
	store := newMemStore()
	s := newTestSubscriber(store)

	// No station handles sushi; the ingestor flags it, the subscriber acks.
	if err := s.handleEvent(context.Background(), orderCreatedPayload(t, "sushi")); err != nil {
		t.Errorf("handleEvent() error = %v, want nil for unroutable event", err)
	}

	flagged, _ := store.ListUnrouted(context.Background())
	if len(flagged) != 1 {
		t.Errorf("flagged %d unrouted items, want 1", len(flagged))
	}
}

func TestSubscriberPropagatesStoreFailure(t *testing.T) {
	store := newMemStore()
	s := newTestSubscriber(store)

	// A transient failure must surface so a stream subscription redelivers.
	store.CreateErr = errors.New("mongo unavailable")

	if err := s.handleEvent(context.Background(), orderCreatedPayload(t, "grill")); err == nil {
		t.Error("handleEvent() with a failing store should return an error")
	}
}
