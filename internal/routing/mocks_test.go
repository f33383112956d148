package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/routestate"
)

// MemoryStore is a test double for RecordStore and EventLog with the same
// compare-and-swap and uniqueness semantics as the Mongo implementation.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[RecordID]*RoutingRecord
	processed map[string][]RecordID
	unrouted  map[string]UnroutedItem

	CreateFunc     func(ctx context.Context, rec *RoutingRecord) (Delta, error)
	TransitionFunc func(ctx context.Context, id RecordID, from, to, actor string) (Delta, error)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[RecordID]*RoutingRecord),
		processed: make(map[string][]RecordID),
		unrouted:  make(map[string]UnroutedItem),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *RoutingRecord) (Delta, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if !existing.Active() {
			continue
		}
		if existing.OrderID != rec.OrderID || existing.StationID != rec.StationID {
			continue
		}
		if sameItem(existing.ItemID, rec.ItemID) {
			return Delta{}, ErrDuplicateActive
		}
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ModelVersion = 1
	m.records[rec.ID] = rec.Clone()

	return Delta{RecordID: rec.ID, StationID: rec.StationID, After: rec.Clone()}, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id RecordID, from, to, actor string) (Delta, error) {
	if m.TransitionFunc != nil {
		return m.TransitionFunc(ctx, id, from, to, actor)
	}

	if !routestate.CanTransition(from, to) {
		return Delta{}, &InvalidTransitionError{RecordID: id, From: from, To: to}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Delta{}, ErrNotFound
	}
	if rec.State != from {
		return Delta{}, &StaleStateError{RecordID: id, Expected: from, Actual: rec.State}
	}

	before := rec.Clone()
	now := time.Now().UTC()
	rec.State = to
	rec.UpdatedAt = now
	rec.Transitions = append(rec.Transitions, TransitionEntry{From: from, To: to, Actor: actor, At: now})

	return Delta{RecordID: id, StationID: rec.StationID, Before: before, After: rec.Clone()}, nil
}

func (m *MemoryStore) Get(ctx context.Context, id RecordID) (*RoutingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListActive(ctx context.Context, stationID StationID) ([]RoutingRecord, error) {
	return m.list(func(r *RoutingRecord) bool {
		return r.Active() && r.StationID == stationID
	}), nil
}

func (m *MemoryStore) ListActiveByOrder(ctx context.Context, orderID OrderID) ([]RoutingRecord, error) {
	return m.list(func(r *RoutingRecord) bool {
		return r.Active() && r.OrderID == orderID
	}), nil
}

func (m *MemoryStore) ListActiveAll(ctx context.Context) ([]RoutingRecord, error) {
	return m.list(func(r *RoutingRecord) bool { return r.Active() }), nil
}

func (m *MemoryStore) list(keep func(*RoutingRecord) bool) []RoutingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []RoutingRecord
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

func (m *MemoryStore) Processed(ctx context.Context, eventID string) ([]RecordID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.processed[eventID]
	return ids, ok, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, eventID string, recordIDs []RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processed[eventID]; !ok {
		m.processed[eventID] = recordIDs
	}
	return nil
}

func (m *MemoryStore) FlagUnrouted(ctx context.Context, item UnroutedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unrouted[item.OrderID.String()+"/"+item.ItemID.String()] = item
	return nil
}

func (m *MemoryStore) ClearUnrouted(ctx context.Context, orderID OrderID, itemID ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.unrouted, orderID.String()+"/"+itemID.String())
	return nil
}

func (m *MemoryStore) ListUnrouted(ctx context.Context) ([]UnroutedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []UnroutedItem
	for _, item := range m.unrouted {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].FlaggedAt.Before(items[j].FlaggedAt)
	})
	return items, nil
}

// Count returns the number of stored records
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func sameItem(a, b *ItemID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// MockPublisher is a test mock for events.Publisher
type MockPublisher struct {
	mu              sync.Mutex
	PublishedEvents []PublishedEvent
	PublishFunc     func(ctx context.Context, topic string, data []byte) error
}

type PublishedEvent struct {
	Topic string
	Data  []byte
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedEvents: make([]PublishedEvent, 0),
	}
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedEvents = append(m.PublishedEvents, PublishedEvent{Topic: topic, Data: data})
	return nil
}

// ByTopic returns the published events for a topic
func (m *MockPublisher) ByTopic(topic string) []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []PublishedEvent
	for _, e := range m.PublishedEvents {
		if e.Topic == topic {
			result = append(result, e)
		}
	}
	return result
}
