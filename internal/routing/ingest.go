package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/routestate"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"
)

const (
	// DefaultLockTimeout bounds how long ingestion waits for the per-order
	// serialization lock before failing with *BusyError.
	DefaultLockTimeout = 2 * time.Second

	// DefaultRushPriority is the base priority of items on a rush order.
	DefaultRushPriority = 10

	// ingestActor identifies transitions issued by the pipeline itself.
	ingestActor = "system:order-feed"
)

// orderLocks serializes ingestion per order id. Different orders proceed in
// parallel; concurrent retries for the same order queue up or time out.
// Entries are refcounted so the map does not grow with every order id the
// process has ever seen.
type orderLocks struct {
	mu   sync.Mutex
	held map[OrderID]*orderLock
}

type orderLock struct {
	ch   chan struct{}
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{held: make(map[OrderID]*orderLock)}
}

func (l *orderLocks) acquire(ctx context.Context, id OrderID, timeout time.Duration) error {
	l.mu.Lock()
	e, ok := l.held[id]
	if !ok {
		e = &orderLock{ch: make(chan struct{}, 1)}
		l.held[id] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-timer.C:
		l.drop(id, e)
		return &BusyError{OrderID: id, Timeout: timeout}
	case <-ctx.Done():
		l.drop(id, e)
		return ctx.Err()
	}
}

func (l *orderLocks) release(id OrderID) {
	l.mu.Lock()
	e := l.held[id]
	l.mu.Unlock()
	if e == nil {
		return
	}
	<-e.ch
	l.drop(id, e)
}

func (l *orderLocks) drop(id OrderID, e *orderLock) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.held, id)
	}
	l.mu.Unlock()
}

// Ingestor normalizes inbound order events into routing mutations. It is
// idempotent by event id: replays short-circuit against the durable
// processed-event log and return the original affected record set.
type Ingestor struct {
	store      RecordStore
	log        EventLog
	router     *Router
	registry   *StationRegistry
	projection *Projection
	publisher  events.Publisher
	logger     aqm.Logger

	locks        *orderLocks
	lockTimeout  time.Duration
	rushPriority int
}

func NewIngestor(store RecordStore, log EventLog, router *Router, registry *StationRegistry, projection *Projection, publisher events.Publisher, logger aqm.Logger) *Ingestor {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Ingestor{
		store:        store,
		log:          log,
		router:       router,
		registry:     registry,
		projection:   projection,
		publisher:    publisher,
		logger:       logger,
		locks:        newOrderLocks(),
		lockTimeout:  DefaultLockTimeout,
		rushPriority: DefaultRushPriority,
	}
}

// SetLockTimeout overrides the per-order lock timeout (used by config wiring).
func (in *Ingestor) SetLockTimeout(d time.Duration) {
	if d > 0 {
		in.lockTimeout = d
	}
}

// Ingest applies one inbound order event and returns the affected record
// ids. Exactly one ingestion path processes a given order at a time.
func (in *Ingestor) Ingest(ctx context.Context, evt *event.OrderEvent) ([]RecordID, error) {
	if err := evt.Validate(); err != nil {
		if evt.EventType != "" && !knownEventType(evt.EventType) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, evt.EventType)
		}
		return nil, err
	}

	orderID, err := uuid.Parse(evt.OrderID)
	if err != nil {
		return nil, fmt.Errorf("order event %s has invalid order_id: %w", evt.EventID, err)
	}

	if err := in.locks.acquire(ctx, orderID, in.lockTimeout); err != nil {
		return nil, err
	}
	defer in.locks.release(orderID)

	if ids, ok, err := in.log.Processed(ctx, evt.EventID); err != nil {
		return nil, fmt.Errorf("cannot check processed event %s: %w", evt.EventID, err)
	} else if ok {
		in.logger.Info("skipping replayed order event", "event_id", evt.EventID)
		return ids, nil
	}

	var affected []RecordID
	switch evt.EventType {
	case event.EventOrderCreated, event.EventOrderItemAdded:
		affected, err = in.routeItems(ctx, evt, orderID)
	case event.EventOrderItemCancelled:
		itemID, perr := uuid.Parse(evt.Items[0].ItemID)
		if perr != nil {
			return nil, fmt.Errorf("order event %s has invalid item_id: %w", evt.EventID, perr)
		}
		affected, err = in.voidScope(ctx, orderID, &itemID)
	case event.EventOrderCancelled:
		affected, err = in.voidScope(ctx, orderID, nil)
	}
	if err != nil {
		return affected, err
	}

	if err := in.log.MarkProcessed(ctx, evt.EventID, affected); err != nil {
		return affected, fmt.Errorf("cannot mark event %s processed: %w", evt.EventID, err)
	}

	return affected, nil
}

// routeItems creates one routing record per (item, station) assignment.
// Routing is resolved for every item up front: a single unroutable item
// fails the whole event before any record is written, so the event stays
// unprocessed and a replay after the configuration fix routes everything.
func (in *Ingestor) routeItems(ctx context.Context, evt *event.OrderEvent, orderID OrderID) ([]RecordID, error) {
	type routedItem struct {
		payload     event.OrderItemPayload
		itemID      ItemID
		assignments []StationAssignment
	}

	routed := make([]routedItem, 0, len(evt.Items))
	for _, item := range evt.Items {
		itemID, err := uuid.Parse(item.ItemID)
		if err != nil {
			return nil, fmt.Errorf("order event %s has invalid item_id %q: %w", evt.EventID, item.ItemID, err)
		}

		assignments, err := in.router.Route(orderID, itemID, item.Category)
		if err != nil {
			in.escalateUnroutable(ctx, evt, orderID, itemID, item.Category)
			return nil, err
		}
		routed = append(routed, routedItem{payload: item, itemID: itemID, assignments: assignments})
	}

	basePriority := 0
	if evt.Rush {
		basePriority = in.rushPriority
	}
	now := time.Now().UTC()

	var affected []RecordID
	for _, ri := range routed {
		for _, assignment := range ri.assignments {
			itemID := ri.itemID
			rec := &RoutingRecord{
				ID:           uuid.New(),
				OrderID:      orderID,
				ItemID:       &itemID,
				StationID:    assignment.StationID,
				State:        routestate.States.New.Code(),
				Category:     ri.payload.Category,
				Quantity:     ri.payload.Quantity,
				Modifiers:    ri.payload.Modifiers,
				Sequence:     assignment.Sequence,
				BasePriority: basePriority,
				AssignedAt:   now,
				TableNumber:  evt.TableNumber,
			}
			if station := in.registry.Get(assignment.StationID); station != nil {
				rec.StationName = station.Name
			}

			delta, err := in.store.Create(ctx, rec)
			if errors.Is(err, ErrDuplicateActive) {
				// Partial replay after a crash mid-event; the earlier pass
				// already created this record.
				in.logger.Info("skipping duplicate active record", "event_id", evt.EventID, "order_id", orderID, "item_id", itemID)
				continue
			}
			if err != nil {
				return affected, fmt.Errorf("cannot create routing record: %w", err)
			}

			in.projection.Apply(ctx, delta)
			in.publishCreated(ctx, delta.After)
			affected = append(affected, rec.ID)
		}

		if err := in.log.ClearUnrouted(ctx, orderID, ri.itemID); err != nil {
			in.logger.Errorf("Failed to clear unrouted flag for item %s: %v", ri.itemID, err)
		}
	}

	return affected, nil
}

// voidScope transitions every active record for the order (or a single
// item) to voided.
func (in *Ingestor) voidScope(ctx context.Context, orderID OrderID, itemID *ItemID) ([]RecordID, error) {
	records, err := in.store.ListActiveByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cannot list active records for order %s: %w", orderID, err)
	}

	var affected []RecordID
	for i := range records {
		rec := &records[i]
		if itemID != nil && (rec.ItemID == nil || *rec.ItemID != *itemID) {
			continue
		}

		delta, err := in.store.Transition(ctx, rec.ID, rec.State, routestate.States.Voided.Code(), ingestActor)
		if err != nil {
			// A station action raced the cancellation; refresh once and
			// void from the observed state.
			var stale *StaleStateError
			if errors.As(err, &stale) {
				current, gerr := in.store.Get(ctx, rec.ID)
				if gerr != nil {
					return affected, gerr
				}
				if routestate.IsTerminal(current.State) {
					continue
				}
				delta, err = in.store.Transition(ctx, rec.ID, current.State, routestate.States.Voided.Code(), ingestActor)
			}
			if err != nil {
				return affected, fmt.Errorf("cannot void record %s: %w", rec.ID, err)
			}
		}

		in.projection.Apply(ctx, delta)
		in.publishTransitioned(ctx, delta)
		affected = append(affected, rec.ID)
	}

	return affected, nil
}

func (in *Ingestor) escalateUnroutable(ctx context.Context, evt *event.OrderEvent, orderID OrderID, itemID ItemID, category string) {
	flag := UnroutedItem{
		OrderID:   orderID,
		ItemID:    itemID,
		Category:  category,
		EventID:   evt.EventID,
		FlaggedAt: time.Now().UTC(),
	}
	if err := in.log.FlagUnrouted(ctx, flag); err != nil {
		in.logger.Errorf("Failed to flag unrouted item %s: %v", itemID, err)
	}

	if in.publisher == nil {
		return
	}
	payload, _ := json.Marshal(event.UnroutableItemEvent{
		EventType:  event.EventRoutingItemUnroutable,
		OccurredAt: time.Now().UTC(),
		EventID:    evt.EventID,
		OrderID:    orderID.String(),
		ItemID:     itemID.String(),
		Category:   category,
	})
	if err := in.publisher.Publish(ctx, event.RoutingAlertsTopic, payload); err != nil {
		in.logger.Errorf("Failed to publish unroutable alert: %v", err)
	}
}

func (in *Ingestor) publishCreated(ctx context.Context, rec *RoutingRecord) {
	if in.publisher == nil {
		return
	}

	payload := event.RoutingRecordCreatedEvent{
		RoutingRecordEventMetadata: event.RoutingRecordEventMetadata{
			EventType:   event.EventRoutingRecordCreated,
			OccurredAt:  time.Now().UTC(),
			RecordID:    rec.ID.String(),
			OrderID:     rec.OrderID.String(),
			StationID:   rec.StationID.String(),
			StationName: rec.StationName,
			TableNumber: rec.TableNumber,
		},
		State:    rec.State,
		Category: rec.Category,
		Quantity: rec.Quantity,
		Sequence: rec.Sequence,
	}
	if rec.ItemID != nil {
		payload.ItemID = rec.ItemID.String()
	}

	data, _ := json.Marshal(payload)
	if err := in.publisher.Publish(ctx, event.RoutingRecordsTopic, data); err != nil {
		in.logger.Errorf("Failed to publish record.created event: %v", err)
	}
}

func (in *Ingestor) publishTransitioned(ctx context.Context, delta Delta) {
	if in.publisher == nil {
		return
	}

	previous := ""
	if delta.Before != nil {
		previous = delta.Before.State
	}

	payload := event.RoutingRecordTransitionedEvent{
		RoutingRecordEventMetadata: event.RoutingRecordEventMetadata{
			EventType:   event.EventRoutingRecordTransitioned,
			OccurredAt:  time.Now().UTC(),
			RecordID:    delta.After.ID.String(),
			OrderID:     delta.After.OrderID.String(),
			StationID:   delta.After.StationID.String(),
			StationName: delta.After.StationName,
			TableNumber: delta.After.TableNumber,
		},
		NewState:      delta.After.State,
		PreviousState: previous,
		Actor:         ingestActor,
	}
	if delta.After.ItemID != nil {
		payload.ItemID = delta.After.ItemID.String()
	}

	data, _ := json.Marshal(payload)
	if err := in.publisher.Publish(ctx, event.RoutingRecordsTopic, data); err != nil {
		in.logger.Errorf("Failed to publish record.transitioned event: %v", err)
	}
}

func knownEventType(t string) bool {
	switch t {
	case event.EventOrderCreated, event.EventOrderItemAdded,
		event.EventOrderItemCancelled, event.EventOrderCancelled:
		return true
	}
	return false
}
