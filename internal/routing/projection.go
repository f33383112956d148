package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/appetiteclub/kds/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
)

// DefaultDecaySeconds is the wait-time divisor of the priority score: every
// DefaultDecaySeconds of waiting is worth one point of base priority.
const DefaultDecaySeconds = 60

// Projection maintains the per-station ordered view of active routing
// records, kept consistent with the store by applying its deltas in emission
// order. It is a derived cache: on crash recovery Warm rebuilds it from the
// store's active records.
type Projection struct {
	mu       sync.RWMutex
	queues   map[StationID][]*RoutingRecord
	registry *StationRegistry
	broker   *Broker

	// alerts receives escalations for deltas the projection cannot place.
	alerts       events.Publisher
	decaySeconds float64
	logger       aqm.Logger
}

func NewProjection(registry *StationRegistry, broker *Broker, alerts events.Publisher, decaySeconds float64, logger aqm.Logger) *Projection {
	if decaySeconds <= 0 {
		decaySeconds = DefaultDecaySeconds
	}
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Projection{
		queues:       make(map[StationID][]*RoutingRecord),
		registry:     registry,
		broker:       broker,
		alerts:       alerts,
		decaySeconds: decaySeconds,
		logger:       logger,
	}
}

// orderKey collapses the score formula into a write-time constant: two
// records sharing the decay constant keep the same score difference forever,
// so their relative order never changes while scores themselves keep rising.
func (p *Projection) orderKey(r *RoutingRecord) float64 {
	return float64(r.BasePriority) - float64(r.AssignedAt.UnixMilli())/(1000*p.decaySeconds)
}

// before reports whether a sorts ahead of b: score descending, then
// assigned-at ascending, then record id, a total order for deterministic
// display sequencing.
func (p *Projection) before(a, b *RoutingRecord) bool {
	ka, kb := p.orderKey(a), p.orderKey(b)
	if ka != kb {
		return ka > kb
	}
	if !a.AssignedAt.Equal(b.AssignedAt) {
		return a.AssignedAt.Before(b.AssignedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Apply folds one store delta into the projection and fans the change out to
// the station's subscribers. Deltas for unknown stations are escalated and
// dropped; they never take down the projection for other stations.
func (p *Projection) Apply(ctx context.Context, delta Delta) {
	if delta.After == nil {
		p.logger.Error("projection received delta without after state", "record_id", delta.RecordID)
		return
	}

	if p.registry.Get(delta.StationID) == nil {
		p.escalateUnknownStation(ctx, delta)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	oldState := ""
	if delta.Before != nil {
		oldState = delta.Before.State
	}

	queue := p.queues[delta.StationID]
	pos := -1

	switch {
	case delta.After.Active() && (delta.Before == nil || !delta.Before.Active()):
		queue, pos = p.insertLocked(queue, delta.After.Clone())
	case delta.After.Active():
		queue, pos = p.replaceLocked(queue, delta.After.Clone())
	default:
		queue = p.removeLocked(queue, delta.RecordID)
	}
	p.queues[delta.StationID] = queue

	p.broker.publish(delta.StationID, ProjectionDelta{
		RecordID: delta.RecordID,
		Field:    "state",
		OldValue: oldState,
		NewValue: delta.After.State,
		Position: pos,
	})
}

// insertLocked places rec at its sort position via binary search; the
// steady state never rescans or resorts the whole queue.
func (p *Projection) insertLocked(queue []*RoutingRecord, rec *RoutingRecord) ([]*RoutingRecord, int) {
	idx := sort.Search(len(queue), func(i int) bool {
		return p.before(rec, queue[i])
	})
	queue = append(queue, nil)
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = rec
	return queue, idx
}

// replaceLocked swaps in the updated record. The ordering key fields are
// immutable, so the record keeps its position.
func (p *Projection) replaceLocked(queue []*RoutingRecord, rec *RoutingRecord) ([]*RoutingRecord, int) {
	for i, r := range queue {
		if r.ID == rec.ID {
			queue[i] = rec
			return queue, i
		}
	}
	// Record missing from the queue (e.g. delta replay after warm); insert.
	return p.insertLocked(queue, rec)
}

func (p *Projection) removeLocked(queue []*RoutingRecord, id RecordID) []*RoutingRecord {
	for i, r := range queue {
		if r.ID == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func (p *Projection) escalateUnknownStation(ctx context.Context, delta Delta) {
	p.logger.Error("dropping delta for unknown station", "station_id", delta.StationID, "record_id", delta.RecordID)

	if p.alerts == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"event_type":  event.EventRoutingUnknownStation,
		"occurred_at": time.Now().UTC(),
		"station_id":  delta.StationID.String(),
		"record_id":   delta.RecordID.String(),
	})
	if err := p.alerts.Publish(ctx, event.RoutingAlertsTopic, payload); err != nil {
		p.logger.Errorf("Failed to publish unknown station alert: %v", err)
	}
}

// Warm rebuilds the projection from the store's active records. Restart
// safety comes entirely from store durability plus this full replay.
func (p *Projection) Warm(ctx context.Context, store RecordStore) error {
	records, err := store.ListActiveAll(ctx)
	if err != nil {
		return fmt.Errorf("cannot warm projection: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.queues = make(map[StationID][]*RoutingRecord)
	skipped := 0
	for i := range records {
		rec := records[i].Clone()
		if p.registry.Get(rec.StationID) == nil {
			skipped++
			continue
		}
		p.queues[rec.StationID], _ = p.insertLocked(p.queues[rec.StationID], rec)
	}

	p.logger.Info("projection warmed from store", "records", len(records)-skipped, "skipped", skipped)
	return nil
}

// Records returns the station's ordered projection with display scores
// computed against the current clock.
func (p *Projection) Records(stationID StationID) []ProjectionRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.recordsLocked(stationID)
}

func (p *Projection) recordsLocked(stationID StationID) []ProjectionRecord {
	now := time.Now()
	queue := p.queues[stationID]
	result := make([]ProjectionRecord, 0, len(queue))
	for _, r := range queue {
		result = append(result, ProjectionRecord{
			Record: *r.Clone(),
			Score:  r.Score(now, p.decaySeconds),
		})
	}
	return result
}

// Subscribe registers a display for a station: a consistent snapshot first,
// then every delta in application order.
func (p *Projection) Subscribe(stationID StationID) (*Subscription, error) {
	if p.registry.Get(stationID) == nil {
		return nil, fmt.Errorf("cannot subscribe: unknown station %s", stationID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broker.subscribe(stationID, p.recordsLocked(stationID)), nil
}

// Unsubscribe drops a display subscription.
func (p *Projection) Unsubscribe(subscriptionID string) {
	p.broker.Unsubscribe(subscriptionID)
}
