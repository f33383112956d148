package routing

import (
	"context"
	"time"
)

// Delta describes one durable store mutation. Before is nil for creations;
// After always reflects the stored document after the write.
type Delta struct {
	RecordID  RecordID
	StationID StationID
	Before    *RoutingRecord
	After     *RoutingRecord
}

// RecordStore is the single source of truth for routing records. All writes
// are durable before they are acknowledged. Transition is a compare-and-swap
// on the from state: it fails with *StaleStateError when the stored state no
// longer matches and with *InvalidTransitionError when the edge is illegal.
type RecordStore interface {
	Create(ctx context.Context, rec *RoutingRecord) (Delta, error)
	Transition(ctx context.Context, id RecordID, from, to, actor string) (Delta, error)
	Get(ctx context.Context, id RecordID) (*RoutingRecord, error)
	ListActive(ctx context.Context, stationID StationID) ([]RoutingRecord, error)
	ListActiveByOrder(ctx context.Context, orderID OrderID) ([]RoutingRecord, error)
	ListActiveAll(ctx context.Context) ([]RoutingRecord, error)
}

// UnroutedItem flags an order item no active station could serve.
type UnroutedItem struct {
	OrderID   OrderID   `bson:"order_id" json:"order_id"`
	ItemID    ItemID    `bson:"item_id" json:"item_id"`
	Category  string    `bson:"category" json:"category"`
	EventID   string    `bson:"event_id" json:"event_id"`
	FlaggedAt time.Time `bson:"flagged_at" json:"flagged_at"`
}

// EventLog persists processed inbound event ids so replays short-circuit,
// and keeps the unrouted flags raised by the ingestion pipeline.
type EventLog interface {
	// Processed returns the record ids affected by a previously processed
	// event, with ok=false when the event has not been seen.
	Processed(ctx context.Context, eventID string) (recordIDs []RecordID, ok bool, err error)
	MarkProcessed(ctx context.Context, eventID string, recordIDs []RecordID) error

	FlagUnrouted(ctx context.Context, item UnroutedItem) error
	ClearUnrouted(ctx context.Context, orderID OrderID, itemID ItemID) error
	ListUnrouted(ctx context.Context) ([]UnroutedItem, error)
}
