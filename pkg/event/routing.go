package event

import "time"

const (
	RoutingRecordsTopic = "routing.records"
	RoutingAlertsTopic  = "routing.alerts"

	EventRoutingRecordCreated      = "routing.record.created"
	EventRoutingRecordTransitioned = "routing.record.transitioned"
	EventRoutingItemUnroutable     = "routing.item.unroutable"
	EventRoutingUnknownStation     = "routing.projection.unknown_station"
)

type RoutingRecordEventMetadata struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordID   string    `json:"record_id"`
	OrderID    string    `json:"order_id"`
	ItemID     string    `json:"item_id,omitempty"`
	StationID  string    `json:"station_id"`

	// Denormalized data for display purposes
	StationName string `json:"station_name,omitempty"`
	TableNumber string `json:"table_number,omitempty"`
}

type RoutingRecordCreatedEvent struct {
	RoutingRecordEventMetadata
	State        string `json:"state"`
	Category     string `json:"category,omitempty"`
	Quantity     int    `json:"quantity"`
	Sequence     int    `json:"sequence"`
	RecalledFrom string `json:"recalled_from,omitempty"`
}

type RoutingRecordTransitionedEvent struct {
	RoutingRecordEventMetadata
	NewState      string `json:"new_state"`
	PreviousState string `json:"previous_state"`
	Actor         string `json:"actor"`
}

// UnroutableItemEvent is published on the alerts topic so an administrative
// station can surface configuration gaps; the item is never silently dropped.
type UnroutableItemEvent struct {
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	EventID    string    `json:"source_event_id"`
	OrderID    string    `json:"order_id"`
	ItemID     string    `json:"item_id"`
	Category   string    `json:"category"`
}
