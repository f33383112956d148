package event

import (
	"fmt"
	"time"
)

const (
	OrderEventsTopic = "orders.events"

	EventOrderCreated       = "order.created"
	EventOrderItemAdded     = "order.item_added"
	EventOrderItemCancelled = "order.item_cancelled"
	EventOrderCancelled     = "order.cancelled"
)

// OrderItemPayload describes a single item carried by an inbound order event.
type OrderItemPayload struct {
	ItemID    string   `json:"item_id"`
	Category  string   `json:"category"`
	Quantity  int      `json:"quantity"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// OrderEvent is the normalized inbound event consumed by the routing core.
// The feed is append-only and idempotent by EventID; the same event may be
// delivered more than once.
type OrderEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OrderID    string    `json:"order_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// Rush marks the whole order as prioritized by the order taker.
	Rush bool `json:"rush,omitempty"`

	// Items is populated for order.created (all items) and
	// order.item_added / order.item_cancelled (a single item).
	Items []OrderItemPayload `json:"items,omitempty"`

	// Denormalized data for display purposes
	TableNumber string `json:"table_number,omitempty"`
}

// Validate checks the fixed tagged-variant schema at the ingestion boundary.
func (e *OrderEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("order event missing event_id")
	}
	if e.OrderID == "" {
		return fmt.Errorf("order event %s missing order_id", e.EventID)
	}

	switch e.EventType {
	case EventOrderCreated, EventOrderItemAdded:
		if len(e.Items) == 0 {
			return fmt.Errorf("order event %s (%s) carries no items", e.EventID, e.EventType)
		}
		for _, it := range e.Items {
			if it.ItemID == "" {
				return fmt.Errorf("order event %s carries an item without item_id", e.EventID)
			}
			if it.Category == "" {
				return fmt.Errorf("order event %s item %s missing category", e.EventID, it.ItemID)
			}
		}
	case EventOrderItemCancelled:
		if len(e.Items) == 0 || e.Items[0].ItemID == "" {
			return fmt.Errorf("order event %s (%s) missing cancelled item_id", e.EventID, e.EventType)
		}
	case EventOrderCancelled:
		// order scope, no items required
	default:
		return fmt.Errorf("order event %s has unknown event_type %q", e.EventID, e.EventType)
	}

	return nil
}
