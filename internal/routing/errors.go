package routing

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a routing record does not exist.
	ErrNotFound = errors.New("routing record not found")

	// ErrDuplicateActive is returned when creating a record would leave two
	// active records for the same (order, item, station) triple.
	ErrDuplicateActive = errors.New("active routing record already exists")

	// ErrUnknownEventType is returned for inbound events whose type is not
	// part of the tagged-variant schema. Never silently ignored.
	ErrUnknownEventType = errors.New("unknown order event type")
)

// StaleStateError means a compare-and-swap transition lost a race: the stored
// state no longer matches the state the caller read. The caller should
// refresh and retry at most once before surfacing it to the actor.
type StaleStateError struct {
	RecordID RecordID
	Expected string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("routing record %s is in state %q, not %q", e.RecordID, e.Actual, e.Expected)
}

// InvalidTransitionError means the requested edge is not part of the state
// machine. This is a client or programming bug and is never retried.
type InvalidTransitionError struct {
	RecordID RecordID
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("routing record %s cannot transition from %q to %q", e.RecordID, e.From, e.To)
}

// UnroutableItemError means no active station handles the item's category.
// The ingestion pipeline escalates it to the administrative station and the
// order stays flagged unrouted until the configuration gap is resolved.
type UnroutableItemError struct {
	OrderID  OrderID
	ItemID   ItemID
	Category string
}

func (e *UnroutableItemError) Error() string {
	return fmt.Sprintf("no active station handles category %q for item %s of order %s", e.Category, e.ItemID, e.OrderID)
}

// BusyError means the per-order ingestion lock could not be acquired within
// the bounded timeout. Transient; safe to retry with backoff.
type BusyError struct {
	OrderID OrderID
	Timeout time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("order %s is being ingested by another path (waited %s)", e.OrderID, e.Timeout)
}

// SubscriptionOverflowError means a subscriber fell behind its bounded
// backlog and was dropped. The consumer must resubscribe for a fresh
// snapshot; the store remains authoritative so no data is lost.
type SubscriptionOverflowError struct {
	SubscriptionID string
	StationID      StationID
	Backlog        int
}

func (e *SubscriptionOverflowError) Error() string {
	return fmt.Sprintf("subscription %s on station %s dropped after exceeding backlog of %d", e.SubscriptionID, e.StationID, e.Backlog)
}
