package routing

import (
	"time"

	"github.com/appetiteclub/kds/pkg/enums/routestate"
	"github.com/google/uuid"
)

type RecordID = uuid.UUID
type OrderID = uuid.UUID
type ItemID = uuid.UUID
type StationID = uuid.UUID

// TransitionEntry is one step of a record's append-only transition log.
type TransitionEntry struct {
	From  string    `bson:"from" json:"from"`
	To    string    `bson:"to" json:"to"`
	Actor string    `bson:"actor" json:"actor"`
	At    time.Time `bson:"at" json:"at"`
}

// RoutingRecord binds an item (or a whole order when ItemID is nil) to a
// station and tracks its lifecycle. Records are never deleted; terminal
// records drop out of projections but stay queryable.
type RoutingRecord struct {
	ID        RecordID  `bson:"_id" json:"id"`
	OrderID   OrderID   `bson:"order_id" json:"order_id"`
	ItemID    *ItemID   `bson:"item_id,omitempty" json:"item_id,omitempty"`
	StationID StationID `bson:"station_id" json:"station_id"`
	State     string    `bson:"state" json:"state"`

	Category  string   `bson:"category,omitempty" json:"category,omitempty"`
	Quantity  int      `bson:"quantity" json:"quantity"`
	Modifiers []string `bson:"modifiers,omitempty" json:"modifiers,omitempty"`

	// Sequence orders multi-station preparation for the same item; parallel
	// assignments share sequence 0.
	Sequence int `bson:"sequence" json:"sequence"`

	// BasePriority feeds the display score together with wait time.
	BasePriority int       `bson:"base_priority" json:"base_priority"`
	AssignedAt   time.Time `bson:"assigned_at" json:"assigned_at"`

	// RecalledFrom links a reopened record to the record it recalls.
	RecalledFrom *RecordID `bson:"recalled_from,omitempty" json:"recalled_from,omitempty"`

	Transitions []TransitionEntry `bson:"transitions" json:"transitions"`

	// Denormalized data for display purposes
	TableNumber string `bson:"table_number,omitempty" json:"table_number,omitempty"`
	StationName string `bson:"station_name,omitempty" json:"station_name,omitempty"`

	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
	ModelVersion int       `bson:"model_version" json:"model_version"`
}

// Active reports whether the record belongs in a station projection.
func (r *RoutingRecord) Active() bool {
	return routestate.IsActive(r.State)
}

// Score is the display priority, recomputed lazily at read time so it never
// goes stale. Wait time is measured from the stable AssignedAt timestamp.
func (r *RoutingRecord) Score(now time.Time, decaySeconds float64) float64 {
	if decaySeconds <= 0 {
		decaySeconds = 1
	}
	return float64(r.BasePriority) + now.Sub(r.AssignedAt).Seconds()/decaySeconds
}

// Clone returns a deep copy so projections and deltas never alias store state.
func (r *RoutingRecord) Clone() *RoutingRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ItemID != nil {
		id := *r.ItemID
		cp.ItemID = &id
	}
	if r.RecalledFrom != nil {
		id := *r.RecalledFrom
		cp.RecalledFrom = &id
	}
	cp.Modifiers = append([]string(nil), r.Modifiers...)
	cp.Transitions = append([]TransitionEntry(nil), r.Transitions...)
	return &cp
}

// Station is a preparation point with a display, matched against item
// categories by the router.
type Station struct {
	ID         StationID `bson:"_id" json:"id"`
	Name       string    `bson:"name" json:"name"`
	Categories []string  `bson:"categories" json:"categories"`
	Active     bool      `bson:"active" json:"active"`
}

// Handles reports whether the station prepares the given category.
func (s *Station) Handles(category string) bool {
	for _, c := range s.Categories {
		if c == category {
			return true
		}
	}
	return false
}
