package seeding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Routing state codes (duplicated from the routestate package to avoid coupling)
const (
	StateNew          = "new"
	StateAcknowledged = "acknowledged"
	StateInProgress   = "in_progress"
	StateReady        = "ready"
)

// Station ids are derived the same way the service derives them, so demo
// records land on the stations the service seeds at startup.
func stationID(code string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("kds.station."+code))
}

type demoItem struct {
	station  string
	category string
	quantity int
	state    string
	waitMins int
	rush     bool
	table    string
}

// SeedRoutingRecords creates demo routing records with a realistic
// distribution across stations, states, and wait times.
func SeedRoutingRecords(ctx context.Context, db *mongo.Database) error {
	recordsCollection := db.Collection("routing_records")

	items := []demoItem{
		{station: "grill", category: "grill", quantity: 2, state: StateNew, waitMins: 1, table: "4"},
		{station: "grill", category: "grill", quantity: 1, state: StateAcknowledged, waitMins: 3, table: "7"},
		{station: "grill", category: "grill", quantity: 1, state: StateInProgress, waitMins: 6, table: "2"},
		{station: "grill", category: "grill", quantity: 3, state: StateNew, waitMins: 0, rush: true, table: "11"},
		{station: "fryer", category: "fryer", quantity: 2, state: StateNew, waitMins: 2, table: "4"},
		{station: "fryer", category: "fryer", quantity: 1, state: StateInProgress, waitMins: 5, table: "9"},
		{station: "salad", category: "salad", quantity: 1, state: StateNew, waitMins: 1, table: "7"},
		{station: "salad", category: "dessert", quantity: 2, state: StateReady, waitMins: 8, table: "2"},
		{station: "expo", category: "expo", quantity: 1, state: StateNew, waitMins: 1, table: "11"},
	}

	now := time.Now().UTC()
	orderByTable := map[string]uuid.UUID{}

	for _, item := range items {
		orderID, ok := orderByTable[item.table]
		if !ok {
			orderID = uuid.New()
			orderByTable[item.table] = orderID
		}

		basePriority := 0
		if item.rush {
			basePriority = 10
		}

		assignedAt := now.Add(-time.Duration(item.waitMins) * time.Minute)
		itemID := uuid.New()

		transitions := []bson.M{}
		switch item.state {
		case StateAcknowledged:
			transitions = append(transitions, demoTransition(StateNew, StateAcknowledged, assignedAt.Add(30*time.Second)))
		case StateInProgress:
			transitions = append(transitions,
				demoTransition(StateNew, StateAcknowledged, assignedAt.Add(30*time.Second)),
				demoTransition(StateAcknowledged, StateInProgress, assignedAt.Add(time.Minute)))
		case StateReady:
			transitions = append(transitions,
				demoTransition(StateNew, StateAcknowledged, assignedAt.Add(30*time.Second)),
				demoTransition(StateAcknowledged, StateInProgress, assignedAt.Add(time.Minute)),
				demoTransition(StateInProgress, StateReady, assignedAt.Add(3*time.Minute)))
		}

		record := bson.M{
			"_id":           uuid.New(),
			"order_id":      orderID,
			"item_id":       itemID,
			"station_id":    stationID(item.station),
			"state":         item.state,
			"category":      item.category,
			"quantity":      item.quantity,
			"sequence":      0,
			"base_priority": basePriority,
			"assigned_at":   assignedAt,
			"transitions":   transitions,
			"table_number":  item.table,
			"station_name":  item.station,
			"created_at":    assignedAt,
			"updated_at":    now,
			"model_version": 1,
			"created_by":    "demo-seed",
		}

		if _, err := recordsCollection.InsertOne(ctx, record); err != nil {
			return fmt.Errorf("cannot insert demo routing record: %w", err)
		}
	}

	return nil
}

func demoTransition(from, to string, at time.Time) bson.M {
	return bson.M{
		"from":  from,
		"to":    to,
		"actor": "demo-seed",
		"at":    at,
	}
}
