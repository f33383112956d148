package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/internal/routing"
	"github.com/appetiteclub/kds/pkg/enums/routestate"
	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RoutingRepo is the durable Routing Record Store plus the processed-event
// log, backed by MongoDB. Transitions are conditional writes on the state
// field, so concurrent actors race on the document, never on a process lock.
type RoutingRepo struct {
	client    *mongo.Client
	db        *mongo.Database
	records   *mongo.Collection
	processed *mongo.Collection
	unrouted  *mongo.Collection
	logger    aqm.Logger
	config    *aqm.Config
}

func NewRoutingRepo(config *aqm.Config, logger aqm.Logger) *RoutingRepo {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &RoutingRepo{
		logger: logger,
		config: config,
	}
}

func (r *RoutingRepo) Start(ctx context.Context) error {
	mongoURL, _ := r.config.GetString("db.mongo.url")
	if mongoURL == "" {
		mongoURL = "mongodb://localhost:27017"
	}

	dbName, _ := r.config.GetString("db.mongo.name")
	if dbName == "" {
		dbName = "kds_routing"
	}

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	r.client = client
	r.db = client.Database(dbName)
	r.records = r.db.Collection("routing_records")
	r.processed = r.db.Collection("processed_events")
	r.unrouted = r.db.Collection("unrouted_items")

	if err := r.ensureIndexes(ctx); err != nil {
		return err
	}

	r.logger.Infof("Connected to MongoDB: %s, database: %s", mongoURL, dbName)
	return nil
}

func (r *RoutingRepo) ensureIndexes(ctx context.Context) error {
	// One active record per (order, item, station): the partial filter keeps
	// terminal records out of the uniqueness constraint so recalls can
	// create fresh records against the same triple.
	activeOnly := mongo.IndexModel{
		Keys: bson.D{
			{Key: "order_id", Value: 1},
			{Key: "item_id", Value: 1},
			{Key: "station_id", Value: 1},
		},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"state": bson.M{"$in": routestate.ActiveCodes()}}),
	}
	if _, err := r.records.Indexes().CreateOne(ctx, activeOnly); err != nil {
		return fmt.Errorf("cannot create active uniqueness index: %w", err)
	}

	stationState := mongo.IndexModel{
		Keys: bson.D{{Key: "station_id", Value: 1}, {Key: "state", Value: 1}},
	}
	if _, err := r.records.Indexes().CreateOne(ctx, stationState); err != nil {
		return fmt.Errorf("cannot create station/state index: %w", err)
	}

	orderIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "order_id", Value: 1}},
	}
	if _, err := r.records.Indexes().CreateOne(ctx, orderIndex); err != nil {
		return fmt.Errorf("cannot create order index: %w", err)
	}

	unroutedIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "order_id", Value: 1}, {Key: "item_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := r.unrouted.Indexes().CreateOne(ctx, unroutedIndex); err != nil {
		return fmt.Errorf("cannot create unrouted index: %w", err)
	}

	return nil
}

func (r *RoutingRepo) Stop(ctx context.Context) error {
	if r.client != nil {
		if err := r.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
		}
		r.logger.Info("Disconnected from MongoDB")
	}
	return nil
}

func (r *RoutingRepo) Create(ctx context.Context, rec *routing.RoutingRecord) (routing.Delta, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ModelVersion = 1

	if _, err := r.records.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return routing.Delta{}, routing.ErrDuplicateActive
		}
		return routing.Delta{}, fmt.Errorf("cannot insert routing record: %w", err)
	}

	return routing.Delta{
		RecordID:  rec.ID,
		StationID: rec.StationID,
		After:     rec.Clone(),
	}, nil
}

// Transition is the compare-and-swap: the filter matches the record only
// while it is still in the from state, and the write both moves the state
// and appends to the transition log atomically.
func (r *RoutingRepo) Transition(ctx context.Context, id routing.RecordID, from, to, actor string) (routing.Delta, error) {
	if !routestate.CanTransition(from, to) {
		return routing.Delta{}, &routing.InvalidTransitionError{RecordID: id, From: from, To: to}
	}

	now := time.Now().UTC()
	entry := routing.TransitionEntry{From: from, To: to, Actor: actor, At: now}

	var after routing.RoutingRecord
	err := r.records.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "state": from},
		bson.M{
			"$set":  bson.M{"state": to, "updated_at": now},
			"$push": bson.M{"transitions": entry},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&after)

	if err == mongo.ErrNoDocuments {
		current, gerr := r.Get(ctx, id)
		if gerr != nil {
			return routing.Delta{}, gerr
		}
		return routing.Delta{}, &routing.StaleStateError{RecordID: id, Expected: from, Actual: current.State}
	}
	if err != nil {
		return routing.Delta{}, fmt.Errorf("cannot transition routing record: %w", err)
	}

	before := after.Clone()
	before.State = from
	if n := len(before.Transitions); n > 0 {
		before.Transitions = before.Transitions[:n-1]
	}

	return routing.Delta{
		RecordID:  id,
		StationID: after.StationID,
		Before:    before,
		After:     &after,
	}, nil
}

func (r *RoutingRepo) Get(ctx context.Context, id routing.RecordID) (*routing.RoutingRecord, error) {
	var rec routing.RoutingRecord
	err := r.records.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, routing.ErrNotFound
		}
		return nil, fmt.Errorf("cannot find routing record: %w", err)
	}
	return &rec, nil
}

func (r *RoutingRepo) ListActive(ctx context.Context, stationID routing.StationID) ([]routing.RoutingRecord, error) {
	return r.listRecords(ctx, bson.M{
		"station_id": stationID,
		"state":      bson.M{"$in": routestate.ActiveCodes()},
	})
}

func (r *RoutingRepo) ListActiveByOrder(ctx context.Context, orderID routing.OrderID) ([]routing.RoutingRecord, error) {
	return r.listRecords(ctx, bson.M{
		"order_id": orderID,
		"state":    bson.M{"$in": routestate.ActiveCodes()},
	})
}

func (r *RoutingRepo) ListActiveAll(ctx context.Context) ([]routing.RoutingRecord, error) {
	return r.listRecords(ctx, bson.M{
		"state": bson.M{"$in": routestate.ActiveCodes()},
	})
}

func (r *RoutingRepo) listRecords(ctx context.Context, query bson.M) ([]routing.RoutingRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "assigned_at", Value: 1}})

	cursor, err := r.records.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot find routing records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []routing.RoutingRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("cannot decode routing records: %w", err)
	}
	return records, nil
}

type processedEvent struct {
	EventID     string             `bson:"_id"`
	RecordIDs   []routing.RecordID `bson:"record_ids"`
	ProcessedAt time.Time          `bson:"processed_at"`
}

func (r *RoutingRepo) Processed(ctx context.Context, eventID string) ([]routing.RecordID, bool, error) {
	var doc processedEvent
	err := r.processed.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cannot look up processed event: %w", err)
	}
	return doc.RecordIDs, true, nil
}

func (r *RoutingRepo) MarkProcessed(ctx context.Context, eventID string, recordIDs []routing.RecordID) error {
	doc := processedEvent{
		EventID:     eventID,
		RecordIDs:   recordIDs,
		ProcessedAt: time.Now().UTC(),
	}
	if _, err := r.processed.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Concurrent replay already marked it
			return nil
		}
		return fmt.Errorf("cannot mark event processed: %w", err)
	}
	return nil
}

func (r *RoutingRepo) FlagUnrouted(ctx context.Context, item routing.UnroutedItem) error {
	filter := bson.M{"order_id": item.OrderID, "item_id": item.ItemID}
	update := bson.M{"$set": item}

	if _, err := r.unrouted.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("cannot flag unrouted item: %w", err)
	}
	return nil
}

func (r *RoutingRepo) ClearUnrouted(ctx context.Context, orderID routing.OrderID, itemID routing.ItemID) error {
	if _, err := r.unrouted.DeleteMany(ctx, bson.M{"order_id": orderID, "item_id": itemID}); err != nil {
		return fmt.Errorf("cannot clear unrouted flag: %w", err)
	}
	return nil
}

func (r *RoutingRepo) ListUnrouted(ctx context.Context) ([]routing.UnroutedItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "flagged_at", Value: 1}})

	cursor, err := r.unrouted.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot find unrouted items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []routing.UnroutedItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("cannot decode unrouted items: %w", err)
	}
	return items, nil
}
