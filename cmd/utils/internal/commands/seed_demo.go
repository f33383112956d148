package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/cmd/utils/internal/seeding"
	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SeedDemo applies demo seeding to the routing database
func SeedDemo(ctx context.Context, config *aqm.Config, logger aqm.Logger) error {
	logger.Info("Starting demo seeding process...")

	client, err := connect(ctx, config)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	logger.Info("Connected to MongoDB")

	db := client.Database(databaseName(config))

	// Check if already seeded
	seedsCollection := db.Collection("_seeds")
	count, err := seedsCollection.CountDocuments(ctx, bson.M{"_id": "demo_routing_v1"})
	if err != nil {
		return fmt.Errorf("check seed status: %w", err)
	}
	if count > 0 {
		logger.Info("Routing demo seeds already applied, skipping")
		return nil
	}

	if err := seeding.SeedRoutingRecords(ctx, db); err != nil {
		return fmt.Errorf("seed routing records: %w", err)
	}

	if _, err := seedsCollection.InsertOne(ctx, seedMarker()); err != nil {
		logger.Infof("Failed to mark seed as applied: %v", err)
	}

	logger.Info("Routing demo seeds applied successfully")
	return nil
}

// seedMarker builds the _seeds document recording that demo seeding ran.
// It must be a plain insert document; update operators like $currentDate
// are rejected by InsertOne.
func seedMarker() bson.M {
	return bson.M{
		"_id":         "demo_routing_v1",
		"description": "Create demo routing records with a realistic spread across stations and states",
		"applied_at":  time.Now().UTC(),
	}
}

func connect(ctx context.Context, config *aqm.Config) (*mongo.Client, error) {
	mongoURL, _ := config.GetString("mongo.url")
	if mongoURL == "" {
		mongoURL = "mongodb://localhost:27017"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, nil
}

func databaseName(config *aqm.Config) string {
	name, _ := config.GetString("mongo.database")
	if name == "" {
		name = "kds_routing"
	}
	return name
}
