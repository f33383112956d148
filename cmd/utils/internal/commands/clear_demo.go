package commands

import (
	"context"
	"fmt"

	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
)

// ClearDemo removes all demo data from the routing database
func ClearDemo(ctx context.Context, config *aqm.Config, logger aqm.Logger) error {
	logger.Info("Starting demo data cleanup...")

	client, err := connect(ctx, config)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	logger.Info("Connected to MongoDB")

	db := client.Database(databaseName(config))

	recordsCollection := db.Collection("routing_records")
	result, err := recordsCollection.DeleteMany(ctx, bson.M{"created_by": "demo-seed"})
	if err != nil {
		return fmt.Errorf("delete demo routing records: %w", err)
	}
	logger.Info("Deleted demo routing records", "count", result.DeletedCount)

	seedsCollection := db.Collection("_seeds")
	if _, err := seedsCollection.DeleteOne(ctx, bson.M{"_id": "demo_routing_v1"}); err != nil {
		return fmt.Errorf("clear seed marker: %w", err)
	}

	return nil
}
