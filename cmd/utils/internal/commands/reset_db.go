package commands

import (
	"context"
	"fmt"

	"github.com/aquamarinepk/aqm"
	"go.mongodb.org/mongo-driver/bson"
)

// ResetDB drops the routing database - USE WITH CAUTION
func ResetDB(ctx context.Context, config *aqm.Config, logger aqm.Logger) error {
	name := databaseName(config)
	logger.Infof("DANGER: This will drop the %s database!", name)
	logger.Infof("This action cannot be undone!")

	client, err := connect(ctx, config)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	logger.Info("Connected to MongoDB")

	db := client.Database(name)
	result := db.RunCommand(ctx, bson.D{{Key: "dropDatabase", Value: 1}})
	if result.Err() != nil {
		return fmt.Errorf("drop database %s: %w", name, result.Err())
	}

	logger.Info("Database dropped", "database", name)
	return nil
}
