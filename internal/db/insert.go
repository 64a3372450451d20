package db

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/models"
)

// InsertOne inserts a model into the collection, generating a fresh ID and
// retrying on the (vanishingly unlikely) duplicate _id collision. The model
// must embed models.Base. Returns the model with its assigned ID.
func InsertOne(ctx context.Context, collection *mongo.Collection, model models.IBase) (interface{}, error) {
	operation := func() error {
		model.GenID() // Regenerate on every attempt so a collision resolves itself
		_, err := collection.InsertOne(ctx, model)
		return err
	}
	if err := Try(operation); err != nil {
		return nil, err
	}
	return model, nil
}
