package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/johndetlefs/client-management-app-sub000/internal/db"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// IClientService defines the interface for client directory operations.
// Every method is scoped to a tenant; a client belonging to another tenant
// behaves exactly like a client that does not exist.
type IClientService interface {
	CreateClient(ctx context.Context, tenantID utils.SixID, name, email, address, abn, notes string) (*models.Client, error)
	FindClientByID(ctx context.Context, tenantID, clientID utils.SixID) (*models.Client, error)
	ListClients(ctx context.Context, tenantID utils.SixID) ([]models.Client, error)
	UpdateClient(ctx context.Context, tenantID, clientID utils.SixID, updates map[string]interface{}) (*models.Client, error)
	DeleteClient(ctx context.Context, tenantID, clientID utils.SixID) error
	SearchClients(ctx context.Context, tenantID utils.SixID, query string, limit int) ([]models.Client, error)
}

const clientsCollection = "clients"

// clientService implements IClientService.
type clientService struct {
	db *mongo.Database
}

// NewClientService creates a new ClientService.
func NewClientService(db *mongo.Database) IClientService {
	return &clientService{db: db}
}

// CreateClient creates a new client in the tenant's directory.
func (s *clientService) CreateClient(ctx context.Context, tenantID utils.SixID, name, email, address, abn, notes string) (*models.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "client name is required")
	}

	now := time.Now().UTC()
	doc, err := db.InsertOne(ctx, s.db.Collection(clientsCollection), &models.Client{
		TenantID:  tenantID,
		Name:      name,
		Email:     strings.TrimSpace(email),
		Address:   address,
		ABN:       abn,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
		Deleted:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert client for tenant %s: %w", tenantID.String(), err)
	}
	return doc.(*models.Client), nil
}

// FindClientByID finds a non-deleted client within the tenant.
func (s *clientService) FindClientByID(ctx context.Context, tenantID, clientID utils.SixID) (*models.Client, error) {
	var client models.Client
	filter := bson.M{"_id": clientID, "tenant_id": tenantID, "deleted": false}
	err := s.db.Collection(clientsCollection).FindOne(ctx, filter).Decode(&client)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "client %s not found", clientID.String())
		}
		return nil, fmt.Errorf("error finding client %s: %w", clientID.String(), err)
	}
	return &client, nil
}

// ListClients returns the tenant's non-deleted clients, newest first.
func (s *clientService) ListClients(ctx context.Context, tenantID utils.SixID) ([]models.Client, error) {
	filter := bson.M{"tenant_id": tenantID, "deleted": false}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.db.Collection(clientsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing clients for tenant %s: %w", tenantID.String(), err)
	}
	defer cursor.Close(ctx)

	var clients []models.Client
	if err := cursor.All(ctx, &clients); err != nil {
		return nil, fmt.Errorf("error decoding clients for tenant %s: %w", tenantID.String(), err)
	}
	return clients, nil
}

// UpdateClient updates mutable fields of a client. Existing invoices keep
// their snapshot of the old details; only future drafts see the change.
func (s *clientService) UpdateClient(ctx context.Context, tenantID, clientID utils.SixID, updates map[string]interface{}) (*models.Client, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "name", "email", "address", "abn", "notes":
			allowedUpdates[key] = value
		default:
			return nil, NewWorkflowError(ErrValidationFailed, "field '%s' cannot be updated", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "no valid fields provided for update")
	}
	if name, ok := allowedUpdates["name"].(string); ok && strings.TrimSpace(name) == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "client name cannot be empty")
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	filter := bson.M{"_id": clientID, "tenant_id": tenantID, "deleted": false}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.Client
	err := s.db.Collection(clientsCollection).FindOneAndUpdate(ctx, filter, bson.M{"$set": allowedUpdates}, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "client %s not found", clientID.String())
		}
		return nil, fmt.Errorf("failed to update client %s: %w", clientID.String(), err)
	}
	return &updated, nil
}

// DeleteClient soft-deletes a client. Jobs and invoices referencing it are
// left alone; they carry their own denormalized copies.
func (s *clientService) DeleteClient(ctx context.Context, tenantID, clientID utils.SixID) error {
	filter := bson.M{"_id": clientID, "tenant_id": tenantID, "deleted": false}
	update := bson.M{"$set": bson.M{"deleted": true, "updated_at": time.Now().UTC()}}

	result, err := s.db.Collection(clientsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error deleting client %s: %w", clientID.String(), err)
	}
	if result.MatchedCount == 0 {
		return NewWorkflowError(ErrNotFound, "client %s not found", clientID.String())
	}
	return nil
}

// SearchClients performs a text search over the tenant's clients, ranked by
// text score. Requires the text index on name/email/abn.
func (s *clientService) SearchClients(ctx context.Context, tenantID utils.SixID, query string, limit int) ([]models.Client, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "search query is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	filter := bson.M{
		"tenant_id": tenantID,
		"deleted":   false,
		"$text":     bson.M{"$search": query},
	}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(clientsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error searching clients for tenant %s: %w", tenantID.String(), err)
	}
	defer cursor.Close(ctx)

	var clients []models.Client
	if err := cursor.All(ctx, &clients); err != nil {
		return nil, fmt.Errorf("error decoding client search results: %w", err)
	}
	return clients, nil
}
