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

// IJobItemService defines the interface for job item operations. Items are
// only mutable while open; once a draft invoice selects an item it is locked
// and every write here refuses it.
type IJobItemService interface {
	CreateJobItem(ctx context.Context, tenantID, jobID, createdBy utils.SixID, title, description string, unit models.JobItemUnit, quantity float64, unitPriceMinor int64, taxApplicable bool) (*models.JobItem, error)
	FindJobItemByID(ctx context.Context, tenantID, itemID utils.SixID) (*models.JobItem, error)
	ListJobItems(ctx context.Context, tenantID, jobID utils.SixID, status *models.JobItemStatus) ([]models.JobItem, error)
	ListOpenItemsForClient(ctx context.Context, tenantID, clientID utils.SixID) ([]models.JobItem, error)
	UpdateJobItem(ctx context.Context, tenantID, itemID utils.SixID, updates map[string]interface{}) (*models.JobItem, error)
	DeleteJobItem(ctx context.Context, tenantID, itemID utils.SixID) error
	AttachReceiptKey(ctx context.Context, itemID utils.SixID, receiptKey string) error
}

const jobItemsCollection = "job_items"

// jobItemService implements IJobItemService.
type jobItemService struct {
	db         *mongo.Database
	jobService IJobService
}

// NewJobItemService creates a new JobItemService.
func NewJobItemService(db *mongo.Database, jobService IJobService) IJobItemService {
	return &jobItemService{db: db, jobService: jobService}
}

func validateJobItemFields(title string, unit models.JobItemUnit, quantity float64, unitPriceMinor int64) error {
	if strings.TrimSpace(title) == "" {
		return NewWorkflowError(ErrValidationFailed, "item title is required")
	}
	if !models.ValidJobItemUnit(unit) {
		return NewWorkflowError(ErrValidationFailed, "unknown unit '%s'", unit)
	}
	if quantity <= 0 {
		return NewWorkflowError(ErrValidationFailed, "quantity must be positive")
	}
	if unitPriceMinor < 0 {
		return NewWorkflowError(ErrValidationFailed, "unit price cannot be negative")
	}
	return nil
}

// CreateJobItem creates an open item under a job of the same tenant. The
// client id is denormalized from the job so billing queries skip a join.
func (s *jobItemService) CreateJobItem(ctx context.Context, tenantID, jobID, createdBy utils.SixID, title, description string, unit models.JobItemUnit, quantity float64, unitPriceMinor int64, taxApplicable bool) (*models.JobItem, error) {
	if err := validateJobItemFields(title, unit, quantity, unitPriceMinor); err != nil {
		return nil, err
	}

	job, err := s.jobService.FindJobByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc, err := db.InsertOne(ctx, s.db.Collection(jobItemsCollection), &models.JobItem{
		TenantID:       tenantID,
		JobID:          jobID,
		ClientID:       job.ClientID,
		Title:          strings.TrimSpace(title),
		Description:    description,
		Unit:           unit,
		Quantity:       quantity,
		UnitPriceMinor: unitPriceMinor,
		TaxApplicable:  taxApplicable,
		Status:         models.JobItemStatusOpen,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		Deleted:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert job item for job %s: %w", jobID.String(), err)
	}
	return doc.(*models.JobItem), nil
}

// FindJobItemByID finds a non-deleted item within the tenant.
func (s *jobItemService) FindJobItemByID(ctx context.Context, tenantID, itemID utils.SixID) (*models.JobItem, error) {
	var item models.JobItem
	filter := bson.M{"_id": itemID, "tenant_id": tenantID, "deleted": false}
	err := s.db.Collection(jobItemsCollection).FindOne(ctx, filter).Decode(&item)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "job item %s not found", itemID.String())
		}
		return nil, fmt.Errorf("error finding job item %s: %w", itemID.String(), err)
	}
	return &item, nil
}

// ListJobItems returns a job's non-deleted items, oldest first, optionally
// filtered by status.
func (s *jobItemService) ListJobItems(ctx context.Context, tenantID, jobID utils.SixID, status *models.JobItemStatus) ([]models.JobItem, error) {
	filter := bson.M{"tenant_id": tenantID, "job_id": jobID, "deleted": false}
	if status != nil {
		filter["status"] = *status
	}
	return s.findItems(ctx, filter)
}

// ListOpenItemsForClient returns every open item across the client's jobs,
// the candidate pool when building a draft invoice.
func (s *jobItemService) ListOpenItemsForClient(ctx context.Context, tenantID, clientID utils.SixID) ([]models.JobItem, error) {
	filter := bson.M{
		"tenant_id": tenantID,
		"client_id": clientID,
		"status":    models.JobItemStatusOpen,
		"deleted":   false,
	}
	return s.findItems(ctx, filter)
}

func (s *jobItemService) findItems(ctx context.Context, filter bson.M) ([]models.JobItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.db.Collection(jobItemsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing job items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []models.JobItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("error decoding job items: %w", err)
	}
	return items, nil
}

// UpdateJobItem updates billing fields of an item, guarded to open status.
// A locked item fails with the reason rather than a bare no-match.
func (s *jobItemService) UpdateJobItem(ctx context.Context, tenantID, itemID utils.SixID, updates map[string]interface{}) (*models.JobItem, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "title", "description", "unit", "quantity", "unit_price_minor", "tax_applicable":
			allowedUpdates[key] = value
		default:
			return nil, NewWorkflowError(ErrValidationFailed, "field '%s' cannot be updated", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "no valid fields provided for update")
	}
	if title, ok := allowedUpdates["title"].(string); ok && strings.TrimSpace(title) == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "item title cannot be empty")
	}
	if unit, ok := allowedUpdates["unit"].(string); ok && !models.ValidJobItemUnit(models.JobItemUnit(unit)) {
		return nil, NewWorkflowError(ErrValidationFailed, "unknown unit '%s'", unit)
	}
	if quantity, ok := allowedUpdates["quantity"].(float64); ok && quantity <= 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "quantity must be positive")
	}
	if price, ok := allowedUpdates["unit_price_minor"].(int64); ok && price < 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "unit price cannot be negative")
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	filter := bson.M{
		"_id":       itemID,
		"tenant_id": tenantID,
		"deleted":   false,
		"status":    models.JobItemStatusOpen,
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.JobItem
	err := s.db.Collection(jobItemsCollection).FindOneAndUpdate(ctx, filter, bson.M{"$set": allowedUpdates}, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.diagnoseLockedWrite(ctx, tenantID, itemID, "updated")
		}
		return nil, fmt.Errorf("failed to update job item %s: %w", itemID.String(), err)
	}
	return &updated, nil
}

// DeleteJobItem soft-deletes an open item. Locked items cannot be deleted
// until their invoice releases them.
func (s *jobItemService) DeleteJobItem(ctx context.Context, tenantID, itemID utils.SixID) error {
	filter := bson.M{
		"_id":       itemID,
		"tenant_id": tenantID,
		"deleted":   false,
		"status":    models.JobItemStatusOpen,
	}
	update := bson.M{"$set": bson.M{"deleted": true, "updated_at": time.Now().UTC()}}

	result, err := s.db.Collection(jobItemsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error deleting job item %s: %w", itemID.String(), err)
	}
	if result.MatchedCount == 0 {
		return s.diagnoseLockedWrite(ctx, tenantID, itemID, "deleted")
	}
	return nil
}

// diagnoseLockedWrite explains why a guarded open-only write matched nothing.
func (s *jobItemService) diagnoseLockedWrite(ctx context.Context, tenantID, itemID utils.SixID, verb string) error {
	var item models.JobItem
	checkErr := s.db.Collection(jobItemsCollection).FindOne(ctx, bson.M{"_id": itemID, "tenant_id": tenantID, "deleted": false}).Decode(&item)
	if errors.Is(checkErr, mongo.ErrNoDocuments) {
		return NewWorkflowError(ErrNotFound, "job item %s not found", itemID.String())
	}
	if checkErr != nil {
		return fmt.Errorf("db error checking job item %s: %w", itemID.String(), checkErr)
	}
	if item.Lock != nil {
		return NewWorkflowError(ErrPreconditionFailed, "job item %s is locked to invoice %s and cannot be %s", itemID.String(), item.Lock.InvoiceID.String(), verb)
	}
	return NewWorkflowError(ErrPreconditionFailed, "job item %s is %s and cannot be %s", itemID.String(), item.Status, verb)
}

// AttachReceiptKey appends a processed receipt object key to the item. Called
// by the background receipt task, which is also the reason there is no tenant
// guard here: the key was minted against a validated item.
func (s *jobItemService) AttachReceiptKey(ctx context.Context, itemID utils.SixID, receiptKey string) error {
	filter := bson.M{"_id": itemID, "deleted": false}
	update := bson.M{
		"$addToSet": bson.M{"receipt_keys": receiptKey},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := s.db.Collection(jobItemsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error attaching receipt to job item %s: %w", itemID.String(), err)
	}
	if result.MatchedCount == 0 {
		return NewWorkflowError(ErrNotFound, "job item %s not found", itemID.String())
	}
	return nil
}
