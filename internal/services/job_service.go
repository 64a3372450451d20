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

// IJobService defines the interface for job operations. Jobs group billable
// items under a client; archiving a job only hides it from listings, items
// stay billable.
type IJobService interface {
	CreateJob(ctx context.Context, tenantID, clientID, createdBy utils.SixID, title, description string) (*models.Job, error)
	FindJobByID(ctx context.Context, tenantID, jobID utils.SixID) (*models.Job, error)
	ListJobs(ctx context.Context, tenantID utils.SixID, clientID *utils.SixID, includeArchived bool) ([]models.Job, error)
	UpdateJob(ctx context.Context, tenantID, jobID utils.SixID, updates map[string]interface{}) (*models.Job, error)
	ArchiveJob(ctx context.Context, tenantID, jobID utils.SixID) error
	UnarchiveJob(ctx context.Context, tenantID, jobID utils.SixID) error
	DeleteJob(ctx context.Context, tenantID, jobID utils.SixID) error
}

const jobsCollection = "jobs"

// jobService implements IJobService.
type jobService struct {
	db            *mongo.Database
	clientService IClientService
}

// NewJobService creates a new JobService.
func NewJobService(db *mongo.Database, clientService IClientService) IJobService {
	return &jobService{db: db, clientService: clientService}
}

// CreateJob creates a job under an existing client of the same tenant.
func (s *jobService) CreateJob(ctx context.Context, tenantID, clientID, createdBy utils.SixID, title, description string) (*models.Job, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "job title is required")
	}

	// The client must exist within the tenant before a job can reference it.
	if _, err := s.clientService.FindClientByID(ctx, tenantID, clientID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc, err := db.InsertOne(ctx, s.db.Collection(jobsCollection), &models.Job{
		TenantID:    tenantID,
		ClientID:    clientID,
		Title:       title,
		Description: description,
		Archived:    false,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deleted:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert job for tenant %s: %w", tenantID.String(), err)
	}
	return doc.(*models.Job), nil
}

// FindJobByID finds a non-deleted job within the tenant.
func (s *jobService) FindJobByID(ctx context.Context, tenantID, jobID utils.SixID) (*models.Job, error) {
	var job models.Job
	filter := bson.M{"_id": jobID, "tenant_id": tenantID, "deleted": false}
	err := s.db.Collection(jobsCollection).FindOne(ctx, filter).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "job %s not found", jobID.String())
		}
		return nil, fmt.Errorf("error finding job %s: %w", jobID.String(), err)
	}
	return &job, nil
}

// ListJobs returns the tenant's jobs, optionally filtered by client.
// Archived jobs are excluded unless includeArchived is set.
func (s *jobService) ListJobs(ctx context.Context, tenantID utils.SixID, clientID *utils.SixID, includeArchived bool) ([]models.Job, error) {
	filter := bson.M{"tenant_id": tenantID, "deleted": false}
	if clientID != nil {
		filter["client_id"] = *clientID
	}
	if !includeArchived {
		filter["archived"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.db.Collection(jobsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing jobs for tenant %s: %w", tenantID.String(), err)
	}
	defer cursor.Close(ctx)

	var jobs []models.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("error decoding jobs for tenant %s: %w", tenantID.String(), err)
	}
	return jobs, nil
}

// UpdateJob updates mutable fields of a job. Line snapshots on invoices keep
// the title they captured.
func (s *jobService) UpdateJob(ctx context.Context, tenantID, jobID utils.SixID, updates map[string]interface{}) (*models.Job, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "title", "description":
			allowedUpdates[key] = value
		default:
			return nil, NewWorkflowError(ErrValidationFailed, "field '%s' cannot be updated", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "no valid fields provided for update")
	}
	if title, ok := allowedUpdates["title"].(string); ok && strings.TrimSpace(title) == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "job title cannot be empty")
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	filter := bson.M{"_id": jobID, "tenant_id": tenantID, "deleted": false}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.Job
	err := s.db.Collection(jobsCollection).FindOneAndUpdate(ctx, filter, bson.M{"$set": allowedUpdates}, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "job %s not found", jobID.String())
		}
		return nil, fmt.Errorf("failed to update job %s: %w", jobID.String(), err)
	}
	return &updated, nil
}

// ArchiveJob marks a job archived.
func (s *jobService) ArchiveJob(ctx context.Context, tenantID, jobID utils.SixID) error {
	return s.setArchived(ctx, tenantID, jobID, true)
}

// UnarchiveJob clears the archived flag.
func (s *jobService) UnarchiveJob(ctx context.Context, tenantID, jobID utils.SixID) error {
	return s.setArchived(ctx, tenantID, jobID, false)
}

func (s *jobService) setArchived(ctx context.Context, tenantID, jobID utils.SixID, archived bool) error {
	filter := bson.M{"_id": jobID, "tenant_id": tenantID, "deleted": false, "archived": !archived}
	update := bson.M{"$set": bson.M{"archived": archived, "updated_at": time.Now().UTC()}}

	result, err := s.db.Collection(jobsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error archiving job %s: %w", jobID.String(), err)
	}
	if result.MatchedCount == 0 {
		// Diagnose: missing vs already in the requested state
		var job models.Job
		checkErr := s.db.Collection(jobsCollection).FindOne(ctx, bson.M{"_id": jobID, "tenant_id": tenantID, "deleted": false}).Decode(&job)
		if errors.Is(checkErr, mongo.ErrNoDocuments) {
			return NewWorkflowError(ErrNotFound, "job %s not found", jobID.String())
		}
		return NewWorkflowError(ErrPreconditionFailed, "job %s is already in the requested archive state", jobID.String())
	}
	return nil
}

// DeleteJob soft-deletes a job. Refused while any of its items is locked to
// an invoice; open items are soft-deleted along with the job.
func (s *jobService) DeleteJob(ctx context.Context, tenantID, jobID utils.SixID) error {
	itemsColl := s.db.Collection(jobItemsCollection)
	lockedCount, err := itemsColl.CountDocuments(ctx, bson.M{
		"job_id":    jobID,
		"tenant_id": tenantID,
		"deleted":   false,
		"status":    bson.M{"$in": []models.JobItemStatus{models.JobItemStatusSelected, models.JobItemStatusInvoiced}},
	})
	if err != nil {
		return fmt.Errorf("db error checking locked items for job %s: %w", jobID.String(), err)
	}
	if lockedCount > 0 {
		return NewWorkflowError(ErrPreconditionFailed, "job %s has %d items locked to invoices", jobID.String(), lockedCount)
	}

	now := time.Now().UTC()
	filter := bson.M{"_id": jobID, "tenant_id": tenantID, "deleted": false}
	update := bson.M{"$set": bson.M{"deleted": true, "updated_at": now}}

	result, err := s.db.Collection(jobsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error deleting job %s: %w", jobID.String(), err)
	}
	if result.MatchedCount == 0 {
		return NewWorkflowError(ErrNotFound, "job %s not found", jobID.String())
	}

	_, err = itemsColl.UpdateMany(ctx,
		bson.M{"job_id": jobID, "tenant_id": tenantID, "deleted": false, "status": models.JobItemStatusOpen},
		bson.M{"$set": bson.M{"deleted": true, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("db error deleting open items of job %s: %w", jobID.String(), err)
	}
	return nil
}
