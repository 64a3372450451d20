package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

func setupJobServiceTest(t *testing.T) (*mongo.Database, IClientService, IJobService, IJobItemService, func()) {
	dbName := fmt.Sprintf("testdb_job_service_%d", time.Now().UnixNano())
	db := setupTestDB(t, dbName)
	clientSvc := NewClientService(db)
	jobSvc := NewJobService(db, clientSvc)
	itemSvc := NewJobItemService(db, jobSvc)
	cleanup := func() {
		client := db.Client()
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}
	return db, clientSvc, jobSvc, itemSvc, cleanup
}

func TestJobService_CreateJob(t *testing.T) {
	_, clientSvc, jobSvc, _, cleanup := setupJobServiceTest(t)
	defer cleanup()
	ctx := context.Background()
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()

	client, err := clientSvc.CreateClient(ctx, tenantID, "Acme Corp", "", "", "", "")
	require.NoError(t, err)

	job, err := jobSvc.CreateJob(ctx, tenantID, client.ID, userID, "Website rebuild", "Full redesign")
	require.NoError(t, err)
	assert.Equal(t, client.ID, job.ClientID)
	assert.Equal(t, userID, job.CreatedBy)
	assert.False(t, job.Archived)

	// Title required
	_, err = jobSvc.CreateJob(ctx, tenantID, client.ID, userID, "  ", "")
	require.Error(t, err)
	assert.Equal(t, "validation_failed", ErrorCode(err))

	// Client must exist in the same tenant
	_, err = jobSvc.CreateJob(ctx, utils.NewSixID(), client.ID, userID, "Cross tenant", "")
	require.Error(t, err)
	assert.Equal(t, "not_found", ErrorCode(err))
}

func TestJobService_ArchiveUnarchive(t *testing.T) {
	_, clientSvc, jobSvc, _, cleanup := setupJobServiceTest(t)
	defer cleanup()
	ctx := context.Background()
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()

	client, err := clientSvc.CreateClient(ctx, tenantID, "Acme Corp", "", "", "", "")
	require.NoError(t, err)
	job, err := jobSvc.CreateJob(ctx, tenantID, client.ID, userID, "Ongoing retainer", "")
	require.NoError(t, err)

	require.NoError(t, jobSvc.ArchiveJob(ctx, tenantID, job.ID))

	// Archiving twice is a precondition failure, not a silent no-op
	err = jobSvc.ArchiveJob(ctx, tenantID, job.ID)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))

	// Archived jobs drop out of the default listing but stay reachable
	jobs, err := jobSvc.ListJobs(ctx, tenantID, nil, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	jobs, err = jobSvc.ListJobs(ctx, tenantID, nil, true)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, jobSvc.UnarchiveJob(ctx, tenantID, job.ID))
	jobs, err = jobSvc.ListJobs(ctx, tenantID, nil, false)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobService_ListJobsByClient(t *testing.T) {
	_, clientSvc, jobSvc, _, cleanup := setupJobServiceTest(t)
	defer cleanup()
	ctx := context.Background()
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()

	clientA, err := clientSvc.CreateClient(ctx, tenantID, "Client A", "", "", "", "")
	require.NoError(t, err)
	clientB, err := clientSvc.CreateClient(ctx, tenantID, "Client B", "", "", "", "")
	require.NoError(t, err)

	_, err = jobSvc.CreateJob(ctx, tenantID, clientA.ID, userID, "Job A1", "")
	require.NoError(t, err)
	_, err = jobSvc.CreateJob(ctx, tenantID, clientA.ID, userID, "Job A2", "")
	require.NoError(t, err)
	_, err = jobSvc.CreateJob(ctx, tenantID, clientB.ID, userID, "Job B1", "")
	require.NoError(t, err)

	jobs, err := jobSvc.ListJobs(ctx, tenantID, &clientA.ID, false)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = jobSvc.ListJobs(ctx, tenantID, nil, false)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestJobService_DeleteJob(t *testing.T) {
	_, clientSvc, jobSvc, itemSvc, cleanup := setupJobServiceTest(t)
	defer cleanup()
	ctx := context.Background()
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()

	client, err := clientSvc.CreateClient(ctx, tenantID, "Acme Corp", "", "", "", "")
	require.NoError(t, err)
	job, err := jobSvc.CreateJob(ctx, tenantID, client.ID, userID, "Doomed job", "")
	require.NoError(t, err)
	item, err := itemSvc.CreateJobItem(ctx, tenantID, job.ID, userID, "Consulting", "", models.UnitHour, 2, 15000, true)
	require.NoError(t, err)

	// Deleting takes the open items with it
	require.NoError(t, jobSvc.DeleteJob(ctx, tenantID, job.ID))
	_, err = jobSvc.FindJobByID(ctx, tenantID, job.ID)
	require.Error(t, err)
	assert.Equal(t, "not_found", ErrorCode(err))
	_, err = itemSvc.FindJobItemByID(ctx, tenantID, item.ID)
	require.Error(t, err)
	assert.Equal(t, "not_found", ErrorCode(err))
}

func TestJobService_DeleteJobRefusedWhileItemsLocked(t *testing.T) {
	db, clientSvc, jobSvc, itemSvc, cleanup := setupJobServiceTest(t)
	defer cleanup()
	ctx := context.Background()
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()

	client, err := clientSvc.CreateClient(ctx, tenantID, "Acme Corp", "", "", "", "")
	require.NoError(t, err)
	job, err := jobSvc.CreateJob(ctx, tenantID, client.ID, userID, "Billed job", "")
	require.NoError(t, err)
	item, err := itemSvc.CreateJobItem(ctx, tenantID, job.ID, userID, "Consulting", "", models.UnitHour, 2, 15000, true)
	require.NoError(t, err)

	// Simulate a draft invoice claiming the item
	_, err = db.Collection("job_items").UpdateByID(ctx, item.ID, bson.M{"$set": bson.M{
		"status": models.JobItemStatusSelected,
		"lock":   models.JobItemLock{InvoiceID: utils.NewSixID(), LockedAt: time.Now().UTC()},
	}})
	require.NoError(t, err)

	err = jobSvc.DeleteJob(ctx, tenantID, job.ID)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))

	// The job survives the refused delete
	_, err = jobSvc.FindJobByID(ctx, tenantID, job.ID)
	assert.NoError(t, err)
}
