package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/config"
	"github.com/johndetlefs/client-management-app-sub000/internal/db"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// ILinkedActionService defines the interface for managing linked actions.
// The action _id doubles as the secret code in the emailed link.
type ILinkedActionService interface {
	CreateResetAccessAction(ctx context.Context, userID utils.SixID) (*models.LinkedAction, error)
	CreateStaffInviteAction(ctx context.Context, userID, tenantID, inviterID utils.SixID) (*models.LinkedAction, error)
	FindAndValidateAction(ctx context.Context, actionIDStr string, expectedUserID *utils.SixID) (*models.LinkedAction, error)
	MarkActionExecuted(ctx context.Context, actionID utils.SixID) error
	FindByID(ctx context.Context, actionID utils.SixID) (*models.LinkedAction, error)
}

const linkedActionsCollection = "linked_actions"

// linkedActionService implements ILinkedActionService.
type linkedActionService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewLinkedActionService creates a new LinkedActionService.
func NewLinkedActionService(db *mongo.Database, cfg *config.Config) ILinkedActionService {
	return &linkedActionService{db: db, cfg: cfg}
}

// CreateResetAccessAction creates a short-lived action for password resets.
func (s *linkedActionService) CreateResetAccessAction(ctx context.Context, userID utils.SixID) (*models.LinkedAction, error) {
	return s.createAction(ctx, userID, models.ActionResetAccess, s.cfg.ResetAccessLinkTTL, nil)
}

// CreateStaffInviteAction creates an invite action carrying the inviting
// tenant so the acceptance email can name the business.
func (s *linkedActionService) CreateStaffInviteAction(ctx context.Context, userID, tenantID, inviterID utils.SixID) (*models.LinkedAction, error) {
	data := map[string]interface{}{
		"tenant_id":  tenantID.String(),
		"invited_by": inviterID.String(),
	}
	return s.createAction(ctx, userID, models.ActionStaffInvite, s.cfg.StaffInviteTTL, data)
}

// createAction is a helper to create different types of linked actions.
func (s *linkedActionService) createAction(ctx context.Context, userID utils.SixID, actionType models.LinkedActionType, ttl time.Duration, data map[string]interface{}) (*models.LinkedAction, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	doc, err := db.InsertOne(ctx, s.db.Collection(linkedActionsCollection), &models.LinkedAction{
		UserID:    userID,
		Type:      actionType,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Executed:  nil,
		Deleted:   false,
	})
	if err != nil {
		return nil, err
	}
	return doc.(*models.LinkedAction), nil
}

// FindAndValidateAction finds and validates a linked action by ID.
// Checks expiry, execution status, deletion status, and optionally the user ID.
// actionIDStr is a Crockford Base32 representation of the SixID.
func (s *linkedActionService) FindAndValidateAction(ctx context.Context, actionIDStr string, expectedUserID *utils.SixID) (*models.LinkedAction, error) {
	actionID, err := utils.ParseSixID(actionIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid action ID format")
	}

	collection := s.db.Collection(linkedActionsCollection)
	filter := bson.M{
		"_id":        actionID,
		"executed":   nil,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
		"deleted":    false,
	}

	if expectedUserID != nil {
		filter["user_id"] = *expectedUserID
	}

	var action models.LinkedAction
	err = collection.FindOne(ctx, filter).Decode(&action)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("action link is invalid, expired, or already used")
		}
		return nil, fmt.Errorf("database error validating action %s: %w", actionIDStr, err)
	}

	return &action, nil
}

// MarkActionExecuted marks a linked action as executed.
func (s *linkedActionService) MarkActionExecuted(ctx context.Context, actionID utils.SixID) error {
	collection := s.db.Collection(linkedActionsCollection)
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{"executed": now}}

	result, err := collection.UpdateByID(ctx, actionID, update)
	if err != nil {
		return fmt.Errorf("failed to mark action %s as executed: %w", actionID.String(), err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("action %s not found or already executed when trying to mark", actionID.String())
	}
	return nil
}

// FindByID retrieves a linked action by its ID, regardless of its status.
func (s *linkedActionService) FindByID(ctx context.Context, actionID utils.SixID) (*models.LinkedAction, error) {
	collection := s.db.Collection(linkedActionsCollection)
	var action models.LinkedAction
	err := collection.FindOne(ctx, bson.M{"_id": actionID}).Decode(&action)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("action with ID %s not found", actionID.String())
		}
		return nil, fmt.Errorf("database error finding action %s: %w", actionID.String(), err)
	}
	return &action, nil
}
