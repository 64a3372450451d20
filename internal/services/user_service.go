package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/johndetlefs/client-management-app-sub000/internal/auth"
	"github.com/johndetlefs/client-management-app-sub000/internal/db"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// ErrEmailExists is returned when an attempt is made to use an email that already exists.
var ErrEmailExists = errors.New("email already in use by another account")

// IUserService defines the interface for account and membership operations.
// Registration creates the whole tenant; staff arrive through invites.
type IUserService interface {
	RegisterTenant(ctx context.Context, businessName, name, email, password string) (*models.Tenant, *models.User, error)
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, userID utils.SixID) (*models.User, error)
	ListTenantUsers(ctx context.Context, tenantID utils.SixID) ([]models.User, error)
	ChangePassword(ctx context.Context, userID utils.SixID, oldPassword, newPassword string) error
	InviteStaff(ctx context.Context, tenantID, inviterID utils.SixID, name, email string) (*models.User, *models.LinkedAction, error)
	AcceptStaffInvite(ctx context.Context, actionIDStr, password string) (*models.User, error)
	RequestAccessReset(ctx context.Context, email string) (*models.User, *models.LinkedAction, error)
	ResetPassword(ctx context.Context, actionIDStr, newPassword string) (*models.User, error)
	SuspendUser(ctx context.Context, tenantID, userIDToSuspend, actorID utils.SixID) error
	UnsuspendUser(ctx context.Context, tenantID, userIDToUnsuspend utils.SixID) error
	UpdateNotificationPreferences(ctx context.Context, userID utils.SixID, prefs models.NotificationPreferences) error
}

const (
	usersCollection   = "users"
	tenantsCollection = "tenants"
)

// userService implements IUserService.
type userService struct {
	db              *mongo.Database
	linkedActionSvc ILinkedActionService
	settingsService ISettingsService
}

// NewUserService creates a new UserService.
func NewUserService(db *mongo.Database, linkedActionSvc ILinkedActionService, settingsService ISettingsService) IUserService {
	return &userService{db: db, linkedActionSvc: linkedActionSvc, settingsService: settingsService}
}

func defaultNotificationPreferences() *models.NotificationPreferences {
	return &models.NotificationPreferences{
		InvoiceEnquiry: true,
		InvoiceOverdue: true,
		InvoiceViewed:  false,
	}
}

// RegisterTenant creates a tenant, its owner account and the default
// invoicing settings in one go.
func (s *userService) RegisterTenant(ctx context.Context, businessName, name, email, password string) (*models.Tenant, *models.User, error) {
	businessName = strings.TrimSpace(businessName)
	email = strings.ToLower(strings.TrimSpace(email))
	if businessName == "" {
		return nil, nil, NewWorkflowError(ErrValidationFailed, "business name is required")
	}

	collection := s.db.Collection(usersCollection)

	// Uniqueness check before inserting; the unique email index is the
	// backstop for races.
	count, err := collection.CountDocuments(ctx, bson.M{"email": email, "deleted": false})
	if err != nil {
		return nil, nil, fmt.Errorf("error checking email uniqueness for %s: %w", email, err)
	}
	if count > 0 {
		return nil, nil, ErrEmailExists
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password for %s: %w", email, err)
	}

	now := time.Now().UTC()
	tenantDoc, err := db.InsertOne(ctx, s.db.Collection(tenantsCollection), &models.Tenant{
		BusinessName: businessName,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert tenant %q: %w", businessName, err)
	}
	tenant := tenantDoc.(*models.Tenant)

	var newUser *models.User
	operation := func() error {
		newUser = &models.User{
			Base:                    models.NewBase(), // ID regenerated per attempt
			TenantID:                tenant.ID,
			Name:                    name,
			Email:                   email,
			PasswordHash:            hashedPassword,
			Role:                    models.RoleOwner,
			Pending:                 false,
			Suspended:               false,
			CreatedAt:               now,
			UpdatedAt:               now,
			NotificationPreferences: defaultNotificationPreferences(),
			Deleted:                 false,
		}
		_, insertErr := collection.InsertOne(ctx, newUser)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "email_1") {
			return nil, nil, ErrEmailExists
		}
		return nil, nil, fmt.Errorf("error inserting owner user for %s after multiple retries: %w", email, err)
	}

	if _, err := s.settingsService.EnsureDefaults(ctx, tenant.ID); err != nil {
		// Settings can be lazily recreated on first read; registration still succeeds.
		log.Printf("Failed to create default settings for tenant %s: %v", tenant.ID.String(), err)
	}

	log.Printf("Registered tenant %s (%s) with owner %s", tenant.ID.String(), businessName, newUser.ID.String())
	return tenant, newUser, nil
}

// Authenticate verifies credentials for login. Pending and suspended
// accounts cannot log in.
func (s *userService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrAuthorizationFailed, "invalid email or password")
		}
		return nil, err
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, NewWorkflowError(ErrAuthorizationFailed, "invalid email or password")
	}
	if user.Pending {
		return nil, NewWorkflowError(ErrAuthorizationFailed, "account invite has not been accepted yet")
	}
	if user.Suspended {
		return nil, NewWorkflowError(ErrAuthorizationFailed, "account is suspended")
	}
	return user, nil
}

// FindByEmail finds a non-deleted user by their email address.
// Returns nil and mongo.ErrNoDocuments if not found.
func (s *userService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	filter := bson.M{"email": email, "deleted": false}
	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by email %s: %w", email, err)
	}
	return &user, nil
}

// FindByID finds a non-deleted user by their ID.
func (s *userService) FindByID(ctx context.Context, userID utils.SixID) (*models.User, error) {
	var user models.User
	filter := bson.M{"_id": userID, "deleted": false}
	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by ID %s: %w", userID.String(), err)
	}
	return &user, nil
}

// ListTenantUsers returns all non-deleted members of a tenant.
func (s *userService) ListTenantUsers(ctx context.Context, tenantID utils.SixID) ([]models.User, error) {
	filter := bson.M{"tenant_id": tenantID, "deleted": false}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.db.Collection(usersCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query users for tenant %s: %w", tenantID.String(), err)
	}
	defer cursor.Close(ctx)

	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users for tenant %s: %w", tenantID.String(), err)
	}
	return users, nil
}

// ChangePassword verifies the old password and replaces the hash.
func (s *userService) ChangePassword(ctx context.Context, userID utils.SixID, oldPassword, newPassword string) error {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !auth.CheckPasswordHash(oldPassword, user.PasswordHash) {
		return NewWorkflowError(ErrAuthorizationFailed, "old password is incorrect")
	}
	return s.setPassword(ctx, userID, newPassword, nil)
}

// setPassword hashes and stores a new password, optionally clearing the
// pending flag (invite acceptance).
func (s *userService) setPassword(ctx context.Context, userID utils.SixID, password string, clearPending *bool) error {
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password for user %s: %w", userID.String(), err)
	}

	set := bson.M{"password": hashedPassword, "updated_at": time.Now().UTC()}
	if clearPending != nil {
		set["pending"] = !*clearPending
	}
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx, bson.M{"_id": userID, "deleted": false}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("error updating credentials for user %s: %w", userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// InviteStaff creates a pending staff account in the inviter's tenant and a
// one-time invite action for the email link.
func (s *userService) InviteStaff(ctx context.Context, tenantID, inviterID utils.SixID, name, email string) (*models.User, *models.LinkedAction, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	collection := s.db.Collection(usersCollection)

	count, err := collection.CountDocuments(ctx, bson.M{"email": email, "deleted": false})
	if err != nil {
		return nil, nil, fmt.Errorf("error checking email uniqueness for %s: %w", email, err)
	}
	if count > 0 {
		return nil, nil, ErrEmailExists
	}

	now := time.Now().UTC()
	var invited *models.User
	operation := func() error {
		invited = &models.User{
			Base:                    models.NewBase(),
			TenantID:                tenantID,
			Name:                    name,
			Email:                   email,
			Role:                    models.RoleStaff,
			Pending:                 true,
			CreatedAt:               now,
			UpdatedAt:               now,
			NotificationPreferences: defaultNotificationPreferences(),
			Deleted:                 false,
		}
		_, insertErr := collection.InsertOne(ctx, invited)
		return insertErr
	}
	if err := db.Try(operation); err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "email_1") {
			return nil, nil, ErrEmailExists
		}
		return nil, nil, fmt.Errorf("error inserting invited user %s after multiple retries: %w", email, err)
	}

	action, err := s.linkedActionSvc.CreateStaffInviteAction(ctx, invited.ID, tenantID, inviterID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create staff invite action: %w", err)
	}

	log.Printf("User %s invited %s to tenant %s (action %s)", inviterID.String(), email, tenantID.String(), action.ID.String())
	return invited, action, nil
}

// AcceptStaffInvite validates the invite link, sets the password and
// activates the pending account.
func (s *userService) AcceptStaffInvite(ctx context.Context, actionIDStr, password string) (*models.User, error) {
	action, err := s.linkedActionSvc.FindAndValidateAction(ctx, actionIDStr, nil)
	if err != nil {
		return nil, NewWorkflowError(ErrPreconditionFailed, "%s", err.Error())
	}
	if action.Type != models.ActionStaffInvite {
		return nil, NewWorkflowError(ErrPreconditionFailed, "action link is invalid, expired, or already used")
	}

	cleared := true
	if err := s.setPassword(ctx, action.UserID, password, &cleared); err != nil {
		return nil, err
	}
	if err := s.linkedActionSvc.MarkActionExecuted(ctx, action.ID); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, action.UserID)
}

// RequestAccessReset creates a reset action for the account. The caller must
// not reveal to the requester whether the email exists.
func (s *userService) RequestAccessReset(ctx context.Context, email string) (*models.User, *models.LinkedAction, error) {
	user, err := s.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, mongo.ErrNoDocuments
		}
		return nil, nil, err
	}
	action, err := s.linkedActionSvc.CreateResetAccessAction(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reset access action: %w", err)
	}
	return user, action, nil
}

// ResetPassword consumes a reset action and stores the new password.
func (s *userService) ResetPassword(ctx context.Context, actionIDStr, newPassword string) (*models.User, error) {
	action, err := s.linkedActionSvc.FindAndValidateAction(ctx, actionIDStr, nil)
	if err != nil {
		return nil, NewWorkflowError(ErrPreconditionFailed, "%s", err.Error())
	}
	if action.Type != models.ActionResetAccess {
		return nil, NewWorkflowError(ErrPreconditionFailed, "action link is invalid, expired, or already used")
	}

	if err := s.setPassword(ctx, action.UserID, newPassword, nil); err != nil {
		return nil, err
	}
	if err := s.linkedActionSvc.MarkActionExecuted(ctx, action.ID); err != nil {
		return nil, err
	}
	return s.FindByID(ctx, action.UserID)
}

// SuspendUser marks a tenant member as suspended. The actor cannot suspend
// themselves.
func (s *userService) SuspendUser(ctx context.Context, tenantID, userIDToSuspend, actorID utils.SixID) error {
	if userIDToSuspend == actorID {
		return NewWorkflowError(ErrValidationFailed, "cannot suspend yourself")
	}
	filter := bson.M{"_id": userIDToSuspend, "tenant_id": tenantID, "deleted": false}
	update := bson.M{"$set": bson.M{"suspended": true, "updated_at": time.Now().UTC()}}
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error suspending user %s: %w", userIDToSuspend.String(), err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	log.Printf("User %s suspended by %s", userIDToSuspend.String(), actorID.String())
	return nil
}

// UnsuspendUser clears the suspended flag.
func (s *userService) UnsuspendUser(ctx context.Context, tenantID, userIDToUnsuspend utils.SixID) error {
	filter := bson.M{"_id": userIDToUnsuspend, "tenant_id": tenantID, "deleted": false}
	update := bson.M{"$set": bson.M{"suspended": false, "updated_at": time.Now().UTC()}}
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error unsuspending user %s: %w", userIDToUnsuspend.String(), err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	log.Printf("User %s unsuspended", userIDToUnsuspend.String())
	return nil
}

// UpdateNotificationPreferences replaces the user's notification settings.
func (s *userService) UpdateNotificationPreferences(ctx context.Context, userID utils.SixID, prefs models.NotificationPreferences) error {
	update := bson.M{"$set": bson.M{"notification_preferences": prefs, "updated_at": time.Now().UTC()}}
	result, err := s.db.Collection(usersCollection).UpdateOne(ctx, bson.M{"_id": userID, "deleted": false}, update)
	if err != nil {
		return fmt.Errorf("db error updating notification preferences for user %s: %w", userID.String(), err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
