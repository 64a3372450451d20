package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/johndetlefs/client-management-app-sub000/internal/config"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// ISettingsService manages per-tenant invoicing defaults. Settings are read
// at the moment a line or draft is created; later changes never rewrite
// existing snapshots.
type ISettingsService interface {
	GetSettings(ctx context.Context, tenantID utils.SixID) (*models.TenantSettings, error)
	UpdateSettings(ctx context.Context, tenantID utils.SixID, updates map[string]interface{}) (*models.TenantSettings, error)
	EnsureDefaults(ctx context.Context, tenantID utils.SixID) (*models.TenantSettings, error)
}

const tenantSettingsCollection = "tenant_settings"

// settingsService implements ISettingsService.
type settingsService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewSettingsService creates a new SettingsService.
func NewSettingsService(db *mongo.Database, cfg *config.Config) ISettingsService {
	return &settingsService{db: db, cfg: cfg}
}

// GetSettings returns the tenant's settings, creating the defaults document
// if registration never did (older tenants).
func (s *settingsService) GetSettings(ctx context.Context, tenantID utils.SixID) (*models.TenantSettings, error) {
	var settings models.TenantSettings
	err := s.db.Collection(tenantSettingsCollection).FindOne(ctx, bson.M{"tenant_id": tenantID}).Decode(&settings)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return s.EnsureDefaults(ctx, tenantID)
		}
		return nil, fmt.Errorf("error finding settings for tenant %s: %w", tenantID.String(), err)
	}
	return &settings, nil
}

// EnsureDefaults upserts the tenant's settings document with configured
// defaults, leaving existing values untouched.
func (s *settingsService) EnsureDefaults(ctx context.Context, tenantID utils.SixID) (*models.TenantSettings, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":                  utils.NewSixID(),
			"tenant_id":            tenantID,
			"default_tax_rate":     s.cfg.DefaultTaxRate,
			"tax_label":            s.cfg.TaxLabel,
			"default_due_days":     s.cfg.DefaultDueDays,
			"payment_instructions": "",
			"updated_at":           now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var settings models.TenantSettings
	err := s.db.Collection(tenantSettingsCollection).FindOneAndUpdate(ctx, bson.M{"tenant_id": tenantID}, update, opts).Decode(&settings)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure settings for tenant %s: %w", tenantID.String(), err)
	}
	return &settings, nil
}

// UpdateSettings updates the tenant's invoicing defaults.
func (s *settingsService) UpdateSettings(ctx context.Context, tenantID utils.SixID, updates map[string]interface{}) (*models.TenantSettings, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "default_tax_rate", "tax_label", "default_due_days", "payment_instructions":
			allowedUpdates[key] = value
		default:
			return nil, NewWorkflowError(ErrValidationFailed, "field '%s' cannot be updated", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "no valid fields provided for update")
	}
	if rate, ok := allowedUpdates["default_tax_rate"].(float64); ok && (rate < 0 || rate >= 1) {
		return nil, NewWorkflowError(ErrValidationFailed, "default tax rate must be a fraction in [0, 1)")
	}
	if days, ok := allowedUpdates["default_due_days"]; ok {
		switch d := days.(type) {
		case int:
			if d <= 0 {
				return nil, NewWorkflowError(ErrValidationFailed, "default due days must be positive")
			}
		case float64: // JSON numbers arrive as float64
			if d <= 0 || d != float64(int(d)) {
				return nil, NewWorkflowError(ErrValidationFailed, "default due days must be a positive integer")
			}
			allowedUpdates["default_due_days"] = int(d)
		}
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	// Make sure the document exists before the guarded update
	if _, err := s.EnsureDefaults(ctx, tenantID); err != nil {
		return nil, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated models.TenantSettings
	err := s.db.Collection(tenantSettingsCollection).FindOneAndUpdate(ctx, bson.M{"tenant_id": tenantID}, bson.M{"$set": allowedUpdates}, opts).Decode(&updated)
	if err != nil {
		return nil, fmt.Errorf("failed to update settings for tenant %s: %w", tenantID.String(), err)
	}
	return &updated, nil
}
