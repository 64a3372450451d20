package services

import (
	"context"
	"fmt"

	"github.com/johndetlefs/client-management-app-sub000/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Default email templates used as fallback when not found in database
var defaultEmailTemplates = map[string]models.EmailTemplate{
	"welcome": {
		TemplateID: "welcome",
		Locale:     "en-US",
		Subject:    "Welcome to {{.app_name}}",
		Body:       "Hi {{.name}}, your {{.app_name}} account for {{.business_name}} is ready. You can start adding clients and jobs right away.",
	},
	"invoice_issued": {
		TemplateID: "invoice_issued",
		Locale:     "en-US",
		Subject:    "Invoice {{.invoice_number}} from {{.business_name}}",
		Body:       "Hi {{.client_name}}, invoice {{.invoice_number}} for {{.total}} is ready. View it here: {{.invoice_url}}\n\nDue: {{.due_date}}",
	},
	"invoice_overdue": {
		TemplateID: "invoice_overdue",
		Locale:     "en-US",
		Subject:    "Invoice {{.invoice_number}} is overdue",
		Body:       "Invoice {{.invoice_number}} for {{.client_name}} was due on {{.due_date}} and has an outstanding balance of {{.balance_due}}.",
	},
	"reset_access": {
		TemplateID: "reset_access",
		Locale:     "en-US",
		Subject:    "Reset your {{.app_name}} password",
		Body:       "Click here to reset your password: /la/{{.action_id}}\nThe link expires shortly. If you did not request this, ignore this email.",
	},
	"staff_invite": {
		TemplateID: "staff_invite",
		Locale:     "en-US",
		Subject:    "You have been invited to {{.business_name}} on {{.app_name}}",
		Body:       "Hi {{.name}}, {{.inviter_name}} invited you to join {{.business_name}}. Accept here: /la/{{.action_id}}",
	},
	"invoice_enquiry": {
		TemplateID: "invoice_enquiry",
		Locale:     "en-US",
		Subject:    "New enquiry on invoice {{.invoice_number}}",
		Body:       "{{.from_email}} asked about invoice {{.invoice_number}}:\n\n{{.message}}",
	},
}

// IEmailTemplateService defines the interface for email template operations.
type IEmailTemplateService interface {
	GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error)
}

const emailTemplatesCollection = "email_templates"

// EmailTemplateService handles operations related to email templates
type EmailTemplateService struct {
	db *mongo.Database
}

// NewEmailTemplateService creates a new instance of EmailTemplateService
func NewEmailTemplateService(db *mongo.Database) *EmailTemplateService {
	return &EmailTemplateService{
		db: db,
	}
}

// GetTemplate retrieves an email template by ID and locale
func (s *EmailTemplateService) GetTemplate(ctx context.Context, templateID string, locale string) (*models.EmailTemplate, error) {
	collection := s.db.Collection(emailTemplatesCollection)
	filter := bson.M{
		"template_id": templateID,
		"locale":      locale,
	}

	var template models.EmailTemplate
	err := collection.FindOne(ctx, filter).Decode(&template)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			// If template not found in DB, try to get from defaults
			if defaultTemplate, ok := defaultEmailTemplates[templateID]; ok {
				return &defaultTemplate, nil
			}
			return nil, fmt.Errorf("template not found: %s (locale: %s)", templateID, locale)
		}
		return nil, fmt.Errorf("error retrieving template: %w", err)
	}

	return &template, nil
}

// SaveTemplate saves an email template to the database
func (s *EmailTemplateService) SaveTemplate(ctx context.Context, template *models.EmailTemplate) error {
	collection := s.db.Collection(emailTemplatesCollection)
	filter := bson.M{
		"template_id": template.TemplateID,
		"locale":      template.Locale,
	}

	update := bson.M{"$set": template}
	opts := options.Update().SetUpsert(true)

	_, err := collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("error saving template: %w", err)
	}

	return nil
}

// DeleteTemplate deletes an email template from the database
func (s *EmailTemplateService) DeleteTemplate(ctx context.Context, templateID string, locale string) error {
	collection := s.db.Collection(emailTemplatesCollection)
	filter := bson.M{
		"template_id": templateID,
		"locale":      locale,
	}

	_, err := collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("error deleting template: %w", err)
	}

	return nil
}
