package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/db"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// IEnquiryService defines the interface for invoice enquiry operations.
// Enquiries arrive anonymously through the public invoice link; delivery to
// the issuing tenant happens via a background email task.
type IEnquiryService interface {
	CreateEnquiry(ctx context.Context, invoice *models.Invoice, fromEmail, message string) (*models.InvoiceEnquiry, error)
	FindEnquiryByID(ctx context.Context, enquiryID utils.SixID) (*models.InvoiceEnquiry, error)
	MarkEnquirySent(ctx context.Context, enquiryID utils.SixID) error
	ListEnquiries(ctx context.Context, tenantID, invoiceID utils.SixID) ([]models.InvoiceEnquiry, error)
}

const enquiriesCollection = "invoice_enquiries"

// enquiryService implements IEnquiryService.
type enquiryService struct {
	db *mongo.Database
}

// NewEnquiryService creates a new EnquiryService.
func NewEnquiryService(db *mongo.Database) IEnquiryService {
	return &enquiryService{db: db}
}

// CreateEnquiry records a question raised against an invoice.
func (s *enquiryService) CreateEnquiry(ctx context.Context, invoice *models.Invoice, fromEmail, message string) (*models.InvoiceEnquiry, error) {
	if strings.TrimSpace(message) == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "enquiry message is required")
	}
	if strings.TrimSpace(fromEmail) == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "reply-to email is required")
	}

	now := time.Now().UTC()
	doc, err := db.InsertOne(ctx, s.db.Collection(enquiriesCollection), &models.InvoiceEnquiry{
		InvoiceID: invoice.ID,
		TenantID:  invoice.TenantID,
		FromEmail: strings.TrimSpace(fromEmail),
		Message:   message,
		CreatedAt: now,
		Sent:      false, // Email sending handled by background task
		Deleted:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert enquiry for invoice %s: %w", invoice.ID.String(), err)
	}
	return doc.(*models.InvoiceEnquiry), nil
}

// FindEnquiryByID fetches a single enquiry. Used by the delivery task, so no
// tenant scoping is applied.
func (s *enquiryService) FindEnquiryByID(ctx context.Context, enquiryID utils.SixID) (*models.InvoiceEnquiry, error) {
	var enquiry models.InvoiceEnquiry
	err := s.db.Collection(enquiriesCollection).FindOne(ctx, bson.M{"_id": enquiryID, "deleted": false}).Decode(&enquiry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "enquiry %s not found", enquiryID.String())
		}
		return nil, fmt.Errorf("error finding enquiry %s: %w", enquiryID.String(), err)
	}
	return &enquiry, nil
}

// MarkEnquirySent flags an enquiry once the notification email went out.
func (s *enquiryService) MarkEnquirySent(ctx context.Context, enquiryID utils.SixID) error {
	result, err := s.db.Collection(enquiriesCollection).UpdateByID(ctx, enquiryID, bson.M{"$set": bson.M{"sent": true}})
	if err != nil {
		return fmt.Errorf("failed to mark enquiry %s sent: %w", enquiryID.String(), err)
	}
	if result.MatchedCount == 0 {
		return NewWorkflowError(ErrNotFound, "enquiry %s not found", enquiryID.String())
	}
	return nil
}

// ListEnquiries returns an invoice's enquiries for the tenant's records.
func (s *enquiryService) ListEnquiries(ctx context.Context, tenantID, invoiceID utils.SixID) ([]models.InvoiceEnquiry, error) {
	filter := bson.M{"tenant_id": tenantID, "invoice_id": invoiceID, "deleted": false}
	cursor, err := s.db.Collection(enquiriesCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("error listing enquiries for invoice %s: %w", invoiceID.String(), err)
	}
	defer cursor.Close(ctx)

	var enquiries []models.InvoiceEnquiry
	if err := cursor.All(ctx, &enquiries); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return []models.InvoiceEnquiry{}, nil
		}
		return nil, fmt.Errorf("error decoding enquiries for invoice %s: %w", invoiceID.String(), err)
	}
	return enquiries, nil
}
