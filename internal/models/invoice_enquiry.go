package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// InvoiceEnquiry represents a question raised against an invoice through its
// public link (e.g. a client disputing a line). Stored for the tenant's
// records; delivery to the issuer happens via a background email task.
type InvoiceEnquiry struct {
	Base      `bson:",inline"`
	InvoiceID utils.SixID `bson:"invoice_id" json:"invoice_id"`
	TenantID  utils.SixID `bson:"tenant_id" json:"tenant_id"`
	FromEmail string      `bson:"from_email" json:"from_email"` // Reply-to email provided
	Message   string      `bson:"message" json:"message"`
	CreatedAt time.Time   `bson:"created_at" json:"created_at"`
	Sent      bool        `bson:"sent" json:"sent"` // False initially, true after background task sends email
	Deleted   bool        `bson:"deleted" json:"-"` // Soft delete flag
}
