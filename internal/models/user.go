package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// NotificationPreferences allows users to control email notifications.
type NotificationPreferences struct {
	InvoiceEnquiry bool `bson:"invoice_enquiry" json:"invoice_enquiry"`
	InvoiceOverdue bool `bson:"invoice_overdue" json:"invoice_overdue"`
	InvoiceViewed  bool `bson:"invoice_viewed" json:"invoice_viewed"`
}

// User represents a member of a tenant. The first user is created with the
// owner role at registration; further users arrive as staff through invites
// and stay Pending until the invite action is accepted.
type User struct {
	Base                    `bson:",inline"`
	TenantID                utils.SixID              `bson:"tenant_id" json:"tenant_id"`
	Name                    string                   `bson:"name" json:"name"`
	Email                   string                   `bson:"email" json:"email"`
	PasswordHash            string                   `bson:"password" json:"-"` // Store hash, not plaintext
	Role                    TenantRole               `bson:"role" json:"role"`
	Pending                 bool                     `bson:"pending" json:"pending"`
	Suspended               bool                     `bson:"suspended" json:"suspended"`
	UpdatedAt               time.Time                `bson:"updated_at" json:"updated_at"`
	CreatedAt               time.Time                `bson:"created_at" json:"created_at"`
	NotificationPreferences *NotificationPreferences `bson:"notification_preferences,omitempty" json:"notification_preferences,omitempty"`
	Deleted                 bool                     `bson:"deleted" json:"-"` // Soft delete flag
}
