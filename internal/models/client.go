package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// Client is a billable party in a tenant's directory. Invoices copy the
// billing fields into a snapshot at draft creation, so edits here never
// rewrite existing invoices.
type Client struct {
	Base      `bson:",inline"`
	TenantID  utils.SixID `bson:"tenant_id" json:"tenant_id"`
	Name      string      `bson:"name" json:"name"`
	Email     string      `bson:"email" json:"email"`
	Address   string      `bson:"address" json:"address"`
	ABN       string      `bson:"abn" json:"abn"`
	Notes     string      `bson:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time   `bson:"updated_at" json:"updated_at"`
	Deleted   bool        `bson:"deleted" json:"-"`
}
