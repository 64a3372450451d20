package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// TenantRole is the role a user holds within their tenant.
type TenantRole string

const (
	RoleOwner TenantRole = "owner"
	RoleStaff TenantRole = "staff"
)

// Tenant is the isolation boundary: every client, job, job item and invoice
// belongs to exactly one tenant, and no operation crosses tenants.
type Tenant struct {
	Base         `bson:",inline"`
	BusinessName string    `bson:"business_name" json:"business_name"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// TenantSettings holds per-tenant invoicing defaults. DefaultTaxRate is a
// fraction (0.10 = 10%) applied to tax-applicable job items at the moment a
// line snapshot is built; changing it later never rewrites existing lines.
type TenantSettings struct {
	Base                `bson:",inline"`
	TenantID            utils.SixID `bson:"tenant_id" json:"tenant_id"`
	DefaultTaxRate      float64     `bson:"default_tax_rate" json:"default_tax_rate"`
	TaxLabel            string      `bson:"tax_label" json:"tax_label"`
	DefaultDueDays      int         `bson:"default_due_days" json:"default_due_days"`
	PaymentInstructions string      `bson:"payment_instructions" json:"payment_instructions"`
	UpdatedAt           time.Time   `bson:"updated_at" json:"updated_at"`
}
