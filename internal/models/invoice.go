package models

import (
	"fmt"
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusSent          InvoiceStatus = "sent"
	InvoiceStatusViewed        InvoiceStatus = "viewed"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

// InvoiceLine is an immutable snapshot of a job item's billing fields,
// captured when the item is added to a draft. Edits to the source item or to
// tenant settings after that point never change the line.
type InvoiceLine struct {
	JobItemID      utils.SixID `bson:"job_item_id" json:"job_item_id"`
	JobID          utils.SixID `bson:"job_id" json:"job_id"`
	JobTitle       string      `bson:"job_title" json:"job_title"` // Denormalized for display
	Title          string      `bson:"title" json:"title"`
	Description    string      `bson:"description,omitempty" json:"description,omitempty"`
	Unit           JobItemUnit `bson:"unit" json:"unit"`
	Quantity       float64     `bson:"quantity" json:"quantity"`
	UnitPriceMinor int64       `bson:"unit_price_minor" json:"unit_price_minor"`
	TaxApplicable  bool        `bson:"tax_applicable" json:"tax_applicable"`
	TaxRate        float64     `bson:"tax_rate" json:"tax_rate"` // 0 when tax not applied
	SubtotalMinor  int64       `bson:"subtotal_minor" json:"subtotal_minor"`
	TaxMinor       int64       `bson:"tax_minor" json:"tax_minor"`
	TotalMinor     int64       `bson:"total_minor" json:"total_minor"`
}

// TaxBreakdownEntry aggregates taxable and tax amounts per distinct applied rate.
type TaxBreakdownEntry struct {
	Rate         float64 `bson:"rate" json:"rate"`
	TaxableMinor int64   `bson:"taxable_minor" json:"taxable_minor"`
	TaxMinor     int64   `bson:"tax_minor" json:"tax_minor"`
}

// ClientSnapshot denormalizes the client's billing details at draft creation.
type ClientSnapshot struct {
	Name    string `bson:"name" json:"name"`
	Email   string `bson:"email" json:"email"`
	Address string `bson:"address" json:"address"`
	ABN     string `bson:"abn" json:"abn"`
}

// Invoice is the aggregate root of the billing workflow. All monetary fields
// are int64 minor units. Lines and locked item ids mutate only while the
// status is draft; Number/InvoiceNumber are assigned exactly once at issue.
type Invoice struct {
	Base                `bson:",inline"`
	TenantID            utils.SixID         `bson:"tenant_id" json:"tenant_id"`
	ClientID            utils.SixID         `bson:"client_id" json:"client_id"`
	Status              InvoiceStatus       `bson:"status" json:"status"`
	Number              int64               `bson:"number,omitempty" json:"number,omitempty"`
	InvoiceNumber       string              `bson:"invoice_number,omitempty" json:"invoice_number,omitempty"` // e.g. "2025-001"
	Client              ClientSnapshot      `bson:"client" json:"client"`
	Lines               []InvoiceLine       `bson:"lines" json:"lines"`
	LockedJobItemIDs    []utils.SixID       `bson:"locked_job_item_ids" json:"locked_job_item_ids"`
	SubtotalMinor       int64               `bson:"subtotal_minor" json:"subtotal_minor"`
	TaxMinor            int64               `bson:"tax_minor" json:"tax_minor"`
	TotalMinor          int64               `bson:"total_minor" json:"total_minor"`
	AmountPaidMinor     int64               `bson:"amount_paid_minor" json:"amount_paid_minor"`
	BalanceDueMinor     int64               `bson:"balance_due_minor" json:"balance_due_minor"`
	TaxBreakdown        []TaxBreakdownEntry `bson:"tax_breakdown" json:"tax_breakdown"`
	IssueDate           *time.Time          `bson:"issue_date,omitempty" json:"issue_date,omitempty"`
	DueDate             *time.Time          `bson:"due_date,omitempty" json:"due_date,omitempty"`
	ViewedAt            *time.Time          `bson:"viewed_at,omitempty" json:"viewed_at,omitempty"`
	IssuedBy            *utils.SixID        `bson:"issued_by,omitempty" json:"issued_by,omitempty"`
	PublicToken         string              `bson:"public_token" json:"-"` // Opaque capability, never in authenticated JSON
	Notes               string              `bson:"notes,omitempty" json:"notes,omitempty"`
	PaymentInstructions string              `bson:"payment_instructions,omitempty" json:"payment_instructions,omitempty"`
	OverdueNotified     bool                `bson:"overdue_notified" json:"overdue_notified"` // Flag to prevent multiple overdue emails
	CreatedBy           utils.SixID         `bson:"created_by" json:"created_by"`
	CreatedAt           time.Time           `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time           `bson:"updated_at" json:"updated_at"`
}

// InvoiceCounter is the per-tenant-per-year sequence document backing gap-free
// invoice numbers. It is created lazily by the first issuance of a year and
// LastNumber moves up by exactly 1 per successful issue.
type InvoiceCounter struct {
	ID         string      `bson:"_id" json:"id"`
	TenantID   utils.SixID `bson:"tenant_id" json:"tenant_id"`
	Year       int         `bson:"year" json:"year"`
	LastNumber int64       `bson:"last_number" json:"last_number"`
	UpdatedAt  time.Time   `bson:"updated_at" json:"updated_at"`
}

// InvoiceCounterID builds the composite counter key for a tenant and year.
func InvoiceCounterID(tenantID utils.SixID, year int) string {
	return fmt.Sprintf("%s#invoices-%d", tenantID.String(), year)
}

// FormatInvoiceNumber renders the display number, e.g. 2025-001.
func FormatInvoiceNumber(year int, number int64) string {
	return fmt.Sprintf("%d-%03d", year, number)
}
