package models

import (
	"time"

	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// JobItemStatus is the lifecycle state of a billable item.
type JobItemStatus string

const (
	// JobItemStatusOpen: unlocked, editable, deletable, available to bill.
	JobItemStatusOpen JobItemStatus = "open"
	// JobItemStatusSelected: locked to exactly one draft invoice, immutable.
	JobItemStatusSelected JobItemStatus = "selected"
	// JobItemStatusInvoiced: locked to an issued invoice, permanently immutable.
	JobItemStatusInvoiced JobItemStatus = "invoiced"
)

// JobItemUnit is the billing unit of a job item.
type JobItemUnit string

const (
	UnitHour    JobItemUnit = "hour"
	UnitHalfDay JobItemUnit = "half_day"
	UnitDay     JobItemUnit = "day"
	UnitUnit    JobItemUnit = "unit"
	UnitExpense JobItemUnit = "expense"
)

// ValidJobItemUnit reports whether u is one of the recognised billing units.
func ValidJobItemUnit(u JobItemUnit) bool {
	switch u {
	case UnitHour, UnitHalfDay, UnitDay, UnitUnit, UnitExpense:
		return true
	}
	return false
}

// JobItemLock marks the one invoice that has claimed an item. Present if and
// only if the item status is selected or invoiced.
type JobItemLock struct {
	InvoiceID utils.SixID `bson:"invoice_id" json:"invoice_id"`
	LockedAt  time.Time   `bson:"locked_at" json:"locked_at"`
}

// JobItem is a billable unit of work. Money is int64 minor units (cents);
// quantity is a positive rational (e.g. 0.25 day).
type JobItem struct {
	Base           `bson:",inline"`
	TenantID       utils.SixID   `bson:"tenant_id" json:"tenant_id"`
	JobID          utils.SixID   `bson:"job_id" json:"job_id"`
	ClientID       utils.SixID   `bson:"client_id" json:"client_id"`
	Title          string        `bson:"title" json:"title"`
	Description    string        `bson:"description,omitempty" json:"description,omitempty"`
	Unit           JobItemUnit   `bson:"unit" json:"unit"`
	Quantity       float64       `bson:"quantity" json:"quantity"`
	UnitPriceMinor int64         `bson:"unit_price_minor" json:"unit_price_minor"`
	TaxApplicable  bool          `bson:"tax_applicable" json:"tax_applicable"`
	ReceiptKeys    []string      `bson:"receipt_keys,omitempty" json:"receipt_keys,omitempty"`
	Status         JobItemStatus `bson:"status" json:"status"`
	Lock           *JobItemLock  `bson:"lock,omitempty" json:"lock,omitempty"`
	CreatedBy      utils.SixID   `bson:"created_by" json:"created_by"`
	CreatedAt      time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at" json:"updated_at"`
	Deleted        bool          `bson:"deleted" json:"-"`
}
