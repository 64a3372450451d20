package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/johndetlefs/client-management-app-sub000/internal/config"
	"github.com/johndetlefs/client-management-app-sub000/internal/db"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/money"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// IInvoiceService defines the interface for the invoicing workflow. The
// multi-document operations (adding/removing items, issuing, deleting drafts)
// run in Mongo transactions so item locks, invoice lines and the number
// counter never drift apart.
type IInvoiceService interface {
	CreateDraft(ctx context.Context, tenantID, clientID, createdBy utils.SixID, notes string) (*models.Invoice, error)
	FindInvoiceByID(ctx context.Context, tenantID, invoiceID utils.SixID) (*models.Invoice, error)
	FindInvoiceByPublicToken(ctx context.Context, token string) (*models.Invoice, error)
	ListInvoices(ctx context.Context, tenantID utils.SixID, status *models.InvoiceStatus, clientID *utils.SixID) ([]models.Invoice, error)
	AddItems(ctx context.Context, tenantID, invoiceID utils.SixID, itemIDs []utils.SixID) (*models.Invoice, error)
	RemoveItem(ctx context.Context, tenantID, invoiceID, itemID utils.SixID) (*models.Invoice, error)
	IssueInvoice(ctx context.Context, tenantID, invoiceID, issuedBy utils.SixID, dueDate *time.Time) (*models.Invoice, error)
	UpdatePayment(ctx context.Context, tenantID, invoiceID utils.SixID, amountPaidMinor int64) (*models.Invoice, error)
	VoidInvoice(ctx context.Context, tenantID, invoiceID utils.SixID, actorRole models.TenantRole) (*models.Invoice, error)
	DeleteDraft(ctx context.Context, tenantID, invoiceID utils.SixID) error
	MarkViewed(ctx context.Context, token string) (*models.Invoice, error)
	FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error)
	MarkInvoiceOverdueNotified(ctx context.Context, invoiceID utils.SixID) error
}

const (
	invoicesCollection        = "invoices"
	invoiceCountersCollection = "invoice_counters"
)

// invoiceService implements IInvoiceService.
type invoiceService struct {
	db              *mongo.Database
	cfg             *config.Config
	settingsService ISettingsService
	clientService   IClientService
}

// NewInvoiceService creates a new InvoiceService.
func NewInvoiceService(database *mongo.Database, cfg *config.Config, settingsService ISettingsService, clientService IClientService) IInvoiceService {
	return &invoiceService{db: database, cfg: cfg, settingsService: settingsService, clientService: clientService}
}

// newPublicToken mints the opaque capability embedded in public invoice
// links. 24 random bytes, URL-safe.
func newPublicToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate public token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// runTxn wraps db.WithTransaction, translating an exhausted retry budget
// into the workflow taxonomy.
func (s *invoiceService) runTxn(ctx context.Context, fn db.TxnFunc) (interface{}, error) {
	result, err := db.WithTransaction(ctx, s.db.Client(), fn)
	if err != nil {
		if errors.Is(err, db.ErrTxnRetriesExhausted) {
			return nil, NewWorkflowError(ErrConflictRetryExceeded, "operation kept conflicting with concurrent writes, try again")
		}
		return nil, err
	}
	return result, nil
}

// CreateDraft creates an empty draft invoice for a client, snapshotting the
// client's billing details and the tenant's payment instructions as they
// stand right now.
func (s *invoiceService) CreateDraft(ctx context.Context, tenantID, clientID, createdBy utils.SixID, notes string) (*models.Invoice, error) {
	client, err := s.clientService.FindClientByID(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	settings, err := s.settingsService.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	token, err := newPublicToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc, err := db.InsertOne(ctx, s.db.Collection(invoicesCollection), &models.Invoice{
		TenantID: tenantID,
		ClientID: clientID,
		Status:   models.InvoiceStatusDraft,
		Client: models.ClientSnapshot{
			Name:    client.Name,
			Email:   client.Email,
			Address: client.Address,
			ABN:     client.ABN,
		},
		Lines:               []models.InvoiceLine{},
		LockedJobItemIDs:    []utils.SixID{},
		TaxBreakdown:        []models.TaxBreakdownEntry{},
		PublicToken:         token,
		Notes:               notes,
		PaymentInstructions: settings.PaymentInstructions,
		CreatedBy:           createdBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert draft invoice for tenant %s: %w", tenantID.String(), err)
	}
	return doc.(*models.Invoice), nil
}

// FindInvoiceByID finds an invoice within the tenant.
func (s *invoiceService) FindInvoiceByID(ctx context.Context, tenantID, invoiceID utils.SixID) (*models.Invoice, error) {
	return s.findOne(ctx, bson.M{"_id": invoiceID, "tenant_id": tenantID})
}

// FindInvoiceByPublicToken finds a non-draft invoice by its public link
// token. Drafts are unreachable through the public surface.
func (s *invoiceService) FindInvoiceByPublicToken(ctx context.Context, token string) (*models.Invoice, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewWorkflowError(ErrValidationFailed, "public token is required")
	}
	return s.findOne(ctx, bson.M{
		"public_token": token,
		"status":       bson.M{"$ne": models.InvoiceStatusDraft},
	})
}

func (s *invoiceService) findOne(ctx context.Context, filter bson.M) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.Collection(invoicesCollection).FindOne(ctx, filter).Decode(&inv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "invoice not found")
		}
		return nil, fmt.Errorf("error finding invoice: %w", err)
	}
	return &inv, nil
}

// ListInvoices returns the tenant's invoices, newest first, optionally
// filtered by status and client.
func (s *invoiceService) ListInvoices(ctx context.Context, tenantID utils.SixID, status *models.InvoiceStatus, clientID *utils.SixID) ([]models.Invoice, error) {
	filter := bson.M{"tenant_id": tenantID}
	if status != nil {
		filter["status"] = *status
	}
	if clientID != nil {
		filter["client_id"] = *clientID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.db.Collection(invoicesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing invoices for tenant %s: %w", tenantID.String(), err)
	}
	defer cursor.Close(ctx)

	var invoices []models.Invoice
	if err := cursor.All(ctx, &invoices); err != nil {
		return nil, fmt.Errorf("error decoding invoices for tenant %s: %w", tenantID.String(), err)
	}
	return invoices, nil
}

// buildLine snapshots a job item into an invoice line at the given tax rate.
func buildLine(item *models.JobItem, jobTitle string, taxRate float64) models.InvoiceLine {
	rate := 0.0
	if item.TaxApplicable {
		rate = taxRate
	}
	subtotal := money.LineSubtotal(item.Quantity, item.UnitPriceMinor)
	tax := money.LineTax(subtotal, item.TaxApplicable, rate)
	return models.InvoiceLine{
		JobItemID:      item.ID,
		JobID:          item.JobID,
		JobTitle:       jobTitle,
		Title:          item.Title,
		Description:    item.Description,
		Unit:           item.Unit,
		Quantity:       item.Quantity,
		UnitPriceMinor: item.UnitPriceMinor,
		TaxApplicable:  item.TaxApplicable,
		TaxRate:        rate,
		SubtotalMinor:  subtotal,
		TaxMinor:       tax,
		TotalMinor:     money.LineTotal(subtotal, tax),
	}
}

// recompute derives the invoice totals and tax breakdown from its lines.
func recompute(inv *models.Invoice) {
	lines := make([]money.Line, len(inv.Lines))
	for i, l := range inv.Lines {
		lines[i] = money.Line{
			SubtotalMinor: l.SubtotalMinor,
			TaxMinor:      l.TaxMinor,
			TaxApplicable: l.TaxApplicable,
			Rate:          l.TaxRate,
		}
	}
	sum := money.Aggregate(lines)
	inv.SubtotalMinor = sum.SubtotalMinor
	inv.TaxMinor = sum.TaxMinor
	inv.TotalMinor = sum.TotalMinor
	inv.BalanceDueMinor = money.BalanceDue(sum.TotalMinor, inv.AmountPaidMinor)
	inv.TaxBreakdown = make([]models.TaxBreakdownEntry, len(sum.Breakdown))
	for i, b := range sum.Breakdown {
		inv.TaxBreakdown[i] = models.TaxBreakdownEntry{Rate: b.Rate, TaxableMinor: b.TaxableMinor, TaxMinor: b.TaxMinor}
	}
}

// loadDraft fetches the invoice inside the transaction and checks it is a
// draft of the given tenant.
func (s *invoiceService) loadDraft(sessCtx mongo.SessionContext, tenantID, invoiceID utils.SixID) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.Collection(invoicesCollection).FindOne(sessCtx, bson.M{"_id": invoiceID, "tenant_id": tenantID}).Decode(&inv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrNotFound, "invoice %s not found", invoiceID.String())
		}
		return nil, fmt.Errorf("error finding invoice %s: %w", invoiceID.String(), err)
	}
	if inv.Status != models.InvoiceStatusDraft {
		return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s is %s, not draft", invoiceID.String(), inv.Status)
	}
	return &inv, nil
}

// AddItems locks the given open job items to the draft and appends line
// snapshots for them, at the tenant's current default tax rate. All-or-
// nothing: one locked or foreign item fails the whole call.
func (s *invoiceService) AddItems(ctx context.Context, tenantID, invoiceID utils.SixID, itemIDs []utils.SixID) (*models.Invoice, error) {
	if len(itemIDs) == 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "no job items given")
	}
	seen := make(map[utils.SixID]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			return nil, NewWorkflowError(ErrValidationFailed, "job item %s given more than once", id.String())
		}
		seen[id] = true
	}

	result, err := s.runTxn(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		inv, err := s.loadDraft(sessCtx, tenantID, invoiceID)
		if err != nil {
			return nil, err
		}
		settings, err := s.settingsService.GetSettings(sessCtx, tenantID)
		if err != nil {
			return nil, err
		}

		itemsColl := s.db.Collection(jobItemsCollection)
		jobsColl := s.db.Collection(jobsCollection)
		now := time.Now().UTC()
		jobTitles := make(map[utils.SixID]string)

		for _, itemID := range itemIDs {
			var item models.JobItem
			err := itemsColl.FindOne(sessCtx, bson.M{"_id": itemID, "tenant_id": tenantID, "deleted": false}).Decode(&item)
			if err != nil {
				if errors.Is(err, mongo.ErrNoDocuments) {
					return nil, NewWorkflowError(ErrNotFound, "job item %s not found", itemID.String())
				}
				return nil, fmt.Errorf("error finding job item %s: %w", itemID.String(), err)
			}
			if item.ClientID != inv.ClientID {
				return nil, NewWorkflowError(ErrValidationFailed, "job item %s belongs to a different client", itemID.String())
			}
			if item.Status != models.JobItemStatusOpen {
				return nil, NewWorkflowError(ErrPreconditionFailed, "job item %s is %s, not open", itemID.String(), item.Status)
			}

			jobTitle, ok := jobTitles[item.JobID]
			if !ok {
				var job models.Job
				if err := jobsColl.FindOne(sessCtx, bson.M{"_id": item.JobID}).Decode(&job); err != nil {
					return nil, fmt.Errorf("error finding job %s for item %s: %w", item.JobID.String(), itemID.String(), err)
				}
				jobTitle = job.Title
				jobTitles[item.JobID] = jobTitle
			}

			// Guarded lock: the filter re-checks open status so a concurrent
			// claim aborts the transaction instead of double-locking.
			res, err := itemsColl.UpdateOne(sessCtx,
				bson.M{"_id": itemID, "status": models.JobItemStatusOpen},
				bson.M{"$set": bson.M{
					"status":     models.JobItemStatusSelected,
					"lock":       models.JobItemLock{InvoiceID: inv.ID, LockedAt: now},
					"updated_at": now,
				}})
			if err != nil {
				return nil, fmt.Errorf("db error locking job item %s: %w", itemID.String(), err)
			}
			if res.MatchedCount == 0 {
				return nil, NewWorkflowError(ErrPreconditionFailed, "job item %s was claimed concurrently", itemID.String())
			}

			inv.Lines = append(inv.Lines, buildLine(&item, jobTitle, settings.DefaultTaxRate))
			inv.LockedJobItemIDs = append(inv.LockedJobItemIDs, itemID)
		}

		recompute(inv)
		inv.UpdatedAt = now
		return inv, s.saveDraft(sessCtx, inv)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Invoice), nil
}

// RemoveItem drops an item's line from the draft and releases the item back
// to open.
func (s *invoiceService) RemoveItem(ctx context.Context, tenantID, invoiceID, itemID utils.SixID) (*models.Invoice, error) {
	result, err := s.runTxn(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		inv, err := s.loadDraft(sessCtx, tenantID, invoiceID)
		if err != nil {
			return nil, err
		}

		lineIdx := -1
		for i, l := range inv.Lines {
			if l.JobItemID == itemID {
				lineIdx = i
				break
			}
		}
		if lineIdx == -1 {
			return nil, NewWorkflowError(ErrNotFound, "invoice %s has no line for job item %s", invoiceID.String(), itemID.String())
		}
		inv.Lines = append(inv.Lines[:lineIdx], inv.Lines[lineIdx+1:]...)
		for i, id := range inv.LockedJobItemIDs {
			if id == itemID {
				inv.LockedJobItemIDs = append(inv.LockedJobItemIDs[:i], inv.LockedJobItemIDs[i+1:]...)
				break
			}
		}

		now := time.Now().UTC()
		res, err := s.db.Collection(jobItemsCollection).UpdateOne(sessCtx,
			bson.M{"_id": itemID, "status": models.JobItemStatusSelected, "lock.invoice_id": inv.ID},
			bson.M{"$set": bson.M{"status": models.JobItemStatusOpen, "updated_at": now}, "$unset": bson.M{"lock": ""}})
		if err != nil {
			return nil, fmt.Errorf("db error unlocking job item %s: %w", itemID.String(), err)
		}
		if res.MatchedCount == 0 {
			return nil, NewWorkflowError(ErrPreconditionFailed, "job item %s is not locked to invoice %s", itemID.String(), invoiceID.String())
		}

		recompute(inv)
		inv.UpdatedAt = now
		return inv, s.saveDraft(sessCtx, inv)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Invoice), nil
}

// saveDraft writes the mutated draft back, guarded on draft status so a
// concurrent issue aborts this transaction.
func (s *invoiceService) saveDraft(sessCtx mongo.SessionContext, inv *models.Invoice) error {
	res, err := s.db.Collection(invoicesCollection).ReplaceOne(sessCtx,
		bson.M{"_id": inv.ID, "status": models.InvoiceStatusDraft}, inv)
	if err != nil {
		return fmt.Errorf("db error saving draft invoice %s: %w", inv.ID.String(), err)
	}
	if res.MatchedCount == 0 {
		return NewWorkflowError(ErrPreconditionFailed, "invoice %s changed concurrently", inv.ID.String())
	}
	return nil
}

// IssueInvoice assigns the next gap-free number for the tenant's current
// year, stamps issue and due dates, promotes locked items to invoiced and
// moves the invoice to sent. The counter increment commits atomically with
// the invoice, which is what keeps the sequence gap-free.
func (s *invoiceService) IssueInvoice(ctx context.Context, tenantID, invoiceID, issuedBy utils.SixID, dueDate *time.Time) (*models.Invoice, error) {
	result, err := s.runTxn(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		inv, err := s.loadDraft(sessCtx, tenantID, invoiceID)
		if err != nil {
			return nil, err
		}
		if len(inv.Lines) == 0 {
			return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s has no lines", invoiceID.String())
		}

		now := time.Now().UTC()
		if dueDate != nil && dueDate.Before(now) {
			return nil, NewWorkflowError(ErrValidationFailed, "due date cannot be in the past")
		}

		settings, err := s.settingsService.GetSettings(sessCtx, tenantID)
		if err != nil {
			return nil, err
		}

		year := now.Year()
		var counter models.InvoiceCounter
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		err = s.db.Collection(invoiceCountersCollection).FindOneAndUpdate(sessCtx,
			bson.M{"_id": models.InvoiceCounterID(tenantID, year)},
			bson.M{
				"$inc":         bson.M{"last_number": 1},
				"$set":         bson.M{"updated_at": now},
				"$setOnInsert": bson.M{"tenant_id": tenantID, "year": year},
			}, opts).Decode(&counter)
		if err != nil {
			return nil, fmt.Errorf("failed to advance invoice counter for tenant %s: %w", tenantID.String(), err)
		}

		due := now.AddDate(0, 0, settings.DefaultDueDays)
		if dueDate != nil {
			due = dueDate.UTC()
		}

		inv.Status = models.InvoiceStatusSent
		inv.Number = counter.LastNumber
		inv.InvoiceNumber = models.FormatInvoiceNumber(year, counter.LastNumber)
		inv.IssueDate = &now
		inv.DueDate = &due
		inv.IssuedBy = &issuedBy
		inv.UpdatedAt = now
		recompute(inv)

		res, err := s.db.Collection(invoicesCollection).ReplaceOne(sessCtx,
			bson.M{"_id": inv.ID, "status": models.InvoiceStatusDraft}, inv)
		if err != nil {
			return nil, fmt.Errorf("db error issuing invoice %s: %w", inv.ID.String(), err)
		}
		if res.MatchedCount == 0 {
			return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s changed concurrently", inv.ID.String())
		}

		if len(inv.LockedJobItemIDs) > 0 {
			res, err := s.db.Collection(jobItemsCollection).UpdateMany(sessCtx,
				bson.M{"_id": bson.M{"$in": inv.LockedJobItemIDs}, "status": models.JobItemStatusSelected, "lock.invoice_id": inv.ID},
				bson.M{"$set": bson.M{"status": models.JobItemStatusInvoiced, "updated_at": now}})
			if err != nil {
				return nil, fmt.Errorf("db error promoting items of invoice %s: %w", inv.ID.String(), err)
			}
			if res.MatchedCount != int64(len(inv.LockedJobItemIDs)) {
				return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s item locks changed concurrently", inv.ID.String())
			}
		}

		return inv, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Invoice), nil
}

// UpdatePayment records the cumulative amount paid and derives the status:
// paid beats partially paid beats overdue; an unpaid invoice falls back to
// viewed or sent depending on whether the client has opened it.
func (s *invoiceService) UpdatePayment(ctx context.Context, tenantID, invoiceID utils.SixID, amountPaidMinor int64) (*models.Invoice, error) {
	inv, err := s.FindInvoiceByID(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case models.InvoiceStatusDraft:
		return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s is a draft, issue it first", invoiceID.String())
	case models.InvoiceStatusVoid:
		return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s is void", invoiceID.String())
	}
	if amountPaidMinor < 0 {
		return nil, NewWorkflowError(ErrValidationFailed, "amount paid cannot be negative")
	}
	if amountPaidMinor > inv.TotalMinor {
		return nil, NewWorkflowError(ErrValidationFailed, "amount paid %d exceeds invoice total %d", amountPaidMinor, inv.TotalMinor)
	}

	now := time.Now().UTC()
	newStatus := deriveStatus(inv, amountPaidMinor, now)

	// Guard on the status we read so a concurrent void or payment loses
	// cleanly instead of silently interleaving.
	filter := bson.M{"_id": invoiceID, "tenant_id": tenantID, "status": inv.Status}
	update := bson.M{"$set": bson.M{
		"amount_paid_minor": amountPaidMinor,
		"balance_due_minor": money.BalanceDue(inv.TotalMinor, amountPaidMinor),
		"status":            newStatus,
		"updated_at":        now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.Invoice
	err = s.db.Collection(invoicesCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s changed concurrently", invoiceID.String())
		}
		return nil, fmt.Errorf("failed to update payment on invoice %s: %w", invoiceID.String(), err)
	}
	return &updated, nil
}

// deriveStatus picks the post-payment status for an issued invoice.
func deriveStatus(inv *models.Invoice, amountPaidMinor int64, now time.Time) models.InvoiceStatus {
	if amountPaidMinor == inv.TotalMinor {
		return models.InvoiceStatusPaid
	}
	if amountPaidMinor > 0 {
		return models.InvoiceStatusPartiallyPaid
	}
	if inv.DueDate != nil && now.After(*inv.DueDate) {
		return models.InvoiceStatusOverdue
	}
	if inv.ViewedAt != nil {
		return models.InvoiceStatusViewed
	}
	return models.InvoiceStatusSent
}

// VoidInvoice voids an invoice in any non-void state. Owner only. Voiding a
// still-draft invoice releases its selected items back to open like
// DeleteDraft; once issued, the number is consumed forever and the invoiced
// items stay locked, preserving the audit trail.
func (s *invoiceService) VoidInvoice(ctx context.Context, tenantID, invoiceID utils.SixID, actorRole models.TenantRole) (*models.Invoice, error) {
	if actorRole != models.RoleOwner {
		return nil, NewWorkflowError(ErrAuthorizationFailed, "only the owner can void an invoice")
	}

	result, err := s.runTxn(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		inv, err := s.FindInvoiceByID(sessCtx, tenantID, invoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Status == models.InvoiceStatusVoid {
			return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s is already void", invoiceID.String())
		}

		now := time.Now().UTC()
		if inv.Status == models.InvoiceStatusDraft && len(inv.LockedJobItemIDs) > 0 {
			_, err := s.db.Collection(jobItemsCollection).UpdateMany(sessCtx,
				bson.M{"_id": bson.M{"$in": inv.LockedJobItemIDs}, "status": models.JobItemStatusSelected, "lock.invoice_id": inv.ID},
				bson.M{"$set": bson.M{"status": models.JobItemStatusOpen, "updated_at": now}, "$unset": bson.M{"lock": ""}})
			if err != nil {
				return nil, fmt.Errorf("db error releasing items of invoice %s: %w", inv.ID.String(), err)
			}
		}

		// Guard on the status we read so a concurrent transition loses cleanly.
		filter := bson.M{"_id": inv.ID, "tenant_id": tenantID, "status": inv.Status}
		update := bson.M{"$set": bson.M{"status": models.InvoiceStatusVoid, "updated_at": now}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

		var voided models.Invoice
		if err := s.db.Collection(invoicesCollection).FindOneAndUpdate(sessCtx, filter, update, opts).Decode(&voided); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s changed concurrently", inv.ID.String())
			}
			return nil, fmt.Errorf("failed to void invoice %s: %w", inv.ID.String(), err)
		}
		return &voided, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Invoice), nil
}

// DeleteDraft removes a draft invoice and releases its selected items back
// to open. Drafts have no number, so removal leaves no gap.
func (s *invoiceService) DeleteDraft(ctx context.Context, tenantID, invoiceID utils.SixID) error {
	_, err := s.runTxn(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		inv, err := s.loadDraft(sessCtx, tenantID, invoiceID)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		if len(inv.LockedJobItemIDs) > 0 {
			_, err := s.db.Collection(jobItemsCollection).UpdateMany(sessCtx,
				bson.M{"_id": bson.M{"$in": inv.LockedJobItemIDs}, "status": models.JobItemStatusSelected, "lock.invoice_id": inv.ID},
				bson.M{"$set": bson.M{"status": models.JobItemStatusOpen, "updated_at": now}, "$unset": bson.M{"lock": ""}})
			if err != nil {
				return nil, fmt.Errorf("db error releasing items of invoice %s: %w", inv.ID.String(), err)
			}
		}

		res, err := s.db.Collection(invoicesCollection).DeleteOne(sessCtx,
			bson.M{"_id": inv.ID, "status": models.InvoiceStatusDraft})
		if err != nil {
			return nil, fmt.Errorf("db error deleting draft invoice %s: %w", inv.ID.String(), err)
		}
		if res.DeletedCount == 0 {
			return nil, NewWorkflowError(ErrPreconditionFailed, "invoice %s changed concurrently", inv.ID.String())
		}
		return nil, nil
	})
	return err
}

// MarkViewed records the first public view of an issued invoice. Only the
// sent status advances to viewed; payment and overdue statuses are never
// downgraded by a view.
func (s *invoiceService) MarkViewed(ctx context.Context, token string) (*models.Invoice, error) {
	inv, err := s.FindInvoiceByPublicToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.ViewedAt != nil {
		return inv, nil
	}

	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{"viewed_at": now, "updated_at": now}}
	_, err = s.db.Collection(invoicesCollection).UpdateOne(ctx,
		bson.M{"_id": inv.ID, "viewed_at": nil}, update)
	if err != nil {
		return nil, fmt.Errorf("db error marking invoice %s viewed: %w", inv.ID.String(), err)
	}
	// Status transition only from sent; a concurrent payment update wins.
	_, err = s.db.Collection(invoicesCollection).UpdateOne(ctx,
		bson.M{"_id": inv.ID, "status": models.InvoiceStatusSent},
		bson.M{"$set": bson.M{"status": models.InvoiceStatusViewed}})
	if err != nil {
		return nil, fmt.Errorf("db error advancing invoice %s to viewed: %w", inv.ID.String(), err)
	}
	return s.findOne(ctx, bson.M{"_id": inv.ID})
}

// FindOverdueInvoices flips unpaid invoices past their due date to overdue
// and returns the ones that have not had an overdue notification yet.
func (s *invoiceService) FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error) {
	coll := s.db.Collection(invoicesCollection)
	_, err := coll.UpdateMany(ctx,
		bson.M{
			"status":   bson.M{"$in": []models.InvoiceStatus{models.InvoiceStatusSent, models.InvoiceStatusViewed}},
			"due_date": bson.M{"$lt": asOf},
		},
		bson.M{"$set": bson.M{"status": models.InvoiceStatusOverdue, "updated_at": asOf}})
	if err != nil {
		return nil, fmt.Errorf("db error sweeping overdue invoices: %w", err)
	}

	cursor, err := coll.Find(ctx, bson.M{"status": models.InvoiceStatusOverdue, "overdue_notified": false})
	if err != nil {
		return nil, fmt.Errorf("db error finding overdue invoices to notify: %w", err)
	}
	defer cursor.Close(ctx)

	var invoices []models.Invoice
	if err := cursor.All(ctx, &invoices); err != nil {
		return nil, fmt.Errorf("error decoding overdue invoices: %w", err)
	}
	return invoices, nil
}

// MarkInvoiceOverdueNotified flags an invoice so the overdue email goes out
// once.
func (s *invoiceService) MarkInvoiceOverdueNotified(ctx context.Context, invoiceID utils.SixID) error {
	result, err := s.db.Collection(invoicesCollection).UpdateOne(ctx,
		bson.M{"_id": invoiceID},
		bson.M{"$set": bson.M{"overdue_notified": true, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("db error marking invoice %s overdue-notified: %w", invoiceID.String(), err)
	}
	if result.MatchedCount == 0 {
		return NewWorkflowError(ErrNotFound, "invoice %s not found", invoiceID.String())
	}
	return nil
}
