package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// invoiceFixture wires the whole billing stack against a throwaway database.
// The transactional operations require MONGO_URI_TEST to point at a replica
// set, same as the rest of the suite.
type invoiceFixture struct {
	db         *mongo.Database
	tenantID   utils.SixID
	userID     utils.SixID
	client     *models.Client
	job        *models.Job
	itemSvc    IJobItemService
	invoiceSvc IInvoiceService
	cleanup    func()
}

func setupInvoiceFixture(t *testing.T) *invoiceFixture {
	dbName := fmt.Sprintf("testdb_invoice_service_%d", time.Now().UnixNano())
	db := setupTestDB(t, dbName)
	cfg := testConfig()
	clientSvc := NewClientService(db)
	jobSvc := NewJobService(db, clientSvc)
	itemSvc := NewJobItemService(db, jobSvc)
	settingsSvc := NewSettingsService(db, cfg)
	invoiceSvc := NewInvoiceService(db, cfg, settingsSvc, clientSvc)

	ctx := context.Background()
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()
	client, err := clientSvc.CreateClient(ctx, tenantID, "Acme Corp", "billing@acme.example", "12 High St", "51 824 753 556", "")
	require.NoError(t, err)
	job, err := jobSvc.CreateJob(ctx, tenantID, client.ID, userID, "Website rebuild", "")
	require.NoError(t, err)

	return &invoiceFixture{
		db:         db,
		tenantID:   tenantID,
		userID:     userID,
		client:     client,
		job:        job,
		itemSvc:    itemSvc,
		invoiceSvc: invoiceSvc,
		cleanup: func() {
			mc := db.Client()
			_ = db.Drop(context.Background())
			_ = mc.Disconnect(context.Background())
		},
	}
}

func (f *invoiceFixture) newOpenItem(t *testing.T, title string, quantity float64, priceMinor int64, taxable bool) *models.JobItem {
	item, err := f.itemSvc.CreateJobItem(context.Background(), f.tenantID, f.job.ID, f.userID, title, "", models.UnitHour, quantity, priceMinor, taxable)
	require.NoError(t, err)
	return item
}

func (f *invoiceFixture) issuedInvoice(t *testing.T, itemIDs ...utils.SixID) *models.Invoice {
	ctx := context.Background()
	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, itemIDs)
	require.NoError(t, err)
	issued, err := f.invoiceSvc.IssueInvoice(ctx, f.tenantID, draft.ID, f.userID, nil)
	require.NoError(t, err)
	return issued
}

func TestInvoiceService_DraftLifecycle(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "Thanks for your business")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusDraft, draft.Status)
	assert.Empty(t, draft.InvoiceNumber)
	assert.NotEmpty(t, draft.PublicToken)
	assert.Equal(t, "Acme Corp", draft.Client.Name)

	item1 := f.newOpenItem(t, "Design", 2, 10000, true)   // 20000 + 2000 GST
	item2 := f.newOpenItem(t, "Hosting", 1, 5000, false)  // 5000, no tax
	item3 := f.newOpenItem(t, "Support", 1.5, 8000, true) // 12000 + 1200 GST

	inv, err := f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{item1.ID, item2.ID, item3.ID})
	require.NoError(t, err)
	require.Len(t, inv.Lines, 3)
	assert.Equal(t, int64(37000), inv.SubtotalMinor)
	assert.Equal(t, int64(3200), inv.TaxMinor)
	assert.Equal(t, int64(40200), inv.TotalMinor)
	assert.Equal(t, int64(40200), inv.BalanceDueMinor)
	require.Len(t, inv.TaxBreakdown, 1)
	assert.Equal(t, 0.10, inv.TaxBreakdown[0].Rate)
	assert.Equal(t, int64(32000), inv.TaxBreakdown[0].TaxableMinor)

	// The items are now locked to this draft
	locked, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, item1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusSelected, locked.Status)
	require.NotNil(t, locked.Lock)
	assert.Equal(t, draft.ID, locked.Lock.InvoiceID)

	// Removing a line releases its item
	inv, err = f.invoiceSvc.RemoveItem(ctx, f.tenantID, draft.ID, item2.ID)
	require.NoError(t, err)
	require.Len(t, inv.Lines, 2)
	assert.Equal(t, int64(32000), inv.SubtotalMinor)
	released, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, item2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusOpen, released.Status)
	assert.Nil(t, released.Lock)
}

func TestInvoiceService_AddItemsRejections(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	item := f.newOpenItem(t, "Design", 1, 10000, true)

	// Empty and duplicated selections
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, nil)
	require.Error(t, err)
	assert.Equal(t, "validation_failed", ErrorCode(err))
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{item.ID, item.ID})
	require.Error(t, err)
	assert.Equal(t, "validation_failed", ErrorCode(err))

	// A second draft cannot claim an already-selected item, and the failed
	// call must not add anything to it either
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{item.ID})
	require.NoError(t, err)
	otherDraft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	freshItem := f.newOpenItem(t, "Extra", 1, 5000, true)
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, otherDraft.ID, []utils.SixID{freshItem.ID, item.ID})
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))

	refetched, err := f.invoiceSvc.FindInvoiceByID(ctx, f.tenantID, otherDraft.ID)
	require.NoError(t, err)
	assert.Empty(t, refetched.Lines)
	stillOpen, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, freshItem.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusOpen, stillOpen.Status)
}

func TestInvoiceService_ConcurrentAddItemsSingleWinner(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	item := f.newOpenItem(t, "Contested", 1, 10000, true)

	const n = 2
	drafts := make([]*models.Invoice, n)
	for i := 0; i < n; i++ {
		draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
		require.NoError(t, err)
		drafts[i] = draft
	}

	// Both drafts race for the same open item; exactly one may lock it
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.invoiceSvc.AddItems(ctx, f.tenantID, drafts[i].ID, []utils.SixID{item.ID})
		}(i)
	}
	wg.Wait()

	winners := 0
	winnerIdx := -1
	for i, err := range errs {
		if err == nil {
			winners++
			winnerIdx = i
		} else {
			assert.Equal(t, "precondition_failed", ErrorCode(err))
		}
	}
	require.Equal(t, 1, winners, "exactly one AddItems call may claim the item")

	locked, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusSelected, locked.Status)
	require.NotNil(t, locked.Lock)
	assert.Equal(t, drafts[winnerIdx].ID, locked.Lock.InvoiceID)

	// The loser's draft picked up no lines
	loser, err := f.invoiceSvc.FindInvoiceByID(ctx, f.tenantID, drafts[1-winnerIdx].ID)
	require.NoError(t, err)
	assert.Empty(t, loser.Lines)
}

func TestInvoiceService_IssueAssignsSequentialNumbers(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()
	year := time.Now().UTC().Year()

	first := f.issuedInvoice(t, f.newOpenItem(t, "Work A", 1, 10000, true).ID)
	second := f.issuedInvoice(t, f.newOpenItem(t, "Work B", 1, 10000, true).ID)

	assert.Equal(t, models.InvoiceStatusSent, first.Status)
	assert.Equal(t, int64(1), first.Number)
	assert.Equal(t, models.FormatInvoiceNumber(year, 1), first.InvoiceNumber)
	assert.Equal(t, int64(2), second.Number)
	require.NotNil(t, first.IssueDate)
	require.NotNil(t, first.DueDate)
	assert.WithinDuration(t, first.IssueDate.AddDate(0, 0, 14), *first.DueDate, time.Minute)

	// Items promoted to invoiced
	for _, line := range first.Lines {
		item, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, line.JobItemID)
		require.NoError(t, err)
		assert.Equal(t, models.JobItemStatusInvoiced, item.Status)
	}

	// An empty draft cannot be issued
	emptyDraft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	_, err = f.invoiceSvc.IssueInvoice(ctx, f.tenantID, emptyDraft.ID, f.userID, nil)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))

	// Issuing twice fails: the invoice is no longer a draft
	_, err = f.invoiceSvc.IssueInvoice(ctx, f.tenantID, first.ID, f.userID, nil)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))

	// Past due date is rejected
	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{f.newOpenItem(t, "Work C", 1, 10000, true).ID})
	require.NoError(t, err)
	past := time.Now().UTC().AddDate(0, 0, -1)
	_, err = f.invoiceSvc.IssueInvoice(ctx, f.tenantID, draft.ID, f.userID, &past)
	require.Error(t, err)
	assert.Equal(t, "validation_failed", ErrorCode(err))
}

func TestInvoiceService_ConcurrentIssueKeepsNumbersGapFree(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	const n = 5
	drafts := make([]*models.Invoice, n)
	for i := 0; i < n; i++ {
		draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
		require.NoError(t, err)
		item := f.newOpenItem(t, fmt.Sprintf("Work %d", i), 1, 10000, true)
		_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{item.ID})
		require.NoError(t, err)
		drafts[i] = draft
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.invoiceSvc.IssueInvoice(ctx, f.tenantID, drafts[i].ID, f.userID, nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "issue %d failed", i)
	}

	invoices, err := f.invoiceSvc.ListInvoices(ctx, f.tenantID, nil, nil)
	require.NoError(t, err)
	require.Len(t, invoices, n)
	seen := make(map[int64]bool, n)
	for _, inv := range invoices {
		assert.False(t, seen[inv.Number], "number %d assigned twice", inv.Number)
		seen[inv.Number] = true
		assert.True(t, inv.Number >= 1 && inv.Number <= n, "number %d out of range", inv.Number)
	}
}

func TestInvoiceService_UpdatePayment(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	inv := f.issuedInvoice(t, f.newOpenItem(t, "Work", 1, 10000, true).ID) // total 11000

	// Partial payment
	updated, err := f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, 5000)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPartiallyPaid, updated.Status)
	assert.Equal(t, int64(6000), updated.BalanceDueMinor)

	// Overpayment and negative amounts rejected
	_, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, 11001)
	require.Error(t, err)
	assert.Equal(t, "validation_failed", ErrorCode(err))
	_, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, -1)
	require.Error(t, err)
	assert.Equal(t, "validation_failed", ErrorCode(err))

	// Correcting back to zero returns to sent
	updated, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSent, updated.Status)
	assert.Equal(t, int64(11000), updated.BalanceDueMinor)

	// Full payment
	updated, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, 11000)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, updated.Status)
	assert.Equal(t, int64(0), updated.BalanceDueMinor)

	// Drafts take no payments
	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	_, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, draft.ID, 100)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))
}

func TestInvoiceService_VoidInvoice(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	inv := f.issuedInvoice(t, f.newOpenItem(t, "Work", 1, 10000, true).ID)

	// Staff cannot void
	_, err := f.invoiceSvc.VoidInvoice(ctx, f.tenantID, inv.ID, models.RoleStaff)
	require.Error(t, err)
	assert.Equal(t, "authorization_failed", ErrorCode(err))

	voided, err := f.invoiceSvc.VoidInvoice(ctx, f.tenantID, inv.ID, models.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusVoid, voided.Status)

	// The number stays consumed: the next issue gets the following one
	next := f.issuedInvoice(t, f.newOpenItem(t, "More work", 1, 10000, true).ID)
	assert.Equal(t, inv.Number+1, next.Number)

	// Voided items stay invoiced
	item, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, voided.Lines[0].JobItemID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusInvoiced, item.Status)

	// Void is terminal
	_, err = f.invoiceSvc.VoidInvoice(ctx, f.tenantID, inv.ID, models.RoleOwner)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))
	_, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, 100)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))
}

func TestInvoiceService_VoidDraftReleasesItems(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	item := f.newOpenItem(t, "Work", 1, 10000, true)
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{item.ID})
	require.NoError(t, err)

	// Voiding a draft unlocks its items like DeleteDraft, but keeps the
	// invoice document around as void
	voided, err := f.invoiceSvc.VoidInvoice(ctx, f.tenantID, draft.ID, models.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusVoid, voided.Status)
	assert.Empty(t, voided.InvoiceNumber)

	released, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusOpen, released.Status)
	assert.Nil(t, released.Lock)

	// The released item can go straight onto a new draft
	next, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, next.ID, []utils.SixID{item.ID})
	require.NoError(t, err)
}

func TestInvoiceService_VoidPaidInvoice(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	inv := f.issuedInvoice(t, f.newOpenItem(t, "Work", 1, 10000, true).ID)
	paid, err := f.invoiceSvc.UpdatePayment(ctx, f.tenantID, inv.ID, inv.TotalMinor)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceStatusPaid, paid.Status)

	// Any non-void status is voidable, paid included
	voided, err := f.invoiceSvc.VoidInvoice(ctx, f.tenantID, inv.ID, models.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusVoid, voided.Status)

	// Issued items stay invoiced for the audit trail
	item, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, voided.Lines[0].JobItemID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusInvoiced, item.Status)
}

func TestInvoiceService_DeleteDraftReleasesItems(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)
	item := f.newOpenItem(t, "Work", 1, 10000, true)
	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{item.ID})
	require.NoError(t, err)

	require.NoError(t, f.invoiceSvc.DeleteDraft(ctx, f.tenantID, draft.ID))

	_, err = f.invoiceSvc.FindInvoiceByID(ctx, f.tenantID, draft.ID)
	require.Error(t, err)
	assert.Equal(t, "not_found", ErrorCode(err))

	released, err := f.itemSvc.FindJobItemByID(ctx, f.tenantID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobItemStatusOpen, released.Status)
	assert.Nil(t, released.Lock)

	// Issued invoices cannot be deleted this way
	issued := f.issuedInvoice(t, f.newOpenItem(t, "More", 1, 10000, true).ID)
	err = f.invoiceSvc.DeleteDraft(ctx, f.tenantID, issued.ID)
	require.Error(t, err)
	assert.Equal(t, "precondition_failed", ErrorCode(err))
}

func TestInvoiceService_PublicTokenAndMarkViewed(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	draft, err := f.invoiceSvc.CreateDraft(ctx, f.tenantID, f.client.ID, f.userID, "")
	require.NoError(t, err)

	// Drafts are invisible through the public token
	_, err = f.invoiceSvc.FindInvoiceByPublicToken(ctx, draft.PublicToken)
	require.Error(t, err)
	assert.Equal(t, "not_found", ErrorCode(err))

	_, err = f.invoiceSvc.AddItems(ctx, f.tenantID, draft.ID, []utils.SixID{f.newOpenItem(t, "Work", 1, 10000, true).ID})
	require.NoError(t, err)
	issued, err := f.invoiceSvc.IssueInvoice(ctx, f.tenantID, draft.ID, f.userID, nil)
	require.NoError(t, err)

	viewed, err := f.invoiceSvc.MarkViewed(ctx, issued.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusViewed, viewed.Status)
	require.NotNil(t, viewed.ViewedAt)
	firstViewedAt := *viewed.ViewedAt

	// A second view keeps the original timestamp
	viewedAgain, err := f.invoiceSvc.MarkViewed(ctx, issued.PublicToken)
	require.NoError(t, err)
	require.NotNil(t, viewedAgain.ViewedAt)
	assert.True(t, viewedAgain.ViewedAt.Equal(firstViewedAt))

	// A paid invoice is never downgraded to viewed
	_, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, issued.ID, issued.TotalMinor)
	require.NoError(t, err)
	paid, err := f.invoiceSvc.MarkViewed(ctx, issued.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, paid.Status)

	// Unknown token
	_, err = f.invoiceSvc.MarkViewed(ctx, "no-such-token")
	require.Error(t, err)
	assert.Equal(t, "not_found", ErrorCode(err))
}

func TestInvoiceService_OverdueSweep(t *testing.T) {
	f := setupInvoiceFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	inv := f.issuedInvoice(t, f.newOpenItem(t, "Work", 1, 10000, true).ID)
	current := f.issuedInvoice(t, f.newOpenItem(t, "Recent work", 1, 10000, true).ID)

	// Force the first invoice past its due date
	pastDue := time.Now().UTC().AddDate(0, 0, -3)
	_, err := f.db.Collection("invoices").UpdateByID(ctx, inv.ID, bson.M{"$set": bson.M{"due_date": pastDue}})
	require.NoError(t, err)

	overdue, err := f.invoiceSvc.FindOverdueInvoices(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, inv.ID, overdue[0].ID)
	assert.Equal(t, models.InvoiceStatusOverdue, overdue[0].Status)

	// The invoice still within terms is untouched
	fresh, err := f.invoiceSvc.FindInvoiceByID(ctx, f.tenantID, current.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSent, fresh.Status)

	// A partially-paid invoice past due stays partially_paid: partial
	// payment outranks overdue, so the sweep leaves it alone
	partial := f.issuedInvoice(t, f.newOpenItem(t, "Part-paid work", 1, 10000, true).ID)
	_, err = f.invoiceSvc.UpdatePayment(ctx, f.tenantID, partial.ID, 5000)
	require.NoError(t, err)
	_, err = f.db.Collection("invoices").UpdateByID(ctx, partial.ID, bson.M{"$set": bson.M{"due_date": pastDue}})
	require.NoError(t, err)
	_, err = f.invoiceSvc.FindOverdueInvoices(ctx, time.Now().UTC())
	require.NoError(t, err)
	partialAfter, err := f.invoiceSvc.FindInvoiceByID(ctx, f.tenantID, partial.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPartiallyPaid, partialAfter.Status)

	// Once notified, the next sweep skips it
	require.NoError(t, f.invoiceSvc.MarkInvoiceOverdueNotified(ctx, inv.ID))
	overdue, err = f.invoiceSvc.FindOverdueInvoices(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, overdue)
}
