package handlers_test

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"

	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// --- Mocks ---

// MockUserService
type MockUserService struct {
	mock.Mock
}

func (m *MockUserService) RegisterTenant(ctx context.Context, businessName, name, email, password string) (*models.Tenant, *models.User, error) {
	args := m.Called(ctx, businessName, name, email, password)
	var tenant *models.Tenant
	var user *models.User
	if args.Get(0) != nil {
		tenant = args.Get(0).(*models.Tenant)
	}
	if args.Get(1) != nil {
		user = args.Get(1).(*models.User)
	}
	return tenant, user, args.Error(2)
}
func (m *MockUserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	args := m.Called(ctx, email, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
func (m *MockUserService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
func (m *MockUserService) FindByID(ctx context.Context, userID utils.SixID) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
func (m *MockUserService) ListTenantUsers(ctx context.Context, tenantID utils.SixID) ([]models.User, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.User), args.Error(1)
}
func (m *MockUserService) ChangePassword(ctx context.Context, userID utils.SixID, oldPassword, newPassword string) error {
	args := m.Called(ctx, userID, oldPassword, newPassword)
	return args.Error(0)
}
func (m *MockUserService) InviteStaff(ctx context.Context, tenantID, inviterID utils.SixID, name, email string) (*models.User, *models.LinkedAction, error) {
	args := m.Called(ctx, tenantID, inviterID, name, email)
	var user *models.User
	var action *models.LinkedAction
	if args.Get(0) != nil {
		user = args.Get(0).(*models.User)
	}
	if args.Get(1) != nil {
		action = args.Get(1).(*models.LinkedAction)
	}
	return user, action, args.Error(2)
}
func (m *MockUserService) AcceptStaffInvite(ctx context.Context, actionIDStr, password string) (*models.User, error) {
	args := m.Called(ctx, actionIDStr, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
func (m *MockUserService) RequestAccessReset(ctx context.Context, email string) (*models.User, *models.LinkedAction, error) {
	args := m.Called(ctx, email)
	var user *models.User
	var action *models.LinkedAction
	if args.Get(0) != nil {
		user = args.Get(0).(*models.User)
	}
	if args.Get(1) != nil {
		action = args.Get(1).(*models.LinkedAction)
	}
	return user, action, args.Error(2)
}
func (m *MockUserService) ResetPassword(ctx context.Context, actionIDStr, newPassword string) (*models.User, error) {
	args := m.Called(ctx, actionIDStr, newPassword)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}
func (m *MockUserService) SuspendUser(ctx context.Context, tenantID, userIDToSuspend, actorID utils.SixID) error {
	args := m.Called(ctx, tenantID, userIDToSuspend, actorID)
	return args.Error(0)
}
func (m *MockUserService) UnsuspendUser(ctx context.Context, tenantID, userIDToUnsuspend utils.SixID) error {
	args := m.Called(ctx, tenantID, userIDToUnsuspend)
	return args.Error(0)
}
func (m *MockUserService) UpdateNotificationPreferences(ctx context.Context, userID utils.SixID, prefs models.NotificationPreferences) error {
	args := m.Called(ctx, userID, prefs)
	return args.Error(0)
}

// MockClientService
type MockClientService struct {
	mock.Mock
}

func (m *MockClientService) CreateClient(ctx context.Context, tenantID utils.SixID, name, email, address, abn, notes string) (*models.Client, error) {
	args := m.Called(ctx, tenantID, name, email, address, abn, notes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Client), args.Error(1)
}
func (m *MockClientService) FindClientByID(ctx context.Context, tenantID, clientID utils.SixID) (*models.Client, error) {
	args := m.Called(ctx, tenantID, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Client), args.Error(1)
}
func (m *MockClientService) ListClients(ctx context.Context, tenantID utils.SixID) ([]models.Client, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Client), args.Error(1)
}
func (m *MockClientService) UpdateClient(ctx context.Context, tenantID, clientID utils.SixID, updates map[string]interface{}) (*models.Client, error) {
	args := m.Called(ctx, tenantID, clientID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Client), args.Error(1)
}
func (m *MockClientService) DeleteClient(ctx context.Context, tenantID, clientID utils.SixID) error {
	args := m.Called(ctx, tenantID, clientID)
	return args.Error(0)
}
func (m *MockClientService) SearchClients(ctx context.Context, tenantID utils.SixID, query string, limit int) ([]models.Client, error) {
	args := m.Called(ctx, tenantID, query, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Client), args.Error(1)
}

// MockJobService
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) CreateJob(ctx context.Context, tenantID, clientID, createdBy utils.SixID, title, description string) (*models.Job, error) {
	args := m.Called(ctx, tenantID, clientID, createdBy, title, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}
func (m *MockJobService) FindJobByID(ctx context.Context, tenantID, jobID utils.SixID) (*models.Job, error) {
	args := m.Called(ctx, tenantID, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}
func (m *MockJobService) ListJobs(ctx context.Context, tenantID utils.SixID, clientID *utils.SixID, includeArchived bool) ([]models.Job, error) {
	args := m.Called(ctx, tenantID, clientID, includeArchived)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Job), args.Error(1)
}
func (m *MockJobService) UpdateJob(ctx context.Context, tenantID, jobID utils.SixID, updates map[string]interface{}) (*models.Job, error) {
	args := m.Called(ctx, tenantID, jobID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}
func (m *MockJobService) ArchiveJob(ctx context.Context, tenantID, jobID utils.SixID) error {
	args := m.Called(ctx, tenantID, jobID)
	return args.Error(0)
}
func (m *MockJobService) UnarchiveJob(ctx context.Context, tenantID, jobID utils.SixID) error {
	args := m.Called(ctx, tenantID, jobID)
	return args.Error(0)
}
func (m *MockJobService) DeleteJob(ctx context.Context, tenantID, jobID utils.SixID) error {
	args := m.Called(ctx, tenantID, jobID)
	return args.Error(0)
}

// MockJobItemService
type MockJobItemService struct {
	mock.Mock
}

func (m *MockJobItemService) CreateJobItem(ctx context.Context, tenantID, jobID, createdBy utils.SixID, title, description string, unit models.JobItemUnit, quantity float64, unitPriceMinor int64, taxApplicable bool) (*models.JobItem, error) {
	args := m.Called(ctx, tenantID, jobID, createdBy, title, description, unit, quantity, unitPriceMinor, taxApplicable)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.JobItem), args.Error(1)
}
func (m *MockJobItemService) FindJobItemByID(ctx context.Context, tenantID, itemID utils.SixID) (*models.JobItem, error) {
	args := m.Called(ctx, tenantID, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.JobItem), args.Error(1)
}
func (m *MockJobItemService) ListJobItems(ctx context.Context, tenantID, jobID utils.SixID, status *models.JobItemStatus) ([]models.JobItem, error) {
	args := m.Called(ctx, tenantID, jobID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.JobItem), args.Error(1)
}
func (m *MockJobItemService) ListOpenItemsForClient(ctx context.Context, tenantID, clientID utils.SixID) ([]models.JobItem, error) {
	args := m.Called(ctx, tenantID, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.JobItem), args.Error(1)
}
func (m *MockJobItemService) UpdateJobItem(ctx context.Context, tenantID, itemID utils.SixID, updates map[string]interface{}) (*models.JobItem, error) {
	args := m.Called(ctx, tenantID, itemID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.JobItem), args.Error(1)
}
func (m *MockJobItemService) DeleteJobItem(ctx context.Context, tenantID, itemID utils.SixID) error {
	args := m.Called(ctx, tenantID, itemID)
	return args.Error(0)
}
func (m *MockJobItemService) AttachReceiptKey(ctx context.Context, itemID utils.SixID, receiptKey string) error {
	args := m.Called(ctx, itemID, receiptKey)
	return args.Error(0)
}

// MockInvoiceService
type MockInvoiceService struct {
	mock.Mock
}

func (m *MockInvoiceService) CreateDraft(ctx context.Context, tenantID, clientID, createdBy utils.SixID, notes string) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, clientID, createdBy, notes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) FindInvoiceByID(ctx context.Context, tenantID, invoiceID utils.SixID) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) FindInvoiceByPublicToken(ctx context.Context, token string) (*models.Invoice, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) ListInvoices(ctx context.Context, tenantID utils.SixID, status *models.InvoiceStatus, clientID *utils.SixID) ([]models.Invoice, error) {
	args := m.Called(ctx, tenantID, status, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) AddItems(ctx context.Context, tenantID, invoiceID utils.SixID, itemIDs []utils.SixID) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, invoiceID, itemIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) RemoveItem(ctx context.Context, tenantID, invoiceID, itemID utils.SixID) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, invoiceID, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) IssueInvoice(ctx context.Context, tenantID, invoiceID, issuedBy utils.SixID, dueDate *time.Time) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, invoiceID, issuedBy, dueDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) UpdatePayment(ctx context.Context, tenantID, invoiceID utils.SixID, amountPaidMinor int64) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, invoiceID, amountPaidMinor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) VoidInvoice(ctx context.Context, tenantID, invoiceID utils.SixID, actorRole models.TenantRole) (*models.Invoice, error) {
	args := m.Called(ctx, tenantID, invoiceID, actorRole)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) DeleteDraft(ctx context.Context, tenantID, invoiceID utils.SixID) error {
	args := m.Called(ctx, tenantID, invoiceID)
	return args.Error(0)
}
func (m *MockInvoiceService) MarkViewed(ctx context.Context, token string) (*models.Invoice, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) FindOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error) {
	args := m.Called(ctx, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Invoice), args.Error(1)
}
func (m *MockInvoiceService) MarkInvoiceOverdueNotified(ctx context.Context, invoiceID utils.SixID) error {
	args := m.Called(ctx, invoiceID)
	return args.Error(0)
}

// MockSettingsService
type MockSettingsService struct {
	mock.Mock
}

func (m *MockSettingsService) GetSettings(ctx context.Context, tenantID utils.SixID) (*models.TenantSettings, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}
func (m *MockSettingsService) UpdateSettings(ctx context.Context, tenantID utils.SixID, updates map[string]interface{}) (*models.TenantSettings, error) {
	args := m.Called(ctx, tenantID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}
func (m *MockSettingsService) EnsureDefaults(ctx context.Context, tenantID utils.SixID) (*models.TenantSettings, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}

// MockEnquiryService
type MockEnquiryService struct {
	mock.Mock
}

func (m *MockEnquiryService) CreateEnquiry(ctx context.Context, invoice *models.Invoice, fromEmail, message string) (*models.InvoiceEnquiry, error) {
	args := m.Called(ctx, invoice, fromEmail, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InvoiceEnquiry), args.Error(1)
}
func (m *MockEnquiryService) FindEnquiryByID(ctx context.Context, enquiryID utils.SixID) (*models.InvoiceEnquiry, error) {
	args := m.Called(ctx, enquiryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InvoiceEnquiry), args.Error(1)
}
func (m *MockEnquiryService) MarkEnquirySent(ctx context.Context, enquiryID utils.SixID) error {
	args := m.Called(ctx, enquiryID)
	return args.Error(0)
}
func (m *MockEnquiryService) ListEnquiries(ctx context.Context, tenantID, invoiceID utils.SixID) ([]models.InvoiceEnquiry, error) {
	args := m.Called(ctx, tenantID, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.InvoiceEnquiry), args.Error(1)
}

// MockConfigService
type MockConfigService struct {
	mock.Mock
}

func (m *MockConfigService) GetAllPublic(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}
func (m *MockConfigService) Get(ctx context.Context, key string) (interface{}, error) {
	args := m.Called(ctx, key)
	return args.Get(0), args.Error(1)
}
func (m *MockConfigService) GetInt(ctx context.Context, key string, defaultValue int) int {
	args := m.Called(ctx, key, defaultValue)
	return args.Int(0)
}
func (m *MockConfigService) GetString(ctx context.Context, key string, defaultValue string) string {
	args := m.Called(ctx, key, defaultValue)
	return args.String(0)
}
func (m *MockConfigService) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	args := m.Called(ctx, key, defaultValue)
	return args.Bool(0)
}
func (m *MockConfigService) GetFloat64(ctx context.Context, key string, defaultValue float64) float64 {
	args := m.Called(ctx, key, defaultValue)
	return args.Get(0).(float64)
}
func (m *MockConfigService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	args := m.Called(ctx, key, defaultValue)
	return args.Get(0).(time.Duration)
}
func (m *MockConfigService) Load(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockConfigService) SubscribeToChanges(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockConfigService) SetConfigValue(ctx context.Context, key string, value interface{}, isPublic bool) error {
	args := m.Called(ctx, key, value, isPublic)
	return args.Error(0)
}
func (m *MockConfigService) GetAPIEndpointConfig(ctx context.Context, apiType models.APIType, endpoint string, isAuthenticated bool) (*models.APIEndpointConfig, error) {
	args := m.Called(ctx, apiType, endpoint, isAuthenticated)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.APIEndpointConfig), args.Error(1)
}

// MockS3Storage
type MockS3Storage struct {
	mock.Mock
}

func (m *MockS3Storage) GeneratePresignedPutURL(ctx context.Context, tenantID, jobItemID, filename, contentType string) (string, string, error) {
	args := m.Called(ctx, tenantID, jobItemID, filename, contentType)
	return args.String(0), args.String(1), args.Error(2)
}

// MockAsynqClient
type MockAsynqClient struct {
	mock.Mock
}

func (m *MockAsynqClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	callArgs := []interface{}{ctx, task}
	for _, opt := range opts {
		callArgs = append(callArgs, opt)
	}
	args := m.Called(callArgs...)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}
