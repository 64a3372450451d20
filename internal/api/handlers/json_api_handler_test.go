package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/api/handlers"
	"github.com/johndetlefs/client-management-app-sub000/internal/auth"
	"github.com/johndetlefs/client-management-app-sub000/internal/config"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/services"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

type handlerFixture struct {
	cfg        *config.Config
	userSvc    *MockUserService
	clientSvc  *MockClientService
	jobSvc     *MockJobService
	jobItemSvc *MockJobItemService
	invoiceSvc *MockInvoiceService
	settings   *MockSettingsService
	enquirySvc *MockEnquiryService
	storageSvc *MockS3Storage
	taskClient *MockAsynqClient
	router     *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &handlerFixture{
		cfg: &config.Config{
			AppName:        "TestApp",
			JwtSecret:      "testsecret",
			JwtTTL:         time.Hour,
			PasswordRegexp: "^.{8,}$",
			PublicBaseURL:  "https://app.test",
		},
		userSvc:    new(MockUserService),
		clientSvc:  new(MockClientService),
		jobSvc:     new(MockJobService),
		jobItemSvc: new(MockJobItemService),
		invoiceSvc: new(MockInvoiceService),
		settings:   new(MockSettingsService),
		enquirySvc: new(MockEnquiryService),
		storageSvc: new(MockS3Storage),
		taskClient: new(MockAsynqClient),
	}

	// db and rdb stay nil; the methods exercised here never touch them directly.
	h := handlers.NewJsonApiHandler(f.cfg, nil, nil, f.taskClient,
		f.userSvc, f.clientSvc, f.jobSvc, f.jobItemSvc, f.invoiceSvc,
		f.settings, f.enquirySvc, f.storageSvc)

	f.router = gin.New()
	f.router.POST("/v1/api", h.HandleRequest)
	return f
}

func (f *handlerFixture) tokenFor(t *testing.T, userID, tenantID utils.SixID, role models.TenantRole) string {
	t.Helper()
	token, err := auth.GenerateJWT(userID, tenantID, role, f.cfg.JwtSecret, f.cfg.JwtTTL)
	require.NoError(t, err)
	return token
}

// call posts a JSON-API request. A nil args omits the arguments field;
// otherwise args is sent as the single-element arguments array.
func (f *handlerFixture) call(t *testing.T, method string, args interface{}, token string) handlers.JsonApiResponse {
	t.Helper()
	body := map[string]interface{}{"method": method}
	if args != nil {
		body["arguments"] = []interface{}{args}
	}
	bodyBytes, err := json.Marshal(body)
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "/v1/api", bytes.NewReader(bodyBytes))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.JsonApiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func testHandlerUser(tenantID utils.SixID, role models.TenantRole) *models.User {
	u := &models.User{
		TenantID: tenantID,
		Name:     "Test User",
		Email:    "user@example.com",
		Role:     role,
	}
	u.ID = utils.NewSixID()
	return u
}

func TestJsonApi_Ping(t *testing.T) {
	f := newHandlerFixture(t)
	resp := f.call(t, "ping", nil, "")
	assert.True(t, resp.Success)
	assert.Equal(t, "pong", resp.Data)
}

func TestJsonApi_UnknownMethod(t *testing.T) {
	f := newHandlerFixture(t)
	resp := f.call(t, "teleport", nil, "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Unknown method")
}

func TestJsonApi_AuthRequired(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.call(t, "listClients", nil, "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Authorization header required")

	resp = f.call(t, "listClients", nil, "garbage-token")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Invalid or expired token")
}

func TestJsonApi_OwnerRequired(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	staffToken := f.tokenFor(t, utils.NewSixID(), tenantID, models.RoleStaff)

	resp := f.call(t, "suspendUser", utils.NewSixID().String(), staffToken)
	assert.False(t, resp.Success)
	assert.Equal(t, "authorization_failed", resp.ErrorCode)
	assert.Contains(t, resp.Error, "Owner privileges required")
	f.userSvc.AssertNotCalled(t, "SuspendUser")
}

func TestJsonApi_Login(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	user := testHandlerUser(tenantID, models.RoleOwner)

	f.userSvc.On("Authenticate", mock.Anything, "user@example.com", "correct-pass").Return(user, nil)
	f.userSvc.On("Authenticate", mock.Anything, "user@example.com", "wrong-pass").
		Return(nil, services.NewWorkflowError(services.ErrAuthorizationFailed, "invalid credentials"))

	resp := f.call(t, "login", gin.H{"email": "user@example.com", "password": "correct-pass"}, "")
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["token"])
	assert.Equal(t, user.ID.String(), data["id"])
	assert.Equal(t, tenantID.String(), data["tenant_id"])
	assert.Equal(t, "owner", data["role"])

	// Failed logins are indistinguishable from the outside: success with false data
	resp = f.call(t, "login", gin.H{"email": "user@example.com", "password": "wrong-pass"}, "")
	assert.True(t, resp.Success)
	assert.Equal(t, false, resp.Data)

	// A malformed email never reaches the service
	resp = f.call(t, "login", gin.H{"email": "not-an-email", "password": "whatever"}, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)
	f.userSvc.AssertNumberOfCalls(t, "Authenticate", 2)
}

func TestJsonApi_RegisterTenant(t *testing.T) {
	f := newHandlerFixture(t)

	payload := gin.H{
		"business_name": "Acme Consulting",
		"name":          "Alice",
		"email":         "alice@example.com",
		"password":      "longenoughpass",
	}

	// Weak password is rejected before the service is touched
	weak := gin.H{"business_name": "Acme", "name": "A", "email": "a@b.co", "password": "short"}
	resp := f.call(t, "registerTenant", weak, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)

	// Missing business name
	noName := gin.H{"business_name": "  ", "name": "A", "email": "a@b.co", "password": "longenoughpass"}
	resp = f.call(t, "registerTenant", noName, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)

	// Duplicate email
	f.userSvc.On("RegisterTenant", mock.Anything, "Acme Consulting", "Alice", "alice@example.com", "longenoughpass").
		Return(nil, nil, services.ErrEmailExists).Once()
	resp = f.call(t, "registerTenant", payload, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)
	assert.Contains(t, resp.Error, "already exists")

	// Success returns a session and enqueues the welcome email
	tenant := &models.Tenant{BusinessName: "Acme Consulting"}
	tenant.ID = utils.NewSixID()
	owner := testHandlerUser(tenant.ID, models.RoleOwner)
	owner.Email = "alice@example.com"
	f.userSvc.On("RegisterTenant", mock.Anything, "Acme Consulting", "Alice", "alice@example.com", "longenoughpass").
		Return(tenant, owner, nil).Once()
	f.taskClient.On("EnqueueContext", mock.Anything, mock.AnythingOfType("*asynq.Task")).
		Return(&asynq.TaskInfo{ID: "task-1"}, nil).Once()

	resp = f.call(t, "registerTenant", payload, "")
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["token"])
	assert.Equal(t, tenant.ID.String(), data["tenant_id"])
	f.taskClient.AssertExpectations(t)
	f.userSvc.AssertExpectations(t)
}

func TestJsonApi_ResetAccess_NeverRevealsAccounts(t *testing.T) {
	f := newHandlerFixture(t)

	f.userSvc.On("RequestAccessReset", mock.Anything, "ghost@example.com").
		Return(nil, nil, mongo.ErrNoDocuments)

	resp := f.call(t, "resetAccess", "ghost@example.com", "")
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)
	f.taskClient.AssertNotCalled(t, "EnqueueContext")
}

func TestJsonApi_GetClient_ErrorMapping(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	token := f.tokenFor(t, utils.NewSixID(), tenantID, models.RoleStaff)
	clientID := utils.NewSixID()

	f.clientSvc.On("FindClientByID", mock.Anything, tenantID, clientID).
		Return(nil, services.NewWorkflowError(services.ErrNotFound, "client %s not found", clientID.String()))

	resp := f.call(t, "getClient", clientID.String(), token)
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.ErrorCode)

	// Invalid IDs fail before the service sees them
	resp = f.call(t, "getClient", "!!!not-an-id", token)
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)
}

func TestJsonApi_CreateJobItem(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()
	token := f.tokenFor(t, userID, tenantID, models.RoleStaff)
	jobID := utils.NewSixID()

	created := &models.JobItem{TenantID: tenantID, JobID: jobID, Title: "Consulting", Status: models.JobItemStatusOpen}
	created.ID = utils.NewSixID()
	f.jobItemSvc.On("CreateJobItem", mock.Anything, tenantID, jobID, userID,
		"Consulting", "on site", models.UnitHour, 2.5, int64(15000), true).
		Return(created, nil)

	resp := f.call(t, "createJobItem", gin.H{
		"job_id":           jobID.String(),
		"title":            "Consulting",
		"description":      "on site",
		"unit":             "hour",
		"quantity":         2.5,
		"unit_price_minor": 15000,
		"tax_applicable":   true,
	}, token)
	assert.True(t, resp.Success)
	f.jobItemSvc.AssertExpectations(t)
}

func TestJsonApi_GetReceiptUploadURL(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	token := f.tokenFor(t, utils.NewSixID(), tenantID, models.RoleStaff)
	itemID := utils.NewSixID()

	item := &models.JobItem{TenantID: tenantID}
	item.ID = itemID
	f.jobItemSvc.On("FindJobItemByID", mock.Anything, tenantID, itemID).Return(item, nil)

	expectedKey := fmt.Sprintf("receipts/%s/%s/receipt.jpg", tenantID.String(), itemID.String())
	f.storageSvc.On("GeneratePresignedPutURL", mock.Anything, tenantID.String(), itemID.String(), "receipt.jpg", "image/jpeg").
		Return("https://s3.test/presigned", expectedKey, nil)

	resp := f.call(t, "getReceiptUploadURL", gin.H{
		"job_item_id":  itemID.String(),
		"filename":     "receipt.jpg",
		"content_type": "image/jpeg",
	}, token)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://s3.test/presigned", data["upload_url"])
	assert.Equal(t, expectedKey, data["object_key"])

	// An item the tenant does not own hands out nothing
	foreignID := utils.NewSixID()
	f.jobItemSvc.On("FindJobItemByID", mock.Anything, tenantID, foreignID).
		Return(nil, services.NewWorkflowError(services.ErrNotFound, "job item %s not found", foreignID.String()))
	resp = f.call(t, "getReceiptUploadURL", gin.H{
		"job_item_id":  foreignID.String(),
		"filename":     "receipt.jpg",
		"content_type": "image/jpeg",
	}, token)
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.ErrorCode)
}

func TestJsonApi_AttachReceipt(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	token := f.tokenFor(t, utils.NewSixID(), tenantID, models.RoleStaff)
	itemID := utils.NewSixID()

	item := &models.JobItem{TenantID: tenantID}
	item.ID = itemID
	f.jobItemSvc.On("FindJobItemByID", mock.Anything, tenantID, itemID).Return(item, nil)

	// A key outside the caller's namespace is refused
	resp := f.call(t, "attachReceipt", gin.H{
		"job_item_id": itemID.String(),
		"object_key":  "receipts/someone-else/whatever/file.jpg",
	}, token)
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)
	f.taskClient.AssertNotCalled(t, "EnqueueContext")

	// A namespaced key schedules processing
	goodKey := fmt.Sprintf("receipts/%s/%s/file.jpg", tenantID.String(), itemID.String())
	f.taskClient.On("EnqueueContext", mock.Anything, mock.AnythingOfType("*asynq.Task")).
		Return(&asynq.TaskInfo{ID: "task-42", Queue: "receipts"}, nil).Once()

	resp = f.call(t, "attachReceipt", gin.H{
		"job_item_id": itemID.String(),
		"object_key":  goodKey,
	}, token)
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "task-42", data["task_id"])
	f.taskClient.AssertExpectations(t)
}

func TestJsonApi_SendInvoiceEnquiry(t *testing.T) {
	f := newHandlerFixture(t)

	// Public method; unknown tokens reveal nothing
	f.invoiceSvc.On("FindInvoiceByPublicToken", mock.Anything, "bad-token").
		Return(nil, services.NewWorkflowError(services.ErrNotFound, "invoice not found"))
	resp := f.call(t, "sendInvoiceEnquiry", gin.H{
		"public_token": "bad-token",
		"from_email":   "payer@example.com",
		"message":      "Question about line 2",
	}, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.ErrorCode)
	assert.Equal(t, "Invoice not found", resp.Error)

	// A valid token records the enquiry and schedules the notification
	inv := &models.Invoice{TenantID: utils.NewSixID(), Status: models.InvoiceStatusSent, PublicToken: "good-token"}
	inv.ID = utils.NewSixID()
	enquiry := &models.InvoiceEnquiry{InvoiceID: inv.ID, TenantID: inv.TenantID}
	enquiry.ID = utils.NewSixID()

	f.invoiceSvc.On("FindInvoiceByPublicToken", mock.Anything, "good-token").Return(inv, nil)
	f.enquirySvc.On("CreateEnquiry", mock.Anything, inv, "payer@example.com", "Question about line 2").Return(enquiry, nil)
	f.taskClient.On("EnqueueContext", mock.Anything, mock.AnythingOfType("*asynq.Task")).
		Return(&asynq.TaskInfo{ID: "task-9"}, nil).Once()

	resp = f.call(t, "sendInvoiceEnquiry", gin.H{
		"public_token": "good-token",
		"from_email":   "payer@example.com",
		"message":      "Question about line 2",
	}, "")
	assert.True(t, resp.Success)
	f.enquirySvc.AssertExpectations(t)
	f.taskClient.AssertExpectations(t)

	// Blank message rejected up front
	resp = f.call(t, "sendInvoiceEnquiry", gin.H{
		"public_token": "good-token",
		"from_email":   "payer@example.com",
		"message":      "   ",
	}, "")
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_failed", resp.ErrorCode)
}

func TestJsonApi_VoidInvoice_RolePassthrough(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	invoiceID := utils.NewSixID()

	// Dispatch lets staff through; the service decides
	staffToken := f.tokenFor(t, utils.NewSixID(), tenantID, models.RoleStaff)
	f.invoiceSvc.On("VoidInvoice", mock.Anything, tenantID, invoiceID, models.RoleStaff).
		Return(nil, services.NewWorkflowError(services.ErrAuthorizationFailed, "only the owner can void an invoice"))

	resp := f.call(t, "voidInvoice", invoiceID.String(), staffToken)
	assert.False(t, resp.Success)
	assert.Equal(t, "authorization_failed", resp.ErrorCode)

	voided := &models.Invoice{TenantID: tenantID, Status: models.InvoiceStatusVoid}
	voided.ID = invoiceID
	ownerToken := f.tokenFor(t, utils.NewSixID(), tenantID, models.RoleOwner)
	f.invoiceSvc.On("VoidInvoice", mock.Anything, tenantID, invoiceID, models.RoleOwner).Return(voided, nil)

	resp = f.call(t, "voidInvoice", invoiceID.String(), ownerToken)
	assert.True(t, resp.Success)
	f.invoiceSvc.AssertExpectations(t)
}

func TestJsonApi_ConflictRetryMapping(t *testing.T) {
	f := newHandlerFixture(t)
	tenantID := utils.NewSixID()
	userID := utils.NewSixID()
	token := f.tokenFor(t, userID, tenantID, models.RoleStaff)
	invoiceID := utils.NewSixID()

	f.invoiceSvc.On("IssueInvoice", mock.Anything, tenantID, invoiceID, userID, (*time.Time)(nil)).
		Return(nil, services.ErrConflictRetryExceeded)

	resp := f.call(t, "issueInvoice", gin.H{"invoice_id": invoiceID.String()}, token)
	assert.False(t, resp.Success)
	assert.Equal(t, "conflict_retry_exhausted", resp.ErrorCode)
}

func TestJsonApi_ArgumentsMustBeArray(t *testing.T) {
	f := newHandlerFixture(t)

	body := []byte(`{"method": "login", "arguments": {"email": "a@b.co"}}`)
	req, _ := http.NewRequest("POST", "/v1/api", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.JsonApiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "expected a JSON array")

	// Omitting arguments entirely is also an error for methods that need them
	resp = f.call(t, "login", nil, "")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "arguments")
}
