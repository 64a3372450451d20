package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/johndetlefs/client-management-app-sub000/internal/auth"
	"github.com/johndetlefs/client-management-app-sub000/internal/config"
	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/services"
	"github.com/johndetlefs/client-management-app-sub000/internal/storage"
	"github.com/johndetlefs/client-management-app-sub000/internal/tasks"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// Context key type for AuthResult
type authContextKey string

const authResultKey authContextKey = "authResult"

// Helper to get AuthResult from context
func getAuthFromContext(ctx context.Context) (*AuthResult, bool) {
	val, ok := ctx.Value(authResultKey).(*AuthResult)
	return val, ok
}

// IAsynqClient defines the interface for the Asynq client methods used by the handler.
// This allows easier mocking than using the concrete asynq.Client.
type IAsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JsonApiRequest defines the expected structure for JSON API requests.
type JsonApiRequest struct {
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// JsonApiResponse defines the structure for JSON API responses.
type JsonApiResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// apiMethodFunc defines the signature for handler methods.
type apiMethodFunc func(c *gin.Context, args json.RawMessage) (interface{}, *ApiError)

// JsonApiHandler holds dependencies for handling JSON API requests.
type JsonApiHandler struct {
	cfg             *config.Config
	db              *mongo.Database // Direct access for the tenant lookup helper
	rdb             *redis.Client
	userService     services.IUserService
	clientService   services.IClientService
	jobService      services.IJobService
	jobItemService  services.IJobItemService
	invoiceService  services.IInvoiceService
	settingsService services.ISettingsService
	enquiryService  services.IEnquiryService
	storageService  storage.IS3Storage
	taskClient      IAsynqClient
	passwordRegex   *regexp.Regexp
	methods         map[string]apiMethodFunc
}

// NewJsonApiHandler creates a new handler for the JSON API endpoint.
// Accepts interfaces for dependencies.
func NewJsonApiHandler(
	cfg *config.Config,
	db *mongo.Database,
	rdb *redis.Client,
	taskClient IAsynqClient,
	userService services.IUserService,
	clientService services.IClientService,
	jobService services.IJobService,
	jobItemService services.IJobItemService,
	invoiceService services.IInvoiceService,
	settingsService services.ISettingsService,
	enquiryService services.IEnquiryService,
	storageService storage.IS3Storage,
) *JsonApiHandler {
	h := &JsonApiHandler{
		cfg:             cfg,
		db:              db,
		rdb:             rdb,
		taskClient:      taskClient,
		userService:     userService,
		clientService:   clientService,
		jobService:      jobService,
		jobItemService:  jobItemService,
		invoiceService:  invoiceService,
		settingsService: settingsService,
		enquiryService:  enquiryService,
		storageService:  storageService,
		passwordRegex:   regexp.MustCompile(cfg.PasswordRegexp),
	}
	h.methods = map[string]apiMethodFunc{
		"ping":                          h.ping,
		"registerTenant":                h.registerTenant,
		"login":                         h.login,
		"refreshToken":                  h.refreshToken,
		"changePassword":                h.changePassword,
		"resetAccess":                   h.resetAccess,
		"resetPassword":                 h.resetPassword,
		"inviteStaff":                   h.inviteStaff,
		"acceptStaffInvite":             h.acceptStaffInvite,
		"listUsers":                     h.listUsers,
		"suspendUser":                   h.suspendUser,
		"unsuspendUser":                 h.unsuspendUser,
		"updateNotificationPreferences": h.updateNotificationPreferences,
		"createClient":                  h.createClient,
		"getClient":                     h.getClient,
		"listClients":                   h.listClients,
		"updateClient":                  h.updateClient,
		"deleteClient":                  h.deleteClient,
		"searchClients":                 h.searchClients,
		"createJob":                     h.createJob,
		"getJob":                        h.getJob,
		"listJobs":                      h.listJobs,
		"updateJob":                     h.updateJob,
		"archiveJob":                    h.archiveJob,
		"unarchiveJob":                  h.unarchiveJob,
		"deleteJob":                     h.deleteJob,
		"createJobItem":                 h.createJobItem,
		"getJobItem":                    h.getJobItem,
		"listJobItems":                  h.listJobItems,
		"listOpenItems":                 h.listOpenItems,
		"updateJobItem":                 h.updateJobItem,
		"deleteJobItem":                 h.deleteJobItem,
		"getReceiptUploadURL":           h.getReceiptUploadURL,
		"attachReceipt":                 h.attachReceipt,
		"createDraftInvoice":            h.createDraftInvoice,
		"addInvoiceItems":               h.addInvoiceItems,
		"removeInvoiceItem":             h.removeInvoiceItem,
		"issueInvoice":                  h.issueInvoice,
		"updateInvoicePayment":          h.updateInvoicePayment,
		"voidInvoice":                   h.voidInvoice,
		"deleteDraftInvoice":            h.deleteDraftInvoice,
		"getInvoice":                    h.getInvoice,
		"listInvoices":                  h.listInvoices,
		"listInvoiceEnquiries":          h.listInvoiceEnquiries,
		"sendInvoiceEnquiry":            h.sendInvoiceEnquiry,
		"getTenantSettings":             h.getTenantSettings,
		"updateTenantSettings":          h.updateTenantSettings,
	}
	return h
}

// HandleRequest is the main entry point for POST /v1/api
func (h *JsonApiHandler) HandleRequest(c *gin.Context) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.sendErrorResponse(c, NewApiError("Failed to read request body"))
		return
	}

	var req JsonApiRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.sendErrorResponse(c, NewApiError("Invalid JSON request format"))
		return
	}

	authErr := h.checkAuthForMethod(c, req.Method)
	if authErr != nil {
		h.sendErrorResponse(c, authErr)
		return
	}

	var result interface{}
	var apiErr *ApiError

	if handlerFunc, ok := h.methods[req.Method]; ok {
		result, apiErr = handlerFunc(c, req.Arguments)
	} else {
		h.sendErrorResponse(c, NewApiError(fmt.Sprintf("Unknown method: %s", req.Method)))
		return
	}

	if apiErr != nil {
		h.sendErrorResponse(c, apiErr)
		return
	}

	h.sendSuccessResponse(c, result)
}

// AuthResult holds the caller's identity extracted from the JWT.
type AuthResult struct {
	UserID   *utils.SixID // Pointer to allow nil for guests
	TenantID *utils.SixID
	Role     models.TenantRole
}

// checkAuthForMethod checks if auth is needed and validates/extracts details if so.
// It stores the AuthResult in c.Request.Context().
func (h *JsonApiHandler) checkAuthForMethod(c *gin.Context, method string) *ApiError {
	needsAuth := h.methodRequiresAuth(method)
	needsOwner := h.methodRequiresOwner(method)

	if !needsAuth && !needsOwner {
		ctx := context.WithValue(c.Request.Context(), authResultKey, &AuthResult{})
		c.Request = c.Request.WithContext(ctx)
		return nil // Proceed as guest
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return NewApiError("Authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return NewApiError("Authorization header format must be Bearer {token}")
	}
	claims, err := auth.ValidateJWT(parts[1], h.cfg.JwtSecret)
	if err != nil {
		log.Printf("DEBUG: Token validation failed for method %s: %v", method, err)
		return NewApiError(fmt.Sprintf("Invalid or expired token: %v", err))
	}

	userID, idErr := utils.ParseSixID(claims.UserID)
	if idErr != nil {
		log.Printf("ERROR: Invalid UserID (%s) in valid JWT for method %s", claims.UserID, method)
		return NewApiError("Internal error")
	}
	tenantID, idErr := utils.ParseSixID(claims.TenantID)
	if idErr != nil {
		log.Printf("ERROR: Invalid TenantID (%s) in valid JWT for method %s", claims.TenantID, method)
		return NewApiError("Internal error")
	}

	if needsOwner && claims.Role != models.RoleOwner {
		log.Printf("DEBUG: Owner privileges required but not present for method %s", method)
		return &ApiError{Code: "authorization_failed", Message: "Owner privileges required"}
	}

	authRes := &AuthResult{UserID: &userID, TenantID: &tenantID, Role: claims.Role}
	ctx := context.WithValue(c.Request.Context(), authResultKey, authRes)
	c.Request = c.Request.WithContext(ctx)
	return nil
}

// methodRequiresAuth checks if a given API method requires authentication.
func (h *JsonApiHandler) methodRequiresAuth(method string) bool {
	switch method {
	// Public methods
	case "ping",
		"registerTenant",
		"login",
		"resetAccess",
		"resetPassword",
		"acceptStaffInvite",
		"sendInvoiceEnquiry":
		return false
	default:
		// Everything else in the dispatch map operates on tenant data.
		return true
	}
}

// methodRequiresOwner checks if a given API method requires the owner role.
// voidInvoice is absent here on purpose: the service checks the role so the
// rule also holds for non-HTTP callers.
func (h *JsonApiHandler) methodRequiresOwner(method string) bool {
	switch method {
	case "inviteStaff",
		"suspendUser",
		"unsuspendUser",
		"updateTenantSettings":
		return true
	default:
		return false
	}
}

// --- Private helper methods ---

func (h *JsonApiHandler) sendSuccessResponse(c *gin.Context, data interface{}) {
	resp := JsonApiResponse{Success: true, Data: data}
	c.JSON(http.StatusOK, resp)
}

func (h *JsonApiHandler) sendErrorResponse(c *gin.Context, apiErr *ApiError) {
	resp := JsonApiResponse{Success: false, Error: apiErr.Message, ErrorCode: apiErr.Code}
	c.JSON(http.StatusOK, resp)
}

// ApiError pairs a wire error code with a human-readable message.
type ApiError struct {
	Code    string
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func NewApiError(message string) *ApiError {
	return &ApiError{Code: "internal_error", Message: message}
}

func newValidationError(format string, args ...interface{}) *ApiError {
	return &ApiError{Code: "validation_failed", Message: fmt.Sprintf(format, args...)}
}

// mapServiceError translates a service failure into a wire error. Workflow
// errors keep their message; anything else gets the fallback so internals
// don't leak.
func (h *JsonApiHandler) mapServiceError(err error, fallback string) *ApiError {
	var wfe *services.WorkflowError
	if errors.As(err, &wfe) {
		return &ApiError{Code: services.ErrorCode(err), Message: wfe.Message}
	}
	if errors.Is(err, services.ErrConflictRetryExceeded) {
		return &ApiError{Code: "conflict_retry_exhausted", Message: "operation conflicted with concurrent changes, please retry"}
	}
	return &ApiError{Code: "internal_error", Message: fallback}
}

// requireAuth returns the caller identity. Defensive: checkAuthForMethod has
// already validated the token for methods that need it.
func requireAuth(c *gin.Context) (*AuthResult, *ApiError) {
	authInfo, ok := getAuthFromContext(c.Request.Context())
	if !ok || authInfo.UserID == nil || authInfo.TenantID == nil {
		return nil, NewApiError("Authentication required")
	}
	return authInfo, nil
}

func parseSixIDArg(raw string, field string) (utils.SixID, *ApiError) {
	id, err := utils.ParseSixID(raw)
	if err != nil {
		return utils.SixID{}, newValidationError("Invalid %s format", field)
	}
	return id, nil
}

// tenantBusinessName fetches the business name for email payloads.
func (h *JsonApiHandler) tenantBusinessName(ctx context.Context, tenantID utils.SixID) string {
	var tenant models.Tenant
	err := h.db.Collection("tenants").FindOne(ctx, bson.M{"_id": tenantID}).Decode(&tenant)
	if err != nil {
		log.Printf("Error fetching tenant %s for email payload: %v", tenantID.String(), err)
		return ""
	}
	return tenant.BusinessName
}

// enqueueEmail marshals and enqueues an email delivery task. Failures are
// logged, not surfaced; the triggering operation already succeeded.
func (h *JsonApiHandler) enqueueEmail(ctx context.Context, to, templateID string, data map[string]interface{}) {
	payloadBytes, err := json.Marshal(tasks.EmailTaskPayload{
		To:         to,
		TemplateID: templateID,
		Data:       data,
	})
	if err != nil {
		log.Printf("ERROR marshalling email payload (%s to %s): %v", templateID, to, err)
		return
	}
	task := asynq.NewTask(tasks.TypeEmailDelivery, payloadBytes)
	if _, err := h.taskClient.EnqueueContext(ctx, task); err != nil {
		log.Printf("ERROR enqueuing %s email to %s: %v", templateID, to, err)
	}
}

// --- API Method Implementations ---

func (h *JsonApiHandler) ping(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args // Explicitly ignore unused args
	return "pong", nil
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// AuthResponse defines the structure for authentication responses
type AuthResponse struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

func (h *JsonApiHandler) authResponseFor(user *models.User) (interface{}, *ApiError) {
	token, err := auth.GenerateJWT(user.ID, user.TenantID, user.Role, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		log.Printf("Failed to generate JWT for user %s: %v", user.ID.String(), err)
		return nil, NewApiError("Failed to generate session token")
	}
	return AuthResponse{
		Token:    token,
		Email:    user.Email,
		ID:       user.ID.String(),
		TenantID: user.TenantID.String(),
		Role:     string(user.Role),
	}, nil
}

// RegisterTenantArgs defines the arguments for registerTenant.
type RegisterTenantArgs struct {
	BusinessName string `json:"business_name"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

func (h *JsonApiHandler) registerTenant(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs RegisterTenantArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	if strings.TrimSpace(reqArgs.BusinessName) == "" {
		return nil, newValidationError("business_name is required")
	}
	if !emailRegex.MatchString(reqArgs.Email) {
		return nil, newValidationError("invalid_email")
	}
	if !h.passwordRegex.MatchString(reqArgs.Password) {
		return nil, newValidationError("Password does not meet requirements")
	}

	ctx := c.Request.Context()
	tenant, owner, err := h.userService.RegisterTenant(ctx, reqArgs.BusinessName, reqArgs.Name, reqArgs.Email, reqArgs.Password)
	if err != nil {
		if errors.Is(err, services.ErrEmailExists) {
			return nil, newValidationError("An account with this email already exists")
		}
		log.Printf("Error registering tenant %s: %v", reqArgs.BusinessName, err)
		return nil, h.mapServiceError(err, "Registration failed")
	}

	h.enqueueEmail(ctx, owner.Email, "welcome", map[string]interface{}{
		"app_name":      h.cfg.AppName,
		"business_name": tenant.BusinessName,
		"name":          owner.Name,
	})

	log.Printf("Registered tenant %s (%s), owner %s", tenant.ID.String(), tenant.BusinessName, owner.ID.String())
	return h.authResponseFor(owner)
}

// LoginArgs defines the arguments for login.
type LoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *JsonApiHandler) login(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs LoginArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	if !emailRegex.MatchString(reqArgs.Email) {
		return nil, newValidationError("invalid_email")
	}

	ctx := c.Request.Context()
	user, err := h.userService.Authenticate(ctx, reqArgs.Email, reqArgs.Password)
	if err != nil {
		// Generic failure regardless of whether the email exists.
		log.Printf("Login attempt failed for %s: %v", reqArgs.Email, err)
		return false, nil // Success: true, Data: false
	}

	log.Printf("Login successful for user %s (%s)", user.ID.String(), reqArgs.Email)
	return h.authResponseFor(user)
}

func (h *JsonApiHandler) refreshToken(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	token, err := auth.GenerateJWT(*authInfo.UserID, *authInfo.TenantID, authInfo.Role, h.cfg.JwtSecret, h.cfg.JwtTTL)
	if err != nil {
		log.Printf("Failed to generate refreshed JWT for user %s: %v", authInfo.UserID.String(), err)
		return nil, NewApiError("Failed to refresh session token")
	}

	return token, nil
}

// ChangePasswordArgs defines the arguments for the changePassword method
type ChangePasswordArgs struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *JsonApiHandler) changePassword(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs ChangePasswordArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	if !h.passwordRegex.MatchString(reqArgs.NewPassword) {
		return nil, newValidationError("New password does not meet requirements")
	}

	ctx := c.Request.Context()
	if err := h.userService.ChangePassword(ctx, *authInfo.UserID, reqArgs.CurrentPassword, reqArgs.NewPassword); err != nil {
		log.Printf("Password change failed for user %s: %v", authInfo.UserID.String(), err)
		return nil, h.mapServiceError(err, "Failed to change password")
	}
	return true, nil
}

func (h *JsonApiHandler) resetAccess(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var email string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &email); apiErr != nil {
		return nil, apiErr
	}
	if !emailRegex.MatchString(email) {
		return nil, newValidationError("invalid_email")
	}

	ctx := c.Request.Context()
	user, action, err := h.userService.RequestAccessReset(ctx, email)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			log.Printf("Error initiating access reset for %s: %v", email, err)
		}
		// Never reveal whether the email exists.
		log.Printf("Access reset requested for %s. No action taken.", email)
		return nil, nil // Success: true, Data: null
	}

	h.enqueueEmail(ctx, user.Email, "reset_access", map[string]interface{}{
		"app_name":  h.cfg.AppName,
		"name":      user.Name,
		"action_id": action.ID.String(),
	})

	log.Printf("Access reset initiated for user %s (%s)", user.ID.String(), email)
	return nil, nil // Success: true, Data: null
}

// ResetPasswordArgs defines the arguments for resetPassword.
type ResetPasswordArgs struct {
	ActionID string `json:"action_id"`
	Password string `json:"password"`
}

func (h *JsonApiHandler) resetPassword(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs ResetPasswordArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if !h.passwordRegex.MatchString(reqArgs.Password) {
		return nil, newValidationError("Password does not meet requirements")
	}

	ctx := c.Request.Context()
	user, err := h.userService.ResetPassword(ctx, reqArgs.ActionID, reqArgs.Password)
	if err != nil {
		log.Printf("Password reset failed for action %s: %v", reqArgs.ActionID, err)
		return nil, h.mapServiceError(err, "Failed to reset password")
	}

	log.Printf("Password reset completed for user %s", user.ID.String())
	return h.authResponseFor(user)
}

// InviteStaffArgs defines the arguments for inviteStaff.
type InviteStaffArgs struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *JsonApiHandler) inviteStaff(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs InviteStaffArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if !emailRegex.MatchString(reqArgs.Email) {
		return nil, newValidationError("invalid_email")
	}

	ctx := c.Request.Context()
	staff, action, err := h.userService.InviteStaff(ctx, *authInfo.TenantID, *authInfo.UserID, reqArgs.Name, reqArgs.Email)
	if err != nil {
		if errors.Is(err, services.ErrEmailExists) {
			return nil, newValidationError("An account with this email already exists")
		}
		log.Printf("Error inviting staff %s to tenant %s: %v", reqArgs.Email, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to invite staff member")
	}

	h.enqueueEmail(ctx, staff.Email, "staff_invite", map[string]interface{}{
		"app_name":      h.cfg.AppName,
		"business_name": h.tenantBusinessName(ctx, *authInfo.TenantID),
		"name":          staff.Name,
		"action_id":     action.ID.String(),
	})

	log.Printf("Staff invite created for %s (user %s) in tenant %s", staff.Email, staff.ID.String(), authInfo.TenantID.String())
	return staff, nil
}

// AcceptStaffInviteArgs defines the arguments for acceptStaffInvite.
type AcceptStaffInviteArgs struct {
	ActionID string `json:"action_id"`
	Password string `json:"password"`
}

func (h *JsonApiHandler) acceptStaffInvite(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs AcceptStaffInviteArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if !h.passwordRegex.MatchString(reqArgs.Password) {
		return nil, newValidationError("Password does not meet requirements")
	}

	ctx := c.Request.Context()
	user, err := h.userService.AcceptStaffInvite(ctx, reqArgs.ActionID, reqArgs.Password)
	if err != nil {
		log.Printf("Staff invite acceptance failed for action %s: %v", reqArgs.ActionID, err)
		return nil, h.mapServiceError(err, "Failed to accept invite")
	}

	log.Printf("Staff invite accepted by user %s", user.ID.String())
	return h.authResponseFor(user)
}

func (h *JsonApiHandler) listUsers(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	users, err := h.userService.ListTenantUsers(c.Request.Context(), *authInfo.TenantID)
	if err != nil {
		log.Printf("Error listing users for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to list users")
	}
	return users, nil
}

func (h *JsonApiHandler) suspendUser(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var userIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &userIDStr); apiErr != nil {
		return nil, apiErr
	}
	userID, apiErr := parseSixIDArg(userIDStr, "user_id")
	if apiErr != nil {
		return nil, apiErr
	}

	if err := h.userService.SuspendUser(c.Request.Context(), *authInfo.TenantID, userID, *authInfo.UserID); err != nil {
		log.Printf("Error suspending user %s in tenant %s: %v", userIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to suspend user")
	}
	return true, nil
}

func (h *JsonApiHandler) unsuspendUser(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var userIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &userIDStr); apiErr != nil {
		return nil, apiErr
	}
	userID, apiErr := parseSixIDArg(userIDStr, "user_id")
	if apiErr != nil {
		return nil, apiErr
	}

	if err := h.userService.UnsuspendUser(c.Request.Context(), *authInfo.TenantID, userID); err != nil {
		log.Printf("Error unsuspending user %s in tenant %s: %v", userIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to unsuspend user")
	}
	return true, nil
}

func (h *JsonApiHandler) updateNotificationPreferences(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var prefs models.NotificationPreferences
	if apiErr := h.parseRequiredSingleArgFromArray(args, &prefs); apiErr != nil {
		return nil, apiErr
	}

	if err := h.userService.UpdateNotificationPreferences(c.Request.Context(), *authInfo.UserID, prefs); err != nil {
		log.Printf("Error updating notification preferences for user %s: %v", authInfo.UserID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update notification preferences")
	}
	return prefs, nil
}

// --- Clients ---

// CreateClientArgs defines the arguments for createClient.
type CreateClientArgs struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
	ABN     string `json:"abn"`
	Notes   string `json:"notes"`
}

func (h *JsonApiHandler) createClient(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs CreateClientArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}

	client, err := h.clientService.CreateClient(c.Request.Context(), *authInfo.TenantID,
		reqArgs.Name, reqArgs.Email, reqArgs.Address, reqArgs.ABN, reqArgs.Notes)
	if err != nil {
		log.Printf("Error creating client for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to create client")
	}
	return client, nil
}

func (h *JsonApiHandler) getClient(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var clientIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &clientIDStr); apiErr != nil {
		return nil, apiErr
	}
	clientID, apiErr := parseSixIDArg(clientIDStr, "client_id")
	if apiErr != nil {
		return nil, apiErr
	}

	client, err := h.clientService.FindClientByID(c.Request.Context(), *authInfo.TenantID, clientID)
	if err != nil {
		return nil, h.mapServiceError(err, "Failed to fetch client")
	}
	return client, nil
}

func (h *JsonApiHandler) listClients(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	clients, err := h.clientService.ListClients(c.Request.Context(), *authInfo.TenantID)
	if err != nil {
		log.Printf("Error listing clients for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to list clients")
	}
	return clients, nil
}

// UpdateClientArgs defines the arguments for updateClient.
type UpdateClientArgs struct {
	ClientID string                 `json:"client_id"`
	Updates  map[string]interface{} `json:"updates"`
}

func (h *JsonApiHandler) updateClient(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs UpdateClientArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	clientID, apiErr := parseSixIDArg(reqArgs.ClientID, "client_id")
	if apiErr != nil {
		return nil, apiErr
	}
	if len(reqArgs.Updates) == 0 {
		return nil, newValidationError("No updates provided")
	}

	client, err := h.clientService.UpdateClient(c.Request.Context(), *authInfo.TenantID, clientID, reqArgs.Updates)
	if err != nil {
		log.Printf("Error updating client %s for tenant %s: %v", reqArgs.ClientID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update client")
	}
	return client, nil
}

func (h *JsonApiHandler) deleteClient(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var clientIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &clientIDStr); apiErr != nil {
		return nil, apiErr
	}
	clientID, apiErr := parseSixIDArg(clientIDStr, "client_id")
	if apiErr != nil {
		return nil, apiErr
	}

	if err := h.clientService.DeleteClient(c.Request.Context(), *authInfo.TenantID, clientID); err != nil {
		log.Printf("Error deleting client %s for tenant %s: %v", clientIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to delete client")
	}
	return true, nil
}

// SearchClientsArgs defines the arguments for searchClients.
type SearchClientsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (h *JsonApiHandler) searchClients(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs SearchClientsArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if strings.TrimSpace(reqArgs.Query) == "" {
		return nil, newValidationError("query is required")
	}

	clients, err := h.clientService.SearchClients(c.Request.Context(), *authInfo.TenantID, reqArgs.Query, reqArgs.Limit)
	if err != nil {
		log.Printf("Error searching clients for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to search clients")
	}
	return clients, nil
}

// --- Jobs ---

// CreateJobArgs defines the arguments for createJob.
type CreateJobArgs struct {
	ClientID    string `json:"client_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *JsonApiHandler) createJob(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs CreateJobArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	clientID, apiErr := parseSixIDArg(reqArgs.ClientID, "client_id")
	if apiErr != nil {
		return nil, apiErr
	}

	job, err := h.jobService.CreateJob(c.Request.Context(), *authInfo.TenantID, clientID, *authInfo.UserID,
		reqArgs.Title, reqArgs.Description)
	if err != nil {
		log.Printf("Error creating job for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to create job")
	}
	return job, nil
}

func (h *JsonApiHandler) getJob(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var jobIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &jobIDStr); apiErr != nil {
		return nil, apiErr
	}
	jobID, apiErr := parseSixIDArg(jobIDStr, "job_id")
	if apiErr != nil {
		return nil, apiErr
	}

	job, err := h.jobService.FindJobByID(c.Request.Context(), *authInfo.TenantID, jobID)
	if err != nil {
		return nil, h.mapServiceError(err, "Failed to fetch job")
	}
	return job, nil
}

// ListJobsArgs defines the arguments for listJobs.
type ListJobsArgs struct {
	ClientID        *string `json:"client_id"`
	IncludeArchived bool    `json:"include_archived"`
}

func (h *JsonApiHandler) listJobs(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs ListJobsArgs
	if args != nil {
		if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
			return nil, apiErr
		}
	}

	var clientID *utils.SixID
	if reqArgs.ClientID != nil {
		id, apiErr := parseSixIDArg(*reqArgs.ClientID, "client_id")
		if apiErr != nil {
			return nil, apiErr
		}
		clientID = &id
	}

	jobs, err := h.jobService.ListJobs(c.Request.Context(), *authInfo.TenantID, clientID, reqArgs.IncludeArchived)
	if err != nil {
		log.Printf("Error listing jobs for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to list jobs")
	}
	return jobs, nil
}

// UpdateJobArgs defines the arguments for updateJob.
type UpdateJobArgs struct {
	JobID   string                 `json:"job_id"`
	Updates map[string]interface{} `json:"updates"`
}

func (h *JsonApiHandler) updateJob(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs UpdateJobArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	jobID, apiErr := parseSixIDArg(reqArgs.JobID, "job_id")
	if apiErr != nil {
		return nil, apiErr
	}
	if len(reqArgs.Updates) == 0 {
		return nil, newValidationError("No updates provided")
	}

	job, err := h.jobService.UpdateJob(c.Request.Context(), *authInfo.TenantID, jobID, reqArgs.Updates)
	if err != nil {
		log.Printf("Error updating job %s for tenant %s: %v", reqArgs.JobID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update job")
	}
	return job, nil
}

func (h *JsonApiHandler) archiveJob(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	return h.setJobArchived(c, args, true)
}

func (h *JsonApiHandler) unarchiveJob(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	return h.setJobArchived(c, args, false)
}

func (h *JsonApiHandler) setJobArchived(c *gin.Context, args json.RawMessage, archived bool) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var jobIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &jobIDStr); apiErr != nil {
		return nil, apiErr
	}
	jobID, apiErr := parseSixIDArg(jobIDStr, "job_id")
	if apiErr != nil {
		return nil, apiErr
	}

	ctx := c.Request.Context()
	var err error
	if archived {
		err = h.jobService.ArchiveJob(ctx, *authInfo.TenantID, jobID)
	} else {
		err = h.jobService.UnarchiveJob(ctx, *authInfo.TenantID, jobID)
	}
	if err != nil {
		log.Printf("Error setting archived=%t on job %s for tenant %s: %v", archived, jobIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update job")
	}
	return true, nil
}

func (h *JsonApiHandler) deleteJob(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var jobIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &jobIDStr); apiErr != nil {
		return nil, apiErr
	}
	jobID, apiErr := parseSixIDArg(jobIDStr, "job_id")
	if apiErr != nil {
		return nil, apiErr
	}

	if err := h.jobService.DeleteJob(c.Request.Context(), *authInfo.TenantID, jobID); err != nil {
		log.Printf("Error deleting job %s for tenant %s: %v", jobIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to delete job")
	}
	return true, nil
}

// --- Job items ---

// CreateJobItemArgs defines the arguments for createJobItem.
type CreateJobItemArgs struct {
	JobID          string  `json:"job_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Unit           string  `json:"unit"`
	Quantity       float64 `json:"quantity"`
	UnitPriceMinor int64   `json:"unit_price_minor"`
	TaxApplicable  bool    `json:"tax_applicable"`
}

func (h *JsonApiHandler) createJobItem(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs CreateJobItemArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	jobID, apiErr := parseSixIDArg(reqArgs.JobID, "job_id")
	if apiErr != nil {
		return nil, apiErr
	}

	item, err := h.jobItemService.CreateJobItem(c.Request.Context(), *authInfo.TenantID, jobID, *authInfo.UserID,
		reqArgs.Title, reqArgs.Description, models.JobItemUnit(reqArgs.Unit), reqArgs.Quantity,
		reqArgs.UnitPriceMinor, reqArgs.TaxApplicable)
	if err != nil {
		log.Printf("Error creating job item for tenant %s, job %s: %v", authInfo.TenantID.String(), reqArgs.JobID, err)
		return nil, h.mapServiceError(err, "Failed to create job item")
	}
	return item, nil
}

func (h *JsonApiHandler) getJobItem(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var itemIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &itemIDStr); apiErr != nil {
		return nil, apiErr
	}
	itemID, apiErr := parseSixIDArg(itemIDStr, "job_item_id")
	if apiErr != nil {
		return nil, apiErr
	}

	item, err := h.jobItemService.FindJobItemByID(c.Request.Context(), *authInfo.TenantID, itemID)
	if err != nil {
		return nil, h.mapServiceError(err, "Failed to fetch job item")
	}
	return item, nil
}

// ListJobItemsArgs defines the arguments for listJobItems.
type ListJobItemsArgs struct {
	JobID  string  `json:"job_id"`
	Status *string `json:"status"`
}

func (h *JsonApiHandler) listJobItems(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs ListJobItemsArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	jobID, apiErr := parseSixIDArg(reqArgs.JobID, "job_id")
	if apiErr != nil {
		return nil, apiErr
	}

	var status *models.JobItemStatus
	if reqArgs.Status != nil {
		s := models.JobItemStatus(*reqArgs.Status)
		status = &s
	}

	items, err := h.jobItemService.ListJobItems(c.Request.Context(), *authInfo.TenantID, jobID, status)
	if err != nil {
		log.Printf("Error listing job items for tenant %s, job %s: %v", authInfo.TenantID.String(), reqArgs.JobID, err)
		return nil, h.mapServiceError(err, "Failed to list job items")
	}
	return items, nil
}

func (h *JsonApiHandler) listOpenItems(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var clientIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &clientIDStr); apiErr != nil {
		return nil, apiErr
	}
	clientID, apiErr := parseSixIDArg(clientIDStr, "client_id")
	if apiErr != nil {
		return nil, apiErr
	}

	items, err := h.jobItemService.ListOpenItemsForClient(c.Request.Context(), *authInfo.TenantID, clientID)
	if err != nil {
		log.Printf("Error listing open items for tenant %s, client %s: %v", authInfo.TenantID.String(), clientIDStr, err)
		return nil, h.mapServiceError(err, "Failed to list open items")
	}
	return items, nil
}

// UpdateJobItemArgs defines the arguments for updateJobItem.
type UpdateJobItemArgs struct {
	JobItemID string                 `json:"job_item_id"`
	Updates   map[string]interface{} `json:"updates"`
}

func (h *JsonApiHandler) updateJobItem(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs UpdateJobItemArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	itemID, apiErr := parseSixIDArg(reqArgs.JobItemID, "job_item_id")
	if apiErr != nil {
		return nil, apiErr
	}
	if len(reqArgs.Updates) == 0 {
		return nil, newValidationError("No updates provided")
	}

	item, err := h.jobItemService.UpdateJobItem(c.Request.Context(), *authInfo.TenantID, itemID, reqArgs.Updates)
	if err != nil {
		log.Printf("Error updating job item %s for tenant %s: %v", reqArgs.JobItemID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update job item")
	}
	return item, nil
}

func (h *JsonApiHandler) deleteJobItem(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var itemIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &itemIDStr); apiErr != nil {
		return nil, apiErr
	}
	itemID, apiErr := parseSixIDArg(itemIDStr, "job_item_id")
	if apiErr != nil {
		return nil, apiErr
	}

	if err := h.jobItemService.DeleteJobItem(c.Request.Context(), *authInfo.TenantID, itemID); err != nil {
		log.Printf("Error deleting job item %s for tenant %s: %v", itemIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to delete job item")
	}
	return true, nil
}

// --- Receipt uploads ---

// GetReceiptUploadURLArgs defines the arguments for getReceiptUploadURL.
type GetReceiptUploadURLArgs struct {
	JobItemID   string `json:"job_item_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (h *JsonApiHandler) getReceiptUploadURL(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs GetReceiptUploadURLArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if reqArgs.Filename == "" || reqArgs.ContentType == "" {
		return nil, newValidationError("filename and content_type are required")
	}
	itemID, apiErr := parseSixIDArg(reqArgs.JobItemID, "job_item_id")
	if apiErr != nil {
		return nil, apiErr
	}

	ctx := c.Request.Context()
	// Ownership check before handing out an upload slot for the item.
	if _, err := h.jobItemService.FindJobItemByID(ctx, *authInfo.TenantID, itemID); err != nil {
		return nil, h.mapServiceError(err, "Failed to fetch job item")
	}

	presignedURL, objectKey, err := h.storageService.GeneratePresignedPutURL(ctx,
		authInfo.TenantID.String(), itemID.String(), reqArgs.Filename, reqArgs.ContentType)
	if err != nil {
		log.Printf("Error generating presigned URL for tenant %s, item %s: %v", authInfo.TenantID.String(), reqArgs.JobItemID, err)
		return nil, NewApiError("Failed to generate upload URL")
	}

	return gin.H{
		"upload_url": presignedURL,
		"object_key": objectKey,
	}, nil
}

// AttachReceiptArgs defines the arguments for attachReceipt.
type AttachReceiptArgs struct {
	JobItemID string `json:"job_item_id"`
	ObjectKey string `json:"object_key"` // The key returned by getReceiptUploadURL
}

func (h *JsonApiHandler) attachReceipt(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs AttachReceiptArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if reqArgs.ObjectKey == "" {
		return nil, newValidationError("object_key is required")
	}
	itemID, apiErr := parseSixIDArg(reqArgs.JobItemID, "job_item_id")
	if apiErr != nil {
		return nil, apiErr
	}

	ctx := c.Request.Context()
	if _, err := h.jobItemService.FindJobItemByID(ctx, *authInfo.TenantID, itemID); err != nil {
		return nil, h.mapServiceError(err, "Failed to fetch job item")
	}

	// Keys are namespaced receipts/<tenant>/<item>/; refuse confirmation of a
	// key outside the caller's namespace.
	expectedPrefix := fmt.Sprintf("receipts/%s/%s/", authInfo.TenantID.String(), itemID.String())
	if !strings.HasPrefix(reqArgs.ObjectKey, expectedPrefix) {
		return nil, newValidationError("object_key does not belong to this job item")
	}

	payloadBytes, err := json.Marshal(tasks.ReceiptTaskPayload{
		S3Key:     reqArgs.ObjectKey,
		JobItemID: itemID.String(),
	})
	if err != nil {
		return nil, NewApiError("Failed to schedule receipt processing")
	}
	task := asynq.NewTask(tasks.TypeReceiptProcess, payloadBytes, asynq.Queue("receipts"))

	taskInfo, err := h.taskClient.EnqueueContext(ctx, task)
	if err != nil {
		log.Printf("ERROR enqueuing receipt processing task for key %s, item %s: %v", reqArgs.ObjectKey, reqArgs.JobItemID, err)
		return nil, NewApiError("Failed to schedule receipt processing")
	}

	log.Printf("Enqueued receipt processing task ID %s for key %s, item %s", taskInfo.ID, reqArgs.ObjectKey, reqArgs.JobItemID)
	return gin.H{
		"message": "Receipt upload confirmed, processing scheduled.",
		"task_id": taskInfo.ID,
	}, nil
}

// --- Invoices ---

// CreateDraftInvoiceArgs defines the arguments for createDraftInvoice.
type CreateDraftInvoiceArgs struct {
	ClientID string `json:"client_id"`
	Notes    string `json:"notes"`
}

func (h *JsonApiHandler) createDraftInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs CreateDraftInvoiceArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	clientID, apiErr := parseSixIDArg(reqArgs.ClientID, "client_id")
	if apiErr != nil {
		return nil, apiErr
	}

	inv, err := h.invoiceService.CreateDraft(c.Request.Context(), *authInfo.TenantID, clientID, *authInfo.UserID, reqArgs.Notes)
	if err != nil {
		log.Printf("Error creating draft invoice for tenant %s, client %s: %v", authInfo.TenantID.String(), reqArgs.ClientID, err)
		return nil, h.mapServiceError(err, "Failed to create draft invoice")
	}
	return inv, nil
}

// AddInvoiceItemsArgs defines the arguments for addInvoiceItems.
type AddInvoiceItemsArgs struct {
	InvoiceID  string   `json:"invoice_id"`
	JobItemIDs []string `json:"job_item_ids"`
}

func (h *JsonApiHandler) addInvoiceItems(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs AddInvoiceItemsArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(reqArgs.InvoiceID, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	itemIDs := make([]utils.SixID, 0, len(reqArgs.JobItemIDs))
	for _, raw := range reqArgs.JobItemIDs {
		id, apiErr := parseSixIDArg(raw, "job_item_id")
		if apiErr != nil {
			return nil, apiErr
		}
		itemIDs = append(itemIDs, id)
	}

	inv, err := h.invoiceService.AddItems(c.Request.Context(), *authInfo.TenantID, invoiceID, itemIDs)
	if err != nil {
		log.Printf("Error adding items to invoice %s for tenant %s: %v", reqArgs.InvoiceID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to add items to invoice")
	}
	return inv, nil
}

// RemoveInvoiceItemArgs defines the arguments for removeInvoiceItem.
type RemoveInvoiceItemArgs struct {
	InvoiceID string `json:"invoice_id"`
	JobItemID string `json:"job_item_id"`
}

func (h *JsonApiHandler) removeInvoiceItem(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs RemoveInvoiceItemArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(reqArgs.InvoiceID, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}
	itemID, apiErr := parseSixIDArg(reqArgs.JobItemID, "job_item_id")
	if apiErr != nil {
		return nil, apiErr
	}

	inv, err := h.invoiceService.RemoveItem(c.Request.Context(), *authInfo.TenantID, invoiceID, itemID)
	if err != nil {
		log.Printf("Error removing item %s from invoice %s for tenant %s: %v", reqArgs.JobItemID, reqArgs.InvoiceID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to remove item from invoice")
	}
	return inv, nil
}

// IssueInvoiceArgs defines the arguments for issueInvoice.
type IssueInvoiceArgs struct {
	InvoiceID string  `json:"invoice_id"`
	DueDate   *string `json:"due_date"` // YYYY-MM-DD, defaults from tenant settings
}

func (h *JsonApiHandler) issueInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs IssueInvoiceArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(reqArgs.InvoiceID, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	var dueDate *time.Time
	if reqArgs.DueDate != nil {
		parsed, err := time.Parse("2006-01-02", *reqArgs.DueDate)
		if err != nil {
			return nil, newValidationError("due_date must be YYYY-MM-DD")
		}
		dueDate = &parsed
	}

	ctx := c.Request.Context()
	inv, err := h.invoiceService.IssueInvoice(ctx, *authInfo.TenantID, invoiceID, *authInfo.UserID, dueDate)
	if err != nil {
		log.Printf("Error issuing invoice %s for tenant %s: %v", reqArgs.InvoiceID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to issue invoice")
	}

	if inv.Client.Email != "" {
		h.enqueueEmail(ctx, inv.Client.Email, "invoice_issued", map[string]interface{}{
			"invoice_number": inv.InvoiceNumber,
			"business_name":  h.tenantBusinessName(ctx, *authInfo.TenantID),
			"client_name":    inv.Client.Name,
			"invoice_url":    fmt.Sprintf("%s/v1/invoice/%s", h.cfg.PublicBaseURL, inv.PublicToken),
		})
	}

	log.Printf("Issued invoice %s (%s) for tenant %s", inv.ID.String(), inv.InvoiceNumber, authInfo.TenantID.String())
	return inv, nil
}

// UpdateInvoicePaymentArgs defines the arguments for updateInvoicePayment.
type UpdateInvoicePaymentArgs struct {
	InvoiceID       string `json:"invoice_id"`
	AmountPaidMinor int64  `json:"amount_paid_minor"`
}

func (h *JsonApiHandler) updateInvoicePayment(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs UpdateInvoicePaymentArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(reqArgs.InvoiceID, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	inv, err := h.invoiceService.UpdatePayment(c.Request.Context(), *authInfo.TenantID, invoiceID, reqArgs.AmountPaidMinor)
	if err != nil {
		log.Printf("Error updating payment on invoice %s for tenant %s: %v", reqArgs.InvoiceID, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update payment")
	}
	return inv, nil
}

func (h *JsonApiHandler) voidInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var invoiceIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &invoiceIDStr); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(invoiceIDStr, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	inv, err := h.invoiceService.VoidInvoice(c.Request.Context(), *authInfo.TenantID, invoiceID, authInfo.Role)
	if err != nil {
		log.Printf("Error voiding invoice %s for tenant %s: %v", invoiceIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to void invoice")
	}
	return inv, nil
}

func (h *JsonApiHandler) deleteDraftInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var invoiceIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &invoiceIDStr); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(invoiceIDStr, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	if err := h.invoiceService.DeleteDraft(c.Request.Context(), *authInfo.TenantID, invoiceID); err != nil {
		log.Printf("Error deleting draft invoice %s for tenant %s: %v", invoiceIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to delete draft invoice")
	}
	return true, nil
}

func (h *JsonApiHandler) getInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var invoiceIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &invoiceIDStr); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(invoiceIDStr, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	inv, err := h.invoiceService.FindInvoiceByID(c.Request.Context(), *authInfo.TenantID, invoiceID)
	if err != nil {
		return nil, h.mapServiceError(err, "Failed to fetch invoice")
	}
	return inv, nil
}

// ListInvoicesArgs defines the arguments for listInvoices.
type ListInvoicesArgs struct {
	Status   *string `json:"status"`
	ClientID *string `json:"client_id"`
}

func (h *JsonApiHandler) listInvoices(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var reqArgs ListInvoicesArgs
	if args != nil {
		if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
			return nil, apiErr
		}
	}

	var status *models.InvoiceStatus
	if reqArgs.Status != nil {
		s := models.InvoiceStatus(*reqArgs.Status)
		status = &s
	}
	var clientID *utils.SixID
	if reqArgs.ClientID != nil {
		id, apiErr := parseSixIDArg(*reqArgs.ClientID, "client_id")
		if apiErr != nil {
			return nil, apiErr
		}
		clientID = &id
	}

	invoices, err := h.invoiceService.ListInvoices(c.Request.Context(), *authInfo.TenantID, status, clientID)
	if err != nil {
		log.Printf("Error listing invoices for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to list invoices")
	}
	return invoices, nil
}

func (h *JsonApiHandler) listInvoiceEnquiries(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var invoiceIDStr string
	if apiErr := h.parseRequiredSingleArgFromArray(args, &invoiceIDStr); apiErr != nil {
		return nil, apiErr
	}
	invoiceID, apiErr := parseSixIDArg(invoiceIDStr, "invoice_id")
	if apiErr != nil {
		return nil, apiErr
	}

	enquiries, err := h.enquiryService.ListEnquiries(c.Request.Context(), *authInfo.TenantID, invoiceID)
	if err != nil {
		log.Printf("Error listing enquiries for invoice %s, tenant %s: %v", invoiceIDStr, authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to list enquiries")
	}
	return enquiries, nil
}

// SendInvoiceEnquiryArgs defines the arguments for sendInvoiceEnquiry.
type SendInvoiceEnquiryArgs struct {
	PublicToken string `json:"public_token"`
	FromEmail   string `json:"from_email"`
	Message     string `json:"message"`
}

// sendInvoiceEnquiry lets an invoice recipient raise a question through the
// public link. Unauthenticated; the rate limiter and captcha front it.
func (h *JsonApiHandler) sendInvoiceEnquiry(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var reqArgs SendInvoiceEnquiryArgs
	if apiErr := h.parseRequiredSingleArgFromArray(args, &reqArgs); apiErr != nil {
		return nil, apiErr
	}
	if !emailRegex.MatchString(reqArgs.FromEmail) {
		return nil, newValidationError("invalid_email")
	}
	if strings.TrimSpace(reqArgs.Message) == "" {
		return nil, newValidationError("message is required")
	}

	ctx := c.Request.Context()
	inv, err := h.invoiceService.FindInvoiceByPublicToken(ctx, reqArgs.PublicToken)
	if err != nil {
		// Token lookups never reveal why they failed.
		return nil, &ApiError{Code: "not_found", Message: "Invoice not found"}
	}

	enquiry, err := h.enquiryService.CreateEnquiry(ctx, inv, reqArgs.FromEmail, reqArgs.Message)
	if err != nil {
		log.Printf("Error recording enquiry on invoice %s: %v", inv.ID.String(), err)
		return nil, NewApiError("Failed to send enquiry")
	}

	payloadBytes, err := json.Marshal(tasks.EnquiryNotifyPayload{EnquiryID: enquiry.ID.String()})
	if err == nil {
		task := asynq.NewTask(tasks.TypeEnquiryNotify, payloadBytes)
		if _, enqErr := h.taskClient.EnqueueContext(ctx, task); enqErr != nil {
			log.Printf("ERROR enqueuing enquiry notification for %s: %v", enquiry.ID.String(), enqErr)
		}
	}

	return gin.H{"message": "Enquiry sent."}, nil
}

// --- Tenant settings ---

func (h *JsonApiHandler) getTenantSettings(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	settings, err := h.settingsService.GetSettings(c.Request.Context(), *authInfo.TenantID)
	if err != nil {
		log.Printf("Error fetching settings for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to fetch settings")
	}
	return settings, nil
}

func (h *JsonApiHandler) updateTenantSettings(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	authInfo, apiErr := requireAuth(c)
	if apiErr != nil {
		return nil, apiErr
	}

	var updates map[string]interface{}
	if apiErr := h.parseRequiredSingleArgFromArray(args, &updates); apiErr != nil {
		return nil, apiErr
	}
	if len(updates) == 0 {
		return nil, newValidationError("No updates provided")
	}

	settings, err := h.settingsService.UpdateSettings(c.Request.Context(), *authInfo.TenantID, updates)
	if err != nil {
		log.Printf("Error updating settings for tenant %s: %v", authInfo.TenantID.String(), err)
		return nil, h.mapServiceError(err, "Failed to update settings")
	}
	return settings, nil
}

// parseRequiredSingleArgFromArray takes the raw JSON message for 'arguments',
// expects it to be a JSON array with at least one element,
// and unmarshals that first element into targetVarPtr.
func (h *JsonApiHandler) parseRequiredSingleArgFromArray(rawArgPayload json.RawMessage, targetVarPtr interface{}) *ApiError {
	var argArray []json.RawMessage
	if rawArgPayload == nil { // 'arguments' field was not provided
		return NewApiError("Missing 'arguments' field; expected a JSON array with one argument.")
	}

	if err := json.Unmarshal(rawArgPayload, &argArray); err != nil {
		// 'arguments' was present but wasn't a valid JSON array
		return NewApiError("Invalid 'arguments': expected a JSON array.")
	}

	if len(argArray) == 0 {
		// 'arguments' was '[]'
		return NewApiError("Invalid 'arguments': array is empty, but one argument is expected.")
	}

	actualArgData := argArray[0] // Get the first element
	if err := json.Unmarshal(actualArgData, targetVarPtr); err != nil {
		// The first element of the array was not of the expected type
		// Provide a more generic error as err.Error() might contain sensitive details or be too verbose for API response.
		return NewApiError("Invalid format for argument: the first element in 'arguments' array has unexpected structure.")
	}
	return nil
}
