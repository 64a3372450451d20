package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johndetlefs/client-management-app-sub000/internal/models"
	"github.com/johndetlefs/client-management-app-sub000/internal/services"
)

// RestInvoiceHandler serves the public, token-addressed invoice view.
type RestInvoiceHandler struct {
	invoiceService services.IInvoiceService
}

// NewRestInvoiceHandler creates a new RestInvoiceHandler.
func NewRestInvoiceHandler(invoiceService services.IInvoiceService) *RestInvoiceHandler {
	return &RestInvoiceHandler{invoiceService: invoiceService}
}

// PublicInvoiceView is the client-facing projection of an invoice. Internal
// ids, the public token itself and tenant bookkeeping fields are omitted.
type PublicInvoiceView struct {
	InvoiceNumber       string                     `json:"invoice_number"`
	Status              models.InvoiceStatus       `json:"status"`
	Client              models.ClientSnapshot      `json:"client"`
	Lines               []models.InvoiceLine       `json:"lines"`
	SubtotalMinor       int64                      `json:"subtotal_minor"`
	TaxMinor            int64                      `json:"tax_minor"`
	TotalMinor          int64                      `json:"total_minor"`
	AmountPaidMinor     int64                      `json:"amount_paid_minor"`
	BalanceDueMinor     int64                      `json:"balance_due_minor"`
	TaxBreakdown        []models.TaxBreakdownEntry `json:"tax_breakdown"`
	IssueDate           *time.Time                 `json:"issue_date,omitempty"`
	DueDate             *time.Time                 `json:"due_date,omitempty"`
	Notes               string                     `json:"notes,omitempty"`
	PaymentInstructions string                     `json:"payment_instructions,omitempty"`
}

func publicInvoiceViewFrom(inv *models.Invoice) PublicInvoiceView {
	return PublicInvoiceView{
		InvoiceNumber:       inv.InvoiceNumber,
		Status:              inv.Status,
		Client:              inv.Client,
		Lines:               inv.Lines,
		SubtotalMinor:       inv.SubtotalMinor,
		TaxMinor:            inv.TaxMinor,
		TotalMinor:          inv.TotalMinor,
		AmountPaidMinor:     inv.AmountPaidMinor,
		BalanceDueMinor:     inv.BalanceDueMinor,
		TaxBreakdown:        inv.TaxBreakdown,
		IssueDate:           inv.IssueDate,
		DueDate:             inv.DueDate,
		Notes:               inv.Notes,
		PaymentInstructions: inv.PaymentInstructions,
	}
}

// GetInvoiceByToken handles GET /v1/invoice/:token. Viewing a sent invoice
// advances it to viewed; other statuses are returned untouched. Unknown or
// draft-only tokens get a plain 404 with no further detail.
func (h *RestInvoiceHandler) GetInvoiceByToken(c *gin.Context) {
	token := c.Param("token")

	inv, err := h.invoiceService.MarkViewed(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) || errors.Is(err, services.ErrValidationFailed) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve invoice"})
		}
		return
	}

	c.JSON(http.StatusOK, publicInvoiceViewFrom(inv))
}

func RegisterRestInvoiceRoutes(r *gin.Engine, handler *RestInvoiceHandler) {
	r.GET("/v1/invoice/:token", handler.GetInvoiceByToken)
}
