package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"bitbucket.org/mmdatafocus/billing_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// respondError maps domain errors to HTTP statuses. State-machine and gating
// violations are conflicts; bad input is 400; unknown resources are 404.
func respondError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(validationErrs)})
		return
	}

	var illegal *models.IllegalTransitionError
	if errors.As(err, &illegal) {
		c.JSON(http.StatusConflict, gin.H{
			"error": illegal.Error(),
			"from":  illegal.From,
			"to":    illegal.To,
		})
		return
	}

	switch {
	case errors.Is(err, utils.ErrorRecordNotFound),
		errors.Is(err, models.ErrInvoiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrExceedsPaidAmount),
		errors.Is(err, models.ErrNotEditable),
		errors.Is(err, models.ErrNotPayable),
		errors.Is(err, models.ErrNotSendable),
		errors.Is(err, models.ErrNotVoidable),
		errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrAlreadyGenerated),
		errors.Is(err, models.ErrNoPayments),
		errors.Is(err, models.ErrAlreadyPaid):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// bindOptionalJSON decodes a request body that may be absent. An empty body
// leaves the target at its zero value; malformed JSON is still a 400.
func bindOptionalJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

func signinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		info, err := models.Login(c.Request.Context(), input.Username, input.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

func listOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.OrderStatus
		if s := c.Query("status"); s != "" {
			parsed := models.OrderStatus(s)
			status = &parsed
		}
		orders, err := models.GetOrders(c.Request.Context(), status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, orders)
	}
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func updateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		order, err := models.UpdateOrder(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func deleteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		order, err := models.DeleteOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func confirmOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		order, err := models.ConfirmOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func markOrderPaidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			PaymentMethod *string `json:"payment_method"`
		}
		// body is optional
		if !bindOptionalJSON(c, &input) {
			return
		}
		order, err := models.MarkOrderPaid(c.Request.Context(), id, input.PaymentMethod)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func cancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			Reason *string `json:"reason"`
		}
		if !bindOptionalJSON(c, &input) {
			return
		}
		order, err := models.CancelOrder(c.Request.Context(), id, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func createInvoiceFromOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		invoice, err := models.CreateInvoiceFromOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, invoice)
	}
}

func createInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewInvoice
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		invoice, err := models.CreateInvoice(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, invoice)
	}
}

func listInvoicesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *models.InvoiceStatus
		if s := c.Query("status"); s != "" {
			parsed := models.InvoiceStatus(s)
			status = &parsed
		}
		invoices, err := models.GetInvoices(c.Request.Context(), status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoices)
	}
}

func getInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		invoice, err := models.GetInvoice(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

func sendInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			Recipient string `json:"recipient" binding:"required,email"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		invoice, err := models.SendInvoice(c.Request.Context(), id, input.Recipient)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

func markInvoicePaidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		invoice, err := models.MarkInvoicePaid(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

func voidInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			Reason *string `json:"reason"`
		}
		if !bindOptionalJSON(c, &input) {
			return
		}
		invoice, err := models.VoidInvoice(c.Request.Context(), id, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

func generateReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		invoice, err := models.GenerateReceipt(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

func updateReceiptStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			Status models.ReceiptStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		invoice, err := models.UpdateReceiptStatus(c.Request.Context(), id, input.Status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}

func recordPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewTransaction
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		txn, err := models.RecordPayment(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, txn)
	}
}

func recordRefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewTransaction
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		txn, err := models.RecordRefund(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, txn)
	}
}

func listInvoiceTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		if err := utils.ValidateResourceId[models.Invoice](c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		txns, err := models.GetTransactions(c.Request.Context(), &id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, txns)
	}
}

func listInvoiceDunningHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		logs, err := models.ListDunningLogs(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

func listPaymentMethodsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		refs, err := models.ListPaymentMethodRefs(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, refs)
	}
}

func listTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var invoiceId *int
		if s := c.Query("invoice_id"); s != "" {
			id, err := strconv.Atoi(s)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice_id"})
				return
			}
			invoiceId = &id
		}
		txns, err := models.GetTransactions(c.Request.Context(), invoiceId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, txns)
	}
}

// webhookHandler is the payment-provider ingress. The provider segment of the
// path is authoritative; a provider field in the body is ignored.
//
// Response contract: duplicates and terminal failures are acknowledged with
// 200 so the provider stops redelivering; retriable failures return 500 so
// the provider's retry schedule kicks in.
func webhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			EventID string                 `json:"event_id" binding:"required"`
			Type    string                 `json:"type" binding:"required"`
			Data    map[string]interface{} `json:"data"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, err)
			return
		}
		event := models.NormalizedEvent{
			Provider: c.Param("provider"),
			EventID:  body.EventID,
			Type:     body.Type,
			Data:     body.Data,
		}

		result := workflow.ProcessWebhook(c.Request.Context(), event)
		switch {
		case result.Duplicate:
			c.JSON(http.StatusOK, gin.H{"status": "duplicate", "event_id": event.EventID})
		case result.Processed:
			c.JSON(http.StatusOK, gin.H{"status": "processed", "event_id": event.EventID, "note": result.Note})
		case result.Retriable:
			c.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "event_id": event.EventID, "error": result.Error})
		default:
			// Permanently failed; acknowledge so the provider stops retrying.
			c.JSON(http.StatusOK, gin.H{"status": "failed_terminal", "event_id": event.EventID, "error": result.Error})
		}
	}
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Ids []int `json:"ids" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondError(c, err)
			return
		}
		if err := utils.ValidateResourcesId[models.DomainEventRecord](c.Request.Context(), input.Ids); err != nil {
			respondError(c, err)
			return
		}
		count, err := workflow.ReplayDeadEvents(c.Request.Context(), config.GetDB(), input.Ids)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"replayed": count})
	}
}

func settingsRefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := config.RefreshSettings(); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"refreshed": true})
	}
}
