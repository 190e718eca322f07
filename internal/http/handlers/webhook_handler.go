package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/tbourn/go-lottery-backend/internal/payments"
)

// PaymentWebhookResponse acknowledges a processed callback.
type PaymentWebhookResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Payment provider callback
// @Description Moves a pending payment to completed or failed. The raw body must be signed with HMAC-SHA256 in X-Signature. Completion also advances the buyer's live purchase.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       X-Signature  header  string  true  "hex HMAC-SHA256 of the body"
// @Param       body         body    payments.WebhookEvent  true  "Status update"
// @Success     200  {object}  handlers.PaymentWebhookResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Bad signature"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown payment"
// @Failure     409  {object}  handlers.ErrorResponse  "Payment already final"
// @Router      /webhooks/payment [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if !payments.VerifySignature(h.webhookSecret, body, c.GetHeader(payments.SignatureHeader)) {
		fail(c, http.StatusUnauthorized, ErrCodeBadWebhookSignature, "invalid webhook signature")
		return
	}

	var ev payments.WebhookEvent
	if err := binding.JSON.BindBody(body, &ev); err != nil || ev.PaymentID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment_id and status required")
		return
	}
	pay, err := h.svc.ApplyPaymentUpdate(c.Request.Context(), ev)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, PaymentWebhookResponse{PaymentID: pay.ID, Status: string(pay.Status)})
}
