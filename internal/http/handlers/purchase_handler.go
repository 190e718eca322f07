// Purchase HTTP handlers.
//
// This file exposes the purchase state machine over REST:
//   - POST /purchases                     (start a purchase)
//   - GET  /purchases/{token}             (session view and time remaining)
//   - POST /purchases/{token}/wallet      (connect wallet)
//   - POST /purchases/{token}/transfer    (unsigned transfer to sign)
//   - POST /purchases/{token}/payment     (confirm payment)
//   - POST /purchases/{token}/selection   (enter number selection)
//   - POST /purchases/{token}/numbers     (toggle a main number)
//   - POST /purchases/{token}/special     (set the special number)
//   - POST /purchases/{token}/quickpick   (random numbers for the draft)
//   - POST /purchases/{token}/tickets     (commit a ticket, Idempotency-Key aware)
//
// The token in the path is the capability: whoever holds the link may drive
// the session, which is how the chat bot hands the buyer over to the web.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/payments"
	"github.com/tbourn/go-lottery-backend/internal/repo"
	"github.com/tbourn/go-lottery-backend/internal/services"
)

// PurchaseAPI is the purchase flow consumed by the HTTP handlers.
// *services.PurchaseService implements it.
type PurchaseAPI interface {
	SubmitBuyRequest(ctx context.Context, userID, username string, count int) (*services.Outcome, error)
	ValidateSession(ctx context.Context, token string) (*services.Outcome, error)
	ConnectWallet(ctx context.Context, token, address, walletType string) (*services.Outcome, error)
	PrepareTransfer(ctx context.Context, token, from string) (*services.Outcome, error)
	ConfirmPayment(ctx context.Context, token, wallet, signature string) (*services.Outcome, error)

	EnterNumberSelection(ctx context.Context, ref string) (*services.Outcome, error)
	SelectNumber(ctx context.Context, ref string, n int) (*services.Outcome, error)
	SetSpecialNumber(ctx context.Context, ref string, n int) (*services.Outcome, error)
	QuickPick(ctx context.Context, ref string) (*services.Outcome, error)
	SubmitTicketDraft(ctx context.Context, ref string, input *services.TicketDraftInput) (*services.Outcome, error)

	LinkWallet(ctx context.Context, userID, username, address, walletType string) (*services.Outcome, error)
	IssueConnectLink(ctx context.Context, userID string) (*services.Outcome, error)
	RedeemConnectToken(ctx context.Context, token, address, walletType string) (*services.Outcome, error)
	ValidateWallet(ctx context.Context, address string) (*services.WalletInfo, error)
	WalletFor(ctx context.Context, userID string) (*domain.User, error)

	ListTickets(ctx context.Context, f repo.TicketFilter, page, pageSize int) ([]domain.Ticket, int64, error)
	MyPayments(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, error)
	TicketsStats(ctx context.Context, f repo.TicketFilter) (int64, *time.Time, error)

	ApplyPaymentUpdate(ctx context.Context, ev payments.WebhookEvent) (*domain.Payment, error)
}

// Handlers groups the HTTP endpoints of the purchase API.
type Handlers struct {
	svc           PurchaseAPI
	webhookSecret string
}

// New returns Handlers bound to svc. webhookSecret verifies provider
// callbacks; an empty secret rejects every callback.
func New(svc PurchaseAPI, webhookSecret string) *Handlers {
	return &Handlers{svc: svc, webhookSecret: webhookSecret}
}

// userID extracts the user id set by upstream auth middleware, falling back
// to the X-User-ID header and finally "demo-user".
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// BuyRequest is the JSON payload that starts a purchase.
type BuyRequest struct {
	// Tickets is the number of tickets to buy (1–10).
	Tickets int `json:"tickets" example:"3"`
	// Username is an optional display name stored on the user record.
	Username string `json:"username,omitempty" example:"alice"`
}

// WalletRequest carries a wallet address reported by a wallet app.
type WalletRequest struct {
	Address    string `json:"wallet_address" binding:"required" example:"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"`
	WalletType string `json:"wallet_type,omitempty" example:"phantom"`
}

// TransferRequest optionally names the paying wallet.
type TransferRequest struct {
	From string `json:"from,omitempty"`
}

// PaymentRequest is the buyer's claim that the session has been paid.
type PaymentRequest struct {
	// Wallet must equal the session's wallet when set.
	Wallet string `json:"wallet_address,omitempty"`
	// Signature of the submitted transfer, when the wallet reported one.
	Signature string `json:"signature,omitempty"`
}

// NumberRequest selects one number.
type NumberRequest struct {
	Number int `json:"number" binding:"required" example:"17"`
}

//
// Handlers
//

// CreatePurchase godoc
// @ID          createPurchase
// @Summary     Start a ticket purchase
// @Description Creates a purchase session for 1–10 tickets and returns the next step. An unpaid in-flight purchase of the same user is replaced.
// @Tags        Purchases
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(12345)
// @Param       body       body    handlers.BuyRequest  true  "Ticket count"
// @Success     201  {object}  services.Outcome
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid ticket count"
// @Failure     409  {object}  handlers.ErrorResponse  "A paid purchase is in progress"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /purchases [post]
func (h *Handlers) CreatePurchase(c *gin.Context) {
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = c.GetString("username")
	}
	out, err := h.svc.SubmitBuyRequest(c.Request.Context(), userID(c), username, req.Tickets)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusCreated, out)
}

// GetPurchase godoc
// @ID          getPurchase
// @Summary     Validate a purchase session
// @Description Returns the session view with seconds remaining. Unknown and expired tokens are indistinguishable.
// @Tags        Purchases
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Success     200  {object}  services.Outcome
// @Failure     410  {object}  handlers.ErrorResponse  "Session expired"
// @Router      /purchases/{token} [get]
func (h *Handlers) GetPurchase(c *gin.Context) {
	out, err := h.svc.ValidateSession(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// ConnectWallet godoc
// @ID          connectWallet
// @Summary     Connect a wallet to a purchase
// @Tags        Purchases
// @Accept      json
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Param       body   body  handlers.WalletRequest  true  "Wallet"
// @Success     200  {object}  services.Outcome
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid address"
// @Failure     409  {object}  handlers.ErrorResponse  "Wallet linked to another user"
// @Failure     410  {object}  handlers.ErrorResponse  "Session expired"
// @Router      /purchases/{token}/wallet [post]
func (h *Handlers) ConnectWallet(c *gin.Context) {
	var req WalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wallet_address required")
		return
	}
	out, err := h.svc.ConnectWallet(c.Request.Context(), c.Param("token"), strings.TrimSpace(req.Address), req.WalletType)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// PrepareTransfer godoc
// @ID          prepareTransfer
// @Summary     Build the unsigned payment transfer
// @Description Checks the wallet balance and returns a serialized transfer of the required amount to the treasury for the wallet to sign.
// @Tags        Purchases
// @Accept      json
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Param       body   body  handlers.TransferRequest  false  "Paying wallet"
// @Success     200  {object}  services.Outcome
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient balance"
// @Failure     503  {object}  handlers.ErrorResponse  "Ledger unavailable"
// @Router      /purchases/{token}/transfer [post]
func (h *Handlers) PrepareTransfer(c *gin.Context) {
	var req TransferRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	out, err := h.svc.PrepareTransfer(c.Request.Context(), c.Param("token"), strings.TrimSpace(req.From))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// ConfirmPayment godoc
// @ID          confirmPayment
// @Summary     Confirm payment
// @Description Verifies payment on the ledger and marks the purchase paid. Repeating the call after success returns the same result.
// @Tags        Purchases
// @Accept      json
// @Produce     json
// @Param       token            path    string  true   "Purchase token"
// @Param       Idempotency-Key  header  string  false  "Replay protection key"
// @Param       body             body    handlers.PaymentRequest  false  "Payment claim"
// @Success     200  {object}  services.Outcome
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient balance"
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed signature"
// @Failure     409  {object}  handlers.ErrorResponse  "Wallet mismatch, payment failed, transfer does not pay this purchase or signature already used"
// @Failure     503  {object}  handlers.ErrorResponse  "Ledger unavailable"
// @Router      /purchases/{token}/payment [post]
func (h *Handlers) ConfirmPayment(c *gin.Context) {
	var req PaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	out, err := h.svc.ConfirmPayment(c.Request.Context(), c.Param("token"),
		strings.TrimSpace(req.Wallet), strings.TrimSpace(req.Signature))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// EnterSelection godoc
// @ID          enterSelection
// @Summary     Start choosing numbers
// @Tags        Tickets
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Success     200  {object}  services.Outcome
// @Failure     409  {object}  handlers.ErrorResponse  "Payment not confirmed"
// @Router      /purchases/{token}/selection [post]
func (h *Handlers) EnterSelection(c *gin.Context) {
	out, err := h.svc.EnterNumberSelection(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// SelectNumber godoc
// @ID          selectNumber
// @Summary     Toggle a main number
// @Description Adds the number to the current ticket, or removes it when already selected. Selecting a sixth number is a no-op.
// @Tags        Tickets
// @Accept      json
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Param       body   body  handlers.NumberRequest  true  "Number 1–69"
// @Success     200  {object}  services.Outcome
// @Failure     400  {object}  handlers.ErrorResponse  "Out of range"
// @Router      /purchases/{token}/numbers [post]
func (h *Handlers) SelectNumber(c *gin.Context) {
	var req NumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "number required")
		return
	}
	out, err := h.svc.SelectNumber(c.Request.Context(), c.Param("token"), req.Number)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// SetSpecial godoc
// @ID          setSpecial
// @Summary     Set the special number
// @Tags        Tickets
// @Accept      json
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Param       body   body  handlers.NumberRequest  true  "Number 1–25"
// @Success     200  {object}  services.Outcome
// @Failure     400  {object}  handlers.ErrorResponse  "Out of range"
// @Router      /purchases/{token}/special [post]
func (h *Handlers) SetSpecial(c *gin.Context) {
	var req NumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "number required")
		return
	}
	out, err := h.svc.SetSpecialNumber(c.Request.Context(), c.Param("token"), req.Number)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// QuickPick godoc
// @ID          quickPick
// @Summary     Quick-pick the current ticket
// @Tags        Tickets
// @Produce     json
// @Param       token  path  string  true  "Purchase token"
// @Success     200  {object}  services.Outcome
// @Router      /purchases/{token}/quickpick [post]
func (h *Handlers) QuickPick(c *gin.Context) {
	out, err := h.svc.QuickPick(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// SubmitTicket godoc
// @ID          submitTicket
// @Summary     Commit the current ticket
// @Description Commits the session draft, or the numbers in the body when given (web form). When the last ticket is committed all tickets are persisted atomically and their ids returned.
// @Tags        Tickets
// @Accept      json
// @Produce     json
// @Param       token            path    string  true   "Purchase token"
// @Param       Idempotency-Key  header  string  false  "Replay protection key"
// @Param       body             body    services.TicketDraftInput  false  "Web form numbers"
// @Success     200  {object}  services.Outcome
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid numbers"
// @Failure     500  {object}  handlers.ErrorResponse  "Persistence failed, retry"
// @Router      /purchases/{token}/tickets [post]
func (h *Handlers) SubmitTicket(c *gin.Context) {
	var input *services.TicketDraftInput
	if c.Request.ContentLength > 0 {
		input = &services.TicketDraftInput{}
		if err := c.ShouldBindJSON(input); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	out, err := h.svc.SubmitTicketDraft(c.Request.Context(), c.Param("token"), input)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}
