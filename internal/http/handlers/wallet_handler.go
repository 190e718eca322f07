package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// LinkWalletRequest links a wallet outside a purchase. With ConnectToken the
// wallet is linked to the user the token was issued for; otherwise to the
// caller.
type LinkWalletRequest struct {
	ConnectToken string `json:"connect_token,omitempty" example:"ct_1a2b3c4d_5Kd3NBUAdUnhyzenEwVLy9pBKxSwXvE9FMPyR4UKZvpe"`
	Address      string `json:"wallet_address" binding:"required"`
	WalletType   string `json:"wallet_type,omitempty" example:"phantom"`
	Username     string `json:"username,omitempty"`
}

// ValidateWalletRequest names an address to check.
type ValidateWalletRequest struct {
	Address string `json:"wallet_address" binding:"required"`
}

// WalletResponse is a user's linked wallet.
type WalletResponse struct {
	UserID     string          `json:"user_id"`
	Address    string          `json:"wallet_address"`
	WalletType string          `json:"wallet_type,omitempty"`
	Balance    decimal.Decimal `json:"balance,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
}

// LinkWallet godoc
// @ID          linkWallet
// @Summary     Link a wallet to a user
// @Description Links a wallet outside a purchase. A previously linked wallet is replaced; an address linked to another user is rejected.
// @Tags        Wallets
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"
// @Param       body       body    handlers.LinkWalletRequest  true  "Wallet"
// @Success     200  {object}  services.Outcome
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid address"
// @Failure     409  {object}  handlers.ErrorResponse  "Wallet linked to another user"
// @Failure     410  {object}  handlers.ErrorResponse  "Connect link expired"
// @Router      /wallets/link [post]
func (h *Handlers) LinkWallet(c *gin.Context) {
	var req LinkWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wallet_address required")
		return
	}
	ctx := c.Request.Context()
	addr := strings.TrimSpace(req.Address)

	if tok := strings.TrimSpace(req.ConnectToken); tok != "" {
		out, err := h.svc.RedeemConnectToken(ctx, tok, addr, req.WalletType)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		ok(c, http.StatusOK, out)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = c.GetString("username")
	}
	out, err := h.svc.LinkWallet(ctx, userID(c), username, addr, req.WalletType)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, out)
}

// CreateConnectLink godoc
// @ID          createConnectLink
// @Summary     Issue a wallet connect link
// @Description Returns a single-use link that connects a wallet to the caller.
// @Tags        Wallets
// @Produce     json
// @Param       X-User-ID  header  string  false "User ID (demo header)"
// @Success     201  {object}  services.Outcome
// @Router      /wallets/connect-link [post]
func (h *Handlers) CreateConnectLink(c *gin.Context) {
	out, err := h.svc.IssueConnectLink(c.Request.Context(), userID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusCreated, out)
}

// ValidateWallet godoc
// @ID          validateWallet
// @Summary     Validate a wallet address
// @Description Checks the address format and returns its native balance.
// @Tags        Wallets
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ValidateWalletRequest  true  "Address"
// @Success     200  {object}  services.WalletInfo
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid address"
// @Failure     503  {object}  handlers.ErrorResponse  "Ledger unavailable"
// @Router      /wallets/validate [post]
func (h *Handlers) ValidateWallet(c *gin.Context) {
	var req ValidateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "wallet_address required")
		return
	}
	info, err := h.svc.ValidateWallet(c.Request.Context(), strings.TrimSpace(req.Address))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

// GetWallet godoc
// @ID          getWallet
// @Summary     Get a user's linked wallet
// @Description Returns the linked wallet. With balance=true the current balance is read from the ledger.
// @Tags        Wallets
// @Produce     json
// @Param       user     path   string  true   "User ID"
// @Param       balance  query  bool    false  "Include ledger balance"
// @Success     200  {object}  handlers.WalletResponse
// @Failure     409  {object}  handlers.ErrorResponse  "No wallet linked"
// @Router      /wallets/{user} [get]
func (h *Handlers) GetWallet(c *gin.Context) {
	ctx := c.Request.Context()
	u, err := h.svc.WalletFor(ctx, c.Param("user"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	resp := WalletResponse{UserID: u.UserID, Address: u.Wallet(), WalletType: u.WalletType}
	if c.Query("balance") == "true" {
		info, err := h.svc.ValidateWallet(ctx, resp.Address)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		resp.Balance, resp.Symbol = info.Balance, info.Symbol
	}
	ok(c, http.StatusOK, resp)
}
