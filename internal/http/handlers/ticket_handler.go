package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/ledger"
	"github.com/tbourn/go-lottery-backend/internal/numbers"
	"github.com/tbourn/go-lottery-backend/internal/repo"
	"github.com/tbourn/go-lottery-backend/internal/utils"
)

// ListTicketsResponse wraps a page of tickets and pagination information.
type ListTicketsResponse struct {
	Tickets    []domain.Ticket `json:"tickets"`
	Pagination utils.Page      `json:"pagination"`
}

// ListTickets godoc
// @ID          listTickets
// @Summary     List tickets (paginated)
// @Description Lists active tickets newest first, by wallet_address or user_id (default: the caller). Supports weak ETag via If-None-Match and may return 304.
// @Tags        Tickets
// @Produce     json
// @Param       X-User-ID       header  string  false  "User ID (demo header)"
// @Param       If-None-Match   header  string  false  "Return 304 if ETag matches"
// @Param       user_id         query   string  false  "Filter by user"
// @Param       wallet_address  query   string  false  "Filter by wallet"
// @Param       page            query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size       query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListTicketsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid address"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tickets [get]
func (h *Handlers) ListTickets(c *gin.Context) {
	ctx := c.Request.Context()
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	f := repo.TicketFilter{
		UserID:        strings.TrimSpace(c.Query("user_id")),
		WalletAddress: strings.TrimSpace(c.Query("wallet_address")),
	}
	if f.WalletAddress != "" && !ledger.ValidateAddress(f.WalletAddress) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidAddress, "invalid wallet address")
		return
	}
	if f.UserID == "" && f.WalletAddress == "" {
		f.UserID = userID(c)
	}

	// ETag pre-check (best effort). The filter is tagged, not echoed.
	if count, latest, err := h.svc.TicketsStats(ctx, f); err == nil {
		var ts int64
		if latest != nil {
			ts = latest.Unix()
		}
		etag := fmt.Sprintf(`W/"tickets:%s:%d:%d:%d:%d"`,
			numbers.UserTag(f.UserID+"|"+f.WalletAddress), count, ts, page, pageSize)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.svc.ListTickets(ctx, f, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if items == nil {
		items = []domain.Ticket{}
	}
	ok(c, http.StatusOK, ListTicketsResponse{
		Tickets:    items,
		Pagination: utils.NewPage(page, pageSize, total),
	})
}

// ListPaymentsResponse wraps a page of the caller's payment records.
type ListPaymentsResponse struct {
	Payments []domain.Payment `json:"payments"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// ListPayments godoc
// @ID          listPayments
// @Summary     List the caller's payments (paginated)
// @Description Lists payment records newest first, including pending and failed attempts.
// @Tags        Purchases
// @Produce     json
// @Param       X-User-ID  header  string  false  "User ID (demo header)"
// @Param       page       query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListPaymentsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments [get]
func (h *Handlers) ListPayments(c *gin.Context) {
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"))
	items, err := h.svc.MyPayments(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if items == nil {
		items = []domain.Payment{}
	}
	ok(c, http.StatusOK, ListPaymentsResponse{Payments: items, Page: page, PageSize: pageSize})
}
