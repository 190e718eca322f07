// Package bot is the Telegram chat adapter for the purchase flow. It turns
// commands and inline-button callbacks into PurchaseService calls and
// replies with the resulting Outcome messages.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/http/middleware"
	"github.com/tbourn/go-lottery-backend/internal/services"
)

// Service is the part of services.PurchaseService the bot drives.
type Service interface {
	SubmitBuyRequest(ctx context.Context, userID, username string, count int) (*services.Outcome, error)
	LinkWallet(ctx context.Context, userID, username, address, walletType string) (*services.Outcome, error)
	IssueConnectLink(ctx context.Context, userID string) (*services.Outcome, error)
	ActiveSession(ctx context.Context, userID string) (*services.Outcome, error)
	ConfirmPayment(ctx context.Context, token, wallet, signature string) (*services.Outcome, error)
	EnterNumberSelection(ctx context.Context, ref string) (*services.Outcome, error)
	SelectNumber(ctx context.Context, ref string, n int) (*services.Outcome, error)
	SetSpecialNumber(ctx context.Context, ref string, n int) (*services.Outcome, error)
	QuickPick(ctx context.Context, ref string) (*services.Outcome, error)
	SubmitTicketDraft(ctx context.Context, ref string, input *services.TicketDraftInput) (*services.Outcome, error)
	MyTickets(ctx context.Context, userID string, page, pageSize int) ([]domain.Ticket, int64, error)
	MyPayments(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, error)
}

// Sender delivers outgoing messages. *tgbotapi.BotAPI implements it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot dispatches Telegram updates.
type Bot struct {
	api     *tgbotapi.BotAPI
	sender  Sender
	svc     Service
	limiter *middleware.RateLimiter

	wg sync.WaitGroup
}

// New connects to the Bot API with token.
func New(token string, debug bool, svc Service, limiter *middleware.RateLimiter) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot api: %w", err)
	}
	api.Debug = debug
	b := NewWithSender(api, svc, limiter)
	b.api = api
	log.Info().Str("bot", api.Self.UserName).Msg("telegram bot authorized")
	return b, nil
}

// NewWithSender builds a Bot that replies through sender. limiter may be nil.
func NewWithSender(sender Sender, svc Service, limiter *middleware.RateLimiter) *Bot {
	return &Bot{sender: sender, svc: svc, limiter: limiter}
}

// Listen long-polls the Bot API until ctx is done.
func (b *Bot) Listen(ctx context.Context) error {
	if b == nil || b.api == nil {
		return errors.New("telegram bot is not initialized")
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)
	defer b.api.StopReceivingUpdates()

	return b.Serve(ctx, updates)
}

// Serve handles updates, one goroutine each, until ctx is done or updates
// is closed. It waits for in-flight handlers before returning.
func (b *Bot) Serve(ctx context.Context, updates <-chan tgbotapi.Update) error {
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, u)
			}()
		}
	}
}

// HandleUpdate processes one update synchronously.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("update_id", u.UpdateID).Msg("bot handler panic")
		}
	}()

	switch {
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		q := u.CallbackQuery
		if !b.allow(q.From.ID) {
			b.answer(q.ID, "Slow down a little.")
			return
		}
		b.onCallback(ctx, q)
	case u.Message != nil && u.Message.From != nil:
		if !b.allow(u.Message.From.ID) {
			b.reply(u.Message.Chat.ID, "Too many requests. Please wait a moment.", nil)
			return
		}
		if u.Message.IsCommand() {
			b.onCommand(ctx, u.Message)
			return
		}
		b.reply(u.Message.Chat.ID, "Send /help to see what I can do.", nil)
	}
}

func (b *Bot) allow(userID int64) bool {
	if b.limiter == nil {
		return true
	}
	return b.limiter.Allow("tg:" + strconv.FormatInt(userID, 10))
}

func (b *Bot) reply(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.sender.Send(msg); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send failed")
	}
}

func (b *Bot) edit(chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	var c tgbotapi.Chattable
	if markup != nil {
		c = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *markup)
	} else {
		c = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	if _, err := b.sender.Send(c); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram edit failed")
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.sender.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.Debug().Err(err).Msg("answer callback")
	}
}

// userFacing lists the service errors whose message is safe to show.
var userFacing = []error{
	services.ErrInvalidTicketCount,
	services.ErrInvalidAddress,
	services.ErrNumberOutOfRange,
	services.ErrDuplicateNumber,
	services.ErrIncompleteSelection,
	services.ErrSessionExpired,
	services.ErrSessionNotFound,
	services.ErrNoWalletLinked,
	services.ErrWalletAlreadyLinked,
	services.ErrWalletMismatch,
	services.ErrInvalidState,
	services.ErrPurchaseInProgress,
	services.ErrPaymentFailed,
	services.ErrTransferNotObserved,
	services.ErrTransferMismatch,
	services.ErrSignatureReused,
	services.ErrInvalidSignature,
	services.ErrLedgerUnavailable,
}

// errorText turns a service error into a chat reply.
func errorText(err error) string {
	var ib *services.InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib.Error()
	}
	switch {
	case errors.Is(err, services.ErrSessionExpired), errors.Is(err, services.ErrSessionNotFound):
		return "Your purchase session has expired. Start again with /buy."
	case errors.Is(err, services.ErrPersistence):
		return "Your payment is safe but the tickets could not be saved yet. Tap Submit again in a moment."
	}
	for _, e := range userFacing {
		if errors.Is(err, e) {
			msg := e.Error()
			return strings.ToUpper(msg[:1]) + msg[1:] + "."
		}
	}
	return "Something went wrong. Please try again."
}
