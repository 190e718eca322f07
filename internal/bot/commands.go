package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-lottery-backend/internal/services"
	"github.com/tbourn/go-lottery-backend/internal/sysutil"
)

// recentTickets is how many tickets /tickets lists.
const recentTickets = 20

// recentPayments is how many payments /payments lists.
const recentPayments = 10

const helpText = `🎰 Crypto Lottery

/buy N - start buying N tickets (1-10, default 1)
/link ADDRESS - link a Solana wallet
/connect - get a link to connect a wallet in the browser
/pay - confirm payment for your current purchase
/pick - choose numbers for your paid tickets
/quickpick - random numbers for all remaining tickets
/tickets - your latest tickets
/payments - your latest payments

Each ticket has 5 numbers from 1-69 and a special number from 1-25.`

func (b *Bot) onCommand(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	uid := strconv.FormatInt(m.From.ID, 10)
	username := sysutil.FirstNonEmpty(m.From.UserName, m.From.FirstName)
	args := strings.TrimSpace(m.CommandArguments())

	logger := log.With().Str("cmd", m.Command()).Str("user_id", uid).Logger()
	ctx = services.WithLocale(logger.WithContext(ctx), services.ParseLocale(m.From.LanguageCode))

	switch m.Command() {
	case "start", "help":
		b.reply(chatID, helpText, nil)

	case "buy":
		count := 1
		if args != "" {
			n, err := strconv.Atoi(args)
			if err != nil {
				b.reply(chatID, "Usage: /buy N, where N is between 1 and 10.", nil)
				return
			}
			count = n
		}
		out, err := b.svc.SubmitBuyRequest(ctx, uid, username, count)
		if err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		b.reply(chatID, out.Message, markupOrNil(linkKeyboard(out.Action, "💳 Connect wallet & pay")))

	case "link":
		if args == "" {
			b.reply(chatID, "Usage: /link ADDRESS", nil)
			return
		}
		out, err := b.svc.LinkWallet(ctx, uid, username, args, "")
		if err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		b.reply(chatID, out.Message, markupOrNil(linkKeyboard(out.Action, "💳 Pay")))

	case "connect":
		out, err := b.svc.IssueConnectLink(ctx, uid)
		if err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		b.reply(chatID, out.Message, markupOrNil(linkKeyboard(out.Action, "🔗 Connect wallet")))

	case "pay":
		active, err := b.svc.ActiveSession(ctx, uid)
		if err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		out, err := b.svc.ConfirmPayment(ctx, active.Session.Token, "", "")
		if err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		b.reply(chatID, out.Message+"\n\nUse /pick to choose numbers or /quickpick to let luck decide.", nil)

	case "pick":
		out, err := b.svc.EnterNumberSelection(ctx, uid)
		if err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		b.reply(chatID, out.Message, draftKeyboard(out.Session.Draft))

	case "quickpick":
		b.quickPickAll(ctx, chatID, uid)

	case "tickets":
		b.listTickets(ctx, chatID, uid)

	case "payments":
		b.listPayments(ctx, chatID, uid)

	default:
		b.reply(chatID, "Unknown command. Send /help.", nil)
	}
}

// quickPickAll fills and submits every remaining ticket.
func (b *Bot) quickPickAll(ctx context.Context, chatID int64, uid string) {
	out, err := b.svc.EnterNumberSelection(ctx, uid)
	if err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	remaining := out.Session.TicketCount - out.Session.TicketsCompleted
	for i := 0; i < remaining && out.State != services.StateCompleted; i++ {
		if _, err := b.svc.QuickPick(ctx, uid); err != nil {
			b.fail(ctx, chatID, err)
			return
		}
		if out, err = b.svc.SubmitTicketDraft(ctx, uid, nil); err != nil {
			b.fail(ctx, chatID, err)
			return
		}
	}
	b.reply(chatID, out.Message, nil)
}

func (b *Bot) listTickets(ctx context.Context, chatID int64, uid string) {
	items, total, err := b.svc.MyTickets(ctx, uid, 1, recentTickets)
	if err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	if len(items) == 0 {
		b.reply(chatID, "You don't have any tickets yet. Use /buy to get started.", nil)
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your tickets (%d of %d):\n", len(items), total)
	for _, t := range items {
		sb.WriteString("\n")
		sb.WriteString(formatTicket(t))
	}
	b.reply(chatID, sb.String(), nil)
}

func (b *Bot) listPayments(ctx context.Context, chatID int64, uid string) {
	items, err := b.svc.MyPayments(ctx, uid, 1, recentPayments)
	if err != nil {
		b.fail(ctx, chatID, err)
		return
	}
	if len(items) == 0 {
		b.reply(chatID, "No payments yet. Use /buy to get started.", nil)
		return
	}
	var sb strings.Builder
	sb.WriteString("Your payments:\n")
	for _, p := range items {
		sb.WriteString("\n")
		sb.WriteString(formatPayment(p))
	}
	b.reply(chatID, sb.String(), nil)
}

func (b *Bot) onCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	uid := strconv.FormatInt(q.From.ID, 10)
	ctx = log.With().Str("callback", q.Data).Str("user_id", uid).Logger().WithContext(ctx)
	ctx = services.WithLocale(ctx, services.ParseLocale(q.From.LanguageCode))

	kind, n, err := parseCallback(q.Data)
	if err != nil {
		b.answer(q.ID, "Unknown button.")
		return
	}

	var out *services.Outcome
	switch kind {
	case cbMain:
		out, err = b.svc.SelectNumber(ctx, uid, n)
	case cbSpecial:
		out, err = b.svc.SetSpecialNumber(ctx, uid, n)
	case cbQuickPick:
		out, err = b.svc.QuickPick(ctx, uid)
	case cbSubmit:
		out, err = b.svc.SubmitTicketDraft(ctx, uid, nil)
	}
	if err != nil {
		b.answer(q.ID, errorText(err))
		log.Ctx(ctx).Debug().Err(err).Msg("callback rejected")
		return
	}
	if !out.Changed {
		b.answer(q.ID, out.Message)
		return
	}
	b.answer(q.ID, "")

	if q.Message == nil {
		return
	}
	chatID, msgID := q.Message.Chat.ID, q.Message.MessageID
	if out.State == services.StateCompleted || out.Session == nil {
		b.edit(chatID, msgID, out.Message, nil)
		return
	}
	kb := draftKeyboard(out.Session.Draft)
	b.edit(chatID, msgID, out.Message, &kb)
}

func (b *Bot) fail(ctx context.Context, chatID int64, err error) {
	log.Ctx(ctx).Warn().Err(err).Msg("bot request failed")
	b.reply(chatID, errorText(err), nil)
}

// markupOrNil keeps a nil keyboard pointer from becoming a non-nil
// interface value.
func markupOrNil(m *tgbotapi.InlineKeyboardMarkup) any {
	if m == nil {
		return nil
	}
	return m
}
