package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/http/middleware"
	"github.com/tbourn/go-lottery-backend/internal/services"
)

// ---- fakes ----

type fakeSender struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) edits() []tgbotapi.EditMessageTextConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) answers() []tgbotapi.CallbackConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.CallbackConfig
	for _, c := range f.requests {
		if m, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

type stubService struct {
	buy       func(ctx context.Context, userID, username string, count int) (*services.Outcome, error)
	link      func(ctx context.Context, userID, username, address, walletType string) (*services.Outcome, error)
	connect   func(ctx context.Context, userID string) (*services.Outcome, error)
	active    func(ctx context.Context, userID string) (*services.Outcome, error)
	confirm   func(ctx context.Context, token, wallet, signature string) (*services.Outcome, error)
	enter     func(ctx context.Context, ref string) (*services.Outcome, error)
	selectNum func(ctx context.Context, ref string, n int) (*services.Outcome, error)
	special   func(ctx context.Context, ref string, n int) (*services.Outcome, error)
	quick     func(ctx context.Context, ref string) (*services.Outcome, error)
	submit    func(ctx context.Context, ref string, in *services.TicketDraftInput) (*services.Outcome, error)
	tickets   func(ctx context.Context, userID string, page, pageSize int) ([]domain.Ticket, int64, error)
	payments  func(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, error)
}

var errNotStubbed = errors.New("not stubbed")

func (s *stubService) SubmitBuyRequest(ctx context.Context, userID, username string, count int) (*services.Outcome, error) {
	if s.buy == nil {
		return nil, errNotStubbed
	}
	return s.buy(ctx, userID, username, count)
}

func (s *stubService) LinkWallet(ctx context.Context, userID, username, address, walletType string) (*services.Outcome, error) {
	if s.link == nil {
		return nil, errNotStubbed
	}
	return s.link(ctx, userID, username, address, walletType)
}

func (s *stubService) IssueConnectLink(ctx context.Context, userID string) (*services.Outcome, error) {
	if s.connect == nil {
		return nil, errNotStubbed
	}
	return s.connect(ctx, userID)
}

func (s *stubService) ActiveSession(ctx context.Context, userID string) (*services.Outcome, error) {
	if s.active == nil {
		return nil, errNotStubbed
	}
	return s.active(ctx, userID)
}

func (s *stubService) ConfirmPayment(ctx context.Context, token, wallet, signature string) (*services.Outcome, error) {
	if s.confirm == nil {
		return nil, errNotStubbed
	}
	return s.confirm(ctx, token, wallet, signature)
}

func (s *stubService) EnterNumberSelection(ctx context.Context, ref string) (*services.Outcome, error) {
	if s.enter == nil {
		return nil, errNotStubbed
	}
	return s.enter(ctx, ref)
}

func (s *stubService) SelectNumber(ctx context.Context, ref string, n int) (*services.Outcome, error) {
	if s.selectNum == nil {
		return nil, errNotStubbed
	}
	return s.selectNum(ctx, ref, n)
}

func (s *stubService) SetSpecialNumber(ctx context.Context, ref string, n int) (*services.Outcome, error) {
	if s.special == nil {
		return nil, errNotStubbed
	}
	return s.special(ctx, ref, n)
}

func (s *stubService) QuickPick(ctx context.Context, ref string) (*services.Outcome, error) {
	if s.quick == nil {
		return nil, errNotStubbed
	}
	return s.quick(ctx, ref)
}

func (s *stubService) SubmitTicketDraft(ctx context.Context, ref string, in *services.TicketDraftInput) (*services.Outcome, error) {
	if s.submit == nil {
		return nil, errNotStubbed
	}
	return s.submit(ctx, ref, in)
}

func (s *stubService) MyTickets(ctx context.Context, userID string, page, pageSize int) ([]domain.Ticket, int64, error) {
	if s.tickets == nil {
		return nil, 0, errNotStubbed
	}
	return s.tickets(ctx, userID, page, pageSize)
}

func (s *stubService) MyPayments(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, error) {
	if s.payments == nil {
		return nil, errNotStubbed
	}
	return s.payments(ctx, userID, page, pageSize)
}

// ---- helpers ----

const chatID = 500

func command(userID int64, text string) tgbotapi.Update {
	cmd, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: userID, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func callback(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{UpdateID: 2, CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}}
}

func newBot(svc Service) (*Bot, *fakeSender) {
	s := &fakeSender{}
	return NewWithSender(s, svc, nil), s
}

func lastText(t *testing.T, s *fakeSender) tgbotapi.MessageConfig {
	t.Helper()
	msgs := s.messages()
	if len(msgs) == 0 {
		t.Fatalf("no message sent")
	}
	return msgs[len(msgs)-1]
}

func countButtons(m tgbotapi.InlineKeyboardMarkup) (n int, data []string) {
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			n++
			if b.CallbackData != nil {
				data = append(data, *b.CallbackData)
			}
		}
	}
	return n, data
}

func view(d domain.TicketDraft) *services.SessionView {
	return &services.SessionView{Token: "pt_x", TicketCount: 1, Draft: d}
}

// ---- tests ----

func TestBuy_DefaultsAndParsing(t *testing.T) {
	var gotCount int
	var gotUser, gotName string
	svc := &stubService{buy: func(_ context.Context, userID, username string, count int) (*services.Outcome, error) {
		gotUser, gotName, gotCount = userID, username, count
		return &services.Outcome{
			State:   services.StateAwaitingWallet,
			Message: "Purchase started",
			Action:  &services.Action{Kind: services.ActionRedirect, Target: "https://lotto.test/connect-wallet?token=pt_x"},
		}, nil
	}}
	b, s := newBot(svc)

	b.HandleUpdate(context.Background(), command(42, "/buy"))
	if gotCount != 1 || gotUser != "42" || gotName != "alice" {
		t.Fatalf("default buy: user=%q name=%q count=%d", gotUser, gotName, gotCount)
	}
	msg := lastText(t, s)
	kb, ok := msg.ReplyMarkup.(*tgbotapi.InlineKeyboardMarkup)
	if !ok || kb.InlineKeyboard[0][0].URL == nil || !strings.Contains(*kb.InlineKeyboard[0][0].URL, "token=pt_x") {
		t.Fatalf("expected URL button, got %#v", msg.ReplyMarkup)
	}

	b.HandleUpdate(context.Background(), command(42, "/buy 3"))
	if gotCount != 3 {
		t.Fatalf("count = %d; want 3", gotCount)
	}

	gotCount = 0
	b.HandleUpdate(context.Background(), command(42, "/buy lots"))
	if gotCount != 0 || !strings.HasPrefix(lastText(t, s).Text, "Usage: /buy") {
		t.Fatalf("bad arg should print usage, got %q", lastText(t, s).Text)
	}
}

func TestServiceErrorsBecomeReplies(t *testing.T) {
	svc := &stubService{buy: func(context.Context, string, string, int) (*services.Outcome, error) {
		return nil, services.ErrInvalidTicketCount
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), command(1, "/buy 11"))
	if got := lastText(t, s).Text; got != "Ticket count must be between 1 and 10." {
		t.Fatalf("reply = %q", got)
	}
}

func TestErrorText(t *testing.T) {
	ib := &services.InsufficientBalanceError{
		Required: decimal.RequireFromString("0.05"), Available: decimal.RequireFromString("0.01"), Symbol: "SOL",
	}
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", ib), ib.Error()},
		{services.ErrSessionNotFound, "Your purchase session has expired. Start again with /buy."},
		{fmt.Errorf("%w: node down", services.ErrLedgerUnavailable), "Ledger unavailable."},
		{fmt.Errorf("%w: disk full", services.ErrPersistence), "Your payment is safe but the tickets could not be saved yet. Tap Submit again in a moment."},
		{errors.New("sql: connection refused"), "Something went wrong. Please try again."},
	}
	for _, tc := range cases {
		if got := errorText(tc.err); got != tc.want {
			t.Fatalf("errorText(%v) = %q; want %q", tc.err, got, tc.want)
		}
	}
}

func TestPay_UsesActiveSessionToken(t *testing.T) {
	var token string
	svc := &stubService{
		active: func(_ context.Context, userID string) (*services.Outcome, error) {
			return &services.Outcome{Session: &services.SessionView{Token: "pt_" + userID}}, nil
		},
		confirm: func(_ context.Context, tok, wallet, sig string) (*services.Outcome, error) {
			token = tok
			if wallet != "" || sig != "" {
				t.Fatalf("bot must not claim a wallet or signature")
			}
			return &services.Outcome{State: services.StatePaymentConfirmed, Message: "Payment confirmed!"}, nil
		},
	}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), command(9, "/pay"))
	if token != "pt_9" || !strings.HasPrefix(lastText(t, s).Text, "Payment confirmed!") {
		t.Fatalf("token=%q reply=%q", token, lastText(t, s).Text)
	}
}

func TestPick_SendsMainGrid(t *testing.T) {
	svc := &stubService{enter: func(context.Context, string) (*services.Outcome, error) {
		return &services.Outcome{Message: "Ticket 1 of 1", Session: view(domain.TicketDraft{Main: []int{3}})}, nil
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), command(5, "/pick"))

	kb, ok := lastText(t, s).ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("expected inline keyboard, got %T", lastText(t, s).ReplyMarkup)
	}
	n, data := countButtons(kb)
	if n != domain.MainMax+1 {
		t.Fatalf("buttons = %d; want %d", n, domain.MainMax+1)
	}
	if data[0] != "n:1" || data[len(data)-1] != cbQuickPick {
		t.Fatalf("unexpected layout: first=%s last=%s", data[0], data[len(data)-1])
	}
	if kb.InlineKeyboard[0][2].Text != "•3•" {
		t.Fatalf("selected number not marked: %q", kb.InlineKeyboard[0][2].Text)
	}
}

func TestDraftKeyboard_SpecialStageAndSubmit(t *testing.T) {
	d := domain.TicketDraft{Main: []int{1, 2, 3, 4, 5}}
	n, data := countButtons(draftKeyboard(d))
	if n != domain.MainCount+domain.SpecialMax+1 {
		t.Fatalf("special stage buttons = %d", n)
	}
	if data[0] != "n:1" || data[domain.MainCount] != "s:1" {
		t.Fatalf("layout = %v", data[:domain.MainCount+1])
	}

	d.Special = 7
	_, data = countButtons(draftKeyboard(d))
	if data[len(data)-1] != cbSubmit {
		t.Fatalf("complete draft must offer submit, last=%s", data[len(data)-1])
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		in   string
		kind string
		n    int
		ok   bool
	}{
		{"n:12", cbMain, 12, true},
		{"s:25", cbSpecial, 25, true},
		{"qp", cbQuickPick, 0, true},
		{"submit", cbSubmit, 0, true},
		{"n:x", "", 0, false},
		{"zz", "", 0, false},
	}
	for _, tc := range cases {
		kind, n, err := parseCallback(tc.in)
		if (err == nil) != tc.ok || kind != tc.kind || n != tc.n {
			t.Fatalf("parseCallback(%q) = %q,%d,%v", tc.in, kind, n, err)
		}
	}
}

func TestCallback_SelectEditsMessage(t *testing.T) {
	var ref string
	var num int
	svc := &stubService{selectNum: func(_ context.Context, r string, n int) (*services.Outcome, error) {
		ref, num = r, n
		return &services.Outcome{Message: "Ticket 1 of 1: 5. Pick 4 more.", Changed: true,
			Session: view(domain.TicketDraft{Main: []int{5}})}, nil
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), callback(8, "n:5"))

	if ref != "8" || num != 5 {
		t.Fatalf("SelectNumber(%q, %d)", ref, num)
	}
	if len(s.answers()) != 1 {
		t.Fatalf("callback must be answered")
	}
	edits := s.edits()
	if len(edits) != 1 || edits[0].MessageID != 77 || edits[0].ReplyMarkup == nil {
		t.Fatalf("edits = %+v", edits)
	}
	if !strings.Contains(edits[0].Text, "Pick 4 more") {
		t.Fatalf("edit text = %q", edits[0].Text)
	}
}

func TestCallback_UnchangedOnlyAnswers(t *testing.T) {
	svc := &stubService{selectNum: func(context.Context, string, int) (*services.Outcome, error) {
		return &services.Outcome{Message: "You already picked 5 numbers.", Changed: false,
			Session: view(domain.TicketDraft{Main: []int{1, 2, 3, 4, 5}})}, nil
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), callback(8, "n:9"))

	if len(s.edits()) != 0 {
		t.Fatalf("no edit expected")
	}
	if a := s.answers(); len(a) != 1 || a[0].Text != "You already picked 5 numbers." {
		t.Fatalf("answers = %+v", a)
	}
}

func TestCallback_SubmitCompletesAndDropsKeyboard(t *testing.T) {
	svc := &stubService{submit: func(_ context.Context, _ string, in *services.TicketDraftInput) (*services.Outcome, error) {
		if in != nil {
			t.Fatalf("button submit commits the draft")
		}
		return &services.Outcome{State: services.StateCompleted, Message: "Your 1 ticket(s) are confirmed: AB12CD34.",
			TicketIDs: []string{"AB12CD34"}, Changed: true}, nil
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), callback(8, cbSubmit))

	edits := s.edits()
	if len(edits) != 1 || edits[0].ReplyMarkup != nil || !strings.Contains(edits[0].Text, "AB12CD34") {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestCallback_ErrorIsAnswered(t *testing.T) {
	svc := &stubService{special: func(context.Context, string, int) (*services.Outcome, error) {
		return nil, services.ErrSessionExpired
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), callback(8, "s:3"))
	if a := s.answers(); len(a) != 1 || !strings.Contains(a[0].Text, "expired") {
		t.Fatalf("answers = %+v", a)
	}
}

func TestQuickPickAll_SubmitsEveryRemainingTicket(t *testing.T) {
	var picks, submits int
	svc := &stubService{
		enter: func(context.Context, string) (*services.Outcome, error) {
			return &services.Outcome{State: services.StateAwaitingNumbers,
				Session: &services.SessionView{TicketCount: 3, TicketsCompleted: 1}}, nil
		},
		quick: func(context.Context, string) (*services.Outcome, error) {
			picks++
			return &services.Outcome{Changed: true}, nil
		},
		submit: func(context.Context, string, *services.TicketDraftInput) (*services.Outcome, error) {
			submits++
			if submits == 2 {
				return &services.Outcome{State: services.StateCompleted, Message: "Your 3 ticket(s) are confirmed."}, nil
			}
			return &services.Outcome{State: services.StateAwaitingNumbers, Session: &services.SessionView{}}, nil
		},
	}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), command(4, "/quickpick"))
	if picks != 2 || submits != 2 {
		t.Fatalf("picks=%d submits=%d; want 2,2", picks, submits)
	}
	if got := lastText(t, s).Text; got != "Your 3 ticket(s) are confirmed." {
		t.Fatalf("reply = %q", got)
	}
}

func TestTickets_ListsRecent(t *testing.T) {
	svc := &stubService{tickets: func(_ context.Context, userID string, page, size int) ([]domain.Ticket, int64, error) {
		if userID != "4" || page != 1 || size != recentTickets {
			t.Fatalf("MyTickets(%q, %d, %d)", userID, page, size)
		}
		return []domain.Ticket{{
			TicketID: "AB12CD34", Numbers: domain.NumberSet{4, 8, 15, 16, 23}, Special: 2,
			DrawDate: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		}}, 1, nil
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), command(4, "/tickets"))
	got := lastText(t, s).Text
	if !strings.Contains(got, "AB12CD34  04 08 15 16 23 + 02  (draw Mar 9)") {
		t.Fatalf("reply = %q", got)
	}

	svc.tickets = func(context.Context, string, int, int) ([]domain.Ticket, int64, error) { return nil, 0, nil }
	b.HandleUpdate(context.Background(), command(4, "/tickets"))
	if !strings.Contains(lastText(t, s).Text, "don't have any tickets") {
		t.Fatalf("empty reply = %q", lastText(t, s).Text)
	}
}

func TestPayments_ListsRecent(t *testing.T) {
	svc := &stubService{payments: func(_ context.Context, userID string, page, size int) ([]domain.Payment, error) {
		if userID != "4" || page != 1 || size != recentPayments {
			t.Fatalf("MyPayments(%q, %d, %d)", userID, page, size)
		}
		return []domain.Payment{{
			TicketCount: 2, Amount: decimal.NewFromInt(10), Currency: "USDC",
			NativeAmount: decimal.RequireFromString("0.1"), NativeSymbol: "SOL",
			Status: domain.PaymentFailed, CreatedAt: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		}}, nil
	}}
	b, s := newBot(svc)
	b.HandleUpdate(context.Background(), command(4, "/payments"))
	if got := lastText(t, s).Text; !strings.Contains(got, "Mar 2 09:30 2 ticket(s), 10.00 USDC (0.1 SOL), failed") {
		t.Fatalf("reply = %q", got)
	}

	svc.payments = func(context.Context, string, int, int) ([]domain.Payment, error) { return nil, nil }
	b.HandleUpdate(context.Background(), command(4, "/payments"))
	if !strings.Contains(lastText(t, s).Text, "No payments yet") {
		t.Fatalf("empty reply = %q", lastText(t, s).Text)
	}
}

func TestCommands_CarryTelegramLanguage(t *testing.T) {
	var got language.Tag
	svc := &stubService{buy: func(ctx context.Context, _, _ string, _ int) (*services.Outcome, error) {
		got, _ = services.LocaleFrom(ctx)
		return &services.Outcome{Message: "ok"}, nil
	}}
	b, _ := newBot(svc)

	u := command(42, "/buy 2")
	u.Message.From.LanguageCode = "de"
	b.HandleUpdate(context.Background(), u)
	if got != language.German {
		t.Fatalf("locale = %v; want de", got)
	}

	got = language.Und
	b.HandleUpdate(context.Background(), command(42, "/buy 2"))
	if got != language.Und {
		t.Fatalf("missing language_code must leave the default, got %v", got)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	rl := middleware.NewRateLimiter(0.001, 1, nil)
	s := &fakeSender{}
	b := NewWithSender(s, &stubService{}, rl)

	b.HandleUpdate(context.Background(), command(1, "/help"))
	b.HandleUpdate(context.Background(), command(1, "/help"))
	b.HandleUpdate(context.Background(), command(2, "/help"))

	msgs := s.messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Text, "🎰") || !strings.HasPrefix(msgs[1].Text, "Too many requests") || !strings.HasPrefix(msgs[2].Text, "🎰") {
		t.Fatalf("unexpected replies: %q / %q / %q", msgs[0].Text, msgs[1].Text, msgs[2].Text)
	}
}

func TestServe_HandlesConcurrentlyAndDrains(t *testing.T) {
	b, s := newBot(&stubService{})
	updates := make(chan tgbotapi.Update, 10)
	for i := 0; i < 10; i++ {
		updates <- command(int64(i+1), "/help")
	}
	close(updates)

	if err := b.Serve(context.Background(), updates); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := len(s.messages()); n != 10 {
		t.Fatalf("replies = %d; want 10", n)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	b, _ := newBot(&stubService{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, make(chan tgbotapi.Update)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not stop")
	}
}

func TestNew_RejectsEmptyToken(t *testing.T) {
	if _, err := New("  ", false, &stubService{}, nil); err == nil {
		t.Fatalf("expected error for empty token")
	}
	var b *Bot
	if err := b.Listen(context.Background()); err == nil {
		t.Fatalf("nil bot must not listen")
	}
}
