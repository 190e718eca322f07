package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-lottery-backend/internal/domain"
	"github.com/tbourn/go-lottery-backend/internal/services"
)

// Callback data prefixes.
const (
	cbMain      = "n:"
	cbSpecial   = "s:"
	cbQuickPick = "qp"
	cbSubmit    = "submit"
)

const (
	mainPerRow    = 7
	specialPerRow = 5
)

// InlineButton is one callback button.
type InlineButton struct {
	Text string
	Data string
}

// BuildInlineKeyboard lays buttons out row by row.
func BuildInlineKeyboard(rows [][]InlineButton) tgbotapi.InlineKeyboardMarkup {
	keyboardRows := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, button := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(button.Text, button.Data))
		}
		keyboardRows = append(keyboardRows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(keyboardRows...)
}

// draftKeyboard shows the main-number grid until five are chosen, then the
// special-number grid. Chosen numbers are marked and can be tapped again to
// remove them.
func draftKeyboard(d domain.TicketDraft) tgbotapi.InlineKeyboardMarkup {
	var rows [][]InlineButton
	if len(d.Main) < domain.MainCount {
		rows = grid(domain.MainMin, domain.MainMax, mainPerRow, cbMain, d.Has)
	} else {
		rows = append(rows, mainSummaryRow(d))
		rows = append(rows, grid(domain.SpecialMin, domain.SpecialMax, specialPerRow, cbSpecial,
			func(n int) bool { return n == d.Special })...)
	}

	last := []InlineButton{{Text: "🎲 Quick pick", Data: cbQuickPick}}
	if d.IsComplete() {
		last = append(last, InlineButton{Text: "✅ Submit", Data: cbSubmit})
	}
	return BuildInlineKeyboard(append(rows, last))
}

// mainSummaryRow lets a user undo a main number after the grid is hidden.
func mainSummaryRow(d domain.TicketDraft) []InlineButton {
	row := make([]InlineButton, 0, len(d.Main))
	for _, n := range d.Main {
		row = append(row, InlineButton{Text: "✖ " + strconv.Itoa(n), Data: cbMain + strconv.Itoa(n)})
	}
	return row
}

func grid(lo, hi, perRow int, prefix string, marked func(int) bool) [][]InlineButton {
	var rows [][]InlineButton
	var row []InlineButton
	for n := lo; n <= hi; n++ {
		label := strconv.Itoa(n)
		if marked(n) {
			label = "•" + label + "•"
		}
		row = append(row, InlineButton{Text: label, Data: prefix + strconv.Itoa(n)})
		if len(row) == perRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

// linkKeyboard renders a redirect action as a URL button.
func linkKeyboard(a *services.Action, label string) *tgbotapi.InlineKeyboardMarkup {
	if a == nil || a.Kind != services.ActionRedirect || a.Target == "" {
		return nil
	}
	m := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(label, a.Target)),
	)
	return &m
}

// parseCallback splits callback data into its kind and number.
func parseCallback(data string) (kind string, n int, err error) {
	switch {
	case data == cbQuickPick, data == cbSubmit:
		return data, 0, nil
	case strings.HasPrefix(data, cbMain), strings.HasPrefix(data, cbSpecial):
		kind, raw, _ := strings.Cut(data, ":")
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "", 0, fmt.Errorf("bad callback number %q", raw)
		}
		return kind + ":", n, nil
	}
	return "", 0, fmt.Errorf("unknown callback %q", data)
}

func formatTicket(t domain.Ticket) string {
	nums := make([]string, len(t.Numbers))
	for i, n := range t.Numbers {
		nums[i] = fmt.Sprintf("%02d", n)
	}
	return fmt.Sprintf("🎫 %s  %s + %02d  (draw %s)",
		t.TicketID, strings.Join(nums, " "), t.Special, t.DrawDate.Format("Jan 2"))
}

func formatPayment(p domain.Payment) string {
	return fmt.Sprintf("%s %d ticket(s), %s %s (%s %s), %s",
		p.CreatedAt.Format("Jan 2 15:04"), p.TicketCount,
		p.Amount.StringFixed(2), p.Currency, p.NativeAmount.String(), p.NativeSymbol, p.Status)
}
