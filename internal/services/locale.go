package services

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

type localeKey struct{}

// WithLocale returns a context whose buyer-facing messages are formatted for
// tag. An undetermined tag leaves the service default in place.
func WithLocale(ctx context.Context, tag language.Tag) context.Context {
	if tag == language.Und {
		return ctx
	}
	return context.WithValue(ctx, localeKey{}, tag)
}

// LocaleFrom returns the tag set by WithLocale.
func LocaleFrom(ctx context.Context) (language.Tag, bool) {
	tag, ok := ctx.Value(localeKey{}).(language.Tag)
	return tag, ok
}

// ParseLocale reads a language tag from a Telegram language_code or an
// Accept-Language header. Unparseable input yields language.Und.
func ParseLocale(s string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil || len(tags) == 0 {
		return language.Und
	}
	return tags[0]
}

func (s *PurchaseService) printer(ctx context.Context) *message.Printer {
	if tag, ok := LocaleFrom(ctx); ok {
		return message.NewPrinter(tag)
	}
	tag := s.Locale
	if tag == language.Und {
		tag = language.English
	}
	return message.NewPrinter(tag)
}

// fmtFiat formats a fiat-equivalent amount with two decimals.
func fmtFiat(d decimal.Decimal) number.Formatter {
	return number.Decimal(d.InexactFloat64(), number.Scale(2))
}

// fmtNative formats a ledger amount down to its smallest unit.
func fmtNative(d decimal.Decimal) number.Formatter {
	return number.Decimal(d.InexactFloat64(), number.MaxFractionDigits(9))
}
