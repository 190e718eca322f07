package domain

import (
	"errors"
	"sort"
)

// Ticket shape and purchase bounds.
const (
	MainCount  = 5
	MainMin    = 1
	MainMax    = 69
	SpecialMin = 1
	SpecialMax = 25

	MinTicketsPerPurchase = 1
	MaxTicketsPerPurchase = 10
)

// SelectionMode records how a ticket's numbers were chosen.
type SelectionMode string

const (
	SelectionManual    SelectionMode = "manual"
	SelectionQuickPick SelectionMode = "quickpick"
)

var (
	// ErrNumberOutOfRange is returned for a main number outside [1,69] or a
	// special number outside [1,25].
	ErrNumberOutOfRange = errors.New("number out of range")

	// ErrDuplicateNumber is returned when a submitted slate repeats a main number.
	ErrDuplicateNumber = errors.New("duplicate number selection")

	// ErrIncompleteSelection is returned when a draft without 5 main numbers
	// and a special number is committed.
	ErrIncompleteSelection = errors.New("incomplete number selection")
)

// TicketDraft is one ticket's number selection before persistence.
// Main is kept sorted ascending and never holds duplicates; Special is 0 until set.
type TicketDraft struct {
	Main    []int         `json:"main"`
	Special int           `json:"special,omitempty"`
	Mode    SelectionMode `json:"mode"`
}

// NewDraft validates an atomic (web form) submission and returns the
// normalized draft. Unlike Toggle, a repeated number is an error here.
func NewDraft(main []int, special int, mode SelectionMode) (TicketDraft, error) {
	if mode == "" {
		mode = SelectionManual
	}
	seen := make(map[int]struct{}, len(main))
	out := make([]int, 0, len(main))
	for _, n := range main {
		if n < MainMin || n > MainMax {
			return TicketDraft{}, ErrNumberOutOfRange
		}
		if _, dup := seen[n]; dup {
			return TicketDraft{}, ErrDuplicateNumber
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if special != 0 && (special < SpecialMin || special > SpecialMax) {
		return TicketDraft{}, ErrNumberOutOfRange
	}
	sort.Ints(out)
	d := TicketDraft{Main: out, Special: special, Mode: mode}
	if !d.IsComplete() {
		return TicketDraft{}, ErrIncompleteSelection
	}
	return d, nil
}

// IsComplete reports exactly 5 distinct in-range main numbers and a special number.
func (d TicketDraft) IsComplete() bool {
	if len(d.Main) != MainCount {
		return false
	}
	seen := make(map[int]struct{}, MainCount)
	for _, n := range d.Main {
		if n < MainMin || n > MainMax {
			return false
		}
		if _, dup := seen[n]; dup {
			return false
		}
		seen[n] = struct{}{}
	}
	return d.Special >= SpecialMin && d.Special <= SpecialMax
}

// Has reports whether n is among the selected main numbers.
func (d TicketDraft) Has(n int) bool {
	i := sort.SearchInts(d.Main, n)
	return i < len(d.Main) && d.Main[i] == n
}

// Toggle adds n when absent and removes it when present. Adding a sixth
// number leaves the draft untouched and reports changed=false.
func (d *TicketDraft) Toggle(n int) (changed bool, err error) {
	if n < MainMin || n > MainMax {
		return false, ErrNumberOutOfRange
	}
	i := sort.SearchInts(d.Main, n)
	if i < len(d.Main) && d.Main[i] == n {
		d.Main = append(d.Main[:i:i], d.Main[i+1:]...)
		d.Mode = SelectionManual
		return true, nil
	}
	if len(d.Main) >= MainCount {
		return false, nil
	}
	next := make([]int, 0, len(d.Main)+1)
	next = append(next, d.Main[:i]...)
	next = append(next, n)
	next = append(next, d.Main[i:]...)
	d.Main = next
	d.Mode = SelectionManual
	return true, nil
}

// SetSpecial replaces the special number.
func (d *TicketDraft) SetSpecial(n int) error {
	if n < SpecialMin || n > SpecialMax {
		return ErrNumberOutOfRange
	}
	d.Special = n
	if d.Mode == "" {
		d.Mode = SelectionManual
	}
	return nil
}

// Remaining is how many main numbers are still missing.
func (d TicketDraft) Remaining() int {
	if r := MainCount - len(d.Main); r > 0 {
		return r
	}
	return 0
}
