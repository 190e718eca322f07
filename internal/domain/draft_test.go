package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestDraft_ToggleKeepsSortedAndUnique(t *testing.T) {
	var d TicketDraft
	for _, n := range []int{40, 2, 69, 17} {
		if changed, err := d.Toggle(n); err != nil || !changed {
			t.Fatalf("Toggle(%d) = %v, %v", n, changed, err)
		}
	}
	if !reflect.DeepEqual(d.Main, []int{2, 17, 40, 69}) {
		t.Fatalf("main = %v", d.Main)
	}
	if d.Mode != SelectionManual {
		t.Fatalf("mode = %q", d.Mode)
	}
	if d.Remaining() != 1 {
		t.Fatalf("remaining = %d", d.Remaining())
	}
}

func TestDraft_ToggleTwiceIsNetNoop(t *testing.T) {
	d := TicketDraft{Main: []int{5, 10}, Mode: SelectionManual}
	before := append([]int(nil), d.Main...)

	if _, err := d.Toggle(33); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !d.Has(33) {
		t.Fatalf("33 should be selected")
	}
	if _, err := d.Toggle(33); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if !reflect.DeepEqual(d.Main, before) {
		t.Fatalf("main = %v; want %v", d.Main, before)
	}
}

func TestDraft_SixthNumberIsRejectedWithoutChange(t *testing.T) {
	d := TicketDraft{Main: []int{1, 2, 3, 4, 5}}
	changed, err := d.Toggle(6)
	if err != nil {
		t.Fatalf("sixth number must not be an error: %v", err)
	}
	if changed {
		t.Fatalf("sixth number must not change the draft")
	}
	if !reflect.DeepEqual(d.Main, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("main = %v", d.Main)
	}
	// removing one of the five is still allowed
	if changed, _ := d.Toggle(3); !changed || d.Has(3) {
		t.Fatalf("removing a selected number should succeed")
	}
}

func TestDraft_RangeChecks(t *testing.T) {
	var d TicketDraft
	for _, n := range []int{0, 70, -1} {
		if _, err := d.Toggle(n); !errors.Is(err, ErrNumberOutOfRange) {
			t.Fatalf("Toggle(%d) err = %v", n, err)
		}
	}
	for _, n := range []int{0, 26} {
		if err := d.SetSpecial(n); !errors.Is(err, ErrNumberOutOfRange) {
			t.Fatalf("SetSpecial(%d) err = %v", n, err)
		}
	}
	if err := d.SetSpecial(25); err != nil || d.Special != 25 {
		t.Fatalf("SetSpecial(25) = %v, special=%d", err, d.Special)
	}
}

func TestDraft_IsComplete(t *testing.T) {
	cases := []struct {
		name string
		d    TicketDraft
		want bool
	}{
		{"complete", TicketDraft{Main: []int{1, 2, 3, 4, 5}, Special: 1}, true},
		{"no special", TicketDraft{Main: []int{1, 2, 3, 4, 5}}, false},
		{"four numbers", TicketDraft{Main: []int{1, 2, 3, 4}, Special: 1}, false},
		{"duplicate", TicketDraft{Main: []int{1, 1, 3, 4, 5}, Special: 1}, false},
		{"out of range", TicketDraft{Main: []int{1, 2, 3, 4, 70}, Special: 1}, false},
		{"special out of range", TicketDraft{Main: []int{1, 2, 3, 4, 5}, Special: 26}, false},
	}
	for _, tc := range cases {
		if got := tc.d.IsComplete(); got != tc.want {
			t.Fatalf("%s: IsComplete() = %v", tc.name, got)
		}
	}
}

func TestNewDraft_Validation(t *testing.T) {
	d, err := NewDraft([]int{50, 1, 23, 9, 69}, 12, "")
	if err != nil {
		t.Fatalf("NewDraft: %v", err)
	}
	if !reflect.DeepEqual(d.Main, []int{1, 9, 23, 50, 69}) || d.Special != 12 || d.Mode != SelectionManual {
		t.Fatalf("draft = %+v", d)
	}

	if _, err := NewDraft([]int{1, 2, 2, 4, 5}, 1, SelectionManual); !errors.Is(err, ErrDuplicateNumber) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := NewDraft([]int{1, 2, 3, 4, 99}, 1, SelectionManual); !errors.Is(err, ErrNumberOutOfRange) {
		t.Fatalf("range err = %v", err)
	}
	if _, err := NewDraft([]int{1, 2, 3, 4, 5}, 30, SelectionManual); !errors.Is(err, ErrNumberOutOfRange) {
		t.Fatalf("special range err = %v", err)
	}
	if _, err := NewDraft([]int{1, 2, 3}, 4, SelectionManual); !errors.Is(err, ErrIncompleteSelection) {
		t.Fatalf("incomplete err = %v", err)
	}
	if _, err := NewDraft([]int{1, 2, 3, 4, 5}, 0, SelectionManual); !errors.Is(err, ErrIncompleteSelection) {
		t.Fatalf("missing special err = %v", err)
	}
}
