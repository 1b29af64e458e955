package order

import (
	"errors"
	"testing"
)

func TestTotals_RecomputedOnEveryMutation(t *testing.T) {
	d := NewDraft("s1", 0.0825)

	if err := d.AddItem(Item{Name: "Latte", Quantity: 2, UnitPriceCents: 500}); err != nil {
		t.Fatalf("add latte: %v", err)
	}
	if err := d.AddItem(Item{Name: "Croissant", Quantity: 1, UnitPriceCents: 300}); err != nil {
		t.Fatalf("add croissant: %v", err)
	}

	subtotal, tax, total := d.Totals()
	if subtotal != 1300 {
		t.Fatalf("subtotal=%d, want 1300", subtotal)
	}
	// $13 * 8.25% = $1.0725, rounds to 107¢; total $14.07.
	if tax != 107 {
		t.Fatalf("tax=%d, want 107", tax)
	}
	if total != 1407 {
		t.Fatalf("total=%d, want 1407", total)
	}
}

func TestTotals_ConsistentAfterEachStep(t *testing.T) {
	d := NewDraft("s1", 0.10)
	d.AddItem(Item{Name: "Burger", Quantity: 1, UnitPriceCents: 899})
	d.UpdateQuantity("burger", 3)
	d.AddItem(Item{Name: "Fries", Quantity: 2, UnitPriceCents: 250})
	d.RemoveItem("FRIES")

	subtotal, tax, total := d.Totals()
	if subtotal != 3*899 {
		t.Fatalf("subtotal=%d, want %d", subtotal, 3*899)
	}
	if total != subtotal+tax {
		t.Fatalf("total=%d != subtotal+tax=%d", total, subtotal+tax)
	}
}

func TestAddRemove_RoundTripRestoresTotals(t *testing.T) {
	d := NewDraft("s1", 0.0825)
	d.AddItem(Item{Name: "Latte", Quantity: 2, UnitPriceCents: 500})

	s1, t1, tot1 := d.Totals()
	d.AddItem(Item{Name: "Muffin", Quantity: 1, UnitPriceCents: 425})
	d.RemoveItem("muffin")
	s2, t2, tot2 := d.Totals()

	if s1 != s2 || t1 != t2 || tot1 != tot2 {
		t.Fatalf("totals drifted after add/remove round trip: %d/%d/%d -> %d/%d/%d", s1, t1, tot1, s2, t2, tot2)
	}
}

func TestRemoveItem_CaseInsensitive(t *testing.T) {
	d := NewDraft("s1", 0)
	d.AddItem(Item{Name: "Iced Tea", Quantity: 1, UnitPriceCents: 200})

	if err := d.RemoveItem("iced tea"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(d.Items()); got != 0 {
		t.Fatalf("items=%d, want 0", got)
	}
}

func TestFinalize_EmptyOrder(t *testing.T) {
	d := NewDraft("s1", 0.0825)
	err := d.Finalize(0)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want ValidationError", err)
	}
	if verr.Rule != RuleEmptyOrder {
		t.Fatalf("rule=%s, want %s", verr.Rule, RuleEmptyOrder)
	}
	if d.Status() != StatusBuilding {
		t.Fatalf("status=%s, want building after failed finalize", d.Status())
	}
}

func TestFinalize_BelowMinimum(t *testing.T) {
	d := NewDraft("s1", 0)
	d.AddItem(Item{Name: "Mint", Quantity: 1, UnitPriceCents: 25})

	err := d.Finalize(0)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != RuleBelowMinimum {
		t.Fatalf("err=%v, want below_minimum validation error", err)
	}
}

func TestFinalize_LocksDraft(t *testing.T) {
	d := NewDraft("s1", 0.0825)
	d.AddItem(Item{Name: "Latte", Quantity: 1, UnitPriceCents: 500})

	if err := d.Finalize(0); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if d.Status() != StatusFinalized {
		t.Fatalf("status=%s, want finalized", d.Status())
	}

	err := d.AddItem(Item{Name: "Another", Quantity: 1, UnitPriceCents: 100})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != RuleFinalized {
		t.Fatalf("err=%v, want already_finalized", err)
	}
}

func TestAddItem_RejectsNonPositiveQuantity(t *testing.T) {
	d := NewDraft("s1", 0)
	err := d.AddItem(Item{Name: "Latte", Quantity: 0, UnitPriceCents: 500})

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != RuleInvalidQuantity {
		t.Fatalf("err=%v, want invalid_quantity", err)
	}
}

func TestAddCustomization(t *testing.T) {
	d := NewDraft("s1", 0)
	d.AddItem(Item{Name: "Latte", Quantity: 1, UnitPriceCents: 500})

	if err := d.AddCustomization("latte", "oat milk"); err != nil {
		t.Fatalf("customize: %v", err)
	}
	items := d.Items()
	if len(items[0].Customizations) != 1 || items[0].Customizations[0] != "oat milk" {
		t.Fatalf("customizations=%v, want [oat milk]", items[0].Customizations)
	}

	if err := d.AddCustomization("mocha", "extra shot"); err == nil {
		t.Fatal("want unknown_item error for missing line")
	}
}

func TestReopenMakesDraftMutableAgain(t *testing.T) {
	d := NewDraft("sess-1", 0.0825)
	if err := d.AddItem(Item{Name: "Fries", Quantity: 1, UnitPriceCents: 200}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := d.Finalize(0); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := d.AddItem(Item{Name: "Shake", Quantity: 1, UnitPriceCents: 300}); err == nil {
		t.Fatal("finalized draft accepted a mutation")
	}

	d.Reopen()
	if got := d.Status(); got != StatusBuilding {
		t.Fatalf("status = %q, want %q", got, StatusBuilding)
	}
	if err := d.AddItem(Item{Name: "Shake", Quantity: 1, UnitPriceCents: 300}); err != nil {
		t.Fatalf("AddItem after Reopen: %v", err)
	}
	if err := d.Finalize(0); err != nil {
		t.Fatalf("Finalize after Reopen: %v", err)
	}
}
