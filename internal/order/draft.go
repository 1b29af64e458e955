package order

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Status is the lifecycle state of a draft.
type Status string

const (
	StatusBuilding  Status = "building"
	StatusFinalized Status = "finalized"
)

// Item is one line of an in-progress order. Prices are in cents.
type Item struct {
	MenuItemID     string   `json:"menu_item_id"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	UnitPriceCents int64    `json:"unit_price_cents"`
	Customizations []string `json:"customizations,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// ValidationError reports which rule a draft mutation or finalize violated.
// It is returned as a value, never panicked.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order validation failed (%s): %s", e.Rule, e.Message)
}

const (
	RuleEmptyOrder      = "empty_order"
	RuleBelowMinimum    = "below_minimum"
	RuleUnknownItem     = "unknown_item"
	RuleOutOfStock      = "out_of_stock"
	RuleInvalidQuantity = "invalid_quantity"
	RuleFinalized       = "already_finalized"
)

// DefaultMinTotalCents is the smallest order we will finalize: $0.50.
const DefaultMinTotalCents = 50

// Draft is the in-progress order for one client session. Subtotal, tax, and
// total are derived from the item list and recomputed on every mutation.
type Draft struct {
	mu        sync.Mutex
	sessionID string
	taxRate   float64
	items     []Item
	status    Status

	subtotal int64
	tax      int64
	total    int64
}

// NewDraft creates an empty draft for a session with the given tax rate
// (e.g. 0.0825 for 8.25%).
func NewDraft(sessionID string, taxRate float64) *Draft {
	return &Draft{
		sessionID: sessionID,
		taxRate:   taxRate,
		status:    StatusBuilding,
	}
}

// SessionID returns the owning session.
func (d *Draft) SessionID() string { return d.sessionID }

// AddItem appends a line item. Adding the same item again appends a second
// line; use UpdateQuantity to change an existing one.
func (d *Draft) AddItem(item Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mutable(); err != nil {
		return err
	}
	if item.Quantity <= 0 {
		return &ValidationError{Rule: RuleInvalidQuantity, Message: fmt.Sprintf("quantity %d for %q", item.Quantity, item.Name)}
	}
	d.items = append(d.items, item)
	d.recompute()
	return nil
}

// RemoveItem deletes the first line item whose name matches, ignoring case.
func (d *Draft) RemoveItem(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mutable(); err != nil {
		return err
	}
	idx := d.find(name)
	if idx < 0 {
		return &ValidationError{Rule: RuleUnknownItem, Message: fmt.Sprintf("no %q in order", name)}
	}
	d.items = append(d.items[:idx], d.items[idx+1:]...)
	d.recompute()
	return nil
}

// UpdateQuantity sets the quantity on the first matching line item.
func (d *Draft) UpdateQuantity(name string, quantity int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mutable(); err != nil {
		return err
	}
	if quantity <= 0 {
		return &ValidationError{Rule: RuleInvalidQuantity, Message: fmt.Sprintf("quantity %d for %q", quantity, name)}
	}
	idx := d.find(name)
	if idx < 0 {
		return &ValidationError{Rule: RuleUnknownItem, Message: fmt.Sprintf("no %q in order", name)}
	}
	d.items[idx].Quantity = quantity
	d.recompute()
	return nil
}

// AddCustomization appends a customization to the first matching line item.
func (d *Draft) AddCustomization(name, customization string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mutable(); err != nil {
		return err
	}
	idx := d.find(name)
	if idx < 0 {
		return &ValidationError{Rule: RuleUnknownItem, Message: fmt.Sprintf("no %q in order", name)}
	}
	d.items[idx].Customizations = append(d.items[idx].Customizations, customization)
	d.recompute()
	return nil
}

// Finalize validates the draft and marks it finalized. minTotalCents <= 0
// falls back to DefaultMinTotalCents.
func (d *Draft) Finalize(minTotalCents int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mutable(); err != nil {
		return err
	}
	if minTotalCents <= 0 {
		minTotalCents = DefaultMinTotalCents
	}
	d.recompute()
	if len(d.items) == 0 {
		return &ValidationError{Rule: RuleEmptyOrder, Message: "order has no items"}
	}
	if d.total < minTotalCents {
		return &ValidationError{
			Rule:    RuleBelowMinimum,
			Message: fmt.Sprintf("total %d¢ below minimum %d¢", d.total, minTotalCents),
		}
	}
	d.status = StatusFinalized
	return nil
}

// Reopen reverts a finalized draft to building. Used when persisting the
// finalized order fails, so the customer can retry instead of being stuck
// behind already_finalized.
func (d *Draft) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = StatusBuilding
}

// Status returns the draft's lifecycle state.
func (d *Draft) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Items returns a copy of the line items.
func (d *Draft) Items() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Item, len(d.items))
	copy(out, d.items)
	return out
}

// Totals returns subtotal, tax, and total in cents. Always consistent with
// the item list: every mutation recomputes before releasing the lock.
func (d *Draft) Totals() (subtotal, tax, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subtotal, d.tax, d.total
}

func (d *Draft) mutable() error {
	if d.status == StatusFinalized {
		return &ValidationError{Rule: RuleFinalized, Message: "order already finalized"}
	}
	return nil
}

func (d *Draft) find(name string) int {
	for i, item := range d.items {
		if strings.EqualFold(item.Name, name) {
			return i
		}
	}
	return -1
}

// recompute derives subtotal, tax, and total from the item list. Tax is
// rounded to the nearest cent. Caller must hold d.mu.
func (d *Draft) recompute() {
	var subtotal int64
	for _, item := range d.items {
		subtotal += item.UnitPriceCents * int64(item.Quantity)
	}
	d.subtotal = subtotal
	d.tax = int64(math.Round(float64(subtotal) * d.taxRate))
	d.total = d.subtotal + d.tax
}
