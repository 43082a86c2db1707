package billing

import "github.com/shopspring/decimal"

// Draft is an immutable snapshot of the line items on an unsaved bill, in
// insertion order. Every mutator returns a new Draft and leaves the receiver
// untouched, so a snapshot handed to a renderer never changes underneath it.
type Draft struct {
	items []LineItem
}

// Items returns a copy of the draft's line items.
func (d Draft) Items() []LineItem {
	out := make([]LineItem, len(d.items))
	copy(out, d.items)
	return out
}

func (d Draft) Len() int { return len(d.items) }

func (d Draft) index(id string) int {
	for i := range d.items {
		if d.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Contains reports whether a line with the given id is on the draft.
func (d Draft) Contains(id string) bool { return d.index(id) >= 0 }

// Get returns the line with the given id.
func (d Draft) Get(id string) (LineItem, bool) {
	i := d.index(id)
	if i < 0 {
		return LineItem{}, false
	}
	return d.items[i], true
}

// Add appends a line built from candidate with quantity 1. Callers must not
// add an id already on the draft; such an add returns d unchanged.
func (d Draft) Add(candidate LineItem) Draft {
	if d.Contains(candidate.ID) {
		return d
	}
	li := candidate
	li.Quantity = 1
	li.Total = lineTotal(li.UnitPrice, 1)
	li.Invalid = false
	li.QuantityInput = ""

	items := make([]LineItem, len(d.items), len(d.items)+1)
	copy(items, d.items)
	return Draft{items: append(items, li)}
}

// UpdateQuantity sets the quantity of line id. An invalid quantity zeroes the
// line total and flags the line. Unknown ids leave the draft unchanged.
func (d Draft) UpdateQuantity(id string, quantity int) (Draft, Validation) {
	v := ValidateQuantity(quantity)
	return d.withLine(id, func(li *LineItem) {
		li.Quantity = quantity
		li.QuantityInput = ""
		li.Invalid = !v.Valid
		li.Total = lineTotal(li.UnitPrice, quantity)
	}), v
}

// SetQuantityInput parses raw operator input and applies it to line id.
// Unparseable text is kept on the line so it can be shown back.
func (d Draft) SetQuantityInput(id, raw string) (Draft, Validation) {
	q, v := ParseQuantity(raw)
	if v.Valid {
		return d.UpdateQuantity(id, q)
	}
	return d.withLine(id, func(li *LineItem) {
		li.Quantity = q
		li.QuantityInput = raw
		li.Invalid = true
		li.Total = decimal.Zero
	}), v
}

// Remove drops line id. Removing an absent id is a no-op.
func (d Draft) Remove(id string) Draft {
	i := d.index(id)
	if i < 0 {
		return d
	}
	items := make([]LineItem, 0, len(d.items)-1)
	items = append(items, d.items[:i]...)
	items = append(items, d.items[i+1:]...)
	return Draft{items: items}
}

// GrandTotal is the sum of the line totals. It is always derived, never stored.
func (d Draft) GrandTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range d.items {
		sum = sum.Add(li.Total)
	}
	return sum
}

// HasInvalidLines reports whether any line blocks submission.
func (d Draft) HasInvalidLines() bool {
	for _, li := range d.items {
		if li.Invalid || li.Quantity <= 0 {
			return true
		}
	}
	return false
}

func (d Draft) withLine(id string, fn func(*LineItem)) Draft {
	i := d.index(id)
	if i < 0 {
		return d
	}
	items := d.Items()
	fn(&items[i])
	return Draft{items: items}
}
