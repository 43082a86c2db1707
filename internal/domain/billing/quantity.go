package billing

import (
	"strconv"
	"strings"
)

const (
	msgQuantityAtLeastOne = "Quantity must be at least one for all items."
	msgQuantityNotNumber  = "Quantity must be a whole number."
)

// Validation is the outcome of a quantity check. Invalid input is reported
// here, never as an error.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func valid() Validation { return Validation{Valid: true} }

func invalid(reason string) Validation { return Validation{Reason: reason} }

// ValidateQuantity accepts any quantity of at least one.
func ValidateQuantity(q int) Validation {
	if q < 1 {
		return invalid(msgQuantityAtLeastOne)
	}
	return valid()
}

// ParseQuantity parses operator input. Non-numeric input yields quantity 0
// and an invalid result.
func ParseQuantity(raw string) (int, Validation) {
	q, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, invalid(msgQuantityNotNumber)
	}
	return q, ValidateQuantity(q)
}
