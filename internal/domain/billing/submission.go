package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Fixed cashier-module identifiers. Operators override them through config.
const (
	DefaultCashPointUUID = "54065383-b4d4-42d2-af4d-d250a1fd2590"
	DefaultCashierUUID   = "f9badd80-ab76-11e2-9e96-0800200c9a66"
	DefaultPriceUUID     = "7b9171ac-d3c1-49b4-beff-c9902aee5245"
	DefaultPriceName     = "Default"
)

// SubmissionConfig carries the identifiers stamped on every submitted bill.
type SubmissionConfig struct {
	CashPointUUID string
	CashierUUID   string
	PriceUUID     string
	PriceName     string
}

// DefaultSubmissionConfig returns the stock cashier identifiers.
func DefaultSubmissionConfig() SubmissionConfig {
	return SubmissionConfig{
		CashPointUUID: DefaultCashPointUUID,
		CashierUUID:   DefaultCashierUUID,
		PriceUUID:     DefaultPriceUUID,
		PriceName:     DefaultPriceName,
	}
}

// SubmissionLineItem is one bill line in the cashier's format. Exactly one of
// Item and BillableService is set.
type SubmissionLineItem struct {
	Item            string          `json:"item,omitempty"`
	BillableService string          `json:"billableService,omitempty"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	PriceName       string          `json:"priceName"`
	PriceUUID       string          `json:"priceUuid"`
	LineItemOrder   int             `json:"lineItemOrder"`
	PaymentStatus   string          `json:"paymentStatus"`
}

// MarshalJSON writes Price as an exact JSON number rather than a string.
func (li SubmissionLineItem) MarshalJSON() ([]byte, error) {
	type line SubmissionLineItem
	return json.Marshal(struct {
		line
		Price json.Number `json:"price"`
	}{line(li), json.Number(li.Price.String())})
}

// SubmissionPayload is the bill posted to the submission service.
type SubmissionPayload struct {
	CashPoint string               `json:"cashPoint"`
	Cashier   string               `json:"cashier"`
	LineItems []SubmissionLineItem `json:"lineItems"`
	Payments  []interface{}        `json:"payments"`
	Patient   string               `json:"patient"`
	Status    string               `json:"status"`
}

// BuildSubmission converts a draft into the submission payload for patientID.
func BuildSubmission(d Draft, patientID string, cfg SubmissionConfig) (SubmissionPayload, error) {
	if strings.TrimSpace(patientID) == "" {
		return SubmissionPayload{}, fmt.Errorf("patient_id is required")
	}
	if d.Len() == 0 {
		return SubmissionPayload{}, ErrEmptyBill
	}
	if d.HasInvalidLines() {
		return SubmissionPayload{}, ErrInvalidLines
	}

	payload := SubmissionPayload{
		CashPoint: cfg.CashPointUUID,
		Cashier:   cfg.CashierUUID,
		LineItems: make([]SubmissionLineItem, 0, d.Len()),
		Payments:  []interface{}{},
		Patient:   patientID,
		Status:    StatusPending,
	}
	for _, li := range d.items {
		line := SubmissionLineItem{
			Quantity:      li.Quantity,
			Price:         li.UnitPrice,
			PriceName:     cfg.PriceName,
			PriceUUID:     cfg.PriceUUID,
			LineItemOrder: 0,
			PaymentStatus: StatusPending,
		}
		switch li.Category {
		case CategoryStockItem:
			line.Item = li.ID
		case CategoryService:
			line.BillableService = li.ID
		default:
			return SubmissionPayload{}, fmt.Errorf("line %s: unknown category %q", li.ID, li.Category)
		}
		payload.LineItems = append(payload.LineItems, line)
	}
	return payload, nil
}
