package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the kind of billable thing a line item references.
type Category string

const (
	CategoryStockItem Category = "StockItem"
	CategoryService   Category = "Service"
)

// ParseCategory accepts the wire names plus the "Stock Item" label the
// billing UI sends from its category picker.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "stockitem":
		return CategoryStockItem, nil
	case "service":
		return CategoryService, nil
	}
	return "", fmt.Errorf("invalid category: %q", s)
}

// DefaultStockItemPrice is applied to every stock item until catalog stock
// pricing is available.
var DefaultStockItemPrice = decimal.NewFromInt(10)

// StockItemRecord is the raw stock item shape returned by the catalog.
type StockItemRecord struct {
	UUID       string `json:"uuid"`
	CommonName string `json:"commonName"`
}

// ServicePrice is one price tier of a billable service.
type ServicePrice struct {
	UUID  string          `json:"uuid"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// ServiceRecord is the raw billable service shape returned by the catalog.
type ServiceRecord struct {
	UUID          string         `json:"uuid"`
	Name          string         `json:"name"`
	ServicePrices []ServicePrice `json:"servicePrices"`
}

// CatalogRecord is a normalized catalog search hit. Category is decided once
// by the adapter that produced the record.
type CatalogRecord struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Category    Category        `json:"category"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// RecordFromStockItem normalizes a stock item. Stock items carry no price of
// their own, so price is the caller-supplied default.
func RecordFromStockItem(r StockItemRecord, price decimal.Decimal) CatalogRecord {
	return CatalogRecord{
		ID:          r.UUID,
		DisplayName: r.CommonName,
		Category:    CategoryStockItem,
		UnitPrice:   price,
	}
}

// RecordFromService normalizes a billable service using its first price tier.
// Services without any price tier cannot be billed and report false.
func RecordFromService(r ServiceRecord) (CatalogRecord, bool) {
	if len(r.ServicePrices) == 0 {
		return CatalogRecord{}, false
	}
	return CatalogRecord{
		ID:          r.UUID,
		DisplayName: r.Name,
		Category:    CategoryService,
		UnitPrice:   r.ServicePrices[0].Price,
	}, true
}

// LineItem is one priced, quantified entry on a draft bill. Candidates share
// the same shape with Quantity fixed at 1.
type LineItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
	Category  Category        `json:"category"`
	Invalid   bool            `json:"invalid,omitempty"`
	// QuantityInput holds the operator's text when it could not be parsed.
	QuantityInput string `json:"quantity_input,omitempty"`
}

// NewCandidate builds an addable candidate from a catalog record.
func NewCandidate(r CatalogRecord) LineItem {
	return LineItem{
		ID:        r.ID,
		Name:      r.DisplayName,
		Quantity:  1,
		UnitPrice: r.UnitPrice,
		Total:     r.UnitPrice,
		Category:  r.Category,
	}
}

// lineTotal is unitPrice*quantity for positive quantities and zero otherwise.
func lineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	if quantity <= 0 {
		return decimal.Zero
	}
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Bill statuses as used by the cashier module.
const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
)

// Bill is a persisted bill as returned by the submission service.
type Bill struct {
	UUID      string          `json:"uuid"`
	PatientID string          `json:"patient_uuid"`
	CashPoint string          `json:"cash_point,omitempty"`
	Cashier   string          `json:"cashier,omitempty"`
	Status    string          `json:"status"`
	LineItems []*BillLineItem `json:"line_items"`
	CreatedAt time.Time       `json:"created_at"`
}

// BillLineItem is one persisted line of a Bill.
type BillLineItem struct {
	UUID            string          `json:"uuid"`
	Item            string          `json:"item,omitempty"`
	BillableService string          `json:"billable_service,omitempty"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	PriceName       string          `json:"price_name,omitempty"`
	PaymentStatus   string          `json:"payment_status"`
}

// Total is the sum of price*quantity over the bill's lines.
func (b *Bill) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range b.LineItems {
		sum = sum.Add(lineTotal(li.Price, li.Quantity))
	}
	return sum
}

// IsUnpaid reports whether the bill still has an outstanding balance.
func (b *Bill) IsUnpaid() bool {
	return b.Status != StatusPaid
}
