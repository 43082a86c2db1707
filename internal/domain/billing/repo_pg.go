package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// BillEndpointPG is the cache prefix for bill views served from postgres.
const BillEndpointPG = "/cashier/bill"

// DefaultSearchLimit caps the rows returned for one catalog query.
const DefaultSearchLimit = 50

// escapeLike quotes LIKE wildcards so operator input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =========== Catalog Repository ===========

type CatalogRepoPG struct {
	pool       *pgxpool.Pool
	stockPrice decimal.Decimal
	limit      int
}

// NewCatalogRepoPG searches the local catalog tables. Stock items are priced
// at stockPrice.
func NewCatalogRepoPG(pool *pgxpool.Pool, stockPrice decimal.Decimal) *CatalogRepoPG {
	return &CatalogRepoPG{pool: pool, stockPrice: stockPrice, limit: DefaultSearchLimit}
}

func (r *CatalogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *CatalogRepoPG) Search(ctx context.Context, query string, category Category) ([]CatalogRecord, error) {
	switch category {
	case CategoryStockItem:
		return r.searchStock(ctx, query)
	case CategoryService:
		return r.searchServices(ctx, query)
	}
	return nil, fmt.Errorf("invalid category: %q", category)
}

func (r *CatalogRepoPG) searchStock(ctx context.Context, query string) ([]CatalogRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT uuid::text, common_name FROM stock_item
		WHERE NOT retired AND common_name ILIKE '%' || $1 || '%'
		ORDER BY common_name LIMIT $2`, escapeLike(query), r.limit)
	if err != nil {
		return nil, fmt.Errorf("search stock items: %w", err)
	}
	defer rows.Close()

	var out []CatalogRecord
	for rows.Next() {
		var s StockItemRecord
		if err := rows.Scan(&s.UUID, &s.CommonName); err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		out = append(out, RecordFromStockItem(s, r.stockPrice))
	}
	return out, rows.Err()
}

func (r *CatalogRepoPG) searchServices(ctx context.Context, query string) ([]CatalogRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT s.uuid::text, s.name, p.uuid::text, p.name, p.price::text
		FROM (
			SELECT uuid, name FROM billable_service
			WHERE NOT retired AND name ILIKE '%' || $1 || '%'
			ORDER BY name LIMIT $2
		) s
		LEFT JOIN service_price p ON p.billable_service_uuid = s.uuid
		ORDER BY s.name, p.sort_order`, escapeLike(query), r.limit)
	if err != nil {
		return nil, fmt.Errorf("search billable services: %w", err)
	}
	defer rows.Close()

	var services []*ServiceRecord
	byID := make(map[string]*ServiceRecord)
	for rows.Next() {
		var (
			id, name                       string
			priceID, priceName, priceValue *string
		)
		if err := rows.Scan(&id, &name, &priceID, &priceName, &priceValue); err != nil {
			return nil, fmt.Errorf("scan billable service: %w", err)
		}
		svc, ok := byID[id]
		if !ok {
			svc = &ServiceRecord{UUID: id, Name: name}
			byID[id] = svc
			services = append(services, svc)
		}
		if priceID == nil || priceValue == nil {
			continue
		}
		price, err := decimal.NewFromString(*priceValue)
		if err != nil {
			return nil, fmt.Errorf("parse price for service %s: %w", id, err)
		}
		sp := ServicePrice{UUID: *priceID, Price: price}
		if priceName != nil {
			sp.Name = *priceName
		}
		svc.ServicePrices = append(svc.ServicePrices, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CatalogRecord, 0, len(services))
	for _, svc := range services {
		if rec, ok := RecordFromService(*svc); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// =========== Bill Repository ===========

type BillRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) *BillRepoPG { return &BillRepoPG{pool: pool} }

func (r *BillRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *BillRepoPG) Endpoint() string { return BillEndpointPG }

// Submit stores the bill and its lines in one transaction.
func (r *BillRepoPG) Submit(ctx context.Context, p SubmissionPayload) (*Bill, error) {
	bill := &Bill{
		UUID:      uuid.New().String(),
		PatientID: p.Patient,
		CashPoint: p.CashPoint,
		Cashier:   p.Cashier,
		Status:    p.Status,
		CreatedAt: time.Now().UTC(),
	}
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO bill (uuid, patient_uuid, cash_point, cashier, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			bill.UUID, bill.PatientID, bill.CashPoint, bill.Cashier, bill.Status, bill.CreatedAt); err != nil {
			return fmt.Errorf("insert bill: %w", err)
		}
		for _, li := range p.LineItems {
			line := &BillLineItem{
				UUID:            uuid.New().String(),
				Item:            li.Item,
				BillableService: li.BillableService,
				Quantity:        li.Quantity,
				Price:           li.Price,
				PriceName:       li.PriceName,
				PaymentStatus:   li.PaymentStatus,
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO bill_line_item (uuid, bill_uuid, item, billable_service, quantity,
					price, price_name, price_uuid, line_item_order, payment_status)
				VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6::numeric, $7, $8, $9, $10)`,
				line.UUID, bill.UUID, line.Item, line.BillableService, line.Quantity,
				line.Price.String(), line.PriceName, li.PriceUUID, li.LineItemOrder, line.PaymentStatus); err != nil {
				return fmt.Errorf("insert bill line: %w", err)
			}
			bill.LineItems = append(bill.LineItems, line)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

func (r *BillRepoPG) ListBillsByPatient(ctx context.Context, patientID string) ([]*Bill, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT b.uuid::text, b.patient_uuid, b.cash_point, b.cashier, b.status, b.created_at,
			l.uuid::text, COALESCE(l.item, ''), COALESCE(l.billable_service, ''), l.quantity,
			l.price::text, l.price_name, l.payment_status
		FROM bill b
		LEFT JOIN bill_line_item l ON l.bill_uuid = b.uuid
		WHERE b.patient_uuid = $1
		ORDER BY b.created_at DESC, l.line_item_order, l.uuid`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	defer rows.Close()

	var bills []*Bill
	byID := make(map[string]*Bill)
	for rows.Next() {
		var (
			b                                       Bill
			lineID, item, service, price, priceName *string
			status                                  *string
			quantity                                *int
		)
		if err := rows.Scan(&b.UUID, &b.PatientID, &b.CashPoint, &b.Cashier, &b.Status, &b.CreatedAt,
			&lineID, &item, &service, &quantity, &price, &priceName, &status); err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		bill, ok := byID[b.UUID]
		if !ok {
			bill = &b
			bill.LineItems = []*BillLineItem{}
			byID[b.UUID] = bill
			bills = append(bills, bill)
		}
		if lineID == nil {
			continue
		}
		li := &BillLineItem{UUID: *lineID, Item: deref(item), BillableService: deref(service), PriceName: deref(priceName), PaymentStatus: deref(status)}
		if quantity != nil {
			li.Quantity = *quantity
		}
		if price != nil {
			if li.Price, err = decimal.NewFromString(*price); err != nil {
				return nil, fmt.Errorf("parse line price: %w", err)
			}
		}
		bill.LineItems = append(bill.LineItems, li)
	}
	return bills, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
