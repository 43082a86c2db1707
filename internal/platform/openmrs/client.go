// Package openmrs talks to the OpenMRS REST API for catalog lookups
// (stock management, billable services) and cashier bills.
package openmrs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/billing"
)

const (
	restPath       = "/ws/rest/v1"
	stockItemPath  = "/stockmanagement/stockitem"
	servicePath    = "/cashier/billableService"
	billPath       = "/cashier/bill"
	serviceView    = "custom:(uuid,name,shortName,serviceStatus,serviceType:(display),servicePrices:(uuid,name,price))"
	maxErrorBody   = 4 << 10
	dateLayout     = "2006-01-02T15:04:05.000-0700"
	defaultTimeout = 15 * time.Second
)

// Config holds connection settings. StockItemPrice is used as given; the
// configuration layer supplies its default.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	Timeout        time.Duration
	StockItemPrice decimal.Decimal
}

// Client implements billing.CatalogSearcher and billing.BillStore.
type Client struct {
	base       string
	username   string
	password   string
	stockPrice decimal.Decimal
	http       *http.Client
	logger     zerolog.Logger
}

var (
	_ billing.CatalogSearcher = (*Client)(nil)
	_ billing.BillStore       = (*Client)(nil)
)

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid openmrs base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:       base + restPath,
		username:   cfg.Username,
		password:   cfg.Password,
		stockPrice: cfg.StockItemPrice,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Endpoint is the bill collection URL. Cached bill views are keyed under it.
func (c *Client) Endpoint() string { return c.base + billPath }

// APIError is a non-2xx answer from OpenMRS.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openmrs: %d %s", e.Status, e.Message)
}

type listResponse[T any] struct {
	Results []T `json:"results"`
}

type ref struct {
	UUID string `json:"uuid"`
}

type billLineResource struct {
	UUID            string          `json:"uuid"`
	Item            *ref            `json:"item"`
	BillableService *ref            `json:"billableService"`
	Quantity        int             `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	PriceName       string          `json:"priceName"`
	PaymentStatus   string          `json:"paymentStatus"`
}

type billResource struct {
	UUID        string             `json:"uuid"`
	Patient     ref                `json:"patient"`
	CashPoint   ref                `json:"cashPoint"`
	Cashier     ref                `json:"cashier"`
	Status      string             `json:"status"`
	DateCreated string             `json:"dateCreated"`
	LineItems   []billLineResource `json:"lineItems"`
}

func (r billResource) toBill() *billing.Bill {
	b := &billing.Bill{
		UUID:      r.UUID,
		PatientID: r.Patient.UUID,
		CashPoint: r.CashPoint.UUID,
		Cashier:   r.Cashier.UUID,
		Status:    r.Status,
		LineItems: make([]*billing.BillLineItem, 0, len(r.LineItems)),
	}
	if t, err := time.Parse(dateLayout, r.DateCreated); err == nil {
		b.CreatedAt = t
	}
	for _, li := range r.LineItems {
		line := &billing.BillLineItem{
			UUID:          li.UUID,
			Quantity:      li.Quantity,
			Price:         li.Price,
			PriceName:     li.PriceName,
			PaymentStatus: li.PaymentStatus,
		}
		if li.Item != nil {
			line.Item = li.Item.UUID
		}
		if li.BillableService != nil {
			line.BillableService = li.BillableService.UUID
		}
		b.LineItems = append(b.LineItems, line)
	}
	return b
}

// Search queries stock items or billable services. The category decides
// both the resource and the record shape.
func (c *Client) Search(ctx context.Context, query string, category billing.Category) ([]billing.CatalogRecord, error) {
	switch category {
	case billing.CategoryStockItem:
		var resp listResponse[billing.StockItemRecord]
		q := url.Values{"v": {"default"}, "q": {query}}
		if err := c.do(ctx, http.MethodGet, stockItemPath, q, nil, &resp); err != nil {
			return nil, err
		}
		out := make([]billing.CatalogRecord, 0, len(resp.Results))
		for _, r := range resp.Results {
			out = append(out, billing.RecordFromStockItem(r, c.stockPrice))
		}
		return out, nil

	case billing.CategoryService:
		var resp listResponse[billing.ServiceRecord]
		q := url.Values{"v": {serviceView}, "q": {query}}
		if err := c.do(ctx, http.MethodGet, servicePath, q, nil, &resp); err != nil {
			return nil, err
		}
		out := make([]billing.CatalogRecord, 0, len(resp.Results))
		for _, r := range resp.Results {
			if rec, ok := billing.RecordFromService(r); ok {
				out = append(out, rec)
			} else {
				c.logger.Debug().Str("service_uuid", r.UUID).Msg("skipping billable service without prices")
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid category: %q", category)
}

func (c *Client) Submit(ctx context.Context, payload billing.SubmissionPayload) (*billing.Bill, error) {
	var resp billResource
	if err := c.do(ctx, http.MethodPost, billPath, nil, payload, &resp); err != nil {
		return nil, err
	}
	c.logger.Info().Str("bill_uuid", resp.UUID).Str("patient_id", payload.Patient).Int("lines", len(payload.LineItems)).Msg("bill created in openmrs")
	return resp.toBill(), nil
}

func (c *Client) ListBillsByPatient(ctx context.Context, patientID string) ([]*billing.Bill, error) {
	var resp listResponse[billResource]
	q := url.Values{"v": {"full"}, "patientUuid": {patientID}}
	if err := c.do(ctx, http.MethodGet, billPath, q, nil, &resp); err != nil {
		return nil, err
	}
	bills := make([]*billing.Bill, 0, len(resp.Results))
	for _, r := range resp.Results {
		bills = append(bills, r.toBill())
	}
	return bills, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("openmrs request failed")
		return fmt.Errorf("openmrs %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("openmrs request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	} else if s := strings.TrimSpace(string(raw)); s != "" {
		msg = s
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
