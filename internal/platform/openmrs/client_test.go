package openmrs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/billing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/openmrs/", Username: "admin", Password: "Admin123", Timeout: time.Second, StockItemPrice: billing.DefaultStockItemPrice}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: ""}, zerolog.Nop()); err == nil {
		t.Error("expected error for empty base url")
	}
	if _, err := NewClient(Config{BaseURL: "not a url"}, zerolog.Nop()); err == nil {
		t.Error("expected error for relative url")
	}
}

func TestClient_Endpoint(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if got, want := c.Endpoint(), srv.URL+"/openmrs/ws/rest/v1/cashier/bill"; got != want {
		t.Errorf("Endpoint() = %q, want %q", got, want)
	}
}

func TestClient_SearchStockItems(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openmrs/ws/rest/v1/stockmanagement/stockitem" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "band" || r.URL.Query().Get("v") != "default" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "Admin123" {
			t.Error("expected basic auth")
		}
		w.Write([]byte(`{"results":[{"uuid":"s1","commonName":"Bandage"},{"uuid":"s2","commonName":""}]}`))
	})

	recs, err := c.Search(context.Background(), "band", billing.CategoryStockItem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Category != billing.CategoryStockItem || !recs[0].UnitPrice.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestClient_ZeroStockPriceIsKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"uuid":"s1","commonName":"Bandage"}]}`))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, StockItemPrice: decimal.Zero}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	recs, err := c.Search(context.Background(), "band", billing.CategoryStockItem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || !recs[0].UnitPrice.IsZero() {
		t.Errorf("expected configured zero price, got %+v", recs)
	}
}

func TestClient_SearchServices(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openmrs/ws/rest/v1/cashier/billableService" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"results":[
			{"uuid":"v1","name":"Consultation","servicePrices":[{"uuid":"p1","name":"Default","price":500},{"uuid":"p2","name":"Insurance","price":"350.50"}]},
			{"uuid":"v2","name":"Unpriced","servicePrices":[]}
		]}`))
	})

	recs, err := c.Search(context.Background(), "cons", billing.CategoryService)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected unpriced service dropped, got %d records", len(recs))
	}
	if recs[0].ID != "v1" || !recs[0].UnitPrice.Equal(decimal.NewFromInt(500)) {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestClient_SearchInvalidCategory(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := c.Search(context.Background(), "x", "Drug"); err == nil {
		t.Error("expected error")
	}
}

func TestClient_Submit(t *testing.T) {
	var got billing.SubmissionPayload
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/openmrs/ws/rest/v1/cashier/bill" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"uuid":"b1","patient":{"uuid":"p1"},"status":"PENDING","dateCreated":"2024-03-01T09:30:00.000+0000",
			"lineItems":[{"uuid":"l1","item":{"uuid":"s1"},"quantity":2,"price":10,"priceName":"Default","paymentStatus":"PENDING"}]}`))
	})

	payload := billing.SubmissionPayload{
		CashPoint: "cp", Cashier: "ca", Patient: "p1", Status: billing.StatusPending, Payments: []interface{}{},
		LineItems: []billing.SubmissionLineItem{{Item: "s1", Quantity: 2, Price: decimal.NewFromInt(10), PriceName: "Default", PaymentStatus: billing.StatusPending}},
	}
	bill, err := c.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Patient != "p1" || len(got.LineItems) != 1 || got.LineItems[0].Item != "s1" {
		t.Errorf("server received %+v", got)
	}
	if bill.UUID != "b1" || bill.PatientID != "p1" || len(bill.LineItems) != 1 || bill.LineItems[0].Item != "s1" {
		t.Errorf("unexpected bill: %+v", bill)
	}
	if bill.CreatedAt.IsZero() {
		t.Error("expected dateCreated parsed")
	}
	if !bill.Total().Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected total 20, got %s", bill.Total())
	}
}

func TestClient_SubmitError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid Submission","code":"webservices.rest"}}`))
	})

	_, err := c.Submit(context.Background(), billing.SubmissionPayload{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "Invalid Submission" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestClient_ErrorWithoutEnvelope(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.ListBillsByPatient(context.Background(), "p1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != http.StatusText(http.StatusBadGateway) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClient_ListBillsByPatient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("patientUuid") != "p1" || r.URL.Query().Get("v") != "full" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"results":[
			{"uuid":"b1","patient":{"uuid":"p1"},"status":"PAID","lineItems":[]},
			{"uuid":"b2","patient":{"uuid":"p1"},"status":"PENDING","lineItems":[{"uuid":"l1","billableService":{"uuid":"v1"},"quantity":1,"price":"500.00"}]}
		]}`))
	})

	bills, err := c.ListBillsByPatient(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bills) != 2 || bills[1].LineItems[0].BillableService != "v1" {
		t.Fatalf("unexpected bills: %+v", bills)
	}
	if bills[0].IsUnpaid() || !bills[1].IsUnpaid() {
		t.Error("unexpected paid state")
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Search(ctx, "x", billing.CategoryStockItem); err == nil {
		t.Error("expected error for cancelled context")
	}
}
