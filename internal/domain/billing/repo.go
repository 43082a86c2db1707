package billing

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound      = errors.New("billing session not found")
	ErrSessionClosed        = errors.New("billing session is closed")
	ErrCategoryRequired     = errors.New("select a category before searching")
	ErrCandidateNotFound    = errors.New("candidate not found in current search results")
	ErrDuplicateLineItem    = errors.New("item is already on the bill")
	ErrLineItemNotFound     = errors.New("line item not found")
	ErrEmptyBill            = errors.New("bill has no line items")
	ErrInvalidLines         = errors.New("bill has line items with invalid quantities")
	ErrSubmissionInProgress = errors.New("bill submission already in progress")
	ErrSubmissionFailed     = errors.New("bill submission failed")
)

// CatalogSearcher looks up billable records for a query within a category.
type CatalogSearcher interface {
	Search(ctx context.Context, query string, category Category) ([]CatalogRecord, error)
}

// Submitter persists a bill.
type Submitter interface {
	Submit(ctx context.Context, payload SubmissionPayload) (*Bill, error)
}

// BillLister lists a patient's bills.
type BillLister interface {
	ListBillsByPatient(ctx context.Context, patientID string) ([]*Bill, error)
}

// CacheInvalidator drops cached views whose keys start with a prefix.
type CacheInvalidator interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// BillStore is a bill backend. Endpoint names the bill collection; cached
// bill views are keyed by URLs that start with it.
type BillStore interface {
	Submitter
	BillLister
	Endpoint() string
}
