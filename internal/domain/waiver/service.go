// Package waiver lists a patient's unpaid bills for the bill-waiver screen.
package waiver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/platform/cache"
)

// DefaultTTL is how long a fetched bill list is served from cache.
const DefaultTTL = 5 * time.Minute

// BillSource lists bills and names the endpoint they come from.
type BillSource interface {
	billing.BillLister
	Endpoint() string
}

type Service struct {
	bills  BillSource
	cache  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewService(bills BillSource, store cache.Store, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{bills: bills, cache: store, ttl: ttl, logger: logger}
}

// CacheKey is the cache key of a patient's bill list. It starts with the
// bill endpoint so that bill submissions invalidate it.
func (s *Service) CacheKey(patientID string) string {
	return s.bills.Endpoint() + "?patientUuid=" + url.QueryEscape(patientID)
}

// UnpaidBills returns the patient's bills that are not PAID. Bills whose
// patient does not match are dropped as well.
func (s *Service) UnpaidBills(ctx context.Context, patientID string) ([]*billing.Bill, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return []*billing.Bill{}, nil
	}
	all, err := s.billsFor(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]*billing.Bill, 0, len(all))
	for _, b := range all {
		if b == nil || !b.IsUnpaid() || b.PatientID != patientID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Service) billsFor(ctx context.Context, patientID string) ([]*billing.Bill, error) {
	key := s.CacheKey(patientID)
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("bill cache read failed")
		}
		if ok {
			var bills []*billing.Bill
			if err := json.Unmarshal(data, &bills); err == nil {
				return bills, nil
			}
			s.logger.Warn().Str("key", key).Msg("discarding undecodable bill cache entry")
		}
	}

	bills, err := s.bills.ListBillsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list bills for patient %s: %w", patientID, err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(bills); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("bill cache write failed")
			}
		}
	}
	return bills, nil
}
