package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/debounce"
	"github.com/ehr/billing/internal/platform/notification"
	"github.com/ehr/billing/internal/platform/websocket"
)

// DefaultSearchTimeout bounds one debounced catalog lookup.
const DefaultSearchTimeout = 10 * time.Second

// Service owns the open billing sessions and the collaborators they use.
type Service struct {
	catalog  CatalogSearcher
	bills    BillStore
	cache    CacheInvalidator
	notifier notification.Notifier
	events   websocket.EventPublisher
	metrics  Metrics
	logger   zerolog.Logger

	submission    SubmissionConfig
	debounce      time.Duration
	searchTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewService(catalog CatalogSearcher, bills BillStore, cache CacheInvalidator, notifier notification.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		catalog:       catalog,
		bills:         bills,
		cache:         cache,
		notifier:      notifier,
		logger:        logger,
		submission:    DefaultSubmissionConfig(),
		debounce:      debounce.DefaultDelay,
		searchTimeout: DefaultSearchTimeout,
		sessions:      make(map[string]*Session),
	}
}

// SetEventPublisher attaches an optional push channel for session events.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// Metrics counts search and submission outcomes.
type Metrics interface {
	Inc(name, label, value string)
}

// SetMetrics attaches an optional metrics registry.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *Service) count(name, label, value string) {
	if s.metrics != nil {
		s.metrics.Inc(name, label, value)
	}
}

// SetSubmissionConfig overrides the cashier identifiers stamped on bills.
func (s *Service) SetSubmissionConfig(cfg SubmissionConfig) {
	s.submission = cfg
}

// SetDebounce changes the search quiescence delay for sessions opened
// afterwards.
func (s *Service) SetDebounce(d time.Duration) {
	if d > 0 {
		s.debounce = d
	}
}

// Open starts a new empty session for patientID.
func (s *Service) Open(patientID string) (*Session, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	sess := newSession(uuid.New().String(), patientID, s)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info().Str("session_id", sess.ID).Str("patient_id", patientID).Msg("billing session opened")
	return sess, nil
}

// Get returns an open session.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Submit submits the session's draft and forgets the session on success.
func (s *Service) Submit(ctx context.Context, id string) (*Bill, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	bill, err := sess.Submit(ctx)
	if err != nil {
		return nil, err
	}
	s.forget(id)
	s.logger.Info().Str("session_id", id).Str("patient_id", sess.PatientID).Str("bill_uuid", bill.UUID).Msg("bill submitted")
	return bill, nil
}

// Discard closes a session without saving.
func (s *Service) Discard(ctx context.Context, id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.Discard(ctx)
	s.forget(id)
	return nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	if m, ok := s.notifier.(*notification.Manager); ok {
		m.Forget(id)
	}
}

// Count returns the number of open sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ReapIdle discards sessions untouched for longer than maxIdle and returns
// how many were removed.
func (s *Service) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.RLock()
	var stale []*Session
	for _, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range stale {
		sess.Discard(ctx)
		s.forget(sess.ID)
		s.logger.Info().Str("session_id", sess.ID).Msg("idle billing session discarded")
	}
	return len(stale)
}

// StartReaper runs ReapIdle every interval until ctx is cancelled.
func (s *Service) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReapIdle(ctx, maxIdle)
			}
		}
	}()
}
