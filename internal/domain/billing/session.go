package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/debounce"
	"github.com/ehr/billing/internal/platform/notification"
	"github.com/ehr/billing/internal/platform/websocket"
)

// Notification titles shown to the operator.
const (
	TitleSaveBill        = "Save Bill"
	TitleBillError       = "Bill processing error"
	MessageBillSaved     = "Bill processing has been successful"
	successTimeoutMillis = 3000
)

// View is a consistent snapshot of a session for rendering.
type View struct {
	ID            string          `json:"id"`
	PatientID     string          `json:"patient_id"`
	Category      Category        `json:"category,omitempty"`
	Query         string          `json:"query"`
	Items         []LineItem      `json:"items"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	Candidates    []LineItem      `json:"candidates"`
	NoResults     bool            `json:"no_results"`
	Reason        NoResultsReason `json:"reason,omitempty"`
	Message       string          `json:"message,omitempty"`
	HasInvalid    bool            `json:"has_invalid_lines"`
	SubmitEnabled bool            `json:"submit_enabled"`
	Submitting    bool            `json:"submitting"`
	Closed        bool            `json:"closed"`
}

// Session is one operator's bill-editing workspace for a patient. All state
// changes happen under mu so each operation is a single atomic step; network
// calls (catalog search, submission) run outside the lock.
type Session struct {
	ID        string
	PatientID string

	svc       *Service
	debouncer *debounce.Debouncer
	seq       debounce.Sequencer

	mu           sync.Mutex
	category     Category
	query        string
	draft        Draft
	lastResult   SearchResult
	outcome      FilterOutcome
	submitting   bool
	closed       bool
	lastActivity time.Time
}

func newSession(id, patientID string, svc *Service) *Session {
	return &Session{
		ID:           id,
		PatientID:    patientID,
		svc:          svc,
		debouncer:    debounce.New(svc.debounce),
		outcome:      FilterOutcome{Candidates: []LineItem{}},
		lastActivity: time.Now(),
	}
}

// View returns the current snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	hasInvalid := s.draft.HasInvalidLines()
	candidates := make([]LineItem, len(s.outcome.Candidates))
	copy(candidates, s.outcome.Candidates)
	return View{
		ID:            s.ID,
		PatientID:     s.PatientID,
		Category:      s.category,
		Query:         s.query,
		Items:         s.draft.Items(),
		GrandTotal:    s.draft.GrandTotal(),
		Candidates:    candidates,
		NoResults:     s.outcome.NoResults,
		Reason:        s.outcome.Reason,
		Message:       s.outcome.Message,
		HasInvalid:    hasInvalid,
		SubmitEnabled: s.draft.Len() > 0 && !hasInvalid && !s.submitting && !s.closed,
		Submitting:    s.submitting,
		Closed:        s.closed,
	}
}

// Draft returns the current draft snapshot.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// lock acquires mu and fails if the session has been closed.
func (s *Session) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.lastActivity = time.Now()
	return nil
}

// SetCategory selects what the search box looks up. Changing category
// clears the query and any shown candidates.
func (s *Session) SetCategory(category Category) (View, error) {
	if err := s.lock(); err != nil {
		return View{}, err
	}
	if s.category != category {
		s.category = category
		s.query = ""
		s.lastResult = SearchResult{}
		s.outcome = FilterOutcome{Candidates: []LineItem{}}
		s.seq.Next()
	}
	v := s.viewLocked()
	s.mu.Unlock()
	return v, nil
}

// Search records the query and schedules a catalog lookup once input has
// been quiet for the debounce delay. Results land asynchronously.
func (s *Session) Search(query string) error {
	if err := s.lock(); err != nil {
		return err
	}
	if s.category == "" {
		s.mu.Unlock()
		return ErrCategoryRequired
	}
	s.query = query
	category := s.category
	s.mu.Unlock()

	scheduled := s.debouncer.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.svc.searchTimeout)
		defer cancel()
		s.runSearch(ctx, query, category)
	})
	if !scheduled {
		return ErrSessionClosed
	}
	return nil
}

// SearchNow runs the lookup immediately and returns the outcome that is
// current once it completes. If a newer query finished first, that newer
// outcome is returned.
func (s *Session) SearchNow(ctx context.Context, query string) (FilterOutcome, error) {
	if err := s.lock(); err != nil {
		return FilterOutcome{}, err
	}
	if s.category == "" {
		s.mu.Unlock()
		return FilterOutcome{}, ErrCategoryRequired
	}
	s.query = query
	category := s.category
	s.mu.Unlock()

	s.runSearch(ctx, query, category)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, nil
}

func (s *Session) runSearch(ctx context.Context, query string, category Category) {
	seq := s.seq.Next()
	records, err := s.svc.catalog.Search(ctx, query, category)
	if err != nil {
		s.svc.logger.Warn().Err(err).Str("session_id", s.ID).Str("query", query).Uint64("seq", seq).Msg("catalog search failed")
	}
	s.applySearch(ctx, seq, query, SearchResult{Records: records, Err: err})
}

// applySearch installs a search response unless a newer query was issued
// after it.
func (s *Session) applySearch(ctx context.Context, seq uint64, query string, res SearchResult) bool {
	s.mu.Lock()
	if s.closed || !s.seq.IsLatest(seq) {
		s.mu.Unlock()
		s.svc.count("billing_searches_total", "outcome", "stale")
		s.svc.logger.Debug().Str("session_id", s.ID).Uint64("seq", seq).Str("query", query).Msg("discarding stale search response")
		return false
	}
	s.lastResult = res
	s.outcome = FilterCandidates(query, res, s.draft)
	outcome := s.outcome
	s.mu.Unlock()

	result := "ok"
	if outcome.NoResults {
		result = string(outcome.Reason)
	}
	s.svc.count("billing_searches_total", "outcome", result)

	s.publish(ctx, websocket.EventCandidates, outcome)
	return true
}

// AddCandidate moves a shown candidate onto the draft. The search box and
// candidate list are cleared afterwards.
func (s *Session) AddCandidate(ctx context.Context, id string) (View, error) {
	if err := s.lock(); err != nil {
		return View{}, err
	}
	if s.draft.Contains(id) {
		s.mu.Unlock()
		return View{}, ErrDuplicateLineItem
	}
	var candidate *LineItem
	for i := range s.outcome.Candidates {
		if s.outcome.Candidates[i].ID == id {
			candidate = &s.outcome.Candidates[i]
			break
		}
	}
	if candidate == nil {
		s.mu.Unlock()
		return View{}, ErrCandidateNotFound
	}
	s.draft = s.draft.Add(*candidate)
	s.query = ""
	s.lastResult = SearchResult{}
	s.outcome = FilterOutcome{Candidates: []LineItem{}}
	s.seq.Next()
	v := s.viewLocked()
	s.mu.Unlock()

	s.debouncer.Cancel()
	s.publish(ctx, websocket.EventDraft, v)
	return v, nil
}

// UpdateQuantity applies operator input to line id. An invalid quantity is
// kept on the line, zeroes its total and is reported to the operator.
func (s *Session) UpdateQuantity(ctx context.Context, id, raw string) (View, Validation, error) {
	if err := s.lock(); err != nil {
		return View{}, Validation{}, err
	}
	if !s.draft.Contains(id) {
		s.mu.Unlock()
		return View{}, Validation{}, ErrLineItemNotFound
	}
	var v Validation
	s.draft, v = s.draft.SetQuantityInput(id, raw)
	view := s.viewLocked()
	s.mu.Unlock()

	if !v.Valid {
		s.notify(ctx, notification.Notification{Title: TitleSaveBill, Kind: notification.KindError, Message: v.Reason})
	}
	s.publish(ctx, websocket.EventDraft, view)
	return view, v, nil
}

// Remove drops line id. Removing an absent line changes nothing. Candidates
// are re-filtered so the removed record can be offered again.
func (s *Session) Remove(ctx context.Context, id string) (View, error) {
	if err := s.lock(); err != nil {
		return View{}, err
	}
	if !s.draft.Contains(id) {
		v := s.viewLocked()
		s.mu.Unlock()
		return v, nil
	}
	s.draft = s.draft.Remove(id)
	if s.query != "" || len(s.lastResult.Records) > 0 {
		s.outcome = FilterCandidates(s.query, s.lastResult, s.draft)
	}
	v := s.viewLocked()
	s.mu.Unlock()

	s.publish(ctx, websocket.EventDraft, v)
	return v, nil
}

// Submit sends the draft to the bill store once. On success the bill cache
// is invalidated and the session closes; on failure the draft is kept for
// a retry.
func (s *Session) Submit(ctx context.Context) (*Bill, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	if s.submitting {
		s.mu.Unlock()
		return nil, ErrSubmissionInProgress
	}
	payload, err := BuildSubmission(s.draft, s.PatientID, s.svc.submission)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.submitting = true
	s.mu.Unlock()

	bill, err := s.svc.bills.Submit(ctx, payload)

	s.mu.Lock()
	s.submitting = false
	if err != nil {
		s.mu.Unlock()
		s.svc.count("billing_submissions_total", "result", "failure")
		s.svc.logger.Error().Err(err).Str("session_id", s.ID).Str("patient_id", s.PatientID).Msg("bill submission failed")
		s.notify(ctx, notification.Notification{Title: TitleBillError, Kind: notification.KindError, Message: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	s.closed = true
	s.mu.Unlock()
	s.debouncer.Stop()
	s.svc.count("billing_submissions_total", "result", "success")

	if s.svc.cache != nil {
		prefix := s.svc.bills.Endpoint()
		if n, err := s.svc.cache.DeletePrefix(ctx, prefix); err != nil {
			s.svc.logger.Warn().Err(err).Str("prefix", prefix).Msg("bill cache invalidation failed")
		} else {
			s.svc.logger.Debug().Int("removed", n).Str("prefix", prefix).Msg("bill cache invalidated")
		}
	}
	s.notify(ctx, notification.Notification{Title: TitleSaveBill, Kind: notification.KindSuccess, Message: MessageBillSaved, TimeoutMs: successTimeoutMillis})
	s.publish(ctx, websocket.EventClosed, bill)
	return bill, nil
}

// Discard closes the session without saving.
func (s *Session) Discard(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.debouncer.Stop()
	s.publish(ctx, websocket.EventClosed, nil)
}

func (s *Session) notify(ctx context.Context, n notification.Notification) {
	if s.svc.notifier == nil {
		return
	}
	n.SessionID = s.ID
	if err := s.svc.notifier.Notify(ctx, n); err != nil {
		s.svc.logger.Warn().Err(err).Str("session_id", s.ID).Msg("notification failed")
	}
}

func (s *Session) publish(ctx context.Context, eventType string, data interface{}) {
	if s.svc.events == nil {
		return
	}
	event, err := websocket.NewSessionEvent(eventType, s.ID, data)
	if err == nil {
		err = s.svc.events.Publish(ctx, event)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.svc.logger.Warn().Err(err).Str("session_id", s.ID).Str("event", eventType).Msg("publish session event failed")
	}
}
