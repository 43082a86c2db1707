// Package notification is the user-facing message surface of the billing
// workspace. The Manager keeps a short per-session history and forwards every
// message to the configured sinks (WebSocket push, message broker).
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Kind is the severity shown to the operator.
type Kind string

const (
	KindError   Kind = "error"
	KindSuccess Kind = "success"
)

// Notification is a single message for the operator of one session.
type Notification struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	TimeoutMs int       `json:"timeout_ms,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier accepts notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// DefaultHistory is the number of notifications kept per session.
const DefaultHistory = 50

// Manager records notifications per session and fans them out to sinks.
// Sink failures are logged and returned but never prevent recording.
type Manager struct {
	mu        sync.RWMutex
	bySession map[string][]Notification
	history   int
	sinks     []Notifier
	logger    zerolog.Logger
}

// NewManager creates a Manager forwarding to sinks.
func NewManager(logger zerolog.Logger, sinks ...Notifier) *Manager {
	return &Manager{
		bySession: make(map[string][]Notification),
		history:   DefaultHistory,
		sinks:     sinks,
		logger:    logger,
	}
}

// Notify stamps, records, and forwards n.
func (m *Manager) Notify(ctx context.Context, n Notification) error {
	if n.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if n.Kind != KindError && n.Kind != KindSuccess {
		return fmt.Errorf("invalid notification kind: %q", n.Kind)
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	list := append(m.bySession[n.SessionID], n)
	if len(list) > m.history {
		list = list[len(list)-m.history:]
	}
	m.bySession[n.SessionID] = list
	m.mu.Unlock()

	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("session_id", n.SessionID).Str("kind", string(n.Kind)).Msg("notification sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListBySession returns a session's notifications, newest last.
func (m *Manager) ListBySession(sessionID string) []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bySession[sessionID]
	out := make([]Notification, len(list))
	copy(out, list)
	return out
}

// Forget drops a session's history.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySession, sessionID)
}

// Handler serves a session's notification history.
type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
}

func (h *Handler) HandleList(c echo.Context) error {
	sessionID := strings.TrimSpace(c.QueryParam("session_id"))
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	return c.JSON(http.StatusOK, h.mgr.ListBySession(sessionID))
}
