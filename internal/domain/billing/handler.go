package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing/sessions")
	g.POST("", h.OpenSession)
	g.GET("/:id", h.GetSession)
	g.DELETE("/:id", h.DiscardSession)
	g.PUT("/:id/category", h.SetCategory)
	g.POST("/:id/search", h.Search)
	g.POST("/:id/items", h.AddItem)
	g.PATCH("/:id/items/:item_id", h.UpdateQuantity)
	g.DELETE("/:id/items/:item_id", h.RemoveItem)
	g.GET("/:id/payload", h.PreviewPayload)
	g.POST("/:id/submit", h.Submit)
}

type openSessionRequest struct {
	PatientID string `json:"patient_id" validate:"required,max=64"`
}

type categoryRequest struct {
	Category string `json:"category" validate:"required"`
}

type searchRequest struct {
	Query     string `json:"query" validate:"max=256"`
	Immediate bool   `json:"immediate"`
}

type addItemRequest struct {
	ID string `json:"id" validate:"required"`
}

type quantityRequest struct {
	// Quantity is whatever the operator typed: a JSON number or a string.
	Quantity json.RawMessage `json:"quantity" validate:"required"`
}

type quantityResponse struct {
	Session    View       `json:"session"`
	Validation Validation `json:"validation"`
}

// raw returns the operator's text for the quantity field.
func (r quantityRequest) raw() string {
	var s string
	if err := json.Unmarshal(r.Quantity, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Quantity))
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}

// sessionError maps domain errors onto HTTP status codes.
func sessionError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrLineItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionClosed):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, ErrSubmissionInProgress), errors.Is(err, ErrDuplicateLineItem):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrEmptyBill), errors.Is(err, ErrInvalidLines),
		errors.Is(err, ErrCategoryRequired), errors.Is(err, ErrCandidateNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrSubmissionFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	sess, err := h.svc.Get(c.Param("id"))
	if err != nil {
		return nil, sessionError(err)
	}
	return sess, nil
}

func (h *Handler) OpenSession(c echo.Context) error {
	var req openSessionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	sess, err := h.svc.Open(req.PatientID)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, sess.View())
}

func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) DiscardSession(c echo.Context) error {
	if err := h.svc.Discard(c.Request().Context(), c.Param("id")); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetCategory(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req categoryRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	category, err := ParseCategory(req.Category)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view, err := sess.SetCategory(category)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// Search schedules a debounced lookup and answers 202; candidates arrive on
// the session's WebSocket topic. With "immediate" the lookup runs inline and
// the outcome is returned.
func (h *Handler) Search(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req searchRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Immediate {
		outcome, err := sess.SearchNow(c.Request().Context(), req.Query)
		if err != nil {
			return sessionError(err)
		}
		return c.JSON(http.StatusOK, outcome)
	}
	if err := sess.Search(req.Query); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusAccepted, sess.View())
}

func (h *Handler) AddItem(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req addItemRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	view, err := sess.AddCandidate(c.Request().Context(), req.ID)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

// UpdateQuantity always answers 200 for a known line; an invalid quantity
// is reported in the body rather than as an HTTP error.
func (h *Handler) UpdateQuantity(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var req quantityRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	view, v, err := sess.UpdateQuantity(c.Request().Context(), c.Param("item_id"), req.raw())
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, quantityResponse{Session: view, Validation: v})
}

func (h *Handler) RemoveItem(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	view, err := sess.Remove(c.Request().Context(), c.Param("item_id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) PreviewPayload(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	payload, err := BuildSubmission(sess.Draft(), sess.PatientID, h.svc.submission)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *Handler) Submit(c echo.Context) error {
	bill, err := h.svc.Submit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, bill)
}
