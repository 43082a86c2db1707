package waiver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/waiver/patients/:patient_id/bills", h.ListUnpaidBills)
}

type billSummary struct {
	*billing.Bill
	Total decimal.Decimal `json:"total"`
}

func (h *Handler) ListUnpaidBills(c echo.Context) error {
	patientID := c.Param("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	bills, err := h.svc.UnpaidBills(c.Request().Context(), patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	pg := pagination.FromContext(c)
	page := pagination.Window(bills, pg)
	items := make([]billSummary, 0, len(page))
	for _, b := range page {
		items = append(items, billSummary{Bill: b, Total: b.Total()})
	}
	resp := pagination.NewResponse(items, len(bills), pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, resp)
}
