package scheduling

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/AananditKanwar/SehatSetu/internal/platform/auth"
	"github.com/AananditKanwar/SehatSetu/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Patient-facing endpoints; ownership is checked per record.
	g := api.Group("", auth.RequireAuthenticated())
	g.POST("/intakes", h.CreateIntake)
	g.GET("/intakes", h.ListIntakes)
	g.GET("/intakes/:id", h.GetIntake)
	g.POST("/intakes/:id/booking", h.RequestBooking)
	g.POST("/intakes/:id/cancel", h.CancelIntake)
	g.DELETE("/intakes/:id", h.DeleteIntake)
	g.GET("/slots", h.AvailableSlots)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PATCH("/intakes/:id/status", h.UpdateStatus)
	admin.PATCH("/intakes/:id", h.AnnotateIntake)
}

func callerFrom(c echo.Context) Caller {
	ctx := c.Request().Context()
	return Caller{AccountID: auth.UserIDFromContext(ctx), Admin: auth.IsAdmin(ctx)}
}

// bindStrict decodes a single JSON object, rejecting unknown fields.
func bindStrict(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: trailing data")
	}
	return nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps service errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSlotConflict), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record store unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func (h *Handler) CreateIntake(c echo.Context) error {
	var in IntakeInput
	if err := bindStrict(c, &in); err != nil {
		return err
	}
	rec, err := h.svc.CreateIntake(c.Request().Context(), callerFrom(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListIntakes(c echo.Context) error {
	caller := callerFrom(c)
	owner := c.QueryParam("owner")
	all := c.QueryParam("all") == "true"
	if !caller.Admin {
		if all || (owner != "" && owner != caller.AccountID) {
			return echo.NewHTTPError(http.StatusForbidden, "listing other accounts requires admin")
		}
		owner = caller.AccountID
	} else if all {
		owner = ""
	}

	recs, err := h.svc.ListIntakes(c.Request().Context(), owner)
	if err != nil {
		return httpError(err)
	}
	p := pagination.FromContext(c)
	query := url.Values{}
	for k, v := range c.QueryParams() {
		if k != "limit" && k != "offset" {
			query[k] = v
		}
	}
	resp := pagination.NewResponse(pagination.Slice(recs, p), len(recs), p.Limit, p.Offset).
		WithLinks(c.Request().URL.Path, query)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetIntake(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetIntake(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if ActorFor(callerFrom(c), rec) == ActorOther {
		return echo.NewHTTPError(http.StatusForbidden, ErrForbidden.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

type bookingRequest struct {
	Day  string `json:"day"`
	Slot string `json:"slot"`
}

func (h *Handler) RequestBooking(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req bookingRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.RequestBooking(c.Request().Context(), callerFrom(c), id, req.Day, req.Slot)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req StatusUpdate
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.UpdateStatus(c.Request().Context(), callerFrom(c), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type annotateRequest struct {
	Doctor *string `json:"doctor"`
	Notes  *string `json:"notes"`
}

func (h *Handler) AnnotateIntake(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req annotateRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.AnnotateIntake(c.Request().Context(), callerFrom(c), id, req.Doctor, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CancelIntake(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CancelIntake(c.Request().Context(), callerFrom(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteIntake(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteIntake(c.Request().Context(), callerFrom(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	day := c.QueryParam("day")
	slots, err := h.svc.AvailableSlots(c.Request().Context(), day)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"day":       day,
		"available": slots,
		"catalog":   h.svc.Catalog().Labels(),
	})
}
