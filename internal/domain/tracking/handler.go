package tracking

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/domain/followup"
	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/domain/scan"
	"github.com/ehr/medtrack/pkg/pagination"
)

// Handler serves one signed-in session's tracking view, follow-up manager
// and scan trigger as JSON for a local front end.
type Handler struct {
	vm        *ViewModel
	followUps *followup.Manager
	scan      *scan.Trigger
	logger    zerolog.Logger
}

func NewHandler(vm *ViewModel, followUps *followup.Manager, trigger *scan.Trigger, logger zerolog.Logger) *Handler {
	return &Handler{vm: vm, followUps: followUps, scan: trigger, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/view/", h.View)
	g.POST("/view/reload/", h.Reload)
	g.POST("/view/select/", h.Select)
	g.GET("/patients/", h.Patients)
	g.POST("/medications/:id/dose/", h.LogDose)
	g.GET("/medications/:id/history/", h.History)

	mgmt := g.Group("", h.requireManager)
	mgmt.GET("/follow-ups/", h.ListFollowUps)
	mgmt.POST("/medications/:id/follow-up/", h.CreateFollowUp)
	mgmt.POST("/medications/:id/quick-follow-up/", h.QuickFollowUp)
	mgmt.POST("/follow-ups/:id/complete/", h.CompleteFollowUp)
	mgmt.POST("/follow-ups/:id/cancel/", h.CancelFollowUp)
	mgmt.GET("/at-risk/", h.AtRisk)
	mgmt.POST("/scan/", h.Scan)
}

func (h *Handler) requireManager(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !h.vm.Variant().ManagesFollowUps() {
			return echo.NewHTTPError(http.StatusForbidden, "Follow-ups are managed by caregivers and doctors.")
		}
		return next(c)
	}
}

// ViewState is the rendered tracking view.
type ViewState struct {
	Title            string              `json:"title"`
	Role             string              `json:"role"`
	SelectsPatient   bool                `json:"selects_patient"`
	ManagesFollowUps bool                `json:"manages_followups"`
	Loading          bool                `json:"loading"`
	Cards            []Card              `json:"cards"`
	Alert            *prescription.Alert `json:"alert,omitempty"`
}

func (h *Handler) state() ViewState {
	v := h.vm.Variant()
	s := ViewState{
		Title:            v.Title(),
		Role:             string(v.Role()),
		SelectsPatient:   v.SelectsPatient(),
		ManagesFollowUps: v.ManagesFollowUps(),
		Loading:          h.vm.Loading(),
		Cards:            h.vm.Cards(),
	}
	if a, ok := h.vm.Alert(); ok {
		s.Alert = &a
	}
	return s
}

// failure answers with the inline alert for err, keeping the backend's
// error status where there is one. A backend answer that could not be
// decoded is a bad gateway.
func (h *Handler) failure(c echo.Context, action string, err error) error {
	status := http.StatusInternalServerError
	alert := prescription.AlertFor(action, err)
	var conflict *prescription.ConflictError
	var apiErr *prescription.APIError
	switch {
	case errors.Is(err, followup.ErrAlreadyPending):
		status = http.StatusConflict
		if a, ok := h.followUps.Alert(); ok {
			alert = a
		}
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &apiErr):
		status = apiErr.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
	case errors.Is(err, prescription.ErrNetwork):
		status = http.StatusBadGateway
	default:
		h.logger.Error().Err(err).Str("action", action).Msg("tracking request failed")
	}
	return c.JSON(status, alert)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "Not found.")
	}
	return id, nil
}

// -- View --

func (h *Handler) View(c echo.Context) error {
	return c.JSON(http.StatusOK, h.state())
}

func (h *Handler) Reload(c echo.Context) error {
	// Load failures are already on the view as its alert.
	_ = h.vm.Load(c.Request().Context())
	return c.JSON(http.StatusOK, h.state())
}

type selectRequest struct {
	PatientID *uuid.UUID `json:"patient_id"`
}

func (h *Handler) Select(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.vm.Select(req.PatientID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	_ = h.vm.Load(c.Request().Context())
	return c.JSON(http.StatusOK, h.state())
}

func (h *Handler) Patients(c echo.Context) error {
	return pagination.Respond(c, http.StatusOK, h.vm.Patients(c.Request().Context()))
}

type doseRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) LogDose(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req doseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, err := h.vm.LogDose(c.Request().Context(), id, req.Notes); err != nil {
		return h.failure(c, "log medication intake", err)
	}
	return c.JSON(http.StatusCreated, h.state())
}

func (h *Handler) History(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	logs, err := h.vm.History(c.Request().Context(), id)
	if err != nil {
		return h.failure(c, "load medication history", err)
	}
	return pagination.Respond(c, http.StatusOK, logs)
}

// -- Follow-ups --

func (h *Handler) ListFollowUps(c echo.Context) error {
	filter := prescription.FollowUpFilter{
		Status: prescription.Status(c.QueryParam("status")),
		Reason: prescription.Reason(c.QueryParam("reason")),
	}
	if err := h.followUps.SetFilter(c.Request().Context(), filter); err != nil {
		return h.failure(c, "load follow-ups", err)
	}
	return pagination.Respond(c, http.StatusOK, h.followUps.Items())
}

type followUpRequest struct {
	Reason prescription.Reason `json:"reason"`
	Notes  string              `json:"notes"`
	Date   string              `json:"date"`
	Time   string              `json:"time"`
}

func (h *Handler) loaded(c echo.Context) (prescription.Medication, error) {
	id, err := pathID(c)
	if err != nil {
		return prescription.Medication{}, err
	}
	m, ok := h.vm.Medication(id)
	if !ok {
		return prescription.Medication{}, echo.NewHTTPError(http.StatusNotFound, "Medication is not in the current view.")
	}
	return m, nil
}

func (h *Handler) CreateFollowUp(c echo.Context) error {
	m, err := h.loaded(c)
	if err != nil {
		return err
	}
	var req followUpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	form := h.followUps.OpenForm(&m)
	if req.Reason != "" {
		form.Reason = req.Reason
	}
	form.Notes, form.Date, form.Time = req.Notes, req.Date, req.Time

	created, err := h.followUps.Create(c.Request().Context(), form)
	switch {
	case errors.Is(err, followup.ErrSubmitting):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, followup.ErrAlreadyPending):
		return h.failure(c, "create follow-up", err)
	case err != nil:
		if a, ok := h.followUps.Alert(); ok && !isTransport(err) {
			return c.JSON(http.StatusBadRequest, a)
		}
		return h.failure(c, "create follow-up", err)
	}
	return c.JSON(http.StatusCreated, created)
}

// isTransport reports whether err came from the backend rather than from
// form validation.
func isTransport(err error) bool {
	return errors.Is(err, prescription.ErrAPI) || errors.Is(err, prescription.ErrNetwork) || errors.Is(err, prescription.ErrConflict)
}

func (h *Handler) QuickFollowUp(c echo.Context) error {
	m, err := h.loaded(c)
	if err != nil {
		return err
	}
	created, err := h.followUps.QuickCreate(c.Request().Context(), &m)
	if err != nil {
		return h.failure(c, "create follow-up", err)
	}
	return c.JSON(http.StatusCreated, created)
}

type transitionResponse struct {
	Outcome followup.Outcome    `json:"outcome"`
	Alert   *prescription.Alert `json:"alert,omitempty"`
}

func (h *Handler) transition(c echo.Context, run func(uuid.UUID) (followup.Outcome, error)) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	outcome, err := run(id)
	if err != nil {
		return h.failure(c, "update follow-up", err)
	}
	resp := transitionResponse{Outcome: outcome}
	if a, ok := h.followUps.Alert(); ok {
		resp.Alert = &a
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CompleteFollowUp(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID) (followup.Outcome, error) {
		return h.followUps.Complete(c.Request().Context(), id)
	})
}

func (h *Handler) CancelFollowUp(c echo.Context) error {
	return h.transition(c, func(id uuid.UUID) (followup.Outcome, error) {
		return h.followUps.Cancel(c.Request().Context(), id)
	})
}

func (h *Handler) AtRisk(c echo.Context) error {
	meds, err := h.followUps.AtRisk(c.Request().Context())
	if err != nil {
		return h.failure(c, "load at-risk medications", err)
	}
	return pagination.Respond(c, http.StatusOK, meds)
}

type scanResponse struct {
	*scan.Report
	Summary string `json:"summary"`
}

func (h *Handler) Scan(c echo.Context) error {
	report, err := h.scan.Run(c.Request().Context())
	switch {
	case errors.Is(err, scan.ErrNotPermitted):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, scan.ErrRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return h.failure(c, "scan for follow-ups", err)
	}
	// New follow-ups change pending counts on the cards.
	_ = h.vm.Load(c.Request().Context())
	return c.JSON(http.StatusOK, scanResponse{Report: report, Summary: report.Summary()})
}
