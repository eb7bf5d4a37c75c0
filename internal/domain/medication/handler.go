package medication

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/auth"
	"github.com/ehr/medtrack/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/medications/", h.ListMedications)
	api.POST("/medications/", h.CreatePrescription)
	api.GET("/medications/:id/", h.GetMedication)
	api.POST("/medications/:id/log_intake/", h.LogIntake)
	api.GET("/medications/:id/logs/", h.ListLogs)
	api.POST("/medications/:id/refill/", h.Refill)
	api.GET("/medications/:id/risk/", h.Risk)
	api.GET("/follow-ups/", h.ListFollowUps)

	// Follow-up management – caregiver, doctor
	mgmt := api.Group("", auth.RequireFollowUpManager())
	mgmt.GET("/medications/at-risk/", h.ListAtRisk)
	mgmt.POST("/medications/scan-followups/", h.Scan)
	mgmt.POST("/follow-ups/", h.CreateFollowUp)
	mgmt.POST("/follow-ups/:id/complete/", h.CompleteFollowUp)
	mgmt.POST("/follow-ups/:id/cancel/", h.CancelFollowUp)
	mgmt.GET("/patients/", h.ListPatients)
}

func identity(c echo.Context) (auth.Identity, error) {
	ident, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "Authentication credentials were not provided.")
	}
	return ident, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "Not found.")
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+": must be a valid UUID.")
	}
	return &id, nil
}

// httpError maps service errors to responses. Messages become the
// "message" field the client shows verbatim.
func (h *Handler) httpError(c echo.Context, err error) error {
	var verr *ValidationError
	var conflict *prescription.ConflictError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, conflict.Message)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Not found.")
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "You do not have permission to perform this action.")
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error.")
}

// -- Medication Handlers --

func (h *Handler) ListMedications(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	patientID, err := optionalUUID(c, "patient")
	if err != nil {
		return err
	}
	meds, err := h.svc.ListMedications(c.Request().Context(), ident, patientID)
	if err != nil {
		return h.httpError(c, err)
	}
	return pagination.Respond(c, http.StatusOK, meds)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	var req prescription.PrescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.CreatePrescription(c.Request().Context(), ident, req)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMedication(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), ident, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListAtRisk(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	meds, err := h.svc.AtRisk(c.Request().Context(), ident)
	if err != nil {
		return h.httpError(c, err)
	}
	return pagination.Respond(c, http.StatusOK, meds)
}

func (h *Handler) LogIntake(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req prescription.IntakeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.svc.LogIntake(c.Request().Context(), ident, id, req)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) ListLogs(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	logs, err := h.svc.Logs(c.Request().Context(), ident, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return pagination.Respond(c, http.StatusOK, logs)
}

func (h *Handler) Refill(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req prescription.RefillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.Refill(c.Request().Context(), ident, id, req.Quantity)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Risk(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	risk, err := h.svc.Risk(c.Request().Context(), ident, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, risk)
}

func (h *Handler) Scan(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	patientID, err := optionalUUID(c, "patient")
	if err != nil {
		return err
	}
	by := ident.UserID
	res, err := h.svc.Scan(c.Request().Context(), patientID, &by)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.svc.Patients(c.Request().Context())
	if err != nil {
		return h.httpError(c, err)
	}
	return pagination.Respond(c, http.StatusOK, patients)
}

// -- Follow-Up Handlers --

func (h *Handler) ListFollowUps(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	filter := FollowUpFilter{
		Status: prescription.Status(c.QueryParam("status")),
		Reason: prescription.Reason(c.QueryParam("reason")),
	}
	if filter.PatientID, err = optionalUUID(c, "patient"); err != nil {
		return err
	}
	if filter.MedicationID, err = optionalUUID(c, "medication"); err != nil {
		return err
	}
	items, err := h.svc.ListFollowUps(c.Request().Context(), ident, filter)
	if err != nil {
		return h.httpError(c, err)
	}
	return pagination.Respond(c, http.StatusOK, items)
}

func (h *Handler) CreateFollowUp(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	var in CreateFollowUpInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := h.svc.CreateFollowUp(c.Request().Context(), ident, in)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) CompleteFollowUp(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.CompleteFollowUp(c.Request().Context(), ident, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) CancelFollowUp(c echo.Context) error {
	ident, err := identity(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.CancelFollowUp(c.Request().Context(), ident, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}
