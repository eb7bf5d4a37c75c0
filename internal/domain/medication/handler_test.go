package medication

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medtrack/internal/domain/prescription"
	"github.com/ehr/medtrack/internal/platform/auth"
	"github.com/ehr/medtrack/internal/platform/session"
)

// routerFor mounts the handler under /api with caller as the authenticated
// identity. Tests switch callers by assigning *caller.
func routerFor(f *fixture, caller *auth.Identity) *echo.Echo {
	e := echo.New()
	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if caller != nil && caller.UserID != uuid.Nil {
				ctx := auth.WithIdentity(c.Request().Context(), *caller)
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	})
	NewHandler(f.svc, f.svc.logger).RegisterRoutes(api)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Message
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	e := routerFor(f, nil)

	rec := do(e, http.MethodGet, "/api/medications/", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_ListMedications(t *testing.T) {
	f := newFixture(t)
	med := f.prescribe(t, 30, 30, 5)
	caller := f.patient
	e := routerFor(f, &caller)

	rec := do(e, http.MethodGet, "/api/medications/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var meds []prescription.Medication
	if err := json.Unmarshal(rec.Body.Bytes(), &meds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(meds) != 1 || meds[0].ID != med.ID || meds[0].ComplianceRate == nil {
		t.Errorf("unexpected list %+v", meds)
	}

	rec = do(e, http.MethodGet, "/api/medications/?limit=1", "")
	var page struct {
		Count   int                       `json:"count"`
		Results []prescription.Medication `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil || page.Count != 1 || len(page.Results) != 1 {
		t.Errorf("expected a results envelope when paged, got %s", rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/medications/?patient=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed patient id, got %d", rec.Code)
	}
}

func TestHandler_GetMedication(t *testing.T) {
	f := newFixture(t)
	med := f.prescribe(t, 30, 30, 5)
	stranger := auth.Identity{UserID: uuid.New(), Role: session.RolePatient}
	e := routerFor(f, &stranger)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"malformed id", "/api/medications/42/", http.StatusNotFound},
		{"unknown id", "/api/medications/" + uuid.NewString() + "/", http.StatusNotFound},
		{"other patient", "/api/medications/" + med.ID.String() + "/", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodGet, tt.path, "")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandler_LogIntake(t *testing.T) {
	f := newFixture(t)
	med := f.prescribe(t, 30, 2, 5)
	caller := f.patient
	e := routerFor(f, &caller)
	path := "/api/medications/" + med.ID.String() + "/log_intake/"

	rec := do(e, http.MethodPost, path, `{"doses_taken": 0}`)
	if rec.Code != http.StatusBadRequest || message(t, rec) != "doses_taken: Must be at least 1." {
		t.Errorf("expected doses validation, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, path, `{"doses_taken": 2, "notes": "evening"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, path, `{"doses_taken": 1}`)
	if rec.Code != http.StatusBadRequest || message(t, rec) != "Not enough remaining quantity to log this intake." {
		t.Errorf("expected supply rejection, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ManagerRoutes(t *testing.T) {
	f := newFixture(t)
	med := f.prescribe(t, 30, 30, 5)
	caller := f.patient
	e := routerFor(f, &caller)
	body := `{"medication": "` + med.ID.String() + `", "reason": "no_logs"}`

	for _, path := range []string{"/api/follow-ups/", "/api/medications/scan-followups/"} {
		if rec := do(e, http.MethodPost, path, body); rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403 for a patient, got %d", path, rec.Code)
		}
	}
	for _, path := range []string{"/api/patients/", "/api/medications/at-risk/"} {
		if rec := do(e, http.MethodGet, path, ""); rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403 for a patient, got %d", path, rec.Code)
		}
	}

	caller = f.doctor
	rec := do(e, http.MethodGet, "/api/patients/", "")
	var patients []prescription.Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &patients); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(patients) != 1 || patients[0].ID != f.patient.UserID || patients[0].Name != "Ana Diaz" {
		t.Errorf("unexpected patients %+v", patients)
	}
}

func TestHandler_FollowUpLifecycle(t *testing.T) {
	f := newFixture(t)
	med := f.prescribe(t, 30, 30, 5)
	caller := f.doctor
	e := routerFor(f, &caller)

	rec := do(e, http.MethodPost, "/api/follow-ups/", `{"medication": "`+med.ID.String()+`", "reason": "high_risk", "notes": "call"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created prescription.FollowUp
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != prescription.StatusPending || created.DueAt == nil || !created.DueAt.Equal(testNow) {
		t.Errorf("unexpected follow-up %+v", created)
	}

	rec = do(e, http.MethodPost, "/api/follow-ups/", `{"medication": "`+med.ID.String()+`", "reason": "high_risk"}`)
	if rec.Code != http.StatusConflict || !strings.Contains(message(t, rec), "already has a pending follow-up") {
		t.Errorf("expected 409 for a second pending high_risk follow-up, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/follow-ups/", `{"medication": "`+med.ID.String()+`", "reason": "bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown reason, got %d", rec.Code)
	}

	path := "/api/follow-ups/" + created.ID.String()
	if rec := do(e, http.MethodPost, path+"/complete/", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, path+"/cancel/", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 after completion, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/follow-ups/?status=completed", "")
	var items []prescription.FollowUp
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].MedicationName != "Metformin" {
		t.Errorf("unexpected completed list %+v", items)
	}

	if rec := do(e, http.MethodGet, "/api/follow-ups/?status=archived", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown status, got %d", rec.Code)
	}
}

func TestHandler_Scan(t *testing.T) {
	f := newFixture(t)
	f.prescribe(t, 30, 3, 5)
	caller := f.doctor
	e := routerFor(f, &caller)

	rec := do(e, http.MethodPost, "/api/medications/scan-followups/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res prescription.ScanResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total() != 4 || len(res.Created) != 4 {
		t.Errorf("expected one follow-up per reason, got %v", res.Created)
	}

	rec = do(e, http.MethodGet, "/api/medications/at-risk/", "")
	var atRisk []prescription.Medication
	if err := json.Unmarshal(rec.Body.Bytes(), &atRisk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(atRisk) != 1 || atRisk[0].PendingFollowUpsCount != 4 {
		t.Errorf("unexpected at-risk list %+v", atRisk)
	}
}

func TestHandler_RefillAndRisk(t *testing.T) {
	f := newFixture(t)
	med := f.prescribe(t, 30, 4, 5)
	caller := f.patient
	e := routerFor(f, &caller)
	base := "/api/medications/" + med.ID.String()

	rec := do(e, http.MethodPost, base+"/refill/", `{"quantity": 30}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var m prescription.Medication
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.RemainingQuantity != 34 || m.TotalQuantity != 34 || *m.NeedsRefill {
		t.Errorf("unexpected refill result %+v", m)
	}

	rec = do(e, http.MethodGet, base+"/risk/", "")
	var risk prescription.RiskAssessment
	if err := json.Unmarshal(rec.Body.Bytes(), &risk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if risk.RiskLevel == "" || risk.ComplianceRate != 0 {
		t.Errorf("unexpected risk %+v", risk)
	}
}
