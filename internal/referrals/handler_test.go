package referrals

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbridge-health/referral-platform/internal/auth"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

type handlerFixture struct {
	*serviceFixture
	router http.Handler
	actor  uuid.UUID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	sf := newServiceFixture(t)
	h := NewHandler(sf.svc, logging.NewWithWriter("error", io.Discard))
	return &handlerFixture{
		serviceFixture: sf,
		router:         h.Routes(),
		actor:          uuid.New(),
	}
}

// do issues a request with a session user attached, the way the auth
// middleware would.
func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.ContextWithUserID(req.Context(), f.actor))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateReferral(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/", validCreateRequest())

	require.Equal(t, http.StatusCreated, rec.Code)
	var ref Referral
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ref))
	assert.Equal(t, StatusPending, ref.Status)
	assert.Equal(t, f.actor, ref.CreatedBy)
}

func TestHandlerCreateRequiresSession(t *testing.T) {
	f := newHandlerFixture(t)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(validCreateRequest()))
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.store.referrals)
}

func TestHandlerCreateValidationErrorIs422(t *testing.T) {
	f := newHandlerFixture(t)

	req := validCreateRequest()
	req.PatientName = ""
	rec := f.do(t, http.MethodPost, "/", req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "patient_name")
}

func TestHandlerScheduleAndConflicts(t *testing.T) {
	f := newHandlerFixture(t)
	ref := f.create(t, false)
	slot := f.now.Add(48 * time.Hour)

	rec := f.do(t, http.MethodPost, "/"+ref.ID.String()+"/schedule",
		map[string]any{"scheduled_date": slot.Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, rec.Code)

	var scheduled Referral
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scheduled))
	assert.Equal(t, StatusScheduled, scheduled.Status)

	// Scheduling again conflicts with the current state.
	rec = f.do(t, http.MethodPost, "/"+ref.ID.String()+"/schedule",
		map[string]any{"scheduled_date": slot.Format(time.RFC3339)})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SCHEDULED", resp["from"])
	assert.Equal(t, "SCHEDULED", resp["to"])
}

func TestHandlerMarkMissedBeforeSlotIs409(t *testing.T) {
	f := newHandlerFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 48*time.Hour)

	rec := f.do(t, http.MethodPost, "/"+ref.ID.String()+"/mark-missed", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not allowed before scheduled date")
}

func TestHandlerUnknownReferralIs404(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/"+uuid.New().String()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerBadReferralIDIs400(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerListFilters(t *testing.T) {
	f := newHandlerFixture(t)
	ref := f.create(t, true)
	f.create(t, false)

	rec := f.do(t, http.MethodGet, "/?high_risk=true&status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListReferralsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, ref.ID, resp.Referrals[0].ID)

	rec = f.do(t, http.MethodGet, "/?status=SOMEDAY", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/?high_risk=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerHistory(t *testing.T) {
	f := newHandlerFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 48*time.Hour)

	rec := f.do(t, http.MethodGet, "/"+ref.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		History []StatusHistoryEntry `json:"history"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, StatusPending, resp.History[0].Status)
	assert.Equal(t, StatusScheduled, resp.History[1].Status)
}

func TestHandlerRescheduleReason(t *testing.T) {
	f := newHandlerFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 48*time.Hour)

	rec := f.do(t, http.MethodPost, "/"+ref.ID.String()+"/reschedule", map[string]any{
		"new_datetime": f.now.Add(96 * time.Hour).Format(time.RFC3339),
		"reason":       "patient request",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var moved Referral
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	require.NotNil(t, moved.ScheduledDate)
	assert.Equal(t, f.now.Add(96*time.Hour), moved.ScheduledDate.UTC())
}
