package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbridge-health/referral-platform/internal/auth"
	"github.com/northbridge-health/referral-platform/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter("error", io.Discard)
}

type fakeAlertStore struct {
	mu      sync.Mutex
	created []Alert
	read    []uuid.UUID
}

func (f *fakeAlertStore) Create(_ context.Context, a *Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *a)
	return nil
}

func (f *fakeAlertStore) ListOpen(_ context.Context, _ uuid.UUID, _ int) ([]Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Alert(nil), f.created...), nil
}

func (f *fakeAlertStore) ListForReferral(_ context.Context, _ uuid.UUID) ([]Alert, error) {
	return nil, nil
}

func (f *fakeAlertStore) MarkRead(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, id)
	return nil
}

func (f *fakeAlertStore) Dismiss(_ context.Context, _ uuid.UUID) error { return nil }

type capturingHub struct {
	mu        sync.Mutex
	published []Alert
}

func (c *capturingHub) Publish(a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, a)
}

func TestServiceBroadcast(t *testing.T) {
	store := &fakeAlertStore{}
	hub := &capturingHub{}
	svc := NewService(store, hub, testLogger())
	refID := uuid.New()

	err := svc.Broadcast(context.Background(), refID, TypeHighRiskEscalation, PriorityUrgent, "patient missed appointment")
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	created := store.created[0]
	assert.Equal(t, refID, created.ReferralID)
	assert.Nil(t, created.UserID, "broadcast alerts have no target user")
	assert.Equal(t, TypeHighRiskEscalation, created.Type)
	assert.Equal(t, PriorityUrgent, created.Priority)
	assert.False(t, created.IsRead)

	require.Len(t, hub.published, 1)
	assert.Equal(t, created.ID, hub.published[0].ID)
}

func TestServiceNotifyTargetsUser(t *testing.T) {
	store := &fakeAlertStore{}
	svc := NewService(store, nil, testLogger())
	userID := uuid.New()

	err := svc.Notify(context.Background(), uuid.New(), userID, TypeFollowUpRequired, PriorityHigh, "call back requested")
	require.NoError(t, err)
	require.Len(t, store.created, 1)
	require.NotNil(t, store.created[0].UserID)
	assert.Equal(t, userID, *store.created[0].UserID)
}

func TestRepositoryListOpenOrdersByPriority(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)
	userID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "referral_id", "user_id", "type", "priority", "message", "is_read", "is_dismissed", "created_at"}).
		AddRow(uuid.New().String(), uuid.New().String(), nil, TypeHighRiskEscalation, PriorityUrgent, "m1", false, false, time.Now()).
		AddRow(uuid.New().String(), uuid.New().String(), userID.String(), TypeRebookRequired, PriorityMedium, "m2", false, false, time.Now())

	mock.ExpectQuery(`SELECT .+ FROM alerts\s+WHERE NOT is_read AND NOT is_dismissed`).
		WithArgs(userID, 50).
		WillReturnRows(rows)

	out, err := repo.ListOpen(context.Background(), userID, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, PriorityUrgent, out[0].Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryDismissUnknownAlert(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db)
	id := uuid.New()

	mock.ExpectExec(`UPDATE alerts SET is_dismissed = TRUE WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.Dismiss(context.Background(), id), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerListOpenRequiresSession(t *testing.T) {
	h := NewHandler(NewService(&fakeAlertStore{}, nil, testLogger()), NewHub(testLogger(), nil), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	rec := httptest.NewRecorder()
	h.ListOpen(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerListAndAcknowledge(t *testing.T) {
	store := &fakeAlertStore{}
	svc := NewService(store, nil, testLogger())
	h := NewHandler(svc, NewHub(testLogger(), nil), testLogger())
	require.NoError(t, svc.Broadcast(context.Background(), uuid.New(), TypeRebookRequired, PriorityMedium, "rebook"))

	userID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	req = req.WithContext(auth.ContextWithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	h.ListOpen(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Alerts []Alert `json:"alerts"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)

	r := chi.NewRouter()
	r.Mount("/alerts", h.Routes())
	ack := httptest.NewRequest(http.MethodPost, "/alerts/"+resp.Alerts[0].ID.String()+"/read", nil)
	ackRec := httptest.NewRecorder()
	r.ServeHTTP(ackRec, ack)
	assert.Equal(t, http.StatusNoContent, ackRec.Code)
	assert.Equal(t, []uuid.UUID{resp.Alerts[0].ID}, store.read)
}

func TestHubPublishDropsNothingForHealthyClient(t *testing.T) {
	hub := NewHub(testLogger(), []string{"*"})

	ch := make(chan Alert, clientBacklog)
	hub.mu.Lock()
	hub.clients[ch] = struct{}{}
	hub.mu.Unlock()

	a := Alert{ID: uuid.New(), Type: TypeCallFailed, Priority: PriorityHigh}
	hub.Publish(a)

	select {
	case got := <-ch:
		assert.Equal(t, a.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("alert was not delivered")
	}
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHubPublishNeverBlocksOnSlowClient(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	ch := make(chan Alert) // unbuffered and never read
	hub.mu.Lock()
	hub.clients[ch] = struct{}{}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.Publish(Alert{ID: uuid.New()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow client")
	}
}
