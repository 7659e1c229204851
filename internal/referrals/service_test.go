package referrals

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// fakeStore is an in-memory Store for orchestration tests. It honours the
// optimistic version check the way the SQL repository does.
type fakeStore struct {
	mu        sync.Mutex
	referrals map[uuid.UUID]*Referral
	history   []StatusHistoryEntry
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{referrals: make(map[uuid.UUID]*Referral)}
}

func (s *fakeStore) Create(_ context.Context, ref *Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ref
	s.referrals[ref.ID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.referrals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ref
	return &cp, nil
}

func (s *fakeStore) Update(_ context.Context, ref *Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	cur, ok := s.referrals[ref.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != ref.Version {
		return ErrConcurrentModification
	}
	ref.Version++
	cp := *ref
	s.referrals[ref.ID] = &cp
	return nil
}

func (s *fakeStore) AppendHistory(_ context.Context, e *StatusHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	s.history = append(s.history, *e)
	return nil
}

func (s *fakeStore) History(_ context.Context, referralID uuid.UUID) ([]StatusHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StatusHistoryEntry
	for _, e := range s.history {
		if e.ReferralID == referralID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) List(_ context.Context, f ListFilter) ([]Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Referral{}
	for _, ref := range s.referrals {
		if f.Status != "" && ref.Status != f.Status {
			continue
		}
		if f.SpecialistType != "" && ref.SpecialistType != f.SpecialistType {
			continue
		}
		if f.IsHighRisk != nil && ref.IsHighRisk != *f.IsHighRisk {
			continue
		}
		out = append(out, *ref)
	}
	return out, nil
}

func (s *fakeStore) ListOverdue(_ context.Context, now time.Time, threshold time.Duration) ([]Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Referral
	for _, ref := range s.referrals {
		if ref.IsOverdue(now, threshold) {
			out = append(out, *ref)
		}
	}
	return out, nil
}

func (s *fakeStore) DashboardStats(_ context.Context, _ time.Time, _ time.Duration) (*DashboardStats, error) {
	return &DashboardStats{}, nil
}

type fakeAlerts struct {
	mu    sync.Mutex
	calls []fakeAlert
	err   error
}

type fakeAlert struct {
	ReferralID uuid.UUID
	Type       string
	Priority   string
	Message    string
}

func (a *fakeAlerts) Broadcast(_ context.Context, referralID uuid.UUID, alertType, priority, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.calls = append(a.calls, fakeAlert{referralID, alertType, priority, message})
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]SideEffectKind
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ Referral, _ Transition, effects []SideEffect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, kinds(effects))
}

func (d *fakeDispatcher) all() []SideEffectKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []SideEffectKind
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

type serviceFixture struct {
	svc        *Service
	store      *fakeStore
	alerts     *fakeAlerts
	dispatcher *fakeDispatcher
	now        time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:      newFakeStore(),
		alerts:     &fakeAlerts{},
		dispatcher: &fakeDispatcher{},
		now:        time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(ServiceConfig{
		Store:            f.store,
		Alerts:           f.alerts,
		Dispatcher:       f.dispatcher,
		Logger:           logging.NewWithWriter("error", io.Discard),
		PendingThreshold: 14 * 24 * time.Hour,
	}).WithClock(func() time.Time { return f.now })
	return f
}

func (f *serviceFixture) create(t *testing.T, highRisk bool) *Referral {
	t.Helper()
	req := validCreateRequest()
	req.IsHighRisk = highRisk
	ref, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return ref
}

func (f *serviceFixture) schedule(t *testing.T, id uuid.UUID, in time.Duration) *Referral {
	t.Helper()
	ref, err := f.svc.Schedule(context.Background(), id, f.now.Add(in), "", uuid.New())
	require.NoError(t, err)
	return ref
}

func TestServiceCreate(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)

	assert.Equal(t, StatusPending, ref.Status)
	assert.Equal(t, 1, ref.Version)
	assert.Equal(t, f.now, ref.ReferralDate)

	history, err := f.svc.History(context.Background(), ref.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusPending, history[0].Status)

	assert.Equal(t, []SideEffectKind{EffectSendCreatedEmail}, f.dispatcher.all())
}

func TestServiceCreateWithoutEmailSkipsCreatedNotice(t *testing.T) {
	f := newServiceFixture(t)
	req := validCreateRequest()
	req.PatientEmail = ""

	ref, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ref.Status)
	assert.Empty(t, f.dispatcher.all(), "no address on file means no email effect")
}

func TestServiceCreateRejectsInvalidInput(t *testing.T) {
	f := newServiceFixture(t)
	req := validCreateRequest()
	req.Urgency = "WHENEVER"
	_, err := f.svc.Create(context.Background(), req)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, f.store.referrals, "nothing persisted on validation failure")
	assert.Empty(t, f.dispatcher.all())
}

func TestServiceScheduleLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)

	ref = f.schedule(t, ref.ID, 48*time.Hour)
	assert.Equal(t, StatusScheduled, ref.Status)
	require.NotNil(t, ref.ScheduledDate)
	assert.Equal(t, f.now.Add(48*time.Hour), *ref.ScheduledDate)

	assert.Equal(t,
		[]SideEffectKind{EffectSendCreatedEmail, EffectSendConfirmationEmail, EffectSyncCalendar},
		f.dispatcher.all())
}

func TestServiceScheduleTwiceIsRejected(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 48*time.Hour)

	_, err := f.svc.Schedule(context.Background(), ref.ID, f.now.Add(72*time.Hour), "", uuid.New())
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusScheduled, ite.From)
}

func TestServiceReschedule(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 48*time.Hour)

	newSlot := f.now.Add(96 * time.Hour)
	updated, err := f.svc.Reschedule(context.Background(), ref.ID, newSlot, "patient request", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, updated.Status)
	assert.Equal(t, newSlot, *updated.ScheduledDate)

	history, err := f.svc.History(context.Background(), ref.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Contains(t, history[2].Note, "Rescheduled from")
	assert.Contains(t, history[2].Note, "patient request")

	last := f.dispatcher.batches[len(f.dispatcher.batches)-1]
	assert.Equal(t, []SideEffectKind{EffectSendRescheduleEmail, EffectSyncCalendar}, last,
		"reschedule must send the reschedule email, not the confirmation")
}

func TestServiceMarkMissedStandardRisk(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 24*time.Hour)
	f.now = f.now.Add(25 * time.Hour)

	updated, err := f.svc.MarkMissed(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusMissed, updated.Status)

	all := f.dispatcher.all()
	assert.Contains(t, all, EffectScheduleRebookCheck)
	assert.Contains(t, all, EffectPlaceRebookCall)
	assert.NotContains(t, all, EffectAutoEscalate)
	assert.Empty(t, f.alerts.calls)
}

func TestServiceMarkMissedHighRiskAutoEscalates(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, true)
	f.schedule(t, ref.ID, 24*time.Hour)
	f.now = f.now.Add(25 * time.Hour)

	updated, err := f.svc.MarkMissed(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, updated.Status, "escalation happens in the same operation")

	require.Len(t, f.alerts.calls, 1)
	alert := f.alerts.calls[0]
	assert.Equal(t, ref.ID, alert.ReferralID)
	assert.Equal(t, "HIGH_RISK_ESCALATION", alert.Type)
	assert.Equal(t, "urgent", alert.Priority)
	assert.Contains(t, alert.Message, "Maria Santos")
	assert.Contains(t, alert.Message, "CARDIOLOGY")

	history, err := f.svc.History(context.Background(), ref.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, StatusMissed, history[2].Status)
	assert.Equal(t, StatusEscalated, history[3].Status)

	all := f.dispatcher.all()
	assert.Contains(t, all, EffectPlaceRebookCall)
	assert.NotContains(t, all, EffectScheduleRebookCheck)
}

func TestServiceMarkMissedBeforeSlot(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 24*time.Hour)

	_, err := f.svc.MarkMissed(context.Background(), ref.ID, uuid.New())
	var pte *PrematureTransitionError
	require.ErrorAs(t, err, &pte)

	got, gerr := f.svc.Get(context.Background(), ref.ID)
	require.NoError(t, gerr)
	assert.Equal(t, StatusScheduled, got.Status, "premature attempt must not change state")
}

func TestServiceAttendAndComplete(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 24*time.Hour)
	f.now = f.now.Add(25 * time.Hour)

	attended, err := f.svc.MarkAttended(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusAttended, attended.Status)
	assert.Nil(t, attended.CompletedDate, "attendance alone does not complete")

	done, err := f.svc.Complete(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedDate)
	assert.Equal(t, f.now, *done.CompletedDate)

	_, err = f.svc.Cancel(context.Background(), ref.ID, uuid.New())
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestServiceCancelFromAnyActiveStatus(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)

	cancelled, err := f.svc.Cancel(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.Schedule(context.Background(), ref.ID, f.now.Add(time.Hour), "", uuid.New())
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite, "cancellation is irreversible")
}

func TestServiceRebookTimeout(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 24*time.Hour)
	f.now = f.now.Add(25 * time.Hour)
	_, err := f.svc.MarkMissed(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)

	f.now = f.now.Add(49 * time.Hour)
	flagged, err := f.svc.RebookTimeout(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsRebook, flagged.Status)

	require.Len(t, f.alerts.calls, 1)
	assert.Equal(t, "REBOOK_REQUIRED", f.alerts.calls[0].Type)
}

func TestServiceRebookTimeoutSkipsRebookedReferral(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.schedule(t, ref.ID, 24*time.Hour)
	f.now = f.now.Add(25 * time.Hour)
	_, err := f.svc.MarkMissed(context.Background(), ref.ID, uuid.New())
	require.NoError(t, err)

	// Patient rebooked before the worker fired.
	_, err = f.svc.Schedule(context.Background(), ref.ID, f.now.Add(48*time.Hour), "", uuid.New())
	require.NoError(t, err)

	_, err = f.svc.RebookTimeout(context.Background(), ref.ID)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
}

func TestServiceSurfacesConcurrentModification(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, false)
	f.store.updateErr = ErrConcurrentModification

	_, err := f.svc.Schedule(context.Background(), ref.ID, f.now.Add(time.Hour), "", uuid.New())
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestServiceEscalationAlertFailureAborts(t *testing.T) {
	f := newServiceFixture(t)
	ref := f.create(t, true)
	f.schedule(t, ref.ID, 24*time.Hour)
	f.now = f.now.Add(25 * time.Hour)
	f.alerts.err = errors.New("alerts table unavailable")

	_, err := f.svc.MarkMissed(context.Background(), ref.ID, uuid.New())
	require.Error(t, err)
}

func TestServiceNotFound(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.History(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceOverdue(t *testing.T) {
	f := newServiceFixture(t)
	stale := f.create(t, false)
	fresh := f.create(t, false)

	f.store.mu.Lock()
	f.store.referrals[stale.ID].ReferralDate = f.now.Add(-15 * 24 * time.Hour)
	f.store.mu.Unlock()

	overdue, err := f.svc.Overdue(context.Background())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, stale.ID, overdue[0].ID)
	assert.NotEqual(t, fresh.ID, overdue[0].ID)
}
