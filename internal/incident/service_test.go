package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirelens/backend/internal/models"
	"github.com/hirelens/backend/internal/store"
)

type pairKey struct{ incident, user uuid.UUID }

type fakeStore struct {
	mu        sync.Mutex
	incidents map[uuid.UUID]*models.IncidentReport
	users     []AffectedUser
	claimed   map[pairKey]bool
	comps     []*models.IncidentCompensation
}

func newFakeStore() *fakeStore {
	return &fakeStore{incidents: map[uuid.UUID]*models.IncidentReport{}, claimed: map[pairKey]bool{}}
}

// fakeTx stages compensation rows until Commit.
type fakeTx struct {
	pgx.Tx
	store     *fakeStore
	pending   []*models.IncidentCompensation
	committed bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.comps = append(t.store.comps, t.pending...)
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, c := range t.pending {
		delete(t.store.claimed, pairKey{c.IncidentID, c.UserID})
	}
	t.pending = nil
	return nil
}

func (f *fakeStore) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{store: f}, nil }

func (f *fakeStore) Create(_ context.Context, i *models.IncidentReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i.ID = uuid.New()
	i.Status = models.IncidentOngoing
	cp := *i
	f.incidents[i.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.IncidentReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.incidents[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *i
	return &cp, nil
}

func (f *fakeStore) List(_ context.Context, status string, limit int) ([]*models.IncidentReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.IncidentReport
	for _, i := range f.incidents {
		if status == "" || i.Status == status {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeStore) Update(_ context.Context, id uuid.UUID, in UpdateInput) (*models.IncidentReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.incidents[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if in.Title != nil {
		i.Title = *in.Title
	}
	if in.Level != nil {
		i.Level = *in.Level
	}
	if in.CompensationRate != nil {
		i.CompensationRate = *in.CompensationRate
	}
	cp := *i
	return &cp, nil
}

func (f *fakeStore) Resolve(_ context.Context, id uuid.UUID, by string, at time.Time) (*models.IncidentReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.incidents[id]
	if !ok || i.Status != models.IncidentOngoing {
		return nil, pgx.ErrNoRows
	}
	minutes := int(at.Sub(i.StartedAt).Minutes())
	i.Status, i.ResolvedAt, i.ResolvedBy, i.DurationMinutes = models.IncidentResolved, &at, &by, &minutes
	cp := *i
	return &cp, nil
}

func (f *fakeStore) AffectedUsers(context.Context, time.Time, time.Time) ([]AffectedUser, error) {
	return f.users, nil
}

func (f *fakeStore) InsertCompensation(_ context.Context, tx pgx.Tx, c *models.IncidentCompensation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pairKey{c.IncidentID, c.UserID}
	if f.claimed[k] {
		return ErrAlreadyCompensated
	}
	f.claimed[k] = true
	c.ID = uuid.New()
	ft := tx.(*fakeTx)
	ft.pending = append(ft.pending, c)
	return nil
}

func (f *fakeStore) AttachTransaction(_ context.Context, tx pgx.Tx, compensationID, txID uuid.UUID) error {
	for _, c := range tx.(*fakeTx).pending {
		if c.ID == compensationID {
			c.TransactionID = &txID
		}
	}
	return nil
}

func (f *fakeStore) ListCompensations(_ context.Context, incidentID uuid.UUID) ([]*models.IncidentCompensation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.IncidentCompensation
	for _, c := range f.comps {
		if c.IncidentID == incidentID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeGranter struct {
	mu      sync.Mutex
	failFor map[uuid.UUID]bool
	granted map[uuid.UUID]int
}

func newFakeGranter() *fakeGranter {
	return &fakeGranter{failFor: map[uuid.UUID]bool{}, granted: map[uuid.UUID]int{}}
}

func (g *fakeGranter) Grant(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int, _ string) (uuid.UUID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failFor[userID] {
		return uuid.Nil, store.ErrUnavailable
	}
	g.granted[userID] += amount
	return uuid.New(), nil
}

func planCredits(plan string) int {
	return map[string]int{models.PlanStarter: 50, models.PlanPro: 150, models.PlanEnterprise: 300}[plan]
}

func newTestService(st *fakeStore, g *fakeGranter) *Service {
	return NewService(st, g, planCredits, nil)
}

func declare(t *testing.T, s *Service, level string) *models.IncidentReport {
	t.Helper()
	started := time.Now().Add(-2 * time.Hour)
	i, err := s.Create(context.Background(), CreateInput{Level: level, Title: "Analysis outage", StartedAt: &started, CreatedBy: "ops@hirelens.dev"})
	require.NoError(t, err)
	return i
}

func TestCreate_DefaultRates(t *testing.T) {
	s := newTestService(newFakeStore(), newFakeGranter())

	assert.InDelta(t, 0.10, declare(t, s, models.IncidentP1).CompensationRate, 1e-9)
	assert.InDelta(t, 0.05, declare(t, s, models.IncidentP2).CompensationRate, 1e-9)
	assert.InDelta(t, 0.02, declare(t, s, models.IncidentP3).CompensationRate, 1e-9)

	_, err := s.Create(context.Background(), CreateInput{Level: "P9", Title: "x"})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	bad := 1.5
	_, err = s.Create(context.Background(), CreateInput{Level: models.IncidentP1, Title: "x", CompensationRate: &bad})
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestGrantAmount(t *testing.T) {
	assert.Equal(t, 5, GrantAmount(50, 0.10))
	assert.Equal(t, 8, GrantAmount(150, 0.05))
	assert.Equal(t, 1, GrantAmount(50, 0.02))
	assert.Equal(t, 6, GrantAmount(300, 0.02))
	assert.Equal(t, 1, GrantAmount(0, 0.10), "never less than one credit")
}

func TestResolve_OneWay(t *testing.T) {
	s := newTestService(newFakeStore(), newFakeGranter())
	i := declare(t, s, models.IncidentP2)

	resolved, err := s.Resolve(context.Background(), i.ID, "ops@hirelens.dev")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, resolved.Status)
	require.NotNil(t, resolved.DurationMinutes)
	assert.GreaterOrEqual(t, *resolved.DurationMinutes, 119)

	_, err = s.Resolve(context.Background(), i.ID, "ops@hirelens.dev")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = s.Resolve(context.Background(), uuid.New(), "ops@hirelens.dev")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompensate_RerunAfterPartialFailure(t *testing.T) {
	st := newFakeStore()
	g := newFakeGranter()
	s := newTestService(st, g)
	i := declare(t, s, models.IncidentP1)

	for n := 0; n < 8; n++ {
		u := AffectedUser{UserID: uuid.New(), Plan: models.PlanStarter}
		st.users = append(st.users, u)
		if n >= 5 {
			g.failFor[u.UserID] = true
		}
	}

	first, err := s.Compensate(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, first.ProcessedCount)
	assert.Equal(t, 3, first.FailedCount)
	assert.Equal(t, 0, first.SkippedCount)
	assert.False(t, first.Idempotent)

	g.failFor = map[uuid.UUID]bool{}
	second, err := s.Compensate(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, second.ProcessedCount)
	assert.Equal(t, 5, second.SkippedCount)
	assert.False(t, second.Idempotent)

	third, err := s.Compensate(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, third.ProcessedCount)
	assert.Equal(t, 8, third.SkippedCount)
	assert.True(t, third.Idempotent)

	for _, u := range st.users {
		assert.Equal(t, 5, g.granted[u.UserID], "each user paid exactly once")
	}
	detail, err := s.Get(context.Background(), i.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Compensations, 8)
	assert.Equal(t, 40, detail.TotalCredits)
	for _, c := range detail.Compensations {
		assert.NotNil(t, c.TransactionID)
	}
}

func TestCompensate_ConcurrentRunsPayOnce(t *testing.T) {
	st := newFakeStore()
	g := newFakeGranter()
	s := newTestService(st, g)
	i := declare(t, s, models.IncidentP2)
	for n := 0; n < 6; n++ {
		st.users = append(st.users, AffectedUser{UserID: uuid.New(), Plan: models.PlanPro})
	}

	var wg sync.WaitGroup
	results := make([]*CompensationResult, 4)
	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := s.Compensate(context.Background(), i.ID)
			if err == nil {
				results[n] = res
			}
		}(n)
	}
	wg.Wait()

	processed := 0
	for _, r := range results {
		require.NotNil(t, r)
		processed += r.ProcessedCount
		assert.Equal(t, 6, r.ProcessedCount+r.SkippedCount)
	}
	assert.Equal(t, 6, processed)
	for _, u := range st.users {
		assert.Equal(t, 8, g.granted[u.UserID])
	}
}

func TestCompensate_UnknownIncident(t *testing.T) {
	s := newTestService(newFakeStore(), newFakeGranter())
	_, err := s.Compensate(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestUpdate_ValidatesFields(t *testing.T) {
	s := newTestService(newFakeStore(), newFakeGranter())
	i := declare(t, s, models.IncidentP3)

	level := "P7"
	_, err := s.Update(context.Background(), i.ID, UpdateInput{Level: &level})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	title, rate := "Resume parser degraded", 0.2
	got, err := s.Update(context.Background(), i.ID, UpdateInput{Title: &title, CompensationRate: &rate})
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
	assert.InDelta(t, 0.2, got.CompensationRate, 1e-9)
	assert.Equal(t, models.IncidentP3, got.Level)
}
