package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
	"github.com/Harshitk-cp/agentruntime/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// fakeOrgStore implements domain.OrganizationStore for testing.
type fakeOrgStore struct {
	mu   sync.Mutex
	orgs map[uuid.UUID]*domain.Organization
}

func newFakeOrgStore(orgs ...*domain.Organization) *fakeOrgStore {
	s := &fakeOrgStore{orgs: make(map[uuid.UUID]*domain.Organization)}
	for _, o := range orgs {
		s.orgs[o.ID] = o
	}
	return s
}

func (s *fakeOrgStore) Create(ctx context.Context, o *domain.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orgs {
		if existing.APIKeyHash == o.APIKeyHash {
			return store.ErrConflict
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	s.orgs[o.ID] = o
	return nil
}

func (s *fakeOrgStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (s *fakeOrgStore) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.APIKeyHash == hash {
			return o, nil
		}
	}
	return nil, store.ErrNotFound
}

// fakeRuntimeStore implements domain.RuntimeStore for testing.
type fakeRuntimeStore struct {
	mu       sync.Mutex
	runtimes map[uuid.UUID]domain.OrganizationRuntime
	upserts  int
}

func newFakeRuntimeStore() *fakeRuntimeStore {
	return &fakeRuntimeStore{runtimes: make(map[uuid.UUID]domain.OrganizationRuntime)}
}

func (s *fakeRuntimeStore) Upsert(ctx context.Context, rt *domain.OrganizationRuntime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.runtimes[rt.RuntimeID] = *rt
	return nil
}

func (s *fakeRuntimeStore) UpdateStatus(ctx context.Context, runtimeID uuid.UUID, status domain.RuntimeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return store.ErrNotFound
	}
	rt.Status = status
	s.runtimes[runtimeID] = rt
	return nil
}

func (s *fakeRuntimeStore) TouchActivity(ctx context.Context, runtimeID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[runtimeID]
	if !ok {
		return store.ErrNotFound
	}
	if at.After(rt.LastActivity) {
		rt.LastActivity = at
	}
	s.runtimes[runtimeID] = rt
	return nil
}

func (s *fakeRuntimeStore) status(runtimeID uuid.UUID) domain.RuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[runtimeID].Status
}

func (s *fakeRuntimeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// MockRuntimeStore mocks domain.RuntimeStore where a test needs to inject
// failures.
type MockRuntimeStore struct {
	mock.Mock
}

func (m *MockRuntimeStore) Upsert(ctx context.Context, rt *domain.OrganizationRuntime) error {
	args := m.Called(ctx, rt)
	return args.Error(0)
}

func (m *MockRuntimeStore) UpdateStatus(ctx context.Context, runtimeID uuid.UUID, status domain.RuntimeStatus) error {
	args := m.Called(ctx, runtimeID, status)
	return args.Error(0)
}

func (m *MockRuntimeStore) TouchActivity(ctx context.Context, runtimeID uuid.UUID, at time.Time) error {
	args := m.Called(ctx, runtimeID, at)
	return args.Error(0)
}

type memKey struct {
	pool  uuid.UUID
	agent string
}

// fakeMemoryStateStore implements domain.MemoryStateStore for testing.
type fakeMemoryStateStore struct {
	mu     sync.Mutex
	states map[memKey]domain.AgentMemoryState
	err    error
	// upsertDelay widens the window between reading and writing a state.
	upsertDelay time.Duration
}

func newFakeMemoryStateStore() *fakeMemoryStateStore {
	return &fakeMemoryStateStore{states: make(map[memKey]domain.AgentMemoryState)}
}

func (s *fakeMemoryStateStore) Upsert(ctx context.Context, st *domain.AgentMemoryState) error {
	if s.upsertDelay > 0 {
		time.Sleep(s.upsertDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.states[memKey{st.PoolID, st.AgentID}] = *st
	return nil
}

func (s *fakeMemoryStateStore) GetActive(ctx context.Context, poolID uuid.UUID, agentID string, now time.Time) (*domain.AgentMemoryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[memKey{poolID, agentID}]
	if !ok || !st.ExpiryTime.After(now) {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *fakeMemoryStateStore) TouchAccess(ctx context.Context, poolID uuid.UUID, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{poolID, agentID}
	st, ok := s.states[k]
	if !ok {
		return store.ErrNotFound
	}
	st.LastAccessTime = at
	s.states[k] = st
	return nil
}

func (s *fakeMemoryStateStore) Delete(ctx context.Context, poolID uuid.UUID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, memKey{poolID, agentID})
	return nil
}

func (s *fakeMemoryStateStore) DeleteExpired(ctx context.Context, poolID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, st := range s.states {
		if k.pool == poolID && !st.ExpiryTime.After(now) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeMemoryStateStore) SumActiveSize(ctx context.Context, poolID uuid.UUID, now time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var sum float64
	for k, st := range s.states {
		if k.pool == poolID && st.ExpiryTime.After(now) {
			sum += st.MemorySizeMB
		}
	}
	return sum, nil
}

func (s *fakeMemoryStateStore) get(poolID uuid.UUID, agentID string) (domain.AgentMemoryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[memKey{poolID, agentID}]
	return st, ok
}

// fakeRunStore implements domain.RunStore for testing. Like the Postgres
// store it refuses to update runs that already reached a terminal status.
type fakeRunStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]domain.AgentRun
	events map[uuid.UUID][]domain.RunStatusEvent
	// updates keeps every persisted run version with its transition.
	updates map[uuid.UUID][]runUpdate
}

type runUpdate struct {
	run domain.AgentRun
	ev  domain.RunStatusEvent
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:    make(map[uuid.UUID]domain.AgentRun),
		events:  make(map[uuid.UUID][]domain.RunStatusEvent),
		updates: make(map[uuid.UUID][]runUpdate),
	}
}

func (s *fakeRunStore) Create(ctx context.Context, r *domain.AgentRun, ev domain.RunStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return store.ErrConflict
	}
	s.runs[r.ID] = *r
	s.events[r.ID] = append(s.events[r.ID], ev)
	return nil
}

func (s *fakeRunStore) Update(ctx context.Context, r *domain.AgentRun, ev domain.RunStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[r.ID]
	if !ok || prev.Status.Terminal() {
		return store.ErrNotFound
	}
	s.runs[r.ID] = *r
	s.events[r.ID] = append(s.events[r.ID], ev)
	s.updates[r.ID] = append(s.updates[r.ID], runUpdate{run: *r, ev: ev})
	return nil
}

func (s *fakeRunStore) history(id uuid.UUID) []runUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runUpdate(nil), s.updates[id]...)
}

func (s *fakeRunStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *fakeRunStore) GetByID(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*domain.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *fakeRunStore) ListUnfinished(ctx context.Context) ([]domain.AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AgentRun
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeRunStore) ListEvents(ctx context.Context, runID uuid.UUID) ([]domain.RunStatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RunStatusEvent(nil), s.events[runID]...), nil
}

func (s *fakeRunStore) get(id uuid.UUID) (domain.AgentRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *fakeRunStore) put(r domain.AgentRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
}

// fakeFailureLogStore implements domain.FailureLogStore for testing.
type fakeFailureLogStore struct {
	mu      sync.Mutex
	entries []domain.FailureLog
}

func (s *fakeFailureLogStore) Append(ctx context.Context, f *domain.FailureLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *f)
	return nil
}

func (s *fakeFailureLogStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.FailureLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FailureLog
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeMetricStore implements domain.MetricStore for testing.
type fakeMetricStore struct {
	mu      sync.Mutex
	metrics []domain.ExecutionMetric
	err     error
}

func (s *fakeMetricStore) Append(ctx context.Context, m *domain.ExecutionMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.metrics = append(s.metrics, *m)
	return nil
}

func (s *fakeMetricStore) AggregateByOrganization(ctx context.Context, orgID uuid.UUID) (*domain.MetricAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	agg := &domain.MetricAggregate{}
	for i := range s.metrics {
		if s.metrics[i].OrganizationID == orgID {
			foldMetric(agg, &s.metrics[i])
		}
	}
	return agg, nil
}

func (s *fakeMetricStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metrics)
}

// fakeHealthStore implements domain.AgentHealthStore for testing.
type fakeHealthStore struct {
	mu     sync.Mutex
	status map[string]domain.AgentHealthStatus
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{status: make(map[string]domain.AgentHealthStatus)}
}

func (s *fakeHealthStore) SetStatus(ctx context.Context, orgID uuid.UUID, userAgentID string, status domain.AgentHealthStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[orgID.String()+"/"+userAgentID] = status
	return nil
}

func (s *fakeHealthStore) get(orgID uuid.UUID, userAgentID string) domain.AgentHealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[orgID.String()+"/"+userAgentID]
}

// fakeWebhook implements domain.WebhookClient. handle receives the 1-based
// call number.
type fakeWebhook struct {
	mu       sync.Mutex
	calls    int
	payloads []map[string]any
	handle   func(ctx context.Context, call int, payload map[string]any) (map[string]any, error)
}

func (w *fakeWebhook) Post(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	w.mu.Lock()
	w.calls++
	call := w.calls
	w.payloads = append(w.payloads, payload)
	w.mu.Unlock()
	if w.handle == nil {
		return map[string]any{"ok": true}, nil
	}
	return w.handle(ctx, call, payload)
}

func (w *fakeWebhook) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *fakeWebhook) lastPayload() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.payloads) == 0 {
		return nil
	}
	return w.payloads[len(w.payloads)-1]
}

// blockUntilDone never answers; the call ends when its context does.
func blockUntilDone(ctx context.Context, _ int, _ map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func serverError(ctx context.Context, _ int, _ map[string]any) (map[string]any, error) {
	return nil, &domain.ExecutionError{
		Type:        domain.ErrorTypeHTTP,
		StatusCode:  500,
		StatusClass: domain.StatusServerError,
		Message:     "internal error",
	}
}

// fakeSink implements domain.NotificationSink for testing.
type fakeSink struct {
	mu     sync.Mutex
	events []domain.NotificationEvent
}

func (s *fakeSink) Notify(ctx context.Context, ev domain.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) types() []domain.NotificationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.NotificationType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
