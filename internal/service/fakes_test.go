package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/provider"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"github.com/kursadbilgin/alert-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
)

type fakeEventRepo struct {
	createIfAbsentFn   func(ctx context.Context, event domain.NotificationEvent) (bool, error)
	beginAttemptFn     func(ctx context.Context, event domain.NotificationEvent) (*domain.EventRecord, error)
	getByIDFn          func(ctx context.Context, id string) (*domain.EventRecord, error)
	listFn             func(ctx context.Context, params repository.ListParams) ([]domain.EventRecord, int64, error)
	markSucceededFn    func(ctx context.Context, id string) error
	markRetryingFn     func(ctx context.Context, id string, nextRetryAt time.Time) error
	markRequeuedFn     func(ctx context.Context, id string) error
	cancelFn           func(ctx context.Context, id string) (*domain.EventRecord, error)
	getStrandedFn      func(ctx context.Context, retryBefore, staleBefore time.Time, limit int) ([]domain.EventRecord, error)
	resetForReplayFn   func(ctx context.Context, id string) (*domain.EventRecord, error)
}

var _ repository.EventRepository = (*fakeEventRepo)(nil)

func (f *fakeEventRepo) CreateIfAbsent(ctx context.Context, event domain.NotificationEvent) (bool, error) {
	if f.createIfAbsentFn != nil {
		return f.createIfAbsentFn(ctx, event)
	}
	return true, nil
}

func (f *fakeEventRepo) BeginAttempt(ctx context.Context, event domain.NotificationEvent) (*domain.EventRecord, error) {
	if f.beginAttemptFn != nil {
		return f.beginAttemptFn(ctx, event)
	}
	return &domain.EventRecord{Event: event, State: domain.EventStateInFlight, AttemptCount: 1}, nil
}

func (f *fakeEventRepo) GetByID(ctx context.Context, id string) (*domain.EventRecord, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeEventRepo) List(ctx context.Context, params repository.ListParams) ([]domain.EventRecord, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeEventRepo) MarkSucceeded(ctx context.Context, id string) error {
	if f.markSucceededFn != nil {
		return f.markSucceededFn(ctx, id)
	}
	return nil
}

func (f *fakeEventRepo) MarkRetrying(ctx context.Context, id string, nextRetryAt time.Time) error {
	if f.markRetryingFn != nil {
		return f.markRetryingFn(ctx, id, nextRetryAt)
	}
	return nil
}

func (f *fakeEventRepo) MarkRequeued(ctx context.Context, id string) error {
	if f.markRequeuedFn != nil {
		return f.markRequeuedFn(ctx, id)
	}
	return nil
}

func (f *fakeEventRepo) Cancel(ctx context.Context, id string) (*domain.EventRecord, error) {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeEventRepo) GetStranded(ctx context.Context, retryBefore, staleBefore time.Time, limit int) ([]domain.EventRecord, error) {
	if f.getStrandedFn != nil {
		return f.getStrandedFn(ctx, retryBefore, staleBefore, limit)
	}
	return nil, nil
}

func (f *fakeEventRepo) ResetForReplay(ctx context.Context, id string) (*domain.EventRecord, error) {
	if f.resetForReplayFn != nil {
		return f.resetForReplayFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type fakeAttemptRepo struct {
	createFn       func(ctx context.Context, a *domain.DeliveryAttempt) error
	getByEventIDFn func(ctx context.Context, eventID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByEventID(ctx context.Context, eventID string) ([]domain.DeliveryAttempt, error) {
	if f.getByEventIDFn != nil {
		return f.getByEventIDFn(ctx, eventID)
	}
	return nil, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.EventMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.EventMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeProvider struct {
	sendFn func(ctx context.Context, msg provider.PushMessage) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, msg provider.PushMessage) (*provider.ProviderResponse, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, msg)
	}
	return &provider.ProviderResponse{StatusCode: 200, MessageID: "msg-1"}, nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, topic string) (bool, error)
	waitFn  func(ctx context.Context, topic string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, topic string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, topic)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, topic string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, topic)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeDeduplicator struct {
	shouldDispatchFn func(ctx context.Context, eventID string) (bool, error)
	markSeenFn       func(ctx context.Context, eventID string, ttl time.Duration) error
	releaseFn        func(ctx context.Context, eventID string) error
}

func (f *fakeDeduplicator) ShouldDispatch(ctx context.Context, eventID string) (bool, error) {
	if f.shouldDispatchFn != nil {
		return f.shouldDispatchFn(ctx, eventID)
	}
	return true, nil
}

func (f *fakeDeduplicator) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) error {
	if f.markSeenFn != nil {
		return f.markSeenFn(ctx, eventID, ttl)
	}
	return nil
}

func (f *fakeDeduplicator) Release(ctx context.Context, eventID string) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, eventID)
	}
	return nil
}

type fakeSink struct {
	appendFn func(ctx context.Context, dl *domain.DeadLetter) error
}

func (f *fakeSink) Append(ctx context.Context, dl *domain.DeadLetter) error {
	if f.appendFn != nil {
		return f.appendFn(ctx, dl)
	}
	return nil
}

// memoryStore is a stateful in-process stand-in for the Postgres repositories. It applies
// the same state transition rules as the gorm implementations.
type memoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	events      map[string]*domain.EventRecord
	attempts    map[string][]domain.DeliveryAttempt
	deadLetters []*domain.DeadLetter
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		now:      time.Now,
		events:   make(map[string]*domain.EventRecord),
		attempts: make(map[string][]domain.DeliveryAttempt),
	}
}

func (s *memoryStore) eventRepo() *storeEventRepo           { return &storeEventRepo{s: s} }
func (s *memoryStore) attemptRepo() *storeAttemptRepo       { return &storeAttemptRepo{s: s} }
func (s *memoryStore) deadLetterRepo() *storeDeadLetterRepo { return &storeDeadLetterRepo{s: s} }

func (s *memoryStore) record(id string) (domain.EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.events[id]
	if !ok {
		return domain.EventRecord{}, false
	}
	return copyRecord(r), true
}

func (s *memoryStore) attemptsFor(id string) []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.DeliveryAttempt(nil), s.attempts[id]...)
}

func (s *memoryStore) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.deadLetters)
}

func (s *memoryStore) firstDeadLetter() *domain.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.deadLetters) == 0 {
		return nil
	}
	dl := *s.deadLetters[0]
	return &dl
}

func copyRecord(r *domain.EventRecord) domain.EventRecord {
	out := *r
	out.Event = r.Event.Clone()
	if r.NextRetryAt != nil {
		v := *r.NextRetryAt
		out.NextRetryAt = &v
	}
	if r.CanceledAt != nil {
		v := *r.CanceledAt
		out.CanceledAt = &v
	}
	return out
}

type storeEventRepo struct {
	s *memoryStore
}

var _ repository.EventRepository = (*storeEventRepo)(nil)

func (r *storeEventRepo) CreateIfAbsent(ctx context.Context, event domain.NotificationEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.events[event.ID]; ok {
		return false, nil
	}
	r.s.events[event.ID] = &domain.EventRecord{
		Event:     event.Clone(),
		State:     domain.EventStatePending,
		UpdatedAt: r.s.now(),
	}
	return true, nil
}

func (r *storeEventRepo) BeginAttempt(ctx context.Context, event domain.NotificationEvent) (*domain.EventRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.events[event.ID]
	if !ok {
		rec = &domain.EventRecord{Event: event.Clone(), State: domain.EventStatePending}
		r.s.events[event.ID] = rec
	}
	if rec.State.IsTerminal() || rec.CanceledAt != nil {
		out := copyRecord(rec)
		return &out, fmt.Errorf("%w: event %s is %s", domain.ErrConflict, event.ID, rec.State)
	}

	rec.AttemptCount++
	rec.State = domain.EventStateInFlight
	rec.NextRetryAt = nil
	rec.UpdatedAt = r.s.now()

	out := copyRecord(rec)
	return &out, nil
}

func (r *storeEventRepo) GetByID(ctx context.Context, id string) (*domain.EventRecord, error) {
	rec, ok := r.s.record(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (r *storeEventRepo) List(ctx context.Context, params repository.ListParams) ([]domain.EventRecord, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.EventRecord, 0, len(r.s.events))
	for _, rec := range r.s.events {
		if params.State != nil && rec.State != *params.State {
			continue
		}
		if params.Topic != nil && rec.Event.Topic != *params.Topic {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.ID < out[j].Event.ID })
	return out, int64(len(out)), nil
}

func (r *storeEventRepo) MarkSucceeded(ctx context.Context, id string) error {
	return r.update(id, func(rec *domain.EventRecord) {
		rec.State = domain.EventStateSucceeded
		rec.NextRetryAt = nil
	}, domain.EventStateInFlight, domain.EventStateCanceled)
}

func (r *storeEventRepo) MarkRetrying(ctx context.Context, id string, nextRetryAt time.Time) error {
	return r.update(id, func(rec *domain.EventRecord) {
		rec.State = domain.EventStateRetrying
		at := nextRetryAt
		rec.NextRetryAt = &at
	}, domain.EventStateInFlight)
}

func (r *storeEventRepo) MarkRequeued(ctx context.Context, id string) error {
	return r.update(id, func(rec *domain.EventRecord) {
		rec.NextRetryAt = nil
	}, domain.EventStatePending, domain.EventStateInFlight, domain.EventStateRetrying)
}

func (r *storeEventRepo) Cancel(ctx context.Context, id string) (*domain.EventRecord, error) {
	err := r.update(id, func(rec *domain.EventRecord) {
		now := r.s.now()
		rec.State = domain.EventStateCanceled
		rec.CanceledAt = &now
		rec.NextRetryAt = nil
	}, domain.EventStatePending, domain.EventStateInFlight, domain.EventStateRetrying)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *storeEventRepo) GetStranded(ctx context.Context, retryBefore, staleBefore time.Time, limit int) ([]domain.EventRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.EventRecord, 0)
	for _, rec := range r.s.events {
		stale := !rec.UpdatedAt.After(staleBefore)
		switch {
		case rec.State == domain.EventStateRetrying && rec.NextRetryAt != nil:
			if rec.NextRetryAt.After(retryBefore) {
				continue
			}
		case rec.State == domain.EventStateRetrying, rec.State == domain.EventStatePending, rec.State == domain.EventStateInFlight:
			if !stale {
				continue
			}
		default:
			continue
		}
		out = append(out, copyRecord(rec))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *storeEventRepo) ResetForReplay(ctx context.Context, id string) (*domain.EventRecord, error) {
	err := r.update(id, func(rec *domain.EventRecord) {
		rec.State = domain.EventStatePending
		rec.BudgetStart = rec.AttemptCount
		rec.NextRetryAt = nil
	}, domain.EventStateDeadLettered, domain.EventStatePending)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *storeEventRepo) update(id string, apply func(rec *domain.EventRecord), allowed ...domain.EventState) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.transitionLocked(id, apply, allowed...)
}

func (s *memoryStore) transitionLocked(id string, apply func(rec *domain.EventRecord), allowed ...domain.EventState) error {
	rec, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, state := range allowed {
		if rec.State == state {
			apply(rec)
			rec.UpdatedAt = s.now()
			return nil
		}
	}
	return fmt.Errorf("%w: event %s is %s", domain.ErrConflict, id, rec.State)
}

type storeAttemptRepo struct {
	s *memoryStore
}

var _ repository.AttemptRepository = (*storeAttemptRepo)(nil)

func (r *storeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing := r.s.attempts[a.EventID]
	for _, prev := range existing {
		if prev.AttemptNumber >= a.AttemptNumber {
			return fmt.Errorf("attempt %d for %s is not increasing", a.AttemptNumber, a.EventID)
		}
		if prev.Outcome == domain.AttemptOutcomeSuccess {
			return fmt.Errorf("event %s already has a successful attempt", a.EventID)
		}
	}
	r.s.attempts[a.EventID] = append(existing, *a)
	return nil
}

func (r *storeAttemptRepo) GetByEventID(ctx context.Context, eventID string) ([]domain.DeliveryAttempt, error) {
	return r.s.attemptsFor(eventID), nil
}

type storeDeadLetterRepo struct {
	s *memoryStore
}

var (
	_ repository.DeadLetterRepository = (*storeDeadLetterRepo)(nil)
	_ DeadLetterSink                  = (*storeDeadLetterRepo)(nil)
)

func (r *storeDeadLetterRepo) Append(ctx context.Context, dl *domain.DeadLetter) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	err := r.s.transitionLocked(dl.Event.ID, func(rec *domain.EventRecord) {
		rec.State = domain.EventStateDeadLettered
		rec.NextRetryAt = nil
	}, domain.EventStateInFlight, domain.EventStateRetrying)
	if err != nil {
		return err
	}

	stored := *dl
	r.s.deadLetters = append(r.s.deadLetters, &stored)
	return nil
}

func (r *storeDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, dl := range r.s.deadLetters {
		if dl.ID == id {
			out := *dl
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *storeDeadLetterRepo) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetter, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.DeadLetter, 0, len(r.s.deadLetters))
	for _, dl := range r.s.deadLetters {
		if params.OnlyPending && dl.ReplayedAt != nil {
			continue
		}
		out = append(out, *dl)
	}
	return out, int64(len(out)), nil
}

func (r *storeDeadLetterRepo) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, dl := range r.s.deadLetters {
		if dl.ID != id {
			continue
		}
		if dl.ReplayedAt != nil {
			return domain.ErrConflict
		}
		replayedAt := at
		dl.ReplayedAt = &replayedAt
		return nil
	}
	return domain.ErrNotFound
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !condition() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func testEvent(id string) domain.NotificationEvent {
	return domain.NotificationEvent{
		ID:        id,
		Topic:     domain.DefaultTopic,
		Title:     domain.DefaultAlertTitle,
		Body:      "Kuzey bölgesinde sel uyarısı",
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}
