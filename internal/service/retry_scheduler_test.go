package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
	"github.com/kursadbilgin/alert-dispatch/internal/queue"
	"github.com/kursadbilgin/alert-dispatch/internal/repository"
	"go.uber.org/zap"
)

type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	wasActive := !f.stopped
	f.stopped = true
	return wasActive
}

func (f *fakeTimer) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stopped
}

type timerRecorder struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) retryTimer {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := &fakeTimer{delay: d, fn: f}
	r.timers = append(r.timers, timer)
	return timer
}

func (r *timerRecorder) last(t *testing.T) *fakeTimer {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.timers) == 0 {
		t.Fatal("no timer was armed")
	}
	return r.timers[len(r.timers)-1]
}

func newTestScheduler(
	t *testing.T,
	events repository.EventRepository,
	attempts repository.AttemptRepository,
	sink DeadLetterSink,
	publisher *fakePublisher,
) (*RetryScheduler, *timerRecorder) {
	t.Helper()

	policy := NewBackoffPolicy(time.Second, time.Minute)
	policy.int63 = func(n int64) int64 { return 0 }

	s, err := NewRetryScheduler(events, attempts, nil, sink, publisher, policy, 5, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	recorder := &timerRecorder{}
	s.afterFunc = recorder.afterFunc
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	s.newID = func() string { return "dl-1" }
	return s, recorder
}

func TestNewRetrySchedulerValidation(t *testing.T) {
	t.Parallel()

	policy := NewBackoffPolicy(0, 0)
	if _, err := NewRetryScheduler(nil, &fakeAttemptRepo{}, nil, &fakeSink{}, &fakePublisher{}, policy, 5, nil); err == nil {
		t.Fatal("expected error when event repository is nil")
	}
	if _, err := NewRetryScheduler(&fakeEventRepo{}, nil, nil, &fakeSink{}, &fakePublisher{}, policy, 5, nil); err == nil {
		t.Fatal("expected error when attempt repository is nil")
	}
	if _, err := NewRetryScheduler(&fakeEventRepo{}, &fakeAttemptRepo{}, nil, nil, &fakePublisher{}, policy, 5, nil); err == nil {
		t.Fatal("expected error when sink is nil")
	}
	if _, err := NewRetryScheduler(&fakeEventRepo{}, &fakeAttemptRepo{}, nil, &fakeSink{}, nil, policy, 5, nil); err == nil {
		t.Fatal("expected error when publisher is nil")
	}

	s, err := NewRetryScheduler(&fakeEventRepo{}, &fakeAttemptRepo{}, nil, &fakeSink{}, &fakePublisher{}, BackoffPolicy{}, 0, nil)
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}
	if s.maxAttempts != defaultMaxAttempts {
		t.Fatalf("maxAttempts = %d, want %d", s.maxAttempts, defaultMaxAttempts)
	}
	if s.policy.Base != defaultBaseBackoff || s.policy.Cap != defaultBackoffCap {
		t.Fatalf("policy = %+v, want defaults", s.policy)
	}
}

func TestRetrySchedulerScheduleArmsTimerAndRefeeds(t *testing.T) {
	t.Parallel()

	var (
		markedAt time.Time
		cleared  string
		gotQueue string
		gotMsg   queue.EventMessage
	)
	events := &fakeEventRepo{
		markRetryingFn: func(ctx context.Context, id string, nextRetryAt time.Time) error {
			markedAt = nextRetryAt
			return nil
		},
		getByIDFn: func(ctx context.Context, id string) (*domain.EventRecord, error) {
			return &domain.EventRecord{State: domain.EventStateRetrying}, nil
		},
		markRequeuedFn: func(ctx context.Context, id string) error {
			cleared = id
			return nil
		},
	}
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.EventMessage) error {
			gotQueue = queueName
			gotMsg = msg
			return nil
		},
	}

	s, timers := newTestScheduler(t, events, &fakeAttemptRepo{}, &fakeSink{}, publisher)

	event := testEvent("e-retry")
	delay, err := s.Schedule(context.Background(), event, Outcome{Kind: OutcomeRetryable, AttemptNumber: 3, BudgetAttempts: 3})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if delay != 4*time.Second {
		t.Fatalf("delay = %s, want 4s", delay)
	}
	if want := s.now().Add(4 * time.Second); !markedAt.Equal(want) {
		t.Fatalf("next retry at = %s, want %s", markedAt, want)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}

	timer := timers.last(t)
	if timer.delay != delay {
		t.Fatalf("timer delay = %s, want %s", timer.delay, delay)
	}
	timer.fn()

	if gotQueue != "notify.alerts" {
		t.Fatalf("queue = %q, want notify.alerts", gotQueue)
	}
	if gotMsg.Reason != queue.ReasonRetry || gotMsg.Event.ID != "e-retry" {
		t.Fatalf("message = %+v, want retry for e-retry", gotMsg)
	}
	if cleared != "e-retry" {
		t.Fatalf("cleared = %q, want e-retry", cleared)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() after fire = %d, want 0", s.Pending())
	}
}

func TestRetrySchedulerScheduleHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, &fakeEventRepo{}, &fakeAttemptRepo{}, &fakeSink{}, &fakePublisher{})

	delay, err := s.Schedule(context.Background(), testEvent("e-hint"), Outcome{
		Kind:           OutcomeRetryable,
		AttemptNumber:  1,
		BudgetAttempts: 1,
		RetryAfter:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if delay != 30*time.Second {
		t.Fatalf("delay = %s, want 30s", delay)
	}

	delay, err = s.Schedule(context.Background(), testEvent("e-hint-cap"), Outcome{
		Kind:           OutcomeRetryable,
		AttemptNumber:  1,
		BudgetAttempts: 1,
		RetryAfter:     time.Hour,
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if delay != time.Minute {
		t.Fatalf("delay = %s, want cap 1m", delay)
	}
}

func TestRetrySchedulerScheduleBudgetExhausted(t *testing.T) {
	t.Parallel()

	events := &fakeEventRepo{
		markRetryingFn: func(ctx context.Context, id string, nextRetryAt time.Time) error {
			t.Fatal("exhausted event must not be marked as retrying")
			return nil
		},
	}
	s, timers := newTestScheduler(t, events, &fakeAttemptRepo{}, &fakeSink{}, &fakePublisher{})

	_, err := s.Schedule(context.Background(), testEvent("e-exhausted"), Outcome{Kind: OutcomeRetryable, AttemptNumber: 7, BudgetAttempts: 5})
	if !errors.Is(err, domain.ErrRetryBudgetExhausted) {
		t.Fatalf("Schedule() error = %v, want ErrRetryBudgetExhausted", err)
	}
	if len(timers.timers) != 0 {
		t.Fatalf("armed timers = %d, want 0", len(timers.timers))
	}
}

func TestRetrySchedulerScheduleClosedEvent(t *testing.T) {
	t.Parallel()

	events := &fakeEventRepo{
		markRetryingFn: func(ctx context.Context, id string, nextRetryAt time.Time) error {
			return domain.ErrConflict
		},
	}
	s, timers := newTestScheduler(t, events, &fakeAttemptRepo{}, &fakeSink{}, &fakePublisher{})

	_, err := s.Schedule(context.Background(), testEvent("e-canceled"), Outcome{Kind: OutcomeRetryable, AttemptNumber: 1, BudgetAttempts: 1})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Schedule() error = %v, want ErrConflict", err)
	}
	if len(timers.timers) != 0 {
		t.Fatalf("armed timers = %d, want 0", len(timers.timers))
	}
}

func TestRetrySchedulerScheduleWithoutAttemptOnlyArmsTimer(t *testing.T) {
	t.Parallel()

	events := &fakeEventRepo{
		markRetryingFn: func(ctx context.Context, id string, nextRetryAt time.Time) error {
			t.Fatal("event state must not change when no attempt was made")
			return nil
		},
	}
	s, timers := newTestScheduler(t, events, &fakeAttemptRepo{}, &fakeSink{}, &fakePublisher{})

	delay, err := s.Schedule(context.Background(), testEvent("e-infra"), Outcome{Kind: OutcomeRetryable})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if delay != time.Second {
		t.Fatalf("delay = %s, want base 1s", delay)
	}
	if timers.last(t).delay != time.Second {
		t.Fatalf("timer delay = %s, want 1s", timers.last(t).delay)
	}
}

func TestRetrySchedulerCancelStopsTimer(t *testing.T) {
	t.Parallel()

	published := false
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.EventMessage) error {
			published = true
			return nil
		},
	}
	s, timers := newTestScheduler(t, &fakeEventRepo{}, &fakeAttemptRepo{}, &fakeSink{}, publisher)

	if _, err := s.Schedule(context.Background(), testEvent("e-cancel"), Outcome{Kind: OutcomeRetryable, AttemptNumber: 1, BudgetAttempts: 1}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	if !s.Cancel("e-cancel") {
		t.Fatal("Cancel() = false, want true")
	}
	if s.Cancel("e-cancel") {
		t.Fatal("second Cancel() = true, want false")
	}

	timer := timers.last(t)
	if !timer.isStopped() {
		t.Fatal("timer should be stopped")
	}

	// a timer that already fired concurrently with Cancel must not re-feed
	timer.fn()
	if published {
		t.Fatal("canceled retry must not be published")
	}
}

func TestRetrySchedulerFireSkipsCanceledEvent(t *testing.T) {
	t.Parallel()

	canceledAt := time.Unix(1_700_000_000, 0)
	events := &fakeEventRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.EventRecord, error) {
			return &domain.EventRecord{State: domain.EventStateCanceled, CanceledAt: &canceledAt}, nil
		},
	}
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.EventMessage) error {
			t.Fatal("canceled event must not be re-fed")
			return nil
		},
	}
	s, timers := newTestScheduler(t, events, &fakeAttemptRepo{}, &fakeSink{}, publisher)

	if _, err := s.Schedule(context.Background(), testEvent("e-1"), Outcome{Kind: OutcomeRetryable, AttemptNumber: 1, BudgetAttempts: 1}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	timers.last(t).fn()
}

func TestRetrySchedulerRearmReplacesTimer(t *testing.T) {
	t.Parallel()

	publishes := 0
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.EventMessage) error {
			publishes++
			return nil
		},
	}
	s, timers := newTestScheduler(t, &fakeEventRepo{}, &fakeAttemptRepo{}, &fakeSink{}, publisher)

	event := testEvent("e-rearm")
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := s.Schedule(context.Background(), event, Outcome{Kind: OutcomeRetryable, AttemptNumber: attempt, BudgetAttempts: attempt}); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}

	first := timers.timers[0]
	if !first.isStopped() {
		t.Fatal("replaced timer should be stopped")
	}
	first.fn()
	if publishes != 0 {
		t.Fatalf("stale timer published %d messages", publishes)
	}

	timers.last(t).fn()
	if publishes != 1 {
		t.Fatalf("publishes = %d, want 1", publishes)
	}
}

func TestRetrySchedulerStop(t *testing.T) {
	t.Parallel()

	s, timers := newTestScheduler(t, &fakeEventRepo{}, &fakeAttemptRepo{}, &fakeSink{}, &fakePublisher{})

	if _, err := s.Schedule(context.Background(), testEvent("e-1"), Outcome{Kind: OutcomeRetryable, AttemptNumber: 1, BudgetAttempts: 1}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	s.Stop()

	if !timers.last(t).isStopped() {
		t.Fatal("timer should be stopped")
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", s.Pending())
	}

	_, err := s.Schedule(context.Background(), testEvent("e-2"), Outcome{Kind: OutcomeRetryable, AttemptNumber: 1, BudgetAttempts: 1})
	if !errors.Is(err, domain.ErrIntakeClosed) {
		t.Fatalf("Schedule() after Stop error = %v, want ErrIntakeClosed", err)
	}
}

func TestRetrySchedulerDeadLetter(t *testing.T) {
	t.Parallel()

	var appended *domain.DeadLetter

	attempts := &fakeAttemptRepo{
		getByEventIDFn: func(ctx context.Context, eventID string) ([]domain.DeliveryAttempt, error) {
			return []domain.DeliveryAttempt{
				{EventID: eventID, AttemptNumber: 1, Outcome: domain.AttemptOutcomeTransientFailure},
				{EventID: eventID, AttemptNumber: 2, Outcome: domain.AttemptOutcomePermanentFailure},
			}, nil
		},
	}
	sink := &fakeSink{
		appendFn: func(ctx context.Context, dl *domain.DeadLetter) error {
			appended = dl
			return nil
		},
	}

	s, _ := newTestScheduler(t, &fakeEventRepo{}, attempts, sink, &fakePublisher{})

	event := testEvent("e-dead")
	dl, err := s.DeadLetter(context.Background(), event, domain.DeadLetterReasonPermanentFailure, errors.New("invalid registration"))
	if err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}

	if appended == nil || appended != dl {
		t.Fatal("dead letter should be appended to the sink")
	}
	if dl.ID != "dl-1" {
		t.Fatalf("id = %q, want dl-1", dl.ID)
	}
	if dl.Reason != domain.DeadLetterReasonPermanentFailure {
		t.Fatalf("reason = %s, want permanent_failure", dl.Reason)
	}
	if dl.FinalError != "invalid registration" {
		t.Fatalf("final error = %q", dl.FinalError)
	}
	if len(dl.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(dl.Attempts))
	}
	if !dl.DeadLetteredAt.Equal(s.now()) {
		t.Fatalf("dead lettered at = %s, want %s", dl.DeadLetteredAt, s.now())
	}
}

func TestRetrySchedulerDeadLetterClosedEvent(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	event := testEvent("e-1")
	if _, err := store.eventRepo().CreateIfAbsent(context.Background(), event); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}
	if _, err := store.eventRepo().Cancel(context.Background(), event.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	s, _ := newTestScheduler(t, store.eventRepo(), store.attemptRepo(), store.deadLetterRepo(), &fakePublisher{})

	_, err := s.DeadLetter(context.Background(), event, domain.DeadLetterReasonRetryExhausted, nil)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("DeadLetter() error = %v, want ErrConflict", err)
	}
	if n := store.deadLetterCount(); n != 0 {
		t.Fatalf("dead letters = %d, want 0", n)
	}
	if rec, _ := store.record(event.ID); rec.State != domain.EventStateCanceled {
		t.Fatalf("state = %s, want CANCELED", rec.State)
	}
}

func TestRetrySchedulerDeadLetterSinkFailureKeepsEventOpen(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	event := testEvent("e-sink")
	if _, err := store.eventRepo().CreateIfAbsent(context.Background(), event); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}
	if _, err := store.eventRepo().BeginAttempt(context.Background(), event); err != nil {
		t.Fatalf("BeginAttempt() error = %v", err)
	}

	boom := errors.New("dead_letters insert failed")
	var calls atomic.Int32
	sink := &fakeSink{
		appendFn: func(ctx context.Context, dl *domain.DeadLetter) error {
			if calls.Add(1) == 1 {
				return boom
			}
			return store.deadLetterRepo().Append(ctx, dl)
		},
	}

	s, _ := newTestScheduler(t, store.eventRepo(), store.attemptRepo(), sink, &fakePublisher{})

	_, err := s.DeadLetter(context.Background(), event, domain.DeadLetterReasonPermanentFailure, errors.New("410"))
	if !errors.Is(err, boom) {
		t.Fatalf("DeadLetter() error = %v, want %v", err, boom)
	}
	if rec, _ := store.record(event.ID); rec.State != domain.EventStateInFlight {
		t.Fatalf("state after failed append = %s, want IN_FLIGHT", rec.State)
	}
	if n := store.deadLetterCount(); n != 0 {
		t.Fatalf("dead letters = %d, want 0", n)
	}

	if _, err := s.DeadLetter(context.Background(), event, domain.DeadLetterReasonPermanentFailure, errors.New("410")); err != nil {
		t.Fatalf("second DeadLetter() error = %v", err)
	}
	if rec, _ := store.record(event.ID); rec.State != domain.EventStateDeadLettered {
		t.Fatalf("state = %s, want DEAD_LETTERED", rec.State)
	}
	if n := store.deadLetterCount(); n != 1 {
		t.Fatalf("dead letters = %d, want 1", n)
	}
}

func TestRetrySchedulerReplay(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	event := testEvent("e-replay")
	if _, err := store.eventRepo().CreateIfAbsent(context.Background(), event); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.eventRepo().BeginAttempt(context.Background(), event); err != nil {
			t.Fatalf("BeginAttempt() error = %v", err)
		}
	}

	var gotQueue string
	var gotMsg queue.EventMessage
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.EventMessage) error {
			gotQueue = queueName
			gotMsg = msg
			return nil
		},
	}

	s, err := NewRetryScheduler(store.eventRepo(), store.attemptRepo(), store.deadLetterRepo(), store.deadLetterRepo(), publisher, NewBackoffPolicy(0, 0), 5, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	dl, err := s.DeadLetter(context.Background(), event, domain.DeadLetterReasonRetryExhausted, errors.New("503"))
	if err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}

	record, err := s.Replay(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if record.State != domain.EventStatePending {
		t.Fatalf("state = %s, want PENDING", record.State)
	}
	if record.BudgetAttempts() != 0 {
		t.Fatalf("budget attempts = %d, want 0", record.BudgetAttempts())
	}
	if record.AttemptCount != 5 {
		t.Fatalf("attempt count = %d, want 5", record.AttemptCount)
	}
	if gotQueue != "notify.alerts" || gotMsg.Reason != queue.ReasonReplay {
		t.Fatalf("published %q %+v, want replay on notify.alerts", gotQueue, gotMsg)
	}

	if stored := store.firstDeadLetter(); stored.ReplayedAt == nil {
		t.Fatal("dead letter should be stamped as replayed")
	}

	if _, err := s.Replay(context.Background(), dl.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second Replay() error = %v, want ErrConflict", err)
	}
	if _, err := s.Replay(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Replay(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRetrySchedulerReplayPublishFailureStaysReplayable(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	event := testEvent("e-replay-retry")
	if _, err := store.eventRepo().CreateIfAbsent(context.Background(), event); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}
	if _, err := store.eventRepo().BeginAttempt(context.Background(), event); err != nil {
		t.Fatalf("BeginAttempt() error = %v", err)
	}

	boom := errors.New("broker unavailable")
	var publishes atomic.Int32
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, queueName string, msg queue.EventMessage) error {
			if publishes.Add(1) == 1 {
				return boom
			}
			return nil
		},
	}

	s, err := NewRetryScheduler(store.eventRepo(), store.attemptRepo(), store.deadLetterRepo(), store.deadLetterRepo(), publisher, NewBackoffPolicy(0, 0), 5, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryScheduler() error = %v", err)
	}

	dl, err := s.DeadLetter(context.Background(), event, domain.DeadLetterReasonPermanentFailure, errors.New("400"))
	if err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}

	if _, err := s.Replay(context.Background(), dl.ID); !errors.Is(err, boom) {
		t.Fatalf("Replay() error = %v, want %v", err, boom)
	}
	if stored := store.firstDeadLetter(); stored.ReplayedAt != nil {
		t.Fatal("dead letter must not be stamped when the enqueue failed")
	}

	record, err := s.Replay(context.Background(), dl.ID)
	if err != nil {
		t.Fatalf("second Replay() error = %v", err)
	}
	if record.State != domain.EventStatePending {
		t.Fatalf("state = %s, want PENDING", record.State)
	}
	if record.BudgetAttempts() != 0 {
		t.Fatalf("budget attempts = %d, want 0", record.BudgetAttempts())
	}
	if stored := store.firstDeadLetter(); stored.ReplayedAt == nil {
		t.Fatal("dead letter should be stamped after a successful enqueue")
	}
	if got := publishes.Load(); got != 2 {
		t.Fatalf("publishes = %d, want 2", got)
	}
}
