// Package expiry cancels trips that nobody accepted in time.
//
// Every armed deadline is written to a DeadlineStore and mirrored by a local
// timer. A firing timer, or a sweep that finds an overdue deadline, first
// claims it by removing it from the store; only the claimer runs the handler.
// A timer whose stored deadline has moved later re-arms for the stored time.
// Disarm removes the deadline, so a timer that fires afterwards claims nothing.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/observability"
)

// Handler is invoked once per claimed expiration. It must re-check the trip's
// state itself; the scheduler only guarantees the deadline passed.
type Handler func(ctx context.Context, tripID string) error

type Scheduler struct {
	store      DeadlineStore
	log        *slog.Logger
	sweepEvery time.Duration
	fireTO     time.Duration
	now        func() time.Time

	mu      sync.Mutex
	timers  map[string]*entry
	handler Handler
	closed  bool
}

type entry struct {
	timer *time.Timer
}

type Option func(*Scheduler)

// WithClock overrides the clock used to compute delays and sweep cut-offs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(store DeadlineStore, logger *slog.Logger, sweepEvery time.Duration, opts ...Option) *Scheduler {
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Second
	}
	s := &Scheduler{
		store:      store,
		log:        logger,
		sweepEvery: sweepEvery,
		fireTO:     10 * time.Second,
		now:        time.Now,
		timers:     make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle sets the expiration handler. It must be called before the first
// deadline can fire.
func (s *Scheduler) Handle(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Arm records a deadline for tripID, replacing any earlier one.
func (s *Scheduler) Arm(ctx context.Context, tripID string, deadline time.Time) error {
	if err := s.store.Put(ctx, tripID, deadline); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// the sweep on the next start picks it up
		return nil
	}
	if old, ok := s.timers[tripID]; ok {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(deadline.Sub(s.now()), func() { s.fire(tripID, e) })
	s.timers[tripID] = e
	return nil
}

// Disarm drops the deadline for tripID. Disarming an unknown trip is a no-op.
func (s *Scheduler) Disarm(ctx context.Context, tripID string) error {
	s.mu.Lock()
	if e, ok := s.timers[tripID]; ok {
		e.timer.Stop()
		delete(s.timers, tripID)
	}
	s.mu.Unlock()
	_, err := s.store.Remove(ctx, tripID)
	return err
}

// Pending reports how many local timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run sweeps overdue deadlines until ctx is done, then stops all local timers.
// The first sweep runs immediately so deadlines left by a previous process
// are honoured.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.sweepEvery)
	defer t.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			observability.ExpirySweepErrors.Inc()
			s.log.Warn("expiry sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.stop()
			return nil
		case <-t.C:
		}
	}
}

// Sweep expires every deadline that is already due and returns how many it
// claimed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.Due(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		s.mu.Lock()
		if e, ok := s.timers[id]; ok {
			e.timer.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if s.claimAndRun(ctx, id) {
			n++
		}
	}
	return n, nil
}

func (s *Scheduler) fire(tripID string, e *entry) {
	s.mu.Lock()
	if cur, ok := s.timers[tripID]; ok && cur != e {
		// superseded by a later Arm on this instance
		s.mu.Unlock()
		return
	}
	delete(s.timers, tripID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTO)
	defer cancel()

	at, ok, err := s.store.Deadline(ctx, tripID)
	switch {
	case err != nil:
		// the sweep only returns due entries, so leave it to the sweep
		s.log.Warn("read expiry deadline failed", "trip_id", tripID, "error", err)
		return
	case !ok:
		return
	case at.After(s.now()):
		// moved out by another instance
		s.rearmLocal(tripID, at)
		return
	}
	s.claimAndRun(ctx, tripID)
}

func (s *Scheduler) rearmLocal(tripID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[tripID]; ok || s.closed {
		return
	}
	e := &entry{}
	e.timer = time.AfterFunc(at.Sub(s.now()), func() { s.fire(tripID, e) })
	s.timers[tripID] = e
}

func (s *Scheduler) claimAndRun(ctx context.Context, tripID string) bool {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		s.log.Error("expiry fired with no handler", "trip_id", tripID)
		return false
	}

	claimed, err := s.store.Remove(ctx, tripID)
	if err != nil {
		// left in the store; a later sweep retries
		s.log.Warn("claim expiry failed", "trip_id", tripID, "error", err)
		return false
	}
	if !claimed {
		return false
	}
	if err := h(ctx, tripID); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("expiry handler failed", "trip_id", tripID, "error", err)
		// put it back for the sweep; the handler is idempotent
		if perr := s.store.Put(ctx, tripID, s.now().Add(s.sweepEvery)); perr != nil {
			s.log.Error("requeue expiry failed", "trip_id", tripID, "error", perr)
		}
	}
	return true
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
}
