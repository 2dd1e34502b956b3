package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tipstream/internal/logging"
	"tipstream/internal/models"
)

// LoopPhase tags the pagination state machine for one subject.
type LoopPhase string

const (
	PhaseIdle     LoopPhase = "idle"
	PhaseLoading  LoopPhase = "loading"
	PhaseComplete LoopPhase = "complete"
	PhaseFailed   LoopPhase = "failed"
)

// Circuit breaker and continuation tuning.
const (
	MaxConsecutiveFailures = 3
	MaxZeroResultBatches   = 3
	ContinueFraction       = 0.9
	ContinueMinCount       = 100
	BoundaryToleranceSec   = int64(3600)
)

// LoopState is the full pagination state for one subject. Progress is
// keyed by subject and the cache's oldest timestamp, not by the
// currently displayed window: switching windows keeps it, switching
// subjects resets it. The transition methods on PaginationService are
// the only mutators.
type LoopState struct {
	Subject             string
	Phase               LoopPhase
	BatchIndex          int
	TotalFetched        int
	DetectedLimit       int // 0 = unknown
	ConsecutiveFailures int
	ZeroBatches         int
	AutoLoad            bool
	SourceExhausted     bool // relays returned less than requested: no older data exists
	LastError           string
	LastRequested       int
	LastReturned        int
	Generation          int
}

// Status converts the loop state into the descriptor surfaced to
// callers.
func (st LoopState) Status() models.LoadStatus {
	return models.LoadStatus{
		Subject:             st.Subject,
		IsLoading:           st.Phase == PhaseLoading,
		IsComplete:          st.Phase == PhaseComplete,
		CanLoadMore:         st.Phase != PhaseLoading && st.Phase != PhaseComplete,
		Error:               st.LastError,
		BatchIndex:          st.BatchIndex,
		TotalFetched:        st.TotalFetched,
		DetectedLimit:       st.DetectedLimit,
		ConsecutiveFailures: st.ConsecutiveFailures,
		AutoLoadEnabled:     st.AutoLoad,
	}
}

// NextAction is the scheduler decision taken after every transition.
type NextAction int

const (
	ActionWait NextAction = iota
	ActionContinue
	ActionStop
)

// DecideNext inspects a post-transition state and decides whether to
// schedule another automatic cycle, idle until the next explicit
// trigger, or stop. All automatic scheduling policy lives in this one
// pure function.
func DecideNext(st LoopState) NextAction {
	switch st.Phase {
	case PhaseLoading:
		return ActionWait
	case PhaseComplete:
		return ActionStop
	}
	if !st.AutoLoad {
		return ActionStop
	}
	if st.Phase == PhaseFailed {
		// Retry automatically until the circuit breaker trips.
		return ActionContinue
	}
	if st.BatchIndex == 0 && st.LastReturned == 0 {
		// Fresh state: nothing fetched yet, wait for a trigger.
		return ActionWait
	}
	if st.ZeroBatches >= MaxZeroResultBatches {
		// Repeated empty batches on an unbounded window: stop probing.
		return ActionStop
	}
	if st.LastReturned == 0 {
		return ActionContinue
	}
	// Continue only after a substantial yield; a small batch means the
	// relay is near-exhausted and hammering it buys nothing.
	if st.LastRequested > 0 && float64(st.LastReturned) >= ContinueFraction*float64(st.LastRequested) {
		return ActionContinue
	}
	if st.LastReturned >= ContinueMinCount {
		return ActionContinue
	}
	return ActionWait
}

// PaginationService drives repeated fetch cycles walking backward
// through time, one logical worker per subject. Cycles for a subject
// are strictly sequential: a trigger that arrives while one is in
// flight is dropped, never queued.
type PaginationService struct {
	fanout       *FanoutService
	batch        *BatchController
	cache        *RecordCacheService
	relays       RelayLister
	fetchTimeout time.Duration
	batchDelay   time.Duration
	autoDefault  bool

	mu      sync.Mutex
	states  map[string]*LoopState
	cancels map[string]context.CancelFunc
	timers  map[string]*time.Timer
	nextGen int

	rootCtx    context.Context
	rootCancel context.CancelFunc

	notify func(models.LoadStatus)
}

// NewPaginationService creates a new pagination service
func NewPaginationService(
	fanout *FanoutService,
	batch *BatchController,
	cache *RecordCacheService,
	relays RelayLister,
	fetchTimeout time.Duration,
	batchDelay time.Duration,
	autoLoad bool,
) *PaginationService {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &PaginationService{
		fanout:       fanout,
		batch:        batch,
		cache:        cache,
		relays:       relays,
		fetchTimeout: fetchTimeout,
		batchDelay:   batchDelay,
		autoDefault:  autoLoad,
		states:       make(map[string]*LoopState),
		cancels:      make(map[string]context.CancelFunc),
		timers:       make(map[string]*time.Timer),
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
	}
}

// SetNotifier registers a listener invoked after every state
// transition (used for the WebSocket state stream).
func (s *PaginationService) SetNotifier(fn func(models.LoadStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Stop cancels all in-flight work and scheduled continuations.
func (s *PaginationService) Stop() {
	s.mu.Lock()
	for subject, timer := range s.timers {
		timer.Stop()
		delete(s.timers, subject)
	}
	s.mu.Unlock()
	s.rootCancel()
}

// State returns the current loop state for a subject without
// triggering anything.
func (s *PaginationService) State(subject string) LoopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.stateLocked(subject)
}

// EnsureWindow starts an automatic fetch cycle when the cache does not
// yet cover the window, auto-load is enabled, and no cycle is in
// flight. Returns the resulting state either way.
func (s *PaginationService) EnsureWindow(subject string, window models.Window) LoopState {
	if subject == "" {
		return LoopState{}
	}

	s.mu.Lock()
	st := s.stateLocked(subject)
	if st.Phase == PhaseLoading || st.Phase == PhaseFailed || !st.AutoLoad {
		out := *st
		s.mu.Unlock()
		return out
	}

	oldest, cached := s.cache.OldestTimestamp(subject)

	// Completion is evaluated against the window at hand. Reaching the
	// boundary of a narrow window says nothing about a wider one, so
	// only relay exhaustion keeps the loop closed across window
	// switches.
	if st.Phase == PhaseComplete {
		if st.SourceExhausted {
			out := *st
			s.mu.Unlock()
			return out
		}
		deeper := window.Since == nil || !cached || oldest > *window.Since
		if !deeper {
			out := *st
			s.mu.Unlock()
			return out
		}
		st.Phase = PhaseIdle
	}

	needs := !cached
	if cached {
		if window.Since == nil {
			needs = true // unbounded window: only exhaustion finishes it
		} else if oldest > *window.Since {
			needs = true
		}
	}
	if !needs {
		out := *st
		s.mu.Unlock()
		return out
	}

	s.startCycleLocked(st, window, false)
	out := *st
	s.mu.Unlock()
	s.emit(out)
	return out
}

// LoadMore starts a manual fetch cycle. Always available: it resets
// the failure counters, re-enables auto-load, and reopens a completed
// loop for one probe. Dropped silently if a cycle is in flight.
func (s *PaginationService) LoadMore(subject string, window models.Window) LoopState {
	if subject == "" {
		return LoopState{}
	}

	s.mu.Lock()
	st := s.stateLocked(subject)
	if st.Phase == PhaseLoading {
		out := *st
		s.mu.Unlock()
		return out
	}

	st.ConsecutiveFailures = 0
	st.ZeroBatches = 0
	st.LastError = ""
	st.AutoLoad = true
	st.SourceExhausted = false
	if st.Phase == PhaseFailed || st.Phase == PhaseComplete {
		st.Phase = PhaseIdle
	}

	s.startCycleLocked(st, window, true)
	out := *st
	s.mu.Unlock()
	s.emit(out)
	return out
}

// Reset discards the loop state for a subject and aborts any in-flight
// fetch and scheduled continuation. The record cache is untouched.
// Called when the active subject changes.
func (s *PaginationService) Reset(subject string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[subject]; ok {
		cancel()
		delete(s.cancels, subject)
	}
	s.stopTimerLocked(subject)
	_, existed := s.states[subject]
	delete(s.states, subject)
	s.mu.Unlock()

	if existed {
		log.Printf("🔄 [PAGINATION] Reset loop state for subject %s", subject)
	}
}

// ResetAll discards every subject's loop state. Companion to the
// cache's ClearAll on configuration changes.
func (s *PaginationService) ResetAll() {
	s.mu.Lock()
	for subject, cancel := range s.cancels {
		cancel()
		delete(s.cancels, subject)
	}
	for subject, timer := range s.timers {
		timer.Stop()
		delete(s.timers, subject)
	}
	count := len(s.states)
	s.states = make(map[string]*LoopState)
	s.mu.Unlock()

	if count > 0 {
		log.Printf("🔄 [PAGINATION] Reset loop state for %d subjects", count)
	}
}

// stateLocked returns the state for a subject, creating it on first
// observation. Caller holds s.mu.
func (s *PaginationService) stateLocked(subject string) *LoopState {
	st, ok := s.states[subject]
	if !ok {
		s.nextGen++
		st = &LoopState{
			Subject:    subject,
			Phase:      PhaseIdle,
			AutoLoad:   s.autoDefault,
			Generation: s.nextGen,
		}
		s.states[subject] = st
	}
	return st
}

// startCycleLocked transitions a subject into the loading phase and
// launches the fetch goroutine. Caller holds s.mu.
func (s *PaginationService) startCycleLocked(st *LoopState, window models.Window, manual bool) {
	size := s.batch.NextSize(st.DetectedLimit, st.BatchIndex, !manual)

	filter := models.RecordFilter{
		Subject: st.Subject,
		Kinds:   models.ReceiptKinds(),
		Limit:   size,
		Since:   window.Since,
	}

	// Walk strictly backward: never re-request a range the cache
	// already covers.
	until := window.Until
	if oldest, ok := s.cache.OldestTimestamp(st.Subject); ok {
		before := oldest - 1
		if until == nil || before < *until {
			until = &before
		}
	}
	filter.Until = until

	st.Phase = PhaseLoading
	s.stopTimerLocked(st.Subject)

	ctx, cancel := context.WithTimeout(s.rootCtx, s.fetchTimeout)
	s.cancels[st.Subject] = cancel

	go s.runCycle(ctx, cancel, st.Subject, st.Generation, window, filter)
}

// runCycle executes one fetch cycle and applies exactly one
// transition for its outcome. Results for a generation that was reset
// mid-flight are discarded.
func (s *PaginationService) runCycle(ctx context.Context, cancel context.CancelFunc, subject string, gen int, window models.Window, filter models.RecordFilter) {
	defer cancel()

	logger := logging.WithCycle(logging.WithSubject(subject), s.State(subject).BatchIndex, filter.Limit)
	logger.Debug("fetch cycle started")

	res := s.fanout.Fanout(ctx, filter, s.relays.ReadRelayURLs())

	s.mu.Lock()
	st, ok := s.states[subject]
	if !ok || st.Generation != gen {
		s.mu.Unlock()
		logger.Debug("fetch cycle result discarded after reset")
		return
	}
	delete(s.cancels, subject)

	if res.AllFailed() {
		s.applyFailureLocked(st, fmt.Errorf("all %d relays failed", res.Queried))
		RecordPaginationCycle("failure")
	} else {
		oldestReturned := int64(0)
		for _, r := range res.Records {
			if oldestReturned == 0 || r.Timestamp < oldestReturned {
				oldestReturned = r.Timestamp
			}
		}
		s.cache.Merge(subject, res.Records)
		s.applySuccessLocked(st, filter.Limit, len(res.Records), oldestReturned, window)
		if st.Phase == PhaseComplete {
			RecordPaginationCycle("complete")
		} else {
			RecordPaginationCycle("success")
		}
	}

	out := *st
	if DecideNext(out) == ActionContinue {
		s.scheduleContinuationLocked(subject, window)
	}
	s.mu.Unlock()

	s.emit(out)
	logger.Debug("fetch cycle finished",
		"phase", string(out.Phase),
		"returned", out.LastReturned,
		"total_fetched", out.TotalFetched,
		"detected_limit", out.DetectedLimit,
	)
}

// applySuccessLocked folds a settled fanout into the state. Caller
// holds s.mu.
func (s *PaginationService) applySuccessLocked(st *LoopState, requested, returned int, oldestReturned int64, window models.Window) {
	st.Phase = PhaseIdle
	st.BatchIndex++
	st.TotalFetched += returned
	st.ConsecutiveFailures = 0
	st.LastError = ""
	st.LastRequested = requested
	st.LastReturned = returned
	st.DetectedLimit = s.batch.Observe(requested, returned, st.DetectedLimit)

	if returned == 0 {
		if window.Since != nil {
			// Bounded window with nothing left in it.
			st.Phase = PhaseComplete
		} else {
			st.ZeroBatches++
		}
		return
	}

	st.ZeroBatches = 0
	if returned < requested {
		st.SourceExhausted = true
		st.Phase = PhaseComplete
		log.Printf("🏁 [PAGINATION] Subject %s exhausted after %d records (%d < %d requested)",
			st.Subject, st.TotalFetched, returned, requested)
		return
	}
	if !window.Custom && window.Since != nil && oldestReturned <= *window.Since+BoundaryToleranceSec {
		// Oldest returned record already sits at the window boundary.
		st.Phase = PhaseComplete
	}
}

// applyFailureLocked folds a failed cycle into the state. Caller
// holds s.mu.
func (s *PaginationService) applyFailureLocked(st *LoopState, err error) {
	st.Phase = PhaseFailed
	st.ConsecutiveFailures++
	st.LastError = err.Error()

	if st.ConsecutiveFailures >= MaxConsecutiveFailures {
		st.AutoLoad = false
		log.Printf("🛑 [PAGINATION] Auto-load disabled for subject %s after %d consecutive failures",
			st.Subject, st.ConsecutiveFailures)
	}
}

// scheduleContinuationLocked arms the continuation timer for an
// automatic follow-up cycle. Caller holds s.mu.
func (s *PaginationService) scheduleContinuationLocked(subject string, window models.Window) {
	s.stopTimerLocked(subject)
	gen := s.states[subject].Generation
	s.timers[subject] = time.AfterFunc(s.batchDelay, func() {
		s.autoContinue(subject, gen, window)
	})
}

// autoContinue is the timer callback driving automatic cycles.
func (s *PaginationService) autoContinue(subject string, gen int, window models.Window) {
	s.mu.Lock()
	st, ok := s.states[subject]
	if !ok || st.Generation != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, subject)
	if st.Phase == PhaseLoading || st.Phase == PhaseComplete || !st.AutoLoad {
		s.mu.Unlock()
		return
	}
	s.startCycleLocked(st, window, false)
	out := *st
	s.mu.Unlock()
	s.emit(out)
}

// stopTimerLocked cancels a pending continuation. Caller holds s.mu.
func (s *PaginationService) stopTimerLocked(subject string) {
	if timer, ok := s.timers[subject]; ok {
		timer.Stop()
		delete(s.timers, subject)
	}
}

// emit pushes a state snapshot to the registered notifier, outside
// the service mutex.
func (s *PaginationService) emit(st LoopState) {
	s.mu.Lock()
	notify := s.notify
	s.mu.Unlock()
	if notify != nil {
		notify(st.Status())
	}
}
