package services

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"tipstream/internal/models"
	"tipstream/internal/relay"
)

// stubRelayList serves a fixed set of extra read relays.
type stubRelayList struct {
	urls []string
}

func (s *stubRelayList) ReadRelayURLs() []string { return s.urls }

func newTestPagination(querier SourceQuerier, autoLoad bool, batchDelay time.Duration) (*PaginationService, *RecordCacheService) {
	cache := NewRecordCacheService()
	svc := NewPaginationService(
		NewFanoutService(querier),
		NewBatchController(),
		cache,
		&stubRelayList{},
		2*time.Second,
		batchDelay,
		autoLoad,
	)
	return svc, cache
}

// waitForState polls until the subject's state satisfies ok.
func waitForState(t *testing.T, svc *PaginationService, subject string, ok func(LoopState) bool) LoopState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := svc.State(subject)
		if ok(st) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("State for %s never reached the expected condition", subject)
	return LoopState{}
}

func settled(st LoopState) bool { return st.Phase != PhaseLoading }

func TestPagination_ManualLoadCachesResults(t *testing.T) {
	querier := &stubQuerier{handler: func(filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error) {
		now := time.Now().Unix()
		return []models.Record{
			{ID: "r1", Timestamp: now - 10},
			{ID: "r2", Timestamp: now - 20},
			{ID: "r3", Timestamp: now - 30},
		}, nil
	}}
	svc, cache := newTestPagination(querier, false, time.Hour)
	defer svc.Stop()

	window, _ := models.PresetWindow("7d", time.Now())

	state := svc.LoadMore("creator-1", window)
	if state.Phase != PhaseLoading {
		t.Fatalf("Expected loading phase right after a manual trigger, got %s", state.Phase)
	}

	final := waitForState(t, svc, "creator-1", settled)
	if final.Phase != PhaseComplete {
		t.Errorf("Expected complete after a short batch, got %s", final.Phase)
	}
	if !final.SourceExhausted {
		t.Error("A short batch means no older data exists; expected the source marked exhausted")
	}
	if final.TotalFetched != 3 {
		t.Errorf("Expected 3 records fetched, got %d", final.TotalFetched)
	}
	if final.BatchIndex != 1 {
		t.Errorf("Expected batch index 1, got %d", final.BatchIndex)
	}
	if final.DetectedLimit != MinBatchSize {
		t.Errorf("Expected the detected limit floored to %d, got %d", MinBatchSize, final.DetectedLimit)
	}
	if cache.Count("creator-1") != 3 {
		t.Errorf("Expected 3 cached records, got %d", cache.Count("creator-1"))
	}
}

func TestPagination_WalksBackwardFromOldestCached(t *testing.T) {
	querier := &stubQuerier{} // nil handler answers empty
	svc, cache := newTestPagination(querier, false, time.Hour)
	defer svc.Stop()

	cache.Merge("creator-1", []models.Record{
		{ID: "a", Timestamp: 1000},
		{ID: "b", Timestamp: 500},
	})

	svc.LoadMore("creator-1", models.Window{})
	waitForState(t, svc, "creator-1", settled)

	filters := querier.capturedFilters()
	if len(filters) != 1 {
		t.Fatalf("Expected 1 query, got %d", len(filters))
	}
	if filters[0].Until == nil {
		t.Fatal("Expected the query bounded above by the cached oldest")
	}
	if *filters[0].Until != 499 {
		t.Errorf("Expected until = oldest-1 = 499, got %d", *filters[0].Until)
	}
	if filters[0].Limit != InitialBatchSize {
		t.Errorf("Expected a manual trigger to request %d, got %d", InitialBatchSize, filters[0].Limit)
	}
}

func TestPagination_EmptyBoundedWindowCompletes(t *testing.T) {
	querier := &stubQuerier{}
	svc, _ := newTestPagination(querier, false, time.Hour)
	defer svc.Stop()

	window, _ := models.PresetWindow("7d", time.Now())
	svc.LoadMore("creator-1", window)

	final := waitForState(t, svc, "creator-1", settled)
	if final.Phase != PhaseComplete {
		t.Errorf("Expected an empty bounded window to complete, got %s", final.Phase)
	}
	if final.SourceExhausted {
		t.Error("An empty window says nothing about the source; exhausted must stay false")
	}
}

func TestPagination_BoundaryCompletion(t *testing.T) {
	window, _ := models.PresetWindow("7d", time.Now())
	since := *window.Since

	querier := &stubQuerier{handler: func(filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error) {
		// A full page whose oldest record sits at the window boundary.
		records := make([]models.Record, filter.Limit)
		for i := range records {
			records[i] = models.Record{
				ID:        fmt.Sprintf("r%04d", i),
				Timestamp: since + 10 + int64(i),
			}
		}
		return records, nil
	}}
	svc, _ := newTestPagination(querier, false, time.Hour)
	defer svc.Stop()

	svc.LoadMore("creator-1", window)

	final := waitForState(t, svc, "creator-1", settled)
	if final.Phase != PhaseComplete {
		t.Errorf("Expected completion at the window boundary, got %s", final.Phase)
	}
	if final.SourceExhausted {
		t.Error("A full page must not mark the source exhausted")
	}
	if final.TotalFetched != InitialBatchSize {
		t.Errorf("Expected %d records fetched, got %d", InitialBatchSize, final.TotalFetched)
	}
}

func TestPagination_ExhaustedStaysCompleteAcrossWindows(t *testing.T) {
	querier := &stubQuerier{handler: func(filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error) {
		now := time.Now().Unix()
		return []models.Record{{ID: "only", Timestamp: now - 10}}, nil
	}}
	svc, _ := newTestPagination(querier, true, time.Hour)
	defer svc.Stop()

	window, _ := models.PresetWindow("7d", time.Now())
	svc.LoadMore("creator-1", window)
	final := waitForState(t, svc, "creator-1", settled)
	if final.Phase != PhaseComplete || !final.SourceExhausted {
		t.Fatalf("Expected exhausted completion, got phase %s exhausted %v", final.Phase, final.SourceExhausted)
	}
	calls := querier.callCount()

	// A wider window cannot reopen an exhausted loop.
	wider, _ := models.PresetWindow("90d", time.Now())
	after := svc.EnsureWindow("creator-1", wider)
	if after.Phase != PhaseComplete {
		t.Errorf("Expected the loop to stay complete, got %s", after.Phase)
	}
	if querier.callCount() != calls {
		t.Errorf("Expected no further queries for an exhausted subject, got %d more", querier.callCount()-calls)
	}
}

func TestPagination_BoundedCompletionReopensForWiderWindow(t *testing.T) {
	querier := &stubQuerier{} // always empty
	svc, _ := newTestPagination(querier, true, time.Hour)
	defer svc.Stop()

	narrow, _ := models.PresetWindow("7d", time.Now())
	st := svc.EnsureWindow("creator-1", narrow)
	if st.Phase != PhaseLoading {
		t.Fatalf("Expected an uncovered window to start a cycle, got %s", st.Phase)
	}
	final := waitForState(t, svc, "creator-1", settled)
	if final.Phase != PhaseComplete {
		t.Fatalf("Expected bounded completion, got %s", final.Phase)
	}

	// Window-bounded completion is relative to the window at hand: a
	// wider window probes again.
	wider, _ := models.PresetWindow("90d", time.Now())
	st = svc.EnsureWindow("creator-1", wider)
	if st.Phase != PhaseLoading {
		t.Fatalf("Expected the wider window to reopen the loop, got %s", st.Phase)
	}
	waitForState(t, svc, "creator-1", settled)

	if querier.callCount() != 2 {
		t.Errorf("Expected 2 queries across the two windows, got %d", querier.callCount())
	}
}

func TestPagination_EnsureWindowSkipsCoveredWindow(t *testing.T) {
	querier := &stubQuerier{}
	svc, cache := newTestPagination(querier, true, time.Hour)
	defer svc.Stop()

	window, _ := models.PresetWindow("7d", time.Now())
	cache.Merge("creator-1", []models.Record{
		{ID: "a", Timestamp: time.Now().Unix() - 60},
		{ID: "b", Timestamp: *window.Since - 100}, // older than the window floor
	})

	st := svc.EnsureWindow("creator-1", window)
	if st.Phase != PhaseIdle {
		t.Errorf("Expected no cycle for a covered window, got %s", st.Phase)
	}
	if querier.callCount() != 0 {
		t.Errorf("Expected no queries for a covered window, got %d", querier.callCount())
	}
}

func TestPagination_InFlightTriggerDropped(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	querier := &stubQuerier{handler: func(filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil, nil
	}}
	svc, _ := newTestPagination(querier, false, time.Hour)
	defer svc.Stop()

	first := svc.LoadMore("creator-1", models.Window{})
	if first.Phase != PhaseLoading {
		t.Fatalf("Expected loading, got %s", first.Phase)
	}

	// A second trigger while a cycle is in flight is dropped, not queued.
	second := svc.LoadMore("creator-1", models.Window{})
	if second.Phase != PhaseLoading {
		t.Errorf("Expected the in-flight state back, got %s", second.Phase)
	}

	close(release)
	waitForState(t, svc, "creator-1", settled)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected exactly one query, got %d", got)
	}
}

func TestPagination_ResetDiscardsInFlightResults(t *testing.T) {
	release := make(chan struct{})
	querier := &stubQuerier{handler: func(filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error) {
		<-release
		return []models.Record{{ID: "late", Timestamp: 100}}, nil
	}}
	svc, cache := newTestPagination(querier, false, time.Hour)
	defer svc.Stop()

	svc.LoadMore("creator-1", models.Window{})
	svc.Reset("creator-1")
	close(release)

	// Give the abandoned cycle time to finish and be discarded.
	time.Sleep(100 * time.Millisecond)

	if cache.Count("creator-1") != 0 {
		t.Errorf("Expected results from a reset generation to be discarded, got %d cached records", cache.Count("creator-1"))
	}
	st := svc.State("creator-1")
	if st.BatchIndex != 0 || st.TotalFetched != 0 {
		t.Errorf("Expected a fresh state after reset, got batch %d with %d fetched", st.BatchIndex, st.TotalFetched)
	}
}

func TestPagination_CircuitBreakerTripsAndManualRetryResets(t *testing.T) {
	querier := &stubQuerier{handler: func(filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error) {
		return nil, fmt.Errorf("relay down")
	}}
	svc, _ := newTestPagination(querier, false, 10*time.Millisecond)
	defer svc.Stop()

	window, _ := models.PresetWindow("7d", time.Now())
	svc.LoadMore("creator-1", window)

	// Automatic retries run until the breaker trips.
	tripped := waitForState(t, svc, "creator-1", func(st LoopState) bool {
		return st.ConsecutiveFailures >= MaxConsecutiveFailures && !st.AutoLoad
	})
	if tripped.Phase != PhaseFailed {
		t.Errorf("Expected failed phase at the breaker, got %s", tripped.Phase)
	}
	if tripped.LastError == "" {
		t.Error("Expected the last error to be kept")
	}

	// A manual trigger clears the counters and re-enables auto-load.
	retried := svc.LoadMore("creator-1", window)
	if retried.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure count reset on manual retry, got %d", retried.ConsecutiveFailures)
	}
	if !retried.AutoLoad {
		t.Error("Expected auto-load re-enabled on manual retry")
	}
	if retried.Phase != PhaseLoading {
		t.Errorf("Expected a fresh cycle after manual retry, got %s", retried.Phase)
	}
}

func TestDecideNext(t *testing.T) {
	tests := []struct {
		name string
		st   LoopState
		want NextAction
	}{
		{"loading waits", LoopState{Phase: PhaseLoading, AutoLoad: true}, ActionWait},
		{"complete stops", LoopState{Phase: PhaseComplete, AutoLoad: true}, ActionStop},
		{"auto-load off stops", LoopState{Phase: PhaseIdle, AutoLoad: false, BatchIndex: 1, LastRequested: 1000, LastReturned: 1000}, ActionStop},
		{"failure retries until the breaker", LoopState{Phase: PhaseFailed, AutoLoad: true, ConsecutiveFailures: 1}, ActionContinue},
		{"tripped breaker stops", LoopState{Phase: PhaseFailed, AutoLoad: false, ConsecutiveFailures: 3}, ActionStop},
		{"fresh state waits for a trigger", LoopState{Phase: PhaseIdle, AutoLoad: true}, ActionWait},
		{"empty batch keeps probing", LoopState{Phase: PhaseIdle, AutoLoad: true, BatchIndex: 1, ZeroBatches: 1, LastRequested: 1000}, ActionContinue},
		{"three zero batches stop probing", LoopState{Phase: PhaseIdle, AutoLoad: true, BatchIndex: 3, ZeroBatches: 3, LastRequested: 1000}, ActionStop},
		{"near-full page continues", LoopState{Phase: PhaseIdle, AutoLoad: true, BatchIndex: 1, LastRequested: 1000, LastReturned: 950}, ActionContinue},
		{"large absolute yield continues", LoopState{Phase: PhaseIdle, AutoLoad: true, BatchIndex: 1, LastRequested: 1000, LastReturned: 100}, ActionContinue},
		{"small yield waits", LoopState{Phase: PhaseIdle, AutoLoad: true, BatchIndex: 1, LastRequested: 1000, LastReturned: 80}, ActionWait},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecideNext(tt.st); got != tt.want {
				t.Errorf("DecideNext(%+v) = %v, want %v", tt.st, got, tt.want)
			}
		})
	}
}

func TestLoopState_Status(t *testing.T) {
	loading := LoopState{Subject: "creator-1", Phase: PhaseLoading, AutoLoad: true}
	status := loading.Status()
	if !status.IsLoading || status.CanLoadMore {
		t.Errorf("Loading state mapped wrong: %+v", status)
	}

	complete := LoopState{Subject: "creator-1", Phase: PhaseComplete}
	status = complete.Status()
	if !status.IsComplete || status.CanLoadMore {
		t.Errorf("Complete state mapped wrong: %+v", status)
	}

	failed := LoopState{Subject: "creator-1", Phase: PhaseFailed, LastError: "relay down"}
	status = failed.Status()
	if status.IsLoading || status.IsComplete {
		t.Errorf("Failed state mapped wrong: %+v", status)
	}
	if !status.CanLoadMore {
		t.Error("A failed subject must remain manually retryable")
	}
	if status.Error != "relay down" {
		t.Errorf("Expected the error surfaced, got %q", status.Error)
	}
}
