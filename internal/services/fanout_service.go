package services

import (
	"context"
	"sync"
	"time"

	"tipstream/internal/models"
	"tipstream/internal/relay"
)

// SourceQuerier executes one filter against one relay. Implemented by
// relay.Client; tests substitute mocks.
type SourceQuerier interface {
	Query(ctx context.Context, filter models.RecordFilter, opts relay.QueryOptions) ([]models.Record, error)
}

// FanoutResult carries the merged records plus how the fanout went.
// An all-relays-failed fanout is not an error here; the pagination
// loop decides what that means.
type FanoutResult struct {
	Records  []models.Record
	Queried  int
	Failures int
}

// AllFailed reports whether every queried relay failed.
func (r FanoutResult) AllFailed() bool {
	return r.Queried > 0 && r.Failures == r.Queried
}

// FanoutService issues one logical query as N parallel physical
// queries (primary relay plus extras) and merges the results by
// record id.
type FanoutService struct {
	querier SourceQuerier
}

// NewFanoutService creates a new fanout service
func NewFanoutService(querier SourceQuerier) *FanoutService {
	return &FanoutService{querier: querier}
}

// Fanout runs the filter against the primary relay and every extra
// URL concurrently, all sharing ctx's deadline. Individual failures
// degrade to empty contributions; the call returns only when every
// sub-query has settled. Merged output keeps the first-seen position
// per id; a later duplicate overwrites the earlier copy in place.
// No ordering guarantee: callers sort if order matters.
func (s *FanoutService) Fanout(ctx context.Context, filter models.RecordFilter, extraRelayURLs []string) FanoutResult {
	targets := make([]relay.QueryOptions, 0, 1+len(extraRelayURLs))
	targets = append(targets, relay.QueryOptions{}) // primary
	for _, url := range extraRelayURLs {
		targets = append(targets, relay.QueryOptions{RelayURL: url})
	}

	start := time.Now()
	results := make([][]models.Record, len(targets))
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, opts := range targets {
		wg.Add(1)
		go func(i int, opts relay.QueryOptions) {
			defer wg.Done()
			records, err := s.querier.Query(ctx, filter, opts)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = records
		}(i, opts)
	}
	wg.Wait()

	merged := make([]models.Record, 0)
	index := make(map[string]int)
	failures := 0
	for i, records := range results {
		if errs[i] != nil {
			failures++
			continue
		}
		for _, r := range records {
			if pos, seen := index[r.ID]; seen {
				merged[pos] = r // duplicate id: last write wins
				continue
			}
			index[r.ID] = len(merged)
			merged = append(merged, r)
		}
	}

	RecordFanout(len(targets), failures, len(merged), time.Since(start))

	return FanoutResult{
		Records:  merged,
		Queried:  len(targets),
		Failures: failures,
	}
}
