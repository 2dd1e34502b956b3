package services

import (
	"context"
	"sync"

	"tipstream/internal/models"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Auxiliary lookup tuning. External-id lookups go out in fixed-size
// chunks with bounded concurrency and paced launches.
const (
	lookupChunkSize    = 120
	lookupConcurrency  = 3
	lookupChunksPerSec = 4
)

// RelayLister provides the current extra read-capable relay URLs.
type RelayLister interface {
	ReadRelayURLs() []string
}

// LookupService fetches content records and actor profiles referenced
// by tips, through the same fanout path as the main aggregation.
// Results live in permanent process-lifetime caches keyed by id, so
// repeated lookups across windows and subjects are served locally.
// Cache writes are idempotent: the same id always maps to the same
// logical record.
type LookupService struct {
	fanout    *FanoutService
	relays    RelayLister
	contents  *cache.Cache // content id -> models.Record
	actors    *cache.Cache // actor -> models.ActorProfile
	resources *ResourceManager
	limiter   *rate.Limiter
}

// NewLookupService creates a new lookup service
func NewLookupService(fanout *FanoutService, relays RelayLister) *LookupService {
	return &LookupService{
		fanout:    fanout,
		relays:    relays,
		contents:  cache.New(cache.NoExpiration, 0),
		actors:    cache.New(cache.NoExpiration, 0),
		resources: NewResourceManager(lookupConcurrency),
		limiter:   rate.NewLimiter(rate.Limit(lookupChunksPerSec), 1),
	}
}

// ContentByIDs resolves content records for the given ids. Cached ids
// are served locally; the rest are fetched in chunks. Ids no relay
// knows stay absent from the result.
func (s *LookupService) ContentByIDs(ctx context.Context, ids []string) map[string]models.Record {
	result := make(map[string]models.Record, len(ids))

	missing := make([]string, 0, len(ids))
	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || requested[id] {
			continue
		}
		requested[id] = true
		if value, found := s.contents.Get(id); found {
			if r, ok := value.(models.Record); ok {
				result[id] = r
				continue
			}
		}
		missing = append(missing, id)
	}

	RecordLookup("content", len(requested), len(requested)-len(missing))
	if len(missing) == 0 {
		return result
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, chunk := range chunkStrings(missing, lookupChunkSize) {
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			if err := s.resources.Acquire(ctx); err != nil {
				return
			}
			defer s.resources.Release()
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}

			res := s.fanout.Fanout(ctx, models.RecordFilter{
				IDs:   chunk,
				Kinds: []string{models.KindPost},
				Limit: len(chunk),
			}, s.relays.ReadRelayURLs())

			mu.Lock()
			for _, r := range res.Records {
				s.contents.Set(r.ID, r, cache.NoExpiration)
				result[r.ID] = r
			}
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	return result
}

// ActorsByIDs resolves display profiles for the given actors. When a
// relay returns several profile records for one actor, the newest
// wins. Actors without a parseable profile stay absent; callers fall
// back to the raw actor id.
func (s *LookupService) ActorsByIDs(ctx context.Context, actors []string) map[string]models.ActorProfile {
	result := make(map[string]models.ActorProfile, len(actors))

	missing := make([]string, 0, len(actors))
	requested := make(map[string]bool, len(actors))
	for _, actor := range actors {
		if actor == "" || requested[actor] {
			continue
		}
		requested[actor] = true
		if value, found := s.actors.Get(actor); found {
			if p, ok := value.(models.ActorProfile); ok {
				result[actor] = p
				continue
			}
		}
		missing = append(missing, actor)
	}

	RecordLookup("actor", len(requested), len(requested)-len(missing))
	if len(missing) == 0 {
		return result
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, chunk := range chunkStrings(missing, lookupChunkSize) {
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			if err := s.resources.Acquire(ctx); err != nil {
				return
			}
			defer s.resources.Release()
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}

			res := s.fanout.Fanout(ctx, models.RecordFilter{
				Kinds:  []string{models.KindProfile},
				Actors: chunk,
				Limit:  len(chunk),
			}, s.relays.ReadRelayURLs())

			newest := make(map[string]models.Record, len(chunk))
			for _, r := range res.Records {
				if prev, ok := newest[r.Actor]; !ok || r.Timestamp > prev.Timestamp {
					newest[r.Actor] = r
				}
			}

			mu.Lock()
			for actor, r := range newest {
				profile, err := models.ParseProfile(r)
				if err != nil {
					continue // malformed profile: dropped, never surfaced
				}
				s.actors.Set(actor, profile, cache.NoExpiration)
				result[actor] = profile
			}
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	return result
}

// Stats returns lookup cache statistics
func (s *LookupService) Stats() map[string]interface{} {
	return map[string]interface{}{
		"content_entries": s.contents.ItemCount(),
		"actor_entries":   s.actors.ItemCount(),
	}
}

// chunkStrings splits ids into fixed-size chunks, preserving order.
func chunkStrings(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
