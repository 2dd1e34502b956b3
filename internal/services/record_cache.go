package services

import (
	"log"
	"sort"
	"sync"

	"tipstream/internal/models"

	"github.com/patrickmn/go-cache"
)

// RecordCacheService holds every record ever fetched for a subject,
// independent of the currently selected time window. Entries never
// expire within the process lifetime; only ClearAll drops data. The
// cached slice for a subject is always a superset of any time-filtered
// view derived from it.
type RecordCacheService struct {
	cache *cache.Cache
	mu    sync.RWMutex
}

// NewRecordCacheService creates a new record cache service
func NewRecordCacheService() *RecordCacheService {
	return &RecordCacheService{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

// Get returns all known records for a subject, newest first. The
// returned slice is shared; callers must not mutate it.
func (s *RecordCacheService) Get(subject string) []models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, found := s.cache.Get(subject)
	if !found {
		return nil
	}

	records, ok := value.([]models.Record)
	if !ok {
		return nil
	}
	return records
}

// Merge folds newly fetched records into a subject's entry, dropping
// ids already present, and re-sorts by timestamp descending. Returns
// the merged slice. Repeated merges of overlapping pages never
// duplicate an id.
func (s *RecordCacheService) Merge(subject string, newRecords []models.Record) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []models.Record
	if value, found := s.cache.Get(subject); found {
		if records, ok := value.([]models.Record); ok {
			existing = records
		}
	}

	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.ID] = true
	}

	merged := make([]models.Record, len(existing), len(existing)+len(newRecords))
	copy(merged, existing)
	added := 0
	for _, r := range newRecords {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		merged = append(merged, r)
		added++
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp > merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})

	s.cache.Set(subject, merged, cache.NoExpiration)
	RecordCacheMerge(added)

	return merged
}

// OldestTimestamp returns the oldest cached timestamp for a subject.
// The second return is false when nothing is cached yet.
func (s *RecordCacheService) OldestTimestamp(subject string) (int64, bool) {
	records := s.Get(subject)
	if len(records) == 0 {
		return 0, false
	}
	// Records are kept newest first.
	return records[len(records)-1].Timestamp, true
}

// Count returns how many records are cached for a subject.
func (s *RecordCacheService) Count(subject string) int {
	return len(s.Get(subject))
}

// SubjectCount returns how many subjects have cached data.
func (s *RecordCacheService) SubjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.ItemCount()
}

// TotalCount returns the number of cached records across all subjects.
func (s *RecordCacheService) TotalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, item := range s.cache.Items() {
		if records, ok := item.Object.([]models.Record); ok {
			total += len(records)
		}
	}
	return total
}

// ClearAll drops every subject's data. Called when the primary relay
// configuration changes so stale cross-relay data cannot leak into the
// new configuration.
func (s *RecordCacheService) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.cache.ItemCount()
	s.cache.Flush()
	log.Printf("🗑️  [RECORD-CACHE] Cleared all cached records (%d subjects)", count)
}

// Stats returns cache statistics
func (s *RecordCacheService) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalRecords := 0
	for _, item := range s.cache.Items() {
		if records, ok := item.Object.([]models.Record); ok {
			totalRecords += len(records)
		}
	}

	return map[string]interface{}{
		"subjects":      s.cache.ItemCount(),
		"total_records": totalRecords,
	}
}

// FilterByWindow returns the records inside a window. The lower bound
// is inclusive when present. The upper bound applies only to custom
// windows; preset windows are filtered by since alone.
func FilterByWindow(records []models.Record, w models.Window) []models.Record {
	filtered := make([]models.Record, 0, len(records))
	for _, r := range records {
		if w.Since != nil && r.Timestamp < *w.Since {
			continue
		}
		if w.Custom && w.Until != nil && r.Timestamp > *w.Until {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}
