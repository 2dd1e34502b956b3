package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"tipstream/internal/models"
)

// Aggregation tuning.
const (
	TopN             = 10
	RegularMinCount  = 5
	RegularMinAmount = int64(50000)
)

// TimeBucket is one point of the timeline rollup. Buckets with no
// receipts are present with zero values so charts have no gaps.
type TimeBucket struct {
	Start  int64  `json:"start"`
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// ContentStat ranks one piece of content by the receipts attached to
// it.
type ContentStat struct {
	ContentRef string `json:"content_ref"`
	Amount     int64  `json:"amount"`
	Count      int    `json:"count"`
	Preview    string `json:"preview,omitempty"`
}

// KindStat groups receipt totals by record kind.
type KindStat struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// ActorStat ranks one tipper.
type ActorStat struct {
	Actor  string `json:"actor"`
	Name   string `json:"name,omitempty"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// HourBucket is one hour-of-day histogram cell (UTC).
type HourBucket struct {
	Hour   int   `json:"hour"`
	Amount int64 `json:"amount"`
	Count  int   `json:"count"`
}

// DayBucket is one day-of-week histogram cell (UTC, Sunday first).
type DayBucket struct {
	Day    string `json:"day"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// RetentionStats classifies tippers by loyalty within the window: one
// receipt is new, a handful is returning, and a high count or a large
// total makes a regular.
type RetentionStats struct {
	New       int `json:"new"`
	Returning int `json:"returning"`
	Regular   int `json:"regular"`
}

// Summary is the full analytics rollup for one subject and window.
type Summary struct {
	Subject      string         `json:"subject"`
	Window       models.Window  `json:"window"`
	TotalAmount  int64          `json:"total_amount"`
	TotalCount   int            `json:"total_count"`
	UniqueActors int            `json:"unique_actors"`
	Timeline     []TimeBucket   `json:"timeline"`
	TopContent   []ContentStat  `json:"top_content"`
	ByKind       []KindStat     `json:"by_kind"`
	TopActors    []ActorStat    `json:"top_actors"`
	Hourly       []HourBucket   `json:"hourly"`
	Weekdays     []DayBucket    `json:"weekdays"`
	Retention    RetentionStats `json:"retention"`
	GeneratedAt  int64          `json:"generated_at"`
}

// EmptySummary is the zero result for configuration errors: a missing
// subject or an incomplete custom window short-circuits here without
// issuing any query.
func EmptySummary(subject string, window models.Window) Summary {
	return Summary{
		Subject:     subject,
		Window:      window,
		Timeline:    []TimeBucket{},
		TopContent:  []ContentStat{},
		ByKind:      []KindStat{},
		TopActors:   []ActorStat{},
		Hourly:      emptyHours(),
		Weekdays:    emptyWeekdays(),
		GeneratedAt: time.Now().Unix(),
	}
}

// AnalyticsService computes pure rollups over the deduplicated,
// window-filtered record set. The lookup service decorates content
// and actor entries; decoration failures degrade to bare entries,
// never errors.
type AnalyticsService struct {
	lookup *LookupService
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(lookup *LookupService) *AnalyticsService {
	return &AnalyticsService{lookup: lookup}
}

// Summarize aggregates the given records. Malformed records are
// dropped before aggregation. The input is expected to be deduped and
// window-filtered already; Summarize issues no relay queries beyond
// content/actor decoration.
func (s *AnalyticsService) Summarize(ctx context.Context, subject string, records []models.Record, window models.Window) Summary {
	valid := models.ValidTips(records)
	now := time.Now()

	summary := Summary{
		Subject:     subject,
		Window:      window,
		Timeline:    timeline(valid, window, now),
		Hourly:      emptyHours(),
		Weekdays:    emptyWeekdays(),
		GeneratedAt: now.Unix(),
	}

	actorTotals := make(map[string]*ActorStat)
	contentTotals := make(map[string]*ContentStat)
	kindTotals := make(map[string]*KindStat)

	for _, r := range valid {
		amount, _ := models.TipAmount(r)
		summary.TotalAmount += amount
		summary.TotalCount++

		if stat, ok := actorTotals[r.Actor]; ok {
			stat.Amount += amount
			stat.Count++
		} else {
			actorTotals[r.Actor] = &ActorStat{Actor: r.Actor, Amount: amount, Count: 1}
		}

		if r.ContentRef != "" {
			if stat, ok := contentTotals[r.ContentRef]; ok {
				stat.Amount += amount
				stat.Count++
			} else {
				contentTotals[r.ContentRef] = &ContentStat{ContentRef: r.ContentRef, Amount: amount, Count: 1}
			}
		}

		if stat, ok := kindTotals[r.Kind]; ok {
			stat.Amount += amount
			stat.Count++
		} else {
			kindTotals[r.Kind] = &KindStat{Kind: r.Kind, Amount: amount, Count: 1}
		}

		t := time.Unix(r.Timestamp, 0).UTC()
		summary.Hourly[t.Hour()].Amount += amount
		summary.Hourly[t.Hour()].Count++
		summary.Weekdays[int(t.Weekday())].Amount += amount
		summary.Weekdays[int(t.Weekday())].Count++
	}

	summary.UniqueActors = len(actorTotals)
	summary.Retention = classifyRetention(actorTotals)
	summary.ByKind = sortedKinds(kindTotals)
	summary.TopActors = topActors(actorTotals, TopN)
	summary.TopContent = topContent(contentTotals, TopN)

	s.decorate(ctx, &summary)

	return summary
}

// decorate fills display names and content previews through the
// lookup caches.
func (s *AnalyticsService) decorate(ctx context.Context, summary *Summary) {
	if s.lookup == nil {
		return
	}

	if len(summary.TopActors) > 0 {
		actors := make([]string, 0, len(summary.TopActors))
		for _, stat := range summary.TopActors {
			actors = append(actors, stat.Actor)
		}
		profiles := s.lookup.ActorsByIDs(ctx, actors)
		for i := range summary.TopActors {
			if profile, ok := profiles[summary.TopActors[i].Actor]; ok {
				summary.TopActors[i].Name = profile.BestName()
			}
		}
	}

	if len(summary.TopContent) > 0 {
		ids := make([]string, 0, len(summary.TopContent))
		for _, stat := range summary.TopContent {
			ids = append(ids, stat.ContentRef)
		}
		contents := s.lookup.ContentByIDs(ctx, ids)
		for i := range summary.TopContent {
			if content, ok := contents[summary.TopContent[i].ContentRef]; ok {
				summary.TopContent[i].Preview = previewText(content.Payload, 80)
			}
		}
	}
}

// timeline rolls receipts into buckets whose width follows the window
// span, zero-filling gaps across the whole span.
func timeline(records []models.Record, window models.Window, now time.Time) []TimeBucket {
	if len(records) == 0 && window.Since == nil {
		return []TimeBucket{}
	}

	lower := int64(0)
	if window.Since != nil {
		lower = *window.Since
	} else {
		// Unbounded window: start at the oldest record present.
		for _, r := range records {
			if lower == 0 || r.Timestamp < lower {
				lower = r.Timestamp
			}
		}
	}
	upper := now.Unix()
	if window.Until != nil {
		upper = *window.Until
	}
	if lower <= 0 || upper < lower {
		return []TimeBucket{}
	}

	width := bucketWidth(upper - lower)

	totals := make(map[int64]*TimeBucket)
	for _, r := range records {
		amount, _ := models.TipAmount(r)
		start := bucketStart(r.Timestamp, width)
		if bucket, ok := totals[start]; ok {
			bucket.Amount += amount
			bucket.Count++
		} else {
			totals[start] = &TimeBucket{
				Start:  start,
				Label:  bucketLabel(start, width),
				Amount: amount,
				Count:  1,
			}
		}
	}

	// Fill missing buckets with zero entries.
	buckets := make([]TimeBucket, 0, len(totals))
	for cursor := bucketStart(lower, width); cursor <= upper; cursor = bucketNext(cursor, width) {
		if bucket, ok := totals[cursor]; ok {
			buckets = append(buckets, *bucket)
		} else {
			buckets = append(buckets, TimeBucket{
				Start: cursor,
				Label: bucketLabel(cursor, width),
			})
		}
	}
	return buckets
}

type bucketSize int

const (
	bucketHour bucketSize = iota
	bucketDay
	bucketWeek
	bucketMonth
)

func bucketWidth(spanSeconds int64) bucketSize {
	switch {
	case spanSeconds <= 0:
		return bucketMonth
	case spanSeconds <= 48*3600:
		return bucketHour
	case spanSeconds <= 31*24*3600:
		return bucketDay
	case spanSeconds <= 180*24*3600:
		return bucketWeek
	default:
		return bucketMonth
	}
}

func bucketStart(ts int64, width bucketSize) int64 {
	t := time.Unix(ts, 0).UTC()
	switch width {
	case bucketHour:
		return t.Truncate(time.Hour).Unix()
	case bucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
	case bucketWeek:
		// Weeks start on Monday.
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset).Unix()
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
	}
}

func bucketNext(start int64, width bucketSize) int64 {
	t := time.Unix(start, 0).UTC()
	switch width {
	case bucketHour:
		return t.Add(time.Hour).Unix()
	case bucketDay:
		return t.AddDate(0, 0, 1).Unix()
	case bucketWeek:
		return t.AddDate(0, 0, 7).Unix()
	default:
		return t.AddDate(0, 1, 0).Unix()
	}
}

func bucketLabel(start int64, width bucketSize) string {
	t := time.Unix(start, 0).UTC()
	switch width {
	case bucketHour:
		return t.Format("2006-01-02 15:00")
	case bucketDay, bucketWeek:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01")
	}
}

func classifyRetention(actors map[string]*ActorStat) RetentionStats {
	var retention RetentionStats
	for _, stat := range actors {
		switch {
		case stat.Count >= RegularMinCount || stat.Amount >= RegularMinAmount:
			retention.Regular++
		case stat.Count == 1:
			retention.New++
		default:
			retention.Returning++
		}
	}
	return retention
}

func sortedKinds(kinds map[string]*KindStat) []KindStat {
	out := make([]KindStat, 0, len(kinds))
	for _, stat := range kinds {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func topActors(actors map[string]*ActorStat, n int) []ActorStat {
	out := make([]ActorStat, 0, len(actors))
	for _, stat := range actors {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Actor < out[j].Actor
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topContent(contents map[string]*ContentStat, n int) []ContentStat {
	out := make([]ContentStat, 0, len(contents))
	for _, stat := range contents {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].ContentRef < out[j].ContentRef
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func emptyHours() []HourBucket {
	hours := make([]HourBucket, 24)
	for i := range hours {
		hours[i].Hour = i
	}
	return hours
}

func emptyWeekdays() []DayBucket {
	days := make([]DayBucket, 7)
	for i := range days {
		days[i].Day = time.Weekday(i).String()
	}
	return days
}

// previewText collapses whitespace and trims a payload body down to a
// short display snippet.
func previewText(payload string, max int) string {
	collapsed := strings.Join(strings.Fields(payload), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max]) + "..."
}
