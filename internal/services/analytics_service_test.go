package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tipstream/internal/models"
)

func mkTip(id, actor string, amount, ts int64) models.Record {
	return models.Record{
		ID:        id,
		Kind:      models.KindTip,
		Actor:     actor,
		Subject:   "creator-1",
		Timestamp: ts,
		Payload:   fmt.Sprintf(`{"amount": %d}`, amount),
	}
}

func TestSummarize_TotalsAndRetention(t *testing.T) {
	svc := NewAnalyticsService(nil)
	now := time.Now()
	window, _ := models.PresetWindow("7d", now)

	var records []models.Record
	// alice is a regular by count, bob by amount, carol returns, dave
	// is new.
	for i := 0; i < 5; i++ {
		records = append(records, mkTip(fmt.Sprintf("alice-%d", i), "alice", 100, now.Unix()-int64(i+1)*60))
	}
	records = append(records, mkTip("bob-0", "bob", 60000, now.Unix()-300))
	records = append(records, mkTip("carol-0", "carol", 100, now.Unix()-400))
	records = append(records, mkTip("carol-1", "carol", 100, now.Unix()-500))
	records = append(records, mkTip("dave-0", "dave", 100, now.Unix()-600))

	summary := svc.Summarize(context.Background(), "creator-1", records, window)

	if summary.TotalAmount != 60800 {
		t.Errorf("Expected total amount 60800, got %d", summary.TotalAmount)
	}
	if summary.TotalCount != 9 {
		t.Errorf("Expected 9 receipts, got %d", summary.TotalCount)
	}
	if summary.UniqueActors != 4 {
		t.Errorf("Expected 4 unique actors, got %d", summary.UniqueActors)
	}

	r := summary.Retention
	if r.New != 1 || r.Returning != 1 || r.Regular != 2 {
		t.Errorf("Expected retention new=1 returning=1 regular=2, got %+v", r)
	}

	if len(summary.TopActors) != 4 {
		t.Fatalf("Expected 4 ranked actors, got %d", len(summary.TopActors))
	}
	if summary.TopActors[0].Actor != "bob" {
		t.Errorf("Expected bob ranked first by amount, got %s", summary.TopActors[0].Actor)
	}

	if len(summary.ByKind) != 1 || summary.ByKind[0].Kind != models.KindTip {
		t.Errorf("Expected a single tip kind bucket, got %+v", summary.ByKind)
	}
	if summary.ByKind[0].Amount != 60800 || summary.ByKind[0].Count != 9 {
		t.Errorf("Expected kind bucket to carry the full totals, got %+v", summary.ByKind[0])
	}
}

func TestSummarize_DropsMalformedRecords(t *testing.T) {
	svc := NewAnalyticsService(nil)
	now := time.Now()
	window, _ := models.PresetWindow("7d", now)

	negative := int64(-50)
	records := []models.Record{
		mkTip("good", "alice", 250, now.Unix()-60),
		{ID: "post", Kind: models.KindPost, Actor: "alice", Subject: "creator-1", Timestamp: now.Unix() - 60, Payload: `{"amount": 100}`},
		{ID: "garbled", Kind: models.KindTip, Actor: "alice", Subject: "creator-1", Timestamp: now.Unix() - 60, Payload: `{not json`},
		{ID: "no-amount", Kind: models.KindTip, Actor: "alice", Subject: "creator-1", Timestamp: now.Unix() - 60, Payload: `{}`},
		mkTip("negative", "alice", negative, now.Unix()-60),
		{ID: "no-subject", Kind: models.KindTip, Actor: "alice", Timestamp: now.Unix() - 60, Payload: `{"amount": 100}`},
		{ID: "no-timestamp", Kind: models.KindTip, Actor: "alice", Subject: "creator-1", Payload: `{"amount": 100}`},
	}

	summary := svc.Summarize(context.Background(), "creator-1", records, window)

	if summary.TotalCount != 1 {
		t.Errorf("Expected only the well-formed tip counted, got %d", summary.TotalCount)
	}
	if summary.TotalAmount != 250 {
		t.Errorf("Expected total amount 250, got %d", summary.TotalAmount)
	}
}

func TestSummarize_TimelineDailyZeroFill(t *testing.T) {
	svc := NewAnalyticsService(nil)
	now := time.Now()
	window, _ := models.PresetWindow("7d", now)

	records := []models.Record{
		mkTip("t1", "alice", 100, now.Add(-24*time.Hour).Unix()),
		mkTip("t2", "bob", 200, now.Add(-72*time.Hour).Unix()),
	}

	summary := svc.Summarize(context.Background(), "creator-1", records, window)

	// A 7 day span rolls into daily buckets: 8 calendar days touch it.
	if len(summary.Timeline) != 8 {
		t.Fatalf("Expected 8 daily buckets, got %d", len(summary.Timeline))
	}

	nonzero := 0
	var total int64
	for _, b := range summary.Timeline {
		if _, err := time.Parse("2006-01-02", b.Label); err != nil {
			t.Errorf("Expected a daily label, got %q", b.Label)
		}
		if b.Count > 0 {
			nonzero++
			total += b.Amount
		}
	}
	if nonzero != 2 {
		t.Errorf("Expected 2 populated buckets, got %d", nonzero)
	}
	if total != 300 {
		t.Errorf("Expected bucket amounts to sum to 300, got %d", total)
	}
}

func TestSummarize_HourlyAndWeekdayHistograms(t *testing.T) {
	svc := NewAnalyticsService(nil)

	// Sunday 09:30 UTC.
	at := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	window, err := models.CustomWindow(at.Add(-time.Hour).Unix(), at.Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("Failed to build custom window: %v", err)
	}

	records := []models.Record{mkTip("t1", "alice", 500, at.Unix())}
	summary := svc.Summarize(context.Background(), "creator-1", records, window)

	if len(summary.Hourly) != 24 {
		t.Fatalf("Expected 24 hour cells, got %d", len(summary.Hourly))
	}
	if summary.Hourly[9].Count != 1 || summary.Hourly[9].Amount != 500 {
		t.Errorf("Expected the 09:00 cell populated, got %+v", summary.Hourly[9])
	}
	if summary.Hourly[8].Count != 0 {
		t.Errorf("Expected the 08:00 cell empty, got %+v", summary.Hourly[8])
	}

	if len(summary.Weekdays) != 7 {
		t.Fatalf("Expected 7 weekday cells, got %d", len(summary.Weekdays))
	}
	if summary.Weekdays[0].Day != "Sunday" || summary.Weekdays[0].Count != 1 {
		t.Errorf("Expected the Sunday cell populated, got %+v", summary.Weekdays[0])
	}

	// A 2 hour custom window rolls into hourly timeline buckets.
	if len(summary.Timeline) != 3 {
		t.Fatalf("Expected 3 hourly buckets, got %d", len(summary.Timeline))
	}
	var hit *TimeBucket
	for i := range summary.Timeline {
		if summary.Timeline[i].Count > 0 {
			hit = &summary.Timeline[i]
		}
	}
	if hit == nil {
		t.Fatal("Expected one populated timeline bucket")
	}
	if hit.Label != "2025-06-15 09:00" {
		t.Errorf("Expected hourly label 2025-06-15 09:00, got %q", hit.Label)
	}
}

func TestSummarize_TopContentTruncates(t *testing.T) {
	svc := NewAnalyticsService(nil)
	now := time.Now()
	window, _ := models.PresetWindow("7d", now)

	var records []models.Record
	for i := 1; i <= 12; i++ {
		r := mkTip(fmt.Sprintf("t%d", i), "alice", int64(i*10), now.Unix()-int64(i)*60)
		r.ContentRef = fmt.Sprintf("content-%d", i)
		records = append(records, r)
	}

	summary := svc.Summarize(context.Background(), "creator-1", records, window)

	if len(summary.TopContent) != 10 {
		t.Fatalf("Expected the content ranking capped at 10, got %d", len(summary.TopContent))
	}
	if summary.TopContent[0].ContentRef != "content-12" || summary.TopContent[0].Amount != 120 {
		t.Errorf("Expected content-12 ranked first, got %+v", summary.TopContent[0])
	}
	if summary.TopContent[9].Amount != 30 {
		t.Errorf("Expected the 10th entry to carry amount 30, got %d", summary.TopContent[9].Amount)
	}
	for i := 1; i < len(summary.TopContent); i++ {
		if summary.TopContent[i].Amount > summary.TopContent[i-1].Amount {
			t.Errorf("Expected ranking sorted by amount descending at index %d", i)
		}
	}
}

func TestEmptySummary(t *testing.T) {
	window, _ := models.PresetWindow("7d", time.Now())
	summary := EmptySummary("creator-1", window)

	if summary.Subject != "creator-1" {
		t.Errorf("Expected subject carried through, got %q", summary.Subject)
	}
	if summary.TotalAmount != 0 || summary.TotalCount != 0 || summary.UniqueActors != 0 {
		t.Error("Expected zero totals")
	}
	if summary.Timeline == nil || len(summary.Timeline) != 0 {
		t.Errorf("Expected an empty non-nil timeline, got %v", summary.Timeline)
	}
	if len(summary.Hourly) != 24 || len(summary.Weekdays) != 7 {
		t.Errorf("Expected full histogram shells, got %d hours and %d days", len(summary.Hourly), len(summary.Weekdays))
	}
	if summary.GeneratedAt == 0 {
		t.Error("Expected a generation timestamp")
	}
}

func TestPreviewText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"short text passes through", "hello world", "hello world"},
		{"whitespace collapses", "hello\n\n  world\t!", "hello world !"},
		{"long text truncates", repeatWord("go", 60), repeatWord("go", 27) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := previewText(tt.payload, 80); got != tt.want {
				t.Errorf("previewText(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func repeatWord(word string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += " "
		}
		out += word
	}
	return out
}
