package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record kinds stored on relays. The aggregation engine itself is
// kind-agnostic; these are the kinds tipstream queries for.
const (
	KindTip     = "tip"     // receipt: actor tipped subject
	KindBoost   = "boost"   // receipt: actor boosted subject's post with an attached amount
	KindPost    = "post"    // content authored by subject
	KindProfile = "profile" // actor display metadata
)

// ReceiptKinds returns the record kinds that carry amounts and enter
// aggregation.
func ReceiptKinds() []string {
	return []string{KindTip, KindBoost}
}

func isReceiptKind(kind string) bool {
	return kind == KindTip || kind == KindBoost
}

// Record is an immutable relay record. Identity is by ID alone: two
// records with the same ID from different relays are the same logical
// record.
type Record struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Actor      string `json:"actor"`
	Subject    string `json:"subject,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
	Timestamp  int64  `json:"timestamp"` // seconds since epoch
	Payload    string `json:"payload"`
	Sig        string `json:"sig,omitempty"`
}

// TipPayload is the JSON body carried by tip records.
type TipPayload struct {
	Amount  *int64 `json:"amount"` // minor units
	Comment string `json:"comment,omitempty"`
}

// TipAmount extracts the amount from a receipt record's payload.
// Returns false for non-receipt records and unparseable payloads.
func TipAmount(r Record) (int64, bool) {
	if !isReceiptKind(r.Kind) {
		return 0, false
	}
	var p TipPayload
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return 0, false
	}
	if p.Amount == nil || *p.Amount < 0 {
		return 0, false
	}
	return *p.Amount, true
}

// TipComment extracts the optional comment from a tip record's payload.
func TipComment(r Record) string {
	var p TipPayload
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return ""
	}
	return p.Comment
}

// ValidTip reports whether a tip record is well-formed enough to enter
// aggregation. Malformed records are dropped silently, never surfaced
// as errors.
func ValidTip(r Record) bool {
	if r.ID == "" || r.Subject == "" || r.Timestamp <= 0 {
		return false
	}
	_, ok := TipAmount(r)
	return ok
}

// ValidTips filters a record set down to well-formed tip records.
func ValidTips(records []Record) []Record {
	valid := make([]Record, 0, len(records))
	for _, r := range records {
		if ValidTip(r) {
			valid = append(valid, r)
		}
	}
	return valid
}

// ActorProfile is the parsed form of a profile record's payload.
type ActorProfile struct {
	Actor       string `json:"actor"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
}

// BestName returns the preferred display string for an actor.
func (p ActorProfile) BestName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name != "" {
		return p.Name
	}
	return p.Actor
}

// ParseProfile parses a profile record into an ActorProfile.
func ParseProfile(r Record) (ActorProfile, error) {
	if r.Kind != KindProfile {
		return ActorProfile{}, fmt.Errorf("record %s is not a profile (kind=%s)", r.ID, r.Kind)
	}
	var p ActorProfile
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return ActorProfile{}, fmt.Errorf("failed to parse profile payload for %s: %w", r.Actor, err)
	}
	p.Actor = r.Actor
	return p, nil
}

// RecordFilter is the structured predicate sent to relays. Zero-valued
// fields are omitted from the query.
type RecordFilter struct {
	IDs     []string `json:"ids,omitempty"`
	Kinds   []string `json:"kinds,omitempty"`
	Actors  []string `json:"actors,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Relay describes one configured relay endpoint.
type Relay struct {
	URL   string `json:"url" yaml:"url"`
	Read  bool   `json:"read" yaml:"read"`
	Write bool   `json:"write" yaml:"write"`
}

// ReadRelayURLs returns the read-capable subset of a relay list,
// excluding the given primary URL (the primary is always queried
// separately).
func ReadRelayURLs(relays []Relay, primaryURL string) []string {
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		if r.Read && r.URL != "" && r.URL != primaryURL {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// WriteRelayURLs returns the write-capable subset of a relay list.
func WriteRelayURLs(relays []Relay) []string {
	urls := make([]string, 0, len(relays))
	for _, r := range relays {
		if r.Write && r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// Window is the time range a view is restricted to. Since absent means
// unbounded into the past. Preset windows never carry an upper bound;
// custom windows carry both.
type Window struct {
	Since  *int64 `json:"since,omitempty"`
	Until  *int64 `json:"until,omitempty"`
	Custom bool   `json:"custom"`
}

// Preset window names accepted by PresetWindow.
const (
	WindowAll = "all"
)

var presetSpans = map[string]time.Duration{
	"24h":  24 * time.Hour,
	"7d":   7 * 24 * time.Hour,
	"30d":  30 * 24 * time.Hour,
	"90d":  90 * 24 * time.Hour,
	"365d": 365 * 24 * time.Hour,
}

// PresetWindow builds a non-custom window ending at now. "all" has no
// lower bound.
func PresetWindow(name string, now time.Time) (Window, error) {
	if name == WindowAll {
		return Window{}, nil
	}
	span, ok := presetSpans[name]
	if !ok {
		return Window{}, fmt.Errorf("unknown window preset: %s", name)
	}
	since := now.Add(-span).Unix()
	return Window{Since: &since}, nil
}

// CustomWindow builds a bounded custom window. Both bounds are
// required; incomplete custom windows are a configuration error.
func CustomWindow(since, until int64) (Window, error) {
	if since <= 0 || until <= 0 {
		return Window{}, fmt.Errorf("custom window requires both since and until")
	}
	if until < since {
		return Window{}, fmt.Errorf("custom window until (%d) precedes since (%d)", until, since)
	}
	return Window{Since: &since, Until: &until, Custom: true}, nil
}

// Span returns the window's extent in seconds, using now as the upper
// bound when the window has none. Unbounded windows ("all") report the
// distance from the epoch-adjacent floor, which callers treat as "use
// the coarsest bucket".
func (w Window) Span(now time.Time) int64 {
	upper := now.Unix()
	if w.Until != nil {
		upper = *w.Until
	}
	if w.Since == nil {
		return 0 // unbounded
	}
	span := upper - *w.Since
	if span < 0 {
		return 0
	}
	return span
}

// LoadStatus is the loading-state descriptor surfaced alongside every
// record/analytics response.
type LoadStatus struct {
	Subject             string `json:"subject"`
	IsLoading           bool   `json:"is_loading"`
	IsComplete          bool   `json:"is_complete"`
	CanLoadMore         bool   `json:"can_load_more"`
	Error               string `json:"error,omitempty"`
	BatchIndex          int    `json:"batch_index"`
	TotalFetched        int    `json:"total_fetched"`
	DetectedLimit       int    `json:"detected_limit,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	AutoLoadEnabled     bool   `json:"auto_load_enabled"`
}
