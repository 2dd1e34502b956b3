package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tipstream/internal/models"
)

func TestClient_QueryDecodesAndFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("Expected path /query, got %s", r.URL.Path)
		}
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var req struct {
			Filter models.RecordFilter `json:"filter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode query request: %v", err)
		}
		if req.Filter.Subject != "creator-1" {
			t.Errorf("Expected the subject in the filter, got %q", req.Filter.Subject)
		}
		if req.Filter.Limit != 100 {
			t.Errorf("Expected limit 100, got %d", req.Filter.Limit)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"records": []models.Record{
				{ID: "a", Kind: models.KindTip, Timestamp: 300},
				{ID: "", Kind: models.KindTip, Timestamp: 200}, // dropped at the boundary
				{ID: "b", Kind: models.KindTip, Timestamp: 100},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL + "/") // trailing slash is trimmed

	records, err := client.Query(context.Background(), models.RecordFilter{
		Subject: "creator-1",
		Limit:   100,
	}, QueryOptions{})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records after dropping the id-less one, got %d", len(records))
	}
	if records[0].ID != "a" || records[1].ID != "b" {
		t.Errorf("Expected records a and b, got %s and %s", records[0].ID, records[1].ID)
	}
}

func TestClient_QueryErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	_, err := client.Query(context.Background(), models.RecordFilter{Subject: "creator-1"}, QueryOptions{})
	if err == nil {
		t.Fatal("Expected an error for a 500 response")
	}
	if !strings.Contains(err.Error(), "status=500") {
		t.Errorf("Expected the status in the error, got %v", err)
	}
}

func TestClient_QueryRelayOverride(t *testing.T) {
	var primaryHits, otherHits int

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits++
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []models.Record{}})
	}))
	defer primary.Close()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otherHits++
		json.NewEncoder(w).Encode(map[string]interface{}{"records": []models.Record{}})
	}))
	defer other.Close()

	client := NewClient(primary.URL)

	if _, err := client.Query(context.Background(), models.RecordFilter{}, QueryOptions{RelayURL: other.URL}); err != nil {
		t.Fatalf("Failed to query the override relay: %v", err)
	}

	if primaryHits != 0 {
		t.Errorf("Expected the primary untouched, got %d hits", primaryHits)
	}
	if otherHits != 1 {
		t.Errorf("Expected 1 hit on the override relay, got %d", otherHits)
	}
}

func TestClient_SetPrimaryURL(t *testing.T) {
	client := NewClient("https://old.example/")
	if client.PrimaryURL() != "https://old.example" {
		t.Errorf("Expected the trimmed primary, got %s", client.PrimaryURL())
	}

	client.SetPrimaryURL("https://new.example/")
	if client.PrimaryURL() != "https://new.example" {
		t.Errorf("Expected the swapped primary, got %s", client.PrimaryURL())
	}
}

func TestClient_Publish(t *testing.T) {
	payload := `{"id":"r1","kind":"post","payload":"hello","sig":"aa"}`

	accept := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publish" {
			t.Errorf("Expected path /publish, got %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != payload {
			t.Errorf("Expected the payload forwarded untouched, got %s", string(body))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer accept.Close()

	client := NewClient("")

	if err := client.Publish(context.Background(), accept.URL, payload); err != nil {
		t.Errorf("Expected the publish accepted, got %v", err)
	}

	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusBadRequest)
	}))
	defer reject.Close()

	err := client.Publish(context.Background(), reject.URL, payload)
	if err == nil {
		t.Fatal("Expected an error for a rejected publish")
	}
	if !strings.Contains(err.Error(), "status=400") {
		t.Errorf("Expected the status in the error, got %v", err)
	}
}

func TestClient_NoRelayConfigured(t *testing.T) {
	client := NewClient("")

	if _, err := client.Query(context.Background(), models.RecordFilter{}, QueryOptions{}); err == nil {
		t.Error("Expected an error without any relay URL")
	}
	if err := client.Publish(context.Background(), "", "payload"); err == nil {
		t.Error("Expected an error without a publish target")
	}
}
