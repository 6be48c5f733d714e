package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Bldg-7/tracelens/internal/config"
	"go.uber.org/zap"
)

type ingestionCapture struct {
	mu      sync.Mutex
	batches [][]IngestionEvent
	auths   []string
	status  int
}

func (c *ingestionCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var batch []IngestionEvent
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.auths = append(c.auths, r.Header.Get("Authorization"))
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusMultiStatus
		}
		w.WriteHeader(status)
	}
}

func (c *ingestionCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func newTestTracker(t *testing.T, host string, maxRetries int) (*UsageTracker, *EventStore, *[]time.Duration) {
	t.Helper()
	store := newTestEventStore(t)
	tracker := NewUsageTracker(store, config.IngestionConfig{
		Host:              host,
		PublicKey:         "pk-test",
		SecretKey:         "sk-test",
		RequestTimeoutSec: 5,
		MaxRetries:        maxRetries,
		BackoffBaseMS:     200,
	}, zap.NewNop())

	sleeps := &[]time.Duration{}
	tracker.sleep = func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	return tracker, store, sleeps
}

func TestTrackLLMDelivered(t *testing.T) {
	capture := &ingestionCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	tracker, store, _ := newTestTracker(t, server.URL, 2)

	eventID, result, err := tracker.TrackLLM(context.Background(), LLMCall{
		User:             "alice",
		Prompt:           "what is the answer",
		Model:            "gpt-4",
		Output:           "42",
		PromptTokens:     10,
		CompletionTokens: 5,
		CostUSD:          0.0021,
	})
	if err != nil {
		t.Fatalf("TrackLLM failed: %v", err)
	}
	if result.Status != DeliveryDelivered {
		t.Fatalf("expected delivered, got %s (%v)", result.Status, result.Err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}

	if capture.count() != 1 {
		t.Fatalf("expected 1 batch, got %d", capture.count())
	}
	batch := capture.batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected trace + generation, got %d events", len(batch))
	}
	if batch[0].Type != "trace-create" || batch[1].Type != "generation-create" {
		t.Errorf("unexpected batch types: %s, %s", batch[0].Type, batch[1].Type)
	}
	if batch[1].ID != eventID {
		t.Errorf("generation id should match returned event id")
	}
	if capture.auths[0] == "" || capture.auths[0][:6] != "Basic " {
		t.Errorf("expected basic auth header, got %q", capture.auths[0])
	}

	events, err := store.Query(QueryFilter{User: "alice"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
	if events[0].TokensUsed == nil || *events[0].TokensUsed != 15 {
		t.Errorf("expected 15 total tokens, got %v", events[0].TokensUsed)
	}
	if events[0].Type != EventTypeLLMGeneration {
		t.Errorf("expected type %s, got %s", EventTypeLLMGeneration, events[0].Type)
	}
}

func TestTrackLLMWireFormat(t *testing.T) {
	var rawBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []struct {
			Type string          `json:"type"`
			Body json.RawMessage `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&batch)
		if len(batch) == 2 {
			rawBody = batch[1].Body
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracker, _, _ := newTestTracker(t, server.URL, 0)
	_, _, err := tracker.TrackLLM(context.Background(), LLMCall{
		User: "alice", Prompt: "p", Output: "o", PromptTokens: 3, CompletionTokens: 4, CostUSD: 0.5,
	})
	if err != nil {
		t.Fatalf("TrackLLM failed: %v", err)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &body); err != nil {
		t.Fatalf("bad generation body: %v", err)
	}
	for _, key := range []string{"traceId", "model", "input", "output", "usage", "cost"} {
		if _, ok := body[key]; !ok {
			t.Errorf("generation body missing key %q", key)
		}
	}

	var usage UsageBody
	json.Unmarshal(body["usage"], &usage)
	if usage.TotalTokens != 7 {
		t.Errorf("expected total_tokens 7, got %d", usage.TotalTokens)
	}
	var cost CostBody
	json.Unmarshal(body["cost"], &cost)
	if cost.Unit != "USD" {
		t.Errorf("expected cost unit USD, got %s", cost.Unit)
	}
}

func TestTrackAPIDelivered(t *testing.T) {
	capture := &ingestionCapture{}
	server := httptest.NewServer(capture.handler())
	defer server.Close()

	tracker, store, _ := newTestTracker(t, server.URL, 2)

	eventID, result, err := tracker.TrackAPI(context.Background(), APICall{
		User:        "bob",
		URL:         "https://api.example.com/v1/items",
		Method:      "POST",
		StatusCode:  201,
		DurationSec: 0.42,
	})
	if err != nil {
		t.Fatalf("TrackAPI failed: %v", err)
	}
	if result.Status != DeliveryDelivered {
		t.Fatalf("expected delivered, got %s", result.Status)
	}

	batch := capture.batches[0]
	if batch[1].Type != "span-create" {
		t.Errorf("expected span-create, got %s", batch[1].Type)
	}
	span, ok := batch[1].Body.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected span body type %T", batch[1].Body)
	}
	if span["name"] != "HTTP POST" {
		t.Errorf("expected span name HTTP POST, got %v", span["name"])
	}

	events, err := store.Query(QueryFilter{User: "bob"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != eventID {
		t.Fatalf("expected persisted span event %s", eventID)
	}
	if events[0].StatusCode == nil || *events[0].StatusCode != 201 {
		t.Errorf("expected status code 201, got %v", events[0].StatusCode)
	}
}

func TestTrackRetryExhausted(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tracker, store, sleeps := newTestTracker(t, server.URL, 2)

	_, result, err := tracker.TrackLLM(context.Background(), LLMCall{User: "alice", Prompt: "p"})
	if err != nil {
		t.Fatalf("persistence should succeed even when delivery fails: %v", err)
	}
	if result.Status != DeliveryExhausted {
		t.Fatalf("expected exhausted, got %s", result.Status)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	mu.Lock()
	if attempts != 3 {
		t.Errorf("expected 3 requests, got %d", attempts)
	}
	mu.Unlock()

	// Linear backoff: base, then 2x base.
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(*sleeps))
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep %d: expected %v, got %v", i, d, (*sleeps)[i])
		}
	}

	// Local row survives the failed delivery.
	events, err := store.Query(QueryFilter{User: "alice"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected event persisted despite exhausted delivery, got %d", len(events))
	}
}

func TestTrackRejectedNoRetry(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	tracker, _, sleeps := newTestTracker(t, server.URL, 2)

	_, result, err := tracker.TrackLLM(context.Background(), LLMCall{User: "alice", Prompt: "p"})
	if err != nil {
		t.Fatalf("TrackLLM failed: %v", err)
	}
	if result.Status != DeliveryRejected {
		t.Fatalf("expected rejected, got %s", result.Status)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt for terminal status, got %d", result.Attempts)
	}
	mu.Lock()
	if attempts != 1 {
		t.Errorf("expected 1 request, got %d", attempts)
	}
	mu.Unlock()
	if len(*sleeps) != 0 {
		t.Errorf("expected no backoff for terminal status, got %d sleeps", len(*sleeps))
	}
}

func TestTrackMissingUser(t *testing.T) {
	tracker, _, _ := newTestTracker(t, "http://localhost:1", 0)

	if _, _, err := tracker.TrackLLM(context.Background(), LLMCall{Prompt: "p"}); err == nil {
		t.Error("expected error for missing user")
	}
	if _, _, err := tracker.TrackAPI(context.Background(), APICall{URL: "https://x"}); err == nil {
		t.Error("expected error for missing user")
	}
}

type captureAlerter struct {
	mu    sync.Mutex
	kinds []string
}

func (c *captureAlerter) DeliveryFailed(kind string, result DeliveryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func TestTrackAlertOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tracker, _, _ := newTestTracker(t, server.URL, 1)
	alerter := &captureAlerter{}
	tracker.SetAlerter(alerter)

	_, result, err := tracker.TrackLLM(context.Background(), LLMCall{User: "alice", Prompt: "p"})
	if err != nil {
		t.Fatalf("TrackLLM failed: %v", err)
	}
	if result.Status != DeliveryExhausted {
		t.Fatalf("expected exhausted, got %s", result.Status)
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.kinds) != 1 || alerter.kinds[0] != "llm" {
		t.Errorf("expected one llm alert, got %v", alerter.kinds)
	}
}
