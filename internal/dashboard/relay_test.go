package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Bldg-7/tracelens/internal/config"
	"go.uber.org/zap"
)

func newTestRelay(host string) *StreamRelay {
	return NewStreamRelay(config.IngestionConfig{
		Host:      host,
		PublicKey: "pk-test",
		SecretKey: "sk-test",
	}, zap.NewNop())
}

func sseUpstream(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/public/events-stream" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("expected basic auth header on upstream request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
}

func TestRelayForwardsDataLines(t *testing.T) {
	server := sseUpstream(t, []string{
		": keep-alive comment",
		"data: {\"event\":\"one\"}",
		"",
		"data:{\"event\":\"two\"}",
		"event: other",
		"data: ",
	})
	defer server.Close()

	relay := newTestRelay(server.URL)

	var payloads []string
	err := relay.Relay(context.Background(), func(payload string) error {
		payloads = append(payloads, payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}

	want := []string{`{"event":"one"}`, `{"event":"two"}`}
	if len(payloads) != len(want) {
		t.Fatalf("expected %d payloads, got %d: %v", len(want), len(payloads), payloads)
	}
	for i, p := range want {
		if payloads[i] != p {
			t.Errorf("payload %d: expected %q, got %q", i, p, payloads[i])
		}
	}
}

func TestRelaySinkErrorEndsRelay(t *testing.T) {
	server := sseUpstream(t, []string{
		"data: first",
		"data: second",
	})
	defer server.Close()

	relay := newTestRelay(server.URL)

	sinkErr := errors.New("client gone")
	var count int
	err := relay.Relay(context.Background(), func(payload string) error {
		count++
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected relay to stop after first sink error, got %d calls", count)
	}
}

func TestRelayUpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	relay := newTestRelay(server.URL)
	err := relay.Relay(context.Background(), func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error for non-200 upstream status")
	}
}

func TestRelayContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: first\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	relay := newTestRelay(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.Relay(ctx, func(payload string) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after context cancel")
	}
}
