package dashboard

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Bldg-7/tracelens/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ingestionPath = "/api/public/ingestion"

// DeliveryStatus classifies the outcome of one outbound batch delivery.
type DeliveryStatus string

const (
	// DeliveryDelivered means the ingestion endpoint accepted the batch.
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryRejected means the endpoint returned a terminal non-2xx
	// status; the batch was not retried.
	DeliveryRejected DeliveryStatus = "rejected"
	// DeliveryExhausted means every attempt in the retry budget failed.
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// DeliveryResult reports how an outbound delivery went. Callers on the
// request path treat any non-delivered status as informational: the local
// row is authoritative and the request has already succeeded.
type DeliveryResult struct {
	Status   DeliveryStatus
	Attempts int
	Err      error
}

// IngestionEvent is one element of the wire batch posted to the
// ingestion endpoint.
type IngestionEvent struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Body      interface{} `json:"body"`
}

type TraceBody struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type TextPayload struct {
	Text string `json:"text"`
}

type UsageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CostBody struct {
	Total float64 `json:"total"`
	Unit  string  `json:"unit"`
}

type GenerationBody struct {
	ID      string      `json:"id"`
	TraceID string      `json:"traceId"`
	Model   string      `json:"model"`
	Input   TextPayload `json:"input"`
	Output  TextPayload `json:"output"`
	Usage   UsageBody   `json:"usage"`
	Cost    CostBody    `json:"cost"`
}

type SpanMetadata struct {
	URL         string  `json:"url"`
	StatusCode  int     `json:"status_code"`
	DurationSec float64 `json:"duration_sec"`
}

type SpanBody struct {
	ID        string       `json:"id"`
	TraceID   string       `json:"traceId"`
	Name      string       `json:"name"`
	StartTime string       `json:"startTime"`
	EndTime   string       `json:"endTime"`
	Metadata  SpanMetadata `json:"metadata"`
}

// LLMCall describes one completed LLM invocation to track.
type LLMCall struct {
	User             string
	Prompt           string
	Model            string
	Output           string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// APICall describes one completed HTTP call to track.
type APICall struct {
	User        string
	URL         string
	Method      string
	StatusCode  int
	DurationSec float64
}

// Alerter is notified when an outbound delivery fails for good. The
// tracker never blocks on it.
type Alerter interface {
	DeliveryFailed(kind string, result DeliveryResult)
}

// UsageTracker converts tracked LLM/API actions into ingestion batches,
// persists a local summary row, and forwards the batch to the external
// ingestion endpoint. The local write always happens first; outbound
// delivery is best-effort with a bounded retry budget and is never
// surfaced as a request failure.
type UsageTracker struct {
	store      *EventStore
	cfg        config.IngestionConfig
	endpoint   string
	authHeader string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
	alerts     Alerter

	now   func() time.Time
	sleep func(time.Duration)
}

func NewUsageTracker(store *EventStore, cfg config.IngestionConfig, logger *zap.Logger) *UsageTracker {
	if logger == nil {
		logger = zap.NewNop()
	}

	token := base64.StdEncoding.EncodeToString([]byte(cfg.PublicKey + ":" + cfg.SecretKey))

	return &UsageTracker{
		store:      store,
		cfg:        cfg,
		endpoint:   strings.TrimRight(cfg.Host, "/") + ingestionPath,
		authHeader: "Basic " + token,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		logger:     logger,
		metrics:    GetMetrics(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      time.Sleep,
	}
}

// SetAlerter wires an optional alert channel for exhausted deliveries.
func (t *UsageTracker) SetAlerter(a Alerter) {
	t.alerts = a
}

// TrackLLM records one LLM invocation: builds the trace-create +
// generation-create batch, persists the summary row keyed by the
// generation id, then attempts delivery. Returns the generation id and
// the delivery outcome. A persistence failure aborts the call before any
// network attempt.
func (t *UsageTracker) TrackLLM(ctx context.Context, call LLMCall) (string, DeliveryResult, error) {
	if call.User == "" {
		return "", DeliveryResult{}, fmt.Errorf("track llm: missing user")
	}
	if call.Model == "" {
		call.Model = "gpt-4"
	}

	traceID := uuid.NewString()
	genID := uuid.NewString()
	now := t.now()
	ts := wireTimestamp(now)

	batch := []IngestionEvent{
		{
			Type:      "trace-create",
			ID:        traceID,
			Timestamp: ts,
			Body:      TraceBody{ID: traceID, Name: "llm-call"},
		},
		{
			Type:      "generation-create",
			ID:        genID,
			Timestamp: ts,
			Body: GenerationBody{
				ID:      genID,
				TraceID: traceID,
				Model:   call.Model,
				Input:   TextPayload{Text: call.Prompt},
				Output:  TextPayload{Text: call.Output},
				Usage: UsageBody{
					PromptTokens:     call.PromptTokens,
					CompletionTokens: call.CompletionTokens,
					TotalTokens:      call.PromptTokens + call.CompletionTokens,
				},
				Cost: CostBody{Total: call.CostUSD, Unit: "USD"},
			},
		},
	}

	totalTokens := int64(call.PromptTokens + call.CompletionTokens)
	event := Event{
		ID:         genID,
		Type:       EventTypeLLMGeneration,
		UserID:     call.User,
		TraceID:    traceID,
		Timestamp:  now,
		Model:      &call.Model,
		Prompt:     &call.Prompt,
		Output:     &call.Output,
		TokensUsed: &totalTokens,
		CostUSD:    &call.CostUSD,
		Raw:        rawBatch(batch),
	}

	if err := t.store.Append(event); err != nil {
		t.metrics.RecordError("tracker", "persist_failed")
		return "", DeliveryResult{}, fmt.Errorf("track llm: %w", err)
	}

	result := t.deliver(ctx, "llm", batch)
	return genID, result, nil
}

// TrackAPI records one HTTP call as a trace-create + span-create batch
// and persists the summary row keyed by the span id.
func (t *UsageTracker) TrackAPI(ctx context.Context, call APICall) (string, DeliveryResult, error) {
	if call.User == "" {
		return "", DeliveryResult{}, fmt.Errorf("track api: missing user")
	}
	if call.Method == "" {
		call.Method = http.MethodGet
	}

	traceID := uuid.NewString()
	spanID := uuid.NewString()
	now := t.now()
	ts := wireTimestamp(now)

	batch := []IngestionEvent{
		{
			Type:      "trace-create",
			ID:        traceID,
			Timestamp: ts,
			Body:      TraceBody{ID: traceID, Name: "api-call"},
		},
		{
			Type:      "span-create",
			ID:        spanID,
			Timestamp: ts,
			Body: SpanBody{
				ID:        spanID,
				TraceID:   traceID,
				Name:      "HTTP " + call.Method,
				StartTime: ts,
				EndTime:   ts,
				Metadata: SpanMetadata{
					URL:         call.URL,
					StatusCode:  call.StatusCode,
					DurationSec: call.DurationSec,
				},
			},
		},
	}

	statusCode := int64(call.StatusCode)
	event := Event{
		ID:          spanID,
		Type:        EventTypeAPISpan,
		UserID:      call.User,
		TraceID:     traceID,
		Timestamp:   now,
		URL:         &call.URL,
		Method:      &call.Method,
		StatusCode:  &statusCode,
		DurationSec: &call.DurationSec,
		Raw:         rawBatch(batch),
	}

	if err := t.store.Append(event); err != nil {
		t.metrics.RecordError("tracker", "persist_failed")
		return "", DeliveryResult{}, fmt.Errorf("track api: %w", err)
	}

	result := t.deliver(ctx, "api", batch)
	return spanID, result, nil
}

// deliver posts the batch with a bounded retry budget: 1 + MaxRetries
// attempts, linear backoff of backoffBase * attempt between them.
// Network errors, 429, and 5xx are retryable; other non-2xx responses
// are terminal rejections.
func (t *UsageTracker) deliver(ctx context.Context, kind string, batch []IngestionEvent) DeliveryResult {
	body, err := json.Marshal(batch)
	if err != nil {
		// Batches are built from plain structs; this does not happen in
		// practice but must not panic the request path.
		return t.finishDelivery(kind, DeliveryResult{Status: DeliveryRejected, Attempts: 0, Err: err}, time.Duration(0))
	}

	start := t.now()
	var result DeliveryResult

	for attempt := 1; attempt <= t.cfg.MaxRetries+1; attempt++ {
		retryable, postErr := t.postBatch(ctx, body)
		if postErr == nil {
			result = DeliveryResult{Status: DeliveryDelivered, Attempts: attempt}
			break
		}

		result = DeliveryResult{Status: DeliveryExhausted, Attempts: attempt, Err: postErr}
		if !retryable {
			result.Status = DeliveryRejected
			break
		}
		if attempt > t.cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return t.finishDelivery(kind, result, t.now().Sub(start))
		default:
			t.sleep(time.Duration(attempt) * t.cfg.BackoffBase())
		}
	}

	return t.finishDelivery(kind, result, t.now().Sub(start))
}

func (t *UsageTracker) finishDelivery(kind string, result DeliveryResult, elapsed time.Duration) DeliveryResult {
	t.metrics.RecordDelivery(string(result.Status))
	t.metrics.RecordDeliveryDuration(kind, elapsed.Seconds())

	if result.Status != DeliveryDelivered {
		t.logger.Warn("ingestion delivery failed",
			zap.String("kind", kind),
			zap.String("status", string(result.Status)),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err),
		)
		t.metrics.RecordError("tracker", "delivery_failed")
		if t.alerts != nil {
			t.alerts.DeliveryFailed(kind, result)
		}
	}

	return result
}

func (t *UsageTracker) postBatch(ctx context.Context, body []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build ingestion request: %w", err)
	}
	req.Header.Set("Authorization", t.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("post ingestion batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, fmt.Errorf("ingestion endpoint returned status %d", resp.StatusCode)
	}
	return false, fmt.Errorf("ingestion endpoint returned status %d", resp.StatusCode)
}

// wireTimestamp formats t as RFC3339 with a "Z" suffix, the format the
// ingestion endpoint expects.
func wireTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func rawBatch(batch []IngestionEvent) json.RawMessage {
	raw, err := json.Marshal(struct {
		Events []IngestionEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
