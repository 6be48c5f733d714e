package dashboard

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/Bldg-7/tracelens/internal/config"
	"go.uber.org/zap"
)

const (
	streamPath = "/api/public/events-stream"

	// Upstream events can carry sizeable JSON payloads on one line.
	maxStreamLineBytes = 1 << 20
)

// LineSink receives one decoded event payload per upstream data line.
// Returning an error ends the relay.
type LineSink func(payload string) error

// StreamRelay subscribes to the upstream server-sent event stream and
// forwards each data payload to a sink. One relay instance is created
// per subscriber; lifetime is bound to the caller's context.
type StreamRelay struct {
	endpoint   string
	authHeader string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
}

func NewStreamRelay(cfg config.IngestionConfig, logger *zap.Logger) *StreamRelay {
	if logger == nil {
		logger = zap.NewNop()
	}

	token := base64.StdEncoding.EncodeToString([]byte(cfg.PublicKey + ":" + cfg.SecretKey))

	return &StreamRelay{
		endpoint:   strings.TrimRight(cfg.Host, "/") + streamPath,
		authHeader: "Basic " + token,
		// Streaming responses stay open indefinitely; only the dial is
		// bounded here, read lifetime comes from the context.
		httpClient: &http.Client{Timeout: 0},
		logger:     logger,
		metrics:    GetMetrics(),
	}
}

// Relay connects to the upstream stream and pushes each "data:" payload
// into sink until the context is cancelled, the upstream closes, or the
// sink fails. Non-data lines (comments, blank keep-alives) are dropped.
func (r *StreamRelay) Relay(ctx context.Context, sink LineSink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", r.authHeader)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect upstream stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream stream returned status %d", resp.StatusCode)
	}

	r.metrics.StreamOpened()
	defer r.metrics.StreamClosed()
	r.logger.Info("upstream stream connected", zap.String("endpoint", r.endpoint))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		r.metrics.RecordStreamLine()
		if err := sink(payload); err != nil {
			return fmt.Errorf("stream sink: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read upstream stream: %w", err)
	}
	return nil
}
