package dashboard

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	EventTypeLLMGeneration = "llm-generation"
	EventTypeAPISpan       = "api-span"
)

// seenCacheSize bounds the in-memory duplicate-id front cache.
const seenCacheSize = 4096

// sqliteTimeLayout is the stored form of every timestamp column. The
// width is fixed (nine fraction digits, always UTC) because SQLite
// compares TEXT columns lexicographically; a variable-width fraction
// would misorder values within the same second.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is one persisted observability event. LLM generations fill the
// model/prompt/output/token/cost columns, API spans fill the
// url/method/status/duration columns; the unused group stays NULL.
type Event struct {
	ID          string
	Type        string
	UserID      string
	TraceID     string
	Timestamp   time.Time
	Model       *string
	Prompt      *string
	Output      *string
	TokensUsed  *int64
	CostUSD     *float64
	URL         *string
	Method      *string
	StatusCode  *int64
	DurationSec *float64
	Raw         json.RawMessage
}

// QueryFilter narrows an event query. Zero values mean "no filter"; Limit
// falls back to a default when unset.
type QueryFilter struct {
	User      string
	SinceDays int
	Limit     int
}

const defaultQueryLimit = 100

// EventStore is the append-only local event log. Rows are write-once:
// an append with an id that already exists is absorbed as a no-op.
type EventStore struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *Metrics

	// seen short-circuits duplicate appends before they hit the database.
	// Correctness does not depend on it; the ON CONFLICT clause is the
	// authoritative dedup.
	seen *lru.Cache[string, struct{}]
}

func NewEventStore(db *sql.DB, logger *zap.Logger) (*EventStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	return &EventStore{
		db:      db,
		logger:  logger,
		metrics: GetMetrics(),
		seen:    seen,
	}, nil
}

// Append inserts event, ignoring the write when a row with the same id
// already exists. Re-appending an id is never an error.
func (s *EventStore) Append(event Event) error {
	if event.ID == "" {
		return fmt.Errorf("append event: missing id")
	}
	if event.Type == "" {
		return fmt.Errorf("append event %s: missing type", event.ID)
	}
	if event.UserID == "" {
		return fmt.Errorf("append event %s: missing user_id", event.ID)
	}

	if s.seen.Contains(event.ID) {
		s.metrics.RecordDuplicateEvent()
		return nil
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	raw := string(event.Raw)
	if raw == "" {
		raw = "{}"
	}

	result, err := s.db.Exec(`
		INSERT INTO events (
			id, type, user_id, trace_id, timestamp, model, prompt, output,
			tokens_used, cost_usd, url, method, status_code, duration_sec, raw
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		event.ID,
		event.Type,
		event.UserID,
		event.TraceID,
		timestamp.UTC().Format(sqliteTimeLayout),
		event.Model,
		event.Prompt,
		event.Output,
		event.TokensUsed,
		event.CostUSD,
		event.URL,
		event.Method,
		event.StatusCode,
		event.DurationSec,
		raw,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.ID, err)
	}

	s.seen.Add(event.ID, struct{}{})

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		s.metrics.RecordDuplicateEvent()
		return nil
	}

	s.metrics.RecordEventPersisted(event.Type)
	return nil
}

// Query returns events matching filter, newest first, capped at the
// filter's limit.
func (s *EventStore) Query(filter QueryFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `
		SELECT id, type, user_id, trace_id, timestamp, model, prompt, output,
		       tokens_used, cost_usd, url, method, status_code, duration_sec, raw
		FROM events
		WHERE 1=1
	`
	args := make([]interface{}, 0, 3)

	if filter.User != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.User)
	}
	if filter.SinceDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -filter.SinceDays)
		query += ` AND timestamp >= ?`
		args = append(args, cutoff.Format(sqliteTimeLayout))
	}

	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		event, scanErr := scanEventRow(rows)
		if scanErr != nil {
			s.logger.Warn("skipping corrupted event row", zap.Error(scanErr))
			continue
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: iterate rows: %w", err)
	}

	return events, nil
}

func scanEventRow(rows *sql.Rows) (Event, error) {
	var (
		event       Event
		timestamp   string
		model       sql.NullString
		prompt      sql.NullString
		output      sql.NullString
		tokensUsed  sql.NullInt64
		costUSD     sql.NullFloat64
		url         sql.NullString
		method      sql.NullString
		statusCode  sql.NullInt64
		durationSec sql.NullFloat64
		raw         string
	)

	err := rows.Scan(
		&event.ID, &event.Type, &event.UserID, &event.TraceID, &timestamp,
		&model, &prompt, &output, &tokensUsed, &costUSD,
		&url, &method, &statusCode, &durationSec, &raw,
	)
	if err != nil {
		return Event{}, fmt.Errorf("scan event row: %w", err)
	}

	parsed, err := parseSQLiteTimestamp(timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("parse timestamp for event %s: %w", event.ID, err)
	}
	event.Timestamp = parsed
	event.Raw = json.RawMessage(raw)

	if model.Valid {
		event.Model = &model.String
	}
	if prompt.Valid {
		event.Prompt = &prompt.String
	}
	if output.Valid {
		event.Output = &output.String
	}
	if tokensUsed.Valid {
		event.TokensUsed = &tokensUsed.Int64
	}
	if costUSD.Valid {
		event.CostUSD = &costUSD.Float64
	}
	if url.Valid {
		event.URL = &url.String
	}
	if method.Valid {
		event.Method = &method.String
	}
	if statusCode.Valid {
		event.StatusCode = &statusCode.Int64
	}
	if durationSec.Valid {
		event.DurationSec = &durationSec.Float64
	}

	return event, nil
}

func parseSQLiteTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
