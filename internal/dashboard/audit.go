package dashboard

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audit actions recorded by the HTTP layer.
const (
	AuditActionSignup = "signup"
	AuditActionLogin  = "login"
	AuditActionLogout = "logout"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
)

// AuditEntry is one recorded authentication action.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    string
	Result    string
	IPAddress string
}

// AuthAudit persists a trail of authentication actions. Writes are
// best-effort: an audit insert failure is logged and never fails the
// request that triggered it.
type AuthAudit struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewAuthAudit(db *sql.DB, logger *zap.Logger) *AuthAudit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthAudit{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one audit entry.
func (a *AuthAudit) Record(actor, action, result, ipAddress string) {
	_, err := a.db.Exec(
		`INSERT INTO audit_log (id, timestamp, actor, action, result, ip_address) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.now().UTC().Format(sqliteTimeLayout), actor, action, result, ipAddress,
	)
	if err != nil {
		a.logger.Error("failed to write audit entry",
			zap.String("actor", actor),
			zap.String("action", action),
			zap.Error(err),
		)
		GetMetrics().RecordError("audit", "write_failed")
	}
}

// Recent returns the newest entries, most recent first.
func (a *AuthAudit) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := a.db.Query(
		`SELECT id, timestamp, actor, action, result, ip_address FROM audit_log ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	return a.scanEntries(rows)
}

// QueryByActor returns entries for one actor, most recent first.
func (a *AuthAudit) QueryByActor(actor string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := a.db.Query(
		`SELECT id, timestamp, actor, action, result, ip_address FROM audit_log WHERE actor = ? ORDER BY timestamp DESC LIMIT ?`,
		actor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log for %s: %w", actor, err)
	}
	defer rows.Close()
	return a.scanEntries(rows)
}

// PurgeOlderThan deletes entries older than the cutoff and reports how
// many were removed.
func (a *AuthAudit) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res, err := a.db.Exec(
		`DELETE FROM audit_log WHERE timestamp < ?`,
		cutoff.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return n, nil
}

func (a *AuthAudit) scanEntries(rows *sql.Rows) ([]AuditEntry, error) {
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var ts string
		if err := rows.Scan(&entry.ID, &ts, &entry.Actor, &entry.Action, &entry.Result, &entry.IPAddress); err != nil {
			a.logger.Warn("skipping corrupted audit row", zap.Error(err))
			continue
		}
		parsed, err := parseSQLiteTimestamp(ts)
		if err != nil {
			a.logger.Warn("skipping audit row with bad timestamp", zap.String("timestamp", ts))
			continue
		}
		entry.Timestamp = parsed
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}
