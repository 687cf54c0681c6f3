package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/entitlementd/internal/entitlement"
	engerrors "github.com/rcourtman/entitlementd/internal/errors"
)

// DBFileName is the SQLite database file created inside the data directory.
const DBFileName = "entitlements.db"

// SQLiteStore persists entitlements, fraud events and audit logs in one
// SQLite database. Use Entitlements, FraudEvents and AuditLogs to obtain the
// interface views.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the store database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, dbPath: dbPath, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("dbPath", dbPath).Msg("Entitlement store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		id                      TEXT PRIMARY KEY,
		account_id              TEXT NOT NULL,
		tier                    TEXT NOT NULL,
		receipt_ref             TEXT NOT NULL DEFAULT '',
		transaction_id          TEXT NOT NULL DEFAULT '',
		purchased_at            INTEGER NOT NULL,
		expires_at              INTEGER NOT NULL,
		is_active               INTEGER NOT NULL,
		is_in_trial             INTEGER NOT NULL DEFAULT 0,
		auto_renew              INTEGER NOT NULL DEFAULT 0,
		last_validated_at       INTEGER NOT NULL,
		grace_period_expires_at INTEGER,
		metadata                TEXT NOT NULL DEFAULT '{}',
		version                 INTEGER NOT NULL DEFAULT 1,
		created_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_account ON entitlements(account_id, purchased_at);
	CREATE INDEX IF NOT EXISTS idx_entitlements_txn ON entitlements(transaction_id) WHERE transaction_id != '';
	CREATE INDEX IF NOT EXISTS idx_entitlements_grace ON entitlements(grace_period_expires_at) WHERE grace_period_expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS fraud_events (
		id               TEXT PRIMARY KEY,
		account_id       TEXT NOT NULL,
		detection_type   TEXT NOT NULL,
		severity         TEXT NOT NULL,
		device_info      TEXT NOT NULL DEFAULT '{}',
		transaction_info TEXT NOT NULL DEFAULT '{}',
		metadata         TEXT NOT NULL DEFAULT '{}',
		timestamp        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fraud_account_ts ON fraud_events(account_id, timestamp);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id             TEXT PRIMARY KEY,
		account_id     TEXT NOT NULL,
		entitlement_id TEXT NOT NULL DEFAULT '',
		event_type     TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		details        TEXT NOT NULL DEFAULT '{}',
		timestamp      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_account_ts ON audit_logs(account_id, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Entitlements returns the EntitlementStore view.
func (s *SQLiteStore) Entitlements() *EntitlementRepo { return &EntitlementRepo{s: s} }

// FraudEvents returns the FraudEventStore view.
func (s *SQLiteStore) FraudEvents() *FraudEventRepo { return &FraudEventRepo{s: s} }

// AuditLogs returns the AuditLogStore view.
func (s *SQLiteStore) AuditLogs() *AuditLogRepo { return &AuditLogRepo{s: s} }

var (
	_ EntitlementStore = (*EntitlementRepo)(nil)
	_ FraudEventStore  = (*FraudEventRepo)(nil)
	_ AuditLogStore    = (*AuditLogRepo)(nil)
)

// EntitlementRepo implements EntitlementStore on SQLiteStore.
type EntitlementRepo struct{ s *SQLiteStore }

const entitlementColumns = `id, account_id, tier, receipt_ref, transaction_id,
	purchased_at, expires_at, is_active, is_in_trial, auto_renew,
	last_validated_at, grace_period_expires_at, metadata, version`

// Fetch returns the most recently purchased entitlement for accountID.
func (r *EntitlementRepo) Fetch(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+`
		FROM entitlements WHERE account_id = ?
		ORDER BY purchased_at DESC, created_at DESC LIMIT 1`, accountID)
	e, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entitlement for account %q: %w", accountID, engerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch entitlement: %w", err)
	}
	return e, nil
}

// Create inserts a new entitlement record.
func (r *EntitlementRepo) Create(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	rec := e.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1

	meta, err := marshalMap(rec.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO entitlements (
			id, account_id, tier, receipt_ref, transaction_id,
			purchased_at, expires_at, is_active, is_in_trial, auto_renew,
			last_validated_at, grace_period_expires_at, metadata, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountID, string(rec.Tier), rec.ReceiptRef, rec.TransactionID,
		toMillis(rec.PurchasedAt), toMillis(rec.ExpiresAt), boolToInt(rec.IsActive), boolToInt(rec.IsInTrial), boolToInt(rec.AutoRenew),
		toMillis(rec.LastValidatedAt), nullableMillis(rec.GracePeriodExpiresAt), meta, rec.Version, toMillis(r.s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("create entitlement: %w", err)
	}
	return rec, nil
}

// Update performs an optimistic, version-checked write.
func (r *EntitlementRepo) Update(ctx context.Context, e *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: id is required for update", engerrors.ErrInvalidEntitlement)
	}
	rec := e.Clone()

	meta, err := marshalMap(rec.Metadata)
	if err != nil {
		return nil, err
	}

	res, err := r.s.db.ExecContext(ctx, `
		UPDATE entitlements SET
			tier = ?, receipt_ref = ?, transaction_id = ?,
			purchased_at = ?, expires_at = ?, is_active = ?, is_in_trial = ?, auto_renew = ?,
			last_validated_at = ?, grace_period_expires_at = ?, metadata = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(rec.Tier), rec.ReceiptRef, rec.TransactionID,
		toMillis(rec.PurchasedAt), toMillis(rec.ExpiresAt), boolToInt(rec.IsActive), boolToInt(rec.IsInTrial), boolToInt(rec.AutoRenew),
		toMillis(rec.LastValidatedAt), nullableMillis(rec.GracePeriodExpiresAt), meta,
		rec.ID, rec.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update entitlement: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entitlements WHERE id = ?`, rec.ID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("update entitlement: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("entitlement %q: %w", rec.ID, engerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("entitlement %q at version %d: %w", rec.ID, rec.Version, engerrors.ErrConflict)
	}
	rec.Version++
	return rec, nil
}

// FindByTransactionID returns all entitlements referencing txnID.
func (r *EntitlementRepo) FindByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	return r.s.findByTransactionID(ctx, txnID)
}

// List returns entitlements matching q, oldest expiration first.
func (r *EntitlementRepo) List(ctx context.Context, q Query) ([]*entitlement.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE 1=1`
	args := []interface{}{}

	if q.ActiveOnly {
		query += " AND is_active = 1"
	}
	if q.InGrace {
		query += " AND grace_period_expires_at IS NOT NULL"
	}
	if q.ExpiredBefore != nil {
		query += " AND expires_at <= ?"
		args = append(args, toMillis(*q.ExpiredBefore))
	}
	if q.AutoRenew {
		query += " AND auto_renew = 1"
	}
	query += " ORDER BY expires_at ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

func (s *SQLiteStore) findByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	if strings.TrimSpace(txnID) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entitlementColumns+`
		FROM entitlements WHERE transaction_id = ? ORDER BY purchased_at ASC`, txnID)
	if err != nil {
		return nil, fmt.Errorf("find entitlements by transaction: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

// FraudEventRepo implements FraudEventStore on SQLiteStore.
type FraudEventRepo struct{ s *SQLiteStore }

// Create appends a fraud event.
func (r *FraudEventRepo) Create(ctx context.Context, ev *entitlement.FraudEvent) error {
	if ev == nil {
		return fmt.Errorf("fraud event is nil")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	device, err := marshalMap(ev.DeviceInfo)
	if err != nil {
		return err
	}
	txn, err := marshalMap(ev.TransactionInfo)
	if err != nil {
		return err
	}
	meta, err := marshalMap(ev.Metadata)
	if err != nil {
		return err
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO fraud_events (id, account_id, detection_type, severity, device_info, transaction_info, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AccountID, string(ev.Type), string(ev.Severity), device, txn, meta, toMillis(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("create fraud event: %w", err)
	}
	return nil
}

// FetchSince returns the account's events at or after since, oldest first.
func (r *FraudEventRepo) FetchSince(ctx context.Context, accountID string, since time.Time) ([]entitlement.FraudEvent, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT id, account_id, detection_type, severity, device_info, transaction_info, metadata, timestamp
		FROM fraud_events WHERE account_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, accountID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("fetch fraud events: %w", err)
	}
	defer rows.Close()

	var events []entitlement.FraudEvent
	for rows.Next() {
		var ev entitlement.FraudEvent
		var detection, severity, device, txn, meta string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.AccountID, &detection, &severity, &device, &txn, &meta, &ts); err != nil {
			return nil, fmt.Errorf("scan fraud event: %w", err)
		}
		ev.Type = entitlement.DetectionType(detection)
		ev.Severity = entitlement.Severity(severity)
		ev.Timestamp = fromMillis(ts)
		if ev.DeviceInfo, err = unmarshalMap(device); err != nil {
			return nil, err
		}
		if ev.TransactionInfo, err = unmarshalMap(txn); err != nil {
			return nil, err
		}
		if ev.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// FindByTransactionID returns all entitlements referencing txnID.
func (r *FraudEventRepo) FindByTransactionID(ctx context.Context, txnID string) ([]*entitlement.Entitlement, error) {
	return r.s.findByTransactionID(ctx, txnID)
}

// AuditLogRepo implements AuditLogStore on SQLiteStore.
type AuditLogRepo struct{ s *SQLiteStore }

// Create appends an audit record, assigning a ULID when ID is empty.
func (r *AuditLogRepo) Create(ctx context.Context, rec *entitlement.AuditLog) error {
	if rec == nil {
		return fmt.Errorf("audit record is nil")
	}
	if rec.AccountID == "" {
		return fmt.Errorf("audit record: account id is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.s.now()
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}

	details, err := marshalMap(rec.Details)
	if err != nil {
		return err
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, account_id, entitlement_id, event_type, reason, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountID, rec.EntitlementID, string(rec.EventType), rec.Reason, details, toMillis(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("create audit record: %w", err)
	}
	return nil
}

// FetchSince returns the account's audit records at or after since, newest first.
func (r *AuditLogRepo) FetchSince(ctx context.Context, accountID string, since time.Time, limit int) ([]entitlement.AuditLog, error) {
	query := `SELECT id, account_id, entitlement_id, event_type, reason, details, timestamp
		FROM audit_logs WHERE account_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC`
	args := []interface{}{accountID, toMillis(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch audit records: %w", err)
	}
	defer rows.Close()

	var out []entitlement.AuditLog
	for rows.Next() {
		var rec entitlement.AuditLog
		var eventType, details string
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.EntitlementID, &eventType, &rec.Reason, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.EventType = entitlement.AuditEventType(eventType)
		rec.Timestamp = fromMillis(ts)
		if rec.Details, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntitlement(row rowScanner) (*entitlement.Entitlement, error) {
	var e entitlement.Entitlement
	var tier, meta string
	var purchased, expires, lastValidated int64
	var active, trial, autoRenew int
	var grace sql.NullInt64

	err := row.Scan(&e.ID, &e.AccountID, &tier, &e.ReceiptRef, &e.TransactionID,
		&purchased, &expires, &active, &trial, &autoRenew,
		&lastValidated, &grace, &meta, &e.Version)
	if err != nil {
		return nil, err
	}

	e.Tier = entitlement.Tier(tier)
	e.PurchasedAt = fromMillis(purchased)
	e.ExpiresAt = fromMillis(expires)
	e.LastValidatedAt = fromMillis(lastValidated)
	e.IsActive = active == 1
	e.IsInTrial = trial == 1
	e.AutoRenew = autoRenew == 1
	if grace.Valid {
		t := fromMillis(grace.Int64)
		e.GracePeriodExpiresAt = &t
	}
	if e.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntitlements(rows *sql.Rows) ([]*entitlement.Entitlement, error) {
	var out []*entitlement.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return m, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
