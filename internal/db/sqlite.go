package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/db/migrations"
	"github.com/neboloop/signon/internal/logging"
)

// SQLiteStore persists engine state in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database, runs migrations and returns a Store.
func NewSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; serialize through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Infof("SQLite database initialized at %s", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion() (int64, error) { return migrations.Version(s.db) }

const requestColumns = `id, requester_id, target_site, credentials_ref, requester_meta, status,
	created_at, updated_at, expires_at, assigned_profile_id, intervention_type,
	intervention_attempts, result_summary, reason, audit`

func (s *SQLiteStore) PutRequest(ctx context.Context, r RequestRecord) error {
	meta, err := json.Marshal(r.RequesterMeta)
	if err != nil {
		return err
	}
	audit := string(r.Audit)
	if audit == "" {
		audit = "[]"
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			assigned_profile_id = excluded.assigned_profile_id,
			intervention_type = excluded.intervention_type,
			intervention_attempts = excluded.intervention_attempts,
			result_summary = excluded.result_summary,
			reason = excluded.reason,
			audit = excluded.audit`,
		r.ID, r.RequesterID, r.TargetSite, r.CredentialsRef, string(meta), r.Status,
		toUnix(r.CreatedAt), toUnix(r.UpdatedAt), toUnix(r.ExpiresAt), r.AssignedProfileID,
		r.InterventionType, r.InterventionAttempts, r.ResultSummary, r.Reason, audit)
	if err != nil {
		return fmt.Errorf("put request %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (RequestRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestRecord{}, apperr.NotFound("request %s", id)
	}
	return r, err
}

func (s *SQLiteStore) ScanRequests(ctx context.Context, f RequestFilter) ([]RequestRecord, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, toUnix(f.UpdatedBefore))
	}

	q := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scan requests: %w", err)
	}
	defer rows.Close()

	out := make([]RequestRecord, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRequests(ctx context.Context, statuses []string, updatedBefore time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, toUnix(updatedBefore))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM requests WHERE status IN (`+placeholders(len(statuses))+`) AND updated_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete requests: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PutProfile(ctx context.Context, p ProfileRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (id, control_port, status, current_request_id, last_used_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			control_port = excluded.control_port,
			status = excluded.status,
			current_request_id = excluded.current_request_id,
			last_used_at = excluded.last_used_at,
			last_error = excluded.last_error`,
		p.ID, p.ControlPort, p.Status, p.CurrentRequestID, toUnix(p.LastUsedAt), p.LastError)
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, control_port, status, current_request_id, last_used_at, last_error
		FROM profiles ORDER BY control_port`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]ProfileRecord, 0)
	for rows.Next() {
		var (
			p    ProfileRecord
			used int64
		)
		if err := rows.Scan(&p.ID, &p.ControlPort, &p.Status, &p.CurrentRequestID, &used, &p.LastError); err != nil {
			return nil, err
		}
		p.LastUsedAt = fromUnix(used)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendCommandAudit(ctx context.Context, a CommandAudit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO command_audit
		(connection_id, principal_id, role, command, request_id, accepted, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ConnectionID, a.PrincipalID, a.Role, a.Command, a.RequestID, a.Accepted, a.Detail, toUnix(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("append command audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCommandAudit(ctx context.Context, requestID string, limit int) ([]CommandAudit, error) {
	q := `SELECT id, connection_id, principal_id, role, command, request_id, accepted, detail, created_at FROM command_audit`
	var args []any
	if requestID != "" {
		q += " WHERE request_id = ?"
		args = append(args, requestID)
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list command audit: %w", err)
	}
	defer rows.Close()

	out := make([]CommandAudit, 0)
	for rows.Next() {
		var (
			a       CommandAudit
			created int64
		)
		if err := rows.Scan(&a.ID, &a.ConnectionID, &a.PrincipalID, &a.Role, &a.Command, &a.RequestID, &a.Accepted, &a.Detail, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = fromUnix(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutCredential(ctx context.Context, c CredentialRecord) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (ref, site, sealed, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET site = excluded.site, sealed = excluded.sealed`,
		c.Ref, c.Site, c.Sealed, toUnix(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, ref string) (CredentialRecord, error) {
	var (
		c       CredentialRecord
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT ref, site, sealed, created_at FROM credentials WHERE ref = ?`, ref).
		Scan(&c.Ref, &c.Site, &c.Sealed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return CredentialRecord{}, apperr.NotFound("credential %s", ref)
	}
	if err != nil {
		return CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}
	c.CreatedAt = fromUnix(created)
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (RequestRecord, error) {
	var (
		r                         RequestRecord
		meta, audit               string
		created, updated, expires int64
	)
	err := row.Scan(&r.ID, &r.RequesterID, &r.TargetSite, &r.CredentialsRef, &meta, &r.Status,
		&created, &updated, &expires, &r.AssignedProfileID, &r.InterventionType,
		&r.InterventionAttempts, &r.ResultSummary, &r.Reason, &audit)
	if err != nil {
		return RequestRecord{}, err
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &r.RequesterMeta); err != nil {
			return RequestRecord{}, fmt.Errorf("decode requester meta: %w", err)
		}
	}
	r.Audit = json.RawMessage(audit)
	r.CreatedAt = fromUnix(created)
	r.UpdatedAt = fromUnix(updated)
	r.ExpiresAt = fromUnix(expires)
	return r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnix(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
