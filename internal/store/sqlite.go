package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- runs ----

func (s *sqliteStore) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, state, body, image_ref, filter, total, sent, failed, reason, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.State, r.Body, nullStr(r.ImageRef), nullStr(encodeIDs(r.Filter)),
		r.Total, r.Sent, r.Failed,
		nullStr(r.Reason), fmtTime(r.CreatedAt), nullTime(r.CompletedAt),
	)
	return err
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, total=?, sent=?, failed=?, reason=?, completed_at=? WHERE id=?`,
		r.State, r.Total, r.Sent, r.Failed, nullStr(r.Reason), nullTime(r.CompletedAt), r.ID,
	)
	return err
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, body, image_ref, filter, total, sent, failed, reason, created_at, completed_at
		 FROM runs WHERE id=?`, id)
	return scanRun(row)
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, body, image_ref, filter, total, sent, failed, reason, created_at, completed_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqliteStore) ListUnfinishedRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, body, image_ref, filter, total, sent, failed, reason, created_at, completed_at
		 FROM runs WHERE state NOT IN ('completed','aborted') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *sqliteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cut := fmtTime(cutoff)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE run_id IN
		   (SELECT id FROM runs WHERE state IN ('completed','aborted') AND completed_at < ?)`, cut); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE state IN ('completed','aborted') AND completed_at < ?`, cut)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- deliveries ----

func (s *sqliteStore) InsertPending(ctx context.Context, runID string, recipients []transport.RecipientID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deliveries(run_id, recipient_id, attempts) VALUES(?,?,0)
		 ON CONFLICT(run_id, recipient_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range recipients {
		if _, err := stmt.ExecContext(ctx, runID, int64(id)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, d Delivery) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET attempts=?, last_error=?, outcome=?, updated_at=?
		 WHERE run_id=? AND recipient_id=?`,
		d.Attempts, nullStr(d.LastError), nullStr(d.Outcome), fmtTime(d.UpdatedAt),
		d.RunID, int64(d.Recipient),
	)
	return err
}

func (s *sqliteStore) GetDelivery(ctx context.Context, runID string, id transport.RecipientID) (Delivery, error) {
	var (
		d         Delivery
		rid       int64
		lastErr   sql.NullString
		outcome   sql.NullString
		updatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, recipient_id, attempts, last_error, outcome, updated_at
		 FROM deliveries WHERE run_id=? AND recipient_id=?`, runID, int64(id)).
		Scan(&d.RunID, &rid, &d.Attempts, &lastErr, &outcome, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	d.Recipient = transport.RecipientID(rid)
	d.LastError = lastErr.String
	d.Outcome = outcome.String
	d.UpdatedAt = parseTime(updatedAt.String)
	return d, nil
}

func (s *sqliteStore) ListOutstanding(ctx context.Context, runID string) ([]transport.RecipientID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id FROM deliveries WHERE run_id=? AND outcome IS NULL ORDER BY recipient_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.RecipientID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, transport.RecipientID(id))
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountOutcomes(ctx context.Context, runID string) (int, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM deliveries
		 WHERE run_id=? AND outcome IS NOT NULL GROUP BY outcome`, runID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var sent, failed int
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return 0, 0, err
		}
		switch outcome {
		case "sent":
			sent = n
		case "failed":
			failed = n
		}
	}
	return sent, failed, rows.Err()
}

// ---- recipients ----

func (s *sqliteStore) UpsertRecipient(ctx context.Context, r Recipient) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, username, blocked, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, blocked=excluded.blocked`,
		int64(r.ID), nullStr(r.Username), boolInt(r.Blocked), fmtTime(r.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListEligible(ctx context.Context, ids []transport.RecipientID) ([]transport.RecipientID, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(ids) == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id FROM recipients WHERE blocked=0 ORDER BY id`)
	} else {
		args := make([]any, 0, len(ids))
		ph := make([]string, 0, len(ids))
		for _, id := range ids {
			args = append(args, int64(id))
			ph = append(ph, "?")
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id FROM recipients WHERE blocked=0 AND id IN (`+strings.Join(ph, ",")+`) ORDER BY id`,
			args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.RecipientID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, transport.RecipientID(id))
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkBlocked(ctx context.Context, id transport.RecipientID) error {
	// Upsert: a recipient the registry has never seen still gets a blocked
	// row, so later enumerations skip it.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(id, blocked, created_at) VALUES(?,1,?)
		 ON CONFLICT(id) DO UPDATE SET blocked=1`,
		int64(id), fmtTime(time.Now()))
	return err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r           Run
		imageRef    sql.NullString
		filter      sql.NullString
		reason      sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&r.ID, &r.State, &r.Body, &imageRef, &filter, &r.Total, &r.Sent, &r.Failed,
		&reason, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.ImageRef = imageRef.String
	r.Filter = decodeIDs(filter.String)
	r.Reason = reason.String
	r.CreatedAt = parseTime(createdAt)
	r.CompletedAt = parseTime(completedAt.String)
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeIDs/decodeIDs serialize a recipient filter as a comma-joined
// TEXT column. Empty means "no filter".
func encodeIDs(ids []transport.RecipientID) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, ",")
}

func decodeIDs(s string) []transport.RecipientID {
	if s == "" {
		return nil
	}
	var out []transport.RecipientID
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, transport.RecipientID(n))
	}
	return out
}
