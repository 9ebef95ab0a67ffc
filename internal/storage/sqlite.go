package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bookbot/internal/listing"
	logx "bookbot/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

const sqliteTimeLayout = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps admission serialized and lets :memory: share one db.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		// Terminal outcomes must survive power loss.
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Admit(ctx context.Context, e listing.Tracked) (bool, error) {
	if e.ID == "" {
		return false, errEmptyID
	}
	e = normalizeAdmit(e, s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_entries(id, grp, title, created_at, start_time, state, admitted_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		string(e.ID), e.Group, e.Title,
		fmtTime(e.CreatedAt), fmtTime(e.StartTime), string(e.State),
		fmtTime(e.AdmittedAt), fmtTime(e.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) MarkAttempted(ctx context.Context, id listing.ID) error {
	return s.transition(ctx, id, listing.ClaimAttempted, "")
}

func (s *sqliteStore) MarkClaimed(ctx context.Context, id listing.ID, outcome listing.Outcome, detail string) error {
	next, err := outcomeState(outcome)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, next, detail)
}

func (s *sqliteStore) transition(ctx context.Context, id listing.ID, next listing.State, detail string) error {
	prior := priorStates(next)
	args := []any{string(next), fmtTime(s.now()), nullStr(detail), string(id)}
	marks := make([]string, len(prior))
	for i, p := range prior {
		marks[i] = "?"
		args = append(args, p)
	}
	q := `UPDATE tracked_entries SET state = ?, updated_at = ?, detail = COALESCE(?, detail)
	      WHERE id = ? AND state IN (` + strings.Join(marks, ",") + `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("advance %s to %s: %w", id, next, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, cur.State, next)
}

const sqliteSelect = `SELECT id, grp, title, created_at, start_time, state, admitted_at, updated_at, detail FROM tracked_entries`

func (s *sqliteStore) Get(ctx context.Context, id listing.ID) (listing.Tracked, bool, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelect+` WHERE id = ?`, string(id))
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Tracked{}, false, nil
	}
	if err != nil {
		return listing.Tracked{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]listing.Tracked, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]listing.Tracked, 0)
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(r rowScanner) (listing.Tracked, error) {
	var (
		id, grp, title, state         string
		created, start, admitted, upd string
		detail                        sql.NullString
	)
	if err := r.Scan(&id, &grp, &title, &created, &start, &state, &admitted, &upd, &detail); err != nil {
		return listing.Tracked{}, err
	}
	e := listing.Tracked{
		ID:     listing.ID(id),
		Group:  grp,
		Title:  title,
		State:  listing.State(state),
		Detail: detail.String,
	}
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.StartTime, err = parseTime(start); err != nil {
		return e, err
	}
	if e.AdmittedAt, err = parseTime(admitted); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(upd); err != nil {
		return e, err
	}
	return e, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
