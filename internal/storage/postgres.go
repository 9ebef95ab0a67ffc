package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookbot/internal/listing"
	logx "bookbot/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tracked_entries (
    seq         BIGSERIAL   PRIMARY KEY,
    id          TEXT        NOT NULL UNIQUE,
    grp         TEXT        NOT NULL DEFAULT '',
    title       TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    start_time  TIMESTAMPTZ NOT NULL,
    state       TEXT        NOT NULL CHECK (state IN ('accepted', 'claim_attempted', 'claim_succeeded', 'claim_failed')),
    admitted_at TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_tracked_entries_state ON tracked_entries(state);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	// The loop is sequential; a couple of connections cover the ops server too.
	pcfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("db", pcfg.ConnConfig.Database))
	return &postgresStore{pool: pool, log: log, now: time.Now}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Admit(ctx context.Context, e listing.Tracked) (bool, error) {
	if e.ID == "" {
		return false, errEmptyID
	}
	e = normalizeAdmit(e, s.now())
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_entries(id, grp, title, created_at, start_time, state, admitted_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO NOTHING`,
		string(e.ID), e.Group, e.Title, e.CreatedAt.UTC(), e.StartTime.UTC(), string(e.State),
		e.AdmittedAt.UTC(), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", e.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) MarkAttempted(ctx context.Context, id listing.ID) error {
	return s.transition(ctx, id, listing.ClaimAttempted, "")
}

func (s *postgresStore) MarkClaimed(ctx context.Context, id listing.ID, outcome listing.Outcome, detail string) error {
	next, err := outcomeState(outcome)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, next, detail)
}

func (s *postgresStore) transition(ctx context.Context, id listing.ID, next listing.State, detail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracked_entries SET state = $1, updated_at = $2, detail = COALESCE($3, detail)
		  WHERE id = $4 AND state = ANY($5)`,
		string(next), s.now().UTC(), nullStr(detail), string(id), priorStates(next),
	)
	if err != nil {
		return fmt.Errorf("advance %s to %s: %w", id, next, err)
	}
	if tag.RowsAffected() == 1 {
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

const postgresSelect = `SELECT id, grp, title, created_at, start_time, state, admitted_at, updated_at, COALESCE(detail, '') FROM tracked_entries`

func (s *postgresStore) Get(ctx context.Context, id listing.ID) (listing.Tracked, bool, error) {
	e, err := scanPostgres(s.pool.QueryRow(ctx, postgresSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.Tracked{}, false, nil
	}
	if err != nil {
		return listing.Tracked{}, false, err
	}
	return e, true, nil
}

func (s *postgresStore) List(ctx context.Context) ([]listing.Tracked, error) {
	rows, err := s.pool.Query(ctx, postgresSelect+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]listing.Tracked, 0)
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPostgres(r pgx.Row) (listing.Tracked, error) {
	var (
		e         listing.Tracked
		id, state string
	)
	err := r.Scan(&id, &e.Group, &e.Title, &e.CreatedAt, &e.StartTime, &state, &e.AdmittedAt, &e.UpdatedAt, &e.Detail)
	if err != nil {
		return listing.Tracked{}, err
	}
	e.ID = listing.ID(id)
	e.State = listing.State(state)
	// TIMESTAMPTZ scans into the host zone; entry times are UTC wall clocks.
	e.CreatedAt = e.CreatedAt.UTC()
	e.StartTime = e.StartTime.UTC()
	e.AdmittedAt = e.AdmittedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}
