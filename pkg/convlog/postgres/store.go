package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/duplex/pkg/convlog"
)

var _ convlog.Sink = (*Store)(nil)

// Store is a PostgreSQL-backed conversation log sink. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conversation store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Write implements [convlog.Sink].
func (s *Store) Write(ctx context.Context, e convlog.Entry) error {
	const q = `
		INSERT INTO conversation_entries (session_id, seq, kind, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q, e.SessionID, e.Seq, string(e.Kind), e.Role, e.Text, ts)
	if err != nil {
		return fmt.Errorf("conversation store: write entry: %w", err)
	}
	return nil
}

// Recent returns the entries of sessionID written within the last window,
// oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, window time.Duration) ([]convlog.Entry, error) {
	const q = `
		SELECT session_id, seq, kind, role, text, created_at
		FROM   conversation_entries
		WHERE  session_id = $1
		  AND  created_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("conversation store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search runs a full-text query over every stored entry and returns at most
// limit matches, newest first. limit <= 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]convlog.Entry, error) {
	q := `
		SELECT session_id, seq, kind, role, text, created_at
		FROM   conversation_entries
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY created_at DESC, seq DESC`
	args := []any{query}
	if limit > 0 {
		q += "\n\t\tLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping verifies the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]convlog.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convlog.Entry, error) {
		var (
			e    convlog.Entry
			kind string
		)
		if err := row.Scan(&e.SessionID, &e.Seq, &kind, &e.Role, &e.Text, &e.Time); err != nil {
			return convlog.Entry{}, err
		}
		e.Kind = convlog.Kind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []convlog.Entry{}
	}
	return entries, nil
}
