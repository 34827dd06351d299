// Package postgres persists the conversation log to PostgreSQL.
//
// A [Store] implements [convlog.Sink], so it can be attached to a log with
// [convlog.WithSink]. Entries land in the conversation_entries table, which
// carries a GIN full-text index over the rendered text for [Store.Search].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	log := convlog.New(convlog.WithSink(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    seq         BIGINT       NOT NULL,
    kind        TEXT         NOT NULL,
    role        TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_session_seq
    ON conversation_entries (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_created_at
    ON conversation_entries (created_at);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_fts
    ON conversation_entries USING GIN (to_tsvector('english', text));
`

// Migrate creates the conversation_entries table and its indexes. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
