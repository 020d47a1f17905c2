package history

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"chatsync/cmd/internal/channel"
	"chatsync/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const messageColumns = `channel_id, seq, id, client_msg_id, author_id, parent_id, text, created_at, updated_at, deleted`

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-channel transactional advisory lock, so duplicates never waste a seq
//     and creation times stay strictly increasing with seq.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "chatsync"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the tables used by the store when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	cursors := PGIdent(s.schema, "channel_cursors")
	messages := PGIdent(s.schema, "messages")

	stmt := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  channel_id TEXT PRIMARY KEY,
  next_seq   BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  channel_id    TEXT NOT NULL,
  seq           BIGINT NOT NULL,
  id            TEXT NOT NULL,
  client_msg_id TEXT NOT NULL,
  author_id     TEXT NOT NULL,
  parent_id     TEXT NOT NULL DEFAULT '',
  text          TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL,
  deleted       BOOLEAN NOT NULL DEFAULT false,

  PRIMARY KEY (channel_id, seq),
  CONSTRAINT uq_messages_channel_client_msg UNIQUE (channel_id, client_msg_id),
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) <= 4096)
);
`, pgx.Identifier{s.schema}.Sanitize(), cursors, messages)

	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("history: ensure schema: %w", err)
	}
	return nil
}

// Append appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// Postgres keeps microseconds.
	now = now.Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := PGIdent(s.schema, "channel_cursors")
	messages := PGIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ChannelID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE channel_id = $1 AND client_msg_id = $2`,
		in.ChannelID, in.ClientMsgID,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Message: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	var last *time.Time
	if err := tx.QueryRow(ctx, `SELECT max(created_at) FROM `+messages+` WHERE channel_id = $1`, in.ChannelID).Scan(&last); err != nil {
		return AppendResult{}, err
	}
	if last != nil && !now.After(*last) {
		now = last.Add(createdAtStep)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (channel_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (channel_id) DO NOTHING`,
		in.ChannelID,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE channel_id = $1
		RETURNING (next_seq - 1)`,
		in.ChannelID,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	m := channel.Message{
		ID:          ids.MustULID(now),
		ChannelID:   in.ChannelID,
		AuthorID:    in.AuthorID,
		ClientMsgID: in.ClientMsgID,
		ParentID:    in.ParentID,
		Text:        in.Text,
		CreatedAt:   now,
		UpdatedAt:   now,
		Seq:         seq,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)`,
		m.ChannelID, m.Seq, m.ID, m.ClientMsgID, m.AuthorID, m.ParentID, m.Text, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Message: m}, nil
}

// Edit replaces the text of a live message.
func (s *PostgresStore) Edit(ctx context.Context, channelID, messageID, text string, at time.Time) (channel.Message, error) {
	if channelID == "" || messageID == "" {
		return channel.Message{}, ErrInvalidInput
	}
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+PGIdent(s.schema, "messages")+`
		    SET text = $3, updated_at = GREATEST(updated_at, $4)
		  WHERE channel_id = $1 AND id = $2 AND NOT deleted
		RETURNING `+messageColumns,
		channelID, messageID, text, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return channel.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m, err
}

// Delete turns a message into a tombstone. Deleting twice keeps the first deletion time.
func (s *PostgresStore) Delete(ctx context.Context, channelID, messageID string, at time.Time) (channel.Message, error) {
	if channelID == "" || messageID == "" {
		return channel.Message{}, ErrInvalidInput
	}
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+PGIdent(s.schema, "messages")+`
		    SET text = '',
		        updated_at = CASE WHEN deleted THEN updated_at ELSE GREATEST(updated_at, $3) END,
		        deleted = true
		  WHERE channel_id = $1 AND id = $2
		RETURNING `+messageColumns,
		channelID, messageID, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return channel.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return m, err
}

// FetchPage implements channel.Fetcher with limit+1 probing on each open edge.
func (s *PostgresStore) FetchPage(ctx context.Context, req channel.PageRequest) (channel.Page, error) {
	if req.ChannelID == "" {
		return channel.Page{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return channel.Page{}, err
	}
	limit := clampLimit(req.Limit)
	messages := PGIdent(s.schema, "messages")

	if req.Anchor.Kind == channel.AnchorLatest {
		older, more, err := s.query(ctx, `SELECT `+messageColumns+` FROM `+messages+`
			WHERE channel_id = $1 AND seq < $2 ORDER BY seq DESC LIMIT $3`, req.ChannelID, int64(1<<62), limit)
		if err != nil {
			return channel.Page{}, err
		}
		slices.Reverse(older)
		return channel.Page{Messages: older, ReachedOldest: !more, ReachedNewest: true}, nil
	}

	var anchor int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM `+messages+` WHERE channel_id = $1 AND id = $2`, req.ChannelID, req.Anchor.ID).Scan(&anchor)
	if errors.Is(err, pgx.ErrNoRows) {
		if req.Anchor.Kind == channel.AnchorAround {
			return channel.Page{}, nil
		}
		return channel.Page{}, fmt.Errorf("anchor %s: %w", req.Anchor, ErrNotFound)
	}
	if err != nil {
		return channel.Page{}, err
	}

	olderQ := `SELECT ` + messageColumns + ` FROM ` + messages + `
		WHERE channel_id = $1 AND seq < $2 ORDER BY seq DESC LIMIT $3`
	newerQ := `SELECT ` + messageColumns + ` FROM ` + messages + `
		WHERE channel_id = $1 AND seq >= $2 ORDER BY seq ASC LIMIT $3`

	switch req.Anchor.Kind {
	case channel.AnchorBefore:
		older, more, err := s.query(ctx, olderQ, req.ChannelID, anchor, limit)
		if err != nil {
			return channel.Page{}, err
		}
		slices.Reverse(older)
		return channel.Page{Messages: older, ReachedOldest: !more}, nil

	case channel.AnchorAfter:
		newer, more, err := s.query(ctx, newerQ, req.ChannelID, anchor+1, limit)
		if err != nil {
			return channel.Page{}, err
		}
		return channel.Page{Messages: newer, ReachedNewest: !more}, nil

	default:
		older, moreOlder, err := s.query(ctx, olderQ, req.ChannelID, anchor, limit/2)
		if err != nil {
			return channel.Page{}, err
		}
		newer, moreNewer, err := s.query(ctx, newerQ, req.ChannelID, anchor, limit-len(older))
		if err != nil {
			return channel.Page{}, err
		}
		slices.Reverse(older)
		return channel.Page{
			Messages:      append(older, newer...),
			ReachedOldest: !moreOlder,
			ReachedNewest: !moreNewer,
		}, nil
	}
}

// query runs q with limit+1 as its last argument and reports whether the extra row came back.
func (s *PostgresStore) query(ctx context.Context, q, channelID string, seq int64, limit int) ([]channel.Message, bool, error) {
	if limit <= 0 {
		// Only the extra row is needed.
		rows, err := s.pool.Query(ctx, q, channelID, seq, 1)
		if err != nil {
			return nil, false, err
		}
		defer rows.Close()
		more := rows.Next()
		return []channel.Message{}, more, rows.Err()
	}

	rows, err := s.pool.Query(ctx, q, channelID, seq, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	out := make([]channel.Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := len(out) > limit
	if more {
		out = out[:limit]
	}
	return out, more, nil
}

func scanMessage(row pgx.Row) (channel.Message, error) {
	var m channel.Message
	err := row.Scan(&m.ChannelID, &m.Seq, &m.ID, &m.ClientMsgID, &m.AuthorID, &m.ParentID, &m.Text, &m.CreatedAt, &m.UpdatedAt, &m.Deleted)
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidPGIdent reports whether s is a plain SQL identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// PGIdent returns a quoted schema-qualified table name.
func PGIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
