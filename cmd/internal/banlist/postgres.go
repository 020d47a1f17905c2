package banlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/cmd/internal/history"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store over a bans table. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a Postgres-backed Store in schema (default "chatsync").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("banlist: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "chatsync"
	}
	if !history.IsValidPGIdent(schema) {
		return nil, errors.New("banlist: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) table() string { return history.PGIdent(s.schema, "bans") }

// EnsureSchema creates the bans table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+s.table()+` (
  channel_id   TEXT NOT NULL,
  user_id      TEXT NOT NULL,
  banned_by_id TEXT NOT NULL DEFAULT '',
  reason       TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  expires_at   TIMESTAMPTZ,
  PRIMARY KEY (channel_id, user_id)
)`)
	if err != nil {
		return fmt.Errorf("banlist: ensure schema: %w", err)
	}
	return nil
}

// PutBan inserts or replaces the ban of (channel, user).
func (s *PostgresStore) PutBan(ctx context.Context, b Ban) error {
	if b.ChannelID == "" || b.UserID == "" {
		return ErrInvalidBan
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	var expires *time.Time
	if !b.ExpiresAt.IsZero() {
		expires = &b.ExpiresAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (channel_id, user_id, banned_by_id, reason, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (channel_id, user_id) DO UPDATE
		   SET banned_by_id = EXCLUDED.banned_by_id,
		       reason = EXCLUDED.reason,
		       created_at = EXCLUDED.created_at,
		       expires_at = EXCLUDED.expires_at`,
		b.ChannelID, b.UserID, b.BannedByID, b.Reason, b.CreatedAt, expires,
	)
	return err
}

// RemoveBan lifts a ban. It reports whether one existed.
func (s *PostgresStore) RemoveBan(ctx context.Context, channelID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListBans implements Source.
func (s *PostgresStore) ListBans(ctx context.Context, q Query, offset, limit int) ([]Ban, error) {
	where, args := filterSQL(q.Filter)
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	args = append(args, limit, max(0, offset))
	stmt := fmt.Sprintf(`SELECT channel_id, user_id, banned_by_id, reason, created_at, expires_at
		   FROM %s%s
		  ORDER BY created_at %s, channel_id ASC, user_id ASC
		  LIMIT $%d OFFSET $%d`, s.table(), where, dir, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var (
			b       Ban
			expires *time.Time
		)
		if err := rows.Scan(&b.ChannelID, &b.UserID, &b.BannedByID, &b.Reason, &b.CreatedAt, &expires); err != nil {
			return nil, err
		}
		if expires != nil {
			b.ExpiresAt = *expires
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// filterSQL renders f as a WHERE clause with positional arguments.
func filterSQL(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ChannelID != "" {
		add("channel_id = $%d", f.ChannelID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.BannedByID != "" {
		add("banned_by_id = $%d", f.BannedByID)
	}
	if f.Reason != "" {
		add("strpos(lower(reason), lower($%d)) > 0", f.Reason)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}
	if !f.ActiveAt.IsZero() {
		add("(expires_at IS NULL OR expires_at > $%d)", f.ActiveAt)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\n		  WHERE " + strings.Join(conds, " AND "), args
}
