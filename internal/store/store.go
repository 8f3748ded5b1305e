// Package store is the durable system of record: membership, roles,
// bans, invites, refresh tokens, and server metadata. Everything the
// rest of the process keeps in memory is a volatile derivation over
// this store, rebuilt from scratch on restart.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parlorchat/parlor/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS members (
	id            TEXT PRIMARY KEY,
	external_id   TEXT NOT NULL UNIQUE,
	nickname      TEXT NOT NULL,
	display_color TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'member',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bans (
	external_id TEXT PRIMARY KEY,
	reason      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS invites (
	code           TEXT PRIMARY KEY,
	uses_remaining INTEGER NOT NULL,
	revoked        INTEGER NOT NULL DEFAULT 0,
	expires_at     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id          TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	internal_id TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	revoked     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS server_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

INSERT OR IGNORE INTO server_meta (key, value) VALUES ('token_version', '1');
`

// Store wraps a fixed-size sqlite connection pool. Safe for
// concurrent use; individual connections are not, so every method
// takes its own connection and puts it back.
type Store struct {
	pool *sqlitex.Pool
}

// Open creates the pool and applies the schema. A plain ":memory:"
// path is rejected by the pool; use a file path, or
// "file::memory:?mode=memory&cache=shared" for an in-memory database.
func Open(path string, poolSize int) (*Store, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL;",
				"PRAGMA synchronous=NORMAL;",
				"PRAGMA busy_timeout=5000;",
				"PRAGMA foreign_keys=OFF;",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return err
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	log.Info().Str("module", "store").Str("path", path).Int("pool_size", poolSize).Msg("sqlite pool opened")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func scanMember(stmt *sqlite.Stmt) domain.Member {
	return domain.Member{
		ID:           domain.UserID(stmt.GetText("id")),
		ExternalID:   domain.ExternalID(stmt.GetText("external_id")),
		Nickname:     stmt.GetText("nickname"),
		DisplayColor: stmt.GetText("display_color"),
		Role:         domain.Role(stmt.GetText("role")),
		CreatedAt:    time.Unix(stmt.GetInt64("created_at"), 0),
	}
}

// MemberByExternal looks up a member by authority identity.
func (s *Store) MemberByExternal(ctx context.Context, ext domain.ExternalID) (domain.Member, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return domain.Member{}, false, err
	}
	defer s.pool.Put(conn)

	var m domain.Member
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, external_id, nickname, display_color, role, created_at
		 FROM members WHERE external_id = :ext`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":ext": string(ext)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m = scanMember(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return domain.Member{}, false, fmt.Errorf("store: member lookup: %w", err)
	}
	return m, found, nil
}

// UpsertMember creates the member on first admission or refreshes the
// nickname on later ones. Role is preserved across upserts. The bool
// reports a genuine insert: the stored id only matches m.ID when this
// call created the row, so two racing first admissions see exactly
// one insert between them.
func (s *Store) UpsertMember(ctx context.Context, m domain.Member) (domain.Member, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return domain.Member{}, false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO members (id, external_id, nickname, display_color, role, created_at)
		 VALUES (:id, :ext, :nick, :color, :role, :created)
		 ON CONFLICT(external_id) DO UPDATE SET nickname = :nick`,
		&sqlitex.ExecOptions{Named: map[string]any{
			":id":      string(m.ID),
			":ext":     string(m.ExternalID),
			":nick":    m.Nickname,
			":color":   m.DisplayColor,
			":role":    string(m.Role),
			":created": m.CreatedAt.Unix(),
		}})
	if err != nil {
		return domain.Member{}, false, fmt.Errorf("store: member upsert: %w", err)
	}

	stored, _, err := s.memberByExternalConn(conn, m.ExternalID)
	return stored, stored.ID == m.ID, err
}

func (s *Store) memberByExternalConn(conn *sqlite.Conn, ext domain.ExternalID) (domain.Member, bool, error) {
	var m domain.Member
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, external_id, nickname, display_color, role, created_at
		 FROM members WHERE external_id = :ext`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":ext": string(ext)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m = scanMember(stmt)
				found = true
				return nil
			},
		})
	return m, found, err
}

// ListMembers returns the full roster ordered by nickname.
func (s *Store) ListMembers(ctx context.Context) ([]domain.Member, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []domain.Member
	err = sqlitex.Execute(conn,
		`SELECT id, external_id, nickname, display_color, role, created_at
		 FROM members ORDER BY nickname`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanMember(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	return out, nil
}

// SetRole changes a member's role.
func (s *Store) SetRole(ctx context.Context, ext domain.ExternalID, role domain.Role) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`UPDATE members SET role = :role WHERE external_id = :ext`,
		&sqlitex.ExecOptions{Named: map[string]any{":role": string(role), ":ext": string(ext)}})
}

// IsBanned checks the ban list.
func (s *Store) IsBanned(ctx context.Context, ext domain.ExternalID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	banned := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM bans WHERE external_id = :ext`,
		&sqlitex.ExecOptions{
			Named:      map[string]any{":ext": string(ext)},
			ResultFunc: func(*sqlite.Stmt) error { banned = true; return nil },
		})
	return banned, err
}

// Ban adds an identity to the ban list.
func (s *Store) Ban(ctx context.Context, ext domain.ExternalID, reason string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO bans (external_id, reason, created_at) VALUES (:ext, :reason, :now)`,
		&sqlitex.ExecOptions{Named: map[string]any{
			":ext": string(ext), ":reason": reason, ":now": time.Now().Unix(),
		}})
}

// Unban removes an identity from the ban list.
func (s *Store) Unban(ctx context.Context, ext domain.ExternalID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`DELETE FROM bans WHERE external_id = :ext`,
		&sqlitex.ExecOptions{Named: map[string]any{":ext": string(ext)}})
}

// CreateInvite registers a new invite code.
func (s *Store) CreateInvite(ctx context.Context, inv domain.Invite) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	var expires int64
	if !inv.ExpiresAt.IsZero() {
		expires = inv.ExpiresAt.Unix()
	}
	return sqlitex.Execute(conn,
		`INSERT INTO invites (code, uses_remaining, revoked, expires_at) VALUES (:code, :uses, 0, :exp)`,
		&sqlitex.ExecOptions{Named: map[string]any{
			":code": inv.Code, ":uses": inv.UsesRemaining, ":exp": expires,
		}})
}

// ConsumeInvite atomically decrements an invite's remaining uses.
// The decrement-and-check runs in one IMMEDIATE transaction so two
// interleaved admissions cannot both spend the last use.
func (s *Store) ConsumeInvite(ctx context.Context, code string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: invite txn: %w", err)
	}
	defer endFn(&err)

	var uses int64 = -1
	var revoked, expires int64
	err = sqlitex.Execute(conn,
		`SELECT uses_remaining, revoked, expires_at FROM invites WHERE code = :code`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":code": code},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				uses = stmt.GetInt64("uses_remaining")
				revoked = stmt.GetInt64("revoked")
				expires = stmt.GetInt64("expires_at")
				return nil
			},
		})
	if err != nil {
		return err
	}
	if uses < 0 || revoked != 0 || (expires != 0 && time.Now().Unix() > expires) || uses == 0 {
		err = domain.NewSignalError(domain.CodeInvalidInvite, "invite code is not valid")
		return err
	}
	err = sqlitex.Execute(conn,
		`UPDATE invites SET uses_remaining = uses_remaining - 1 WHERE code = :code`,
		&sqlitex.ExecOptions{Named: map[string]any{":code": code}})
	return err
}

// RevokeInvite marks an invite unusable without deleting its history.
func (s *Store) RevokeInvite(ctx context.Context, code string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`UPDATE invites SET revoked = 1 WHERE code = :code`,
		&sqlitex.ExecOptions{Named: map[string]any{":code": code}})
}

// OwnerExternalID returns the owning identity, empty when unclaimed.
func (s *Store) OwnerExternalID(ctx context.Context) (domain.ExternalID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var owner string
	err = sqlitex.Execute(conn,
		`SELECT value FROM server_meta WHERE key = 'owner_external_id'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				owner = stmt.ColumnText(0)
				return nil
			},
		})
	return domain.ExternalID(owner), err
}

// ClaimOwnership atomically assigns server ownership if and only if
// no owner exists yet. Returns true when this call claimed it.
func (s *Store) ClaimOwnership(ctx context.Context, ext domain.ExternalID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO server_meta (key, value) VALUES ('owner_external_id', :ext)`,
		&sqlitex.ExecOptions{Named: map[string]any{":ext": string(ext)}})
	if err != nil {
		return false, fmt.Errorf("store: claim ownership: %w", err)
	}
	return conn.Changes() > 0, nil
}

// TokenVersion returns the server-wide credential version counter.
func (s *Store) TokenVersion(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var version int64
	err = sqlitex.Execute(conn,
		`SELECT CAST(value AS INTEGER) FROM server_meta WHERE key = 'token_version'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt64(0)
				return nil
			},
		})
	return version, err
}

// BumpTokenVersion invalidates every previously issued access
// credential at once.
func (s *Store) BumpTokenVersion(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE server_meta SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT) WHERE key = 'token_version'`, nil)
	if err != nil {
		return 0, fmt.Errorf("store: bump token version: %w", err)
	}

	var version int64
	err = sqlitex.Execute(conn,
		`SELECT CAST(value AS INTEGER) FROM server_meta WHERE key = 'token_version'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt64(0)
				return nil
			},
		})
	return version, err
}

// CreateRefreshToken stores a new opaque refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`INSERT INTO refresh_tokens (id, external_id, internal_id, created_at, expires_at, revoked)
		 VALUES (:id, :ext, :internal, :created, :expires, 0)`,
		&sqlitex.ExecOptions{Named: map[string]any{
			":id":       t.ID,
			":ext":      string(t.ExternalID),
			":internal": string(t.InternalID),
			":created":  t.CreatedAt.Unix(),
			":expires":  t.ExpiresAt.Unix(),
		}})
}

// RefreshTokenByID resolves an opaque refresh token id.
func (s *Store) RefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return domain.RefreshToken{}, false, err
	}
	defer s.pool.Put(conn)

	var t domain.RefreshToken
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, external_id, internal_id, created_at, expires_at, revoked
		 FROM refresh_tokens WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":id": id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t = domain.RefreshToken{
					ID:         stmt.GetText("id"),
					ExternalID: domain.ExternalID(stmt.GetText("external_id")),
					InternalID: domain.UserID(stmt.GetText("internal_id")),
					CreatedAt:  time.Unix(stmt.GetInt64("created_at"), 0),
					ExpiresAt:  time.Unix(stmt.GetInt64("expires_at"), 0),
					Revoked:    stmt.GetInt64("revoked") != 0,
				}
				found = true
				return nil
			},
		})
	return t, found, err
}

// RevokeRefreshTokens revokes every refresh token held by a subject.
func (s *Store) RevokeRefreshTokens(ctx context.Context, ext domain.ExternalID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn,
		`UPDATE refresh_tokens SET revoked = 1 WHERE external_id = :ext`,
		&sqlitex.ExecOptions{Named: map[string]any{":ext": string(ext)}})
}
