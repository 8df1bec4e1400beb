// SPDX-License-Identifier: MIT

package authority

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SqliteStore implements AuthorityStore on a local SQLite database. The CRUD
// side of the product owns these tables; this store only reads them.
type SqliteStore struct {
	DB *sql.DB
}

// OpenSqlite opens (and if needed migrates) the authority database.
func OpenSqlite(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("authority store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS collaborators (
		project_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token_hash    TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		avatar_url    TEXT NOT NULL DEFAULT '',
		expires_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// HashToken derives the stored lookup key for an opaque bearer token. Raw
// tokens never hit the database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *SqliteStore) VerifyBearerToken(ctx context.Context, token string) (Identity, error) {
	var (
		identity Identity
		expires  int64
	)
	err := s.DB.QueryRowContext(ctx,
		"SELECT user_id, display_name, avatar_url, expires_at_ms FROM tokens WHERE token_hash = ?",
		HashToken(token),
	).Scan(&identity.UserID, &identity.DisplayName, &identity.AvatarURL, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrTokenInvalid
	}
	if err != nil {
		return Identity{}, err
	}
	if expires > 0 && time.Now().UnixMilli() >= expires {
		return Identity{}, ErrTokenInvalid
	}
	return identity, nil
}

func (s *SqliteStore) ResolveProjectOwner(ctx context.Context, projectID string) (string, error) {
	var ownerID string
	err := s.DB.QueryRowContext(ctx,
		"SELECT owner_id FROM projects WHERE project_id = ?", projectID,
	).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProjectNotFound
	}
	if err != nil {
		return "", err
	}
	return ownerID, nil
}

func (s *SqliteStore) ResolveCollaboratorRole(ctx context.Context, projectID, userID string) (Role, error) {
	var role string
	err := s.DB.QueryRowContext(ctx,
		"SELECT role FROM collaborators WHERE project_id = ? AND user_id = ? AND active = 1",
		projectID, userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotACollaborator
	}
	if err != nil {
		return "", err
	}
	return Role(role), nil
}

var _ AuthorityStore = (*SqliteStore)(nil)
