package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	nucleus "go.pilab.hu/nucleus"
)

// DefaultDSN keeps everything in memory.
const DefaultDSN = ":memory:"

// Store persists codes and users in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ nucleus.CodeStore = (*Store)(nil)
	_ nucleus.UserStore = (*Store)(nil)
)

// Open connects to dsn and, when migrate is set, applies pending
// migrations.
func Open(ctx context.Context, dsn string, migrate bool) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite has a single writer, and an in-memory database exists per
	// connection, so one connection serves every request.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}

	s := &Store{db: db}
	if migrate {
		if err := s.MigrateUp(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, code *nucleus.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes
			(code, user_id, client_id, redirect_uri, scope, nonce,
			 code_challenge, code_challenge_method, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		code.Code, code.UserID, code.ClientID, code.RedirectURI,
		strings.Join(code.Scope, " "), code.Nonce,
		code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt.UnixMilli(), code.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return nucleus.ErrCodeConflict
	}
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

func (s *Store) FindUnused(ctx context.Context, code string) (*nucleus.AuthorizationCode, error) {
	var (
		rec                  nucleus.AuthorizationCode
		scope                string
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code, user_id, client_id, redirect_uri, scope, nonce,
		       code_challenge, code_challenge_method, expires_at, created_at
		FROM authorization_codes
		WHERE code = ? AND used = 0`, code,
	).Scan(&rec.Code, &rec.UserID, &rec.ClientID, &rec.RedirectURI, &scope, &rec.Nonce,
		&rec.CodeChallenge, &rec.CodeChallengeMethod, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nucleus.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization code: %w", err)
	}

	rec.Scope = strings.Fields(scope)
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

// MarkUsed relies on the WHERE used = 0 guard; only the statement that
// actually flips the row sees one affected row.
func (s *Store) MarkUsed(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE authorization_codes SET used = 1 WHERE code = ? AND used = 0`, code)
	if err != nil {
		return fmt.Errorf("marking authorization code used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM authorization_codes WHERE code = ?`, code).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nucleus.ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("querying authorization code: %w", err)
	}
	return nucleus.ErrCodeAlreadyUsed
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired authorization codes: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authorization_codes WHERE used = 0 AND expires_at > ?`,
		now.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting authorization codes: %w", err)
	}
	return n, nil
}

func (s *Store) CreateUser(ctx context.Context, user *nucleus.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, email_verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, user.PasswordHash,
		boolToInt(user.EmailVerified), user.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return nucleus.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*nucleus.User, error) {
	return s.getUser(ctx, `WHERE id = ?`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*nucleus.User, error) {
	return s.getUser(ctx, `WHERE email = ?`, email)
}

func (s *Store) getUser(ctx context.Context, where string, arg string) (*nucleus.User, error) {
	var (
		u         nucleus.User
		verified  int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, email_verified, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &verified, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nucleus.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.EmailVerified = verified != 0
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
