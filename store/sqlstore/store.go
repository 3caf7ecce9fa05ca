package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/role"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported sql driver")
	ErrDuplicateAccount  = errors.New("account already exists")
)

// Dialect is the database/sql driver name.
type Dialect string

const (
	DialectPostgres Dialect = "pgx"
	DialectSQLite   Dialect = "sqlite3"
)

func (d Dialect) gooseDialect() string {
	if d == DialectSQLite {
		return "sqlite3"
	}
	return "postgres"
}

func (d Dialect) valid() bool {
	return d == DialectPostgres || d == DialectSQLite
}

const accountColumns = `id, username, COALESCE(email, ''), password_hash, role, is_active, email_verified,
	two_fa_enabled, totp_enabled, totp_secret, failed_login_count, locked_until, oauth_provider`

// Store implements authcore.AccountStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var (
	_ authcore.AccountStore        = (*Store)(nil)
	_ authcore.LoginFailureCounter = (*Store)(nil)
)

// Open connects with the given driver and checks the connection.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	if !dialect.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer at a time avoids SQLITE_BUSY under concurrent updates.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return New(db, dialect), nil
}

// New wraps an existing handle. The caller keeps ownership of db unless it
// calls Close.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindByIdentifier matches the exact username first, then the email without
// regard to case.
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (authcore.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE username = $1 OR lower(email) = lower($1)
		ORDER BY CASE WHEN username = $1 THEN 0 ELSE 1 END
		LIMIT 1`, identifier)
	return scanAccount(row)
}

func (s *Store) FindByID(ctx context.Context, id string) (authcore.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// UpdateSecurityFields writes the non-nil fields of patch.
func (s *Store) UpdateSecurityFields(ctx context.Context, id string, patch authcore.SecurityPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if patch.PasswordHash != nil {
		add("password_hash", *patch.PasswordHash)
	}
	if patch.TwoFactorEnabled != nil {
		add("two_fa_enabled", *patch.TwoFactorEnabled)
	}
	if patch.TOTPEnabled != nil {
		add("totp_enabled", *patch.TOTPEnabled)
	}
	if patch.TOTPSecret != nil {
		add("totp_secret", *patch.TOTPSecret)
	}
	if patch.FailedLoginCount != nil {
		add("failed_login_count", *patch.FailedLoginCount)
	}
	if patch.LockedUntil != nil {
		add("locked_until", toMillis(*patch.LockedUntil))
	}
	add("updated_at", s.now().UnixMilli())

	args = append(args, id)
	query := "UPDATE accounts SET " + strings.Join(sets, ", ") + " WHERE id = $" + strconv.Itoa(len(args))
	return s.exec(ctx, "update security fields", query, args...)
}

// IncrementFailedLogins bumps failed_login_count in place and returns the
// new value. A non-zero lockedUntil is written in the same statement.
func (s *Store) IncrementFailedLogins(ctx context.Context, id string, lockedUntil time.Time) (int, error) {
	query := `UPDATE accounts SET failed_login_count = failed_login_count + 1, updated_at = $1
		WHERE id = $2 RETURNING failed_login_count`
	args := []any{s.now().UnixMilli(), id}
	if !lockedUntil.IsZero() {
		query = `UPDATE accounts SET failed_login_count = failed_login_count + 1, locked_until = $3, updated_at = $1
			WHERE id = $2 RETURNING failed_login_count`
		args = append(args, toMillis(lockedUntil))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, authcore.ErrAccountNotFound
		}
		return 0, fmt.Errorf("increment failed logins: %w", err)
	}
	return count, nil
}

func (s *Store) UpdateRole(ctx context.Context, id string, r role.Role) error {
	if !r.Valid() {
		return role.ErrUnknownRole
	}
	return s.exec(ctx, "update role",
		`UPDATE accounts SET role = $1, updated_at = $2 WHERE id = $3`,
		r.String(), s.now().UnixMilli(), id)
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return authcore.ErrAccountNotFound
	}
	return nil
}

// Create inserts an account. An empty ID is filled with a random UUID and
// returned.
func (s *Store) Create(ctx context.Context, account authcore.Account) (string, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Role == role.Unknown {
		account.Role = role.User
	}
	if !account.Role.Valid() {
		return "", role.ErrUnknownRole
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE id = $1 OR username = $2 OR (email <> '' AND lower(email) = lower(CAST($3 AS TEXT)))`,
		account.ID, account.Username, account.Email,
	).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check account: %w", err)
	}
	if exists > 0 {
		return "", ErrDuplicateAccount
	}

	now := s.now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `INSERT INTO accounts (
		id, username, email, password_hash, role, is_active, email_verified,
		two_fa_enabled, totp_enabled, totp_secret, failed_login_count, locked_until,
		oauth_provider, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		account.ID,
		account.Username,
		nullString(account.Email),
		account.PasswordHash,
		account.Role.String(),
		account.Active,
		account.EmailVerified,
		account.TwoFactorEnabled,
		account.TOTPEnabled,
		account.TOTPSecret,
		account.FailedLoginCount,
		toMillis(account.LockedUntil),
		account.OAuthProvider,
		now,
		now,
	)
	if err != nil {
		// The unique indexes catch a concurrent Create that passed the check.
		if isUniqueViolation(err) {
			return "", ErrDuplicateAccount
		}
		return "", fmt.Errorf("insert account: %w", err)
	}
	return account.ID, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// SetActive toggles the account's active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, "set active",
		`UPDATE accounts SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, s.now().UnixMilli(), id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (authcore.Account, error) {
	var (
		a           authcore.Account
		roleName    string
		lockedUntil int64
	)
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.Email,
		&a.PasswordHash,
		&roleName,
		&a.Active,
		&a.EmailVerified,
		&a.TwoFactorEnabled,
		&a.TOTPEnabled,
		&a.TOTPSecret,
		&a.FailedLoginCount,
		&lockedUntil,
		&a.OAuthProvider,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authcore.Account{}, authcore.ErrAccountNotFound
		}
		return authcore.Account{}, fmt.Errorf("scan account: %w", err)
	}

	a.Role, err = role.Parse(roleName)
	if err != nil {
		return authcore.Account{}, fmt.Errorf("account %s: %w", a.ID, err)
	}
	if lockedUntil > 0 {
		a.LockedUntil = time.UnixMilli(lockedUntil).UTC()
	}
	return a, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
