package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const accountColumns = `id, username, password_hash, role, failed_attempts, locked, locked_until, last_attempt, version, created_at, updated_at`

// Repository is the SQL Store. Queries are written with ? placeholders and
// rebound for the driver, so the same code runs on pgx and SQLite.
type Repository struct {
	db  *sqlx.DB
	now func() time.Time
}

type accountRow struct {
	ID             string       `db:"id"`
	Username       string       `db:"username"`
	PasswordHash   string       `db:"password_hash"`
	Role           string       `db:"role"`
	FailedAttempts int          `db:"failed_attempts"`
	Locked         bool         `db:"locked"`
	LockedUntil    sql.NullTime `db:"locked_until"`
	LastAttempt    sql.NullTime `db:"last_attempt"`
	Version        int64        `db:"version"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM accounts WHERE username = ?`), username)
	if err != nil {
		return false, fmt.Errorf("count accounts by username: %w", err)
	}
	return count > 0, nil
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (Account, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT `+accountColumns+`
		FROM accounts
		WHERE username = ?
	`), username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("query account by username: %w", err)
	}
	return row.account(), nil
}

func (r *Repository) Save(ctx context.Context, account Account) (Account, error) {
	if account.ID == "" {
		return r.insert(ctx, account)
	}
	return r.update(ctx, account)
}

func (r *Repository) insert(ctx context.Context, account Account) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := r.now().UTC()
	account.ID = id.String()
	account.Version = 1
	account.CreatedAt = now
	account.UpdatedAt = now
	if account.Role == "" {
		account.Role = RoleUser
	}

	row := toRow(account)
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), row.ID, row.Username, row.PasswordHash, row.Role, row.FailedAttempts, row.Locked,
		row.LockedUntil, row.LastAttempt, row.Version, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrDuplicateUsername
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return account, nil
}

func (r *Repository) update(ctx context.Context, account Account) (Account, error) {
	expected := account.Version
	account.Version = expected + 1
	account.UpdatedAt = r.now().UTC()

	row := toRow(account)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts
		SET username = ?, password_hash = ?, role = ?, failed_attempts = ?, locked = ?,
			locked_until = ?, last_attempt = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`), row.Username, row.PasswordHash, row.Role, row.FailedAttempts, row.Locked,
		row.LockedUntil, row.LastAttempt, row.Version, row.UpdatedAt, row.ID, expected)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrDuplicateUsername
		}
		return Account{}, fmt.Errorf("update account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Account{}, fmt.Errorf("update account rows affected: %w", err)
	}
	if affected == 0 {
		return Account{}, ErrVersionConflict
	}

	return account, nil
}

func (r *Repository) Delete(ctx context.Context, account Account) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM accounts WHERE id = ?`), account.ID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) FindAll(ctx context.Context) ([]Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY username ASC`)
}

func (r *Repository) FindByRole(ctx context.Context, role Role) ([]Account, error) {
	return r.list(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE role = ?
		ORDER BY username ASC
	`, string(role))
}

// Search matches term as a case-insensitive substring of the username and,
// when role is set, requires an exact role match too.
func (r *Repository) Search(ctx context.Context, term string, role Role) ([]Account, error) {
	term = strings.TrimSpace(term)
	switch {
	case term == "" && role == "":
		return r.FindAll(ctx)
	case term == "":
		return r.FindByRole(ctx, role)
	}

	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	if role == "" {
		return r.list(ctx, `
			SELECT `+accountColumns+`
			FROM accounts
			WHERE LOWER(username) LIKE ? ESCAPE '\'
			ORDER BY username ASC
		`, pattern)
	}

	return r.list(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE role = ? AND LOWER(username) LIKE ? ESCAPE '\'
		ORDER BY username ASC
	`, string(role), pattern)
}

// ReleaseExpiredLocks clears up to limit timed locks whose deadline is at or
// before now. Each released row gets a new version so in-flight cycles
// holding the old one retry.
func (r *Repository) ReleaseExpiredLocks(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	now = now.UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE accounts
		SET locked = ?, locked_until = NULL, failed_attempts = 0, version = version + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM accounts
			WHERE locked = ? AND locked_until IS NOT NULL AND locked_until <= ?
			LIMIT ?
		)
	`), false, r.now().UTC(), true, now, limit)
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release expired locks rows affected: %w", err)
	}
	return affected, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Account, error) {
	var rows []accountRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}

	accounts := make([]Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, row.account())
	}
	return accounts, nil
}

func (row accountRow) account() Account {
	account := Account{
		ID:           row.ID,
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		Role:         Role(row.Role),
		Security: SecurityState{
			FailedAttempts: row.FailedAttempts,
			Locked:         row.Locked,
		},
		Version:   row.Version,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if row.LockedUntil.Valid {
		account.Security.LockedUntil = timePtr(row.LockedUntil.Time)
	}
	if row.LastAttempt.Valid {
		account.Security.LastAttempt = timePtr(row.LastAttempt.Time)
	}
	return account
}

func toRow(account Account) accountRow {
	row := accountRow{
		ID:             account.ID,
		Username:       account.Username,
		PasswordHash:   account.PasswordHash,
		Role:           string(account.Role),
		FailedAttempts: account.Security.FailedAttempts,
		Locked:         account.Security.Locked,
		Version:        account.Version,
		CreatedAt:      account.CreatedAt.UTC(),
		UpdatedAt:      account.UpdatedAt.UTC(),
	}
	if account.Security.LockedUntil != nil {
		row.LockedUntil = sql.NullTime{Time: account.Security.LockedUntil.UTC(), Valid: true}
	}
	if account.Security.LastAttempt != nil {
		row.LastAttempt = sql.NullTime{Time: account.Security.LastAttempt.UTC(), Valid: true}
	}
	return row
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// isUniqueViolation recognises Postgres SQLSTATE 23505 and SQLite's
// constraint message.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var pgErr sqlStater
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
