package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/pkg/password"
	"github.com/manishjha-04/secureAuth/pkg/utilities"
)

const accountColumns = `id, username, email, password_hash, role, two_factor_secret, two_factor_enabled,
	is_locked, lock_until, refresh_token, refresh_expires_at, created_at, updated_at`

// AccountRepo provides data access for the accounts tables using sqlx.
// Queries are written with `?` placeholders and rebound for the driver.
type AccountRepo struct {
	db           *sqlx.DB
	hasher       password.Hasher
	historyLimit int
	now          func() time.Time
}

// NewAccountRepo builds the store. historyLimit bounds the number of
// previous password hashes kept per account.
func NewAccountRepo(db *sqlx.DB, hasher password.Hasher, historyLimit int) *AccountRepo {
	if hasher == nil {
		hasher = password.Bcrypt{}
	}
	if historyLimit <= 0 {
		historyLimit = 5
	}
	return &AccountRepo{db: db, hasher: hasher, historyLimit: historyLimit, now: time.Now}
}

// WithClock overrides the time source used for timestamps.
func (r *AccountRepo) WithClock(now func() time.Time) *AccountRepo {
	r.now = now
	return r
}

func (r *AccountRepo) q(query string) string { return r.db.Rebind(query) }

func (r *AccountRepo) ts() time.Time { return r.now().UTC() }

// Create hashes the password and inserts a new account. Email is stored
// lowercased; a clash on email or username returns ErrDuplicateAccount.
func (r *AccountRepo) Create(ctx context.Context, username, email, plain string, role entity.Role) (*entity.Account, error) {
	if role == "" {
		role = entity.RoleUser
	}
	hash, err := r.hasher.Hash(plain)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := r.ts()
	a := &entity.Account{
		ID:           utilities.NewSnowflakeID(),
		Username:     strings.TrimSpace(username),
		Email:        NormalizeEmail(email),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	const q = `INSERT INTO accounts (id, username, email, password_hash, role, two_factor_enabled, is_locked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, FALSE, FALSE, ?, ?)`
	if _, err := r.db.ExecContext(ctx, r.q(q), a.ID, a.Username, a.Email, a.PasswordHash, string(a.Role), now, now); err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.ErrDuplicateAccount
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// FindByEmail returns the account for email (case-insensitive) or ErrNotFound.
func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.findOne(ctx, "email", NormalizeEmail(email))
}

// FindByUsername fetches by exact username.
func (r *AccountRepo) FindByUsername(ctx context.Context, username string) (*entity.Account, error) {
	return r.findOne(ctx, "username", strings.TrimSpace(username))
}

// FindByID fetches a full account including backup codes and password history.
func (r *AccountRepo) FindByID(ctx context.Context, id string) (*entity.Account, error) {
	return r.findOne(ctx, "id", id)
}

func (r *AccountRepo) findOne(ctx context.Context, column, value string) (*entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + column + ` = ?`
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, r.q(q), value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("select account by %s: %w", column, err)
	}

	const codesQ = `SELECT slot, code_hash, used, issued_at FROM account_backup_codes WHERE account_id = ? ORDER BY slot`
	if err := r.db.SelectContext(ctx, &a.BackupCodes, r.q(codesQ), a.ID); err != nil {
		return nil, fmt.Errorf("select backup codes: %w", err)
	}
	const historyQ = `SELECT seq, password_hash, created_at FROM account_password_history WHERE account_id = ? ORDER BY seq`
	if err := r.db.SelectContext(ctx, &a.PasswordHistory, r.q(historyQ), a.ID); err != nil {
		return nil, fmt.Errorf("select password history: %w", err)
	}
	return &a, nil
}

// UpdateRole changes the account role.
func (r *AccountRepo) UpdateRole(ctx context.Context, id string, role entity.Role) error {
	if !role.Valid() {
		return apperrors.Invalid("role", "must be one of user, moderator, admin")
	}
	const q = `UPDATE accounts SET role = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), string(role), r.ts(), id)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrNotFound)
}

// UpdatePassword hashes plain and replaces currentHash with it, appending
// currentHash to the password history and evicting the oldest entries
// beyond the limit. If the stored hash is no longer currentHash the update
// is refused with ErrConcurrentUpdate.
func (r *AccountRepo) UpdatePassword(ctx context.Context, id, currentHash, plain string) error {
	hash, err := r.hasher.Hash(plain)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := r.ts()
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		const upd = `UPDATE accounts SET password_hash = ?, updated_at = ? WHERE id = ? AND password_hash = ?`
		res, err := tx.ExecContext(ctx, tx.Rebind(upd), hash, now, id, currentHash)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return apperrors.ErrConcurrentUpdate
		}

		var maxSeq sql.NullInt64
		const seqQ = `SELECT MAX(seq) FROM account_password_history WHERE account_id = ?`
		if err := tx.GetContext(ctx, &maxSeq, tx.Rebind(seqQ), id); err != nil {
			return fmt.Errorf("read history seq: %w", err)
		}
		next := maxSeq.Int64 + 1

		const ins = `INSERT INTO account_password_history (account_id, seq, password_hash, created_at) VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, tx.Rebind(ins), id, next, currentHash, now); err != nil {
			return fmt.Errorf("append password history: %w", err)
		}
		const trim = `DELETE FROM account_password_history WHERE account_id = ? AND seq <= ?`
		if _, err := tx.ExecContext(ctx, tx.Rebind(trim), id, next-int64(r.historyLimit)); err != nil {
			return fmt.Errorf("trim password history: %w", err)
		}
		return nil
	})
}

// SetLock marks the account locked until the given time.
func (r *AccountRepo) SetLock(ctx context.Context, id string, until time.Time) error {
	const q = `UPDATE accounts SET is_locked = TRUE, lock_until = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), until.UTC(), r.ts(), id)
	if err != nil {
		return fmt.Errorf("set lock: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrNotFound)
}

// ClearLock removes any lock flag and expiry.
func (r *AccountRepo) ClearLock(ctx context.Context, id string) error {
	const q = `UPDATE accounts SET is_locked = FALSE, lock_until = NULL, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), r.ts(), id)
	if err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrNotFound)
}

// SetRefreshToken replaces whatever refresh token the account holds.
func (r *AccountRepo) SetRefreshToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	const q = `UPDATE accounts SET refresh_token = ?, refresh_expires_at = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), token, expiresAt.UTC(), r.ts(), id)
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrNotFound)
}

// RotateRefreshToken swaps oldToken for newToken only if oldToken is still
// the stored one. A lost race returns ErrConcurrentUpdate.
func (r *AccountRepo) RotateRefreshToken(ctx context.Context, id, oldToken, newToken string, expiresAt time.Time) error {
	const q = `UPDATE accounts SET refresh_token = ?, refresh_expires_at = ?, updated_at = ? WHERE id = ? AND refresh_token = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), newToken, expiresAt.UTC(), r.ts(), id, oldToken)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrConcurrentUpdate)
}

// ClearRefreshToken drops the stored refresh token.
func (r *AccountRepo) ClearRefreshToken(ctx context.Context, id string) error {
	const q = `UPDATE accounts SET refresh_token = NULL, refresh_expires_at = NULL, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), r.ts(), id)
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrNotFound)
}

// SetTwoFactorSecret stores a fresh, not yet enabled secret. Accounts with
// 2FA already enabled are refused with ErrTwoFactorAlreadyEnabled.
func (r *AccountRepo) SetTwoFactorSecret(ctx context.Context, id, secret string) error {
	const q = `UPDATE accounts SET two_factor_secret = ?, two_factor_enabled = FALSE, updated_at = ?
		WHERE id = ? AND two_factor_enabled = FALSE`
	res, err := r.db.ExecContext(ctx, r.q(q), secret, r.ts(), id)
	if err != nil {
		return fmt.Errorf("set 2fa secret: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrTwoFactorAlreadyEnabled)
}

// EnableTwoFactor flips the enabled flag if secret is still the stored secret.
func (r *AccountRepo) EnableTwoFactor(ctx context.Context, id, secret string) error {
	const q = `UPDATE accounts SET two_factor_enabled = TRUE, updated_at = ? WHERE id = ? AND two_factor_secret = ?`
	res, err := r.db.ExecContext(ctx, r.q(q), r.ts(), id, secret)
	if err != nil {
		return fmt.Errorf("enable 2fa: %w", err)
	}
	return r.expectRow(ctx, res, id, apperrors.ErrConcurrentUpdate)
}

// DisableTwoFactor clears the secret, the enabled flag and all backup codes.
func (r *AccountRepo) DisableTwoFactor(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		const q = `UPDATE accounts SET two_factor_secret = NULL, two_factor_enabled = FALSE, updated_at = ? WHERE id = ?`
		res, err := tx.ExecContext(ctx, tx.Rebind(q), r.ts(), id)
		if err != nil {
			return fmt.Errorf("disable 2fa: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return apperrors.ErrNotFound
		}
		const del = `DELETE FROM account_backup_codes WHERE account_id = ?`
		if _, err := tx.ExecContext(ctx, tx.Rebind(del), id); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		return nil
	})
}

// SetBackupCodes replaces the account's backup codes with the given hashes,
// all unused.
func (r *AccountRepo) SetBackupCodes(ctx context.Context, id string, hashes []string) error {
	now := r.ts()
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT 1 FROM accounts WHERE id = ?`), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("lookup account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM account_backup_codes WHERE account_id = ?`), id); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		const ins = `INSERT INTO account_backup_codes (account_id, slot, code_hash, used, issued_at) VALUES (?, ?, ?, FALSE, ?)`
		for i, h := range hashes {
			if _, err := tx.ExecContext(ctx, tx.Rebind(ins), id, i, h, now); err != nil {
				return fmt.Errorf("insert backup code: %w", err)
			}
		}
		return nil
	})
}

// MarkBackupCodeUsed consumes the code in slot if it is still unused and
// still carries codeHash. Exactly one concurrent caller can win; the rest
// get ErrInvalidOrUsed.
func (r *AccountRepo) MarkBackupCodeUsed(ctx context.Context, id string, slot int, codeHash string) error {
	const q = `UPDATE account_backup_codes SET used = TRUE, used_at = ?
		WHERE account_id = ? AND slot = ? AND code_hash = ? AND used = FALSE`
	res, err := r.db.ExecContext(ctx, r.q(q), r.ts(), id, slot, codeHash)
	if err != nil {
		return fmt.Errorf("mark backup code used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrInvalidOrUsed
	}
	return nil
}

// expectRow turns a zero-row update into ErrNotFound when the account does
// not exist and into miss otherwise.
func (r *AccountRepo) expectRow(ctx context.Context, res sql.Result, id string, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := r.db.GetContext(ctx, &one, r.q(`SELECT 1 FROM accounts WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		return err
	}
	return miss
}

func (r *AccountRepo) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}
