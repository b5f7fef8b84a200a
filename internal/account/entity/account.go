package entity

import "time"

// Role is the coarse capability level of an account.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Account represents a row in the `accounts` table plus its owned
// backup codes and password history.
type Account struct {
	ID               string     `db:"id"`
	Username         string     `db:"username"`
	Email            string     `db:"email"`
	PasswordHash     string     `db:"password_hash"`
	Role             Role       `db:"role"`
	TwoFactorSecret  *string    `db:"two_factor_secret"`
	TwoFactorEnabled bool       `db:"two_factor_enabled"`
	IsLocked         bool       `db:"is_locked"`
	LockUntil        *time.Time `db:"lock_until"`
	RefreshToken     *string    `db:"refresh_token"`
	RefreshExpiresAt *time.Time `db:"refresh_expires_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`

	BackupCodes     []BackupCode           `db:"-"`
	PasswordHistory []PasswordHistoryEntry `db:"-"`
}

// BackupCode is a hashed one-time 2FA fallback credential.
type BackupCode struct {
	Slot     int       `db:"slot"`
	CodeHash string    `db:"code_hash"`
	Used     bool      `db:"used"`
	IssuedAt time.Time `db:"issued_at"`
}

// PasswordHistoryEntry is a previously used password hash.
type PasswordHistoryEntry struct {
	Seq          int64     `db:"seq"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// RefreshTokenRecord is the single refresh token currently accepted for rotation.
type RefreshTokenRecord struct {
	Token     string
	ExpiresAt time.Time
}

// LockedAt reports whether the lock is in force at now. A lock whose
// expiry has passed is inactive even if the flag was never cleared.
func (a *Account) LockedAt(now time.Time) bool {
	return a.IsLocked && a.LockUntil != nil && a.LockUntil.After(now)
}

// CurrentRefreshToken returns the stored refresh token record, if any.
func (a *Account) CurrentRefreshToken() (RefreshTokenRecord, bool) {
	if a.RefreshToken == nil || *a.RefreshToken == "" || a.RefreshExpiresAt == nil {
		return RefreshTokenRecord{}, false
	}
	return RefreshTokenRecord{Token: *a.RefreshToken, ExpiresAt: *a.RefreshExpiresAt}, true
}

// UnusedBackupCodes returns the codes still available, in issue order.
func (a *Account) UnusedBackupCodes() []BackupCode {
	out := make([]BackupCode, 0, len(a.BackupCodes))
	for _, c := range a.BackupCodes {
		if !c.Used {
			out = append(out, c)
		}
	}
	return out
}

// Summary is the public projection returned to clients.
type Summary struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	Role             Role   `json:"role"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

func (a *Account) Summary() Summary {
	return Summary{
		ID:               a.ID,
		Username:         a.Username,
		Email:            a.Email,
		Role:             a.Role,
		TwoFactorEnabled: a.TwoFactorEnabled,
	}
}
