package twofactor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/account/repo"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/pkg/database"
	"github.com/manishjha-04/secureAuth/pkg/password"
)

type fixture struct {
	repo *repo.AccountRepo
	mgr  *Manager
	now  time.Time
	acct *entity.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	db := sqlx.NewDb(sqlDB, database.DriverSQLite)
	t.Cleanup(func() { _ = db.Close() })

	h := password.Bcrypt{Cost: bcrypt.MinCost}
	r := repo.NewAccountRepo(db, h, 5)
	require.NoError(t, r.EnsureTable(context.Background()))

	f := &fixture{repo: r, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.mgr = NewManager(r, h, Options{Issuer: "AuthSystem", Skew: 1}).WithClock(func() time.Time { return f.now })

	f.acct, err = r.Create(context.Background(), "alice", "alice@x.com", "Abc12345!", entity.RoleUser)
	require.NoError(t, err)
	return f
}

func (f *fixture) reload(t *testing.T) *entity.Account {
	t.Helper()
	a, err := f.repo.FindByID(context.Background(), f.acct.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) code(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	c, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return c
}

func TestBeginSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.BeginSetup(ctx, f.acct)
	require.NoError(t, err)
	assert.NotEmpty(t, s.Secret)
	assert.True(t, strings.HasPrefix(s.ProvisioningURI, "otpauth://totp/"))
	assert.Contains(t, s.ProvisioningURI, "issuer=AuthSystem")
	assert.True(t, strings.HasPrefix(s.QRCode, "data:image/png;base64,"))
	require.Len(t, s.BackupCodes, 10)

	seen := map[string]bool{}
	for _, c := range s.BackupCodes {
		assert.Regexp(t, `^[0-9A-F]{8}$`, c)
		assert.False(t, seen[c])
		seen[c] = true
	}

	a := f.reload(t)
	require.NotNil(t, a.TwoFactorSecret)
	assert.Equal(t, s.Secret, *a.TwoFactorSecret)
	assert.False(t, a.TwoFactorEnabled)
	require.Len(t, a.BackupCodes, 10)
	for i, c := range a.BackupCodes {
		assert.False(t, c.Used)
		assert.NotEqual(t, s.BackupCodes[i], c.CodeHash)
	}

	t.Run("repeat setup replaces secret and codes", func(t *testing.T) {
		s2, err := f.mgr.BeginSetup(ctx, a)
		require.NoError(t, err)
		assert.NotEqual(t, s.Secret, s2.Secret)
		a2 := f.reload(t)
		assert.Len(t, a2.BackupCodes, 10)
		assert.ErrorIs(t, f.mgr.ConsumeBackupCode(ctx, a2, s.BackupCodes[0]), apperrors.ErrInvalidOrUsed)
	})
}

func TestVerifyAndEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.mgr.VerifyAndEnable(ctx, f.acct, "123456"), apperrors.ErrTwoFactorNotInitiated)

	s, err := f.mgr.BeginSetup(ctx, f.acct)
	require.NoError(t, err)
	a := f.reload(t)

	assert.ErrorIs(t, f.mgr.VerifyAndEnable(ctx, a, ""), apperrors.ErrInvalidCode)
	assert.ErrorIs(t, f.mgr.VerifyAndEnable(ctx, a, f.code(t, s.Secret, f.now.Add(10*time.Minute))), apperrors.ErrInvalidCode)
	assert.False(t, f.reload(t).TwoFactorEnabled)

	require.NoError(t, f.mgr.VerifyAndEnable(ctx, a, f.code(t, s.Secret, f.now)))
	a = f.reload(t)
	assert.True(t, a.TwoFactorEnabled)
	assert.Len(t, a.UnusedBackupCodes(), 10, "enabling keeps the issued backup codes")

	_, err = f.mgr.BeginSetup(ctx, a)
	assert.ErrorIs(t, err, apperrors.ErrTwoFactorAlreadyEnabled)
}

func TestVerifyLoginCode_Skew(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.BeginSetup(context.Background(), f.acct)
	require.NoError(t, err)
	a := f.reload(t)

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current step", 0, true},
		{"previous step", -30 * time.Second, true},
		{"next step", 30 * time.Second, true},
		{"two steps back", -90 * time.Second, false},
		{"far future", 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.mgr.VerifyLoginCode(a, f.code(t, s.Secret, f.now.Add(tt.offset))))
		})
	}
	assert.False(t, f.mgr.VerifyLoginCode(&entity.Account{}, "123456"))
	assert.False(t, f.reload(t).TwoFactorEnabled, "login verification never mutates state")
}

func TestNewManager_DefaultsToOneStepSkew(t *testing.T) {
	f := newFixture(t)
	mgr := NewManager(f.repo, password.Bcrypt{Cost: bcrypt.MinCost}, Options{}).
		WithClock(func() time.Time { return f.now })
	assert.Equal(t, uint(1), mgr.opts.Skew)

	s, err := mgr.BeginSetup(context.Background(), f.acct)
	require.NoError(t, err)
	a := f.reload(t)

	assert.True(t, mgr.VerifyLoginCode(a, f.code(t, s.Secret, f.now.Add(-30*time.Second))))
	assert.True(t, mgr.VerifyLoginCode(a, f.code(t, s.Secret, f.now.Add(30*time.Second))))
	assert.False(t, mgr.VerifyLoginCode(a, f.code(t, s.Secret, f.now.Add(-90*time.Second))))
}

func TestConsumeBackupCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.mgr.BeginSetup(ctx, f.acct)
	require.NoError(t, err)

	stale := f.reload(t)
	require.NoError(t, f.mgr.ConsumeBackupCode(ctx, stale, " "+strings.ToLower(s.BackupCodes[3])+" "))

	t.Run("reuse is rejected", func(t *testing.T) {
		assert.ErrorIs(t, f.mgr.ConsumeBackupCode(ctx, f.reload(t), s.BackupCodes[3]), apperrors.ErrInvalidOrUsed)
	})
	t.Run("stale snapshot loses the race", func(t *testing.T) {
		assert.ErrorIs(t, f.mgr.ConsumeBackupCode(ctx, stale, s.BackupCodes[3]), apperrors.ErrInvalidOrUsed)
	})
	t.Run("unknown code", func(t *testing.T) {
		assert.ErrorIs(t, f.mgr.ConsumeBackupCode(ctx, f.reload(t), "ZZZZZZZZ"), apperrors.ErrInvalidOrUsed)
		assert.ErrorIs(t, f.mgr.ConsumeBackupCode(ctx, f.reload(t), ""), apperrors.ErrInvalidOrUsed)
	})
	t.Run("remaining nine still work", func(t *testing.T) {
		for i, c := range s.BackupCodes {
			if i == 3 {
				continue
			}
			require.NoError(t, f.mgr.ConsumeBackupCode(ctx, f.reload(t), c))
		}
		assert.Empty(t, f.reload(t).UnusedBackupCodes())
	})
}

func TestDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.mgr.Disable(ctx, f.acct, "123456"), apperrors.ErrTwoFactorNotInitiated)

	s, err := f.mgr.BeginSetup(ctx, f.acct)
	require.NoError(t, err)
	require.NoError(t, f.mgr.VerifyAndEnable(ctx, f.reload(t), f.code(t, s.Secret, f.now)))

	a := f.reload(t)
	assert.ErrorIs(t, f.mgr.Disable(ctx, a, f.code(t, s.Secret, f.now.Add(time.Hour))), apperrors.ErrInvalidCode)
	assert.True(t, f.reload(t).TwoFactorEnabled)

	require.NoError(t, f.mgr.Disable(ctx, a, f.code(t, s.Secret, f.now)))
	a = f.reload(t)
	assert.False(t, a.TwoFactorEnabled)
	assert.Nil(t, a.TwoFactorSecret)
	assert.Empty(t, a.BackupCodes)
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := generateBackupCodes(50)
	require.NoError(t, err)
	assert.Len(t, codes, 50)
	seen := map[string]struct{}{}
	for _, c := range codes {
		seen[c] = struct{}{}
	}
	assert.Len(t, seen, 50)
}
