package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manishjha-04/secureAuth/internal/account"
	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/internal/notify"
	"github.com/manishjha-04/secureAuth/internal/token"
	"github.com/manishjha-04/secureAuth/internal/twofactor"
	"github.com/manishjha-04/secureAuth/pkg/password"
)

// AccountStore is the part of the account store the orchestrator uses.
type AccountStore interface {
	Create(ctx context.Context, username, email, plain string, role entity.Role) (*entity.Account, error)
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	FindByUsername(ctx context.Context, username string) (*entity.Account, error)
	FindByID(ctx context.Context, id string) (*entity.Account, error)
	UpdateRole(ctx context.Context, id string, role entity.Role) error
	UpdatePassword(ctx context.Context, id, currentHash, plain string) error
	SetLock(ctx context.Context, id string, until time.Time) error
	ClearLock(ctx context.Context, id string) error
}

// AttemptLedger records login attempts and counts recent failures.
type AttemptLedger interface {
	Record(ctx context.Context, email, ip string, success bool) error
	CountRecentFailures(ctx context.Context, email, ip string, window time.Duration) (int, error)
}

// TokenBlacklist revokes access tokens before they expire.
type TokenBlacklist interface {
	Add(ctx context.Context, token, accountID string, expiresAt time.Time) error
}

// Notifier delivers 2FA state-change messages without blocking the caller.
type Notifier interface {
	Send(msg notify.Message)
}

// Policy holds the lockout parameters.
type Policy struct {
	LockoutThreshold int
	AttemptWindow    time.Duration
	LockDuration     time.Duration
}

// Deps are the collaborators of Service.
type Deps struct {
	Accounts  AccountStore
	Ledger    AttemptLedger
	Blacklist TokenBlacklist
	History   *account.HistoryGuard
	TwoFactor *twofactor.Manager
	Tokens    *token.Issuer
	Notifier  Notifier
	Hasher    password.Hasher
}

// Session is returned by every flow that signs an account in.
type Session struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	Account      entity.Summary `json:"account"`
}

type RegisterInput struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     entity.Role `json:"role"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totpToken"`
	IP       string `json:"-"`
}

type BackupLoginInput struct {
	Email      string `json:"email"`
	BackupCode string `json:"backupCode"`
	IP         string `json:"-"`
}

// Service runs the login, registration and session flows.
type Service struct {
	accounts  AccountStore
	ledger    AttemptLedger
	blacklist TokenBlacklist
	history   *account.HistoryGuard
	tfa       *twofactor.Manager
	tokens    *token.Issuer
	notifier  Notifier
	hasher    password.Hasher
	policy    Policy
	log       *zap.SugaredLogger
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(d Deps, p Policy, log *zap.SugaredLogger) *Service {
	if d.Hasher == nil {
		d.Hasher = password.Bcrypt{}
	}
	if d.History == nil {
		d.History = account.NewHistoryGuard(d.Hasher)
	}
	if p.LockoutThreshold <= 0 {
		p.LockoutThreshold = 5
	}
	if p.AttemptWindow <= 0 {
		p.AttemptWindow = 15 * time.Minute
	}
	if p.LockDuration <= 0 {
		p.LockDuration = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		accounts:  d.Accounts,
		ledger:    d.Ledger,
		blacklist: d.Blacklist,
		history:   d.History,
		tfa:       d.TwoFactor,
		tokens:    d.Tokens,
		notifier:  d.Notifier,
		hasher:    d.Hasher,
		policy:    p,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the time source used for lock decisions.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	if err := ValidateRegistration(&in); err != nil {
		return nil, err
	}
	a, err := s.accounts.Create(ctx, in.Username, in.Email, in.Password, in.Role)
	if err != nil {
		return nil, s.fail("register", err)
	}
	pair, err := s.tokens.Issue(ctx, a.ID)
	if err != nil {
		return nil, s.fail("register", err)
	}
	s.log.Infow("account registered", "account", a.ID, "email", a.Email, "role", a.Role)
	return newSession(pair, a), nil
}

// Login authenticates email and password, plus a TOTP code when the account
// has 2FA enabled.
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	if err := ValidateEmail(in.Email); err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, apperrors.Invalid("password", "Password is required")
	}

	a, err := s.accounts.FindByEmail(ctx, in.Email)
	if errors.Is(err, apperrors.ErrNotFound) {
		// Same hashing cost as a real mismatch.
		s.hasher.Verify(s.dummy(), in.Password)
		if err := s.ledger.Record(ctx, in.Email, in.IP, false); err != nil {
			return nil, s.fail("login", err)
		}
		s.log.Infow("login failed", "email", in.Email, "ip", in.IP)
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, s.fail("login", err)
	}

	if a.LockedAt(s.now()) {
		s.log.Infow("login rejected, account locked", "email", a.Email, "ip", in.IP, "until", *a.LockUntil)
		return nil, apperrors.Locked(*a.LockUntil)
	}

	if !s.hasher.Verify(a.PasswordHash, in.Password) {
		return nil, s.failedAttempt(ctx, a, in.IP, apperrors.ErrInvalidCredentials)
	}

	if a.TwoFactorEnabled {
		if strings.TrimSpace(in.TOTPCode) == "" {
			return nil, apperrors.ErrRequires2FA
		}
		if !s.tfa.VerifyLoginCode(a, in.TOTPCode) {
			return nil, s.failedAttempt(ctx, a, in.IP, apperrors.ErrInvalidCredentials)
		}
	}

	return s.establish(ctx, a, in.IP)
}

// VerifyBackupCode signs in with email and a one-time backup code in place
// of a TOTP code.
func (s *Service) VerifyBackupCode(ctx context.Context, in BackupLoginInput) (*Session, error) {
	if err := ValidateEmail(in.Email); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.BackupCode) == "" {
		return nil, apperrors.Invalid("backupCode", "Backup code is required")
	}

	a, err := s.accounts.FindByEmail(ctx, in.Email)
	if errors.Is(err, apperrors.ErrNotFound) {
		if err := s.ledger.Record(ctx, in.Email, in.IP, false); err != nil {
			return nil, s.fail("verify backup code", err)
		}
		return nil, apperrors.ErrInvalidOrUsed
	}
	if err != nil {
		return nil, s.fail("verify backup code", err)
	}
	if a.LockedAt(s.now()) {
		return nil, apperrors.Locked(*a.LockUntil)
	}
	if !a.TwoFactorEnabled {
		return nil, s.failedAttempt(ctx, a, in.IP, apperrors.ErrInvalidOrUsed)
	}

	err = s.tfa.ConsumeBackupCode(ctx, a, in.BackupCode)
	if errors.Is(err, apperrors.ErrInvalidOrUsed) {
		return nil, s.failedAttempt(ctx, a, in.IP, apperrors.ErrInvalidOrUsed)
	}
	if err != nil {
		return nil, s.fail("verify backup code", err)
	}
	s.log.Infow("backup code consumed", "account", a.ID, "ip", in.IP)
	return s.establish(ctx, a, in.IP)
}

// Logout revokes the presented access token and the stored refresh token.
func (s *Service) Logout(ctx context.Context, p *Principal) error {
	if err := s.blacklist.Add(ctx, p.Token, p.Account.ID, p.ExpiresAt); err != nil {
		return s.fail("logout", err)
	}
	if err := s.tokens.Revoke(ctx, p.Account.ID); err != nil {
		return s.fail("logout", err)
	}
	s.log.Infow("logout", "account", p.Account.ID)
	return nil
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, apperrors.ErrInvalidRefreshToken
	}
	pair, id, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidRefreshToken) {
			s.log.Infow("refresh token rejected")
		}
		return nil, s.fail("refresh", err)
	}
	s.log.Debugw("refresh token rotated", "account", id)
	return pair, nil
}

// ChangePassword replaces the password after checking the current one and
// rejecting recently used ones, the current password included.
func (s *Service) ChangePassword(ctx context.Context, p *Principal, current, next string) error {
	if current == "" {
		return apperrors.Invalid("currentPassword", "Current password is required")
	}
	if err := ValidatePassword("newPassword", next); err != nil {
		return err
	}
	a := p.Account
	if !s.hasher.Verify(a.PasswordHash, current) {
		return apperrors.ErrWrongCurrentPassword
	}
	if s.history.MatchesCurrent(a, next) || s.history.IsReused(a, next) {
		return apperrors.ErrReusedPassword
	}
	if err := s.accounts.UpdatePassword(ctx, a.ID, a.PasswordHash, next); err != nil {
		return s.fail("change password", err)
	}
	s.log.Infow("password changed", "account", a.ID)
	return nil
}

// Setup2FA provisions a secret and backup codes for the caller.
func (s *Service) Setup2FA(ctx context.Context, p *Principal) (*twofactor.Setup, error) {
	setup, err := s.tfa.BeginSetup(ctx, p.Account)
	if err != nil {
		return nil, s.fail("2fa setup", err)
	}
	return setup, nil
}

// Verify2FA enables 2FA once the caller proves possession of the secret.
func (s *Service) Verify2FA(ctx context.Context, p *Principal, code string) error {
	if err := s.tfa.VerifyAndEnable(ctx, p.Account, code); err != nil {
		return s.fail("2fa verify", err)
	}
	s.log.Infow("2fa enabled", "account", p.Account.ID)
	s.notify(notify.TwoFactorChanged(p.Account.Email, true))
	return nil
}

// Disable2FA turns 2FA off; a valid current code is required.
func (s *Service) Disable2FA(ctx context.Context, p *Principal, code string) error {
	if err := s.tfa.Disable(ctx, p.Account, code); err != nil {
		return s.fail("2fa disable", err)
	}
	s.log.Infow("2fa disabled", "account", p.Account.ID)
	s.notify(notify.TwoFactorChanged(p.Account.Email, false))
	return nil
}

// Existence reports which identifiers are already taken.
type Existence struct {
	EmailExists    bool `json:"emailExists"`
	UsernameExists bool `json:"usernameExists"`
}

// CheckExisting looks up email and username independently; empty values are
// reported as not taken.
func (s *Service) CheckExisting(ctx context.Context, email, username string) (*Existence, error) {
	var out Existence
	var err error
	if strings.TrimSpace(email) != "" {
		if out.EmailExists, err = s.exists(ctx, s.accounts.FindByEmail, email); err != nil {
			return nil, s.fail("check existing", err)
		}
	}
	if strings.TrimSpace(username) != "" {
		if out.UsernameExists, err = s.exists(ctx, s.accounts.FindByUsername, username); err != nil {
			return nil, s.fail("check existing", err)
		}
	}
	return &out, nil
}

func (s *Service) exists(ctx context.Context, find func(context.Context, string) (*entity.Account, error), v string) (bool, error) {
	_, err := find(ctx, v)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// UpdateRole changes the role of another account.
func (s *Service) UpdateRole(ctx context.Context, p *Principal, id string, role entity.Role) (*entity.Summary, error) {
	if !role.Valid() {
		return nil, apperrors.Invalid("role", "Role must be one of user, moderator, admin")
	}
	if err := s.accounts.UpdateRole(ctx, id, role); err != nil {
		return nil, s.fail("update role", err)
	}
	a, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, s.fail("update role", err)
	}
	s.log.Infow("role updated", "account", id, "role", role, "by", p.Account.ID)
	sum := a.Summary()
	return &sum, nil
}

// failedAttempt records a failure and locks the account once the failure
// count in the window reaches the threshold. It returns result.
func (s *Service) failedAttempt(ctx context.Context, a *entity.Account, ip string, result error) error {
	if err := s.ledger.Record(ctx, a.Email, ip, false); err != nil {
		return s.fail("record attempt", err)
	}
	n, err := s.ledger.CountRecentFailures(ctx, a.Email, ip, s.policy.AttemptWindow)
	if err != nil {
		return s.fail("count attempts", err)
	}
	s.log.Infow("login failed", "email", a.Email, "ip", ip, "failures", n)
	if n >= s.policy.LockoutThreshold {
		until := s.now().Add(s.policy.LockDuration)
		if err := s.accounts.SetLock(ctx, a.ID, until); err != nil {
			return s.fail("set lock", err)
		}
		s.log.Warnw("account locked", "email", a.Email, "until", until, "failures", n)
	}
	return result
}

// establish clears any lock, issues a token pair and records the success.
func (s *Service) establish(ctx context.Context, a *entity.Account, ip string) (*Session, error) {
	if a.IsLocked || a.LockUntil != nil {
		if err := s.accounts.ClearLock(ctx, a.ID); err != nil {
			return nil, s.fail("clear lock", err)
		}
	}
	pair, err := s.tokens.Issue(ctx, a.ID)
	if err != nil {
		return nil, s.fail("issue tokens", err)
	}
	if err := s.ledger.Record(ctx, a.Email, ip, true); err != nil {
		s.log.Warnw("recording successful attempt failed", "email", a.Email, "error", err)
	}
	s.log.Infow("login succeeded", "email", a.Email, "ip", ip)
	return newSession(pair, a), nil
}

func (s *Service) notify(msg notify.Message) {
	if s.notifier != nil {
		s.notifier.Send(msg)
	}
}

// fail passes domain errors through and hides everything else behind
// ErrInternal after logging it.
func (s *Service) fail(op string, err error) error {
	if apperrors.IsDomain(err) {
		return err
	}
	s.log.Errorw("operation failed", "op", op, "error", err)
	return apperrors.ErrInternal
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("not-a-real-password")
	})
	return s.dummyHash
}

func newSession(p *token.Pair, a *entity.Account) *Session {
	return &Session{AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, Account: a.Summary()}
}
