package twofactor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/pkg/password"
)

const qrSize = 200

// Store is the subset of the account store the manager mutates.
type Store interface {
	SetTwoFactorSecret(ctx context.Context, id, secret string) error
	EnableTwoFactor(ctx context.Context, id, secret string) error
	DisableTwoFactor(ctx context.Context, id string) error
	SetBackupCodes(ctx context.Context, id string, hashes []string) error
	MarkBackupCodeUsed(ctx context.Context, id string, slot int, codeHash string) error
}

// Options controls TOTP parameters and backup-code issuance.
type Options struct {
	Issuer          string
	Period          time.Duration
	Skew            uint
	Digits          int
	BackupCodeCount int
}

func (o Options) withDefaults() Options {
	if o.Issuer == "" {
		o.Issuer = "AuthSystem"
	}
	if o.Period <= 0 {
		o.Period = 30 * time.Second
	}
	if o.Skew == 0 {
		o.Skew = 1
	}
	if o.Digits == 0 {
		o.Digits = 6
	}
	if o.BackupCodeCount <= 0 {
		o.BackupCodeCount = 10
	}
	return o
}

// Setup is returned once by BeginSetup. The plaintext backup codes are not
// retrievable afterwards.
type Setup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioningURI"`
	QRCode          string   `json:"qrCode"`
	BackupCodes     []string `json:"backupCodes"`
}

type Manager struct {
	store  Store
	hasher password.Hasher
	opts   Options
	now    func() time.Time
}

func NewManager(store Store, hasher password.Hasher, opts Options) *Manager {
	if hasher == nil {
		hasher = password.Bcrypt{}
	}
	return &Manager{store: store, hasher: hasher, opts: opts.withDefaults(), now: time.Now}
}

// WithClock overrides the time source used for code validation.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(m.opts.Period / time.Second),
		Skew:      m.opts.Skew,
		Digits:    otp.Digits(m.opts.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

// BeginSetup provisions a new secret and a fresh set of backup codes for a.
// The secret is stored but 2FA stays disabled until VerifyAndEnable.
func (m *Manager) BeginSetup(ctx context.Context, a *entity.Account) (*Setup, error) {
	if a.TwoFactorEnabled {
		return nil, apperrors.ErrTwoFactorAlreadyEnabled
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.opts.Issuer,
		AccountName: a.Email,
		Period:      uint(m.opts.Period / time.Second),
		Digits:      otp.Digits(m.opts.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	codes, err := generateBackupCodes(m.opts.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		if hashes[i], err = m.hasher.Hash(c); err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return nil, err
	}

	if err := m.store.SetTwoFactorSecret(ctx, a.ID, key.Secret()); err != nil {
		return nil, err
	}
	if err := m.store.SetBackupCodes(ctx, a.ID, hashes); err != nil {
		return nil, err
	}
	return &Setup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qr,
		BackupCodes:     codes,
	}, nil
}

// VerifyAndEnable turns 2FA on when code is valid for the provisioned secret.
// Backup codes are left as issued by BeginSetup.
func (m *Manager) VerifyAndEnable(ctx context.Context, a *entity.Account, code string) error {
	if a.TwoFactorEnabled {
		return apperrors.ErrTwoFactorAlreadyEnabled
	}
	if a.TwoFactorSecret == nil || *a.TwoFactorSecret == "" {
		return apperrors.ErrTwoFactorNotInitiated
	}
	if !m.valid(*a.TwoFactorSecret, code) {
		return apperrors.ErrInvalidCode
	}
	return m.store.EnableTwoFactor(ctx, a.ID, *a.TwoFactorSecret)
}

// VerifyLoginCode checks code against the account's secret without
// changing any state.
func (m *Manager) VerifyLoginCode(a *entity.Account, code string) bool {
	if a.TwoFactorSecret == nil || *a.TwoFactorSecret == "" {
		return false
	}
	return m.valid(*a.TwoFactorSecret, code)
}

// ConsumeBackupCode marks the first unused backup code matching code as used.
// Unused codes are compared one at a time in issue order.
func (m *Manager) ConsumeBackupCode(ctx context.Context, a *entity.Account, code string) error {
	code = normalizeBackupCode(code)
	if code == "" {
		return apperrors.ErrInvalidOrUsed
	}
	for _, c := range a.UnusedBackupCodes() {
		if m.hasher.Verify(c.CodeHash, code) {
			return m.store.MarkBackupCodeUsed(ctx, a.ID, c.Slot, c.CodeHash)
		}
	}
	return apperrors.ErrInvalidOrUsed
}

// Disable turns 2FA off. A valid current TOTP code is required.
func (m *Manager) Disable(ctx context.Context, a *entity.Account, code string) error {
	if !a.TwoFactorEnabled || a.TwoFactorSecret == nil {
		return apperrors.ErrTwoFactorNotInitiated
	}
	if !m.valid(*a.TwoFactorSecret, code) {
		return apperrors.ErrInvalidCode
	}
	return m.store.DisableTwoFactor(ctx, a.ID)
}

func (m *Manager) valid(secret, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), m.validateOpts())
	return err == nil && ok
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// generateBackupCodes returns n distinct codes of 8 uppercase hex characters.
func generateBackupCodes(n int) ([]string, error) {
	seen := make(map[string]struct{}, n)
	codes := make([]string, 0, n)
	buf := make([]byte, 4)
	for len(codes) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		c := strings.ToUpper(hex.EncodeToString(buf))
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	return codes, nil
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
