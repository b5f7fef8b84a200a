package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/pkg/utilities"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims are carried by both token kinds; Type tells them apart.
type Claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is a freshly minted access and refresh token.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Store persists the single refresh token accepted per account.
type Store interface {
	FindByID(ctx context.Context, id string) (*entity.Account, error)
	SetRefreshToken(ctx context.Context, id, token string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, id, oldToken, newToken string, expiresAt time.Time) error
	ClearRefreshToken(ctx context.Context, id string) error
}

// Revocations answers whether an access token was revoked early.
type Revocations interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

type Options struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Issuer mints, rotates and validates HS256 session tokens.
type Issuer struct {
	store   Store
	revoked Revocations
	opts    Options
	now     func() time.Time
}

func NewIssuer(store Store, revoked Revocations, opts Options) *Issuer {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Issuer{store: store, revoked: revoked, opts: opts, now: time.Now}
}

// WithClock overrides the time source for minting and validation.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue mints a new pair for accountID and stores the refresh token,
// replacing whichever one was stored before.
func (i *Issuer) Issue(ctx context.Context, accountID string) (*Pair, error) {
	pair, refreshExp, err := i.mintPair(accountID)
	if err != nil {
		return nil, err
	}
	if err := i.store.SetRefreshToken(ctx, accountID, pair.RefreshToken, refreshExp); err != nil {
		return nil, err
	}
	return pair, nil
}

// Rotate exchanges the stored refresh token for a new pair. A token that is
// not the one currently stored, including one already rotated, is rejected
// with ErrInvalidRefreshToken.
func (i *Issuer) Rotate(ctx context.Context, refreshToken string) (*Pair, string, error) {
	claims, err := i.parse(refreshToken, TypeRefresh, i.opts.RefreshSecret)
	if err != nil {
		return nil, "", apperrors.ErrInvalidRefreshToken
	}
	a, err := i.store.FindByID(ctx, claims.Subject)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, "", apperrors.ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, "", err
	}
	rec, ok := a.CurrentRefreshToken()
	if !ok || subtle.ConstantTimeCompare([]byte(rec.Token), []byte(refreshToken)) != 1 {
		return nil, "", apperrors.ErrInvalidRefreshToken
	}
	if !rec.ExpiresAt.After(i.now()) {
		return nil, "", apperrors.ErrInvalidRefreshToken
	}

	pair, refreshExp, err := i.mintPair(a.ID)
	if err != nil {
		return nil, "", err
	}
	err = i.store.RotateRefreshToken(ctx, a.ID, refreshToken, pair.RefreshToken, refreshExp)
	if errors.Is(err, apperrors.ErrConcurrentUpdate) || errors.Is(err, apperrors.ErrNotFound) {
		return nil, "", apperrors.ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, "", err
	}
	return pair, a.ID, nil
}

// Revoke forgets the stored refresh token for accountID.
func (i *Issuer) Revoke(ctx context.Context, accountID string) error {
	return i.store.ClearRefreshToken(ctx, accountID)
}

// ValidateAccess checks signature, expiry and type of an access token, then
// consults the revocation list.
func (i *Issuer) ValidateAccess(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := i.parse(accessToken, TypeAccess, i.opts.AccessSecret)
	if err != nil {
		return nil, apperrors.ErrUnauthenticated
	}
	if i.revoked != nil {
		revoked, err := i.revoked.IsBlacklisted(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, apperrors.ErrTokenRevoked
		}
	}
	return claims, nil
}

func (i *Issuer) mintPair(accountID string) (*Pair, time.Time, error) {
	now := i.now()
	access, _, err := i.sign(TypeAccess, accountID, now, i.opts.AccessTTL, i.opts.AccessSecret)
	if err != nil {
		return nil, time.Time{}, err
	}
	refresh, refreshExp, err := i.sign(TypeRefresh, accountID, now, i.opts.RefreshTTL, i.opts.RefreshSecret)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &Pair{AccessToken: access, RefreshToken: refresh}, refreshExp, nil
}

func (i *Issuer) sign(typ, sub string, now time.Time, ttl time.Duration, secret []byte) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        utilities.NewKSUID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	// exp is truncated to seconds inside the token.
	return signed, exp.Truncate(time.Second), nil
}

func (i *Issuer) parse(raw, typ string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
