package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
	"github.com/manishjha-04/secureAuth/internal/token"
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Account   *entity.Account
	Token     string
	ExpiresAt time.Time
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by Authenticate.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// AccountFinder loads the account named by a token subject.
type AccountFinder interface {
	FindByID(ctx context.Context, id string) (*entity.Account, error)
}

// Gate validates bearer tokens and resolves their account.
type Gate struct {
	tokens   *token.Issuer
	accounts AccountFinder
	log      *zap.SugaredLogger
}

func NewGate(tokens *token.Issuer, accounts AccountFinder, log *zap.SugaredLogger) *Gate {
	return &Gate{tokens: tokens, accounts: accounts, log: log}
}

// Authenticate rejects requests without a valid, unrevoked access token.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, g.log, apperrors.ErrUnauthenticated)
			return
		}
		claims, err := g.tokens.ValidateAccess(r.Context(), raw)
		if err != nil {
			if !apperrors.IsDomain(err) {
				g.log.Errorw("token validation failed", "error", err)
				err = apperrors.ErrInternal
			}
			writeError(w, g.log, err)
			return
		}
		a, err := g.accounts.FindByID(r.Context(), claims.Subject)
		if errors.Is(err, apperrors.ErrNotFound) {
			writeError(w, g.log, apperrors.ErrUnauthenticated)
			return
		}
		if err != nil {
			g.log.Errorw("load account failed", "error", err)
			writeError(w, g.log, apperrors.ErrInternal)
			return
		}
		p := &Principal{Account: a, Token: raw, ExpiresAt: claims.ExpiresAt.Time}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRole admits callers whose role is one of roles. It must run after
// Authenticate.
func RequireRole(log *zap.SugaredLogger, roles ...entity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, log, apperrors.ErrUnauthenticated)
				return
			}
			for _, role := range roles {
				if p.Account.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, log, apperrors.ErrForbidden)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < len("bearer ") || !strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(h[len("bearer "):])
	return t, t != ""
}
