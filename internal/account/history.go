package account

import (
	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/pkg/password"
)

// HistoryGuard rejects passwords that match a recently used one.
type HistoryGuard struct {
	hasher password.Hasher
}

func NewHistoryGuard(hasher password.Hasher) *HistoryGuard {
	if hasher == nil {
		hasher = password.Bcrypt{}
	}
	return &HistoryGuard{hasher: hasher}
}

// IsReused compares candidate with each stored historical hash, oldest
// first, and stops at the first match.
func (g *HistoryGuard) IsReused(a *entity.Account, candidate string) bool {
	for _, h := range a.PasswordHistory {
		if g.hasher.Verify(h.PasswordHash, candidate) {
			return true
		}
	}
	return false
}

// MatchesCurrent reports whether candidate is the account's current password.
func (g *HistoryGuard) MatchesCurrent(a *entity.Account, candidate string) bool {
	return g.hasher.Verify(a.PasswordHash, candidate)
}
