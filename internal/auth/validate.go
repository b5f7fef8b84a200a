package auth

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/manishjha-04/secureAuth/internal/account/entity"
	"github.com/manishjha-04/secureAuth/internal/apperrors"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const passwordSpecials = "@$!%*?&"

// ValidateEmail checks email shape only; existence is never revealed here.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > 255 || !emailRegex.MatchString(email) {
		return apperrors.Invalid("email", "Please enter a valid email")
	}
	return nil
}

// ValidatePassword requires at least 8 characters with a lowercase and an
// uppercase letter, a digit and one of @$!%*?&.
func ValidatePassword(field, password string) error {
	if len(password) < 8 {
		return apperrors.Invalid(field, "Password must be at least 8 characters long")
	}
	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !lower || !upper || !digit || !special {
		return apperrors.Invalid(field, "Password must contain at least one uppercase letter, one lowercase letter, one number and one special character")
	}
	return nil
}

// ValidateRegistration checks a registration request and normalizes the
// username and role in place.
func ValidateRegistration(in *RegisterInput) error {
	in.Username = strings.TrimSpace(in.Username)
	if len(in.Username) < 3 {
		return apperrors.Invalid("username", "Username must be at least 3 characters long")
	}
	if err := ValidateEmail(in.Email); err != nil {
		return err
	}
	if err := ValidatePassword("password", in.Password); err != nil {
		return err
	}
	if in.Role == "" {
		in.Role = entity.RoleUser
	}
	if !in.Role.Valid() {
		return apperrors.Invalid("role", "Role must be one of user, moderator, admin")
	}
	return nil
}
