package auth

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 10
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

var (
	ErrPasswordTooShort  = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrPasswordTooLong   = fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
	ErrPasswordUppercase = errors.New("password must contain an uppercase letter")
	ErrPasswordLowercase = errors.New("password must contain a lowercase letter")
	ErrPasswordDigit     = errors.New("password must contain a digit")
	ErrPasswordSpecial   = errors.New("password must contain a special character")
)

// HashPassword returns a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword enforces the account password policy.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsSpace(r):
			special = true
		}
	}
	switch {
	case !upper:
		return ErrPasswordUppercase
	case !lower:
		return ErrPasswordLowercase
	case !digit:
		return ErrPasswordDigit
	case !special:
		return ErrPasswordSpecial
	}
	return nil
}
