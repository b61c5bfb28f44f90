package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// PasswordService hashes, verifies and vets plaintext passwords.
type PasswordService interface {
	HashPassword(plain string) (string, error)
	VerifyPassword(plain, hash string) bool
	ValidatePasswordStrength(plain string) error
}

const minPasswordLength = 8

// BcryptPasswordService is the default PasswordService backed by bcrypt.
type BcryptPasswordService struct {
	cost int
}

var _ PasswordService = (*BcryptPasswordService)(nil)

// NewBcryptPasswordService uses bcrypt.DefaultCost when cost is zero. Tests
// pass bcrypt.MinCost.
func NewBcryptPasswordService(cost int) *BcryptPasswordService {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPasswordService{cost: cost}
}

func (s *BcryptPasswordService) HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), s.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *BcryptPasswordService) VerifyPassword(plain, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// ValidatePasswordStrength requires at least 8 characters with an upper-case
// letter, a lower-case letter and a digit.
func (s *BcryptPasswordService) ValidatePasswordStrength(plain string) error {
	if len(plain) < minPasswordLength {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, minPasswordLength)
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("%w: upper-case, lower-case and digit required", ErrWeakPassword)
	}
	return nil
}
