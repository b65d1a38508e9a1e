package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// HashPassword hashes a password with bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a bcrypt hash with a plain password
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Operator is the single account allowed to use the API.
type Operator struct {
	Username     string
	PasswordHash string
}

// Authenticate checks a login attempt. An operator without a password hash
// accepts nobody.
func (o Operator) Authenticate(username, password string) error {
	if o.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(o.Username)) != 1 {
		return ErrInvalidCredentials
	}
	if err := CheckPassword(o.PasswordHash, password); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
