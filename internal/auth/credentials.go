package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/repo"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the username is unknown so both paths cost a bcrypt round
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3lZKZ1F9hQ5h5F8kQZ9VQ1K")

// HashPassword hashes a password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CredentialVerifier checks a username/password pair against stored identities
type CredentialVerifier struct {
	users repo.UserRepo
}

// NewCredentialVerifier creates a new CredentialVerifier
func NewCredentialVerifier(users repo.UserRepo) *CredentialVerifier {
	return &CredentialVerifier{users: users}
}

// Verify returns the identity when the password matches and the account is active.
// On a wrong password for a known user the user is returned together with
// ErrInvalidCredentials so the caller can count the failure against it.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return model.User{}, ErrInvalidCredentials
	}

	user, err := v.users.GetByUsername(ctx, username)
	if err != nil {
		if repo.IsNotFound(err) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return model.User{}, ErrInvalidCredentials
		}
		return model.User{}, fmt.Errorf("load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return user, ErrInvalidCredentials
	}

	if !user.IsActive {
		return model.User{}, ErrAccountDisabled
	}

	return user, nil
}
