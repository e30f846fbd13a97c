package authclient

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by DevAuth.Login on a username/password
// mismatch.
var ErrInvalidCredentials = errors.New("authclient: invalid credentials")

type devUser struct {
	profile      UserProfile
	passwordHash string
}

// DevAuth is an in-memory Auth Service double for local runs and
// integration tests: bcrypt-hashed passwords, no network dependency, and a
// VerifyToken that accepts the bare userId as its own token so tests can
// skip the JWT roundtrip when they only care about downstream dispatch.
type DevAuth struct {
	mu    sync.RWMutex
	users map[string]devUser
}

// NewDevAuth constructs an empty dev user store.
func NewDevAuth() *DevAuth {
	return &DevAuth{users: make(map[string]devUser)}
}

// Register adds a user with a bcrypt-hashed password.
func (d *DevAuth) Register(profile UserProfile, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[profile.UserID] = devUser{profile: profile, passwordHash: string(hash)}
	return nil
}

// Login verifies a password and returns the bare-token form VerifyToken
// accepts.
func (d *DevAuth) Login(userID, password string) (string, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return userID, nil
}

// VerifyToken implements Client by treating the token as a bare userId,
// valid only if that user is registered.
func (d *DevAuth) VerifyToken(ctx context.Context, token string) (string, error) {
	d.mu.RLock()
	_, ok := d.users[token]
	d.mu.RUnlock()
	if !ok {
		return "", ErrTokenInvalid
	}
	return token, nil
}

// LookupUser implements Client.
func (d *DevAuth) LookupUser(ctx context.Context, userID string) (*UserProfile, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.New("authclient: user not found")
	}
	if !u.profile.Active {
		return nil, ErrUserInactive
	}

	profile := u.profile
	return &profile, nil
}
