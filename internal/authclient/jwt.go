package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid is returned by VerifyToken for any malformed, unsigned, or
// expired bearer token; the caller (Document Session DIAL) closes the socket
// with close code 4002 on this error.
var ErrTokenInvalid = errors.New("authclient: token invalid or expired")

// ErrUserInactive is returned by LookupUser when the profile exists but is
// disabled; the caller closes with close code 4003.
var ErrUserInactive = errors.New("authclient: user inactive")

// Claims are the custom fields carried in the signed bearer token, alongside
// the standard registered claims (exp/iat/nbf/iss/sub).
type Claims struct {
	Username  string `json:"username"`
	AvatarRef string `json:"avatarRef,omitempty"`
	ColorTag  string `json:"colorTag,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier is the reference Auth Service implementation: HMAC-signed
// bearer tokens, verified locally against a shared secret. LookupUser has
// no user store and does not read the token's claims: it reports every
// user active unless Deactivate was called, with Username set to the
// userID and no avatar or color tag.
type JWTVerifier struct {
	secret []byte
	issuer string

	mu         sync.RWMutex
	deactivated map[string]bool
}

// NewJWTVerifier constructs a verifier for tokens signed with secret and
// issued by issuer.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{
		secret:      []byte(secret),
		issuer:      issuer,
		deactivated: make(map[string]bool),
	}
}

// Deactivate marks a user inactive for subsequent LookupUser calls, without
// revoking already-verified tokens — used by tests exercising the
// close-code-4003 path.
func (v *JWTVerifier) Deactivate(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deactivated[userID] = true
}

// Issue signs a token for userID, used by the dev/test harness and by
// integration tests driving the upgrade path end to end.
func (v *JWTVerifier) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// VerifyToken implements Client.
func (v *JWTVerifier) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrTokenInvalid
	}

	return claims.Subject, nil
}

// LookupUser implements Client. The reference implementation has no
// separate user store; callers that need more than the subject should
// re-derive it from the verified token's claims instead.
func (v *JWTVerifier) LookupUser(ctx context.Context, userID string) (*UserProfile, error) {
	v.mu.RLock()
	inactive := v.deactivated[userID]
	v.mu.RUnlock()

	if inactive {
		return nil, ErrUserInactive
	}

	return &UserProfile{UserID: userID, Username: userID, Active: true}, nil
}
