// Package authclient is the Document Session's view of the external Auth
// Service: token verification on socket upgrade and profile lookup for the
// identity attached to a session. Only their interfaces are owned by this
// module; the real service lives elsewhere.
package authclient

import "context"

// UserProfile is the subset of user identity the core needs once a token
// has been verified.
type UserProfile struct {
	UserID    string
	Username  string
	AvatarRef string
	ColorTag  string
	Active    bool
}

// Client is the Auth Service contract: `verifyToken(token) →
// userId | error` and `lookupUser(userId) → UserProfile | error`.
type Client interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
	LookupUser(ctx context.Context, userID string) (*UserProfile, error)
}
