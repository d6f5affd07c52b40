// Package authn verifies bearer credentials issued by the authentication provider.
package authn

import "context"

// Claims is the verified identity assertion extracted from a bearer token.
type Claims struct {
	Subject       string
	Email         string
	Name          string
	PictureURL    string
	EmailVerified bool
}

// Verifier checks a raw bearer token and returns the claims it carries.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Claims, error)
}
