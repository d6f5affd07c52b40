package authn

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// FirebaseVerifier validates ID tokens against the Firebase project and can
// remove provider-side accounts during cleanup.
type FirebaseVerifier struct {
	client *fbauth.Client
}

var _ Verifier = (*FirebaseVerifier)(nil)

// NewFirebaseVerifier initialises the Firebase app and its auth client. The
// credentials file is optional; without it the SDK falls back to application
// default credentials.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (*FirebaseVerifier, error) {
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("authn: init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("authn: init auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

// Verify checks the raw ID token and maps its claims.
func (v *FirebaseVerifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	token, err := v.client.VerifyIDToken(ctx, rawToken)
	if err != nil {
		return Claims{}, fmt.Errorf("authn: verify id token: %w", err)
	}
	claims := Claims{Subject: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := token.Claims["name"].(string); ok {
		claims.Name = name
	}
	if picture, ok := token.Claims["picture"].(string); ok {
		claims.PictureURL = picture
	}
	if verified, ok := token.Claims["email_verified"].(bool); ok {
		claims.EmailVerified = verified
	}
	return claims, nil
}

// DeleteAccount removes the provider-side account for the subject. A subject
// unknown to the provider counts as success so cleanup stays idempotent.
func (v *FirebaseVerifier) DeleteAccount(ctx context.Context, subject string) error {
	if err := v.client.DeleteUser(ctx, subject); err != nil {
		if fbauth.IsUserNotFound(err) {
			return nil
		}
		return fmt.Errorf("authn: delete account: %w", err)
	}
	return nil
}
