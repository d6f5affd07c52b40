package users

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/astrid-app/astrid/internal/authn"
)

// TierFree is the subscription tier assigned to every new account.
const TierFree = "free"

// User is the locally persisted account for an authenticated principal.
// Birth fields hold ciphertext in the store; the service decrypts them
// before they leave the package.
type User struct {
	ID            int64          `json:"id"`
	Subject       string         `json:"subject"`
	Email         *string        `json:"email"`
	DisplayName   *string        `json:"display_name"`
	PhotoURL      *string        `json:"photo_url,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	Active        bool           `json:"active"`
	Tier          string         `json:"tier"`
	Preferences   map[string]any `json:"preferences"`
	BirthDate     *string        `json:"birth_date,omitempty"`
	BirthTime     *string        `json:"birth_time,omitempty"`
	BirthLocation *string        `json:"birth_location,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Identity is the verified assertion reconciled against the local record.
// Optional fields are pointers so an absent field never erases a stored
// value; an explicitly empty string counts as absent too.
type Identity struct {
	Subject       string
	Email         *string
	DisplayName   *string
	PhotoURL      *string
	EmailVerified bool
}

// IdentityFromClaims maps verified token claims onto an assertion.
func IdentityFromClaims(c authn.Claims) Identity {
	id := Identity{Subject: c.Subject, EmailVerified: c.EmailVerified}
	if c.Email != "" {
		id.Email = &c.Email
	}
	if c.Name != "" {
		id.DisplayName = &c.Name
	}
	if c.PictureURL != "" {
		id.PhotoURL = &c.PictureURL
	}
	return id
}

// Normalize trims the assertion and drops empty optional fields. Display
// names are NFC-normalized so visually identical names compare equal.
func (id Identity) Normalize() Identity {
	id.Subject = strings.TrimSpace(id.Subject)
	id.Email = trimmedOrNil(id.Email)
	id.DisplayName = nfcOrNil(id.DisplayName)
	id.PhotoURL = trimmedOrNil(id.PhotoURL)
	return id
}

// ProfileUpdate carries a partial profile edit. Nil fields keep their
// stored values; birth fields arrive as plaintext and are encrypted by the
// service before persistence.
type ProfileUpdate struct {
	DisplayName   *string
	Preferences   map[string]any
	BirthDate     *string
	BirthTime     *string
	BirthLocation *string
}

// Normalize trims the update and drops empty optional fields.
func (p ProfileUpdate) Normalize() ProfileUpdate {
	p.DisplayName = nfcOrNil(p.DisplayName)
	p.BirthDate = trimmedOrNil(p.BirthDate)
	p.BirthTime = trimmedOrNil(p.BirthTime)
	p.BirthLocation = trimmedOrNil(p.BirthLocation)
	return p
}

// Clock supplies the timestamps written to the store.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nfcOrNil(v *string) *string {
	trimmed := trimmedOrNil(v)
	if trimmed == nil {
		return nil
	}
	normalized := norm.NFC.String(*trimmed)
	return &normalized
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
