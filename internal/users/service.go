package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/astrid-app/astrid/internal/secrets"
	"github.com/astrid-app/astrid/internal/shared"
)

// CleanupEnqueuer schedules provider-side account removal after a local
// deactivation.
type CleanupEnqueuer interface {
	EnqueueProviderCleanup(ctx context.Context, subject string) error
}

// Service reconciles authenticated identities with local user records.
type Service struct {
	logger  *slog.Logger
	repo    Repository
	clock   Clock
	cipher  *secrets.Cipher
	cache   *ProfileCache
	cleanup CleanupEnqueuer
}

// NewService builds a Service instance. A nil clock falls back to the
// system clock; tests inject a fixed one.
func NewService(logger *slog.Logger, repo Repository, clock Clock, cipher *secrets.Cipher, cache *ProfileCache, cleanup CleanupEnqueuer) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{logger: logger, repo: repo, clock: clock, cipher: cipher, cache: cache, cleanup: cleanup}
}

// Sync ensures exactly one local record exists for the asserted subject and
// reports whether it was created. The store's uniqueness constraint decides
// concurrent first syncs: the losing insert is absorbed here by one retried
// lookup-and-update, so callers never observe the duplicate condition.
func (s *Service) Sync(ctx context.Context, identity Identity) (*User, bool, error) {
	identity = identity.Normalize()
	if identity.Subject == "" {
		return nil, false, shared.ErrInvalidIdentity
	}

	existing, err := s.repo.GetBySubject(ctx, identity.Subject)
	switch {
	case err == nil:
		user, err := s.reconcile(ctx, existing, identity)
		return user, false, err
	case errors.Is(err, shared.ErrNotFound):
		// First sync for this subject, fall through to create.
	default:
		return nil, false, fmt.Errorf("users: lookup %q: %w", identity.Subject, err)
	}

	now := s.clock.Now()
	fresh := &User{
		Subject:       identity.Subject,
		Email:         identity.Email,
		DisplayName:   identity.DisplayName,
		PhotoURL:      identity.PhotoURL,
		EmailVerified: identity.EmailVerified,
		Active:        true,
		Tier:          TierFree,
		Preferences:   map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.repo.Insert(ctx, fresh)
	if err == nil {
		s.cache.Invalidate(ctx, identity.Subject)
		out, err := s.decryptOnly(created)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil
	}
	if !errors.Is(err, shared.ErrDuplicateSubject) {
		return nil, false, fmt.Errorf("users: insert %q: %w", identity.Subject, err)
	}

	// Lost the create race: a concurrent sync inserted this subject first.
	// Reconcile against the winner's row. This branch runs once, never loops.
	existing, err = s.repo.GetBySubject(ctx, identity.Subject)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, false, fmt.Errorf("users: subject %q vanished after duplicate insert", identity.Subject)
		}
		return nil, false, fmt.Errorf("users: conflict lookup %q: %w", identity.Subject, err)
	}
	user, err := s.reconcile(ctx, existing, identity)
	return user, false, err
}

// reconcile folds the assertion into an existing record. Fields update only
// where the assertion provides them; an unchanged record is not rewritten.
func (s *Service) reconcile(ctx context.Context, current *User, identity Identity) (*User, error) {
	changed := false
	if identity.Email != nil && !equalPtr(current.Email, identity.Email) {
		current.Email = identity.Email
		changed = true
	}
	if identity.DisplayName != nil && !equalPtr(current.DisplayName, identity.DisplayName) {
		current.DisplayName = identity.DisplayName
		changed = true
	}
	if identity.PhotoURL != nil && !equalPtr(current.PhotoURL, identity.PhotoURL) {
		current.PhotoURL = identity.PhotoURL
		changed = true
	}
	if current.EmailVerified != identity.EmailVerified {
		current.EmailVerified = identity.EmailVerified
		changed = true
	}
	if !changed {
		return s.decryptOnly(current)
	}
	current.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, current); err != nil {
		return nil, fmt.Errorf("users: update %q: %w", current.Subject, err)
	}
	s.cache.Invalidate(ctx, current.Subject)
	return s.decryptOnly(current)
}

// Get returns the profile for a subject, read through the cache.
func (s *Service) Get(ctx context.Context, subject string) (*User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, shared.ErrInvalidIdentity
	}
	user, err := s.cache.Fetch(ctx, subject, func(ctx context.Context) (*User, error) {
		return s.repo.GetBySubject(ctx, subject)
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("users: get %q: %w", subject, err)
	}
	if !user.Active {
		return nil, shared.ErrAccountInactive
	}
	return s.decryptOnly(user)
}

// UpdateProfile applies a partial edit inside one transaction so concurrent
// edits cannot interleave reads and writes.
func (s *Service) UpdateProfile(ctx context.Context, subject string, update ProfileUpdate) (*User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, shared.ErrInvalidIdentity
	}
	update = update.Normalize()

	var updated *User
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetBySubject(ctx, subject)
		if err != nil {
			return err
		}
		if !current.Active {
			return shared.ErrAccountInactive
		}

		changed := false
		if update.DisplayName != nil && !equalPtr(current.DisplayName, update.DisplayName) {
			current.DisplayName = update.DisplayName
			changed = true
		}
		if update.Preferences != nil {
			current.Preferences = update.Preferences
			changed = true
		}
		if c, err := s.sealBirthField(&current.BirthDate, update.BirthDate); err != nil {
			return err
		} else if c {
			changed = true
		}
		if c, err := s.sealBirthField(&current.BirthTime, update.BirthTime); err != nil {
			return err
		} else if c {
			changed = true
		}
		if c, err := s.sealBirthField(&current.BirthLocation, update.BirthLocation); err != nil {
			return err
		} else if c {
			changed = true
		}

		if changed {
			current.UpdatedAt = s.clock.Now()
			if err := tx.Update(ctx, current); err != nil {
				return err
			}
		}
		updated = current
		return nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrAccountInactive) {
			return nil, err
		}
		return nil, fmt.Errorf("users: update profile %q: %w", subject, err)
	}
	s.cache.Invalidate(ctx, subject)
	return s.decryptOnly(updated)
}

// Deactivate marks the account inactive and schedules provider cleanup.
// The local row is the source of truth; a failed enqueue must not undo it.
func (s *Service) Deactivate(ctx context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return shared.ErrInvalidIdentity
	}
	if err := s.repo.Deactivate(ctx, subject, s.clock.Now()); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return err
		}
		return fmt.Errorf("users: deactivate %q: %w", subject, err)
	}
	s.cache.Invalidate(ctx, subject)
	if s.cleanup != nil {
		if err := s.cleanup.EnqueueProviderCleanup(ctx, subject); err != nil {
			s.logger.Error("enqueue provider cleanup",
				slog.String("subject", subject), slog.Any("error", err))
		}
	}
	return nil
}

// decryptOnly returns a copy of the record with birth fields opened. The
// input keeps its ciphertext so cached rows are never stored decrypted.
func (s *Service) decryptOnly(u *User) (*User, error) {
	if u == nil {
		return nil, nil
	}
	out := *u
	if u.BirthDate != nil {
		plain, err := s.cipher.Decrypt(*u.BirthDate)
		if err != nil {
			return nil, fmt.Errorf("users: open birth date: %w", err)
		}
		out.BirthDate = &plain
	}
	if u.BirthTime != nil {
		plain, err := s.cipher.Decrypt(*u.BirthTime)
		if err != nil {
			return nil, fmt.Errorf("users: open birth time: %w", err)
		}
		out.BirthTime = &plain
	}
	if u.BirthLocation != nil {
		plain, err := s.cipher.Decrypt(*u.BirthLocation)
		if err != nil {
			return nil, fmt.Errorf("users: open birth location: %w", err)
		}
		out.BirthLocation = &plain
	}
	return &out, nil
}

// sealBirthField encrypts a provided plaintext into dst when it differs from
// the stored value. Stored values that no longer decrypt are replaced.
func (s *Service) sealBirthField(dst **string, plain *string) (bool, error) {
	if plain == nil || !s.birthChanged(*dst, plain) {
		return false, nil
	}
	sealed, err := s.cipher.Encrypt(*plain)
	if err != nil {
		return false, fmt.Errorf("users: seal birth field: %w", err)
	}
	*dst = &sealed
	return true, nil
}

func (s *Service) birthChanged(stored *string, plain *string) bool {
	if plain == nil {
		return false
	}
	if stored == nil {
		return true
	}
	current, err := s.cipher.Decrypt(*stored)
	if err != nil {
		return true
	}
	return current != *plain
}
