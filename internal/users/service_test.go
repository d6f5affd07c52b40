package users

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/astrid-app/astrid/internal/secrets"
	"github.com/astrid-app/astrid/internal/shared"

	_ "github.com/astrid-app/astrid/testing"
)

// memoryRepo mimics the store contract, including the uniqueness constraint
// on subject, so create races behave the way PostgreSQL would.
type memoryRepo struct {
	mu        sync.Mutex
	byID      map[int64]User
	bySubject map[string]int64
	nextID    int64

	getErr    error
	insertErr error
	updateErr error

	getCalls    int
	insertCalls int
	updateCalls int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{byID: make(map[int64]User), bySubject: make(map[string]int64)}
}

func (r *memoryRepo) GetBySubject(ctx context.Context, subject string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if r.getErr != nil {
		return nil, r.getErr
	}
	id, ok := r.bySubject[subject]
	if !ok {
		return nil, shared.ErrNotFound
	}
	u := r.byID[id]
	return &u, nil
}

func (r *memoryRepo) Insert(ctx context.Context, user *User) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertCalls++
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	if _, exists := r.bySubject[user.Subject]; exists {
		return nil, shared.ErrDuplicateSubject
	}
	r.nextID++
	user.ID = r.nextID
	r.byID[user.ID] = *user
	r.bySubject[user.Subject] = user.ID
	return user, nil
}

func (r *memoryRepo) Update(ctx context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.byID[user.ID]; !ok {
		return shared.ErrNotFound
	}
	r.byID[user.ID] = *user
	return nil
}

func (r *memoryRepo) Deactivate(ctx context.Context, subject string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySubject[subject]
	if !ok {
		return shared.ErrNotFound
	}
	u := r.byID[id]
	u.Active = false
	u.UpdatedAt = at
	r.byID[id] = u
	return nil
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// stepClock hands out strictly increasing timestamps so created_at and
// updated_at are distinguishable in assertions.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type stubEnqueuer struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (s *stubEnqueuer) EnqueueProviderCleanup(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subjects = append(s.subjects, subject)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := secrets.NewCipher(key)
	require.NoError(t, err)
	return c
}

func newTestService(t *testing.T, repo Repository) (*Service, *stepClock) {
	t.Helper()
	clock := newStepClock()
	return NewService(testLogger(), repo, clock, testCipher(t), nil, nil), clock
}

func strptr(s string) *string { return &s }

func TestSyncCreatesThenMatches(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	identity := Identity{Subject: "u1", Email: strptr("a@x.com"), DisplayName: strptr("Ana")}

	first, created, err := svc.Sync(ctx, identity)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "u1", first.Subject)
	assert.True(t, first.Active)
	assert.Equal(t, TierFree, first.Tier)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	second, created, err := svc.Sync(ctx, identity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Email, second.Email)
	assert.Equal(t, first.DisplayName, second.DisplayName)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 1, repo.rowCount())
}

func TestSyncIdenticalAssertionWritesNothing(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	identity := Identity{Subject: "u1", Email: strptr("a@x.com")}
	_, _, err := svc.Sync(ctx, identity)
	require.NoError(t, err)

	writesAfterCreate := repo.insertCalls + repo.updateCalls
	_, created, err := svc.Sync(ctx, identity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, writesAfterCreate, repo.insertCalls+repo.updateCalls,
		"an unchanged record must not be rewritten")
}

func TestSyncPreservesAbsentFields(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	first, created, err := svc.Sync(ctx, Identity{Subject: "u1", Email: strptr("a@x.com")})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, int64(1), first.ID)
	assert.Nil(t, first.DisplayName)

	second, created, err := svc.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr("Ana")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1), second.ID)
	require.NotNil(t, second.Email)
	assert.Equal(t, "a@x.com", *second.Email)
	require.NotNil(t, second.DisplayName)
	assert.Equal(t, "Ana", *second.DisplayName)
	assert.True(t, second.UpdatedAt.After(second.CreatedAt))
}

func TestSyncEmptyStringIsTreatedAsAbsent(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, _, err := svc.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr("Ana")})
	require.NoError(t, err)

	user, _, err := svc.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr("  ")})
	require.NoError(t, err)
	require.NotNil(t, user.DisplayName)
	assert.Equal(t, "Ana", *user.DisplayName, "an empty assertion must not clear a stored value")
}

func TestSyncRejectsEmptySubject(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)

	for _, subject := range []string{"", "   ", "\t\n"} {
		_, _, err := svc.Sync(context.Background(), Identity{Subject: subject})
		assert.ErrorIs(t, err, shared.ErrInvalidIdentity)
	}
	assert.Zero(t, repo.getCalls, "invalid input must not reach the store")
	assert.Zero(t, repo.insertCalls)
}

func TestSyncSurfacesStoreFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.getErr = context.DeadlineExceeded
	svc, _ := newTestService(t, repo)

	_, _, err := svc.Sync(context.Background(), Identity{Subject: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, repo.rowCount())
}

func TestSyncAbsorbsInsertRace(t *testing.T) {
	// Scripted sequence: lookup misses, the insert loses the race, the
	// retried lookup finds the winner's row.
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	winner := Identity{Subject: "u1", Email: strptr("a@x.com")}
	_, _, err := svc.Sync(ctx, winner)
	require.NoError(t, err)

	raced := &racingRepo{memoryRepo: repo}
	svcRaced := NewService(testLogger(), raced, newStepClock(), testCipher(t), nil, nil)

	user, created, err := svcRaced.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr("Ana")})
	require.NoError(t, err)
	assert.False(t, created, "the losing call must reconcile, not create")
	assert.NotErrorIs(t, err, shared.ErrDuplicateSubject)
	require.NotNil(t, user.DisplayName)
	assert.Equal(t, "Ana", *user.DisplayName)
	assert.Equal(t, 1, repo.rowCount())
}

// racingRepo reports a miss on the first lookup so the service attempts the
// insert and hits the uniqueness constraint, as a lost create race would.
type racingRepo struct {
	*memoryRepo
	mu     sync.Mutex
	misses int
}

func (r *racingRepo) GetBySubject(ctx context.Context, subject string) (*User, error) {
	r.mu.Lock()
	first := r.misses == 0
	r.misses++
	r.mu.Unlock()
	if first {
		return nil, shared.ErrNotFound
	}
	return r.memoryRepo.GetBySubject(ctx, subject)
}

func TestSyncConcurrentFirstSyncCreatesOneRecord(t *testing.T) {
	const n = 32
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)

	var (
		mu          sync.Mutex
		createdSeen int
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			user, created, err := svc.Sync(ctx, Identity{Subject: "u1", Email: strptr("a@x.com")})
			if err != nil {
				return err
			}
			if user.ID != 1 {
				return errors.New("all calls must observe the same record")
			}
			if created {
				mu.Lock()
				createdSeen++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, createdSeen, "exactly one call observes created=true")
	assert.Equal(t, 1, repo.rowCount())
}

func TestGetReadsProfile(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, _, err := svc.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr("Ana")})
	require.NoError(t, err)

	user, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.Subject)

	_, err = svc.Get(ctx, "unknown")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateProfileRoundTripsBirthDataThroughCipher(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, _, err := svc.Sync(ctx, Identity{Subject: "u1"})
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, "u1", ProfileUpdate{
		BirthDate:     strptr("1990-04-12"),
		BirthTime:     strptr("06:45"),
		BirthLocation: strptr("Lisbon, Portugal"),
	})
	require.NoError(t, err)
	require.NotNil(t, updated.BirthDate)
	assert.Equal(t, "1990-04-12", *updated.BirthDate, "the caller sees plaintext")

	// The store row must carry ciphertext, never the plaintext value.
	stored, err := repo.GetBySubject(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored.BirthDate)
	assert.NotEqual(t, "1990-04-12", *stored.BirthDate)
	assert.Contains(t, *stored.BirthDate, "enc:")

	fetched, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, fetched.BirthLocation)
	assert.Equal(t, "Lisbon, Portugal", *fetched.BirthLocation)
}

func TestUpdateProfileKeepsUnsetFields(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, _, err := svc.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr("Ana")})
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, "u1", ProfileUpdate{Preferences: map[string]any{"zodiac": "aries"}})
	require.NoError(t, err)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, "Ana", *updated.DisplayName)
	assert.Equal(t, "aries", updated.Preferences["zodiac"])
}

func TestDeactivateEnqueuesProviderCleanup(t *testing.T) {
	repo := newMemoryRepo()
	clock := newStepClock()
	enqueuer := &stubEnqueuer{}
	svc := NewService(testLogger(), repo, clock, testCipher(t), nil, enqueuer)
	ctx := context.Background()

	_, _, err := svc.Sync(ctx, Identity{Subject: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, "u1"))
	assert.Equal(t, []string{"u1"}, enqueuer.subjects)

	_, err = svc.Get(ctx, "u1")
	assert.ErrorIs(t, err, shared.ErrAccountInactive)

	// Repeated deactivation stays idempotent.
	require.NoError(t, svc.Deactivate(ctx, "u1"))
}

func TestDeactivateSurvivesEnqueueFailure(t *testing.T) {
	repo := newMemoryRepo()
	enqueuer := &stubEnqueuer{err: errors.New("broker down")}
	svc := NewService(testLogger(), repo, newStepClock(), testCipher(t), nil, enqueuer)
	ctx := context.Background()

	_, _, err := svc.Sync(ctx, Identity{Subject: "u1"})
	require.NoError(t, err)

	// Local deactivation is the source of truth; the enqueue failure is
	// logged, not returned.
	require.NoError(t, svc.Deactivate(ctx, "u1"))
	stored, err := repo.GetBySubject(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestSyncNormalizesDisplayNameToNFC(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	// "Ana" with a decomposed tilde: A + n + combining tilde + a.
	decomposed := "Aña"
	user, _, err := svc.Sync(ctx, Identity{Subject: "u1", DisplayName: strptr(decomposed)})
	require.NoError(t, err)
	require.NotNil(t, user.DisplayName)
	assert.Equal(t, "Aña", *user.DisplayName)
}
