package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astrid-app/astrid/internal/platform/db"
	"github.com/astrid-app/astrid/internal/shared"
)

// uniqueSubjectConstraint backs the at-most-one-record-per-subject invariant.
// The constraint, not application logic, decides races between concurrent
// first syncs.
const uniqueSubjectConstraint = "uq_users_subject"

// Repository defines persistence operations for user records.
type Repository interface {
	GetBySubject(ctx context.Context, subject string) (*User, error)
	Insert(ctx context.Context, user *User) (*User, error)
	Update(ctx context.Context, user *User) error
	Deactivate(ctx context.Context, subject string, at time.Time) error
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations available within a transaction.
type TxRepository interface {
	GetBySubject(ctx context.Context, subject string) (*User, error)
	Update(ctx context.Context, user *User) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// GetBySubject fetches the record for a subject.
func (r *PGRepository) GetBySubject(ctx context.Context, subject string) (*User, error) {
	return getBySubject(ctx, r.pool, subject)
}

// Insert persists a new record. Losing a race on the subject constraint is
// reported as shared.ErrDuplicateSubject so the service can take its
// conflict branch.
func (r *PGRepository) Insert(ctx context.Context, user *User) (*User, error) {
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return nil, fmt.Errorf("users: encode preferences: %w", err)
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO users
(subject, email, display_name, photo_url, email_verified, active, tier, preferences, birth_date, birth_time, birth_location, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		user.Subject, user.Email, user.DisplayName, user.PhotoURL, user.EmailVerified,
		user.Active, user.Tier, prefs, user.BirthDate, user.BirthTime, user.BirthLocation,
		pgtype.Timestamptz{Time: user.CreatedAt, Valid: true},
		pgtype.Timestamptz{Time: user.UpdatedAt, Valid: true})
	if err := row.Scan(&user.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == uniqueSubjectConstraint {
			return nil, shared.ErrDuplicateSubject
		}
		return nil, err
	}
	return user, nil
}

// Update rewrites the mutable columns of an existing record.
func (r *PGRepository) Update(ctx context.Context, user *User) error {
	return update(ctx, r.pool, user)
}

// Deactivate marks the record inactive. Already-inactive records stay
// inactive, so repeated calls succeed.
func (r *PGRepository) Deactivate(ctx context.Context, subject string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET active=FALSE, updated_at=$2 WHERE subject=$1`,
		subject, pgtype.Timestamptz{Time: at, Valid: true})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

var _ TxRepository = (*txRepository)(nil)

func (r *txRepository) GetBySubject(ctx context.Context, subject string) (*User, error) {
	return getBySubject(ctx, r.tx, subject)
}

func (r *txRepository) Update(ctx context.Context, user *User) error {
	return update(ctx, r.tx, user)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const userColumns = `id, subject, email, display_name, photo_url, email_verified, active, tier, preferences, birth_date, birth_time, birth_location, created_at, updated_at`

func getBySubject(ctx context.Context, q querier, subject string) (*User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE subject=$1`, subject)
	var u User
	var prefs []byte
	err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.DisplayName, &u.PhotoURL, &u.EmailVerified,
		&u.Active, &u.Tier, &prefs, &u.BirthDate, &u.BirthTime, &u.BirthLocation, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("users: decode preferences: %w", err)
		}
	}
	if u.Preferences == nil {
		u.Preferences = map[string]any{}
	}
	return &u, nil
}

func update(ctx context.Context, q querier, user *User) error {
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return fmt.Errorf("users: encode preferences: %w", err)
	}
	tag, err := q.Exec(ctx, `UPDATE users SET
email=$2, display_name=$3, photo_url=$4, email_verified=$5, active=$6, tier=$7, preferences=$8,
birth_date=$9, birth_time=$10, birth_location=$11, updated_at=$12
WHERE id=$1`,
		user.ID, user.Email, user.DisplayName, user.PhotoURL, user.EmailVerified,
		user.Active, user.Tier, prefs, user.BirthDate, user.BirthTime, user.BirthLocation,
		pgtype.Timestamptz{Time: user.UpdatedAt, Valid: true})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
