package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Repository handles database operations for newsletters, users and deliveries
type Repository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// CreateNewsletter inserts a new newsletter
func (r *Repository) CreateNewsletter(ctx context.Context, n *Newsletter) error {
	query := `
		INSERT INTO newsletters (id, subject, body)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	if err := r.db.Pool().QueryRow(ctx, query, n.ID, n.Subject, n.Body).Scan(&n.CreatedAt); err != nil {
		r.logger.Error("failed to create newsletter",
			zap.Error(err),
			zap.String("newsletter_id", n.ID.String()),
		)
		return fmt.Errorf("insert newsletter: %w", err)
	}

	return nil
}

// GetNewsletter retrieves a newsletter by ID
func (r *Repository) GetNewsletter(ctx context.Context, id uuid.UUID) (*Newsletter, error) {
	query := `
		SELECT id, subject, body, created_at
		FROM newsletters
		WHERE id = $1
	`

	var n Newsletter
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&n.ID, &n.Subject, &n.Body, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("newsletter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query newsletter: %w", err)
	}

	return &n, nil
}

// CreateUser inserts a new user
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, email, name)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	err := r.db.Pool().QueryRow(ctx, query, u.ID, u.Email, u.Name).Scan(&u.CreatedAt)
	if isPgError(err, pgUniqueViolation) {
		return ErrDuplicateEmail
	}
	if err != nil {
		r.logger.Error("failed to create user",
			zap.Error(err),
			zap.String("user_id", u.ID.String()),
		)
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, name, last_login_at, created_at
		FROM users
		WHERE id = $1
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.Name, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}

// TouchLastLogin stamps the user's last login and returns the updated user
func (r *Repository) TouchLastLogin(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		UPDATE users SET last_login_at = $1
		WHERE id = $2
		RETURNING id, email, name, last_login_at, created_at
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, r.now().UTC(), id).Scan(&u.ID, &u.Email, &u.Name, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update last login: %w", err)
	}

	return &u, nil
}

// ListUserIDs pages through all user ids in creation order
func (r *Repository) ListUserIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM users
		ORDER BY created_at ASC, id ASC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan user ids: %w", err)
	}

	return ids, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
