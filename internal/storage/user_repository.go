package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/daybook/calsync/internal/storage/models"
)

// UserRepository provides the minimal profile access this service needs.
// Account management lives elsewhere.
type UserRepository struct {
	BaseRepository
}

// NewUserRepository creates a new user repository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{BaseRepository: NewBaseRepository(db)}
}

// Ensure inserts a bare profile row for id if none exists.
func (r *UserRepository) Ensure(ctx context.Context, id, email string) error {
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, email, r.Now())
	if err != nil {
		return fmt.Errorf("ensuring user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID, or nil if absent.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{}
	err := r.DB().QueryRowContext(ctx, `
		SELECT id, email, preferences, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.Preferences, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// SetPreferences overwrites the opaque preferences document.
func (r *UserRepository) SetPreferences(ctx context.Context, id, preferences string) error {
	result, err := r.DB().ExecContext(ctx, "UPDATE users SET preferences = ? WHERE id = ?", preferences, id)
	if err != nil {
		return fmt.Errorf("updating preferences: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}
