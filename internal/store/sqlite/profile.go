package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// SaveProfile replaces the stored profile.
func (s *DB) SaveProfile(ctx context.Context, p *domain.Profile) error {
	if p.ID == "" || p.Email == "" {
		return fmt.Errorf("profile needs id and email: %w", domain.ErrValidationFailure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM profile`); err != nil {
		return fmt.Errorf("failed to clear profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profile (id, email, display_name, avatar_ref) VALUES (?, ?, ?, ?)`,
		p.ID, p.Email, nullString(p.DisplayName), nullString(p.AvatarRef),
	); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile: %w", err)
	}
	return nil
}

// GetProfile returns the stored profile or domain.ErrNotFound.
func (s *DB) GetProfile(ctx context.Context) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p domain.Profile
	var displayName, avatar sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, avatar_ref FROM profile LIMIT 1`,
	).Scan(&p.ID, &p.Email, &displayName, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.DisplayName = displayName.String
	p.AvatarRef = avatar.String
	return &p, nil
}

// ClearProfile removes the stored profile, on logout.
func (s *DB) ClearProfile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM profile`); err != nil {
		return fmt.Errorf("failed to clear profile: %w", err)
	}
	return nil
}
