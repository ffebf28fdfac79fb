package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
)

const labelColumns = `id, owner_id, name, color, is_system, is_default,
	created_at, last_modified, needs_sync, sync_status, sync_attempts, sync_revision`

// UpsertLabel inserts or fully replaces a label. A name that collides with
// another label of the same owner yields domain.ErrDuplicateName.
func (s *DB) UpsertLabel(ctx context.Context, label *domain.Label) error {
	if err := label.Validate(); err != nil {
		return fmt.Errorf("failed to upsert label: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO labels (`+labelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id      = excluded.owner_id,
			name          = excluded.name,
			color         = excluded.color,
			is_system     = excluded.is_system,
			is_default    = excluded.is_default,
			created_at    = excluded.created_at,
			last_modified = excluded.last_modified,
			needs_sync    = excluded.needs_sync,
			sync_status   = excluded.sync_status,
			sync_attempts = excluded.sync_attempts,
			sync_revision = excluded.sync_revision`,
		label.ID, label.OwnerID, label.Name, nullString(label.Color),
		label.IsSystem, label.IsDefault, toMillis(label.CreatedAt), toMillis(label.LastModified),
		label.Sync.NeedsSync, string(label.Sync.Status), label.Sync.Attempts, label.Sync.Revision,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("label %q: %w", label.Name, domain.ErrDuplicateName)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert label: %w", err)
	}
	return nil
}

// GetLabel retrieves a label by ID.
func (s *DB) GetLabel(ctx context.Context, id string) (*domain.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+labelColumns+` FROM labels WHERE id = ?`, id)
	l, err := scanLabel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("label %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label %s: %w", id, err)
	}
	return l, nil
}

// GetLabelByName retrieves a label by owner and name, ignoring case.
func (s *DB) GetLabelByName(ctx context.Context, ownerID, name string) (*domain.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+labelColumns+` FROM labels WHERE owner_id = ? AND name = ? COLLATE NOCASE`,
		ownerID, name)
	l, err := scanLabel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("label %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label %q: %w", name, err)
	}
	return l, nil
}

// ListLabels returns labels, system labels first, then by name.
func (s *DB) ListLabels(ctx context.Context, q store.LabelQuery) ([]domain.Label, error) {
	var conds []string
	var args []any
	if q.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if q.System != nil {
		conds = append(conds, "is_system = ?")
		args = append(args, *q.System)
	}
	if q.NeedsSync != nil {
		conds = append(conds, "needs_sync = ?")
		args = append(args, *q.NeedsSync)
	}
	query := `SELECT ` + labelColumns + ` FROM labels`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY is_system DESC, name COLLATE NOCASE"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []domain.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate labels: %w", err)
	}
	return labels, nil
}

// DeleteLabel physically removes a label. Protection of system labels is
// the caller's concern.
func (s *DB) DeleteLabel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM labels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete label %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("label %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanLabel(row rowScanner) (*domain.Label, error) {
	var l domain.Label
	var color sql.NullString
	var status string
	var createdAt, modifiedAt int64
	if err := row.Scan(
		&l.ID, &l.OwnerID, &l.Name, &color, &l.IsSystem, &l.IsDefault,
		&createdAt, &modifiedAt, &l.Sync.NeedsSync, &status, &l.Sync.Attempts, &l.Sync.Revision,
	); err != nil {
		return nil, err
	}
	l.Color = color.String
	l.CreatedAt = fromMillis(createdAt)
	l.LastModified = fromMillis(modifiedAt)

	var err error
	if l.Sync.Status, err = parseStatus(status); err != nil {
		return nil, err
	}
	return &l, nil
}
