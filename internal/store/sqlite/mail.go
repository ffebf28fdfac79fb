package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
)

var _ store.Store = (*DB)(nil)

const mailColumns = `m.id, m.sender, m.recipient, m.recipients, m.subject, m.content,
	m.timestamp, m.direction, m.is_read, m.is_starred, m.is_archived, m.is_deleted,
	m.draft_id, m.local_created_at, m.last_modified, m.needs_sync, m.sync_status,
	m.sync_attempts, m.sync_revision,
	(SELECT json_group_array(name) FROM
		(SELECT name FROM mail_labels WHERE mail_id = m.id ORDER BY name))`

// UpsertMail inserts or fully replaces a mail and its label set.
func (s *DB) UpsertMail(ctx context.Context, mail *domain.Mail) error {
	if err := mail.Validate(); err != nil {
		return fmt.Errorf("failed to upsert mail: %w", err)
	}
	recipients := mail.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mail (id, sender, recipient, recipients, subject, content, timestamp,
			direction, is_read, is_starred, is_archived, is_deleted, draft_id,
			local_created_at, last_modified, needs_sync, sync_status, sync_attempts, sync_revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender           = excluded.sender,
			recipient        = excluded.recipient,
			recipients       = excluded.recipients,
			subject          = excluded.subject,
			content          = excluded.content,
			timestamp        = excluded.timestamp,
			direction        = excluded.direction,
			is_read          = excluded.is_read,
			is_starred       = excluded.is_starred,
			is_archived      = excluded.is_archived,
			is_deleted       = excluded.is_deleted,
			draft_id         = excluded.draft_id,
			local_created_at = excluded.local_created_at,
			last_modified    = excluded.last_modified,
			needs_sync       = excluded.needs_sync,
			sync_status      = excluded.sync_status,
			sync_attempts    = excluded.sync_attempts,
			sync_revision    = excluded.sync_revision`,
		mail.ID, mail.Sender, mail.Recipient, string(recipientsJSON),
		nullString(mail.Subject), nullString(mail.Content), mail.Timestamp,
		string(mail.Direction), mail.IsRead, mail.IsStarred, mail.IsArchived, mail.IsDeleted,
		nullString(mail.DraftID()), toMillis(mail.LocalCreatedAt), toMillis(mail.LastModified),
		mail.Sync.NeedsSync, string(mail.Sync.Status), mail.Sync.Attempts, mail.Sync.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mail %s: %w", mail.ID, err)
	}

	// Delete existing labels, then reinsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM mail_labels WHERE mail_id = ?`, mail.ID); err != nil {
		return fmt.Errorf("failed to delete mail labels: %w", err)
	}
	for _, name := range mail.Labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO mail_labels (mail_id, name) VALUES (?, ?)`, mail.ID, name); err != nil {
			return fmt.Errorf("failed to insert mail label: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mail upsert: %w", err)
	}
	return nil
}

// GetMail retrieves a single mail by ID, including its labels.
func (s *DB) GetMail(ctx context.Context, id string) (*domain.Mail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+mailColumns+` FROM mail m WHERE m.id = ?`, id)
	m, err := scanMail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mail %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mail %s: %w", id, err)
	}
	return m, nil
}

// QueryMail returns the mail matching q, ordered by timestamp. The result is
// a fresh snapshot on every call.
func (s *DB) QueryMail(ctx context.Context, q store.MailQuery) ([]domain.Mail, error) {
	where, args := mailWhere(q)
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	query := `SELECT ` + mailColumns + ` FROM mail m` + where +
		` ORDER BY m.timestamp ` + order + `, m.id ` + order

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mail: %w", err)
	}
	defer rows.Close()

	var mails []domain.Mail
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mail row: %w", err)
		}
		mails = append(mails, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mail: %w", err)
	}
	return mails, nil
}

// CountMail returns the number of mail matching q, ignoring Limit and Offset.
func (s *DB) CountMail(ctx context.Context, q store.MailQuery) (int, error) {
	where, args := mailWhere(q)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mail m`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mail: %w", err)
	}
	return n, nil
}

func mailWhere(q store.MailQuery) (string, []any) {
	var conds []string
	var args []any

	switch q.Folder {
	case store.FolderInbox:
		conds = append(conds, "m.direction = 'received'", "m.is_archived = 0", "m.draft_id IS NULL")
	case store.FolderSent:
		conds = append(conds, "m.direction = 'sent'", "m.draft_id IS NULL")
	case store.FolderDrafts:
		conds = append(conds, "m.draft_id IS NOT NULL")
	case store.FolderStarred:
		conds = append(conds, "m.is_starred = 1")
	case store.FolderArchived:
		conds = append(conds, "m.is_archived = 1")
	case store.FolderUnread:
		conds = append(conds, "m.is_read = 0")
	case store.FolderTrash:
		conds = append(conds, "m.is_deleted = 1")
	}
	if q.Folder != store.FolderTrash && !q.IncludeDeleted {
		conds = append(conds, "m.is_deleted = 0")
	}
	if q.Label != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM mail_labels ml WHERE ml.mail_id = m.id AND ml.name = ? COLLATE NOCASE)")
		args = append(args, q.Label)
	}
	if q.Text != "" {
		conds = append(conds, `(m.subject LIKE '%' || ? || '%' OR m.content LIKE '%' || ? || '%'
			OR m.sender LIKE '%' || ? || '%' OR m.recipient LIKE '%' || ? || '%')`)
		args = append(args, q.Text, q.Text, q.Text, q.Text)
	}
	if q.Sender != "" {
		conds = append(conds, "m.sender = ?")
		args = append(args, q.Sender)
	}
	if q.Since != "" {
		conds = append(conds, "m.timestamp >= ?")
		args = append(args, q.Since)
	}
	if q.Until != "" {
		conds = append(conds, "m.timestamp <= ?")
		args = append(args, q.Until)
	}
	if q.NeedsSync != nil {
		conds = append(conds, "m.needs_sync = ?")
		args = append(args, *q.NeedsSync)
	}
	if q.Status != "" {
		conds = append(conds, "m.sync_status = ?")
		args = append(args, string(q.Status))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// SoftDeleteMail marks a mail deleted without removing it.
func (s *DB) SoftDeleteMail(ctx context.Context, id string, at time.Time) error {
	return s.setDeleted(ctx, id, true, at)
}

// RestoreMail clears the deleted flag set by SoftDeleteMail.
func (s *DB) RestoreMail(ctx context.Context, id string, at time.Time) error {
	return s.setDeleted(ctx, id, false, at)
}

func (s *DB) setDeleted(ctx context.Context, id string, deleted bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE mail SET
			is_deleted    = ?,
			last_modified = MAX(last_modified, ?),
			needs_sync    = 1,
			sync_status   = 'pending',
			sync_attempts = 0,
			sync_revision = sync_revision + 1
		WHERE id = ?`, deleted, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to set mail %s deleted=%v: %w", id, deleted, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set mail %s deleted=%v: %w", id, deleted, err)
	}
	if n == 0 {
		return fmt.Errorf("mail %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteMail physically removes a mail by ID.
func (s *DB) DeleteMail(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM mail WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mail %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mail %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// PurgeDeletedOlderThan removes soft-deleted mail last modified before
// cutoff. Deletions that have not reached the server are kept.
func (s *DB) PurgeDeletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mail
		WHERE is_deleted = 1 AND last_modified < ?
			AND sync_status = 'synced' AND needs_sync = 0`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted mail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted mail: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMail(row rowScanner) (*domain.Mail, error) {
	var m domain.Mail
	var recipientsJSON, labelsJSON string
	var subject, content, draftID sql.NullString
	var direction, status string
	var createdAt, modifiedAt int64

	if err := row.Scan(
		&m.ID, &m.Sender, &m.Recipient, &recipientsJSON, &subject, &content,
		&m.Timestamp, &direction, &m.IsRead, &m.IsStarred, &m.IsArchived, &m.IsDeleted,
		&draftID, &createdAt, &modifiedAt, &m.Sync.NeedsSync, &status, &m.Sync.Attempts, &m.Sync.Revision,
		&labelsJSON,
	); err != nil {
		return nil, err
	}

	m.Subject = subject.String
	m.Content = content.String
	m.Direction = domain.Direction(direction)
	m.State = domain.Draft(draftID.String)
	m.LocalCreatedAt = fromMillis(createdAt)
	m.LastModified = fromMillis(modifiedAt)

	var err error
	if m.Sync.Status, err = parseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipientsJSON), &m.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &m.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	if len(m.Recipients) == 0 {
		m.Recipients = nil
	}
	if len(m.Labels) == 0 {
		m.Labels = nil
	}
	return &m, nil
}
