package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// MailService is the local mutation surface for mail. Every setter writes
// the whole record back with NeedsSync set; the pusher delivers it later.
type MailService struct {
	store store.Store
	opts  Options
	log   logrus.FieldLogger
}

// NewMailService creates a MailService.
func NewMailService(s store.Store, opts Options) *MailService {
	opts = opts.withDefaults()
	return &MailService{store: s, opts: opts, log: opts.Logger.WithField("pkg", "mail")}
}

// Get returns a single mail.
func (s *MailService) Get(ctx context.Context, id string) (*domain.Mail, error) {
	m, err := s.store.GetMail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get mail %s: %w", id, err)
	}
	return m, nil
}

// List runs a query against the local store.
func (s *MailService) List(ctx context.Context, q store.MailQuery) ([]domain.Mail, error) {
	mails, err := s.store.QueryMail(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list mail: %w", err)
	}
	return mails, nil
}

func (s *MailService) mutate(ctx context.Context, op, id string, fn func(*domain.Mail) error) (*domain.Mail, error) {
	m, err := s.store.GetMail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, id, err)
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.store.UpsertMail(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", op, id, err)
	}
	s.log.WithFields(logrus.Fields{"op": op, "mail": id}).Debug("Mail changed locally")
	return m, nil
}

// MarkRead sets or clears the read flag.
func (s *MailService) MarkRead(ctx context.Context, id string, read bool) (*domain.Mail, error) {
	return s.mutate(ctx, "mark read", id, func(m *domain.Mail) error {
		if read {
			m.MarkRead(s.opts.Now())
		} else {
			m.MarkUnread(s.opts.Now())
		}
		return nil
	})
}

func (s *MailService) SetStarred(ctx context.Context, id string, starred bool) (*domain.Mail, error) {
	return s.mutate(ctx, "star", id, func(m *domain.Mail) error {
		m.SetStarred(starred, s.opts.Now())
		return nil
	})
}

func (s *MailService) ToggleStar(ctx context.Context, id string) (*domain.Mail, error) {
	return s.mutate(ctx, "toggle star", id, func(m *domain.Mail) error {
		m.ToggleStar(s.opts.Now())
		return nil
	})
}

func (s *MailService) Archive(ctx context.Context, id string, archived bool) (*domain.Mail, error) {
	return s.mutate(ctx, "archive", id, func(m *domain.Mail) error {
		m.SetArchived(archived, s.opts.Now())
		return nil
	})
}

// Delete soft-deletes a mail. It stays in the trash until the deletion is
// pushed and the retention period has passed.
func (s *MailService) Delete(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteMail(ctx, id, s.opts.Now()); err != nil {
		return fmt.Errorf("failed to delete mail %s: %w", id, err)
	}
	return nil
}

// Restore undoes Delete.
func (s *MailService) Restore(ctx context.Context, id string) error {
	if err := s.store.RestoreMail(ctx, id, s.opts.Now()); err != nil {
		return fmt.Errorf("failed to restore mail %s: %w", id, err)
	}
	return nil
}

// SaveDraft stores a new draft under a local id.
func (s *MailService) SaveDraft(ctx context.Context, content domain.DraftContent) (*domain.Mail, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}
	m := domain.NewDraft(newLocalID(), content, s.opts.Now())
	if err := s.store.UpsertMail(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	s.log.WithField("mail", m.ID).Debug("Draft saved")
	return m, nil
}

// UpdateDraft replaces the editable fields of an existing draft.
func (s *MailService) UpdateDraft(ctx context.Context, id string, content domain.DraftContent) (*domain.Mail, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "update draft", id, func(m *domain.Mail) error {
		return m.EditDraft(content, s.opts.Now())
	})
}

// DiscardDraft drops a draft. A draft the server never saw is removed
// outright; otherwise it is soft-deleted so the deletion gets pushed.
func (s *MailService) DiscardDraft(ctx context.Context, id string) error {
	m, err := s.store.GetMail(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to discard draft %s: %w", id, err)
	}
	if !m.IsDraft() {
		return fmt.Errorf("mail %s is not a draft: %w", id, domain.ErrValidationFailure)
	}
	if IsLocalID(m.DraftID()) {
		if err := s.store.DeleteMail(ctx, id); err != nil {
			return fmt.Errorf("failed to discard draft %s: %w", id, err)
		}
		return nil
	}
	return s.Delete(ctx, id)
}

// Pending returns mail with local changes not yet confirmed by the server.
func (s *MailService) Pending(ctx context.Context) ([]domain.Mail, error) {
	mails, err := s.store.QueryMail(ctx, store.MailQuery{NeedsSync: store.Bool(true), IncludeDeleted: true, Ascending: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mail: %w", err)
	}
	return mails, nil
}
