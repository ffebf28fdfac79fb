package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// LabelService applies label mutations to the catalog and to the label
// sets of mail records. Mail refers to labels by name.
type LabelService struct {
	store  store.Store
	remote provider.Gateway
	opts   Options
	log    logrus.FieldLogger
}

// NewLabelService creates a LabelService. remote may be nil, in which case
// deletions of server-known labels are refused with ErrTransportFailure.
func NewLabelService(s store.Store, remote provider.Gateway, opts Options) *LabelService {
	opts = opts.withDefaults()
	return &LabelService{store: s, remote: remote, opts: opts, log: opts.Logger.WithField("pkg", "labels")}
}

// Labels returns the owner's catalog, system labels first.
func (l *LabelService) Labels(ctx context.Context) ([]domain.Label, error) {
	labels, err := l.store.ListLabels(ctx, store.LabelQuery{OwnerID: l.opts.OwnerID})
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	return labels, nil
}

// Tag adds the label's name to the mail's label set. Tagging twice leaves
// the set as it was but still marks the mail dirty.
func (l *LabelService) Tag(ctx context.Context, mailID, labelID string) error {
	return l.editLabels(ctx, "tag", mailID, labelID, func(m *domain.Mail, name string) bool {
		m.AddLabel(name)
		return true
	})
}

// Untag removes the label's name from the mail. Untagging a label the mail
// does not carry is a no-op.
func (l *LabelService) Untag(ctx context.Context, mailID, labelID string) error {
	return l.editLabels(ctx, "untag", mailID, labelID, (*domain.Mail).RemoveLabel)
}

// editLabels applies edit to the mail's label set and stores the mail
// dirty when edit reports a change.
func (l *LabelService) editLabels(ctx context.Context, op, mailID, labelID string, edit func(*domain.Mail, string) bool) error {
	label, err := l.store.GetLabel(ctx, labelID)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, mailID, err)
	}
	m, err := l.store.GetMail(ctx, mailID)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, mailID, err)
	}
	if !edit(m, label.Name) {
		return nil
	}
	m.Touch(l.opts.Now())
	if err := l.store.UpsertMail(ctx, m); err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, mailID, err)
	}
	return nil
}

// CreateLabel adds a user label to the catalog. The label gets a local id
// until it is pushed.
func (l *LabelService) CreateLabel(ctx context.Context, name, color string) (*domain.Label, error) {
	name = strings.TrimSpace(name)
	if err := domain.ValidateLabelName(name); err != nil {
		return nil, err
	}
	if err := domain.ValidateColor(color); err != nil {
		return nil, err
	}
	if err := l.checkNameFree(ctx, name, ""); err != nil {
		return nil, err
	}

	now := l.opts.Now()
	label := &domain.Label{
		ID:           newLocalID(),
		Name:         name,
		OwnerID:      l.opts.OwnerID,
		Color:        color,
		CreatedAt:    now,
		LastModified: now,
	}
	label.Sync.MarkDirty()
	if err := l.store.UpsertLabel(ctx, label); err != nil {
		return nil, fmt.Errorf("failed to create label %q: %w", name, err)
	}
	l.log.WithFields(logrus.Fields{"label": label.ID, "name": name}).Debug("Label created")
	return label, nil
}

// checkNameFree fails with ErrDuplicateName when another label of the owner
// already uses name, ignoring case. selfID is excluded from the check.
func (l *LabelService) checkNameFree(ctx context.Context, name, selfID string) error {
	existing, err := l.store.GetLabelByName(ctx, l.opts.OwnerID, name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up label %q: %w", name, err)
	case existing.ID == selfID:
		return nil
	}
	return fmt.Errorf("label %q already exists as %q: %w", name, existing.Name, domain.ErrDuplicateName)
}

// DeleteLabel removes a user label and untags it from every mail. A label
// the server knows is deleted remotely first, so a failed call leaves the
// store untouched. System labels are protected.
func (l *LabelService) DeleteLabel(ctx context.Context, id string) error {
	label, err := l.store.GetLabel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete label %s: %w", id, err)
	}
	if label.IsSystem {
		return fmt.Errorf("failed to delete label %q: %w", label.Name, domain.ErrProtectedEntity)
	}

	if !IsLocalID(label.ID) {
		if l.remote == nil {
			return fmt.Errorf("failed to delete label %q: no remote: %w", label.Name, domain.ErrTransportFailure)
		}
		if err := l.remote.DeleteLabel(ctx, label.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to delete label %q: %w", label.Name, err)
		}
	}

	n, err := renameOnMail(ctx, l.store, label.Name, "", l.opts.Now(), true)
	if err != nil {
		return fmt.Errorf("failed to delete label %q: %w", label.Name, err)
	}
	if err := l.store.DeleteLabel(ctx, id); err != nil {
		return fmt.Errorf("failed to delete label %q: %w", label.Name, err)
	}
	l.log.WithFields(logrus.Fields{"label": id, "untagged": n}).Info("Label deleted")
	return nil
}

// RenameLabel changes a user label's name and rewrites it on every mail
// carrying the old name, so mail never refers to a stale name.
func (l *LabelService) RenameLabel(ctx context.Context, id, name string) (*domain.Label, error) {
	label, err := l.store.GetLabel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to rename label %s: %w", id, err)
	}
	old := label.Name
	if err := label.Rename(name, l.opts.Now()); err != nil {
		return nil, err
	}
	if err := l.checkNameFree(ctx, label.Name, label.ID); err != nil {
		return nil, err
	}
	if old == label.Name {
		return label, nil
	}
	if err := l.store.UpsertLabel(ctx, label); err != nil {
		return nil, fmt.Errorf("failed to rename label %s: %w", id, err)
	}
	n, err := renameOnMail(ctx, l.store, old, label.Name, l.opts.Now(), true)
	if err != nil {
		return nil, fmt.Errorf("failed to rename label %s: %w", id, err)
	}
	l.log.WithFields(logrus.Fields{"label": id, "from": old, "to": label.Name, "mail": n}).Debug("Label renamed")
	return label, nil
}

// SetLabelColor changes a label's color. An empty color clears it.
func (l *LabelService) SetLabelColor(ctx context.Context, id, color string) (*domain.Label, error) {
	label, err := l.store.GetLabel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to recolor label %s: %w", id, err)
	}
	if err := label.SetColor(color, l.opts.Now()); err != nil {
		return nil, err
	}
	if err := l.store.UpsertLabel(ctx, label); err != nil {
		return nil, fmt.Errorf("failed to recolor label %s: %w", id, err)
	}
	return label, nil
}

// renameOnMail replaces the label name from with to on every mail carrying
// from, including deleted mail. An empty to removes the label. It returns
// the number of mail records changed.
//
// A local edit marks every affected mail dirty. A change that came from the
// server is already reflected there, so clean mail stays clean; mail with
// unpushed changes is touched so a push holding the old name is superseded.
func renameOnMail(ctx context.Context, s store.Store, from, to string, at time.Time, local bool) (int, error) {
	mails, err := s.QueryMail(ctx, store.MailQuery{Label: from, IncludeDeleted: true})
	if err != nil {
		return 0, err
	}
	for i := range mails {
		m := &mails[i]
		m.RemoveLabel(from)
		if to != "" {
			m.AddLabel(to)
		}
		if local || m.Sync.NeedsSync {
			m.Touch(at)
		}
		if err := s.UpsertMail(ctx, m); err != nil {
			return i, err
		}
	}
	return len(mails), nil
}

// EnsureSystemLabels seeds the system labels into an empty catalog. It does
// nothing once any label exists.
func (l *LabelService) EnsureSystemLabels(ctx context.Context) error {
	existing, err := l.store.ListLabels(ctx, store.LabelQuery{OwnerID: l.opts.OwnerID})
	if err != nil {
		return fmt.Errorf("failed to seed system labels: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	now := l.opts.Now()
	for _, name := range domain.SystemLabelNames {
		label := &domain.Label{
			ID:           "system_" + strings.ToLower(name),
			Name:         name,
			OwnerID:      l.opts.OwnerID,
			IsSystem:     true,
			IsDefault:    true,
			CreatedAt:    now,
			LastModified: now,
			Sync:         domain.Synced(),
		}
		if err := l.store.UpsertLabel(ctx, label); err != nil {
			return fmt.Errorf("failed to seed label %s: %w", name, err)
		}
	}
	l.log.WithField("owner", l.opts.OwnerID).Debug("System labels seeded")
	return nil
}
