package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// SyncService orchestrates synchronization between the remote mail service
// and the local store for a single owner.
type SyncService struct {
	store      store.Store
	remote     provider.Gateway
	reconciler *Reconciler
	pusher     *Pusher
	opts       Options
	log        logrus.FieldLogger

	// AfterSend, when set, is called after a mail was sent. The watch
	// command uses it to refresh faster for a while.
	AfterSend func()
}

// NewSyncService creates a SyncService for the owner in opts.
func NewSyncService(s store.Store, remote provider.Gateway, opts Options) *SyncService {
	opts = opts.withDefaults()
	return &SyncService{
		store:      s,
		remote:     remote,
		reconciler: NewReconciler(s, opts),
		pusher:     NewPusher(s, remote, opts),
		opts:       opts,
		log:        opts.Logger.WithField("pkg", "sync"),
	}
}

// Reconciler returns the reconciler the service writes through.
func (s *SyncService) Reconciler() *Reconciler { return s.reconciler }

// Pusher returns the pusher the service pushes through.
func (s *SyncService) Pusher() *Pusher { return s.pusher }

// Refresh pulls the label catalog and every mail list from the server and
// reconciles them into the store. The outcome is recorded in the owner's
// sync state either way.
func (s *SyncService) Refresh(ctx context.Context) (Result, error) {
	started := s.opts.Now()
	res, err := s.refresh(ctx)
	if serr := s.recordAttempt(ctx, started, err); serr != nil && err == nil {
		err = serr
	}
	return res, err
}

func (s *SyncService) refresh(ctx context.Context) (Result, error) {
	var res Result

	labels, err := s.remote.ListLabels(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list labels: %w", err)
	}
	lr, err := s.reconciler.ReconcileLabels(ctx, labels)
	if err != nil {
		return res, err
	}
	s.log.WithFields(logrus.Fields{"inserted": lr.Inserted, "updated": lr.Updated, "kept": lr.Kept}).Debug("Synced labels")

	all, err := s.remote.FetchAll(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch mail: %w", err)
	}
	mr, err := s.reconciler.ReconcileCategorized(ctx, all)
	if err != nil {
		return res, err
	}
	res.add(mr)

	s.log.WithFields(logrus.Fields{
		"owner":    s.opts.OwnerID,
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"kept":     res.Kept,
		"skipped":  res.Skipped,
	}).Info("Refresh complete")
	return res, nil
}

func (s *SyncService) recordAttempt(ctx context.Context, at time.Time, cycleErr error) error {
	state, err := s.store.GetSyncState(ctx, s.opts.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to get sync state: %w", err)
	}
	state.OwnerID = s.opts.OwnerID
	state.LastAttempt = at
	if cycleErr == nil {
		state.LastSync = at
		state.ConsecutiveFailures = 0
	} else {
		state.ConsecutiveFailures++
	}
	if err := s.store.SetSyncState(ctx, state); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// Push sends pending local changes.
func (s *SyncService) Push(ctx context.Context) (PushResult, error) {
	return s.pusher.Push(ctx)
}

// Sync pushes local changes, then refreshes. Pushing first means the
// refresh sees the server state that includes them.
func (s *SyncService) Sync(ctx context.Context) (PushResult, Result, error) {
	pr, err := s.pusher.Push(ctx)
	if err != nil {
		return pr, Result{}, fmt.Errorf("failed to push: %w", err)
	}
	rr, err := s.Refresh(ctx)
	return pr, rr, err
}

// Send delivers a new mail immediately and stores the server's copy.
func (s *SyncService) Send(ctx context.Context, content domain.DraftContent) (*domain.Mail, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}
	sent, err := s.remote.Send(ctx, provider.Outgoing(content))
	if err != nil {
		return nil, fmt.Errorf("failed to send mail: %w", err)
	}
	return s.storeSent(ctx, sent, content)
}

// SendDraft sends a stored draft. A draft the server has not seen yet is
// sent as a new mail; otherwise pending edits are saved remotely first.
func (s *SyncService) SendDraft(ctx context.Context, id string) (*domain.Mail, error) {
	m, err := s.store.GetMail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to send draft %s: %w", id, err)
	}
	if !m.IsDraft() {
		return nil, fmt.Errorf("mail %s is not a draft: %w", id, domain.ErrValidationFailure)
	}
	out := outgoing(m)
	content := domain.DraftContent(out)
	if err := content.Validate(); err != nil {
		return nil, err
	}

	var sent *domain.Mail
	if IsLocalID(m.DraftID()) {
		sent, err = s.remote.Send(ctx, out)
	} else {
		if m.Sync.NeedsSync {
			if err := s.remote.UpdateDraft(ctx, m.DraftID(), out); err != nil {
				return nil, fmt.Errorf("failed to save draft %s before sending: %w", id, err)
			}
		}
		sent, err = s.remote.SendDraft(ctx, m.DraftID())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to send draft %s: %w", id, err)
	}

	if sent == nil || sent.ID == "" || sent.ID == m.ID {
		m.ConfirmSent(s.opts.Now())
		if err := s.store.UpsertMail(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to store sent draft %s: %w", id, err)
		}
		s.afterSend(m.ID)
		return m, nil
	}

	if err := s.store.DeleteMail(ctx, m.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to remove sent draft %s: %w", id, err)
	}
	return s.storeSent(ctx, sent, content)
}

// storeSent reconciles the server's copy of a sent mail. Fields the server
// left out are filled from what was sent.
func (s *SyncService) storeSent(ctx context.Context, sent *domain.Mail, content domain.DraftContent) (*domain.Mail, error) {
	m := sent.Clone()
	m.Direction = domain.DirectionSent
	m.State = domain.Final()
	m.IsRead = true
	if m.Sender == "" {
		m.Sender = content.Sender
	}
	if len(m.Recipients) == 0 {
		m.Recipients = content.Recipients
	}
	if m.Recipient == "" && len(m.Recipients) > 0 {
		m.Recipient = m.Recipients[0]
	}
	if m.Subject == "" {
		m.Subject = content.Subject
	}
	if m.Content == "" {
		m.Content = content.Content
	}
	if m.Timestamp == "" {
		m.Timestamp = s.opts.Now().Format(time.RFC3339)
	}

	if _, err := s.reconciler.Reconcile(ctx, []domain.Mail{*m}); err != nil {
		return nil, fmt.Errorf("failed to store sent mail: %w", err)
	}
	stored, err := s.store.GetMail(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to store sent mail: %w", err)
	}
	s.afterSend(stored.ID)
	return stored, nil
}

func (s *SyncService) afterSend(id string) {
	s.log.WithField("mail", id).Info("Mail sent")
	if s.AfterSend != nil {
		s.AfterSend()
	}
}

// Search runs a server-side search and stores the hits.
func (s *SyncService) Search(ctx context.Context, query string) ([]domain.Mail, error) {
	hits, err := s.remote.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", query, err)
	}
	if _, err := s.reconciler.Reconcile(ctx, hits); err != nil {
		return nil, err
	}
	return s.reload(ctx, hits)
}

// PullStarred refreshes the starred view from the server.
func (s *SyncService) PullStarred(ctx context.Context) (Result, error) {
	mails, err := s.remote.ListStarred(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list starred mail: %w", err)
	}
	return s.reconciler.Reconcile(ctx, mails)
}

// PullSpam refreshes the spam view from the server.
func (s *SyncService) PullSpam(ctx context.Context) (Result, error) {
	mails, err := s.remote.ListSpam(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list spam: %w", err)
	}
	return s.reconciler.Reconcile(ctx, mails)
}

// PullLabel fetches the mail carrying a label that is not stored locally.
func (s *SyncService) PullLabel(ctx context.Context, labelID string) (Result, error) {
	ids, err := s.remote.ListByLabel(ctx, labelID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list mail for label %s: %w", labelID, err)
	}
	var batch []domain.Mail
	for _, id := range ids {
		_, err := s.store.GetMail(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return Result{}, fmt.Errorf("failed to look up mail %s: %w", id, err)
		}
		m, err := s.remote.GetMail(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("failed to fetch mail %s: %w", id, err)
		}
		batch = append(batch, *m)
	}
	return s.reconciler.Reconcile(ctx, batch)
}

// Fetch refreshes a single mail from the server. When the server no longer
// has it and the local copy is clean, the local copy is marked deleted and
// returned.
func (s *SyncService) Fetch(ctx context.Context, id string) (*domain.Mail, error) {
	m, err := s.remote.GetMail(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		local, lerr := s.store.GetMail(ctx, id)
		if lerr != nil || local.Sync.NeedsSync {
			return nil, fmt.Errorf("failed to fetch mail %s: %w", id, err)
		}
		if err := s.reconciler.ApplyDeletion(ctx, id); err != nil {
			return nil, err
		}
		return s.store.GetMail(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mail %s: %w", id, err)
	}
	if _, err := s.reconciler.Reconcile(ctx, []domain.Mail{*m}); err != nil {
		return nil, err
	}
	return s.store.GetMail(ctx, id)
}

func (s *SyncService) reload(ctx context.Context, batch []domain.Mail) ([]domain.Mail, error) {
	out := make([]domain.Mail, 0, len(batch))
	for i := range batch {
		if batch[i].ID == "" {
			continue
		}
		m, err := s.store.GetMail(ctx, batch[i].ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reload mail %s: %w", batch[i].ID, err)
		}
		out = append(out, *m)
	}
	return out, nil
}

// Purge removes soft-deleted mail whose deletion reached the server and
// that is older than the retention period.
func (s *SyncService) Purge(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	n, err := s.store.PurgeDeletedOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge: %w", err)
	}
	s.opts.Metrics.ObservePurge(n)
	if n > 0 {
		s.log.WithFields(logrus.Fields{"purged": n, "cutoff": cutoff}).Info("Purged deleted mail")
	}
	return n, nil
}

// Status summarizes sync progress for the owner.
type Status struct {
	State   store.SyncState
	Pending int
	Failed  int
}

// Status reports the owner's sync state and the number of records waiting
// to be pushed.
func (s *SyncService) Status(ctx context.Context) (*Status, error) {
	state, err := s.store.GetSyncState(ctx, s.opts.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	pending, err := s.store.CountMail(ctx, store.MailQuery{NeedsSync: store.Bool(true), Status: domain.SyncStatusPending, IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("failed to count pending mail: %w", err)
	}
	failed, err := s.store.CountMail(ctx, store.MailQuery{Status: domain.SyncStatusFailed, IncludeDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("failed to count failed mail: %w", err)
	}
	labels, err := s.store.ListLabels(ctx, store.LabelQuery{OwnerID: s.opts.OwnerID, NeedsSync: store.Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending labels: %w", err)
	}
	for _, l := range labels {
		if l.Sync.Status == domain.SyncStatusFailed {
			failed++
		} else {
			pending++
		}
	}
	return &Status{State: *state, Pending: pending, Failed: failed}, nil
}
