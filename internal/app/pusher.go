package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// PushResult counts the outcome of one push pass.
type PushResult struct {
	Pushed int
	Failed int
	// Superseded counts records changed locally while their push was in
	// flight. They stay dirty and go out with the next pass.
	Superseded int
}

func (r PushResult) String() string {
	return fmt.Sprintf("%d pushed, %d failed, %d superseded", r.Pushed, r.Failed, r.Superseded)
}

// Pusher delivers dirty records to the remote service. Labels go first so
// that tags on mail can resolve server label ids.
type Pusher struct {
	store  store.Store
	remote provider.Gateway
	opts   Options
	log    logrus.FieldLogger

	mu  sync.Mutex
	res PushResult
}

// NewPusher creates a Pusher.
func NewPusher(s store.Store, remote provider.Gateway, opts Options) *Pusher {
	opts = opts.withDefaults()
	return &Pusher{store: s, remote: remote, opts: opts, log: opts.Logger.WithField("pkg", "pusher")}
}

// errAbort marks push failures that are not the record's fault and stop
// the pass without consuming retry budget.
var errAbort = errors.New("push aborted")

// Push sends every pending record. Records in the failed state are left
// alone until Retry. An error status from the server counts against the
// record's retry budget and does not stop the pass. Any of these stops
// it without charging anyone: an unreachable server, an auth failure, a
// cancelled context or a store error.
func (p *Pusher) Push(ctx context.Context) (PushResult, error) {
	p.mu.Lock()
	p.res = PushResult{}
	p.mu.Unlock()

	labels, err := p.store.ListLabels(ctx, store.LabelQuery{OwnerID: p.opts.OwnerID, NeedsSync: store.Bool(true)})
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to list pending labels: %w", err)
	}
	for i := range labels {
		if labels[i].Sync.Status == domain.SyncStatusFailed {
			continue
		}
		if err := p.pushLabel(ctx, &labels[i]); err != nil {
			return p.result(), err
		}
	}

	mails, err := p.store.QueryMail(ctx, store.MailQuery{
		NeedsSync:      store.Bool(true),
		Status:         domain.SyncStatusPending,
		IncludeDeleted: true,
		Ascending:      true,
	})
	if err != nil {
		return p.result(), fmt.Errorf("failed to list pending mail: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.PushConcurrency)
	for i := range mails {
		m := &mails[i]
		g.Go(func() error {
			return p.pushMail(gctx, m)
		})
	}
	err = g.Wait()

	res := p.result()
	if res.Pushed+res.Failed > 0 {
		p.log.WithFields(logrus.Fields{
			"pushed":     res.Pushed,
			"failed":     res.Failed,
			"superseded": res.Superseded,
		}).Info("Push complete")
	}
	return res, err
}

func (p *Pusher) result() PushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

func (p *Pusher) count(kind string, ok, superseded bool) {
	p.mu.Lock()
	switch {
	case superseded:
		p.res.Superseded++
	case ok:
		p.res.Pushed++
	default:
		p.res.Failed++
	}
	p.mu.Unlock()
	p.opts.Metrics.ObservePush(kind, ok)
}

// classify decides what a remote error means for the pass. It returns nil
// when the error should be charged to the record. An unreachable server
// stops the pass and leaves every budget untouched.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, provider.ErrUnreachable) || provider.IsUnauthorized(err) {
		return fmt.Errorf("%w: %w", errAbort, err)
	}
	return nil
}

func (p *Pusher) pushLabel(ctx context.Context, snap *domain.Label) error {
	log := p.log.WithField("label", snap.ID)

	var (
		server *domain.Label
		err    error
	)
	if IsLocalID(snap.ID) {
		server, err = p.remote.CreateLabel(ctx, snap.Name, snap.Color)
	} else {
		name, color := snap.Name, snap.Color
		server, err = p.remote.UpdateLabel(ctx, snap.ID, provider.LabelPatch{Name: &name, Color: &color})
	}
	if err != nil {
		if abort := classify(ctx, err); abort != nil {
			return abort
		}
		log.WithError(err).Warn("Label push failed")
		p.count("label", false, false)
		return p.failLabel(ctx, snap)
	}

	cur, err := p.store.GetLabel(ctx, snap.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to confirm label %s: %w", snap.ID, err)
	}
	superseded := cur.Sync.ChangedSince(snap.Sync)
	if !superseded {
		cur.Sync.MarkSynced()
	}

	if IsLocalID(snap.ID) && server != nil && server.ID != "" && server.ID != snap.ID {
		if err := p.store.DeleteLabel(ctx, snap.ID); err != nil {
			return fmt.Errorf("failed to re-key label %s: %w", snap.ID, err)
		}
		log.WithField("id", server.ID).Debug("Label re-keyed")
		cur.ID = server.ID
	}
	if err := p.store.UpsertLabel(ctx, cur); err != nil {
		return fmt.Errorf("failed to confirm label %s: %w", cur.ID, err)
	}
	p.count("label", true, superseded)
	return nil
}

func (p *Pusher) failLabel(ctx context.Context, snap *domain.Label) error {
	cur, err := p.store.GetLabel(ctx, snap.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record push failure for label %s: %w", snap.ID, err)
	}
	if cur.Sync.ChangedSince(snap.Sync) {
		return nil
	}
	cur.Sync.RecordFailure(p.opts.RetryBudget)
	if err := p.store.UpsertLabel(ctx, cur); err != nil {
		return fmt.Errorf("failed to record push failure for label %s: %w", snap.ID, err)
	}
	return nil
}

func (p *Pusher) pushMail(ctx context.Context, snap *domain.Mail) error {
	var err error
	switch {
	case snap.IsDraft():
		err = p.pushDraft(ctx, snap)
	case IsLocalID(snap.ID):
		// Final mail only comes from the server or from a confirmed send.
		p.log.WithField("mail", snap.ID).Warn("Skipping local mail that is not a draft")
		return nil
	case snap.IsDeleted:
		err = p.remote.DeleteMail(ctx, snap.ID)
		if errors.Is(err, domain.ErrNotFound) {
			err = nil
		}
		if err == nil {
			return p.confirmMail(ctx, snap, nil)
		}
	default:
		err = p.pushFlags(ctx, snap)
		if err == nil {
			return p.confirmMail(ctx, snap, nil)
		}
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, errStore) {
		return err
	}
	if abort := classify(ctx, err); abort != nil {
		return abort
	}
	p.log.WithError(err).WithField("mail", snap.ID).Warn("Mail push failed")
	p.count("mail", false, false)
	return p.failMail(ctx, snap)
}

// errStore marks store errors raised inside a remote sequence so they
// abort the pass instead of being charged to the record.
var errStore = errors.New("store error")

func (p *Pusher) pushDraft(ctx context.Context, snap *domain.Mail) error {
	out := outgoing(snap)
	switch {
	case snap.IsDeleted && IsLocalID(snap.DraftID()):
		return p.dropMail(ctx, snap)
	case snap.IsDeleted:
		if err := p.remote.DeleteDraft(ctx, snap.DraftID()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return p.dropMail(ctx, snap)
	case IsLocalID(snap.DraftID()):
		created, err := p.remote.CreateDraft(ctx, out)
		if err != nil {
			return err
		}
		return p.confirmMail(ctx, snap, created)
	default:
		if err := p.remote.UpdateDraft(ctx, snap.DraftID(), out); err != nil {
			return err
		}
		return p.confirmMail(ctx, snap, nil)
	}
}

// pushFlags sends the flag state, then reconciles the label set against
// the server's copy with tag and untag calls.
func (p *Pusher) pushFlags(ctx context.Context, snap *domain.Mail) error {
	if err := p.remote.SetRead(ctx, snap.ID, snap.IsRead); err != nil {
		return err
	}
	if err := p.remote.SetStarred(ctx, snap.ID, snap.IsStarred); err != nil {
		return err
	}
	if err := p.remote.Archive(ctx, snap.ID, snap.IsArchived); err != nil {
		return err
	}

	server, err := p.remote.GetMail(ctx, snap.ID)
	if err != nil {
		return err
	}
	for _, name := range snap.Labels {
		if server.HasLabel(name) {
			continue
		}
		id, ok, err := p.labelID(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := p.remote.Tag(ctx, snap.ID, id); err != nil {
			return err
		}
	}
	for _, name := range server.Labels {
		if snap.HasLabel(name) {
			continue
		}
		id, ok, err := p.labelID(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := p.remote.Untag(ctx, snap.ID, id); err != nil {
			return err
		}
	}
	return nil
}

// labelID resolves a label name to a server id. Names the catalog does not
// know, or that only have a local id, cannot be sent and are skipped.
func (p *Pusher) labelID(ctx context.Context, name string) (string, bool, error) {
	l, err := p.store.GetLabelByName(ctx, p.opts.OwnerID, name)
	if errors.Is(err, domain.ErrNotFound) {
		p.log.WithField("name", name).Warn("Mail label missing from catalog")
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", errStore, err)
	}
	if IsLocalID(l.ID) {
		return "", false, nil
	}
	return l.ID, true, nil
}

// confirmMail marks the record synced unless it changed while the push was
// in flight. A non-nil created re-keys a locally created draft to the ids
// the server assigned.
func (p *Pusher) confirmMail(ctx context.Context, snap *domain.Mail, created *domain.Mail) error {
	cur, err := p.store.GetMail(ctx, snap.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to confirm mail %s: %w", errStore, snap.ID, err)
	}
	superseded := cur.Sync.ChangedSince(snap.Sync)
	if !superseded {
		cur.Sync.MarkSynced()
	}
	if created != nil {
		newID, draftID := created.ID, created.DraftID()
		if newID == "" {
			newID = draftID
		}
		if draftID == "" {
			draftID = newID
		}
		if newID != "" && newID != cur.ID {
			if err := p.store.DeleteMail(ctx, cur.ID); err != nil {
				return fmt.Errorf("%w: failed to re-key mail %s: %w", errStore, cur.ID, err)
			}
			p.log.WithFields(logrus.Fields{"from": cur.ID, "to": newID}).Debug("Draft re-keyed")
			cur.ID = newID
		}
		if draftID != "" {
			cur.State = domain.Draft(draftID)
		}
	}
	if err := p.store.UpsertMail(ctx, cur); err != nil {
		return fmt.Errorf("%w: failed to confirm mail %s: %w", errStore, cur.ID, err)
	}
	p.count("mail", true, superseded)
	return nil
}

func (p *Pusher) dropMail(ctx context.Context, snap *domain.Mail) error {
	if err := p.store.DeleteMail(ctx, snap.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: failed to drop mail %s: %w", errStore, snap.ID, err)
	}
	p.count("mail", true, false)
	return nil
}

func (p *Pusher) failMail(ctx context.Context, snap *domain.Mail) error {
	cur, err := p.store.GetMail(ctx, snap.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record push failure for mail %s: %w", snap.ID, err)
	}
	if cur.Sync.ChangedSince(snap.Sync) {
		return nil
	}
	cur.Sync.RecordFailure(p.opts.RetryBudget)
	if err := p.store.UpsertMail(ctx, cur); err != nil {
		return fmt.Errorf("failed to record push failure for mail %s: %w", snap.ID, err)
	}
	return nil
}

// Retry moves a failed mail or label back to pending with a fresh budget.
func (p *Pusher) Retry(ctx context.Context, id string) error {
	m, err := p.store.GetMail(ctx, id)
	switch {
	case err == nil:
		m.Sync.Retry()
		if err := p.store.UpsertMail(ctx, m); err != nil {
			return fmt.Errorf("failed to retry mail %s: %w", id, err)
		}
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("failed to retry %s: %w", id, err)
	}

	l, err := p.store.GetLabel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to retry %s: %w", id, err)
	}
	l.Sync.Retry()
	if err := p.store.UpsertLabel(ctx, l); err != nil {
		return fmt.Errorf("failed to retry label %s: %w", id, err)
	}
	return nil
}

// RetryAll moves every failed record back to pending. It returns how many
// records it reset.
func (p *Pusher) RetryAll(ctx context.Context) (int, error) {
	mails, err := p.store.QueryMail(ctx, store.MailQuery{Status: domain.SyncStatusFailed, IncludeDeleted: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list failed mail: %w", err)
	}
	n := 0
	for i := range mails {
		mails[i].Sync.Retry()
		if err := p.store.UpsertMail(ctx, &mails[i]); err != nil {
			return n, fmt.Errorf("failed to retry mail %s: %w", mails[i].ID, err)
		}
		n++
	}

	labels, err := p.store.ListLabels(ctx, store.LabelQuery{OwnerID: p.opts.OwnerID, NeedsSync: store.Bool(true)})
	if err != nil {
		return n, fmt.Errorf("failed to list failed labels: %w", err)
	}
	for i := range labels {
		if labels[i].Sync.Status != domain.SyncStatusFailed {
			continue
		}
		labels[i].Sync.Retry()
		if err := p.store.UpsertLabel(ctx, &labels[i]); err != nil {
			return n, fmt.Errorf("failed to retry label %s: %w", labels[i].ID, err)
		}
		n++
	}
	return n, nil
}

func outgoing(m *domain.Mail) provider.Outgoing {
	recipients := m.Recipients
	if len(recipients) == 0 && m.Recipient != "" {
		recipients = []string{m.Recipient}
	}
	return provider.Outgoing{
		Sender:     m.Sender,
		Recipients: recipients,
		Subject:    m.Subject,
		Content:    m.Content,
		Labels:     m.Labels,
	}
}
