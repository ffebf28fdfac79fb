package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

// Result counts what a reconciliation pass did with each incoming record.
type Result struct {
	Inserted int
	Updated  int
	// Kept counts records whose local version had unpushed changes and won.
	Kept    int
	Skipped int
}

func (r *Result) add(o Result) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Kept += o.Kept
	r.Skipped += o.Skipped
}

// Reconciler merges server data into the local store. A record with local
// changes that have not been pushed always wins over the incoming version.
// Absence from a batch never deletes anything.
type Reconciler struct {
	store store.Store
	opts  Options
	log   logrus.FieldLogger
}

// NewReconciler creates a Reconciler writing to s.
func NewReconciler(s store.Store, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{store: s, opts: opts, log: opts.Logger.WithField("pkg", "reconciler")}
}

// Reconcile merges a batch of server mail. Malformed records are logged and
// skipped; a store error aborts the batch.
func (r *Reconciler) Reconcile(ctx context.Context, batch []domain.Mail) (Result, error) {
	var res Result
	now := r.opts.Now()

	for i := range batch {
		incoming := batch[i].Clone()
		if incoming.ID == "" {
			r.log.WithError(domain.ErrMalformedRecord).Warn("Skipping server mail without id")
			res.Skipped++
			continue
		}

		local, err := r.store.GetMail(ctx, incoming.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			incoming.LocalCreatedAt = now
			incoming.LastModified = now
		case err != nil:
			return res, fmt.Errorf("failed to reconcile mail %s: %w", incoming.ID, err)
		case local.Sync.NeedsSync:
			res.Kept++
			continue
		default:
			incoming.LocalCreatedAt = local.LocalCreatedAt
			incoming.LastModified = laterOf(now, local.LastModified)
		}
		incoming.Sync = domain.Synced()
		if local != nil {
			incoming.Sync.Revision = local.Sync.Revision
		}

		if err := incoming.Validate(); err != nil {
			r.log.WithError(err).WithField("mail", incoming.ID).Warn("Skipping malformed server mail")
			res.Skipped++
			continue
		}
		if err := r.store.UpsertMail(ctx, incoming); err != nil {
			return res, fmt.Errorf("failed to reconcile mail %s: %w", incoming.ID, err)
		}
		if local == nil {
			res.Inserted++
		} else {
			res.Updated++
		}
	}

	r.opts.Metrics.ObserveReconcile("mail", res.Inserted, res.Updated, res.Kept, res.Skipped)
	return res, nil
}

// ReconcileCategorized merges a fetch-all payload in one pass. The list a
// mail came from decides its direction and draft state; a mail listed in
// several places takes the category of the last list: recent, then inbox,
// sent and drafts.
func (r *Reconciler) ReconcileCategorized(ctx context.Context, c *provider.Categorized) (Result, error) {
	if c == nil {
		return Result{}, nil
	}

	var order []string
	byID := make(map[string]domain.Mail)
	put := func(m domain.Mail) {
		if _, seen := byID[m.ID]; !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	var batch []domain.Mail
	for _, m := range c.Recent {
		if m.ID == "" {
			batch = append(batch, m)
			continue
		}
		put(m)
	}
	for _, m := range c.Inbox {
		m.Direction = domain.DirectionReceived
		m.State = domain.Final()
		if m.ID == "" {
			batch = append(batch, m)
			continue
		}
		put(m)
	}
	for _, m := range c.Sent {
		m.Direction = domain.DirectionSent
		m.State = domain.Final()
		if m.ID == "" {
			batch = append(batch, m)
			continue
		}
		put(m)
	}
	for _, m := range c.Drafts {
		m.Direction = domain.DirectionSent
		if !m.IsDraft() {
			m.State = domain.Draft(m.ID)
		}
		if m.ID == "" {
			batch = append(batch, m)
			continue
		}
		put(m)
	}
	for _, id := range order {
		batch = append(batch, byID[id])
	}

	return r.Reconcile(ctx, batch)
}

// ReconcileLabels merges the server's label catalog. The server decides
// IsSystem for new labels only. A label matching a local one by name but
// not by id replaces the local record unless the local one has unpushed
// changes.
func (r *Reconciler) ReconcileLabels(ctx context.Context, batch []domain.Label) (Result, error) {
	var res Result
	now := r.opts.Now()

	for i := range batch {
		incoming := batch[i]
		if incoming.ID == "" || incoming.Name == "" {
			r.log.WithError(domain.ErrMalformedRecord).WithField("label", incoming.Name).Warn("Skipping malformed server label")
			res.Skipped++
			continue
		}
		if incoming.OwnerID == "" {
			incoming.OwnerID = r.opts.OwnerID
		}

		local, err := r.store.GetLabel(ctx, incoming.ID)
		if errors.Is(err, domain.ErrNotFound) {
			local, err = r.adoptByName(ctx, &incoming)
		}
		switch {
		case errors.Is(err, domain.ErrNotFound):
			local = nil
			incoming.CreatedAt = now
			incoming.LastModified = now
		case err != nil:
			return res, fmt.Errorf("failed to reconcile label %s: %w", incoming.ID, err)
		case local.Sync.NeedsSync:
			res.Kept++
			continue
		default:
			incoming.IsSystem = local.IsSystem
			incoming.CreatedAt = local.CreatedAt
			incoming.LastModified = laterOf(now, local.LastModified)
		}
		incoming.Sync = domain.Synced()
		if local != nil {
			incoming.Sync.Revision = local.Sync.Revision
		}

		if err := incoming.Validate(); err != nil {
			r.log.WithError(err).WithField("label", incoming.ID).Warn("Skipping malformed server label")
			res.Skipped++
			continue
		}
		if err := r.store.UpsertLabel(ctx, &incoming); err != nil {
			if errors.Is(err, domain.ErrDuplicateName) {
				r.log.WithError(err).WithField("label", incoming.ID).Warn("Skipping server label with conflicting name")
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("failed to reconcile label %s: %w", incoming.ID, err)
		}
		if local == nil {
			res.Inserted++
			continue
		}
		res.Updated++
		if local.Name != incoming.Name {
			n, err := renameOnMail(ctx, r.store, local.Name, incoming.Name, now, false)
			if err != nil {
				return res, fmt.Errorf("failed to carry rename of label %s to mail: %w", incoming.ID, err)
			}
			r.log.WithFields(logrus.Fields{"label": incoming.ID, "from": local.Name, "to": incoming.Name, "mail": n}).Debug("Label renamed on server")
		}
	}

	r.opts.Metrics.ObserveReconcile("label", res.Inserted, res.Updated, res.Kept, res.Skipped)
	return res, nil
}

// adoptByName finds a local label with the incoming label's name under a
// different id. A clean one is removed so the server record can take its
// place; a dirty one is returned as is and wins.
func (r *Reconciler) adoptByName(ctx context.Context, incoming *domain.Label) (*domain.Label, error) {
	local, err := r.store.GetLabelByName(ctx, incoming.OwnerID, incoming.Name)
	if err != nil {
		return nil, err
	}
	if local.Sync.NeedsSync {
		return local, nil
	}
	if err := r.store.DeleteLabel(ctx, local.ID); err != nil {
		return nil, fmt.Errorf("failed to replace label %s: %w", local.ID, err)
	}
	r.log.WithFields(logrus.Fields{"from": local.ID, "to": incoming.ID}).Debug("Label id replaced by server")
	return local, nil
}

// ApplyDeletion records that the server deleted a mail. The record stays
// soft-deleted and clean, so purge can remove it once it ages out.
func (r *Reconciler) ApplyDeletion(ctx context.Context, id string) error {
	m, err := r.store.GetMail(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to apply deletion of %s: %w", id, err)
	}
	m.IsDeleted = true
	m.LastModified = laterOf(r.opts.Now(), m.LastModified)
	m.Sync.MarkSynced()
	if err := r.store.UpsertMail(ctx, m); err != nil {
		return fmt.Errorf("failed to apply deletion of %s: %w", id, err)
	}
	return nil
}
