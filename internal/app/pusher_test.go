package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/metrics"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

func TestPush_Flags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := serverMail("m1", "hello")
	e.seed(t, m)
	e.remote.putMail(m)

	svc := NewMailService(e.db, e.opts)
	_, err := svc.SetStarred(ctx, "m1", true)
	require.NoError(t, err)
	_, err = svc.MarkRead(ctx, "m1", true)
	require.NoError(t, err)

	res, err := NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1}, res)

	server := e.remote.serverMail("m1")
	require.True(t, server.IsStarred)
	require.True(t, server.IsRead)

	local := e.mail(t, "m1")
	require.False(t, local.Sync.NeedsSync)
	require.Equal(t, domain.SyncStatusSynced, local.Sync.Status)
}

func TestPush_LabelsBeforeTags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := serverMail("m1", "hello")
	m.Labels = []string{"Old"}
	e.seed(t, m)
	e.remote.putMail(m)
	e.seedLabel(t, "old", "Old", false)
	e.remote.putLabel(domain.Label{ID: "old", Name: "Old"})

	labels := NewLabelService(e.db, e.remote, e.opts)
	work, err := labels.CreateLabel(ctx, "Work", "#2196F3")
	require.NoError(t, err)
	require.NoError(t, labels.Tag(ctx, "m1", work.ID))
	require.NoError(t, labels.Untag(ctx, "m1", "old"))

	res, err := NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 2}, res)

	// The label now lives under the server's id.
	_, err = e.db.GetLabel(ctx, work.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	stored, err := e.db.GetLabelByName(ctx, testOwner, "Work")
	require.NoError(t, err)
	require.False(t, IsLocalID(stored.ID))
	require.Equal(t, domain.SyncStatusSynced, stored.Sync.Status)

	require.Equal(t, []string{"Work"}, e.remote.serverMail("m1").Labels)
	require.Equal(t, 1, e.remote.called("Tag"))
	require.Equal(t, 1, e.remote.called("Untag"))
}

func TestPush_RenamedLabelUpdatesServer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedLabel(t, "l1", "Work", false)
	e.remote.putLabel(domain.Label{ID: "l1", Name: "Work"})

	_, err := NewLabelService(e.db, e.remote, e.opts).RenameLabel(ctx, "l1", "Office")
	require.NoError(t, err)

	_, err = NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.NoError(t, err)
	labels, err := e.remote.ListLabels(ctx)
	require.NoError(t, err)
	require.Equal(t, "Office", labels[0].Name)
}

func TestPush_Drafts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc := NewMailService(e.db, e.opts)
	pusher := NewPusher(e.db, e.remote, e.opts)

	d, err := svc.SaveDraft(ctx, domain.DraftContent{Recipients: []string{"you@example.com"}, Subject: "v1"})
	require.NoError(t, err)

	_, err = pusher.Push(ctx)
	require.NoError(t, err)
	_, err = e.db.GetMail(ctx, d.ID)
	require.ErrorIs(t, err, domain.ErrNotFound, "local id replaced")

	drafts, err := svc.List(ctx, store.MailQuery{Folder: store.FolderDrafts})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	serverID := drafts[0].ID
	require.Equal(t, serverID, drafts[0].DraftID())
	require.False(t, drafts[0].Sync.NeedsSync)

	_, err = svc.UpdateDraft(ctx, serverID, domain.DraftContent{Recipients: []string{"you@example.com"}, Subject: "v2"})
	require.NoError(t, err)
	_, err = pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, "v2", e.remote.serverMail(serverID).Subject)

	require.NoError(t, svc.DiscardDraft(ctx, serverID))
	_, err = pusher.Push(ctx)
	require.NoError(t, err)
	require.Nil(t, e.remote.serverMail(serverID))
	_, err = e.db.GetMail(ctx, serverID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPush_DeletionConfirmed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		m := serverMail(id, id)
		e.seed(t, m)
	}
	// m2 is already gone on the server; the 404 still confirms the deletion.
	e.remote.putMail(serverMail("m1", "m1"))

	svc := NewMailService(e.db, e.opts)
	require.NoError(t, svc.Delete(ctx, "m1"))
	require.NoError(t, svc.Delete(ctx, "m2"))

	res, err := NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 2}, res)
	for _, id := range []string{"m1", "m2"} {
		m := e.mail(t, id)
		require.True(t, m.IsDeleted)
		require.Equal(t, domain.SyncStatusSynced, m.Sync.Status)
	}
	require.Nil(t, e.remote.serverMail("m1"))
}

func TestPush_BoundedRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := serverMail("m1", "hello")
	e.seed(t, m)
	e.remote.putMail(m)
	e.remote.failOn("SetRead", &provider.StatusError{Op: "set read", Status: 503})

	met := metrics.New()
	opts := e.opts
	opts.Metrics = met
	svc := NewMailService(e.db, opts)
	pusher := NewPusher(e.db, e.remote, opts)
	_, err := svc.MarkRead(ctx, "m1", true)
	require.NoError(t, err)

	// RetryBudget is 2 in the test env.
	res, err := pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Failed: 1}, res)
	got := e.mail(t, "m1")
	require.Equal(t, domain.SyncStatusPending, got.Sync.Status)
	require.Equal(t, 1, got.Sync.Attempts)

	_, err = pusher.Push(ctx)
	require.NoError(t, err)
	got = e.mail(t, "m1")
	require.Equal(t, domain.SyncStatusFailed, got.Sync.Status)
	require.True(t, got.Sync.NeedsSync)

	// Failed records wait for an explicit retry.
	res, err = pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{}, res)
	require.Equal(t, 2, e.remote.called("SetRead"))
	require.Equal(t, 2.0, testutil.ToFloat64(met.Pushed.WithLabelValues("mail", "error")))

	e.remote.failOn("SetRead", nil)
	require.NoError(t, pusher.Retry(ctx, "m1"))
	require.Equal(t, domain.SyncStatusPending, e.mail(t, "m1").Sync.Status)

	res, err = pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1}, res)
	require.Equal(t, domain.SyncStatusSynced, e.mail(t, "m1").Sync.Status)
}

func TestPush_UnauthorizedAborts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := serverMail("m1", "hello")
	e.seed(t, m)
	e.remote.putMail(m)
	e.remote.failOn("SetRead", &provider.StatusError{Op: "set read", Status: 401})

	_, err := NewMailService(e.db, e.opts).MarkRead(ctx, "m1", true)
	require.NoError(t, err)

	_, err = NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, 0, e.mail(t, "m1").Sync.Attempts, "auth failures do not consume the budget")
}

func TestPush_Concurrent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc := NewMailService(e.db, e.opts)
	for i := 0; i < 20; i++ {
		m := serverMail(fmt.Sprintf("m%02d", i), "bulk")
		e.seed(t, m)
		e.remote.putMail(m)
		_, err := svc.Archive(ctx, m.ID, true)
		require.NoError(t, err)
	}

	res, err := NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, res.Pushed)

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRetryAll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := serverMail("m1", "hello")
	m.LocalCreatedAt, m.LastModified = t0, t0
	m.Sync = domain.SyncMeta{NeedsSync: true, Status: domain.SyncStatusFailed, Attempts: 2}
	require.NoError(t, e.db.UpsertMail(ctx, &m))
	l := e.seedLabel(t, "l1", "Work", false)
	l.Sync = domain.SyncMeta{NeedsSync: true, Status: domain.SyncStatusFailed, Attempts: 2}
	require.NoError(t, e.db.UpsertLabel(ctx, l))

	pusher := NewPusher(e.db, e.remote, e.opts)
	n, err := pusher.RetryAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, domain.SyncStatusPending, e.mail(t, "m1").Sync.Status)

	got, err := e.db.GetLabel(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusPending, got.Sync.Status)
	require.Zero(t, got.Sync.Attempts)

	require.ErrorIs(t, pusher.Retry(ctx, "missing"), domain.ErrNotFound)
}

func TestPush_EditDuringPushIsSuperseded(t *testing.T) {
	tests := []struct {
		name string
		step time.Duration
	}{
		{"same instant", 0},
		{"sub-millisecond", 300 * time.Microsecond},
		{"clock stepped back", -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			m := serverMail("m1", "hello")
			e.seed(t, m)
			e.remote.putMail(m)

			svc := NewMailService(e.db, e.opts)
			pusher := NewPusher(e.db, e.remote, e.opts)
			_, err := svc.MarkRead(ctx, "m1", true)
			require.NoError(t, err)

			e.remote.during("SetRead", func() {
				e.clock.Advance(tt.step)
				_, err := svc.SetStarred(ctx, "m1", true)
				assert.NoError(t, err)
			})

			res, err := pusher.Push(ctx)
			require.NoError(t, err)
			require.Equal(t, PushResult{Superseded: 1}, res)

			got := e.mail(t, "m1")
			require.True(t, got.IsStarred)
			require.True(t, got.Sync.NeedsSync, "the star has not reached the server")
			require.Equal(t, domain.SyncStatusPending, got.Sync.Status)
			require.False(t, e.remote.serverMail("m1").IsStarred)

			// A refresh in between must not overwrite the unpushed star.
			_, err = NewReconciler(e.db, e.opts).Reconcile(ctx, []domain.Mail{*e.remote.serverMail("m1")})
			require.NoError(t, err)
			require.True(t, e.mail(t, "m1").IsStarred)

			res, err = pusher.Push(ctx)
			require.NoError(t, err)
			require.Equal(t, PushResult{Pushed: 1}, res)
			require.True(t, e.remote.serverMail("m1").IsStarred)
			require.Equal(t, domain.SyncStatusSynced, e.mail(t, "m1").Sync.Status)
		})
	}
}

func TestPush_DraftEditedWhileCreatedIsRekeyedAndKeptDirty(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc := NewMailService(e.db, e.opts)
	pusher := NewPusher(e.db, e.remote, e.opts)

	d, err := svc.SaveDraft(ctx, domain.DraftContent{Recipients: []string{"you@example.com"}, Subject: "v1"})
	require.NoError(t, err)
	e.remote.during("CreateDraft", func() {
		_, err := svc.UpdateDraft(ctx, d.ID, domain.DraftContent{Recipients: []string{"you@example.com"}, Subject: "v2"})
		assert.NoError(t, err)
	})

	res, err := pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Superseded: 1}, res)

	_, err = e.db.GetMail(ctx, d.ID)
	require.ErrorIs(t, err, domain.ErrNotFound, "local id replaced")
	drafts, err := svc.List(ctx, store.MailQuery{Folder: store.FolderDrafts})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	rekeyed := drafts[0]
	require.False(t, IsLocalID(rekeyed.ID))
	require.Equal(t, rekeyed.ID, rekeyed.DraftID())
	require.Equal(t, "v2", rekeyed.Subject)
	require.True(t, rekeyed.Sync.NeedsSync)
	require.Equal(t, "v1", e.remote.serverMail(rekeyed.ID).Subject)

	res, err = pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1}, res)
	require.Equal(t, "v2", e.remote.serverMail(rekeyed.ID).Subject)
	require.Equal(t, 1, e.remote.called("CreateDraft"))
	require.Equal(t, 1, e.remote.called("UpdateDraft"))
}

func TestPush_LabelRenamedWhileUpdating(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedLabel(t, "l1", "Work", false)
	e.remote.putLabel(domain.Label{ID: "l1", Name: "Work"})

	labels := NewLabelService(e.db, e.remote, e.opts)
	_, err := labels.RenameLabel(ctx, "l1", "Office")
	require.NoError(t, err)
	e.remote.during("UpdateLabel", func() {
		_, err := labels.RenameLabel(ctx, "l1", "Desk")
		assert.NoError(t, err)
	})

	pusher := NewPusher(e.db, e.remote, e.opts)
	res, err := pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Superseded: 1}, res)
	local, err := e.db.GetLabel(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "Desk", local.Name)
	require.True(t, local.Sync.NeedsSync)

	_, err = pusher.Push(ctx)
	require.NoError(t, err)
	server, err := e.remote.ListLabels(ctx)
	require.NoError(t, err)
	require.Equal(t, "Desk", server[0].Name)
}

func TestPush_FailureAfterEditIsNotCharged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := serverMail("m1", "hello")
	e.seed(t, m)
	e.remote.putMail(m)
	e.remote.failOn("SetRead", &provider.StatusError{Op: "set read", Status: 503})

	svc := NewMailService(e.db, e.opts)
	_, err := svc.MarkRead(ctx, "m1", true)
	require.NoError(t, err)
	e.remote.during("SetRead", func() {
		_, err := svc.SetStarred(ctx, "m1", true)
		assert.NoError(t, err)
	})

	_, err = NewPusher(e.db, e.remote, e.opts).Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, e.mail(t, "m1").Sync.Attempts, "the edit restarted the budget")
}

func TestPush_UnreachableServerAbortsWithoutCharging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	svc := NewMailService(e.db, e.opts)
	for _, id := range []string{"m1", "m2"} {
		m := serverMail(id, id)
		e.seed(t, m)
		e.remote.putMail(m)
		_, err := svc.MarkRead(ctx, id, true)
		require.NoError(t, err)
	}
	offline := fmt.Errorf("set read: %w: %w: dial tcp: connection refused", domain.ErrTransportFailure, provider.ErrUnreachable)
	e.remote.failOn("SetRead", offline)

	pusher := NewPusher(e.db, e.remote, e.opts)
	// More passes than the retry budget (2 in the test env).
	for i := 0; i < 3; i++ {
		res, err := pusher.Push(ctx)
		require.ErrorIs(t, err, errAbort)
		require.ErrorIs(t, err, provider.ErrUnreachable)
		require.Zero(t, res.Failed)
	}
	for _, id := range []string{"m1", "m2"} {
		got := e.mail(t, id)
		require.Equal(t, domain.SyncStatusPending, got.Sync.Status)
		require.Zero(t, got.Sync.Attempts)
	}

	e.remote.failOn("SetRead", nil)
	res, err := pusher.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 2}, res)
}

func TestPush_AfterServerRenameKeepsTag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedLabel(t, "l1", "Work", false)
	e.remote.putLabel(domain.Label{ID: "l1", Name: "Work"})
	m := serverMail("m1", "hello")
	m.Labels = []string{"Work"}
	e.seed(t, m)
	e.remote.putMail(m)

	_, err := NewMailService(e.db, e.opts).SetStarred(ctx, "m1", true)
	require.NoError(t, err)

	// Renamed on another device while this one was offline.
	_, err = e.remote.UpdateLabel(ctx, "l1", provider.LabelPatch{Name: ptr("Projects")})
	require.NoError(t, err)
	renamed := e.remote.serverMail("m1")
	renamed.Labels = []string{"Projects"}
	e.remote.putMail(*renamed)

	svc := NewSyncService(e.db, e.remote, e.opts)
	_, err = svc.Reconciler().ReconcileLabels(ctx, mustLabels(t, e.remote))
	require.NoError(t, err)
	require.Equal(t, []string{"Projects"}, e.mail(t, "m1").Labels)

	res, err := svc.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Pushed: 1}, res)
	server := e.remote.serverMail("m1")
	require.Equal(t, []string{"Projects"}, server.Labels)
	require.True(t, server.IsStarred)
	require.Zero(t, e.remote.called("Untag"))
}

func ptr(s string) *string { return &s }

func mustLabels(t *testing.T, g *fakeGateway) []domain.Label {
	t.Helper()
	labels, err := g.ListLabels(context.Background())
	require.NoError(t, err)
	return labels
}
