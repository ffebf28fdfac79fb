package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/metrics"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store"
)

func TestReconcile_InsertsNewRecordsClean(t *testing.T) {
	e := newEnv(t)
	r := NewReconciler(e.db, e.opts)

	res, err := r.Reconcile(context.Background(), []domain.Mail{serverMail("m1", "hello"), serverMail("m2", "world")})
	require.NoError(t, err)
	require.Equal(t, Result{Inserted: 2}, res)

	m := e.mail(t, "m1")
	require.Equal(t, "hello", m.Subject)
	require.False(t, m.Sync.NeedsSync)
	require.Equal(t, domain.SyncStatusSynced, m.Sync.Status)
	require.True(t, m.LocalCreatedAt.Equal(t0))
}

func TestReconcile_CleanRecordReplacedByIncoming(t *testing.T) {
	e := newEnv(t)
	e.seed(t, serverMail("m1", "old subject"))
	e.clock.Advance(time.Minute)

	r := NewReconciler(e.db, e.opts)
	res, err := r.Reconcile(context.Background(), []domain.Mail{serverMail("m1", "new subject")})
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1}, res)

	m := e.mail(t, "m1")
	require.Equal(t, "new subject", m.Subject)
	require.Equal(t, domain.SyncStatusSynced, m.Sync.Status)
	require.False(t, m.Sync.NeedsSync)
	require.True(t, m.LastModified.Equal(t0.Add(time.Minute)))
	require.True(t, m.LocalCreatedAt.Equal(t0), "local creation time is carried over")
}

func TestReconcile_LocalDirtyWins(t *testing.T) {
	e := newEnv(t)
	e.seed(t, serverMail("m1", "subject"))

	svc := NewMailService(e.db, e.opts)
	_, err := svc.SetStarred(context.Background(), "m1", true)
	require.NoError(t, err)

	older := serverMail("m1", "server rewrote this")
	older.IsStarred = false
	r := NewReconciler(e.db, e.opts)
	res, err := r.Reconcile(context.Background(), []domain.Mail{older})
	require.NoError(t, err)
	require.Equal(t, Result{Kept: 1}, res)

	m := e.mail(t, "m1")
	require.True(t, m.IsStarred)
	require.True(t, m.Sync.NeedsSync)
	require.Equal(t, domain.SyncStatusPending, m.Sync.Status)
	require.Equal(t, "subject", m.Subject)
}

func TestReconcile_SkipsMalformedRecords(t *testing.T) {
	e := newEnv(t)
	r := NewReconciler(e.db, e.opts)

	noID := serverMail("", "nobody")
	badDirection := serverMail("m2", "sideways")
	badDirection.Direction = "sideways"

	res, err := r.Reconcile(context.Background(), []domain.Mail{noID, serverMail("m1", "ok"), badDirection})
	require.NoError(t, err)
	require.Equal(t, Result{Inserted: 1, Skipped: 2}, res)

	n, err := e.db.CountMail(context.Background(), store.MailQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReconcile_AbsenceDoesNotDelete(t *testing.T) {
	e := newEnv(t)
	e.seed(t, serverMail("m1", "keep me"))

	r := NewReconciler(e.db, e.opts)
	_, err := r.Reconcile(context.Background(), []domain.Mail{serverMail("m2", "other")})
	require.NoError(t, err)

	require.Equal(t, "keep me", e.mail(t, "m1").Subject)
}

func TestReconcile_Idempotent(t *testing.T) {
	e := newEnv(t)
	r := NewReconciler(e.db, e.opts)
	batch := []domain.Mail{serverMail("m1", "hello")}

	_, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	first := e.mail(t, "m1")

	_, err = r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, first, e.mail(t, "m1"))
}

func TestReconcile_NeverMovesLastModifiedBackwards(t *testing.T) {
	e := newEnv(t)
	m := serverMail("m1", "future")
	m.LocalCreatedAt = t0
	m.LastModified = t0.Add(time.Hour)
	m.Sync = domain.Synced()
	require.NoError(t, e.db.UpsertMail(context.Background(), &m))

	r := NewReconciler(e.db, e.opts)
	_, err := r.Reconcile(context.Background(), []domain.Mail{serverMail("m1", "now")})
	require.NoError(t, err)
	require.True(t, e.mail(t, "m1").LastModified.Equal(t0.Add(time.Hour)))
}

func TestReconcileCategorized(t *testing.T) {
	e := newEnv(t)
	r := NewReconciler(e.db, e.opts)

	inbox := serverMail("in1", "inbound")
	sent := serverMail("out1", "outbound")
	sent.Direction = ""
	draft := serverMail("d1", "unfinished")
	draft.Direction = ""
	recentOnly := serverMail("r1", "recent")
	recentDupe := serverMail("in1", "inbound")
	recentDupe.Direction = domain.DirectionSent

	res, err := r.ReconcileCategorized(context.Background(), &provider.Categorized{
		Inbox:  []domain.Mail{inbox},
		Sent:   []domain.Mail{sent},
		Drafts: []domain.Mail{draft},
		Recent: []domain.Mail{recentDupe, recentOnly},
	})
	require.NoError(t, err)
	require.Equal(t, Result{Inserted: 4}, res)

	require.Equal(t, domain.DirectionReceived, e.mail(t, "in1").Direction, "inbox wins over recent")
	require.Equal(t, domain.DirectionSent, e.mail(t, "out1").Direction)
	require.False(t, e.mail(t, "out1").IsDraft())

	d := e.mail(t, "d1")
	require.True(t, d.IsDraft())
	require.Equal(t, "d1", d.DraftID())

	res, err = r.ReconcileCategorized(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestReconcileLabels(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := NewReconciler(e.db, e.opts)

	res, err := r.ReconcileLabels(ctx, []domain.Label{
		{ID: "INBOX", Name: "Inbox", IsSystem: true},
		{ID: "l1", Name: "Work", Color: "#2196F3"},
		{ID: "", Name: "broken"},
		{ID: "l2", Name: "Bad", Color: "blue"},
	})
	require.NoError(t, err)
	require.Equal(t, Result{Inserted: 2, Skipped: 2}, res)

	work, err := e.db.GetLabel(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, testOwner, work.OwnerID)
	require.Equal(t, domain.SyncStatusSynced, work.Sync.Status)

	// The server cannot flip an existing record's system flag.
	res, err = r.ReconcileLabels(ctx, []domain.Label{{ID: "INBOX", Name: "Inbox", IsSystem: false}})
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1}, res)
	inbox, err := e.db.GetLabel(ctx, "INBOX")
	require.NoError(t, err)
	require.True(t, inbox.IsSystem)
}

func TestReconcileLabels_ServerRenameReachesMail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedLabel(t, "l1", "Work", false)
	clean := serverMail("m1", "clean")
	clean.Labels = []string{"Inbox", "Work"}
	e.seed(t, clean)
	dirty := serverMail("m2", "dirty")
	dirty.Labels = []string{"Work"}
	e.seed(t, dirty)
	_, err := NewMailService(e.db, e.opts).SetStarred(ctx, "m2", true)
	require.NoError(t, err)
	before := e.mail(t, "m2").Sync

	res, err := NewReconciler(e.db, e.opts).ReconcileLabels(ctx, []domain.Label{{ID: "l1", Name: "Projects"}})
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1}, res)

	m1 := e.mail(t, "m1")
	require.Equal(t, []string{"Inbox", "Projects"}, m1.Labels)
	require.False(t, m1.Sync.NeedsSync, "the server already has the new name")

	m2 := e.mail(t, "m2")
	require.Equal(t, []string{"Projects"}, m2.Labels)
	require.True(t, m2.Sync.NeedsSync)
	require.True(t, m2.Sync.ChangedSince(before), "an in-flight push of the old name must not confirm")
}

func TestReconcileLabels_LocalDirtyWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedLabel(t, "l1", "Work", false)

	labels := NewLabelService(e.db, nil, e.opts)
	_, err := labels.SetLabelColor(ctx, "l1", "#000000")
	require.NoError(t, err)

	r := NewReconciler(e.db, e.opts)
	res, err := r.ReconcileLabels(ctx, []domain.Label{{ID: "l1", Name: "Work", Color: "#FFFFFF"}})
	require.NoError(t, err)
	require.Equal(t, Result{Kept: 1}, res)

	l, err := e.db.GetLabel(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, "#000000", l.Color)
	require.True(t, l.Sync.NeedsSync)
}

func TestReconcileLabels_AdoptsServerIDForSameName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedLabel(t, "system_inbox", "Inbox", true)

	r := NewReconciler(e.db, e.opts)
	res, err := r.ReconcileLabels(ctx, []domain.Label{{ID: "INBOX", Name: "Inbox"}})
	require.NoError(t, err)
	require.Equal(t, Result{Updated: 1}, res)

	_, err = e.db.GetLabel(ctx, "system_inbox")
	require.ErrorIs(t, err, domain.ErrNotFound)
	inbox, err := e.db.GetLabel(ctx, "INBOX")
	require.NoError(t, err)
	require.True(t, inbox.IsSystem, "system flag carried over from the local record")
}

func TestReconcileLabels_DirtyNameClashIsKept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	labels := NewLabelService(e.db, nil, e.opts)
	local, err := labels.CreateLabel(ctx, "Work", "")
	require.NoError(t, err)

	r := NewReconciler(e.db, e.opts)
	res, err := r.ReconcileLabels(ctx, []domain.Label{{ID: "srv-1", Name: "work"}})
	require.NoError(t, err)
	require.Equal(t, Result{Kept: 1}, res)

	_, err = e.db.GetLabel(ctx, local.ID)
	require.NoError(t, err)
	_, err = e.db.GetLabel(ctx, "srv-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyDeletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, serverMail("m1", "gone"))
	r := NewReconciler(e.db, e.opts)

	require.NoError(t, r.ApplyDeletion(ctx, "m1"))
	m := e.mail(t, "m1")
	require.True(t, m.IsDeleted)
	require.Equal(t, domain.SyncStatusSynced, m.Sync.Status)

	require.ErrorIs(t, r.ApplyDeletion(ctx, "missing"), domain.ErrNotFound)
}

func TestReconcile_RecordsMetrics(t *testing.T) {
	e := newEnv(t)
	m := metrics.New()
	opts := e.opts
	opts.Metrics = m

	r := NewReconciler(e.db, opts)
	_, err := r.Reconcile(context.Background(), []domain.Mail{serverMail("m1", "a"), serverMail("", "b")})
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Reconciled.WithLabelValues("mail", "inserted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reconciled.WithLabelValues("mail", "skipped")))
}
