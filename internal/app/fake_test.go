package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
	"github.com/lu-zhengda/mailsync/internal/store/sqlite"
)

const testOwner = "owner-1"

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the services under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	db     *sqlite.DB
	remote *fakeGateway
	clock  *clock
	opts   Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	c := &clock{now: t0}
	return &env{
		db:     db,
		remote: newFakeGateway(),
		clock:  c,
		opts: Options{
			OwnerID:     testOwner,
			RetryBudget: 2,
			Logger:      log,
			Now:         c.Now,
		},
	}
}

func serverMail(id, subject string) domain.Mail {
	return domain.Mail{
		ID:        id,
		Sender:    "alice@example.com",
		Recipient: "bob@example.com",
		Subject:   subject,
		Content:   "body of " + id,
		Timestamp: t0.Format(time.RFC3339),
		Direction: domain.DirectionReceived,
	}
}

// seed stores a clean copy of m as if an earlier refresh had fetched it.
func (e *env) seed(t *testing.T, m domain.Mail) *domain.Mail {
	t.Helper()
	m.LocalCreatedAt = e.clock.Now()
	m.LastModified = e.clock.Now()
	m.Sync = domain.Synced()
	require.NoError(t, e.db.UpsertMail(context.Background(), &m))
	return &m
}

func (e *env) seedLabel(t *testing.T, id, name string, system bool) *domain.Label {
	t.Helper()
	l := &domain.Label{
		ID:           id,
		Name:         name,
		OwnerID:      testOwner,
		IsSystem:     system,
		CreatedAt:    e.clock.Now(),
		LastModified: e.clock.Now(),
		Sync:         domain.Synced(),
	}
	require.NoError(t, e.db.UpsertLabel(context.Background(), l))
	return l
}

func (e *env) mail(t *testing.T, id string) *domain.Mail {
	t.Helper()
	m, err := e.db.GetMail(context.Background(), id)
	require.NoError(t, err)
	return m
}

// fakeGateway is an in-memory remote service.
type fakeGateway struct {
	mu     sync.Mutex
	mails  map[string]*domain.Mail
	labels map[string]*domain.Label
	fail   map[string]error
	hooks  map[string]func()
	calls  []string
	seq    int

	// categorized, when set, is returned by FetchAll instead of every
	// server mail listed as inbox.
	categorized *provider.Categorized
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		mails:  make(map[string]*domain.Mail),
		labels: make(map[string]*domain.Label),
		fail:   make(map[string]error),
		hooks:  make(map[string]func()),
	}
}

func notFound(op string) error {
	return &provider.StatusError{Op: op, Status: 404, Body: "not found"}
}

func (g *fakeGateway) failOn(op string, err error) {
	g.mu.Lock()
	g.fail[op] = err
	g.mu.Unlock()
}

// during runs fn once, the next time op is called and before op takes
// effect, to simulate local edits racing an in-flight push.
func (g *fakeGateway) during(op string, fn func()) {
	g.mu.Lock()
	g.hooks[op] = fn
	g.mu.Unlock()
}

func (g *fakeGateway) putMail(m domain.Mail) {
	g.mu.Lock()
	g.mails[m.ID] = m.Clone()
	g.mu.Unlock()
}

func (g *fakeGateway) putLabel(l domain.Label) {
	g.mu.Lock()
	g.labels[l.ID] = &l
	g.mu.Unlock()
}

func (g *fakeGateway) serverMail(id string) *domain.Mail {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.mails[id]; ok {
		return m.Clone()
	}
	return nil
}

func (g *fakeGateway) called(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == op {
			n++
		}
	}
	return n
}

// begin records the call, runs a pending hook for op and returns the
// injected error for op, if any. The caller must hold no lock.
func (g *fakeGateway) begin(op string) error {
	g.mu.Lock()
	g.calls = append(g.calls, op)
	err := g.fail[op]
	hook := g.hooks[op]
	delete(g.hooks, op)
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (g *fakeGateway) newID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%d", prefix, g.seq)
}

func (g *fakeGateway) labelName(id string) (string, bool) {
	l, ok := g.labels[id]
	if !ok {
		return "", false
	}
	return l.Name, true
}

func (g *fakeGateway) Login(_ context.Context, email, _ string) (*provider.Session, error) {
	if err := g.begin("Login"); err != nil {
		return nil, err
	}
	return &provider.Session{
		AccessToken: "token-" + email,
		ExpiresIn:   3600,
		Profile:     domain.Profile{ID: "user-1", Email: email, DisplayName: "Ada"},
	}, nil
}

func (g *fakeGateway) GetProfile(context.Context) (*domain.Profile, error) {
	if err := g.begin("GetProfile"); err != nil {
		return nil, err
	}
	return &domain.Profile{ID: "user-1", Email: "ada@example.com", DisplayName: "Ada L."}, nil
}

func (g *fakeGateway) FetchAll(context.Context) (*provider.Categorized, error) {
	if err := g.begin("FetchAll"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.categorized != nil {
		return g.categorized, nil
	}
	c := &provider.Categorized{}
	for _, m := range g.mails {
		c.Inbox = append(c.Inbox, *m.Clone())
	}
	return c, nil
}

func (g *fakeGateway) GetMail(_ context.Context, id string) (*domain.Mail, error) {
	if err := g.begin("GetMail"); err != nil {
		return nil, err
	}
	if m := g.serverMail(id); m != nil {
		return m, nil
	}
	return nil, notFound("get mail")
}

func (g *fakeGateway) Search(_ context.Context, query string) ([]domain.Mail, error) {
	if err := g.begin("Search"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Mail
	for _, m := range g.mails {
		if strings.Contains(m.Subject, query) {
			out = append(out, *m.Clone())
		}
	}
	return out, nil
}

func (g *fakeGateway) list(op string, keep func(*domain.Mail) bool) ([]domain.Mail, error) {
	if err := g.begin(op); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Mail
	for _, m := range g.mails {
		if keep(m) {
			out = append(out, *m.Clone())
		}
	}
	return out, nil
}

func (g *fakeGateway) ListStarred(context.Context) ([]domain.Mail, error) {
	return g.list("ListStarred", func(m *domain.Mail) bool { return m.IsStarred })
}

func (g *fakeGateway) ListSpam(context.Context) ([]domain.Mail, error) {
	return g.list("ListSpam", func(m *domain.Mail) bool { return m.HasLabel(domain.LabelSpam) })
}

func (g *fakeGateway) ListByLabel(_ context.Context, labelID string) ([]string, error) {
	if err := g.begin("ListByLabel"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.labelName(labelID)
	if !ok {
		return nil, notFound("list by label")
	}
	var ids []string
	for id, m := range g.mails {
		if m.HasLabel(name) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (g *fakeGateway) Send(_ context.Context, out provider.Outgoing) (*domain.Mail, error) {
	if err := g.begin("Send"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m := &domain.Mail{
		ID:         g.newID("sent"),
		Sender:     out.Sender,
		Recipients: out.Recipients,
		Subject:    out.Subject,
		Content:    out.Content,
		Labels:     out.Labels,
		Direction:  domain.DirectionSent,
		Timestamp:  t0.Format(time.RFC3339),
	}
	g.mails[m.ID] = m
	return m.Clone(), nil
}

func (g *fakeGateway) CreateDraft(_ context.Context, out provider.Outgoing) (*domain.Mail, error) {
	if err := g.begin("CreateDraft"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.newID("draft")
	m := &domain.Mail{
		ID:         id,
		Sender:     out.Sender,
		Recipients: out.Recipients,
		Subject:    out.Subject,
		Content:    out.Content,
		Direction:  domain.DirectionSent,
		State:      domain.Draft(id),
	}
	g.mails[id] = m
	return m.Clone(), nil
}

func (g *fakeGateway) UpdateDraft(_ context.Context, draftID string, out provider.Outgoing) error {
	if err := g.begin("UpdateDraft"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.mails[draftID]
	if !ok {
		return notFound("update draft")
	}
	m.Subject, m.Content, m.Recipients = out.Subject, out.Content, out.Recipients
	return nil
}

func (g *fakeGateway) DeleteDraft(_ context.Context, draftID string) error {
	if err := g.begin("DeleteDraft"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.mails[draftID]; !ok {
		return notFound("delete draft")
	}
	delete(g.mails, draftID)
	return nil
}

func (g *fakeGateway) SendDraft(_ context.Context, draftID string) (*domain.Mail, error) {
	if err := g.begin("SendDraft"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.mails[draftID]
	if !ok {
		return nil, notFound("send draft")
	}
	m.State = domain.Final()
	return m.Clone(), nil
}

func (g *fakeGateway) setFlag(op, id string, fn func(*domain.Mail)) error {
	if err := g.begin(op); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.mails[id]
	if !ok {
		return notFound(op)
	}
	fn(m)
	return nil
}

func (g *fakeGateway) SetRead(_ context.Context, id string, read bool) error {
	return g.setFlag("SetRead", id, func(m *domain.Mail) { m.IsRead = read })
}

func (g *fakeGateway) SetStarred(_ context.Context, id string, starred bool) error {
	return g.setFlag("SetStarred", id, func(m *domain.Mail) { m.IsStarred = starred })
}

func (g *fakeGateway) Archive(_ context.Context, id string, archived bool) error {
	return g.setFlag("Archive", id, func(m *domain.Mail) { m.IsArchived = archived })
}

func (g *fakeGateway) DeleteMail(_ context.Context, id string) error {
	if err := g.begin("DeleteMail"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.mails[id]; !ok {
		return notFound("delete mail")
	}
	delete(g.mails, id)
	return nil
}

func (g *fakeGateway) ListLabels(context.Context) ([]domain.Label, error) {
	if err := g.begin("ListLabels"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Label, 0, len(g.labels))
	for _, l := range g.labels {
		out = append(out, *l)
	}
	return out, nil
}

func (g *fakeGateway) CreateLabel(_ context.Context, name, color string) (*domain.Label, error) {
	if err := g.begin("CreateLabel"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l := &domain.Label{ID: g.newID("label"), Name: name, Color: color}
	g.labels[l.ID] = l
	c := *l
	return &c, nil
}

func (g *fakeGateway) UpdateLabel(_ context.Context, id string, patch provider.LabelPatch) (*domain.Label, error) {
	if err := g.begin("UpdateLabel"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.labels[id]
	if !ok {
		return nil, notFound("update label")
	}
	if patch.Name != nil {
		l.Name = *patch.Name
	}
	if patch.Color != nil {
		l.Color = *patch.Color
	}
	c := *l
	return &c, nil
}

func (g *fakeGateway) DeleteLabel(_ context.Context, id string) error {
	if err := g.begin("DeleteLabel"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.labels[id]; !ok {
		return notFound("delete label")
	}
	delete(g.labels, id)
	return nil
}

func (g *fakeGateway) tag(op, mailID, labelID string, fn func(*domain.Mail, string) bool) error {
	if err := g.begin(op); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.mails[mailID]
	if !ok {
		return notFound(op)
	}
	name, ok := g.labelName(labelID)
	if !ok {
		return notFound(op)
	}
	fn(m, name)
	return nil
}

func (g *fakeGateway) Tag(_ context.Context, mailID, labelID string) error {
	return g.tag("Tag", mailID, labelID, (*domain.Mail).AddLabel)
}

func (g *fakeGateway) Untag(_ context.Context, mailID, labelID string) error {
	return g.tag("Untag", mailID, labelID, (*domain.Mail).RemoveLabel)
}

var _ provider.Gateway = (*fakeGateway)(nil)

// memCreds is an in-memory Credentials.
type memCreds struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func (m *memCreds) SaveToken(owner string, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]*oauth2.Token)
	}
	m.tokens[owner] = tok
	return nil
}

func (m *memCreds) DeleteToken(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, owner)
	return nil
}
