package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// maxErrorBody bounds how much of a failed response is kept in a StatusError.
const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Logger            logrus.FieldLogger
}

// Client implements provider.Gateway over the service's JSON API.
type Client struct {
	baseURL *url.URL
	authed  *http.Client
	anon    *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// Compile-time interface compliance check.
var _ provider.Gateway = (*Client)(nil)

// New creates a client. Calls other than Login carry a bearer token from ts.
func New(opts Options, ts oauth2.TokenSource) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute: %w", opts.BaseURL, domain.ErrValidationFailure)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL: base,
		authed: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
		},
		anon:    &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log.WithField("pkg", "rest"),
	}, nil
}

// request describes one API call.
type request struct {
	op     string
	method string
	path   []string
	query  url.Values
	body   any
	anon   bool
}

// do performs the call and decodes a JSON answer into out when out is not nil.
func (c *Client) do(ctx context.Context, r request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %w", r.op, domain.ErrTransportFailure, err)
	}

	elems := make([]string, 0, len(r.path))
	for _, p := range r.path {
		elems = append(elems, url.PathEscape(p))
	}
	u := c.baseURL.JoinPath(elems...)
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", r.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.authed
	if r.anon {
		client = c.anon
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		c.log.WithField("op", r.op).WithError(err).Debug("Remote call failed")
		return fmt.Errorf("%s: %w: %w: %w", r.op, domain.ErrTransportFailure, provider.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"op":      r.op,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("Remote call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &provider.StatusError{Op: r.op, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w: %w", r.op, domain.ErrTransportFailure, err)
	}
	return nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*provider.Session, error) {
	var resp loginDTO
	err := c.do(ctx, request{
		op:     "login",
		method: http.MethodPost,
		path:   []string{"users", "login"},
		body:   map[string]string{"email": email, "password": password},
		anon:   true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return nil, fmt.Errorf("login: no token in response: %w", domain.ErrTransportFailure)
	}
	user := resp.User
	if user == nil {
		user = resp.Data
	}
	s := &provider.Session{AccessToken: token, ExpiresIn: resp.ExpiresIn}
	if user != nil {
		s.Profile = mapProfile(*user)
	}
	if s.Profile.Email == "" {
		s.Profile.Email = email
	}
	return s, nil
}

// GetProfile returns the signed-in user.
func (c *Client) GetProfile(ctx context.Context) (*domain.Profile, error) {
	var u userDTO
	if err := c.do(ctx, request{op: "get profile", method: http.MethodGet, path: []string{"users", "me"}}, &u); err != nil {
		return nil, err
	}
	p := mapProfile(u)
	return &p, nil
}

// FetchAll returns every mail the server groups into inbox, sent, drafts
// and recent.
func (c *Client) FetchAll(ctx context.Context) (*provider.Categorized, error) {
	var resp categorizedDTO
	if err := c.do(ctx, request{op: "fetch mail", method: http.MethodGet, path: []string{"mails"}}, &resp); err != nil {
		return nil, err
	}
	return mapCategorized(resp), nil
}

// GetMail returns a single mail by ID.
func (c *Client) GetMail(ctx context.Context, id string) (*domain.Mail, error) {
	var d mailDTO
	if err := c.do(ctx, request{op: "get mail", method: http.MethodGet, path: []string{"mails", id}}, &d); err != nil {
		return nil, err
	}
	m := mapMail(d)
	return &m, nil
}

// Search returns the mail matching the server-side query.
func (c *Client) Search(ctx context.Context, query string) ([]domain.Mail, error) {
	return c.listMail(ctx, "search mail", []string{"mails", "search"}, url.Values{"q": {query}})
}

// ListStarred returns the starred mail.
func (c *Client) ListStarred(ctx context.Context) ([]domain.Mail, error) {
	return c.listMail(ctx, "list starred", []string{"mails", "starred"}, nil)
}

// ListSpam returns the mail the server classified as spam.
func (c *Client) ListSpam(ctx context.Context) ([]domain.Mail, error) {
	return c.listMail(ctx, "list spam", []string{"mails", "spam"}, nil)
}

func (c *Client) listMail(ctx context.Context, op string, path []string, q url.Values) ([]domain.Mail, error) {
	var ds []mailDTO
	if err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, query: q}, &ds); err != nil {
		return nil, err
	}
	return mapMails(ds), nil
}

// ListByLabel returns the IDs of the mail carrying the label.
func (c *Client) ListByLabel(ctx context.Context, labelID string) ([]string, error) {
	var ids []string
	err := c.do(ctx, request{op: "list by label", method: http.MethodGet, path: []string{"labels", "by-label", labelID}}, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// sentDTO accepts a mail either bare or wrapped in {"mail": ...}.
type sentDTO struct {
	mailDTO
	Mail *mailDTO `json:"mail"`
}

func (s sentDTO) unwrap() domain.Mail {
	if s.Mail != nil {
		return mapMail(*s.Mail)
	}
	return mapMail(s.mailDTO)
}

// Send composes and sends a mail in one call.
func (c *Client) Send(ctx context.Context, mail provider.Outgoing) (*domain.Mail, error) {
	var resp sentDTO
	err := c.do(ctx, request{op: "send mail", method: http.MethodPost, path: []string{"mails"}, body: toOutgoingDTO(mail)}, &resp)
	if err != nil {
		return nil, err
	}
	m := resp.unwrap()
	m.Direction = domain.DirectionSent
	return &m, nil
}

// CreateDraft stores a new draft on the server and returns it with its
// server-assigned draft ID.
func (c *Client) CreateDraft(ctx context.Context, draft provider.Outgoing) (*domain.Mail, error) {
	var resp sentDTO
	err := c.do(ctx, request{op: "create draft", method: http.MethodPost, path: []string{"drafts"}, body: toOutgoingDTO(draft)}, &resp)
	if err != nil {
		return nil, err
	}
	m := resp.unwrap()
	if !m.IsDraft() {
		m.State = domain.Draft(m.ID)
	}
	return &m, nil
}

// UpdateDraft replaces the content of a draft.
func (c *Client) UpdateDraft(ctx context.Context, draftID string, draft provider.Outgoing) error {
	return c.do(ctx, request{op: "update draft", method: http.MethodPatch, path: []string{"drafts", draftID}, body: toOutgoingDTO(draft)}, nil)
}

// DeleteDraft discards a draft.
func (c *Client) DeleteDraft(ctx context.Context, draftID string) error {
	return c.do(ctx, request{op: "delete draft", method: http.MethodDelete, path: []string{"drafts", draftID}}, nil)
}

// SendDraft sends a stored draft and returns the resulting sent mail.
func (c *Client) SendDraft(ctx context.Context, draftID string) (*domain.Mail, error) {
	var resp sentDTO
	err := c.do(ctx, request{op: "send draft", method: http.MethodPost, path: []string{"drafts", draftID, "send"}}, &resp)
	if err != nil {
		return nil, err
	}
	m := resp.unwrap()
	m.State = domain.Final()
	m.Direction = domain.DirectionSent
	return &m, nil
}

func (c *Client) patchFlags(ctx context.Context, op, mailID string, flags flagsDTO) error {
	return c.do(ctx, request{op: op, method: http.MethodPatch, path: []string{"mails", mailID}, body: flags}, nil)
}

// SetRead marks a mail read or unread.
func (c *Client) SetRead(ctx context.Context, mailID string, read bool) error {
	return c.patchFlags(ctx, "set read", mailID, flagsDTO{IsRead: &read})
}

// SetStarred stars or unstars a mail.
func (c *Client) SetStarred(ctx context.Context, mailID string, starred bool) error {
	return c.patchFlags(ctx, "set starred", mailID, flagsDTO{IsStarred: &starred})
}

// Archive moves a mail in or out of the archive.
func (c *Client) Archive(ctx context.Context, mailID string, archived bool) error {
	return c.patchFlags(ctx, "archive", mailID, flagsDTO{IsArchived: &archived})
}

// DeleteMail deletes a mail on the server.
func (c *Client) DeleteMail(ctx context.Context, mailID string) error {
	return c.do(ctx, request{op: "delete mail", method: http.MethodDelete, path: []string{"mails", mailID}}, nil)
}

// ListLabels returns the label catalog.
func (c *Client) ListLabels(ctx context.Context) ([]domain.Label, error) {
	var ds []labelDTO
	if err := c.do(ctx, request{op: "list labels", method: http.MethodGet, path: []string{"labels"}}, &ds); err != nil {
		return nil, err
	}
	return mapLabels(ds), nil
}

// CreateLabel creates a user label.
func (c *Client) CreateLabel(ctx context.Context, name, color string) (*domain.Label, error) {
	var d labelDTO
	body := labelDTO{Name: name, Color: color}
	if err := c.do(ctx, request{op: "create label", method: http.MethodPost, path: []string{"labels"}, body: body}, &d); err != nil {
		return nil, err
	}
	l := mapLabel(d)
	return &l, nil
}

// UpdateLabel renames or recolors a label.
func (c *Client) UpdateLabel(ctx context.Context, id string, patch provider.LabelPatch) (*domain.Label, error) {
	var d labelDTO
	body := labelPatchDTO{Name: patch.Name, Color: patch.Color}
	if err := c.do(ctx, request{op: "update label", method: http.MethodPatch, path: []string{"labels", id}, body: body}, &d); err != nil {
		return nil, err
	}
	l := mapLabel(d)
	return &l, nil
}

// DeleteLabel deletes a user label.
func (c *Client) DeleteLabel(ctx context.Context, id string) error {
	return c.do(ctx, request{op: "delete label", method: http.MethodDelete, path: []string{"labels", id}}, nil)
}

// Tag attaches a label to a mail.
func (c *Client) Tag(ctx context.Context, mailID, labelID string) error {
	return c.do(ctx, request{op: "tag mail", method: http.MethodPost, path: []string{"labels", "tag"}, body: tagDTO{MailID: mailID, LabelID: labelID}}, nil)
}

// Untag removes a label from a mail.
func (c *Client) Untag(ctx context.Context, mailID, labelID string) error {
	return c.do(ctx, request{op: "untag mail", method: http.MethodPost, path: []string{"labels", "untag"}, body: tagDTO{MailID: mailID, LabelID: labelID}}, nil)
}
