package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// Categorized is the fetch-all payload: the server groups mail by view.
// A mail may appear in more than one list.
type Categorized struct {
	Inbox  []domain.Mail
	Sent   []domain.Mail
	Drafts []domain.Mail
	Recent []domain.Mail
}

// Outgoing is a mail composed for immediate send.
type Outgoing struct {
	Sender     string
	Recipients []string
	Subject    string
	Content    string
	Labels     []string
}

// LabelPatch carries the label fields to change. Nil fields are left as is.
type LabelPatch struct {
	Name  *string
	Color *string
}

// Session is the result of a successful login.
type Session struct {
	AccessToken string
	// ExpiresIn is the token lifetime in seconds, zero if the server did not say.
	ExpiresIn int64
	Profile   domain.Profile
}

// Gateway is the remote mail service. Every method returns a
// *StatusError (matching domain.ErrTransportFailure) when the server
// answers with a non-2xx status, and a wrapped ErrTransportFailure when
// the call did not complete at all.
type Gateway interface {
	Login(ctx context.Context, email, password string) (*Session, error)
	GetProfile(ctx context.Context) (*domain.Profile, error)

	FetchAll(ctx context.Context) (*Categorized, error)
	GetMail(ctx context.Context, id string) (*domain.Mail, error)
	Search(ctx context.Context, query string) ([]domain.Mail, error)
	ListStarred(ctx context.Context) ([]domain.Mail, error)
	ListSpam(ctx context.Context) ([]domain.Mail, error)
	// ListByLabel returns the ids of the mail carrying the label.
	ListByLabel(ctx context.Context, labelID string) ([]string, error)

	Send(ctx context.Context, mail Outgoing) (*domain.Mail, error)
	CreateDraft(ctx context.Context, draft Outgoing) (*domain.Mail, error)
	UpdateDraft(ctx context.Context, draftID string, draft Outgoing) error
	DeleteDraft(ctx context.Context, draftID string) error
	SendDraft(ctx context.Context, draftID string) (*domain.Mail, error)

	SetRead(ctx context.Context, mailID string, read bool) error
	SetStarred(ctx context.Context, mailID string, starred bool) error
	Archive(ctx context.Context, mailID string, archived bool) error
	DeleteMail(ctx context.Context, mailID string) error

	ListLabels(ctx context.Context) ([]domain.Label, error)
	CreateLabel(ctx context.Context, name, color string) (*domain.Label, error)
	UpdateLabel(ctx context.Context, id string, patch LabelPatch) (*domain.Label, error)
	DeleteLabel(ctx context.Context, id string) error
	Tag(ctx context.Context, mailID, labelID string) error
	Untag(ctx context.Context, mailID, labelID string) error
}

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Body)
}

// Is makes every StatusError match domain.ErrTransportFailure, and a 404
// additionally match domain.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case domain.ErrTransportFailure:
		return true
	case domain.ErrNotFound:
		return e.Status == 404
	}
	return false
}

// ErrUnreachable marks a call that got no answer from the server: no
// network, DNS failure, refused connection or timeout. It is always
// wrapped together with domain.ErrTransportFailure.
var ErrUnreachable = errors.New("server unreachable")

// IsUnauthorized reports whether err is a 401 from the remote service.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == 401
}
