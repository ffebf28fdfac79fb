package store

import (
	"context"
	"time"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// Store defines the persistence interface for the application. Every call
// is atomic on its own; no call spans several records transactionally
// except PurgeDeletedOlderThan.
type Store interface {
	// Mail
	UpsertMail(ctx context.Context, mail *domain.Mail) error
	GetMail(ctx context.Context, id string) (*domain.Mail, error)
	QueryMail(ctx context.Context, q MailQuery) ([]domain.Mail, error)
	CountMail(ctx context.Context, q MailQuery) (int, error)
	SoftDeleteMail(ctx context.Context, id string, at time.Time) error
	RestoreMail(ctx context.Context, id string, at time.Time) error
	DeleteMail(ctx context.Context, id string) error
	PurgeDeletedOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Labels
	UpsertLabel(ctx context.Context, label *domain.Label) error
	GetLabel(ctx context.Context, id string) (*domain.Label, error)
	GetLabelByName(ctx context.Context, ownerID, name string) (*domain.Label, error)
	ListLabels(ctx context.Context, q LabelQuery) ([]domain.Label, error)
	DeleteLabel(ctx context.Context, id string) error

	// Profile
	SaveProfile(ctx context.Context, profile *domain.Profile) error
	GetProfile(ctx context.Context) (*domain.Profile, error)
	ClearProfile(ctx context.Context) error

	// Sync state
	GetSyncState(ctx context.Context, ownerID string) (*SyncState, error)
	SetSyncState(ctx context.Context, state *SyncState) error

	// Lifecycle
	Close() error
}

// Folder selects one of the fixed mail views.
type Folder string

const (
	FolderAll      Folder = ""
	FolderInbox    Folder = "inbox"
	FolderSent     Folder = "sent"
	FolderDrafts   Folder = "drafts"
	FolderStarred  Folder = "starred"
	FolderArchived Folder = "archived"
	FolderUnread   Folder = "unread"
	FolderTrash    Folder = "trash"
)

// ParseFolder validates a folder name given on the command line.
func ParseFolder(s string) (Folder, bool) {
	switch f := Folder(s); f {
	case FolderAll, FolderInbox, FolderSent, FolderDrafts, FolderStarred,
		FolderArchived, FolderUnread, FolderTrash:
		return f, true
	}
	if s == "all" {
		return FolderAll, true
	}
	return "", false
}

// MailQuery is the predicate for QueryMail. Zero-valued fields match
// everything. Soft-deleted mail is excluded unless IncludeDeleted is set or
// the folder is FolderTrash.
type MailQuery struct {
	Folder Folder
	Label  string
	// Text matches subject, content, sender and recipient.
	Text   string
	Sender string
	// Since and Until bound the ISO-8601 timestamp, inclusive.
	Since string
	Until string

	NeedsSync *bool
	Status    domain.SyncStatus

	IncludeDeleted bool
	Ascending      bool
	Limit          int
	Offset         int
}

// LabelQuery filters ListLabels.
type LabelQuery struct {
	OwnerID   string
	System    *bool
	NeedsSync *bool
}

// SyncState tracks refresh progress for an owner.
type SyncState struct {
	OwnerID             string
	LastSync            time.Time
	LastAttempt         time.Time
	ConsecutiveFailures int
}

// Bool returns a pointer to b, for the optional query fields.
func Bool(b bool) *bool { return &b }
