package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// System label names, seeded into an empty catalog.
const (
	LabelInbox  = "Inbox"
	LabelSent   = "Sent"
	LabelSpam   = "Spam"
	LabelTrash  = "Trash"
	LabelDrafts = "Drafts"
)

// SystemLabelNames lists the labels owned by the remote service.
var SystemLabelNames = []string{LabelInbox, LabelSent, LabelSpam, LabelTrash, LabelDrafts}

// IsSystemLabelName reports whether name is one of the system label names.
func IsSystemLabelName(name string) bool {
	for _, n := range SystemLabelNames {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

type Label struct {
	ID        string
	Name      string
	OwnerID   string
	Color     string
	IsSystem  bool
	IsDefault bool

	CreatedAt    time.Time
	LastModified time.Time

	Sync SyncMeta
}

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// ValidateColor accepts an empty color or a #RRGGBB hex string.
func ValidateColor(color string) error {
	if color == "" || colorPattern.MatchString(color) {
		return nil
	}
	return fmt.Errorf("color %q is not #RRGGBB: %w", color, ErrValidationFailure)
}

// ValidateLabelName rejects blank names.
func ValidateLabelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("label name must not be empty: %w", ErrValidationFailure)
	}
	return nil
}

// Rename changes a user label's name. System labels refuse.
func (l *Label) Rename(name string, at time.Time) error {
	if l.IsSystem {
		return fmt.Errorf("rename label %s: %w", l.ID, ErrProtectedEntity)
	}
	if err := ValidateLabelName(name); err != nil {
		return err
	}
	l.Name = strings.TrimSpace(name)
	l.touch(at)
	return nil
}

func (l *Label) SetColor(color string, at time.Time) error {
	if err := ValidateColor(color); err != nil {
		return err
	}
	l.Color = color
	l.touch(at)
	return nil
}

func (l *Label) touch(at time.Time) {
	if at.After(l.LastModified) {
		l.LastModified = at
	}
	l.Sync.MarkDirty()
}

// Validate checks the fields every stored label must carry.
func (l *Label) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("label without id: %w", ErrMalformedRecord)
	}
	if err := ValidateLabelName(l.Name); err != nil {
		return fmt.Errorf("label %s: %w", l.ID, err)
	}
	if err := ValidateColor(l.Color); err != nil {
		return fmt.Errorf("label %s: %w", l.ID, err)
	}
	if err := l.Sync.Validate(); err != nil {
		return fmt.Errorf("label %s: %w", l.ID, err)
	}
	return nil
}
