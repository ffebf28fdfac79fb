package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// DraftState is either Final or Draft{id}. The zero value is Final, and a
// draft always carries its id, so "draft without id" cannot be expressed.
type DraftState struct {
	draftID string
}

// Final returns the state of a mail that is not a draft.
func Final() DraftState { return DraftState{} }

// Draft returns the state of an unsent draft. An empty id yields Final.
func Draft(id string) DraftState { return DraftState{draftID: id} }

func (s DraftState) IsDraft() bool   { return s.draftID != "" }
func (s DraftState) DraftID() string { return s.draftID }

// Mail is a locally persisted mail item.
type Mail struct {
	ID         string
	Sender     string
	Recipient  string
	Recipients []string
	Subject    string
	Content    string
	// Timestamp is the ISO-8601 time reported by the server; it orders lists.
	Timestamp string
	Labels    []string
	Direction Direction

	IsRead     bool
	IsStarred  bool
	IsArchived bool
	IsDeleted  bool
	State      DraftState

	LocalCreatedAt time.Time
	LastModified   time.Time

	Sync SyncMeta
}

func (m *Mail) IsDraft() bool   { return m.State.IsDraft() }
func (m *Mail) DraftID() string { return m.State.DraftID() }

// HasLabel reports whether the mail carries the label name. Label names are
// unique per owner regardless of case, so the comparison ignores case.
func (m *Mail) HasLabel(name string) bool {
	return m.labelIndex(name) >= 0
}

func (m *Mail) labelIndex(name string) int {
	for i, l := range m.Labels {
		if strings.EqualFold(l, name) {
			return i
		}
	}
	return -1
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// AddLabel inserts name into the label set. It reports whether the set changed.
func (m *Mail) AddLabel(name string) bool {
	if m.HasLabel(name) {
		return false
	}
	m.Labels = append(m.Labels, name)
	slices.SortFunc(m.Labels, compareFold)
	return true
}

// RemoveLabel deletes name from the label set. It reports whether the set changed.
func (m *Mail) RemoveLabel(name string) bool {
	i := m.labelIndex(name)
	if i < 0 {
		return false
	}
	m.Labels = slices.Delete(m.Labels, i, i+1)
	return true
}

// touch records a local mutation at the given time.
func (m *Mail) touch(at time.Time) {
	if at.After(m.LastModified) {
		m.LastModified = at
	}
	m.Sync.MarkDirty()
}

// Touch marks the record dirty without changing any content field. It is
// used after label set edits, which go through AddLabel/RemoveLabel.
func (m *Mail) Touch(at time.Time) { m.touch(at) }

func (m *Mail) MarkRead(at time.Time) {
	m.IsRead = true
	m.touch(at)
}

func (m *Mail) MarkUnread(at time.Time) {
	m.IsRead = false
	m.touch(at)
}

func (m *Mail) SetStarred(starred bool, at time.Time) {
	m.IsStarred = starred
	m.touch(at)
}

func (m *Mail) ToggleStar(at time.Time) {
	m.SetStarred(!m.IsStarred, at)
}

func (m *Mail) SetArchived(archived bool, at time.Time) {
	m.IsArchived = archived
	m.touch(at)
}

func (m *Mail) SoftDelete(at time.Time) {
	m.IsDeleted = true
	m.touch(at)
}

func (m *Mail) Restore(at time.Time) {
	m.IsDeleted = false
	m.touch(at)
}

// EditDraft replaces the editable fields of a draft.
func (m *Mail) EditDraft(edit DraftContent, at time.Time) error {
	if !m.IsDraft() {
		return fmt.Errorf("mail %s is not a draft: %w", m.ID, ErrValidationFailure)
	}
	edit.apply(m)
	m.touch(at)
	return nil
}

// ConfirmSent converts a draft into a sent mail once the server accepted it.
// The draft id is dropped in the same write that clears the draft state.
func (m *Mail) ConfirmSent(at time.Time) {
	m.State = Final()
	m.Direction = DirectionSent
	if at.After(m.LastModified) {
		m.LastModified = at
	}
	m.Sync.MarkSynced()
}

// Validate checks the fields every stored mail must carry.
func (m *Mail) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("mail without id: %w", ErrMalformedRecord)
	}
	switch m.Direction {
	case DirectionSent, DirectionReceived:
	default:
		return fmt.Errorf("mail %s has direction %q: %w", m.ID, m.Direction, ErrValidationFailure)
	}
	if err := m.Sync.Validate(); err != nil {
		return fmt.Errorf("mail %s: %w", m.ID, err)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the store.
func (m *Mail) Clone() *Mail {
	c := *m
	c.Recipients = slices.Clone(m.Recipients)
	c.Labels = slices.Clone(m.Labels)
	return &c
}

// DraftContent is the caller-editable part of a draft.
type DraftContent struct {
	Sender     string
	Recipients []string
	Subject    string
	Content    string
	Labels     []string
}

func (d DraftContent) apply(m *Mail) {
	m.Sender = d.Sender
	m.Recipients = slices.Clone(d.Recipients)
	m.Recipient = ""
	if len(d.Recipients) > 0 {
		m.Recipient = d.Recipients[0]
	}
	m.Subject = d.Subject
	m.Content = d.Content
	m.Labels = nil
	for _, l := range d.Labels {
		m.AddLabel(l)
	}
}

// Validate rejects drafts that cannot be sent.
func (d DraftContent) Validate() error {
	if len(d.Recipients) == 0 {
		return fmt.Errorf("draft needs at least one recipient: %w", ErrValidationFailure)
	}
	for _, r := range d.Recipients {
		if !strings.Contains(r, "@") {
			return fmt.Errorf("invalid recipient %q: %w", r, ErrValidationFailure)
		}
	}
	return nil
}

// NewDraft builds a local draft record. The draft id doubles as the record
// id until the server assigns one.
func NewDraft(draftID string, content DraftContent, at time.Time) *Mail {
	m := &Mail{
		ID:             draftID,
		Direction:      DirectionSent,
		State:          Draft(draftID),
		Timestamp:      at.UTC().Format(time.RFC3339),
		LocalCreatedAt: at,
		LastModified:   at,
		IsRead:         true,
	}
	content.apply(m)
	m.Sync.MarkDirty()
	return m
}
