package cli

import (
	"time"

	"github.com/lu-zhengda/mailsync/internal/app"
	"github.com/lu-zhengda/mailsync/internal/domain"
)

// ---------------------------------------------------------------------------
// Mail JSON types (list, read, search, pending)
// ---------------------------------------------------------------------------

type jsonMail struct {
	ID         string   `json:"id"`
	From       string   `json:"from"`
	To         []string `json:"to,omitempty"`
	Subject    string   `json:"subject"`
	Timestamp  string   `json:"timestamp"`
	Direction  string   `json:"direction"`
	Labels     []string `json:"labels,omitempty"`
	IsRead     bool     `json:"is_read"`
	IsStarred  bool     `json:"is_starred"`
	IsArchived bool     `json:"is_archived"`
	IsDeleted  bool     `json:"is_deleted,omitempty"`
	DraftID    string   `json:"draft_id,omitempty"`
	SyncStatus string   `json:"sync_status"`
	NeedsSync  bool     `json:"needs_sync"`
}

type jsonMailDetail struct {
	jsonMail
	Content      string `json:"content"`
	LastModified string `json:"last_modified"`
	Attempts     int    `json:"attempts,omitempty"`
}

func toJSONMail(m *domain.Mail) jsonMail {
	return jsonMail{
		ID:         m.ID,
		From:       m.Sender,
		To:         recipients(m),
		Subject:    m.Subject,
		Timestamp:  m.Timestamp,
		Direction:  string(m.Direction),
		Labels:     m.Labels,
		IsRead:     m.IsRead,
		IsStarred:  m.IsStarred,
		IsArchived: m.IsArchived,
		IsDeleted:  m.IsDeleted,
		DraftID:    m.DraftID(),
		SyncStatus: string(m.Sync.Status),
		NeedsSync:  m.Sync.NeedsSync,
	}
}

func toJSONMails(mails []domain.Mail) []jsonMail {
	out := make([]jsonMail, 0, len(mails))
	for i := range mails {
		out = append(out, toJSONMail(&mails[i]))
	}
	return out
}

func toJSONMailDetail(m *domain.Mail) jsonMailDetail {
	return jsonMailDetail{
		jsonMail:     toJSONMail(m),
		Content:      m.Content,
		LastModified: m.LastModified.Format(time.RFC3339),
		Attempts:     m.Sync.Attempts,
	}
}

// recipients returns the recipient list, falling back to the single
// recipient field the server fills for received mail.
func recipients(m *domain.Mail) []string {
	if len(m.Recipients) > 0 {
		return m.Recipients
	}
	if m.Recipient != "" {
		return []string{m.Recipient}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Label JSON type (labels)
// ---------------------------------------------------------------------------

type jsonLabel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	System     bool   `json:"system"`
	SyncStatus string `json:"sync_status"`
	NeedsSync  bool   `json:"needs_sync"`
}

func toJSONLabel(l *domain.Label) jsonLabel {
	return jsonLabel{
		ID:         l.ID,
		Name:       l.Name,
		Color:      l.Color,
		System:     l.IsSystem,
		SyncStatus: string(l.Sync.Status),
		NeedsSync:  l.Sync.NeedsSync,
	}
}

func toJSONLabels(labels []domain.Label) []jsonLabel {
	out := make([]jsonLabel, 0, len(labels))
	for i := range labels {
		out = append(out, toJSONLabel(&labels[i]))
	}
	return out
}

// ---------------------------------------------------------------------------
// Account JSON types (profile, status)
// ---------------------------------------------------------------------------

type jsonProfile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

func toJSONProfile(p *domain.Profile, owner string) jsonProfile {
	return jsonProfile{ID: p.ID, Email: p.Email, DisplayName: p.DisplayName, Owner: owner}
}

type jsonStatus struct {
	Owner               string `json:"owner"`
	LastSync            string `json:"last_sync,omitempty"`
	LastAttempt         string `json:"last_attempt,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Pending             int    `json:"pending"`
	Failed              int    `json:"failed"`
}

func toJSONStatus(s *app.Status) jsonStatus {
	return jsonStatus{
		Owner:               s.State.OwnerID,
		LastSync:            formatTime(s.State.LastSync),
		LastAttempt:         formatTime(s.State.LastAttempt),
		ConsecutiveFailures: s.State.ConsecutiveFailures,
		Pending:             s.Pending,
		Failed:              s.Failed,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Sync JSON type (sync, push)
// ---------------------------------------------------------------------------

type jsonSync struct {
	OK         bool `json:"ok"`
	Pushed     int  `json:"pushed"`
	Failed     int  `json:"failed"`
	Superseded int  `json:"superseded"`
	Inserted   int  `json:"inserted"`
	Updated    int  `json:"updated"`
	Kept       int  `json:"kept"`
	Skipped    int  `json:"skipped"`
}

func toJSONSync(p app.PushResult, r app.Result) jsonSync {
	return jsonSync{
		OK:         true,
		Pushed:     p.Pushed,
		Failed:     p.Failed,
		Superseded: p.Superseded,
		Inserted:   r.Inserted,
		Updated:    r.Updated,
		Kept:       r.Kept,
		Skipped:    r.Skipped,
	}
}

// ---------------------------------------------------------------------------
// Action JSON type (star, archive, delete, tag, send, etc.)
// ---------------------------------------------------------------------------

type jsonAction struct {
	OK      bool   `json:"ok"`
	Action  string `json:"action"`
	MailID  string `json:"mail_id,omitempty"`
	LabelID string `json:"label_id,omitempty"`
	Count   int    `json:"count,omitempty"`
}
