package rest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/provider"
)

// mailDTO is a mail as the server encodes it.
type mailDTO struct {
	ID         string     `json:"id"`
	Sender     string     `json:"sender"`
	Recipient  string     `json:"recipient"`
	Recipients []string   `json:"recipients"`
	Subject    *string    `json:"subject"`
	Content    *string    `json:"content"`
	Timestamp  string     `json:"timestamp"`
	Labels     []labelRef `json:"labels"`
	Direction  string     `json:"direction"`
	IsRead     bool       `json:"isRead"`
	IsStarred  bool       `json:"isStarred"`
	IsArchived bool       `json:"isArchived"`
	IsDeleted  bool       `json:"isDeleted"`
	DraftID    string     `json:"draftId,omitempty"`
}

// labelRef is a label attached to a mail. The server sends either a bare
// name or a {id, name} object.
type labelRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (l *labelRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		l.ID, l.Name = s, s
		return nil
	}
	type plain labelRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = labelRef(p)
	if l.Name == "" {
		l.Name = l.ID
	}
	return nil
}

type labelDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	IsSystem  bool   `json:"isSystem"`
	IsDefault bool   `json:"isDefault"`
	OwnerID   string `json:"userId,omitempty"`
}

type userDTO struct {
	ID             string `json:"id"`
	MongoID        string `json:"_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	ProfileImage   string `json:"profileImage"`
	ProfilePicture string `json:"profilePicture"`
}

type categorizedDTO struct {
	Inbox  []mailDTO `json:"inbox"`
	Sent   []mailDTO `json:"sent"`
	Drafts []mailDTO `json:"drafts"`
	Recent []mailDTO `json:"recent_mails"`
}

type loginDTO struct {
	Token       string   `json:"token"`
	AccessToken string   `json:"accessToken"`
	ExpiresIn   int64    `json:"expiresIn"`
	User        *userDTO `json:"user"`
	Data        *userDTO `json:"data"`
}

type outgoingDTO struct {
	Sender     string   `json:"sender,omitempty"`
	Recipient  string   `json:"recipient,omitempty"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Content    string   `json:"content"`
	Labels     []string `json:"labels,omitempty"`
}

type labelPatchDTO struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

type tagDTO struct {
	MailID  string `json:"mailId"`
	LabelID string `json:"labelId"`
}

type flagsDTO struct {
	IsRead     *bool `json:"isRead,omitempty"`
	IsStarred  *bool `json:"isStarred,omitempty"`
	IsArchived *bool `json:"isArchived,omitempty"`
}

// mapMail converts a server mail into a domain Mail. Sync fields are left
// zero; the reconciler owns them.
func mapMail(d mailDTO) domain.Mail {
	m := domain.Mail{
		ID:         d.ID,
		Sender:     d.Sender,
		Recipient:  d.Recipient,
		Recipients: d.Recipients,
		Timestamp:  d.Timestamp,
		Direction:  parseDirection(d.Direction),
		IsRead:     d.IsRead,
		IsStarred:  d.IsStarred,
		IsArchived: d.IsArchived,
		IsDeleted:  d.IsDeleted,
		State:      domain.Draft(d.DraftID),
	}
	if d.Subject != nil {
		m.Subject = *d.Subject
	}
	if d.Content != nil {
		m.Content = *d.Content
	}
	if m.Recipient == "" && len(m.Recipients) > 0 {
		m.Recipient = m.Recipients[0]
	}
	for _, l := range d.Labels {
		if l.Name != "" {
			m.AddLabel(l.Name)
		}
	}
	return m
}

func mapMails(ds []mailDTO) []domain.Mail {
	if len(ds) == 0 {
		return nil
	}
	out := make([]domain.Mail, 0, len(ds))
	for _, d := range ds {
		out = append(out, mapMail(d))
	}
	return out
}

// parseDirection accepts the server's direction field. Anything but
// "sent" counts as received.
func parseDirection(s string) domain.Direction {
	if strings.EqualFold(s, string(domain.DirectionSent)) {
		return domain.DirectionSent
	}
	return domain.DirectionReceived
}

func mapCategorized(d categorizedDTO) *provider.Categorized {
	return &provider.Categorized{
		Inbox:  mapMails(d.Inbox),
		Sent:   mapMails(d.Sent),
		Drafts: mapMails(d.Drafts),
		Recent: mapMails(d.Recent),
	}
}

func mapLabel(d labelDTO) domain.Label {
	return domain.Label{
		ID:        d.ID,
		Name:      d.Name,
		OwnerID:   d.OwnerID,
		Color:     d.Color,
		IsSystem:  d.IsSystem || (domain.IsSystemLabelName(d.Name) && d.ID == d.Name),
		IsDefault: d.IsDefault,
	}
}

func mapLabels(ds []labelDTO) []domain.Label {
	out := make([]domain.Label, 0, len(ds))
	for _, d := range ds {
		out = append(out, mapLabel(d))
	}
	return out
}

func mapProfile(d userDTO) domain.Profile {
	p := domain.Profile{
		ID:        d.ID,
		Email:     d.Email,
		AvatarRef: d.ProfileImage,
	}
	if p.ID == "" {
		p.ID = d.MongoID
	}
	if p.AvatarRef == "" {
		p.AvatarRef = d.ProfilePicture
	}
	switch {
	case strings.TrimSpace(d.Name) != "":
		p.DisplayName = d.Name
	default:
		p.DisplayName = strings.TrimSpace(d.FirstName + " " + d.LastName)
	}
	if p.DisplayName == "" {
		p.DisplayName = d.Email
	}
	return p
}

func toOutgoingDTO(o provider.Outgoing) outgoingDTO {
	d := outgoingDTO{
		Sender:     o.Sender,
		Recipients: o.Recipients,
		Subject:    o.Subject,
		Content:    o.Content,
		Labels:     o.Labels,
	}
	if d.Recipients == nil {
		d.Recipients = []string{}
	}
	if len(o.Recipients) > 0 {
		d.Recipient = o.Recipients[0]
	}
	return d
}
