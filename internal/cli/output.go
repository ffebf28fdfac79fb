package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// printJSON encodes v as indented JSON to stdout.
func printJSON(v any) error {
	return fprintJSON(os.Stdout, v)
}

// fprintJSON encodes v as indented JSON to w.
func fprintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// printAction reports a finished mutation as JSON or as msg.
func printAction(a jsonAction, msg string) error {
	if jsonFlag {
		a.OK = true
		return printJSON(a)
	}
	fmt.Println(msg)
	return nil
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// flags renders the per-mail markers of the list view: unread, starred
// and unpushed.
func flags(m *domain.Mail) string {
	b := []byte("   ")
	if !m.IsRead {
		b[0] = '*'
	}
	if m.IsStarred {
		b[1] = 's'
	}
	switch {
	case m.Sync.Status == domain.SyncStatusFailed:
		b[2] = '!'
	case m.Sync.NeedsSync:
		b[2] = '~'
	}
	return string(b)
}

// shortDate renders an ISO-8601 timestamp for tables, keeping the raw
// value when it does not parse.
func shortDate(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Format("Jan 2, 2006")
}

// ago renders t relative to now, or "never" for the zero time.
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// writeMailTable prints mail as a table with one row per record.
func writeMailTable(w io.Writer, mails []domain.Mail) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLAGS\tFROM\tSUBJECT\tDATE\tID")
	for i := range mails {
		m := &mails[i]
		from := m.Sender
		if m.Direction == domain.DirectionSent {
			from = "to: " + strings.Join(recipients(m), ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			flags(m),
			truncate(from, 30),
			truncate(m.Subject, 50),
			shortDate(m.Timestamp),
			m.ID,
		)
	}
	return tw.Flush()
}

// writeMail prints a single mail with headers and content.
func writeMail(w io.Writer, m *domain.Mail) {
	fmt.Fprintf(w, "Subject: %s\n", m.Subject)
	fmt.Fprintf(w, "From: %s\n", m.Sender)
	if to := recipients(m); len(to) > 0 {
		fmt.Fprintf(w, "To: %s\n", strings.Join(to, ", "))
	}
	fmt.Fprintf(w, "Date: %s\n", m.Timestamp)
	if len(m.Labels) > 0 {
		fmt.Fprintf(w, "Labels: %s\n", strings.Join(m.Labels, ", "))
	}
	fmt.Fprintf(w, "ID: %s\n", m.ID)
	if m.IsDraft() {
		fmt.Fprintf(w, "Draft: %s\n", m.DraftID())
	}
	fmt.Fprintf(w, "Sync: %s", m.Sync.Status)
	if m.Sync.NeedsSync {
		fmt.Fprintf(w, " (unpushed, %d attempts)", m.Sync.Attempts)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintln(w, m.Content)
}
