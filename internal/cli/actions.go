package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// composeFlags are the message fields shared by send and the draft commands.
type composeFlags struct {
	from, to, subject, body, labels string
}

func (f *composeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "sender address (defaults to the profile email)")
	cmd.Flags().StringVar(&f.to, "to", "", "recipient addresses (comma-separated)")
	cmd.Flags().StringVar(&f.subject, "subject", "", "subject")
	cmd.Flags().StringVar(&f.body, "body", "", "body (use '-' to read from stdin)")
	cmd.Flags().StringVar(&f.labels, "labels", "", "label names (comma-separated)")
}

// content builds the draft content, reading the body from stdin for "-" and
// defaulting the sender to the cached profile.
func (f *composeFlags) content(rt *runtime, cmd *cobra.Command) (domain.DraftContent, error) {
	body := f.body
	if body == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return domain.DraftContent{}, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		body = string(b)
	}
	from := f.from
	if from == "" {
		if p, err := rt.db.GetProfile(cmd.Context()); err == nil {
			from = p.Email
		}
	}
	return domain.DraftContent{
		Sender:     from,
		Recipients: splitTrim(f.to),
		Subject:    f.subject,
		Content:    body,
		Labels:     splitTrim(f.labels),
	}, nil
}

func newSendCmd() *cobra.Command {
	var f composeFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Compose and send a mail",
		Long:  "Send a mail right away. Sending needs the server; use 'mailsync draft save' to compose offline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.to == "" {
				return fmt.Errorf("--to is required")
			}

			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			content, err := f.content(rt, cmd)
			if err != nil {
				return err
			}
			sent, err := rt.sync().Send(cmd.Context(), content)
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "send", MailID: sent.ID}, "Mail sent.")
		},
	}

	f.register(cmd)
	return cmd
}

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Manage drafts",
	}
	cmd.AddCommand(newDraftSaveCmd())
	cmd.AddCommand(newDraftEditCmd())
	cmd.AddCommand(newDraftDiscardCmd())
	cmd.AddCommand(newDraftSendCmd())
	return cmd
}

func newDraftSaveCmd() *cobra.Command {
	var f composeFlags

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a new draft locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			content, err := f.content(rt, cmd)
			if err != nil {
				return err
			}
			d, err := rt.mail().SaveDraft(cmd.Context(), content)
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "draft-save", MailID: d.ID}, fmt.Sprintf("Draft saved: %s", d.ID))
		},
	}

	f.register(cmd)
	return cmd
}

func newDraftEditCmd() *cobra.Command {
	var f composeFlags

	cmd := &cobra.Command{
		Use:   "edit <draft-id>",
		Short: "Replace the content of a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.mail()
			current, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			content, err := f.content(rt, cmd)
			if err != nil {
				return err
			}
			mergeDraft(&content, current, cmd)

			d, err := svc.UpdateDraft(cmd.Context(), args[0], content)
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "draft-edit", MailID: d.ID}, "Draft updated.")
		},
	}

	f.register(cmd)
	return cmd
}

// mergeDraft keeps the current value of every field whose flag was not given.
func mergeDraft(c *domain.DraftContent, current *domain.Mail, cmd *cobra.Command) {
	if !cmd.Flags().Changed("from") {
		c.Sender = current.Sender
	}
	if !cmd.Flags().Changed("to") {
		c.Recipients = current.Recipients
	}
	if !cmd.Flags().Changed("subject") {
		c.Subject = current.Subject
	}
	if !cmd.Flags().Changed("body") {
		c.Content = current.Content
	}
	if !cmd.Flags().Changed("labels") {
		c.Labels = current.Labels
	}
}

func newDraftDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <draft-id>",
		Short: "Discard a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.mail().DiscardDraft(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "draft-discard", MailID: args[0]}, "Draft discarded.")
		},
	}
}

func newDraftSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <draft-id>",
		Short: "Send a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			sent, err := rt.sync().SendDraft(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "draft-send", MailID: sent.ID}, "Draft sent.")
		},
	}
}

func newTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <mail-id> <label-id>",
		Short: "Add a label to a mail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.labels().Tag(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "tag", MailID: args[0], LabelID: args[1]}, "Label added.")
		},
	}
}

func newUntagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "untag <mail-id> <label-id>",
		Short: "Remove a label from a mail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.labels().Untag(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "untag", MailID: args[0], LabelID: args[1]}, "Label removed.")
		},
	}
}

// splitTrim splits by comma and trims whitespace, dropping empty parts.
func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
