package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/store"
)

func newListCmd() *cobra.Command {
	var folderFlag, labelFlag, textFlag, senderFlag string
	var limitFlag, offsetFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mail from the local store",
		Long: "List mail in a folder (inbox, sent, drafts, starred, archived, unread, trash, all). " +
			"Works offline; run 'mailsync sync' to pull new mail.",
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, ok := store.ParseFolder(folderFlag)
			if !ok {
				return fmt.Errorf("unknown folder %q", folderFlag)
			}

			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			mails, err := rt.mail().List(cmd.Context(), store.MailQuery{
				Folder: folder,
				Label:  labelFlag,
				Text:   textFlag,
				Sender: senderFlag,
				Limit:  limitFlag,
				Offset: offsetFlag,
			})
			if err != nil {
				return err
			}
			return printMails(mails, "No mail found.")
		},
	}

	cmd.Flags().StringVar(&folderFlag, "folder", "inbox", "folder to list")
	cmd.Flags().StringVar(&labelFlag, "label", "", "only mail carrying this label name")
	cmd.Flags().StringVar(&textFlag, "text", "", "only mail whose subject, content or addresses contain this text")
	cmd.Flags().StringVar(&senderFlag, "from", "", "only mail from this sender")
	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max mail to show")
	cmd.Flags().IntVar(&offsetFlag, "offset", 0, "skip this many results")
	return cmd
}

func newReadCmd() *cobra.Command {
	var keepUnreadFlag bool

	cmd := &cobra.Command{
		Use:   "read <mail-id>",
		Short: "Show a mail and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.mail()
			m, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !m.IsRead && !keepUnreadFlag {
				if m, err = svc.MarkRead(cmd.Context(), m.ID, true); err != nil {
					return err
				}
			}

			if jsonFlag {
				return printJSON(toJSONMailDetail(m))
			}
			writeMail(os.Stdout, m)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepUnreadFlag, "keep-unread", false, "do not mark the mail read")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var localFlag bool
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search mail on the server",
		Long: "Search mail on the server and merge the results into the local store. " +
			"With --local, search the local store only.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			rt, err := newRuntime(cmd.Context(), !localFlag)
			if err != nil {
				return err
			}
			defer rt.Close()

			var mails []domain.Mail
			if localFlag {
				mails, err = rt.mail().List(cmd.Context(), store.MailQuery{Text: query, Limit: limitFlag})
			} else {
				mails, err = rt.sync().Search(cmd.Context(), query)
			}
			if err != nil {
				return err
			}
			if limitFlag > 0 && len(mails) > limitFlag {
				mails = mails[:limitFlag]
			}
			return printMails(mails, "No results found.")
		},
	}

	cmd.Flags().BoolVar(&localFlag, "local", false, "search the local store only")
	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max results to show")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var starredFlag, spamFlag bool
	var labelFlag string

	cmd := &cobra.Command{
		Use:   "fetch [mail-id]",
		Short: "Pull a single mail or a server view into the local store",
		Long: "Pull one mail by id, or with --starred, --spam or --label pull that view " +
			"from the server. Local unpushed changes are kept.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			svc := rt.sync()
			if len(args) == 1 {
				m, err := svc.Fetch(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(toJSONMailDetail(m))
				}
				writeMail(os.Stdout, m)
				return nil
			}

			var res syncResult
			switch {
			case starredFlag:
				res.Result, err = svc.PullStarred(ctx)
			case spamFlag:
				res.Result, err = svc.PullSpam(ctx)
			case labelFlag != "":
				var l *domain.Label
				if l, err = rt.db.GetLabelByName(ctx, rt.opts.OwnerID, labelFlag); err != nil {
					return fmt.Errorf("failed to find label %q: %w", labelFlag, err)
				}
				res.Result, err = svc.PullLabel(ctx, l.ID)
			default:
				return fmt.Errorf("a mail id or one of --starred, --spam or --label is required")
			}
			if err != nil {
				return err
			}
			return res.print()
		},
	}

	cmd.Flags().BoolVar(&starredFlag, "starred", false, "pull starred mail")
	cmd.Flags().BoolVar(&spamFlag, "spam", false, "pull spam")
	cmd.Flags().StringVar(&labelFlag, "label", "", "pull mail carrying this label name")
	cmd.MarkFlagsMutuallyExclusive("starred", "spam", "label")
	return cmd
}

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List mail with changes not yet pushed",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			mails, err := rt.mail().Pending(cmd.Context())
			if err != nil {
				return err
			}
			return printMails(mails, "Nothing to push.")
		},
	}
}

func newStarCmd() *cobra.Command {
	var removeFlag, toggleFlag bool

	cmd := &cobra.Command{
		Use:   "star <mail-id>",
		Short: "Star or unstar a mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.mail()
			var m *domain.Mail
			if toggleFlag {
				m, err = svc.ToggleStar(cmd.Context(), args[0])
			} else {
				m, err = svc.SetStarred(cmd.Context(), args[0], !removeFlag)
			}
			if err != nil {
				return err
			}

			msg := "Mail starred."
			if !m.IsStarred {
				msg = "Star removed."
			}
			return printAction(jsonAction{Action: "star", MailID: m.ID}, msg)
		},
	}

	cmd.Flags().BoolVar(&removeFlag, "remove", false, "remove star instead of adding")
	cmd.Flags().BoolVar(&toggleFlag, "toggle", false, "flip the current star")
	cmd.MarkFlagsMutuallyExclusive("remove", "toggle")
	return cmd
}

func newMarkReadCmd() *cobra.Command {
	var unreadFlag bool

	cmd := &cobra.Command{
		Use:   "mark-read <mail-id>",
		Short: "Mark a mail as read or unread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			read := !unreadFlag
			m, err := rt.mail().MarkRead(cmd.Context(), args[0], read)
			if err != nil {
				return err
			}

			msg := "Marked as read."
			if !read {
				msg = "Marked as unread."
			}
			return printAction(jsonAction{Action: "mark-read", MailID: m.ID}, msg)
		},
	}

	cmd.Flags().BoolVar(&unreadFlag, "unread", false, "mark as unread instead of read")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	var undoFlag bool

	cmd := &cobra.Command{
		Use:   "archive <mail-id>",
		Short: "Archive a mail (remove from Inbox)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := rt.mail().Archive(cmd.Context(), args[0], !undoFlag)
			if err != nil {
				return err
			}

			msg := "Mail archived."
			if undoFlag {
				msg = "Mail moved back to Inbox."
			}
			return printAction(jsonAction{Action: "archive", MailID: m.ID}, msg)
		},
	}

	cmd.Flags().BoolVar(&undoFlag, "undo", false, "move the mail back to the inbox")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <mail-id>",
		Short: "Move a mail to the trash",
		Long:  "Move a mail to the trash. It is removed for good after the retention window; see 'mailsync purge'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.mail().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "delete", MailID: args[0]}, "Mail moved to trash.")
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <mail-id>",
		Short: "Restore a mail from the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.mail().Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "restore", MailID: args[0]}, "Mail restored.")
		},
	}
}

// printMails prints mail as JSON or as a table, or empty when there is none.
func printMails(mails []domain.Mail, empty string) error {
	if jsonFlag {
		return printJSON(toJSONMails(mails))
	}
	if len(mails) == 0 {
		fmt.Println(empty)
		return nil
	}
	return writeMailTable(os.Stdout, mails)
}
