package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/app"
)

func newLoginCmd() *cobra.Command {
	var passwordFlag string

	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in and store the session in the keyring",
		Long:  "Log in to the mail service. Without --password the password is read from the first line of stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := passwordFlag
			if password == "" {
				if !jsonFlag {
					fmt.Fprint(os.Stderr, "Password: ")
				}
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			profile, owner, err := rt.account().Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			rt.opts.OwnerID = owner
			if err := rt.labels().EnsureSystemLabels(cmd.Context()); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONProfile(profile, owner))
			}
			fmt.Printf("Logged in as %s.\n", profile.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&passwordFlag, "password", "", "password (read from stdin when omitted)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session and the cached profile",
		Long:  "Log out. Local mail stays in the store and unpushed changes go out after the next login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.account().Logout(cmd.Context()); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "logout"}, "Logged out.")
		},
	}
}

func newProfileCmd() *cobra.Command {
	var refreshFlag bool

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.account()
			var profile = svc.Profile
			if refreshFlag {
				profile = svc.RefreshProfile
			}
			p, err := profile(cmd.Context())
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONProfile(p, rt.opts.OwnerID))
			}
			fmt.Printf("Email: %s\n", p.Email)
			if p.DisplayName != "" {
				fmt.Printf("Name: %s\n", p.DisplayName)
			}
			fmt.Printf("ID: %s\n", p.ID)
			fmt.Printf("Owner: %s\n", rt.opts.OwnerID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&refreshFlag, "refresh", false, "fetch the profile from the server")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync progress and unpushed changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.sync().Status(cmd.Context())
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONStatus(st))
			}
			now := time.Now()
			fmt.Printf("Owner: %s\n", st.State.OwnerID)
			fmt.Printf("Last sync: %s\n", ago(st.State.LastSync, now))
			fmt.Printf("Last attempt: %s\n", ago(st.State.LastAttempt, now))
			if st.State.ConsecutiveFailures > 0 {
				fmt.Printf("Consecutive failures: %d\n", st.State.ConsecutiveFailures)
			}
			fmt.Printf("Pending: %d\n", st.Pending)
			fmt.Printf("Failed: %d\n", st.Failed)
			if st.Failed > 0 {
				fmt.Println("Run 'mailsync retry --all' to push failed changes again.")
			}
			return nil
		},
	}
}

// syncResult is the outcome of a sync, push or pull command.
type syncResult struct {
	Push   app.PushResult
	Result app.Result
}

func (r syncResult) print() error {
	if jsonFlag {
		return printJSON(toJSONSync(r.Push, r.Result))
	}
	if r.Push != (app.PushResult{}) {
		fmt.Printf("Push: %s\n", r.Push)
	}
	fmt.Printf("Pull: %d new, %d updated, %d kept local, %d skipped\n",
		r.Result.Inserted, r.Result.Updated, r.Result.Kept, r.Result.Skipped)
	return nil
}

func newSyncCmd() *cobra.Command {
	var pullOnlyFlag bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes, then pull from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !jsonFlag {
				fmt.Printf("Syncing %s...\n", rt.opts.OwnerID)
			}
			svc := rt.sync()
			var res syncResult
			if pullOnlyFlag {
				res.Result, err = svc.Refresh(cmd.Context())
			} else {
				res.Push, res.Result, err = svc.Sync(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("failed to sync: %w", err)
			}
			return res.print()
		},
	}

	cmd.Flags().BoolVar(&pullOnlyFlag, "pull-only", false, "pull without pushing local changes")
	return cmd
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push local changes to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.sync().Push(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to push: %w", err)
			}
			if jsonFlag {
				return printJSON(toJSONSync(res, app.Result{}))
			}
			fmt.Printf("Push: %s\n", res)
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Queue failed changes to be pushed again",
		Long: "A change that failed to push too many times is parked. Retry resets it so " +
			"the next push or sync tries again.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allFlag == (len(args) == 1) {
				return fmt.Errorf("give either an id or --all")
			}

			rt, err := newRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			pusher := rt.sync().Pusher()
			if allFlag {
				n, err := pusher.RetryAll(cmd.Context())
				if err != nil {
					return err
				}
				return printAction(jsonAction{Action: "retry", Count: n}, fmt.Sprintf("%d changes queued.", n))
			}
			if err := pusher.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printAction(jsonAction{Action: "retry", MailID: args[0], Count: 1}, "Change queued.")
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "retry every failed change")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove trashed mail older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.sync().Purge(cmd.Context())
			if err != nil {
				return err
			}
			return printAction(jsonAction{Action: "purge", Count: n}, fmt.Sprintf("%d mail purged.", n))
		},
	}
}
