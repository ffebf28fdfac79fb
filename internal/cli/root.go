package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailsync/internal/app"
	"github.com/lu-zhengda/mailsync/internal/config"
	"github.com/lu-zhengda/mailsync/internal/domain"
	"github.com/lu-zhengda/mailsync/internal/logging"
	"github.com/lu-zhengda/mailsync/internal/metrics"
	"github.com/lu-zhengda/mailsync/internal/provider/rest"
	"github.com/lu-zhengda/mailsync/internal/store"
	"github.com/lu-zhengda/mailsync/internal/store/sqlite"
)

var (
	// version is set via ldflags at build time.
	version = "dev"
	cfgFile string

	// jsonFlag enables JSON output for all commands.
	jsonFlag bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailsync",
		Short: "Local-first mail sync",
		Long: "Keeps a local copy of a remote mailbox. Changes are applied locally " +
			"first and pushed to the server on the next sync.",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if shell, _ := cmd.Flags().GetString("generate-completion"); shell != "" {
				switch shell {
				case "bash":
					return cmd.Root().GenBashCompletion(os.Stdout)
				case "zsh":
					return cmd.Root().GenZshCompletion(os.Stdout)
				case "fish":
					return cmd.Root().GenFishCompletion(os.Stdout, true)
				default:
					return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", shell)
				}
			}
			return cmd.Help()
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("mailsync %s\n", version))
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().String("generate-completion", "", "Generate shell completion (bash, zsh, fish)")
	root.Flags().MarkHidden("generate-completion")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newPushCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newPurgeCmd())
	root.AddCommand(newWatchCmd())

	root.AddCommand(newListCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newPendingCmd())
	root.AddCommand(newStarCmd())
	root.AddCommand(newMarkReadCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newRestoreCmd())

	root.AddCommand(newSendCmd())
	root.AddCommand(newDraftCmd())

	root.AddCommand(newLabelsCmd())
	root.AddCommand(newTagCmd())
	root.AddCommand(newUntagCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB creates the data directory and opens the SQLite database.
func openDB() (*sqlite.DB, error) {
	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mailsync.db")
	db, err := sqlite.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// loadConfig loads the application configuration from the config file.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(config.ConfigDir(), "config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// resolveOwner determines the owner id from the config default, falling
// back to the email of the cached profile.
func resolveOwner(ctx context.Context, db store.Store, cfg *config.Config) (string, error) {
	if cfg.Accounts.Default != "" {
		return cfg.Accounts.Default, nil
	}
	p, err := db.GetProfile(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("not logged in; run 'mailsync login' first")
	}
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return p.Email, nil
}

// runtime holds everything a command needs. Build it with newRuntime and
// release it with Close.
type runtime struct {
	cfg     *config.Config
	log     *logrus.Logger
	db      *sqlite.DB
	tokens  *store.KeyringTokenStore
	remote  *rest.Client
	metrics *metrics.Metrics
	opts    app.Options

	logCloser io.Closer
}

// newRuntime loads config, opens the database and builds the API client.
// When requireOwner is false a missing login is not an error and the owner
// stays empty.
func newRuntime(ctx context.Context, requireOwner bool) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	db, err := openDB()
	if err != nil {
		closer.Close()
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger, db: db, tokens: store.NewKeyringTokenStore(), metrics: metrics.New(), logCloser: closer}
	owner, err := resolveOwner(ctx, db, cfg)
	if err != nil && requireOwner {
		rt.Close()
		return nil, err
	}

	rt.remote, err = rest.New(rest.Options{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Logger:            logger,
	}, rest.NewTokenSource(rt.tokens, owner))
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.opts = app.Options{
		OwnerID:         owner,
		RetryBudget:     cfg.Sync.RetryBudget,
		PushConcurrency: cfg.Sync.PushConcurrency,
		Retention:       cfg.Sync.Retention,
		Logger:          logger,
		Metrics:         rt.metrics,
	}
	return rt, nil
}

func (r *runtime) Close() {
	if err := r.db.Close(); err != nil {
		r.log.WithError(err).Warn("Failed to close database")
	}
	r.logCloser.Close()
}

func (r *runtime) mail() *app.MailService { return app.NewMailService(r.db, r.opts) }

func (r *runtime) labels() *app.LabelService { return app.NewLabelService(r.db, r.remote, r.opts) }

func (r *runtime) sync() *app.SyncService { return app.NewSyncService(r.db, r.remote, r.opts) }

func (r *runtime) account() *app.AccountService {
	return app.NewAccountService(r.db, r.remote, r.tokens, r.opts)
}
