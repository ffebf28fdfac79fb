package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lu-zhengda/mailsync/internal/app"
	"github.com/lu-zhengda/mailsync/internal/scheduler"
)

// purgeInterval is how often watch removes trashed mail past retention.
const purgeInterval = time.Hour

func newWatchCmd() *cobra.Command {
	var presetFlag, metricsAddrFlag string
	var interactiveFlag bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing in the background until interrupted",
		Long: "Sync on a timer. The interval follows the configured preset, backs off after " +
			"failures and speeds up for a while after a mail is sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			preset := rt.cfg.Sync.Preset
			if presetFlag != "" {
				preset = presetFlag
			}
			p, err := scheduler.ParsePreset(preset)
			if err != nil {
				return err
			}

			svc := rt.sync()
			sched := scheduler.New(svc.Puller(), scheduler.Options{
				Fast:       rt.cfg.Sync.Fast,
				Default:    rt.cfg.Sync.Default,
				Slow:       rt.cfg.Sync.Slow,
				MaxBackoff: rt.cfg.Sync.MaxBackoff,
				Preset:     p,
				Logger:     rt.log,
				OnCycle:    rt.metrics.ObserveCycle,
				OnSkipped:  rt.metrics.IncSkipped,
			})
			defer sched.Close()

			boost := rt.cfg.Sync.BoostWindow
			if boost <= 0 {
				boost = app.DefaultBoostWindow
			}
			svc.AfterSend = func() { sched.Boost(boost) }

			listener := &app.LogListener{Log: rt.log}
			sched.Register(listener)
			defer sched.Unregister(listener)

			group, groupCtx := errgroup.WithContext(ctx)

			if metricsAddrFlag != "" {
				srv := &http.Server{
					Addr:              metricsAddrFlag,
					Handler:           metricsMux(rt),
					ReadHeaderTimeout: 5 * time.Second,
				}
				group.Go(func() error {
					rt.log.WithField("addr", metricsAddrFlag).Info("Serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("failed to serve metrics: %w", err)
					}
					return nil
				})
				group.Go(func() error {
					<-groupCtx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			group.Go(func() error {
				ticker := time.NewTicker(purgeInterval)
				defer ticker.Stop()
				for {
					if _, err := svc.Purge(groupCtx); err != nil && groupCtx.Err() == nil {
						rt.log.WithError(err).Warn("Purge failed")
					}
					select {
					case <-groupCtx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})

			if !jsonFlag {
				fmt.Printf("Watching %s (%s preset). Press Ctrl-C to stop.\n", rt.opts.OwnerID, p)
			}
			sched.RefreshNow()

			if interactiveFlag {
				// The reader blocks on stdin and cannot be cancelled, so it
				// stays outside the group and dies with the process.
				go func() {
					scanner := bufio.NewScanner(os.Stdin)
					for scanner.Scan() {
						msg, quit := control(sched, scanner.Text(), boost)
						if msg != "" {
							fmt.Println(msg)
						}
						if quit {
							stop()
							return
						}
					}
				}()
			}

			err = group.Wait()
			st := sched.Status()
			rt.log.WithFields(logrus.Fields{
				"cycles":  st.Cycles,
				"failed":  st.Failed,
				"skipped": st.Skipped,
			}).Info("Stopped watching")
			return err
		},
	}

	cmd.Flags().StringVar(&presetFlag, "preset", "", "refresh preset: fast, default or slow (defaults to config)")
	cmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().BoolVar(&interactiveFlag, "interactive", false, "read control commands from stdin (type 'help')")
	return cmd
}

// metricsMux serves the metrics registry and a liveness endpoint.
func metricsMux(rt *runtime) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// controller is the part of the scheduler the watch controls drive.
type controller interface {
	RefreshNow()
	SetInterval(scheduler.Preset)
	Boost(time.Duration)
	Pause()
	Resume()
	Status() scheduler.Status
}

const controlHelp = "commands: refresh, pause, resume, fast, default, slow, boost, status, quit"

// control applies one line typed into watch --interactive. It returns the
// text to print and whether watch should stop.
func control(c controller, line string, boost time.Duration) (string, bool) {
	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "":
		return "", false
	case "r", "refresh":
		c.RefreshNow()
		return "Refresh requested.", false
	case "p", "pause":
		c.Pause()
		return "Paused.", false
	case "c", "resume":
		c.Resume()
		return "Resumed.", false
	case "fast", "default", "slow":
		p, _ := scheduler.ParsePreset(cmd)
		c.SetInterval(p)
		return fmt.Sprintf("Interval set to %s.", p), false
	case "b", "boost":
		c.Boost(boost)
		return fmt.Sprintf("Fast refresh for %s.", boost), false
	case "s", "status":
		return formatSchedulerStatus(c.Status(), time.Now()), false
	case "q", "quit", "exit":
		return "", true
	case "h", "help", "?":
		return controlHelp, false
	default:
		return fmt.Sprintf("unknown command %q; %s", cmd, controlHelp), false
	}
}

func formatSchedulerStatus(st scheduler.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %s preset", st.State, st.Preset)
	if st.Boosted {
		b.WriteString(" (boosted)")
	}
	if st.Paused {
		b.WriteString(", paused")
	}
	fmt.Fprintf(&b, "; %d cycles, %d failed, %d skipped", st.Cycles, st.Failed, st.Skipped)
	if !st.NextRun.IsZero() {
		fmt.Fprintf(&b, "; next %s", humanize.RelTime(st.NextRun, now, "ago", "from now"))
	}
	return b.String()
}
