package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/client"
	"github.com/mcdev12/punchclock/go/internal/presence/protocol"
)

var (
	gatewayURL string
	token      string
	teamID     int64
)

var rootCmd = &cobra.Command{
	Use:   "timerwatch",
	Short: "Watch and control running timers",
	Long: `timerwatch connects to the punchclock presence gateway and shows who on
your team is tracking time right now. It can also start and stop your own timer.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.WarnLevel
		}
		zerolog.SetGlobalLevel(level)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show active timers, updated live",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		w, err := newWatcher()
		if err != nil {
			return err
		}

		changed := make(chan struct{}, 1)
		unsubscribe := w.Reconciler.Subscribe(func([]presence.ActiveTimerRecord) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		// Elapsed times are derived from start_time locally; the refresh
		// never touches the network.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		states := w.Manager.Watch(ctx)
		state := w.Manager.State()

		for {
			render(cmd.OutOrStdout(), state, w.Reconciler.Timers(), time.Now())
			select {
			case err := <-done:
				return err
			case st, ok := <-states:
				if !ok {
					states = nil
					continue
				}
				state = st
			case <-changed:
			case <-ticker.C:
			}
		}
	},
}

var startTimerCmd = &cobra.Command{
	Use:   "start",
	Short: "Start your timer",
	Long: `Start a timer for the authenticated user. A running timer is replaced.

Examples:
  timerwatch start --project 3 -d "code review"
  timerwatch start --task 12`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var fields presence.ActiveTimerRecord
		fields.Description, _ = cmd.Flags().GetString("description")
		if cmd.Flags().Changed("project") {
			id, _ := cmd.Flags().GetInt64("project")
			fields.ProjectID = &id
		}
		if cmd.Flags().Changed("task") {
			id, _ := cmd.Flags().GetInt64("task")
			fields.TaskID = &id
		}

		return withConnection(cmd.Context(), func(w *client.Watcher) error {
			if err := w.StartTimer(fields); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Timer started")
			return nil
		})
	},
}

var stopTimerCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop your timer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var details protocol.StopDetails
		details.Summary, _ = cmd.Flags().GetString("summary")

		return withConnection(cmd.Context(), func(w *client.Watcher) error {
			if err := w.StopTimer(&details); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Timer stopped")
			return nil
		})
	},
}

func newWatcher() (*client.Watcher, error) {
	if token == "" {
		return nil, errors.New("no token: pass --token or set PUNCHCLOCK_TOKEN")
	}
	cfg := client.DefaultWatcherConfig(gatewayURL)
	cfg.Token = token
	if teamID != 0 {
		cfg.TeamID = &teamID
	}
	return client.NewWatcher(cfg, nil, clockwork.NewRealClock())
}

// withConnection runs fn once the live connection is up, then shuts it down.
func withConnection(ctx context.Context, fn func(*client.Watcher) error) error {
	w, err := newWatcher()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 15*time.Second)
	defer waitCancel()
	if err := w.Manager.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("could not connect to %s: %w", gatewayURL, err)
	}
	return fn(w)
}

func render(out io.Writer, state client.State, timers []presence.ActiveTimerRecord, now time.Time) {
	fmt.Fprint(out, "\033[H\033[2J")
	fmt.Fprintf(out, "punchclock · %s · %d active\n\n", state, len(timers))
	if len(timers) == 0 {
		fmt.Fprintln(out, "Nobody is tracking time.")
		return
	}

	presence.SortByStart(timers)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tPROJECT\tTASK\tDESCRIPTION\tSTARTED\tELAPSED")
	for _, t := range timers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			userLabel(t),
			dash(t.ProjectName),
			dash(t.TaskName),
			dash(t.Description),
			t.StartTime.Local().Format("15:04"),
			formatElapsed(t.Elapsed(now)),
		)
	}
	tw.Flush()
}

func userLabel(t presence.ActiveTimerRecord) string {
	if t.UserName != "" {
		return t.UserName
	}
	return fmt.Sprintf("#%d", t.UserID)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func init() {
	// Flag defaults read the environment, so .env has to be loaded first.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", getEnv("PUNCHCLOCK_URL", "http://localhost:8081"), "presence gateway address")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PUNCHCLOCK_TOKEN"), "access token or API token")
	rootCmd.PersistentFlags().Int64Var(&teamID, "team", 0, "only show timers for this team")

	startTimerCmd.Flags().Int64("project", 0, "project id")
	startTimerCmd.Flags().Int64("task", 0, "task id")
	startTimerCmd.Flags().StringP("description", "d", "", "what you are working on")
	stopTimerCmd.Flags().StringP("summary", "s", "", "summary for the time entry")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(startTimerCmd)
	rootCmd.AddCommand(stopTimerCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
