package main

import (
	"context"
	"fmt"
	"io"
	"jobscheduler/internal/authority"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/job"
	"jobscheduler/internal/observability"
	"jobscheduler/internal/runner"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// defaultJobID is the identity used by the sample start/stop flow.
const defaultJobID = 1234

type demoOptions struct {
	jobID     int
	steps     int
	interval  time.Duration
	plugAfter time.Duration
	stopAfter time.Duration
	logLevel  string
}

func demoCmd() *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the sample flow in-process",
		Long: `Schedule the sample job (requires charging and an unmetered network),
plug in the charger and wifi after --plug-after, and optionally cancel the
job after --stop-after. Exits once the job is finished.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.jobID, "id", defaultJobID, "job ID")
	cmd.Flags().IntVar(&opts.steps, "steps", 10, "number of work steps")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "duration of one step")
	cmd.Flags().DurationVar(&opts.plugAfter, "plug-after", 2*time.Second, "when to satisfy the constraints")
	cmd.Flags().DurationVar(&opts.stopAfter, "stop-after", 0, "cancel the job this long after it was scheduled (0 never)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, opts demoOptions) error {
	level, err := observability.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))

	monitor := conditions.NewMonitor(conditions.Default())
	auth := authority.New(authority.Config{Conditions: monitor, MaintenanceInterval: time.Hour})
	defer auth.Close()

	sample := runner.NewSampleService(runner.Config{Steps: opts.steps, StepInterval: opts.interval}, auth)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sample.Close(closeCtx)
	}()
	if err := auth.Register(job.DefaultService, sample); err != nil {
		return err
	}
	svc := job.NewService(auth, nil)

	// start schedule
	_, err = svc.Schedule(ctx, &job.Descriptor{
		ID:          opts.jobID,
		Constraints: job.NewConstraintSet(job.ConstraintCharging, job.ConstraintUnmeteredNetwork),
	})
	if err != nil {
		return err
	}
	scheduledAt := time.Now()

	plug := time.NewTimer(opts.plugAfter)
	defer plug.Stop()

	var stopCh <-chan time.Time
	if opts.stopAfter > 0 {
		stopTimer := time.NewTimer(opts.stopAfter)
		defer stopTimer.Stop()
		stopCh = stopTimer.C
	}

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-plug.C:
			monitor.Update(func(s *conditions.State) {
				s.Charging = true
				s.Network = conditions.NetworkUnmetered
			})
		case <-stopCh:
			// stop schedule
			svc.Cancel(ctx, opts.jobID)
			stopCh = nil
		case <-poll.C:
			st, err := svc.Get(ctx, opts.jobID)
			if err != nil {
				return err
			}
			switch st.State {
			case job.StateCompleted, job.StateCancelled, job.StateAbandoned:
				fmt.Fprintf(out, "job %d %s after %s (attempts: %d)\n", st.ID, st.State, time.Since(scheduledAt).Round(time.Millisecond), st.Attempts)
				return nil
			}
		}
	}
}
