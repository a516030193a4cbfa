// ============================================================================
// procsim CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running, driving and inspecting simulations
//
// Command Structure:
//   procsim                        # Root command
//   ├── run                        # Drive a live session (metrics + gRPC)
//   ├── simulate                   # Headless run, print statistics
//   │   ├── --ticks, -n           # Number of ticks
//   │   └── --drain               # Run remaining work to completion
//   ├── compare                    # Run many seeds per policy concurrently
//   ├── status                     # Snapshot of a running session
//   ├── admit                      # Admit a process remotely
//   ├── kill <pid>                 # Force-terminate a process
//   ├── suspend <pid>              # Block a process
//   ├── resume <pid>               # Unblock a process
//   ├── control <action>           # start|pause|resume|stop|demo-*
//   ├── speed <multiplier>         # Change pacing
//   ├── report <file>              # Print a saved session report
//   └── trace <file>               # Replay and verify a trace journal
//
// Persistent flags:
//   --config, -c   YAML config file (default: configs/default.yaml)
//   --log-level    debug|info|warn|error
//   --log-format   text|json
//
// Signal Handling:
//   run captures SIGINT and SIGTERM, then stops the driver (which writes
//   the report and flushes the trace), the gRPC server, the metrics server,
//   and finally closes the session.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/procsim/internal/batch"
	"github.com/ChuLiYu/procsim/internal/config"
	"github.com/ChuLiYu/procsim/internal/metrics"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/internal/report"
	"github.com/ChuLiYu/procsim/internal/server"
	"github.com/ChuLiYu/procsim/internal/simulation"
	"github.com/ChuLiYu/procsim/internal/trace"
	"github.com/ChuLiYu/procsim/pkg/types"
)

const (
	defaultAddr    = "localhost:50051"
	requestTimeout = 10 * time.Second
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "procsim",
		Short: "procsim: a single-CPU process scheduling simulator",
		Long: `procsim simulates process scheduling on a single CPU with:
- shortest-remaining-time and static-priority policies
- memory and CPU accounting
- a mutex-guarded producer/consumer demo
- Prometheus metrics and a gRPC control service`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildCompareCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAdmitCommand())
	rootCmd.AddCommand(buildPIDCommand("kill", "Force-terminate a process", (*server.Client).Terminate))
	rootCmd.AddCommand(buildPIDCommand("suspend", "Suspend (block) a process", (*server.Client).Suspend))
	rootCmd.AddCommand(buildPIDCommand("resume", "Resume (unblock) a suspended process", (*server.Client).Resume))
	rootCmd.AddCommand(buildControlCommand())
	rootCmd.AddCommand(buildSpeedCommand())
	rootCmd.AddCommand(buildReportCommand())
	rootCmd.AddCommand(buildTraceCommand())

	return rootCmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a live simulation session",
		Long:  "Drive a session in real time, exposing metrics and the gRPC control service when enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, cfg, demo)
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "start the producer/consumer demo immediately")
	return cmd
}

// runSession blocks until ctx is done, then shuts everything down.
func runSession(ctx context.Context, cfg config.Config, demo bool) error {
	logger := slog.Default()

	opts := simulation.Options{Logger: logger}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.NewCollector(prometheus.DefaultRegisterer)
	}
	sess, err := simulation.NewSession(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Error("Failed to close session", "error", err)
		}
	}()

	logger.Info("Starting procsim", "session", sess.ID(), "config", configFile,
		"policy", cfg.Policy().String(), "time_slice", cfg.Scheduling.TimeSlice)

	if demo {
		if err := sess.StartDemo(); err != nil {
			return err
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		go func() {
			logger.Info("Starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	var grpcSrv *server.Server
	if cfg.Server.Enabled {
		grpcSrv = server.New(sess)
		go func() {
			logger.Info("gRPC server listening", "port", cfg.Server.Port)
			if err := grpcSrv.ListenAndServe(cfg.Server.Port); err != nil {
				logger.Error("gRPC server failed", "error", err)
			}
		}()
	}

	if err := sess.Start(); err != nil {
		return fmt.Errorf("failed to start driver: %w", err)
	}
	logger.Info("Session started successfully")

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully...")

	if err := sess.Stop(); err != nil && !errors.Is(err, simulation.ErrNotRunning) {
		logger.Error("Failed to stop driver cleanly", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	stats := sess.Stats()
	logger.Info("Session stopped. Goodbye!", "ticks", sess.Ticks(),
		"completed", stats.Completed, "context_switches", stats.ContextSwitches)
	return nil
}

// ============================================================================
// simulate
// ============================================================================

func buildSimulateCommand() *cobra.Command {
	var (
		ticks   int
		drain   bool
		limit   int64
		seed    int64
		demo    bool
		asJSON  bool
		noFiles bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a headless simulation and print statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ticks < 0 {
				return fmt.Errorf("--ticks must not be negative")
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				cfg.Simulation.Seed = seed
			}
			if noFiles {
				cfg.Report.Path = ""
				cfg.Trace.Path = ""
			}

			sess, err := simulation.NewSession(cfg, simulation.Options{Logger: slog.Default()})
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			defer sess.Close()

			if demo {
				if err := sess.StartDemo(); err != nil {
					return err
				}
			}
			sess.RunTicks(ticks)
			if drain {
				if demo {
					if err := sess.StopDemo(); err != nil {
						return err
					}
				}
				sess.Drain(limit)
			}

			r := sess.Report()
			if cfg.Report.Path != "" {
				if err := sess.SaveReport(); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			printReport(cmd.OutOrStdout(), r)
			return nil
		},
	}

	cmd.Flags().IntVarP(&ticks, "ticks", "n", 100, "number of ticks to run")
	cmd.Flags().BoolVar(&drain, "drain", false, "run remaining work to completion after the ticks")
	cmd.Flags().Int64Var(&limit, "limit", 1_000_000, "simulated-time limit (ms) for --drain")
	cmd.Flags().Int64Var(&seed, "seed", 0, "override simulation.seed")
	cmd.Flags().BoolVar(&demo, "demo", false, "run the producer/consumer demo")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&noFiles, "no-files", false, "skip the report and trace files")
	return cmd
}

// ============================================================================
// compare
// ============================================================================

func buildCompareCommand() *cobra.Command {
	var (
		opts    batch.Options
		verbose bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare scheduling policies over many seeded headless runs",
		Long: `Run --runs seeds (1..runs) for every policy as independent sessions on a
pool of --workers goroutines and print per-policy averages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			if verbose {
				logger = slog.Default()
			}

			sums, err := batch.Compare(cmd.Context(), batch.SessionRunner(cfg, logger), opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sums)
			}
			printComparison(cmd.OutOrStdout(), sums)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.Policies, "policies",
		[]string{"shortest-remaining-time", "static-priority"}, "policies to compare")
	cmd.Flags().IntVar(&opts.Runs, "runs", 8, "seeds per policy")
	cmd.Flags().IntVarP(&opts.Ticks, "ticks", "n", 500, "ticks per run")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "run remaining work to completion after the ticks")
	cmd.Flags().Int64Var(&opts.Limit, "limit", 1_000_000, "simulated-time limit (ms) for --drain")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent runs (0 = number of CPUs)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "wall-clock limit per run")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "mirror every session event to the log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summaries as JSON")
	return cmd
}

// ============================================================================
// remote commands
// ============================================================================

func addAddrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", defaultAddr, "address of a running procsim session")
}

// withClient dials addr and runs fn with a bounded context.
func withClient(cmd *cobra.Command, addr string, fn func(context.Context, *server.Client) error) error {
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildStatusCommand() *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running session",
		Long:  "Fetch a snapshot from a running session: driver state, queues, resources and the demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				snap, err := c.Snapshot(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch snapshot: %w", err)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				printSnapshot(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func buildAdmitCommand() *cobra.Command {
	var addr string
	var spec simulation.ProcessSpec

	cmd := &cobra.Command{
		Use:   "admit",
		Short: "Admit a process into a running session",
		Long:  "Admit a process. Omitted fields are generated by the session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				pid, err := c.Admit(ctx, spec)
				if err != nil {
					return fmt.Errorf("admission refused: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "admitted pid %d\n", pid)
				return nil
			})
		},
	}
	addAddrFlag(cmd, &addr)
	cmd.Flags().StringVar(&spec.Name, "name", "", "process name")
	cmd.Flags().Int64Var(&spec.BurstTime, "burst", 0, "burst time (simulated ms)")
	cmd.Flags().IntVar(&spec.Priority, "priority", 0, "priority 1..10, lower runs first")
	cmd.Flags().IntVar(&spec.Memory, "memory", 0, "memory (MB)")
	return cmd
}

type pidCall func(*server.Client, context.Context, int64) (bool, error)

func buildPIDCommand(use, short string, call pidCall) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   use + " <pid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				ok, err := call(c, ctx, int64(pid))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: pid %d not applicable", use, pid)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s pid %d: ok\n", use, pid)
				return nil
			})
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func parsePID(s string) (process.PID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return process.PID(n), nil
}

func buildControlCommand() *cobra.Command {
	var addr string

	actions := []string{
		server.ActionStart, server.ActionPause, server.ActionResume, server.ActionStop,
		server.ActionDemoStart, server.ActionDemoStop, server.ActionDemoReset,
	}
	cmd := &cobra.Command{
		Use:       "control <action>",
		Short:     "Control the driver or the demo: " + strings.Join(actions, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				if err := c.Control(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
				return nil
			})
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func buildSpeedCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "speed <multiplier>",
		Short: "Set the pacing multiplier of a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid speed %q", args[0])
			}
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) error {
				applied, err := c.SetSpeed(ctx, v)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "speed %.1fx\n", applied)
				return nil
			})
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

// ============================================================================
// offline inspection
// ============================================================================

func buildReportCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "report <file>",
		Short: "Print a saved session report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := report.Read(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			printReport(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func buildTraceCommand() *cobra.Command {
	var level, src string

	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Replay a trace journal, verifying every checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			shown, total := 0, 0
			err := trace.Replay(args[0], func(e trace.Entry) error {
				total++
				if level != "" && !strings.EqualFold(e.Level, level) {
					return nil
				}
				if src != "" && e.Source != src {
					return nil
				}
				shown++
				fmt.Fprintf(out, "%6d [t=%dms] %-8s %s: %s\n", e.Seq, e.SimTime, e.Level, e.Source, e.Message)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d entries verified\n", shown, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "only show entries at this level")
	cmd.Flags().StringVar(&src, "source", "", "only show entries from this source")
	return cmd
}

// ============================================================================
// output
// ============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStats(w io.Writer, st types.SchedulerStats, res types.ResourceUsage) {
	fmt.Fprintln(w, "Scheduler:")
	fmt.Fprintf(w, "  ├─ Policy:            %s\n", st.Policy)
	fmt.Fprintf(w, "  ├─ Simulated Time:    %d ms\n", st.CurrentTime)
	fmt.Fprintf(w, "  ├─ Processes:         %d (ready %d, waiting %d)\n", st.TotalProcesses, st.Ready, st.Waiting)
	fmt.Fprintf(w, "  ├─ Completed:         %d (forced %d)\n", st.Completed, st.ForcedTerminations)
	fmt.Fprintf(w, "  ├─ Context Switches:  %d\n", st.ContextSwitches)
	fmt.Fprintf(w, "  ├─ Avg Waiting:       %.2f ms\n", st.AvgWaitingTime)
	fmt.Fprintf(w, "  ├─ Avg Turnaround:    %.2f ms\n", st.AvgTurnaroundTime)
	fmt.Fprintf(w, "  └─ Avg Response:      %.2f ms\n", st.AvgResponseTime)
	fmt.Fprintln(w, "Resources:")
	fmt.Fprintf(w, "  ├─ CPU:               %d/%d in use\n", res.CPUInUse, res.CPUTotal)
	fmt.Fprintf(w, "  └─ Memory:            %d/%d MB (%.1f%%)\n", res.MemoryUsed, res.MemoryTotal, res.MemoryPercent)
}

func printReport(w io.Writer, r types.Report) {
	fmt.Fprintf(w, "Session %s (%d ticks)\n", r.SessionID, r.Ticks)
	printStats(w, r.Stats, r.Resources)
	fmt.Fprintln(w, "Demo:")
	fmt.Fprintf(w, "  └─ Produced %d, consumed %d, in buffer %d\n", r.Demo.Produced, r.Demo.Consumed, r.Demo.InBuffer)
	if len(r.Terminated) > 0 {
		fmt.Fprintln(w, "Terminated:")
		for _, p := range r.Terminated {
			fmt.Fprintf(w, "  %4d %-16s burst %4d  wait %5d  turnaround %5d\n",
				p.PID, p.Name, p.BurstTime, p.WaitingTime, p.TurnaroundTime)
		}
	}
}

func printSnapshot(w io.Writer, s types.Snapshot) {
	state := "stopped"
	switch {
	case s.Driver.Running && s.Driver.Paused:
		state = "paused"
	case s.Driver.Running:
		state = "running"
	}
	fmt.Fprintf(w, "Session %s: %s at %.1fx, %d ticks\n", s.Driver.SessionID, state, s.Driver.Speed, s.Driver.Ticks)
	if s.Running != nil {
		fmt.Fprintf(w, "Running: %d %s (%d ms left)\n", s.Running.PID, s.Running.Name, s.Running.RemainingTime)
	} else {
		fmt.Fprintln(w, "Running: idle")
	}
	fmt.Fprintf(w, "Ready: %s\n", names(s.Ready))
	fmt.Fprintf(w, "Waiting: %s\n", names(s.Waiting))
	printStats(w, s.Stats, s.Resources)
	if s.Demo.Running {
		fmt.Fprintf(w, "Demo: buffer %s, produced %d, consumed %d\n", s.Demo.Buffer.Fill, s.Demo.Produced, s.Demo.Consumed)
	}
}

func printComparison(w io.Writer, sums []batch.Summary) {
	fmt.Fprintf(w, "%-24s %5s %6s %10s %12s %10s %10s %9s\n",
		"POLICY", "RUNS", "FAILED", "WAIT(ms)", "TURNAROUND", "RESPONSE", "COMPLETED", "SWITCHES")
	for _, s := range sums {
		fmt.Fprintf(w, "%-24s %5d %6d %10.2f %12.2f %10.2f %10.1f %9.1f\n",
			s.Policy, s.Runs, s.Failed, s.AvgWaiting, s.AvgTurnaround, s.AvgResponse, s.AvgCompleted, s.AvgSwitches)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  ! %s\n", e)
		}
	}
}

func names(ps []types.ProcessView) string {
	if len(ps) == 0 {
		return "-"
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = fmt.Sprintf("%s(%d)", p.Name, p.PID)
	}
	return strings.Join(parts, " ")
}
