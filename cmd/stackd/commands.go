package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/stackd/internal/shell/docker"
	"github.com/artpar/stackd/internal/shell/orchestrator"
	"github.com/artpar/stackd/internal/shell/store"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// --- Global Command Variables ---
var (
	configPath   string
	instanceFlag string
	profileFlag  string

	purgeFlag       bool
	downTimeoutFlag time.Duration
	reverseFlag     bool
	runFlag         string
	historyFlag     int

	rootCmd = &cobra.Command{
		Use:   "stackd",
		Short: "Supervise a multi-process application stack on one host",
		Long: `stackd starts the services of a stack in dependency order, keeps them
running under a restart policy, and stops them in reverse order. Several
instances of the same stack can run side by side, each in its own namespace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Daemon ---
	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Start every service and supervise them until signalled",
		Args:  cobra.NoArgs,
		RunE:  runUp,
	}
	downCmd = &cobra.Command{
		Use:   "down",
		Short: "Stop the running namespace",
		Args:  cobra.NoArgs,
		RunE:  runDown,
	}
	reloadCmd = &cobra.Command{
		Use:   "reload",
		Short: "Ask every running service to reload its configuration",
		Args:  cobra.NoArgs,
		RunE:  runReload,
	}

	// --- Inspection ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded state of every service",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	orderCmd = &cobra.Command{
		Use:   "order",
		Short: "Print the service start order",
		Args:  cobra.NoArgs,
		RunE:  runOrder,
	}
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Resolve the namespace without starting anything",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stackd %s (built %s)\n", Version, BuildTime)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "instance", "i", "", "Instance name (overrides instance.name)")
	rootCmd.PersistentFlags().StringVarP(&profileFlag, "profile", "p", "", "Environment profile (overrides instance.profile)")

	downCmd.Flags().BoolVar(&purgeFlag, "purge", false, "Also remove the namespace's docker networks and volumes")
	downCmd.Flags().DurationVar(&downTimeoutFlag, "timeout", 2*time.Minute, "How long to wait for the daemon to exit")
	orderCmd.Flags().BoolVar(&reverseFlag, "reverse", false, "Print the stop order instead")
	statusCmd.Flags().StringVar(&runFlag, "run", "", "Show this run instead of the latest one")
	statusCmd.Flags().IntVar(&historyFlag, "history", 5, "How many recent runs to list (0 to skip)")

	rootCmd.AddCommand(upCmd, downCmd, reloadCmd, statusCmd, orderCmd, checkCmd, versionCmd)
}

// loadConfig reads the configuration and applies the command-line
// selectors.
func loadConfig() (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	if instanceFlag != "" {
		cfg.Instance.Name = instanceFlag
	}
	if profileFlag != "" {
		cfg.Instance.Profile = profileFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// Daemon Commands
// =============================================================================

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := SetupLogger(cfg)
	logger.Info("starting stackd",
		"version", Version,
		"config", configPath,
		"instance", cfg.Instance.Name,
		"profile", cfg.Instance.Profile,
	)

	server, err := NewServer(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	return server.Start(cmd.Context())
}

func runDown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := SetupLogger(cfg)

	pidPath := cfg.DaemonPIDPath()
	pid, err := supervisor.HolderPID(pidPath)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		logger.Info("namespace is not running", "pid_file", pidPath)
	case err != nil:
		return err
	default:
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal stackd %d: %w", pid, err)
		}
		logger.Info("waiting for stackd to stop", "pid", pid)
		ctx, cancel := context.WithTimeout(cmd.Context(), downTimeoutFlag)
		defer cancel()
		if err := waitForExit(ctx, pid, pidPath); err != nil {
			return err
		}
	}

	if !purgeFlag {
		return nil
	}
	return purge(cmd.Context(), cfg)
}

// waitForExit polls until the daemon released its pid file.
func waitForExit(ctx context.Context, pid int, pidPath string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := supervisor.HolderPID(pidPath); errors.Is(err, supervisor.ErrNotRunning) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stackd %d still running: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
}

// purge removes the docker resources of a stopped namespace.
func purge(ctx context.Context, cfg *Config) error {
	if !cfg.Docker.Enabled {
		return nil
	}
	logger := SetupLogger(cfg)

	stack, err := orchestrator.Assemble(ctx, cfg.Options())
	if err != nil {
		return err
	}
	d, err := docker.NewDockerClient(ctx, cfg.Docker.Host, logger)
	if err != nil {
		return &ServerError{Op: "Purge", Err: err, ExitCode: ExitDockerError}
	}
	defer d.Close()

	orch, err := newOrchestrator(cfg, stack, d, nil, logger)
	if err != nil {
		return err
	}
	return orch.Purge(ctx)
}

func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pid, err := supervisor.HolderPID(cfg.DaemonPIDPath())
	if err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			return fmt.Errorf("namespace %s is not running: %w", cfg.Instance.Name, err)
		}
		return err
	}
	if err := unix.Kill(pid, unix.SIGHUP); err != nil {
		return fmt.Errorf("signal stackd %d: %w", pid, err)
	}
	return nil
}

// =============================================================================
// Inspection Commands
// =============================================================================

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return &ServerError{Op: "Status", Err: err, ExitCode: ExitDatabaseError}
	}
	defer s.Close()

	stack, err := orchestrator.Assemble(ctx, cfg.Options())
	if err != nil {
		return err
	}

	return printStatus(ctx, cmd.OutOrStdout(), s, statusQuery{
		Instance: stack.Instance,
		Profile:  stack.Profile.Profile,
		Services: stack.Order.Names(),
		RunID:    runFlag,
		History:  historyFlag,
	})
}

// statusQuery selects what printStatus reports.
type statusQuery struct {
	Instance string
	Profile  string
	Services []string
	RunID    string // empty for the latest run of Profile
	History  int
}

func printStatus(ctx context.Context, out io.Writer, s store.Store, q statusQuery) error {
	var (
		run *store.Run
		err error
	)
	if q.RunID != "" {
		run, err = s.GetRun(ctx, q.RunID)
		if err == nil && run.Instance != q.Instance {
			return fmt.Errorf("run %s belongs to namespace %s, not %s", run.ID, run.Instance, q.Instance)
		}
	} else {
		run, err = s.LatestRun(ctx, q.Instance, q.Profile)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(out, "namespace %s (%s) has never run\n", q.Instance, q.Profile)
			return nil
		}
	}
	if err != nil {
		return err
	}
	events, err := s.LatestStates(ctx, run.ID)
	if err != nil {
		return err
	}
	last := make(map[string]store.Event, len(events))
	for _, e := range events {
		last[e.Service] = e
	}

	fmt.Fprintf(out, "namespace %s (%s) run %s: %s since %s\n",
		run.Instance, run.Profile, run.ID, run.Status, run.StartedAt.Format(time.RFC3339))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tPID\tSINCE\tDETAIL")
	for _, name := range q.Services {
		e, ok := last[name]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t-\t\n", name)
			continue
		}
		pid := "-"
		if e.PID > 0 {
			pid = fmt.Sprint(e.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, e.To, pid, e.At.Format(time.RFC3339), e.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if q.History <= 0 {
		return nil
	}
	runs, err := s.ListRuns(ctx, q.Instance, q.History)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPROFILE\tSTATUS\tSTARTED\tSTOPPED")
	for _, r := range runs {
		stopped := "-"
		if r.StoppedAt != nil {
			stopped = r.StoppedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Profile, r.Status, r.StartedAt.Format(time.RFC3339), stopped)
	}
	return w.Flush()
}

func runOrder(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stack, err := orchestrator.Assemble(cmd.Context(), cfg.Options())
	if err != nil {
		return err
	}

	descs := stack.Order.StartOrder()
	if reverseFlag {
		descs = stack.Order.StopOrder()
	}
	for _, d := range descs {
		fmt.Fprintln(cmd.OutOrStdout(), d.Name)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stack, err := orchestrator.Assemble(cmd.Context(), cfg.Options())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "namespace %s (%s): %d services\n", stack.Instance, stack.Profile.Profile, stack.Order.Len())
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tCONTAINER\tPORTS\tSTATE DIR")
	for _, name := range stack.Order.Names() {
		plan := stack.Plans[name]
		ports := make([]string, 0, len(plan.Bindings))
		for _, b := range plan.Bindings {
			ports = append(ports, b.Spec())
		}
		if len(ports) == 0 {
			ports = append(ports, "-")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, plan.ContainerName, strings.Join(ports, ","), plan.StateDir)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if keys := stack.Profile.Keys(); len(keys) > 0 {
		// Names only; values are often secrets.
		fmt.Fprintf(out, "profile variables: %s\n", strings.Join(keys, ", "))
	}
	if stack.Cert != nil {
		fmt.Fprintf(out, "certificate: %s\n", stack.Cert.CertPath())
	}
	return nil
}
