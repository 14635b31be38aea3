package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/agent"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/config"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/effector"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/memory"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/perception"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/planner"
	"github.com/G-TechSD/ganesha-ai-sub002/internal/safety"
)

var (
	// Global flags
	cfgPath string
	debug   bool

	cfg    *config.Config
	logger *zap.Logger

	// run flags
	criteria   []string
	maxActions int
	runTimeout time.Duration
	dryRun     bool
	yes        bool
)

var rootCmd = &cobra.Command{
	Use:   "ganesha",
	Short: "ganesha - autonomous desktop agent",
	Long: `ganesha drives a desktop toward a stated goal through a
perceive-decide-act-verify loop.

Each cycle captures the screen, asks a vision model what is visible,
asks a planner model for the single next action, runs that action
through the safety governor, executes it, and verifies the effect.
Every attempt is written to a local task memory so later runs avoid
known pitfalls.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		level := cfg.Logging.Level
		if debug {
			level = "debug"
		}
		if err := logging.Initialize(cfg.LogDir(), level, cfg.Logging.Categories); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Run the agent toward an objective",
	Long: `Runs the control loop until the success criteria are met, the
action budget is exhausted, the timeout elapses, or a stop is requested.

Each --criteria value must be visible on the final screen (in text,
element labels, the window title, or the app name) for the run to count
as a success. With no criteria, the planner alone decides when the goal
is done.

Example:
  ganesha run "Open example.com in Firefox" --criteria "example domain"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task history and memory statistics",
	RunE:  showStats,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request an emergency stop of a running agent",
	Long: `Creates the stop marker file. A running agent watches for it and
halts before its next action. Remove the file (or run 'ganesha resume')
before starting a new run.`,
	RunE: requestStop,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear the emergency stop marker",
	RunE:  clearStop,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = filepath.Join(config.DefaultStateDir(), "config.yaml")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd.Flags().StringSliceVar(&criteria, "criteria", nil, "success criteria; all must be visible on the final screen")
	runCmd.Flags().IntVar(&maxActions, "max-actions", 0, "action budget for this run (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "wall-clock limit for this run (default from config)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and verify but synthesize no input")
	runCmd.Flags().BoolVar(&yes, "yes", false, "approve confirmation prompts without asking")

	rootCmd.AddCommand(runCmd, statsCmd, stopCmd, resumeCmd, initCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	objective := strings.Join(args, " ")

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := memory.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open task memory: %w", err)
	}
	defer store.Close()

	audit := safety.NewAuditLog(cfg.AuditLogPath(), cfg.Safety.AuditFlushThreshold)
	defer audit.Close()

	governor := safety.NewGovernor(cfg.Safety, audit)
	if yes {
		governor.SetConfirmer(func(safety.Request) bool { return true })
	} else if cfg.Safety.RequireConfirmation {
		governor.SetConfirmer(terminalConfirmer)
	}

	watcher, err := safety.NewStopWatcher(cfg.StopFilePath(), governor)
	if err != nil {
		logger.Warn("stop file watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	var eff effector.Effector = effector.NewExec()
	if dryRun {
		fmt.Println("Dry run: no input will be synthesized.")
		eff = effector.NewDryRun()
	}

	loop, err := agent.New(cfg.Agent, agent.Deps{
		Perception:       perception.NewClient(cfg.Vision, filepath.Join(cfg.StateDir, "frames")),
		Planner:          planner.NewClient(cfg.Planner),
		Effector:         eff,
		Guard:            governor,
		Recorder:         store,
		FailureFramePath: filepath.Join(cfg.StateDir, "last_frame.jpg"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	goal := agent.Goal{
		Objective:       objective,
		SuccessCriteria: criteria,
		MaxActions:      maxActions,
		Timeout:         runTimeout,
	}

	fmt.Printf("Objective: %s\n", objective)
	if len(criteria) > 0 {
		fmt.Printf("Criteria:  %s\n", strings.Join(criteria, "; "))
	}

	var status *agent.Status
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var runErr error
		status, runErr = loop.Run(gctx, goal)
		cancel()
		return runErr
	})
	g.Go(func() error {
		// Relay an emergency stop (stop file, audit trigger) into the loop.
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if governor.Stopped() {
					loop.Stop()
					return nil
				}
			}
		}
	})
	runErr := g.Wait()

	if status != nil {
		printStatus(status)
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	if status != nil && !status.Success && status.Error != "" {
		return fmt.Errorf("%s", status.Error)
	}
	return nil
}

// terminalConfirmer asks the operator on stdin before a flagged action.
func terminalConfirmer(req safety.Request) bool {
	fmt.Printf("\nCONFIRM [%s] %s", req.Class, req.Description)
	if req.Target != "" {
		fmt.Printf(" (target: %s)", req.Target)
	}
	fmt.Print("\nProceed? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printStatus(status *agent.Status) {
	fmt.Println()
	if status.Success {
		fmt.Printf("SUCCESS after %d actions.\n", status.ActionsTaken)
	} else if status.Error != "" {
		fmt.Printf("FAILED after %d actions: %s\n", status.ActionsTaken, status.Error)
	} else {
		fmt.Printf("Done after %d actions.\n", status.ActionsTaken)
	}
	fmt.Printf("Final screen: %s\n", status.CurrentState)

	if len(status.History) > 0 {
		fmt.Println("\nActions:")
		for i, h := range status.History {
			verdict := "ok"
			switch {
			case h.Error != "":
				verdict = "failed: " + h.Error
			case !h.ScreenChanged:
				verdict = "no visible effect"
			}
			fmt.Printf("  %2d. %-40s %s\n", i+1, h.Action.Intent, verdict)
		}
	}
}

func showStats(cmd *cobra.Command, args []string) error {
	store, err := memory.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open task memory: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Tasks:          %d (%d successful)\n", stats.TotalTasks, stats.SuccessfulTasks)
	fmt.Printf("Actions:        %d\n", stats.TotalActions)
	fmt.Printf("Known pitfalls: %d\n", stats.KnownFailures)

	tasks, err := store.RecentTasks(10)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Println("\nRecent tasks:")
		for _, t := range tasks {
			fmt.Printf("  [%-7s] %-50s %d actions  %s\n", t.Status, truncate(t.Goal, 50), t.TotalActions, t.StartedAt)
		}
	}
	return nil
}

func requestStop(cmd *cobra.Command, args []string) error {
	path := cfg.StopFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to create stop file: %w", err)
	}
	fmt.Printf("Stop requested: %s\n", path)
	return nil
}

func clearStop(cmd *cobra.Command, args []string) error {
	path := cfg.StopFilePath()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No stop marker present.")
			return nil
		}
		return err
	}
	fmt.Printf("Stop marker removed: %s\n", path)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
