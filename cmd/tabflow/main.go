package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"github.com/tabflow/tabflow/internal/config"
	"github.com/tabflow/tabflow/internal/exitcodes"
	"github.com/tabflow/tabflow/internal/logging"
	"github.com/tabflow/tabflow/internal/orchestrator"
	"github.com/tabflow/tabflow/internal/progress"
	"github.com/tabflow/tabflow/internal/tui"
	"github.com/tabflow/tabflow/internal/workerpool"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tabflow",
		Usage:   "Pipeline runner for heterogeneous tabular data",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Override the state directory (default from config, else ~/.tabflow)",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Explicit run ID (for Airflow, default: auto-generated)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result document.
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a new pipeline run",
				Action: runPipeline,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "entity",
						Usage: "Entity to run for (overrides pipeline.entity)",
					},
					&cli.StringFlag{
						Name:  "period",
						Usage: "Period override (YYYYMM); default: detected from file names",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Show the live dashboard (requires a terminal)",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted run from its latest checkpoint",
				Action: resumePipeline,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Run ID to resume (default: most recent incomplete run)",
					},
					&cli.StringFlag{
						Name:  "from-step",
						Usage: "Restart at this step instead of the one after the checkpoint",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show status of the current/last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recent runs, or view details of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Check the configuration and declared files without running",
				Action: validateConfig,
			},
		},
	}

	err := app.Run(os.Args)
	workerpool.Shutdown(5 * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}
	return config.Load(path)
}

// stepNames lists the pipeline's steps in execution order: the loading
// stage first, then the configured steps.
func stepNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Steps)+1)
	names = append(names, "load")
	for _, sc := range cfg.Steps {
		names = append(names, sc.Name)
	}
	return names
}

// chooseReporter picks progress reporting for a headless run: JSON lines
// on stderr when machine output is requested, a terminal bar when
// interactive, nothing otherwise.
func chooseReporter(c *cli.Context, cfg *config.Config) progress.Reporter {
	if c.Bool("output-json") || c.String("output-file") != "" {
		return progress.NewJSONReporter(os.Stderr, 2*time.Second)
	}
	if progress.IsInteractive() {
		return progress.NewTracker(len(cfg.Steps) + 1)
	}
	return &progress.NullReporter{}
}

// cancelOnSignal cancels the context on SIGINT/SIGTERM so the run stops
// at the next step boundary with its checkpoint saved.
func cancelOnSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
		cancel()
	}()
}

func runPipeline(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if c.Bool("tui") {
		if !progress.IsInteractive() {
			return fmt.Errorf("--tui requires a terminal")
		}
		return runWithDashboard(c, cfg)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{
		DataDir:  c.String("data-dir"),
		RunID:    c.String("run-id"),
		Reporter: chooseReporter(c, cfg),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignal(cancel)

	runErr := orch.Run(ctx, c.String("entity"), c.String("period"))
	emitResult(c, orch, runErr)
	return runErr
}

// runWithDashboard drives the run behind the live TUI. The run executes
// on its own goroutine and feeds the dashboard through program.Send.
func runWithDashboard(c *cli.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var prog *tea.Program
	orch, err := orchestrator.New(cfg, orchestrator.Options{
		DataDir: c.String("data-dir"),
		RunID:   c.String("run-id"),
		OnEvent: func(ev orchestrator.Event) {
			if prog != nil {
				prog.Send(ev)
			}
		},
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	// The dashboard owns the terminal; keep logs off the screen.
	logging.SetOutput(os.Stderr)

	model := tui.NewModel(stepNames(cfg), cancel)
	prog = tea.NewProgram(model)

	go func() {
		err := orch.Run(ctx, c.String("entity"), c.String("period"))
		prog.Send(tui.DoneMsg{Err: err})
	}()

	final, err := prog.Run()
	if err != nil {
		return err
	}

	var runErr error
	if m, ok := final.(tui.Model); ok {
		runErr = m.Err()
	}
	emitResult(c, orch, runErr)
	return runErr
}

func resumePipeline(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{
		DataDir:  c.String("data-dir"),
		Reporter: chooseReporter(c, cfg),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignal(cancel)

	runErr := orch.Resume(ctx, c.String("run"), c.String("from-step"))
	emitResult(c, orch, runErr)
	return runErr
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{DataDir: c.String("data-dir")})
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.GetStatusResult()
		if err != nil {
			result = &orchestrator.StatusResult{Status: "no_runs"}
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	return orch.ShowStatus()
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{DataDir: c.String("data-dir")})
	if err != nil {
		return err
	}
	defer orch.Close()

	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(runID)
	}
	return orch.ShowHistory()
}

func validateConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Options{DataDir: c.String("data-dir")})
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.Validate()
}

// emitResult writes the run report as JSON to stdout and/or a file when
// requested. Reporting problems never mask the run's own error.
func emitResult(c *cli.Context, orch *orchestrator.Orchestrator, runErr error) {
	if !c.Bool("output-json") && c.String("output-file") == "" {
		return
	}

	report, err := orch.LastRunReport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: building run report: %v\n", err)
		return
	}
	if runErr != nil && report.Error == "" {
		report.Error = runErr.Error()
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: marshaling run report: %v\n", err)
		return
	}
	if c.Bool("output-json") {
		fmt.Println(string(data))
	}
	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, data, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: writing output file: %v\n", err)
		}
	}
}
