package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tabflow/tabflow/internal/checkpoint"
	"github.com/tabflow/tabflow/internal/config"
)

// StatusResult is the machine-readable status of the current/last run.
type StatusResult struct {
	RunID        string     `json:"run_id"`
	Pipeline     string     `json:"pipeline"`
	Entity       string     `json:"entity,omitempty"`
	Period       string     `json:"period,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Resumed      int        `json:"resumed,omitempty"`
	StepsTotal   int        `json:"steps_total"`
	StepsSuccess int        `json:"steps_success"`
	StepsFailed  int        `json:"steps_failed"`
	StepsSkipped int        `json:"steps_skipped"`
}

// StepReport is one step's persisted outcome for the run report.
type StepReport struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunReport is the JSON result document emitted with --output-json.
type RunReport struct {
	RunID           string       `json:"run_id"`
	Pipeline        string       `json:"pipeline"`
	Entity          string       `json:"entity,omitempty"`
	Period          string       `json:"period,omitempty"`
	Status          string       `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	DurationSeconds float64      `json:"duration_seconds"`
	Steps           []StepReport `json:"steps"`
	FailedSteps     []string     `json:"failed_steps"`
	Error           string       `json:"error,omitempty"`
}

// ShowStatus displays status of the current/last incomplete run.
func (o *Orchestrator) ShowStatus() error {
	run, err := o.store.GetLastIncompleteRun()
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No active run")
		return nil
	}

	stats, err := o.store.RunStats(run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("Pipeline: %s\n", run.Pipeline)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Started: %s\n", run.StartedAt.Format(time.RFC3339))
	if run.Resumed > 0 {
		fmt.Printf("Resumed: %d time(s)\n", run.Resumed)
	}
	if stats.Total > 0 {
		fmt.Printf("Steps: %d recorded, %d success, %d failed, %d skipped\n",
			stats.Total, stats.Success, stats.Failed, stats.Skipped)
	}
	if run.Status == "running" && stats.Failed == 0 {
		fmt.Println("Run 'resume' to continue if this run was interrupted.")
	}
	return nil
}

// GetStatusResult builds a StatusResult for the current or most recent
// run, preferring an incomplete one.
func (o *Orchestrator) GetStatusResult() (*StatusResult, error) {
	run, err := o.store.GetLastIncompleteRun()
	if err != nil {
		return nil, err
	}
	if run == nil {
		runs, err := o.store.AllRuns()
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs recorded")
		}
		run = &runs[0]
	}

	stats, err := o.store.RunStats(run.ID)
	if err != nil {
		return nil, err
	}

	return &StatusResult{
		RunID:        run.ID,
		Pipeline:     run.Pipeline,
		Entity:       run.Entity,
		Period:       run.Period,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Resumed:      run.Resumed,
		StepsTotal:   stats.Total,
		StepsSuccess: stats.Success,
		StepsFailed:  stats.Failed,
		StepsSkipped: stats.Skipped,
	}, nil
}

// ShowHistory displays recent runs, newest first.
func (o *Orchestrator) ShowHistory() error {
	runs, err := o.store.AllRuns()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No run history")
		return nil
	}

	fmt.Printf("%-10s %-16s %-20s %-20s %-10s %s\n", "ID", "Pipeline", "Started", "Completed", "Status", "Period")
	fmt.Println(strings.Repeat("-", 90))

	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-10s %-16s %-20s %-20s %-10s %s\n",
			r.ID, r.Pipeline, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status, r.Period)
	}

	fmt.Println("\nUse 'history --run <ID>' to view a run's steps and configuration")
	return nil
}

// ShowRunDetails displays detailed information for a specific run.
func (o *Orchestrator) ShowRunDetails(runID string) error {
	run, err := o.store.RunByID(runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	fmt.Printf("Run ID:    %s\n", run.ID)
	fmt.Printf("Pipeline:  %s\n", run.Pipeline)
	if run.Entity != "" {
		fmt.Printf("Entity:    %s\n", run.Entity)
	}
	if run.Period != "" {
		fmt.Printf("Period:    %s\n", run.Period)
	}
	fmt.Printf("Status:    %s\n", run.Status)
	fmt.Printf("Started:   %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Duration:  %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}

	records, err := o.store.StepResults(run.ID)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		fmt.Printf("\n%-20s %-10s %-10s %-10s %s\n", "Step", "Status", "Attempts", "Duration", "Message")
		fmt.Println(strings.Repeat("-", 80))
		for _, rec := range records {
			msg := rec.Message
			if rec.Error != "" {
				msg = rec.Error
			}
			if len(msg) > 40 {
				msg = msg[:37] + "..."
			}
			fmt.Printf("%-20s %-10s %-10d %-10s %s\n",
				rec.StepName, rec.Status, rec.Attempts, rec.Duration.Round(time.Millisecond), msg)
		}
	}

	if run.Config != "" {
		fmt.Println("\nConfiguration:")
		fmt.Println("--------------")
		var cfg config.Config
		if err := json.Unmarshal([]byte(run.Config), &cfg); err == nil {
			pretty, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(pretty))
		} else {
			fmt.Println(run.Config)
		}
	}

	return nil
}

// LastRunReport builds a RunReport for the most recent run.
func (o *Orchestrator) LastRunReport() (*RunReport, error) {
	runs, err := o.store.AllRuns()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs recorded")
	}
	return o.buildReport(&runs[0])
}

// RunReportByID builds a RunReport for a specific run.
func (o *Orchestrator) RunReportByID(runID string) (*RunReport, error) {
	run, err := o.store.RunByID(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return o.buildReport(run)
}

func (o *Orchestrator) buildReport(run *checkpoint.Run) (*RunReport, error) {
	records, err := o.store.StepResults(run.ID)
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:       run.ID,
		Pipeline:    run.Pipeline,
		Entity:      run.Entity,
		Period:      run.Period,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Steps:       make([]StepReport, 0, len(records)),
		FailedSteps: []string{},
	}
	if run.CompletedAt != nil {
		report.DurationSeconds = run.CompletedAt.Sub(run.StartedAt).Seconds()
	} else if run.Status == "running" {
		report.DurationSeconds = time.Since(run.StartedAt).Seconds()
	}

	for _, rec := range records {
		report.Steps = append(report.Steps, StepReport{
			Name:       rec.StepName,
			Status:     rec.Status,
			Message:    rec.Message,
			Error:      rec.Error,
			Attempts:   rec.Attempts,
			DurationMS: rec.Duration.Milliseconds(),
		})
		if rec.Status == "failed" {
			report.FailedSteps = append(report.FailedSteps, rec.StepName)
			if report.Error == "" {
				report.Error = rec.Error
			}
		}
	}

	return report, nil
}
