package notify

import "time"

// Provider defines the notification contract for run lifecycle events.
// This interface allows for different notification backends (Slack,
// email, etc.) and enables easier testing through mock implementations.
type Provider interface {
	// RunStarted sends notification when a pipeline run starts.
	RunStarted(runID, pipeline, entity string, stepCount int) error

	// RunCompleted sends notification when a run completes successfully.
	RunCompleted(runID string, startTime time.Time, duration time.Duration, stepCount int, primaryRows int) error

	// RunFailed sends notification when a run fails.
	RunFailed(runID string, err error, duration time.Duration) error

	// RunCompletedWithErrors sends notification when a run finishes
	// after collecting step failures (stop_on_error disabled).
	RunCompletedWithErrors(runID string, startTime time.Time, duration time.Duration, succeeded, failed int, failures []string) error

	// StepFailed sends notification for an individual step failure.
	StepFailed(runID, stepName string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
