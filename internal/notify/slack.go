// Package notify sends Slack webhook notifications for pipeline run
// lifecycle events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tabflow/tabflow/internal/config"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunStarted sends notification when a pipeline run starts
func (n *Notifier) RunStarted(runID, pipeline, entity string, stepCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Title: "Pipeline Run Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Steps", Value: fmt.Sprintf("%d", stepCount), Short: true},
					{Title: "Pipeline", Value: pipeline, Short: true},
					{Title: "Entity", Value: entity, Short: true},
				},
				Footer:    "tabflow",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCompleted sends notification when a run completes successfully
func (n *Notifier) RunCompleted(runID string, startTime time.Time, duration time.Duration, stepCount int, primaryRows int) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Pipeline run completed successfully. %d steps executed, %s rows in the primary dataset.",
		stepCount, formatNumberWithCommas(int64(primaryRows)))

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f", // green
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Steps", Value: fmt.Sprintf("%d", stepCount), Short: true},
					{Title: "Primary Rows", Value: formatNumberWithCommas(int64(primaryRows)), Short: true},
				},
				Footer:    "tabflow",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunFailed sends notification when a run fails
func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Pipeline Run Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "tabflow",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RunCompletedWithErrors sends notification when a run finishes after
// collecting step failures (stop_on_error disabled)
func (n *Notifier) RunCompletedWithErrors(runID string, startTime time.Time, duration time.Duration,
	succeeded, failed int, failures []string) error {
	if !n.IsEnabled() {
		return nil
	}

	// Build failure summary
	failureSummary := ""
	if len(failures) > 0 {
		if len(failures) <= 5 {
			failureSummary = fmt.Sprintf("Failed steps: %s", failures[0])
			for i := 1; i < len(failures); i++ {
				failureSummary += ", " + failures[i]
			}
		} else {
			failureSummary = fmt.Sprintf("Failed steps: %s, %s, %s... and %d more",
				failures[0], failures[1], failures[2], len(failures)-3)
		}
	}

	headerText := fmt.Sprintf("Pipeline run completed with errors. %d steps succeeded, %d steps failed.",
		succeeded, failed)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow/orange
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Succeeded", Value: fmt.Sprintf("%d steps", succeeded), Short: true},
					{Title: "Failed", Value: fmt.Sprintf("%d steps", failed), Short: true},
					{Title: "Failed Steps", Value: failureSummary, Short: false},
				},
				Footer:    "tabflow",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// StepFailed sends notification for individual step failures
func (n *Notifier) StepFailed(runID, stepName string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow
				Title: "Step Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Step", Value: stepName, Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    "tabflow",
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "tabflow"
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
