package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/logging"
)

const maxReportedIssues = 5

// DiscordNotifier sends run reports to a Discord webhook as rich embeds.
type DiscordNotifier struct {
	webhookURL string
	maxRetries int
	retryDelay time.Duration
	logger     *logging.Logger
	client     *http.Client

	sleep func(time.Duration) // injected for tests
}

// NewDiscordNotifier creates a notifier for the given webhook URL. An
// empty URL yields a disabled notifier whose Send is a no-op.
func NewDiscordNotifier(logger *logging.Logger, webhookURL string, timeout time.Duration, maxRetries int, retryDelay time.Duration) *DiscordNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &DiscordNotifier{
		webhookURL: webhookURL,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		sleep:      time.Sleep,
	}
}

// IsEnabled returns whether a webhook URL is configured.
func (n *DiscordNotifier) IsEnabled() bool {
	return n.webhookURL != ""
}

// Send delivers the report, retrying transient failures. The returned
// error is informational only; callers log it and move on.
func (n *DiscordNotifier) Send(ctx context.Context, data *NotificationData) error {
	if !n.IsEnabled() {
		n.logger.Debug("Discord notifications disabled, skipping report")
		return nil
	}

	parsedURL, err := url.Parse(n.webhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid webhook URL scheme %q", parsedURL.Scheme)
	}
	n.logger.Debug("Sending run report to %s", maskURL(n.webhookURL))

	payload := buildDiscordPayload(data)
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	n.logger.Debug("Discord payload: %d bytes", len(payloadBytes))

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			n.logger.Debug("Notification retry %d/%d after %s", attempt, n.maxRetries, n.retryDelay)
			n.sleep(n.retryDelay)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("notification cancelled: %w", ctx.Err())
		}

		lastErr = n.post(ctx, parsedURL.String(), payloadBytes)
		if lastErr == nil {
			n.logger.Info("Run report delivered to Discord")
			return nil
		}
		n.logger.Warning("Notification attempt %d/%d failed: %v", attempt+1, n.maxRetries+1, lastErr)
	}
	return fmt.Errorf("all notification attempts failed: %w", lastErr)
}

func (n *DiscordNotifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stacksave")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// buildDiscordPayload builds a Discord webhook payload with a single
// embed summarizing the run.
func buildDiscordPayload(data *NotificationData) map[string]interface{} {
	var color int
	switch data.Status {
	case StatusSuccess:
		color = 3066993 // Green
	case StatusWarning:
		color = 16753920 // Orange
	case StatusFailure:
		color = 15158332 // Red
	default:
		color = 9807270 // Gray
	}

	title := fmt.Sprintf("%s Backup Report: %s", GetStatusEmoji(data.Status), data.Status.Title())
	description := fmt.Sprintf("Backup on **%s** finished with status **%s**", data.Hostname, data.Status.String())
	if data.DryRun {
		description += " (dry run)"
	}
	if data.StatusMessage != "" {
		description += "\n" + data.StatusMessage
	}
	if data.LogURL != "" {
		description += fmt.Sprintf("\n🔗 **[View Full Log](%s)**", data.LogURL)
	}

	fields := []map[string]interface{}{
		{
			"name":   "Hostname",
			"value":  data.Hostname,
			"inline": true,
		},
		{
			"name":   "Duration",
			"value":  FormatDuration(data.BackupDuration),
			"inline": true,
		},
		{
			"name":   "Stages",
			"value":  fmt.Sprintf("%d/%d (last: %s)", data.StagesCompleted, data.StagesTotal, data.LastStage),
			"inline": true,
		},
		{
			"name":   "Stacks",
			"value":  fmt.Sprintf("%d stack(s), %d container(s) stopped", data.StacksDiscovered, data.ContainersStopped),
			"inline": true,
		},
	}

	if data.BackupFile != "" {
		fields = append(fields, map[string]interface{}{
			"name":   "Archive",
			"value":  fmt.Sprintf("%s (%s)", data.BackupFile, data.BackupSizeHR),
			"inline": true,
		})
	}

	if data.SyncEnabled {
		syncValue := data.SyncStatus
		if data.SyncAttempts > 0 {
			syncValue = fmt.Sprintf("%s (%d attempt(s), %s)", data.SyncStatus, data.SyncAttempts, data.SyncBytesHR)
		}
		fields = append(fields, map[string]interface{}{
			"name":   "Off-site Sync",
			"value":  syncValue,
			"inline": true,
		})
	}

	if len(data.Survivors) > 0 {
		fields = append(fields, map[string]interface{}{
			"name":   "Containers Still Running",
			"value":  issueBlock(data.Survivors),
			"inline": false,
		})
	}

	fields = append(fields, map[string]interface{}{
		"name":   "Issues",
		"value":  fmt.Sprintf("Errors: %d, Warnings: %d", data.ErrorCount, data.WarningCount),
		"inline": false,
	})

	if len(data.Errors) > 0 {
		fields = append(fields, map[string]interface{}{
			"name":   "Errors",
			"value":  issueBlock(data.Errors),
			"inline": false,
		})
	}
	if len(data.Warnings) > 0 {
		fields = append(fields, map[string]interface{}{
			"name":   "Warnings",
			"value":  issueBlock(data.Warnings),
			"inline": false,
		})
	}

	embed := map[string]interface{}{
		"title":       title,
		"description": description,
		"color":       color,
		"fields":      fields,
		"footer": map[string]interface{}{
			"text": fmt.Sprintf("stacksave v%s • Run %s • Exit Code: %d", data.ScriptVersion, data.RunID, data.ExitCode),
		},
		"timestamp": data.BackupDate.Format(time.RFC3339),
	}

	return map[string]interface{}{
		"embeds": []interface{}{embed},
	}
}

// issueBlock renders a bounded code block of messages, truncating with
// a count when there are too many.
func issueBlock(msgs []string) string {
	var b strings.Builder
	b.WriteString("```\n")
	for i, msg := range msgs {
		if i >= maxReportedIssues {
			fmt.Fprintf(&b, "... and %d more\n", len(msgs)-maxReportedIssues)
			break
		}
		b.WriteString(msg)
		b.WriteString("\n")
	}
	b.WriteString("```")
	return b.String()
}

// maskURL hides the token portion of a webhook URL for logging.
func maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	if parsed.Path != "" {
		parts := strings.Split(parsed.Path, "/")
		if len(parts) > 0 && len(parts[len(parts)-1]) > 8 {
			last := parts[len(parts)-1]
			parts[len(parts)-1] = last[:4] + "..." + last[len(last)-4:]
			parsed.Path = strings.Join(parts, "/")
		}
	}
	return parsed.String()
}
