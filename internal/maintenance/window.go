// Package maintenance opens and closes alert-suppression windows on an
// external monitoring service around backup runs. Every operation is
// soft-fail: monitoring trouble must never block or fail a backup.
package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/logging"
)

// Window is the handle for an open maintenance window, persisted to
// disk so a later invocation can close a window a crashed run left open.
type Window struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	OpenedAt time.Time `json:"opened_at"`
}

// Client talks to the monitoring service's maintenance API.
type Client struct {
	baseURL  string
	token    string
	idFile   string
	logger   *logging.Logger
	client   *http.Client
	disabled bool
}

// NewClient creates a maintenance client. With an empty base URL or
// token the client is disabled and every call is a logged no-op.
func NewClient(logger *logging.Logger, baseURL, token, idFile string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		idFile:   idFile,
		logger:   logger,
		client:   &http.Client{Timeout: timeout},
		disabled: baseURL == "" || token == "",
	}
}

// Enabled reports whether the client will contact the monitoring service.
func (c *Client) Enabled() bool {
	return !c.disabled
}

// Open creates a maintenance window and persists its handle. A nil
// return with a nil window means maintenance is disabled.
func (c *Client) Open(ctx context.Context, runID string, duration time.Duration) (*Window, error) {
	if c.disabled {
		c.logger.Debug("Maintenance window disabled, alerts stay active")
		return nil, nil
	}

	body := map[string]interface{}{
		"title":            fmt.Sprintf("stacksave backup %s", runID),
		"duration_seconds": int(duration.Seconds()),
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/maintenance", body, &resp); err != nil {
		return nil, fmt.Errorf("open maintenance window: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("open maintenance window: empty window id in response")
	}

	w := &Window{ID: resp.ID, RunID: runID, OpenedAt: time.Now()}
	if err := c.persist(w); err != nil {
		c.logger.Warning("Cannot persist maintenance window handle: %v", err)
	}
	c.logger.Info("Maintenance window %s opened", w.ID)
	return w, nil
}

// Close ends the given window and removes the persisted handle.
func (c *Client) Close(ctx context.Context, w *Window) error {
	if c.disabled || w == nil {
		return nil
	}
	if err := c.do(ctx, http.MethodDelete, "/api/maintenance/"+w.ID, nil, nil); err != nil {
		return fmt.Errorf("close maintenance window %s: %w", w.ID, err)
	}
	c.forget()
	c.logger.Info("Maintenance window %s closed", w.ID)
	return nil
}

// CloseDangling closes a window persisted by an earlier run that never
// reached cleanup. It returns false when no handle is on disk.
func (c *Client) CloseDangling(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(c.idFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read window handle %s: %w", c.idFile, err)
	}

	var w Window
	if err := json.Unmarshal(data, &w); err != nil {
		c.forget()
		return false, fmt.Errorf("corrupt window handle %s: %w", c.idFile, err)
	}

	c.logger.Warning("Found dangling maintenance window %s from run %s", w.ID, w.RunID)
	if err := c.Close(ctx, &w); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Client) persist(w *Window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return os.WriteFile(c.idFile, data, 0600)
}

func (c *Client) forget() {
	if err := os.Remove(c.idFile); err != nil && !os.IsNotExist(err) {
		c.logger.Warning("Cannot remove window handle %s: %v", c.idFile, err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("monitoring API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
