package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engels74/stacksave/internal/logging"
	"github.com/engels74/stacksave/internal/run"
)

const (
	// enumTimeout bounds docker ps / docker inspect calls.
	enumTimeout = 30 * time.Second

	// composeTimeout bounds a single docker compose down/up invocation.
	composeTimeout = 3 * time.Minute

	// retryPause separates escalation rounds.
	retryPause = 10 * time.Second

	// verifyPause lets containers settle after docker stop before the
	// re-check.
	verifyPause = 2 * time.Second

	// killDrainPause lets the daemon reap killed containers before the
	// final check; without it freshly killed containers still show up
	// in docker ps.
	killDrainPause = 5 * time.Second
)

// Controller drives container lifecycle through the docker CLI.
type Controller struct {
	logger       *logging.Logger
	runner       run.Runner
	dockerBin    string
	graceSeconds int
	settleDelay  time.Duration
	dryRun       bool

	sleep func(time.Duration) // injected for tests
}

// NewController creates a workload controller.
func NewController(logger *logging.Logger, runner run.Runner, dockerBin string, graceSeconds int, settleDelay time.Duration, dryRun bool) *Controller {
	if dockerBin == "" {
		dockerBin = "docker"
	}
	return &Controller{
		logger:       logger,
		runner:       runner,
		dockerBin:    dockerBin,
		graceSeconds: graceSeconds,
		settleDelay:  settleDelay,
		dryRun:       dryRun,
		sleep:        time.Sleep,
	}
}

// RunningContainers returns the IDs of all running containers, enumerated
// fresh on every call. Stale snapshots must never drive stop decisions.
func (c *Controller) RunningContainers(ctx context.Context) ([]string, error) {
	result := c.runner.Run(ctx, enumTimeout, c.dockerBin, "ps", "-q")
	if !result.Success() {
		return nil, fmt.Errorf("docker ps failed (exit %d): %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	var ids []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// ContainerNames resolves best-effort human labels ("id (name)") for the
// given container IDs. Lookup failures degrade to the bare ID.
func (c *Controller) ContainerNames(ctx context.Context, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	args := append([]string{"inspect", "--format", "{{.Id}} {{.Name}}"}, ids...)
	result := c.runner.Run(ctx, enumTimeout, c.dockerBin, args...)

	names := make(map[string]string)
	if result.Success() {
		for _, line := range strings.Split(result.Stdout, "\n") {
			fields := strings.Fields(strings.TrimSpace(line))
			if len(fields) != 2 {
				continue
			}
			id := fields[0]
			name := strings.TrimPrefix(fields[1], "/")
			if len(id) > 12 {
				id = id[:12]
			}
			names[id] = name
		}
	} else {
		c.logger.Debug("docker inspect failed, falling back to bare IDs: %s", strings.TrimSpace(result.Stderr))
	}

	labels := make([]string, 0, len(ids))
	for _, id := range ids {
		short := id
		if len(short) > 12 {
			short = short[:12]
		}
		if name, ok := names[short]; ok {
			labels = append(labels, fmt.Sprintf("%s (%s)", short, name))
		} else {
			labels = append(labels, short)
		}
	}
	return labels
}

// EnsureStopped brings all running containers down using an escalating
// protocol. Every round runs the full ladder: compose down, then docker
// stop with a grace period on whatever remains, then docker kill as the
// last resort, re-enumerating after each rung. Exhausted rounds start
// the ladder over from compose down. It returns true when no containers
// remain, or false with deduplicated labels of the survivors. Survivors
// are warning material for the caller, never an error: the backup
// proceeds either way.
func (c *Controller) EnsureStopped(ctx context.Context, files []ComposeFile, overallTimeout time.Duration, maxRetries int) (bool, []string) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	deadline := time.Now().Add(overallTimeout)

	if c.dryRun {
		c.logger.Info("[DRY RUN] Would stop %d compose stack(s)", len(files))
		return true, nil
	}

	var ids []string
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			c.logger.Warning("Container shutdown retry %d/%d", attempt, maxRetries)
			c.sleep(retryPause)
		}
		if ctx.Err() != nil {
			c.logger.Warning("Shutdown interrupted by cancellation")
			break
		}
		if time.Now().After(deadline) {
			c.logger.Warning("Shutdown wall-clock budget exhausted")
			break
		}

		ids, err = c.RunningContainers(ctx)
		if err != nil {
			c.logger.Error("Cannot enumerate running containers: %v", err)
			return false, []string{fmt.Sprintf("enumeration failed: %v", err)}
		}
		if len(ids) == 0 {
			c.logger.Info("No running containers, nothing to stop")
			return true, nil
		}

		c.logger.Info("Stopping %d running container(s) across %d stack(s) (round %d/%d)",
			len(ids), len(files), attempt, maxRetries)

		// Rung 1: graceful, per stack.
		c.composeDownAll(ctx, files)

		ids, err = c.RunningContainers(ctx)
		if err != nil {
			c.logger.Error("Cannot re-enumerate containers: %v", err)
			return false, []string{fmt.Sprintf("enumeration failed: %v", err)}
		}
		if len(ids) == 0 {
			c.logger.Info("All containers stopped via compose down")
			return true, nil
		}
		c.logger.Warning("%d container(s) still running after compose down", len(ids))

		if ctx.Err() != nil {
			c.logger.Warning("Shutdown interrupted by cancellation")
			break
		}

		// Rung 2: docker stop with grace period on the stragglers.
		c.stopByID(ctx, ids)
		c.sleep(verifyPause)

		ids, err = c.RunningContainers(ctx)
		if err != nil {
			c.logger.Error("Cannot re-enumerate containers: %v", err)
			return false, []string{fmt.Sprintf("enumeration failed: %v", err)}
		}
		if len(ids) == 0 {
			c.logger.Info("All containers stopped via docker stop")
			return true, nil
		}
		c.logger.Warning("%d container(s) still running after docker stop", len(ids))

		if ctx.Err() != nil {
			c.logger.Warning("Shutdown interrupted by cancellation")
			break
		}

		// Rung 3: kill, then let the daemon reap before checking.
		c.logger.Warning("Killing %d stubborn container(s)", len(ids))
		c.killByID(ctx, ids)
		c.sleep(killDrainPause)

		ids, err = c.RunningContainers(ctx)
		if err != nil {
			c.logger.Error("Cannot re-enumerate containers after kill: %v", err)
			return false, []string{fmt.Sprintf("enumeration failed: %v", err)}
		}
		if len(ids) == 0 {
			c.logger.Info("All containers stopped via docker kill")
			return true, nil
		}
	}

	// Rounds exhausted or interrupted: one final count so the survivor
	// report reflects the current state, not a mid-ladder snapshot.
	if ctx.Err() == nil {
		if final, ferr := c.RunningContainers(ctx); ferr == nil {
			ids = final
		}
	}
	if len(ids) == 0 {
		return true, nil
	}

	survivors := dedupe(c.ContainerNames(ctx, ids))
	c.logger.Warning("%d container(s) survived the shutdown protocol: %s",
		len(survivors), strings.Join(survivors, ", "))
	return false, survivors
}

func (c *Controller) composeDownAll(ctx context.Context, files []ComposeFile) {
	for _, cf := range files {
		c.logger.Step("Stopping stack: %s", cf.Path)
		result := c.runner.Run(ctx, composeTimeout, c.dockerBin, "compose", "-f", cf.Path, "down")
		if !result.Success() {
			c.logger.Warning("compose down failed for %s (exit %d): %s",
				cf.Path, result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}
}

func (c *Controller) stopByID(ctx context.Context, ids []string) {
	grace := c.graceSeconds
	if grace <= 0 {
		grace = 30
	}
	args := append([]string{"stop", "-t", fmt.Sprintf("%d", grace)}, ids...)
	timeout := time.Duration(grace)*time.Second + enumTimeout
	result := c.runner.Run(ctx, timeout, c.dockerBin, args...)
	if !result.Success() {
		c.logger.Warning("docker stop failed (exit %d): %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
}

func (c *Controller) killByID(ctx context.Context, ids []string) {
	args := append([]string{"kill"}, ids...)
	result := c.runner.Run(ctx, enumTimeout, c.dockerBin, args...)
	if !result.Success() {
		c.logger.Warning("docker kill failed (exit %d): %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
}

// Start brings stacks up with docker compose up -d. Failures are logged
// and reflected in the return value but never abort the caller: a stack
// that fails to start must not prevent the others from trying.
func (c *Controller) Start(ctx context.Context, files []ComposeFile) bool {
	if len(files) == 0 {
		return true
	}

	if c.dryRun {
		c.logger.Info("[DRY RUN] Would start %d compose stack(s)", len(files))
		return true
	}

	ok := true
	for _, cf := range files {
		c.logger.Step("Starting stack: %s", cf.Path)
		result := c.runner.Run(ctx, composeTimeout, c.dockerBin, "compose", "-f", cf.Path, "up", "-d")
		if !result.Success() {
			c.logger.Error("compose up failed for %s (exit %d): %s",
				cf.Path, result.ExitCode, strings.TrimSpace(result.Stderr))
			ok = false
		}
	}

	if c.settleDelay > 0 {
		c.sleep(c.settleDelay)
	}
	return ok
}

// EmergencyRestartAll is the last line of the never-stay-down guarantee:
// start every known stack, priority first, and report how many containers
// came back.
func (c *Controller) EmergencyRestartAll(ctx context.Context, priority *ComposeFile, others []ComposeFile) int {
	c.logger.Warning("Emergency restart: bringing all stacks up")

	if priority != nil {
		c.Start(ctx, []ComposeFile{*priority})
	}
	c.Start(ctx, others)

	ids, err := c.RunningContainers(ctx)
	if err != nil {
		c.logger.Error("Cannot count containers after emergency restart: %v", err)
		return 0
	}
	c.logger.Info("%d container(s) running after emergency restart", len(ids))
	return len(ids)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
