package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	spiderDB "spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/events"
	"spider-admin/internal/spiderd/hub"
	"spider-admin/internal/spiderd/store"
)

// EventRelay mirrors execution lifecycle events to an external system.
// Implementations must never block execution outcome on relay failures.
type EventRelay interface {
	PublishExecutionEvent(ctx context.Context, payload events.ExecutionEventPayload)
}

type DispatcherConfig struct {
	// ScriptDir anchors relative script paths.
	ScriptDir string
	// SkipOverlap enables the per-spider in-flight gate: a fire that finds
	// a run already in flight for the same spider is skipped before any
	// record is created.
	SkipOverlap bool
}

// Dispatcher runs a spider's script as a subprocess and records the
// outcome. Each invocation is expected to run on its own goroutine (the
// trigger engine fires callbacks that way); Execute blocks its caller
// until the subprocess terminates.
type Dispatcher struct {
	store    store.Store
	resolver *EnvironmentResolver
	hub      *hub.Hub
	relay    EventRelay
	cfg      DispatcherConfig
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[uint]bool
}

func NewDispatcher(st store.Store, h *hub.Hub, relay EventRelay, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		resolver: NewEnvironmentResolver(st),
		hub:      h,
		relay:    relay,
		cfg:      cfg,
		log:      logger.With().Str("component", "dispatcher").Logger(),
		inflight: make(map[uint]bool),
	}
}

// Execute resolves the spider, creates an ExecutionLog in the running
// state, spawns the script with the resolved environment, and writes the
// terminal status exactly once. A missing or inactive spider returns
// ErrMissingTarget and creates no record. A run that completes with a
// non-zero exit code is not an error from Execute's point of view; the
// outcome is in the returned record. A store failure while writing the
// terminal status is returned alongside the in-memory record.
func (d *Dispatcher) Execute(ctx context.Context, spiderID uint) (*spiderDB.ExecutionLog, error) {
	spider, err := d.store.GetSpider(spiderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.log.Warn().Uint("spider_id", spiderID).Msg("skipping execution: spider not found")
			return nil, fmt.Errorf("%w: spider %d", ErrMissingTarget, spiderID)
		}
		return nil, err
	}
	if !spider.IsActive {
		d.log.Warn().Uint("spider_id", spiderID).Msg("skipping execution: spider inactive")
		return nil, fmt.Errorf("%w: spider %d", ErrMissingTarget, spiderID)
	}

	if d.cfg.SkipOverlap {
		if !d.acquire(spiderID) {
			d.log.Info().Uint("spider_id", spiderID).Msg("skipping execution: previous run still in flight")
			return nil, fmt.Errorf("%w: spider %d", ErrOverlapSkipped, spiderID)
		}
		defer d.release(spiderID)
	}

	// The running row is persisted before the subprocess is spawned so a
	// hard crash mid-execution still leaves a discoverable record.
	entry := &spiderDB.ExecutionLog{
		SpiderID:  spiderID,
		StartTime: time.Now(),
		Status:    spiderDB.StatusRunning,
	}
	if err := d.store.CreateExecutionLog(entry); err != nil {
		return nil, err
	}
	d.log.Info().Uint("spider_id", spiderID).Uint("execution_id", entry.ID).
		Str("spider", spider.Name).Msg("execution started")
	d.publishUpdate(ctx, entry)

	vars, err := d.resolver.Resolve(spiderID)
	if err != nil {
		return entry, d.finish(ctx, entry, spiderDB.StatusFailed, "", fmt.Sprintf("resolving environment: %v", err))
	}

	scriptPath := spider.ScriptPath
	if !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(d.cfg.ScriptDir, scriptPath)
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return entry, d.finish(ctx, entry, spiderDB.StatusFailed, "", fmt.Sprintf("spider script not found: %s", scriptPath))
	}

	var stdout, stderr bytes.Buffer
	// Once spawned, the script runs to completion; cancellation of the
	// caller's context must not kill the child.
	cmd := exec.Command(scriptPath)
	cmd.Env = mergeEnviron(os.Environ(), vars)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	switch {
	case runErr == nil:
		d.log.Info().Uint("execution_id", entry.ID).Str("spider", spider.Name).Msg("execution succeeded")
		return entry, d.finish(ctx, entry, spiderDB.StatusSuccess, stdout.String(), "")
	case isExitError(runErr):
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = runErr.Error()
		}
		d.log.Error().Uint("execution_id", entry.ID).Str("spider", spider.Name).
			Str("error", errMsg).Msg("execution failed")
		return entry, d.finish(ctx, entry, spiderDB.StatusFailed, stdout.String(), errMsg)
	default:
		// Spawn or supervision failure (interpreter missing, I/O error, ...).
		d.log.Error().Uint("execution_id", entry.ID).Str("spider", spider.Name).
			Err(runErr).Msg("execution could not be run")
		return entry, d.finish(ctx, entry, spiderDB.StatusFailed, stdout.String(), runErr.Error())
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// finish writes the terminal status exactly once, stamps EndTime at the
// same moment, publishes the final update, and releases the execution's
// subscriptions. A persistence failure is returned to the caller; the
// stored row stays running until the startup sweep reconciles it.
func (d *Dispatcher) finish(ctx context.Context, entry *spiderDB.ExecutionLog, status, logContent, errorMessage string) error {
	end := time.Now()
	patch := map[string]interface{}{
		"status":   status,
		"end_time": end,
	}
	if logContent != "" {
		patch["log_content"] = logContent
	}
	if errorMessage != "" {
		patch["error_message"] = errorMessage
	}
	persistErr := d.store.UpdateExecutionLog(entry.ID, patch)
	if persistErr != nil {
		d.log.Error().Uint("execution_id", entry.ID).Err(persistErr).Msg("failed to persist terminal execution status")
	}
	entry.Status = status
	entry.EndTime = &end
	entry.LogContent = logContent
	entry.ErrorMessage = errorMessage

	d.publishUpdate(ctx, entry)
	d.hub.CloseExecution(entry.ID)
	return persistErr
}

func (d *Dispatcher) publishUpdate(ctx context.Context, entry *spiderDB.ExecutionLog) {
	d.hub.Publish(entry.ID, events.LogEvent{Type: events.TypeUpdate, Data: events.Snapshot(entry)})
	if d.relay != nil {
		d.relay.PublishExecutionEvent(ctx, events.ExecutionEventPayload{
			ExecutionID:  entry.ID,
			SpiderID:     entry.SpiderID,
			Status:       entry.Status,
			ErrorMessage: entry.ErrorMessage,
			Timestamp:    time.Now(),
		})
	}
}

func (d *Dispatcher) acquire(spiderID uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[spiderID] {
		return false
	}
	d.inflight[spiderID] = true
	return true
}

func (d *Dispatcher) release(spiderID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, spiderID)
}
