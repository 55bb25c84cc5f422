// Package agent implements the worker runtime: a state machine that
// registers with the coordinator, proves the deployment healthy, then
// runs heartbeat and job-processing loops until shutdown.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/config"
	"github.com/gridworks/dispatch/internal/operations"
	"github.com/gridworks/dispatch/internal/ptr"
)

// State is the agent lifecycle position.
type State string

const (
	StateInitializing State = "initializing"
	StateRegistering  State = "registering"
	StateHealthCheck  State = "health_check"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateError        State = "error"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

const (
	// Watchdog limits on time spent in a startup phase.
	registeringDeadline = 5 * time.Minute
	healthCheckDeadline = 3 * time.Minute
	watchdogInterval    = 5 * time.Second

	// probeFailureLimit sends health_check back to registering.
	probeFailureLimit = 3

	// heartbeatFailureLimit triggers a synchronous reprobe.
	heartbeatFailureLimit = 5

	// claimPollInterval paces the job loop when the queue is empty.
	claimPollInterval = 2 * time.Second

	// probeRetryDelay paces probe rounds within health_check.
	probeRetryDelay = 5 * time.Second

	// shutdownReason is reported for a job in flight when the agent
	// stops.
	shutdownReason = "Bot terminated"
)

// coordinator is the surface of Client the runtime depends on.
type coordinator interface {
	Register(ctx context.Context, instanceID string, operations []string) (*Registration, error)
	Heartbeat(ctx context.Context, botID uuid.UUID) error
	Claim(ctx context.Context, botID uuid.UUID) (*Assignment, error)
	Start(ctx context.Context, jobID, botID uuid.UUID) error
	Complete(ctx context.Context, jobID, botID uuid.UUID, value int64, duration time.Duration) error
	Fail(ctx context.Context, jobID, botID uuid.UUID, reason string, duration time.Duration) error
	BotListed(ctx context.Context, botID uuid.UUID) (bool, error)
	Healthy(ctx context.Context) error
	MetricsOK(ctx context.Context) error
	Close()
}

// Agent drives the worker lifecycle against one coordinator.
type Agent struct {
	cfg        *config.BotConfig
	client     coordinator
	instanceID string

	mu         sync.Mutex
	state      State
	stateSince time.Time
	botID      uuid.UUID
	currentJob *Assignment
	jobStarted time.Time

	heartbeatInterval time.Duration
	startupAttempts   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	roll  func() float64
}

// New creates an agent over the given coordinator client.
func New(cfg *config.BotConfig, client coordinator) *Agent {
	hostname, _ := os.Hostname()
	return &Agent{
		cfg:               cfg,
		client:            client,
		instanceID:        fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		state:             StateInitializing,
		stateSince:        time.Now(),
		heartbeatInterval: cfg.HeartbeatInterval(),
		now:               time.Now,
		sleep:             sleepCtx,
		roll:              rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// setState transitions the machine, logging old to new. Transitions out
// of shutting_down are only allowed to stopped.
func (a *Agent) setState(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == next {
		return
	}
	if a.state == StateShuttingDown && next != StateStopped {
		return
	}
	if a.state == StateStopped {
		return
	}

	slog.Info("agent state transition",
		"bot_key", a.cfg.BotKey,
		"from", a.state,
		"to", next)
	a.state = next
	a.stateSince = a.now()
}

// inState reports whether the machine is still in want; phase loops use
// it to notice watchdog or shutdown transitions.
func (a *Agent) inState(want State) bool {
	return a.State() == want
}

func (a *Agent) stateAge() (State, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.now().Sub(a.stateSince)
}

// Run drives the lifecycle until the context is cancelled or the
// startup attempt cap is exhausted.
func (a *Agent) Run(ctx context.Context) error {
	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go a.watchdog(watchdogCtx)

	for {
		if ctx.Err() != nil {
			a.shutdown()
			return nil
		}

		switch a.State() {
		case StateInitializing:
			a.setState(StateRegistering)
		case StateRegistering:
			a.register(ctx)
		case StateHealthCheck:
			a.healthCheck(ctx)
		case StateReady:
			a.serve(ctx)
		case StateError:
			a.recoverFromError(ctx)
		case StateStopped:
			return nil
		default:
			a.shutdown()
			return nil
		}
	}
}

// watchdog forces a transition to error when a startup phase overstays
// its deadline.
func (a *Agent) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, age := a.stateAge()
			var deadline time.Duration
			switch state {
			case StateRegistering:
				deadline = registeringDeadline
			case StateHealthCheck:
				deadline = healthCheckDeadline
			default:
				continue
			}
			if age > deadline {
				slog.Warn("watchdog: phase deadline exceeded",
					"state", state,
					"in_state_for", age)
				a.setState(StateError)
			}
		}
	}
}

// newBackoff builds the retry schedule: delay grows from the base by
// the exponential factor up to the max.
func (a *Agent) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0

	b.InitialInterval = config.DefaultRetryBaseDelay
	if a.cfg.Retry.BaseDelay > 0 {
		b.InitialInterval = time.Duration(a.cfg.Retry.BaseDelay * float64(time.Second))
	}
	b.Multiplier = config.DefaultRetryExponentialBase
	if a.cfg.Retry.ExponentialBase > 0 {
		b.Multiplier = a.cfg.Retry.ExponentialBase
	}
	b.MaxInterval = config.DefaultRetryMaxDelay
	if a.cfg.Retry.MaxDelay > 0 {
		b.MaxInterval = time.Duration(a.cfg.Retry.MaxDelay * float64(time.Second))
	}
	return b
}

func (a *Agent) maxStartupAttempts() int {
	if a.cfg.MaxStartupAttempts > 0 {
		return a.cfg.MaxStartupAttempts
	}
	return config.DefaultMaxStartupAttempts
}

func (a *Agent) maxPhaseRetries() int {
	if a.cfg.Retry.MaxAttempts > 0 {
		return a.cfg.Retry.MaxAttempts
	}
	return config.DefaultRetryMaxAttempts
}

// register attempts registration with backoff until it succeeds, the
// per-phase retry budget runs out, or the watchdog intervenes.
func (a *Agent) register(ctx context.Context) {
	schedule := a.newBackoff()

	for attempt := 1; a.inState(StateRegistering); attempt++ {
		a.mu.Lock()
		a.startupAttempts++
		total := a.startupAttempts
		a.mu.Unlock()

		if total > a.maxStartupAttempts() {
			slog.Error("startup attempt cap exhausted, stopping",
				"attempts", total-1)
			a.setState(StateStopped)
			return
		}

		reg, err := a.client.Register(ctx, a.instanceID, operations.Names())
		if err == nil {
			a.mu.Lock()
			a.botID = reg.BotID
			a.mu.Unlock()
			if interval := reg.HeartbeatInterval(); interval > 0 {
				a.heartbeatInterval = interval
			}
			slog.Info("registered with coordinator",
				"bot_id", reg.BotID,
				"heartbeat_interval", a.heartbeatInterval,
				"assigned_operation", ptr.Deref(reg.Assignment.Operation, "any"))
			a.setState(StateHealthCheck)
			return
		}

		slog.Warn("registration failed",
			"attempt", attempt,
			"error", err)

		if attempt >= a.maxPhaseRetries() {
			a.setState(StateError)
			return
		}
		if a.sleep(ctx, schedule.NextBackOff()) != nil {
			return
		}
	}
}

// healthCheck runs the three probes in order until all pass. Three
// consecutive failed rounds fall back to registering.
func (a *Agent) healthCheck(ctx context.Context) {
	failures := 0

	for a.inState(StateHealthCheck) {
		if err := a.probe(ctx); err != nil {
			failures++
			slog.Warn("health probe failed",
				"consecutive_failures", failures,
				"error", err)
			if failures >= probeFailureLimit {
				a.setState(StateRegistering)
				return
			}
			if a.sleep(ctx, probeRetryDelay) != nil {
				return
			}
			continue
		}

		slog.Info("health probes passed", "bot_id", a.botID)
		a.setState(StateReady)
		return
	}
}

// probe verifies registration visibility, coordinator health and the
// metrics shape, in that order.
func (a *Agent) probe(ctx context.Context) error {
	a.mu.Lock()
	botID := a.botID
	a.mu.Unlock()

	listed, err := a.client.BotListed(ctx, botID)
	if err != nil {
		return fmt.Errorf("bot listing probe: %w", err)
	}
	if !listed {
		return fmt.Errorf("bot %s not visible in coordinator listing", botID)
	}
	if err := a.client.Healthy(ctx); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	if err := a.client.MetricsOK(ctx); err != nil {
		return fmt.Errorf("metrics probe: %w", err)
	}
	return nil
}

// recoverFromError backs off, then re-enters registering while startup
// attempts remain.
func (a *Agent) recoverFromError(ctx context.Context) {
	a.mu.Lock()
	attempts := a.startupAttempts
	a.mu.Unlock()

	if attempts >= a.maxStartupAttempts() {
		slog.Error("startup attempt cap reached in error state, stopping",
			"attempts", attempts)
		a.setState(StateStopped)
		return
	}

	delay := a.newBackoff()
	delay.Reset()
	wait := delay.NextBackOff()
	slog.Info("recovering from error state",
		"backoff", wait,
		"attempts", attempts)
	if a.sleep(ctx, wait) != nil {
		return
	}
	a.setState(StateRegistering)
}

// serve runs the heartbeat and job loops while the agent is ready or
// processing.
func (a *Agent) serve(ctx context.Context) {
	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(serveCtx)
		stop()
	}()

	a.jobLoop(serveCtx)
	stop()
	wg.Wait()
}

func (a *Agent) serving() bool {
	s := a.State()
	return s == StateReady || s == StateProcessing
}

// heartbeatLoop pings liveness on the advertised interval. Five
// consecutive failures trigger a synchronous reprobe; a failed reprobe
// transitions to error.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for a.serving() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.client.Heartbeat(ctx, a.botID); err != nil {
			failures++
			slog.Warn("heartbeat failed",
				"consecutive_failures", failures,
				"error", err)
			if failures < heartbeatFailureLimit {
				continue
			}

			if probeErr := a.probe(ctx); probeErr != nil {
				slog.Error("reprobe after heartbeat failures failed",
					"error", probeErr)
				a.setState(StateError)
				return
			}
			failures = 0
			continue
		}
		failures = 0
	}
}

// jobLoop claims and executes jobs while the agent is ready.
func (a *Agent) jobLoop(ctx context.Context) {
	for a.serving() {
		if ctx.Err() != nil {
			return
		}

		assignment, err := a.client.Claim(ctx, a.botID)
		if err != nil {
			slog.Warn("claim failed", "error", err)
			if a.sleep(ctx, claimPollInterval) != nil {
				return
			}
			continue
		}
		if assignment == nil {
			if a.sleep(ctx, claimPollInterval) != nil {
				return
			}
			continue
		}

		a.runJob(ctx, assignment)
	}
}

// runJob drives one claimed job through start, execution and the
// terminal report. The job is never left un-reported while the agent is
// running.
func (a *Agent) runJob(ctx context.Context, assignment *Assignment) {
	a.mu.Lock()
	a.currentJob = assignment
	a.jobStarted = a.now()
	a.mu.Unlock()
	a.setState(StateProcessing)

	defer func() {
		a.mu.Lock()
		a.currentJob = nil
		a.mu.Unlock()
		a.setState(StateReady)
	}()

	slog.Info("job claimed",
		"job_id", assignment.ID,
		"operation", assignment.Operation)

	if err := a.client.Start(ctx, assignment.ID, a.botID); err != nil {
		slog.Warn("failed to start job, abandoning claim",
			"job_id", assignment.ID,
			"error", err)
		return
	}

	value, execErr := a.execute(ctx, assignment)
	elapsed := a.now().Sub(a.jobStarted)

	if ctx.Err() != nil {
		// The run context is gone, so the report rides a fresh one.
		a.reportInterrupted(assignment, elapsed)
		return
	}

	if execErr != nil {
		if err := a.client.Fail(ctx, assignment.ID, a.botID, execErr.Error(), elapsed); err != nil {
			slog.Error("failed to report job failure",
				"job_id", assignment.ID,
				"error", err)
		} else {
			slog.Info("job failed",
				"job_id", assignment.ID,
				"reason", execErr.Error())
		}
		return
	}

	if err := a.client.Complete(ctx, assignment.ID, a.botID, value, elapsed); err != nil {
		slog.Error("failed to report job completion",
			"job_id", assignment.ID,
			"error", err)
		return
	}
	slog.Info("job completed",
		"job_id", assignment.ID,
		"value", value,
		"duration", elapsed)
}

// reportInterrupted fails a job whose execution was cut short by
// cancellation, either shutdown or a forced fallback. Reporting here
// returns the job immediately instead of leaving it in processing
// until the coordinator times it out.
func (a *Agent) reportInterrupted(assignment *Assignment, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.client.Fail(ctx, assignment.ID, a.botID, shutdownReason, elapsed); err != nil {
		slog.Warn("failed to report interrupted job",
			"job_id", assignment.ID,
			"error", err)
		return
	}
	slog.Info("reported interrupted job as failed",
		"job_id", assignment.ID,
		"reason", shutdownReason)
}

// execute computes the operation result, holds it for the simulated
// processing duration, then applies the configured failure rate.
func (a *Agent) execute(ctx context.Context, assignment *Assignment) (int64, error) {
	value, err := operations.Execute(assignment.Operation, assignment.A, assignment.B)
	if err != nil {
		return 0, err
	}

	if err := a.sleep(ctx, a.cfg.ProcessingDuration()); err != nil {
		return 0, err
	}

	if a.cfg.FailureRate > 0 && a.roll() < a.cfg.FailureRate {
		return 0, fmt.Errorf("simulated processing failure")
	}
	return value, nil
}

// shutdown reports any in-flight job as failed, releases the connection
// pool and parks the machine in stopped.
func (a *Agent) shutdown() {
	a.setState(StateShuttingDown)

	a.mu.Lock()
	job := a.currentJob
	started := a.jobStarted
	botID := a.botID
	a.currentJob = nil
	a.mu.Unlock()

	if job != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		elapsed := a.now().Sub(started)
		if err := a.client.Fail(ctx, job.ID, botID, shutdownReason, elapsed); err != nil {
			slog.Warn("failed to report in-flight job on shutdown",
				"job_id", job.ID,
				"error", err)
		} else {
			slog.Info("reported in-flight job as failed on shutdown",
				"job_id", job.ID)
		}
	}

	a.client.Close()
	a.setState(StateStopped)
	slog.Info("agent stopped", "bot_key", a.cfg.BotKey)
}
