// Package agent owns the worker lifecycle: registration and identity
// persistence, the agent credential refresher, the scheduling loop while the
// worker is STARTED, drains from signals, credential trouble, and termination
// notices, and the STOPPING/STOPPED epilogue.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/credentials"
	"github.com/gridfarm/worker-agent/pkg/observability"
	"github.com/gridfarm/worker-agent/pkg/scheduler"
)

const (
	// expeditedSignalBudget is all the time an interactive interrupt gets.
	expeditedSignalBudget = 10 * time.Second

	// shutdownHeartbeatInterval paces the empty scheduling calls that keep
	// the worker visible while the host powers down.
	shutdownHeartbeatInterval = 30 * time.Second

	// stoppingTimeoutCap bounds how much drain budget the STOPPING
	// transition may consume.
	stoppingTimeoutCap = 5 * time.Second

	// Drain budgets for credential refresh trouble.
	credentialFatalBudget   = 30 * time.Second
	credentialExpiredBudget = 5 * time.Second
)

// stopPolicy bounds the lifecycle transitions of a worker that is already
// leaving; it must not hold the process hostage.
var stopPolicy = api.Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, MaxElapsed: 30 * time.Second}

// Worker is the agent lifecycle owner. One Worker runs per host; Run blocks
// for the whole process lifetime.
type Worker struct {
	cfg    Config
	logger *zap.Logger
	events *observability.EventStream

	mu        sync.Mutex
	workerID  string
	status    api.WorkerStatus
	sched     *scheduler.Scheduler
	service   api.WorkerService
	stopping  bool
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a worker from a validated configuration.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger,
		events: cfg.Events,
		status: api.WorkerStatusCreated,
	}, nil
}

// Run drives the worker until it stops: bootstrap, the scheduling loop, and
// the stop epilogue. A worker the service forgot re-runs the startup workflow
// when configured to, otherwise Run returns the failure. A nil return means
// the worker wound down cleanly.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.runCtx = ctx
	w.runCancel = cancel
	w.mu.Unlock()

	w.logger.Info("Worker agent starting",
		zap.String("farm_id", w.cfg.FarmID),
		zap.String("fleet_id", w.cfg.FleetID),
		zap.String("version", w.cfg.Version))
	w.events.RecordEvent(ctx, observability.Event{
		Type:     observability.EventAgentInfo,
		Severity: observability.SeverityInfo,
		FarmID:   w.cfg.FarmID,
		FleetID:  w.cfg.FleetID,
		Message:  "Worker agent starting",
		Metadata: platformFields(w.cfg.Version),
		Success:  true,
	})

	if w.cfg.HandleSignals {
		stop := w.watchSignals(ctx)
		defer stop()
	}

	if !w.cfg.DisableHostMetrics {
		metrics := newHostMetrics(w.cfg.HostMetricsInterval, w.logger, w.events)
		metrics.Start(ctx)
		defer metrics.Stop()
	}

	if w.cfg.TerminationCheckURL != "" {
		monitor := newTerminationMonitor(terminationMonitorConfig{
			URL:    w.cfg.TerminationCheckURL,
			Logger: w.logger,
			OnNotice: func(reason string, budget time.Duration) {
				w.Drain(scheduler.DrainRegular, budget, reason)
			},
		})
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	for {
		boot, err := w.bootstrap(ctx)
		if err != nil {
			if ctx.Err() != nil && w.stopRequested() {
				w.logger.Info("Startup abandoned by stop request")
				return nil
			}
			return fmt.Errorf("worker bootstrap: %w", err)
		}

		err = w.runStarted(ctx, boot)
		switch {
		case errors.Is(err, scheduler.ErrWorkerGone):
			if api.IsNotFound(err) {
				if !w.cfg.ReRegisterOnNotFound {
					w.logger.Error("Service no longer knows this worker", zap.Error(err))
					return err
				}
				w.logger.Warn("Service no longer knows this worker, registering a fresh one", zap.Error(err))
				if rmErr := removeWorkerIdentity(w.cfg.identityPath()); rmErr != nil {
					return rmErr
				}
				continue
			}
			w.logger.Warn("Service moved the worker out of STARTED, rerunning startup", zap.Error(err))
			continue
		case errors.Is(err, scheduler.ErrServiceStop):
			return w.serviceStopEpilogue(ctx, boot)
		case err == nil:
			return w.stopEpilogue(ctx, boot)
		default:
			return err
		}
	}
}

// runStarted stands up one STARTED incarnation: queue credentials, the agent
// credential refresher, and the scheduling loop. It returns what the loop
// returned once everything the incarnation owns has shut down.
func (w *Worker) runStarted(ctx context.Context, boot *bootstrapResult) error {
	queues, err := credentials.NewQueueManager(credentials.QueueManagerConfig{
		Service:      boot.service,
		FarmID:       w.cfg.FarmID,
		FleetID:      w.cfg.FleetID,
		WorkerID:     boot.workerID,
		Dir:          w.cfg.queuesDir(),
		JobUserGroup: w.cfg.jobUserGroup(),
		Logger:       w.logger,
		Events:       w.events,
	})
	if err != nil {
		return fmt.Errorf("building queue credential manager: %w", err)
	}
	defer queues.Stop()

	refresher, err := credentials.NewAgentRefresher(credentials.AgentRefresherConfig{
		Service:   boot.refreshService,
		Provider:  boot.provider,
		FarmID:    w.cfg.FarmID,
		FleetID:   w.cfg.FleetID,
		WorkerID:  boot.workerID,
		CacheDir:  w.cfg.credentialsDir(),
		Logger:    w.logger,
		Events:    w.events,
		OnTrouble: w.credentialTrouble,
	})
	if err != nil {
		return fmt.Errorf("building credential refresher: %w", err)
	}
	refresher.Start(ctx)
	defer refresher.Stop()

	sched, err := scheduler.New(scheduler.Config{
		Service:           boot.service,
		FarmID:            w.cfg.FarmID,
		FleetID:           w.cfg.FleetID,
		WorkerID:          boot.workerID,
		Runner:            w.cfg.Runner,
		Queues:            queues,
		SessionRoot:       w.cfg.sessionsDir(),
		SessionLogRoot:    w.cfg.LogDir,
		RetainSessionDirs: w.cfg.RetainSessionDirs,
		EntityAttempts:    w.cfg.EntityAttempts,
		CancelGrace:       w.cfg.CancelGrace,
		Logger:            w.logger,
		Events:            w.events,
	})
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	w.mu.Lock()
	w.sched = sched
	w.service = boot.service
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.sched = nil
		w.mu.Unlock()
	}()

	return sched.Run(ctx)
}

// Drain winds the worker down. Regular drains report STOPPING first and
// spend a bounded slice of the budget on it; expedited drains report
// STOPPING without waiting on it. Repeated calls only raise the urgency.
// Safe to call from any goroutine.
func (w *Worker) Drain(mode scheduler.DrainMode, budget time.Duration, reason string) {
	w.mu.Lock()
	w.stopping = true
	sched := w.sched
	svc := w.service
	cancel := w.runCancel
	ctx := w.runCtx
	w.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	w.logger.Warn("Drain requested",
		zap.String("mode", string(mode)),
		zap.Duration("budget", budget),
		zap.String("reason", reason))

	if sched == nil {
		// Still bootstrapping: abandon startup instead of draining sessions.
		if cancel != nil {
			cancel()
		}
		return
	}

	switch mode {
	case scheduler.DrainExpedited:
		stopCtx, cancelStop := context.WithTimeout(ctx, 2*time.Second)
		if _, err := svc.UpdateWorker(stopCtx, &api.UpdateWorkerRequest{
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: w.WorkerID(),
			Status:   api.WorkerStatusStopping,
		}); err != nil {
			w.logger.Warn("Could not report STOPPING", zap.Error(err))
		} else {
			w.setStatus(ctx, api.WorkerStatusStopping)
		}
		cancelStop()
	default:
		timeout := budget / 10
		if timeout > stoppingTimeoutCap {
			timeout = stoppingTimeoutCap
		}
		start := time.Now()
		stopCtx, cancelStop := context.WithTimeout(ctx, timeout)
		err := w.transitionWorker(stopCtx, svc, w.WorkerID(), api.WorkerStatusStopping,
			api.Policy{InitialDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second})
		cancelStop()
		if err != nil {
			w.logger.Warn("Could not report STOPPING", zap.Error(err))
		}
		budget -= time.Since(start)
	}

	sched.BeginDrain(mode, budget, reason)
}

// watchSignals maps process signals onto drains: SIGTERM winds down within
// the configured budget, SIGINT leaves fast.
func (w *Worker) watchSignals(ctx context.Context) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM:
					go w.Drain(scheduler.DrainRegular, w.cfg.DrainBudget, "SIGTERM")
				case syscall.SIGINT:
					go w.Drain(scheduler.DrainExpedited, expeditedSignalBudget, "SIGINT")
				}
			}
		}
	}()
	return func() { signal.Stop(ch) }
}

// credentialTrouble maps refresher notifications onto drains: a disowned
// worker leaves within a moderate budget, expired credentials leave
// immediately, expiring credentials get whatever lifetime remains. Runs on
// the refresher goroutine, so drains are dispatched asynchronously.
func (w *Worker) credentialTrouble(n credentials.Notification) {
	switch {
	case n.Fatal:
		go w.Drain(scheduler.DrainRegular, credentialFatalBudget, "fleet refused credential refresh")
	case n.Expired:
		go w.Drain(scheduler.DrainExpedited, credentialExpiredBudget, "agent credentials expired")
	default:
		go w.Drain(scheduler.DrainRegular, time.Until(n.Expiry), "agent credentials expiring")
	}
}

// stopEpilogue finishes a worker-initiated stop. The final schedule report
// is already out; the worker leaves the schedulable pool and optionally
// deletes its record.
func (w *Worker) stopEpilogue(ctx context.Context, boot *bootstrapResult) error {
	if err := w.transitionWorker(ctx, boot.service, boot.workerID, api.WorkerStatusStopped, stopPolicy); err != nil {
		w.logger.Error("Could not report STOPPED", zap.Error(err))
	}
	if w.cfg.DeleteOnStop {
		w.deleteWorker(ctx, boot)
	}
	w.logger.Info("Worker stopped", zap.String("worker_id", boot.workerID))
	return nil
}

// serviceStopEpilogue follows a service-directed stop: report STOPPING, hand
// the host to the platform if configured, and keep heartbeating while it
// goes down. Without a shutdown hook the stop completes like a
// worker-initiated one.
func (w *Worker) serviceStopEpilogue(ctx context.Context, boot *bootstrapResult) error {
	if err := w.transitionWorker(ctx, boot.service, boot.workerID, api.WorkerStatusStopping, stopPolicy); err != nil {
		w.logger.Warn("Could not report STOPPING", zap.Error(err))
	}
	if !w.cfg.ShutdownOnStop {
		return w.stopEpilogue(ctx, boot)
	}

	w.logger.Info("Requesting host shutdown")
	if err := w.cfg.ShutdownHost(ctx); err != nil {
		w.logger.Error("Host shutdown request failed", zap.Error(err))
		return w.stopEpilogue(ctx, boot)
	}
	w.heartbeatUntilShutdown(ctx, boot)
	return ctx.Err()
}

// heartbeatUntilShutdown keeps the worker visible to the service while the
// platform powers the host down. The process ends with the host.
func (w *Worker) heartbeatUntilShutdown(ctx context.Context, boot *bootstrapResult) {
	ticker := time.NewTicker(shutdownHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := boot.service.UpdateWorkerSchedule(ctx, &api.UpdateWorkerScheduleRequest{
				FarmID:                w.cfg.FarmID,
				FleetID:               w.cfg.FleetID,
				WorkerID:              boot.workerID,
				UpdatedSessionActions: map[string]api.UpdatedSessionAction{},
			})
			if err != nil {
				w.logger.Debug("Shutdown heartbeat failed", zap.Error(err))
			}
		}
	}
}

// transitionWorker drives one UpdateWorker status change under the given
// retry policy and records the new status on success.
func (w *Worker) transitionWorker(ctx context.Context, svc api.WorkerService, workerID string, status api.WorkerStatus, policy api.Policy) error {
	err := api.Retry(ctx, policy, nil, api.LogRetries(w.logger, "UpdateWorker"), func() error {
		_, callErr := svc.UpdateWorker(ctx, &api.UpdateWorkerRequest{
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: workerID,
			Status:   status,
		})
		return callErr
	})
	if err != nil {
		return err
	}
	w.setStatus(ctx, status)
	return nil
}

// deleteWorker removes the worker record along with the local state that
// named it.
func (w *Worker) deleteWorker(ctx context.Context, boot *bootstrapResult) {
	err := api.Retry(ctx, stopPolicy, nil, api.LogRetries(w.logger, "DeleteWorker"), func() error {
		_, callErr := boot.service.DeleteWorker(ctx, &api.DeleteWorkerRequest{
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: boot.workerID,
		})
		return callErr
	})
	if err != nil {
		w.logger.Error("Could not delete worker record", zap.Error(err))
		return
	}
	if err := removeWorkerIdentity(w.cfg.identityPath()); err != nil {
		w.logger.Warn("Could not remove worker state file", zap.Error(err))
	}
	if err := credentials.DeleteAgentCredentials(w.cfg.credentialsDir(), boot.workerID); err != nil {
		w.logger.Warn("Could not remove cached agent credentials", zap.Error(err))
	}
	w.setStatus(ctx, api.WorkerStatusDeleted)
	w.events.RecordEvent(ctx, observability.Event{
		Type:     observability.EventWorkerDelete,
		Severity: observability.SeverityInfo,
		FarmID:   w.cfg.FarmID,
		FleetID:  w.cfg.FleetID,
		WorkerID: boot.workerID,
		Message:  "Worker record deleted",
		Success:  true,
	})
	w.logger.Info("Worker record deleted", zap.String("worker_id", boot.workerID))
}

// Status reports the worker id and its lifecycle status.
func (w *Worker) Status() (string, api.WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID, w.status
}

// Ready reports whether the worker is STARTED and not winding down; the
// metrics server serves it as the readiness signal.
func (w *Worker) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == api.WorkerStatusStarted && !w.stopping
}

// WorkerID returns the current worker id, empty before registration.
func (w *Worker) WorkerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID
}

func (w *Worker) setWorkerID(id string) {
	w.mu.Lock()
	w.workerID = id
	w.mu.Unlock()
}

func (w *Worker) setStatus(ctx context.Context, status api.WorkerStatus) {
	w.mu.Lock()
	w.status = status
	id := w.workerID
	w.mu.Unlock()
	w.events.RecordEvent(ctx, observability.NewWorkerStatusEvent(
		w.cfg.FarmID, w.cfg.FleetID, id, string(status)))
}

func (w *Worker) stopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}
