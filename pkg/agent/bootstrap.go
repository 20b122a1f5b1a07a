package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/credentials"
	"github.com/gridfarm/worker-agent/pkg/observability"
)

const bootstrapBanner = "Worker successfully bootstrapped and is now running."

// errStaleIdentity marks a persisted worker id the service no longer knows.
// The startup workflow either registers a fresh worker or fails, depending
// on configuration.
var errStaleIdentity = errors.New("persisted worker is unknown to the service")

// bootstrapResult carries everything a STARTED incarnation needs: the worker
// id, the live credential provider, the steady and refresh clients, and the
// hardware advertisement that registered it.
type bootstrapResult struct {
	workerID       string
	provider       *credentials.SettableCredentials
	service        api.WorkerService
	refreshService api.WorkerService
	capabilities   api.Capabilities
	hostProperties *api.HostProperties
	log            *api.LogConfiguration
}

// bootstrap runs the startup workflow, registering a fresh worker at most
// once if the persisted one turns out to be unknown to the service.
func (w *Worker) bootstrap(ctx context.Context) (*bootstrapResult, error) {
	recreated := false
	for {
		boot, err := w.bootstrapOnce(ctx)
		if errors.Is(err, errStaleIdentity) && w.cfg.ReRegisterOnNotFound && !recreated {
			w.logger.Warn("Persisted worker is unknown to the service, registering a fresh one",
				zap.Error(err))
			if rmErr := removeWorkerIdentity(w.cfg.identityPath()); rmErr != nil {
				return nil, rmErr
			}
			recreated = true
			continue
		}
		return boot, err
	}
}

// bootstrapOnce performs one pass of the startup workflow: detect hardware,
// resolve the worker id, obtain agent credentials, and move the worker to
// STARTED.
func (w *Worker) bootstrapOnce(ctx context.Context) (*bootstrapResult, error) {
	props := detectHostProperties(w.logger)
	caps := detectCapabilities(&w.cfg, w.logger)

	bootClient, err := w.cfg.NewService(w.cfg.BootstrapCredentials)
	if err != nil {
		return nil, fmt.Errorf("building bootstrap client: %w", err)
	}

	workerID, persisted, err := loadWorkerIdentity(w.cfg.identityPath(), w.logger)
	if err != nil {
		return nil, err
	}
	if persisted {
		w.logger.Info("Resuming persisted worker", zap.String("worker_id", workerID))
		w.events.RecordEvent(ctx, observability.Event{
			Type:     observability.EventWorkerLoad,
			Severity: observability.SeverityInfo,
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: workerID,
			Message:  "Resumed persisted worker id",
			Success:  true,
		})
	} else {
		workerID, err = w.createWorker(ctx, bootClient, props, caps)
		if err != nil {
			return nil, err
		}
		if err := saveWorkerIdentity(w.cfg.identityPath(), workerID, w.logger); err != nil {
			return nil, err
		}
		w.logger.Info("Registered new worker", zap.String("worker_id", workerID))
		w.events.RecordEvent(ctx, observability.Event{
			Type:     observability.EventWorkerCreate,
			Severity: observability.SeverityInfo,
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: workerID,
			Message:  "Registered new worker",
			Success:  true,
		})
	}
	w.setWorkerID(workerID)

	provider := credentials.NewSettableCredentials(api.TemporaryCredentials{})
	if cached, ok, loadErr := credentials.LoadAgentCredentials(w.cfg.credentialsDir(), workerID); loadErr != nil {
		w.logger.Warn("Could not read cached agent credentials", zap.Error(loadErr))
	} else if ok && cached.Valid() && !cached.Expired(time.Now()) {
		provider.Set(cached)
		w.logger.Info("Resumed cached agent credentials",
			zap.Time("expiration", cached.Expiration))
		w.events.RecordEvent(ctx, observability.Event{
			Type:     observability.EventCredsLoad,
			Severity: observability.SeverityInfo,
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: workerID,
			Message:  "Resumed cached agent credentials",
			Metadata: map[string]interface{}{"expiration": cached.Expiration},
			Success:  true,
		})
	}

	refreshService, err := w.cfg.NewService(credentials.RefreshSigner(provider, w.cfg.BootstrapCredentials))
	if err != nil {
		return nil, fmt.Errorf("building refresh client: %w", err)
	}

	if provider.Expired(time.Now()) {
		if err := w.assumeFleetRole(ctx, bootClient, provider, workerID, persisted); err != nil {
			return nil, err
		}
	}

	steady, err := w.cfg.NewService(provider)
	if err != nil {
		return nil, fmt.Errorf("building service client: %w", err)
	}

	logCfg, err := w.startWorker(ctx, steady, workerID, &caps, props, persisted)
	if err != nil {
		return nil, err
	}

	w.setStatus(ctx, api.WorkerStatusStarted)
	w.logger.Info(bootstrapBanner, zap.String("worker_id", workerID))

	return &bootstrapResult{
		workerID:       workerID,
		provider:       provider,
		service:        steady,
		refreshService: refreshService,
		capabilities:   caps,
		hostProperties: props,
		log:            logCfg,
	}, nil
}

// createWorker registers this host with the fleet. The client token makes
// retried registrations land on one worker record.
func (w *Worker) createWorker(ctx context.Context, svc api.WorkerService, props *api.HostProperties, caps api.Capabilities) (string, error) {
	token := uuid.NewString()
	var workerID string
	shouldRetry := func(err error) bool {
		return api.IsRetryable(err) || api.IsConflict(err, api.ConflictCreateInProgress, "")
	}
	err := api.Retry(ctx, api.BootstrapPolicy, shouldRetry, api.LogRetries(w.logger, "CreateWorker"), func() error {
		resp, callErr := svc.CreateWorker(ctx, &api.CreateWorkerRequest{
			FarmID:         w.cfg.FarmID,
			FleetID:        w.cfg.FleetID,
			ClientToken:    token,
			HostProperties: props,
			Capabilities:   &caps,
		})
		if callErr != nil {
			return callErr
		}
		workerID = resp.WorkerID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("creating worker: %w", err)
	}
	if workerID == "" {
		return "", errors.New("creating worker: service returned an empty worker id")
	}
	return workerID, nil
}

// assumeFleetRole obtains the first agent credential set through the
// bootstrap client and installs it on the provider.
func (w *Worker) assumeFleetRole(ctx context.Context, svc api.WorkerService, provider *credentials.SettableCredentials, workerID string, persisted bool) error {
	var granted api.TemporaryCredentials
	err := api.Retry(ctx, api.BootstrapPolicy, nil, api.LogRetries(w.logger, "AssumeFleetRoleForWorker"), func() error {
		resp, callErr := svc.AssumeFleetRoleForWorker(ctx, &api.AssumeFleetRoleForWorkerRequest{
			FarmID:   w.cfg.FarmID,
			FleetID:  w.cfg.FleetID,
			WorkerID: workerID,
		})
		if callErr != nil {
			return callErr
		}
		granted = resp.Credentials
		return nil
	})
	if err != nil {
		if persisted && api.IsNotFound(err) {
			return fmt.Errorf("%w: %w", errStaleIdentity, err)
		}
		return fmt.Errorf("obtaining agent credentials: %w", err)
	}
	if !granted.Valid() {
		return errors.New("obtaining agent credentials: service granted an incomplete credential set")
	}
	if granted.Expired(time.Now()) {
		return fmt.Errorf("obtaining agent credentials: service granted credentials already expired at %s", granted.Expiration)
	}

	provider.Set(granted)
	w.logger.Info("Installed agent credentials", zap.Time("expiration", granted.Expiration))
	w.events.RecordEvent(ctx, observability.Event{
		Type:     observability.EventCredsInstall,
		Severity: observability.SeverityInfo,
		FarmID:   w.cfg.FarmID,
		FleetID:  w.cfg.FleetID,
		WorkerID: workerID,
		Message:  "Installed agent credentials",
		Metadata: map[string]interface{}{"expiration": granted.Expiration},
		Success:  true,
	})
	if err := credentials.SaveAgentCredentials(w.cfg.credentialsDir(), workerID, granted); err != nil {
		w.logger.Warn("Could not cache agent credentials", zap.Error(err))
	}
	return nil
}

// startWorker moves the worker to STARTED, advertising capabilities and host
// properties. A record still winding down from a previous incarnation is
// moved to STOPPED first and the transition retried from a fresh backoff.
func (w *Worker) startWorker(ctx context.Context, svc api.WorkerService, workerID string, caps *api.Capabilities, props *api.HostProperties, persisted bool) (*api.LogConfiguration, error) {
	w.setStatus(ctx, api.WorkerStatusStarting)

	b := api.BootstrapPolicy.NewBackOff()
	for {
		resp, err := svc.UpdateWorker(ctx, &api.UpdateWorkerRequest{
			FarmID:         w.cfg.FarmID,
			FleetID:        w.cfg.FleetID,
			WorkerID:       workerID,
			Status:         api.WorkerStatusStarted,
			Capabilities:   caps,
			HostProperties: props,
		})
		if err == nil {
			return resp.Log, nil
		}

		re, isReqErr := api.AsRequestError(err)
		statusConflict := isReqErr && re.Kind == api.KindConflict && re.Reason == api.ConflictStatusConflict
		switch {
		case statusConflict && (re.ConflictStatus() == string(api.WorkerStatusStopping) || re.ConflictStatus() == "NOT_COMPATIBLE"):
			// The record is mid-stop from a previous incarnation. Finish
			// the stop, then start over.
			w.logger.Info("Worker record is winding down, stopping it before starting",
				zap.String("conflict_status", re.ConflictStatus()))
			if stopErr := w.transitionWorker(ctx, svc, workerID, api.WorkerStatusStopped, stopPolicy); stopErr != nil {
				return nil, fmt.Errorf("stopping stale worker record: %w", stopErr)
			}
			w.setStatus(ctx, api.WorkerStatusStarting)
			b.Reset()
		case persisted && api.IsNotFound(err):
			return nil, fmt.Errorf("%w: %w", errStaleIdentity, err)
		case statusConflict,
			isReqErr && re.Reason == api.ConflictConcurrentModification,
			api.IsRetryable(err):
			next := b.NextBackOff()
			if next == backoff.Stop {
				return nil, fmt.Errorf("starting worker: %w", err)
			}
			delay := api.DelayFor(err, next)
			w.logger.Warn("Could not start worker yet, retrying",
				zap.Duration("delay", delay), zap.Error(err))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		default:
			return nil, fmt.Errorf("starting worker: %w", err)
		}
	}
}
