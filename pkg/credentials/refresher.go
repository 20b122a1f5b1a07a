package credentials

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/observability"
)

const (
	defaultAdvanceWindow  = 15 * time.Minute
	defaultMandatoryFloor = 10 * time.Minute
	defaultMinDelay       = 30 * time.Second
	defaultWindowRetry    = time.Minute
)

// Notification carries credential trouble from the refresher to the
// lifecycle owner. The owner maps it onto a drain: Fatal means the fleet has
// disowned this worker; Expired means the credentials are already unusable;
// otherwise Expiry is the deadline remaining work must beat.
type Notification struct {
	Err     error
	Expiry  time.Time
	Expired bool
	Fatal   bool
}

// AgentRefresherConfig configures the agent credential refresher.
type AgentRefresherConfig struct {
	// Service performs AssumeFleetRoleForWorker. Its client must sign with
	// RefreshSigner(Provider, bootstrap) so a refresh prefers the live
	// credentials and survives their expiry.
	Service api.WorkerService

	// Provider receives each refreshed credential set.
	Provider *SettableCredentials

	FarmID   string
	FleetID  string
	WorkerID string

	// CacheDir persists each credential set for restart recovery. Empty
	// disables persistence.
	CacheDir string

	Logger *zap.Logger
	Events *observability.EventStream

	// OnTrouble observes refresh failures and short grants. Called from the
	// refresher goroutine; implementations must not block.
	OnTrouble func(Notification)

	// AdvanceWindow is how far before expiry a refresh fires. Default 15m.
	AdvanceWindow time.Duration
	// MandatoryFloor is the remaining lifetime below which the worker must
	// start winding down work. Default 10m.
	MandatoryFloor time.Duration
	// MinDelay is the shortest scheduling distance for a refresh. Default 30s.
	MinDelay time.Duration
	// WindowRetry is the retry cadence once inside the advance window. Default 1m.
	WindowRetry time.Duration
}

// Validate checks required fields and fills in defaults.
func (c *AgentRefresherConfig) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("credential provider is required")
	}
	if c.FarmID == "" || c.FleetID == "" || c.WorkerID == "" {
		return fmt.Errorf("farm, fleet, and worker ids are required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.AdvanceWindow <= 0 {
		c.AdvanceWindow = defaultAdvanceWindow
	}
	if c.MandatoryFloor <= 0 {
		c.MandatoryFloor = defaultMandatoryFloor
	}
	if c.MinDelay <= 0 {
		c.MinDelay = defaultMinDelay
	}
	if c.WindowRetry <= 0 {
		c.WindowRetry = defaultWindowRetry
	}
	return nil
}

// AgentRefresher keeps the agent credentials alive for the whole worker
// lifetime. One refresher runs per worker process.
type AgentRefresher struct {
	cfg    AgentRefresherConfig
	logger *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewAgentRefresher creates a refresher; Start begins the schedule.
func NewAgentRefresher(cfg AgentRefresherConfig) (*AgentRefresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid refresher config: %w", err)
	}
	return &AgentRefresher{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("worker_id", cfg.WorkerID)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the refresh schedule. The first refresh fires AdvanceWindow
// before the installed credentials expire.
func (r *AgentRefresher) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run(ctx)
	})
}

// Stop halts the schedule and waits for the refresher goroutine to exit.
func (r *AgentRefresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}

func (r *AgentRefresher) run(ctx context.Context) {
	defer close(r.doneCh)

	delay := nextRefreshDelay(r.cfg.Provider.Expiration(), time.Now(), r.cfg.AdvanceWindow, r.cfg.MinDelay)
	r.logger.Info("Agent credential refresh scheduled",
		zap.Time("expiry", r.cfg.Provider.Expiration()),
		zap.Duration("delay", delay),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
			timer.Reset(r.refresh(ctx))
		}
	}
}

// RefreshNow performs one synchronous refresh attempt outside the schedule.
func (r *AgentRefresher) RefreshNow(ctx context.Context) error {
	_, err := r.attempt(ctx)
	return err
}

// refresh runs one attempt and returns the delay until the next one.
func (r *AgentRefresher) refresh(ctx context.Context) time.Duration {
	now := time.Now()
	creds, err := r.attempt(ctx)
	if err != nil {
		return r.failureDelay(now, err)
	}

	next := nextRefreshDelay(creds.Expiration, now, r.cfg.AdvanceWindow, r.cfg.MinDelay)
	r.logger.Info("Agent credentials refreshed",
		zap.Time("expiry", creds.Expiration),
		zap.Duration("next_refresh", next),
	)

	// A grant shorter than the mandatory floor cannot support new work.
	if creds.Expiration.Sub(now) < r.cfg.MandatoryFloor {
		r.notify(Notification{Expiry: creds.Expiration})
	}
	return next
}

// attempt performs the service call and installs the result.
func (r *AgentRefresher) attempt(ctx context.Context) (api.TemporaryCredentials, error) {
	resp, err := r.cfg.Service.AssumeFleetRoleForWorker(ctx, &api.AssumeFleetRoleForWorkerRequest{
		FarmID:   r.cfg.FarmID,
		FleetID:  r.cfg.FleetID,
		WorkerID: r.cfg.WorkerID,
	})
	if err != nil {
		observability.CredentialRefreshesTotal.WithLabelValues("agent", "failure").Inc()
		r.cfg.Events.RecordEvent(ctx, observability.NewCredsRefreshEvent("fleet-role", r.cfg.Provider.Expiration(), err))
		return api.TemporaryCredentials{}, err
	}

	creds := resp.Credentials
	if !creds.Valid() || creds.Expired(time.Now()) {
		err := fmt.Errorf("service returned unusable credentials expiring %s", creds.Expiration)
		observability.CredentialRefreshesTotal.WithLabelValues("agent", "failure").Inc()
		r.cfg.Events.RecordEvent(ctx, observability.NewCredsRefreshEvent("fleet-role", creds.Expiration, err))
		return api.TemporaryCredentials{}, err
	}

	r.cfg.Provider.Set(creds)
	observability.CredentialRefreshesTotal.WithLabelValues("agent", "success").Inc()
	r.cfg.Events.RecordEvent(ctx, observability.NewCredsRefreshEvent("fleet-role", creds.Expiration, nil))

	if r.cfg.CacheDir != "" {
		if err := SaveAgentCredentials(r.cfg.CacheDir, r.cfg.WorkerID, creds); err != nil {
			r.logger.Warn("Failed to persist agent credentials", zap.Error(err))
		} else {
			r.cfg.Events.RecordEvent(ctx, observability.NewFileWriteEvent(agentCachePath(r.cfg.CacheDir, r.cfg.WorkerID)))
		}
	}
	return creds, nil
}

// failureDelay classifies a failed attempt, notifies the lifecycle owner, and
// returns the retry delay.
func (r *AgentRefresher) failureDelay(now time.Time, err error) time.Duration {
	expiry := r.cfg.Provider.Expiration()
	remaining := expiry.Sub(now)

	switch {
	case api.IsConflict(err, api.ConflictStatusConflict, r.cfg.FleetID):
		// The fleet no longer recognizes this worker as schedulable.
		r.logger.Error("Fleet refused credential refresh", zap.Error(err))
		r.notify(Notification{Err: err, Expiry: expiry, Fatal: true})
	case remaining <= 0:
		r.logger.Error("Agent credentials expired and refresh keeps failing", zap.Error(err))
		r.notify(Notification{Err: err, Expiry: expiry, Expired: true})
	case remaining < r.cfg.MandatoryFloor:
		r.logger.Warn("Agent credential refresh failing inside the mandatory window",
			zap.Time("expiry", expiry),
			zap.Error(err),
		)
		r.notify(Notification{Err: err, Expiry: expiry})
	default:
		r.logger.Warn("Agent credential refresh failed, will retry",
			zap.Time("expiry", expiry),
			zap.Error(err),
		)
	}

	next := r.cfg.WindowRetry
	if remaining > 0 && remaining < next {
		next = remaining
	}
	return api.DelayFor(err, next)
}

func (r *AgentRefresher) notify(n Notification) {
	if r.cfg.OnTrouble != nil {
		r.cfg.OnTrouble(n)
	}
}
