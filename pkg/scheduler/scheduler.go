// Package scheduler drives the worker's side of the farm scheduling protocol.
// One loop goroutine reports buffered session action updates through
// UpdateWorkerSchedule, applies the returned assignment diff to local session
// runtimes, and owns the wind-down when a drain begins or the service stops
// the worker. Session runtimes execute concurrently; the loop is the only
// place assignments change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/credentials"
	"github.com/gridfarm/worker-agent/pkg/entities"
	"github.com/gridfarm/worker-agent/pkg/observability"
	"github.com/gridfarm/worker-agent/pkg/session"
)

const (
	// defaultInterval paces scheduling calls until the service sends its own.
	defaultInterval = 15 * time.Second

	defaultCancelGrace = 30 * time.Second

	// drainFlushReserve is budget held back from session grace so the final
	// report still has time to go out.
	drainFlushReserve = time.Second

	// expediteThreshold is the remaining budget at which a regular drain
	// escalates to expedited.
	expediteThreshold = 10 * time.Second

	// minimumCancelGrace is all the cleanup time running actions get under
	// an expedited drain.
	minimumCancelGrace = time.Second
)

// Sentinel results of Run. Anything else is an unrecoverable protocol failure.
var (
	// ErrWorkerGone reports that the service stopped recognizing this worker
	// as STARTED. The caller re-runs the startup workflow.
	ErrWorkerGone = errors.New("worker is no longer registered as started")

	// ErrServiceStop reports that the service directed the worker to stop.
	ErrServiceStop = errors.New("service requested worker stop")
)

// errSyncInterrupted marks a sync cut short by an expedited drain; the loop
// abandons the attempt and runs the drain flush instead.
var errSyncInterrupted = errors.New("schedule sync interrupted by drain")

// DrainMode selects how much patience a drain has with running work.
type DrainMode string

const (
	// DrainRegular cancels running actions with the remaining budget as
	// grace and lets permitted environment exits run.
	DrainRegular DrainMode = "regular"

	// DrainExpedited interrupts everything with minimum grace and reports
	// all of it in a single final call.
	DrainExpedited DrainMode = "expedited"
)

// QueueCredentials is the slice of the credential manager sessions consume:
// refcounted acquisition and release of per-queue credential grants.
// *credentials.QueueManager satisfies it.
type QueueCredentials interface {
	Acquire(ctx context.Context, queueID string) (*credentials.Grant, error)
	Release(queueID string)
}

// Config configures the scheduling loop for one STARTED incarnation of the
// worker.
type Config struct {
	// Service performs the scheduling calls, signed with agent credentials.
	Service api.WorkerService

	FarmID   string
	FleetID  string
	WorkerID string

	// Runner executes session actions.
	Runner session.ActionRunner

	// Queues provides per-queue job credentials.
	Queues QueueCredentials

	// SessionRoot hosts per-session working directories.
	SessionRoot string

	// SessionLogRoot hosts per-queue session log directories. Defaults to
	// SessionRoot/logs.
	SessionLogRoot string

	// RetainSessionDirs keeps session working directories after teardown.
	RetainSessionDirs bool

	// EntityAttempts bounds BatchGetJobEntity retries per batch. Zero keeps
	// the standard bound.
	EntityAttempts int

	// CancelGrace bounds cleanup when the service cancels an action or
	// withdraws a session. Default 30s.
	CancelGrace time.Duration

	// Interval paces scheduling calls until the service supplies its own.
	// Default 15s.
	Interval time.Duration

	Logger *zap.Logger
	Events *observability.EventStream
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.FarmID == "" || c.FleetID == "" || c.WorkerID == "" {
		return fmt.Errorf("farm, fleet, and worker ids are required")
	}
	if c.Runner == nil {
		return fmt.Errorf("action runner is required")
	}
	if c.Queues == nil {
		return fmt.Errorf("queue credential manager is required")
	}
	if c.SessionRoot == "" {
		return fmt.Errorf("session root directory is required")
	}
	if c.SessionLogRoot == "" {
		c.SessionLogRoot = filepath.Join(c.SessionRoot, "logs")
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = defaultCancelGrace
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// entry tracks one live session runtime.
type entry struct {
	runtime *session.Session
	queueID string
	jobID   string
	removed bool
}

// drainState is the most urgent drain requested so far. A zero mode means no
// drain is in progress.
type drainState struct {
	mode   DrainMode
	reason string
}

// Scheduler is the worker's scheduling loop. Create one per STARTED
// incarnation with New and drive it with Run; it is not reused after Run
// returns.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	board  *board

	mu          sync.Mutex
	sessions    map[string]*entry
	interval    time.Duration
	drain       drainState
	serviceStop bool
	goneErr     error
	syncCancel  context.CancelFunc
	escalation  *time.Timer

	wakeCh chan struct{}
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("worker_id", cfg.WorkerID)),
		board:    newBoard(),
		sessions: make(map[string]*entry),
		interval: cfg.Interval,
		wakeCh:   make(chan struct{}, 1),
	}, nil
}

// Run drives the loop until the worker should leave the STARTED state. It
// returns nil once a requested drain has delivered its final report,
// ErrServiceStop when the service directed the stop, ErrWorkerGone when the
// service no longer recognizes the worker, the context error on cancellation,
// and any other error only for unrecoverable protocol failures.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.stopEscalation()
	s.logger.Info("Scheduling loop starting",
		zap.String("farm_id", s.cfg.FarmID),
		zap.String("fleet_id", s.cfg.FleetID),
		zap.Duration("interval", s.pollInterval()))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.sync(ctx)
		switch {
		case errors.Is(err, errSyncInterrupted):
			continue
		case err != nil:
			return err
		}
		s.apply(ctx, resp)
		if done, result := s.finished(); done {
			return result
		}
		s.sleep(ctx)
	}
}

// sync reports everything on the board and fetches the new assignment state.
// Transient failures and the service racing its own bookkeeping retry under
// the loop policy; an expedited drain can cut the retrying short.
func (s *Scheduler) sync(ctx context.Context) (*api.UpdateWorkerScheduleResponse, error) {
	syncCtx, cancel := context.WithCancel(ctx)
	s.setSyncCancel(cancel)
	defer func() {
		s.setSyncCancel(nil)
		cancel()
	}()

	snap := s.board.snapshot()
	req := &api.UpdateWorkerScheduleRequest{
		FarmID:                s.cfg.FarmID,
		FleetID:               s.cfg.FleetID,
		WorkerID:              s.cfg.WorkerID,
		UpdatedSessionActions: snap.actions,
	}

	var resp *api.UpdateWorkerScheduleResponse
	err := api.Retry(syncCtx, api.LoopPolicy, retryScheduleSync, api.LogRetries(s.logger, "UpdateWorkerSchedule"), func() error {
		var callErr error
		resp, callErr = s.cfg.Service.UpdateWorkerSchedule(syncCtx, req)
		return callErr
	})
	if err != nil {
		if syncCtx.Err() != nil && ctx.Err() == nil {
			return nil, errSyncInterrupted
		}
		observability.ScheduleSyncsTotal.WithLabelValues("error").Inc()
		return nil, s.asLoopResult(err)
	}

	s.board.commit(snap)
	observability.ScheduleSyncsTotal.WithLabelValues("success").Inc()

	if resp.UpdateIntervalSeconds > 0 {
		s.setInterval(time.Duration(resp.UpdateIntervalSeconds) * time.Second)
	}
	return resp, nil
}

// retryScheduleSync keeps the loop alive through transient failures and
// CONCURRENT_MODIFICATION races. Worker state conflicts surface to the caller.
func retryScheduleSync(err error) bool {
	return api.IsRetryable(err) || api.IsConflict(err, api.ConflictConcurrentModification, "")
}

// asLoopResult maps terminal sync failures onto the loop's sentinel results.
// NotFound means the worker record is gone; STATUS_CONFLICT means the service
// moved the worker out of STARTED behind our back.
func (s *Scheduler) asLoopResult(err error) error {
	if api.IsNotFound(err) || api.IsConflict(err, api.ConflictStatusConflict, "") {
		return fmt.Errorf("%w: %w", ErrWorkerGone, err)
	}
	return err
}

// apply reconciles the response onto local sessions in protocol order:
// cancels first, then withdrawn sessions, then new sessions and appended
// actions, and finally the desired worker status.
func (s *Scheduler) apply(ctx context.Context, resp *api.UpdateWorkerScheduleResponse) {
	for _, sessionID := range sortedKeys(resp.CancelSessionActions) {
		ids := resp.CancelSessionActions[sessionID]
		e := s.lookup(sessionID)
		if e == nil {
			s.logger.Warn("Cancel for unknown session", zap.String("session_id", sessionID))
			continue
		}
		e.runtime.Cancel(ids...)
	}

	for _, sessionID := range s.liveSessionIDs() {
		if _, ok := resp.AssignedSessions[sessionID]; !ok {
			s.withdraw(ctx, sessionID)
		}
	}

	for _, sessionID := range sortedKeys(resp.AssignedSessions) {
		assigned := resp.AssignedSessions[sessionID]
		if e := s.lookup(sessionID); e != nil {
			if e.removed {
				s.logger.Warn("Session re-listed while tearing down; ignoring",
					zap.String("session_id", sessionID))
				continue
			}
			e.runtime.Append(assigned.SessionActions...)
			continue
		}
		s.admit(ctx, sessionID, assigned)
	}

	switch resp.DesiredWorkerStatus {
	case "", api.WorkerStatusStarted:
	case api.WorkerStatusStopped:
		if len(resp.AssignedSessions) > 0 {
			s.logger.Error("Service asked for STOPPED with sessions still assigned; ignoring until assignments clear",
				zap.Int("assigned_sessions", len(resp.AssignedSessions)))
			break
		}
		s.noteServiceStop(ctx)
	default:
		s.logger.Warn("Service asked for an unsupported worker status",
			zap.String("desired_status", string(resp.DesiredWorkerStatus)))
	}
}

// admit stands up the runtime for a newly assigned session. Standing it up
// means queue credentials first; any failure before the pipeline starts is
// reported as the first action failing with the reason and the rest never
// attempted.
func (s *Scheduler) admit(ctx context.Context, sessionID string, assigned api.AssignedSession) {
	s.mu.Lock()
	if s.drain.mode != "" || s.serviceStop {
		s.mu.Unlock()
		s.logger.Warn("Ignoring newly assigned session while stopping",
			zap.String("session_id", sessionID))
		return
	}
	if busy, ok := s.busyQueueLocked(); ok && busy != assigned.QueueID {
		s.mu.Unlock()
		// One queue at a time: the session stays assigned and is admitted on
		// a later cycle, after the current queue's sessions tear down.
		s.logger.Info("Holding back session until the active queue drains",
			zap.String("session_id", sessionID),
			zap.String("queue_id", assigned.QueueID),
			zap.String("active_queue_id", busy))
		return
	}
	s.mu.Unlock()

	grant, err := s.cfg.Queues.Acquire(ctx, assigned.QueueID)
	if err != nil {
		s.failAssignment(ctx, sessionID, assigned, fmt.Sprintf("obtaining queue credentials: %v", err))
		return
	}

	cache, err := entities.NewCache(entities.CacheConfig{
		Service:          s.cfg.Service,
		FarmID:           s.cfg.FarmID,
		FleetID:          s.cfg.FleetID,
		WorkerID:         s.cfg.WorkerID,
		SessionID:        sessionID,
		JobID:            assigned.JobID,
		Logger:           s.logger,
		MaxAttempts:      s.cfg.EntityAttempts,
		OnWorkerNotFound: s.noteWorkerGone,
	})
	if err != nil {
		s.cfg.Queues.Release(assigned.QueueID)
		s.failAssignment(ctx, sessionID, assigned, fmt.Sprintf("building entity cache: %v", err))
		return
	}

	rt, err := session.New(session.Config{
		SessionID:   sessionID,
		FarmID:      s.cfg.FarmID,
		FleetID:     s.cfg.FleetID,
		QueueID:     assigned.QueueID,
		JobID:       assigned.JobID,
		WorkerID:    s.cfg.WorkerID,
		Entities:    cache,
		Runner:      s.cfg.Runner,
		QueueEnv:    grant.Environment(),
		RootDir:     s.cfg.SessionRoot,
		LogDir:      filepath.Join(s.cfg.SessionLogRoot, assigned.QueueID),
		RetainDir:   s.cfg.RetainSessionDirs,
		Log:         assigned.LogConfiguration,
		CancelGrace: s.cfg.CancelGrace,
		OnUpdate:    s.record,
		OnIdle:      s.sessionIdle,
		Logger:      s.cfg.Logger,
		Events:      s.cfg.Events,
	})
	if err == nil {
		err = rt.Start()
	}
	if err != nil {
		s.cfg.Queues.Release(assigned.QueueID)
		s.failAssignment(ctx, sessionID, assigned, fmt.Sprintf("starting session runtime: %v", err))
		return
	}
	rt.Append(assigned.SessionActions...)

	s.mu.Lock()
	s.sessions[sessionID] = &entry{runtime: rt, queueID: assigned.QueueID, jobID: assigned.JobID}
	mode := s.drain.mode
	s.mu.Unlock()
	go s.reap(sessionID, rt)

	// A drain that began while the runtime was being stood up missed it.
	switch mode {
	case DrainExpedited:
		rt.Interrupt(minimumCancelGrace)
	case DrainRegular:
		rt.Drain(s.cfg.CancelGrace)
	}

	s.logger.Info("Session assigned",
		zap.String("session_id", sessionID),
		zap.String("queue_id", assigned.QueueID),
		zap.String("job_id", assigned.JobID),
		zap.Int("actions", len(assigned.SessionActions)))
	s.cfg.Events.RecordEvent(ctx, observability.Event{
		Type:      observability.EventSessionAdd,
		Severity:  observability.SeverityInfo,
		FarmID:    s.cfg.FarmID,
		FleetID:   s.cfg.FleetID,
		WorkerID:  s.cfg.WorkerID,
		QueueID:   assigned.QueueID,
		JobID:     assigned.JobID,
		SessionID: sessionID,
		Message:   "Session assigned to worker",
		Metadata:  map[string]interface{}{"queued_actions": len(assigned.SessionActions)},
		Success:   true,
	})
}

// failAssignment reports a session that never got a runtime: its first action
// fails with the reason, the rest are never attempted. Timestamps go only on
// the failed action.
func (s *Scheduler) failAssignment(ctx context.Context, sessionID string, assigned api.AssignedSession, reason string) {
	s.logger.Error("Session could not be started",
		zap.String("session_id", sessionID),
		zap.String("queue_id", assigned.QueueID),
		zap.String("reason", reason))

	now := time.Now().UTC()
	batch := make([]session.Update, 0, len(assigned.SessionActions))
	for i, def := range assigned.SessionActions {
		update := api.UpdatedSessionAction{UpdatedAt: &now}
		if i == 0 {
			update.CompletedStatus = api.CompletedStatusFailed
			update.StartedAt = &now
			update.EndedAt = &now
			update.ProgressMessage = reason
		} else {
			update.CompletedStatus = api.CompletedStatusNeverAttempted
		}
		observability.ActionsCompletedTotal.WithLabelValues(string(update.CompletedStatus)).Inc()
		batch = append(batch, session.Update{
			SessionID: sessionID,
			ActionID:  def.SessionActionID,
			Action:    update,
			Terminal:  true,
		})
	}
	s.record(batch)

	s.cfg.Events.RecordEvent(ctx, observability.Event{
		Type:      observability.EventSessionFailed,
		Severity:  observability.SeverityError,
		FarmID:    s.cfg.FarmID,
		FleetID:   s.cfg.FleetID,
		WorkerID:  s.cfg.WorkerID,
		QueueID:   assigned.QueueID,
		JobID:     assigned.JobID,
		SessionID: sessionID,
		Message:   "Session could not be started",
		Success:   false,
		Error:     reason,
	})
}

// withdraw winds down a session the service no longer lists. Remaining
// permitted environment exits run; the final statuses ride later syncs.
func (s *Scheduler) withdraw(ctx context.Context, sessionID string) {
	s.mu.Lock()
	e := s.sessions[sessionID]
	if e == nil || e.removed {
		s.mu.Unlock()
		return
	}
	e.removed = true
	s.mu.Unlock()

	s.logger.Info("Session withdrawn by the service", zap.String("session_id", sessionID))
	s.cfg.Events.RecordEvent(ctx, observability.Event{
		Type:      observability.EventSessionRemove,
		Severity:  observability.SeverityInfo,
		FarmID:    s.cfg.FarmID,
		FleetID:   s.cfg.FleetID,
		WorkerID:  s.cfg.WorkerID,
		QueueID:   e.queueID,
		JobID:     e.jobID,
		SessionID: sessionID,
		Message:   "Session withdrawn from worker",
		Success:   true,
	})
	e.runtime.Drain(s.cfg.CancelGrace)
}

// reap waits for a session runtime to finish, releases its queue credentials,
// and wakes the loop so teardown statuses flush promptly.
func (s *Scheduler) reap(sessionID string, rt *session.Session) {
	<-rt.Done()
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	s.cfg.Queues.Release(rt.QueueID())
	s.kick()
}

// record receives reportable transition batches from session runtimes and
// the scheduler's own synthesized failures. Failure-class terminals wake the
// loop for immediate reporting; successes ride the next heartbeat.
func (s *Scheduler) record(batch []session.Update) {
	s.board.record(batch)
	wake := false
	for _, u := range batch {
		if !u.Terminal {
			continue
		}
		if e := s.lookup(u.SessionID); e != nil {
			s.cfg.Events.RecordEvent(context.Background(), observability.NewActionEndEvent(
				e.queueID, e.jobID, u.SessionID, u.ActionID,
				string(u.Action.CompletedStatus), u.Action.ProgressMessage))
		}
		switch u.Action.CompletedStatus {
		case api.CompletedStatusFailed, api.CompletedStatusCanceled, api.CompletedStatusInterrupted:
			wake = true
		}
	}
	if wake {
		s.kick()
	}
}

// sessionIdle fires when a session runs out of queued actions; the service
// gets asked for more work right away.
func (s *Scheduler) sessionIdle(sessionID string) {
	s.kick()
}

// noteWorkerGone observes an entity batch discovering that the service no
// longer knows this worker.
func (s *Scheduler) noteWorkerGone(err error) {
	s.mu.Lock()
	if s.goneErr == nil {
		s.goneErr = err
	}
	s.mu.Unlock()
	s.kick()
}

// noteServiceStop records a service-directed stop. Sessions the same response
// withdrew are already tearing down; the loop exits once they are gone and
// everything is reported.
func (s *Scheduler) noteServiceStop(ctx context.Context) {
	s.mu.Lock()
	first := !s.serviceStop
	s.serviceStop = true
	s.mu.Unlock()
	if !first {
		return
	}
	s.logger.Info("Service requested worker stop")
	observability.DrainsTotal.WithLabelValues("service").Inc()
	s.cfg.Events.RecordEvent(ctx, observability.NewWorkerStatusEvent(
		s.cfg.FarmID, s.cfg.FleetID, s.cfg.WorkerID, string(api.WorkerStatusStopped)))
}

// BeginDrain winds the worker down. A regular drain may escalate itself to
// expedited when its budget nearly runs out; a second call can only raise the
// urgency, never lower it. Run returns nil once the final report is out.
func (s *Scheduler) BeginDrain(mode DrainMode, budget time.Duration, reason string) {
	s.mu.Lock()
	if s.drain.mode == DrainExpedited || (s.drain.mode == DrainRegular && mode == DrainRegular) {
		s.mu.Unlock()
		return
	}
	if mode == DrainRegular && budget < expediteThreshold {
		mode = DrainExpedited
	}
	s.drain = drainState{mode: mode, reason: reason}
	runtimes := make([]*session.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		runtimes = append(runtimes, e.runtime)
	}
	s.mu.Unlock()

	s.logger.Warn("Worker draining",
		zap.String("mode", string(mode)),
		zap.Duration("budget", budget),
		zap.String("reason", reason))
	observability.DrainsTotal.WithLabelValues(string(mode)).Inc()

	switch mode {
	case DrainExpedited:
		s.stopEscalation()
		s.interruptSync()
		for _, rt := range runtimes {
			rt.Interrupt(minimumCancelGrace)
		}
	case DrainRegular:
		grace := budget - drainFlushReserve
		for _, rt := range runtimes {
			rt.Drain(grace)
		}
		s.armEscalation(budget - expediteThreshold)
	}
	s.kick()
}

// armEscalation schedules the regular-to-expedited switch for when the drain
// budget is nearly exhausted.
func (s *Scheduler) armEscalation(after time.Duration) {
	t := time.AfterFunc(after, func() {
		s.BeginDrain(DrainExpedited, expediteThreshold, "drain budget nearly exhausted")
	})
	s.mu.Lock()
	if s.escalation != nil {
		s.escalation.Stop()
	}
	s.escalation = t
	s.mu.Unlock()
}

func (s *Scheduler) stopEscalation() {
	s.mu.Lock()
	if s.escalation != nil {
		s.escalation.Stop()
		s.escalation = nil
	}
	s.mu.Unlock()
}

// interruptSync aborts an in-flight schedule call so an expedited drain is
// not stuck behind an unbounded retry series.
func (s *Scheduler) interruptSync() {
	s.mu.Lock()
	cancel := s.syncCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) setSyncCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.syncCancel = cancel
	s.mu.Unlock()
}

// finished decides whether the loop is done and with what result, called
// after each successful sync so the decision always follows a flush.
func (s *Scheduler) finished() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goneErr != nil {
		return true, fmt.Errorf("%w: %w", ErrWorkerGone, s.goneErr)
	}
	if !s.board.empty() {
		return false, nil
	}
	if len(s.sessions) > 0 {
		// An expedited drain reports once and leaves; runner cleanup is not
		// waited for.
		if s.drain.mode == DrainExpedited {
			return true, nil
		}
		return false, nil
	}
	switch {
	case s.drain.mode != "":
		return true, nil
	case s.serviceStop:
		return true, ErrServiceStop
	}
	return false, nil
}

// sleep waits out the poll interval, cut short by action failures, idle
// sessions, drains, and teardown completions.
func (s *Scheduler) sleep(ctx context.Context) {
	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.wakeCh:
	}
}

// kick wakes the loop if it is sleeping.
func (s *Scheduler) kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) lookup(sessionID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func (s *Scheduler) liveSessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// busyQueueLocked returns the queue the worker is currently committed to.
// Call with mu held.
func (s *Scheduler) busyQueueLocked() (string, bool) {
	for _, e := range s.sessions {
		return e.queueID, true
	}
	return "", false
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) setInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
