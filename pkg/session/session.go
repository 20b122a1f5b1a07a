package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/entities"
	"github.com/gridfarm/worker-agent/pkg/observability"
)

const (
	defaultCancelGrace = 30 * time.Second

	// sessionDirPerm leaves the working directory group traversable for the
	// job user while keeping other users out.
	sessionDirPerm = 0o750
)

// supportedJobSchemas lists the job template revisions this agent can run.
// Jobs on any other revision fail their first action with an explanation.
var supportedJobSchemas = map[string]bool{
	"jobtemplate-2023-09": true,
}

// Update is one reportable action transition, addressed by session and
// action id. Terminal updates carry a completed status and must never be
// dropped; progress updates may be coalesced by the receiver.
type Update struct {
	SessionID string
	ActionID  string
	Action    api.UpdatedSessionAction
	Terminal  bool
}

// Config configures one session runtime.
type Config struct {
	SessionID string
	FarmID    string
	FleetID   string
	QueueID   string
	JobID     string
	WorkerID  string

	// Entities resolves job entity payloads for this session.
	Entities *entities.Cache

	// Runner executes the actions.
	Runner ActionRunner

	// QueueEnv is extra subprocess environment, typically the credential
	// exposure of a queue grant. May be nil.
	QueueEnv map[string]string

	// RootDir hosts the session working directory.
	RootDir string

	// LogDir hosts the session log file. Defaults to RootDir/logs.
	LogDir string

	// RetainDir keeps the working directory after teardown.
	RetainDir bool

	// Log is the delivery configuration the service assigned for this
	// session's log stream. Recorded in the session log; may be nil.
	Log *api.LogConfiguration

	// CancelGrace bounds cleanup time when the service cancels a single
	// action. Default 30s.
	CancelGrace time.Duration

	// OnUpdate receives every reportable transition in pipeline order,
	// delivered in batches. Updates of one batch belong together: a failure
	// and the never-attempted work it doomed must reach the service in the
	// same call. Required. Must be safe for concurrent use and must not
	// block.
	OnUpdate func(batch []Update)

	// OnIdle fires when the pipeline runs out of queued actions. May be nil.
	OnIdle func(sessionID string)

	Logger *zap.Logger
	Events *observability.EventStream
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if c.FarmID == "" || c.FleetID == "" || c.WorkerID == "" {
		return fmt.Errorf("farm, fleet, and worker ids are required")
	}
	if c.QueueID == "" || c.JobID == "" {
		return fmt.Errorf("queue and job ids are required")
	}
	if c.Entities == nil {
		return fmt.Errorf("entity cache is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("action runner is required")
	}
	if c.OnUpdate == nil {
		return fmt.Errorf("update callback is required")
	}
	if c.RootDir == "" {
		return fmt.Errorf("session root directory is required")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.RootDir, "logs")
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = defaultCancelGrace
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Session runs one assigned session's actions strictly in order on a single
// pipeline goroutine. The scheduler appends actions at the tail and the
// pipeline consumes from the head; different sessions run independently.
type Session struct {
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dir      string
	logPath  string
	slog     *zap.Logger
	closeLog func() error

	mu      sync.Mutex
	actions map[string]*action
	queue   []*action
	// deferred holds NEVER_ATTEMPTED actions whose report must follow the
	// running action's terminal status so the service sees them in order.
	deferred []*action
	running  *action
	// interrupting marks the running action as canceled by a drain rather
	// than the service; its cancellation then reports INTERRUPTED.
	interrupting bool
	// envDone records environment ids whose enter action reached a terminal
	// state. Their exit actions stay runnable through failures and drains.
	envDone     map[string]bool
	draining    bool
	interrupted bool

	wake      chan struct{}
	startOnce sync.Once
	doneCh    chan struct{}
}

// New builds a session runtime. Start launches the pipeline.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg: cfg,
		logger: cfg.Logger.With(
			zap.String("session_id", cfg.SessionID),
			zap.String("queue_id", cfg.QueueID),
			zap.String("job_id", cfg.JobID),
		),
		ctx:     ctx,
		cancel:  cancel,
		actions: make(map[string]*action),
		envDone: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.SessionID }

// QueueID returns the queue the session belongs to.
func (s *Session) QueueID() string { return s.cfg.QueueID }

// Dir returns the session working directory. Empty before Start.
func (s *Session) Dir() string { return s.dir }

// Done is closed once the pipeline has exited and the session's resources
// are released.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Start prepares the working directory and session log and launches the
// pipeline goroutine.
func (s *Session) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.dir = filepath.Join(s.cfg.RootDir, s.cfg.SessionID)
		if mkErr := os.MkdirAll(s.dir, sessionDirPerm); mkErr != nil {
			err = fmt.Errorf("creating session directory: %w", mkErr)
			return
		}
		s.slog, s.closeLog, s.logPath, err = openSessionLog(s.cfg.LogDir, s.cfg.SessionID, s.cfg.Log, s.logger)
		if err != nil {
			return
		}

		s.logger.Info("Session runtime starting", zap.String("session_dir", s.dir), zap.String("session_log", s.logPath))
		s.cfg.Events.RecordEvent(s.ctx, observability.Event{
			Type:      observability.EventSessionStarting,
			Severity:  observability.SeverityInfo,
			FarmID:    s.cfg.FarmID,
			QueueID:   s.cfg.QueueID,
			JobID:     s.cfg.JobID,
			SessionID: s.cfg.SessionID,
			Message:   "Session runtime starting",
			Success:   true,
		})

		go s.run()
	})
	return err
}

// Append adds newly assigned actions to the pipeline tail. Action ids the
// session has already seen are ignored. Actions appended during a drain that
// are not permitted environment exits are reported NEVER_ATTEMPTED.
func (s *Session) Append(defs ...api.SessionActionDefinition) {
	now := time.Now().UTC()
	var out []Update
	var refs []entities.Ref
	s.mu.Lock()
	for _, def := range defs {
		if _, ok := s.actions[def.SessionActionID]; ok {
			continue
		}
		act := newAction(def)
		s.actions[act.id] = act
		if s.interrupted || (s.draining && !s.permittedLocked(act)) {
			act.state = StateNeverAttempted
			if s.running != nil {
				s.deferred = append(s.deferred, act)
			} else {
				out = append(out, s.snapshot(act, now))
			}
			continue
		}
		s.queue = append(s.queue, act)
		observability.ActionsQueued.Inc()
		if ref, ok := s.entityRef(act); ok {
			refs = append(refs, ref)
		}
	}
	s.mu.Unlock()

	if len(refs) > 0 {
		// Seed the cache so the first fetch carries the whole assignment.
		s.cfg.Entities.Prefetch(append([]entities.Ref{entities.JobDetailsRef(s.cfg.JobID)}, refs...)...)
	}
	s.emit(out)
	s.kick()
}

// entityRef maps an action to the entity its run needs. Job details are
// implied for every action and are not listed here.
func (s *Session) entityRef(act *action) (entities.Ref, bool) {
	switch act.actionType {
	case api.ActionTypeEnvEnter, api.ActionTypeEnvExit:
		if act.environmentID == "" {
			return entities.Ref{}, false
		}
		return entities.EnvironmentDetailsRef(s.cfg.JobID, act.environmentID), true
	case api.ActionTypeTaskRun:
		if act.stepID == "" {
			return entities.Ref{}, false
		}
		return entities.StepDetailsRef(s.cfg.JobID, act.stepID), true
	case api.ActionTypeSyncInputJobAttachments:
		return entities.JobAttachmentDetailsRef(s.cfg.JobID), true
	}
	return entities.Ref{}, false
}

// Cancel applies service-initiated cancels. Unknown and completed action ids
// are ignored. A queued action canceled behind a running one becomes
// NEVER_ATTEMPTED and is reported only after that action's terminal status.
func (s *Session) Cancel(actionIDs ...string) {
	now := time.Now().UTC()
	var out []Update
	var cancelID string
	s.mu.Lock()
	for _, id := range actionIDs {
		act, ok := s.actions[id]
		if !ok || act.state.Terminal() || act.state == StateCanceling {
			continue
		}
		switch act.state {
		case StateRunning:
			act.state = StateCanceling
			cancelID = id
		case StateQueued:
			s.removeQueuedLocked(act)
			if s.running != nil {
				act.state = StateNeverAttempted
				s.deferred = append(s.deferred, act)
			} else {
				act.state = StateCanceled
				act.message = "canceled by the service before starting"
				out = append(out, s.snapshot(act, now))
			}
		}
	}
	s.mu.Unlock()

	if cancelID != "" {
		s.logger.Info("Canceling running action", zap.String("action_id", cancelID), zap.Duration("grace", s.cfg.CancelGrace))
		s.cfg.Events.RecordEvent(s.ctx, observability.Event{
			Type:      observability.EventActionCancel,
			Severity:  observability.SeverityInfo,
			SessionID: s.cfg.SessionID,
			ActionID:  cancelID,
			Message:   "Service canceled the running action",
			Success:   true,
		})
		s.cfg.Runner.Cancel(cancelID, s.cfg.CancelGrace)
	}
	s.emit(out)
}

// Drain winds the session down for a regular drain or teardown. The running
// action is canceled with grace, queued actions that are not permitted
// environment exits become NEVER_ATTEMPTED, and the pipeline exits once the
// remaining environment exits have run.
func (s *Session) Drain(grace time.Duration) {
	now := time.Now().UTC()
	var out []Update
	var cancelID string
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	if s.running != nil && s.running.state == StateRunning {
		s.running.state = StateCanceling
		s.interrupting = true
		cancelID = s.running.id
	}
	dropped := s.sweepLocked(true)
	if s.running != nil {
		s.deferred = append(s.deferred, dropped...)
	} else {
		for _, a := range dropped {
			out = append(out, s.snapshot(a, now))
		}
	}
	s.mu.Unlock()

	s.logger.Info("Session draining", zap.Duration("grace", grace))
	if cancelID != "" {
		s.cfg.Runner.Cancel(cancelID, grace)
	}
	s.emit(out)
	s.kick()
}

// Interrupt winds the session down for an expedited drain. The running
// action is reported INTERRUPTED immediately, every queued action is
// reported NEVER_ATTEMPTED, and the runner is canceled with minimum grace
// without waiting for the run to end. The working directory is retained.
func (s *Session) Interrupt(grace time.Duration) {
	now := time.Now().UTC()
	var out []Update
	var cancelID string
	s.mu.Lock()
	if s.interrupted {
		s.mu.Unlock()
		return
	}
	s.interrupted = true
	s.draining = true
	if act := s.running; act != nil && !act.state.Terminal() {
		act.state = StateInterrupted
		act.endedAt = &now
		cancelID = act.id
		out = append(out, s.snapshot(act, now))
		s.running = nil
	}
	dropped := append(s.sweepLocked(false), s.deferred...)
	s.deferred = nil
	for _, a := range dropped {
		out = append(out, s.snapshot(a, now))
	}
	s.mu.Unlock()

	s.logger.Warn("Session interrupted", zap.Duration("grace", grace))
	s.cancel()
	if cancelID != "" {
		s.cfg.Events.RecordEvent(context.Background(), observability.Event{
			Type:      observability.EventActionInterrupt,
			Severity:  observability.SeverityWarning,
			SessionID: s.cfg.SessionID,
			ActionID:  cancelID,
			Message:   "Running action interrupted by worker shutdown",
			Success:   false,
		})
		s.cfg.Runner.Cancel(cancelID, grace)
	}
	s.emit(out)
	s.kick()
}

// run is the pipeline goroutine.
func (s *Session) run() {
	observability.SessionsActive.Inc()
	defer close(s.doneCh)
	defer s.cleanup()
	for {
		act := s.next()
		if act == nil {
			return
		}
		s.execute(act)
	}
}

// next blocks until an action is ready to run. It returns nil once the
// session has drained or been interrupted and nothing more may start.
func (s *Session) next() *action {
	for {
		s.mu.Lock()
		if s.interrupted {
			s.mu.Unlock()
			return nil
		}
		if len(s.queue) > 0 {
			act := s.queue[0]
			s.queue = s.queue[1:]
			now := time.Now().UTC()
			act.state = StateRunning
			act.startedAt = &now
			s.running = act
			s.mu.Unlock()
			observability.ActionsQueued.Dec()
			return act
		}
		draining := s.draining
		s.mu.Unlock()
		if draining {
			return nil
		}
		select {
		case <-s.ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

// execute runs one action to a terminal state.
func (s *Session) execute(act *action) {
	logger := s.logger.With(zap.String("action_id", act.id), zap.String("action_type", string(act.actionType)))
	logger.Info("Starting session action")
	if s.slog != nil {
		s.slog.Info("Action starting", zap.String("action_id", act.id), zap.String("action_type", string(act.actionType)))
	}
	s.cfg.Events.RecordEvent(s.ctx, observability.Event{
		Type:      observability.EventActionStart,
		Severity:  observability.SeverityInfo,
		SessionID: s.cfg.SessionID,
		ActionID:  act.id,
		Message:   fmt.Sprintf("Starting %s", act.actionType),
		Success:   true,
	})

	if act.badDefinition != "" {
		logger.Error("Session action cannot run", zap.String("reason", act.badDefinition))
		s.finish(act, StateFailed, nil, act.badDefinition)
		return
	}

	spec, err := s.buildSpec(act)
	if err != nil {
		logger.Error("Session action cannot run", zap.Error(err))
		s.finish(act, StateFailed, nil, err.Error())
		return
	}

	// A cancel may have landed while entities were being fetched.
	s.mu.Lock()
	canceled := act.state == StateCanceling
	interrupted := s.interrupting
	s.mu.Unlock()
	if canceled {
		if interrupted {
			s.finish(act, StateInterrupted, nil, "")
		} else {
			s.finish(act, StateCanceled, nil, "")
		}
		return
	}

	res, err := s.cfg.Runner.Run(s.ctx, spec)
	if err != nil {
		logger.Error("Session action could not start", zap.Error(err))
		s.finish(act, StateFailed, nil, fmt.Sprintf("starting action: %v", err))
		return
	}

	var exit *int32
	if res.ExitCode != nil {
		// Raw statuses wrap to their signed 32-bit form.
		code := int32(*res.ExitCode)
		exit = &code
	}

	switch res.Outcome {
	case OutcomeSucceeded:
		s.finish(act, StateSucceeded, exit, res.Message)
	case OutcomeTimedOut:
		s.finish(act, StateFailed, exit, TimeoutMessage)
	case OutcomeCanceled:
		s.mu.Lock()
		drainCancel := s.interrupting
		s.mu.Unlock()
		if drainCancel {
			s.finish(act, StateInterrupted, exit, res.Message)
		} else {
			s.finish(act, StateCanceled, exit, res.Message)
		}
	default:
		s.finish(act, StateFailed, exit, res.Message)
	}
}

// buildSpec resolves the entity payloads an action needs. Job details gate
// every action: a session whose job details cannot be fetched runs nothing.
func (s *Session) buildSpec(act *action) (RunSpec, error) {
	details, err := s.cfg.Entities.JobDetails(s.ctx)
	if err != nil {
		return RunSpec{}, err
	}
	if !supportedJobSchemas[details.SchemaVersion] {
		return RunSpec{}, fmt.Errorf("job schema version %q is not supported by this agent", details.SchemaVersion)
	}

	spec := RunSpec{
		SessionID:  s.cfg.SessionID,
		ActionID:   act.id,
		Type:       act.actionType,
		WorkingDir: s.dir,
		Env:        s.actionEnv(act),
		JobDetails: details,
		TaskID:     act.taskID,
		Parameters: act.parameters,
		Log:        s.slog,
		OnProgress: func(p Progress) { s.progress(act, p) },
	}

	switch act.actionType {
	case api.ActionTypeEnvEnter, api.ActionTypeEnvExit:
		spec.Environment, err = s.cfg.Entities.EnvironmentDetails(s.ctx, act.environmentID)
	case api.ActionTypeTaskRun:
		spec.Step, err = s.cfg.Entities.StepDetails(s.ctx, act.stepID)
	case api.ActionTypeSyncInputJobAttachments:
		spec.Attachments, err = s.cfg.Entities.JobAttachmentDetails(s.ctx)
	}
	if err != nil {
		return RunSpec{}, err
	}
	return spec, nil
}

// actionEnv assembles the subprocess environment for one action: the session
// identity plus, when present, the queue credential exposure. The agent's
// own credentials never appear here.
func (s *Session) actionEnv(act *action) map[string]string {
	env := map[string]string{
		"GRIDFARM_SESSION_ID":       s.cfg.SessionID,
		"GRIDFARM_FARM_ID":          s.cfg.FarmID,
		"GRIDFARM_QUEUE_ID":         s.cfg.QueueID,
		"GRIDFARM_JOB_ID":           s.cfg.JobID,
		"GRIDFARM_FLEET_ID":         s.cfg.FleetID,
		"GRIDFARM_WORKER_ID":        s.cfg.WorkerID,
		"GRIDFARM_SESSIONACTION_ID": act.id,
	}
	if act.taskID != "" {
		env["GRIDFARM_TASK_ID"] = act.taskID
	}
	for k, v := range s.cfg.QueueEnv {
		env[k] = v
	}
	return env
}

// progress forwards a mid-run report. Reports arriving after the action
// reached a terminal state are dropped.
func (s *Session) progress(act *action, p Progress) {
	now := time.Now().UTC()
	s.mu.Lock()
	if act.state != StateRunning && act.state != StateCanceling {
		s.mu.Unlock()
		return
	}
	if p.Percent != nil {
		act.percent = p.Percent
	}
	if p.Message != "" {
		act.message = p.Message
	}
	u := s.snapshot(act, now)
	s.mu.Unlock()
	s.emit([]Update{u})
}

// finish records the terminal state of the action the pipeline just ran,
// applies failure propagation to the queue, and reports everything in order:
// the action's own status first, then any actions it doomed, then cancels
// that were waiting behind it.
func (s *Session) finish(act *action, state State, exitCode *int32, message string) {
	now := time.Now().UTC()
	var out []Update
	s.mu.Lock()
	if act.state.Terminal() {
		// An expedited drain already reported this action.
		s.mu.Unlock()
		return
	}
	act.state = state
	act.endedAt = &now
	act.exitCode = exitCode
	if message != "" {
		act.message = message
	}
	if act.actionType == api.ActionTypeEnvEnter && act.environmentID != "" {
		s.envDone[act.environmentID] = true
	}
	s.running = nil
	s.interrupting = false
	out = append(out, s.snapshot(act, now))

	if state != StateSucceeded && act.actionType != api.ActionTypeEnvExit {
		for _, dropped := range s.sweepLocked(true) {
			out = append(out, s.snapshot(dropped, now))
		}
	}
	for _, a := range s.deferred {
		out = append(out, s.snapshot(a, now))
	}
	s.deferred = nil
	idle := len(s.queue) == 0 && !s.draining
	s.mu.Unlock()

	s.emit(out)
	s.logger.Info("Session action finished",
		zap.String("action_id", act.id),
		zap.String("status", string(state)),
	)
	if s.slog != nil {
		s.slog.Info("Action finished", zap.String("action_id", act.id), zap.String("status", string(state)))
	}
	if idle && s.cfg.OnIdle != nil {
		s.cfg.OnIdle(s.cfg.SessionID)
	}
}

// sweepLocked empties the queue into NEVER_ATTEMPTED, keeping environment
// exits whose enter already reached a terminal state when keepExits is true.
// Call with mu held.
func (s *Session) sweepLocked(keepExits bool) []*action {
	if len(s.queue) == 0 {
		return nil
	}
	var dropped []*action
	kept := s.queue[:0]
	for _, a := range s.queue {
		if keepExits && s.permittedLocked(a) {
			kept = append(kept, a)
			continue
		}
		a.state = StateNeverAttempted
		dropped = append(dropped, a)
	}
	s.queue = kept
	if n := len(dropped); n > 0 {
		observability.ActionsQueued.Sub(float64(n))
	}
	return dropped
}

// permittedLocked reports whether an action may still run once the session
// is winding down. Call with mu held.
func (s *Session) permittedLocked(a *action) bool {
	if a.actionType != api.ActionTypeEnvExit {
		return false
	}
	if s.envDone[a.environmentID] {
		return true
	}
	// The exit of an environment whose enter is mid-flight stays queued: the
	// enter reaches a terminal state once its cancel lands, and the exit must
	// then run.
	return s.running != nil &&
		s.running.actionType == api.ActionTypeEnvEnter &&
		s.running.environmentID == a.environmentID
}

// removeQueuedLocked takes one action out of the queue. Call with mu held.
func (s *Session) removeQueuedLocked(act *action) {
	for i, a := range s.queue {
		if a == act {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			observability.ActionsQueued.Dec()
			return
		}
	}
}

// snapshot builds the outbound update for an action. Call with mu held.
func (s *Session) snapshot(act *action, now time.Time) Update {
	return Update{
		SessionID: s.cfg.SessionID,
		ActionID:  act.id,
		Action:    act.update(now),
		Terminal:  act.state.Terminal(),
	}
}

// emit delivers one batch of updates to the scheduler and records the
// terminal ones. The whole batch goes out in a single callback so the
// receiver can keep it together.
func (s *Session) emit(batch []Update) {
	if len(batch) == 0 {
		return
	}
	for _, u := range batch {
		if u.Terminal {
			observability.ActionsCompletedTotal.WithLabelValues(string(u.Action.CompletedStatus)).Inc()
		}
	}
	s.cfg.OnUpdate(batch)
}

// cleanup reports any work the pipeline abandoned, closes the session log,
// and removes the working directory. Interrupted sessions keep their
// directory the way an abnormal exit would.
func (s *Session) cleanup() {
	now := time.Now().UTC()
	var out []Update
	s.mu.Lock()
	dropped := append(s.sweepLocked(false), s.deferred...)
	s.deferred = nil
	for _, a := range dropped {
		out = append(out, s.snapshot(a, now))
	}
	interrupted := s.interrupted
	s.mu.Unlock()

	s.emit(out)

	observability.SessionsActive.Dec()
	if s.closeLog != nil {
		if err := s.closeLog(); err != nil {
			s.logger.Warn("Closing session log", zap.Error(err))
		}
	}
	if s.dir != "" && !s.cfg.RetainDir && !interrupted {
		if err := os.RemoveAll(s.dir); err != nil {
			s.logger.Warn("Removing session directory", zap.Error(err))
		}
	}
	s.cancel()

	s.logger.Info("Session runtime finished")
	s.cfg.Events.RecordEvent(context.Background(), observability.Event{
		Type:      observability.EventSessionComplete,
		Severity:  observability.SeverityInfo,
		FarmID:    s.cfg.FarmID,
		QueueID:   s.cfg.QueueID,
		JobID:     s.cfg.JobID,
		SessionID: s.cfg.SessionID,
		Message:   "Session runtime finished",
		Success:   !interrupted,
	})
}

// kick wakes the pipeline if it is waiting for work.
func (s *Session) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
