package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/credentials"
	"github.com/gridfarm/worker-agent/pkg/session"
	"github.com/gridfarm/worker-agent/test/testutil/mocks"
)

// farmHarness scripts the service side of the scheduling protocol: queued
// one-shot replies first, then a settable steady reply, with every received
// request recorded.
type farmHarness struct {
	svc *mocks.FakeWorkerService

	mu       sync.Mutex
	requests []recordedSchedule
	scripted []scheduleReply
	steady   scheduleReply
}

type scheduleReply struct {
	resp *api.UpdateWorkerScheduleResponse
	err  error
}

type recordedSchedule struct {
	updates map[string]api.UpdatedSessionAction
	wasNil  bool
}

func newFarmHarness() *farmHarness {
	h := &farmHarness{
		steady: scheduleReply{resp: &api.UpdateWorkerScheduleResponse{
			AssignedSessions: map[string]api.AssignedSession{},
		}},
	}
	h.svc = &mocks.FakeWorkerService{
		UpdateWorkerScheduleFunc: h.handleSchedule,
		BatchGetJobEntityFunc:    answerEntities,
	}
	return h
}

func (h *farmHarness) handleSchedule(_ context.Context, req *api.UpdateWorkerScheduleRequest) (*api.UpdateWorkerScheduleResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := recordedSchedule{
		wasNil:  req.UpdatedSessionActions == nil,
		updates: make(map[string]api.UpdatedSessionAction, len(req.UpdatedSessionActions)),
	}
	for id, u := range req.UpdatedSessionActions {
		rec.updates[id] = u
	}
	h.requests = append(h.requests, rec)

	if len(h.scripted) > 0 {
		reply := h.scripted[0]
		h.scripted = h.scripted[1:]
		return reply.resp, reply.err
	}
	return h.steady.resp, h.steady.err
}

// script queues one-shot replies served before the steady reply.
func (h *farmHarness) script(resp *api.UpdateWorkerScheduleResponse, err error) {
	h.mu.Lock()
	h.scripted = append(h.scripted, scheduleReply{resp: resp, err: err})
	h.mu.Unlock()
}

func (h *farmHarness) setSteady(resp *api.UpdateWorkerScheduleResponse, err error) {
	h.mu.Lock()
	h.steady = scheduleReply{resp: resp, err: err}
	h.mu.Unlock()
}

func (h *farmHarness) scheduleCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *farmHarness) firstRequest() (recordedSchedule, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		return recordedSchedule{}, false
	}
	return h.requests[0], true
}

// terminal returns the first terminal report received for the action.
func (h *farmHarness) terminal(actionID string) (api.UpdatedSessionAction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.requests {
		if u, ok := rec.updates[actionID]; ok && u.CompletedStatus != "" {
			return u, true
		}
	}
	return api.UpdatedSessionAction{}, false
}

// terminalRequestIndex returns the index of the request that first carried
// the action's terminal status, or -1.
func (h *farmHarness) terminalRequestIndex(actionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, rec := range h.requests {
		if u, ok := rec.updates[actionID]; ok && u.CompletedStatus != "" {
			return i
		}
	}
	return -1
}

// inSameRequest reports whether one request carried terminal statuses for
// every listed action.
func (h *farmHarness) inSameRequest(actionIDs ...string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.requests {
		all := true
		for _, id := range actionIDs {
			if u, ok := rec.updates[id]; !ok || u.CompletedStatus == "" {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// answerEntities resolves every identifier with a minimal payload on the
// supported schema revisions.
func answerEntities(_ context.Context, req *api.BatchGetJobEntityRequest) (*api.BatchGetJobEntityResponse, error) {
	resp := &api.BatchGetJobEntityResponse{}
	for _, id := range req.Identifiers {
		resp.Entities = append(resp.Entities, entityFor(id))
	}
	return resp, nil
}

func entityFor(id api.EntityIdentifier) api.EntityData {
	switch {
	case id.JobDetails != nil:
		return api.EntityData{JobDetails: &api.JobDetailsData{
			JobID:         id.JobDetails.JobID,
			SchemaVersion: "jobtemplate-2023-09",
		}}
	case id.EnvironmentDetails != nil:
		return api.EntityData{EnvironmentDetails: &api.EnvironmentDetailsData{
			JobID:         id.EnvironmentDetails.JobID,
			EnvironmentID: id.EnvironmentDetails.EnvironmentID,
			SchemaVersion: "environment-2023-09",
		}}
	case id.StepDetails != nil:
		return api.EntityData{StepDetails: &api.StepDetailsData{
			JobID:         id.StepDetails.JobID,
			StepID:        id.StepDetails.StepID,
			SchemaVersion: "jobtemplate-2023-09",
		}}
	default:
		return api.EntityData{JobAttachmentDetails: &api.JobAttachmentDetailsData{
			JobID: id.JobAttachmentDetails.JobID,
		}}
	}
}

// fakeQueues satisfies QueueCredentials with scriptable failures and an
// ordered event log.
type fakeQueues struct {
	mu       sync.Mutex
	fail     map[string]error
	acquires map[string]int
	releases map[string]int
	log      []string
}

func (q *fakeQueues) Acquire(_ context.Context, queueID string) (*credentials.Grant, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail[queueID]; err != nil {
		return nil, err
	}
	if q.acquires == nil {
		q.acquires = make(map[string]int)
	}
	q.acquires[queueID]++
	q.log = append(q.log, "acquire "+queueID)
	return &credentials.Grant{QueueID: queueID, Profile: "gridfarm-" + queueID}, nil
}

func (q *fakeQueues) Release(queueID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.releases == nil {
		q.releases = make(map[string]int)
	}
	q.releases[queueID]++
	q.log = append(q.log, "release "+queueID)
}

func (q *fakeQueues) acquireCount(queueID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acquires[queueID]
}

func (q *fakeQueues) releaseCount(queueID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.releases[queueID]
}

func (q *fakeQueues) eventLog() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.log...)
}

// fakeRunner scripts one Result per action id. Actions registered through
// block stay open until released, canceled, or their context ends.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]session.Result
	blocked  map[string]chan session.Result
	stubborn map[string]bool
	cancels  map[string][]time.Duration
	specs    []session.RunSpec
	started  chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results:  make(map[string]session.Result),
		blocked:  make(map[string]chan session.Result),
		stubborn: make(map[string]bool),
		cancels:  make(map[string][]time.Duration),
		started:  make(chan string, 16),
	}
}

// block registers an action that will not finish until release or Cancel.
// Call before the scheduler starts.
func (r *fakeRunner) block(id string) {
	r.blocked[id] = make(chan session.Result, 1)
}

// resist makes a blocked action ignore Cancel; only release or the session
// context ending finishes it.
func (r *fakeRunner) resist(id string) {
	r.block(id)
	r.stubborn[id] = true
}

func (r *fakeRunner) release(id string, res session.Result) {
	r.mu.Lock()
	ch := r.blocked[id]
	r.mu.Unlock()
	ch <- res
}

func (r *fakeRunner) Run(ctx context.Context, spec session.RunSpec) (session.Result, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	ch := r.blocked[spec.ActionID]
	res, scripted := r.results[spec.ActionID]
	r.mu.Unlock()

	select {
	case r.started <- spec.ActionID:
	default:
	}

	if ch != nil {
		select {
		case out := <-ch:
			return out, nil
		case <-ctx.Done():
			return session.Result{Outcome: session.OutcomeCanceled, Message: "runtime context ended"}, nil
		}
	}
	if !scripted {
		return session.Result{Outcome: session.OutcomeSucceeded}, nil
	}
	return res, nil
}

func (r *fakeRunner) Cancel(id string, grace time.Duration) {
	r.mu.Lock()
	r.cancels[id] = append(r.cancels[id], grace)
	ch := r.blocked[id]
	stubborn := r.stubborn[id]
	r.mu.Unlock()
	if ch != nil && !stubborn {
		select {
		case ch <- session.Result{Outcome: session.OutcomeCanceled}:
		default:
		}
	}
}

func (r *fakeRunner) ran(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.specs {
		if s.ActionID == id {
			return true
		}
	}
	return false
}

func (r *fakeRunner) spec(id string) (session.RunSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.specs {
		if s.ActionID == id {
			return s, true
		}
	}
	return session.RunSpec{}, false
}

func (r *fakeRunner) cancelGraces(id string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.cancels[id]...)
}

func testScheduler(t *testing.T, h *farmHarness, runner session.ActionRunner, queues QueueCredentials) *Scheduler {
	t.Helper()
	if queues == nil {
		queues = &fakeQueues{}
	}
	s, err := New(Config{
		Service:     h.svc,
		FarmID:      "farm-1",
		FleetID:     "fleet-1",
		WorkerID:    "worker-1",
		Runner:      runner,
		Queues:      queues,
		SessionRoot: t.TempDir(),
		CancelGrace: 2 * time.Second,
		Interval:    20 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

type runHandle struct {
	cancel context.CancelFunc
	errCh  chan error
}

func startScheduler(t *testing.T, s *Scheduler) *runHandle {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, errCh: make(chan error, 1)}
	go func() { h.errCh <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *runHandle) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("scheduling loop never returned")
		return nil
	}
}

// returned reports whether the loop has already exited.
func (h *runHandle) returned() bool {
	select {
	case err := <-h.errCh:
		h.errCh <- err
		return true
	default:
		return false
	}
}

func envEnter(id, envID string) api.SessionActionDefinition {
	return api.SessionActionDefinition{SessionActionID: id, ActionType: api.ActionTypeEnvEnter, EnvironmentID: envID}
}

func envExit(id, envID string) api.SessionActionDefinition {
	return api.SessionActionDefinition{SessionActionID: id, ActionType: api.ActionTypeEnvExit, EnvironmentID: envID}
}

func taskRun(id, stepID, taskID string) api.SessionActionDefinition {
	return api.SessionActionDefinition{SessionActionID: id, ActionType: api.ActionTypeTaskRun, StepID: stepID, TaskID: taskID}
}

func syncAttachments(id string) api.SessionActionDefinition {
	return api.SessionActionDefinition{SessionActionID: id, ActionType: api.ActionTypeSyncInputJobAttachments}
}

func oneSession(sessionID, queueID, jobID string, actions ...api.SessionActionDefinition) *api.UpdateWorkerScheduleResponse {
	return &api.UpdateWorkerScheduleResponse{
		AssignedSessions: map[string]api.AssignedSession{
			sessionID: {QueueID: queueID, JobID: jobID, SessionActions: actions},
		},
	}
}

func stopResponse() *api.UpdateWorkerScheduleResponse {
	return &api.UpdateWorkerScheduleResponse{
		AssignedSessions:    map[string]api.AssignedSession{},
		DesiredWorkerStatus: api.WorkerStatusStopped,
	}
}

func waitTerminal(t *testing.T, h *farmHarness, actionID string) api.UpdatedSessionAction {
	t.Helper()
	var got api.UpdatedSessionAction
	require.Eventually(t, func() bool {
		u, ok := h.terminal(actionID)
		if ok {
			got = u
		}
		return ok
	}, 5*time.Second, 10*time.Millisecond, "action %s never reported a terminal status", actionID)
	return got
}

func waitStarted(t *testing.T, runner *fakeRunner, id string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-runner.started:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("action %s never started", id)
		}
	}
}

func waitCalls(t *testing.T, h *farmHarness, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.scheduleCalls() >= n },
		5*time.Second, 10*time.Millisecond, "fewer than %d schedule calls", n)
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Service:     &mocks.FakeWorkerService{},
			FarmID:      "farm-1",
			FleetID:     "fleet-1",
			WorkerID:    "worker-1",
			Runner:      newFakeRunner(),
			Queues:      &fakeQueues{},
			SessionRoot: filepath.Join("/var/lib/gridfarm", "sessions"),
		}
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := base()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, filepath.Join(cfg.SessionRoot, "logs"), cfg.SessionLogRoot)
		assert.Equal(t, defaultCancelGrace, cfg.CancelGrace)
		assert.Equal(t, defaultInterval, cfg.Interval)
		assert.NotNil(t, cfg.Logger)
	})

	mutations := map[string]func(*Config){
		"service":      func(c *Config) { c.Service = nil },
		"worker id":    func(c *Config) { c.WorkerID = "" },
		"runner":       func(c *Config) { c.Runner = nil },
		"queues":       func(c *Config) { c.Queues = nil },
		"session root": func(c *Config) { c.SessionRoot = "" },
	}
	for name, mutate := range mutations {
		t.Run("missing "+name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestScheduler_FirstRequestCarriesEmptyUpdates(t *testing.T) {
	h := newFarmHarness()
	h.setSteady(stopResponse(), nil)
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	require.ErrorIs(t, run.wait(t), ErrServiceStop)

	first, ok := h.firstRequest()
	require.True(t, ok)
	assert.False(t, first.wasNil, "updates map must be present even when empty")
	assert.Empty(t, first.updates)
}

func TestScheduler_RetriesTransientScheduleFailures(t *testing.T) {
	h := newFarmHarness()
	h.script(nil, &api.RequestError{
		Operation: "UpdateWorkerSchedule",
		Kind:      api.KindThrottled,
		Message:   "throttled",
	})
	h.setSteady(stopResponse(), nil)
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	require.ErrorIs(t, run.wait(t), ErrServiceStop)
	assert.GreaterOrEqual(t, h.svc.Calls("UpdateWorkerSchedule"), 2)
}

func TestScheduler_WorkerGoneOnStatusConflict(t *testing.T) {
	h := newFarmHarness()
	h.setSteady(nil, &api.RequestError{
		Operation:  "UpdateWorkerSchedule",
		Kind:       api.KindConflict,
		Reason:     api.ConflictStatusConflict,
		ResourceID: "worker-1",
		Message:    "worker is not STARTED",
		Context:    map[string]string{"status": "NOT_RESPONDING"},
	})
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	assert.ErrorIs(t, run.wait(t), ErrWorkerGone)
}

func TestScheduler_WorkerGoneOnNotFound(t *testing.T) {
	h := newFarmHarness()
	h.setSteady(nil, &api.RequestError{
		Operation: "UpdateWorkerSchedule",
		Kind:      api.KindNotFound,
		Message:   "no such worker",
	})
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	assert.ErrorIs(t, run.wait(t), ErrWorkerGone)
}

func TestScheduler_AccessDeniedIsFatal(t *testing.T) {
	h := newFarmHarness()
	h.setSteady(nil, &api.RequestError{
		Operation: "UpdateWorkerSchedule",
		Kind:      api.KindAccessDenied,
		Message:   "missing fleet role permission",
	})
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	err := run.wait(t)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrWorkerGone)
	assert.True(t, api.IsKind(err, api.KindAccessDenied))
	assert.Equal(t, 1, h.svc.Calls("UpdateWorkerSchedule"), "access denied must not be retried")
}

func TestScheduler_StopWithAssignmentsIsIgnored(t *testing.T) {
	runner := newFakeRunner()
	runner.block("task-1")

	h := newFarmHarness()
	violation := oneSession("session-1", "queue-1", "job-1", taskRun("task-1", "step-1", "t-1"))
	violation.DesiredWorkerStatus = api.WorkerStatusStopped
	h.setSteady(violation, nil)

	s := testScheduler(t, h, runner, nil)
	run := startScheduler(t, s)

	// The assignment is taken and the stop request is ignored while it is
	// listed.
	waitStarted(t, runner, "task-1")
	calls := h.scheduleCalls()
	waitCalls(t, h, calls+3)
	assert.False(t, run.returned(), "loop must keep running through the protocol violation")

	h.setSteady(stopResponse(), nil)
	assert.ErrorIs(t, run.wait(t), ErrServiceStop)

	u := waitTerminal(t, h, "task-1")
	assert.Equal(t, api.CompletedStatusInterrupted, u.CompletedStatus)
}

func TestScheduler_CancelForUnknownSessionIgnored(t *testing.T) {
	h := newFarmHarness()
	resp := stopResponse()
	resp.CancelSessionActions = map[string][]string{"session-ghost": {"action-1"}}
	h.setSteady(resp, nil)
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	assert.ErrorIs(t, run.wait(t), ErrServiceStop)
}

func TestScheduler_QueueCredentialFailureFailsAssignment(t *testing.T) {
	queues := &fakeQueues{fail: map[string]error{"queue-1": errors.New("simulated role outage")}}
	h := newFarmHarness()
	h.setSteady(oneSession("session-1", "queue-1", "job-1",
		envEnter("action-1", "env-1"),
		taskRun("action-2", "step-1", "t-1"),
		envExit("action-3", "env-1"),
	), nil)

	s := testScheduler(t, h, newFakeRunner(), queues)
	run := startScheduler(t, s)

	failed := waitTerminal(t, h, "action-1")
	assert.Equal(t, api.CompletedStatusFailed, failed.CompletedStatus)
	assert.Contains(t, failed.ProgressMessage, "obtaining queue credentials")
	assert.NotNil(t, failed.StartedAt)
	assert.NotNil(t, failed.EndedAt)
	assert.NotNil(t, failed.UpdatedAt)

	for _, id := range []string{"action-2", "action-3"} {
		u := waitTerminal(t, h, id)
		assert.Equal(t, api.CompletedStatusNeverAttempted, u.CompletedStatus)
		assert.Nil(t, u.StartedAt)
		assert.Nil(t, u.EndedAt)
		assert.NotNil(t, u.UpdatedAt)
	}
	assert.True(t, h.inSameRequest("action-1", "action-2", "action-3"),
		"the failure and the work it doomed must ride one call")

	h.setSteady(stopResponse(), nil)
	require.ErrorIs(t, run.wait(t), ErrServiceStop)
	assert.Zero(t, queues.acquireCount("queue-1"))
	assert.Zero(t, queues.releaseCount("queue-1"))
}

func TestScheduler_WithdrawnSessionRunsEnvExit(t *testing.T) {
	runner := newFakeRunner()
	runner.block("task-1")
	queues := &fakeQueues{}

	h := newFarmHarness()
	h.setSteady(oneSession("session-1", "queue-1", "job-1",
		envEnter("enter-1", "env-1"),
		taskRun("task-1", "step-1", "t-1"),
		envExit("exit-1", "env-1"),
	), nil)

	s := testScheduler(t, h, runner, queues)
	run := startScheduler(t, s)
	waitStarted(t, runner, "task-1")

	// The service stops listing the session: teardown.
	h.setSteady(&api.UpdateWorkerScheduleResponse{AssignedSessions: map[string]api.AssignedSession{}}, nil)

	interrupted := waitTerminal(t, h, "task-1")
	assert.Equal(t, api.CompletedStatusInterrupted, interrupted.CompletedStatus)
	assert.NotNil(t, interrupted.StartedAt)
	assert.NotNil(t, interrupted.EndedAt)

	exit := waitTerminal(t, h, "exit-1")
	assert.Equal(t, api.CompletedStatusSucceeded, exit.CompletedStatus)

	graces := runner.cancelGraces("task-1")
	require.Len(t, graces, 1)
	assert.Equal(t, 2*time.Second, graces[0])

	require.Eventually(t, func() bool { return queues.releaseCount("queue-1") == 1 },
		5*time.Second, 10*time.Millisecond, "queue credentials never released")

	h.setSteady(stopResponse(), nil)
	assert.ErrorIs(t, run.wait(t), ErrServiceStop)
}

func TestScheduler_SecondQueueHeldUntilFirstDrains(t *testing.T) {
	runner := newFakeRunner()
	runner.block("task-a")
	queues := &fakeQueues{}

	h := newFarmHarness()
	h.setSteady(&api.UpdateWorkerScheduleResponse{
		AssignedSessions: map[string]api.AssignedSession{
			"session-a": {QueueID: "queue-1", JobID: "job-1", SessionActions: []api.SessionActionDefinition{taskRun("task-a", "step-a", "t-a")}},
			"session-b": {QueueID: "queue-2", JobID: "job-2", SessionActions: []api.SessionActionDefinition{taskRun("task-b", "step-b", "t-b")}},
		},
	}, nil)

	s := testScheduler(t, h, runner, queues)
	run := startScheduler(t, s)
	waitStarted(t, runner, "task-a")

	// The second queue's session stays held back while the first queue has a
	// live session, however many cycles pass.
	calls := h.scheduleCalls()
	waitCalls(t, h, calls+4)
	assert.Zero(t, queues.acquireCount("queue-2"))
	assert.False(t, runner.ran("task-b"))

	// Withdrawing the first session frees the worker for the second queue.
	h.setSteady(&api.UpdateWorkerScheduleResponse{
		AssignedSessions: map[string]api.AssignedSession{
			"session-b": {QueueID: "queue-2", JobID: "job-2", SessionActions: []api.SessionActionDefinition{taskRun("task-b", "step-b", "t-b")}},
		},
	}, nil)

	done := waitTerminal(t, h, "task-b")
	assert.Equal(t, api.CompletedStatusSucceeded, done.CompletedStatus)

	log := queues.eventLog()
	released := -1
	reacquired := -1
	for i, ev := range log {
		if ev == "release queue-1" && released == -1 {
			released = i
		}
		if ev == "acquire queue-2" && reacquired == -1 {
			reacquired = i
		}
	}
	require.NotEqual(t, -1, released)
	require.NotEqual(t, -1, reacquired)
	assert.Less(t, released, reacquired, "queue-2 must not be acquired before queue-1 is torn down")

	h.setSteady(stopResponse(), nil)
	assert.ErrorIs(t, run.wait(t), ErrServiceStop)
}

func TestScheduler_ReListedSessionNotReadmittedDuringTeardown(t *testing.T) {
	runner := newFakeRunner()
	runner.block("task-1")
	runner.block("exit-1")
	queues := &fakeQueues{}

	assignment := oneSession("session-1", "queue-1", "job-1",
		envEnter("enter-1", "env-1"),
		taskRun("task-1", "step-1", "t-1"),
		envExit("exit-1", "env-1"),
	)

	h := newFarmHarness()
	h.setSteady(assignment, nil)
	s := testScheduler(t, h, runner, queues)
	run := startScheduler(t, s)
	waitStarted(t, runner, "task-1")

	// Withdraw; the permitted environment exit keeps the teardown alive.
	h.setSteady(&api.UpdateWorkerScheduleResponse{AssignedSessions: map[string]api.AssignedSession{}}, nil)
	waitStarted(t, runner, "exit-1")

	// The service re-lists the session mid-teardown; it must not be admitted
	// a second time.
	h.setSteady(assignment, nil)
	calls := h.scheduleCalls()
	waitCalls(t, h, calls+3)
	assert.Equal(t, 1, queues.acquireCount("queue-1"))

	h.setSteady(stopResponse(), nil)
	runner.release("exit-1", session.Result{Outcome: session.OutcomeSucceeded})

	require.ErrorIs(t, run.wait(t), ErrServiceStop)
	exit := waitTerminal(t, h, "exit-1")
	assert.Equal(t, api.CompletedStatusSucceeded, exit.CompletedStatus)
	assert.Equal(t, 1, queues.acquireCount("queue-1"))
	assert.Equal(t, 1, queues.releaseCount("queue-1"))
}

func TestScheduler_ServiceIntervalOverride(t *testing.T) {
	h := newFarmHarness()
	h.setSteady(&api.UpdateWorkerScheduleResponse{
		AssignedSessions:      map[string]api.AssignedSession{},
		UpdateIntervalSeconds: 7,
	}, nil)
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	require.Eventually(t, func() bool { return s.pollInterval() == 7*time.Second },
		5*time.Second, 10*time.Millisecond)

	run.cancel()
	assert.ErrorIs(t, run.wait(t), context.Canceled)
}

func TestScheduler_DrainIdleWorker(t *testing.T) {
	h := newFarmHarness()
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	waitCalls(t, h, 1)
	s.BeginDrain(DrainRegular, 90*time.Second, "host maintenance")
	assert.NoError(t, run.wait(t))
}

func TestScheduler_SmallBudgetDrainExpedites(t *testing.T) {
	runner := newFakeRunner()
	runner.block("task-1")

	h := newFarmHarness()
	h.setSteady(oneSession("session-1", "queue-1", "job-1", taskRun("task-1", "step-1", "t-1")), nil)
	s := testScheduler(t, h, runner, nil)
	run := startScheduler(t, s)
	waitStarted(t, runner, "task-1")

	// Under ten seconds of budget there is no room for a regular drain.
	s.BeginDrain(DrainRegular, 5*time.Second, "spot interruption")
	assert.NoError(t, run.wait(t))

	u := waitTerminal(t, h, "task-1")
	assert.Equal(t, api.CompletedStatusInterrupted, u.CompletedStatus)

	graces := runner.cancelGraces("task-1")
	require.Len(t, graces, 1)
	assert.Equal(t, minimumCancelGrace, graces[0])
}

func TestScheduler_RegularDrainEscalatesNearBudgetEnd(t *testing.T) {
	runner := newFakeRunner()
	runner.resist("task-1")

	h := newFarmHarness()
	h.setSteady(oneSession("session-1", "queue-1", "job-1", taskRun("task-1", "step-1", "t-1")), nil)
	s := testScheduler(t, h, runner, nil)
	run := startScheduler(t, s)
	waitStarted(t, runner, "task-1")

	// Eleven seconds of budget: regular drain now, escalation one second in.
	s.BeginDrain(DrainRegular, 11*time.Second, "host maintenance")

	require.Eventually(t, func() bool { return len(runner.cancelGraces("task-1")) >= 2 },
		5*time.Second, 10*time.Millisecond, "drain never escalated")
	graces := runner.cancelGraces("task-1")
	assert.Equal(t, 10*time.Second, graces[0], "regular grace is the budget minus the flush reserve")
	assert.Equal(t, minimumCancelGrace, graces[1])

	assert.NoError(t, run.wait(t))
	u := waitTerminal(t, h, "task-1")
	assert.Equal(t, api.CompletedStatusInterrupted, u.CompletedStatus)
}

func TestScheduler_WorkerGoneFromEntityBatch(t *testing.T) {
	h := newFarmHarness()
	h.svc.BatchGetJobEntityFunc = func(context.Context, *api.BatchGetJobEntityRequest) (*api.BatchGetJobEntityResponse, error) {
		return nil, &api.RequestError{
			Operation: "BatchGetJobEntity",
			Kind:      api.KindNotFound,
			Message:   "no such worker",
		}
	}
	h.setSteady(oneSession("session-1", "queue-1", "job-1", taskRun("task-1", "step-1", "t-1")), nil)
	s := testScheduler(t, h, newFakeRunner(), nil)

	run := startScheduler(t, s)
	assert.ErrorIs(t, run.wait(t), ErrWorkerGone)
}
