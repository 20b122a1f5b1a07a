package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/credentials"
	"github.com/gridfarm/worker-agent/pkg/scheduler"
	"github.com/gridfarm/worker-agent/test/testutil/mocks"
)

// fleetHarness scripts the service side of the worker lifecycle: worker ids
// minted in sequence, every lifecycle call in one ordered log, scriptable
// per-status failures, and a switchable scheduling reply.
type fleetHarness struct {
	svc *mocks.FakeWorkerService

	mu          sync.Mutex
	minted      int
	log         []string
	lastStart   *api.UpdateWorkerRequest
	updateFails []updateFailure
	assumeFails map[string]error
	assumeGate  chan struct{}
	scripted    []scheduleReply
	steady      scheduleReply
}

type updateFailure struct {
	status api.WorkerStatus
	err    error
}

type scheduleReply struct {
	resp *api.UpdateWorkerScheduleResponse
	err  error
}

func newFleetHarness() *fleetHarness {
	h := &fleetHarness{
		assumeFails: map[string]error{},
		steady: scheduleReply{resp: &api.UpdateWorkerScheduleResponse{
			AssignedSessions: map[string]api.AssignedSession{},
		}},
	}
	h.svc = &mocks.FakeWorkerService{
		CreateWorkerFunc:             h.handleCreate,
		AssumeFleetRoleForWorkerFunc: h.handleAssume,
		UpdateWorkerFunc:             h.handleUpdate,
		UpdateWorkerScheduleFunc:     h.handleSchedule,
		DeleteWorkerFunc:             h.handleDelete,
	}
	return h
}

func (h *fleetHarness) handleCreate(_ context.Context, _ *api.CreateWorkerRequest) (*api.CreateWorkerResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minted++
	h.log = append(h.log, "CreateWorker")
	return &api.CreateWorkerResponse{WorkerID: fmt.Sprintf("worker-%d", h.minted)}, nil
}

func (h *fleetHarness) handleAssume(ctx context.Context, req *api.AssumeFleetRoleForWorkerRequest) (*api.AssumeFleetRoleForWorkerResponse, error) {
	h.mu.Lock()
	gate := h.assumeGate
	failErr := h.assumeFails[req.WorkerID]
	h.log = append(h.log, "AssumeFleetRole:"+req.WorkerID)
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return &api.AssumeFleetRoleForWorkerResponse{Credentials: testCreds(time.Hour)}, nil
}

func (h *fleetHarness) handleUpdate(_ context.Context, req *api.UpdateWorkerRequest) (*api.UpdateWorkerResponse, error) {
	h.mu.Lock()
	h.log = append(h.log, "UpdateWorker:"+string(req.Status))
	if req.Status == api.WorkerStatusStarted {
		h.lastStart = req
	}
	var fail error
	for i, f := range h.updateFails {
		if f.status == req.Status {
			fail = f.err
			h.updateFails = append(h.updateFails[:i], h.updateFails[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return &api.UpdateWorkerResponse{Log: &api.LogConfiguration{LogDriver: "awslogs"}}, nil
}

func (h *fleetHarness) handleSchedule(_ context.Context, _ *api.UpdateWorkerScheduleRequest) (*api.UpdateWorkerScheduleResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, "UpdateWorkerSchedule")
	if len(h.scripted) > 0 {
		reply := h.scripted[0]
		h.scripted = h.scripted[1:]
		return reply.resp, reply.err
	}
	return h.steady.resp, h.steady.err
}

func (h *fleetHarness) handleDelete(_ context.Context, _ *api.DeleteWorkerRequest) (*api.DeleteWorkerResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, "DeleteWorker")
	return &api.DeleteWorkerResponse{}, nil
}

// failUpdate scripts one failure for the next UpdateWorker call carrying the
// given status.
func (h *fleetHarness) failUpdate(status api.WorkerStatus, err error) {
	h.mu.Lock()
	h.updateFails = append(h.updateFails, updateFailure{status: status, err: err})
	h.mu.Unlock()
}

// failAssume makes every AssumeFleetRoleForWorker call for the worker fail.
func (h *fleetHarness) failAssume(workerID string, err error) {
	h.mu.Lock()
	h.assumeFails[workerID] = err
	h.mu.Unlock()
}

// gateAssume blocks AssumeFleetRoleForWorker until the returned channel is
// closed or the call's context ends.
func (h *fleetHarness) gateAssume() chan struct{} {
	gate := make(chan struct{})
	h.mu.Lock()
	h.assumeGate = gate
	h.mu.Unlock()
	return gate
}

// script queues one-shot scheduling replies served before the steady reply.
func (h *fleetHarness) script(resp *api.UpdateWorkerScheduleResponse, err error) {
	h.mu.Lock()
	h.scripted = append(h.scripted, scheduleReply{resp: resp, err: err})
	h.mu.Unlock()
}

func (h *fleetHarness) setSteady(resp *api.UpdateWorkerScheduleResponse, err error) {
	h.mu.Lock()
	h.steady = scheduleReply{resp: resp, err: err}
	h.mu.Unlock()
}

func (h *fleetHarness) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func (h *fleetHarness) indexOf(entry string) int {
	for i, e := range h.order() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (h *fleetHarness) countOf(entry string) int {
	n := 0
	for _, e := range h.order() {
		if e == entry {
			n++
		}
	}
	return n
}

func (h *fleetHarness) startRequest() *api.UpdateWorkerRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastStart
}

func testCreds(ttl time.Duration) api.TemporaryCredentials {
	return api.TemporaryCredentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      time.Now().Add(ttl),
	}
}

func notFoundErr(op, resourceID string) *api.RequestError {
	return &api.RequestError{
		Operation:  op,
		Kind:       api.KindNotFound,
		Message:    "resource not found",
		ResourceID: resourceID,
	}
}

func statusConflictErr(status string) *api.RequestError {
	return &api.RequestError{
		Operation: "UpdateWorker",
		Kind:      api.KindConflict,
		Reason:    api.ConflictStatusConflict,
		Message:   "worker status conflicts",
		Context:   map[string]string{"status": status},
	}
}

func stopSchedule() *api.UpdateWorkerScheduleResponse {
	return &api.UpdateWorkerScheduleResponse{
		AssignedSessions:    map[string]api.AssignedSession{},
		DesiredWorkerStatus: api.WorkerStatusStopped,
	}
}

func testWorkerConfig(t *testing.T, h *fleetHarness) Config {
	t.Helper()
	state := t.TempDir()
	return Config{
		FarmID:  testFarmID,
		FleetID: testFleetID,
		NewService: func(api.CredentialsProvider) (api.WorkerService, error) {
			return h.svc, nil
		},
		Runner:             nopRunner{},
		StateDir:           state,
		LogDir:             filepath.Join(state, "logs"),
		DisableHostMetrics: true,
		Logger:             zap.NewNop(),
	}
}

func newTestWorker(t *testing.T, h *fleetHarness, mutate func(*Config)) (*Worker, Config) {
	t.Helper()
	cfg := testWorkerConfig(t, h)
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	require.NoError(t, err)
	return w, cfg
}

type runHandle struct {
	cancel context.CancelFunc
	errCh  chan error
}

func startAgent(t *testing.T, w *Worker) *runHandle {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, errCh: make(chan error, 1)}
	go func() { h.errCh <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *runHandle) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("worker never stopped")
		return nil
	}
}

func waitReady(t *testing.T, w *Worker) {
	t.Helper()
	require.Eventually(t, w.Ready, 5*time.Second, 5*time.Millisecond)
}

func TestWorker_RunUntilServiceStop(t *testing.T) {
	h := newFleetHarness()
	h.setSteady(stopSchedule(), nil)
	w, _ := newTestWorker(t, h, nil)

	run := startAgent(t, w)
	require.NoError(t, run.wait(t))

	stopping := h.indexOf("UpdateWorker:STOPPING")
	stopped := h.indexOf("UpdateWorker:STOPPED")
	require.GreaterOrEqual(t, stopping, 0)
	require.GreaterOrEqual(t, stopped, 0)
	assert.Less(t, stopping, stopped)
	assert.Zero(t, h.svc.Calls("DeleteWorker"))

	_, status := w.Status()
	assert.Equal(t, api.WorkerStatusStopped, status)
	assert.False(t, w.Ready())
}

func TestWorker_ServiceStopHandsHostToPlatform(t *testing.T) {
	h := newFleetHarness()
	h.setSteady(stopSchedule(), nil)

	shutdownCalled := make(chan struct{})
	w, _ := newTestWorker(t, h, func(c *Config) {
		c.ShutdownOnStop = true
		c.ShutdownHost = func(context.Context) error {
			close(shutdownCalled)
			return nil
		}
	})

	run := startAgent(t, w)
	select {
	case <-shutdownCalled:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown hook never invoked")
	}

	// The platform kills the host; the process dies with it.
	run.cancel()
	err := run.wait(t)
	require.ErrorIs(t, err, context.Canceled)

	assert.GreaterOrEqual(t, h.indexOf("UpdateWorker:STOPPING"), 0)
	assert.Equal(t, -1, h.indexOf("UpdateWorker:STOPPED"),
		"a host heading for shutdown never reports STOPPED")
}

func TestWorker_RegularDrain(t *testing.T) {
	h := newFleetHarness()
	w, _ := newTestWorker(t, h, nil)

	run := startAgent(t, w)
	waitReady(t, w)

	w.Drain(scheduler.DrainRegular, time.Minute, "maintenance")
	require.NoError(t, run.wait(t))

	stopping := h.indexOf("UpdateWorker:STOPPING")
	stopped := h.indexOf("UpdateWorker:STOPPED")
	require.GreaterOrEqual(t, stopping, 0)
	require.GreaterOrEqual(t, stopped, 0)
	assert.Less(t, stopping, stopped)
	assert.GreaterOrEqual(t, h.svc.Calls("UpdateWorkerSchedule"), 1)
	assert.False(t, w.Ready())
}

func TestWorker_ExpeditedDrain(t *testing.T) {
	h := newFleetHarness()
	w, _ := newTestWorker(t, h, nil)

	run := startAgent(t, w)
	waitReady(t, w)

	w.Drain(scheduler.DrainExpedited, expeditedSignalBudget, "interrupt")
	require.NoError(t, run.wait(t))

	stopping := h.indexOf("UpdateWorker:STOPPING")
	stopped := h.indexOf("UpdateWorker:STOPPED")
	require.GreaterOrEqual(t, stopping, 0)
	require.GreaterOrEqual(t, stopped, 0)
	assert.Less(t, stopping, stopped)
}

func TestWorker_DrainDuringBootstrapAbandonsStartup(t *testing.T) {
	h := newFleetHarness()
	h.gateAssume()
	w, _ := newTestWorker(t, h, nil)

	run := startAgent(t, w)
	require.Eventually(t, func() bool {
		return h.svc.Calls("AssumeFleetRoleForWorker") > 0
	}, 5*time.Second, 5*time.Millisecond)

	w.Drain(scheduler.DrainRegular, time.Minute, "stop requested")
	require.NoError(t, run.wait(t))

	assert.Equal(t, -1, h.indexOf("UpdateWorker:STARTED"))
	assert.Zero(t, h.svc.Calls("UpdateWorkerSchedule"))
}

func TestWorker_DeleteOnStop(t *testing.T) {
	h := newFleetHarness()
	w, cfg := newTestWorker(t, h, func(c *Config) {
		c.DeleteOnStop = true
	})

	run := startAgent(t, w)
	waitReady(t, w)
	workerID := w.WorkerID()
	require.NotEmpty(t, workerID)

	w.Drain(scheduler.DrainRegular, time.Minute, "decommissioned")
	require.NoError(t, run.wait(t))

	assert.Equal(t, 1, h.svc.Calls("DeleteWorker"))

	_, found, err := loadWorkerIdentity(cfg.identityPath(), zap.NewNop())
	require.NoError(t, err)
	assert.False(t, found, "a deleted worker must not be resumed")

	_, cached, err := credentials.LoadAgentCredentials(cfg.credentialsDir(), workerID)
	require.NoError(t, err)
	assert.False(t, cached)

	_, status := w.Status()
	assert.Equal(t, api.WorkerStatusDeleted, status)
}

func TestWorker_ReRegistersWhenServiceForgetsWorker(t *testing.T) {
	h := newFleetHarness()
	h.script(nil, notFoundErr("UpdateWorkerSchedule", "worker-ghost"))
	h.setSteady(stopSchedule(), nil)

	w, cfg := newTestWorker(t, h, func(c *Config) {
		c.ReRegisterOnNotFound = true
	})
	require.NoError(t, saveWorkerIdentity(cfg.identityPath(), "worker-ghost", zap.NewNop()))

	run := startAgent(t, w)
	require.NoError(t, run.wait(t))

	assert.Equal(t, 1, h.svc.Calls("CreateWorker"))
	assert.Equal(t, 2, h.countOf("UpdateWorker:STARTED"))

	id, found, err := loadWorkerIdentity(cfg.identityPath(), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "worker-1", id)
}

func TestWorker_ExitsWhenServiceForgetsWorkerAndPinned(t *testing.T) {
	h := newFleetHarness()
	h.script(nil, notFoundErr("UpdateWorkerSchedule", "worker-ghost"))

	w, cfg := newTestWorker(t, h, nil)
	require.NoError(t, saveWorkerIdentity(cfg.identityPath(), "worker-ghost", zap.NewNop()))

	run := startAgent(t, w)
	err := run.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrWorkerGone)
	assert.True(t, api.IsNotFound(err))
	assert.Zero(t, h.svc.Calls("CreateWorker"))

	id, found, loadErr := loadWorkerIdentity(cfg.identityPath(), zap.NewNop())
	require.NoError(t, loadErr)
	assert.True(t, found, "the identity stays for the operator to inspect")
	assert.Equal(t, "worker-ghost", id)
}

func TestWorker_StatusConflictMidLoopRestartsIncarnation(t *testing.T) {
	h := newFleetHarness()
	h.script(nil, &api.RequestError{
		Operation: "UpdateWorkerSchedule",
		Kind:      api.KindConflict,
		Reason:    api.ConflictStatusConflict,
		Message:   "worker is not started",
		Context:   map[string]string{"status": "STOPPING"},
	})
	h.setSteady(stopSchedule(), nil)

	w, cfg := newTestWorker(t, h, nil)
	require.NoError(t, saveWorkerIdentity(cfg.identityPath(), "worker-42", zap.NewNop()))

	run := startAgent(t, w)
	require.NoError(t, run.wait(t))

	assert.Zero(t, h.svc.Calls("CreateWorker"), "the incarnation restarts with the same id")
	assert.Equal(t, 2, h.countOf("UpdateWorker:STARTED"))
	assert.Equal(t, 1, h.countOf("AssumeFleetRole:worker-42"),
		"cached credentials carry across incarnations")
}

func TestWorker_CredentialTroubleDrains(t *testing.T) {
	h := newFleetHarness()
	w, _ := newTestWorker(t, h, nil)

	run := startAgent(t, w)
	waitReady(t, w)

	w.credentialTrouble(credentials.Notification{Fatal: true, Err: errors.New("fleet role revoked")})
	require.NoError(t, run.wait(t))

	stopping := h.indexOf("UpdateWorker:STOPPING")
	stopped := h.indexOf("UpdateWorker:STOPPED")
	require.GreaterOrEqual(t, stopping, 0)
	require.GreaterOrEqual(t, stopped, 0)
	assert.Less(t, stopping, stopped)
}

func TestWorker_ExpiringCredentialsDrainWithRemainingLifetime(t *testing.T) {
	h := newFleetHarness()
	w, _ := newTestWorker(t, h, nil)

	run := startAgent(t, w)
	waitReady(t, w)

	w.credentialTrouble(credentials.Notification{Expiry: time.Now().Add(time.Minute)})
	require.NoError(t, run.wait(t))
	assert.GreaterOrEqual(t, h.indexOf("UpdateWorker:STOPPING"), 0)
}
