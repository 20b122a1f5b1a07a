//go:build chaos
// +build chaos

package chaos

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gridfarm/worker-agent/pkg/agent"
	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/runtime"
	"github.com/gridfarm/worker-agent/test/testutil/fakefarm"
)

const (
	farmID  = "farm-00000000000000000000000000c4a05e"
	fleetID = "fleet-00000000000000000000000000c4a05e"
	queueID = "queue-00000000000000000000000000c4a05e"
	jobID   = "job-00000000000000000000000000c4a05e"
)

// faultyFarm serves an in-memory farm behind a fault injector.
func faultyFarm(t *testing.T, config Config) (*fakefarm.Server, *FaultInjector, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	farm := fakefarm.NewServer(logger)
	injector := NewFaultInjector(config, farm.Handler(), logger)
	srv := httptest.NewServer(injector)
	t.Cleanup(srv.Close)
	return farm, injector, srv.URL
}

func newWorker(t *testing.T, endpoint string) *agent.Worker {
	t.Helper()
	logger := zaptest.NewLogger(t)

	runner, err := runtime.NewProcessRunner(runtime.ProcessRunnerConfig{
		Command:   []string{"/bin/sh", "-c", "true"},
		StopGrace: 2 * time.Second,
		Logger:    logger,
	})
	require.NoError(t, err)

	worker, err := agent.New(agent.Config{
		FarmID:  farmID,
		FleetID: fleetID,
		NewService: func(creds api.CredentialsProvider) (api.WorkerService, error) {
			return api.NewHTTPClient(api.HTTPClientConfig{
				BaseURL:     endpoint,
				Credentials: creds,
				Logger:      logger,
				Timeout:     10 * time.Second,
			})
		},
		Runner:             runner,
		StateDir:           t.TempDir(),
		LogDir:             t.TempDir(),
		DisableHostMetrics: true,
		DrainBudget:        30 * time.Second,
		Logger:             logger,
	})
	require.NoError(t, err)
	return worker
}

// assignSessions queues count sessions of actionsPer task runs each and
// returns every action id.
func assignSessions(farm *fakefarm.Server, workerID string, count, actionsPer int) []string {
	var actionIDs []string
	for s := 0; s < count; s++ {
		sessionID := fmt.Sprintf("session-%032x", s+1)
		var actions []api.SessionActionDefinition
		for a := 0; a < actionsPer; a++ {
			id := fmt.Sprintf("sessionaction-%032x-%d", s+1, a)
			actionIDs = append(actionIDs, id)
			actions = append(actions, api.SessionActionDefinition{
				SessionActionID: id,
				ActionType:      api.ActionTypeTaskRun,
				StepID:          fmt.Sprintf("step-%d", a),
				TaskID:          fmt.Sprintf("task-%d", a),
			})
		}
		farm.AssignSession(workerID, sessionID, api.AssignedSession{
			QueueID:        queueID,
			JobID:          jobID,
			SessionActions: actions,
		})
	}
	return actionIDs
}

// runUnderFaults drives a full worker lifecycle against a faulting service
// and requires every assigned action to succeed.
func runUnderFaults(t *testing.T, config Config, sessions, actionsPer int) {
	t.Helper()
	farm, injector, endpoint := faultyFarm(t, config)
	worker := newWorker(t, endpoint)

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	var workerID string
	require.Eventually(t, func() bool {
		ids := farm.StartedWorkers()
		if len(ids) == 0 {
			return false
		}
		workerID = ids[0]
		return true
	}, 60*time.Second, 100*time.Millisecond, "worker never reached STARTED")

	actionIDs := assignSessions(farm, workerID, sessions, actionsPer)

	require.Eventually(t, func() bool {
		for _, id := range actionIDs {
			if _, ok := farm.Completed(id); !ok {
				return false
			}
		}
		return true
	}, 90*time.Second, 200*time.Millisecond, "not all actions completed")

	for _, id := range actionIDs {
		update, _ := farm.Completed(id)
		assert.Equal(t, api.CompletedStatusSucceeded, update.CompletedStatus,
			"action %s did not succeed", id)
	}

	farm.SetDesiredStatus(api.WorkerStatusStopped)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Greater(t, injector.Injected(), 0, "no faults fired, raise the rate")
	t.Log(injector.Report())
}

// TestWorkerSurvivesServiceFaults completes a batch of sessions while the
// service fails a sixth of all requests.
func TestWorkerSurvivesServiceFaults(t *testing.T) {
	runUnderFaults(t, Config{FaultRate: 0.15, RandomSeed: 7}, 3, 2)
}

// TestWorkerSurvivesHighFaultRate pushes the fault rate to a third of all
// requests.
func TestWorkerSurvivesHighFaultRate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping high fault rate test in short mode")
	}
	runUnderFaults(t, Config{FaultRate: 0.3, RandomSeed: 41}, 2, 1)
}
