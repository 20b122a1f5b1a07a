// Fake farm service for manual worker agent runs.
// The server keeps assigning demo task-run sessions to the first STARTED
// worker, so a locally built agent has work to chew on.
//
// Usage:
//   go run ./test/manual --addr :8085 --assign-interval 15s
//
//   worker-agent \
//     --farm-id farm-00000000000000000000000000000001 \
//     --fleet-id fleet-00000000000000000000000000000001 \
//     --endpoint http://localhost:8085 \
//     --state-dir /tmp/gridfarm/state --log-dir /tmp/gridfarm/logs
//
// Ctrl-C asks connected workers to stop before the server exits.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/test/testutil/fakefarm"
)

var (
	addr           = flag.String("addr", ":8085", "Listen address")
	assignInterval = flag.Duration("assign-interval", 15*time.Second, "Delay between demo session assignments")
	stopGrace      = flag.Duration("stop-grace", 15*time.Second, "How long to wait for workers to stop on Ctrl-C")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	farm := fakefarm.NewServer(logger)
	server := &http.Server{Addr: *addr, Handler: farm.Handler()}

	go func() {
		logger.Info("Fake farm service listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*assignInterval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ticker.C:
			workers := farm.StartedWorkers()
			if len(workers) == 0 {
				logger.Info("Waiting for a worker to register and start")
				continue
			}
			n++
			assignDemoSession(farm, workers[0], n, logger)

		case <-stop:
			logger.Info("Asking workers to stop")
			farm.SetDesiredStatus(api.WorkerStatusStopped)
			waitForStops(farm, *stopGrace, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(ctx)
			cancel()
			return
		}
	}
}

func assignDemoSession(farm *fakefarm.Server, workerID string, n int, logger *zap.Logger) {
	sessionID := fmt.Sprintf("session-%032x", n)
	farm.AssignSession(workerID, sessionID, api.AssignedSession{
		QueueID: "queue-00000000000000000000000000000001",
		JobID:   fmt.Sprintf("job-%032x", n),
		SessionActions: []api.SessionActionDefinition{{
			SessionActionID: fmt.Sprintf("sessionaction-%032x-0", n),
			ActionType:      api.ActionTypeTaskRun,
			StepID:          "step-demo",
			TaskID:          fmt.Sprintf("task-%d", n),
			Parameters: map[string]api.TaskParameterValue{
				"Frame": {"int": fmt.Sprintf("%d", n)},
			},
		}},
	})
	logger.Info("Assigned demo session",
		zap.String("worker_id", workerID),
		zap.String("session_id", sessionID),
	)
}

func waitForStops(farm *fakefarm.Server, grace time.Duration, logger *zap.Logger) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(farm.StartedWorkers()) == 0 {
			logger.Info("All workers stopped")
			return
		}
		time.Sleep(time.Second)
	}
	logger.Warn("Workers still running after grace period")
}
