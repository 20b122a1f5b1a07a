// Package fakefarm is an in-memory farm service speaking the worker REST
// protocol. Integration tests and the manual harness mount Handler() and
// drive assignments through the exported methods.
//
// Sessions stay in the schedule response until every one of their actions is
// reported with a terminal status, matching the real service. Entity lookups
// synthesize minimal payloads for jobs the caller did not register.
package fakefarm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
)

const defaultUpdateIntervalSeconds = 1

// Report is one session action update the worker sent.
type Report struct {
	WorkerID string
	ActionID string
	Update   api.UpdatedSessionAction
}

// liveSession is an assignment with its not-yet-completed actions.
type liveSession struct {
	assignment api.AssignedSession
	pending    []api.SessionActionDefinition
}

// Server holds the farm state behind the HTTP surface.
type Server struct {
	logger *zap.Logger

	mu         sync.Mutex
	nextWorker int
	workers    map[string]api.WorkerStatus
	sessions   map[string]map[string]*liveSession // workerID → sessionID → session
	cancels    map[string]map[string][]string     // workerID → sessionID → action ids
	desired    api.WorkerStatus
	reports    []Report
	interval   int
	calls      map[string]int
	jobs       map[string]*api.JobDetailsData
}

// NewServer creates an empty farm.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		workers:  make(map[string]api.WorkerStatus),
		sessions: make(map[string]map[string]*liveSession),
		cancels:  make(map[string]map[string][]string),
		interval: defaultUpdateIntervalSeconds,
		calls:    make(map[string]int),
		jobs:     make(map[string]*api.JobDetailsData),
	}
}

// Handler mounts the worker protocol routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /farms/{farmID}/fleets/{fleetID}/workers", s.createWorker)
	mux.HandleFunc("GET /farms/{farmID}/fleets/{fleetID}/workers/{workerID}/fleet-role", s.fleetRole)
	mux.HandleFunc("GET /farms/{farmID}/fleets/{fleetID}/workers/{workerID}/queues/{queueID}/role", s.queueRole)
	mux.HandleFunc("PATCH /farms/{farmID}/fleets/{fleetID}/workers/{workerID}", s.updateWorker)
	mux.HandleFunc("PATCH /farms/{farmID}/fleets/{fleetID}/workers/{workerID}/schedule", s.updateSchedule)
	mux.HandleFunc("POST /farms/{farmID}/fleets/{fleetID}/workers/{workerID}/batchGetJobEntity", s.batchGetJobEntity)
	mux.HandleFunc("DELETE /farms/{farmID}/fleets/{fleetID}/workers/{workerID}", s.deleteWorker)
	return mux
}

// AssignSession queues a session for the worker's next schedule poll.
func (s *Server) AssignSession(workerID, sessionID string, assignment api.AssignedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[workerID] == nil {
		s.sessions[workerID] = make(map[string]*liveSession)
	}
	s.sessions[workerID][sessionID] = &liveSession{
		assignment: assignment,
		pending:    append([]api.SessionActionDefinition(nil), assignment.SessionActions...),
	}
}

// CancelActions asks the worker to cancel the named actions.
func (s *Server) CancelActions(workerID, sessionID string, actionIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancels[workerID] == nil {
		s.cancels[workerID] = make(map[string][]string)
	}
	s.cancels[workerID][sessionID] = append(s.cancels[workerID][sessionID], actionIDs...)
}

// SetDesiredStatus makes every schedule response carry the given status.
func (s *Server) SetDesiredStatus(status api.WorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired = status
}

// SetUpdateInterval overrides the poll interval handed to workers.
func (s *Server) SetUpdateInterval(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = seconds
}

// SetJob registers job details served by batchGetJobEntity. Unregistered
// jobs get a synthesized payload on the supported schema.
func (s *Server) SetJob(details *api.JobDetailsData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[details.JobID] = details
}

// Reports returns every action update received so far.
func (s *Server) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// Completed returns the terminal update for an action, if one arrived.
func (s *Server) Completed(actionID string) (api.UpdatedSessionAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.reports) - 1; i >= 0; i-- {
		r := s.reports[i]
		if r.ActionID == actionID && r.Update.CompletedStatus != "" {
			return r.Update, true
		}
	}
	return api.UpdatedSessionAction{}, false
}

// Started reports whether the worker acknowledged starting the action.
func (s *Server) Started(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.ActionID == actionID && r.Update.StartedAt != nil {
			return true
		}
	}
	return false
}

// WorkerStatus returns the recorded status of a worker.
func (s *Server) WorkerStatus(workerID string) (api.WorkerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.workers[workerID]
	return status, ok
}

// StartedWorkers lists workers currently in STARTED.
func (s *Server) StartedWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, status := range s.workers {
		if status == api.WorkerStatusStarted {
			out = append(out, id)
		}
	}
	return out
}

// Calls returns how many times the named operation was served.
func (s *Server) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

func (s *Server) record(operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[operation]++
}

func (s *Server) createWorker(w http.ResponseWriter, r *http.Request) {
	s.record("CreateWorker")
	var req api.CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationException", err.Error(), "")
		return
	}

	s.mu.Lock()
	s.nextWorker++
	workerID := fmt.Sprintf("worker-%032x", s.nextWorker)
	s.workers[workerID] = api.WorkerStatusCreated
	s.mu.Unlock()

	s.logger.Info("Registered worker",
		zap.String("worker_id", workerID),
		zap.String("fleet_id", r.PathValue("fleetID")))
	writeJSON(w, &api.CreateWorkerResponse{WorkerID: workerID})
}

func (s *Server) fleetRole(w http.ResponseWriter, r *http.Request) {
	s.record("AssumeFleetRoleForWorker")
	workerID := r.PathValue("workerID")
	if !s.knownWorker(workerID) {
		writeNotFound(w, workerID)
		return
	}
	writeJSON(w, &api.AssumeFleetRoleForWorkerResponse{
		Credentials: api.TemporaryCredentials{
			AccessKeyID:     "FAKEFLEETKEY",
			SecretAccessKey: "fake-fleet-secret",
			SessionToken:    "fake-fleet-token-" + workerID,
			Expiration:      time.Now().Add(time.Hour),
		},
	})
}

func (s *Server) queueRole(w http.ResponseWriter, r *http.Request) {
	s.record("AssumeQueueRoleForWorker")
	workerID := r.PathValue("workerID")
	if !s.knownWorker(workerID) {
		writeNotFound(w, workerID)
		return
	}
	writeJSON(w, &api.AssumeQueueRoleForWorkerResponse{
		Credentials: &api.TemporaryCredentials{
			AccessKeyID:     "FAKEQUEUEKEY",
			SecretAccessKey: "fake-queue-secret",
			SessionToken:    "fake-queue-token-" + r.PathValue("queueID"),
			Expiration:      time.Now().Add(time.Hour),
		},
	})
}

func (s *Server) updateWorker(w http.ResponseWriter, r *http.Request) {
	s.record("UpdateWorker")
	workerID := r.PathValue("workerID")
	var req api.UpdateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationException", err.Error(), "")
		return
	}

	s.mu.Lock()
	_, ok := s.workers[workerID]
	if ok {
		s.workers[workerID] = req.Status
	}
	s.mu.Unlock()
	if !ok {
		writeNotFound(w, workerID)
		return
	}

	s.logger.Info("Worker status updated",
		zap.String("worker_id", workerID),
		zap.String("status", string(req.Status)))

	resp := &api.UpdateWorkerResponse{}
	if req.Status == api.WorkerStatusStarted {
		resp.Log = &api.LogConfiguration{
			LogDriver: "awslogs",
			Options:   map[string]string{"logGroup": "/gridfarm/worker"},
		}
	}
	writeJSON(w, resp)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	s.record("UpdateWorkerSchedule")
	workerID := r.PathValue("workerID")
	var req api.UpdateWorkerScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationException", err.Error(), "")
		return
	}

	s.mu.Lock()
	if _, ok := s.workers[workerID]; !ok {
		s.mu.Unlock()
		writeNotFound(w, workerID)
		return
	}

	for actionID, update := range req.UpdatedSessionActions {
		s.reports = append(s.reports, Report{WorkerID: workerID, ActionID: actionID, Update: update})
		if update.CompletedStatus != "" {
			s.completeActionLocked(workerID, actionID)
		}
	}

	assigned := make(map[string]api.AssignedSession)
	for sessionID, live := range s.sessions[workerID] {
		a := live.assignment
		a.SessionActions = append([]api.SessionActionDefinition(nil), live.pending...)
		assigned[sessionID] = a
	}

	cancels := make(map[string][]string)
	for sessionID, ids := range s.cancels[workerID] {
		cancels[sessionID] = append([]string(nil), ids...)
	}

	resp := &api.UpdateWorkerScheduleResponse{
		AssignedSessions:      assigned,
		CancelSessionActions:  cancels,
		DesiredWorkerStatus:   s.desired,
		UpdateIntervalSeconds: s.interval,
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

// completeActionLocked drops the action from its session; a session whose
// last action completed leaves the schedule entirely.
func (s *Server) completeActionLocked(workerID, actionID string) {
	for sessionID, live := range s.sessions[workerID] {
		for i, def := range live.pending {
			if def.SessionActionID != actionID {
				continue
			}
			live.pending = append(live.pending[:i], live.pending[i+1:]...)
			if len(live.pending) == 0 {
				delete(s.sessions[workerID], sessionID)
				delete(s.cancels[workerID], sessionID)
			}
			return
		}
	}
}

func (s *Server) batchGetJobEntity(w http.ResponseWriter, r *http.Request) {
	s.record("BatchGetJobEntity")
	workerID := r.PathValue("workerID")
	if !s.knownWorker(workerID) {
		writeNotFound(w, workerID)
		return
	}
	var req api.BatchGetJobEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationException", err.Error(), "")
		return
	}

	resp := &api.BatchGetJobEntityResponse{}
	for _, ident := range req.Identifiers {
		resp.Entities = append(resp.Entities, s.resolveEntity(ident))
	}
	writeJSON(w, resp)
}

func (s *Server) resolveEntity(ident api.EntityIdentifier) api.EntityData {
	switch {
	case ident.JobDetails != nil:
		return api.EntityData{JobDetails: s.jobDetails(ident.JobDetails.JobID)}
	case ident.StepDetails != nil:
		return api.EntityData{StepDetails: &api.StepDetailsData{
			JobID:         ident.StepDetails.JobID,
			StepID:        ident.StepDetails.StepID,
			SchemaVersion: "jobtemplate-2023-09",
			Template:      map[string]any{},
		}}
	case ident.EnvironmentDetails != nil:
		return api.EntityData{EnvironmentDetails: &api.EnvironmentDetailsData{
			JobID:         ident.EnvironmentDetails.JobID,
			EnvironmentID: ident.EnvironmentDetails.EnvironmentID,
			SchemaVersion: "jobtemplate-2023-09",
			Template:      map[string]any{},
		}}
	case ident.JobAttachmentDetails != nil:
		return api.EntityData{JobAttachmentDetails: &api.JobAttachmentDetailsData{
			JobID: ident.JobAttachmentDetails.JobID,
		}}
	default:
		return api.EntityData{}
	}
}

func (s *Server) jobDetails(jobID string) *api.JobDetailsData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if details, ok := s.jobs[jobID]; ok {
		return details
	}
	return &api.JobDetailsData{
		JobID:         jobID,
		SchemaVersion: "jobtemplate-2023-09",
	}
}

func (s *Server) deleteWorker(w http.ResponseWriter, r *http.Request) {
	s.record("DeleteWorker")
	workerID := r.PathValue("workerID")
	s.mu.Lock()
	_, ok := s.workers[workerID]
	delete(s.workers, workerID)
	delete(s.sessions, workerID)
	delete(s.cancels, workerID)
	s.mu.Unlock()
	if !ok {
		writeNotFound(w, workerID)
		return
	}
	writeJSON(w, &api.DeleteWorkerResponse{})
}

func (s *Server) knownWorker(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[workerID]
	return ok
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func writeNotFound(w http.ResponseWriter, workerID string) {
	writeError(w, http.StatusNotFound, "ResourceNotFoundException",
		fmt.Sprintf("worker %s not found", workerID), workerID)
}

func writeError(w http.ResponseWriter, status int, code, message, resourceID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":       code,
		"message":    message,
		"resourceId": resourceID,
	})
}
