package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event. The taxonomy is closed: every
// event the agent emits uses one of these types.
type EventType string

const (
	// Worker lifecycle events
	EventWorkerCreate EventType = "worker.create"
	EventWorkerLoad   EventType = "worker.load"
	EventWorkerStatus EventType = "worker.status"
	EventWorkerDelete EventType = "worker.delete"

	// Session events
	EventSessionStarting EventType = "session.starting"
	EventSessionFailed   EventType = "session.failed"
	EventSessionAdd      EventType = "session.add"
	EventSessionRemove   EventType = "session.remove"
	EventSessionComplete EventType = "session.complete"
	EventSessionLogs     EventType = "session.logs"
	EventSessionUser     EventType = "session.user"
	EventSessionCreds    EventType = "session.creds"

	// Session action events
	EventActionStart     EventType = "action.start"
	EventActionCancel    EventType = "action.cancel"
	EventActionInterrupt EventType = "action.interrupt"
	EventActionEnd       EventType = "action.end"

	// Service API events
	EventAPIRequest  EventType = "api.request"
	EventAPIResponse EventType = "api.response"

	// Credential events
	EventCredsLoad    EventType = "creds.load"
	EventCredsQuery   EventType = "creds.query"
	EventCredsInstall EventType = "creds.install"
	EventCredsRefresh EventType = "creds.refresh"
	EventCredsExpired EventType = "creds.expired"
	EventCredsDelete  EventType = "creds.delete"

	// Filesystem events
	EventFileRead   EventType = "filesystem.read"
	EventFileWrite  EventType = "filesystem.write"
	EventFileCreate EventType = "filesystem.create"
	EventFileDelete EventType = "filesystem.delete"

	// Host telemetry events
	EventMetricsSystem EventType = "metrics.system"

	// Agent startup report
	EventAgentInfo EventType = "agent.info"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is one structured audit record. Resource ids are filled only where
// they apply; field names are stable so downstream parsers can rely on them.
type Event struct {
	// Event metadata
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// Correlation IDs
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Resource identifiers
	FarmID    string `json:"farm_id,omitempty"`
	FleetID   string `json:"fleet_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	QueueID   string `json:"queue_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ActionID  string `json:"action_id,omitempty"`

	// Event details
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Outcome
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventStream manages the agent's audit event stream
type EventStream struct {
	logger   *zap.Logger
	events   []Event
	mu       sync.RWMutex
	maxSize  int
	watchers []chan Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize int // Maximum number of events to keep in memory
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10000 // Default to 10k events
	}

	return &EventStream{
		logger:   logger,
		events:   make([]Event, 0, cfg.MaxSize),
		maxSize:  cfg.MaxSize,
		watchers: make([]chan Event, 0),
	}
}

// RecordEvent records a new event to the stream. Safe to call on a nil
// stream so components can treat the audit surface as optional.
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Generate ID if not provided
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}

	// Add correlation IDs from context if available
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	// Append event
	es.events = append(es.events, event)

	// Trim if exceeds max size (FIFO)
	if len(es.events) > es.maxSize {
		es.events = es.events[len(es.events)-es.maxSize:]
	}

	// Log the event
	es.logEvent(event)

	// Notify watchers
	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// logEvent logs the event using structured logging
func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Bool("success", event.Success),
	}

	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.FarmID != "" {
		fields = append(fields, zap.String("farm_id", event.FarmID))
	}
	if event.FleetID != "" {
		fields = append(fields, zap.String("fleet_id", event.FleetID))
	}
	if event.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", event.WorkerID))
	}
	if event.QueueID != "" {
		fields = append(fields, zap.String("queue_id", event.QueueID))
	}
	if event.JobID != "" {
		fields = append(fields, zap.String("job_id", event.JobID))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.ActionID != "" {
		fields = append(fields, zap.String("action_id", event.ActionID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.Any(k, v))
	}

	// Log at appropriate level based on severity
	switch event.Severity {
	case SeverityInfo:
		es.logger.Info(event.Message, fields...)
	case SeverityWarning:
		es.logger.Warn(event.Message, fields...)
	case SeverityError:
		es.logger.Error(event.Message, fields...)
	case SeverityCritical:
		es.logger.Error(fmt.Sprintf("CRITICAL: %s", event.Message), fields...)
	}
}

// GetEvents retrieves events with optional filtering
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)

	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}

	return result
}

// Watch creates a channel that receives new events
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)

	return ch
}

// Unwatch removes a watcher channel
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Export exports events as JSON
func (es *EventStream) Export() ([]byte, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return json.MarshalIndent(es.events, "", "  ")
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types      []EventType
	Severities []EventSeverity
	QueueID    string
	SessionID  string
	ActionID   string
	StartTime  time.Time
	EndTime    time.Time
}

// Matches checks if an event matches the filter
func (f EventFilter) Matches(event Event) bool {
	// Filter by type
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Filter by severity
	if len(f.Severities) > 0 {
		found := false
		for _, s := range f.Severities {
			if event.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Filter by resource ids
	if f.QueueID != "" && event.QueueID != f.QueueID {
		return false
	}
	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}
	if f.ActionID != "" && event.ActionID != f.ActionID {
		return false
	}

	// Filter by time range
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && event.Timestamp.After(f.EndTime) {
		return false
	}

	return true
}

// Helper functions for creating specific events

// NewWorkerStatusEvent records a worker lifecycle transition.
func NewWorkerStatusEvent(farmID, fleetID, workerID, status string) Event {
	return Event{
		Type:     EventWorkerStatus,
		Severity: SeverityInfo,
		FarmID:   farmID,
		FleetID:  fleetID,
		WorkerID: workerID,
		Message:  fmt.Sprintf("Worker status set to %s", status),
		Metadata: map[string]interface{}{
			"status": status,
		},
		Success: true,
	}
}

// NewAPIRequestEvent records an outbound service call.
func NewAPIRequestEvent(operation string, params map[string]interface{}) Event {
	return Event{
		Type:     EventAPIRequest,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("%s request", operation),
		Metadata: mergeMetadata(params, map[string]interface{}{
			"operation": operation,
		}),
		Success: true,
	}
}

// NewAPIResponseEvent records the outcome of an outbound service call.
func NewAPIResponseEvent(operation string, statusCode int, errorKind string, elapsed time.Duration) Event {
	severity := SeverityInfo
	success := errorKind == ""
	if !success {
		severity = SeverityWarning
	}

	return Event{
		Type:     EventAPIResponse,
		Severity: severity,
		Message:  fmt.Sprintf("%s response", operation),
		Metadata: map[string]interface{}{
			"operation":   operation,
			"status_code": statusCode,
			"error_kind":  errorKind,
			"elapsed_ms":  elapsed.Milliseconds(),
		},
		Success: success,
		Error:   errorKind,
	}
}

// NewActionEndEvent records a session action reaching a terminal status.
func NewActionEndEvent(queueID, jobID, sessionID, actionID, status, message string) Event {
	severity := SeverityInfo
	success := status == "SUCCEEDED"
	if status == "FAILED" {
		severity = SeverityWarning
	}

	return Event{
		Type:      EventActionEnd,
		Severity:  severity,
		QueueID:   queueID,
		JobID:     jobID,
		SessionID: sessionID,
		ActionID:  actionID,
		Message:   fmt.Sprintf("Action ended with status %s", status),
		Metadata: map[string]interface{}{
			"status":         status,
			"status_message": message,
		},
		Success: success,
		Error:   errorForStatus(status, message),
	}
}

// NewCredsRefreshEvent records an agent or queue credential refresh outcome.
func NewCredsRefreshEvent(resource string, expiry time.Time, err error) Event {
	event := Event{
		Type:     EventCredsRefresh,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("Refreshed credentials for %s", resource),
		Metadata: map[string]interface{}{
			"resource": resource,
			"expiry":   expiry,
		},
		Success: true,
	}
	if err != nil {
		event.Severity = SeverityError
		event.Message = fmt.Sprintf("Credential refresh failed for %s", resource)
		event.Success = false
		event.Error = err.Error()
	}
	return event
}

// NewFileWriteEvent records a sensitive filesystem write.
func NewFileWriteEvent(path string) Event {
	return Event{
		Type:     EventFileWrite,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("Wrote %s", path),
		Metadata: map[string]interface{}{
			"path": path,
		},
		Success: true,
	}
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func errorForStatus(status, message string) string {
	if status == "FAILED" && message != "" {
		return message
	}
	return ""
}
