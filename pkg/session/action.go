package session

import (
	"fmt"
	"time"

	"github.com/gridfarm/worker-agent/pkg/api"
)

// State tracks one session action through its lifetime. Queued actions wait
// in the pipeline; Running and Canceling actions occupy the runner; the rest
// are terminal.
type State string

const (
	StateQueued         State = "QUEUED"
	StateRunning        State = "RUNNING"
	StateCanceling      State = "CANCELING"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
	StateCanceled       State = "CANCELED"
	StateInterrupted    State = "INTERRUPTED"
	StateNeverAttempted State = "NEVER_ATTEMPTED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled, StateInterrupted, StateNeverAttempted:
		return true
	}
	return false
}

// completedStatus maps a terminal state to the wire status reported through
// UpdateWorkerSchedule.
func (s State) completedStatus() api.CompletedStatus {
	switch s {
	case StateSucceeded:
		return api.CompletedStatusSucceeded
	case StateFailed:
		return api.CompletedStatusFailed
	case StateCanceled:
		return api.CompletedStatusCanceled
	case StateInterrupted:
		return api.CompletedStatusInterrupted
	case StateNeverAttempted:
		return api.CompletedStatusNeverAttempted
	}
	return ""
}

// action is one unit of session work decoded from the assignment. All fields
// below state are guarded by the owning session's mutex.
type action struct {
	id            string
	actionType    api.ActionType
	environmentID string
	stepID        string
	taskID        string
	parameters    map[string]api.TaskParameterValue

	// badDefinition records why the definition can never run. The pipeline
	// fails the action with this message instead of invoking the runner.
	badDefinition string

	state     State
	startedAt *time.Time
	endedAt   *time.Time
	exitCode  *int32
	message   string
	percent   *float64
}

// newAction decodes one assigned definition. Malformed definitions still
// produce an action so their failure is reported in pipeline order.
func newAction(def api.SessionActionDefinition) *action {
	act := &action{
		id:            def.SessionActionID,
		actionType:    def.ActionType,
		environmentID: def.EnvironmentID,
		stepID:        def.StepID,
		taskID:        def.TaskID,
		parameters:    def.Parameters,
		state:         StateQueued,
	}
	switch def.ActionType {
	case api.ActionTypeEnvEnter, api.ActionTypeEnvExit:
		if def.EnvironmentID == "" {
			act.badDefinition = fmt.Sprintf("action %s names no environment id", def.SessionActionID)
		}
	case api.ActionTypeTaskRun:
		if def.StepID == "" || def.TaskID == "" {
			act.badDefinition = fmt.Sprintf("action %s names no step or task id", def.SessionActionID)
		}
	case api.ActionTypeSyncInputJobAttachments:
	default:
		act.badDefinition = fmt.Sprintf("unknown action type %q", def.ActionType)
	}
	return act
}

// update builds the wire report for the action's current state. Actions that
// never started carry no timestamps or exit code.
func (a *action) update(now time.Time) api.UpdatedSessionAction {
	u := api.UpdatedSessionAction{UpdatedAt: &now}
	switch {
	case a.state == StateNeverAttempted:
		u.CompletedStatus = api.CompletedStatusNeverAttempted
	case a.state == StateCanceled && a.startedAt == nil:
		u.CompletedStatus = api.CompletedStatusCanceled
	case a.state.Terminal():
		u.CompletedStatus = a.state.completedStatus()
		u.StartedAt = a.startedAt
		u.EndedAt = a.endedAt
		u.ProcessExitCode = a.exitCode
	default:
		u.StartedAt = a.startedAt
		u.ProgressPercent = a.percent
	}
	if a.message != "" {
		u.ProgressMessage = a.message
	}
	return u
}
