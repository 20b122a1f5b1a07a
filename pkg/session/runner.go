package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
)

// TimeoutMessage is the progress message reported when a run exceeds its
// allotted runtime. The service surfaces it verbatim.
const TimeoutMessage = "TIMEOUT - Exceeded the allotted runtime limit."

// Outcome classifies how a run ended from the runner's point of view.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Progress is a mid-run report from the runner. Percent is nil when the run
// cannot estimate completion.
type Progress struct {
	Percent *float64
	Message string
}

// Result is the terminal report of one run. ExitCode carries the raw process
// exit status when a process ran; the pipeline reinterprets it as a signed
// 32-bit value before reporting.
type Result struct {
	Outcome  Outcome
	ExitCode *int64
	Message  string
}

// RunSpec describes one action execution. Exactly one of Environment, Step,
// and Attachments is set, matching Type. Env is the session's contribution
// to the subprocess environment; the runner merges it over its own base
// environment. The agent's credentials must never reach that environment.
type RunSpec struct {
	SessionID  string
	ActionID   string
	Type       api.ActionType
	WorkingDir string
	Env        map[string]string

	JobDetails  *api.JobDetailsData
	Environment *api.EnvironmentDetailsData
	Step        *api.StepDetailsData
	Attachments *api.JobAttachmentDetailsData
	TaskID      string
	Parameters  map[string]api.TaskParameterValue

	// Log is the session's file logger. Runners write process output and
	// lifecycle lines through it.
	Log *zap.Logger

	// OnProgress receives mid-run reports. May be nil. Called from runner
	// goroutines; implementations must not block.
	OnProgress func(Progress)
}

// ActionRunner executes session actions. The session pipeline never touches
// OS processes itself; runners own process trees, impersonation, and
// timeouts, and report how each run ended.
type ActionRunner interface {
	// Run executes the action and blocks until it reaches a terminal
	// outcome. A non-nil error means the run could not start at all; the
	// Result is then ignored. Run must honor ctx cancellation.
	Run(ctx context.Context, spec RunSpec) (Result, error)

	// Cancel stops the identified run, allowing grace for cleanup before
	// the runner kills the process tree. Canceling an unknown or finished
	// action is a no-op. Cancel must not block on the run ending.
	Cancel(actionID string, grace time.Duration)
}
