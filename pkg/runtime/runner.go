// Package runtime runs session actions as host subprocesses.
//
// The runner execs an adapter program per action, hands it the action
// document as JSON on stdin, and streams its output into the session log.
// Each adapter runs in its own process group so that cancellation takes the
// whole process tree down at once.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/session"
)

// DefaultAdapterPath is the action adapter executed when no command is
// configured.
const DefaultAdapterPath = "/usr/libexec/gridfarm/action-adapter"

const (
	defaultStopGrace = 5 * time.Second
	maxOutputLine    = 1024 * 1024
)

// Adapter stdout lines with these prefixes become progress reports instead
// of plain log output.
const (
	progressPrefix = "gridfarm-progress:"
	statusPrefix   = "gridfarm-status:"
)

// credentialEnv lists the variables stripped from the inherited environment.
// The agent's own credentials must never reach an action process.
var credentialEnv = map[string]struct{}{
	"AWS_ACCESS_KEY_ID":     {},
	"AWS_SECRET_ACCESS_KEY": {},
	"AWS_SESSION_TOKEN":     {},
}

// ProcessRunnerConfig configures a ProcessRunner.
type ProcessRunnerConfig struct {
	// Command is the adapter invocation. The action document is written to
	// its stdin as JSON. Defaults to DefaultAdapterPath with no arguments.
	Command []string

	// Timeout bounds a single run. Zero leaves runs unbounded.
	Timeout time.Duration

	// StopGrace is how long a process group that hit the run timeout or
	// lost its context gets between SIGTERM and SIGKILL.
	StopGrace time.Duration

	// Logger receives runner lifecycle logs. Process output goes to the
	// session log, not here.
	Logger *zap.Logger
}

// Validate checks the configuration and fills defaults.
func (c *ProcessRunnerConfig) Validate() error {
	if len(c.Command) == 0 {
		c.Command = []string{DefaultAdapterPath}
	}
	if c.Command[0] == "" {
		return fmt.Errorf("adapter command is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// ProcessRunner executes session actions by running the configured adapter
// once per action. It implements session.ActionRunner.
type ProcessRunner struct {
	cfg    ProcessRunnerConfig
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]*runningAction
}

var _ session.ActionRunner = (*ProcessRunner)(nil)

// NewProcessRunner creates a ProcessRunner with the given configuration.
func NewProcessRunner(cfg ProcessRunnerConfig) (*ProcessRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner configuration: %w", err)
	}
	return &ProcessRunner{
		cfg:     cfg,
		logger:  cfg.Logger,
		running: make(map[string]*runningAction),
	}, nil
}

// runningAction tracks one live adapter process between Run and Cancel.
type runningAction struct {
	pid  int
	done chan struct{}

	mu       sync.Mutex
	canceled bool
}

func (a *runningAction) markCanceled() {
	a.mu.Lock()
	a.canceled = true
	a.mu.Unlock()
}

func (a *runningAction) wasCanceled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

// signal addresses the whole process group so adapter children stop with it.
func (a *runningAction) signal(sig syscall.Signal) {
	if err := syscall.Kill(-a.pid, sig); err != nil {
		_ = syscall.Kill(a.pid, sig)
	}
}

// adapterInput is the action document written to the adapter's stdin.
type adapterInput struct {
	SessionID   string                            `json:"sessionId"`
	ActionID    string                            `json:"actionId"`
	ActionType  api.ActionType                    `json:"actionType"`
	WorkingDir  string                            `json:"workingDir"`
	TaskID      string                            `json:"taskId,omitempty"`
	Parameters  map[string]api.TaskParameterValue `json:"parameters,omitempty"`
	JobDetails  *api.JobDetailsData               `json:"jobDetails,omitempty"`
	Environment *api.EnvironmentDetailsData       `json:"environment,omitempty"`
	Step        *api.StepDetailsData              `json:"step,omitempty"`
	Attachments *api.JobAttachmentDetailsData     `json:"attachments,omitempty"`
}

func newAdapterInput(spec session.RunSpec) adapterInput {
	return adapterInput{
		SessionID:   spec.SessionID,
		ActionID:    spec.ActionID,
		ActionType:  spec.Type,
		WorkingDir:  spec.WorkingDir,
		TaskID:      spec.TaskID,
		Parameters:  spec.Parameters,
		JobDetails:  spec.JobDetails,
		Environment: spec.Environment,
		Step:        spec.Step,
		Attachments: spec.Attachments,
	}
}

// Run executes the adapter for one action and blocks until it exits.
func (r *ProcessRunner) Run(ctx context.Context, spec session.RunSpec) (session.Result, error) {
	input, err := json.Marshal(newAdapterInput(spec))
	if err != nil {
		return session.Result{}, fmt.Errorf("failed to encode action document: %w", err)
	}

	slog := spec.Log
	if slog == nil {
		slog = zap.NewNop()
	}

	cmd := exec.Command(r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return session.Result{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return session.Result{}, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return session.Result{}, fmt.Errorf("failed to start action adapter: %w", err)
	}

	act := &runningAction{pid: cmd.Process.Pid, done: make(chan struct{})}
	r.mu.Lock()
	r.running[spec.ActionID] = act
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, spec.ActionID)
		r.mu.Unlock()
	}()

	r.logger.Info("action adapter started",
		zap.String("session_id", spec.SessionID),
		zap.String("action_id", spec.ActionID),
		zap.String("action_type", string(spec.Type)),
		zap.Int("pid", act.pid))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		r.pump(stdout, "stdout", slog, spec.OnProgress)
	}()
	go func() {
		defer pumps.Done()
		r.pump(stderr, "stderr", slog, nil)
	}()

	// Wait must not run until both pipes are drained.
	waitCh := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitCh <- cmd.Wait()
		close(act.done)
	}()

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			act.markCanceled()
		} else {
			timedOut = true
		}
		act.signal(syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(r.cfg.StopGrace):
			act.signal(syscall.SIGKILL)
			waitErr = <-waitCh
		}
	}

	return r.finish(spec, act, waitErr, timedOut), nil
}

// finish maps the process exit to a terminal result.
func (r *ProcessRunner) finish(spec session.RunSpec, act *runningAction, waitErr error, timedOut bool) session.Result {
	code := exitCode(waitErr)
	var res session.Result
	switch {
	case timedOut:
		res = session.Result{Outcome: session.OutcomeTimedOut, ExitCode: code, Message: session.TimeoutMessage}
	case waitErr == nil:
		zero := int64(0)
		res = session.Result{Outcome: session.OutcomeSucceeded, ExitCode: &zero}
	case act.wasCanceled():
		res = session.Result{Outcome: session.OutcomeCanceled, ExitCode: code}
	default:
		res = session.Result{Outcome: session.OutcomeFailed, ExitCode: code, Message: exitMessage(waitErr, code)}
	}

	fields := []zap.Field{
		zap.String("session_id", spec.SessionID),
		zap.String("action_id", spec.ActionID),
		zap.String("outcome", string(res.Outcome)),
	}
	if code != nil {
		fields = append(fields, zap.Int64("exit_code", *code))
	}
	r.logger.Info("action adapter exited", fields...)
	return res
}

// Cancel signals the action's process group to stop, escalating to SIGKILL
// once the grace expires. Unknown actions are ignored.
func (r *ProcessRunner) Cancel(actionID string, grace time.Duration) {
	r.mu.Lock()
	act := r.running[actionID]
	r.mu.Unlock()
	if act == nil {
		return
	}

	act.markCanceled()
	r.logger.Info("canceling action",
		zap.String("action_id", actionID),
		zap.Duration("grace", grace))
	act.signal(syscall.SIGTERM)
	go func() {
		select {
		case <-act.done:
		case <-time.After(grace):
			act.signal(syscall.SIGKILL)
		}
	}()
}

// pump copies one output stream into the session log line by line. Stdout
// lines may carry progress directives.
func (r *ProcessRunner) pump(stream io.Reader, name string, slog *zap.Logger, onProgress func(session.Progress)) {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for sc.Scan() {
		line := sc.Text()
		slog.Info(line, zap.String("stream", name))
		if onProgress == nil {
			continue
		}
		if p, ok := parseProgressLine(line); ok {
			onProgress(p)
		}
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn("action output stream closed early",
			zap.String("stream", name),
			zap.Error(err))
	}
}

// parseProgressLine recognizes adapter progress directives. Progress values
// outside [0, 100] and empty status lines are ignored.
func parseProgressLine(line string) (session.Progress, bool) {
	if rest, ok := strings.CutPrefix(line, progressPrefix); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil || v < 0 || v > 100 {
			return session.Progress{}, false
		}
		return session.Progress{Percent: &v}, true
	}
	if rest, ok := strings.CutPrefix(line, statusPrefix); ok {
		msg := strings.TrimSpace(rest)
		if msg == "" {
			return session.Progress{}, false
		}
		return session.Progress{Message: msg}, true
	}
	return session.Progress{}, false
}

// mergeEnv layers the session environment over the host environment with the
// agent's credential variables removed.
func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, strip := credentialEnv[name]; strip {
			continue
		}
		if _, override := extra[name]; override {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func exitCode(waitErr error) *int64 {
	if waitErr == nil {
		code := int64(0)
		return &code
	}
	var exit *exec.ExitError
	if errors.As(waitErr, &exit) {
		code := int64(exit.ExitCode())
		return &code
	}
	return nil
}

func exitMessage(waitErr error, code *int64) string {
	if code != nil && *code >= 0 {
		return fmt.Sprintf("Process exited with code %d.", *code)
	}
	return waitErr.Error()
}
