package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/observability"
	"github.com/gridfarm/worker-agent/pkg/session"
)

const (
	// DefaultStateDir holds worker identity, credentials, and session
	// working directories.
	DefaultStateDir = "/var/lib/gridfarm"

	// DefaultLogDir holds per-queue session log directories.
	DefaultLogDir = "/var/log/gridfarm"

	defaultDrainBudget         = 90 * time.Second
	defaultHostMetricsInterval = time.Minute
	defaultVersion             = "dev"

	maxCapabilityNameLength = 100
)

var (
	farmIDPattern  = regexp.MustCompile(`^farm-[0-9a-f]{32}$`)
	fleetIDPattern = regexp.MustCompile(`^fleet-[0-9a-f]{32}$`)

	// Capability names are dotted identifiers under the amount. or attr.
	// namespace, optionally qualified by a vendor prefix.
	capabilityNamePattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9_]*:)?(amount|attr)(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)
)

// ServiceFactory builds a WorkerService client bound to one credentials
// provider. The worker creates three clients from it: an unsigned bootstrap
// client, a refresh client that survives agent credential expiry, and the
// steady-state client every other call goes through.
type ServiceFactory func(creds api.CredentialsProvider) (api.WorkerService, error)

// JobUser overrides the OS identity job subprocesses run under. Exactly one
// of RunAsAgent or the User/Group pair may be set.
type JobUser struct {
	// RunAsAgent runs job subprocesses as the agent user itself.
	RunAsAgent bool

	// User and Group name a POSIX identity for job subprocesses. Group also
	// receives group ownership of queue credential trees so the credentials
	// process can read them.
	User  string
	Group string
}

// Validate checks the override is internally consistent.
func (u *JobUser) Validate() error {
	if u.RunAsAgent {
		if u.User != "" || u.Group != "" {
			return fmt.Errorf("run-as-agent excludes a posix user override")
		}
		return nil
	}
	if u.User == "" || u.Group == "" {
		return fmt.Errorf("posix user override requires both user and group")
	}
	return nil
}

// Config is the full worker agent configuration, assembled by cmd from
// flags, environment, and the config file.
type Config struct {
	// FarmID and FleetID place the worker. Both are validated against the
	// service id formats.
	FarmID  string
	FleetID string

	// NewService builds service clients. Required.
	NewService ServiceFactory

	// BootstrapCredentials signs CreateWorker and the initial fleet role
	// call. Defaults to anonymous, for fleets with host-based registration.
	BootstrapCredentials api.CredentialsProvider

	// Runner executes session actions. Required.
	Runner session.ActionRunner

	// StateDir holds worker.json, cached credentials, queue credential
	// trees, and session working directories. Default /var/lib/gridfarm.
	StateDir string

	// LogDir holds per-queue session log directories. Default
	// /var/log/gridfarm.
	LogDir string

	// DisableHostMetrics turns the periodic host telemetry report off.
	DisableHostMetrics bool

	// HostMetricsInterval paces the host telemetry report. Default 1m.
	HostMetricsInterval time.Duration

	// ShutdownOnStop powers the host down after a service-directed stop.
	// Off by default: the agent cannot assume it owns the host.
	ShutdownOnStop bool

	// ShutdownHost performs the host shutdown request. Required when
	// ShutdownOnStop is set, unused otherwise.
	ShutdownHost func(ctx context.Context) error

	// DeleteOnStop deletes the worker record after a clean stop.
	DeleteOnStop bool

	// RetainSessionDirs keeps session working directories after teardown.
	RetainSessionDirs bool

	// ReRegisterOnNotFound creates a fresh worker when the service has
	// forgotten this one. Off by default: fleets that replace hosts on
	// failure want the process to exit instead.
	ReRegisterOnNotFound bool

	// JobUser overrides the OS identity for job subprocesses.
	JobUser *JobUser

	// CapabilityAmounts and CapabilityAttributes override or extend the
	// detected capability baseline.
	CapabilityAmounts    map[string]float64
	CapabilityAttributes map[string][]string

	// EntityAttempts bounds BatchGetJobEntity retries per batch. Zero keeps
	// the standard bound.
	EntityAttempts int

	// CancelGrace bounds cleanup when the service cancels an action or
	// withdraws a session.
	CancelGrace time.Duration

	// DrainBudget is the wall-clock budget of a worker-initiated regular
	// drain. Default 90s.
	DrainBudget time.Duration

	// TerminationCheckURL polls a local metadata endpoint for imminent host
	// termination notices. Empty disables the monitor.
	TerminationCheckURL string

	// HandleSignals maps SIGTERM to a regular drain and SIGINT to an
	// expedited one.
	HandleSignals bool

	// Version is the agent build version reported at startup.
	Version string

	Logger *zap.Logger
	Events *observability.EventStream
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if !farmIDPattern.MatchString(c.FarmID) {
		return fmt.Errorf("farm id %q does not match %s", c.FarmID, farmIDPattern)
	}
	if !fleetIDPattern.MatchString(c.FleetID) {
		return fmt.Errorf("fleet id %q does not match %s", c.FleetID, fleetIDPattern)
	}
	if c.NewService == nil {
		return fmt.Errorf("service factory is required")
	}
	if c.Runner == nil {
		return fmt.Errorf("action runner is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BootstrapCredentials == nil {
		c.BootstrapCredentials = api.AnonymousCredentials{}
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.HostMetricsInterval < 0 {
		return fmt.Errorf("host metrics interval must be positive")
	}
	if c.HostMetricsInterval == 0 {
		c.HostMetricsInterval = defaultHostMetricsInterval
	}
	if c.ShutdownOnStop && c.ShutdownHost == nil {
		return fmt.Errorf("shutdown on stop requires a shutdown hook")
	}
	if c.DrainBudget <= 0 {
		c.DrainBudget = defaultDrainBudget
	}
	if c.JobUser != nil {
		if err := c.JobUser.Validate(); err != nil {
			return fmt.Errorf("invalid job user: %w", err)
		}
	}
	if err := validateCapabilityOverrides(c.CapabilityAmounts, c.CapabilityAttributes); err != nil {
		return err
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	return nil
}

// validateCapabilityOverrides rejects malformed capability names and
// negative amounts before they reach the service.
func validateCapabilityOverrides(amounts map[string]float64, attributes map[string][]string) error {
	for name, value := range amounts {
		if err := validateCapabilityName(name, "amount"); err != nil {
			return err
		}
		if value < 0 {
			return fmt.Errorf("capability %q must be non-negative, got %v", name, value)
		}
	}
	for name, values := range attributes {
		if err := validateCapabilityName(name, "attr"); err != nil {
			return err
		}
		if len(values) == 0 {
			return fmt.Errorf("capability %q needs at least one value", name)
		}
	}
	return nil
}

func validateCapabilityName(name, namespace string) error {
	if len(name) > maxCapabilityNameLength {
		return fmt.Errorf("capability name %q exceeds %d characters", name, maxCapabilityNameLength)
	}
	m := capabilityNamePattern.FindStringSubmatch(name)
	if m == nil {
		return fmt.Errorf("capability name %q is not a valid %s.* name", name, namespace)
	}
	if m[2] != namespace {
		return fmt.Errorf("capability %q belongs to the %s.* namespace", name, m[2])
	}
	return nil
}

// identityPath is the worker identity file.
func (c *Config) identityPath() string {
	return filepath.Join(c.StateDir, "worker.json")
}

// credentialsDir caches agent credentials across restarts.
func (c *Config) credentialsDir() string {
	return filepath.Join(c.StateDir, "credentials")
}

// queuesDir hosts per-queue credential trees.
func (c *Config) queuesDir() string {
	return filepath.Join(c.StateDir, "queues")
}

// sessionsDir hosts per-session working directories.
func (c *Config) sessionsDir() string {
	return filepath.Join(c.StateDir, "sessions")
}

// jobUserGroup is the shared group queue credential trees are opened to,
// empty when jobs run as the agent user.
func (c *Config) jobUserGroup() string {
	if c.JobUser == nil || c.JobUser.RunAsAgent {
		return ""
	}
	return c.JobUser.Group
}
