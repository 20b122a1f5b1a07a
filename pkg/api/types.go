package api

import (
	"time"
)

// WorkerStatus is the worker state as the service tracks it.
type WorkerStatus string

const (
	WorkerStatusCreated       WorkerStatus = "CREATED"
	WorkerStatusStarting      WorkerStatus = "STARTING"
	WorkerStatusStarted       WorkerStatus = "STARTED"
	WorkerStatusStopping      WorkerStatus = "STOPPING"
	WorkerStatusStopped       WorkerStatus = "STOPPED"
	WorkerStatusDeleted       WorkerStatus = "DELETED"
	WorkerStatusNotResponding WorkerStatus = "NOT_RESPONDING"
	WorkerStatusNotCompatible WorkerStatus = "NOT_COMPATIBLE"
)

// CompletedStatus is the terminal status of a session action as reported
// back through UpdateWorkerSchedule.
type CompletedStatus string

const (
	CompletedStatusSucceeded      CompletedStatus = "SUCCEEDED"
	CompletedStatusFailed         CompletedStatus = "FAILED"
	CompletedStatusInterrupted    CompletedStatus = "INTERRUPTED"
	CompletedStatusCanceled       CompletedStatus = "CANCELED"
	CompletedStatusNeverAttempted CompletedStatus = "NEVER_ATTEMPTED"
)

// ActionType discriminates the session action union on the wire.
type ActionType string

const (
	ActionTypeEnvEnter                ActionType = "ENV_ENTER"
	ActionTypeEnvExit                 ActionType = "ENV_EXIT"
	ActionTypeTaskRun                 ActionType = "TASK_RUN"
	ActionTypeSyncInputJobAttachments ActionType = "SYNC_INPUT_JOB_ATTACHMENTS"
)

// MaxBatchEntityIdentifiers is the largest identifier page BatchGetJobEntity accepts.
const MaxBatchEntityIdentifiers = 25

// TaskParameterValue holds one typed task parameter keyed by its type name
// ("int", "float", "string", or "path").
type TaskParameterValue map[string]string

// TemporaryCredentials is a short-lived credential set granted by the service.
type TemporaryCredentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
}

// Expired reports whether the credentials are unusable at t.
func (c TemporaryCredentials) Expired(t time.Time) bool {
	return !c.Expiration.After(t)
}

// Valid reports whether all credential fields are present.
func (c TemporaryCredentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.SessionToken != "" && !c.Expiration.IsZero()
}

// IPAddresses carries the host's addresses, IPv6 normalized to uppercase
// exploded form.
type IPAddresses struct {
	IPV4Addresses []string `json:"ipV4Addresses,omitempty"`
	IPV6Addresses []string `json:"ipV6Addresses,omitempty"`
}

// HostProperties describes the worker host to the service.
type HostProperties struct {
	HostName    string       `json:"hostName,omitempty"`
	IPAddresses *IPAddresses `json:"ipAddresses,omitempty"`
}

// AmountCapability is a numeric capability such as "amount.worker.vcpu".
type AmountCapability struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// AttributeCapability is a string-set capability such as "attr.worker.os.family".
type AttributeCapability struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Capabilities is the full capability set the worker advertises.
type Capabilities struct {
	Amounts    []AmountCapability    `json:"amounts"`
	Attributes []AttributeCapability `json:"attributes"`
}

// LogConfiguration tells the worker where a log stream should be delivered.
// An Error is set when the service failed to provision the destination.
type LogConfiguration struct {
	LogDriver  string            `json:"logDriver"`
	Options    map[string]string `json:"options,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// SessionActionDefinition is one action of an assigned session. ActionType
// selects which of the optional fields are meaningful.
type SessionActionDefinition struct {
	SessionActionID string                        `json:"sessionActionId"`
	ActionType      ActionType                    `json:"actionType"`
	EnvironmentID   string                        `json:"environmentId,omitempty"`
	StepID          string                        `json:"stepId,omitempty"`
	TaskID          string                        `json:"taskId,omitempty"`
	Parameters      map[string]TaskParameterValue `json:"parameters,omitempty"`
}

// AssignedSession is a session the service wants running on this worker.
type AssignedSession struct {
	QueueID          string                    `json:"queueId"`
	JobID            string                    `json:"jobId"`
	SessionActions   []SessionActionDefinition `json:"sessionActions"`
	LogConfiguration *LogConfiguration         `json:"logConfiguration,omitempty"`
}

// UpdatedSessionAction reports progress or completion of one session action.
// CompletedStatus is empty for pure progress updates.
type UpdatedSessionAction struct {
	CompletedStatus CompletedStatus `json:"completedStatus,omitempty"`
	ProcessExitCode *int32          `json:"processExitCode,omitempty"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
	UpdatedAt       *time.Time      `json:"updatedAt,omitempty"`
	ProgressPercent *float64        `json:"progressPercent,omitempty"`
}

// CreateWorkerRequest registers this host with a fleet.
type CreateWorkerRequest struct {
	FarmID         string          `json:"-"`
	FleetID        string          `json:"-"`
	ClientToken    string          `json:"clientToken,omitempty"`
	HostProperties *HostProperties `json:"hostProperties,omitempty"`
	Capabilities   *Capabilities   `json:"capabilities,omitempty"`
}

// CreateWorkerResponse carries the service-assigned worker id.
type CreateWorkerResponse struct {
	WorkerID string `json:"workerId"`
}

// AssumeFleetRoleForWorkerRequest obtains agent credentials for the worker.
type AssumeFleetRoleForWorkerRequest struct {
	FarmID   string `json:"-"`
	FleetID  string `json:"-"`
	WorkerID string `json:"-"`
}

// AssumeFleetRoleForWorkerResponse carries the granted agent credentials.
type AssumeFleetRoleForWorkerResponse struct {
	Credentials TemporaryCredentials `json:"credentials"`
}

// AssumeQueueRoleForWorkerRequest obtains job credentials for one queue.
type AssumeQueueRoleForWorkerRequest struct {
	FarmID   string `json:"-"`
	FleetID  string `json:"-"`
	WorkerID string `json:"-"`
	QueueID  string `json:"-"`
}

// AssumeQueueRoleForWorkerResponse carries queue credentials. Credentials is
// nil when the queue grants none; sessions then run without a queue role.
type AssumeQueueRoleForWorkerResponse struct {
	Credentials *TemporaryCredentials `json:"credentials,omitempty"`
}

// UpdateWorkerRequest moves the worker to a target status and optionally
// refreshes its advertised capabilities and host properties.
type UpdateWorkerRequest struct {
	FarmID         string          `json:"-"`
	FleetID        string          `json:"-"`
	WorkerID       string          `json:"-"`
	Status         WorkerStatus    `json:"status"`
	Capabilities   *Capabilities   `json:"capabilities,omitempty"`
	HostProperties *HostProperties `json:"hostProperties,omitempty"`
}

// UpdateWorkerResponse acknowledges the transition. Log, when present on the
// STARTED transition, configures the worker agent's own remote log stream.
type UpdateWorkerResponse struct {
	Log *LogConfiguration `json:"log,omitempty"`
}

// UpdateWorkerScheduleRequest reports action updates and polls for assignment
// changes. UpdatedSessionActions must always be present, empty when there is
// nothing to report.
type UpdateWorkerScheduleRequest struct {
	FarmID                string                          `json:"-"`
	FleetID               string                          `json:"-"`
	WorkerID              string                          `json:"-"`
	UpdatedSessionActions map[string]UpdatedSessionAction `json:"updatedSessionActions"`
}

// UpdateWorkerScheduleResponse is the scheduling heartbeat result.
type UpdateWorkerScheduleResponse struct {
	AssignedSessions      map[string]AssignedSession `json:"assignedSessions"`
	CancelSessionActions  map[string][]string        `json:"cancelSessionActions"`
	DesiredWorkerStatus   WorkerStatus               `json:"desiredWorkerStatus,omitempty"`
	UpdateIntervalSeconds int                        `json:"updateIntervalSeconds"`
}

// DeleteWorkerRequest removes the worker record from the fleet.
type DeleteWorkerRequest struct {
	FarmID   string `json:"-"`
	FleetID  string `json:"-"`
	WorkerID string `json:"-"`
}

// DeleteWorkerResponse acknowledges the deletion.
type DeleteWorkerResponse struct{}

// JobDetailsIdentifier keys the job-wide details entity.
type JobDetailsIdentifier struct {
	JobID string `json:"jobId"`
}

// JobAttachmentDetailsIdentifier keys the job attachment manifest entity.
type JobAttachmentDetailsIdentifier struct {
	JobID string `json:"jobId"`
}

// EnvironmentDetailsIdentifier keys one environment template entity.
type EnvironmentDetailsIdentifier struct {
	JobID         string `json:"jobId"`
	EnvironmentID string `json:"environmentId"`
}

// StepDetailsIdentifier keys one step template entity.
type StepDetailsIdentifier struct {
	JobID  string `json:"jobId"`
	StepID string `json:"stepId"`
}

// EntityIdentifier is the request-side entity union; exactly one field is set.
type EntityIdentifier struct {
	JobDetails           *JobDetailsIdentifier           `json:"jobDetails,omitempty"`
	JobAttachmentDetails *JobAttachmentDetailsIdentifier `json:"jobAttachmentDetails,omitempty"`
	EnvironmentDetails   *EnvironmentDetailsIdentifier   `json:"environmentDetails,omitempty"`
	StepDetails          *StepDetailsIdentifier          `json:"stepDetails,omitempty"`
}

// PosixUser is the POSIX identity sessions of a job run under.
type PosixUser struct {
	User  string `json:"user"`
	Group string `json:"group"`
}

// JobRunAsUser selects the OS user for job subprocesses. RunAs is either
// "QUEUE_CONFIGURED_USER" or "WORKER_AGENT_USER".
type JobRunAsUser struct {
	Posix *PosixUser `json:"posix,omitempty"`
	RunAs string     `json:"runAs,omitempty"`
}

// JobAttachmentSettings locates the job attachment store for a queue.
type JobAttachmentSettings struct {
	S3BucketName string `json:"s3BucketName"`
	RootPrefix   string `json:"rootPrefix"`
}

// PathMappingRule rewrites submitted paths into worker-local paths.
type PathMappingRule struct {
	SourcePathFormat string `json:"sourcePathFormat"`
	SourcePath       string `json:"sourcePath"`
	DestinationPath  string `json:"destinationPath"`
}

// JobDetailsData is the job-wide entity payload. Its schema version gates
// whether this agent can run sessions of the job at all.
type JobDetailsData struct {
	JobID                 string                        `json:"jobId"`
	SchemaVersion         string                        `json:"schemaVersion"`
	LogGroupName          string                        `json:"logGroupName,omitempty"`
	JobRunAsUser          *JobRunAsUser                 `json:"jobRunAsUser,omitempty"`
	JobAttachmentSettings *JobAttachmentSettings        `json:"jobAttachmentSettings,omitempty"`
	Parameters            map[string]TaskParameterValue `json:"parameters,omitempty"`
	PathMappingRules      []PathMappingRule             `json:"pathMappingRules,omitempty"`
	QueueRoleARN          string                        `json:"queueRoleArn,omitempty"`
}

// EnvironmentDetailsData is one environment template payload.
type EnvironmentDetailsData struct {
	JobID         string         `json:"jobId"`
	EnvironmentID string         `json:"environmentId"`
	SchemaVersion string         `json:"schemaVersion"`
	Template      map[string]any `json:"template"`
}

// StepDetailsData is one step template payload.
type StepDetailsData struct {
	JobID         string         `json:"jobId"`
	StepID        string         `json:"stepId"`
	SchemaVersion string         `json:"schemaVersion"`
	Template      map[string]any `json:"template"`
	Dependencies  []string       `json:"dependencies,omitempty"`
}

// JobAttachmentManifestProperties locates one attachment manifest.
type JobAttachmentManifestProperties struct {
	RootPath                  string   `json:"rootPath"`
	RootPathFormat            string   `json:"rootPathFormat"`
	FileSystemLocationName    string   `json:"fileSystemLocationName,omitempty"`
	InputManifestPath         string   `json:"inputManifestPath,omitempty"`
	InputManifestHash         string   `json:"inputManifestHash,omitempty"`
	OutputRelativeDirectories []string `json:"outputRelativeDirectories,omitempty"`
}

// JobAttachments lists the manifests a session must sync before running.
type JobAttachments struct {
	Manifests  []JobAttachmentManifestProperties `json:"manifests"`
	FileSystem string                            `json:"fileSystem,omitempty"`
}

// JobAttachmentDetailsData is the attachment manifest payload.
type JobAttachmentDetailsData struct {
	JobID       string         `json:"jobId"`
	Attachments JobAttachments `json:"attachments"`
}

// EntityData is the response-side entity union; exactly one field is set.
type EntityData struct {
	JobDetails           *JobDetailsData           `json:"jobDetails,omitempty"`
	JobAttachmentDetails *JobAttachmentDetailsData `json:"jobAttachmentDetails,omitempty"`
	EnvironmentDetails   *EnvironmentDetailsData   `json:"environmentDetails,omitempty"`
	StepDetails          *StepDetailsData          `json:"stepDetails,omitempty"`
}

// EntityErrorDetail is a per-entity failure inside an otherwise successful
// BatchGetJobEntity call.
type EntityErrorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	JobID         string `json:"jobId,omitempty"`
	EnvironmentID string `json:"environmentId,omitempty"`
	StepID        string `json:"stepId,omitempty"`
}

// EntityError is the error-side entity union; exactly one field is set.
type EntityError struct {
	JobDetails           *EntityErrorDetail `json:"jobDetails,omitempty"`
	JobAttachmentDetails *EntityErrorDetail `json:"jobAttachmentDetails,omitempty"`
	EnvironmentDetails   *EntityErrorDetail `json:"environmentDetails,omitempty"`
	StepDetails          *EntityErrorDetail `json:"stepDetails,omitempty"`
}

// BatchGetJobEntityRequest fetches entity payloads for assigned sessions.
type BatchGetJobEntityRequest struct {
	FarmID      string             `json:"-"`
	FleetID     string             `json:"-"`
	WorkerID    string             `json:"-"`
	Identifiers []EntityIdentifier `json:"identifiers"`
}

// BatchGetJobEntityResponse pairs resolved entities with per-entity errors.
type BatchGetJobEntityResponse struct {
	Entities []EntityData  `json:"entities"`
	Errors   []EntityError `json:"errors"`
}
