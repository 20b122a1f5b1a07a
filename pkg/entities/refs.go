package entities

import (
	"errors"
	"fmt"

	"github.com/gridfarm/worker-agent/pkg/api"
)

// Type discriminates the entity union of BatchGetJobEntity.
type Type string

const (
	TypeJobDetails           Type = "jobDetails"
	TypeJobAttachmentDetails Type = "jobAttachmentDetails"
	TypeEnvironmentDetails   Type = "environmentDetails"
	TypeStepDetails          Type = "stepDetails"
)

// Ref identifies one entity a session needs.
type Ref struct {
	Type          Type
	JobID         string
	EnvironmentID string
	StepID        string
}

// JobDetailsRef references the job-wide details entity.
func JobDetailsRef(jobID string) Ref {
	return Ref{Type: TypeJobDetails, JobID: jobID}
}

// JobAttachmentDetailsRef references the job attachment manifest entity.
func JobAttachmentDetailsRef(jobID string) Ref {
	return Ref{Type: TypeJobAttachmentDetails, JobID: jobID}
}

// EnvironmentDetailsRef references one environment template entity.
func EnvironmentDetailsRef(jobID, environmentID string) Ref {
	return Ref{Type: TypeEnvironmentDetails, JobID: jobID, EnvironmentID: environmentID}
}

// StepDetailsRef references one step template entity.
func StepDetailsRef(jobID, stepID string) Ref {
	return Ref{Type: TypeStepDetails, JobID: jobID, StepID: stepID}
}

func (r Ref) String() string {
	switch r.Type {
	case TypeEnvironmentDetails:
		return fmt.Sprintf("%s(%s)", r.Type, r.EnvironmentID)
	case TypeStepDetails:
		return fmt.Sprintf("%s(%s)", r.Type, r.StepID)
	default:
		return fmt.Sprintf("%s(%s)", r.Type, r.JobID)
	}
}

// key is the cache key. Type-prefixed so jobDetails and jobAttachmentDetails
// of the same job stay distinct.
func (r Ref) key() string {
	switch r.Type {
	case TypeEnvironmentDetails:
		return string(r.Type) + ":" + r.EnvironmentID
	case TypeStepDetails:
		return string(r.Type) + ":" + r.StepID
	default:
		return string(r.Type) + ":" + r.JobID
	}
}

func (r Ref) identifier() api.EntityIdentifier {
	switch r.Type {
	case TypeJobDetails:
		return api.EntityIdentifier{JobDetails: &api.JobDetailsIdentifier{JobID: r.JobID}}
	case TypeJobAttachmentDetails:
		return api.EntityIdentifier{JobAttachmentDetails: &api.JobAttachmentDetailsIdentifier{JobID: r.JobID}}
	case TypeEnvironmentDetails:
		return api.EntityIdentifier{EnvironmentDetails: &api.EnvironmentDetailsIdentifier{JobID: r.JobID, EnvironmentID: r.EnvironmentID}}
	case TypeStepDetails:
		return api.EntityIdentifier{StepDetails: &api.StepDetailsIdentifier{JobID: r.JobID, StepID: r.StepID}}
	default:
		return api.EntityIdentifier{}
	}
}

// dataKey extracts the cache key of a response union member.
func dataKey(d api.EntityData) (string, bool) {
	switch {
	case d.JobDetails != nil:
		return JobDetailsRef(d.JobDetails.JobID).key(), true
	case d.JobAttachmentDetails != nil:
		return JobAttachmentDetailsRef(d.JobAttachmentDetails.JobID).key(), true
	case d.EnvironmentDetails != nil:
		return EnvironmentDetailsRef(d.EnvironmentDetails.JobID, d.EnvironmentDetails.EnvironmentID).key(), true
	case d.StepDetails != nil:
		return StepDetailsRef(d.StepDetails.JobID, d.StepDetails.StepID).key(), true
	}
	return "", false
}

// errorDetail extracts the cache key and failure of an error union member.
func errorDetail(e api.EntityError) (string, *api.EntityErrorDetail, bool) {
	switch {
	case e.JobDetails != nil:
		return JobDetailsRef(e.JobDetails.JobID).key(), e.JobDetails, true
	case e.JobAttachmentDetails != nil:
		return JobAttachmentDetailsRef(e.JobAttachmentDetails.JobID).key(), e.JobAttachmentDetails, true
	case e.EnvironmentDetails != nil:
		return EnvironmentDetailsRef(e.EnvironmentDetails.JobID, e.EnvironmentDetails.EnvironmentID).key(), e.EnvironmentDetails, true
	case e.StepDetails != nil:
		return StepDetailsRef(e.StepDetails.JobID, e.StepDetails.StepID).key(), e.StepDetails, true
	}
	return "", nil, false
}

// Error is a memoized per-entity failure from BatchGetJobEntity. The action
// needing the entity fails with it when the action reaches the pipeline head.
type Error struct {
	Ref     Ref
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("entity %s failed: %s: %s", e.Ref, e.Code, e.Message)
}

// AsEntityError unwraps err into an *Error if there is one.
func AsEntityError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
