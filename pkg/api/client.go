// Package api defines the contract between the worker agent and the farm
// scheduling service: seven typed operations, the wire shapes they exchange,
// a closed error taxonomy, and an HTTP implementation.
package api

import (
	"context"
)

// WorkerService is the full remote surface the agent core uses. Every method
// returns either a typed response or an error unwrappable to *RequestError.
// Implementations are safe for concurrent use.
type WorkerService interface {
	// CreateWorker registers this host with the fleet and mints a worker id.
	CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*CreateWorkerResponse, error)

	// AssumeFleetRoleForWorker grants the agent credentials the worker uses
	// for every other operation.
	AssumeFleetRoleForWorker(ctx context.Context, req *AssumeFleetRoleForWorkerRequest) (*AssumeFleetRoleForWorkerResponse, error)

	// AssumeQueueRoleForWorker grants job credentials scoped to one queue.
	AssumeQueueRoleForWorker(ctx context.Context, req *AssumeQueueRoleForWorkerRequest) (*AssumeQueueRoleForWorkerResponse, error)

	// UpdateWorker transitions the worker between lifecycle statuses.
	UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*UpdateWorkerResponse, error)

	// UpdateWorkerSchedule reports action updates and receives assignment
	// changes, cancels, and the next poll interval.
	UpdateWorkerSchedule(ctx context.Context, req *UpdateWorkerScheduleRequest) (*UpdateWorkerScheduleResponse, error)

	// BatchGetJobEntity resolves job entity payloads for assigned work.
	BatchGetJobEntity(ctx context.Context, req *BatchGetJobEntityRequest) (*BatchGetJobEntityResponse, error)

	// DeleteWorker removes the worker record from the fleet.
	DeleteWorker(ctx context.Context, req *DeleteWorkerRequest) (*DeleteWorkerResponse, error)
}

// CredentialsProvider supplies the credentials a client instance signs with.
// A client is bound to exactly one provider; the bootstrap phase and the
// steady state use separate clients so the two credential sets never mix.
type CredentialsProvider interface {
	Retrieve(ctx context.Context) (TemporaryCredentials, error)
}

// StaticCredentials is a CredentialsProvider over a fixed credential set.
type StaticCredentials struct {
	Credentials TemporaryCredentials
}

func (s StaticCredentials) Retrieve(ctx context.Context) (TemporaryCredentials, error) {
	return s.Credentials, nil
}

// AnonymousCredentials satisfies CredentialsProvider for unsigned requests,
// such as CreateWorker against fleets with host-based registration.
type AnonymousCredentials struct{}

func (AnonymousCredentials) Retrieve(ctx context.Context) (TemporaryCredentials, error) {
	return TemporaryCredentials{}, nil
}
