package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/gridfarm/worker-agent/pkg/api"
)

// FakeWorkerService implements api.WorkerService with per-method hooks and
// call counting. Methods without a hook fail so tests notice unexpected
// traffic.
type FakeWorkerService struct {
	CreateWorkerFunc             func(ctx context.Context, req *api.CreateWorkerRequest) (*api.CreateWorkerResponse, error)
	AssumeFleetRoleForWorkerFunc func(ctx context.Context, req *api.AssumeFleetRoleForWorkerRequest) (*api.AssumeFleetRoleForWorkerResponse, error)
	AssumeQueueRoleForWorkerFunc func(ctx context.Context, req *api.AssumeQueueRoleForWorkerRequest) (*api.AssumeQueueRoleForWorkerResponse, error)
	UpdateWorkerFunc             func(ctx context.Context, req *api.UpdateWorkerRequest) (*api.UpdateWorkerResponse, error)
	UpdateWorkerScheduleFunc     func(ctx context.Context, req *api.UpdateWorkerScheduleRequest) (*api.UpdateWorkerScheduleResponse, error)
	BatchGetJobEntityFunc        func(ctx context.Context, req *api.BatchGetJobEntityRequest) (*api.BatchGetJobEntityResponse, error)
	DeleteWorkerFunc             func(ctx context.Context, req *api.DeleteWorkerRequest) (*api.DeleteWorkerResponse, error)

	mu    sync.Mutex
	calls map[string]int
}

var _ api.WorkerService = (*FakeWorkerService)(nil)

// Calls returns how many times the named operation was invoked.
func (f *FakeWorkerService) Calls(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[operation]
}

func (f *FakeWorkerService) record(operation string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[operation]++
}

func (f *FakeWorkerService) CreateWorker(ctx context.Context, req *api.CreateWorkerRequest) (*api.CreateWorkerResponse, error) {
	f.record("CreateWorker")
	if f.CreateWorkerFunc == nil {
		return nil, errors.New("unexpected CreateWorker call")
	}
	return f.CreateWorkerFunc(ctx, req)
}

func (f *FakeWorkerService) AssumeFleetRoleForWorker(ctx context.Context, req *api.AssumeFleetRoleForWorkerRequest) (*api.AssumeFleetRoleForWorkerResponse, error) {
	f.record("AssumeFleetRoleForWorker")
	if f.AssumeFleetRoleForWorkerFunc == nil {
		return nil, errors.New("unexpected AssumeFleetRoleForWorker call")
	}
	return f.AssumeFleetRoleForWorkerFunc(ctx, req)
}

func (f *FakeWorkerService) AssumeQueueRoleForWorker(ctx context.Context, req *api.AssumeQueueRoleForWorkerRequest) (*api.AssumeQueueRoleForWorkerResponse, error) {
	f.record("AssumeQueueRoleForWorker")
	if f.AssumeQueueRoleForWorkerFunc == nil {
		return nil, errors.New("unexpected AssumeQueueRoleForWorker call")
	}
	return f.AssumeQueueRoleForWorkerFunc(ctx, req)
}

func (f *FakeWorkerService) UpdateWorker(ctx context.Context, req *api.UpdateWorkerRequest) (*api.UpdateWorkerResponse, error) {
	f.record("UpdateWorker")
	if f.UpdateWorkerFunc == nil {
		return nil, errors.New("unexpected UpdateWorker call")
	}
	return f.UpdateWorkerFunc(ctx, req)
}

func (f *FakeWorkerService) UpdateWorkerSchedule(ctx context.Context, req *api.UpdateWorkerScheduleRequest) (*api.UpdateWorkerScheduleResponse, error) {
	f.record("UpdateWorkerSchedule")
	if f.UpdateWorkerScheduleFunc == nil {
		return nil, errors.New("unexpected UpdateWorkerSchedule call")
	}
	return f.UpdateWorkerScheduleFunc(ctx, req)
}

func (f *FakeWorkerService) BatchGetJobEntity(ctx context.Context, req *api.BatchGetJobEntityRequest) (*api.BatchGetJobEntityResponse, error) {
	f.record("BatchGetJobEntity")
	if f.BatchGetJobEntityFunc == nil {
		return nil, errors.New("unexpected BatchGetJobEntity call")
	}
	return f.BatchGetJobEntityFunc(ctx, req)
}

func (f *FakeWorkerService) DeleteWorker(ctx context.Context, req *api.DeleteWorkerRequest) (*api.DeleteWorkerResponse, error) {
	f.record("DeleteWorker")
	if f.DeleteWorkerFunc == nil {
		return nil, errors.New("unexpected DeleteWorker call")
	}
	return f.DeleteWorkerFunc(ctx, req)
}
