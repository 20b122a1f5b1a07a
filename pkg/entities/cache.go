// Package entities caches job entity payloads for one session and batches
// the BatchGetJobEntity calls that populate it. Entries are immutable once
// written and the cache dies with its session.
package entities

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/observability"
)

// CacheConfig configures one session's entity cache.
type CacheConfig struct {
	// Service performs BatchGetJobEntity, signed with agent credentials.
	Service api.WorkerService

	FarmID    string
	FleetID   string
	WorkerID  string
	SessionID string
	JobID     string

	Logger *zap.Logger

	// MaxAttempts bounds the tries of one batch against transient service
	// failures. Zero keeps the standard bound.
	MaxAttempts int

	// BatchSize caps identifiers per call. Zero uses the service page size.
	BatchSize int

	// OnWorkerNotFound observes a whole-call NotFound: the service no longer
	// knows this worker. Called before the error is returned to the session.
	OnWorkerNotFound func(error)
}

// Validate checks required fields and fills in defaults.
func (c *CacheConfig) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.FarmID == "" || c.FleetID == "" || c.WorkerID == "" {
		return fmt.Errorf("farm, fleet, and worker ids are required")
	}
	if c.SessionID == "" || c.JobID == "" {
		return fmt.Errorf("session and job ids are required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = api.EntityBatchPolicy.Attempts
	}
	if c.BatchSize <= 0 || c.BatchSize > api.MaxBatchEntityIdentifiers {
		c.BatchSize = api.MaxBatchEntityIdentifiers
	}
	return nil
}

// record is one entity's resolution state. Exactly one of data and err is set
// once resolved; both nil means the entity is still pending a batch. alone
// marks an entity the payload ceiling pushed out of a shared batch; it may
// only be requested by itself from then on.
type record struct {
	ref   Ref
	data  *api.EntityData
	err   error
	alone bool
}

func (r *record) resolved() bool {
	return r.data != nil || r.err != nil
}

// Cache serves entity lookups for one session. Lookups miss into batched
// BatchGetJobEntity calls that also drain whatever has been queued with
// Prefetch, so a session's worth of details usually costs one call.
type Cache struct {
	cfg    CacheConfig
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*record
	pending []Ref
	queued  map[string]bool
}

// NewCache creates the cache for one session.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity cache config: %w", err)
	}
	return &Cache{
		cfg: cfg,
		logger: cfg.Logger.With(
			zap.String("session_id", cfg.SessionID),
			zap.String("job_id", cfg.JobID),
		),
		records: make(map[string]*record),
		queued:  make(map[string]bool),
	}, nil
}

// Prefetch queues refs for the next batch without blocking. Already cached
// or queued refs are ignored.
func (c *Cache) Prefetch(refs ...Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		key := ref.key()
		if rec, ok := c.records[key]; ok && (rec.resolved() || rec.alone) {
			continue
		}
		if c.queued[key] {
			continue
		}
		c.queued[key] = true
		c.pending = append(c.pending, ref)
	}
}

// Request returns the entity's payload or its memoized failure. On a miss it
// issues a batch containing the ref plus queued prefetches. An entity the
// service reports as exceeding the payload ceiling is re-requested alone.
func (c *Cache) Request(ctx context.Context, ref Ref) (*api.EntityData, error) {
	key := ref.key()

	c.mu.Lock()
	if rec, ok := c.records[key]; ok && rec.resolved() {
		c.mu.Unlock()
		if rec.err != nil {
			observability.EntityCacheRequestsTotal.WithLabelValues("error").Inc()
			return nil, rec.err
		}
		observability.EntityCacheRequestsTotal.WithLabelValues("hit").Inc()
		return rec.data, nil
	}
	c.mu.Unlock()
	observability.EntityCacheRequestsTotal.WithLabelValues("miss").Inc()

	solo := c.mustGoAlone(key)
	for {
		if err := c.fetch(ctx, ref, solo); err != nil {
			return nil, err
		}

		c.mu.Lock()
		rec := c.records[key]
		c.mu.Unlock()
		switch {
		case rec.err != nil:
			observability.EntityCacheRequestsTotal.WithLabelValues("error").Inc()
			return nil, rec.err
		case rec.data != nil:
			return rec.data, nil
		}

		// The payload ceiling pushed the entity out of the batch. Once it
		// has been requested alone and still did not fit, there is no
		// smaller request left to make.
		if solo {
			observability.EntityCacheRequestsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("entity %s exceeds the response payload ceiling even when requested alone", ref)
		}
		solo = true
	}
}

// mustGoAlone reports whether an earlier batch marked the entity as too big
// to share one.
func (c *Cache) mustGoAlone(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	return ok && rec.alone
}

// fetch issues one batch guaranteed to contain ref. Transient service
// failures are retried up to the configured bound; the error of an exhausted
// batch fails the requesting action, and undelivered refs return to the
// queue for the actions that need them.
func (c *Cache) fetch(ctx context.Context, ref Ref, solo bool) error {
	batch := c.takeBatch(ref, solo)

	identifiers := make([]api.EntityIdentifier, len(batch))
	for i, r := range batch {
		identifiers[i] = r.identifier()
	}

	policy := api.EntityBatchPolicy
	policy.Attempts = c.cfg.MaxAttempts

	var resp *api.BatchGetJobEntityResponse
	err := api.Retry(ctx, policy, nil, api.LogRetries(c.logger, "BatchGetJobEntity"), func() error {
		observability.EntityBatchesTotal.Inc()
		var callErr error
		resp, callErr = c.cfg.Service.BatchGetJobEntity(ctx, &api.BatchGetJobEntityRequest{
			FarmID:      c.cfg.FarmID,
			FleetID:     c.cfg.FleetID,
			WorkerID:    c.cfg.WorkerID,
			Identifiers: identifiers,
		})
		return callErr
	})
	if err != nil {
		c.requeue(batch)
		if api.IsNotFound(err) {
			c.logger.Error("Service no longer recognizes this worker", zap.Error(err))
			if c.cfg.OnWorkerNotFound != nil {
				c.cfg.OnWorkerNotFound(err)
			}
		} else {
			c.logger.Error("Entity batch failed",
				zap.Int("identifiers", len(identifiers)),
				zap.Error(err),
			)
		}
		return fmt.Errorf("fetching entity %s: %w", ref, err)
	}

	c.store(resp)
	return nil
}

// takeBatch assembles ref plus up to a page of queued, unresolved refs and
// removes them from the queue. Solo batches carry the ref only.
func (c *Cache) takeBatch(ref Ref, solo bool) []Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ref.key()
	if _, ok := c.records[key]; !ok {
		c.records[key] = &record{ref: ref}
	}

	batch := []Ref{ref}
	taken := map[string]bool{key: true}

	rest := c.pending[:0]
	for _, q := range c.pending {
		qk := q.key()
		switch {
		case taken[qk]:
			// Covered by the batch already; drop the queue entry.
		case solo || len(batch) >= c.cfg.BatchSize:
			rest = append(rest, q)
			continue
		case c.records[qk] != nil && (c.records[qk].resolved() || c.records[qk].alone):
			// Resolved while waiting in the queue, or too big to share.
		default:
			if _, ok := c.records[qk]; !ok {
				c.records[qk] = &record{ref: q}
			}
			taken[qk] = true
			batch = append(batch, q)
		}
		delete(c.queued, qk)
	}
	c.pending = rest
	return batch
}

// requeue returns unresolved refs of a failed batch to the queue so the
// actions needing them can retry with fresh attempts.
func (c *Cache) requeue(batch []Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range batch {
		key := r.key()
		if rec, ok := c.records[key]; ok && (rec.resolved() || rec.alone) {
			continue
		}
		if c.queued[key] {
			continue
		}
		c.queued[key] = true
		c.pending = append(c.pending, r)
	}
}

// store writes a batch response into the cache. Payload-ceiling errors are
// not memoized; the entity is marked to be requested alone.
func (c *Cache) store(resp *api.BatchGetJobEntityResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range resp.Entities {
		key, ok := dataKey(resp.Entities[i])
		if !ok {
			c.logger.Warn("Entity response with no union member set")
			continue
		}
		rec, ok := c.records[key]
		if !ok {
			c.logger.Warn("Entity response for an identifier never requested", zap.String("entity", key))
			continue
		}
		if rec.resolved() {
			continue
		}
		rec.data = &resp.Entities[i]
	}

	for _, entErr := range resp.Errors {
		key, detail, ok := errorDetail(entErr)
		if !ok {
			c.logger.Warn("Entity error with no union member set")
			continue
		}
		rec, ok := c.records[key]
		if !ok || rec.resolved() {
			continue
		}
		if detail.Code == api.ErrCodeMaxPayloadSizeExceeded {
			rec.alone = true
			c.logger.Debug("Entity deferred to its own batch by the payload ceiling",
				zap.String("entity", rec.ref.String()),
			)
			continue
		}
		rec.err = &Error{Ref: rec.ref, Code: detail.Code, Message: detail.Message}
		c.logger.Warn("Entity failed",
			zap.String("entity", rec.ref.String()),
			zap.String("code", detail.Code),
			zap.String("message", detail.Message),
		)
	}
}

// JobDetails fetches the job-wide entity that gates session setup.
func (c *Cache) JobDetails(ctx context.Context) (*api.JobDetailsData, error) {
	data, err := c.Request(ctx, JobDetailsRef(c.cfg.JobID))
	if err != nil {
		return nil, err
	}
	if data.JobDetails == nil {
		return nil, fmt.Errorf("service answered jobDetails(%s) with a different entity", c.cfg.JobID)
	}
	if data.JobDetails.SchemaVersion == "" {
		return nil, fmt.Errorf("jobDetails(%s) carries no schema version", c.cfg.JobID)
	}
	return data.JobDetails, nil
}

// JobAttachmentDetails fetches the attachment manifest entity.
func (c *Cache) JobAttachmentDetails(ctx context.Context) (*api.JobAttachmentDetailsData, error) {
	data, err := c.Request(ctx, JobAttachmentDetailsRef(c.cfg.JobID))
	if err != nil {
		return nil, err
	}
	if data.JobAttachmentDetails == nil {
		return nil, fmt.Errorf("service answered jobAttachmentDetails(%s) with a different entity", c.cfg.JobID)
	}
	return data.JobAttachmentDetails, nil
}

// EnvironmentDetails fetches one environment template entity.
func (c *Cache) EnvironmentDetails(ctx context.Context, environmentID string) (*api.EnvironmentDetailsData, error) {
	data, err := c.Request(ctx, EnvironmentDetailsRef(c.cfg.JobID, environmentID))
	if err != nil {
		return nil, err
	}
	if data.EnvironmentDetails == nil {
		return nil, fmt.Errorf("service answered environmentDetails(%s) with a different entity", environmentID)
	}
	return data.EnvironmentDetails, nil
}

// StepDetails fetches one step template entity.
func (c *Cache) StepDetails(ctx context.Context, stepID string) (*api.StepDetailsData, error) {
	data, err := c.Request(ctx, StepDetailsRef(c.cfg.JobID, stepID))
	if err != nil {
		return nil, err
	}
	if data.StepDetails == nil {
		return nil, fmt.Errorf("service answered stepDetails(%s) with a different entity", stepID)
	}
	return data.StepDetails, nil
}
