package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/observability"
)

// Grant exposes one queue's credential artifacts to session runtimes. Profile
// is empty when the queue grants no role; such sessions run without job
// credentials.
type Grant struct {
	QueueID         string
	Profile         string
	ConfigFile      string
	CredentialsFile string
}

// Environment returns the variables job subprocesses need to resolve the
// queue role through the on-disk profile. Nil for empty grants.
func (g *Grant) Environment() map[string]string {
	if g == nil || g.Profile == "" {
		return nil
	}
	return map[string]string{
		"AWS_PROFILE":                 g.Profile,
		"AWS_CONFIG_FILE":             g.ConfigFile,
		"AWS_SHARED_CREDENTIALS_FILE": g.CredentialsFile,
	}
}

// QueueManagerConfig configures the queue credential manager.
type QueueManagerConfig struct {
	// Service performs AssumeQueueRoleForWorker, signed with agent credentials.
	Service api.WorkerService

	FarmID   string
	FleetID  string
	WorkerID string

	// Dir is the root under which each queue gets its credential tree.
	Dir string

	// JobUserGroup, when set, is the group shared with job users; credential
	// trees are group-readable and chowned to it.
	JobUserGroup string

	Logger *zap.Logger
	Events *observability.EventStream

	// AdvanceWindow, MinDelay, WindowRetry mirror the agent refresher.
	AdvanceWindow time.Duration
	MinDelay      time.Duration
	WindowRetry   time.Duration
}

// Validate checks required fields and fills in defaults.
func (c *QueueManagerConfig) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.FarmID == "" || c.FleetID == "" || c.WorkerID == "" {
		return fmt.Errorf("farm, fleet, and worker ids are required")
	}
	if c.Dir == "" {
		return fmt.Errorf("credential directory is required")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.AdvanceWindow <= 0 {
		c.AdvanceWindow = defaultAdvanceWindow
	}
	if c.MinDelay <= 0 {
		c.MinDelay = defaultMinDelay
	}
	if c.WindowRetry <= 0 {
		c.WindowRetry = defaultWindowRetry
	}
	return nil
}

// queueEntry is one queue's credential state, refcounted by its sessions.
type queueEntry struct {
	grant    *Grant
	dir      string
	refcount int
	empty    bool

	mu    sync.Mutex
	creds api.TemporaryCredentials

	stopCh chan struct{}
	doneCh chan struct{}
}

func (e *queueEntry) snapshot() api.TemporaryCredentials {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creds
}

func (e *queueEntry) install(creds api.TemporaryCredentials) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.creds = creds
}

// QueueManager maintains per-queue job credentials for the sessions using
// them. The first session of a queue materializes the credential tree; the
// last session's release purges it.
type QueueManager struct {
	cfg    QueueManagerConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*queueEntry
}

// NewQueueManager creates the manager. The root directory is created lazily
// on first acquisition.
func NewQueueManager(cfg QueueManagerConfig) (*QueueManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue manager config: %w", err)
	}
	return &QueueManager{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("worker_id", cfg.WorkerID)),
		entries: make(map[string]*queueEntry),
	}, nil
}

// Acquire registers one more session of the queue and returns its grant. The
// first acquisition assumes the queue role before returning; a conflict from
// a queue racing a status change is retried briefly, then surfaced so the
// session's first action can fail with the reason.
func (m *QueueManager) Acquire(ctx context.Context, queueID string) (*Grant, error) {
	m.mu.Lock()
	if e, ok := m.entries[queueID]; ok {
		e.refcount++
		grant := e.grant
		m.mu.Unlock()
		return grant, nil
	}
	m.mu.Unlock()

	creds, err := m.assumeRole(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("assuming queue role for %s: %w", queueID, err)
	}

	entry := &queueEntry{refcount: 1}
	if creds == nil {
		entry.empty = true
		entry.grant = &Grant{QueueID: queueID}
		m.logger.Info("Queue grants no role, sessions run without job credentials",
			zap.String("queue_id", queueID),
		)
	} else {
		dir := filepath.Join(m.cfg.Dir, queueID)
		if err := m.writeTree(ctx, dir, queueID, *creds); err != nil {
			return nil, fmt.Errorf("materializing queue credentials for %s: %w", queueID, err)
		}
		entry.dir = dir
		entry.grant = &Grant{
			QueueID:         queueID,
			Profile:         profileName(queueID),
			ConfigFile:      filepath.Join(dir, configFileName),
			CredentialsFile: filepath.Join(dir, credentialsFileName),
		}
		entry.install(*creds)
		entry.stopCh = make(chan struct{})
		entry.doneCh = make(chan struct{})
	}

	m.mu.Lock()
	if existing, ok := m.entries[queueID]; ok {
		// Lost a creation race; ride the established entry.
		existing.refcount++
		grant := existing.grant
		m.mu.Unlock()
		return grant, nil
	}
	m.entries[queueID] = entry
	m.mu.Unlock()

	if !entry.empty {
		observability.QueueCredentialsActive.Inc()
		go m.refreshLoop(ctx, queueID, entry)
	}
	return entry.grant, nil
}

// Release drops one session's hold on the queue. The last release stops the
// refresh loop and removes every on-disk artifact.
func (m *QueueManager) Release(queueID string) {
	m.mu.Lock()
	entry, ok := m.entries[queueID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.refcount--
	if entry.refcount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.entries, queueID)
	m.mu.Unlock()

	m.purge(queueID, entry)
}

// Credentials returns the current credential snapshot for a queue.
func (m *QueueManager) Credentials(queueID string) (api.TemporaryCredentials, bool) {
	m.mu.Lock()
	entry, ok := m.entries[queueID]
	m.mu.Unlock()
	if !ok || entry.empty {
		return api.TemporaryCredentials{}, false
	}
	return entry.snapshot(), true
}

// ActiveQueues lists the queues currently holding credentials.
func (m *QueueManager) ActiveQueues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]string, 0, len(m.entries))
	for id := range m.entries {
		queues = append(queues, id)
	}
	return queues
}

// Stop releases every queue regardless of refcount. Used at worker shutdown
// after all sessions have been torn down.
func (m *QueueManager) Stop() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*queueEntry)
	m.mu.Unlock()

	for queueID, entry := range entries {
		m.purge(queueID, entry)
	}
}

func (m *QueueManager) purge(queueID string, entry *queueEntry) {
	if entry.empty {
		return
	}

	close(entry.stopCh)
	<-entry.doneCh

	if err := os.RemoveAll(entry.dir); err != nil {
		m.logger.Warn("Failed to remove queue credential tree",
			zap.String("queue_id", queueID),
			zap.String("dir", entry.dir),
			zap.Error(err),
		)
	}
	observability.QueueCredentialsActive.Dec()
	m.cfg.Events.RecordEvent(context.Background(), observability.Event{
		Type:     observability.EventCredsDelete,
		Severity: observability.SeverityInfo,
		QueueID:  queueID,
		Message:  fmt.Sprintf("Removed queue credentials for %s", queueID),
		Success:  true,
	})
	m.logger.Info("Queue credentials released", zap.String("queue_id", queueID))
}

// assumeRole obtains queue credentials, retrying schedulability conflicts for
// a short window. A nil credential pointer is a valid empty grant.
func (m *QueueManager) assumeRole(ctx context.Context, queueID string) (*api.TemporaryCredentials, error) {
	var resp *api.AssumeQueueRoleForWorkerResponse

	shouldRetry := func(err error) bool {
		if api.IsRetryable(err) {
			return true
		}
		return api.IsConflict(err, api.ConflictStatusConflict, queueID)
	}

	err := api.Retry(ctx, api.QueueConflictPolicy, shouldRetry,
		api.LogRetries(m.logger, "AssumeQueueRoleForWorker"),
		func() error {
			var callErr error
			resp, callErr = m.cfg.Service.AssumeQueueRoleForWorker(ctx, &api.AssumeQueueRoleForWorkerRequest{
				FarmID:   m.cfg.FarmID,
				FleetID:  m.cfg.FleetID,
				WorkerID: m.cfg.WorkerID,
				QueueID:  queueID,
			})
			return callErr
		})
	if err != nil {
		observability.CredentialRefreshesTotal.WithLabelValues("queue", "failure").Inc()
		m.cfg.Events.RecordEvent(ctx, observability.NewCredsRefreshEvent(queueID, time.Time{}, err))
		return nil, err
	}

	observability.CredentialRefreshesTotal.WithLabelValues("queue", "success").Inc()
	if resp.Credentials != nil {
		m.cfg.Events.RecordEvent(ctx, observability.NewCredsRefreshEvent(queueID, resp.Credentials.Expiration, nil))
	}
	return resp.Credentials, nil
}

// writeTree materializes the full credential tree for one queue.
func (m *QueueManager) writeTree(ctx context.Context, dir, queueID string, creds api.TemporaryCredentials) error {
	modes := modesFor(m.cfg.JobUserGroup != "")

	if err := os.MkdirAll(dir, modes.dir); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	// MkdirAll leaves prior modes alone when the directory already exists.
	if err := os.Chmod(dir, modes.dir); err != nil {
		return fmt.Errorf("setting mode on %s: %w", dir, err)
	}

	jsonPath := filepath.Join(dir, credentialsJSONName)
	scriptPath := filepath.Join(dir, scriptFileName)

	if err := writeProcessCredentials(jsonPath, creds, modes.file); err != nil {
		return err
	}
	if err := writeCredentialScript(scriptPath, jsonPath, modes.script); err != nil {
		return err
	}
	if err := writeProfileFiles(dir, profileName(queueID), scriptPath, modes.file); err != nil {
		return err
	}
	if m.cfg.JobUserGroup != "" {
		if err := applyGroup(dir, m.cfg.JobUserGroup); err != nil {
			return err
		}
	}

	m.cfg.Events.RecordEvent(ctx, observability.Event{
		Type:     observability.EventCredsInstall,
		Severity: observability.SeverityInfo,
		QueueID:  queueID,
		Message:  fmt.Sprintf("Installed queue credentials under %s", dir),
		Metadata: map[string]interface{}{"dir": dir, "profile": profileName(queueID)},
		Success:  true,
	})
	return nil
}

// refreshEntry rewrites the credentials JSON after a successful refresh. The
// profile files never change; only the JSON the process script prints does.
func (m *QueueManager) refreshEntry(entry *queueEntry, creds api.TemporaryCredentials) error {
	modes := modesFor(m.cfg.JobUserGroup != "")
	jsonPath := filepath.Join(entry.dir, credentialsJSONName)

	if err := writeProcessCredentials(jsonPath, creds, modes.file); err != nil {
		return err
	}
	if m.cfg.JobUserGroup != "" {
		// The atomic replace resets group ownership.
		if err := applyGroup(jsonPath, m.cfg.JobUserGroup); err != nil {
			return err
		}
	}
	entry.install(creds)
	return nil
}

// refreshLoop keeps one queue's credentials current until release.
func (m *QueueManager) refreshLoop(ctx context.Context, queueID string, entry *queueEntry) {
	defer close(entry.doneCh)

	logger := m.logger.With(zap.String("queue_id", queueID))
	timer := time.NewTimer(nextRefreshDelay(entry.snapshot().Expiration, time.Now(), m.cfg.AdvanceWindow, m.cfg.MinDelay))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-entry.stopCh:
			return
		case <-timer.C:
			timer.Reset(m.refreshOnce(ctx, queueID, entry, logger))
		}
	}
}

// refreshOnce runs one refresh attempt and returns the delay until the next.
// Failures keep the previous JSON on disk; it stays valid until its expiry,
// and the service cancels the queue's sessions if the queue itself is gone.
func (m *QueueManager) refreshOnce(ctx context.Context, queueID string, entry *queueEntry, logger *zap.Logger) time.Duration {
	now := time.Now()

	creds, err := m.assumeRole(ctx, queueID)
	if err == nil && creds == nil {
		err = fmt.Errorf("queue role became empty during refresh")
	}
	if err == nil && (!creds.Valid() || creds.Expired(now)) {
		err = fmt.Errorf("service returned unusable queue credentials expiring %s", creds.Expiration)
	}
	if err == nil {
		err = m.refreshEntry(entry, *creds)
	}

	if err != nil {
		logger.Warn("Queue credential refresh failed, will retry",
			zap.Time("expiry", entry.snapshot().Expiration),
			zap.Error(err),
		)
		next := m.cfg.WindowRetry
		if remaining := entry.snapshot().Expiration.Sub(now); remaining > 0 && remaining < next {
			next = remaining
		}
		return api.DelayFor(err, next)
	}

	logger.Info("Queue credentials refreshed", zap.Time("expiry", creds.Expiration))
	return nextRefreshDelay(creds.Expiration, now, m.cfg.AdvanceWindow, m.cfg.MinDelay)
}

func profileName(queueID string) string {
	return "gridfarm-" + queueID
}
