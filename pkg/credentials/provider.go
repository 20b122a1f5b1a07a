// Package credentials manages the two credential sets the worker runs on:
// the agent credentials granted by the fleet role, and per-queue job
// credentials handed to session subprocesses through on-disk profiles. Agent
// credentials never reach a subprocess in any form.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridfarm/worker-agent/pkg/api"
)

// SettableCredentials is an api.CredentialsProvider whose credential set is
// replaced as refreshes land. Retrieve hands out an immutable snapshot and
// never blocks on I/O.
type SettableCredentials struct {
	mu    sync.RWMutex
	creds api.TemporaryCredentials
}

// NewSettableCredentials creates a provider seeded with initial credentials.
func NewSettableCredentials(initial api.TemporaryCredentials) *SettableCredentials {
	return &SettableCredentials{creds: initial}
}

// Retrieve implements api.CredentialsProvider.
func (s *SettableCredentials) Retrieve(ctx context.Context) (api.TemporaryCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.creds.Valid() {
		return api.TemporaryCredentials{}, fmt.Errorf("no credentials installed")
	}
	return s.creds, nil
}

// Set replaces the credential set.
func (s *SettableCredentials) Set(creds api.TemporaryCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
}

// Snapshot returns the current credential set without validation.
func (s *SettableCredentials) Snapshot() api.TemporaryCredentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Expiration returns the current credential expiry, zero when none installed.
func (s *SettableCredentials) Expiration() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Expiration
}

// Expired reports whether the installed credentials are unusable at t.
func (s *SettableCredentials) Expired(t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.creds.Valid() || s.creds.Expired(t)
}

// RefreshSigner returns the provider credential refresh calls sign with: the
// live agent credentials while they are valid, the bootstrap credentials once
// the live set has expired. Live credentials are preferred even inside the
// refresh window so a worker never reverts to host credentials while it still
// holds a usable fleet role.
func RefreshSigner(live *SettableCredentials, bootstrap api.CredentialsProvider) api.CredentialsProvider {
	return refreshSigner{live: live, bootstrap: bootstrap}
}

type refreshSigner struct {
	live      *SettableCredentials
	bootstrap api.CredentialsProvider
}

func (r refreshSigner) Retrieve(ctx context.Context) (api.TemporaryCredentials, error) {
	if !r.live.Expired(time.Now()) {
		return r.live.Retrieve(ctx)
	}
	if r.bootstrap == nil {
		return api.TemporaryCredentials{}, fmt.Errorf("agent credentials expired and no bootstrap credentials available")
	}
	return r.bootstrap.Retrieve(ctx)
}
