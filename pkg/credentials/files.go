package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gridfarm/worker-agent/pkg/api"
)

const (
	credentialsJSONName = "credentials.json"
	configFileName      = "config"
	credentialsFileName = "credentials"
	scriptFileName      = "get_credentials.sh"

	// The Expiration field of the credentials-process protocol.
	expirationFormat = "2006-01-02T15:04:05Z"
)

// treeModes are the permissions of a queue credential tree. A shared job-user
// group widens group access so the job's credentials process can read the
// JSON while everyone else stays out.
type treeModes struct {
	dir    os.FileMode
	file   os.FileMode
	script os.FileMode
}

func modesFor(sharedGroup bool) treeModes {
	if sharedGroup {
		return treeModes{dir: 0o750, file: 0o640, script: 0o750}
	}
	return treeModes{dir: 0o700, file: 0o600, script: 0o700}
}

// processCredentials is the credentials-process output format AWS SDKs read.
type processCredentials struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// atomicWrite replaces path with data in one rename so a concurrent reader
// never observes a partial file.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// writeProcessCredentials writes the credentials-process JSON document.
func writeProcessCredentials(path string, creds api.TemporaryCredentials, mode os.FileMode) error {
	doc := processCredentials{
		Version:         1,
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Expiration:      creds.Expiration.UTC().Format(expirationFormat),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	return atomicWrite(path, data, mode)
}

// writeProfileFiles writes the AWS-style config and credentials INI files
// whose single profile resolves through the credentials process script.
func writeProfileFiles(dir, profile, scriptPath string, mode os.FileMode) error {
	config := fmt.Sprintf("[profile %s]\ncredential_process = %s\n", profile, scriptPath)
	if err := atomicWrite(filepath.Join(dir, configFileName), []byte(config), mode); err != nil {
		return err
	}

	creds := fmt.Sprintf("[%s]\ncredential_process = %s\n", profile, scriptPath)
	return atomicWrite(filepath.Join(dir, credentialsFileName), []byte(creds), mode)
}

// writeCredentialScript writes the credentials process entry point.
func writeCredentialScript(path, jsonPath string, mode os.FileMode) error {
	script := fmt.Sprintf("#!/bin/sh\ncat '%s'\n", jsonPath)
	return atomicWrite(path, []byte(script), mode)
}

// applyGroup hands group ownership of every entry under dir to the named
// group. Ownership changes are best effort on platforms without the group.
func applyGroup(dir, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("looking up group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q of group %q: %w", g.Gid, group, err)
	}

	return filepath.WalkDir(dir, func(path string, _ os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(path, -1, gid); err != nil {
			return fmt.Errorf("chowning %s to group %s: %w", path, group, err)
		}
		return nil
	})
}

// agentCachePath is the persisted agent credential location for one worker.
func agentCachePath(dir, workerID string) string {
	return filepath.Join(dir, workerID+".json")
}

// SaveAgentCredentials persists the agent credential set so a restarted
// worker can resume without bootstrap credentials. The file is private to the
// agent user and replaced atomically.
func SaveAgentCredentials(dir, workerID string, creds api.TemporaryCredentials) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating agent credentials dir %s: %w", dir, err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding agent credentials: %w", err)
	}
	return atomicWrite(agentCachePath(dir, workerID), data, 0o600)
}

// LoadAgentCredentials reads back persisted agent credentials. A missing file
// is not an error; ok reports whether credentials were found. Callers decide
// what expiry means for them.
func LoadAgentCredentials(dir, workerID string) (api.TemporaryCredentials, bool, error) {
	data, err := os.ReadFile(agentCachePath(dir, workerID))
	if os.IsNotExist(err) {
		return api.TemporaryCredentials{}, false, nil
	}
	if err != nil {
		return api.TemporaryCredentials{}, false, fmt.Errorf("reading agent credentials: %w", err)
	}

	var creds api.TemporaryCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return api.TemporaryCredentials{}, false, fmt.Errorf("decoding agent credentials: %w", err)
	}
	return creds, true, nil
}

// DeleteAgentCredentials removes the persisted agent credential file.
func DeleteAgentCredentials(dir, workerID string) error {
	err := os.Remove(agentCachePath(dir, workerID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing agent credentials: %w", err)
	}
	return nil
}

// nextRefreshDelay computes how long to wait before the next refresh:
// advance before expiry, never sooner than min from now.
func nextRefreshDelay(expiry time.Time, now time.Time, advance, min time.Duration) time.Duration {
	delay := expiry.Add(-advance).Sub(now)
	if delay < min {
		return min
	}
	return delay
}
