package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// workerIdentity is the on-disk worker state. The file is written once at
// worker creation and only read afterwards.
type workerIdentity struct {
	WorkerID string `json:"worker_id"`
}

// loadWorkerIdentity reads the persisted worker id. A missing file is not an
// error; found reports whether an id was read. Unknown keys are tolerated so
// newer agents can leave state behind, but they are worth a warning.
func loadWorkerIdentity(path string, logger *zap.Logger) (string, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading worker state %s: %w", path, err)
	}
	warnWorldWritableParent(path, logger)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", false, fmt.Errorf("decoding worker state %s: %w", path, err)
	}
	for key := range raw {
		if key != "worker_id" {
			logger.Warn("Ignoring unknown key in worker state file",
				zap.String("path", path),
				zap.String("key", key))
		}
	}

	var state workerIdentity
	if err := json.Unmarshal(data, &state); err != nil {
		return "", false, fmt.Errorf("decoding worker state %s: %w", path, err)
	}
	if state.WorkerID == "" {
		return "", false, fmt.Errorf("worker state %s has no worker_id", path)
	}
	return state.WorkerID, true, nil
}

// saveWorkerIdentity persists the worker id, private to the agent user.
func saveWorkerIdentity(path, workerID string, logger *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state dir for %s: %w", path, err)
	}
	warnWorldWritableParent(path, logger)

	data, err := json.Marshal(workerIdentity{WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("encoding worker state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing worker state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing worker state %s: %w", path, err)
	}
	return nil
}

// removeWorkerIdentity drops the persisted id so the next startup registers
// a fresh worker.
func removeWorkerIdentity(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing worker state %s: %w", path, err)
	}
	return nil
}

// warnWorldWritableParent flags a state directory any local user could swap
// files in.
func warnWorldWritableParent(path string, logger *zap.Logger) {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o002 != 0 {
		logger.Warn("Worker state directory is world writable",
			zap.String("dir", dir),
			zap.String("mode", info.Mode().Perm().String()))
	}
}
