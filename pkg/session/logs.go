package session

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/api"
	"github.com/gridfarm/worker-agent/pkg/observability"
)

// openSessionLog opens the per-session JSON log under dir. The file is group
// readable so the job user can inspect its own runs. The returned closer
// flushes and closes the file.
func openSessionLog(dir, sessionID string, logCfg *api.LogConfiguration, agent *zap.Logger) (*zap.Logger, func() error, string, error) {
	path := filepath.Join(dir, sessionID+".log")
	slog, closeLog, err := observability.NewFileLogger(path, 0o750, 0o640)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log %s: %w", path, err)
	}

	if logCfg != nil {
		if logCfg.Error != "" {
			agent.Warn("Service could not provision the session log destination",
				zap.String("session_id", sessionID),
				zap.String("log_error", logCfg.Error),
			)
		}
		fields := []zap.Field{zap.String("log_driver", logCfg.LogDriver)}
		for k, v := range logCfg.Options {
			fields = append(fields, zap.String("log_option_"+k, v))
		}
		slog.Info("Session log opened", fields...)
	} else {
		slog.Info("Session log opened")
	}
	return slog, closeLog, path, nil
}
