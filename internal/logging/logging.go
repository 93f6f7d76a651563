// Package logging wires the arbor structured logger from configuration,
// matching the teacher's SetupLogger/createWriterConfig idiom: console
// and/or file writers selected by config, plus an always-on memory writer
// that keeps recent log history in process. No HTTP endpoint in this
// repository serves that history.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/config"
)

var (
	global      arbor.ILogger
	globalMutex sync.RWMutex
)

// Get returns the process-wide logger, falling back to a bare console
// logger (with a warning) if Setup hasn't run yet.
func Get() arbor.ILogger {
	globalMutex.RLock()
	if global != nil {
		defer globalMutex.RUnlock()
		return global
	}
	globalMutex.RUnlock()

	globalMutex.Lock()
	defer globalMutex.Unlock()
	if global == nil {
		global = arbor.NewLogger().WithConsoleWriter(writerConfig(nil, models.LogWriterTypeConsole, ""))
		global.Warn().Msg("logging: Setup() not called yet, using fallback console logger")
	}
	return global
}

// Setup configures and installs the process-wide logger from cfg.
func Setup(cfg *config.LoggingConfig) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFile, hasConsole := false, false
	for _, out := range cfg.Output {
		switch out {
		case "file":
			hasFile = true
		case "stdout", "console":
			hasConsole = true
		}
	}

	if hasFile {
		execPath, err := os.Executable()
		if err != nil {
			logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, ""))
			logger.Warn().Err(err).Msg("logging: failed to resolve executable path, skipping file writer")
		} else {
			logsDir := filepath.Join(filepath.Dir(execPath), "logs")
			if err := os.MkdirAll(logsDir, 0o755); err != nil {
				logger.Warn().Err(err).Str("logs_dir", logsDir).Msg("logging: failed to create logs directory")
			} else {
				logFile := filepath.Join(logsDir, "ensemble-evaluator.log")
				logger = logger.WithFileWriter(writerConfig(cfg, models.LogWriterTypeFile, logFile))
			}
		}
	}

	if hasConsole || !hasFile {
		logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, ""))
	}

	// always-on memory writer keeps recent log history in process
	logger = logger.WithMemoryWriter(writerConfig(cfg, models.LogWriterTypeMemory, ""))
	logger = logger.WithLevelFromString(cfg.Level)

	globalMutex.Lock()
	global = logger
	globalMutex.Unlock()

	return logger
}

func writerConfig(cfg *config.LoggingConfig, kind models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := "15:04:05.000"
	if cfg != nil && cfg.TimeFormat != "" {
		timeFormat = cfg.TimeFormat
	}
	return models.WriterConfiguration{
		Type:             kind,
		FileName:         filename,
		TimeFormat:       timeFormat,
		DisableTimestamp: false,
		MaxSize:          100 * 1024 * 1024,
		MaxBackups:       3,
	}
}

// Stop flushes any buffered log output before shutdown. Safe to call more
// than once.
func Stop() {
	arborcommon.Stop()
}
