package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

func consoleWriter(timeFormat string) models.WriterConfiguration {
	if timeFormat == "" {
		timeFormat = "15:04:05"
	}
	return models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       timeFormat,
		TextOutput:       true,
		DisableTimestamp: false,
	}
}

// GetLogger returns the global logger instance, creating a console logger on first use
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		defer loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(consoleWriter(""))
	}
	return globalLogger
}

// InitLogger builds the arbor logger from the logging section and stores it globally.
// File output goes to <badger path>/../logs/qa-guardian.log.
func InitLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	logger := arbor.NewLogger()
	timeFormat := config.Logging.TimeFormat

	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			logsDir := LogsDir(config)
			if err := os.MkdirAll(logsDir, 0755); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to create logs directory %s: %v\n", logsDir, err)
				continue
			}
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:             models.LogWriterTypeFile,
				FileName:         filepath.Join(logsDir, "qa-guardian.log"),
				TimeFormat:       timeFormat,
				MaxSize:          100 * 1024 * 1024,
				MaxBackups:       3,
				TextOutput:       config.Logging.Format != "json",
				DisableTimestamp: false,
			})
		case "stdout", "console":
			logger = logger.WithConsoleWriter(consoleWriter(timeFormat))
		}
	}

	logger = logger.WithLevelFromString(config.Logging.Level)
	globalLogger = logger
	return logger
}

// LogsDir returns the directory used for log and crash files
func LogsDir(config *Config) string {
	return filepath.Join(filepath.Dir(filepath.Clean(config.Storage.Badger.Path)), "logs")
}

// RunLogger returns a logger carrying the run id as correlation id
func RunLogger(logger arbor.ILogger, runID string) arbor.ILogger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.WithCorrelationId(runID)
}
