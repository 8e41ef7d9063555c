// -----------------------------------------------------------------------
// Logger - arbor-backed global logger with console, file and memory writers
// -----------------------------------------------------------------------

package common

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"
)

// logDir matches the crash handler's directory so every diagnostic
// artifact of one run lands in the same place.
const (
	logDir      = "logs"
	logFileName = "loadsched.log"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger. Code can run before SetupLogger
// (early startup, tests); those callers get a console-only fallback
// instead of a nil panic.
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	logger := globalLogger
	loggerMutex.RUnlock()
	if logger != nil {
		return logger
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(createWriterConfig(nil, models.LogWriterTypeConsole, ""))
	}
	return globalLogger
}

// InitLogger installs logger as the global singleton.
func InitLogger(logger arbor.ILogger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// SetupLogger builds the logger from the Logging config section and
// installs it globally. Console and file writers follow the configured
// outputs (console is the fallback when nothing usable is configured); a
// memory writer is always attached so the admin surface can serve the most
// recent lines at /logs.
func SetupLogger(config *Config) arbor.ILogger {
	toConsole, toFile := false, false
	for _, out := range config.Logging.Output {
		switch out {
		case "file":
			toFile = true
		case "stdout", "console":
			toConsole = true
		}
	}

	logger := arbor.NewLogger()
	if toFile {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			toFile = false
			toConsole = true
		} else {
			logger = logger.WithFileWriter(createWriterConfig(config, models.LogWriterTypeFile, filepath.Join(logDir, logFileName)))
		}
	}
	if toConsole || !toFile {
		logger = logger.WithConsoleWriter(createWriterConfig(config, models.LogWriterTypeConsole, ""))
	}

	logger = logger.
		WithMemoryWriter(createWriterConfig(config, models.LogWriterTypeMemory, "")).
		WithLevelFromString(config.Logging.Level)

	InitLogger(logger)
	return logger
}

// createWriterConfig builds one writer's configuration, honoring the
// configured time format. The size/backup limits only apply to the file
// writer.
func createWriterConfig(config *Config, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := "15:04:05.000"
	if config != nil && config.Logging.TimeFormat != "" {
		timeFormat = config.Logging.TimeFormat
	}

	return models.WriterConfiguration{
		Type:       writerType,
		FileName:   filename,
		TimeFormat: timeFormat,
		MaxSize:    50 * 1024 * 1024,
		MaxBackups: 5,
	}
}

// Stop flushes buffered log output before shutdown. Safe to call more
// than once.
func Stop() {
	arborcommon.Stop()
}
