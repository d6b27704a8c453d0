// Package logging configures the shared logrus instance for the Warp bridge
// server: a custom line format with request IDs, optional rotating file
// output, and Gin integration.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/warp-compat/warp-bridge/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logFileName is the active log file inside the configured directory.
const logFileName = "warp-bridge.log"

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      io.WriteCloser
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter defines a custom log format for logrus.
// Format: [2025-12-23 20:14:04] [a1b2c3d4] [debug] [refresh.go:52] message
type LogFormatter struct{}

// Format renders a single log entry with custom formatting.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var formatted string
	if entry.Caller != nil {
		formatted = fmt.Sprintf("[%s] [%s] [%s] [%s:%d] %s\n", timestamp, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] [%s] %s\n", timestamp, reqID, levelStr, message)
	}
	buffer.WriteString(formatted)

	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and Gin writers.
// It is safe to call multiple times; initialization happens only once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			format = strings.TrimRight(format, "\r\n")
			log.StandardLogger().Infof(format, values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// ConfigureLogOutput applies the logging section of the configuration:
// level, format, and the log destination. A configured directory switches
// output to a rotating file there; otherwise logs go to stdout.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()

	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Warnf("unknown log level %q, keeping %s", cfg.Logging.Level, log.GetLevel())
	} else {
		log.SetLevel(level)
	}

	if strings.EqualFold(cfg.Logging.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		log.SetFormatter(&LogFormatter{})
	}

	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	if cfg.Logging.Directory == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	if err = os.MkdirAll(cfg.Logging.Directory, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	logPath := filepath.Join(cfg.Logging.Directory, logFileName)

	if cfg.Logging.EnableRotation {
		backups := 0
		if cfg.Logging.EnableBackup {
			backups = cfg.Logging.BackupCount
		}
		logWriter = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    cfg.Logging.MaxFileSizeMB,
			MaxBackups: backups,
			Compress:   false,
		}
	} else {
		f, errOpen := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if errOpen != nil {
			return fmt.Errorf("logging: failed to open log file: %w", errOpen)
		}
		logWriter = f
	}
	log.SetOutput(logWriter)
	return nil
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
