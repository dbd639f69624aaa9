package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogEntry represents a log entry
type LogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	TaskKey   string      `json:"task_key"`
	Attempt   int         `json:"attempt,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// LogConfig defines configuration for log management
type LogConfig struct {
	LogDir        string        // Directory to store log files
	MaxFileSize   int64         // Maximum size of a log file in bytes
	MaxAge        time.Duration // Maximum age of log files
	FlushInterval time.Duration // Interval to flush logs to disk
}

// LogManager writes per-task execution logs as JSON lines
type LogManager struct {
	logger  *zap.Logger
	config  LogConfig
	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string][]LogEntry
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if config.LogDir == "" {
		return nil, errors.New("log directory is required")
	}
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 10 << 20
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}

	return &LogManager{
		logger:  logger.Named("log-manager"),
		config:  config,
		files:   make(map[string]*os.File),
		buffers: make(map[string][]LogEntry),
		stop:    make(chan struct{}),
	}, nil
}

// Start starts the log manager
func (lm *LogManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting log manager", zap.String("dir", lm.config.LogDir))

	lm.wg.Add(2)
	go lm.flushLoop(ctx)
	go lm.rotateLoop(ctx)

	return nil
}

// Stop flushes pending entries and closes all files
func (lm *LogManager) Stop() {
	lm.logger.Info("Stopping log manager")
	select {
	case <-lm.stop:
	default:
		close(lm.stop)
	}
	lm.wg.Wait()

	lm.Flush()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	for key, file := range lm.files {
		file.Close()
		delete(lm.files, key)
	}
}

// logPath maps a task key to its log file; '/' is not allowed in file names
func (lm *LogManager) logPath(taskKey string) string {
	return filepath.Join(lm.config.LogDir, strings.ReplaceAll(taskKey, "/", "_")+".log")
}

// GetLogs retrieves logs for a task within [start, end]
func (lm *LogManager) GetLogs(taskKey string, start, end time.Time) ([]LogEntry, error) {
	lm.Flush()

	file, err := os.Open(lm.logPath(taskKey))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []LogEntry
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}

		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			logs = append(logs, entry)
		}
	}

	return logs, nil
}

// AddLogEntry buffers a log entry for the task
func (lm *LogManager) AddLogEntry(taskKey string, entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.TaskKey = taskKey

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.buffers[taskKey] = append(lm.buffers[taskKey], entry)
}

// createLogFile opens the log file of a task for appending
func (lm *LogManager) createLogFile(taskKey string) (*os.File, error) {
	file, err := os.OpenFile(lm.logPath(taskKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return file, nil
}

// flushLoop periodically flushes logs to disk
func (lm *LogManager) flushLoop(ctx context.Context) {
	defer lm.wg.Done()

	ticker := time.NewTicker(lm.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.Flush()
		}
	}
}

// Flush writes buffered logs to disk
func (lm *LogManager) Flush() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for taskKey, entries := range lm.buffers {
		if len(entries) == 0 {
			continue
		}

		file, ok := lm.files[taskKey]
		if !ok {
			var err error
			file, err = lm.createLogFile(taskKey)
			if err != nil {
				lm.logger.Error("Failed to create log file",
					zap.String("task_key", taskKey),
					zap.Error(err))
				continue
			}
			lm.files[taskKey] = file
		}

		encoder := json.NewEncoder(file)
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				lm.logger.Error("Failed to write log entry",
					zap.String("task_key", taskKey),
					zap.Error(err))
			}
		}

		delete(lm.buffers, taskKey)
	}
}

// CloseTask flushes and closes the log file of a finished task
func (lm *LogManager) CloseTask(taskKey string) {
	lm.Flush()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if file, ok := lm.files[taskKey]; ok {
		file.Close()
		delete(lm.files, taskKey)
	}
}

// rotateLoop periodically rotates log files
func (lm *LogManager) rotateLoop(ctx context.Context) {
	defer lm.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.rotateLogs(time.Now())
		}
	}
}

// rotateLogs removes expired log files and renames oversized ones
func (lm *LogManager) rotateLogs(now time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	err := filepath.Walk(lm.config.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		if now.Sub(info.ModTime()) > lm.config.MaxAge {
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to remove old log file",
					zap.String("path", path),
					zap.Error(err))
			}
			return nil
		}

		if info.Size() > lm.config.MaxFileSize && strings.HasSuffix(path, ".log") {
			if err := os.Rename(path, path+".1"); err != nil {
				lm.logger.Error("Failed to rotate log file",
					zap.String("path", path),
					zap.Error(err))
			}
		}

		return nil
	})

	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
	}
}
