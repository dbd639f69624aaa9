package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
)

// FileOperationPayload represents the payload for file_operation tasks
type FileOperationPayload struct {
	Operation   FileOperationType `json:"operation"`
	SourcePath  string            `json:"source_path"`
	TargetPath  string            `json:"target_path,omitempty"`
	Content     []byte            `json:"content,omitempty"`
	Permissions os.FileMode       `json:"permissions,omitempty"`
}

// FileOperationHandler handles file operations confined to a base directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileOperationHandler creates a new file operation handler
func NewFileOperationHandler(logger *zap.Logger, baseDir string) *FileOperationHandler {
	return &FileOperationHandler{
		logger:  logger.Named("file-operation"),
		baseDir: filepath.Clean(baseDir),
	}
}

// Execute performs the file operation
func (h *FileOperationHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload FileOperationPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	sourcePath, err := h.resolve(payload.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("invalid source path: %w", err)
	}

	var targetPath string
	if payload.TargetPath != "" {
		if targetPath, err = h.resolve(payload.TargetPath); err != nil {
			return nil, fmt.Errorf("invalid target path: %w", err)
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("task_key", task.Key()),
		zap.String("operation", string(payload.Operation)),
		zap.String("source", sourcePath))

	var result []byte
	switch payload.Operation {
	case FileOperationRead:
		result, err = os.ReadFile(sourcePath)
	case FileOperationWrite:
		err = h.writeFile(sourcePath, payload.Content, payload.Permissions)
	case FileOperationDelete:
		err = os.Remove(sourcePath)
	case FileOperationMove:
		err = h.moveFile(sourcePath, targetPath)
	case FileOperationCopy:
		err = h.copyFile(sourcePath, targetPath)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", payload.Operation)
	}

	if err != nil {
		return &model.TaskResult{
			TaskID:      task.ID,
			WorkflowID:  task.WorkflowID,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now(),
		}, nil
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		WorkflowID:  task.WorkflowID,
		Status:      model.TaskStatusSucceeded,
		Result:      result,
		CompletedAt: time.Now(),
	}, nil
}

// resolve joins p onto the base directory and rejects paths escaping it
func (h *FileOperationHandler) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(h.baseDir, p)
	rel, err := filepath.Rel(h.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q must be within base directory", p)
	}
	return full, nil
}

func (h *FileOperationHandler) writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

func (h *FileOperationHandler) moveFile(source, target string) error {
	if target == "" {
		return fmt.Errorf("target path is required")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return os.Rename(source, target)
}

func (h *FileOperationHandler) copyFile(source, target string) error {
	if target == "" {
		return fmt.Errorf("target path is required")
	}
	sourceFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	targetFile, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, sourceInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	if _, err = io.Copy(targetFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}
