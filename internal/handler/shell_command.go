package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// ShellCommandPayload represents the payload for shell_command tasks
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Timeout    time.Duration     `json:"timeout"`
}

// ShellCommandHandler handles shell_command tasks
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell-command"),
	}
}

// Execute runs the command and returns its combined output
func (h *ShellCommandHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload ShellCommandPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(payload.Env)...)
	}

	h.logger.Info("Executing shell command",
		zap.String("task_key", task.Key()),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()

	result := &model.TaskResult{
		TaskID:      task.ID,
		WorkflowID:  task.WorkflowID,
		CompletedAt: time.Now(),
		Result:      output,
		Status:      model.TaskStatusSucceeded,
	}

	if err != nil {
		result.Status = model.TaskStatusFailed
		switch {
		case cmdCtx.Err() == context.DeadlineExceeded:
			result.Error = "command execution timed out"
		case len(strings.TrimSpace(string(output))) > 0:
			result.Error = strings.TrimSpace(string(output))
		default:
			result.Error = err.Error()
		}
	}

	return result, nil
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(list)
	return list
}
