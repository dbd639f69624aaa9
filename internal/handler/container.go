package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// ContainerPayload represents the payload for container tasks
type ContainerPayload struct {
	Image      string            `json:"image"`
	Command    []string          `json:"command"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Pull       bool              `json:"pull"`
}

// ContainerHandler runs each task in a fresh container and returns its output
type ContainerHandler struct {
	logger *zap.Logger
	docker *client.Client
}

// NewContainerHandler connects to the Docker daemon configured in the environment
func NewContainerHandler(logger *zap.Logger) (*ContainerHandler, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &ContainerHandler{
		logger: logger.Named("container"),
		docker: docker,
	}, nil
}

// Ping checks that the daemon is reachable
func (h *ContainerHandler) Ping(ctx context.Context) error {
	if _, err := h.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the Docker client
func (h *ContainerHandler) Close() error {
	return h.docker.Close()
}

// Execute creates, starts and waits for the container. The container is always removed.
func (h *ContainerHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload ContainerPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Image == "" {
		return nil, fmt.Errorf("image is required")
	}

	if payload.Pull {
		if err := h.pull(ctx, payload.Image); err != nil {
			return nil, err
		}
	}

	env := make([]string, 0, len(payload.Env))
	for k, v := range payload.Env {
		env = append(env, k+"="+v)
	}

	created, err := h.docker.ContainerCreate(ctx, &container.Config{
		Image:      payload.Image,
		Cmd:        payload.Command,
		Env:        env,
		WorkingDir: payload.WorkingDir,
		Labels: map[string]string{
			"flow.workflow_id": task.WorkflowID,
			"flow.task_id":     task.ID,
		},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := created.ID
	logger := h.logger.With(zap.String("task_key", task.Key()), zap.String("container_id", containerID))

	defer func() {
		// The task context may already be done; removal must still happen.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.docker.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container", zap.Error(err))
		}
	}()

	if err := h.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	logger.Info("Container started", zap.String("image", payload.Image))

	var exitCode int64
	statusCh, errCh := h.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed to wait for container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	stdout, stderr, err := h.collectLogs(ctx, containerID)
	if err != nil {
		return nil, err
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		WorkflowID:  task.WorkflowID,
		Status:      model.TaskStatusSucceeded,
		Result:      stdout,
		CompletedAt: time.Now(),
	}
	if exitCode != 0 {
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("container exited with code %d", exitCode)
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			result.Error += ": " + msg
		}
	}

	logger.Info("Container finished", zap.Int64("exit_code", exitCode))
	return result, nil
}

func (h *ContainerHandler) pull(ctx context.Context, ref string) error {
	reader, err := h.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Pull progress must be drained for the pull to complete.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// collectLogs demultiplexes the container's stdout and stderr streams
func (h *ContainerHandler) collectLogs(ctx context.Context, containerID string) ([]byte, []byte, error) {
	reader, err := h.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
