package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/executor"
	"github.com/t77yq/flow-manager/internal/model"
)

func newTask(t *testing.T, typ string, payload interface{}) *model.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Task{ID: "t1", WorkflowID: "wf", Type: typ, Payload: data, AttemptCount: 1}
}

func TestHTTPRequestHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "yes", r.Header.Get("X-Flow"))
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHTTPRequestHandler(zaptest.NewLogger(t))

	result, err := h.Execute(context.Background(), newTask(t, TypeHTTPRequest, HTTPRequestPayload{
		URL:     srv.URL + "/echo",
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Flow": "yes"},
		Body:    `{"a":1}`,
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, result.Status)
	assert.JSONEq(t, `{"a":1}`, string(result.Result))
	assert.Equal(t, "wf", result.WorkflowID)

	result, err = h.Execute(context.Background(), newTask(t, TypeHTTPRequest, HTTPRequestPayload{URL: srv.URL + "/nope"}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Contains(t, result.Error, "404")

	_, err = h.Execute(context.Background(), newTask(t, TypeHTTPRequest, HTTPRequestPayload{
		URL:     srv.URL + "/slow",
		Timeout: 50 * time.Millisecond,
	}))
	require.Error(t, err)

	// A per-task timeout must not leak into the shared client.
	assert.Equal(t, 30*time.Second, h.httpClient.Timeout)

	_, err = h.Execute(context.Background(), newTask(t, TypeHTTPRequest, HTTPRequestPayload{}))
	require.Error(t, err)
}

func TestShellCommandHandler(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	h := NewShellCommandHandler(zaptest.NewLogger(t))

	result, err := h.Execute(context.Background(), newTask(t, TypeShellCommand, ShellCommandPayload{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo $GREETING"},
		Env:     map[string]string{"GREETING": "hello"},
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, result.Status)
	assert.Equal(t, "hello\n", string(result.Result))

	result, err = h.Execute(context.Background(), newTask(t, TypeShellCommand, ShellCommandPayload{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo broken >&2; exit 3"},
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Equal(t, "broken", result.Error)

	result, err = h.Execute(context.Background(), newTask(t, TypeShellCommand, ShellCommandPayload{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Equal(t, "command execution timed out", result.Error)

	dir := t.TempDir()
	result, err = h.Execute(context.Background(), newTask(t, TypeShellCommand, ShellCommandPayload{
		Command:    "pwd",
		WorkingDir: dir,
	}))
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir + "\n", resolved + "\n"}, string(result.Result))
}

func TestFileOperationHandler(t *testing.T) {
	base := t.TempDir()
	h := NewFileOperationHandler(zaptest.NewLogger(t), base)
	ctx := context.Background()

	result, err := h.Execute(ctx, newTask(t, TypeFileOperation, FileOperationPayload{
		Operation:  FileOperationWrite,
		SourcePath: "in/data.txt",
		Content:    []byte("payload"),
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusSucceeded, result.Status)

	result, err = h.Execute(ctx, newTask(t, TypeFileOperation, FileOperationPayload{
		Operation:  FileOperationCopy,
		SourcePath: "in/data.txt",
		TargetPath: "out/copy.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusSucceeded, result.Status)

	result, err = h.Execute(ctx, newTask(t, TypeFileOperation, FileOperationPayload{
		Operation:  FileOperationRead,
		SourcePath: "out/copy.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(result.Result))

	result, err = h.Execute(ctx, newTask(t, TypeFileOperation, FileOperationPayload{
		Operation:  FileOperationMove,
		SourcePath: "out/copy.txt",
		TargetPath: "moved.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusSucceeded, result.Status)
	assert.FileExists(t, filepath.Join(base, "moved.txt"))
	assert.NoFileExists(t, filepath.Join(base, "out/copy.txt"))

	result, err = h.Execute(ctx, newTask(t, TypeFileOperation, FileOperationPayload{
		Operation:  FileOperationDelete,
		SourcePath: "missing.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)

	_, err = h.Execute(ctx, newTask(t, TypeFileOperation, FileOperationPayload{
		Operation:  FileOperationRead,
		SourcePath: "../../etc/passwd",
	}))
	require.Error(t, err)
}

func TestContainerHandler(t *testing.T) {
	h, err := NewContainerHandler(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Ping(ctx); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := h.Execute(ctx, newTask(t, TypeContainer, ContainerPayload{
		Image:   "busybox:latest",
		Command: []string{"sh", "-c", "echo out; echo err >&2; exit 2"},
		Pull:    true,
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Equal(t, "out\n", string(result.Result))
	assert.Equal(t, "container exited with code 2: err", result.Error)
}

func TestRegisterDefaults(t *testing.T) {
	exec, err := executor.NewExecutor(executor.ExecutorConfig{ID: "local", Capacity: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)

	RegisterDefaults(exec, Options{}, zaptest.NewLogger(t))
	assert.Equal(t, []string{TypeHTTPRequest, TypeShellCommand}, exec.Capabilities())

	RegisterDefaults(exec, Options{FileBaseDir: t.TempDir()}, zaptest.NewLogger(t))
	assert.Equal(t, []string{TypeFileOperation, TypeHTTPRequest, TypeShellCommand}, exec.Capabilities())
}
