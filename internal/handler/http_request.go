package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// maxResponseSize caps how much of a response body is kept as the task result
const maxResponseSize = 1 << 20

// HTTPRequestPayload represents the payload for http_request tasks
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"timeout"`
}

// HTTPRequestHandler handles http_request tasks
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.Named("http-request"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the HTTP request. Status codes >= 400 fail the task.
func (h *HTTPRequestHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload HTTPRequestPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	// The client is shared between tasks, so a per-task timeout narrows the context instead.
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("task_key", task.Key()),
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		WorkflowID:  task.WorkflowID,
		Status:      model.TaskStatusSucceeded,
		CompletedAt: time.Now(),
		Result:      respBody,
	}

	if resp.StatusCode >= 400 {
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("HTTP request failed with status: %d", resp.StatusCode)
	}

	return result, nil
}
