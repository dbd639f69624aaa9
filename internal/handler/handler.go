package handler

import (
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/executor"
)

// Task types served by the built-in handlers
const (
	TypeHTTPRequest   = "http_request"
	TypeShellCommand  = "shell_command"
	TypeFileOperation = "file_operation"
	TypeContainer     = "container"
)

// Options selects which built-in handlers RegisterDefaults installs
type Options struct {
	FileBaseDir string
	Container   *ContainerHandler
}

// RegisterDefaults registers the built-in handlers on the executor.
// file_operation and container are only registered when configured.
func RegisterDefaults(exec *executor.Executor, opts Options, logger *zap.Logger) {
	exec.RegisterHandler(TypeHTTPRequest, NewHTTPRequestHandler(logger))
	exec.RegisterHandler(TypeShellCommand, NewShellCommandHandler(logger))
	if opts.FileBaseDir != "" {
		exec.RegisterHandler(TypeFileOperation, NewFileOperationHandler(logger, opts.FileBaseDir))
	}
	if opts.Container != nil {
		exec.RegisterHandler(TypeContainer, opts.Container)
	}
}
