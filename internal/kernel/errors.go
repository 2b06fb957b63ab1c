package kernel

import (
	"errors"
	"fmt"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
)

var (
	ErrNoHandler       = errors.New("kernel: no handler for command type")
	ErrKernelNotFound  = errors.New("kernel: kernel not found")
	ErrKernelExists    = errors.New("kernel: kernel name already registered")
	ErrAliasExists     = errors.New("kernel: alias already registered")
	ErrAlreadyParented = errors.New("kernel: kernel already has a parent")
	ErrProxyTimeout    = errors.New("kernel: proxy reply timed out")
	ErrProxySend       = errors.New("kernel: proxy send failed")
	ErrProxyClosed     = errors.New("kernel: proxy closed")
)

// CommandFailedError is returned from Send when a root command ends in
// CommandFailed. Error returns the failure message verbatim.
type CommandFailedError struct {
	Command *protocol.CommandEnvelope
	Message string
	Err     error
}

func (e *CommandFailedError) Error() string {
	return e.Message
}

func (e *CommandFailedError) Unwrap() error {
	return e.Err
}

// RemoteFailureError carries a CommandFailed reply received by a proxy.
type RemoteFailureError struct {
	RemoteURI string
	Message   string
}

func (e *RemoteFailureError) Error() string {
	return e.Message
}

// mustStamp panics on routing slip violations. A broken slip means a command
// or event could be processed twice, so it is never coerced.
func mustStamp(err error) {
	if err == nil {
		return
	}
	panic(fmt.Errorf("kernel: %w", err))
}

func isSlipViolation(v any) bool {
	err, ok := v.(error)
	return ok && errors.Is(err, routing.ErrSlipViolation)
}
