package provisioner

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/sandboxd/sandboxd/pkg/jail"
)

// Cause classifies provisioner failures.
type Cause string

const (
	CauseCreateFailed  Cause = "create_failed"
	CauseDestroyFailed Cause = "destroy_failed"
	CauseInspectFailed Cause = "inspect_failed"
	CauseExecFailed    Cause = "exec_failed"
	CauseNotFound      Cause = "not_found"
)

// Error is a classified container operation failure.
type Error struct {
	Cause   Cause
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the container does not exist, in
// either the runtime's native form or the engine's wrapped form.
func IsNotFound(err error) bool {
	if cerrdefs.IsNotFound(err) {
		return true
	}
	var ee *jail.EngineError
	if errors.As(err, &ee) {
		return ee.Op == "find"
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Cause == CauseNotFound
	}
	return false
}
