package jail

import (
	"fmt"
	"strings"
)

// EngineError wraps a runtime-API failure with context and actionable
// remediation steps for operator-facing output.
type EngineError struct {
	Op        string   // operation that failed, e.g. "create", "kill"
	Err       error    // underlying error
	Message   string   // human-readable message
	NextSteps []string // suggested remediation
}

func (e *EngineError) Error() string {
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FormatUserError renders the error with its next steps for display.
func (e *EngineError) FormatUserError() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", e.Message))

	if e.Err != nil {
		sb.WriteString(fmt.Sprintf("  Details: %s\n", e.Err.Error()))
	}

	if len(e.NextSteps) > 0 {
		sb.WriteString("\nNext Steps:\n")
		for i, step := range e.NextSteps {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, step))
		}
	}

	return sb.String()
}

// ErrDaemonUnreachable returns an error for when the runtime daemon is not
// accessible.
func ErrDaemonUnreachable(err error) *EngineError {
	return &EngineError{
		Op:      "connect",
		Err:     err,
		Message: "Cannot connect to container runtime daemon",
		NextSteps: []string{
			"Ensure Docker is installed and running",
			"Check if the daemon socket is accessible: ls -la /var/run/docker.sock",
			"Verify your user is in the docker group: groups $USER",
		},
	}
}

// ErrImageMissing returns an error for when a required image is not present
// on the host.
func ErrImageMissing(image string, err error) *EngineError {
	return &EngineError{
		Op:      "image_inspect",
		Err:     err,
		Message: fmt.Sprintf("Image '%s' is not available on this host", image),
		NextSteps: []string{
			"Pull the image: docker pull " + image,
			"Check the image name and tag are correct",
			"Verify the sandbox images were built: docker images",
		},
	}
}

// ErrContainerNotFound returns an error for when a container does not exist
// or is not managed by this engine.
func ErrContainerNotFound(id string) *EngineError {
	return &EngineError{
		Op:      "find",
		Message: fmt.Sprintf("Container '%s' not found", id),
		NextSteps: []string{
			"Check running containers: docker ps",
			"Check all containers: docker ps -a",
		},
	}
}

// ErrContainerCreateFailed returns an error for when container creation
// fails.
func ErrContainerCreateFailed(err error) *EngineError {
	return &EngineError{
		Op:      "create",
		Err:     err,
		Message: "Failed to create container",
		NextSteps: []string{
			"Check if the image exists",
			"Verify tmpfs mount sizes and resource limits are valid",
			"Review daemon logs for details",
		},
	}
}

// ErrContainerStartFailed returns an error for when a container fails to
// start.
func ErrContainerStartFailed(id string, err error) *EngineError {
	return &EngineError{
		Op:      "start",
		Err:     err,
		Message: fmt.Sprintf("Failed to start container '%s'", id),
		NextSteps: []string{
			"Check container logs: docker logs " + id,
			"Verify the image entrypoint is valid",
			"If a sandboxed runtime is configured, verify it is installed",
		},
	}
}

// ErrContainerKillFailed returns an error for when killing a container
// fails.
func ErrContainerKillFailed(id string, err error) *EngineError {
	return &EngineError{
		Op:      "kill",
		Err:     err,
		Message: fmt.Sprintf("Failed to kill container '%s'", id),
		NextSteps: []string{
			"Check if the container is running: docker ps",
			"Try stopping gracefully: docker stop " + id,
		},
	}
}

// ErrContainerRemoveFailed returns an error for when container removal
// fails.
func ErrContainerRemoveFailed(id string, err error) *EngineError {
	return &EngineError{
		Op:      "remove",
		Err:     err,
		Message: fmt.Sprintf("Failed to remove container '%s'", id),
		NextSteps: []string{
			"Verify the container is not running",
			"Try force removal: docker rm -f " + id,
		},
	}
}

// ErrContainerInspectFailed returns an error for when container inspection
// fails.
func ErrContainerInspectFailed(id string, err error) *EngineError {
	return &EngineError{
		Op:      "inspect",
		Err:     err,
		Message: fmt.Sprintf("Failed to inspect container '%s'", id),
		NextSteps: []string{
			"Check if the container exists: docker ps -a",
			"Verify the daemon is running",
		},
	}
}

// ErrContainerListFailed returns an error for when listing containers
// fails.
func ErrContainerListFailed(err error) *EngineError {
	return &EngineError{
		Op:      "list",
		Err:     err,
		Message: "Failed to list containers",
		NextSteps: []string{
			"Check if the daemon is running",
			"Verify the daemon socket is accessible",
		},
	}
}

// ErrExecCreateFailed returns an error for when creating an exec instance
// fails.
func ErrExecCreateFailed(id string, err error) *EngineError {
	return &EngineError{
		Op:      "exec_create",
		Err:     err,
		Message: fmt.Sprintf("Failed to create exec in container '%s'", id),
		NextSteps: []string{
			"Check if the container is running: docker ps",
			"Verify the shell exists in the container image",
		},
	}
}

// ErrExecAttachFailed returns an error for when attaching to an exec
// instance fails.
func ErrExecAttachFailed(execID string, err error) *EngineError {
	return &EngineError{
		Op:      "exec_attach",
		Err:     err,
		Message: fmt.Sprintf("Failed to attach to exec instance '%s'", execID),
		NextSteps: []string{
			"Check if the exec instance is still valid",
			"Verify the container is still running",
		},
	}
}

// ErrExecResizeFailed returns an error for when resizing an exec TTY fails.
func ErrExecResizeFailed(execID string, err error) *EngineError {
	return &EngineError{
		Op:      "exec_resize",
		Err:     err,
		Message: fmt.Sprintf("Failed to resize exec TTY '%s'", execID),
		NextSteps: []string{
			"Check if the exec instance is still valid",
			"Verify the exec has a TTY attached",
		},
	}
}
