package config

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
)

// ValidationError reports a rejected configuration value.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Message)
}

// Validate rejects configurations the service cannot safely run with.
func (c *Config) Validate() error {
	if c.UseGVisor {
		name := c.GVisorRuntime
		if name == "" {
			return &ValidationError{Key: "gvisor_runtime", Message: "must not be empty when gVisor is enabled"}
		}
		if strings.TrimSpace(name) != name || strings.ContainsAny(name, " \t\n") {
			return &ValidationError{Key: "gvisor_runtime", Message: fmt.Sprintf("%q must not contain whitespace", name)}
		}
	}

	if c.MaxContainers < 0 {
		return &ValidationError{Key: "max_containers", Message: "must not be negative"}
	}
	if c.MaxMemoryPercent <= 0 || c.MaxMemoryPercent > 100 {
		return &ValidationError{Key: "max_memory_percent", Message: "must be in (0, 100]"}
	}
	if c.MaxMessageBytes <= 0 {
		return &ValidationError{Key: "max_message_bytes", Message: "must be positive"}
	}

	for key, size := range map[string]string{
		"container_memory": c.ContainerMemory,
		"home_tmpfs":       c.HomeTmpfs,
		"tmp_tmpfs":        c.TmpTmpfs,
	} {
		n, err := units.RAMInBytes(size)
		if err != nil || n <= 0 {
			return &ValidationError{Key: key, Message: fmt.Sprintf("invalid size %q", size)}
		}
	}

	return nil
}
