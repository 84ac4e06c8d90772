// Package environment holds the read-only catalog of sandbox environments.
// The catalog is fully populated at startup and never mutated afterwards.
package environment

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultName is the environment used when a request names none.
const DefaultName = "bash"

// Environment describes a runnable sandbox image and its defaults.
type Environment struct {
	Name           string
	Description    string
	Category       string
	Image          string
	Shell          []string
	DefaultTimeout time.Duration
}

// Info is the public-safe subset of Environment: no image reference.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// NotFoundError reports an unknown environment name. It carries the known
// names so callers can produce a helpful message.
type NotFoundError struct {
	Name  string
	Known []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown environment %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Registry is the immutable environment catalog.
type Registry struct {
	byName map[string]Environment
	names  []string
}

// NewRegistry builds a registry from the built-in catalog.
func NewRegistry() *Registry {
	return newRegistry(builtins())
}

func newRegistry(envs []Environment) *Registry {
	byName := make(map[string]Environment, len(envs))
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		if _, dup := byName[env.Name]; dup {
			continue
		}
		byName[env.Name] = env
		names = append(names, env.Name)
	}
	sort.Strings(names)
	return &Registry{byName: byName, names: names}
}

// Get returns the environment with the given name.
func (r *Registry) Get(name string) (Environment, error) {
	env, ok := r.byName[name]
	if !ok {
		return Environment{}, &NotFoundError{Name: name, Known: r.names}
	}
	return env, nil
}

// Default returns the default environment.
func (r *Registry) Default() Environment {
	return r.byName[DefaultName]
}

// Has reports whether the named environment exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// List returns the public-safe catalog, sorted by name.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.names))
	for _, name := range r.names {
		env := r.byName[name]
		infos = append(infos, Info{
			Name:        env.Name,
			Description: env.Description,
			Category:    env.Category,
		})
	}
	return infos
}

func builtins() []Environment {
	return []Environment{
		{
			Name:           "bash",
			Description:    "GNU bash with coreutils",
			Category:       "shell",
			Image:          "sandboxd/env-bash:latest",
			Shell:          []string{"/bin/bash"},
			DefaultTimeout: 15 * time.Minute,
		},
		{
			Name:           "node",
			Description:    "Node.js REPL and runtime",
			Category:       "language",
			Image:          "sandboxd/env-node:latest",
			Shell:          []string{"/bin/bash"},
			DefaultTimeout: 15 * time.Minute,
		},
		{
			Name:           "python",
			Description:    "Python 3 interpreter",
			Category:       "language",
			Image:          "sandboxd/env-python:latest",
			Shell:          []string{"/bin/bash"},
			DefaultTimeout: 15 * time.Minute,
		},
	}
}
