package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
)

// Type tells whether a connector produces records into topics or consumes them.
type Type string

const (
	TypeSource Type = "source"
	TypeSink   Type = "sink"
)

// Plugin is a connector implementation. It never runs on its own: it only
// validates configs and splits them into task configs.
type Plugin interface {
	Type() Type

	// Validate checks plugin specific keys; return an error wrapping
	// ErrConfigInvalid to reject the config
	Validate(config map[string]string) error

	// TaskConfigs must be deterministic: the same config and maxTasks
	// always yield the same task configs in the same order
	TaskConfigs(config map[string]string, maxTasks int) ([]map[string]string, error)
}

// Task executes one task config on a worker.
type Task interface {
	// Start acquires resources (open files, committed offsets)
	Start(ctx context.Context, env Env, config map[string]string) error

	// Poll performs one unit of work. It should return within a bounded
	// time when there is nothing to do so the runner can pause or stop it.
	Poll(ctx context.Context) error

	// Stop releases every resource acquired by Start
	Stop() error
}

// Env is what a running task can reach: the topic logs and its
// connector's committed offsets.
type Env interface {
	Produce(ctx context.Context, topic string, values []string) error
	Fetch(ctx context.Context, topic string, offset int64, max int) ([]cluster.TopicRecord, int64, error)
	Offsets(ctx context.Context) (cluster.Offsets, error)
	CommitOffsets(ctx context.Context, offsets cluster.Offsets) error
	Logger() *zap.Logger
}

// TaskFactory creates a fresh Task instance.
type TaskFactory func() Task

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Class string `json:"class"`
	Type  Type   `json:"type"`
}

// ErrUnknownTaskClass is returned by NewTask for an unregistered task.class.
var ErrUnknownTaskClass = errors.New("unknown task class")

// Registry maps connector.class values (and their aliases) to plugins and
// task.class values to task factories.
// Thread-safe: registration and lookups may run concurrently.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	aliases map[string]string
	tasks   map[string]TaskFactory
}

func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		aliases: make(map[string]string),
		tasks:   make(map[string]TaskFactory),
	}
}

// Register adds a plugin under class and any aliases.
func (r *Registry) Register(class string, p Plugin, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[class] = p
	for _, a := range aliases {
		r.aliases[a] = class
	}
}

// RegisterTask adds a task factory under taskClass and its aliases.
func (r *Registry) RegisterTask(taskClass string, f TaskFactory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskClass] = f
	for _, a := range aliases {
		r.tasks[a] = f
	}
}

// Lookup resolves class or one of its aliases.
func (r *Registry) Lookup(class string) (Plugin, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[class]; ok {
		class = canonical
	}
	p, ok := r.plugins[class]
	if !ok {
		return nil, "", errors.Wrapf(ErrConfigInvalid, "unknown connector.class %q", class)
	}
	return p, class, nil
}

// NewTask instantiates the task registered under taskClass.
func (r *Registry) NewTask(taskClass string) (Task, error) {
	r.mu.RLock()
	f, ok := r.tasks[taskClass]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTaskClass, "%q", taskClass)
	}
	return f(), nil
}

// Plugins lists registered plugins by class.
func (r *Registry) Plugins() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginInfo, 0, len(r.plugins))
	for class, p := range r.plugins {
		out = append(out, PluginInfo{Class: class, Type: p.Type()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
