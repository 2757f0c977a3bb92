package connector

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/dreamware/conveyor/internal/cluster"
)

// Well-known config keys.
const (
	NameConfig      = "name"
	ClassConfig     = "connector.class"
	TasksMaxConfig  = "tasks.max"
	TaskClassConfig = "task.class"
)

// ErrConfigInvalid marks configs rejected by validation or task generation.
var ErrConfigInvalid = errors.New("invalid connector config")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// commonConfig holds the keys every connector shares.
type commonConfig struct {
	Name     string `validate:"required"`
	Class    string `validate:"required"`
	TasksMax int    `validate:"min=1"`
}

// Generator turns connector configs into task configs through a Registry.
type Generator struct {
	registry *Registry
}

func NewGenerator(r *Registry) *Generator {
	return &Generator{registry: r}
}

// Registry returns the plugin registry backing the generator.
func (g *Generator) Registry() *Registry {
	return g.registry
}

// MaxTasks reads tasks.max, defaulting to 1.
func MaxTasks(config map[string]string) (int, error) {
	raw, ok := config[TasksMaxConfig]
	if !ok || raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.Wrapf(ErrConfigInvalid, "%s must be a positive integer, got %q", TasksMaxConfig, raw)
	}
	return n, nil
}

// Validate checks the shared keys and then the plugin's own rules.
func (g *Generator) Validate(config map[string]string) error {
	maxTasks, err := MaxTasks(config)
	if err != nil {
		return err
	}
	common := commonConfig{Name: config[NameConfig], Class: config[ClassConfig], TasksMax: maxTasks}
	if err := validate.Struct(common); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.Wrapf(ErrConfigInvalid, "missing required config %q", fieldKey(verrs[0].Field()))
		}
		return errors.Wrap(ErrConfigInvalid, err.Error())
	}
	p, _, err := g.registry.Lookup(common.Class)
	if err != nil {
		return err
	}
	return p.Validate(config)
}

func fieldKey(field string) string {
	switch field {
	case "Name":
		return NameConfig
	case "Class":
		return ClassConfig
	case "TasksMax":
		return TasksMaxConfig
	}
	return field
}

// Generate splits config into at most maxTasks task configs. It is a pure
// function of its inputs; every output carries task.class.
func (g *Generator) Generate(config map[string]string, maxTasks int) ([]map[string]string, error) {
	if err := g.Validate(config); err != nil {
		return nil, err
	}
	if maxTasks < 1 {
		return nil, errors.Wrapf(ErrConfigInvalid, "maxTasks must be positive, got %d", maxTasks)
	}
	p, _, err := g.registry.Lookup(config[ClassConfig])
	if err != nil {
		return nil, err
	}
	tasks, err := p.TaskConfigs(copyConfig(config), maxTasks)
	if err != nil {
		if errors.Is(err, ErrConfigInvalid) {
			return nil, err
		}
		return nil, errors.Wrap(ErrConfigInvalid, err.Error())
	}
	if len(tasks) > maxTasks {
		return nil, errors.Wrapf(ErrConfigInvalid, "%s produced %d tasks, more than %d", config[ClassConfig], len(tasks), maxTasks)
	}
	out := make([]map[string]string, len(tasks))
	for i, t := range tasks {
		if t[TaskClassConfig] == "" {
			return nil, errors.Wrapf(ErrConfigInvalid, "task %d of %s has no %s", i, config[NameConfig], TaskClassConfig)
		}
		out[i] = copyConfig(t)
	}
	return out, nil
}

// Tasks generates the task specs of the named connector using its tasks.max.
func (g *Generator) Tasks(name string, config map[string]string) ([]cluster.TaskSpec, error) {
	maxTasks, err := MaxTasks(config)
	if err != nil {
		return nil, err
	}
	configs, err := g.Generate(config, maxTasks)
	if err != nil {
		return nil, err
	}
	specs := make([]cluster.TaskSpec, len(configs))
	for i, c := range configs {
		specs[i] = cluster.TaskSpec{ID: cluster.TaskID{Connector: name, Task: i}, Config: c}
	}
	return specs, nil
}

func copyConfig(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
