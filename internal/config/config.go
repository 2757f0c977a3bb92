// Package config loads coordinator and node settings from defaults, an
// optional YAML file, CONVEYOR_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/conveyor/internal/logger"
)

const EnvPrefix = "CONVEYOR"

// MemoryStore selects the in-process store instead of a sqlite file.
const MemoryStore = ":memory:"

// CoordinatorConfig configures one coordinator replica.
type CoordinatorConfig struct {
	ID                string        `mapstructure:"id" validate:"required"`
	Listen            string        `mapstructure:"listen" validate:"required"`
	StorePath         string        `mapstructure:"store_path" validate:"required"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=SessionTimeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	Log               logger.Config `mapstructure:"log"`
}

// NodeConfig configures one worker node.
type NodeConfig struct {
	ID                string        `mapstructure:"id" validate:"required"`
	Listen            string        `mapstructure:"listen" validate:"required"`
	Addr              string        `mapstructure:"addr" validate:"required"`
	Coordinators      []string      `mapstructure:"coordinators" validate:"required,min=1,dive,required"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=SessionTimeout"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout" validate:"gt=0"`
	Log               logger.Config `mapstructure:"log"`
}

var validate = validator.New()

func setLogDefaults(v *viper.Viper, component string) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.output_path", "stderr")
	v.SetDefault("log.component", component)
}

func setCoordinatorDefaults(v *viper.Viper) {
	v.SetDefault("id", "")
	v.SetDefault("listen", ":8080")
	v.SetDefault("store_path", MemoryStore)
	v.SetDefault("session_timeout", 10*time.Second)
	v.SetDefault("heartbeat_interval", 3*time.Second)
	v.SetDefault("reconcile_interval", time.Second)
	v.SetDefault("lease_ttl", 5*time.Second)
	v.SetDefault("cache_ttl", 2*time.Second)
	setLogDefaults(v, "coordinator")
}

func setNodeDefaults(v *viper.Viper) {
	v.SetDefault("id", "")
	v.SetDefault("listen", ":8081")
	v.SetDefault("addr", "http://127.0.0.1:8081")
	v.SetDefault("coordinators", []string{"http://127.0.0.1:8080"})
	v.SetDefault("heartbeat_interval", 3*time.Second)
	v.SetDefault("session_timeout", 10*time.Second)
	setLogDefaults(v, "node")
}

// LoadCoordinator resolves the coordinator configuration. path may be empty,
// in which case coordinator.yaml is looked up in the working directory and
// /etc/conveyor and silently skipped when absent. flags may be nil.
func LoadCoordinator(path string, flags *pflag.FlagSet) (*CoordinatorConfig, error) {
	v := newViper("coordinator", path)
	setCoordinatorDefaults(v)
	// COORDINATOR_ADDR is still exported by the cluster scripts.
	_ = v.BindEnv("listen", EnvPrefix+"_LISTEN", "COORDINATOR_ADDR")

	if err := read(v, flags); err != nil {
		return nil, err
	}

	cfg := &CoordinatorConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal coordinator config")
	}
	if cfg.ID == "" {
		cfg.ID = "coordinator-" + uuid.NewString()[:8]
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid coordinator config")
	}
	return cfg, nil
}

// LoadNode resolves the node configuration. NODE_ID, NODE_LISTEN, NODE_ADDR
// and COORDINATOR_ADDR are honoured next to their CONVEYOR_ equivalents.
func LoadNode(path string, flags *pflag.FlagSet) (*NodeConfig, error) {
	v := newViper("node", path)
	setNodeDefaults(v)
	_ = v.BindEnv("id", EnvPrefix+"_ID", "NODE_ID")
	_ = v.BindEnv("listen", EnvPrefix+"_LISTEN", "NODE_LISTEN")
	_ = v.BindEnv("addr", EnvPrefix+"_ADDR", "NODE_ADDR")
	_ = v.BindEnv("coordinators", EnvPrefix+"_COORDINATORS", "COORDINATOR_ADDR")

	if err := read(v, flags); err != nil {
		return nil, err
	}

	cfg := &NodeConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal node config")
	}
	cfg.Coordinators = splitEndpoints(cfg.Coordinators)
	if cfg.ID == "" {
		cfg.ID = "node-" + uuid.NewString()[:8]
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid node config")
	}
	return cfg, nil
}

func newViper(name, path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conveyor")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "read config file")
		}
	}
	if flags == nil {
		return nil
	}
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return bindErr
}

// splitEndpoints accepts both repeated values and a single comma-separated
// list, which is how the list arrives from the environment.
func splitEndpoints(in []string) []string {
	var out []string
	for _, item := range in {
		for _, e := range strings.Split(item, ",") {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, strings.TrimRight(e, "/"))
			}
		}
	}
	return out
}
