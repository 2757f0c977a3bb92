package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/conveyor/internal/connector"
)

func newListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connector names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := c.client.ListConnectors(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), names)
		},
	}
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show a connector, its config and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.client.GetConnector(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), info)
		},
	}
}

func newConfigCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config NAME",
		Short: "Show a connector's config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.client.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), cfg)
		},
	}
}

// definitionFlags collects a connector definition from -f and --config.
// Values given with --config override the file.
type definitionFlags struct {
	file   string
	config map[string]string
}

func (f *definitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "connector definition (.properties, .yaml, .yml or .json)")
	cmd.Flags().StringToStringVar(&f.config, "config", nil, "config entry as key=value, repeatable")
}

func (f *definitionFlags) definition(args []string) (*connector.Definition, error) {
	def := &connector.Definition{Config: map[string]string{}}
	if f.file != "" {
		loaded, err := connector.LoadDefinition(f.file)
		if err != nil {
			return nil, err
		}
		def = loaded
		if def.Config == nil {
			def.Config = map[string]string{}
		}
	}
	for k, v := range f.config {
		def.Config[k] = v
	}
	if len(args) > 0 {
		def.Name = args[0]
	}
	if def.Name == "" {
		return nil, errors.New("connector name required: pass NAME or set name in the definition file")
	}
	if len(def.Config) == 0 {
		return nil, errors.New("connector config required: pass -f or --config")
	}
	def.Config[connector.NameConfig] = def.Name
	return def, nil
}

func newCreateCmd(c *cli) *cobra.Command {
	var flags definitionFlags
	cmd := &cobra.Command{
		Use:   "create [NAME]",
		Short: "Create a connector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flags.definition(args)
			if err != nil {
				return err
			}
			info, err := c.client.CreateConnector(cmd.Context(), def.Name, def.Config)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), info)
		},
	}
	flags.register(cmd)
	return cmd
}

func newUpdateCmd(c *cli) *cobra.Command {
	var flags definitionFlags
	cmd := &cobra.Command{
		Use:   "update [NAME]",
		Short: "Create or replace a connector's config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flags.definition(args)
			if err != nil {
				return err
			}
			info, created, err := c.client.PutConfig(cmd.Context(), def.Name, def.Config)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "connector %s created\n", def.Name)
			}
			return c.print(cmd.OutOrStdout(), info)
		},
	}
	flags.register(cmd)
	return cmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a connector and stop its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.DeleteConnector(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "connector %s deleted\n", args[0])
			return nil
		},
	}
}

func newTasksCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks NAME",
		Short: "List the task configs generated for a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := c.client.Tasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), tasks)
		},
	}
}

func newPluginsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List installed connector plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := c.client.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), infos)
		},
	}
}
