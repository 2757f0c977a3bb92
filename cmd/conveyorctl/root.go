package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/conveyor/internal/client"
)

const defaultURL = "http://localhost:8080"

// cli holds the state shared by every subcommand.
type cli struct {
	v      *viper.Viper
	client *client.Client
	output string
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("conveyor")
	c.v.AutomaticEnv()
	c.v.SetDefault("url", defaultURL)

	root := &cobra.Command{
		Use:          "conveyorctl",
		Short:        "Manage connectors on a conveyor cluster",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.v.BindPFlag("url", cmd.Root().PersistentFlags().Lookup("url")); err != nil {
				return err
			}
			switch c.output {
			case outputYAML, outputJSON:
			default:
				return fmt.Errorf("unknown output format %q (want %s or %s)", c.output, outputYAML, outputJSON)
			}
			c.client = client.New(strings.TrimSpace(c.v.GetString("url")))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("url", defaultURL, "base URL of any coordinator (env CONVEYOR_URL)")
	flags.StringVarP(&c.output, "output", "o", outputYAML, "output format: yaml or json")

	root.AddCommand(
		newListCmd(c),
		newGetCmd(c),
		newConfigCmd(c),
		newCreateCmd(c),
		newUpdateCmd(c),
		newDeleteCmd(c),
		newTasksCmd(c),
		newStatusCmd(c),
		newPauseCmd(c),
		newResumeCmd(c),
		newRestartCmd(c),
		newWaitCmd(c),
		newPluginsCmd(c),
		newInfoCmd(c),
		newStateCmd(c),
		newFetchCmd(c),
	)
	return root
}
