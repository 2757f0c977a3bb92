package main

import (
	"github.com/spf13/cobra"
)

func newInfoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show version information of the target coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info, err := c.client.ServerInfo(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), info)
		},
	}
}

func newStateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the cluster generation, members and assignment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := c.client.ClusterState(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), state)
		},
	}
}

func newFetchCmd(c *cli) *cobra.Command {
	var (
		offset int64
		max    int
	)
	cmd := &cobra.Command{
		Use:   "fetch TOPIC",
		Short: "Read records from a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.client.Fetch(cmd.Context(), args[0], offset, max)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "first offset to read")
	cmd.Flags().IntVar(&max, "max", 100, "maximum number of records")
	return cmd
}
