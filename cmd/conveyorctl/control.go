package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/conveyor/internal/client"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/coordinator"
)

// taskFlag is the optional --task index shared by status and restart.
type taskFlag struct {
	index int
}

func (f *taskFlag) register(cmd *cobra.Command, usage string) {
	cmd.Flags().IntVar(&f.index, "task", -1, usage)
}

func (f *taskFlag) set() bool {
	return f.index >= 0
}

func newStatusCmd(c *cli) *cobra.Command {
	var task taskFlag
	cmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show the state of a connector and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if task.set() {
				st, err := c.client.TaskStatus(cmd.Context(), cluster.TaskID{Connector: args[0], Task: task.index})
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), st)
			}
			st, err := c.client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), st)
		},
	}
	task.register(cmd, "show only this task")
	return cmd
}

func newPauseCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "pause NAME",
		Short: "Pause a connector's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "connector %s pausing\n", args[0])
			return nil
		},
	}
}

func newResumeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume a paused connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "connector %s resuming\n", args[0])
			return nil
		},
	}
}

func newRestartCmd(c *cli) *cobra.Command {
	var task taskFlag
	cmd := &cobra.Command{
		Use:   "restart NAME",
		Short: "Restart all tasks of a connector, or one with --task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if task.set() {
				id := cluster.TaskID{Connector: args[0], Task: task.index}
				if err := c.client.RestartTask(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "task %s restarting\n", id)
				return nil
			}
			if err := c.client.Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "connector %s restarting\n", args[0])
			return nil
		},
	}
	task.register(cmd, "restart only this task")
	return cmd
}

func newWaitCmd(c *cli) *cobra.Command {
	var (
		state    string
		timeout  time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait NAME",
		Short: "Wait until every task of a connector reaches a state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want := cluster.TaskState(strings.ToUpper(state))
			var last *coordinator.ConnectorStatus
			res, err := cluster.WaitUntil(cmd.Context(), timeout, interval, func(ctx context.Context) (bool, error) {
				st, err := c.client.Status(ctx, args[0])
				if err != nil {
					var apiErr *client.Error
					if errors.As(err, &apiErr) && apiErr.NotFound() {
						return false, err
					}
					return false, nil
				}
				last = st
				if len(st.Tasks) == 0 {
					return false, nil
				}
				for _, t := range st.Tasks {
					if t.State != want {
						return false, nil
					}
				}
				return true, nil
			})
			if err != nil {
				return err
			}
			if res != cluster.WaitOk {
				return fmt.Errorf("connector %s: tasks not %s after %s", args[0], want, timeout)
			}
			return c.print(cmd.OutOrStdout(), last)
		},
	}
	cmd.Flags().StringVar(&state, "state", string(cluster.TaskRunning), "task state to wait for")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval")
	return cmd
}
