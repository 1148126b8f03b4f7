package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"queuectl/internal/control"
)

const requestTimeout = 30 * time.Second

// sender delivers one request to the daemon; tests swap it out.
type sender func(ctx context.Context, req control.Request) (control.Response, error)

func newRootCmd(socketPath string, out io.Writer) *cobra.Command {
	send := func(ctx context.Context, req control.Request) (control.Response, error) {
		return control.Send(ctx, socketPath, req)
	}
	return buildRootCmd(send, out)
}

func buildRootCmd(send sender, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "A CLI-based background job queue system",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	run := func(cmd *cobra.Command, req control.Request) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		resp, err := send(ctx, req)
		if err != nil {
			return err
		}
		if !resp.Success {
			return errors.New(resp.Text())
		}
		return printMessage(cmd.OutOrStdout(), resp.Message)
	}

	root.AddCommand(
		enqueueCmd(run),
		workerCmd(run),
		statusCmd(run),
		listCmd(run),
		dlqCmd(run),
		configCmd(run),
		metricsCmd(run),
	)
	return root
}

type runFunc func(cmd *cobra.Command, req control.Request) error

func enqueueCmd(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <jobJson>",
		Short: "Enqueue a job to execute it",
		Example: `  queuectl enqueue '{"id":"job1","command":"sleep 2"}'
  queuectl enqueue '{"id":"job2","command":"echo hi","run_after":"2025-11-10T15:00:00Z"}'
  queuectl enqueue '{"id":"job3","command":"ls","priority":1}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, control.Request{Command: control.CmdEnqueue, Value: args[0]})
		},
	}
}

func workerCmd(run runFunc) *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Worker management commands",
	}

	var count int
	start := &cobra.Command{
		Use:     "start",
		Short:   "Start worker processes",
		Example: "  queuectl worker start --count 3",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return errors.New("--count must be a positive integer")
			}
			return run(cmd, control.Request{Command: control.CmdWorker, Option: "start", Flag: "count", Value: fmt.Sprint(count)})
		},
	}
	start.Flags().IntVarP(&count, "count", "c", 1, "Number of worker processes")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, control.Request{Command: control.CmdWorker, Option: "stop"})
		},
	}

	worker.AddCommand(start, stop)
	return worker
}

func statusCmd(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show summary of all job states & active workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, control.Request{Command: control.CmdStatus})
		},
	}
}

func listCmd(run runFunc) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List jobs by state",
		Example: "  queuectl list --state pending",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, control.Request{Command: control.CmdList, Flag: "--state", Value: state})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Job state (pending, processing, completed, failed, dead)")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func dlqCmd(run runFunc) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "View or retry DLQ jobs",
	}
	dlq.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List jobs in the dead-letter queue",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd, control.Request{Command: control.CmdDLQ, Option: "list"})
			},
		},
		&cobra.Command{
			Use:     "retry <jobId>",
			Short:   "Retry a job from the dead-letter queue",
			Example: "  queuectl dlq retry job1",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, control.Request{Command: control.CmdDLQ, Option: "retry", Value: args[0]})
			},
		},
	)
	return dlq
}

func configCmd(run runFunc) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration (max-retries, backoff, delay-base, timeout)",
	}
	cfg.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a configuration key-value pair",
			Example: `  queuectl config set max-retries 5
  queuectl config set backoff exponential
  queuectl config set delay-base 5000
  queuectl config set timeout 10000`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, control.Request{Command: control.CmdConfig, Option: "set", Flag: args[0], Value: args[1]})
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Show a configuration value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, control.Request{Command: control.CmdConfig, Option: "get", Flag: args[0]})
			},
		},
	)
	return cfg
}

func metricsCmd(run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show daemon metrics & aggregated stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, control.Request{Command: control.CmdMetrics})
		},
	}
}

// printMessage writes plain strings as-is and indents JSON documents.
func printMessage(w io.Writer, raw json.RawMessage) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		_, err = fmt.Fprintln(w, s)
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
