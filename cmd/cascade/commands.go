package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/cascade/client"
	"github.com/xraph/cascade/event"
)

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <flow>",
		Short: "List the runs of a flow, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			entries, err := newClient(cmd).Runs(cmd.Context(), args[0], offset, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tSTEPS\tSTARTED\tAWAITING")
			for _, e := range entries {
				m := e.Metadata
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%d\n",
					e.RunID, m.Status, m.CompletedSteps, m.StepCount,
					m.StartedAt.Format(time.RFC3339), len(m.PendingAwaits()))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs")
	cmd.Flags().Int("offset", 0, "runs to skip")
	return cmd
}

// jsonFlag reads a flag holding an optional JSON document.
func jsonFlag(cmd *cobra.Command, name string) (any, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(raw), nil
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <flow>",
		Short: "Start a run of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run-id")
			payload, err := jsonFlag(cmd, "input")
			if err != nil {
				return err
			}
			id, err := newClient(cmd).StartFlow(cmd.Context(), args[0], payload, runID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String("input", "", "flow input as JSON")
	cmd.Flags().String("run-id", "", "run id; generated when empty")
	return cmd
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <event>",
		Short: "Deliver a named event to the runs awaiting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jsonFlag(cmd, "data")
			if err != nil {
				return err
			}
			n, err := newClient(cmd).Trigger(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d await(s)\n", n)
			return nil
		},
	}
	cmd.Flags().String("data", "", "event payload as JSON")
	return cmd
}

func tailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <flow> <runId>",
		Short: "Print a run's records until it finishes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := newClient(cmd).Watch(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			for rec := range ch {
				fmt.Fprintln(cmd.OutOrStdout(), formatRecord(rec))
			}
			return nil
		},
	}
}

func formatRecord(rec *event.Record) string {
	line := fmt.Sprintf("%s  %-16s", rec.Timestamp.Format(time.TimeOnly), rec.Type)
	if rec.StepName != "" {
		line += "  " + rec.StepName
	}
	if len(rec.Data) > 0 {
		line += "  " + string(rec.Data)
	}
	return line
}
