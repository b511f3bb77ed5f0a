// ABOUTME: fleetctl subcommands: submit, status, cancel, queue, agents, history
// ABOUTME: Each prints a colored table, or raw JSON with --json

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fleet-gateway/internal/ingress"
	"github.com/2389/fleet-gateway/internal/scheduler"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// until renders a wait as a rounded duration, or "now" when it has passed.
func until(t time.Time, now time.Time) string {
	d := t.Sub(now).Round(time.Second)
	if d <= 0 {
		return "now"
	}
	return d.String()
}

func colorRequestStatus(s scheduler.RequestStatus) string {
	switch s {
	case scheduler.RequestCompleted:
		return color.GreenString(string(s))
	case scheduler.RequestFailed:
		return color.RedString(string(s))
	case scheduler.RequestCancelled:
		return color.HiBlackString(string(s))
	case scheduler.RequestQueued:
		return color.YellowString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func colorAgentStatus(s scheduler.AgentStatus) string {
	switch s {
	case scheduler.AgentAvailable:
		return color.GreenString(string(s))
	case scheduler.AgentBusy:
		return color.CyanString(string(s))
	case scheduler.AgentError, scheduler.AgentOffline:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

// parseMetadata turns repeated key=value flags into a map.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func newSubmitCmd(app *app) *cobra.Command {
	var msg ingress.SubmitMessage
	var meta []string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a test-execution request",
		Example: `  fleetctl submit --capability chromium --priority high --name checkout
  fleetctl submit -c firefox -m url=https://example.com -m steps='[{"action":"goto","url":"https://example.com"}]'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			msg.Metadata = md

			res, err := app.client.Submit(cmd.Context(), msg)
			if err != nil {
				return err
			}
			if app.asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			if res.Duplicate {
				fmt.Fprintf(out, "%s %s (duplicate of an earlier submission)\n", color.YellowString("="), res.ID)
			} else {
				fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), res.ID)
			}
			fmt.Fprintf(out, "  position: %d\n", res.QueuePosition)
			fmt.Fprintf(out, "  starts:   %s\n", until(res.EstimatedStartTime, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&msg.Capability, "capability", "c", "", "browser capability required (e.g. chromium)")
	cmd.Flags().StringVarP(&msg.Priority, "priority", "p", "normal", "critical, high, normal or low")
	cmd.Flags().StringVarP(&msg.Name, "name", "n", "", "human-readable request name")
	cmd.Flags().StringVarP(&msg.IdempotencyKey, "idempotency-key", "k", "", "deduplicate retries with this key")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("capability")

	return cmd
}

func newStatusCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show one request, live or archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := app.client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if app.asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "ID:\t%s\n", info.ID)
			if info.Name != "" {
				fmt.Fprintf(tw, "Name:\t%s\n", info.Name)
			}
			fmt.Fprintf(tw, "Status:\t%s\n", colorRequestStatus(info.Status))
			if info.Reason != "" {
				fmt.Fprintf(tw, "Reason:\t%s\n", info.Reason)
			}
			fmt.Fprintf(tw, "Priority:\t%s\n", info.Priority)
			fmt.Fprintf(tw, "Capability:\t%s\n", info.Capability)
			if info.QueuePosition > 0 {
				fmt.Fprintf(tw, "Position:\t%d\n", info.QueuePosition)
			}
			if info.EstimatedStartTime != nil {
				fmt.Fprintf(tw, "Starts:\t%s\n", until(*info.EstimatedStartTime, time.Now()))
			}
			if agent := info.AssignedAgentID + info.AgentID; agent != "" {
				fmt.Fprintf(tw, "Agent:\t%s\n", agent)
			}
			fmt.Fprintf(tw, "Queued:\t%s\n", info.Timing.QueuedAt.Local().Format(time.DateTime))
			if info.Timing.CompletedAt != nil {
				fmt.Fprintf(tw, "Completed:\t%s\n", info.Timing.CompletedAt.Local().Format(time.DateTime))
			}
			for k, v := range info.Output {
				fmt.Fprintf(tw, "Output %s:\t%s\n", k, v)
			}
			return tw.Flush()
		},
	}
}

func newCancelCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a queued or running request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if app.asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}

func newQueueCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued requests in dispatch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, err := app.client.Queue(cmd.Context())
			if err != nil {
				return err
			}
			if app.asJSON {
				return writeJSON(cmd.OutOrStdout(), queue)
			}
			if len(queue) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}

			now := time.Now()
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "POS\tID\tPRIORITY\tCAPABILITY\tNAME\tSTARTS")
			for _, e := range queue {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.Position, e.ID, e.Priority, e.Capability, e.Name, until(e.EstimatedStartTime, now))
			}
			return tw.Flush()
		},
	}
}

func newAgentsCmd(app *app) *cobra.Command {
	var capability, status string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List pool agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := app.client.Agents(cmd.Context(), capability, status)
			if err != nil {
				return err
			}
			if app.asJSON {
				return writeJSON(cmd.OutOrStdout(), agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no agents")
				return nil
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tCAPABILITY\tSTATUS\tREQUEST\tIDLE")
			now := time.Now()
			for _, a := range agents {
				idle := now.Sub(a.LastActivity).Round(time.Second)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Capability, colorAgentStatus(a.Status), a.CurrentRequestID, idle)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "only agents with this capability")
	cmd.Flags().StringVar(&status, "status", "", "only agents in this status")

	var off bool
	maintenance := &cobra.Command{
		Use:   "maintenance <agent-id>",
		Short: "Take an AVAILABLE agent out of dispatch (or return it with --off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.client.SetMaintenance(cmd.Context(), args[0], !off); err != nil {
				return err
			}
			state := "entered"
			if off {
				state = "left"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s maintenance\n", color.GreenString("✓"), args[0], state)
			return nil
		},
	}
	maintenance.Flags().BoolVar(&off, "off", false, "leave maintenance")

	retire := &cobra.Command{
		Use:   "retire <agent-id>",
		Short: "Remove an agent from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.client.Retire(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s retired %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}

	cmd.AddCommand(maintenance, retire)
	return cmd
}

func newHistoryCmd(app *app) *cobra.Command {
	var limit int
	var source string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := app.client.History(cmd.Context(), limit, source)
			if err != nil {
				return err
			}
			if app.asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			if len(res.Requests) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no history (%s)\n", res.Source)
				return nil
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tSTATUS\tREASON\tCAPABILITY\tWAIT\tRUN\tFINISHED")
			for _, r := range res.Requests {
				finished := ""
				if r.Timing.CompletedAt != nil {
					finished = r.Timing.CompletedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, colorRequestStatus(r.Status), r.Reason, r.Capability,
					r.WaitTime.Round(time.Millisecond), r.ExecutionTime.Round(time.Millisecond), finished)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "maximum records (server default 50)")
	cmd.Flags().StringVar(&source, "source", "", "memory (default) or store")
	return cmd
}
