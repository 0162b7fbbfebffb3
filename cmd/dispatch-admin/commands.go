// ABOUTME: Operator commands: agents, enqueue, status, result, group, rotate, revoke, audit
// ABOUTME: Each command makes one authenticated call and renders the response

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/coven-dispatch/internal/operator"
)

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List known agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.ListAgents(ctx, &emptypb.Empty{})
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				if len(resp.Agents) == 0 {
					fmt.Fprintln(w, "No agents.")
					return
				}
				tw := table(w)
				fmt.Fprintln(tw, "ID\tSTATE\tPLATFORM\tFINGERPRINT\tQUEUED\tIN FLIGHT\tLAST SEEN")
				for _, ag := range resp.Agents {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						ag.ID, ag.State, ag.Platform, truncate(ag.Fingerprint, 19),
						ag.Queued, ag.InFlight, formatTime(ag.LastSeen))
				}
				_ = tw.Flush()
			})
		},
	}
}

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		req         operator.EnqueueRequest
		payload     string
		payloadFile string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a command for one agent, several agents or all agents",
		Example: `  dispatch-admin enqueue --agent host-1 --payload 'uptime'
  dispatch-admin enqueue --all --payload-file job.json --priority 5
  dispatch-admin enqueue --agents host-1,host-2 --group nightly --payload-file -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			targets := 0
			if req.AgentID != "" {
				targets++
			}
			if req.All {
				targets++
			}
			if len(req.AgentIDs) > 0 {
				targets++
			}
			if targets != 1 {
				return errors.New("exactly one of --agent, --all or --agents is required")
			}

			body, err := readPayload(a.input(), payload, payloadFile)
			if err != nil {
				return err
			}
			req.Payload = body

			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.Enqueue(ctx, &req)
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				green := color.New(color.FgGreen)
				green.Fprintf(w, "Queued %d command(s)\n", len(resp.Commands))
				if resp.GroupID != "" {
					fmt.Fprintf(w, "Group: %s\n", resp.GroupID)
				}
				tw := table(w)
				for _, as := range resp.Commands {
					fmt.Fprintf(tw, "  %s\t%s\n", as.CommandID, as.AgentID)
				}
				_ = tw.Flush()
				if len(resp.Skipped) > 0 {
					color.New(color.FgYellow).Fprintf(w, "Skipped: %s\n", strings.Join(resp.Skipped, ", "))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.AgentID, "agent", "", "target agent id")
	f.BoolVar(&req.All, "all", false, "target every active agent")
	f.StringSliceVar(&req.AgentIDs, "agents", nil, "comma-separated target agent ids")
	f.StringVar(&payload, "payload", "", "command payload")
	f.StringVar(&payloadFile, "payload-file", "", "read the payload from a file ('-' for stdin)")
	f.IntVar(&req.Priority, "priority", 0, "priority; higher runs first")
	f.StringVar(&req.GroupID, "group", "", "group id for multi-agent commands")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return cmd
}

// readPayload returns the inline payload, or the file contents when a file
// is named.
func readPayload(stdin io.Reader, inline, file string) ([]byte, error) {
	switch file {
	case "":
		if inline == "" {
			return nil, errors.New("--payload or --payload-file is required")
		}
		return []byte(inline), nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return data, nil
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [agent-id|all]",
		Short: "Show queued, in-flight and finished commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}

			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.Status(ctx, &operator.StatusRequest{AgentID: target})
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				cyan := color.New(color.FgCyan, color.Bold)
				for i, st := range resp.Agents {
					if i > 0 {
						fmt.Fprintln(w)
					}
					cyan.Fprintf(w, "%s", st.Agent.ID)
					fmt.Fprintf(w, " (%s, rotation %d, last seen %s)\n",
						st.Agent.State, st.Agent.Rotation, formatTime(st.Agent.LastSeen))
					printCommands(w, "In flight", st.InFlight)
					printCommands(w, "Queued", st.Queued)
					if len(st.Results) > 0 {
						fmt.Fprintln(w, "  Results:")
						tw := table(w)
						for _, r := range st.Results {
							fmt.Fprintf(tw, "    %s\t%s\t%s\n", r.CommandID, statusColor(r.Status), formatTime(r.CompletedAt))
						}
						_ = tw.Flush()
					}
				}
				if len(resp.Agents) == 0 {
					fmt.Fprintln(w, "No agents.")
				}
			})
		},
	}
}

func printCommands(w io.Writer, label string, cmds []operator.CommandInfo) {
	if len(cmds) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", label)
	tw := table(w)
	for _, c := range cmds {
		fmt.Fprintf(tw, "    %s\tp%d\t%s\t%s\n", c.ID, c.Priority, c.State, formatTime(c.EnqueuedAt))
	}
	_ = tw.Flush()
}

func statusColor(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed", "expired":
		return color.RedString(status)
	default:
		return status
	}
}

func newResultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "result <command-id>",
		Short: "Show a command and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.GetResult(ctx, &operator.GetResultRequest{CommandID: args[0]})
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				fmt.Fprintf(w, "Command:  %s\n", resp.Command.ID)
				fmt.Fprintf(w, "Agent:    %s\n", resp.Command.AgentID)
				fmt.Fprintf(w, "State:    %s\n", resp.Command.State)
				if resp.Command.Reason != "" {
					fmt.Fprintf(w, "Reason:   %s\n", resp.Command.Reason)
				}
				if resp.Result == nil {
					color.New(color.FgYellow).Fprintln(w, "No result yet.")
					return
				}
				fmt.Fprintf(w, "Status:   %s\n", statusColor(resp.Result.Status))
				if resp.Result.ErrorCode != 0 {
					fmt.Fprintf(w, "Code:     %d\n", resp.Result.ErrorCode)
				}
				fmt.Fprintf(w, "Finished: %s\n", formatTime(resp.Result.CompletedAt))
				fmt.Fprintf(w, "\n%s\n", formatPayload(resp.Result.Payload))
			})
		},
	}
}

func newGroupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "group <group-id>",
		Short: "Show progress of a multi-agent command group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.GroupStatus(ctx, &operator.GroupStatusRequest{GroupID: args[0]})
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				fmt.Fprintf(w, "Group %s: %d/%d finished", resp.GroupID, resp.Total-resp.Pending, resp.Total)
				if resp.Concluded {
					color.New(color.FgGreen).Fprint(w, " (concluded)")
				}
				fmt.Fprintln(w)
				fmt.Fprintf(w, "  pending %d, completed %d, failed %d, expired %d\n",
					resp.Pending, resp.Completed, resp.Failed, resp.Expired)
			})
		},
	}
}

func newRotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <agent-id>",
		Short: "Offer an agent a fresh session key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.RotateSession(ctx, &operator.RotateSessionRequest{AgentID: args[0]})
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				color.New(color.FgGreen).Fprintf(w, "Rotation %d offered to %s\n", resp.Rotation, args[0])
				fmt.Fprintf(w, "Session %s, expires %s\n", resp.SessionID, formatTime(resp.ExpiresAt))
			})
		},
	}
}

func newRevokeCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "revoke <agent-id>",
		Short: "Revoke an agent and purge its pending commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Revoke agent %s? Pending commands are discarded. [y/N]: ", id)
				line, _ := a.readLine()
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					return errors.New("aborted")
				}
			}

			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.RevokeAgent(ctx, &operator.RevokeAgentRequest{AgentID: id})
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				color.New(color.FgYellow).Fprintf(w, "Revoked %s, purged %d command(s)\n", id, resp.PurgedCommands)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	var (
		req   operator.AuditLogRequest
		since string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the operator audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				req.Since = &t
			}

			c, ctx, done, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer done()

			resp, err := c.AuditLog(ctx, &req)
			if err != nil {
				return err
			}
			return a.out.render(resp, func(w io.Writer) {
				if len(resp.Entries) == 0 {
					fmt.Fprintln(w, "No audit entries.")
					return
				}
				tw := table(w)
				fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tTARGET")
				for _, e := range resp.Entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%s\n",
						formatTime(e.Timestamp), e.Actor, e.Action, e.TargetType, e.TargetID)
				}
				_ = tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Actor, "actor", "", "only entries by this operator")
	f.StringVar(&req.Action, "action", "", "only this action")
	f.StringVar(&req.TargetID, "target", "", "only entries about this target id")
	f.StringVar(&since, "since", "", "only newer entries: a duration like 24h or an RFC 3339 time")
	f.IntVar(&req.Limit, "limit", 50, "maximum entries")
	return cmd
}

// parseSince accepts a lookback duration or an absolute RFC 3339 time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since duration must be positive: %s", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be a duration or RFC 3339 time: %s", s)
	}
	return t, nil
}
