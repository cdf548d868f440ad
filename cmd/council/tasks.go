package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/app"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
	councilsdk "agentcouncil/sdk/go"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage council sessions",
		Long:  "A session groups the tasks assigned to a project while it is active. Starting a session when one is already active returns the existing one.",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionEndCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionActiveCmd())
	s.AddCommand(sessionReplayCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start (or return) the project's active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remote(); ok {
				s, err := c.StartSession(cmd.Context(), projectFlag())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, projectFlag())
				if err != nil {
					return err
				}
				s, err := a.Council.StartSession(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionEndCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remote(); ok {
				s, err := c.EndSession(cmd.Context(), args[0], summary)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Council.EndSession(ctx, args[0], summary)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "closing summary")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Council.ListSessions(ctx, repo.SessionFilter{
					ProjectID: projectFlag(),
					Status:    domain.SessionStatus(status),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Status", "Started", "Ended"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, deref(s.ProjectID), s.Status, s.StartedAt, deref(s.EndedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, paused, completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the project's active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, projectFlag())
				if err != nil {
					return err
				}
				s, ok, err := a.Council.GetActiveSession(ctx, projectID)
				if err != nil {
					return err
				}
				if !ok {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"active": false})
					}
					fmt.Printf("no active session for %s\n", projectID)
					return nil
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "replay <session-id>",
		Aliases: []string{"show"},
		Short:   "Show a session with its tasks and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				replay, err := a.Council.SessionReplay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(replay)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are routed to an agent by explicit target or by the houses that handle their type. A task waits for its dependencies and is retried with backoff on failure.",
	}
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskCancelCmd())
	t.AddCommand(taskTypesCmd())
	return t
}

func taskAssignCmd() *cobra.Command {
	var (
		spec       orchestrator.TaskSpec
		msgType    string
		payload    string
		sessionID  string
		maxRetries int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Queue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if msgType == "" {
				return fmt.Errorf("--type required")
			}
			raw, err := parsePayload(payload)
			if err != nil {
				return err
			}
			var retries *int
			if cmd.Flags().Changed("max-retries") {
				retries = &maxRetries
			}
			if c, ok := remote(); ok {
				req := councilsdk.AssignRequest{
					ID:          spec.ID,
					Type:        msgType,
					TargetAgent: spec.TargetAgent,
					ProjectID:   projectFlag(),
					Priority:    spec.Priority,
					DependsOn:   spec.DependsOn,
					SessionID:   sessionID,
					MaxRetries:  retries,
					TimeoutMs:   timeout.Milliseconds(),
				}
				if raw != nil {
					if err := json.Unmarshal(raw, &req.Payload); err != nil {
						return fmt.Errorf("--payload must be a JSON object: %w", err)
					}
				}
				res, err := c.AssignTask(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printAssigned(res.TaskID, res.Warning)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				spec.Type = agent.MessageType(msgType)
				spec.Payload = raw
				if p := projectFlag(); p != "" {
					if spec.ProjectID, err = a.ResolveProject(ctx, p); err != nil {
						return err
					}
				}
				id, err := a.Council.AssignTask(ctx, spec, orchestrator.AssignOptions{
					SessionID:  sessionID,
					MaxRetries: retries,
					Timeout:    timeout,
				})
				// no live roster in this process; the task stays queued for
				// the target agent
				if errors.Is(err, domain.ErrAgentNotFound) && id != "" {
					return printAssigned(id, err.Error())
				}
				if err != nil {
					return err
				}
				return printAssigned(id, "")
			})
		},
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&msgType, "type", "", "message type, see 'council task types'")
	cmd.Flags().StringVar(&spec.TargetAgent, "agent", "", "target agent id")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().IntVar(&spec.Priority, "priority", 0, "higher runs first")
	cmd.Flags().StringSliceVar(&spec.DependsOn, "depends-on", nil, "task ids that must complete first")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to the active session)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout override")
	return cmd
}

func printAssigned(id, warning string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"task_id": id, "warning": warning})
	}
	fmt.Println(id)
	if warning != "" {
		fmt.Fprintln(os.Stderr, "warning:", warning)
	}
	return nil
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = projectFlag()
				f.Status = domain.TaskStatus(status)
				tasks, err := a.Council.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Agent", "Priority", "Retries", "Created"})
				for _, t := range tasks {
					agentID := deref(t.ClaimedBy)
					if agentID == "" {
						agentID = deref(t.TargetAgent)
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, agentID, t.Priority, fmt.Sprintf("%d/%d", t.Retries, t.MaxRetries), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TargetAgent, "agent", "", "target agent filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "message type filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status <task-id>",
		Aliases: []string{"show"},
		Short:   "Show a task and its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Council.GetTaskStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and everything that depends on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				reason = "cancelled by " + viper.GetString("actor-id")
			}
			if c, ok := remote(); ok {
				tasks, err := c.CancelTask(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Council.CancelTask(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				for _, t := range tasks {
					fmt.Printf("cancelled %s (%s)\n", t.ID, t.Type)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func taskTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List message types and the houses that handle them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := agent.Routing()
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Type", "Houses"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Type, r.Houses})
			}
			tw.Render()
			return nil
		},
	}
}
