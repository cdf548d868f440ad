package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agentcouncil/internal/app"
	"agentcouncil/internal/config"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
	"agentcouncil/internal/server"
)

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and control agents",
		Long:  "Liveness is tracked by the running council, so health and the control commands need --server.",
	}
	a.AddCommand(agentListCmd())
	a.AddCommand(agentHealthCmd())
	for _, action := range []string{"retry", "disable", "enable"} {
		a.AddCommand(agentActionCmd(action))
	}
	a.AddCommand(agentUnregisterCmd())
	return a
}

func agentUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <agent-id>",
		Short: "Shut an agent down and remove it from the running council",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := remote()
			if !ok {
				return errors.New("agent unregister needs --server")
			}
			if err := c.UnregisterAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("unregistered %s\n", args[0])
			return nil
		},
	}
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agents, err := a.Council.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "House", "Status", "Capabilities", "Last Active"})
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.ID, ag.House, ag.Status, len(ag.Capabilities), deref(ag.LastActiveAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show liveness of every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := remote()
			if !ok {
				return errors.New("agent health needs --server")
			}
			items, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "House", "Alive", "Status", "Last Activity", "Error"})
			for _, h := range items {
				tw.AppendRow(table.Row{h.AgentID, h.House, h.Alive, h.Status, h.LastActivity, h.Error})
			}
			tw.Render()
			return nil
		},
	}
}

func agentActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <agent-id>",
		Short: fmt.Sprintf("Ask the running council to %s an agent", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := remote()
			if !ok {
				return fmt.Errorf("agent %s needs --server", action)
			}
			h, err := c.AgentAction(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			return printJSONOrTable(h)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show council counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Council.GetStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				for status, n := range st.Agents {
					tw.AppendRow(table.Row{"agents " + string(status), n})
				}
				for status, n := range st.Tasks {
					tw.AppendRow(table.Row{"tasks " + string(status), n})
				}
				tw.AppendRow(table.Row{"pending proposals", st.PendingProposals})
				tw.AppendRow(table.Row{"pending signoffs", st.PendingSignoffs})
				tw.AppendRow(table.Row{"active sessions", st.ActiveSessions})
				tw.AppendRow(table.Row{"log entries", st.LogEntries})
				tw.SortBy([]table.SortBy{{Name: "Metric", Mode: table.Asc}})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	l.AddCommand(logTailCmd())
	l.AddCommand(logPruneCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.LogFilter
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = projectFlag()
				f.EventType = domain.LogEventType(evtType)
				entries, err := a.Council.Log(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Agent", "Type", "Message"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.AgentID, e.EventType, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "RFC3339 lower bound")
	cmd.Flags().Int64Var(&f.Before, "before", 0, "page backwards from this entry id")
	return cmd
}

func logPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete entries older than council.log_retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Council.PruneLog(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": n})
				}
				fmt.Printf("deleted %d entries\n", n)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect council.yml",
		Long:  "council.yml holds runtime settings: worker count, intervals, retry backoff, server, telemetry, webhooks and the default project policy. Missing keys fall back to the built-in defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default council.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate council.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	p := &cobra.Command{Use: "project", Short: "Manage project policies"}
	p.AddCommand(projectUseCmd())
	p.AddCommand(projectListCmd())
	p.AddCommand(projectConfigShowCmd())
	p.AddCommand(projectConfigImportCmd())
	return p
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				if err := setEnvValue(envPath(workspace), "COUNCIL_PROJECT", projectID); err != nil {
					return err
				}
				fmt.Printf("Set COUNCIL_PROJECT=%s in %s\n", projectID, envPath(workspace))
				return nil
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects with a stored policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Council.Repo.ListProjectConfigs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Strictness", "Enabled Agents", "Quorum"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ProjectID, p.DefaultStrictness, p.EnabledAgents, p.ProposalQuorum})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective policy of the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := a.ResolveProject(ctx, projectFlag())
				if err != nil {
					return err
				}
				p, err := a.Council.ProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <policy.yml>",
		Short: "Store a project policy from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := config.PolicyFromFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if p := projectFlag(); p != "" {
					policy.ProjectID = p
				}
				if policy.ProjectID == "" {
					return errors.New("policy has no project_id; use --project")
				}
				if err := a.Council.SetProjectConfig(ctx, policy); err != nil {
					return err
				}
				fmt.Printf("imported policy for %s\n", policy.ProjectID)
				return nil
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := make([]byte, 24)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			key := "ck_" + hex.EncodeToString(secret)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: domain.FormatTime(time.Now()),
				}
				if err := a.Council.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
				}
				fmt.Printf("id: %s\nactor: %s\nkey: %s\n", rec.ID, rec.ActorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Council.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Council.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			tok, err := server.SignToken(secret, viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}
