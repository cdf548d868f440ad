package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentcouncil/internal/app"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Review agent proposals",
		Long:  "Agents propose actions before taking them. A proposal is auto-approved when the project policy allows its action type, otherwise it waits for a decision or a vote quorum.",
	}
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	p.AddCommand(proposalVoteCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = projectFlag()
				f.Status = domain.ProposalStatus(status)
				items, err := a.Council.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Action", "Title", "Status", "Urgency", "Expires"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.AgentID, p.ActionType, p.Title, p.Status, p.Urgency, deref(p.ExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, approved, rejected, expired, auto)")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "proposing agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max proposals")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal with its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Council.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalCreateCmd() *cobra.Command {
	var in domain.ProposalInput
	var payload, urgency string
	var ttl time.Duration
	var noApproval bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a proposal on behalf of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Title == "" {
				return fmt.Errorf("--title required")
			}
			raw, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in.AgentID = viper.GetString("actor-id")
				in.Payload = raw
				in.Urgency = domain.Urgency(urgency)
				in.TTL = ttl
				if noApproval {
					f := false
					in.RequiresApproval = &f
				}
				if p := projectFlag(); p != "" {
					if in.ProjectID, err = a.ResolveProject(ctx, p); err != nil {
						return err
					}
				}
				p, err := a.Council.CreateProposal(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.ActionType, "action", "", "action type")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&urgency, "urgency", "", "low, normal, high or critical")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime override; negative never expires")
	cmd.Flags().BoolVar(&noApproval, "no-approval", false, "mark as not requiring approval")
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remote(); ok {
				p, err := c.ApproveProposal(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Council.ApproveProposal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remote(); ok {
				p, err := c.RejectProposal(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Council.RejectProposal(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func proposalVoteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "vote <proposal-id> <approve|reject|abstain>",
		Short: "Vote on a proposal as the current actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remote(); ok {
				p, err := c.VoteProposal(cmd.Context(), args[0], args[1], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Council.VoteProposal(ctx, args[0], viper.GetString("actor-id"), domain.Vote(args[1]), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "vote reason")
	return cmd
}

func signoffCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "signoff",
		Short: "Manage signoffs on structural changes",
		Long: `Reviewers vote on structural changes. Strictness decides what the vote means:
- none: recorded, never blocks.
- advisory: the first vote resolves it; work may always proceed.
- required: every reviewer approves, one rejection rejects; work proceeds unless rejected or expired.
- blocking: like required, but work waits until approved.`,
	}
	s.AddCommand(signoffRequestCmd())
	s.AddCommand(signoffListCmd())
	s.AddCommand(signoffPendingCmd())
	s.AddCommand(signoffShowCmd())
	s.AddCommand(signoffVoteCmd())
	s.AddCommand(signoffGateCmd())
	return s
}

func signoffRequestCmd() *cobra.Command {
	var req domain.SignoffRequest
	var payload, strictness string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Open a signoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Title == "" {
				return fmt.Errorf("--title required")
			}
			raw, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if req.ProjectID, err = a.ResolveProject(ctx, projectFlag()); err != nil {
					return err
				}
				req.Payload = raw
				req.Strictness = domain.Strictness(strictness)
				s, err := a.Council.RequestSignoff(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&req.ChangeType, "change-type", "", "kind of change (outline, chapter, ...)")
	cmd.Flags().StringVar(&req.ChangeID, "change-id", "", "id of the changed item")
	cmd.Flags().StringVar(&req.Phase, "phase", "", "project phase, used for phase strictness")
	cmd.Flags().StringVar(&req.Title, "title", "", "title")
	cmd.Flags().StringVar(&req.Description, "description", "", "description")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringSliceVar(&req.RequiredAgents, "reviewer", nil, "required reviewer ids (defaults to the reviewer house)")
	cmd.Flags().StringVar(&strictness, "strictness", "", "override project strictness")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 0, "lifetime override")
	return cmd
}

func signoffListCmd() *cobra.Command {
	var f repo.SignoffFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signoffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = projectFlag()
				f.Status = domain.SignoffStatus(status)
				items, err := a.Council.ListSignoffs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Change", "Title", "Strictness", "Status", "Votes"})
				for _, s := range items {
					change := s.ChangeType
					if s.ChangeID != nil {
						change += "/" + *s.ChangeID
					}
					tw.AppendRow(table.Row{s.ID, change, s.Title, s.Strictness, s.Status, fmt.Sprintf("%d/%d", len(s.Votes), len(s.RequiredAgents))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, approved, rejected, expired)")
	cmd.Flags().StringVar(&f.ChangeType, "change-type", "", "change type filter")
	cmd.Flags().StringVar(&f.ChangeID, "change-id", "", "change id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max signoffs")
	return cmd
}

func signoffPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List signoffs still waiting for votes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Council.GetPendingSignoffs(ctx, projectFlag())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Strictness", "Waiting On"})
				for _, s := range items {
					var waiting []string
					for _, id := range s.RequiredAgents {
						if _, voted := s.Votes[id]; !voted {
							waiting = append(waiting, id)
						}
					}
					tw.AppendRow(table.Row{s.ID, s.Title, s.Strictness, strings.Join(waiting, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func signoffShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <signoff-id>",
		Short: "Show a signoff with its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Council.GetSignoff(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func signoffVoteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "vote <signoff-id> <approve|reject|abstain>",
		Short: "Vote on a signoff as the current actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c, ok := remote(); ok {
				s, err := c.VoteSignoff(cmd.Context(), args[0], args[1], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Council.RecordVote(ctx, args[0], viper.GetString("actor-id"), domain.Vote(args[1]), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "vote reason")
	return cmd
}

func signoffGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <signoff-id>",
		Short: "Report whether work behind a signoff may proceed; exits non-zero when held back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Council.GetSignoff(ctx, args[0])
				if err != nil {
					return err
				}
				ok, err := a.Council.MayProceed(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"signoff_id": s.ID, "status": s.Status, "strictness": s.Strictness, "may_proceed": ok}); err != nil {
						return err
					}
				} else {
					fmt.Printf("%s: %s (%s), may proceed: %t\n", s.ID, s.Status, s.Strictness, ok)
				}
				if !ok {
					return fmt.Errorf("signoff %s holds the change back", s.ID)
				}
				return nil
			})
		},
	}
}
