package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"briefmatch/internal/domain"
	"briefmatch/internal/engine"
	"briefmatch/internal/repo"
)

func briefCmd() *cobra.Command {
	brief := &cobra.Command{Use: "brief", Short: "Manage briefs"}
	brief.AddCommand(briefSubmitCmd(), briefShowCmd(), briefListCmd(), briefArchiveCmd())
	return brief
}

func briefSubmitCmd() *cobra.Command {
	var in engine.BriefInput
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ClientID == "" {
				in.ClientID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SubmitBrief(ctx, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "brief id (generated when empty)")
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id (defaults to --actor-id)")
	cmd.Flags().StringVar(&in.Goal, "goal", "", "what the client wants to achieve")
	cmd.Flags().StringVar(&in.Context, "context", "", "background")
	cmd.Flags().StringVar(&in.Constraints, "constraints", "", "constraints")
	cmd.Flags().StringVar(&in.BudgetText, "budget", "", `budget, e.g. "£2k-£4k"`)
	cmd.Flags().StringVar(&in.Timeline, "timeline", "", "timeline")
	cmd.Flags().StringVar(&in.Urgency, "urgency", "", "urgency")
	cmd.Flags().StringVar(&in.Style, "style", "", "working style")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func briefShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <brief-id>",
		Short: "Show a brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetBrief(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func briefListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List briefs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBriefs(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Client", "Status", "Round", "Allocated", "Goal", "Updated")
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.ClientID, b.Status, b.RolloverRound, deref(b.AllocatedCandidateID), truncate(b.Goal, 40), b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func briefArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <brief-id>",
		Short: "Withdraw a brief from matching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ArchiveBrief(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func candidateCmd() *cobra.Command {
	cand := &cobra.Command{Use: "candidate", Short: "Manage the expert pool"}

	imp := &cobra.Command{
		Use:   "import <profiles.yml>",
		Short: "Create or replace candidate profiles from a YAML list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := readProfiles(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ImportCandidates(ctx, profiles, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("imported %d candidate(s)\n", n)
				return nil
			})
		},
	}

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCandidates(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Active", "Verified", "Hours", "Rate", "Skills", "Tools")
				for _, c := range items {
					tw.AppendRow(table.Row{
						c.ID, c.Name, c.Active, c.Verified, c.WeeklyHours,
						fmt.Sprintf("%d-%d", c.RateMin, c.RateMax),
						strings.Join(c.Skills, ", "), strings.Join(c.Tools, ", "),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "only active candidates")

	cand.AddCommand(imp, list)
	return cand
}

func shortlistCmd() *cobra.Command {
	var opts engine.ShortlistOptions
	var minScore float64
	cmd := &cobra.Command{
		Use:   "shortlist <brief-id>",
		Short: "Compute the shortlist for a brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-score") {
				opts.MinScore = &minScore
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sl, err := e.ComputeShortlist(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sl)
				}
				if len(sl.Candidates) == 0 {
					fmt.Println(engine.NoMatchesMessage)
					return nil
				}
				tw := newTable("Rank", "Candidate", "Name", "Score", "Reasons", "Flags")
				for _, m := range sl.Candidates {
					tw.AppendRow(table.Row{m.Rank, m.CandidateID, m.CandidateName, fmt.Sprintf("%.3f", m.Total),
						strings.Join(m.Reasons, "; "), strings.Join(m.Flags, "; ")})
				}
				tw.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("weights v%d, cached=%t", sl.WeightsVersion, sl.Cached), fmt.Sprintf("%d of %d", len(sl.Candidates), sl.Total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "override the configured threshold")
	cmd.Flags().IntVar(&opts.MaxResults, "max", 0, "max results (configured default when 0)")
	cmd.Flags().BoolVar(&opts.Widen, "widen", false, "add broad terms to the skill vocabulary")
	cmd.Flags().BoolVar(&opts.ForceRecompute, "force", false, "ignore a cached snapshot")
	return cmd
}

func inviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite <brief-id> [candidate-id...]",
		Short: "Invite the top of the shortlist, or the named candidates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SendInvitations(ctx, args[0], args[1:], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func invitationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invitations <brief-id>",
		Short: "List invitations for a brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInvitations(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Candidate", "Status", "Round", "Source", "Score", "Expires", "Reason")
				for _, inv := range items {
					tw.AppendRow(table.Row{inv.ID, inv.CandidateID, inv.Status, inv.Round, inv.Source,
						fmt.Sprintf("%.3f", inv.ScoreAtInvite), inv.ExpiresAt, deref(inv.DeclineReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func respondCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "respond <invitation-id> accepted|declined",
		Short:     "Record a candidate response",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{domain.InvitationAccepted, domain.InvitationDeclined},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.RespondToInvitation(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
}

func viewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <invitation-id>",
		Short: "Record that the candidate opened an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.MarkViewed(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue invitations and roll briefs over",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for {
					res, err := e.SweepExpiredInvitations(ctx, actorID())
					if err != nil {
						return err
					}
					if err := printJSONOrTable(res); err != nil {
						return err
					}
					if every <= 0 {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(every):
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat at this interval until interrupted")
	return cmd
}

func projectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "project <brief-id> <candidate-id>",
		Short: "Create the project from an accepted invitation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func weightsCmd() *cobra.Command {
	w := &cobra.Command{Use: "weights", Short: "Scoring weights and synonyms"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wc, err := e.GetActiveWeights(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wc)
				}
				tw := newTable("Factor", "Weight", "Share")
				norm := wc.Weights.Normalized()
				for _, f := range domain.Factors {
					tw.AppendRow(table.Row{f, wc.Weights[f], fmt.Sprintf("%.1f%%", norm[f]*100)})
				}
				tw.AppendFooter(table.Row{"version", wc.Version, wc.CreatedBy})
				tw.Render()
				return nil
			})
		},
	}

	var pairs []string
	var synonymsFile, note string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a new active version",
		RunE: func(cmd *cobra.Command, args []string) error {
			up := engine.WeightUpdate{Note: note}
			if len(pairs) > 0 {
				weights, err := parseWeights(pairs)
				if err != nil {
					return err
				}
				up.Weights = weights
			}
			if synonymsFile != "" {
				tools, industries, err := readSynonyms(synonymsFile)
				if err != nil {
					return err
				}
				up.ToolSynonyms, up.IndustrySynonyms = tools, industries
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wc, err := e.UpdateWeights(ctx, up, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(wc)
			})
		},
	}
	set.Flags().StringSliceVar(&pairs, "weight", nil, "factor=value, repeatable; the full vector to store")
	set.Flags().StringVar(&synonymsFile, "synonyms", "", "YAML file with tools/industries synonym lists")
	set.Flags().StringVar(&note, "note", "", "change note")

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "List versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.WeightHistory(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Version", "Active", "By", "Note", "Created")
				for _, wc := range items {
					tw.AppendRow(table.Row{wc.Version, wc.Active, wc.CreatedBy, wc.Note, wc.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "max rows")

	rollback := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Re-activate an earlier version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wc, err := e.RollbackWeights(ctx, version, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(wc)
			})
		},
	}

	w.AddCommand(show, set, history, rollback)
	return w
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Brief", "Entity", "Actor")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.BriefID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.BriefID, "brief", "", "brief filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	logc.AddCommand(tail)
	return logc
}

func readProfiles(path string) ([]domain.CandidateProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Candidates []domain.CandidateProfile `yaml:"candidates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.Candidates, nil
}

func readSynonyms(path string) (domain.SynonymMap, domain.SynonymMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var doc struct {
		Tools      domain.SynonymMap `yaml:"tools"`
		Industries domain.SynonymMap `yaml:"industries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.Tools, doc.Industries, nil
}

func parseWeights(pairs []string) (domain.WeightVector, error) {
	out := domain.WeightVector{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("weight %q must be factor=value", p)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", p, err)
		}
		out[domain.Factor(strings.TrimSpace(k))] = f
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
