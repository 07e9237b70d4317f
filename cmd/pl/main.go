package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"promptline/internal/app"
	"promptline/internal/config"
	"promptline/internal/db"
	"promptline/internal/domain"
	"promptline/internal/engine"
	"promptline/internal/migrate"
	"promptline/internal/repo"
	"promptline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Promptline CLI",
	Long: `Promptline dispatches tracked work to AI agents with curated prompts.
- Workspace: your .promptline directory holding the database; promptline.yml tunes scoring and review weights.
- Issues: work items (signal, hypothesis, plan, task, monitor) moving triage -> backlog -> todo -> in_progress -> done.
- Dispatch: 'pl dispatch next' claims the highest-scoring eligible issue and renders its prompt.
- Templates: versioned prompt bodies matched to issues by conditions; promote a draft to make it live.
- Reviews: 1-5 ratings of prompt quality folded into a smoothed per-version score.
- Event log: diary of changes, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROMPTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id filter")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default promptline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	prj.AddCommand(projectCreateCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				p, err := a.Engine.CreateProject(ctx, id, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage project goals"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create goal for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				g, err := a.Engine.CreateGoal(ctx, projectID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "goal name")
	_ = create.MarkFlagRequired("name")
	goal.AddCommand(create)
	goal.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List goals for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListGoals(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	var status string
	update := &cobra.Command{
		Use:   "update <goal-id>",
		Short: "Update goal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.UpdateGoalStatus(ctx, args[0], status, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("goal updated")
				return nil
			})
		},
	}
	update.Flags().StringVar(&status, "status", "", "goal status (active, achieved, abandoned)")
	_ = update.MarkFlagRequired("status")
	goal.AddCommand(update)
	return goal
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Manage issues"}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueUpdateCmd())
	issue.AddCommand(issueRelateCmd())
	issue.AddCommand(issueUnrelateCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var title, desc, issueType, status, projectID, parentID, source, payload, hypothesis string
	var labels []string
	var priority int
	var confidence float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := engine.IssueCreateOptions{
					Title:         title,
					Description:   desc,
					Type:          issueType,
					Status:        status,
					Priority:      priority,
					ProjectID:     projectID,
					ParentID:      parentID,
					Labels:        labels,
					SignalSource:  source,
					SignalPayload: payload,
					Hypothesis:    hypothesis,
					ActorID:       viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("confidence") {
					opts.Confidence = &confidence
				}
				i, err := a.Engine.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&issueType, "type", "task", "issue type (signal, hypothesis, plan, task, monitor)")
	cmd.Flags().StringVar(&status, "status", "triage", "initial status (triage, backlog, todo)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 0-4 (1=urgent, 4=low, 0=none)")
	cmd.Flags().StringVar(&projectID, "project-id", "", "owning project")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent issue id")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels (repeatable)")
	cmd.Flags().StringVar(&source, "signal-source", "", "signal source")
	cmd.Flags().StringVar(&payload, "signal-payload", "", "signal payload JSON")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "hypothesis statement")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence 0-1")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status, issueType string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListIssues(ctx, repo.IssueFilters{
					ProjectID: viper.GetString("project"),
					Status:    status,
					Type:      issueType,
					Limit:     limit,
					Offset:    offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Title", "Type", "Status", "Pri", "Labels"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.Number, i.Title, i.Type, i.Status, i.Priority, strings.Join(i.Labels, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&issueType, "type", "", "filter by type")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue with its relations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				i, err := a.Engine.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				rels, err := a.Engine.Repo.ListRelations(ctx, i.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"issue": i, "relations": rels})
			})
		},
	}
	return cmd
}

func issueUpdateCmd() *cobra.Command {
	var status, title, projectID, commitRef, prRef string
	var priority int
	var confidence float64
	var labels []string
	cmd := &cobra.Command{
		Use:   "update <issue-id>",
		Short: "Update an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				opts := engine.IssueUpdateOptions{
					ID:      args[0],
					Status:  status,
					Title:   title,
					ActorID: viper.GetString("actor-id"),
					Force:   viper.GetBool("force"),
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("label") {
					opts.Labels = labels
					opts.SetLabels = true
				}
				if cmd.Flags().Changed("project-id") {
					opts.ProjectID = &projectID
				}
				if cmd.Flags().Changed("commit") {
					opts.CommitRef = &commitRef
				}
				if cmd.Flags().Changed("pr") {
					opts.PRRef = &prRef
				}
				if cmd.Flags().Changed("confidence") {
					opts.Confidence = &confidence
				}
				i, err := a.Engine.UpdateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority 0-4")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "replace labels")
	cmd.Flags().StringVar(&projectID, "project-id", "", "move to project (empty detaches)")
	cmd.Flags().StringVar(&commitRef, "commit", "", "commit reference")
	cmd.Flags().StringVar(&prRef, "pr", "", "pull request reference")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence 0-1")
	return cmd
}

func issueRelateCmd() *cobra.Command {
	var relType string
	cmd := &cobra.Command{
		Use:   "relate <source-id> <target-id>",
		Short: "Link two issues",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rel, err := a.Engine.AddRelation(ctx, args[0], args[1], relType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", "blocks", "relation type (blocks, blocked_by, related, duplicate)")
	return cmd
}

func issueUnrelateCmd() *cobra.Command {
	var relType string
	cmd := &cobra.Command{
		Use:   "unrelate <source-id> <target-id>",
		Short: "Remove a link between two issues",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.RemoveRelation(ctx, args[0], args[1], relType, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("relation removed")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", "blocks", "relation type (blocks, blocked_by, related, duplicate)")
	return cmd
}

func dispatchCmd() *cobra.Command {
	dispatch := &cobra.Command{Use: "dispatch", Short: "Hand out work"}
	dispatch.AddCommand(dispatchQueueCmd())
	dispatch.AddCommand(dispatchNextCmd())
	return dispatch
}

func dispatchQueueCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the ranked dispatch queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				entries, total, err := a.Engine.RankQueue(ctx, viper.GetString("project"), limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"data": entries, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "#", "Title", "Type", "Score", "Priority", "Goal", "Age", "Type bonus"})
				for idx, e := range entries {
					tw.AppendRow(table.Row{
						offset + idx + 1, e.Issue.Number, e.Issue.Title, e.Issue.Type, e.Score,
						e.Breakdown.PriorityWeight, e.Breakdown.GoalBonus, e.Breakdown.AgeBonus, e.Breakdown.TypeBonus,
					})
				}
				tw.Render()
				fmt.Printf("%d eligible\n", total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func dispatchNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next issue and print its prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.ClaimNext(ctx, viper.GetString("project"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if res == nil {
					fmt.Println("queue is empty")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Claimed issue #%d: %s (score %d, session %s)\n", res.Issue.Number, res.Issue.Title, res.Score, res.SessionID)
				if res.Match.Template != nil {
					fmt.Printf("Template: %s v%d\n\n", res.Match.Template.Slug, res.Match.Version.Version)
					fmt.Println(res.Match.Prompt)
				} else {
					fmt.Println(res.Match.Message)
				}
				return nil
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tmpl := &cobra.Command{Use: "template", Short: "Manage prompt templates"}
	tmpl.AddCommand(templateListCmd())
	tmpl.AddCommand(templateShowCmd())
	tmpl.AddCommand(templateCreateCmd())
	tmpl.AddCommand(templateVersionCmd())
	tmpl.AddCommand(templatePromoteCmd())
	tmpl.AddCommand(templateHealthCmd())
	return tmpl
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListTemplates(ctx, 0, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slug", "Name", "Specificity", "Active"})
				for _, t := range items {
					active := "-"
					if t.ActiveVersionID != nil {
						active = "yes"
					}
					tw.AppendRow(table.Row{t.Slug, t.Name, t.Specificity, active})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <template-id-or-slug>",
		Short: "Show a template and its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := resolveTemplate(ctx, a.Engine.Repo, args[0])
				if err != nil {
					return err
				}
				versions, err := a.Engine.Repo.ListVersions(ctx, t.ID, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"template": t, "versions": versions})
			})
		},
	}
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var slug, name, conditions, body, projectID string
	var specificity int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a prompt template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateTemplate(ctx, engine.TemplateCreateOptions{
					Slug:          slug,
					Name:          name,
					ConditionsRaw: []byte(conditions),
					Specificity:   specificity,
					ProjectID:     projectID,
					Body:          body,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "template slug")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&conditions, "conditions", "", `conditions JSON, e.g. {"type":"signal"}`)
	cmd.Flags().IntVar(&specificity, "specificity", 0, "selection precedence, higher wins")
	cmd.Flags().StringVar(&projectID, "project-id", "", "restrict to project")
	cmd.Flags().StringVar(&body, "body", "", "initial draft body")
	_ = cmd.MarkFlagRequired("slug")
	return cmd
}

func templateVersionCmd() *cobra.Command {
	var body, file string
	cmd := &cobra.Command{
		Use:   "version <template-id-or-slug>",
		Short: "Add a draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = string(data)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := resolveTemplate(ctx, a.Engine.Repo, args[0])
				if err != nil {
					return err
				}
				v, err := a.Engine.CreateVersion(ctx, t.ID, body, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "version body")
	cmd.Flags().StringVar(&file, "file", "", "read body from file")
	return cmd
}

func templatePromoteCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "promote <template-id-or-slug>",
		Short: "Promote a version to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := resolveTemplate(ctx, a.Engine.Repo, args[0])
				if err != nil {
					return err
				}
				versions, err := a.Engine.Repo.ListVersions(ctx, t.ID, 0)
				if err != nil {
					return err
				}
				var target *domain.PromptVersion
				for idx := range versions {
					if version == 0 && versions[idx].Status == "draft" {
						target = &versions[idx]
						break
					}
					if version != 0 && versions[idx].Version == version {
						target = &versions[idx]
						break
					}
				}
				if target == nil {
					return fmt.Errorf("no matching version to promote")
				}
				v, err := a.Engine.PromoteVersion(ctx, t.ID, target.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version number (default: latest draft)")
	return cmd
}

func templateHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Template health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rows, err := a.Engine.TemplateHealth(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slug", "Active", "Score", "Completion", "Usage", "Reviews", "Attention"})
				for _, h := range rows {
					tw.AppendRow(table.Row{
						h.Slug, fmtIntPtr(h.ActiveVersion), fmtFloatPtr(h.CompositeScore), fmtFloatPtr(h.CompletionRate),
						h.UsageCount, h.TotalReviews, attentionMark(h.NeedsAttention),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	var issueID, feedback, authorType string
	var clarity, completeness, relevance int
	cmd := &cobra.Command{
		Use:   "review <version-id>",
		Short: "Review the prompt version used for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rev, err := a.Engine.SubmitReview(ctx, engine.ReviewOptions{
					VersionID:    args[0],
					IssueID:      issueID,
					Clarity:      clarity,
					Completeness: completeness,
					Relevance:    relevance,
					Feedback:     feedback,
					AuthorType:   authorType,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rev)
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "issue the prompt was used for")
	cmd.Flags().IntVar(&clarity, "clarity", 0, "clarity 1-5")
	cmd.Flags().IntVar(&completeness, "completeness", 0, "completeness 1-5")
	cmd.Flags().IntVar(&relevance, "relevance", 0, "relevance 1-5")
	cmd.Flags().StringVar(&feedback, "feedback", "", "free-form feedback")
	cmd.Flags().StringVar(&authorType, "author-type", "agent", "human or agent")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				counts, err := a.Engine.Repo.CountIssuesByStatus(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				entries, total, err := a.Engine.RankQueue(ctx, viper.GetString("project"), 1, 0)
				if err != nil {
					return err
				}
				schema, err := migrate.SchemaVersion(a.DB)
				if err != nil {
					return err
				}
				out := map[string]any{"issue_counts": counts, "eligible": total, "schema_version": schema}
				if len(entries) > 0 {
					out["next"] = entries[0]
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Schema version: %d\n", schema)
				fmt.Println("Issues:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Eligible for dispatch: %d\n", total)
				if len(entries) > 0 {
					fmt.Printf("Next up: #%d %s (score %d)\n", entries[0].Issue.Number, entries[0].Issue.Title, entries[0].Score)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, e := range items {
					fmt.Printf("%s %s %s/%s by %s %s\n", e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID, e.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Repo.InsertAPIKey(ctx, tx, k); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// the secret is only shown once
				fmt.Println(secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:      os.Getenv("PROMPTLINE_JWT_SECRET"),
					AllowAnonymous: allowAnonymous,
					Logger:         logger,
				}
				if authCfg.JWTSecret == "" && a.Config.Auth.JWTSecret != "" {
					authCfg.JWTSecret = a.Config.Auth.JWTSecret
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
					return fmt.Errorf("set PROMPTLINE_JWT_SECRET or pass --allow-anonymous")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Promptline API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "allow unauthenticated local requests")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func resolveTemplate(ctx context.Context, r repo.Repo, ref string) (domain.PromptTemplate, error) {
	t, err := r.GetTemplate(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return r.GetTemplateBySlug(ctx, ref)
	}
	return t, err
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtIntPtr(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("v%d", *v)
}

func fmtFloatPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func attentionMark(needs bool) string {
	if needs {
		return "!"
	}
	return ""
}
