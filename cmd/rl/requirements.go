package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/lifecycle"
	"reqline/internal/repo"
)

func reqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "req",
		Aliases: []string{"requirement"},
		Short:   "Manage requirements",
	}
	cmd.AddCommand(reqCreateCmd())
	cmd.AddCommand(reqListCmd())
	cmd.AddCommand(reqShowCmd())
	cmd.AddCommand(reqUpdateCmd())
	cmd.AddCommand(reqDeleteCmd())
	cmd.AddCommand(reqRecomputeCmd())
	return cmd
}

func reqCreateCmd() *cobra.Command {
	var id, title, desc, kind, priority, reviewer1, reviewer2 string
	var levels int
	var subtasks []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a requirement seeded from the project's subtask templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.RequirementCreateOptions{
					ID:           id,
					ProjectID:    e.Config.Project.ID,
					Title:        title,
					Description:  desc,
					Kind:         kind,
					Priority:     priority,
					ReviewLevels: levels,
					Reviewer1:    reviewer1,
					Reviewer2:    reviewer2,
					ActorID:      actorID(),
				}
				if cmd.Flags().Changed("subtask") {
					opts.Subtasks = subtasks
				}
				r, err := e.CreateRequirement(ctx, opts)
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "requirement id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&kind, "kind", "", "feature, bug or change")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	cmd.Flags().IntVar(&levels, "review-levels", 0, "1 or 2 (project default when 0)")
	cmd.Flags().StringVar(&reviewer1, "reviewer-1", "", "level 1 reviewer")
	cmd.Flags().StringVar(&reviewer2, "reviewer-2", "", "level 2 reviewer")
	cmd.Flags().StringArrayVar(&subtasks, "subtask", nil, "subtask name, repeatable (replaces the templates)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func reqListCmd() *cobra.Command {
	var status, review, priority, kind, version string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequirements(ctx, repo.RequirementFilters{
					ProjectID:       e.Config.Project.ID,
					AggregateStatus: status,
					OverallReview:   review,
					Priority:        priority,
					Kind:            kind,
					PlannedVersion:  version,
					Limit:           limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Kind", "Priority", "Status", "Review", "Version")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Kind, r.Priority, r.AggregateStatus, r.OverallReview, deref(r.PlannedVersion)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "aggregate status filter")
	cmd.Flags().StringVar(&review, "review", "", "overall review filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&version, "version", "", "planned version filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func reqShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a requirement with its subtasks and reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetRequirement(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
}

func reqUpdateCmd() *cobra.Command {
	var title, desc, kind, priority string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit requirement header fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.UpdateRequirement(ctx, engine.RequirementUpdateOptions{
					ID:          args[0],
					Title:       optionalString(cmd, "title", title),
					Description: optionalString(cmd, "description", desc),
					Kind:        optionalString(cmd, "kind", kind),
					Priority:    optionalString(cmd, "priority", priority),
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&kind, "kind", "", "feature, bug or change")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium, high or urgent")
	return cmd
}

func reqDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRequirement(ctx, args[0], actorID())
			})
		},
	}
}

func reqRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Refresh stored durations, delay and status for every requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				changed, err := e.RecomputeAll(ctx, e.Config.Project.ID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project_id": e.Config.Project.ID, "changed": changed})
			})
		},
	}
}

func subtaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subtask",
		Short: "Manage the subtasks of a requirement",
	}
	cmd.AddCommand(subtaskAddCmd())
	cmd.AddCommand(subtaskSetCmd())
	cmd.AddCommand(subtaskDeleteCmd())
	cmd.AddCommand(subtaskAssignedCmd())
	return cmd
}

// subtaskFlags holds the leaf fields shared by add and set.
type subtaskFlags struct {
	name, status, executor, department string
	estStart, estEnd, actStart, actEnd string
}

func (f *subtaskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "subtask name")
	cmd.Flags().StringVar(&f.status, "status", "", "not-started, in-progress, completed or paused")
	cmd.Flags().StringVar(&f.executor, "executor", "", "executor id")
	cmd.Flags().StringVar(&f.department, "department", "", "department id")
	cmd.Flags().StringVar(&f.estStart, "est-start", "", "estimated start (RFC3339, YYYY-MM-DD or e.g. \"next monday\")")
	cmd.Flags().StringVar(&f.estEnd, "est-end", "", "estimated end")
	cmd.Flags().StringVar(&f.actStart, "start", "", "actual start")
	cmd.Flags().StringVar(&f.actEnd, "end", "", "actual end")
}

// edits returns one edit per changed flag, in the same field order the HTTP
// patch uses.
func (f *subtaskFlags) edits(cmd *cobra.Command, now time.Time) ([]lifecycle.SubtaskEdit, error) {
	var edits []lifecycle.SubtaskEdit
	for _, item := range []struct {
		flag  string
		field lifecycle.SubtaskField
		value string
		date  bool
	}{
		{"name", lifecycle.FieldName, f.name, false},
		{"executor", lifecycle.FieldExecutor, f.executor, false},
		{"department", lifecycle.FieldDepartment, f.department, false},
		{"est-start", lifecycle.FieldEstimatedStart, f.estStart, true},
		{"est-end", lifecycle.FieldEstimatedEnd, f.estEnd, true},
		{"start", lifecycle.FieldActualStart, f.actStart, true},
		{"end", lifecycle.FieldActualEnd, f.actEnd, true},
		{"status", lifecycle.FieldStatus, f.status, false},
	} {
		if !cmd.Flags().Changed(item.flag) {
			continue
		}
		value := item.value
		if item.date {
			var err error
			if value, err = parseTimeFlag(value, now); err != nil {
				return nil, fmt.Errorf("--%s: %w", item.flag, err)
			}
		}
		edits = append(edits, lifecycle.SubtaskEdit{Field: item.field, Value: value})
	}
	return edits, nil
}

func subtaskAddCmd() *cobra.Command {
	var f subtaskFlags
	var id string
	cmd := &cobra.Command{
		Use:   "add <requirement-id>",
		Short: "Append a subtask; its phase comes from the name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := domain.Subtask{ID: id, Name: f.name, Status: domain.SubtaskStatus(f.status)}
				if f.executor != "" {
					s.ExecutorID = &f.executor
				}
				if f.department != "" {
					s.DepartmentID = &f.department
				}
				now := time.Now()
				for _, d := range []struct {
					flag, value string
					dst         **time.Time
				}{
					{"est-start", f.estStart, &s.EstimatedStart},
					{"est-end", f.estEnd, &s.EstimatedEnd},
					{"start", f.actStart, &s.ActualStart},
					{"end", f.actEnd, &s.ActualEnd},
				} {
					raw, err := parseTimeFlag(d.value, now)
					if err != nil {
						return fmt.Errorf("--%s: %w", d.flag, err)
					}
					if raw == "" {
						continue
					}
					ts, _ := time.Parse(time.RFC3339, raw)
					*d.dst = &ts
				}
				r, err := e.AddSubtask(ctx, args[0], s, actorID())
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "subtask id (generated when empty)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func subtaskSetCmd() *cobra.Command {
	var f subtaskFlags
	cmd := &cobra.Command{
		Use:   "set <requirement-id> <subtask-id>",
		Short: "Edit subtask fields; the requirement status is re-derived",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			edits, err := f.edits(cmd, time.Now())
			if err != nil {
				return err
			}
			if len(edits) == 0 {
				return fmt.Errorf("nothing to change")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.EditSubtask(ctx, args[0], args[1], edits, actorID())
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func subtaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <requirement-id> <subtask-id>",
		Short: "Remove a subtask",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.DeleteSubtask(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
}

func subtaskAssignedCmd() *cobra.Command {
	var executor, department, status string
	var mine bool
	cmd := &cobra.Command{
		Use:   "assigned",
		Short: "List subtasks by executor or department",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				executor = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAssignments(ctx, repo.AssignmentFilters{
					ProjectID:    e.Config.Project.ID,
					ExecutorID:   executor,
					DepartmentID: department,
					Status:       status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Requirement", "Subtask", "Phase", "Status", "Executor", "Est. end", "Delay")
				for _, a := range items {
					s := a.Subtask
					tw.AppendRow(table.Row{a.RequirementTitle, s.Name, s.Phase, s.Status, deref(s.ExecutorID), formatTime(s.EstimatedEnd), s.DelayStatus})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&executor, "executor", "", "executor id")
	cmd.Flags().StringVar(&department, "department", "", "department id")
	cmd.Flags().StringVar(&status, "status", "", "subtask status")
	cmd.Flags().BoolVar(&mine, "mine", false, "subtasks executed by the current actor")
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record review decisions",
	}
	cmd.AddCommand(reviewSetCmd())
	cmd.AddCommand(reviewPendingCmd())
	return cmd
}

func reviewSetCmd() *cobra.Command {
	var level int
	var reviewer, status, opinion string
	cmd := &cobra.Command{
		Use:   "set <requirement-id>",
		Short: "Set a review level's reviewer, status or opinion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var edits []lifecycle.ReviewEdit
			if cmd.Flags().Changed("reviewer") {
				edits = append(edits, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldReviewer, Value: reviewer})
			}
			if cmd.Flags().Changed("status") {
				edits = append(edits, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: status})
			}
			if cmd.Flags().Changed("opinion") {
				edits = append(edits, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldOpinion, Value: opinion})
			}
			if len(edits) == 0 {
				return fmt.Errorf("nothing to change")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.EditReview(ctx, args[0], level, edits, actorID())
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	}
	cmd.Flags().IntVar(&level, "level", 1, "review level (1 or 2)")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id (needs review.assign)")
	cmd.Flags().StringVar(&status, "status", "", "pending, approved or rejected")
	cmd.Flags().StringVar(&opinion, "opinion", "", "review opinion")
	return cmd
}

func reviewPendingCmd() *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List requirements waiting on a reviewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				reviewer = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingReviews(ctx, e.Config.Project.ID, reviewer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Review", "Status")
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.OverallReview, r.AggregateStatus})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id (defaults to the current actor)")
	return cmd
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Plan releases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "assign <requirement-id> <version>",
		Short: "Assign a planned version; refused until the overall review is approved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.AssignVersion(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printRequirement(r)
			})
		},
	})
	return cmd
}

func printRequirement(r domain.Requirement) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("%s  %s\n", r.ID, r.Title)
	fmt.Printf("kind=%s priority=%s status=%s review=%s version=%s\n",
		r.Kind, r.Priority, r.AggregateStatus, r.OverallReview, deref(r.PlannedVersion))
	tw := newTable("#", "ID", "Name", "Phase", "Status", "Executor", "Est. days", "Actual days", "Delay")
	for i, s := range r.Subtasks {
		tw.AppendRow(table.Row{i + 1, s.ID, s.Name, s.Phase, s.Status, deref(s.ExecutorID), s.EstimatedDuration, s.ActualDuration, s.DelayStatus})
	}
	fmt.Println(tw.Render())
	rt := newTable("Level", "Reviewer", "Status", "Opinion")
	for _, l := range r.Levels() {
		rt.AppendRow(table.Row{strconv.Itoa(l.Level), l.Reviewer(), l.Status, strings.TrimSpace(l.Opinion)})
	}
	fmt.Println(rt.Render())
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
