package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/repo"
)

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "File and review progress reports"}
	rep.AddCommand(reportCreateCmd())
	rep.AddCommand(reportEditCmd())
	rep.AddCommand(reportSubmitCmd())
	rep.AddCommand(reportApproveCmd())
	rep.AddCommand(reportRejectCmd())
	rep.AddCommand(reportCloneCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportStatsCmd())
	return rep
}

func reportCreateCmd() *cobra.Command {
	var opts engine.ReportCreateOptions
	var value float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a DRAFT report for an activity or indicator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("value") {
				opts.CurrentValue = &value
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateReport(ctx, opts)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "report id (generated when empty)")
	cmd.Flags().StringVar(&opts.ActivityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&opts.IndicatorID, "indicator", "", "indicator id")
	cmd.Flags().StringVar(&opts.PeriodType, "period-type", "mensual", "mensual or trimestral")
	cmd.Flags().StringVar(&opts.Period, "period", "", "period (YYYY-MM or YYYY-Qn)")
	cmd.Flags().Float64Var(&value, "value", 0, "current value")
	cmd.Flags().StringVar(&opts.Achievements, "achievements", "", "achievements")
	cmd.Flags().StringVar(&opts.Difficulties, "difficulties", "", "difficulties")
	cmd.Flags().StringVar(&opts.NextSteps, "next-steps", "", "next steps")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func reportEditCmd() *cobra.Command {
	var value float64
	var achievements, difficulties, nextSteps string
	cmd := &cobra.Command{
		Use:   "edit <report-id>",
		Short: "Change a DRAFT report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ReportEditOptions{ID: args[0], ActorID: actorID()}
			if cmd.Flags().Changed("value") {
				opts.CurrentValue = &value
			}
			if cmd.Flags().Changed("achievements") {
				opts.Achievements = &achievements
			}
			if cmd.Flags().Changed("difficulties") {
				opts.Difficulties = &difficulties
			}
			if cmd.Flags().Changed("next-steps") {
				opts.NextSteps = &nextSteps
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.EditReport(ctx, opts)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().Float64Var(&value, "value", 0, "current value")
	cmd.Flags().StringVar(&achievements, "achievements", "", "achievements")
	cmd.Flags().StringVar(&difficulties, "difficulties", "", "difficulties")
	cmd.Flags().StringVar(&nextSteps, "next-steps", "", "next steps")
	return cmd
}

func reportSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <report-id>",
		Short: "Submit a DRAFT for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.SubmitReport(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
}

func reportApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <report-id>",
		Short: "Approve a SUBMITTED report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.ApproveReport(ctx, args[0], comment, actorID())
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	return cmd
}

func reportRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <report-id>",
		Short: "Reject a SUBMITTED report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.RejectReport(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func reportCloneCmd() *cobra.Command {
	var newID string
	cmd := &cobra.Command{
		Use:   "clone <report-id>",
		Short: "Copy a REJECTED report into a new DRAFT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CloneReport(ctx, args[0], newID, actorID())
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&newID, "id", "", "id of the new draft (generated when empty)")
	return cmd
}

func reportListCmd() *cobra.Command {
	var f repo.ReportFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports visible to the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReports(ctx, actorID(), f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.ID, r.SubjectID(), r.Period, r.Status, percent(r.ExecutionPercentage), r.ReportedBy})
				}
				return printTable(items, table.Row{"ID", "Subject", "Period", "Status", "Execution", "Reporter"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.ActivityID, "activity", "", "filter by activity")
	cmd.Flags().StringVar(&f.IndicatorID, "indicator", "", "filter by indicator")
	cmd.Flags().StringVar(&f.Period, "period", "", "filter by period")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.ReportedBy, "reporter", "", "filter by reporting actor")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum reports")
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <report-id>",
		Short: "Show a report and its status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, hist, err := e.GetReport(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"report": r, "history": hist})
				}
				if err := printReport(r); err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(hist))
				for _, h := range hist {
					rows = append(rows, table.Row{h.At, h.FromStatus, h.ToStatus, h.ActorID, h.Comment})
				}
				return printTable(hist, table.Row{"At", "From", "To", "Actor", "Comment"}, rows)
			})
		},
	}
}

func reportStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count reports per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.ReportStats(ctx, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(domain.ReportStatuses))
				for _, s := range domain.ReportStatuses {
					rows = append(rows, table.Row{s, stats[s]})
				}
				return printTable(stats, table.Row{"Status", "Reports"}, rows)
			})
		},
	}
}

func printReport(r domain.ProgressReport) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Printf("%s [%s] %s %s %s\n", r.ID, r.Status, r.SubjectKind(), r.SubjectID(), r.Period)
	fmt.Printf("  value %.2f of %.2f (%s), version %d, reported by %s\n",
		r.CurrentValue, r.TargetValue, percent(r.ExecutionPercentage), r.Version, r.ReportedBy)
	if r.ReviewedBy != nil {
		fmt.Printf("  reviewed by %s: %s\n", *r.ReviewedBy, r.ReviewComment)
	}
	if r.CloneOf != nil {
		fmt.Printf("  clone of %s\n", *r.CloneOf)
	}
	return nil
}
