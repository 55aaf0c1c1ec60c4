package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/repo"
)

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Indicators, activities, procurement and budget"}

	ind := &cobra.Command{Use: "indicator", Short: "Manage indicators"}
	ind.AddCommand(indicatorRegisterCmd())
	ind.AddCommand(indicatorListCmd())

	act := &cobra.Command{Use: "activity", Short: "Manage activities"}
	act.AddCommand(activityRegisterCmd())
	act.AddCommand(activityLinkCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())

	proc := &cobra.Command{Use: "procurement", Short: "Manage procurement processes"}
	proc.AddCommand(procurementSaveCmd())
	proc.AddCommand(procurementListCmd())

	alloc := &cobra.Command{Use: "allocation", Short: "Manage budget allocations"}
	alloc.AddCommand(allocationSaveCmd())
	alloc.AddCommand(allocationListCmd())
	alloc.AddCommand(allocationShowCmd())
	alloc.AddCommand(executionRecordCmd())

	plan.AddCommand(ind, act, proc, alloc)
	return plan
}

// targetFlags binds the periodic target flags shared by indicators and activities.
type targetFlags struct {
	frequency string
	year      int
	targets   []float64
	annual    float64
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.frequency, "frequency", "mensual", "reporting frequency (mensual or trimestral)")
	cmd.Flags().IntVar(&f.year, "fiscal-year", 0, "fiscal year")
	cmd.Flags().Float64SliceVar(&f.targets, "targets", nil, "comma separated targets: 12 monthly or 4 quarterly")
	cmd.Flags().Float64Var(&f.annual, "annual", 0, "annual target (defaults to the sum of targets)")
}

func (f *targetFlags) plan() domain.TargetPlan {
	tp := domain.TargetPlan{ReportingFrequency: f.frequency, FiscalYear: f.year, AnnualTarget: f.annual}
	if len(f.targets) == 4 {
		tp.QuarterlyTargets = f.targets
	} else {
		tp.MonthlyTargets = f.targets
	}
	if tp.AnnualTarget == 0 {
		for _, t := range f.targets {
			tp.AnnualTarget += t
		}
	}
	return tp
}

func indicatorRegisterCmd() *cobra.Command {
	var ind domain.Indicator
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an indicator with its targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ind.TargetPlan = tf.plan()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RegisterIndicator(ctx, ind, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&ind.ID, "id", "", "indicator id (generated when empty)")
	cmd.Flags().StringVar(&ind.Name, "name", "", "indicator name")
	cmd.Flags().StringVar(&ind.AxisID, "axis", "", "strategic axis id")
	cmd.Flags().StringVar(&ind.ProductID, "product", "", "product id")
	cmd.Flags().StringVar(&ind.Unit, "unit", "", "measurement unit")
	tf.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func indicatorListCmd() *cobra.Command {
	var product string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListIndicators(ctx, actorID(), product)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, i := range items {
					rows = append(rows, table.Row{i.ID, i.Name, i.ReportingFrequency, i.FiscalYear, i.AnnualTarget})
				}
				return printTable(items, table.Row{"ID", "Name", "Frequency", "Year", "Annual"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "filter by product id")
	return cmd
}

func activityRegisterCmd() *cobra.Command {
	var a domain.Activity
	var procurement string
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an activity with its targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.TargetPlan = tf.plan()
			a.ProcurementProcessID = optionalString(procurement)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RegisterActivity(ctx, a, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "activity id (generated when empty)")
	cmd.Flags().StringVar(&a.Name, "name", "", "activity name")
	cmd.Flags().StringVar(&a.ProductID, "product", "", "product id")
	cmd.Flags().StringVar(&a.DepartmentID, "department", "", "owning department")
	cmd.Flags().StringVar(&a.ResponsibleID, "responsible", "", "responsible actor")
	cmd.Flags().StringVar(&procurement, "procurement", "", "linked procurement process")
	tf.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func activityLinkCmd() *cobra.Command {
	var procurement string
	cmd := &cobra.Command{
		Use:   "link <activity-id>",
		Short: "Link an activity to a procurement process (empty --procurement unlinks)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.LinkActivityProcurement(ctx, args[0], procurement, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&procurement, "procurement", "", "procurement process id")
	return cmd
}

func activityListCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActivities(ctx, actorID(), f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.Name, a.DepartmentID, deref(a.ProcurementProcessID), a.ReportingFrequency, a.AnnualTarget})
				}
				return printTable(items, table.Row{"ID", "Name", "Department", "Procurement", "Frequency", "Annual"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "filter by department")
	cmd.Flags().StringVar(&f.ProcurementID, "procurement", "", "filter by procurement process")
	return cmd
}

func activityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <activity-id>",
		Short: "Show an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetActivity(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func procurementSaveCmd() *cobra.Command {
	var p domain.ProcurementProcess
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create or update a procurement process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SaveProcurement(ctx, p, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "procurement process id")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().StringVar(&p.Status, "status", "", "process status")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func procurementListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List procurement processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProcurements(ctx, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Description, p.Status})
				}
				return printTable(items, table.Row{"ID", "Description", "Status"}, rows)
			})
		},
	}
}

func allocationSaveCmd() *cobra.Command {
	var b domain.BudgetAllocation
	var activity, procurement string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create or update a budget allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			b.ActivityID = optionalString(activity)
			b.ProcurementProcessID = optionalString(procurement)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SaveAllocation(ctx, b, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&b.ID, "id", "", "allocation id")
	cmd.Flags().StringVar(&b.Code, "code", "", "budget code")
	cmd.Flags().StringVar(&b.Type, "type", "", "allocation type")
	cmd.Flags().IntVar(&b.FiscalYear, "fiscal-year", 0, "fiscal year")
	cmd.Flags().Float64Var(&b.AllocatedAmount, "amount", 0, "allocated amount")
	cmd.Flags().StringVar(&activity, "activity", "", "linked activity")
	cmd.Flags().StringVar(&procurement, "procurement", "", "linked procurement process")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func allocationListCmd() *cobra.Command {
	var f repo.AllocationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allocations linked to an activity or procurement process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAllocations(ctx, actorID(), f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, b := range items {
					rows = append(rows, table.Row{b.ID, b.Code, b.FiscalYear, fmt.Sprintf("%.2f", b.AllocatedAmount), deref(b.ActivityID), deref(b.ProcurementProcessID)})
				}
				return printTable(items, table.Row{"ID", "Code", "Year", "Allocated", "Activity", "Procurement"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.ActivityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&f.ProcurementID, "procurement", "", "procurement process id")
	cmd.Flags().IntVar(&f.FiscalYear, "fiscal-year", 0, "fiscal year")
	return cmd
}

func allocationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <allocation-id>",
		Short: "Show an allocation with its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetAllocation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func executionRecordCmd() *cobra.Command {
	var x domain.BudgetExecution
	cmd := &cobra.Command{
		Use:   "execute <allocation-id>",
		Short: "Record spending against an allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			x.AllocationID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RecordExecution(ctx, x, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&x.ID, "id", "", "execution id (generated when empty)")
	cmd.Flags().Float64Var(&x.Amount, "amount", 0, "amount spent")
	cmd.Flags().StringVar(&x.ExecutedOn, "on", "", "execution date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&x.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
