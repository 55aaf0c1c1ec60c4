package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/engine/compliance"
	"planline/internal/metrics"
	"planline/internal/relay"
	"planline/internal/repo"
	"planline/internal/server"
	"planline/internal/worker"
)

func correlationCmd() *cobra.Command {
	corr := &cobra.Command{Use: "correlation", Short: "Activity, procurement and budget correlations"}
	corr.AddCommand(correlationRecomputeCmd())
	corr.AddCommand(correlationListCmd())
	corr.AddCommand(correlationShowCmd())
	return corr
}

func correlationRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <activity-id>",
		Short: "Recompute every correlation of an activity now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.RecomputeActivity(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printCorrelations(items)
			})
		},
	}
}

func correlationListCmd() *cobra.Command {
	var f engine.CorrelationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored correlations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCorrelations(ctx, actorID(), f)
				if err != nil {
					return err
				}
				return printCorrelations(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ActivityID, "activity", "", "filter by activity")
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "filter by department")
	cmd.Flags().IntVar(&f.FiscalYear, "fiscal-year", 0, "filter by fiscal year")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by compliance status")
	return cmd
}

func correlationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Show a correlation with its revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, hist, err := e.GetCorrelation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"correlation": c, "history": hist})
				}
				return printCorrelations(hist)
			})
		},
	}
}

func printCorrelations(items []domain.Correlation) error {
	rows := make([]table.Row, 0, len(items))
	for _, c := range items {
		rows = append(rows, table.Row{c.ID, c.ActivityID, c.ProcurementProcessID, c.BudgetAllocationID,
			fmt.Sprintf("%.2f", c.Score), c.Status, c.Overspent, c.Revision})
	}
	return printTable(items, table.Row{"ID", "Activity", "Procurement", "Allocation", "Score", "Status", "Overspent", "Rev"}, rows)
}

func complianceCmd() *cobra.Command {
	comp := &cobra.Command{Use: "compliance", Short: "Compliance aggregates"}
	var scope compliance.Scope
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Counts per compliance status and the average score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.ComplianceSummary(ctx, actorID(), scope)
				if err != nil {
					return err
				}
				return printSummaries(sum, []compliance.Summary{sum})
			})
		},
	}
	summary.Flags().StringVar(&scope.DepartmentID, "department", "", "department id")
	summary.Flags().IntVar(&scope.FiscalYear, "fiscal-year", 0, "fiscal year")

	var groupBy string
	breakdown := &cobra.Command{
		Use:   "breakdown",
		Short: "Compliance summaries grouped by department or fiscal year",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.ComplianceBreakdown(ctx, actorID(), groupBy)
				if err != nil {
					return err
				}
				return printSummaries(groups, groups)
			})
		},
	}
	breakdown.Flags().StringVar(&groupBy, "group-by", compliance.GroupDepartment, "global, department or fiscal_year")

	comp.AddCommand(summary, breakdown)
	return comp
}

func printSummaries(v any, sums []compliance.Summary) error {
	rows := make([]table.Row, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, table.Row{s.Key, s.Counts[domain.Compliant], s.Counts[domain.AtRisk], s.Counts[domain.NonCompliant], s.Total, percent(s.AverageScore)})
	}
	return printTable(v, table.Row{"Group", "Compliant", "At risk", "Non compliant", "Total", "Avg score"}, rows)
}

func workerCmd() *cobra.Command {
	var once bool
	w := &cobra.Command{Use: "worker", Short: "Correlation recomputation worker"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Drain the recomputation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				wk := newWorker(e)
				if once {
					st, err := wk.DrainOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("drained %d, failed %d\n", st.Drained, st.Failed)
					return nil
				}
				return wk.Run(ctx)
			})
		},
	}
	run.Flags().BoolVar(&once, "once", false, "drain one batch and exit")
	w.AddCommand(run)
	return w
}

func newWorker(e engine.Engine) worker.Worker {
	return worker.Worker{
		Queue:       e.Repo,
		Drainer:     e,
		Logger:      newLogger().With("component", "worker"),
		Metrics:     e.Metrics,
		Interval:    e.Config.WorkerInterval(),
		Batch:       e.Config.Worker.Batch,
		Concurrency: e.Config.Worker.Concurrency,
	}
}

func relayCmd() *cobra.Command {
	var once bool
	var cursor string
	r := &cobra.Command{Use: "relay", Short: "Forward audit events to Kafka"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Publish new events to the configured topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			brokers := kafkaBrokers()
			if len(brokers) == 0 {
				return fmt.Errorf("PLANLINE_KAFKA_BROKERS (or --kafka-brokers) is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				pub := relay.NewKafkaPublisher(brokers)
				defer pub.Close()
				rl := newRelay(e, pub)
				rl.Cursor = cursor
				if once {
					n, err := rl.RelayOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("relayed %d events\n", n)
					return nil
				}
				return rl.Run(ctx)
			})
		},
	}
	run.Flags().BoolVar(&once, "once", false, "relay one batch and exit")
	run.Flags().StringVar(&cursor, "cursor", relay.DefaultCursor, "consumer position name")
	r.AddCommand(run)
	return r
}

func kafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(viper.GetString("kafka-brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func newRelay(e engine.Engine, pub relay.Publisher) relay.Relay {
	return relay.Relay{
		Source:    e.Repo,
		Publisher: pub,
		Topic:     e.Config.Relay.Topic,
		Batch:     e.Config.Relay.Batch,
		Events:    e.Config.Relay.Events,
		Logger:    newLogger().With("component", "relay"),
		Metrics:   e.Metrics,
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PLANLINE_JWT_SECRET (or --jwt-secret) is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				e.Metrics = metrics.New()
				logger := newLogger()
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Logger:   logger.With("component", "http"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					logger.InfoContext(gctx, "serving planline API", "addr", addr, "base_path", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if withWorker {
					g.Go(func() error { return newWorker(e).Run(gctx) })
				}
				if brokers := kafkaBrokers(); len(brokers) > 0 {
					pub := relay.NewKafkaPublisher(brokers)
					defer pub.Close()
					g.Go(func() error { return newRelay(e, pub).Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "run the correlation worker in-process")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.LatestEvents(ctx, actorID(), f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(evts))
				for _, ev := range evts {
					rows = append(rows, table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID})
				}
				return printTable(evts, table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}
