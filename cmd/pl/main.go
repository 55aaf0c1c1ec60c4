package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline tracks municipal development plan execution.
- Indicators and activities carry monthly or quarterly targets for a fiscal year.
- Progress reports move DRAFT -> SUBMITTED -> APPROVED or REJECTED; a rejected report is cloned to retry.
- Activities link to a procurement process and budget allocations; each triple gets a compliance score.
- Roles and permissions live in planline.yml and are applied with 'pl provision'.
- Every change lands in the event log ('pl log tail'), which 'pl relay run' forwards to Kafka.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("org", "", "organization id (overrides the only provisioned one)")
	flags.String("log-level", "info", "log level for long-running commands (debug, info, warn, error)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("kafka-brokers", "", "comma separated Kafka brokers; enables the event relay")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level", "jwt-secret", "kafka-brokers"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(correlationCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var orgID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default planline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: config %s, database %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "organization id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing planline.yml")
	_ = cmd.MarkFlagRequired("org-id")
	return cmd
}

func provisionCmd() *cobra.Command {
	var admin, file string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Apply planline.yml roles and permissions to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			var cfg *config.Config
			var err error
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				cfg, err = config.Load(workspace)
			}
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := app.Provision(ctx, r, cfg, admin)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "actor to receive the administrator role")
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace planline.yml)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				applied, latest, err := migrate.Status(ctx, r.DB)
				if err != nil {
					return err
				}
				fmt.Printf("schema version %d of %d\n", applied, latest)
				return nil
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := app.ResolveConfig(ctx, viper.GetString("workspace"), viper.GetString("org"), r)
		if err != nil {
			return err
		}
		return fn(ctx, engine.New(r.DB, cfg))
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
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

// printTable renders rows unless --json is set, in which case v is printed instead.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func percent(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *p)
}
