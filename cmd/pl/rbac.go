package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/engine"
	"planline/internal/server"
)

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{Use: "rbac", Short: "Roles, principals and API keys"}
	rbac.AddCommand(rbacWhoamiCmd())
	rbac.AddCommand(rbacAssignCmd())
	rbac.AddCommand(rbacPrincipalsCmd())
	rbac.AddCommand(rbacStatusCmd())
	rbac.AddCommand(rbacTokenCmd())
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(rbacKeyIssueCmd())
	keys.AddCommand(rbacKeyListCmd())
	keys.AddCommand(rbacKeyRevokeCmd())
	rbac.AddCommand(keys)
	return rbac
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's role and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, perms, err := e.Principal(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"principal": p, "permissions": perms})
				}
				fmt.Printf("%s role=%s department=%s active=%t\n", p.ID, p.RoleID, p.DepartmentID, p.Active)
				fmt.Println("permissions:", strings.Join(perms, ", "))
				return nil
			})
		},
	}
}

func rbacAssignCmd() *cobra.Command {
	var target, role, dept string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AssignRole(ctx, target, role, dept, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor receiving the role")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&dept, "department", "", "department id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacPrincipalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "principals",
		Short: "List actors and their roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPrincipals(ctx, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.RoleID, p.DepartmentID, p.Active})
				}
				return printTable(items, table.Row{"Actor", "Role", "Department", "Active"}, rows)
			})
		},
	}
}

func rbacStatusCmd() *cobra.Command {
	var target string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Activate or deactivate an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetActorActive(ctx, target, !inactive, actorID()); err != nil {
					return err
				}
				fmt.Printf("%s active=%t\n", target, !inactive)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().BoolVar(&inactive, "deactivate", false, "deactivate instead of activate")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func rbacTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the current actor",
		Long:  "Mint an HS256 bearer token for --actor-id, signed with PLANLINE_JWT_SECRET. Permissions are still read from the database on every request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PLANLINE_JWT_SECRET (or --jwt-secret) is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, _, err := e.Principal(ctx, actorID()); err != nil {
					return err
				}
				tok, err := server.SignToken(secret, actorID(), e.Config.Organization.ID, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func rbacKeyIssueCmd() *cobra.Command {
	var target, name string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.IssueAPIKey(ctx, target, name, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("key %s for %s:\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "key owner (defaults to the current actor)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func rbacKeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owner := target
				if owner == "" {
					owner = actorID()
				}
				keys, err := e.ListAPIKeys(ctx, owner, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "key owner (defaults to the current actor)")
	return cmd
}

func rbacKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}
