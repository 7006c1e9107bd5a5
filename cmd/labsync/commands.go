package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/labsync/internal/lab/dispatch"
	"github.com/ehr/labsync/internal/lab/order"
	"github.com/ehr/labsync/internal/platform/auth"
	"github.com/ehr/labsync/internal/platform/db"
)

const dateLayout = "2006-01-02"

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one retrieval cycle for a processor, or for all with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("processor")
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("max")
			noAck, _ := cmd.Flags().GetBool("no-ack")
			if id == "" && !all {
				return errors.New("--processor or --all is required")
			}

			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if !a.cfg.UsesDatabase() && !noAck {
				return errors.New("acknowledging without DATABASE_URL would discard results; configure a database or pass --no-ack")
			}

			d, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer d.Release()

			opts := dispatch.CycleOptions{Max: limit, NoAck: noAck}
			if all {
				reports, err := d.RunAll(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(reports)
			}
			report, err := d.RunCycle(ctx, id, opts)
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().String("processor", "", "Processor id")
	cmd.Flags().Bool("all", false, "Run every processor with a result transport")
	cmd.Flags().Int("max", 0, "Maximum artifacts to fetch (default FETCH_MAX_RESULTS)")
	cmd.Flags().Bool("no-ack", false, "Store results without acknowledging them")
	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reparse archived artifacts within a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("processor")
			fromStr, _ := cmd.Flags().GetString("from")
			thruStr, _ := cmd.Flags().GetString("thru")
			if id == "" {
				return errors.New("--processor is required")
			}
			from, err := time.ParseInLocation(dateLayout, fromStr, time.Local)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			thru := from
			if thruStr != "" {
				if thru, err = time.ParseInLocation(dateLayout, thruStr, time.Local); err != nil {
					return fmt.Errorf("--thru: %w", err)
				}
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			d, err := a.dispatcher()
			if err != nil {
				return err
			}
			defer d.Release()

			res, err := d.Replay(cmd.Context(), id, from, thru)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().String("processor", "", "Processor id")
	cmd.Flags().String("from", "", "First day, YYYY-MM-DD")
	cmd.Flags().String("thru", "", "Last day, YYYY-MM-DD (default: --from)")
	return cmd
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Outbound lab orders",
	}

	build := &cobra.Command{
		Use:   "build",
		Short: "Render an order JSON file as ORM^O01 HL7",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var req order.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			cfg, err := a.processors.Get(cmd.Context(), req.Processor)
			if err != nil {
				return err
			}

			req.Prepare(*cfg, time.Now())
			text, err := req.Build()
			if err != nil {
				return err
			}
			_, err = os.Stdout.WriteString(text)
			return err
		},
	}
	build.Flags().String("file", "order.json", "Order request JSON")
	cmd.AddCommand(build)
	return cmd
}

func processorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processor",
		Short: "Inspect processor records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List processors and whether their records validate",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			configs, err := a.processors.List(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("%-16s %-9s %-7s %-12s %s\n", "ID", "PROTOCOL", "VERSION", "ENVIRONMENT", "STATUS")
			for _, c := range configs {
				status := "ok"
				if err := c.Validate(); err != nil {
					status = err.Error()
				}
				fmt.Printf("%-16s %-9s %-7s %-12s %s\n", c.ID, c.Protocol, c.Version, c.Environment, status)
			}
			return nil
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	migrator := func(ctx context.Context) (*app, *db.Migrator, error) {
		a, err := bootstrap(ctx)
		if err != nil {
			return nil, nil, err
		}
		if a.pool == nil {
			a.close()
			return nil, nil, errors.New("DATABASE_URL is required")
		}
		return a, db.NewMigrator(a.pool, a.migrationsFS()), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, m, err := migrator(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, m, err := migrator(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return errors.New("--subject is required")
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     a.cfg.AuthIssuer,
				SigningKey: []byte(a.cfg.AuthSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().StringSlice("role", []string{auth.RoleReader}, "Role to grant (repeatable)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
