// Command fleetctl runs administrative fleet ledger operations directly
// against the database: monthly closing, reconciliation, backups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/fleet-ledger/app"
	"github.com/warp/fleet-ledger/config"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

var (
	dbPath   string
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Administer the fleet ledger",
	Long: `fleetctl runs operations that do not belong behind the HTTP API:
closing the month from cron, reconciling balances, and moving data
between databases.

Configuration comes from the same environment variables as the server.
With REDIS_ADDR set, fleetctl shares locks with running servers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: $DB_PATH or fleet.db)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default: $LOG_LEVEL)")

	rootCmd.AddCommand(closeMonthCmd, reopenCmd, reconcileCmd, dashboardCmd, pendingCmd, exportCmd, importCmd)
	exportCmd.Flags().StringP("out", "o", "", "write the snapshot to a file instead of stdout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withService opens the application, runs fn and closes it.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *fleet.Service) error) error {
	cfg := config.Load(envFile)
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log := config.NewLogger(cfg.Log.Level, "text")
	log.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Service)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// COMMANDS
// =============================================================================

var closeMonthCmd = &cobra.Command{
	Use:   "close-month",
	Short: "Close the open accounting month",
	Long: `Archives every car's balance, left owed and cumulative payments, zeroes
them, and advances the open period by one month.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			mc, err := svc.CloseMonth(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), mc)
		})
	},
}

var reopenCmd = &cobra.Command{
	Use:   "reopen <closing-id>",
	Short: "Mark a monthly closing as reopened",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := generic.ParseID(args[0])
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			mc, err := svc.ReopenAccount(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), mc)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild cached balances from the posting log and recompute customers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			rep, err := svc.Reconcile(ctx)
			if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
				return perr
			}
			return err
		})
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print fleet totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			d, err := svc.Dashboard(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Retry customers whose balance recomputation failed in this process",
	Long: `The pending set lives in memory, so a fresh process starts empty. This
command is mainly useful right after a failed reconcile run; use
"reconcile" to recompute every customer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			n, err := svc.Recalculator().DrainPending(ctx)
			if perr := printJSON(cmd.OutOrStdout(), map[string]int{"drained": n}); perr != nil {
				return perr
			}
			return err
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a JSON snapshot of every record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			snap, err := svc.Export(ctx)
			if err != nil {
				return err
			}
			if out == "" {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := printJSON(f, snap); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <snapshot.json>",
	Short: "Load a snapshot into an empty database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var snap fleet.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("invalid snapshot %s: %w", args[0], err)
		}
		return withService(cmd, func(ctx context.Context, svc *fleet.Service) error {
			res, err := svc.Import(ctx, snap)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if generic.IsDegraded(err) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				return nil
			}
			return err
		})
	},
}
