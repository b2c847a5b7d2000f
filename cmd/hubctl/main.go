// Package main implements hubctl, the operator CLI for the commerce hub.
//
// It runs the same maintenance operations as the admin endpoints without
// going through HTTP, and can apply the database schema.
//
// Usage:
//
//	hubctl schema
//	hubctl sync --limit 200
//	hubctl logs --limit 20 --json
//	hubctl hash payment.json
//	echo '{"a":1}' | hubctl hash
//
// Settings are read from the environment (or a .env file via godotenv).
// hash needs no settings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"commercehub/internal/billing"
	"commercehub/internal/config"
	"commercehub/internal/db"
	"commercehub/internal/external"
	"commercehub/internal/types"
)

// cliEnv is the subset of the service configuration hubctl reads. Fields are
// checked by the commands that need them.
type cliEnv struct {
	DatabaseURL            string        `envconfig:"DATABASE_URL"`
	EcosystemBaseURL       string        `envconfig:"ECOSYSTEM_BASE_URL"`
	EcosystemAPIKey        string        `envconfig:"ECOSYSTEM_API_KEY"`
	EcosystemAPISecret     string        `envconfig:"ECOSYSTEM_API_SECRET"`
	EcosystemWebhookSecret string        `envconfig:"ECOSYSTEM_WEBHOOK_SECRET"`
	EcosystemHTTPTimeout   time.Duration `envconfig:"ECOSYSTEM_HTTP_TIMEOUT" default:"10s"`
	SyncWorkers            int           `envconfig:"ECOSYSTEM_SYNC_WORKERS" default:"4"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hubctl",
		Short:         "hubctl - operator tooling for the commerce hub",
		Version:       config.NewBuildInfo().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(hashCmd())

	return rootCmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create or update every table the service owns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.ApplySchema(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Forward completed, unsynced payments to hub bookkeeping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}

			env, err := loadEnv()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cmd.ErrOrStderr())
			client, err := external.NewEcosystemTrustClient(
				&http.Client{Timeout: env.EcosystemHTTPTimeout},
				db.NewEcosystemLogRepository(pool),
				external.EcosystemClientConfig{
					BaseURL:       env.EcosystemBaseURL,
					APIKey:        types.SecretString(env.EcosystemAPIKey),
					APISecret:     types.SecretString(env.EcosystemAPISecret),
					WebhookSecret: types.SecretString(env.EcosystemWebhookSecret),
					Logger:        logger,
				})
			if err != nil {
				return err
			}

			reconciler := billing.NewReconciler(db.NewPaymentRepository(pool), client, billing.ReconcilerConfig{
				SyncWorkers: env.SyncWorkers,
				Logger:      logger,
			})
			report, err := reconciler.BulkSync(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntP("limit", "n", 100, "Maximum payments to sync")

	return cmd
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the most recent hub audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")
			if limit <= 0 || limit > 500 {
				return errors.New("--limit must be between 1 and 500")
			}

			env, err := loadEnv()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), env)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := db.NewEcosystemLogRepository(pool).ListRecent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			printLogEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 50, "Maximum entries (1-500)")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")

	return cmd
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [file]",
		Short: "Print the canonical SHA-256 of a JSON document (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening %s: %w", args[0], err)
				}
				defer f.Close()
				src = f
			}

			sum, err := hashDocument(src)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	}
}

// hashDocument decodes one JSON value and returns its canonical hash, the
// same digest the hub receives for anchoring.
func hashDocument(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding document: %w", err)
	}
	return external.CanonicalHash(doc)
}

func loadEnv() (cliEnv, error) {
	_ = godotenv.Load()

	var env cliEnv
	if err := envconfig.Process("", &env); err != nil {
		return cliEnv{}, fmt.Errorf("reading environment: %w", err)
	}
	if env.DatabaseURL == "" {
		return cliEnv{}, errors.New("DATABASE_URL environment variable is required")
	}
	return env, nil
}

func openPool(ctx context.Context, env cliEnv) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, env.DatabaseURL, db.PoolOptions{MaxConns: 4, ConnectTimeout: 5 * time.Second})
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLogEntries(w io.Writer, entries []*types.EcosystemLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "(no entries)")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-16s %-8s %s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Status, e.ID)
	}
}
