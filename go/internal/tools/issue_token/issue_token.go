package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mcdev12/punchclock/go/internal/dbconfig"
	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/auth"
)

var ttl time.Duration

var rootCmd = &cobra.Command{
	Use:           "issue_token",
	Short:         "Issue credentials for the presence gateway",
	SilenceErrors: true,
}

var jwtCmd = &cobra.Command{
	Use:   "jwt",
	Short: "Sign an access token with JWT_SECRET",
	Long: `Sign an access token with JWT_SECRET. Useful for local development, where
there is no auth service to log in against.

Examples:
  issue_token jwt --user 7 --tenant 1 --name Ada --team 2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return errors.New("JWT_SECRET is not set")
		}

		var id presence.Identity
		id.UserID, _ = cmd.Flags().GetInt64("user")
		id.TenantID, _ = cmd.Flags().GetInt64("tenant")
		id.UserName, _ = cmd.Flags().GetString("name")
		id.TeamIDs, _ = cmd.Flags().GetInt64Slice("team")
		if !id.Valid() {
			return errors.New("--user and --tenant are required")
		}

		token, err := auth.NewJWTAuthenticator(secret).Issue(id, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Create a long-lived API token in Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		label, _ := cmd.Flags().GetString("label")
		if userID <= 0 {
			return errors.New("--user is required")
		}

		ctx := cmd.Context()
		poolCfg, err := dbconfig.NewConfigFromEnv().PoolConfig()
		if err != nil {
			return err
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer pool.Close()

		token, err := auth.NewTokenStore(pool).Create(ctx, userID, label, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintln(cmd.ErrOrStderr(), "Store this token now. Only its hash is kept.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for API tokens that never expire)")

	jwtCmd.Flags().Int64("user", 0, "user id")
	jwtCmd.Flags().Int64("tenant", 0, "tenant id")
	jwtCmd.Flags().String("name", "", "display name")
	jwtCmd.Flags().Int64Slice("team", nil, "team ids")

	apiCmd.Flags().Int64("user", 0, "user id")
	apiCmd.Flags().String("label", "", "where the token will be used")

	rootCmd.AddCommand(jwtCmd)
	rootCmd.AddCommand(apiCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "issue_token: %v\n", err)
		os.Exit(1)
	}
}
