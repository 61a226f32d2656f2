package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"guardrail/pkg/auth"
	"guardrail/pkg/config"
	"guardrail/pkg/models"
	"guardrail/pkg/store"
	"guardrail/pkg/suspension"
)

type adminDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Testable variables for main()
var (
	osExit     = os.Exit
	osArgs     = func() []string { return os.Args }
	loadConfig = config.Load
	openRedis  = func(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
		return store.NewRedis(ctx, cfg)
	}
	openDB = func(ctx context.Context, cfg config.DatabaseConfig) (adminDB, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

const usageText = `guardrailctl commands:
  token --sub alice --tier VERIFIED [--roles reviewer] [--ttl 1h]
  apikey add --user svc-billing --tier USER [--roles a,b] [--key <raw>]
  apikey revoke --key <raw>
  suspend --user mallory --reason abuse [--for 24h]
  unsuspend --user mallory`

func main() {
	if err := run(osArgs()[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(out, usageText)
		return errors.New("command required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(io.Discard)
	cmd, err := root.ExecuteContextC(ctx)
	if err != nil && cmd == root {
		fmt.Fprintln(out, usageText)
	}
	return err
}

// cli carries the loaded configuration from the root pre-run into the
// subcommands.
type cli struct {
	cfg *config.Config
}

func rootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "guardrailctl",
		Short:         "Operator tooling for the guardrail gateway",
		Long:          usageText,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var paths []string
			if p := os.Getenv("GUARDRAIL_CONFIG_FILE"); p != "" {
				paths = append(paths, p)
			}
			cfg, err := loadConfig(paths...)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			c.cfg = cfg
			return nil
		},
	}
	root.AddCommand(c.tokenCmd(), c.apikeyCmd(), c.suspendCmd(), c.unsuspendCmd())
	return root
}

func splitRoles(raw string) []string {
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		sub, tier, roles string
		ttl              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token the gateway accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := auth.NewTokenVerifier(c.cfg.Auth.JWTSecret, c.cfg.Auth.Issuer, c.cfg.Auth.Audience)
			raw, err := v.Issue(models.UserIdentity{ID: sub, TrustTier: models.ParseTrustTier(tier), Roles: splitRoles(roles)}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "subject (user id)")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierUser), "trust tier")
	cmd.Flags().StringVar(&roles, "roles", "", "comma separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "gr_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func (c *cli) apiKeys(ctx context.Context) (*auth.APIKeyStore, func() error, error) {
	rdb, err := openRedis(ctx, c.cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return auth.NewAPIKeyStore(rdb, c.cfg.Auth.APIKeyPrefix), rdb.Close, nil
}

func (c *cli) apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API key identities",
	}
	cmd.AddCommand(c.apikeyAddCmd(), c.apikeyRevokeCmd())
	return cmd
}

func (c *cli) apikeyAddCmd() *cobra.Command {
	var user, tier, roles, key string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an API key for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := key
			if raw == "" {
				var err error
				if raw, err = newAPIKey(); err != nil {
					return fmt.Errorf("generate key: %w", err)
				}
			}
			keys, closeFn, err := c.apiKeys(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			id := models.UserIdentity{ID: user, TrustTier: models.ParseTrustTier(tier), Roles: splitRoles(roles)}
			if err := keys.Register(cmd.Context(), raw, id); err != nil {
				return fmt.Errorf("register key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered key for %s (%s)\n%s\n", id.ID, id.TrustTier, raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id the key authenticates as")
	cmd.Flags().StringVar(&tier, "tier", string(models.TierUser), "trust tier")
	cmd.Flags().StringVar(&roles, "roles", "", "comma separated roles")
	cmd.Flags().StringVar(&key, "key", "", "raw key (generated when empty)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) apikeyRevokeCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, closeFn, err := c.apiKeys(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := keys.Revoke(cmd.Context(), key); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "raw key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (c *cli) suspendCmd() *cobra.Command {
	var (
		user, reason string
		dur          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "suspend",
		Short: "Suspend a user; the gateway answers 403 until lifted or expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var until *time.Time
			if dur > 0 {
				t := time.Now().Add(dur).UTC()
				until = &t
			}
			db, err := openDB(cmd.Context(), c.cfg.Database)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer db.Close()
			if err := suspension.Suspend(cmd.Context(), db, user, reason, until); err != nil {
				return err
			}
			if until == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "suspended %s indefinitely\n", user)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "suspended %s until %s\n", user, until.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to operators")
	cmd.Flags().DurationVar(&dur, "for", 0, "suspension length (indefinite when 0)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) unsuspendCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "unsuspend",
		Short: "Lift a suspension",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context(), c.cfg.Database)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer db.Close()
			lifted, err := suspension.Lift(cmd.Context(), db, user)
			if err != nil {
				return err
			}
			if !lifted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not suspended\n", user)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lifted suspension for %s\n", user)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
