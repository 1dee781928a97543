package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"claimflow/access"
	"claimflow/auth"
	"claimflow/config"
	"claimflow/db"
	"claimflow/migrations"
	"claimflow/taxonomy"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "claimflow",
		Short:         "Claim routing and lifecycle engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "claimflow.yaml", "config file")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRelayCmd(),
		newImportMatrixCmd(),
		newBreachesCmd(),
		newTokenCmd(),
		newTaxonomyCmd(),
	)
	return root
}

// withApp loads configuration, wires the services and runs fn until the
// command context is cancelled by SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, newLogger(cfg.LogLevel))
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a)
	}
}

func newServeCmd() *cobra.Command {
	var withRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
	}
	cmd.Flags().BoolVar(&withRelay, "with-relay", false, "also run the outbox relay in-process")
	cmd.RunE = withApp(func(ctx context.Context, a *app) error {
		srv := &http.Server{
			Addr:              a.cfg.HTTP.Addr,
			Handler:           a.server().routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       a.cfg.HTTP.ReadTimeout,
			WriteTimeout:      a.cfg.HTTP.WriteTimeout,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.logger.Info("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if withRelay {
			relay, publisher := a.relay()
			g.Go(func() error {
				defer publisher.Close()
				return relay.Run(ctx)
			})
		}
		return g.Wait()
	})
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, db.PoolConfig{MaxConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrations.Apply(cmd.Context(), pool); err != nil {
				return err
			}
			names, _ := migrations.Names()
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", len(names))
			return nil
		},
	}
}

func newRelayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox messages to Kafka",
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain one batch and exit")
	cmd.RunE = withApp(func(ctx context.Context, a *app) error {
		relay, publisher := a.relay()
		defer publisher.Close()
		if once {
			n, err := relay.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "processed %d messages\n", n)
			return nil
		}
		return relay.Run(ctx)
	})
	return cmd
}

func newImportMatrixCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "import-matrix FILE",
		Short: "Create, update and deactivate routing matrix entries from a YAML file",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&actorID, "actor", "cli", "actor id recorded for the import")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		file, err := taxonomy.ParseMatrixFile(f)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.matrix.Import(ctx, access.Actor{ID: actorID, Role: access.RoleAdministrator}, file)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created %d, updated %d, deactivated %d\n", res.Created, res.Updated, res.Deactivated)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newBreachesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "breaches",
		Short: "List open claims past their theoretical deadline",
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of claims")
	cmd.RunE = withApp(func(ctx context.Context, a *app) error {
		res, err := a.claims.ListBreached(ctx, limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CLAIM\tSTATE\tDEADLINE\tRESPONSIBLE")
		for _, c := range res.Items {
			person := "-"
			if c.ResponsiblePersonID != nil {
				person = *c.ResponsiblePersonID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.State, c.TheoreticalDeadline.Format(time.DateOnly), person)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%d breached claims\n", res.Total)
		return nil
	})
	return cmd
}

// newTokenCmd mints a development token. It needs only the configured secret.
func newTokenCmd() *cobra.Command {
	var (
		actorID string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			_, tokens, err := newPolicy(cfg)
			if err != nil {
				return err
			}
			token, err := tokens.IssueToken(auth.IssueParams{ActorID: actorID, Role: role, TTL: ttl})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (token subject)")
	cmd.Flags().StringVar(&role, "role", string(access.RoleClaimsHandler), "role name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newTaxonomyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Maintain classification, class and cause nodes",
	}

	var (
		level  string
		parent string
	)
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a taxonomy node",
		Args:  cobra.ExactArgs(1),
	}
	add.Flags().StringVar(&level, "level", string(taxonomy.LevelClassification), "classification, class or cause")
	add.Flags().StringVar(&parent, "parent", "", "parent node id (required below classification)")
	add.RunE = func(cmd *cobra.Command, args []string) error {
		params := taxonomy.CreateNodeParams{Name: args[0], Level: taxonomy.Level(level)}
		if parent != "" {
			params.ParentID = &parent
		}
		if err := params.Validate(); err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.taxonomy.CreateNode(ctx, params)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, n.ID)
			return nil
		})(cmd, args)
	}

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Soft-delete a taxonomy node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.taxonomy.SoftDeleteNode(ctx, args[0]); err != nil {
					return err
				}
				// Routing for paths through the node is gone once the cache expires.
				fmt.Fprintf(os.Stdout, "node %s deleted\n", args[0])
				return nil
			})(cmd, args)
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}
