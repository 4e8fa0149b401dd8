package main

import (
	"context"
	"fmt"
	"io"

	"feedsync/internal/devserver"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func (a *app) openStores(ctx context.Context) (*gorm.DB, *redis.Client, error) {
	db, err := devserver.OpenDatabase(a.cfg.DBDriver, a.cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := devserver.OpenRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return db, rdb, nil
}

func devserverCmd(a *app) *cobra.Command {
	var (
		seed      bool
		rateLimit int
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the local reference backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.IsProduction() {
				return fmt.Errorf("the dev server refuses to run with APP_ENV=%s", a.cfg.Env)
			}
			return a.run(cmd.Context(), func(ctx context.Context) error {
				db, rdb, err := a.openStores(ctx)
				if err != nil {
					return err
				}
				if rdb != nil {
					defer func() { _ = rdb.Close() }()
				}

				empty, err := devserver.NeedsSeed(ctx, db)
				if err != nil {
					return err
				}
				if seed && empty {
					users, err := devserver.Seed(ctx, db, devserver.DefaultSeedOptions())
					if err != nil {
						return err
					}
					printSeeded(cmd.ErrOrStderr(), users, devserver.DefaultSeedOptions().Password)
				}

				srv := devserver.New(devserver.Config{
					Port:      a.cfg.DevPort,
					JWTSecret: a.cfg.JWTSecret,
					RateLimit: rateLimit,
				}, db, rdb)
				return srv.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", true, "Populate an empty database with demo data on start")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 300, "Requests per minute per IP (0 disables)")
	return cmd
}

func seedCmd(a *app) *cobra.Command {
	opts := devserver.DefaultSeedOptions()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the dev server database with demo data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := devserver.OpenDatabase(a.cfg.DBDriver, a.cfg.DBDSN)
			if err != nil {
				return err
			}
			users, err := devserver.Seed(cmd.Context(), db, opts)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, users, func(w io.Writer) {
				printSeeded(w, users, opts.Password)
			})
		},
	}
	cmd.Flags().IntVar(&opts.Users, "users", opts.Users, "Number of users")
	cmd.Flags().IntVar(&opts.PostsPerUser, "posts", opts.PostsPerUser, "Posts per user")
	cmd.Flags().IntVar(&opts.CommentsPerPost, "comments", opts.CommentsPerPost, "Comments per post")
	cmd.Flags().StringVar(&opts.Password, "password", opts.Password, "Password for every seeded account")
	return cmd
}

func printSeeded(w io.Writer, users []devserver.SeededUser, password string) {
	for _, u := range users {
		fmt.Fprintf(w, "%s  %-24s %s\n", u.ID, u.Name, u.Email)
	}
	fmt.Fprintf(w, "All seeded users have the password: %s\n", password)
}
