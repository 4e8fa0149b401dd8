// Command feedsync is a terminal client for the social feed: it follows the
// live feed, posts, likes, comments and direct messages, and can run a local
// reference backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"feedsync/internal/config"
	"feedsync/internal/observability"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	Version = "0.1.0"
	appName = "feedsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries state shared by every subcommand once the root pre-run loaded
// the configuration.
type app struct {
	cfg    *config.Config
	output string

	shutdownTracing func(context.Context) error
}

func rootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Social feed and direct message client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "Output format (text, json, yaml)")

	cmd.AddCommand(
		loginCmd(a),
		feedCmd(a),
		tailCmd(a),
		postCmd(a),
		likeCmd(a),
		commentCmd(a),
		usersCmd(a),
		dmCmd(a),
		devserverCmd(a),
		seedCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	switch a.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q", a.output)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	observability.SetLevel(cfg.LogLevel)

	shutdown, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    appName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSamplerRatio,
	})
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if a.shutdownTracing == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.shutdownTracing(ctx)
}

// run executes fn next to the metrics endpoint, when one is configured, and
// stops both when either fails or ctx is done.
func (a *app) run(ctx context.Context, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := fn(gctx)
		if a.cfg.MetricsAddr != "" && err == nil {
			// Stop the metrics server once the command finished.
			return errCommandDone
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, errCommandDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errCommandDone = errors.New("command done")
