package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/widgetchat/pkg/echobackend"
	"github.com/go-go-golems/widgetchat/pkg/metrics"
	"github.com/go-go-golems/widgetchat/pkg/redisstream"
)

func NewServeCommand(app *App) *cobra.Command {
	var listen string
	var redisEnabled bool
	var script string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference echo backend",
		Long:  "Serves the widget protocol on /ws, a liveness probe on /healthz and prometheus metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := app.Settings
			if cmd.Flags().Changed("listen") {
				s.Server.Listen = listen
			}
			if cmd.Flags().Changed("redis") {
				s.Redis.Enabled = redisEnabled
			}
			if cmd.Flags().Changed("responder-script") {
				s.Server.Backend.ResponderScript = script
			}
			return runServe(cmd.Context(), app)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address")
	cmd.Flags().BoolVar(&redisEnabled, "redis", false, "Fan out conversation frames through redis streams")
	cmd.Flags().StringVar(&script, "responder-script", "", "JavaScript file defining respond(query, history)")
	return cmd
}

func runServe(ctx context.Context, app *App) error {
	s := app.Settings
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewBackend(reg)
	if err != nil {
		return err
	}

	ps, err := redisstream.BuildPubSub(s.Redis)
	if err != nil {
		return errors.Wrap(err, "build pub/sub")
	}
	defer func() { _ = ps.Close() }()

	opts := []echobackend.Option{echobackend.WithMetrics(m)}
	if path := s.Server.Backend.ResponderScript; path != "" {
		sr, err := echobackend.LoadScriptResponder(path)
		if err != nil {
			return err
		}
		opts = append(opts, echobackend.WithResponder(sr.Respond))
		log.Info().Str("script", path).Msg("using scripted responder")
	}
	if client := ps.Client(); client != nil {
		group := s.Redis.Group
		opts = append(opts, echobackend.WithTopicPreparer(func(ctx context.Context, topic string) error {
			return redisstream.EnsureGroupAtTail(ctx, client, topic, group)
		}))
	}
	backend, err := echobackend.NewServer(s.Server.Backend, ps, opts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	if s.Server.MetricsPath != "" {
		mux.Handle(s.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.Handle("/", backend.Handler())

	srv := &http.Server{
		Addr:              s.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().
			Str("addr", s.Server.Listen).
			Bool("redis", s.Redis.Enabled).
			Int("tenants", len(s.Server.Backend.Tenants)).
			Msg("starting widget-chat backend")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = backend.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})
	return eg.Wait()
}
