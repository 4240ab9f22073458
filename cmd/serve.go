package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/safeguard/internal/api"
	"github.com/sells-group/safeguard/internal/monitoring"
	"github.com/sells-group/safeguard/internal/webhook"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, webhook scheduler, and health checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		// Webhook delivery loop.
		scheduler := webhook.NewScheduler(e.Store, webhook.NewDeliverer(e.Store), &webhook.SchedulerOptions{
			Interval:  time.Duration(cfg.Webhook.IntervalSecs) * time.Second,
			BatchSize: cfg.Webhook.BatchSize,
			Workers:   cfg.Webhook.Workers,
			Rate:      rate.Limit(cfg.Webhook.Rate),
			Burst:     cfg.Webhook.Burst,
		})
		go func() {
			if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("webhook scheduler exited", zap.Error(err))
			}
		}()

		// Health sweep.
		staleWindow := time.Duration(cfg.Devices.StaleWindowHours) * time.Hour
		checker := monitoring.NewChecker(
			monitoring.NewCollector(e.Store, staleWindow),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.NewServer(e.Store, e.Compiler, e.Dispatch, e.Syncer, e.Devices, e.Caps, cfg.Server.AllowedOrigins),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
