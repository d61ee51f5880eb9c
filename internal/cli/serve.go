package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-mesh/internal/handlers"
	"github.com/pelusa-v/pelusa-mesh/internal/hub"
	"github.com/pelusa-v/pelusa-mesh/internal/logger"
	"github.com/pelusa-v/pelusa-mesh/internal/metrics"
	"github.com/pelusa-v/pelusa-mesh/internal/rendezvous"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rendezvous hub",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Listen address (env MESHCHAT_LISTEN)")
	cmd.Flags().BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "Expose /metrics")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	backend, err := rendezvous.NewSQLiteBackend(cfg.HubDBPath())
	if err != nil {
		return fmt.Errorf("open hub database: %w", err)
	}
	store, err := rendezvous.NewMemoryStore(rendezvous.MemoryOptions{
		Backend: backend,
		Rules:   rendezvous.DefaultRules,
		Log:     logger.Component(log, "store"),
	})
	if err != nil {
		backend.Close()
		return fmt.Errorf("load hub documents: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	h := hub.New(store, m, logger.Component(log, "hub"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go h.Start(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	exposed := m
	if !cfg.Metrics {
		exposed = nil
	}
	handlers.Mount(app, h, exposed)

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("db", cfg.HubDBPath()).Msg("hub listening")
	if err := app.Listen(cfg.ListenAddr); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("hub stopped")
	return nil
}
