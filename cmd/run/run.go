package run

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/relay"
	"github.com/Mmx233/XRelay/server"
	"github.com/Mmx233/XRelay/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "relay.yaml")
	Cmd        = &cobra.Command{
		Use:   "run",
		Short: "Run the relay and its tunnel server",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "run").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadRelayConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := log.With().Str("instance_id", cfg.InstanceID).Logger()
	r := relay.New(cfg.Backend, relay.ZMQFactory(cfg.Backend, base), base)
	defer r.Close()

	srv, err := server.New(cfg, r)
	if err != nil {
		return err
	}

	go logStats(ctx, cfg.StatsInterval, r, srv, logger)

	logger.Info().Msg("starting relay")
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}

	logger.Info().Msg("relay stopped")
	return nil
}

func logStats(ctx context.Context, interval time.Duration, r *relay.Relay, srv *server.Server, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.Stats()
			logger.Info().
				Int("hosts", stats.Hosts).
				Int("sessions", stats.Sessions).
				Int("clients", stats.Clients).
				Int("gateways", srv.Gateways()).
				Int64("tunnels", srv.ActiveTunnels()).
				Msg("relay stats")
		}
	}
}
