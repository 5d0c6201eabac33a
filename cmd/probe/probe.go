package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mmx233/XRelay/client"
	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/Mmx233/XRelay/tools"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "gateway.yaml")
	open       protocol.OpenMsg
	frames     int
	timeout    time.Duration

	Cmd = &cobra.Command{
		Use:   "probe",
		Short: "Open a tunnel through a relay and report the frames it receives",
		Args:  cobra.NoArgs,
		RunE:  runProbe,
	}
)

func init() {
	flags := Cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", configFile, "path of gateway config file")
	flags.StringVarP(&open.Address, "address", "a", "", "engine address as host:port")
	flags.StringVarP(&open.SessionID, "session", "s", "", "existing session id, empty creates a session")
	flags.StringVar(&open.Username, "username", "", "session username")
	flags.StringVar(&open.Password, "password", "", "session password")
	flags.IntVar(&open.Width, "width", 1280, "desktop width")
	flags.IntVar(&open.Height, "height", 800, "desktop height")
	flags.StringVar(&open.KeyboardLayout, "layout", "en-us", "keyboard layout")
	flags.IntVarP(&frames, "frames", "n", 10, "data frames to read before closing")
	flags.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "overall probe timeout")
	_ = Cmd.MarkFlagRequired("address")
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "probe").Logger()

	cfg, err := config.LoadGatewayConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	started := time.Now()
	tunnel, err := c.Open(ctx, open)
	if err != nil {
		return fmt.Errorf("open tunnel: %w", err)
	}
	defer tunnel.Close()

	logger.Info().
		Str("session_id", tunnel.SessionID().String()).
		Str("client", tunnel.Identifier().String()).
		Dur("took", time.Since(started)).
		Msg("tunnel opened")

	// Reads block on the stream, so closing it is how the timeout ends them.
	go func() {
		<-ctx.Done()
		_ = tunnel.Close()
	}()

	var keepAlives int
	for received := 0; received < frames; {
		frame, err := tunnel.ReadFrame()
		if err != nil {
			var interrupted *protocol.InterruptedError
			switch {
			case errors.As(err, &interrupted):
				return fmt.Errorf("tunnel interrupted: %s", interrupted.Reason)
			case errors.Is(err, io.EOF):
				logger.Info().Msg("tunnel closed by relay")
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return err
			}
		}

		if err := protocol.CheckFrame(frame); err != nil {
			logger.Warn().Err(err).Msg("unparseable frame")
			continue
		}
		if protocol.FrameType(frame) == protocol.TypeKeepAlive {
			keepAlives++
			continue
		}
		received++
		logger.Info().
			Uint8("type", protocol.FrameType(frame)).
			Uint32("id", protocol.FrameID(frame)).
			Uint8("queue_depth", frame[protocol.QueueDepthOffset]).
			Int("size", len(frame)).
			Msg("frame")
	}

	logger.Info().Int("frames", frames).Int("keep_alives", keepAlives).Dur("took", time.Since(started)).Msg("probe complete")
	return nil
}
