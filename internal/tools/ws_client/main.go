// ws_client tails one fleet channel: it keeps a connection open with the same
// reconnect behaviour as the bridge and prints every frame, decoded when the
// channel type is known.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dbehnke/fleet-bridge/pkg/channel"
	"github.com/dbehnke/fleet-bridge/pkg/endpoint"
	"github.com/dbehnke/fleet-bridge/pkg/fleet"
	"github.com/dbehnke/fleet-bridge/pkg/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ws_client <url>",
		Short: "Print frames from a fleet channel",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	rootCmd.Flags().String("decode", "", "decode frames as robots or tasks")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	decodeAs, _ := cmd.Flags().GetString("decode")

	ep, err := endpoint.Parse(args[0])
	if err != nil {
		return err
	}

	name := ep.Path
	var decode func(channel.Frame) (interface{}, error)
	switch decodeAs {
	case "":
	case "robots":
		name = fleet.RobotLocationsChannel
		decode = func(f channel.Frame) (interface{}, error) { return fleet.RobotLocationDecoder{}.Decode(f) }
	case "tasks":
		name = fleet.TaskUpdatesChannel
		decode = func(f channel.Frame) (interface{}, error) { return fleet.TaskUpdateDecoder{}.Decode(f) }
	default:
		return fmt.Errorf("unknown --decode value %q (want robots or tasks)", decodeAs)
	}

	log := logger.Default()
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn := channel.Open(ep, func(f channel.Frame) {
		if decode == nil {
			log.Info("recv", logger.Uint64("seq", f.Seq), logger.String("payload", string(f.Payload)))
			return
		}
		msgs, err := decode(f)
		if err != nil {
			log.Warn("decode failed", logger.Uint64("seq", f.Seq), logger.Error(err))
			return
		}
		log.Info("recv", logger.Uint64("seq", f.Seq), logger.Any("messages", msgs))
	}, channel.Options{
		Name:   name,
		Logger: log,
		OnStateChange: func(s channel.State) {
			log.Info("state", logger.String("state", s.String()))
		},
	})

	<-ctx.Done()
	return conn.Close()
}
