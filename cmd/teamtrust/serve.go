package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"teamtrust/pkg/config"
	"teamtrust/pkg/peer"
)

func serveCmd() *cobra.Command {
	var (
		listen string
		http   string
		peers  []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the peer: accept connections and keep configured peers in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddress = listen
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddress = http
			}
			for _, entry := range peers {
				cfg.Peers = append(cfg.Peers, config.ParsePeers(entry)...)
			}

			p, err := peer.New(cfg, logger)
			if err != nil {
				return err
			}
			if p.Team() == nil {
				logger.Warn("No team yet, incoming connections are refused until one is created or joined")
			}

			ctx, cancel := signalContext()
			defer cancel()

			logger.Info("Starting peer",
				zap.String("listen", cfg.ListenAddress),
				zap.String("http", cfg.HTTPAddress),
				zap.Int("peers", len(cfg.Peers)))
			return p.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":7700", "gRPC sync address")
	cmd.Flags().StringVar(&http, "http", ":7701", "HTTP address for health, metrics and WebSocket sync")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer to keep connected, as name=host:port (repeatable)")

	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
