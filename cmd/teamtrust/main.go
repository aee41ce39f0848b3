package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"teamtrust/pkg/config"
	"teamtrust/pkg/peer"
)

var (
	configFile string
	dataDir    string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "teamtrust",
		Short: "Decentralized team membership and keys",
		Long: `A team authority without a server. Every member keeps a signed history of
membership changes, resolves concurrent edits the same way, and rotates the
shared keys when somebody leaves.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for the identity and history")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		initCmd(),
		inviteCmd(),
		joinCmd(),
		serveCmd(),
		statusCmd(),
		memberCmd(),
		roleCmd(),
		deviceCmd(),
		serverCmd(),
		tlsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if given, then the environment, then flags
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// openPeer loads the local peer for a one-shot command
func openPeer() (*peer.Peer, *zap.Logger, error) {
	logger := setupLogger(verbose)
	cfg, err := loadConfig()
	if err != nil {
		return nil, logger, err
	}
	p, err := peer.New(cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return p, logger, nil
}

// withTeam runs fn against the stored team and closes the peer afterwards
func withTeam(fn func(p *peer.Peer) error) error {
	p, logger, err := openPeer()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer p.Close()
	if p.Team() == nil {
		return peer.ErrNoTeam
	}
	return fn(p)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("teamtrust v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
