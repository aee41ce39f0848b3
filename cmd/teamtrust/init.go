package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"teamtrust/pkg/peer"
	"teamtrust/pkg/types"
)

func initCmd() *cobra.Command {
	var (
		userID     string
		deviceID   string
		teamName   string
		deviceOnly bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local identity, and optionally a new team",
		Long: `Generate the keys of this device (and of its user) into the data directory.
With --team, also found a new team with this device as its first admin.
Use --device-only on a new device of an existing member; it receives the
member's keys when an invitation from that member is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if userID != "" {
				cfg.UserID = userID
			}
			if deviceID != "" {
				cfg.DeviceID = deviceID
			}
			if cfg.UserID == "" {
				return fmt.Errorf("user id is required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if deviceOnly && teamName != "" {
				return fmt.Errorf("a new device cannot found a team")
			}

			if _, err := peer.CreateIdentity(cfg.IdentityPath(), types.UserID(cfg.UserID), types.DeviceID(cfg.DeviceID), deviceOnly); err != nil {
				return err
			}
			fmt.Printf("%s Created identity %s in %s\n", successMark, types.DeviceName(types.UserID(cfg.UserID), types.DeviceID(cfg.DeviceID)), cfg.DataDir)

			if teamName == "" {
				return nil
			}
			p, err := peer.New(cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()
			t, err := p.CreateTeam(teamName)
			if err != nil {
				return err
			}
			fmt.Printf("%s Founded team %s (%s)\n", successMark, t.Name(), shortHash(t.ID()))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (defaults to the host name)")
	cmd.Flags().StringVar(&teamName, "team", "", "found a new team with this name")
	cmd.Flags().BoolVar(&deviceOnly, "device-only", false, "only create device keys, for a new device of an existing member")

	return cmd
}
