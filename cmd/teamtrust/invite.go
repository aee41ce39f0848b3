package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"teamtrust/pkg/invitation"
	"teamtrust/pkg/peer"
	"teamtrust/pkg/team"
)

func inviteCmd() *cobra.Command {
	var (
		seed    string
		address string
		maxUses int
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "invite member|device",
		Short: "Invite a new member, or a new device of your own",
		Long: `Create an invitation and print its seed along with a teamtrust://join link
carrying this peer's address. Share either out of band; the invitee passes it
to "teamtrust join".`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"member", "device"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "member" && args[0] != "device" {
				return fmt.Errorf("can only invite a member or a device, not %q", args[0])
			}
			if maxUses < 1 {
				return fmt.Errorf("--max-uses must be at least 1, got %d", maxUses)
			}
			if address == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				address = advertisedAddress(cfg.ListenAddress)
			}
			opts := team.InviteOptions{Seed: seed, MaxUses: maxUses}
			if expires > 0 {
				opts.Expiration = time.Now().Add(expires)
			}
			return withTeam(func(p *peer.Peer) error {
				inv, err := p.Invite(args[0] == "device", opts)
				if err != nil {
					return err
				}
				fmt.Printf("%s Invitation %s created\n", successMark, inv.ID)
				fmt.Printf("  %s %s\n", labelStyle.Render("Seed"), valueStyle.Render(inv.Seed))
				fmt.Printf("  %s %s\n", labelStyle.Render("Link"), valueStyle.Render(invitation.FormatShareURL(address, inv.Seed)))
				if !opts.Expiration.IsZero() {
					fmt.Printf("  %s %s\n", labelStyle.Render("Expires"), opts.Expiration.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&seed, "seed", "", "use this seed instead of a generated one")
	cmd.Flags().StringVar(&address, "address", "", "address the invitee should dial (default: this host at the configured listen port)")
	cmd.Flags().IntVar(&maxUses, "max-uses", 1, "how many times the invitation can be used")
	cmd.Flags().DurationVar(&expires, "expires", 0, "how long the invitation stays valid (0 for no expiry)")

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <invitation-id>",
		Short: "Revoke an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTeam(func(p *peer.Peer) error {
				if err := p.Team().RevokeInvitation(args[0]); err != nil {
					return err
				}
				fmt.Printf("%s Invitation %s revoked\n", successMark, args[0])
				return nil
			})
		},
	})

	return cmd
}

func joinCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "join <address> <seed> | join <teamtrust://join link>",
		Short: "Join a team with an invitation seed",
		Long: `Connect to a member at address (host:port for gRPC, or a ws:// URL ending
in /sync) and prove the invitation seed. The link printed by "teamtrust invite"
carries both. The team history is stored locally once the member admits this
device.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, seed, err := joinTarget(args)
			if err != nil {
				return err
			}
			p, logger, err := openPeer()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer p.Close()

			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := contextWithTimeout(ctx, timeout)
			defer cancelTimeout()

			t, err := p.Join(ctx, addr, seed)
			if err != nil {
				return err
			}
			fmt.Printf("%s Joined team %s with %d members\n", successMark, t.Name(), len(t.Members()))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

// joinTarget reads the dial address and seed from either form of join's
// arguments
func joinTarget(args []string) (string, string, error) {
	switch {
	case len(args) == 2:
		return args[0], args[1], nil
	case len(args) == 1 && invitation.IsShareURL(args[0]):
		return invitation.ParseShareURL(args[0])
	default:
		return "", "", fmt.Errorf("expected an address and a seed, or a teamtrust://join link")
	}
}

// advertisedAddress fills in this host's name when the listen address has no
// host part
func advertisedAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return listen
	}
	host, err = os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
