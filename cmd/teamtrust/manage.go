package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"teamtrust/pkg/keyring"
	"teamtrust/pkg/peer"
	"teamtrust/pkg/types"
)

// teamCommand builds a leaf command that applies one change to the team
func teamCommand(use, short string, args int, apply func(p *peer.Peer, args []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(args),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return withTeam(func(p *peer.Peer) error {
				msg, err := apply(p, argv)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", successMark, msg)
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}
	cmd.AddCommand(teamCommand("remove <user>", "Remove a member and rotate the keys they held", 1,
		func(p *peer.Peer, args []string) (string, error) {
			if err := p.Team().Remove(types.UserID(args[0])); err != nil {
				return "", err
			}
			return fmt.Sprintf("Removed %s", args[0]), nil
		}))
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage roles"}
	cmd.AddCommand(
		teamCommand("add <role>", "Define a new role", 1,
			func(p *peer.Peer, args []string) (string, error) {
				if err := p.Team().AddRole(args[0]); err != nil {
					return "", err
				}
				return fmt.Sprintf("Added role %s", args[0]), nil
			}),
		teamCommand("grant <user> <role>", "Give a member a role", 2,
			func(p *peer.Peer, args []string) (string, error) {
				if err := p.Team().AddMemberRole(types.UserID(args[0]), args[1]); err != nil {
					return "", err
				}
				return fmt.Sprintf("%s is now %s", args[0], args[1]), nil
			}),
		teamCommand("revoke <user> <role>", "Take a role away from a member", 2,
			func(p *peer.Peer, args []string) (string, error) {
				if err := p.Team().RemoveMemberRole(types.UserID(args[0]), args[1]); err != nil {
					return "", err
				}
				return fmt.Sprintf("%s is no longer %s", args[0], args[1]), nil
			}),
	)
	return cmd
}

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage devices"}
	cmd.AddCommand(teamCommand("remove <user> <device>", "Remove a device", 2,
		func(p *peer.Peer, args []string) (string, error) {
			if err := p.Team().RemoveDevice(types.UserID(args[0]), types.DeviceID(args[1])); err != nil {
				return "", err
			}
			return fmt.Sprintf("Removed %s", types.DeviceName(types.UserID(args[0]), types.DeviceID(args[1]))), nil
		}))
	return cmd
}

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "server", Short: "Manage servers trusted by the team"}
	cmd.AddCommand(
		teamCommand("add <host>", "Generate keys for a server and add it to the team", 1,
			func(p *peer.Peer, args []string) (string, error) {
				keys, err := keyring.NewKeyset(types.ServerScope(args[0]), 0)
				if err != nil {
					return "", err
				}
				path, err := saveServerKeys(args[0], keys)
				if err != nil {
					return "", err
				}
				if err := p.Team().AddServer(args[0], keys.Public()); err != nil {
					return "", err
				}
				return fmt.Sprintf("Added server %s, its keys are in %s", args[0], path), nil
			}),
		teamCommand("remove <host>", "Remove a server", 1,
			func(p *peer.Peer, args []string) (string, error) {
				if err := p.Team().RemoveServer(args[0]); err != nil {
					return "", err
				}
				return fmt.Sprintf("Removed server %s", args[0]), nil
			}),
	)
	return cmd
}

// saveServerKeys writes the server's secret keys next to the identity so
// they can be copied to the server
func saveServerKeys(host string, keys keyring.Keyset) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	path := filepath.Join(cfg.DataDir, "servers", host+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create server key directory: %w", err)
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write server keys: %w", err)
	}
	return path, nil
}
