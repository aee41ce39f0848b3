package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"teamtrust/pkg/auth"
)

func tlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Transport certificate management",
		Long:  "Commands for the certificate authority that secures peer connections",
	}
	cmd.AddCommand(tlsInitCmd(), tlsIssueCmd())
	return cmd
}

func tlsInitCmd() *cobra.Command {
	var (
		name     string
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a certificate authority",
		Long:  "Generate an Ed25519 certificate authority under the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := auth.LoadAuthority(cfg.TLSDir()); err == nil {
				return fmt.Errorf("certificate authority already exists in %s", cfg.TLSDir())
			}
			ca, err := auth.NewAuthority(cfg.TLSDir(), name, validity)
			if err != nil {
				return err
			}
			fmt.Printf("%s Certificate authority created\n", successMark)
			fmt.Printf("  Certificate: %s\n", ca.CertPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "teamtrust", "name of the certificate authority")
	cmd.Flags().DurationVar(&validity, "validity", 5*365*24*time.Hour, "how long the CA is valid")
	return cmd
}

func tlsIssueCmd() *cobra.Command {
	var (
		validity  time.Duration
		clientReq bool
		save      bool
	)
	cmd := &cobra.Command{
		Use:   "issue <name> [address...]",
		Short: "Issue a peer certificate",
		Long: `Issue a certificate signed by the local authority. Addresses become IP or
DNS subject names. With --save the certificate is written into the config file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ca, err := auth.LoadAuthority(cfg.TLSDir())
			if err != nil {
				return fmt.Errorf("no certificate authority, run 'teamtrust tls init' first: %w", err)
			}
			issued, err := ca.Issue(args[0], args[1:], validity)
			if err != nil {
				return err
			}
			issued.RequireClientAuth = clientReq

			fmt.Printf("%s Certificate issued for %s\n", successMark, args[0])
			fmt.Printf("  Certificate: %s\n", issued.CertPath)
			fmt.Printf("  Key:         %s\n", issued.KeyPath)

			if save {
				if configFile == "" {
					return fmt.Errorf("--save needs --config")
				}
				cfg.TLS = *issued
				if err := cfg.Save(configFile); err != nil {
					return err
				}
				fmt.Printf("  Saved to %s\n", configFile)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "how long the certificate is valid")
	cmd.Flags().BoolVar(&clientReq, "require-client-auth", false, "require peers to present a certificate")
	cmd.Flags().BoolVar(&save, "save", false, "enable TLS in the config file with this certificate")
	return cmd
}
