package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/signing"
	"github.com/bgt-builder/bgt/internal/workspace"
)

func makeSetupCommand() *cobra.Command {
	var (
		signer   string
		key      string
		fork     string
		buildDir string
		autoPush bool
		noClone  bool
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the config file and clone the checkouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("signer") {
				conf.Signer.Name = signer
			}
			if flags.Changed("gpg-key") {
				conf.Signer.GPGKeyID = key
			}
			if flags.Changed("guix-sigs-fork") {
				conf.Signer.GuixSigsFork = fork
			}
			if flags.Changed("build-dir") {
				conf.Build.Dir = buildDir
			}
			if flags.Changed("auto-push") {
				conf.Signer.AutoPush = autoPush
			}
			if err := conf.Validate(); err != nil {
				return err
			}

			s, err := signing.NewSigner(conf)
			if err != nil {
				return errors.Wrap(err, "Failed to load signing key")
			}
			if err := signing.CheckSigning(cmd.Context(), s); err != nil {
				return err
			}

			path := configPath
			if path == "" {
				path = config.ConfigFile()
			}
			if err := config.Save(conf, path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)

			if noClone {
				return nil
			}
			return workspace.NewRepos(conf, log).Prepare(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&signer, "signer", "", "Name used for guix.sigs attestations")
	cmd.Flags().StringVar(&key, "gpg-key", "", "GPG key id, starting with 0x")
	cmd.Flags().StringVar(&fork, "guix-sigs-fork", "", "Your guix.sigs fork attestations are pushed to")
	cmd.Flags().StringVar(&buildDir, "build-dir", "", "Directory for checkouts and caches")
	cmd.Flags().BoolVar(&autoPush, "auto-push", false, "Push attestation branches automatically")
	cmd.Flags().BoolVar(&noClone, "no-clone", false, "Only write the config file")

	return cmd
}
