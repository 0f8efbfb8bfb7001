package main

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bgt-builder/bgt/internal/builder"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/pipeline"
)

func runManual(cmd *cobra.Command, tag string, options pipeline.Options) error {
	a, err := newApp(conf, log)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.runTag(cmd.Context(), tag, options)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", run.Tag.Name, run.Stage)
	if run.OutputDir != "" {
		fmt.Printf("Output: %s\n", run.OutputDir)
	}
	return nil
}

func makeBuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build <tag>",
		Short: "Build a tag with guix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManual(cmd, args[0], pipeline.Options{Until: models.StageBuilt, Restart: true})
		},
	}
}

func makeAttestCommand() *cobra.Command {
	var auto, force bool
	cmd := &cobra.Command{
		Use:   "attest <tag>",
		Short: "Attest the noncodesigned build outputs of a tag, building it first if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if auto {
				conf.Signer.AutoPush = true
			}
			return runManual(cmd, args[0], pipeline.Options{Until: models.StageAttested, Restart: force})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "Push the attestation branch to your guix.sigs fork")
	cmd.Flags().BoolVar(&force, "force", false, "Start over from a fresh build")
	return cmd
}

func makeCodesignCommand() *cobra.Command {
	var auto, force bool
	cmd := &cobra.Command{
		Use:   "codesign <tag>",
		Short: "Attach detached signatures and attest all outputs of a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if auto {
				conf.Signer.AutoPush = true
			}
			return runManual(cmd, args[0], pipeline.Options{Until: models.StageDone, NoWait: true, Restart: force})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "Push the attestation branch to your guix.sigs fork")
	cmd.Flags().BoolVar(&force, "force", false, "Start over from a fresh build")
	return cmd
}

func makeWarmupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "warmup",
		Short: "Build the default branch to fill the depends caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(conf, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.repos.Prepare(cmd.Context()); err != nil {
				return err
			}
			res, err := a.builder.Warmup(cmd.Context(), conf.Build.Hosts, builder.JobFromConfig(conf))
			if err != nil {
				return err
			}
			fmt.Printf("Warmup finished in %s, log: %s\n", units.HumanDuration(res.Duration), res.Log)
			return nil
		},
	}
}
