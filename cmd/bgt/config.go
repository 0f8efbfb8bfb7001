package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/bgt-builder/bgt/internal/config"
)

func makeShowConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Settings(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(settings)
			if err != nil {
				return errors.Wrap(err, "Failed to render config")
			}
			fmt.Print(string(out))
			return nil
		},
	}
}
