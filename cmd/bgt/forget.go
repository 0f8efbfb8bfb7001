package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bgt-builder/bgt/internal/registry"
)

func makeForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <tag>...",
		Short: "Drop tags from the registry so the watcher treats them as new",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(conf, log)
			if err != nil {
				return err
			}
			defer reg.Close()

			for _, tag := range args {
				err := reg.Forget(cmd.Context(), tag)
				if errors.Is(err, registry.ErrNotFound) {
					fmt.Printf("%s is not in the registry\n", tag)
					continue
				} else if err != nil {
					return err
				}
				fmt.Printf("Forgot %s\n", tag)
			}
			return nil
		},
	}
}
