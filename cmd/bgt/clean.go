package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/builder"
)

func makeCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove guix-build-* directories from the bitcoin checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(conf, log)
			if err != nil {
				return err
			}
			defer reg.Close()

			report, err := builder.Clean(cmd.Context(), conf.BitcoinDir(), reg)
			if err != nil {
				return err
			}

			for _, dir := range report.Removed {
				fmt.Printf("Removed %s\n", dir)
			}
			skipped := make([]string, 0, len(report.Skipped))
			for dir := range report.Skipped {
				skipped = append(skipped, dir)
			}
			sort.Strings(skipped)
			for _, dir := range skipped {
				fmt.Printf("Kept %s: %s\n", dir, report.Skipped[dir])
			}
			failed := make([]string, 0, len(report.Failed))
			for dir := range report.Failed {
				failed = append(failed, dir)
			}
			sort.Strings(failed)
			for _, dir := range failed {
				log.Warn("Failed to remove build directory", zap.String("dir", dir), zap.Error(report.Failed[dir]))
				fmt.Printf("Could not remove %s: %s\n", dir, report.Failed[dir])
			}
			if len(report.Removed) == 0 && len(skipped) == 0 && len(failed) == 0 {
				fmt.Println("Nothing to clean")
			}
			return nil
		},
	}
}
