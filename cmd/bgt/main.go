package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	zlog "github.com/bgt-builder/bgt/pkg/log"
)

var (
	log  *zap.Logger = zap.NewNop()
	conf *config.Config

	configPath   string
	multiPackage bool
	logFile      string
)

var rootCmd = &cobra.Command{
	Use:           "bgt",
	Short:         "Reproducible Bitcoin Core Guix builds driven by release tags",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		options := zlog.OptionsFromEnv()
		options.File = logFile
		log = zlog.Init(options)

		loaded, err := config.ParseConfig(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("multi-package") {
			loaded.Build.MultiPackage = multiPackage
		}
		conf = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		zlog.Sync()
	},
}

func initCommands() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to the config file (default "+config.ConfigFile()+")")
	flags.BoolVar(&multiPackage, "multi-package", false, "Build all hosts in one guix invocation")
	flags.StringVar(&logFile, "log-file", "", "Write JSON logs to a rotated file instead of stderr")
	_ = flags.MarkHidden("log-file")

	rootCmd.AddCommand(makeSetupCommand())
	rootCmd.AddCommand(makeBuildCommand())
	rootCmd.AddCommand(makeAttestCommand())
	rootCmd.AddCommand(makeCodesignCommand())
	rootCmd.AddCommand(makeWatchCommand())
	rootCmd.AddCommand(makeCleanCommand())
	rootCmd.AddCommand(makeShowConfigCommand())
	rootCmd.AddCommand(makeWarmupCommand())
	rootCmd.AddCommand(makeStatusCommand())
	rootCmd.AddCommand(makeForgetCommand())
}

func init() {
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if stage, ok := errs.FailedStage(err); ok {
			log.Error("Command failed", zap.String("stage", stage), zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Command failed: %s\n", err.Error())
		zlog.Sync()
		stop()
		os.Exit(1)
	}
}
