package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgt-builder/bgt/internal/notify"
	"github.com/bgt-builder/bgt/internal/registry"
	"github.com/bgt-builder/bgt/internal/server"
	"github.com/bgt-builder/bgt/internal/signing"
	"github.com/bgt-builder/bgt/internal/tagsource"
	"github.com/bgt-builder/bgt/internal/watcher"
)

func makeWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Build new release tags as they are published",
	}
	cmd.AddCommand(makeWatchStartCommand())
	cmd.AddCommand(makeWatchStopCommand())
	return cmd
}

func makeWatchStartCommand() *cobra.Command {
	var daemon, auto bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start watching for tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return startDaemon(cmd.Context())
			}
			return watch(cmd.Context(), auto)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Run in the background and log to the state directory")
	cmd.Flags().BoolVar(&auto, "auto", false, "Check the signing key and push attestations automatically")
	return cmd
}

func watch(ctx context.Context, auto bool) error {
	if auto {
		conf.Signer.AutoPush = true
	}

	a, err := newApp(conf, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if auto {
		if err := signing.CheckSigning(ctx, a.signer); err != nil {
			return err
		}
	}
	if err := a.repos.Prepare(ctx); err != nil {
		return errors.Wrap(err, "Failed to prepare checkouts")
	}

	source, err := tagsource.New(conf.Source, conf.Watch.TagPattern, log)
	if err != nil {
		return err
	}
	w := watcher.NewWatcher(conf, source, a.registry, a.runner, a.metrics, log)

	g, ctx := errgroup.WithContext(ctx)
	if err := w.Start(ctx); err != nil {
		return err
	}
	g.Go(w.Wait)

	if conf.Server.ListenAddress != "" {
		srv := server.New(conf.Server.ListenAddress, a.registry, w, source.Name(), a.metricsRegistry, log)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}
	if bot, ok := a.notifier.(*notify.Telegram); ok {
		g.Go(func() error {
			bot.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

func daemonArgs(args []string) []string {
	res := make([]string, 0, len(args)+2)
	for _, arg := range args {
		if arg == "--daemon" || strings.HasPrefix(arg, "--daemon=") {
			continue
		}
		res = append(res, arg)
	}
	return append(res, "--log-file", conf.WatchLogFile())
}

// startDaemon runs `watch start` again in a new session and waits until the
// child holds the watcher lock.
func startDaemon(ctx context.Context) error {
	reg, err := openRegistry(conf, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	if lock, err := reg.LockInfo(ctx, watcher.LockName); err != nil {
		return err
	} else if lock != nil && !reg.Stale(lock) {
		return errors.Errorf("Watcher is already running with pid %d", lock.PID)
	}

	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "Failed to find bgt executable")
	}
	if err := os.MkdirAll(conf.State.Dir, 0o755); err != nil {
		return errors.Wrap(err, "Failed to create state directory")
	}

	child := exec.Command(self, daemonArgs(os.Args[1:])...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return errors.Wrap(err, "Failed to start watcher daemon")
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		lock, err := reg.LockInfo(ctx, watcher.LockName)
		if err == nil && lock != nil && lock.PID == pid {
			fmt.Printf("Watcher started with pid %d, logs in %s\n", pid, conf.WatchLogFile())
			return nil
		}
		if err := syscall.Kill(pid, 0); err != nil {
			return errors.Errorf("Watcher daemon exited, see %s", conf.WatchLogFile())
		}
		time.Sleep(200 * time.Millisecond)
	}
	log.Warn("Watcher daemon has not taken the lock yet", zap.Int("pid", pid))
	fmt.Printf("Watcher spawned with pid %d, logs in %s\n", pid, conf.WatchLogFile())
	return nil
}

func makeWatchStopCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(conf, log)
			if err != nil {
				return err
			}
			defer reg.Close()
			return stopWatcher(cmd.Context(), reg, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the watcher to exit")
	return cmd
}

func stopWatcher(ctx context.Context, reg *registry.Registry, wait time.Duration) error {
	lock, err := reg.LockInfo(ctx, watcher.LockName)
	if err != nil {
		return err
	}
	if lock == nil || reg.Stale(lock) {
		fmt.Println("Watcher is not running")
		return nil
	}

	host, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "Failed to get hostname")
	}
	if lock.Host != host {
		return errors.Errorf("Watcher runs on %s, stop it there", lock.Host)
	}

	// SIGTERM lets running stages reach a safe point first.
	if err := syscall.Kill(lock.PID, syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "Failed to signal watcher pid %d", lock.PID)
	}
	fmt.Printf("Sent SIGTERM to watcher pid %d\n", lock.PID)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		current, err := reg.LockInfo(ctx, watcher.LockName)
		if err != nil {
			return err
		}
		if current == nil || current.Owner != lock.Owner {
			fmt.Println("Watcher stopped")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	if wait > 0 {
		return errors.Errorf("Watcher pid %d is still finishing its current stage", lock.PID)
	}
	return nil
}
