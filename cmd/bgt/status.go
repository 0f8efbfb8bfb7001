package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bgt-builder/bgt/api"
	"github.com/bgt-builder/bgt/internal/watcher"
	"github.com/bgt-builder/bgt/pkg/client/bgt"
)

func makeStatusCommand() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline progress of known tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status *api.StatusResponse
			var err error
			if endpoint != "" {
				status, err = bgt.NewClient(endpoint).LoadStatus()
			} else {
				status, err = localStatus(cmd.Context())
			}
			if err != nil {
				return err
			}
			printStatus(status, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "server", "", "Ask a running watcher at this URL instead of reading the registry")
	return cmd
}

func localStatus(ctx context.Context) (*api.StatusResponse, error) {
	reg, err := openRegistry(conf, log)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	entries, err := reg.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &api.StatusResponse{
		Status: api.Status{Ok: true},
		Tags:   make([]api.TagStatus, 0, len(entries)),
	}
	if lock, err := reg.LockInfo(ctx, watcher.LockName); err != nil {
		return nil, err
	} else if lock != nil && !reg.Stale(lock) {
		res.Watcher = &api.WatcherStatus{Running: true, Source: conf.Source.Slug(), LastPoll: lock.Heartbeat}
	}

	for _, entry := range entries {
		lock, err := reg.LockInfo(ctx, entry.Tag)
		if err != nil {
			return nil, err
		}
		res.Tags = append(res.Tags, api.TagStatus{
			Tag:        entry.Tag,
			Stage:      entry.Stage.String(),
			Completed:  entry.Completed,
			Scheduled:  entry.Scheduled,
			Attempts:   entry.Attempts,
			OutputDir:  entry.OutputDir,
			Error:      entry.Error,
			Locked:     lock != nil,
			UpdatedAt:  entry.UpdatedAt,
			StageSince: entry.StageSince,
		})
	}
	return res, nil
}

func printStatus(status *api.StatusResponse, now time.Time) {
	if status.Watcher != nil && status.Watcher.Running {
		fmt.Printf("Watcher: running on %s\n", status.Watcher.Source)
		if status.Watcher.LastError != "" {
			fmt.Printf("Last error: %s\n", status.Watcher.LastError)
		}
	} else {
		fmt.Println("Watcher: stopped")
	}

	if len(status.Tags) == 0 {
		fmt.Println("No tags recorded yet")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tSTAGE\tSINCE\tATTEMPTS\tNOTE")
	for _, tag := range status.Tags {
		note := tag.Error
		switch {
		case tag.Locked:
			note = "running"
		case !tag.Scheduled:
			note = "predates watcher"
		}
		since := "-"
		if !tag.StageSince.IsZero() {
			since = units.HumanDuration(now.Sub(tag.StageSince)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", tag.Tag, tag.Stage, since, tag.Attempts, note)
	}
	_ = w.Flush()
}
