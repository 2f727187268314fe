package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func newStatsCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "stats",
		Short:                 "show local cache statistics",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), g)
	}
	return c
}

func runStats(ctx context.Context, g *globalConfig) error {
	cache, err := g.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	stats, err := cache.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("entries:  %d\n", stats.Entries)
	fmt.Printf("size:     %d bytes\n", stats.TotalSize)
	if stats.Entries > 0 {
		fmt.Printf("oldest:   %v ago\n", stats.OldestEntry.Round(time.Second))
		fmt.Printf("newest:   %v ago\n", stats.NewestEntry.Round(time.Second))
	}
	return nil
}

type pruneOptions struct {
	olderThan time.Duration
	unused    time.Duration
	all       bool
}

func newPruneCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "prune [options]",
		Short:                 "remove local cache entries",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(pruneOptions)
	c.Flags().DurationVar(&opts.olderThan, "older-than", 7*24*time.Hour, "remove entries created before this `duration`")
	c.Flags().DurationVar(&opts.unused, "unused-for", 0, "remove entries not read for this `duration` instead")
	c.Flags().BoolVar(&opts.all, "all", false, "remove every entry")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runPrune(cmd.Context(), g, opts)
	}
	return c
}

func runPrune(ctx context.Context, g *globalConfig, opts *pruneOptions) error {
	cache, err := g.openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	var n int
	switch {
	case opts.all:
		before, err := cache.Stats(ctx)
		if err != nil {
			return err
		}
		if err := cache.Clear(ctx); err != nil {
			return err
		}
		n = before.Entries
	case opts.unused > 0:
		n, err = cache.PruneUnused(ctx, opts.unused)
	default:
		n, err = cache.Prune(ctx, opts.olderThan)
	}
	if err != nil {
		return err
	}
	log.Infof(ctx, "Removed %d entries", n)
	return nil
}
