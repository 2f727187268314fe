package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/gophersatwork/buildcache/fingerprint"
	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/snapshot"
)

type fingerprintOptions struct {
	policy  string
	verbose bool
	paths   []string
}

func newFingerprintCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "fingerprint [options] PATH [...]",
		Short:                 "print the fingerprint of files and directories",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(fingerprintOptions)
	c.Flags().StringVar(&opts.policy, "policy", fingerprint.RelativePath.String(), "path normalization `policy`")
	c.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print every fingerprint of the collection")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.paths = args
		return runFingerprint(cmd.Context(), opts)
	}
	return c
}

func runFingerprint(ctx context.Context, opts *fingerprintOptions) error {
	policy, ok := fingerprint.ParsePolicy(opts.policy)
	if !ok {
		return errors.Errorf("unknown policy %q", opts.policy)
	}
	snapshotter := snapshot.NewSnapshotter(afero.NewOsFs(), hashing.DefaultHashFunc)
	roots := make([]*snapshot.Snapshot, 0, len(opts.paths))
	for _, path := range opts.paths {
		snap, err := snapshotter.Snapshot(ctx, path)
		if err != nil {
			return err
		}
		roots = append(roots, snap)
	}

	collection := fingerprint.Collect(policy, roots...)
	if opts.verbose {
		for _, e := range collection.Entries {
			fmt.Printf("%s\t%v\n", e.AbsolutePath, e.Fingerprint)
		}
	}
	fmt.Println(collection.Hash(hashing.DefaultHashFunc))
	return nil
}
