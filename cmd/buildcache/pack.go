package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache"
	"github.com/gophersatwork/buildcache/hashing"
	"github.com/gophersatwork/buildcache/origin"
	"github.com/gophersatwork/buildcache/packaging"
	"github.com/gophersatwork/buildcache/snapshot"
)

// parseTrees converts NAME=PATH arguments into output trees.
// A name ending in "/" declares a directory tree.
func parseTrees(args []string) ([]packaging.OutputTree, error) {
	trees := make([]packaging.OutputTree, 0, len(args))
	seen := make(map[string]struct{})
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || name == "" || name == "/" {
			return nil, errors.Errorf("%q is not NAME=PATH", arg)
		}
		tree := packaging.OutputTree{Name: name, Type: packaging.FileTree, Root: path}
		if trimmed, isDir := strings.CutSuffix(name, "/"); isDir {
			tree.Name = trimmed
			tree.Type = packaging.DirectoryTree
		}
		if _, dup := seen[tree.Name]; dup {
			return nil, errors.Errorf("output tree %q declared twice", tree.Name)
		}
		seen[tree.Name] = struct{}{}
		trees = append(trees, tree)
	}
	return trees, nil
}

func newPacker(g *globalConfig, fs afero.Fs) (packaging.Packer, error) {
	decorator, err := buildcache.Compression(g.conf.Compression).Decorator()
	if err != nil {
		return nil, err
	}
	return packaging.Chain(packaging.NewTarPacker(fs, hashing.DefaultHashFunc), decorator), nil
}

type packOptions struct {
	output        string
	name          string
	buildID       string
	executionTime time.Duration
	trees         []string
}

func newPackCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "pack [options] -o FILE NAME=PATH [...]",
		Short:                 "pack output trees into an archive",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(packOptions)
	c.Flags().StringVarP(&opts.output, "output", "o", "", "write the archive to `path`")
	c.Flags().StringVar(&opts.name, "name", "cli", "entity `name` recorded in the origin metadata")
	c.Flags().StringVar(&opts.buildID, "build-id", "cli", "build invocation `id` recorded in the origin metadata")
	c.Flags().DurationVar(&opts.executionTime, "execution-time", 0, "time it took to produce the outputs")
	c.MarkFlagRequired("output")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.trees = args
		return runPack(cmd.Context(), g, opts)
	}
	return c
}

func runPack(ctx context.Context, g *globalConfig, opts *packOptions) error {
	trees, err := parseTrees(opts.trees)
	if err != nil {
		return err
	}
	entity := &packaging.Entity{Name: opts.name, Trees: trees}
	fs := afero.NewOsFs()
	packer, err := newPacker(g, fs)
	if err != nil {
		return err
	}

	snapshotter := snapshot.NewSnapshotter(fs, hashing.DefaultHashFunc)
	snapshots := make(map[string]*snapshot.Snapshot)
	for _, tree := range trees {
		if tree.Root == "" {
			continue
		}
		if snapshots[tree.Name], err = snapshotter.Snapshot(ctx, tree.Root); err != nil {
			return err
		}
	}

	f, err := os.Create(opts.output)
	if err != nil {
		return err
	}
	factory := origin.NewFactory(opts.buildID, buildcache.ToolVersion)
	result, err := packer.Pack(ctx, entity, snapshots, f, factory.CreateWriter(entity.Name, "cli", opts.executionTime))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(opts.output)
		return err
	}
	log.Infof(ctx, "Packed %d entries into %s (%d bytes)", result.Entries, opts.output, result.Size)
	return nil
}

type unpackOptions struct {
	input string
	name  string
	trees []string
}

func newUnpackCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "unpack [options] FILE NAME=PATH [...]",
		Short:                 "restore output trees from an archive",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(unpackOptions)
	c.Flags().StringVar(&opts.name, "name", "cli", "entity `name`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.input = args[0]
		opts.trees = args[1:]
		return runUnpack(cmd.Context(), g, opts)
	}
	return c
}

func runUnpack(ctx context.Context, g *globalConfig, opts *unpackOptions) error {
	trees, err := parseTrees(opts.trees)
	if err != nil {
		return err
	}
	entity := &packaging.Entity{Name: opts.name, Trees: trees}
	fs := afero.NewOsFs()
	packer, err := newPacker(g, fs)
	if err != nil {
		return err
	}

	f, err := os.Open(opts.input)
	if err != nil {
		return err
	}
	defer f.Close()

	support := packaging.NewFileSystemSupport(fs)
	for _, tree := range trees {
		if tree.Root == "" {
			continue
		}
		if err := support.RemoveIfPresent(tree.Root); err != nil {
			return err
		}
	}
	result, err := packer.Unpack(ctx, entity, f, origin.NewFactory("", buildcache.ToolVersion).CreateReader(opts.input))
	if err != nil {
		return err
	}
	fmt.Printf("%d entries, produced by %s in build %s at %v (took %v)\n",
		result.Entries, result.Origin.Identity, result.Origin.BuildInvocationID,
		result.Origin.CreationTime.Format(time.RFC3339), result.Origin.ExecutionTime())
	return nil
}
