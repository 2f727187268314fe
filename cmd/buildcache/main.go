// buildcache packs, unpacks and maintains build cache entries.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"github.com/gophersatwork/buildcache"
	"github.com/gophersatwork/buildcache/internal/config"
	"github.com/gophersatwork/buildcache/service"
)

type globalConfig struct {
	conf *config.Config
	dir  string
}

// openCache opens the cache described by the environment.
func (g *globalConfig) openCache() (*buildcache.Cache, error) {
	opts := []buildcache.Option{
		buildcache.WithStoreBackend(buildcache.StoreBackend(g.conf.StoreBackend)),
		buildcache.WithCompression(buildcache.Compression(g.conf.Compression)),
		buildcache.WithLockTimeout(g.conf.LockTimeout),
	}
	if r := g.conf.Remote; r.Enabled {
		remote, err := service.DialS3(service.S3Options{
			Endpoint:  r.Endpoint,
			AccessKey: r.AccessKey,
			SecretKey: r.SecretKey,
			Secure:    r.Secure,
			Region:    r.Region,
			Bucket:    r.Bucket,
			Prefix:    r.Prefix,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, buildcache.WithRemote(remote, r.Push))
	}
	return buildcache.Open(g.dir, opts...)
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "buildcache",
		Short:         "build output cache",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := new(globalConfig)
	rootCommand.PersistentFlags().StringVar(&g.dir, "dir", "", "cache `dir`ectory (default $BUILDCACHE_DIR or .buildcache)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		var err error
		g.conf, err = config.Load(cmd.Context())
		if err != nil {
			return err
		}
		if g.dir == "" {
			g.dir = g.conf.Dir
		}
		return nil
	}

	rootCommand.AddCommand(
		newPackCommand(g),
		newUnpackCommand(g),
		newFingerprintCommand(),
		newStatsCommand(g),
		newPruneCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "buildcache: ", log.StdFlags, nil),
		})
	})
}
