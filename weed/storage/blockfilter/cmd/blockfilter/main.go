// blockfilter manages images behind the mirrored, checksummed block filter.
// Usage:
//
//	blockfilter create -size 1GiB
//	blockfilter info
//	blockfilter import disk.img
//	blockfilter export disk.img
//	blockfilter scrub
//	blockfilter scsi 25000000000000000000
//
// Image paths and the on-disk format come from blockfilter.toml, the
// BLOCKFILTER_* environment, or the flags below.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/stats"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter"
	"github.com/seaweedfs/blockfilter/weed/util"
)

var (
	configName  string
	primaryPath string
	mirrorPath  string
	metricsIP   string
	metricsPort int
	pushAddr    string
	pushSeconds int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blockfilter",
		Short: "Mirrored, checksummed block device filter",
		Long: `Present one or two raw images as a single block device.

Writes can be mirrored to a second image and every sector can carry an
interleaved checksum that is verified on each read.`,
		Version:      util.Version(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.LoadConfiguration(configName, false)
			v := util.GetViper()
			blockfilter.SetConfigDefaults(v)
			if primaryPath != "" {
				v.Set("primary.path", primaryPath)
			}
			if mirrorPath != "" {
				v.Set("mirror.path", mirrorPath)
				v.Set("mirror.enabled", true)
			}
			go stats.StartMetricsServer(metricsIP, metricsPort)
			go stats.LoopPushingMetric("blockfilter", cmd.Name(), pushAddr, pushSeconds)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configName, "config", "blockfilter", "configuration file name, without extension")
	rootCmd.PersistentFlags().Var(&util.ConfigurationFileDirectory, "config_dir", "directory with the configuration file")
	rootCmd.PersistentFlags().StringVar(&primaryPath, "primary", "", "primary image, overrides primary.path")
	rootCmd.PersistentFlags().StringVar(&mirrorPath, "mirror", "", "mirror image, overrides mirror.path and enables mirroring")
	rootCmd.PersistentFlags().StringVar(&metricsIP, "metrics.ip", "", "metrics listen ip")
	rootCmd.PersistentFlags().IntVar(&metricsPort, "metrics.port", 0, "prometheus metrics listen port, 0 disables")
	rootCmd.PersistentFlags().StringVar(&pushAddr, "metrics.push", "", "prometheus push gateway address")
	rootCmd.PersistentFlags().IntVar(&pushSeconds, "metrics.pushSeconds", 15, "push interval in seconds")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(scrubCmd())
	rootCmd.AddCommand(scsiCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (blockfilter.Config, error) {
	cfg, err := blockfilter.LoadConfig(util.GetViper())
	if err != nil {
		return cfg, err
	}
	if cfg.Primary.Path == "" {
		return cfg, fmt.Errorf("no primary image: set primary.path or -primary")
	}
	if cfg.Mirroring && cfg.Mirror.Path == "" {
		return cfg, fmt.Errorf("mirroring enabled without mirror.path")
	}
	return cfg, nil
}
