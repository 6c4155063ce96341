package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/device"
	"github.com/deploymenttheory/go-vdisk/internal/sparse"
)

var (
	// Global output flags only
	verbose bool
	quiet   bool

	// engineConfig is loaded once before any command runs.
	engineConfig *device.EngineConfig
)

var rootCmd = &cobra.Command{
	Use:   "vdisk",
	Short: "Virtual disk image toolkit",
	Long: `vdisk creates, inspects and transforms virtual disk images built on
sparse copy-on-write extents with backing-file chains.

Commands:
  create      Create a new image, optionally backed by another image
  info        Show image metadata, geometry and the backing chain
  map         Dump the allocation map of an image
  resize      Grow or shrink a raw image
  mirror      Copy a disk onto a new target while tracking writes
  commit      Merge overlay data down into a backing image`,
	Version: "0.1.0-dev",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := device.LoadEngineConfig()
		if err != nil {
			return err
		}
		engineConfig = cfg
		sparse.SetL2CacheEntries(cfg.L2CacheEntries)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		if quiet {
			logrus.SetLevel(logrus.ErrorLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
}
