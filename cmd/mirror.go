package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/jobs"
	"github.com/deploymenttheory/go-vdisk/internal/sparse"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

var (
	mirrorSync          string
	mirrorGranularity   string
	mirrorBufSize       string
	mirrorSpeed         string
	mirrorOnSourceError string
	mirrorOnTargetError string
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror <source-image> <target-image>",
	Short: "Copy a disk onto a new target while tracking writes",
	Long: `Mirror the source image onto a freshly created target. The job keeps a
dirty bitmap of the source, copies until the target has caught up, and
completes once the two are in sync.

Examples:
  # Full copy
  vdisk mirror disk.vmdk copy.vmdk

  # Copy only the top layer; the target shares the backing chain
  vdisk mirror overlay.vmdk copy.vmdk --sync top`,

	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMirror(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(mirrorCmd)

	mirrorCmd.Flags().StringVar(&mirrorSync, "sync", "full", "what to copy (full, top, none)")
	mirrorCmd.Flags().StringVar(&mirrorGranularity, "granularity", "", "copy chunk size (e.g. 64K)")
	mirrorCmd.Flags().StringVar(&mirrorBufSize, "buf-size", "", "copy buffer budget (e.g. 10M)")
	mirrorCmd.Flags().StringVar(&mirrorSpeed, "speed", "", "throttle in bytes per second (e.g. 50M)")
	mirrorCmd.Flags().StringVar(&mirrorOnSourceError, "on-source-error", "report",
		"action on source read errors (report, ignore, stop)")
	mirrorCmd.Flags().StringVar(&mirrorOnTargetError, "on-target-error", "report",
		"action on target write errors (report, ignore, stop)")
}

func runMirror(sourcePath, targetPath string) error {
	syncMode, err := jobs.ParseSyncMode(mirrorSync)
	if err != nil {
		return err
	}
	onSource, err := jobs.ParseErrorAction(mirrorOnSourceError)
	if err != nil {
		return err
	}
	onTarget, err := jobs.ParseErrorAction(mirrorOnTargetError)
	if err != nil {
		return err
	}

	var granularity, bufSize, speed int64
	if mirrorGranularity != "" {
		if granularity, err = units.RAMInBytes(mirrorGranularity); err != nil {
			return fmt.Errorf("invalid granularity %q: %w", mirrorGranularity, err)
		}
	} else if engineConfig != nil {
		granularity = engineConfig.DefaultGranularity
	}
	if mirrorBufSize != "" {
		if bufSize, err = units.RAMInBytes(mirrorBufSize); err != nil {
			return fmt.Errorf("invalid buffer size %q: %w", mirrorBufSize, err)
		}
	} else if engineConfig != nil {
		bufSize = engineConfig.MirrorBufSize
	}
	if mirrorSpeed != "" {
		if speed, err = units.RAMInBytes(mirrorSpeed); err != nil {
			return fmt.Errorf("invalid speed %q: %w", mirrorSpeed, err)
		}
	}

	g := block.NewGraph()
	source, err := g.OpenImage(sourcePath, true)
	if err != nil {
		return err
	}
	defer g.CloseNode(source)

	if err := source.OpBlocked(types.OpMirror); err != nil {
		return err
	}

	// A sync=top target shares the source's backing chain so untouched
	// ranges keep reading through.
	var base *block.Node
	createOpts := sparse.CreateOptions{
		Path: targetPath,
		Size: source.Sectors() * types.SectorSize,
	}
	if syncMode == jobs.SyncTop {
		base = source.Backing()
		if base == nil {
			return fmt.Errorf("source %s has no backing file; use --sync full", sourcePath)
		}
		createOpts.BackingFile = base.Filename()
	}
	if err := sparse.Create(createOpts); err != nil {
		return err
	}

	target, err := g.OpenImage(targetPath, false)
	if err != nil {
		return err
	}
	defer g.CloseNode(target)

	job, err := jobs.StartMirror(jobs.MirrorOptions{
		Graph:         g,
		Source:        source,
		Target:        target,
		Base:          base,
		Sync:          syncMode,
		Granularity:   granularity,
		BufSize:       bufSize,
		OnSourceError: onSource,
		OnTargetError: onTarget,
	})
	if err != nil {
		return err
	}
	if speed > 0 {
		if err := job.SetSpeed(speed); err != nil {
			return err
		}
	}

	if job.WaitReady() {
		if err := job.Complete(); err != nil {
			return err
		}
	}
	if err := job.Wait(); err != nil {
		return err
	}

	st := job.Status()
	fmt.Printf("mirrored %s onto %s (%s copied)\n", sourcePath, targetPath,
		units.BytesSize(float64(st.Offset)))
	return nil
}
