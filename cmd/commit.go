package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/jobs"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

var (
	commitTop   string
	commitBase  string
	commitSpeed string
)

var commitCmd = &cobra.Command{
	Use:   "commit <image-path>",
	Short: "Merge overlay data down into a backing image",
	Long: `Commit data from an overlay into its backing chain. By default the
active layer is committed into its immediate backing file; --top and
--base select other layers of the chain by filename.

Examples:
  # Merge the overlay into its backing file
  vdisk commit overlay.vmdk

  # Merge an intermediate layer down to the chain's bottom
  vdisk commit top.vmdk --top mid.vmdk --base base.vmdk`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(args[0])
	},
}

func init() {
	rootCmd.AddCommand(commitCmd)

	commitCmd.Flags().StringVar(&commitTop, "top", "", "highest layer to commit (defaults to the image itself)")
	commitCmd.Flags().StringVar(&commitBase, "base", "", "destination layer (defaults to the immediate backing file)")
	commitCmd.Flags().StringVar(&commitSpeed, "speed", "", "throttle in bytes per second (e.g. 50M)")
}

// findChainNode matches a layer of active's backing chain by filename.
func findChainNode(active *block.Node, path string) *block.Node {
	want := filepath.Clean(path)
	for cur := active; cur != nil; cur = cur.Backing() {
		if filepath.Clean(cur.Filename()) == want || filepath.Base(cur.Filename()) == path {
			return cur
		}
	}
	return nil
}

func runCommit(path string) error {
	var speed int64
	if commitSpeed != "" {
		var err error
		if speed, err = units.RAMInBytes(commitSpeed); err != nil {
			return fmt.Errorf("invalid speed %q: %w", commitSpeed, err)
		}
	}

	g := block.NewGraph()
	active, err := g.OpenImage(path, false)
	if err != nil {
		return err
	}
	defer g.CloseNode(active)

	top := active
	if commitTop != "" {
		if top = findChainNode(active, commitTop); top == nil {
			return fmt.Errorf("no layer %q in the chain of %s", commitTop, path)
		}
	}
	base := top.Backing()
	if commitBase != "" {
		if base = findChainNode(active, commitBase); base == nil {
			return fmt.Errorf("no layer %q in the chain of %s", commitBase, path)
		}
	}
	if base == nil {
		return fmt.Errorf("%s has no backing file to commit into", top.Filename())
	}

	if err := active.OpBlocked(types.OpCommitSource); err != nil {
		return err
	}

	job, err := jobs.StartCommit(jobs.CommitOptions{
		Graph:  g,
		Active: active,
		Top:    top,
		Base:   base,
		Speed:  speed,
	})
	if err != nil {
		return err
	}

	if top == active {
		// An active commit stays ready until told to finish.
		if job.WaitReady() {
			if err := job.Complete(); err != nil {
				return err
			}
		}
	}
	if err := job.Wait(); err != nil {
		return err
	}

	st := job.Status()
	fmt.Printf("committed %s into %s (%s copied)\n", top.Filename(), base.Filename(),
		units.BytesSize(float64(st.Offset)))
	return nil
}
