package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

var resizeCmd = &cobra.Command{
	Use:   "resize <image-path> <size>",
	Short: "Grow or shrink a raw image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResize(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(resizeCmd)
}

func runResize(path, sizeStr string) error {
	size, err := units.RAMInBytes(sizeStr)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", sizeStr, err)
	}

	g := block.NewGraph()
	node, err := g.OpenImage(path, false)
	if err != nil {
		return err
	}
	defer g.CloseNode(node)

	if err := node.OpBlocked(types.OpResize); err != nil {
		return err
	}
	if err := node.Resize(size >> types.SectorBits); err != nil {
		return err
	}
	fmt.Printf("resized %s to %s\n", path, units.BytesSize(float64(size)))
	return nil
}
