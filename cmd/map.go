package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/block"
)

var mapCmd = &cobra.Command{
	Use:   "map <image-path>",
	Short: "Dump the allocation map of an image",
	Long: `Print one line per run of sectors sharing an allocation state in the
top layer: data, zero, or unallocated (served by the backing chain).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMap(args[0])
	},
}

func init() {
	rootCmd.AddCommand(mapCmd)
}

func runMap(path string) error {
	g := block.NewGraph()
	node, err := g.OpenImage(path, true)
	if err != nil {
		return err
	}
	defer g.CloseNode(node)

	fmt.Printf("%-16s %-16s %s\n", "START", "SECTORS", "STATUS")
	sectors := node.Sectors()
	for sector := int64(0); sector < sectors; {
		status, num, err := node.BlockStatus(sector, sectors-sector)
		if err != nil {
			return err
		}
		if num <= 0 {
			num = 1
		}
		// Coalesce adjacent runs with the same state.
		runStart, runLen := sector, num
		sector += num
		for sector < sectors {
			next, n, err := node.BlockStatus(sector, sectors-sector)
			if err != nil {
				return err
			}
			if n <= 0 {
				n = 1
			}
			if next != status {
				break
			}
			runLen += n
			sector += n
		}
		fmt.Printf("%-16d %-16d %s\n", runStart, runLen, status)
	}
	return nil
}
