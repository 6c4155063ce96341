package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/block"
	"github.com/deploymenttheory/go-vdisk/internal/types"
)

var infoNoBacking bool

var infoCmd = &cobra.Command{
	Use:   "info <image-path>",
	Short: "Show image metadata, geometry and the backing chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInfo(args[0])
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoNoBacking, "no-backing", false, "do not open the backing chain")
}

func runInfo(path string) error {
	g := block.NewGraph()
	flags := types.OpenFlags(0)
	if infoNoBacking {
		flags |= types.OpenNoBacking
	}
	node, err := g.Open(map[string]string{types.OptFilename: path}, flags)
	if err != nil {
		return err
	}
	defer g.CloseNode(node)

	for depth, cur := 0, node; cur != nil; depth, cur = depth+1, cur.Backing() {
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		fmt.Printf("%simage: %s\n", indent, cur.Filename())
		fmt.Printf("%s  node name: %s\n", indent, cur.Name())
		fmt.Printf("%s  format: %s\n", indent, cur.DriverName())
		fmt.Printf("%s  virtual size: %s (%d sectors)\n", indent,
			units.BytesSize(float64(cur.Sectors()*types.SectorSize)), cur.Sectors())
		if cs := cur.ClusterSize(); cs > 0 {
			fmt.Printf("%s  cluster size: %s\n", indent, units.BytesSize(float64(cs)))
		}
		fmt.Printf("%s  read-only: %v\n", indent, cur.IsReadOnly())
		if cur.Backing() != nil {
			fmt.Printf("%s  backing file: %s\n", indent, cur.Backing().Filename())
		}
	}
	return nil
}
