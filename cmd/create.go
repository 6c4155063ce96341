package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vdisk/internal/sparse"
)

var (
	createSize        string
	createSubformat   string
	createAdapterType string
	createBackingFile string
	createZeroedGrain bool
	createCompat6     bool
)

var createCmd = &cobra.Command{
	Use:   "create <image-path>",
	Short: "Create a new image, optionally backed by another image",
	Long: `Create a sparse virtual disk image.

Examples:
  # 10 GiB monolithic sparse image
  vdisk create disk.vmdk --size 10G

  # Copy-on-write overlay on an existing image
  vdisk create overlay.vmdk --size 10G --backing-file disk.vmdk

  # Split into 2 GiB extent files
  vdisk create disk.vmdk --size 20G --subformat twoGbMaxExtentSparse`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreate(args[0])
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createSize, "size", "s", "", "virtual disk size (e.g. 512M, 10G)")
	createCmd.Flags().StringVar(&createSubformat, "subformat", "monolithicSparse",
		"image layout (monolithicSparse, monolithicFlat, twoGbMaxExtentSparse, twoGbMaxExtentFlat, streamOptimized)")
	createCmd.Flags().StringVar(&createAdapterType, "adapter-type", "ide",
		"virtual adapter type (ide, buslogic, lsilogic, legacyESX)")
	createCmd.Flags().StringVar(&createBackingFile, "backing-file", "", "backing image for copy-on-write")
	createCmd.Flags().BoolVar(&createZeroedGrain, "zeroed-grain", false, "enable the zeroed-grain sentinel")
	createCmd.Flags().BoolVar(&createCompat6, "compat6", false, "write virtual hardware version 6")

	createCmd.MarkFlagRequired("size")
}

func runCreate(path string) error {
	size, err := units.RAMInBytes(createSize)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", createSize, err)
	}
	err = sparse.Create(sparse.CreateOptions{
		Path:        path,
		Size:        size,
		Subformat:   createSubformat,
		AdapterType: createAdapterType,
		BackingFile: createBackingFile,
		ZeroedGrain: createZeroedGrain,
		Compat6:     createCompat6,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s, %s)\n", path, units.BytesSize(float64(size)), createSubformat)
	return nil
}
