package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regclient/regbuild/containerize"
	"github.com/regclient/regbuild/types"
)

type layerOpts struct {
	rootOpts   *rootOpts
	fileRoot   string
	workingDir string
	windows    bool
	mediaType  string
	output     string
	format     string
}

func newLayerCmd(rOpts *rootOpts) *cobra.Command {
	opts := layerOpts{
		rootOpts: rOpts,
	}
	cmd := &cobra.Command{
		Use:   "layer <cmd>",
		Short: "Manage layers",
	}
	createCmd := &cobra.Command{
		Use:   "create <file>...",
		Short: "Create an application layer from files",
		Long: `Create a layer blob from files below the root directory. Each file is placed in the
working directory at its path relative to the root. The blob is copied to the output path.`,
		Example: `
# create a gzip layer with two files
regbuild layer create --root ./publish --output app.tar.gz app.dll app.runtimeconfig.json

# create a windows layer
regbuild layer create --root ./publish --windows --workdir 'C:\app' --output app.tar.gz app.exe`,
		Args: cobra.MinimumNArgs(1),
		RunE: opts.runLayerCreate,
	}
	createCmd.Flags().StringVar(&opts.fileRoot, "root", ".", "Directory the files are relative to")
	createCmd.Flags().StringVar(&opts.workingDir, "workdir", "/app", "Directory in the image for the files")
	createCmd.Flags().BoolVar(&opts.windows, "windows", false, "Create a windows layer")
	createCmd.Flags().StringVar(&opts.mediaType, "media-type", string(types.MediaTypeOCI1LayerGzip), "Layer media type")
	createCmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output path for the layer blob")
	createCmd.Flags().StringVar(&opts.format, "format", "", "Format output with go template syntax")
	_ = createCmd.MarkFlagRequired("output")
	_ = createCmd.MarkFlagDirname("root")
	cmd.AddCommand(createCmd)
	return cmd
}

func (opts *layerOpts) runLayerCreate(cmd *cobra.Command, args []string) error {
	mt := types.ParseMediaType(opts.mediaType)
	if _, err := mt.Ext(); err != nil {
		return fmt.Errorf("media type %s is not a layer: %w", opts.mediaType, err)
	}
	li, err := containerize.CreateAppLayer(cmd.Context(), opts.rootOpts.newStore(), opts.fileRoot, args, opts.workingDir, opts.windows, mt, opts.output)
	if err != nil {
		return err
	}
	opts.rootOpts.log.WithField("digest", li.Digest.String()).Info("Layer created")
	return writeFormat(cmd.OutOrStdout(), opts.format, li)
}
