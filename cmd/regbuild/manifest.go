package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regclient/regbuild/containerize"
	"github.com/regclient/regbuild/types/ref"
)

type manifestOpts struct {
	rootOpts *rootOpts
	output   string
	format   string
}

func newManifestCmd(rOpts *rootOpts) *cobra.Command {
	opts := manifestOpts{
		rootOpts: rOpts,
	}
	cmd := &cobra.Command{
		Use:   "manifest <cmd>",
		Short: "Manage manifests",
	}
	getCmd := &cobra.Command{
		Use:   "get <image_ref>",
		Short: "Save a manifest to a directory",
		Long: `Save a manifest and, for a manifest list, a descriptor file for each platform.
Files are named "<repository>.<tag>.manifest.json" with "/" in the repository replaced by ".".`,
		Example: `
# save the manifests of the dotnet runtime
regbuild manifest get mcr.microsoft.com/dotnet/runtime:8.0 --output ./manifests`,
		Args: cobra.ExactArgs(1),
		RunE: opts.runManifestGet,
	}
	getCmd.Flags().StringVarP(&opts.output, "output", "o", ".", "Directory for the manifest files")
	getCmd.Flags().StringVar(&opts.format, "format", "", "Format output with go template syntax")
	_ = getCmd.MarkFlagDirname("output")
	cmd.AddCommand(getCmd)
	return cmd
}

func (opts *manifestOpts) runManifestGet(cmd *cobra.Command, args []string) error {
	r, err := ref.New(args[0])
	if err != nil {
		return err
	}
	reg := opts.rootOpts.newRegistry(opts.rootOpts.newStore())
	files, err := containerize.GetManifest(cmd.Context(), reg, r.Registry, r.Repository, r.Ref(), opts.output)
	if err != nil {
		return fmt.Errorf("Failed to get manifest %s: %w", r.CommonName(), err)
	}
	return writeFormat(cmd.OutOrStdout(), opts.format, files)
}
