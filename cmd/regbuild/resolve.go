package main

import (
	"github.com/spf13/cobra"

	"github.com/regclient/regbuild/containerize"
	"github.com/regclient/regbuild/rid"
)

type resolveOpts struct {
	rootOpts  *rootOpts
	runtimeID string
	ridGraph  string
	format    string
}

func newResolveCmd(rOpts *rootOpts) *cobra.Command {
	opts := resolveOpts{
		rootOpts: rOpts,
	}
	cmd := &cobra.Command{
		Use:   "resolve <image_ref>",
		Short: "Resolve the base image for a runtime",
		Long: `Select the manifest matching a runtime identifier, cache the manifest and config in
the content store, and output the store paths of the manifest, config, and layers.`,
		Example: `
# resolve the arm64 runtime image
regbuild resolve mcr.microsoft.com/dotnet/runtime:8.0 --rid linux-arm64

# output only the config digest
regbuild resolve mcr.microsoft.com/dotnet/runtime:8.0 --format '{{.Config.Digest}}'`,
		Args: cobra.ExactArgs(1),
		RunE: opts.runResolve,
	}
	cmd.Flags().StringVar(&opts.runtimeID, "rid", "linux-x64", "Runtime identifier")
	cmd.Flags().StringVar(&opts.ridGraph, "rid-graph", "", "Runtime identifier graph json")
	cmd.Flags().StringVar(&opts.format, "format", "", "Format output with go template syntax")
	_ = cmd.MarkFlagFilename("rid-graph", "json")
	return cmd
}

func (opts *resolveOpts) runResolve(cmd *cobra.Command, args []string) error {
	graphPath := opts.ridGraph
	if graphPath == "" && opts.rootOpts.conf != nil {
		graphPath = opts.rootOpts.conf.Defaults.RIDGraph
	}
	g, err := rid.LoadGraph(graphPath)
	if err != nil {
		return err
	}
	reg := opts.rootOpts.newRegistry(opts.rootOpts.newStore())
	bi, err := containerize.ResolveBaseImage(cmd.Context(), reg, args[0], opts.runtimeID, rid.NewPicker(g, rid.WithLog(opts.rootOpts.log)))
	if err != nil {
		return err
	}
	return writeFormat(cmd.OutOrStdout(), opts.format, bi)
}
