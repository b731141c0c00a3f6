package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/regclient/regbuild/containerize"
	"github.com/regclient/regbuild/daemon"
	"github.com/regclient/regbuild/types"
)

type buildOpts struct {
	rootOpts       *rootOpts
	publishDir     string
	workingDir     string
	baseRegistry   string
	baseImage      string
	baseTag        string
	entrypoint     []string
	entrypointArgs []string
	name           string
	tags           []string
	outputRegistry string
	labels         []string
	ports          []string
	env            []string
	runtimeID      string
	ridGraph       string
	daemon         string
	user           string
	archive        string
}

func newBuildCmd(rOpts *rootOpts) *cobra.Command {
	opts := buildOpts{
		rootOpts: rOpts,
	}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image from a publish directory",
		Long: `Build an image by adding the publish directory as a layer on a base image.
The image is pushed to each tag in the output registry, or loaded into the local daemon
when no registry is given. Each destination succeeds or fails on its own.
Exit codes are 0 on success, 7 when the local daemon is unavailable, and 1 otherwise.`,
		Example: `
# push v1 and latest to a registry
regbuild build --publish-dir ./publish --base-registry mcr.microsoft.com \
  --base-image dotnet/aspnet --base-tag 8.0 --entrypoint dotnet --entrypoint-arg web.dll \
  --name web --tag v1 --tag latest --registry registry.example.org --port 8080

# load into podman and save an archive
regbuild build --publish-dir ./publish --base-registry mcr.microsoft.com \
  --base-image dotnet/runtime-deps --base-tag 8.0 --entrypoint /app/app \
  --name app --tag dev --daemon podman --archive app.tar`,
		Args: cobra.ExactArgs(0),
		RunE: opts.runBuild,
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.publishDir, "publish-dir", "", "Directory with the published application")
	flags.StringVar(&opts.workingDir, "workdir", "/app", "Directory in the image for the application")
	flags.StringVar(&opts.baseRegistry, "base-registry", "", "Registry of the base image")
	flags.StringVar(&opts.baseImage, "base-image", "", "Repository of the base image")
	flags.StringVar(&opts.baseTag, "base-tag", "latest", "Tag or digest of the base image")
	flags.StringArrayVar(&opts.entrypoint, "entrypoint", []string{}, "Entrypoint, repeat for each element")
	flags.StringArrayVar(&opts.entrypointArgs, "entrypoint-arg", []string{}, "Entrypoint argument, repeat for each argument")
	flags.StringVar(&opts.name, "name", "", "Name of the output image")
	flags.StringArrayVar(&opts.tags, "tag", []string{"latest"}, "Tag of the output image, repeat for multiple tags")
	flags.StringVar(&opts.outputRegistry, "registry", "", "Output registry, the image is loaded into the local daemon when empty")
	flags.StringArrayVar(&opts.labels, "label", []string{}, "Image label (key=value)")
	flags.StringArrayVar(&opts.ports, "port", []string{}, "Exposed port (80, 80/tcp, 53/udp)")
	flags.StringArrayVar(&opts.env, "env", []string{}, "Environment variable (key=value)")
	flags.StringVar(&opts.runtimeID, "rid", "linux-x64", "Runtime identifier used to select from a manifest list")
	flags.StringVar(&opts.ridGraph, "rid-graph", "", "Runtime identifier graph json, defaults to the embedded graph")
	flags.StringVar(&opts.daemon, "daemon", daemon.KindDocker, "Local daemon kind ("+strings.Join(daemon.SupportedKinds, ", ")+")")
	flags.StringVar(&opts.user, "user", "", "User for the image config")
	flags.StringVar(&opts.archive, "archive", "", "Also write a docker save archive of the first tag")
	_ = cmd.MarkFlagRequired("publish-dir")
	_ = cmd.MarkFlagRequired("base-image")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagDirname("publish-dir")
	_ = cmd.MarkFlagFilename("rid-graph", "json")
	_ = cmd.MarkFlagFilename("archive", "tar")
	_ = cmd.RegisterFlagCompletionFunc("daemon", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return daemon.SupportedKinds, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

// options converts the flags to containerize options
func (opts *buildOpts) options() (containerize.Options, error) {
	co := containerize.Options{
		PublishDir:     opts.publishDir,
		WorkingDir:     opts.workingDir,
		BaseRegistry:   opts.baseRegistry,
		BaseImage:      opts.baseImage,
		BaseTag:        opts.baseTag,
		Entrypoint:     opts.entrypoint,
		EntrypointArgs: opts.entrypointArgs,
		ImageName:      opts.name,
		ImageTags:      opts.tags,
		OutputRegistry: opts.outputRegistry,
		RuntimeID:      opts.runtimeID,
		RIDGraphPath:   opts.ridGraph,
		LocalDaemon:    opts.daemon,
		User:           opts.user,
		ArchivePath:    opts.archive,
	}
	var err error
	if co.Labels, err = splitKV("label", opts.labels); err != nil {
		return co, err
	}
	if co.Env, err = splitKV("env", opts.env); err != nil {
		return co, err
	}
	for _, p := range opts.ports {
		port, err := containerize.ParsePort(p)
		if err != nil {
			return co, err
		}
		co.Ports = append(co.Ports, port)
	}
	if co.RIDGraphPath == "" && opts.rootOpts.conf != nil {
		co.RIDGraphPath = opts.rootOpts.conf.Defaults.RIDGraph
	}
	return co, nil
}

func (opts *buildOpts) runBuild(cmd *cobra.Command, args []string) error {
	co, err := opts.options()
	if err != nil {
		return err
	}
	log := opts.rootOpts.log
	co.Store = opts.rootOpts.newStore()
	co.Registry = opts.rootOpts.newRegistry(co.Store)
	co.Log = log

	res := containerize.Containerize(cmd.Context(), co)
	for _, d := range res.Diagnostics {
		fmt.Fprintln(cmd.ErrOrStderr(), d.String())
	}
	for _, d := range res.Destinations {
		fields := logrus.Fields{
			"name":   d.Name,
			"target": d.Target.String(),
		}
		switch {
		case d.Canceled:
			log.WithFields(fields).Info("Destination canceled")
		case d.Err != nil:
			fields["err"] = d.Err
			log.WithFields(fields).Debug("Destination failed")
		default:
			log.WithFields(fields).Info("Destination complete")
		}
	}
	if res.Canceled {
		return &exitError{code: res.ExitCode, err: fmt.Errorf("build of %s %w", opts.name, types.ErrCanceled)}
	}
	if !res.Succeeded() {
		return &exitError{code: res.ExitCode, err: fmt.Errorf("build of %s failed with %d error(s)", opts.name, len(res.Diagnostics))}
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Digest.String())
	return nil
}

// splitKV parses key=value flags, later values replace earlier ones
func splitKV(flag string, entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	m := map[string]string{}
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: --%s %q must be key=value", types.ErrParsingFailed, flag, e)
		}
		m[k] = v
	}
	return m, nil
}
