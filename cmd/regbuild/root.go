package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/regclient/regbuild/config"
	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/internal/strparse"
	"github.com/regclient/regbuild/internal/version"
	"github.com/regclient/regbuild/pkg/template"
	"github.com/regclient/regbuild/registry"
)

const (
	usageDesc = `Build container images for published applications without a Dockerfile
More details at https://github.com/regclient/regbuild`
	// UserAgent sets the header on http requests
	UserAgent = "regclient/regbuild"
)

type rootOpts struct {
	name      string
	confFile  string
	verbosity string
	logopts   []string
	hosts     []string
	storeRoot string
	userAgent string
	log       *logrus.Logger
	conf      *Config
}

type versionOpts struct {
	rootOpts *rootOpts
	format   string
}

// NewRootCmd returns the regbuild command tree
func NewRootCmd() (*cobra.Command, *rootOpts) {
	rOpts := &rootOpts{
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	cmd := &cobra.Command{
		Use:   "regbuild <cmd>",
		Short: "Build container images without a Dockerfile",
		Long:  usageDesc,
		Example: `
# build an image from a publish directory and push it to a registry
regbuild build --publish-dir ./bin/publish --base-registry mcr.microsoft.com \
  --base-image dotnet/runtime --base-tag 8.0 --entrypoint dotnet --entrypoint-arg app.dll \
  --name app --tag v1 --registry registry.example.org

# load the image into the local docker engine instead
regbuild build --publish-dir ./bin/publish --base-registry mcr.microsoft.com \
  --base-image dotnet/runtime --base-tag 8.0 --entrypoint /app/app --name app --tag dev

# show debugging output from a command
regbuild resolve mcr.microsoft.com/dotnet/runtime:8.0 --rid linux-arm64 -v debug`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rOpts.name = cmd.Name()

	cmd.PersistentFlags().StringVarP(&rOpts.confFile, "config", "c", "", "Config file, defaults to $"+configEnv+" or ~/.regbuild/config.yml")
	cmd.PersistentFlags().StringVarP(&rOpts.verbosity, "verbosity", "v", logrus.WarnLevel.String(), "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringArrayVar(&rOpts.logopts, "logopt", []string{}, "Log options")
	cmd.PersistentFlags().StringArrayVar(&rOpts.hosts, "host", []string{}, "Registry hosts to add (reg=registry,user=username,pass=password,tls=enabled)")
	cmd.PersistentFlags().StringVar(&rOpts.storeRoot, "store", "", "Content store directory")
	cmd.PersistentFlags().StringVar(&rOpts.userAgent, "user-agent", "", "Override user agent")
	_ = cmd.MarkPersistentFlagFilename("config")
	_ = cmd.RegisterFlagCompletionFunc("verbosity", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"trace", "debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	cmd.PersistentPreRunE = rOpts.rootPreRun
	cmd.AddCommand(
		newBuildCmd(rOpts),
		newLayerCmd(rOpts),
		newManifestCmd(rOpts),
		newResolveCmd(rOpts),
		newVersionCmd(rOpts),
	)
	return cmd, rOpts
}

func newVersionCmd(rOpts *rootOpts) *cobra.Command {
	opts := versionOpts{
		rootOpts: rOpts,
	}
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Long:  fmt.Sprintf(`Show the version of %s.`, rOpts.name),
		Example: fmt.Sprintf(`
# display full version details
%[1]s version

# retrieve the version number
%[1]s version --format '{{.VCSTag}}'`, rOpts.name),
		Args: cobra.ExactArgs(0),
		RunE: opts.runVersion,
	}
	cmd.Flags().StringVar(&opts.format, "format", "{{printPretty .}}", "Format output with go template syntax")
	return cmd
}

func (opts *versionOpts) runVersion(cmd *cobra.Command, args []string) error {
	return template.Writer(cmd.OutOrStdout(), opts.format, version.GetInfo())
}

func (opts *rootOpts) rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(opts.verbosity)
	if err != nil {
		return err
	}
	opts.log.SetLevel(lvl)
	opts.log.SetOutput(cmd.ErrOrStderr())
	opts.log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	for _, opt := range opts.logopts {
		if opt == "json" {
			opts.log.Formatter = new(logrus.JSONFormatter)
		}
	}
	if opts.confFile != "" {
		opts.conf, err = ConfigLoadFile(opts.confFile)
	} else {
		opts.conf, err = ConfigLoadDefault()
	}
	if err != nil {
		return fmt.Errorf("Failed to load config: %w", err)
	}
	return nil
}

// newStore returns the content store from the flag, the config, or the default location
func (opts *rootOpts) newStore() *contentstore.Store {
	switch {
	case opts.storeRoot != "":
		return contentstore.New(opts.storeRoot)
	case opts.conf != nil && opts.conf.Defaults.StoreRoot != "":
		return contentstore.New(opts.conf.Defaults.StoreRoot)
	default:
		return contentstore.Default()
	}
}

// newRegistry configures a registry client from the config file and flags
func (opts *rootOpts) newRegistry(store *contentstore.Store) *registry.Client {
	conf := opts.conf
	if conf == nil {
		conf = ConfigNew()
	}
	regOpts := []registry.Opts{
		registry.WithLog(opts.log),
		registry.WithStore(store),
	}
	if !conf.Defaults.SkipDockerConf {
		regOpts = append(regOpts, registry.WithDockerCreds())
	}
	switch {
	case opts.userAgent != "":
		regOpts = append(regOpts, registry.WithUserAgent(opts.userAgent))
	case conf.Defaults.UserAgent != "":
		regOpts = append(regOpts, registry.WithUserAgent(conf.Defaults.UserAgent))
	default:
		info := version.GetInfo()
		if info.VCSTag != "" {
			regOpts = append(regOpts, registry.WithUserAgent(UserAgent+" ("+info.VCSTag+")"))
		} else {
			regOpts = append(regOpts, registry.WithUserAgent(UserAgent+" ("+info.VCSRef+")"))
		}
	}
	if conf.Defaults.Parallel > 0 {
		regOpts = append(regOpts, registry.WithParallel(conf.Defaults.Parallel))
	}
	if conf.Defaults.RetryDelay > 0 {
		regOpts = append(regOpts, registry.WithDelay(conf.Defaults.RetryDelay, conf.Defaults.RetryDelayMax))
	}
	if conf.Defaults.RetryLimit > 0 {
		regOpts = append(regOpts, registry.WithRetryLimit(conf.Defaults.RetryLimit))
	}
	hosts := []config.Host{}
	for _, c := range conf.Creds {
		hosts = append(hosts, credsToHost(c))
	}
	hosts = append(hosts, opts.flagHosts()...)
	if len(hosts) > 0 {
		regOpts = append(regOpts, registry.WithConfigHosts(hosts))
	}
	return registry.New(regOpts...)
}

// flagHosts parses the --host flags
func (opts *rootOpts) flagHosts() []config.Host {
	hosts := []config.Host{}
	for _, h := range opts.hosts {
		hKV, err := strparse.SplitCSKV(h)
		if err != nil {
			opts.log.WithFields(logrus.Fields{
				"host": h,
				"err":  err,
			}).Warn("Unable to parse host string")
			continue
		}
		host := config.Host{
			Name:       hKV["reg"],
			Hostname:   hKV["hostname"],
			User:       hKV["user"],
			Pass:       hKV["pass"],
			PathPrefix: hKV["prefix"],
		}
		if host.Hostname == "" {
			host.Hostname = host.Name
		}
		if hKV["tls"] != "" {
			var hostTLS config.TLSConf
			if err := hostTLS.UnmarshalText([]byte(hKV["tls"])); err != nil {
				opts.log.WithFields(logrus.Fields{
					"host": h,
					"tls":  hKV["tls"],
					"err":  err,
				}).Warn("Unable to parse tls setting")
			} else {
				host.TLS = hostTLS
			}
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// writeFormat outputs data with a go template, defaulting to indented json
func writeFormat(out io.Writer, format string, data interface{}) error {
	if format == "" {
		format = "{{printPretty .}}"
	}
	return template.Writer(out, format, data)
}
