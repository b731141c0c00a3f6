package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/regclient/regbuild/config"
	"github.com/regclient/regbuild/internal/conffile"
	"github.com/regclient/regbuild/pkg/template"
	"github.com/regclient/regbuild/types"
)

const (
	configVersion = 1
	// configEnv names a config file to load when --config is not set
	configEnv = "REGBUILD_CONFIG"
)

// Config is the parsed configuration file for regbuild
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Creds    []ConfigCreds  `yaml:"creds" json:"creds"`
	Defaults ConfigDefaults `yaml:"defaults" json:"defaults"`
}

// ConfigCreds are registry settings and logins, merged over docker credentials
type ConfigCreds struct {
	Registry   string         `yaml:"registry" json:"registry"`
	Hostname   string         `yaml:"hostname" json:"hostname"`
	User       string         `yaml:"user" json:"user"`
	Pass       string         `yaml:"pass" json:"pass"`
	Token      string         `yaml:"token" json:"token"`
	TLS        config.TLSConf `yaml:"tls" json:"tls"`
	RegCert    string         `yaml:"regcert" json:"regcert"`
	PathPrefix string         `yaml:"pathPrefix" json:"pathPrefix"`
	BlobChunk  int64          `yaml:"blobChunk" json:"blobChunk"`
	BlobMax    int64          `yaml:"blobMax" json:"blobMax"`
	Parallel   int            `yaml:"parallel" json:"parallel"`
}

// ConfigDefaults are settings applied to every build
type ConfigDefaults struct {
	StoreRoot      string        `yaml:"storeRoot" json:"storeRoot"`
	Parallel       int           `yaml:"parallel" json:"parallel"`
	RetryDelay     time.Duration `yaml:"retryDelay" json:"retryDelay"`
	RetryDelayMax  time.Duration `yaml:"retryDelayMax" json:"retryDelayMax"`
	RetryLimit     int           `yaml:"retryLimit" json:"retryLimit"`
	RIDGraph       string        `yaml:"ridGraph" json:"ridGraph"`
	UserAgent      string        `yaml:"userAgent" json:"userAgent"`
	SkipDockerConf bool          `yaml:"skipDockerConfig" json:"skipDockerConfig"`
}

func credsToHost(c ConfigCreds) config.Host {
	return config.Host{
		Name:       c.Registry,
		Hostname:   c.Hostname,
		User:       c.User,
		Pass:       c.Pass,
		Token:      c.Token,
		TLS:        c.TLS,
		RegCert:    c.RegCert,
		PathPrefix: c.PathPrefix,
		BlobChunk:  c.BlobChunk,
		BlobMax:    c.BlobMax,
		Parallel:   c.Parallel,
	}
}

// ConfigNew creates an empty configuration
func ConfigNew() *Config {
	c := Config{
		Version: configVersion,
		Creds:   []ConfigCreds{},
	}
	return &c
}

// ConfigLoadReader reads the config from an io.Reader
func ConfigLoadReader(r io.Reader) (*Config, error) {
	c := ConfigNew()
	if err := yaml.NewDecoder(r).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: config: %v", types.ErrParsingFailed, err)
	}
	// verify loaded version is not higher than supported version
	if c.Version > configVersion {
		return c, fmt.Errorf("%w: %d", types.ErrUnsupportedConfigVersion, c.Version)
	}
	if c.Defaults.RetryDelay > 0 && c.Defaults.RetryDelayMax < c.Defaults.RetryDelay {
		c.Defaults.RetryDelayMax = c.Defaults.RetryDelay
	}
	if err := configExpandTemplates(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigLoadFile reads the config from a file, "-" reads stdin
func ConfigLoadFile(filename string) (*Config, error) {
	if filename == "-" {
		return ConfigLoadReader(os.Stdin)
	}
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ConfigLoadReader(file)
}

// ConfigLoadDefault searches the environment and user directories for a config file.
// A nil error with an empty config is returned when no file is found.
func ConfigLoadDefault() (*Config, error) {
	cf := conffile.New(
		conffile.WithEnvFile(configEnv),
		conffile.WithHomeDir(".regbuild", "config.yml", false),
		conffile.WithAppDir("regbuild", "config.yml", false),
	)
	if cf == nil {
		return ConfigNew(), nil
	}
	rc, err := cf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ConfigLoadReader(rc)
}

// configExpandTemplates allows credentials to be injected with {{env "VAR"}} or {{file "path"}}
func configExpandTemplates(c *Config) error {
	for i := range c.Creds {
		for _, field := range []*string{
			&c.Creds[i].Registry,
			&c.Creds[i].Hostname,
			&c.Creds[i].User,
			&c.Creds[i].Pass,
			&c.Creds[i].Token,
			&c.Creds[i].RegCert,
		} {
			val, err := template.String(*field, nil)
			if err != nil {
				return err
			}
			*field = val
		}
	}
	val, err := template.String(c.Defaults.StoreRoot, nil)
	if err != nil {
		return err
	}
	c.Defaults.StoreRoot = val
	return nil
}
