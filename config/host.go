// Package config contains registry host settings and the loader for docker credentials
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// TLSConf specifies whether TLS is enabled for a host
type TLSConf int

const (
	// TLSUndefined indicates TLS is not passed, defaults to Enabled
	TLSUndefined TLSConf = iota
	// TLSEnabled uses TLS (https) for the connection
	TLSEnabled
	// TLSInsecure uses TLS but does not verify CA
	TLSInsecure
	// TLSDisabled does not use TLS (http)
	TLSDisabled
)

const (
	// DockerRegistry is the name resolved in docker images on Hub
	DockerRegistry = "docker.io"
	// DockerRegistryAuth is the name provided in docker's config for Hub
	DockerRegistryAuth = "https://index.docker.io/v1/"
	// DockerRegistryDNS is the host to connect to for Hub
	DockerRegistryDNS = "registry-1.docker.io"
)

// MarshalJSON converts to a json string using MarshalText
func (t TLSConf) MarshalJSON() ([]byte, error) {
	s, err := t.MarshalText()
	if err != nil {
		return []byte(""), err
	}
	return json.Marshal(string(s))
}

// MarshalText converts TLSConf to a string
func (t TLSConf) MarshalText() ([]byte, error) {
	var s string
	switch t {
	default:
		s = ""
	case TLSEnabled:
		s = "enabled"
	case TLSInsecure:
		s = "insecure"
	case TLSDisabled:
		s = "disabled"
	}
	return []byte(s), nil
}

// UnmarshalJSON converts TLSConf from a json string
func (t *TLSConf) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// UnmarshalText converts TLSConf from a string
func (t *TLSConf) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	default:
		return fmt.Errorf("unknown TLS value \"%s\"", b)
	case "":
		*t = TLSUndefined
	case "enabled":
		*t = TLSEnabled
	case "insecure":
		*t = TLSInsecure
	case "disabled":
		*t = TLSDisabled
	}
	return nil
}

// UnmarshalYAML converts TLSConf from a yaml string
func (t *TLSConf) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// Host struct contains host specific settings
type Host struct {
	Name       string  `json:"-" yaml:"name"`
	TLS        TLSConf `json:"tls,omitempty" yaml:"tls"`
	RegCert    string  `json:"regcert,omitempty" yaml:"regcert"`
	Hostname   string  `json:"hostname,omitempty" yaml:"hostname"` // host used for the connection, Name is used in references
	User       string  `json:"user,omitempty" yaml:"user"`
	Pass       string  `json:"pass,omitempty" yaml:"pass"`
	Token      string  `json:"token,omitempty" yaml:"token"`
	PathPrefix string  `json:"pathPrefix,omitempty" yaml:"pathPrefix"` // prepended to each repository, used for mirrors within a namespace
	BlobChunk  int64   `json:"blobChunk,omitempty" yaml:"blobChunk"`   // size of each blob chunk
	BlobMax    int64   `json:"blobMax,omitempty" yaml:"blobMax"`       // threshold to switch to chunked upload, -1 to disable
	Parallel   int     `json:"parallel,omitempty" yaml:"parallel"`     // concurrent layer uploads, 1 for sequential
}

// HostNew creates a default Host entry
func HostNew() *Host {
	h := Host{
		TLS: TLSEnabled,
	}
	return &h
}

// HostNewName creates a default Host with a hostname
func HostNewName(host string) *Host {
	h := Host{
		Name:     host,
		TLS:      TLSEnabled,
		Hostname: host,
	}
	if host == DockerRegistry || host == DockerRegistryDNS || host == DockerRegistryAuth {
		h.Name = DockerRegistry
		h.Hostname = DockerRegistryDNS
	}
	return &h
}

// Merge adds fields from a new config host entry
func (host *Host) Merge(newHost Host, log *logrus.Logger) error {
	name := newHost.Name
	if name == "" {
		name = host.Name
	}
	if log == nil {
		log = &logrus.Logger{Out: io.Discard}
	}

	// merge the existing and new config host
	if host.Name == "" {
		// only set the name if it's not initialized, this shouldn't normally change
		host.Name = newHost.Name
	}

	if newHost.User != "" {
		if host.User != "" && host.User != newHost.User {
			log.WithFields(logrus.Fields{
				"orig": host.User,
				"new":  newHost.User,
				"host": name,
			}).Warn("Changing login user for registry")
		}
		host.User = newHost.User
	}

	if newHost.Pass != "" {
		if host.Pass != "" && host.Pass != newHost.Pass {
			log.WithFields(logrus.Fields{
				"host": name,
			}).Warn("Changing login password for registry")
		}
		host.Pass = newHost.Pass
	}

	if newHost.Token != "" {
		if host.Token != "" && host.Token != newHost.Token {
			log.WithFields(logrus.Fields{
				"host": name,
			}).Warn("Changing login token for registry")
		}
		host.Token = newHost.Token
	}

	if newHost.TLS != TLSUndefined {
		if host.TLS != TLSUndefined && host.TLS != newHost.TLS {
			tlsOrig, _ := host.TLS.MarshalText()
			tlsNew, _ := newHost.TLS.MarshalText()
			log.WithFields(logrus.Fields{
				"orig": string(tlsOrig),
				"new":  string(tlsNew),
				"host": name,
			}).Warn("Changing TLS settings for registry")
		}
		host.TLS = newHost.TLS
	}

	if newHost.RegCert != "" {
		if host.RegCert != "" && host.RegCert != newHost.RegCert {
			log.WithFields(logrus.Fields{
				"host": name,
			}).Warn("Changing certificate settings for registry")
		}
		host.RegCert = newHost.RegCert
	}

	if newHost.Hostname != "" {
		if host.Hostname != "" && host.Hostname != newHost.Hostname {
			log.WithFields(logrus.Fields{
				"orig": host.Hostname,
				"new":  newHost.Hostname,
				"host": name,
			}).Warn("Changing hostname settings for registry")
		}
		host.Hostname = newHost.Hostname
	}

	if newHost.PathPrefix != "" {
		newHost.PathPrefix = strings.Trim(newHost.PathPrefix, "/") // leading and trailing / are not needed
		if host.PathPrefix != "" && host.PathPrefix != newHost.PathPrefix {
			log.WithFields(logrus.Fields{
				"orig": host.PathPrefix,
				"new":  newHost.PathPrefix,
				"host": name,
			}).Warn("Changing path prefix settings for registry")
		}
		host.PathPrefix = newHost.PathPrefix
	}

	if newHost.BlobChunk > 0 {
		if host.BlobChunk != 0 && host.BlobChunk != newHost.BlobChunk {
			log.WithFields(logrus.Fields{
				"orig": host.BlobChunk,
				"new":  newHost.BlobChunk,
				"host": name,
			}).Warn("Changing blobChunk settings for registry")
		}
		host.BlobChunk = newHost.BlobChunk
	}

	if newHost.BlobMax != 0 {
		if host.BlobMax != 0 && host.BlobMax != newHost.BlobMax {
			log.WithFields(logrus.Fields{
				"orig": host.BlobMax,
				"new":  newHost.BlobMax,
				"host": name,
			}).Warn("Changing blobMax settings for registry")
		}
		host.BlobMax = newHost.BlobMax
	}

	if newHost.Parallel > 0 {
		if host.Parallel != 0 && host.Parallel != newHost.Parallel {
			log.WithFields(logrus.Fields{
				"orig": host.Parallel,
				"new":  newHost.Parallel,
				"host": name,
			}).Warn("Changing parallel settings for registry")
		}
		host.Parallel = newHost.Parallel
	}

	return nil
}

// Hosts is a set of host settings indexed by registry name
type Hosts map[string]*Host

// Set merges a host entry into the set, creating it when missing
func (hs Hosts) Set(h Host, log *logrus.Logger) error {
	name := h.Name
	if name == DockerRegistryAuth || name == DockerRegistryDNS {
		name = DockerRegistry
		h.Name = DockerRegistry
	}
	if name == "" {
		return fmt.Errorf("host name is required")
	}
	if _, ok := hs[name]; !ok {
		hs[name] = HostNewName(name)
	}
	return hs[name].Merge(h, log)
}

// Get returns the settings for a registry, defaults are returned for unknown registries
func (hs Hosts) Get(name string) *Host {
	if name == DockerRegistryAuth || name == DockerRegistryDNS {
		name = DockerRegistry
	}
	if h, ok := hs[name]; ok {
		return h
	}
	return HostNewName(name)
}
