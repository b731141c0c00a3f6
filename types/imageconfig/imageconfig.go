// Package imageconfig edits an image config json document while preserving fields it does not manage
package imageconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/regclient/regbuild/types"
)

const (
	keyConfig       = "config"
	keyRootFS       = "rootfs"
	keyHistory      = "history"
	keyEnv          = "Env"
	keyLabels       = "Labels"
	keyExposedPorts = "ExposedPorts"
	keyEntrypoint   = "Entrypoint"
	keyCmd          = "Cmd"
	keyWorkingDir   = "WorkingDir"
	keyUser         = "User"
)

type envVar struct {
	key, value string
}

// ImageConfig holds a parsed image config.
// Env entries keep their first position, later values for the same key replace earlier ones.
type ImageConfig struct {
	top        map[string]json.RawMessage
	cfg        map[string]json.RawMessage
	env        []envVar
	labels     map[string]string
	ports      map[string]struct{}
	entrypoint []string
	cmd        []string
	workingDir string
	user       string
	rootfs     ociv1.RootFS
	history    []ociv1.History
	os         string
	arch       string
	variant    string
}

// Parse decodes an image config
func Parse(b []byte) (*ImageConfig, error) {
	c := &ImageConfig{
		top:    map[string]json.RawMessage{},
		cfg:    map[string]json.RawMessage{},
		labels: map[string]string{},
		ports:  map[string]struct{}{},
	}
	if err := json.Unmarshal(b, &c.top); err != nil {
		return nil, fmt.Errorf("%w: image config: %v", types.ErrParsingFailed, err)
	}
	plat := struct {
		OS      string `json:"os"`
		Arch    string `json:"architecture"`
		Variant string `json:"variant"`
	}{}
	if err := json.Unmarshal(b, &plat); err != nil {
		return nil, fmt.Errorf("%w: image config platform: %v", types.ErrParsingFailed, err)
	}
	c.os, c.arch, c.variant = plat.OS, plat.Arch, plat.Variant
	if raw, ok := c.top[keyConfig]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &c.cfg); err != nil {
			return nil, fmt.Errorf("%w: image config section: %v", types.ErrParsingFailed, err)
		}
	}
	if raw, ok := c.top[keyRootFS]; ok {
		if err := json.Unmarshal(raw, &c.rootfs); err != nil {
			return nil, fmt.Errorf("%w: rootfs: %v", types.ErrParsingFailed, err)
		}
	}
	if c.rootfs.Type == "" {
		c.rootfs.Type = "layers"
	}
	if c.rootfs.DiffIDs == nil {
		c.rootfs.DiffIDs = []digest.Digest{}
	}
	if raw, ok := c.top[keyHistory]; ok {
		if err := json.Unmarshal(raw, &c.history); err != nil {
			return nil, fmt.Errorf("%w: history: %v", types.ErrParsingFailed, err)
		}
	}
	var envList []string
	if err := c.decodeCfg(keyEnv, &envList); err != nil {
		return nil, err
	}
	for _, e := range envList {
		k, v, _ := strings.Cut(e, "=")
		c.AddEnv(k, v)
	}
	if err := c.decodeCfg(keyLabels, &c.labels); err != nil {
		return nil, err
	}
	if c.labels == nil {
		c.labels = map[string]string{}
	}
	if err := c.decodeCfg(keyExposedPorts, &c.ports); err != nil {
		return nil, err
	}
	if c.ports == nil {
		c.ports = map[string]struct{}{}
	}
	for k, v := range map[string]*[]string{keyEntrypoint: &c.entrypoint, keyCmd: &c.cmd} {
		if err := c.decodeCfg(k, v); err != nil {
			return nil, err
		}
	}
	if err := c.decodeCfg(keyWorkingDir, &c.workingDir); err != nil {
		return nil, err
	}
	if err := c.decodeCfg(keyUser, &c.user); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ImageConfig) decodeCfg(key string, v interface{}) error {
	raw, ok := c.cfg[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: config field %s: %v", types.ErrParsingFailed, key, err)
	}
	return nil
}

// OS returns the operating system of the image
func (c *ImageConfig) OS() string { return c.os }

// Architecture returns the cpu architecture of the image
func (c *ImageConfig) Architecture() string { return c.arch }

// Variant returns the cpu variant of the image
func (c *ImageConfig) Variant() string { return c.variant }

// IsWindows is true for Windows images
func (c *ImageConfig) IsWindows() bool {
	return strings.EqualFold(c.os, "windows")
}

// AddEnv sets an environment variable
func (c *ImageConfig) AddEnv(key, value string) {
	for i := range c.env {
		if c.env[i].key == key {
			c.env[i].value = value
			return
		}
	}
	c.env = append(c.env, envVar{key: key, value: value})
}

// Env returns the environment as KEY=value entries
func (c *ImageConfig) Env() []string {
	ret := make([]string, 0, len(c.env))
	for _, e := range c.env {
		ret = append(ret, e.key+"="+e.value)
	}
	return ret
}

// SetLabel adds or replaces a label
func (c *ImageConfig) SetLabel(key, value string) {
	c.labels[key] = value
}

// Labels returns a copy of the labels
func (c *ImageConfig) Labels() map[string]string {
	ret := make(map[string]string, len(c.labels))
	for k, v := range c.labels {
		ret[k] = v
	}
	return ret
}

// ExposePort adds a port in the "<number>/<protocol>" form
func (c *ImageConfig) ExposePort(port string) {
	c.ports[port] = struct{}{}
}

// ExposedPorts returns the sorted list of exposed ports
func (c *ImageConfig) ExposedPorts() []string {
	ret := make([]string, 0, len(c.ports))
	for p := range c.ports {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret
}

// SetEntrypoint replaces the entrypoint and the default arguments
func (c *ImageConfig) SetEntrypoint(entrypoint, args []string) {
	c.entrypoint = append([]string{}, entrypoint...)
	c.cmd = append([]string{}, args...)
}

// Entrypoint returns the entrypoint
func (c *ImageConfig) Entrypoint() []string { return c.entrypoint }

// Cmd returns the default arguments
func (c *ImageConfig) Cmd() []string { return c.cmd }

// HasEntrypoint is true if the image defines something to run
func (c *ImageConfig) HasEntrypoint() bool {
	return len(c.entrypoint) > 0 || len(c.cmd) > 0
}

// SetWorkingDir sets the working directory
func (c *ImageConfig) SetWorkingDir(dir string) { c.workingDir = dir }

// WorkingDir returns the working directory
func (c *ImageConfig) WorkingDir() string { return c.workingDir }

// SetUser sets the user the container runs as
func (c *ImageConfig) SetUser(user string) { c.user = user }

// User returns the user the container runs as
func (c *ImageConfig) User() string { return c.user }

// AddLayer records the uncompressed digest of a new layer and a matching history entry
func (c *ImageConfig) AddLayer(diffID digest.Digest, createdBy string) {
	c.rootfs.DiffIDs = append(c.rootfs.DiffIDs, diffID)
	c.history = append(c.history, ociv1.History{CreatedBy: createdBy})
}

// DiffIDs returns the uncompressed layer digests
func (c *ImageConfig) DiffIDs() []digest.Digest {
	return append([]digest.Digest{}, c.rootfs.DiffIDs...)
}

// Marshal serializes the config, output is stable for identical content
func (c *ImageConfig) Marshal() ([]byte, error) {
	cfg := make(map[string]json.RawMessage, len(c.cfg)+8)
	for k, v := range c.cfg {
		cfg[k] = v
	}
	set := func(key string, empty bool, v interface{}) error {
		if empty {
			delete(cfg, key)
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		cfg[key] = b
		return nil
	}
	fields := []struct {
		key   string
		empty bool
		v     interface{}
	}{
		{keyEnv, len(c.env) == 0, c.Env()},
		{keyLabels, len(c.labels) == 0, c.labels},
		{keyExposedPorts, len(c.ports) == 0, c.ports},
		{keyEntrypoint, len(c.entrypoint) == 0, c.entrypoint},
		{keyCmd, len(c.cmd) == 0, c.cmd},
		{keyWorkingDir, c.workingDir == "", c.workingDir},
		{keyUser, c.user == "", c.user},
	}
	for _, f := range fields {
		if err := set(f.key, f.empty, f.v); err != nil {
			return nil, err
		}
	}
	top := make(map[string]json.RawMessage, len(c.top)+3)
	for k, v := range c.top {
		top[k] = v
	}
	var err error
	if top[keyConfig], err = json.Marshal(cfg); err != nil {
		return nil, err
	}
	if top[keyRootFS], err = json.Marshal(c.rootfs); err != nil {
		return nil, err
	}
	if len(c.history) > 0 {
		if top[keyHistory], err = json.Marshal(c.history); err != nil {
			return nil, err
		}
	}
	return json.Marshal(top)
}
