package image

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/manifest"
)

var baseConfig = []byte(`{
	"architecture": "amd64",
	"os": "linux",
	"config": {
		"Env": ["PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "DOTNET_VERSION=8.0.0"],
		"StopSignal": "SIGTERM"
	},
	"rootfs": {"type": "layers", "diff_ids": ["sha256:1111111111111111111111111111111111111111111111111111111111111111"]},
	"history": [{"created_by": "base"}],
	"custom": {"keep": true}
}`)

func baseManifest() manifest.Manifest {
	return manifest.Manifest{
		SchemaVersion: 2,
		MediaType:     types.MediaTypeDocker2Manifest,
		Config:        types.DescriptorFromBytes(types.MediaTypeDocker2ImageConfig, baseConfig),
		Layers: []types.Descriptor{
			{
				MediaType: types.MediaTypeDocker2Layer,
				Size:      1234,
				Digest:    digest.Digest("sha256:2222222222222222222222222222222222222222222222222222222222222222"),
			},
		},
	}
}

func appLayer(t *testing.T, store *contentstore.Store) layer.Layer {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.dll"), []byte("app binary"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	l, err := layer.FromDirectory(context.Background(), store, dir, "/app", false, types.MediaTypeDocker2Layer)
	if err != nil {
		t.Fatalf("failed to create layer: %v", err)
	}
	return l
}

func dotnetImage(t *testing.T, store *contentstore.Store) BuiltImage {
	t.Helper()
	b, err := NewBuilder(baseManifest(), baseConfig)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	b.AddLayer(appLayer(t, store))
	b.SetWorkingDirectory("/app")
	b.SetEntryPoint([]string{"dotnet", "app.dll"}, nil)
	b.AddLabel("org.opencontainers.image.title", "app")
	b.AddEnvironmentVariable("DOTNET_VERSION", "8.0.1")
	b.AddEnvironmentVariable("ASPNETCORE_URLS", "http://+:8080")
	b.ExposePort(8080, PortTCP)
	b.SetUser("app")
	bi, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}
	return bi
}

func TestBuild(t *testing.T) {
	t.Parallel()
	store := contentstore.New(t.TempDir())
	bi := dotnetImage(t, store)

	conf := struct {
		Custom map[string]bool `json:"custom"`
		Config struct {
			Entrypoint   []string
			Cmd          []string
			Env          []string
			WorkingDir   string
			User         string
			Labels       map[string]string
			ExposedPorts map[string]struct{}
			StopSignal   string
		} `json:"config"`
		RootFS struct {
			DiffIDs []digest.Digest `json:"diff_ids"`
		} `json:"rootfs"`
		History []struct {
			CreatedBy string `json:"created_by"`
		} `json:"history"`
	}{}
	if err := json.Unmarshal(bi.Config, &conf); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if !reflect.DeepEqual(conf.Config.Entrypoint, []string{"dotnet", "app.dll"}) || len(conf.Config.Cmd) != 0 {
		t.Errorf("unexpected entrypoint %v, cmd %v", conf.Config.Entrypoint, conf.Config.Cmd)
	}
	if conf.Config.WorkingDir != "/app" || conf.Config.User != "app" {
		t.Errorf("unexpected workdir %s or user %s", conf.Config.WorkingDir, conf.Config.User)
	}
	expectEnv := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"DOTNET_VERSION=8.0.1",
		"ASPNETCORE_URLS=http://+:8080",
	}
	if !reflect.DeepEqual(conf.Config.Env, expectEnv) {
		t.Errorf("unexpected env %v", conf.Config.Env)
	}
	if _, ok := conf.Config.ExposedPorts["8080/tcp"]; !ok || len(conf.Config.ExposedPorts) != 1 {
		t.Errorf("unexpected ports %v", conf.Config.ExposedPorts)
	}
	if conf.Config.Labels["org.opencontainers.image.title"] != "app" {
		t.Errorf("label missing: %v", conf.Config.Labels)
	}
	if conf.Config.StopSignal != "SIGTERM" || !conf.Custom["keep"] {
		t.Errorf("unknown fields not preserved")
	}
	if len(conf.RootFS.DiffIDs) != 2 || conf.RootFS.DiffIDs[1] != bi.Layers[1].DiffID {
		t.Errorf("unexpected diff ids %v", conf.RootFS.DiffIDs)
	}
	if len(conf.History) != 2 || conf.History[1].CreatedBy != CreatedBy {
		t.Errorf("unexpected history %v", conf.History)
	}

	m, err := manifest.Parse(manifest.WithRaw(bi.Manifest), manifest.WithMediaType(types.MediaTypeDocker2Manifest))
	if err != nil {
		t.Fatalf("failed to parse manifest: %v", err)
	}
	if m.Desc.Digest != bi.ManifestDesc.Digest || bi.Digest() != m.Desc.Digest {
		t.Errorf("manifest digest mismatch")
	}
	if m.Manifest.Config.Digest != bi.ConfigDesc.Digest || m.Manifest.Config.MediaType != types.MediaTypeDocker2ImageConfig {
		t.Errorf("unexpected config descriptor %v", m.Manifest.Config)
	}
	if len(m.Manifest.Layers) != 2 || m.Manifest.Layers[1].Digest != bi.Layers[1].Descriptor.Digest {
		t.Errorf("unexpected layers %v", m.Manifest.Layers)
	}
	if bi.Layers[0].Path != "" || bi.Layers[1].Path == "" {
		t.Errorf("unexpected layer paths %v", bi.Layers)
	}
	if bi.Platform.OS != "linux" || bi.Platform.Architecture != "amd64" {
		t.Errorf("unexpected platform %v", bi.Platform)
	}
}

func TestBuildDeterministic(t *testing.T) {
	t.Parallel()
	a := dotnetImage(t, contentstore.New(t.TempDir()))
	b := dotnetImage(t, contentstore.New(t.TempDir()))
	if a.ManifestDesc.Digest != b.ManifestDesc.Digest || a.ConfigDesc.Digest != b.ConfigDesc.Digest {
		t.Errorf("rebuild changed digests: %s/%s, %s/%s", a.ManifestDesc.Digest, a.ConfigDesc.Digest, b.ManifestDesc.Digest, b.ConfigDesc.Digest)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	t.Run("consumed", func(t *testing.T) {
		b, err := NewBuilder(baseManifest(), baseConfig)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}
		b.SetEntryPoint([]string{"/bin/app"}, []string{"--serve"})
		if _, err = b.Build(); err != nil {
			t.Fatalf("first build failed: %v", err)
		}
		if _, err = b.Build(); !errors.Is(err, types.ErrBuilderConsumed) {
			t.Errorf("expected ErrBuilderConsumed, received %v", err)
		}
	})
	t.Run("missing entrypoint", func(t *testing.T) {
		b, err := NewBuilder(baseManifest(), baseConfig)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}
		if _, err = b.Build(); !errors.Is(err, types.ErrMissingEntrypoint) {
			t.Errorf("expected ErrMissingEntrypoint, received %v", err)
		}
	})
	t.Run("invalid port", func(t *testing.T) {
		b, err := NewBuilder(baseManifest(), baseConfig)
		if err != nil {
			t.Fatalf("failed to create builder: %v", err)
		}
		b.SetEntryPoint([]string{"/bin/app"}, nil)
		b.ExposePort(70000, PortTCP)
		b.ExposePort(80, PortType("sctp"))
		if _, err = b.Build(); !errors.Is(err, types.ErrInvalidPort) {
			t.Errorf("expected ErrInvalidPort, received %v", err)
		}
	})
	t.Run("diff id count", func(t *testing.T) {
		m := baseManifest()
		m.Layers = append(m.Layers, m.Layers[0])
		if _, err := NewBuilder(m, baseConfig); !errors.Is(err, types.ErrParsingFailed) {
			t.Errorf("expected ErrParsingFailed, received %v", err)
		}
	})
}

func TestBuilderMediaTypes(t *testing.T) {
	t.Parallel()
	b, err := NewBuilder(baseManifest(), baseConfig)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	if b.IsWindows() || b.ManifestMediaType() != types.MediaTypeDocker2Manifest || b.LayerMediaType() != types.MediaTypeDocker2Layer {
		t.Errorf("unexpected docker builder values")
	}
	m := baseManifest()
	m.MediaType = types.MediaTypeOCI1Manifest
	win := []byte(`{"os":"windows","architecture":"amd64","rootfs":{"type":"layers","diff_ids":["sha256:1111111111111111111111111111111111111111111111111111111111111111"]}}`)
	b, err = NewBuilder(m, win)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	if !b.IsWindows() || b.LayerMediaType() != types.MediaTypeOCI1LayerGzip {
		t.Errorf("unexpected oci windows builder values")
	}
}
