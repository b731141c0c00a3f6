package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/olareg/olareg"
	oConfig "github.com/olareg/olareg/config"

	"github.com/regclient/regbuild/image"
	"github.com/regclient/regbuild/internal/reqresp"
	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/rid"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/manifest"
	"github.com/regclient/regbuild/types/ref"
)

func TestPush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	regHandler := olareg.New(oConfig.Config{
		Storage: oConfig.ConfigStorage{
			StoreType: oConfig.StoreMem,
		},
	})
	ts := httptest.NewServer(regHandler)
	tsURL, _ := url.Parse(ts.URL)
	tsHost := tsURL.Host
	t.Cleanup(func() {
		ts.Close()
		_ = regHandler.Close()
	})
	mirrorHost := "mirror.example.com"
	c := newClient(t, tsHost, mirrorHost)

	// seed the base image
	ti := newTestImage(t)
	base, _ := ref.New(tsHost + "/dotnet/runtime:8.0")
	if err := c.blobPut(ctx, base, ti.layerDesc, bytesOpener(ti.layer)); err != nil {
		t.Fatalf("failed to seed layer: %v", err)
	}
	if err := c.blobPut(ctx, base, ti.configDesc, bytesOpener(ti.config)); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}
	if err := c.ManifestPut(ctx, base, ti.manifestDesc.MediaType, ti.manifest); err != nil {
		t.Fatalf("failed to seed manifest: %v", err)
	}

	g, err := rid.LoadGraph("")
	if err != nil {
		t.Fatalf("failed to load graph: %v", err)
	}
	b, err := c.GetImageManifest(ctx, base, "linux-x64", rid.NewPicker(g))
	if err != nil {
		t.Fatalf("failed to get base image: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.dll"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("failed to write app: %v", err)
	}
	l, err := layer.FromDirectory(ctx, c.Store(), dir, "/app", b.IsWindows(), b.LayerMediaType())
	if err != nil {
		t.Fatalf("failed to create layer: %v", err)
	}
	b.AddLayer(l)
	b.SetWorkingDirectory("/app")
	b.SetEntryPoint([]string{"dotnet", "/app/hello.dll"}, nil)
	b.ExposePort(8080, image.PortTCP)
	built, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}

	tt := []struct {
		name string
		dst  string
	}{
		{
			name: "same registry",
			dst:  tsHost + "/app/hello:v1",
		},
		{
			name: "other registry",
			dst:  mirrorHost + "/mirror/hello:v1",
		},
		{
			name: "repeat push",
			dst:  tsHost + "/app/hello:v2",
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			dst, err := ref.New(tc.dst)
			if err != nil {
				t.Fatalf("failed to parse %s: %v", tc.dst, err)
			}
			if err := c.Push(ctx, built, base, dst); err != nil {
				t.Fatalf("push failed: %v", err)
			}
			d, err := c.ManifestHead(ctx, dst)
			if err != nil {
				t.Fatalf("failed to head pushed manifest: %v", err)
			}
			if d.Digest != built.ManifestDesc.Digest {
				t.Errorf("digest mismatch, expected %s, received %s", built.ManifestDesc.Digest, d.Digest)
			}
			m, err := c.ManifestGet(ctx, dst)
			if err != nil {
				t.Fatalf("failed to get pushed manifest: %v", err)
			}
			for _, layerDesc := range m.Manifest.Layers {
				if _, err := c.BlobHead(ctx, dst, layerDesc.Digest); err != nil {
					t.Errorf("layer %s missing: %v", layerDesc.Digest, err)
				}
			}
		})
	}
}

func TestPushPartial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ti := newTestImage(t)
	m := manifest.Manifest{
		SchemaVersion: 2,
		MediaType:     types.MediaTypeDocker2Manifest,
		Config:        ti.configDesc,
		Layers:        []types.Descriptor{ti.layerDesc},
	}
	b, err := image.NewBuilder(m, ti.config)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	b.AddLabel("version", "1")
	built, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}
	repoPath := "/v2/app/partial"
	host, _ := newServer(t, []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "HEAD config",
				Method: "HEAD",
				Path:   repoPath + "/blobs/" + built.ConfigDesc.Digest.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "HEAD layer",
				Method: "HEAD",
				Path:   repoPath + "/blobs/" + ti.layerDesc.Digest.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:       "PUT manifest",
				Method:     "PUT",
				Path:       repoPath + "/manifests/v1",
				IgnoreBody: true,
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusBadRequest,
			},
		},
	})
	c := newClient(t, host)
	src, _ := ref.New(host + "/base/image:v1")
	dst, _ := ref.New(host + "/app/partial:v1")
	err = c.Push(ctx, built, src, dst)
	if !errors.Is(err, types.ErrManifestPush) {
		t.Fatalf("expected manifest push error, received %v", err)
	}
	var pErr *PartialPushError
	if !errors.As(err, &pErr) || pErr.Digest != built.ManifestDesc.Digest {
		t.Errorf("unexpected partial push error %v", err)
	}
	if !errors.Is(err, types.ErrHTTPStatus) {
		t.Errorf("status error not wrapped: %v", err)
	}
}
