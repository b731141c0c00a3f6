package registry

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/regclient/regbuild/config"
	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/internal/reqresp"
	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/manifest"
)

// newServer starts a scripted registry and returns its host and request counter
func newServer(t *testing.T, rrs []reqresp.ReqResp) (string, *reqresp.Counter) {
	t.Helper()
	counter := &reqresp.Counter{Handler: reqresp.NewHandler(t, append(rrs, reqresp.BaseEntries...))}
	ts := httptest.NewServer(counter)
	t.Cleanup(ts.Close)
	u, _ := url.Parse(ts.URL)
	return u.Host, counter
}

// newClient returns a client for plain http test servers, each host is served by tsHost
func newClient(t *testing.T, tsHost string, names ...string) *Client {
	t.Helper()
	hosts := []config.Host{{Name: tsHost, Hostname: tsHost, TLS: config.TLSDisabled}}
	for _, name := range names {
		hosts = append(hosts, config.Host{Name: name, Hostname: tsHost, TLS: config.TLSDisabled})
	}
	return New(
		WithConfigHosts(hosts),
		WithStore(contentstore.New(t.TempDir())),
		WithDelay(time.Millisecond, 5*time.Millisecond),
	)
}

// blobLayer writes content to a file and returns it as a layer
func blobLayer(t *testing.T, d digest.Digest, b []byte) layer.Layer {
	t.Helper()
	p := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	return layer.Layer{
		Descriptor: types.Descriptor{
			MediaType: types.MediaTypeOCI1LayerGzip,
			Digest:    d,
			Size:      int64(len(b)),
		},
		Path: p,
	}
}

type testImage struct {
	list, manifest, config, layer                 []byte
	listDesc, manifestDesc, configDesc, layerDesc types.Descriptor
}

// newTestImage returns a single layer linux/amd64 docker image wrapped in a manifest list.
// The list also has an arm64 entry that is not served.
func newTestImage(t *testing.T) testImage {
	t.Helper()
	ti := testImage{}
	_, ti.layer = reqresp.NewRandomBlob(512, 10)
	ti.layerDesc = types.DescriptorFromBytes(types.MediaTypeDocker2Layer, ti.layer)
	diffID := digest.FromString("uncompressed base layer")
	ti.config = []byte(`{"architecture":"amd64","os":"linux","config":{"Env":["PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"],"Entrypoint":["/usr/bin/dotnet"]},"rootfs":{"type":"layers","diff_ids":["` + diffID.String() + `"]}}`)
	ti.configDesc = types.DescriptorFromBytes(types.MediaTypeDocker2ImageConfig, ti.config)
	m := manifest.Manifest{
		SchemaVersion: 2,
		MediaType:     types.MediaTypeDocker2Manifest,
		Config:        ti.configDesc,
		Layers:        []types.Descriptor{ti.layerDesc},
	}
	var err error
	ti.manifest, ti.manifestDesc, err = m.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal manifest: %v", err)
	}
	l := manifest.List{
		SchemaVersion: 2,
		MediaType:     types.MediaTypeDocker2ManifestList,
		Manifests: []manifest.PlatformSpecificManifest{
			{
				MediaType: types.MediaTypeDocker2Manifest,
				Digest:    ti.manifestDesc.Digest,
				Size:      ti.manifestDesc.Size,
				Platform:  &ociv1.Platform{OS: "linux", Architecture: "amd64"},
			},
			{
				MediaType: types.MediaTypeDocker2Manifest,
				Digest:    digest.FromString("arm64 manifest"),
				Size:      1234,
				Platform:  &ociv1.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"},
			},
		},
	}
	ti.list, err = json.Marshal(l)
	if err != nil {
		t.Fatalf("failed to marshal list: %v", err)
	}
	ti.listDesc = types.DescriptorFromBytes(types.MediaTypeDocker2ManifestList, ti.list)
	return ti
}
