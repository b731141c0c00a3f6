package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/regclient/regbuild/internal/reqresp"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/ref"
)

func TestPushLayer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobLen := 1024
	d1, blob1 := reqresp.NewRandomBlob(blobLen, 1)

	t.Run("exists", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, []reqresp.ReqResp{
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "HEAD for d1",
					Method: "HEAD",
					Path:   "/v2/proj/exists/blobs/" + d1.String(),
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusOK,
					Headers: http.Header{
						"Content-Length":        {fmt.Sprintf("%d", blobLen)},
						"Docker-Content-Digest": {d1.String()},
					},
				},
			},
		})
		c := newClient(t, host)
		r, _ := ref.New(host + "/proj/exists:v1")
		if err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if n := counter.Count("POST") + counter.Count("PUT") + counter.Count("PATCH"); n != 0 {
			t.Errorf("expected no upload calls, received %d", n)
		}
	})

	t.Run("atomic", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, []reqresp.ReqResp{
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "HEAD for d1",
					Method: "HEAD",
					Path:   "/v2/proj/atomic/blobs/" + d1.String(),
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusNotFound,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "POST for d1",
					Method: "POST",
					Path:   "/v2/proj/atomic/blobs/uploads/",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusAccepted,
					Headers: http.Header{
						"Location": {"/v2/proj/atomic/blobs/uploads/session1"},
					},
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "PUT for d1",
					Method: "PUT",
					Path:   "/v2/proj/atomic/blobs/uploads/session1",
					Query: map[string][]string{
						"digest": {d1.String()},
					},
					Headers: http.Header{
						"Content-Type": {"application/octet-stream"},
					},
					Body: blob1,
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusCreated,
				},
			},
		})
		c := newClient(t, host)
		r, _ := ref.New(host + "/proj/atomic:v1")
		if err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if counter.Count("PATCH") != 0 || counter.Count("PUT") != 1 {
			t.Errorf("unexpected upload calls: %d PATCH, %d PUT", counter.Count("PATCH"), counter.Count("PUT"))
		}
	})

	t.Run("chunked over max", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, chunkedEntries("/v2/proj/chunked", d1, blob1, 512, nil))
		c := newClient(t, host)
		c.blobChunk = 512
		c.blobMax = 600
		r, _ := ref.New(host + "/proj/chunked:v1")
		if err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if counter.Count("PATCH") != 2 {
			t.Errorf("expected 2 PATCH requests, received %d", counter.Count("PATCH"))
		}
	})

	t.Run("chunked min length", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, chunkedEntries("/v2/proj/minchunk", d1, blob1, blobLen, http.Header{
			"OCI-Chunk-Min-Length": {"1024"},
		}))
		c := newClient(t, host)
		c.blobChunk = 256
		r, _ := ref.New(host + "/proj/minchunk:v1")
		if err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if counter.Count("PATCH") != 1 {
			t.Errorf("expected 1 PATCH request, received %d", counter.Count("PATCH"))
		}
	})

	t.Run("artifact registry never chunks", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, []reqresp.ReqResp{
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "HEAD for d1",
					Method: "HEAD",
					Path:   "/v2/proj/gar/blobs/" + d1.String(),
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusNotFound,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "POST for d1",
					Method: "POST",
					Path:   "/v2/proj/gar/blobs/uploads/",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusAccepted,
					Headers: http.Header{
						"Location":             {"/v2/proj/gar/blobs/uploads/g1"},
						"OCI-Chunk-Min-Length": {"256"},
					},
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "PUT for d1",
					Method: "PUT",
					Path:   "/v2/proj/gar/blobs/uploads/g1",
					Query: map[string][]string{
						"digest": {d1.String()},
					},
					Body: blob1,
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusCreated,
				},
			},
		})
		garHost := "us-south1-docker.pkg.dev"
		c := newClient(t, host, garHost)
		c.blobMax = 100
		r, _ := ref.New(garHost + "/proj/gar:v1")
		if err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if counter.Count("PATCH") != 0 {
			t.Errorf("artifact registry upload used %d PATCH requests", counter.Count("PATCH"))
		}
	})

	t.Run("failed upload is canceled", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, []reqresp.ReqResp{
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "HEAD for d1",
					Method: "HEAD",
					Path:   "/v2/proj/fail/blobs/" + d1.String(),
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusNotFound,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "POST for d1",
					Method: "POST",
					Path:   "/v2/proj/fail/blobs/uploads/",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusAccepted,
					Headers: http.Header{
						"Location": {"/v2/proj/fail/blobs/uploads/f1"},
					},
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:       "PUT for d1",
					Method:     "PUT",
					Path:       "/v2/proj/fail/blobs/uploads/f1",
					IgnoreBody: true,
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusInternalServerError,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "DELETE for f1",
					Method: "DELETE",
					Path:   "/v2/proj/fail/blobs/uploads/f1",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusNoContent,
				},
			},
		})
		garHost := "europe-docker.pkg.dev"
		c := newClient(t, host, garHost)
		r, _ := ref.New(garHost + "/proj/fail:v1")
		err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1))
		if !errors.Is(err, types.ErrHTTPStatus) {
			t.Fatalf("expected http status error, received %v", err)
		}
		var regErr *types.RegistryError
		if !errors.As(err, &regErr) || regErr.Registry != garHost || regErr.Repository != "proj/fail" || regErr.Status != http.StatusInternalServerError {
			t.Errorf("unexpected registry error %#v", regErr)
		}
		if counter.Count("DELETE") != 1 {
			t.Errorf("expected upload session to be deleted, received %d DELETE requests", counter.Count("DELETE"))
		}
	})

	t.Run("atomic failure falls back to chunks", func(t *testing.T) {
		t.Parallel()
		host, counter := newServer(t, []reqresp.ReqResp{
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "HEAD for d1",
					Method: "HEAD",
					Path:   "/v2/proj/fallback/blobs/" + d1.String(),
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusNotFound,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:     "first POST",
					DelOnUse: true,
					Method:   "POST",
					Path:     "/v2/proj/fallback/blobs/uploads/",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusAccepted,
					Headers: http.Header{
						"Location": {"/v2/proj/fallback/blobs/uploads/s1"},
					},
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:       "atomic PUT",
					Method:     "PUT",
					Path:       "/v2/proj/fallback/blobs/uploads/s1",
					IgnoreBody: true,
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusBadRequest,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "DELETE s1",
					Method: "DELETE",
					Path:   "/v2/proj/fallback/blobs/uploads/s1",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusNoContent,
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "second POST",
					Method: "POST",
					Path:   "/v2/proj/fallback/blobs/uploads/",
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusAccepted,
					Headers: http.Header{
						"Location": {"/v2/proj/fallback/blobs/uploads/s2"},
					},
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "PATCH s2",
					Method: "PATCH",
					Path:   "/v2/proj/fallback/blobs/uploads/s2",
					Headers: http.Header{
						"Content-Range": {fmt.Sprintf("0-%d", blobLen-1)},
					},
					Body: blob1,
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusAccepted,
					Headers: http.Header{
						"Location": {"/v2/proj/fallback/blobs/uploads/s3"},
					},
				},
			},
			{
				ReqEntry: reqresp.ReqEntry{
					Name:   "PUT s3",
					Method: "PUT",
					Path:   "/v2/proj/fallback/blobs/uploads/s3",
					Query: map[string][]string{
						"digest": {d1.String()},
					},
				},
				RespEntry: reqresp.RespEntry{
					Status: http.StatusCreated,
				},
			},
		})
		c := newClient(t, host)
		r, _ := ref.New(host + "/proj/fallback:v1")
		if err := c.PushLayer(ctx, r, blobLayer(t, d1, blob1)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if counter.Count("DELETE") != 1 || counter.Count("PATCH") != 1 || counter.Count("POST") != 2 {
			t.Errorf("unexpected calls: %d DELETE, %d PATCH, %d POST", counter.Count("DELETE"), counter.Count("PATCH"), counter.Count("POST"))
		}
	})
}

// chunkedEntries scripts an upload of blob in chunks of size, each PATCH returns the next location
func chunkedEntries(repoPath string, d digest.Digest, blob []byte, size int, postHeaders http.Header) []reqresp.ReqResp {
	if postHeaders == nil {
		postHeaders = http.Header{}
	}
	postHeaders.Set("Location", repoPath+"/blobs/uploads/c0")
	rrs := []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "HEAD",
				Method: "HEAD",
				Path:   repoPath + "/blobs/" + d.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "POST",
				Method: "POST",
				Path:   repoPath + "/blobs/uploads/",
			},
			RespEntry: reqresp.RespEntry{
				Status:  http.StatusAccepted,
				Headers: postHeaders,
			},
		},
	}
	i := 0
	for start := 0; start < len(blob); start += size {
		end := start + size
		if end > len(blob) {
			end = len(blob)
		}
		rrs = append(rrs, reqresp.ReqResp{
			ReqEntry: reqresp.ReqEntry{
				Name:   fmt.Sprintf("PATCH c%d", i),
				Method: "PATCH",
				Path:   fmt.Sprintf("%s/blobs/uploads/c%d", repoPath, i),
				Headers: http.Header{
					"Content-Range": {fmt.Sprintf("%d-%d", start, end-1)},
				},
				Body: blob[start:end],
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusAccepted,
				Headers: http.Header{
					"Location": {fmt.Sprintf("%s/blobs/uploads/c%d", repoPath, i+1)},
				},
			},
		})
		i++
	}
	rrs = append(rrs, reqresp.ReqResp{
		ReqEntry: reqresp.ReqEntry{
			Name:   "PUT",
			Method: "PUT",
			Path:   fmt.Sprintf("%s/blobs/uploads/c%d", repoPath, i),
			Query: map[string][]string{
				"digest": {d.String()},
			},
		},
		RespEntry: reqresp.RespEntry{
			Status: http.StatusCreated,
		},
	})
	return rrs
}

func TestBlobGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d1, blob1 := reqresp.NewRandomBlob(1024, 2)
	dBad := digest.FromBytes([]byte("bad"))
	host, _ := newServer(t, []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "GET for d1",
				Method: "GET",
				Path:   "/v2/proj/repo/blobs/" + d1.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   blob1,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "GET for bad digest",
				Method: "GET",
				Path:   "/v2/proj/repo/blobs/" + dBad.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   blob1,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "GET private",
				Method: "GET",
				Path:   "/v2/proj/private/blobs/" + d1.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusForbidden,
			},
		},
	})
	c := newClient(t, host)
	r, _ := ref.New(host + "/proj/repo")
	t.Run("get", func(t *testing.T) {
		rdr, err := c.BlobGet(ctx, r, d1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		defer rdr.Close()
		b, err := io.ReadAll(rdr)
		if err != nil || string(b) != string(blob1) {
			t.Errorf("unexpected content, err %v", err)
		}
	})
	t.Run("file", func(t *testing.T) {
		desc := types.Descriptor{MediaType: types.MediaTypeOCI1LayerGzip, Digest: d1, Size: int64(len(blob1))}
		p, err := c.BlobFile(ctx, r, desc)
		if err != nil {
			t.Fatalf("file failed: %v", err)
		}
		if !c.Store().Exists(desc) {
			t.Errorf("blob not stored at %s", p)
		}
		p2, err := c.BlobFile(ctx, r, desc)
		if err != nil || p2 != p {
			t.Errorf("second download returned %s, %v", p2, err)
		}
	})
	t.Run("digest mismatch", func(t *testing.T) {
		desc := types.Descriptor{MediaType: types.MediaTypeOCI1LayerGzip, Digest: dBad, Size: int64(len(blob1))}
		if _, err := c.BlobFile(ctx, r, desc); !errors.Is(err, types.ErrDigestMismatch) {
			t.Errorf("expected digest mismatch, received %v", err)
		}
		if c.Store().Exists(desc) {
			t.Errorf("corrupt blob was stored")
		}
	})
	t.Run("forbidden", func(t *testing.T) {
		rp := r
		rp.Repository = "proj/private"
		if _, err := c.BlobGet(ctx, rp, d1); !errors.Is(err, types.ErrUnauthorized) {
			t.Errorf("expected unauthorized, received %v", err)
		}
	})
}
