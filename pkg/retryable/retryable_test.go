package retryable

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/regclient/regbuild/internal/reqresp"
	"github.com/regclient/regbuild/types"
)

func TestRetryable(t *testing.T) {
	t.Parallel()
	blob := []byte("hello world")
	blobDigest := digest.FromBytes(blob)
	rrs := []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:     "busy",
				DelOnUse: true,
				Method:   "GET",
				Path:     "/v2/project/blobs/" + blobDigest.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusServiceUnavailable,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "blob",
				Method: "GET",
				Path:   "/v2/project/blobs/" + blobDigest.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   blob,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "missing",
				Method: "HEAD",
				Path:   "/v2/project/blobs/" + blobDigest.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "corrupt",
				Method: "GET",
				Path:   "/v2/project/corrupt",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   []byte("not hello world"),
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "unavailable",
				Method: "GET",
				Path:   "/v2/project/down",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusBadGateway,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "put",
				Method: "PUT",
				Path:   "/v2/project/upload",
				Body:   blob,
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusCreated,
			},
		},
	}
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	t.Cleanup(ts.Close)
	tsURL, _ := url.Parse(ts.URL)
	r := NewRetryable(WithDelay(time.Millisecond, 5*time.Millisecond), WithLimit(3))
	ctx := context.Background()
	u := *tsURL

	t.Run("retry on unavailable", func(t *testing.T) {
		u.Path = "/v2/project/blobs/" + blobDigest.String()
		resp, err := r.DoRequest(ctx, "GET", u, WithDigest(blobDigest))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Close()
		b, err := io.ReadAll(resp)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(b) != string(blob) {
			t.Errorf("body mismatch: %s", b)
		}
		resps, _ := resp.HTTPResponses()
		if len(resps) != 2 {
			t.Errorf("expected 2 responses, received %d", len(resps))
		}
	})
	t.Run("not found returned", func(t *testing.T) {
		u.Path = "/v2/project/blobs/" + blobDigest.String()
		resp, err := r.DoRequest(ctx, "HEAD", u)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Close()
		if resp.HTTPResponse().StatusCode != http.StatusNotFound {
			t.Errorf("unexpected status %d", resp.HTTPResponse().StatusCode)
		}
	})
	t.Run("digest mismatch", func(t *testing.T) {
		u.Path = "/v2/project/corrupt"
		resp, err := r.DoRequest(ctx, "GET", u, WithDigest(blobDigest))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Close()
		_, err = io.ReadAll(resp)
		if !errors.Is(err, types.ErrDigestMismatch) {
			t.Errorf("expected digest mismatch, received %v", err)
		}
	})
	t.Run("retries exhausted", func(t *testing.T) {
		u.Path = "/v2/project/down"
		resp, err := r.DoRequest(ctx, "GET", u)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Close()
		if resp.HTTPResponse().StatusCode != http.StatusBadGateway {
			t.Errorf("unexpected status %d", resp.HTTPResponse().StatusCode)
		}
	})
	t.Run("body", func(t *testing.T) {
		u.Path = "/v2/project/upload"
		resp, err := r.DoRequest(ctx, "PUT", u, WithBodyBytes(blob))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Close()
		if resp.HTTPResponse().StatusCode != http.StatusCreated {
			t.Errorf("unexpected status %d", resp.HTTPResponse().StatusCode)
		}
	})
	t.Run("canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		u.Path = "/v2/project/down"
		_, err := r.DoRequest(cctx, "GET", u)
		if !errors.Is(err, types.ErrCanceled) || !errors.Is(err, context.Canceled) {
			t.Errorf("expected canceled, received %v", err)
		}
	})
}

func TestRetryableAuth(t *testing.T) {
	t.Parallel()
	rrs := []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:    "authorized",
				Method:  "GET",
				Path:    "/v2/",
				Headers: http.Header{"Authorization": {"Basic dXNlcjpwYXNz"}},
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "challenge",
				Method: "GET",
				Path:   "/v2/",
			},
			RespEntry: reqresp.RespEntry{
				Status:  http.StatusUnauthorized,
				Headers: http.Header{"WWW-Authenticate": {`Basic realm="test"`}},
			},
		},
	}
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	t.Cleanup(ts.Close)
	u, _ := url.Parse(ts.URL + "/v2/")
	a := &testAuth{}
	r := NewRetryable(WithAuth(a), WithDelay(time.Millisecond, time.Millisecond))
	resp, err := r.DoRequest(context.Background(), "GET", *u)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		t.Errorf("unexpected status %d", resp.HTTPResponse().StatusCode)
	}
	if a.handled != 1 {
		t.Errorf("expected one challenge, received %d", a.handled)
	}
}

type testAuth struct {
	handled int
}

func (a *testAuth) HandleResponse(resp *http.Response) error {
	if a.handled > 0 {
		return errors.New("repeated challenge")
	}
	a.handled++
	return nil
}

func (a *testAuth) UpdateRequest(req *http.Request) error {
	if a.handled > 0 {
		req.SetBasicAuth("user", "pass")
	}
	return nil
}
