// Package reqresp serves scripted http responses for registry tests
package reqresp

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
)

type ReqResp struct {
	ReqEntry  ReqEntry
	RespEntry RespEntry
}

type ReqEntry struct {
	Name     string
	DelOnUse bool
	Method   string
	Path     string
	Query    map[string][]string
	Headers  http.Header
	Body     []byte
	// IgnoreBody matches any request body
	IgnoreBody bool
}

type RespEntry struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// BaseEntries answers the registry API version check
var BaseEntries = []ReqResp{
	{
		ReqEntry: ReqEntry{
			Name:   "API check",
			Method: "GET",
			Path:   "/v2/",
		},
		RespEntry: RespEntry{
			Status: http.StatusOK,
			Headers: http.Header(map[string][]string{
				"Docker-Distribution-API-Version": {"registry/2.0"},
			}),
		},
	},
}

// NewHandler returns a handler that answers requests with the first matching entry.
// Unmatched requests fail the test with a 500 response.
func NewHandler(t *testing.T, rrs []ReqResp) http.Handler {
	r := rrHandler{
		t:   t,
		rrs: append([]ReqResp{}, rrs...),
	}
	return &r
}

type rrHandler struct {
	t   *testing.T
	mu  sync.Mutex
	rrs []ReqResp
}

// return false if any item in a is not found in b
func strMapMatch(a, b map[string][]string) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		for _, ave := range av {
			found := false
			for _, bve := range bv {
				if ave == bve {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (r *rrHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	reqBody, err := io.ReadAll(req.Body)
	if err != nil {
		r.t.Errorf("Error reading request body: %v", err)
		rw.WriteHeader(http.StatusInternalServerError)
		_, _ = rw.Write([]byte("Error reading request body"))
		return
	}
	r.mu.Lock()
	for i, rr := range r.rrs {
		reqMatch := rr.ReqEntry
		if reqMatch.Method != req.Method ||
			reqMatch.Path != req.URL.Path ||
			!strMapMatch(reqMatch.Query, req.URL.Query()) ||
			!strMapMatch(reqMatch.Headers, req.Header) ||
			(!reqMatch.IgnoreBody && !bytes.Equal(reqMatch.Body, reqBody)) {
			// skip if any field does not match
			continue
		}
		// for single use test cases, delete this entry
		if reqMatch.DelOnUse {
			r.rrs = append(r.rrs[:i], r.rrs[i+1:]...)
		}
		r.mu.Unlock()

		// respond
		r.t.Logf("Sending response %s", reqMatch.Name)
		rwHeader := rw.Header()
		for k, v := range rr.RespEntry.Headers {
			rwHeader[k] = v
		}
		if rr.RespEntry.Status != 0 {
			rw.WriteHeader(rr.RespEntry.Status)
		}
		_, _ = io.Copy(rw, bytes.NewReader(rr.RespEntry.Body))
		return
	}
	r.mu.Unlock()
	r.t.Errorf("Unhandled request: %s %s", req.Method, req.URL.String())
	rw.WriteHeader(http.StatusInternalServerError)
	_, _ = rw.Write([]byte("Unsupported request"))
}

// NewRandomBlob returns a pseudo random blob of the requested size and its digest
func NewRandomBlob(size int, seed int64) (digest.Digest, []byte) {
	//#nosec G404 regular rand package used for deterministic testing
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, size)
	if n, err := r.Read(b); err != nil {
		panic(err)
	} else if n != size {
		panic("unable to read enough bytes")
	}
	return digest.FromBytes(b), b
}

// Counter wraps a handler and records each request method and path
type Counter struct {
	Handler http.Handler
	mu      sync.Mutex
	reqs    []string
}

func (c *Counter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req.Method+" "+req.URL.Path)
	c.mu.Unlock()
	c.Handler.ServeHTTP(rw, req)
}

// Count returns the number of requests received with a method
func (c *Counter) Count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.reqs {
		if len(r) > len(method) && r[:len(method)+1] == method+" " {
			n++
		}
	}
	return n
}
