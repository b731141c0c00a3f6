// Package retryable sends http requests with retries, backoff, authentication, and digest verification
package retryable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/types"
)

// Retryable is used to create requests with built in retry capabilities
type Retryable interface {
	DoRequest(ctx context.Context, method string, u url.URL, opts ...OptsReq) (Response, error)
}

// Response is used to handle the result of a request
type Response interface {
	io.ReadCloser
	HTTPResponse() *http.Response
	HTTPResponses() ([]*http.Response, error)
}

// Auth is used to process Www-Authenticate header and update request with Authorization header
type Auth interface {
	HandleResponse(*http.Response) error
	UpdateRequest(*http.Request) error
}

// Opts injects options into NewRetryable
type Opts func(*retryable)

// OptsReq injects options into NewRequest
type OptsReq func(*request)

type retryable struct {
	httpClient *http.Client
	auth       Auth
	limit      int
	delayInit  time.Duration
	delayMax   time.Duration
	userAgent  string
	log        *logrus.Logger
}

// NewRetryable returns a retryable interface
func NewRetryable(opts ...Opts) Retryable {
	r := &retryable{
		httpClient: &http.Client{},
		limit:      5,
		delayInit:  time.Second,
		delayMax:   30 * time.Second,
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithAuth adds authentication to retryable methods
func WithAuth(auth Auth) Opts {
	return func(r *retryable) {
		r.auth = auth
	}
}

// WithDelay initial time to wait between retries (increased with exponential backoff)
func WithDelay(delayInit time.Duration, delayMax time.Duration) Opts {
	return func(r *retryable) {
		if delayInit > 0 {
			r.delayInit = delayInit
		} else {
			r.delayInit = 0
		}
		// delayMax must be at least delayInit, if 0 initialize to 30x delayInit
		if delayMax > r.delayInit {
			r.delayMax = delayMax
		} else if delayMax > 0 {
			r.delayMax = r.delayInit
		} else {
			r.delayMax = r.delayInit * 30
		}
	}
}

// WithHTTPClient uses a specific http client with retryable requests
func WithHTTPClient(h *http.Client) Opts {
	return func(r *retryable) {
		r.httpClient = h
	}
}

// WithLimit restricts the number of retries (defaults to 5)
func WithLimit(l int) Opts {
	return func(r *retryable) {
		r.limit = l
	}
}

// WithLog injects a logrus Logger configuration
func WithLog(log *logrus.Logger) Opts {
	return func(r *retryable) {
		r.log = log
	}
}

// WithUserAgent sets the User-Agent on every request
func WithUserAgent(ua string) Opts {
	return func(r *retryable) {
		r.userAgent = ua
	}
}

type request struct {
	r          *retryable
	ctx        context.Context
	method     string
	u          url.URL
	header     http.Header
	getBody    func() (io.ReadCloser, error)
	contentLen int64
	backoffs   int
	digest     digest.Digest
	digester   digest.Digester
	responses  []*http.Response
	reader     io.Reader
	log        *logrus.Logger
}

// DoRequest runs the request until a non-retryable response is received.
// Responses with any status are returned, callers must check the status code.
func (r *retryable) DoRequest(ctx context.Context, method string, u url.URL, opts ...OptsReq) (Response, error) {
	req := &request{
		r:          r,
		ctx:        ctx,
		method:     method,
		u:          u,
		header:     http.Header{},
		contentLen: -1,
		responses:  []*http.Response{},
		log:        r.log,
	}
	for _, opt := range opts {
		opt(req)
	}
	err := req.retryLoop()
	return req, err
}

// WithBodyBytes converts a bytes slice into a body func and content length
func WithBodyBytes(body []byte) OptsReq {
	return func(req *request) {
		req.contentLen = int64(len(body))
		req.getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
}

// WithBodyFunc includes body content in a request, the func is called again for each retry
func WithBodyFunc(getbody func() (io.ReadCloser, error)) OptsReq {
	return func(req *request) {
		req.getBody = getbody
	}
}

// WithContentLen sets the content length
func WithContentLen(l int64) OptsReq {
	return func(req *request) {
		req.contentLen = l
	}
}

// WithDigest verifies the returned content digest matches.
// The digest is only checked upon EOF, so the content itself must still be read.
func WithDigest(d digest.Digest) OptsReq {
	return func(req *request) {
		req.digest = d
		req.digester = d.Algorithm().Digester()
	}
}

// WithHeader sets a header
func WithHeader(key string, values []string) OptsReq {
	return func(req *request) {
		for _, v := range values {
			req.header.Add(key, v)
		}
	}
}

// WithHeaders includes a header object
func WithHeaders(headers http.Header) OptsReq {
	return func(req *request) {
		for key := range headers {
			for _, val := range headers.Values(key) {
				req.header.Add(key, val)
			}
		}
	}
}

func (req *request) httpDo() error {
	httpReq, err := http.NewRequestWithContext(req.ctx, req.method, req.u.String(), nil)
	if err != nil {
		return err
	}
	if req.getBody != nil {
		httpReq.Body, err = req.getBody()
		if err != nil {
			return err
		}
		httpReq.GetBody = req.getBody
		httpReq.ContentLength = req.contentLen
	} else if req.contentLen == 0 {
		httpReq.ContentLength = 0
	}
	for k, v := range req.header {
		httpReq.Header[k] = append([]string{}, v...)
	}
	if req.r.userAgent != "" {
		httpReq.Header.Set("User-Agent", req.r.userAgent)
	}
	if req.r.auth != nil {
		if err = req.r.auth.UpdateRequest(httpReq); err != nil {
			return err
		}
	}

	req.log.WithFields(logrus.Fields{
		"method":   req.method,
		"url":      req.u.String(),
		"withAuth": len(httpReq.Header.Values("Authorization")) > 0,
	}).Debug("Sending request")
	resp, err := req.r.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	req.responses = append(req.responses, resp)
	if req.digester == nil {
		req.reader = resp.Body
	} else {
		req.reader = io.TeeReader(resp.Body, req.digester.Hash())
	}
	return nil
}

func (req *request) retryLoop() error {
	for {
		if err := req.ctx.Err(); err != nil {
			return canceled(err)
		}
		err := req.httpDo()
		if err != nil {
			if req.ctx.Err() != nil {
				return canceled(req.ctx.Err())
			}
			req.log.WithFields(logrus.Fields{
				"url": req.u.String(),
				"err": err,
			}).Debug("Request failed")
			if boerr := req.backoff(); boerr != nil {
				return fmt.Errorf("%w: %v", boerr, err)
			}
			continue
		}
		retry, err := req.checkResp()
		if err != nil || !retry {
			return err
		}
	}
}

// checkResp returns true when the last response should be discarded and the request retried
func (req *request) checkResp() (bool, error) {
	lastResp := req.responses[len(req.responses)-1]
	switch lastResp.StatusCode {
	case http.StatusUnauthorized:
		if req.r.auth == nil {
			return false, nil
		}
		if err := req.r.auth.HandleResponse(lastResp); err != nil {
			req.log.WithFields(logrus.Fields{
				"url": req.u.String(),
				"err": err,
			}).Debug("Failed to handle auth request")
			// leave the 401 for the caller
			return false, nil
		}
		req.log.WithFields(logrus.Fields{
			"url": req.u.String(),
		}).Debug("Retry needed with auth header")
		drain(lastResp)
		req.backoffs++
		if req.backoffs >= req.r.limit {
			return false, types.ErrBackoffLimit
		}
		return true, nil
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		req.log.WithFields(logrus.Fields{
			"url":    req.u.String(),
			"status": lastResp.Status,
		}).Debug("Backoff and retry needed")
		if err := req.backoff(); err != nil {
			// return the last response to the caller
			return false, nil
		}
		drain(lastResp)
		return true, nil
	}
	return false, nil
}

func (req *request) backoff() error {
	req.backoffs++
	if req.backoffs >= req.r.limit {
		return types.ErrBackoffLimit
	}
	sleepTime := req.r.delayInit << req.backoffs
	if sleepTime > req.r.delayMax || sleepTime <= 0 {
		sleepTime = req.r.delayMax
	}
	req.log.WithFields(logrus.Fields{
		"host":    req.u.Host,
		"seconds": sleepTime.Seconds(),
	}).Warn("Sleeping for backoff")
	select {
	case <-req.ctx.Done():
		return canceled(req.ctx.Err())
	case <-time.After(sleepTime):
	}
	return nil
}

func (req *request) Read(b []byte) (int, error) {
	if req.reader == nil {
		return 0, types.ErrNotFound
	}
	i, err := req.reader.Read(b)
	if err == io.EOF && req.digester != nil && req.digest != req.digester.Digest() {
		req.log.WithFields(logrus.Fields{
			"expected": req.digest,
			"computed": req.digester.Digest(),
		}).Warn("Digest mismatch")
		return i, fmt.Errorf("%w: expected %s, computed %s", types.ErrDigestMismatch, req.digest, req.digester.Digest())
	}
	if err != nil && err != io.EOF && req.ctx.Err() != nil {
		return i, canceled(req.ctx.Err())
	}
	return i, err
}

func (req *request) Close() error {
	if len(req.responses) == 0 {
		return types.ErrNotFound
	}
	return req.responses[len(req.responses)-1].Body.Close()
}

func (req *request) HTTPResponse() *http.Response {
	if len(req.responses) > 0 {
		return req.responses[len(req.responses)-1]
	}
	return nil
}

func (req *request) HTTPResponses() ([]*http.Response, error) {
	if len(req.responses) > 0 {
		return req.responses, nil
	}
	return nil, types.ErrNotFound
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

func canceled(err error) error {
	if errors.Is(err, types.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrCanceled, err)
}
