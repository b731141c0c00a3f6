// Package registry implements the registry API used to pull base images and push built images
package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/regclient/regbuild/config"
	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/pkg/auth"
	"github.com/regclient/regbuild/pkg/retryable"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/ref"
)

const (
	// DefaultUserAgent sets the header on http requests
	DefaultUserAgent = "regclient/regbuild"
	// DefaultBlobChunk is the chunk size for chunked uploads
	DefaultBlobChunk int64 = 1024 * 1024
	// DefaultParallel is the number of concurrent layer uploads
	DefaultParallel = 3
)

// Client is a registry client, safe for concurrent use
type Client struct {
	hosts      config.Hosts
	httpClient *http.Client
	store      *contentstore.Store
	log        *logrus.Logger
	delayInit  time.Duration
	delayMax   time.Duration
	retryLimit int
	userAgent  string
	blobChunk  int64
	blobMax    int64
	parallel   int
	dockerCred bool
	mu         sync.Mutex
	retryables map[string]retryable.Retryable
	uploads    singleflight.Group
	downloads  singleflight.Group
}

// Opts configures New
type Opts func(*Client)

// New returns a registry client
func New(opts ...Opts) *Client {
	c := &Client{
		hosts:      config.Hosts{},
		retryables: map[string]retryable.Retryable{},
		userAgent:  DefaultUserAgent,
		blobChunk:  DefaultBlobChunk,
		parallel:   DefaultParallel,
		delayInit:  time.Second,
		delayMax:   30 * time.Second,
		retryLimit: 5,
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	// inject Docker Hub settings
	_ = c.hosts.Set(config.Host{
		Name:     config.DockerRegistry,
		TLS:      config.TLSEnabled,
		Hostname: config.DockerRegistryDNS,
	}, nil)
	for _, opt := range opts {
		opt(c)
	}
	if c.dockerCred {
		c.loadDockerCreds()
	}
	if c.store == nil {
		c.store = contentstore.Default()
	}
	c.log.Debug("registry client initialized")
	return c
}

// WithConfigHosts adds host settings, later entries are merged into earlier ones
func WithConfigHosts(hosts []config.Host) Opts {
	return func(c *Client) {
		for _, h := range hosts {
			if err := c.hosts.Set(h, c.log); err != nil {
				c.log.WithFields(logrus.Fields{
					"host": h.Name,
					"err":  err,
				}).Warn("Failed to add host config")
			}
		}
	}
}

// WithDockerCreds loads credentials from the docker config file
func WithDockerCreds() Opts {
	return func(c *Client) {
		c.dockerCred = true
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(c *Client) {
		c.log = log
	}
}

// WithDelay sets the initial and maximum delay between retries
func WithDelay(delayInit, delayMax time.Duration) Opts {
	return func(c *Client) {
		c.delayInit = delayInit
		c.delayMax = delayMax
	}
}

// WithRetryLimit sets the number of attempts for each request
func WithRetryLimit(limit int) Opts {
	return func(c *Client) {
		if limit > 0 {
			c.retryLimit = limit
		}
	}
}

// WithStore sets the content store used to cache pulled content
func WithStore(s *contentstore.Store) Opts {
	return func(c *Client) {
		c.store = s
	}
}

// WithUserAgent specifies the User-Agent http header
func WithUserAgent(ua string) Opts {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithBlobSize overrides the default chunk size and the threshold for chunked uploads
func WithBlobSize(chunk, max int64) Opts {
	return func(c *Client) {
		if chunk > 0 {
			c.blobChunk = chunk
		}
		if max != 0 {
			c.blobMax = max
		}
	}
}

// WithParallel limits the number of concurrent layer uploads
func WithParallel(n int) Opts {
	return func(c *Client) {
		if n > 0 {
			c.parallel = n
		}
	}
}

// WithHTTPClient uses a specific http client, host TLS settings are applied to a copy of its transport
func WithHTTPClient(h *http.Client) Opts {
	return func(c *Client) {
		c.httpClient = h
	}
}

// Store returns the content store used by the client
func (c *Client) Store() *contentstore.Store {
	return c.store
}

func (c *Client) loadDockerCreds() {
	hosts, err := config.DockerLoad(c.log)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"err": err,
		}).Warn("Failed to load docker creds")
		return
	}
	for _, h := range hosts {
		if err := c.hosts.Set(h, c.log); err != nil {
			// treat each of these as non-fatal
			c.log.WithFields(logrus.Fields{
				"registry": h.Name,
				"user":     h.User,
				"error":    err,
			}).Warn("Failed to use docker credential")
		}
	}
}

func (c *Client) hostGet(registry string) *config.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hosts.Get(registry)
}

// getRetryable returns the request handler for a registry, creating it on first use
func (c *Client) getRetryable(registry string) retryable.Retryable {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rty, ok := c.retryables[registry]; ok {
		return rty
	}
	h := c.hosts.Get(registry)
	hc := c.newHTTPClient(h)
	a := auth.NewAuth(
		auth.WithLog(c.log),
		auth.WithHTTPClient(hc),
		auth.WithCreds(c.credsFn),
		auth.WithClientID(c.userAgent),
	)
	rty := retryable.NewRetryable(
		retryable.WithAuth(a),
		retryable.WithHTTPClient(hc),
		retryable.WithDelay(c.delayInit, c.delayMax),
		retryable.WithLimit(c.retryLimit),
		retryable.WithLog(c.log),
		retryable.WithUserAgent(c.userAgent),
	)
	c.retryables[registry] = rty
	return rty
}

func (c *Client) newHTTPClient(h *config.Host) *http.Client {
	var base *http.Client
	if c.httpClient != nil {
		hc := *c.httpClient
		base = &hc
	} else {
		base = &http.Client{}
	}
	if h.TLS != config.TLSInsecure && h.RegCert == "" {
		return base
	}
	var t *http.Transport
	switch bt := base.Transport.(type) {
	case nil:
		t = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		t = bt.Clone()
	default:
		c.log.WithFields(logrus.Fields{
			"host": h.Name,
		}).Warn("Custom transport does not support TLS settings")
		return base
	}
	var tlsc *tls.Config
	if t.TLSClientConfig != nil {
		tlsc = t.TLSClientConfig.Clone()
	} else {
		//#nosec G402 the default TLS 1.2 minimum version is allowed to support older registries
		tlsc = &tls.Config{}
	}
	if h.TLS == config.TLSInsecure {
		//#nosec G402 insecure TLS is an explicit host setting
		tlsc.InsecureSkipVerify = true
	}
	if h.RegCert != "" {
		if tlsc.RootCAs == nil {
			rootPool, err := x509.SystemCertPool()
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"err": err,
				}).Warn("Failed to load system cert pool")
				rootPool = x509.NewCertPool()
			}
			tlsc.RootCAs = rootPool
		}
		if ok := tlsc.RootCAs.AppendCertsFromPEM([]byte(h.RegCert)); !ok {
			c.log.WithFields(logrus.Fields{
				"host": h.Name,
			}).Warn("Failed to load root certificate")
		}
	}
	t.TLSClientConfig = tlsc
	base.Transport = t
	return base
}

// credsFn returns credentials for a hostname used by the auth handler
func (c *Client) credsFn(host string) auth.Cred {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hosts {
		if h.Hostname == host || h.Name == host {
			return auth.Cred{User: h.User, Password: h.Pass, Token: h.Token}
		}
	}
	return auth.Cred{}
}

// apiURL returns the url for a registry API call relative to the repository
func (c *Client) apiURL(r ref.Ref, path string, query url.Values) url.URL {
	h := c.hostGet(r.Registry)
	repo := r.Repository
	if h.PathPrefix != "" {
		repo = h.PathPrefix + "/" + repo
	}
	u := url.URL{
		Scheme: "https",
		Host:   h.Hostname,
		Path:   "/v2/" + repo + "/" + path,
	}
	if h.TLS == config.TLSDisabled {
		u.Scheme = "http"
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, r ref.Ref, method string, u url.URL, opts ...retryable.OptsReq) (retryable.Response, error) {
	resp, err := c.getRetryable(r.Registry).DoRequest(ctx, method, u, opts...)
	if err != nil {
		if resp != nil && resp.HTTPResponse() != nil {
			resp.Close()
		}
		return nil, &types.RegistryError{Registry: r.Registry, Repository: r.Repository, Err: err}
	}
	return resp, nil
}

// statusError builds a registry error for an unexpected response
func statusError(r ref.Ref, resp *http.Response) error {
	return &types.RegistryError{
		Registry:   r.Registry,
		Repository: r.Repository,
		Status:     resp.StatusCode,
		Err:        types.HTTPError(resp.StatusCode),
	}
}

// drainClose discards the remaining body so the connection can be reused
func drainClose(resp retryable.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp, 64*1024))
	resp.Close()
}

// resolveLocation parses a Location header relative to the request that returned it
func resolveLocation(resp *http.Response) (*url.URL, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, types.ErrMissingLocation
	}
	u, err := resp.Request.URL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse location %s: %w", location, err)
	}
	return u, nil
}

func queryAdd(u *url.URL, key, value string) {
	q := key + "=" + url.QueryEscape(value)
	if u.RawQuery != "" && !strings.HasSuffix(u.RawQuery, "&") {
		u.RawQuery = u.RawQuery + "&" + q
	} else {
		u.RawQuery = u.RawQuery + q
	}
}
