// Package auth handles registry authentication challenges for Basic and Bearer tokens
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var defaultClientID = "regbuild"

// minTokenLife tokens are required to last at least 60 seconds to support older docker clients
var minTokenLife = 60

// CredsFn is passed to lookup credentials for a given hostname, response is a username and password or empty strings
type CredsFn func(string) Cred

// Cred is returned by the CredsFn
type Cred struct {
	User, Password, Token string
}

// Auth manages authorization requests/responses for http requests
type Auth interface {
	HandleResponse(*http.Response) error
	UpdateRequest(*http.Request) error
}

// Challenge is the extracted contents of the WWW-Authenticate header
type Challenge struct {
	authType string
	params   map[string]string
}

// Handler handles a challenge for a host to return an auth header
type Handler interface {
	ProcessChallenge(Challenge) error
	GenerateAuth(context.Context) (string, error)
}

// HandlerBuild is used to make a new handler for a specific authType and URL
type HandlerBuild func(client *http.Client, clientID, host string, cred Cred) Handler

// Opts configures options for NewAuth
type Opts func(*auth)

type auth struct {
	httpClient *http.Client
	clientID   string
	credsFn    CredsFn
	hbs        map[string]HandlerBuild       // handler builders based on authType
	hs         map[string]map[string]Handler // handlers based on host and authType
	authTypes  []string
	log        *logrus.Logger
	mu         sync.Mutex
}

// NewAuth creates a new Auth
func NewAuth(opts ...Opts) Auth {
	a := &auth{
		httpClient: &http.Client{},
		clientID:   defaultClientID,
		credsFn:    func(string) Cred { return Cred{} },
		hbs:        map[string]HandlerBuild{},
		hs:         map[string]map[string]Handler{},
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if len(a.authTypes) == 0 {
		a.hbs["basic"] = NewBasicHandler
		a.hbs["bearer"] = NewBearerHandler
		a.authTypes = []string{"basic", "bearer"}
	}
	return a
}

// WithCreds provides a user/pass lookup for a host
func WithCreds(f CredsFn) Opts {
	return func(a *auth) {
		if f != nil {
			a.credsFn = f
		}
	}
}

// WithHTTPClient uses a specific http client with token requests
func WithHTTPClient(h *http.Client) Opts {
	return func(a *auth) {
		if h != nil {
			a.httpClient = h
		}
	}
}

// WithClientID uses a client ID with token requests
func WithClientID(clientID string) Opts {
	return func(a *auth) {
		a.clientID = clientID
	}
}

// WithHandler includes a handler for a specific auth type, replacing the default Basic and Bearer handlers
func WithHandler(authType string, hb HandlerBuild) Opts {
	return func(a *auth) {
		lcat := strings.ToLower(authType)
		a.hbs[lcat] = hb
		a.authTypes = append(a.authTypes, lcat)
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(a *auth) {
		a.log = log
	}
}

// HandleResponse parses a 401 response and registers or updates the handler for the challenge
func (a *auth) HandleResponse(resp *http.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if resp.StatusCode != http.StatusUnauthorized {
		return ErrUnsupported
	}
	host := resp.Request.URL.Host
	cl, err := ParseAuthHeaders(resp.Header.Values("WWW-Authenticate"))
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"host":      host,
		"challenge": cl,
	}).Debug("Auth request parsed")
	if len(cl) < 1 {
		return ErrEmptyChallenge
	}
	updated := false
	for _, c := range cl {
		hb, ok := a.hbs[c.authType]
		if !ok {
			a.log.WithFields(logrus.Fields{
				"authtype": c.authType,
			}).Warn("Unsupported auth type")
			continue
		}
		if _, ok := a.hs[host]; !ok {
			a.hs[host] = map[string]Handler{}
		}
		h, ok := a.hs[host][c.authType]
		if !ok {
			h = hb(a.httpClient, a.clientID, host, a.credsFn(host))
			a.hs[host][c.authType] = h
		}
		err := h.ProcessChallenge(c)
		switch err {
		case nil:
			updated = true
		case ErrNoNewChallenge:
			// another request may have already refreshed the handler
			ah, genErr := h.GenerateAuth(resp.Request.Context())
			if genErr == nil && ah != resp.Request.Header.Get("Authorization") {
				updated = true
			}
		default:
			return err
		}
	}
	if !updated {
		return ErrUnauthorized
	}
	return nil
}

// UpdateRequest adds an Authorization header when a handler exists for the host
func (a *auth) UpdateRequest(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	host := req.URL.Host
	if a.hs[host] == nil {
		return nil
	}
	var err error
	for _, at := range a.authTypes {
		h := a.hs[host][at]
		if h == nil {
			continue
		}
		var ah string
		ah, err = h.GenerateAuth(req.Context())
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"err":      err,
				"host":     host,
				"authtype": at,
			}).Debug("Failed to generate auth")
			continue
		}
		req.Header.Set("Authorization", ah)
		return nil
	}
	return err
}

// ParseAuthHeaders extracts the challenges from a list of WWW-Authenticate headers
func ParseAuthHeaders(ahl []string) ([]Challenge, error) {
	var cl []Challenge
	for _, ah := range ahl {
		c, err := ParseAuthHeader(ah)
		if err != nil {
			return nil, fmt.Errorf("Failed to parse challenge header %q: %w", ah, err)
		}
		cl = append(cl, c...)
	}
	return cl, nil
}

// ParseAuthHeader parses a single WWW-Authenticate header, e.g.
// Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:samalba/my-app:pull,push"
func ParseAuthHeader(ah string) ([]Challenge, error) {
	var cl []Challenge
	s := strings.TrimSpace(ah)
	for s != "" {
		// auth scheme token
		i := strings.IndexAny(s, " \t")
		scheme := s
		if i >= 0 {
			scheme, s = s[:i], strings.TrimLeft(s[i:], " \t")
		} else {
			s = ""
		}
		if !isToken(scheme) {
			return nil, ErrParseFailure
		}
		c := Challenge{authType: strings.ToLower(scheme), params: map[string]string{}}
		// key=value pairs until the next scheme
		for s != "" {
			eq := strings.IndexByte(s, '=')
			if eq <= 0 || !isToken(strings.TrimSpace(s[:eq])) {
				break
			}
			key := strings.ToLower(strings.TrimSpace(s[:eq]))
			s = strings.TrimLeft(s[eq+1:], " \t")
			var val string
			var err error
			val, s, err = readValue(s)
			if err != nil {
				return nil, err
			}
			c.params[key] = val
			s = strings.TrimLeft(s, " \t")
			if strings.HasPrefix(s, ",") {
				s = strings.TrimLeft(s[1:], " \t")
			}
		}
		cl = append(cl, c)
	}
	return cl, nil
}

func readValue(s string) (string, string, error) {
	if !strings.HasPrefix(s, `"`) {
		i := strings.IndexAny(s, ", \t")
		if i < 0 {
			return s, "", nil
		}
		return s[:i], s[i:], nil
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", "", ErrParseFailure
			}
			i++
			b.WriteByte(s[i])
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", ErrParseFailure
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_.!#$%&'*+^`|~", r)) {
			return false
		}
	}
	return true
}

// BasicHandler supports Basic auth type requests
type BasicHandler struct {
	realm string
	cred  Cred
}

// NewBasicHandler creates a new BasicHandler
func NewBasicHandler(client *http.Client, clientID, host string, cred Cred) Handler {
	return &BasicHandler{cred: cred}
}

// ProcessChallenge for BasicHandler tracks the realm
func (b *BasicHandler) ProcessChallenge(c Challenge) error {
	if _, ok := c.params["realm"]; !ok {
		return ErrInvalidChallenge
	}
	if b.realm != c.params["realm"] {
		b.realm = c.params["realm"]
		return nil
	}
	return ErrNoNewChallenge
}

// GenerateAuth for BasicHandler generates base64 encoded user/pass for a host
func (b *BasicHandler) GenerateAuth(ctx context.Context) (string, error) {
	if b.cred.User == "" || b.cred.Password == "" {
		return "", ErrNotFound
	}
	auth := base64.StdEncoding.EncodeToString([]byte(b.cred.User + ":" + b.cred.Password))
	return fmt.Sprintf("Basic %s", auth), nil
}

// BearerHandler supports Bearer auth type requests
type BearerHandler struct {
	client         *http.Client
	clientID       string
	realm, service string
	cred           Cred
	scopes         []string
	token          BearerToken
}

// BearerToken is the json response to the Bearer request
type BearerToken struct {
	Token        string    `json:"token"`
	AccessToken  string    `json:"access_token"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
}

// NewBearerHandler creates a new BearerHandler
func NewBearerHandler(client *http.Client, clientID, host string, cred Cred) Handler {
	return &BearerHandler{
		client:   client,
		clientID: clientID,
		cred:     cred,
		scopes:   []string{},
	}
}

// ProcessChallenge handles WWW-Authenticate header for bearer tokens, accumulating scopes
func (b *BearerHandler) ProcessChallenge(c Challenge) error {
	realm, ok := c.params["realm"]
	if !ok {
		return ErrInvalidChallenge
	}
	service := c.params["service"]
	scope := c.params["scope"]
	existingScope := b.scopeExists(scope)

	if b.realm == realm && b.service == service && existingScope && (b.token.Token == "" || !b.isExpired()) {
		return ErrNoNewChallenge
	}
	if b.realm != "" && b.realm != realm {
		return ErrInvalidChallenge
	}
	if b.service != "" && b.service != service {
		return ErrInvalidChallenge
	}
	b.realm, b.service = realm, service
	if !existingScope {
		b.scopes = append(b.scopes, scope)
	}
	// force a new token with the updated scope list
	b.token.Token = ""
	return nil
}

// GenerateAuth returns a cached token or requests a new one
func (b *BearerHandler) GenerateAuth(ctx context.Context) (string, error) {
	if b.token.Token != "" && !b.isExpired() {
		return fmt.Sprintf("Bearer %s", b.token.Token), nil
	}
	// oauth form post handles refresh tokens and passwords, fall back to a get
	err := b.tryPost(ctx)
	if err == ErrUnauthorized {
		err = b.tryGet(ctx)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bearer %s", b.token.Token), nil
}

func (b *BearerHandler) isExpired() bool {
	if b.token.IssuedAt.IsZero() {
		return true
	}
	return !time.Now().Before(b.token.IssuedAt.Add(time.Duration(b.token.ExpiresIn) * time.Second))
}

func (b *BearerHandler) tryGet(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.realm, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Add("client_id", b.clientID)
	q.Add("offline_token", "true")
	if b.service != "" {
		q.Add("service", b.service)
	}
	for _, s := range b.scopes {
		q.Add("scope", s)
	}
	if b.cred.User != "" && b.cred.Password != "" {
		q.Add("account", b.cred.User)
		req.SetBasicAuth(b.cred.User, b.cred.Password)
	}
	req.URL.RawQuery = q.Encode()
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return b.validateResponse(resp)
}

func (b *BearerHandler) tryPost(ctx context.Context) error {
	form := url.Values{}
	if len(b.scopes) > 0 {
		form.Set("scope", strings.Join(b.scopes, " "))
	}
	if b.service != "" {
		form.Set("service", b.service)
	}
	form.Set("client_id", b.clientID)
	switch {
	case b.token.RefreshToken != "":
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", b.token.RefreshToken)
	case b.cred.Token != "":
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", b.cred.Token)
	case b.cred.User != "" && b.cred.Password != "":
		form.Set("grant_type", "password")
		form.Set("username", b.cred.User)
		form.Set("password", b.cred.Password)
	default:
		// anonymous tokens are only available with a get
		return ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.realm, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return b.validateResponse(resp)
}

func (b *BearerHandler) scopeExists(search string) bool {
	if search == "" {
		return true
	}
	for _, scope := range b.scopes {
		if scope == search {
			return true
		}
	}
	return false
}

func (b *BearerHandler) validateResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrUnauthorized
	}
	tok := BearerToken{}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return err
	}
	if tok.AccessToken != "" {
		tok.Token = tok.AccessToken
	}
	if tok.Token == "" {
		return ErrUnauthorized
	}
	if tok.ExpiresIn < minTokenLife {
		tok.ExpiresIn = minTokenLife
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = time.Now().UTC()
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = b.token.RefreshToken
	}
	b.token = tok
	return nil
}
