// Package davclient issues WebDAV PROPFIND requests against the sync
// server and decodes the multistatus replies.
package davclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
)

// Namespaces used in PROPFIND bodies.
const (
	NamespaceDAV      = "DAV:"
	NamespaceOwnCloud = "http://owncloud.org/ns"
)

// Property names a PROPFIND property.
type Property struct {
	Space string
	Name  string
}

// DAV returns a property in the DAV: namespace.
func DAV(name string) Property { return Property{Space: NamespaceDAV, Name: name} }

// OC returns a property in the ownCloud namespace.
func OC(name string) Property { return Property{Space: NamespaceOwnCloud, Name: name} }

// ErrNotXML is returned when a multistatus reply is not XML or cannot be
// parsed.
var ErrNotXML = errors.New("PROPFIND reply is not XML formatted")

// StatusError is a PROPFIND that did not answer 207 Multi-Status.
type StatusError struct {
	StatusCode  int
	Reason      string
	ContentType string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d %s", e.StatusCode, e.Reason)
}

// Entry is one <d:response> of a multistatus reply.
type Entry struct {
	// Href is the decoded path the server reported.
	Href string
	// Name is Href relative to the requested collection, without leading
	// or trailing slashes. It is empty for the collection itself.
	Name string
	// Props holds the successfully returned properties by local name.
	Props map[string]string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
	Logger    *zap.Logger
	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client sends PROPFIND requests relative to a WebDAV root.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	log        *zap.Logger

	mu        sync.RWMutex
	online    bool
	authToken string
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("davclient: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("davclient: parse base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    u,
		httpClient: hc,
		log:        logging.Named(cfg.Logger, "davclient"),
		online:     true,
		authToken:  cfg.AuthToken,
	}, nil
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns false after a transport failure until the next request
// reaches the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("Server is back online")
		} else {
			c.log.Error("Server is offline")
		}
	}
	c.online = online
}

// URL returns the request URL for a path relative to the WebDAV root.
func (c *Client) URL(path string) *url.URL {
	path = strings.Trim(path, "/")
	if path == "" {
		u := *c.baseURL
		if u.Path == "" {
			u.Path = "/"
		}
		return &u
	}
	return c.baseURL.JoinPath(path)
}

// Propfind lists path with the given depth (0 or 1) and returns the
// reply's entries in the order the server sent them.
func (c *Client) Propfind(ctx context.Context, path string, depth int, props []Property) ([]Entry, error) {
	u := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", u.String(), bytes.NewReader(propfindBody(props)))
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("X-Request-ID", reqID)
	c.applyAuth(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.setOnline(false)
		}
		return nil, fmt.Errorf("propfind %s: %w", u.Path, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	c.log.Debug("propfind",
		zap.String("path", u.Path),
		zap.Int("depth", depth),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusMultiStatus {
		return nil, &StatusError{
			StatusCode:  resp.StatusCode,
			Reason:      reasonPhrase(resp),
			ContentType: resp.Header.Get("Content-Type"),
		}
	}
	if !isXML(resp.Header.Get("Content-Type")) {
		return nil, ErrNotXML
	}

	entries, err := decodeMultistatus(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotXML, err)
	}
	for i := range entries {
		entries[i].Name = relativeName(u.Path, entries[i].Href)
	}
	return entries, nil
}

// reasonPhrase returns the server's own reason text, which may differ from
// the canonical status text.
func reasonPhrase(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode)
	reason := strings.TrimPrefix(resp.Status, prefix)
	return strings.TrimSpace(reason)
}

func isXML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/xml" || mt == "text/xml"
}

func relativeName(requestPath, href string) string {
	base := strings.TrimRight(requestPath, "/")
	name := strings.TrimPrefix(href, base)
	return strings.Trim(name, "/")
}

func propfindBody(props []Property) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns"><d:prop>`)
	for _, p := range props {
		prefix := "d"
		if p.Space == NamespaceOwnCloud {
			prefix = "oc"
		}
		if p.Space != NamespaceDAV && p.Space != NamespaceOwnCloud {
			fmt.Fprintf(&b, `<x:%s xmlns:x=%q/>`, p.Name, p.Space)
			continue
		}
		fmt.Fprintf(&b, "<%s:%s/>", prefix, p.Name)
	}
	b.WriteString(`</d:prop></d:propfind>`)
	return b.Bytes()
}
