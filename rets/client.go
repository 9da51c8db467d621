// Package rets implements the client side of the Real Estate Transaction
// Standard: cookie-authenticated HTTPS sessions, capability discovery, the
// three text response grammars, and the multipart binary framing used by
// GetObject.
package rets

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// requestTimeout bounds every request to the remote server. Search
	// pages and photo bundles can be large, so this is deliberately long.
	requestTimeout = 5 * time.Minute

	// sessionTTL is how long a login cookie is trusted before a fresh
	// login is forced.
	sessionTTL = time.Hour

	sessionCacheFile = "rets-capabilities.json"
)

// Options configures a Client.
type Options struct {
	LoginURL  string
	Version   string // e.g. "RETS/1.7.2"
	Vendor    string
	Username  string
	Password  string
	UserAgent string

	// CacheDir is where the session cache lives.
	CacheDir string
}

// Client talks to a single RETS server. It is safe for concurrent use; the
// session cookie itself travels in Session values, not in the client.
type Client struct {
	opts       Options
	base       *url.URL
	httpClient *http.Client
	cachePath  string
}

// New builds a Client. The login URL must be absolute; capability URLs
// returned by the server may be relative and are resolved against it.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.LoginURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing login URL")
	}
	if !base.IsAbs() {
		return nil, errors.Errorf("login URL %q is not absolute", opts.LoginURL)
	}
	return &Client{
		opts: opts,
		base: base,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		cachePath: filepath.Join(opts.CacheDir, sessionCacheFile),
	}, nil
}

// Login returns an authenticated session. A cached unexpired session is
// reused; otherwise a fresh login is performed and cached to disk.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	if cached, err := loadSession(c.cachePath); err != nil {
		log.G(ctx).WithError(err).Warn("Ignoring unreadable session cache")
	} else if cached.Valid(time.Now()) {
		return cached, nil
	}

	loginURL := *c.base
	q := loginURL.Query()
	q.Set("rets-version", c.opts.Version)
	loginURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL.String(), nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "rets login")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading login response")
	}

	replyCode, replyText, capabilities, err := ParseLoginBody(string(body))
	if err != nil {
		return nil, err
	}
	if replyCode != 0 {
		return nil, &LoginRejectedError{Code: replyCode, Text: replyText}
	}

	cookie := joinCookies(resp.Header.Values("Set-Cookie"))
	if cookie == "" {
		return nil, ErrNoCookie
	}

	s := &Session{
		Cookie:       cookie,
		Expires:      time.Now().Add(sessionTTL),
		Capabilities: capabilities,
	}
	if err := saveSession(c.cachePath, s); err != nil {
		log.G(ctx).WithError(err).Warn("Could not persist session cache")
	}
	log.G(ctx).WithFields(logrus.Fields{
		"capabilities": len(capabilities),
		"expires":      s.Expires.Format(time.RFC3339),
	}).Info("RETS login succeeded")
	return s, nil
}

// Logout releases the session on the server and clears the disk cache.
// Failures are logged and swallowed; a stale cookie simply expires.
func (c *Client) Logout(ctx context.Context, s *Session) {
	logoutURL, err := s.Capability("Logout")
	if err == nil {
		if _, _, err = c.Request(ctx, s, logoutURL, nil); err != nil {
			log.G(ctx).WithError(err).Warn("RETS logout failed")
		}
	}
	if err := clearSession(c.cachePath); err != nil {
		log.G(ctx).WithError(err).Warn("Could not clear session cache")
	}
}

// InvalidateSession drops the cached session so the next Login hits the
// server. Used after a 401 or a server-side logout.
func (c *Client) InvalidateSession() error {
	return clearSession(c.cachePath)
}

// Request performs an authenticated GET against a capability URL (absolute
// or relative) with the given query, returning the raw body and headers.
// Callers decide whether the body is text or binary.
func (c *Client) Request(ctx context.Context, s *Session, capabilityURL string, query url.Values) ([]byte, http.Header, error) {
	u, err := c.resolve(capabilityURL)
	if err != nil {
		return nil, nil, err
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	c.decorate(req, s.Cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "rets request to %s", u.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// The cookie is dead; make the next Login start over.
		if err := c.InvalidateSession(); err != nil {
			log.G(ctx).WithError(err).Warn("Could not clear session cache")
		}
		return nil, nil, errors.Errorf("rets request to %s unauthorized", u.Path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.Errorf("rets request to %s failed with status %d %s", u.Path, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading response body")
	}
	return body, resp.Header, nil
}

func (c *Client) decorate(req *http.Request, cookie string) {
	req.SetBasicAuth(c.opts.Username, c.opts.Password)
	req.Header.Set("RETS-Version", c.opts.Version)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Vendor != "" {
		req.Header.Set("RETS-Vendor", c.opts.Vendor)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
}

func (c *Client) resolve(capabilityURL string) (*url.URL, error) {
	u, err := url.Parse(capabilityURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing capability URL %q", capabilityURL)
	}
	if u.IsAbs() {
		return u, nil
	}
	return c.base.ResolveReference(u), nil
}

// joinCookies concatenates the name=value part of every Set-Cookie header
// into a single Cookie header value. The result is the session id.
func joinCookies(setCookies []string) string {
	var parts []string
	for _, sc := range setCookies {
		nv := strings.TrimSpace(strings.SplitN(sc, ";", 2)[0])
		if nv != "" {
			parts = append(parts, nv)
		}
	}
	return strings.Join(parts, "; ")
}
