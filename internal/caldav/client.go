package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/taskdav/internal/ical"
)

const (
	// UserAgent is sent with every request.
	UserAgent = "taskdav/0.1"

	// DefaultTimeout bounds every HTTP exchange, including the Digest retry.
	DefaultTimeout = 45 * time.Second

	maxResponseBody = 16 << 20
)

const calendarQuery = `<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VTODO"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// Config identifies a calendar collection and the credentials for it.
type Config struct {
	URL      string
	Username string
	Password string

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// IsValid reports whether the endpoint and username are set.
// An empty password is allowed.
func (c Config) IsValid() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.Username) != ""
}

// RemoteTodo is one VTODO resource as fetched from the server.
type RemoteTodo struct {
	Href string // absolute URL
	ETag string // raw header or getetag value, may be empty
	Item *ical.Item
	Raw  string

	// Err is set when Raw could not be decoded; Item is nil then.
	Err error
}

// UploadResult is the outcome of a successful PUT.
type UploadResult struct {
	Href string
	ETag string // empty when the server did not return one
}

// Client talks to one CalDAV calendar collection.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	digest *DigestAuth
	logger *log.Logger
}

// NewClient returns a client for cfg. The collection URL is normalised to
// end with a single "/".
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if !cfg.IsValid() {
		return nil, fmt.Errorf("caldav url and username are required")
	}
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/") + "/"
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid calendar url %q: scheme must be http or https", cfg.URL)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[caldav] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: timeout},
		digest: NewDigestAuth(cfg.Username, cfg.Password),
		logger: logger,
	}, nil
}

// CalendarURL returns the normalised collection URL.
func (c *Client) CalendarURL() string {
	return c.base.String()
}

// FetchTodos lists every VTODO in the collection with a calendar-query
// REPORT. Items whose payload fails to decode are returned with Err set.
func (c *Client) FetchTodos(ctx context.Context) ([]RemoteTodo, error) {
	target := c.base.String()
	headers := http.Header{}
	headers.Set("Depth", "1")
	headers.Set("Content-Type", "application/xml; charset=utf-8")

	resp, body, err := c.do(ctx, "REPORT", target, headers, []byte(calendarQuery))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, statusError("REPORT", target, resp.StatusCode, body)
	}

	resources, err := ParseMultistatus(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "REPORT", URL: target, Err: err}
	}

	todos := make([]RemoteTodo, 0, len(resources))
	for _, res := range resources {
		href := c.resolveHref(res.Href)
		todo := RemoteTodo{Href: href, ETag: res.ETag, Raw: res.CalendarData}
		item, err := ical.Decode(res.CalendarData)
		if err != nil {
			todo.Err = &Error{Kind: KindMalformed, Op: "decode", URL: href, Err: err}
		} else {
			todo.Item = item
		}
		todos = append(todos, todo)
	}
	return todos, nil
}

// CreateTodo writes a new resource at <collection>/<uid>.ics. The request
// fails with 412 if the resource already exists.
func (c *Client) CreateTodo(ctx context.Context, uid, ics string) (*UploadResult, error) {
	ref := &url.URL{Path: uid + ".ics"}
	target := c.base.ResolveReference(ref).String()

	headers := http.Header{}
	headers.Set("If-None-Match", "*")
	return c.put(ctx, target, ics, headers)
}

// UpdateTodo overwrites the resource at href. A non-empty etag is sent as
// If-Match; an empty one makes the write unconditional.
func (c *Client) UpdateTodo(ctx context.Context, href, ics, etag string) (*UploadResult, error) {
	headers := http.Header{}
	if tag := NormalizeETag(etag); tag != "" {
		headers.Set("If-Match", tag)
	}
	return c.put(ctx, c.resolveHref(href), ics, headers)
}

// GetTodo fetches a single resource and its current ETag.
func (c *Client) GetTodo(ctx context.Context, href string) (*RemoteTodo, error) {
	target := c.resolveHref(href)
	headers := http.Header{}
	headers.Set("Accept", "text/calendar")

	resp, body, err := c.do(ctx, http.MethodGet, target, headers, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("GET", target, resp.StatusCode, body)
	}

	item, err := ical.Decode(string(body))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "GET", URL: target, Err: err}
	}
	return &RemoteTodo{
		Href: target,
		ETag: strings.TrimSpace(resp.Header.Get("ETag")),
		Item: item,
		Raw:  string(body),
	}, nil
}

// DeleteTodo removes the resource at href. A 404 counts as success.
func (c *Client) DeleteTodo(ctx context.Context, href, etag string) error {
	target := c.resolveHref(href)
	headers := http.Header{}
	if tag := NormalizeETag(etag); tag != "" {
		headers.Set("If-Match", tag)
	}

	resp, body, err := c.do(ctx, http.MethodDelete, target, headers, nil)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return statusError("DELETE", target, resp.StatusCode, body)
	}
}

func (c *Client) put(ctx context.Context, target, ics string, headers http.Header) (*UploadResult, error) {
	headers.Set("Content-Type", "text/calendar; charset=utf-8")

	resp, body, err := c.do(ctx, http.MethodPut, target, headers, []byte(ics))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("PUT", target, resp.StatusCode, body)
	}
	return &UploadResult{
		Href: target,
		ETag: strings.TrimSpace(resp.Header.Get("ETag")),
	}, nil
}

// do sends one request with Basic credentials and, on a 401 carrying a
// Digest challenge, retries it exactly once with a Digest response.
// 401 and 403 outcomes are returned as errors; every other status is left
// to the caller.
func (c *Client) do(ctx context.Context, method, target string, headers http.Header, body []byte) (*http.Response, []byte, error) {
	resp, respBody, err := c.send(ctx, method, target, headers, body, "")
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := findDigestChallenge(resp.Header.Values("WWW-Authenticate"))
		if challenge == nil {
			return nil, nil, statusError(method, target, resp.StatusCode, respBody)
		}

		u, _ := url.Parse(target)
		authz, err := c.digest.Authorize(challenge, method, requestURI(u), body)
		if err != nil {
			return nil, nil, &Error{Kind: KindAuthRejected, Op: method, URL: target, StatusCode: resp.StatusCode, Err: err}
		}
		c.logger.Printf("digest challenge from %s (realm %q), retrying %s", u.Host, challenge.Realm, method)

		resp, respBody, err = c.send(ctx, method, target, headers, body, authz)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, nil, statusError(method, target, resp.StatusCode, respBody)
		}
	}

	if resp.StatusCode == http.StatusForbidden {
		return nil, nil, statusError(method, target, resp.StatusCode, respBody)
	}
	return resp, respBody, nil
}

// send performs a single exchange. An empty authz means Basic.
func (c *Client) send(ctx context.Context, method, target string, headers http.Header, body []byte, authz string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Op: method, URL: target, Err: err}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", UserAgent)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	} else {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, transportError(ctx, method, target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, transportError(ctx, method, target, err)
	}
	return resp, respBody, nil
}

func transportError(ctx context.Context, method, target string, err error) *Error {
	kind := KindTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: method, URL: target, Err: err}
}

func findDigestChallenge(values []string) *DigestChallenge {
	for _, v := range values {
		if ch, err := ParseDigestChallenge(v); err == nil {
			return ch
		}
	}
	return nil
}

// resolveHref turns a multistatus href into an absolute URL. Absolute
// hrefs pass through, "/"-prefixed ones join the server origin, anything
// else joins the collection URL.
func (c *Client) resolveHref(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		if strings.HasPrefix(href, "/") {
			return c.base.Scheme + "://" + c.base.Host + href
		}
		return c.base.String() + href
	}
	return c.base.ResolveReference(ref).String()
}

// NormalizeETag formats a stored entity tag for If-Match. Weak tags keep
// their W/ prefix; strong tags are re-quoted. Empty input returns "".
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	if etag == "" {
		return ""
	}
	if strings.HasPrefix(etag, "W/") || strings.HasPrefix(etag, "w/") {
		return "W/" + quoteETag(etag[2:])
	}
	return quoteETag(etag)
}

func quoteETag(tag string) string {
	return `"` + strings.Trim(strings.TrimSpace(tag), `"`) + `"`
}
