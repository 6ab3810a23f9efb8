// Package soundcloud resolves SoundCloud links through the public api-v2
// endpoints used by the web player.
//
// Tracks carry their transcodings as streams. Transcoding entries point at
// an API endpoint rather than the media itself; the final address is
// exchanged lazily through [media.Stream.Resolver] when playback starts.
//
// All API traffic goes through one [resilience.CircuitBreaker] so that an
// outage fails fast instead of stalling every resolution.
package soundcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/yasha/internal/resilience"
)

const (
	// DefaultBaseURL is the SoundCloud API root.
	DefaultBaseURL = "https://api-v2.soundcloud.com"

	// DefaultShortlinkURL is the root of on.soundcloud.com short links.
	DefaultShortlinkURL = "https://on.soundcloud.com"

	// DefaultClientID is the public web player client id.
	DefaultClientID = "dbdsA8b6V6Lw7wzu1x0T4CLxt58yd4Bf"

	meterName = "github.com/MrWong99/yasha/pkg/source/soundcloud"

	// maxBody bounds API response bodies.
	maxBody = 8 << 20
)

var (
	// ErrNotFound is returned when the API reports the resource missing.
	ErrNotFound = errors.New("soundcloud: not found")

	// ErrUnauthorized is returned when the client id is rejected.
	ErrUnauthorized = errors.New("soundcloud: unauthorized")
)

// StatusError is returned for unexpected API responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("soundcloud: unexpected status %d: %s", e.Code, e.Body)
}

// Options configures a [Client].
type Options struct {
	// ClientID authenticates API calls. Default: [DefaultClientID].
	ClientID string

	// BaseURL overrides [DefaultBaseURL].
	BaseURL string

	// ShortlinkURL overrides [DefaultShortlinkURL].
	ShortlinkURL string

	// HTTPClient is used for all requests. Default: a client with a 15s
	// timeout.
	HTTPClient *http.Client

	// Breaker guards API calls. Default: a breaker named "soundcloud".
	Breaker *resilience.CircuitBreaker

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Client talks to the SoundCloud API. It is safe for concurrent use.
type Client struct {
	clientID     string
	baseURL      string
	shortlinkURL string
	http         *http.Client
	breaker      *resilience.CircuitBreaker
	log          *slog.Logger
	requests     metric.Int64Counter
}

// New returns a Client configured by opts.
func New(opts Options) *Client {
	c := &Client{
		clientID:     opts.ClientID,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		shortlinkURL: strings.TrimRight(opts.ShortlinkURL, "/"),
		http:         opts.HTTPClient,
		breaker:      opts.Breaker,
		log:          opts.Logger,
	}
	if c.clientID == "" {
		c.clientID = DefaultClientID
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.shortlinkURL == "" {
		c.shortlinkURL = DefaultShortlinkURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "soundcloud"})
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	var err error
	c.requests, err = mp.Meter(meterName).Int64Counter("yasha.source.requests",
		metric.WithDescription("SoundCloud API requests by endpoint and status."))
	if err != nil {
		c.log.Warn("soundcloud: create metric", "err", err)
		c.requests, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("yasha.source.requests")
	}
	return c
}

// apiGet fetches path below the API root and decodes the JSON body into out.
func (c *Client) apiGet(ctx context.Context, path string, query url.Values, out any) error {
	return c.get(ctx, c.baseURL+"/"+path, query, out)
}

// get fetches rawURL with the client id attached and decodes the JSON body
// into out.
func (c *Client) get(ctx context.Context, rawURL string, query url.Values, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("soundcloud: parse %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("client_id", c.clientID)
	u.RawQuery = q.Encode()

	status, body, err := c.do(ctx, u.String(), c.http)
	c.record(ctx, endpointOf(u.Path), status)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status < 200 || status > 299:
		return &StatusError{Code: status, Body: snippet(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("soundcloud: decode %s: %w", u.Path, err)
	}
	return nil
}

// do performs a GET through the circuit breaker. Transport failures and
// server errors count against the breaker; client errors do not.
func (c *Client) do(ctx context.Context, rawURL string, hc *http.Client) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return err
		}
		if status >= 500 {
			return &StatusError{Code: status, Body: snippet(body)}
		}
		return nil
	})
	if err != nil {
		return status, nil, fmt.Errorf("soundcloud: request: %w", err)
	}
	return status, body, nil
}

func (c *Client) record(ctx context.Context, endpoint string, status int) {
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", strconv.Itoa(status)),
	))
}

// endpointOf reduces an API path to its first segment for metric labels.
func endpointOf(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
