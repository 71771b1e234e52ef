package identify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gridcrawl/internal/grid"
	"github.com/sells-group/gridcrawl/internal/resilience"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 64 << 20

// Options configures the identify client.
type Options struct {
	URL                string
	SpatialReference   int
	Layers             string
	Tolerance          int
	ImageDisplay       string
	UserAgent          string
	Timeout            time.Duration
	InsecureSkipVerify bool
	Retry              resilience.RetryConfig
}

// Client issues identify requests with bounded, linearly backed-off retries.
type Client struct {
	http *http.Client
	opts Options
}

// NewClient creates a Client, filling unset options with service defaults.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, eris.New("identify: url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "identify: parse url %q", opts.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Errorf("identify: unsupported url scheme %q", u.Scheme)
	}

	if opts.SpatialReference == 0 {
		opts.SpatialReference = 4326
	}
	if opts.Layers == "" {
		opts.Layers = "all"
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = 1
	}
	if opts.ImageDisplay == "" {
		opts.ImageDisplay = "651,852,96"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gridcrawl/1.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = resilience.DefaultRetryConfig().MaxAttempts
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 2
	transport.IdleConnTimeout = 90 * time.Second
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts: opts,
	}, nil
}

// MaxAttempts returns the number of attempts made per point before giving up.
func (c *Client) MaxAttempts() int {
	return c.opts.Retry.MaxAttempts
}

// Query builds the identify query parameters for point p within window.
func (c *Client) Query(p grid.Point, window grid.Bounds) (url.Values, error) {
	geometry, err := json.Marshal(pointGeometry{
		X:                p.Lon,
		Y:                p.Lat,
		SpatialReference: SpatialReference{WKID: c.opts.SpatialReference},
	})
	if err != nil {
		return nil, eris.Wrap(err, "identify: encode point geometry")
	}

	q := url.Values{}
	q.Set("sr", strconv.Itoa(c.opts.SpatialReference))
	q.Set("layers", c.opts.Layers)
	q.Set("tolerance", strconv.Itoa(c.opts.Tolerance))
	q.Set("returnGeometry", "true")
	q.Set("imageDisplay", c.opts.ImageDisplay)
	q.Set("mapExtent", window.String())
	q.Set("geometry", string(geometry))
	q.Set("geometryType", "esriGeometryPoint")
	q.Set("f", "json")
	return q, nil
}

// Identify queries the service for the features at p. Every failure mode
// (transport error, non-200 status, undecodable body, service error payload)
// is retried; once the attempts are exhausted the last error is returned.
func (c *Client) Identify(ctx context.Context, p grid.Point, window grid.Bounds) (*Response, error) {
	q, err := c.Query(p, window)
	if err != nil {
		return nil, err
	}

	u, _ := url.Parse(c.opts.URL)
	u.RawQuery = q.Encode()
	target := u.String()

	retry := c.opts.Retry
	retry.OnFailure = resilience.FailureLogger("identify",
		zap.Float64("lon", p.Lon),
		zap.Float64("lat", p.Lat),
	)

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		return c.do(ctx, target)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "identify: point (%v, %v)", p.Lon, p.Lat)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "identify: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "identify: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resilience.NewTransientError(eris.Errorf("identify: http %d", resp.StatusCode), resp.StatusCode)
	}

	return decode(io.LimitReader(resp.Body, maxBodyBytes))
}

// decode parses an identify body. Numbers are kept as json.Number so that
// identifiers round-trip with their original text.
func decode(r io.Reader) (*Response, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "identify: decode body"), http.StatusOK)
	}
	if env.Error != nil {
		return nil, resilience.NewTransientError(
			eris.Errorf("identify: service error %d: %s", env.Error.Code, env.Error.Message), http.StatusOK)
	}
	if env.Results == nil {
		return nil, resilience.NewTransientError(eris.New("identify: response has no results member"), http.StatusOK)
	}
	return &Response{Results: *env.Results}, nil
}
