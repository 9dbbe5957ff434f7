// Package client provides the dashboard API boundary: an HTTP client that
// classifies every failure into an ErrorKind, and the rate-limited invoker
// that retries timeouts and 429s under the concurrency governor.
package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Prometheus metrics for dashboard API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_requests_total",
		Help: "Total dashboard API requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meraki_request_duration_seconds",
		Help:    "Dashboard API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meraki_errors_total",
		Help: "Total dashboard API errors by kind",
	}, []string{"kind"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meraki_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})
)

// DefaultBaseURL is the public dashboard API endpoint.
const DefaultBaseURL = "https://api.meraki.com/api/v1"

// Config holds the client configuration.
type Config struct {
	// APIKey is sent as X-Cisco-Meraki-API-Key (REQUIRED).
	APIKey string

	// BaseURL of the dashboard API, without trailing slash.
	BaseURL string

	// UserAgent header.
	UserAgent string

	// RequestsPerSecond paces outgoing requests; <= 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	// HTTPTimeout is the transport-level ceiling; callers normally impose
	// tighter per-attempt deadlines through the context.
	HTTPTimeout time.Duration

	// BreakerFailures is the number of consecutive transient failures that
	// opens the circuit; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// UnsupportedMarkers identify "entity cannot serve this query" errors.
	UnsupportedMarkers []string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:             apiKey,
		BaseURL:            DefaultBaseURL,
		UserAgent:          "meraki-report/1.0",
		RequestsPerSecond:  10,
		Burst:              10,
		HTTPTimeout:        90 * time.Second,
		BreakerFailures:    10,
		BreakerCooldown:    30 * time.Second,
		UnsupportedMarkers: DefaultUnsupportedMarkers,
	}
}

// Client is a dashboard API client. Every error it returns is an *APIError
// carrying an ErrorKind, or a context error.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	config     Config
	logger     zerolog.Logger
}

// New creates a new dashboard API client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 90 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 10
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if len(cfg.UnsupportedMarkers) == 0 {
		cfg.UnsupportedMarkers = DefaultUnsupportedMarkers
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	logger = logger.With().Str("component", "meraki-client").Logger()

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		config:     cfg,
		logger:     logger,
	}
	c.breaker = newBreaker("meraki-api", cfg, logger)

	return c, nil
}

func newBreaker(name string, cfg Config, logger zerolog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	breakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only server and transport failures say anything about API health;
		// throttling, validation errors and slow entities do not.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || Classify(err) != KindTransient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			breakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// get performs a GET against path and decodes a 200 body into out.
func (c *Client) get(ctx context.Context, operation, path string, query url.Values, out any) error {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The limiter refuses up front when the wait would overrun the deadline.
		return &APIError{Kind: KindTimeout, Message: "rate limiter wait", Err: err}
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, operation, path, query)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			requestsTotal.WithLabelValues(operation, "breaker_open").Inc()
			err = &APIError{Kind: KindTransient, Message: "circuit open", Err: err}
		}
		errorsTotal.WithLabelValues(string(Classify(err))).Inc()
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		errorsTotal.WithLabelValues(string(KindTransient)).Inc()
		return &APIError{StatusCode: http.StatusOK, Kind: KindTransient, Message: "decode response", Err: err}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, operation, path string, query url.Values) ([]byte, error) {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Message: "create request", Err: err}
	}
	req.Header.Set("X-Cisco-Meraki-API-Key", c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	c.logger.Debug().
		Str("operation", operation).
		Str("path", path).
		Msg("Executing API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(operation, "network_error").Inc()
		kind := Classify(err)
		if ctx.Err() != nil {
			// Surface the context error itself so callers can tell their own
			// deadline from a transport failure.
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: kind, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Kind: Classify(err), Message: "read response body", Err: err}
	}

	requestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		message := errorMessage(body)
		kind := classifyStatus(resp.StatusCode, message, c.config.UnsupportedMarkers)

		c.logger.Warn().
			Str("operation", operation).
			Int("status", resp.StatusCode).
			Str("error_kind", string(kind)).
			Str("message", message).
			Msg("API request error")

		return nil, &APIError{StatusCode: resp.StatusCode, Kind: kind, Message: message}
	}

	return body, nil
}

// errorMessage extracts the "errors" list of a dashboard error body, falling
// back to the (truncated) raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		return strings.Join(payload.Errors, "; ")
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func pageQuery(page PageRequest) url.Values {
	q := url.Values{}
	if page.PerPage > 0 {
		q.Set("perPage", strconv.Itoa(page.PerPage))
	}
	if page.StartingAfter != "" {
		q.Set("startingAfter", page.StartingAfter)
	}
	return q
}

// ListOrganizations returns every organization the API key can access.
func (c *Client) ListOrganizations(ctx context.Context) ([]Record, error) {
	var orgs []Record
	if err := c.get(ctx, "organizations.list", "/organizations", nil, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// GetOrganization returns a single organization.
func (c *Client) GetOrganization(ctx context.Context, orgID string) (Record, error) {
	var org Record
	path := "/organizations/" + url.PathEscape(orgID)
	if err := c.get(ctx, "organizations.get", path, nil, &org); err != nil {
		return nil, err
	}
	return org, nil
}

// ListNetworks returns one page of an organization's networks.
func (c *Client) ListNetworks(ctx context.Context, orgID string, page PageRequest) ([]Record, error) {
	var networks []Record
	path := "/organizations/" + url.PathEscape(orgID) + "/networks"
	if err := c.get(ctx, "organizations.networks", path, pageQuery(page), &networks); err != nil {
		return nil, err
	}
	return networks, nil
}

// ListInventoryDevices returns one page of an organization's inventory.
func (c *Client) ListInventoryDevices(ctx context.Context, orgID string, page PageRequest) ([]Record, error) {
	var devices []Record
	path := "/organizations/" + url.PathEscape(orgID) + "/inventory/devices"
	if err := c.get(ctx, "organizations.inventory", path, pageQuery(page), &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// ListNetworkClients returns one page of the clients seen on a network in
// [t0, t1).
func (c *Client) ListNetworkClients(ctx context.Context, networkID string, t0, t1 time.Time, page PageRequest) ([]Record, error) {
	var clients []Record
	path := "/networks/" + url.PathEscape(networkID) + "/clients"
	q := pageQuery(page)
	q.Set("t0", FormatTime(t0))
	q.Set("t1", FormatTime(t1))
	if err := c.get(ctx, "networks.clients", path, q, &clients); err != nil {
		return nil, err
	}
	return clients, nil
}
