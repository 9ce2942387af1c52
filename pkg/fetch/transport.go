package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fitpull/fitpull/pkg/planner"
)

// DefaultBaseURL is the Fitbit Web API root.
const DefaultBaseURL = "https://api.fitbit.com/1"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitpull_requests_total",
		Help: "Total API requests by resource and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fitpull_request_duration_seconds",
		Help:    "API request duration in seconds by resource",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"resource"})
)

// Response is a classified transport result. For non-OK classes Message
// carries the error detail that ends up in the failure log.
type Response struct {
	Class      Class
	StatusCode int
	Body       []byte
	Message    string
}

// Transport issues one unit's request against the remote service.
// Endpoint resolves the unit's API path without any network activity; the
// orchestrator calls it before consuming quota so a unit the transport would
// reject never burns a grant.
type Transport interface {
	Endpoint(u planner.Unit) (string, error)
	Send(ctx context.Context, u planner.Unit, token string) (Response, error)
}

// HTTPTransport is the Fitbit Web API transport.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	resources  map[string]planner.Resource
	userAgent  string
	logger     zerolog.Logger
}

// NewHTTPTransport creates a transport serving the given resource catalog.
func NewHTTPTransport(baseURL, userAgent string, resources []planner.Resource, logger zerolog.Logger) *HTTPTransport {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	byName := make(map[string]planner.Resource, len(resources))
	for _, r := range resources {
		byName[r.Name] = r
	}
	return &HTTPTransport{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		resources: byName,
		userAgent: userAgent,
		logger:    logger,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

// Endpoint resolves the unit's API path against the resource catalog.
func (t *HTTPTransport) Endpoint(u planner.Unit) (string, error) {
	r, ok := t.resources[u.Resource]
	if !ok {
		return "", fmt.Errorf("no catalog entry for resource %q", u.Resource)
	}
	return r.Endpoint(u)
}

// Send issues the unit's GET request and classifies the outcome. Network
// failures come back as ClassTransient responses rather than errors; the
// returned error is reserved for requests that could not be constructed.
func (t *HTTPTransport) Send(ctx context.Context, u planner.Unit, token string) (Response, error) {
	endpoint, err := t.Endpoint(u)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+endpoint, nil)
	if err != nil {
		return Response{}, fmt.Errorf("creating request for %s: %w", u, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	requestDuration.WithLabelValues(u.Resource).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		requestsTotal.WithLabelValues(u.Resource, "network_error").Inc()
		t.logger.Warn().Err(err).Str("unit", u.String()).Msg("HTTP request failed")
		return Response{Class: ClassTransient, Message: err.Error()}, nil
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(u.Resource, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.logger.Warn().Err(err).Str("unit", u.String()).Msg("Reading response body failed")
		return Response{Class: ClassTransient, StatusCode: resp.StatusCode, Message: err.Error()}, nil
	}

	class := classifyStatus(resp.StatusCode)
	out := Response{Class: class, StatusCode: resp.StatusCode, Body: body}
	if class != ClassOK {
		out.Message = truncate(resp.Status+": "+string(body), 200)
		t.logger.Warn().
			Str("unit", u.String()).
			Int("status", resp.StatusCode).
			Str("class", string(class)).
			Msg("API request error")
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
