package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/errors"
	"github.com/dockgate/dockgate/pkg/metrics"
)

// HTTPClient talks to the engine daemon over its HTTP API, either through a
// unix socket or TCP. Every call is bounded by the configured request timeout
// and paced by a client-side rate limiter; the limiter is shared across all
// clients built from the same factory so the process-wide query budget holds
// no matter how many pooled connections exist.
type HTTPClient struct {
	baseURL    string
	apiVersion string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewFactory returns a Factory producing HTTPClients that share one rate
// limiter. The returned factory verifies reachability with a ping, so a
// factory error means the daemon is unreachable at connect time.
func NewFactory(cfg config.DaemonConfig, logger *zap.Logger) Factory {
	var limiter *rate.Limiter
	if cfg.QueriesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), burst)
	}

	return func(ctx context.Context) (Client, error) {
		client, err := newHTTPClient(cfg, limiter, logger)
		if err != nil {
			return nil, err
		}

		pingCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "daemon unreachable")
		}
		return client, nil
	}
}

func newHTTPClient(cfg config.DaemonConfig, limiter *rate.Limiter, logger *zap.Logger) (*HTTPClient, error) {
	transport := &http.Transport{
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
	}

	baseURL := "http://docker"
	switch {
	case strings.HasPrefix(cfg.Host, "unix://"):
		socketPath := strings.TrimPrefix(cfg.Host, "unix://")
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	case strings.HasPrefix(cfg.Host, "tcp://"):
		baseURL = "http://" + strings.TrimPrefix(cfg.Host, "tcp://")
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported daemon host %q", cfg.Host)
	}

	return &HTTPClient{
		baseURL:    baseURL,
		apiVersion: cfg.APIVersion,
		timeout:    cfg.RequestTimeout,
		httpClient: &http.Client{Transport: transport},
		limiter:    limiter,
		logger:     logger.With(zap.String("component", "engine_client")),
	}, nil
}

// Ping verifies the daemon is reachable
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", "/_ping", nil, nil)
}

// ListContainers returns all containers, including stopped ones
func (c *HTTPClient) ListContainers(ctx context.Context) ([]Container, error) {
	var containers []Container
	query := url.Values{"all": []string{"1"}}
	if err := c.call(ctx, "list_containers", "/containers/json", query, &containers); err != nil {
		return nil, err
	}
	return containers, nil
}

// InspectContainer returns detail for one container by ID or name
func (c *HTTPClient) InspectContainer(ctx context.Context, nameOrID string) (*ContainerDetail, error) {
	var detail ContainerDetail
	path := "/containers/" + url.PathEscape(nameOrID) + "/json"
	if err := c.call(ctx, "inspect", path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ContainerStats returns a one-shot usage sample for one container
func (c *HTTPClient) ContainerStats(ctx context.Context, nameOrID string) (*ContainerStats, error) {
	var stats ContainerStats
	path := "/containers/" + url.PathEscape(nameOrID) + "/stats"
	query := url.Values{"stream": []string{"false"}}
	if err := c.call(ctx, "stats", path, query, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Close releases idle transport connections
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// call issues one GET against the daemon API and decodes the JSON response
// into out when out is non-nil.
func (c *HTTPClient) call(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "rate limiter wait canceled")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/" + c.apiVersion + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	start := time.Now()
	err := c.do(ctx, u, out)
	metrics.ObserveDaemonCall(operation, start, err)

	if err != nil {
		c.logger.Debug("daemon call failed",
			zap.String("operation", operation),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "daemon call exceeded budget")
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "daemon transport error")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if resp.StatusCode == http.StatusNotFound {
			return errors.Newf(errors.ErrorTypeNotFound, "entity not found: %s", msg)
		}
		return errors.Newf(errors.ErrorTypeDaemon, "daemon returned %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := gojson.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDaemon, fmt.Sprintf("decode response from %s", u))
	}
	return nil
}
