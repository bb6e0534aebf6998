// Package solver is the HTTP client for the external route solver service.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/normalize"
	"vrp-orchestrator/pkg/circuitbreaker"
)

// Solver endpoints
const (
	solvePath   = "/solve_vrp"
	resultsPath = "/results/"
	healthPath  = "/health"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// ErrCircuitOpen is the cause of transport errors rejected by an open circuit.
var ErrCircuitOpen = errors.New("solver circuit open")

// MetricsRecorder is an optional interface for recording solver metrics.
type MetricsRecorder interface {
	RecordSolverRequest(ctx context.Context, op string, statusCode int, durationSeconds float64)
}

// Solution is the outcome of a solve call. Response is nil when the solver
// accepted the job asynchronously; results are then read with FetchResults.
type Solution struct {
	ExternalID string
	Response   *normalize.Response
}

// Client performs one HTTP round trip per call and maps every failure to a
// typed error: transport, protocol or shape.
type Client struct {
	base     *url.URL
	http     *http.Client
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
	inFlight *semaphore.Weighted
	logger   *slog.Logger
	metrics  MetricsRecorder
}

// New creates a client for the solver at cfg.BaseURL.
func New(cfg Config, metrics MetricsRecorder) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid solver URL %q", cfg.BaseURL)
	}

	c := &Client{
		base:    base,
		timeout: cfg.Timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  slog.With("component", "solver", "baseUrl", base.String()),
		metrics: metrics,
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(_ string, from, to circuitbreaker.State) {
			if to == circuitbreaker.Open {
				c.logger.Warn("Solver circuit opened", "from", from.String(), "cooldown", cfg.BreakerCooldown)
				return
			}
			c.logger.Info("Solver circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	if cfg.MaxInFlight > 0 {
		c.inFlight = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return c, nil
}

// Solve normalizes params, posts them to the solver and normalizes the reply.
func (c *Client) Solve(ctx context.Context, params map[string]any) (*Solution, error) {
	const op = "solver.solve"

	req, err := normalize.NormalizeRequest(params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	if c.inFlight != nil {
		if err := c.inFlight.Acquire(ctx, 1); err != nil {
			return nil, apperrors.Transport(op, 0, nil, err)
		}
		defer c.inFlight.Release(1)
	}

	raw, err := c.do(ctx, op, http.MethodPost, solvePath, body)
	if err != nil {
		return nil, err
	}

	externalID := normalize.ExternalID(raw)
	resp, err := normalize.NormalizeResponse(raw)
	if err != nil {
		if errors.Is(err, apperrors.ErrShape) && externalID != "" {
			c.logger.Debug("Solve accepted asynchronously", "externalId", externalID)
			return &Solution{ExternalID: externalID}, nil
		}
		return nil, err
	}
	return &Solution{ExternalID: externalID, Response: resp}, nil
}

// FetchResults retrieves the results of an asynchronously accepted solve.
func (c *Client) FetchResults(ctx context.Context, externalID string) (*normalize.Response, error) {
	const op = "solver.results"
	if externalID == "" {
		return nil, apperrors.Validation("externalId", "external id is required to fetch results")
	}
	raw, err := c.do(ctx, op, http.MethodGet, resultsPath+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	return normalize.NormalizeResponse(raw)
}

// Ping checks that the solver answers its health endpoint with a 2xx.
func (c *Client) Ping(ctx context.Context) error {
	const op = "solver.health"
	_, err := c.roundTrip(ctx, op, http.MethodGet, healthPath, nil)
	return err
}

// do performs the round trip and decodes the body as a JSON object.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (map[string]any, error) {
	data, err := c.roundTrip(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, apperrors.Protocol(op, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, apperrors.Protocol(op, fmt.Errorf("expected a JSON object, got %T", decoded))
	}
	return obj, nil
}

// roundTrip sends one request bounded by the client timeout and returns the
// body of a 2xx response.
func (c *Client) roundTrip(parent context.Context, op, method, path string, body []byte) ([]byte, error) {
	breaker := c.breaker
	if !breaker.Allow() {
		cause := fmt.Errorf("%w, retry in %s", ErrCircuitOpen, breaker.RetryAfter().Round(time.Millisecond))
		return nil, apperrors.Transport(op, 0, nil, cause)
	}

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	target := c.base.String() + path
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Solver request", "op", op, "method", method, "url", target, "bytes", len(body))
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		// The caller giving up says nothing about the solver's health.
		if parent.Err() == nil {
			breaker.RecordFailure()
		}
		c.record(ctx, op, 0, start)
		c.logger.Warn("Solver request failed", "op", op, "url", target, "duration", time.Since(start), "error", err)
		return nil, apperrors.Transport(op, 0, nil, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.record(ctx, op, resp.StatusCode, start)
	c.logger.Info("Solver response",
		"op", op,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Transport(op, resp.StatusCode, data, nil)
	}
	if readErr != nil {
		return nil, apperrors.Transport(op, 0, data, readErr)
	}
	return data, nil
}

// BreakerState reports the state of the solver circuit breaker.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

func (c *Client) record(ctx context.Context, op string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordSolverRequest(context.WithoutCancel(ctx), op, status, time.Since(start).Seconds())
	}
}
