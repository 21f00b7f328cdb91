// Package predict is a thin client for the external prediction engine.
// The engine is a separate deployment and can be flaky, so calls run
// through a circuit breaker and never block the data paths.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantpulse/cryptogate/internal/model"
)

// ErrUnavailable is returned when the engine is unreachable or its
// breaker is open.
var ErrUnavailable = fmt.Errorf("prediction engine unavailable")

// Client calls the prediction engine over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a client. An empty baseURL disables predictions; Get then
// always returns ErrUnavailable.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "predict-engine",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("prediction breaker state change")
		},
	})
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

// Enabled reports whether an engine endpoint is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Get fetches the engine's current call for a symbol.
func (c *Client) Get(ctx context.Context, symbol string) (model.Prediction, error) {
	if !c.Enabled() {
		return model.Prediction{}, ErrUnavailable
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return model.Prediction{}, ErrUnavailable
		}
		return model.Prediction{}, err
	}
	return result.(model.Prediction), nil
}

func (c *Client) fetch(ctx context.Context, symbol string) (model.Prediction, error) {
	u := c.baseURL + "/predict?" + url.Values{"symbol": {symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Prediction{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Prediction{}, fmt.Errorf("prediction fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return model.Prediction{}, fmt.Errorf("prediction engine status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Prediction{}, err
	}

	var p model.Prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return model.Prediction{}, fmt.Errorf("prediction decode: %w", err)
	}
	if p.Symbol == "" {
		p.Symbol = strings.ToUpper(symbol)
	}
	if p.Direction != "up" && p.Direction != "down" && p.Direction != "flat" {
		return model.Prediction{}, fmt.Errorf("prediction: unknown direction %q", p.Direction)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return model.Prediction{}, fmt.Errorf("prediction: confidence %f out of range", p.Confidence)
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	return p, nil
}
