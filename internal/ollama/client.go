// Package ollama wraps the model server's Go client for one endpoint:
// version ping, model listing and streaming chat, with transport failures
// mapped to ErrEndpointUnreachable.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// ErrEndpointUnreachable is returned when the endpoint cannot be reached or
// drops the connection mid-response. It is transient and retryable.
var ErrEndpointUnreachable = errors.New("ollama: endpoint unreachable")

// APIError is a non-success answer from a reachable endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "ollama: " + e.Message
	}
	return fmt.Sprintf("ollama: status %d: %s", e.StatusCode, e.Message)
}

// ChatStreamer is the part of Client the turn orchestrator needs.
type ChatStreamer interface {
	ChatStream(ctx context.Context, req ChatRequest, fn func(ChatResponse) error) error
}

// Client talks to one model server.
type Client struct {
	baseURL string
	api     *api.Client
}

// NewClient returns a Client for baseURL (e.g. http://127.0.0.1:11435).
// Requests are bounded by their context only.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "http", Host: strings.TrimPrefix(base, "http://")}
	}
	return &Client{
		baseURL: base,
		api:     api.NewClient(u, &http.Client{}),
	}
}

// BaseURL returns the endpoint address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the endpoint answers and returns its version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	v, err := c.api.Version(ctx)
	if err != nil {
		return "", c.mapErr(ctx, err)
	}
	return v, nil
}

// ListModels returns the models available on the endpoint.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.api.List(ctx)
	if err != nil {
		return nil, c.mapErr(ctx, err)
	}
	return resp.Models, nil
}

// ModelNames returns the names of the models available on the endpoint.
func (c *Client) ModelNames(ctx context.Context) ([]string, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names, nil
}

// ChatStream posts a streaming chat request and calls fn for every chunk in
// generation order. Cancelling ctx interrupts the response promptly. A
// stream that ends without its Done line is reported as unreachable.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, fn func(ChatResponse) error) error {
	stream := true
	req.Stream = &stream

	var cbErr error
	sawDone := false
	err := c.api.Chat(ctx, &req, func(r api.ChatResponse) error {
		if sawDone {
			return nil
		}
		if cbErr = fn(r); cbErr != nil {
			return cbErr
		}
		sawDone = r.Done
		return nil
	})
	if cbErr != nil {
		return cbErr
	}
	if err != nil {
		return c.mapErr(ctx, err)
	}
	if !sawDone {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: stream ended before completion", ErrEndpointUnreachable, c.baseURL)
	}
	return nil
}

// WaitReady polls the endpoint until it answers or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		beatCtx, beatCancel := context.WithTimeout(ctx, interval)
		err := c.api.Heartbeat(beatCtx)
		beatCancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not ready after %s", ErrEndpointUnreachable, c.baseURL, timeout)
		case <-ticker.C:
		}
	}
}

// mapErr turns client errors into ctx errors, ErrEndpointUnreachable or
// *APIError. Cancellation wins over whatever the read failed with. Error
// lines inside a stream carry no status code.
func (c *Client) mapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		return &APIError{StatusCode: statusErr.StatusCode, Message: msg}
	}
	if isTransportErr(err) {
		return fmt.Errorf("%w: %s: %v", ErrEndpointUnreachable, c.baseURL, err)
	}
	return &APIError{Message: err.Error()}
}

func isTransportErr(err error) bool {
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
