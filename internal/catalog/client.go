// Package catalog talks to the remote content API that resolves a piece of
// content into a transferable byte-stream URL.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/serene-brew/kaizen-app-sub000/internal/logctx"
	"github.com/serene-brew/kaizen-app-sub000/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// APIError represents an error response from the content API.
type APIError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("catalog error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("catalog error during %s: %v", e.Operation, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// QualityOption is one selectable rendition of a stream.
type QualityOption struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// StreamSource is a resolved transfer source.
type StreamSource struct {
	URL            string          `json:"url"`
	QualityOptions []QualityOption `json:"qualityOptions"`
}

// Client is an authenticated content API client.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a catalog client authenticated with a static bearer
// token. Outbound requests carry otel spans for trace propagation.
func NewClient(baseURL, token string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	oauthClient.Transport = otelhttp.NewTransport(oauthClient.Transport)

	return &Client{baseURL: baseURL, hc: oauthClient}
}

// ResolveStreamURL resolves the byte-stream URL for an episode or chapter.
func (c *Client) ResolveStreamURL(ctx context.Context, contentID string, variant transfer.Variant, episode string) (*StreamSource, error) {
	logger := logctx.LoggerFromContext(ctx).With("content_id", contentID, "episode", episode)

	endpoint := fmt.Sprintf("%s/content/%s/episodes/%s/stream?variant=%s",
		c.baseURL,
		url.PathEscape(contentID),
		url.PathEscape(episode),
		url.QueryEscape(string(variant)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &APIError{Operation: "resolve_stream", Err: err}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve stream url", "err", err)

		return nil, &APIError{Operation: "resolve_stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Operation: "resolve_stream", StatusCode: resp.StatusCode}
	}

	var source StreamSource
	if err := json.NewDecoder(resp.Body).Decode(&source); err != nil {
		return nil, &APIError{Operation: "resolve_stream", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if source.URL == "" {
		return nil, &APIError{Operation: "resolve_stream", Err: fmt.Errorf("empty stream url in response")}
	}

	return &source, nil
}
