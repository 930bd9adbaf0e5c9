// Package shotapi is the tier-1 capture collaborator: a thin client for an
// external screenshot-as-a-service HTTP endpoint returning image bytes.
package shotapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Config identifies the vendor endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements analysis.CaptureAPI over plain HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Screenshot requests image bytes for the target URL. Vendor 429/5xx
// responses surface as ErrExternalService (retryable); anything that is not
// a non-empty image surfaces as ErrValidation (not retried).
func (c *Client) Screenshot(ctx context.Context, target string, opts analysis.ShotOptions) ([]byte, error) {
	q := url.Values{}
	q.Set("url", target)
	if opts.ViewportWidth > 0 {
		q.Set("viewport_width", strconv.Itoa(opts.ViewportWidth))
	}
	if opts.ViewportHeight > 0 {
		q.Set("viewport_height", strconv.Itoa(opts.ViewportHeight))
	}
	q.Set("full_page", strconv.FormatBool(opts.FullPage))
	if opts.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(opts.Timeout.Milliseconds())))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build shot request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shot request: %w: %w", analysis.ErrExternalService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("shot api status %d: %w", resp.StatusCode, analysis.ErrExternalService)
	default:
		return nil, fmt.Errorf("shot api status %d: %w", resp.StatusCode, analysis.ErrValidation)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("shot api content type %q: %w", ct, analysis.ErrValidation)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read shot body: %w: %w", analysis.ErrExternalService, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("shot api returned empty image: %w", analysis.ErrValidation)
	}
	return data, nil
}
