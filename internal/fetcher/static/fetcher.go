// Package static fetches raw page markup over plain HTTP. It is the last
// capture fallback tier: no JavaScript execution, no screenshots.
package static

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// PerHostQPS bounds request rate per target host, politeness only;
	// vendor-level limiting happens upstream.
	PerHostQPS float64
}

// Result is a fetched page.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs single-page GETs via a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	hostLimiters  sync.Map
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the raw markup.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if err := f.waitHostBudget(ctx, rawURL); err != nil {
		return Result{}, err
	}

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.Context = ctx

	var (
		result   Result
		fetchErr error
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("static fetch %s: %w", rawURL, err)
	})

	if err := collector.Visit(rawURL); err != nil {
		return Result{}, fmt.Errorf("visit %s: %w", rawURL, err)
	}
	collector.Wait()

	if fetchErr != nil {
		return Result{}, fetchErr
	}
	if result.StatusCode == 0 {
		result.StatusCode = http.StatusOK
	}
	if len(result.Body) == 0 {
		return Result{}, fmt.Errorf("static fetch %s: empty body", rawURL)
	}
	return result, nil
}

func (f *Fetcher) waitHostBudget(ctx context.Context, rawURL string) error {
	if f.cfg.PerHostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := f.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(f.cfg.PerHostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host budget wait: %w", err)
	}
	return nil
}
