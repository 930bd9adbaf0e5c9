// Package capture obtains rendered markup and screenshots for a URL through
// an ordered fallback chain: external shot API, pooled browser render, and
// finally a plain HTTP fetch of the static markup.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/analysis"
	"github.com/sitelens/sitelens/internal/fetcher/static"
	"github.com/sitelens/sitelens/internal/metrics"
)

// tokenWaiter is the rate limiter seam: every external call in any tier
// reserves a token first.
type tokenWaiter interface {
	WaitToken(ctx context.Context) error
}

// staticFetcher is the tier-3 seam.
type staticFetcher interface {
	Fetch(ctx context.Context, url string) (static.Result, error)
}

// Config controls tier behavior and artifact placement.
type Config struct {
	TierTimeout     time.Duration
	ViewportWidth   int
	ViewportHeight  int
	FullPage        bool
	BlobPrefix      string
	ContentTypeHTML string
}

func (c *Config) applyDefaults() {
	if c.TierTimeout <= 0 {
		c.TierTimeout = 30 * time.Second
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 800
	}
	if c.BlobPrefix == "" {
		c.BlobPrefix = "runs"
	}
	if c.ContentTypeHTML == "" {
		c.ContentTypeHTML = "text/html; charset=utf-8"
	}
}

// Service is the capture service. Any nil tier dependency is skipped.
type Service struct {
	shotAPI  analysis.CaptureAPI
	renderer Renderer
	static   staticFetcher
	limiter  tokenWaiter
	blobs    analysis.BlobStore
	cfg      Config
	logger   *zap.Logger
}

// New wires the capture tiers together.
func New(
	shotAPI analysis.CaptureAPI,
	renderer Renderer,
	staticF staticFetcher,
	limiter tokenWaiter,
	blobs analysis.BlobStore,
	cfg Config,
	logger *zap.Logger,
) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		shotAPI:  shotAPI,
		renderer: renderer,
		static:   staticF,
		limiter:  limiter,
		blobs:    blobs,
		cfg:      cfg,
		logger:   logger,
	}
}

// Capture walks the tiers in order. Each tier's failure is logged and
// absorbed; only exhaustion of every tier returns ErrCaptureFailed.
func (s *Service) Capture(ctx context.Context, runID uuid.UUID, url string) (analysis.CaptureResult, error) {
	type tier struct {
		name    analysis.CaptureTier
		capture func(ctx context.Context) (analysis.CaptureResult, error)
	}
	tiers := []tier{}
	if s.shotAPI != nil {
		tiers = append(tiers, tier{analysis.TierShotAPI, func(ctx context.Context) (analysis.CaptureResult, error) {
			return s.captureShotAPI(ctx, runID, url)
		}})
	}
	if s.renderer != nil {
		tiers = append(tiers, tier{analysis.TierBrowser, func(ctx context.Context) (analysis.CaptureResult, error) {
			return s.captureBrowser(ctx, runID, url)
		}})
	}
	if s.static != nil {
		tiers = append(tiers, tier{analysis.TierStatic, func(ctx context.Context) (analysis.CaptureResult, error) {
			return s.captureStatic(ctx, runID, url)
		}})
	}

	var lastErr error
	for _, t := range tiers {
		tierCtx, cancel := context.WithTimeout(ctx, s.cfg.TierTimeout)
		result, err := t.capture(tierCtx)
		cancel()
		if err == nil {
			metrics.ObserveCaptureTier(string(t.name), "ok")
			result.Tier = t.name
			return result, nil
		}
		lastErr = err
		metrics.ObserveCaptureTier(string(t.name), "error")
		s.logger.Warn("capture tier failed",
			zap.String("tier", string(t.name)),
			zap.String("url", url),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no capture tiers configured")
	}
	return analysis.CaptureResult{}, fmt.Errorf("%w: %w", analysis.ErrCaptureFailed, lastErr)
}

// captureShotAPI pairs vendor screenshot bytes with statically fetched
// markup; scoring needs both.
func (s *Service) captureShotAPI(ctx context.Context, runID uuid.UUID, url string) (analysis.CaptureResult, error) {
	if s.static == nil {
		return analysis.CaptureResult{}, fmt.Errorf("shot api tier requires a markup fetcher")
	}
	if err := s.limiter.WaitToken(ctx); err != nil {
		return analysis.CaptureResult{}, err
	}
	shot, err := s.shotAPI.Screenshot(ctx, url, analysis.ShotOptions{
		ViewportWidth:  s.cfg.ViewportWidth,
		ViewportHeight: s.cfg.ViewportHeight,
		FullPage:       s.cfg.FullPage,
		Timeout:        s.cfg.TierTimeout,
	})
	if err != nil {
		return analysis.CaptureResult{}, fmt.Errorf("shot api: %w", err)
	}
	if err := s.limiter.WaitToken(ctx); err != nil {
		return analysis.CaptureResult{}, err
	}
	page, err := s.static.Fetch(ctx, url)
	if err != nil {
		return analysis.CaptureResult{}, fmt.Errorf("markup fetch: %w", err)
	}
	return s.persist(ctx, runID, shot, nil, page.Body)
}

func (s *Service) captureBrowser(ctx context.Context, runID uuid.UUID, url string) (analysis.CaptureResult, error) {
	if err := s.limiter.WaitToken(ctx); err != nil {
		return analysis.CaptureResult{}, err
	}
	out, err := s.renderer.Render(ctx, url)
	if err != nil {
		return analysis.CaptureResult{}, fmt.Errorf("browser render: %w", err)
	}
	return s.persist(ctx, runID, out.Screenshot, out.FullPageScreenshot, []byte(out.HTML))
}

// captureStatic is markup-only; the artifact carries no screenshot refs.
func (s *Service) captureStatic(ctx context.Context, runID uuid.UUID, url string) (analysis.CaptureResult, error) {
	if err := s.limiter.WaitToken(ctx); err != nil {
		return analysis.CaptureResult{}, err
	}
	page, err := s.static.Fetch(ctx, url)
	if err != nil {
		return analysis.CaptureResult{}, fmt.Errorf("static fetch: %w", err)
	}
	s.logger.Info("capture degraded to static markup, no screenshot",
		zap.String("url", url),
		zap.String("run_id", runID.String()),
	)
	return s.persist(ctx, runID, nil, nil, page.Body)
}

func (s *Service) persist(ctx context.Context, runID uuid.UUID, screenshot, fullPage, markup []byte) (analysis.CaptureResult, error) {
	if len(markup) == 0 {
		return analysis.CaptureResult{}, fmt.Errorf("empty rendered markup: %w", analysis.ErrValidation)
	}
	artifact := analysis.Artifact{RunID: runID}

	markupRef, err := s.blobs.PutObject(ctx, s.blobPath(runID, "page.html"), s.cfg.ContentTypeHTML, bytes.NewReader(markup))
	if err != nil {
		return analysis.CaptureResult{}, fmt.Errorf("store markup: %w", err)
	}
	artifact.RenderedMarkupRef = markupRef

	if len(screenshot) > 0 {
		ref, err := s.blobs.PutObject(ctx, s.blobPath(runID, "screenshot.png"), "image/png", bytes.NewReader(screenshot))
		if err != nil {
			return analysis.CaptureResult{}, fmt.Errorf("store screenshot: %w", err)
		}
		artifact.ScreenshotRef = ref
	}
	if len(fullPage) > 0 {
		ref, err := s.blobs.PutObject(ctx, s.blobPath(runID, "fullpage.png"), "image/png", bytes.NewReader(fullPage))
		if err != nil {
			return analysis.CaptureResult{}, fmt.Errorf("store full page screenshot: %w", err)
		}
		artifact.FullPageScreenshotRef = ref
	}

	return analysis.CaptureResult{
		Artifact:       artifact,
		RenderedMarkup: string(markup),
	}, nil
}

func (s *Service) blobPath(runID uuid.UUID, name string) string {
	return path.Join(s.cfg.BlobPrefix, runID.String(), name)
}
