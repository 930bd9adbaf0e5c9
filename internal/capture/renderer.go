package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/sitelens/sitelens/internal/browser"
)

// RenderOutput is a full tier-2 capture: rendered markup plus screenshots.
type RenderOutput struct {
	HTML               string
	Screenshot         []byte
	FullPageScreenshot []byte
	StatusCode         int
}

// Renderer produces a rendered capture of a URL. The pool-backed
// implementation is BrowserRenderer; tests substitute fakes.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderOutput, error)
}

// BrowserRenderer renders pages through the browser pool.
type BrowserRenderer struct {
	pool           *browser.Pool
	navTimeout     time.Duration
	viewportWidth  int64
	viewportHeight int64
	fullPage       bool
	userAgent      string
}

// NewBrowserRenderer wires a renderer to the pool.
func NewBrowserRenderer(pool *browser.Pool, navTimeout time.Duration, viewportWidth, viewportHeight int, fullPage bool, userAgent string) *BrowserRenderer {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	if viewportWidth <= 0 {
		viewportWidth = 1280
	}
	if viewportHeight <= 0 {
		viewportHeight = 800
	}
	return &BrowserRenderer{
		pool:           pool,
		navTimeout:     navTimeout,
		viewportWidth:  int64(viewportWidth),
		viewportHeight: int64(viewportHeight),
		fullPage:       fullPage,
		userAgent:      userAgent,
	}
}

// Render acquires a pooled context, navigates, and captures DOM plus
// screenshots. The context is released on every path; render failures are
// reported to the pool so repeatedly failing processes get recycled. An
// error-status document (4xx/5xx) counts as a tier failure so the capture
// chain falls through rather than scoring an error page.
func (r *BrowserRenderer) Render(ctx context.Context, url string) (RenderOutput, error) {
	pooled, err := r.pool.Acquire(ctx)
	if err != nil {
		return RenderOutput{}, fmt.Errorf("acquire render context: %w", err)
	}
	defer pooled.Release()

	taskCtx, cancel := context.WithTimeout(pooled.Ctx(), r.navTimeout)
	defer cancel()

	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	var meta documentMeta
	meta.listen(taskCtx)

	var out RenderOutput
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.EmulateViewport(r.viewportWidth, r.viewportHeight),
	}
	if r.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(r.userAgent))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &out.HTML, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&out.Screenshot),
	)
	if r.fullPage {
		actions = append(actions, chromedp.FullScreenshot(&out.FullPageScreenshot, 90))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		pooled.ReportFailure()
		return RenderOutput{}, fmt.Errorf("chromedp run: %w", err)
	}
	out.StatusCode = meta.status()
	if out.StatusCode >= 400 {
		return RenderOutput{}, fmt.Errorf("render %s: document status %d", url, out.StatusCode)
	}
	return out, nil
}

// documentMeta records the main document's response status from the CDP
// network events. Handlers run on the event goroutine, so the field is
// atomic.
type documentMeta struct {
	once       sync.Once
	statusCode atomic.Int64
}

func (m *documentMeta) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		m.once.Do(func() {
			m.statusCode.Store(int64(resp.Response.Status))
		})
	})
}

func (m *documentMeta) status() int {
	return int(m.statusCode.Load())
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
