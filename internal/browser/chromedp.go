package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// chromedpProcess is the production renderProcess: one exec allocator plus
// a warmed-up browser context. Tabs are isolated child contexts.
type chromedpProcess struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func chromedpLauncher(cfg Config) launchFunc {
	return func() (renderProcess, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		// Warmup starts the Chrome process so launch failures surface here
		// instead of on the first capture.
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
		return &chromedpProcess{
			allocCancel:   allocCancel,
			browserCtx:    browserCtx,
			browserCancel: browserCancel,
		}, nil
	}
}

func (c *chromedpProcess) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(c.browserCtx)
}

func (c *chromedpProcess) Probe(ctx context.Context) error {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	defer cancel()

	probeCtx, cancelProbe := context.WithCancel(tabCtx)
	defer cancelProbe()
	stop := forwardCancel(ctx, cancelProbe)
	defer stop()

	var one int
	if err := chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

func (c *chromedpProcess) Close() {
	c.browserCancel()
	c.allocCancel()
}

// forwardCancel propagates cancellation from parent to a chromedp context
// that is not derived from it.
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
