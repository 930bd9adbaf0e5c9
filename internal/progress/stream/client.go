// Package stream contains the observer side of the progress protocol: an
// SSE consumer with reconnect handling and a polling fallback. Both smooth
// the raw event stream so the percent a caller observes never decreases.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/progress"
)

// State is the connection state machine position.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const maxReconnectDelay = 30 * time.Second

// Config controls the stream client.
type Config struct {
	// URL is the SSE endpoint for one run.
	URL string
	// HTTPClient defaults to http.DefaultClient. It must not set a global
	// timeout; the stream is long-lived.
	HTTPClient *http.Client
	// BackoffBase seeds exponential reconnect delays (default 1s).
	BackoffBase time.Duration
	// MaxAttempts caps consecutive failed connection attempts (default 5).
	MaxAttempts int
	// MinConnInterval throttles connection attempts so a tight reconnect
	// loop cannot storm the server (default 500ms).
	MinConnInterval time.Duration
	Logger          *zap.Logger
}

// Client consumes one run's progress stream. It owns its timers; cancelling
// the Run context is the only way to disconnect explicitly.
type Client struct {
	cfg         Config
	onEvent     func(progress.WireEvent)
	state       atomic.Value
	lastPercent int
	lastAttempt time.Time
	logger      *zap.Logger
}

// New builds a Client delivering smoothed events to onEvent.
func New(cfg Config, onEvent func(progress.WireEvent)) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MinConnInterval <= 0 {
		cfg.MinConnInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, onEvent: onEvent, logger: logger}
	c.state.Store(StateDisconnected)
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	return c.state.Load().(State)
}

func (c *Client) setState(s State) {
	c.state.Store(s)
}

// Run connects and consumes until a terminal event arrives, the reconnect
// budget is exhausted, or the context is cancelled. Returns nil on a
// terminal event.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	var lastErr error
	for {
		if err := c.throttle(ctx); err != nil {
			c.setState(StateDisconnected)
			return err
		}
		if attempts == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}
		c.lastAttempt = time.Now()

		terminal, connected, err := c.consume(ctx)
		if terminal {
			c.setState(StateDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("stream consume: %w", ctx.Err())
		}
		if connected {
			// A successful session resets the reconnect budget.
			attempts = 0
		}
		lastErr = err
		attempts++
		if attempts >= c.cfg.MaxAttempts {
			c.setState(StateDisconnected)
			return fmt.Errorf("reconnect attempts exhausted: %w", lastErr)
		}
		delay := c.cfg.BackoffBase << (attempts - 1)
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		c.logger.Debug("stream reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			c.setState(StateDisconnected)
			return err
		}
	}
}

// throttle enforces the minimum interval between connection attempts.
func (c *Client) throttle(ctx context.Context) error {
	if c.lastAttempt.IsZero() {
		return nil
	}
	wait := c.cfg.MinConnInterval - time.Since(c.lastAttempt)
	if wait <= 0 {
		return nil
	}
	return sleepCtx(ctx, wait)
}

// consume runs one streaming session. It reports whether a terminal event
// arrived and whether the session got as far as a connected event.
func (c *Client) consume(ctx context.Context) (terminal bool, connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return false, false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("connect stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if eventName == "" && data == "" {
				continue
			}
			evt, decodeErr := c.decode(eventName, data)
			eventName, data = "", ""
			if decodeErr != nil {
				c.logger.Warn("discarding malformed stream event", zap.Error(decodeErr))
				continue
			}
			if evt.Type == EventTypeConnected {
				connected = true
				c.setState(StateConnected)
			}
			c.dispatch(evt)
			if evt.Type == EventTypeCompleted || evt.Type == EventTypeError {
				return true, connected, nil
			}
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return false, connected, fmt.Errorf("stream read: %w", scanErr)
	}
	return false, connected, fmt.Errorf("stream closed by server")
}

// Aliases keep call sites in this package short.
const (
	EventTypeConnected = progress.EventConnected
	EventTypeCompleted = progress.EventCompleted
	EventTypeError     = progress.EventError
)

func (c *Client) decode(eventName, data string) (progress.WireEvent, error) {
	var evt progress.WireEvent
	if eventName == "" {
		return evt, fmt.Errorf("event without type")
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return evt, fmt.Errorf("decode %q payload: %w", eventName, err)
		}
	}
	evt.Type = progress.EventType(eventName)
	return evt, nil
}

// dispatch applies monotonic smoothing before handing the event to the
// caller: raw server events may regress during retries, observed percent
// never does.
func (c *Client) dispatch(evt progress.WireEvent) {
	if evt.Type == progress.EventProgress {
		if evt.Percent < c.lastPercent {
			evt.Percent = c.lastPercent
		} else {
			c.lastPercent = evt.Percent
		}
	}
	if evt.Type == progress.EventCompleted && c.lastPercent < 100 {
		c.lastPercent = 100
	}
	if c.onEvent != nil {
		c.onEvent(evt)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("stream wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
