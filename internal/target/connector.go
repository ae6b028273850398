package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Config selects which target the Connector attaches to.
type Config struct {
	Host  string
	Ports []int
	// WebSocketURL skips discovery when set.
	WebSocketURL string
	// URLContains picks the first page whose URL contains this string.
	URLContains string
}

// Connector holds one lazily established CDP session and re-establishes
// it after the connection drops. Safe for concurrent use.
type Connector struct {
	cfg        Config
	discoverer *Discoverer
	logger     *slog.Logger

	mu     sync.Mutex
	client *Client
	page   PageTarget
}

// NewConnector creates a connector. Nothing is dialled until first use.
func NewConnector(cfg Config, logger *slog.Logger) *Connector {
	return &Connector{
		cfg:        cfg,
		discoverer: NewDiscoverer(cfg.Host, cfg.Ports, logger),
		logger:     logger,
	}
}

// Discover lists reachable endpoints.
func (c *Connector) Discover(ctx context.Context) ([]Endpoint, error) {
	return c.discoverer.Discover(ctx)
}

func (c *Connector) session(ctx context.Context) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	page, err := c.selectPage(ctx)
	if err != nil {
		return nil, err
	}
	client, err := Dial(ctx, page.WebSocketURL, c.logger)
	if err != nil {
		return nil, err
	}
	c.client, c.page = client, page
	c.logger.Info("attached to cdp target",
		slog.String("title", page.Title),
		slog.String("url", page.URL),
	)
	return client, nil
}

func (c *Connector) selectPage(ctx context.Context) (PageTarget, error) {
	if c.cfg.WebSocketURL != "" {
		return PageTarget{Type: "page", WebSocketURL: c.cfg.WebSocketURL}, nil
	}
	endpoints, err := c.discoverer.Discover(ctx)
	if err != nil {
		return PageTarget{}, err
	}
	for _, ep := range endpoints {
		for _, p := range ep.Pages() {
			if c.cfg.URLContains == "" || strings.Contains(p.URL, c.cfg.URLContains) {
				return p, nil
			}
		}
	}
	return PageTarget{}, fmt.Errorf("%w: no page target matches", ErrNoTarget)
}

// drop discards a broken session so the next call reconnects.
func (c *Connector) drop(client *Client, err error) {
	if !errors.Is(err, ErrClosed) && !client.Closed() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.client = nil
		c.logger.Warn("cdp connection lost", slog.String("error", err.Error()))
	}
}

// Evaluate runs expression in the attached page.
func (c *Connector) Evaluate(ctx context.Context, expression string) (any, error) {
	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	v, err := client.Evaluate(ctx, expression)
	if err != nil {
		c.drop(client, err)
	}
	return v, err
}

// CaptureScreenshot captures the attached page.
func (c *Connector) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	client, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	img, err := client.CaptureScreenshot(ctx)
	if err != nil {
		c.drop(client, err)
	}
	return img, err
}

// Page returns the currently attached page, if any.
func (c *Connector) Page() (PageTarget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page, c.client != nil
}

// Close closes the current session.
func (c *Connector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
