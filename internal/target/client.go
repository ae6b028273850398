package target

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// maxMessageSize bounds one CDP frame. Screenshots of large windows arrive
// as a single base64 frame.
const maxMessageSize = 64 << 20

// Client is a CDP session over one WebSocket. Calls may be issued
// concurrently; responses are matched to callers by id.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan message
	err     error // set once the read loop exits

	done chan struct{}
}

// Dial connects to a target's webSocketDebuggerUrl and starts the read loop.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing cdp target: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid cdp message", slog.String("error", err.Error()))
			continue
		}
		if msg.ID == 0 {
			c.logger.Debug("cdp event", slog.String("method", msg.Method))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// shutdown fails every pending call with err.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends method with params and decodes the response result into out
// (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.forget(id)
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Evaluate runs expression in the page and returns its JSON value.
// Promises are awaited. A thrown exception yields ErrEvaluation.
func (c *Client) Evaluate(ctx context.Context, expression string) (any, error) {
	params := evaluateParams{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
		UserGesture:   true,
	}
	if deadline, ok := ctx.Deadline(); ok {
		params.Timeout = time.Until(deadline).Milliseconds()
	}

	var res evaluateResult
	if err := c.Call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return nil, err
	}
	if d := res.ExceptionDetails; d != nil {
		msg := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			msg = d.Exception.Description
		}
		return nil, fmt.Errorf("%w: %s", ErrEvaluation, msg)
	}
	if res.Result.Type == "undefined" {
		return nil, nil
	}
	if res.Result.UnserializableValue != "" {
		return res.Result.UnserializableValue, nil
	}
	if len(res.Result.Value) == 0 {
		if res.Result.Description != "" {
			return res.Result.Description, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnserialized, res.Result.Type)
	}
	var v any
	if err := json.Unmarshal(res.Result.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding evaluation result: %w", err)
	}
	return v, nil
}

// CaptureScreenshot returns a PNG of the page viewport.
func (c *Client) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var res screenshotResult
	if err := c.Call(ctx, "Page.captureScreenshot", screenshotParams{Format: "png"}, &res); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	return img, nil
}

// Closed reports whether the read loop has exited.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "closing")
	<-c.done
	return err
}
