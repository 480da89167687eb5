package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const maxBackoffSteps = 5

var errStale = errors.New("feed stale")

// Client is a reconnecting websocket connection. Subscriptions are kept by
// their encoded form and replayed on every new session.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     [][]byte
	subKeys  map[string]struct{}
	sessions int
}

func NewClient(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		subKeys:        make(map[string]struct{}),
	}
}

// Subscribe registers sub and sends it on the live session, if any. A repeated
// subscription is ignored.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	c.mu.Lock()
	if _, ok := c.subKeys[string(data)]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subKeys[string(data)] = struct{}{}
	c.subs = append(c.subs, data)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials, replays subscriptions and hands every message to handler until ctx
// ends. Failed sessions back off exponentially from the reconnect delay; a
// session that delivered messages resets the backoff.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	failures := 0
	for {
		delivered, err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			failures = 0
		} else {
			failures++
		}
		c.logSessionEnd(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(c.reconnectDelay, failures)):
		}
	}
}

func backoff(base time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return base
	}
	if failures > maxBackoffSteps {
		failures = maxBackoffSteps
	}
	return base << (failures - 1)
}

func (c *Client) session(ctx context.Context, handler func(json.RawMessage)) (bool, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "reset")

	c.mu.Lock()
	c.conn = conn
	c.sessions++
	subs := append([][]byte(nil), c.subs...)
	n := c.sessions
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	c.log.Info("feed connected", zap.String("url", c.url), zap.Int("session", n), zap.Int("subscriptions", len(subs)))

	for _, sub := range subs {
		if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
			return false, fmt.Errorf("replay subscription: %w", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if c.pingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pingLoop(sessionCtx, conn)
		}()
	}
	delivered, err := c.readLoop(sessionCtx, conn, handler)
	cancel()
	wg.Wait()
	return delivered, err
}

// readLoop treats three missed ping intervals without any message as a dead
// connection.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handler func(json.RawMessage)) (bool, error) {
	delivered := false
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.pingInterval > 0 {
			readCtx, cancel = context.WithTimeout(ctx, 3*c.pingInterval)
		}
		_, data, err := conn.Read(readCtx)
		stale := readCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if err != nil {
			if stale {
				return delivered, errStale
			}
			return delivered, err
		}
		delivered = true
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logSessionEnd(err error) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		c.log.Info("feed closed", zap.String("reason", closeErr.Reason))
		return
	}
	c.log.Warn("feed disconnected", zap.String("url", c.url), zap.Error(err))
}

var pingMessage = []byte(`{"method":"ping"}`)
