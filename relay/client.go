package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// relayPath is the event relay's websocket mount point.
	relayPath = "/private/socket.io/"

	// eventsChannel is the channel subscribed to at handshake time.
	eventsChannel = "events"

	handshakeTimeout = 10 * time.Second
	idlePollInterval = time.Second
	initialBackoff   = time.Second
	maxBackoff       = 30 * time.Second
)

// hello is the handshake frame sent after dialing: it authenticates the
// connection with the current access token and subscribes to the events
// channel.
type hello struct {
	Channel string `json:"channel"`
	Auth    struct {
		Token string `json:"token"`
	} `json:"auth"`
}

// ClientConfig configures a relay Client.
type ClientConfig struct {
	// URL is the event relay base URL ("" disables the client).
	URL string
	// Token yields the current access token; an empty result means the user
	// is signed out and the client stays disconnected.
	Token      func() string
	Dispatcher *Dispatcher
	Logger     *slog.Logger
}

// Client keeps one live connection to the event relay per authenticated
// session. It connects only while a token is available, reconnects with
// backoff on transient failures, and logs (never surfaces) transport errors.
type Client struct {
	url        string
	token      func() string
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(logger)
	}
	return &Client{
		url:        cfg.URL,
		token:      token,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Dispatcher returns the handler registry for this client.
func (c *Client) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Run supervises the connection until the context is cancelled: idle while
// signed out or unconfigured, otherwise connected, with exponential backoff
// between attempts.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tok := c.token()
		if c.url == "" || tok == "" {
			if err := sleep(ctx, idlePollInterval); err != nil {
				return err
			}
			continue
		}

		err := c.runConnection(ctx, tok)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("event relay connection lost", "error", err, "retry_in", backoff)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
	}
}

// Disconnect closes the current connection, if any. Run stays idle afterwards
// as long as no token is available.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// runConnection dials, performs the handshake, and reads messages until the
// connection drops or the user signs out.
func (c *Client) runConnection(ctx context.Context, token string) error {
	wsURL, err := websocketURL(c.url)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("relay dial: %w", err)
	}

	frame := hello{Channel: eventsChannel}
	frame.Auth.Token = token
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return fmt.Errorf("relay handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("event relay connected", "url", wsURL)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if c.token() == "" {
				// Torn down by sign-out, not a transport failure.
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}
		c.dispatcher.Dispatch(ctx, msg)
	}
}

// websocketURL converts the relay's HTTP base URL to its websocket endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = relayPath
	return u.String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
