// Package relay maintains the live connection to the platform's event push
// service and dispatches inbound messages to per-feature handlers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// Message is an event frame from the relay service.
type Message struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	TS      time.Time       `json:"ts"`
}

// Handler consumes a relay message.
type Handler func(ctx context.Context, msg Message) error

type registration struct {
	pattern *regexp.Regexp
	handler Handler
}

// Dispatcher routes messages to handlers by matching the message channel
// against each registered pattern. Patterns are compiled once at
// registration, never per message.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registration
	logger   *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Register compiles pattern and appends the handler. Registration order is
// dispatch order.
func (d *Dispatcher) Register(pattern string, h Handler) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile channel pattern %q: %w", pattern, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, registration{pattern: re, handler: h})
	return nil
}

// Dispatch delivers msg to every handler whose pattern matches the channel,
// sequentially in registration order, waiting for each. Handler errors are
// logged and do not stop delivery; a message matching nothing is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.RLock()
	handlers := make([]registration, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, reg := range handlers {
		if !reg.pattern.MatchString(msg.Channel) {
			continue
		}
		if err := reg.handler(ctx, msg); err != nil {
			d.logger.Warn("relay handler failed",
				"channel", msg.Channel,
				"type", msg.Type,
				"error", err,
			)
		}
	}
}
