package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification is one user-facing notification entry.
type Notification struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	NotificationType string    `json:"notification_type"`
	Read             bool      `json:"read"`
	Timestamp        time.Time `json:"timestamp"`
}

// ListConfig configures a notification List.
type ListConfig struct {
	// ServiceURL is the notification service base URL ("" disables read
	// receipts upstream; local state still updates).
	ServiceURL string
	// Token yields the current bearer access token.
	Token      func() string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// List holds the notifications received over the relay plus any loaded from
// the notification service, newest first.
type List struct {
	mu    sync.RWMutex
	items map[string]Notification

	serviceURL string
	token      func() string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewList constructs a List.
func NewList(cfg ListConfig) *List {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &List{
		items:      make(map[string]Notification),
		serviceURL: cfg.ServiceURL,
		token:      token,
		httpClient: client,
		logger:     logger,
	}
}

// Add inserts or replaces a notification. A missing ID gets one assigned.
func (l *List) Add(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.items[n.ID] = n
	l.mu.Unlock()
	return n
}

// All returns the notifications ordered newest first.
func (l *List) All() []Notification {
	l.mu.RLock()
	out := make([]Notification, 0, len(l.items))
	for _, n := range l.items {
		out = append(out, n)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Unread counts notifications not yet marked read.
func (l *List) Unread() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, n := range l.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags the notification locally and records the read receipt with
// the notification service when one is configured.
func (l *List) MarkRead(ctx context.Context, id string) error {
	l.mu.Lock()
	n, ok := l.items[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unknown notification %q", id)
	}
	n.Read = true
	l.items[id] = n
	l.mu.Unlock()

	if l.serviceURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		l.serviceURL+"/notifications/"+id+"/read", nil)
	if err != nil {
		return fmt.Errorf("create read-receipt request: %w", err)
	}
	if tok := l.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("record read receipt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}

// Clear drops all notifications. Called on sign-out.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]Notification)
}

// NotificationHandler feeds relay notification events into the list.
func NotificationHandler(list *List, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg Message) error {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return fmt.Errorf("decode notification event: %w", err)
		}
		if n.Timestamp.IsZero() {
			n.Timestamp = msg.TS
		}
		added := list.Add(n)
		logger.Info("notification received", "id", added.ID, "type", added.NotificationType)
		return nil
	}
}
