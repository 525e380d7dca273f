package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry records one resource's permission-check state.
type Entry struct {
	Permissions  []string
	IsFetching   bool
	HasAttempted bool
	Error        string
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// ServiceURL is the authorization service base URL.
	ServiceURL string
	// Token yields the current bearer access token ("" when signed out).
	Token      func() string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Cache memoizes permission-check results per canonical resource key.
// Permissions are tied to the session identity, so entries are never evicted
// individually; the whole cache is wiped on sign-out or refresh failure.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group

	serviceURL string
	token      func() string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCache constructs a Cache.
func NewCache(cfg CacheConfig) *Cache {
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
	return &Cache{
		entries:    make(map[string]*Entry),
		serviceURL: cfg.ServiceURL,
		token:      token,
		httpClient: client,
		logger:     logger,
	}
}

// Permissions returns the cached permission list for resource, fetching it
// on first use. Concurrent callers for the same resource share one in-flight
// request.
func (c *Cache) Permissions(ctx context.Context, resource any) ([]string, error) {
	key, err := MakeResourceKey(resource)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	if ok && entry.HasAttempted && !entry.IsFetching {
		perms, errMsg := entry.Permissions, entry.Error
		c.mu.RUnlock()
		if errMsg != "" {
			return nil, fmt.Errorf("permission fetch previously failed: %s", errMsg)
		}
		return perms, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do(key, func() (any, error) {
		c.setEntry(key, &Entry{IsFetching: true})
		perms, fetchErr := c.fetch(ctx, resource)
		if fetchErr != nil {
			c.setEntry(key, &Entry{HasAttempted: true, Error: fetchErr.Error()})
			return nil, fetchErr
		}
		c.setEntry(key, &Entry{Permissions: perms, HasAttempted: true})
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// HasPermission reports whether permission is granted on resource. Errored
// and unattempted lookups count as denied; the cache never fails open.
func (c *Cache) HasPermission(ctx context.Context, resource any, permission string) bool {
	perms, err := c.Permissions(ctx, resource)
	if err != nil {
		c.logger.Warn("permission check failed, denying", "permission", permission, "error", err)
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// Lookup returns a copy of the cache entry for resource, if any.
func (c *Cache) Lookup(resource any) (Entry, bool) {
	key, err := MakeResourceKey(resource)
	if err != nil {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Invalidate wipes the cache wholesale.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

func (c *Cache) setEntry(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

func (c *Cache) fetch(ctx context.Context, resource any) ([]string, error) {
	body, err := json.Marshal(map[string]any{"resources": []any{resource}})
	if err != nil {
		return nil, fmt.Errorf("marshal permission request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.serviceURL+"/policy/permissions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create permission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call authorization service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("authorization service returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Result []string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse permission response: %w", err)
	}
	return parsed.Result, nil
}
