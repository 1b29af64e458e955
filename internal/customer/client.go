// Package customer resolves customer accounts through the external account
// service, with a Redis read-through cache so repeated session connects do
// not hammer it.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Profile is the account data the gateway cares about.
type Profile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

// Client fetches customer profiles with a Redis cache in front of the
// account service.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *redis.Client
	ttl     time.Duration

	// fetchMu arbitrates concurrent cache misses for the same customer:
	// one caller fetches, the rest re-read the cache it fills.
	mu      sync.Mutex
	fetchMu map[string]*sync.Mutex
}

// NewClient creates a customer client. cache may be nil to disable caching.
func NewClient(baseURL string, cache *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cache:   cache,
		ttl:     ttl,
		fetchMu: make(map[string]*sync.Mutex),
	}
}

// Lookup returns a customer's profile, consulting the cache first.
func (c *Client) Lookup(ctx context.Context, customerID string) (*Profile, error) {
	if p := c.cached(ctx, customerID); p != nil {
		return p, nil
	}

	lock := c.lockFor(customerID)
	lock.Lock()
	defer c.release(customerID, lock)

	// Re-read: another caller may have filled the cache while we waited.
	if p := c.cached(ctx, customerID); p != nil {
		return p, nil
	}

	p, err := c.fetch(ctx, customerID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, customerID, p)
	return p, nil
}

func (c *Client) cached(ctx context.Context, customerID string) *Profile {
	if c.cache == nil {
		return nil
	}
	val, err := c.cache.Get(ctx, cacheKey(customerID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("customer cache read failed", "customer_id", customerID, "error", err)
		}
		return nil
	}
	var p Profile
	if err = json.Unmarshal([]byte(val), &p); err != nil {
		slog.Warn("customer cache entry corrupt", "customer_id", customerID, "error", err)
		return nil
	}
	return &p
}

func (c *Client) store(ctx context.Context, customerID string, p *Profile) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err = c.cache.Set(ctx, cacheKey(customerID), data, c.ttl).Err(); err != nil {
		slog.Warn("customer cache write failed", "customer_id", customerID, "error", err)
	}
}

func (c *Client) fetch(ctx context.Context, customerID string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/customers/"+customerID, nil)
	if err != nil {
		return nil, fmt.Errorf("create customer request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("customer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("customer status %d: %s", resp.StatusCode, errBody)
	}

	var p Profile
	if err = json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode customer profile: %w", err)
	}
	return &p, nil
}

func (c *Client) lockFor(customerID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.fetchMu[customerID]
	if !ok {
		lock = &sync.Mutex{}
		c.fetchMu[customerID] = lock
	}
	return lock
}

// release unlocks a fetch lock and retires it from the map, so the map only
// ever holds customers with a fetch in flight. Waiters still holding the old
// pointer proceed normally and find the cache already filled.
func (c *Client) release(customerID string, lock *sync.Mutex) {
	lock.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchMu[customerID] == lock {
		delete(c.fetchMu, customerID)
	}
}

func cacheKey(customerID string) string {
	return "customer:" + customerID
}
