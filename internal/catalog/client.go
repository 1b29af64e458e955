// Package catalog looks menu items up in the external catalog service. The
// gateway only reads: item existence, price, and stock are owned elsewhere.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Item is the catalog's view of a menu entry.
type Item struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	InStock        bool   `json:"in_stock"`
	Available      bool   `json:"available"`
}

// NotFoundError reports a name that matched nothing in the catalog.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("menu item %q not found", e.Name)
}

// Client is an HTTP client for the catalog service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a catalog client with connection pooling.
func NewClient(baseURL string, poolSize int) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        poolSize,
				MaxIdleConnsPerHost: poolSize,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

// LookupByName resolves a spoken item name to a catalog item.
func (c *Client) LookupByName(ctx context.Context, name string) (*Item, error) {
	u := c.baseURL + "/api/menu/items?name=" + url.QueryEscape(name)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("create catalog request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Name: name}
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("catalog status %d: %s", resp.StatusCode, errBody)
	}

	var item Item
	if err = json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode catalog item: %w", err)
	}
	return &item, nil
}
