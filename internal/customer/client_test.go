package customer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestLookup_FetchesProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/customers/cust-1" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"id":"cust-1","name":"Ada","loyalty_points":42}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Minute)
	p, err := c.Lookup(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.ID != "cust-1" || p.Name != "Ada" || p.LoyaltyPoints != 42 {
		t.Fatalf("profile = %+v", p)
	}
}

func TestLookup_ReleasesFetchLocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","name":"n","loyalty_points":0}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("cust-%d", n)
			if _, err := c.Lookup(context.Background(), id); err != nil {
				t.Errorf("Lookup %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	c.mu.Lock()
	held := len(c.fetchMu)
	c.mu.Unlock()
	if held != 0 {
		t.Fatalf("fetch locks retained = %d, want 0", held)
	}
}
