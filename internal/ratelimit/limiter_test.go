package ratelimit

import (
	"testing"
	"time"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestAllow_SessionFloodRejectedOnEleventh(t *testing.T) {
	now, _ := fixedClock(time.Unix(1000, 0))
	l := New(Config{SessionPerMinute: 10, GlobalPerMinute: 300, Now: now})

	for i := 0; i < 10; i++ {
		d := l.Allow("s1", "c1", 1)
		if !d.Allowed {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
	}

	d := l.Allow("s1", "c1", 1)
	if d.Allowed {
		t.Fatal("11th request admitted, want rejected")
	}
	if d.Scope != ScopeSession {
		t.Fatalf("scope=%s, want session", d.Scope)
	}
	if d.RetryAfter < 0 {
		t.Fatalf("retry-after=%s, want >= 0", d.RetryAfter)
	}
}

func TestAllow_AllOrNothingAcrossScopes(t *testing.T) {
	now, _ := fixedClock(time.Unix(1000, 0))
	// Customer bucket: 20% of 10/min = 2 tokens. Session allows plenty.
	l := New(Config{SessionPerMinute: 100, GlobalPerMinute: 10, CustomerShare: 0.2, Now: now})

	if d := l.Allow("s1", "c1", 2); !d.Allowed {
		t.Fatalf("first request rejected: %+v", d)
	}

	// Customer scope is now empty; session and global still have tokens.
	before := globalTokens(l)
	d := l.Allow("s1", "c1", 1)
	if d.Allowed {
		t.Fatal("want rejection at customer scope")
	}
	if d.Scope != ScopeCustomer {
		t.Fatalf("scope=%s, want customer", d.Scope)
	}
	if after := globalTokens(l); after != before {
		t.Fatalf("global tokens changed on rejection: %v -> %v", before, after)
	}
	if st := sessionTokens(l, "s1"); st != 98 {
		t.Fatalf("session tokens=%v, want 98 (no partial consumption)", st)
	}
}

func TestBucket_NeverExceedsCapacityOrGoesNegative(t *testing.T) {
	now, advance := fixedClock(time.Unix(1000, 0))
	l := New(Config{SessionPerMinute: 5, GlobalPerMinute: 300, Now: now})

	for i := 0; i < 20; i++ {
		l.Allow("s1", "c1", 1)
		if tok := sessionTokens(l, "s1"); tok < 0 {
			t.Fatalf("tokens went negative: %v", tok)
		}
		advance(3 * time.Second)
	}

	advance(time.Hour)
	l.Allow("s1", "c1", 1) // forces a refill
	if tok := sessionTokens(l, "s1"); tok > 5 {
		t.Fatalf("tokens=%v exceed capacity 5", tok)
	}
}

func TestAllow_RefillAdmitsAfterWait(t *testing.T) {
	now, advance := fixedClock(time.Unix(1000, 0))
	l := New(Config{SessionPerMinute: 10, GlobalPerMinute: 300, Now: now})

	for i := 0; i < 10; i++ {
		l.Allow("s1", "c1", 1)
	}
	d := l.Allow("s1", "c1", 1)
	if d.Allowed {
		t.Fatal("want rejection when bucket drained")
	}

	advance(d.RetryAfter)
	if d = l.Allow("s1", "c1", 1); !d.Allowed {
		t.Fatalf("want admission after retry-after elapsed, got %+v", d)
	}
}

func TestAudioCost_RoundsUpToWholeMinutes(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want float64
	}{
		{5 * time.Second, 1},
		{time.Minute, 1},
		{61 * time.Second, 2},
		{150 * time.Second, 3},
		{0, 1},
	}
	for _, c := range cases {
		if got := AudioCost(c.d); got != c.want {
			t.Fatalf("AudioCost(%s)=%v, want %v", c.d, got, c.want)
		}
	}
}

func TestPurge_DropsIdleBucketsOnly(t *testing.T) {
	now, advance := fixedClock(time.Unix(1000, 0))
	l := New(Config{SessionPerMinute: 10, GlobalPerMinute: 300, Now: now})

	l.Allow("idle", "c-idle", 1)
	advance(2 * time.Minute)
	// Active session drained just now; idle one has fully refilled.
	for i := 0; i < 10; i++ {
		l.Allow("busy", "c-busy", 1)
	}

	l.Purge()
	sessions, customers := l.Len()
	if sessions != 1 || customers != 1 {
		t.Fatalf("after purge sessions=%d customers=%d, want 1/1", sessions, customers)
	}
	if _, ok := l.session["busy"]; !ok {
		t.Fatal("busy bucket purged, want kept")
	}
}

func TestAllow_LazyBucketCreation(t *testing.T) {
	now, _ := fixedClock(time.Unix(1000, 0))
	l := New(Config{Now: now})

	sessions, customers := l.Len()
	if sessions != 0 || customers != 0 {
		t.Fatalf("buckets before first request: %d/%d, want 0/0", sessions, customers)
	}
	l.Allow("s1", "c1", 1)
	sessions, customers = l.Len()
	if sessions != 1 || customers != 1 {
		t.Fatalf("buckets after first request: %d/%d, want 1/1", sessions, customers)
	}
}

func globalTokens(l *Limiter) float64 {
	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	return l.global.tokens
}

func sessionTokens(l *Limiter, id string) float64 {
	l.mu.Lock()
	b := l.session[id]
	l.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
