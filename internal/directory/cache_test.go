package directory_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openbotauth/openbotauth/internal/directory"
	"github.com/openbotauth/openbotauth/internal/jwk"
)

func testDoc() directory.Document {
	return directory.Document{
		ClientName: "ExampleBot",
		Keys: []jwk.Key{{
			Kty: jwk.KeyTypeOKP,
			Crv: jwk.CurveEd25519,
			X:   "JrQLj5P_89iXES9-vFgrIy29clF9CC_oPPsw3c5D0bs",
			Kid: "kid-1",
		}},
	}
}

func newCache(cfg directory.CacheConfig) *directory.Cache {
	return directory.NewCache(cfg, zap.NewNop())
}

func TestGet_fetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", directory.MediaType)
		json.NewEncoder(w).Encode(testDoc())
	}))
	defer srv.Close()

	c := newCache(directory.CacheConfig{DefaultTTL: time.Minute})
	ctx := context.Background()

	doc, err := c.Get(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ClientName != "ExampleBot" {
		t.Fatalf("client_name = %q", doc.ClientName)
	}
	if _, ok := doc.Lookup("kid-1"); !ok {
		t.Fatal("kid-1 missing from document")
	}

	// Second Get within the TTL is served from cache.
	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("upstream hit %d times, want 1", n)
	}
}

func TestGet_honorsMaxAge(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=0")
		json.NewEncoder(w).Encode(testDoc())
	}))
	defer srv.Close()

	// StaleWindow must be tiny or the second Get serves stale.
	c := newCache(directory.CacheConfig{DefaultTTL: time.Hour, StaleWindow: time.Nanosecond})
	ctx := context.Background()

	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("upstream hit %d times, want 2 (max-age=0 must defeat DefaultTTL)", n)
	}
}

func TestGet_conditionalRevalidation(t *testing.T) {
	var (
		mu        sync.Mutex
		sawETag   string
		responses int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		responses++
		if r.Header.Get("If-None-Match") == `"v1"` {
			sawETag = `"v1"`
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "max-age=0")
		json.NewEncoder(w).Encode(testDoc())
	}))
	defer srv.Close()

	c := newCache(directory.CacheConfig{StaleWindow: time.Nanosecond})
	ctx := context.Background()

	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	doc, err := c.Get(ctx, srv.URL)
	if err != nil {
		t.Fatalf("revalidating Get: %v", err)
	}
	if doc.ClientName != "ExampleBot" {
		t.Fatal("304 must serve the cached document")
	}

	mu.Lock()
	defer mu.Unlock()
	if sawETag != `"v1"` {
		t.Fatal("revalidation did not send If-None-Match")
	}
	if responses != 2 {
		t.Fatalf("%d upstream responses, want 2", responses)
	}
}

func TestGet_failureBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newCache(directory.CacheConfig{})
	ctx := context.Background()

	if _, err := c.Get(ctx, srv.URL); !errors.Is(err, directory.ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
	// Immediately retrying lands inside the backoff window, no new hit.
	if _, err := c.Get(ctx, srv.URL); !errors.Is(err, directory.ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("upstream hit %d times during backoff, want 1", n)
	}

	// Refresh does not punch through backoff either.
	if _, err := c.Refresh(ctx, srv.URL); !errors.Is(err, directory.ErrFetch) {
		t.Fatalf("Refresh in backoff: got %v, want ErrFetch", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("Refresh bypassed backoff: %d hits", n)
	}
}

func TestRefresh_bypassesFreshCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(testDoc())
	}))
	defer srv.Close()

	c := newCache(directory.CacheConfig{DefaultTTL: time.Hour})
	ctx := context.Background()

	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Refresh(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("upstream hit %d times, want 2 (Refresh must bypass the cache)", n)
	}
}

func TestGet_singleflight(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(testDoc())
	}))
	defer srv.Close()

	c := newCache(directory.CacheConfig{})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, srv.URL); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	// Let the callers pile up on the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := hits.Load(); n != 1 {
		t.Fatalf("upstream hit %d times for %d concurrent callers, want 1", n, callers)
	}
}

func TestClear(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(testDoc())
	}))
	defer srv.Close()

	c := newCache(directory.CacheConfig{DefaultTTL: time.Hour})
	ctx := context.Background()

	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	if n := c.Clear(); n != 1 {
		t.Fatalf("Clear = %d, want 1", n)
	}
	if _, err := c.Get(ctx, srv.URL); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("upstream hit %d times, want 2 after Clear", n)
	}
}
