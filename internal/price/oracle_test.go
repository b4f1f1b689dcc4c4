package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
)

func TestClientParsesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("ids") != "mintA" {
			t.Errorf("unexpected ids %q", r.URL.Query().Get("ids"))
		}
		_, _ = w.Write([]byte(`{"data":{"mintA":{"id":"mintA","price":"2.5"}}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithCacheTTL(time.Minute), WithRateLimit(100, 10))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	for i := 0; i < 3; i++ {
		price, err := client.USDPrice(context.Background(), "mintA")
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		if price != 2.5 {
			t.Fatalf("expected 2.5, got %v", price)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected single upstream request, got %d", hits.Load())
	}
}

func TestClientCoalescesConcurrentLookups(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"data":{"mintB":{"price":1}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, WithCacheTTL(0), WithRateLimit(100, 10))
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.USDPrice(context.Background(), "mintB"); err != nil {
				t.Errorf("price: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("expected coalesced request, got %d", hits.Load())
	}
}

func TestClientMissingPriceIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	_, err := client.USDPrice(context.Background(), "mintC")
	if !xerrors.HasCode(err, xerrors.CodePriceUnavailable) {
		t.Fatalf("expected price unavailable, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("price failures should be retryable")
	}
}

func TestStaticOracle(t *testing.T) {
	oracle := Static{"a": 2}
	if p, err := oracle.USDPrice(context.Background(), "a"); err != nil || p != 2 {
		t.Fatalf("unexpected %v %v", p, err)
	}
	if _, err := oracle.USDPrice(context.Background(), "b"); err == nil {
		t.Fatalf("expected error for missing price")
	}
}
