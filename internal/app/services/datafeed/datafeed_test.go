package datafeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// priceServer serves body and counts hits.
type priceServer struct {
	*httptest.Server
	mu   sync.Mutex
	body string
	code int
	hits atomic.Int32
}

func newPriceServer(t *testing.T, body string) *priceServer {
	t.Helper()
	ps := &priceServer{body: body, code: http.StatusOK}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.hits.Add(1)
		if got := r.Header.Get("X-Api-Key"); got != "k" {
			t.Errorf("api key header = %q", got)
		}
		ps.mu.Lock()
		defer ps.mu.Unlock()
		w.WriteHeader(ps.code)
		_, _ = w.Write([]byte(ps.body))
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *priceServer) set(code int, body string) {
	ps.mu.Lock()
	ps.code, ps.body = code, body
	ps.mu.Unlock()
}

func feed(id, url, path string, decimals int) datafeed.Feed {
	return datafeed.Feed{ID: id, URL: url, Path: path, Decimals: decimals, Headers: map[string]string{"X-Api-Key": "k"}}
}

func TestScale(t *testing.T) {
	cases := []struct {
		raw  string
		dec  int
		want int64
	}{
		{"12.5", 2, 1250},
		{"12.345", 2, 1235},
		{"-1.005", 2, -101},
		{"7", 8, 700000000},
		{"0.000000015", 8, 2},
		{"1e2", 0, 100},
	}
	for _, tc := range cases {
		got, err := Scale(tc.raw, tc.dec)
		if err != nil {
			t.Fatalf("Scale(%q, %d): %v", tc.raw, tc.dec, err)
		}
		if got != tc.want {
			t.Errorf("Scale(%q, %d) = %d, want %d", tc.raw, tc.dec, got, tc.want)
		}
	}
	if _, err := Scale("abc", 2); err == nil {
		t.Fatal("non-numeric price accepted")
	}
	if _, err := Scale("1e30", 8); err == nil {
		t.Fatal("overflowing price accepted")
	}
}

func TestSourceExtraction(t *testing.T) {
	ps := newPriceServer(t, `{"data":{"price":"12.34"},"quotes":[{"symbol":"NEO","last":5.5}]}`)
	ctx := context.Background()

	gj, err := NewSource(feed("a", ps.URL, "data.price", 2), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := gj.Fetch(ctx); err != nil || got != 1234 {
		t.Fatalf("gjson fetch = %d, %v", got, err)
	}

	jp, err := NewSource(feed("b", ps.URL, "$.quotes[0].last", 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := jp.Fetch(ctx); err != nil || got != 5500 {
		t.Fatalf("jsonpath fetch = %d, %v", got, err)
	}

	missing, _ := NewSource(feed("c", ps.URL, "data.volume", 2), nil)
	if _, err := missing.Fetch(ctx); err == nil {
		t.Fatal("missing path accepted")
	}

	ps.set(http.StatusBadGateway, "upstream down")
	if _, err := gj.Fetch(ctx); err == nil {
		t.Fatal("non-2xx status accepted")
	}
}

func TestNewRejectsBadFeeds(t *testing.T) {
	if _, err := New(Config{}, []datafeed.Feed{{ID: "x", URL: "ftp://x", Path: "p"}}); err == nil {
		t.Fatal("non-http feed accepted")
	}
	f := feed("dup", "http://localhost", "p", 0)
	if _, err := New(Config{}, []datafeed.Feed{f, f}); err == nil {
		t.Fatal("duplicate feed id accepted")
	}
}

func TestPriceCachesAndOpensRounds(t *testing.T) {
	ps := newPriceServer(t, `{"price": 10.5}`)
	svc, err := New(Config{MaxAge: time.Minute, Logger: logging.NewDiscard("datafeed")}, []datafeed.Feed{feed("NEO/USD", ps.URL, "price", 2)})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	q, err := svc.Price(ctx, "NEO/USD")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if q.Price != 1050 || q.Round != 1 || q.Decimals != 2 {
		t.Fatalf("quote = %+v", q)
	}
	if _, err := svc.Price(ctx, "NEO/USD"); err != nil {
		t.Fatal(err)
	}
	if n := ps.hits.Load(); n != 1 {
		t.Fatalf("fresh quote refetched: hits = %d", n)
	}

	now = now.Add(2 * time.Minute)
	q, _ = svc.Price(ctx, "NEO/USD")
	if q.Round != 1 {
		t.Fatalf("unchanged price opened round %d", q.Round)
	}

	ps.set(http.StatusOK, `{"price": 11}`)
	now = now.Add(2 * time.Minute)
	q, _ = svc.Price(ctx, "NEO/USD")
	if q.Price != 1100 || q.Round != 2 {
		t.Fatalf("changed price quote = %+v", q)
	}

	if _, err := svc.Price(ctx, "BTC/USD"); !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("unknown feed err = %v", err)
	}
}

func TestRefreshAllReportsFailuresPerFeed(t *testing.T) {
	good := newPriceServer(t, `{"price": 1}`)
	bad := newPriceServer(t, `{}`)
	svc, err := New(Config{Logger: logging.NewDiscard("datafeed")}, []datafeed.Feed{
		feed("good", good.URL, "price", 0),
		feed("bad", bad.URL, "price", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = svc.RefreshAll(context.Background())
	if err == nil {
		t.Fatal("failing feed not reported")
	}
	svc.mu.RLock()
	_, ok := svc.quotes["good"]
	svc.mu.RUnlock()
	if !ok {
		t.Fatal("healthy feed not refreshed")
	}
}

func TestHandlerSignsQuote(t *testing.T) {
	ps := newPriceServer(t, `{"price": "42.1"}`)
	svc, err := New(Config{Logger: logging.NewDiscard("datafeed")}, []datafeed.Feed{feed("GAS/USD", ps.URL, "price", 1)})
	if err != nil {
		t.Fatal(err)
	}
	proc, err := confidential.NewSealedProcessor(context.Background(), confidential.Config{
		SeedHex:  "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		Attestor: confidential.Simulated(),
		Logger:   logging.NewDiscard("confidential"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Close()
	h := NewHandler(svc, proc, nil, logging.NewDiscard("datafeed"))

	if err := h.ValidateRequest(&request.Request{Payload: map[string]any{"feed_id": "BTC/USD"}}); !errors.IsValidation(err) {
		t.Fatalf("unknown feed err = %v", err)
	}

	out, err := h.ProcessRequest(context.Background(), &request.Request{ID: "req_1", Payload: map[string]any{"feed_id": "GAS/USD"}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	r := out.Result
	if r["price"] != int64(421) {
		t.Fatalf("result = %v", r)
	}
	q := datafeed.Quote{
		FeedID:    "GAS/USD",
		Price:     r["price"].(int64),
		Decimals:  r["decimals"].(int),
		Round:     r["round"].(uint64),
		Timestamp: time.Unix(r["timestamp"].(int64), 0),
	}
	if err := VerifyQuote(q, r["signature"].(string), r["public_key"].(string)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	q.Price++
	if err := VerifyQuote(q, r["signature"].(string), r["public_key"].(string)); err == nil {
		t.Fatal("altered quote verified")
	}
}

func TestRefresherWarmsFeeds(t *testing.T) {
	ps := newPriceServer(t, `{"price": 3}`)
	svc, err := New(Config{Logger: logging.NewDiscard("datafeed")}, []datafeed.Feed{feed("x", ps.URL, "price", 0)})
	if err != nil {
		t.Fatal(err)
	}
	r := NewRefresher(svc, time.Hour, logging.NewDiscard("refresher"))
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ps.hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresher never fetched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
