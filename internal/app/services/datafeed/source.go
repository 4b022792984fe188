package datafeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
)

const maxBodyBytes = 1 << 20

// Source fetches one feed over HTTP.
type Source struct {
	feed   datafeed.Feed
	client *http.Client
}

// NewSource validates feed and binds it to client.
func NewSource(feed datafeed.Feed, client *http.Client) (*Source, error) {
	if err := feed.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Source{feed: feed, client: client}, nil
}

func (s *Source) Feed() datafeed.Feed { return s.feed }

// Fetch returns the current price scaled by the feed decimals.
func (s *Source) Fetch(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feed.URL, http.NoBody)
	if err != nil {
		return 0, err
	}
	for k, v := range s.feed.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feed %s: %w", s.feed.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("feed %s: read body: %w", s.feed.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("feed %s: source returned HTTP %d", s.feed.ID, resp.StatusCode)
	}

	raw, err := s.extract(body)
	if err != nil {
		return 0, fmt.Errorf("feed %s: %w", s.feed.ID, err)
	}
	return Scale(raw, s.feed.Decimals)
}

func (s *Source) extract(body []byte) (string, error) {
	if !s.feed.IsJSONPath() {
		res := gjson.GetBytes(body, s.feed.Path)
		if !res.Exists() {
			return "", fmt.Errorf("price not found at %s", s.feed.Path)
		}
		if res.Type == gjson.String {
			return res.Str, nil
		}
		return res.Raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	v, err := jsonpath.Get(s.feed.Path, doc)
	if err != nil {
		return "", fmt.Errorf("price not found at %s: %w", s.feed.Path, err)
	}
	switch n := v.(type) {
	case json.Number:
		return n.String(), nil
	case string:
		return n, nil
	case float64:
		return big.NewFloat(n).Text('f', -1), nil
	default:
		return "", fmt.Errorf("price at %s is %T, not a number", s.feed.Path, v)
	}
}

// Scale converts a decimal string to an integer with the given number of
// decimals, rounding half away from zero.
func Scale(raw string, decimals int) (int64, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok {
		return 0, fmt.Errorf("price %q is not a number", raw)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))

	num, den := r.Num(), r.Denom()
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(new(big.Int).Abs(m), big.NewInt(2)).Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("price %q overflows at %d decimals", raw, decimals)
	}
	return q.Int64(), nil
}
