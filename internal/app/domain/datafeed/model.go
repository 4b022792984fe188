// Package datafeed defines price feed sources and quotes.
package datafeed

import (
	"fmt"
	"strings"
	"time"
)

// Feed describes where a price is fetched and how it is extracted. Path is a
// gjson dot path, or a JSONPath expression when it starts with "$".
type Feed struct {
	ID       string            `yaml:"id" json:"id"`
	URL      string            `yaml:"url" json:"url"`
	Path     string            `yaml:"path" json:"path"`
	Decimals int               `yaml:"decimals" json:"decimals"`
	Headers  map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// Validate checks the feed definition.
func (f Feed) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("feed id is required")
	}
	if !strings.HasPrefix(f.URL, "http://") && !strings.HasPrefix(f.URL, "https://") {
		return fmt.Errorf("feed %s: url must be http(s)", f.ID)
	}
	if strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("feed %s: path is required", f.ID)
	}
	if f.Decimals < 0 || f.Decimals > 18 {
		return fmt.Errorf("feed %s: decimals must be within 0..18", f.ID)
	}
	return nil
}

// IsJSONPath reports whether Path is a JSONPath expression.
func (f Feed) IsJSONPath() bool { return strings.HasPrefix(strings.TrimSpace(f.Path), "$") }

// Quote is one observed price, scaled to an integer by Decimals.
type Quote struct {
	FeedID    string    `json:"feed_id"`
	Price     int64     `json:"price"`
	Decimals  int       `json:"decimals"`
	Round     uint64    `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}
