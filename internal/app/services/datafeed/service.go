// Package datafeed fetches configured price feeds, serves the latest quote
// per feed and answers signed price requests.
package datafeed

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/request_router/internal/app/domain/datafeed"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Config tunes quote caching and refresh fan-out.
type Config struct {
	// MaxAge is how long a quote is served before Price refetches it.
	MaxAge        time.Duration
	MaxConcurrent int
	Client        *http.Client
	Logger        *logging.Logger
}

// Service holds the latest quote of every configured feed. A feed opens a
// new round whenever its observed price changes.
type Service struct {
	cfg     Config
	sources map[string]*Source
	log     *logging.Logger

	mu     sync.RWMutex
	quotes map[string]datafeed.Quote
	fetch  map[string]*sync.Mutex
	now    func() time.Time
}

// New builds a service over feeds. Feed ids must be unique.
func New(cfg Config, feeds []datafeed.Feed) (*Service, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("datafeed")
	}
	s := &Service{
		cfg:     cfg,
		sources: make(map[string]*Source, len(feeds)),
		log:     cfg.Logger,
		quotes:  make(map[string]datafeed.Quote),
		fetch:   make(map[string]*sync.Mutex),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, f := range feeds {
		if _, dup := s.sources[f.ID]; dup {
			return nil, fmt.Errorf("duplicate feed id %q", f.ID)
		}
		src, err := NewSource(f, cfg.Client)
		if err != nil {
			return nil, err
		}
		s.sources[f.ID] = src
		s.fetch[f.ID] = &sync.Mutex{}
	}
	return s, nil
}

// Feeds lists the configured feeds ordered by id.
func (s *Service) Feeds() []datafeed.Feed {
	out := make([]datafeed.Feed, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Feed())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) HasFeed(id string) bool {
	_, ok := s.sources[id]
	return ok
}

// Price returns the cached quote of feedID, refreshing it once it is older
// than MaxAge.
func (s *Service) Price(ctx context.Context, feedID string) (datafeed.Quote, error) {
	if !s.HasFeed(feedID) {
		return datafeed.Quote{}, errors.NotFound("feed", feedID)
	}
	s.mu.RLock()
	q, ok := s.quotes[feedID]
	s.mu.RUnlock()
	if ok && s.now().Sub(q.Timestamp) < s.cfg.MaxAge {
		return q, nil
	}
	return s.Refresh(ctx, feedID)
}

// Refresh fetches feedID now. Concurrent refreshes of one feed are
// serialized; a caller that waited reuses a quote fetched meanwhile.
func (s *Service) Refresh(ctx context.Context, feedID string) (datafeed.Quote, error) {
	src, ok := s.sources[feedID]
	if !ok {
		return datafeed.Quote{}, errors.NotFound("feed", feedID)
	}
	l := s.fetch[feedID]
	started := s.now()
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	prev, had := s.quotes[feedID]
	s.mu.RUnlock()
	if had && !prev.Timestamp.Before(started) {
		return prev, nil
	}

	price, err := src.Fetch(ctx)
	metrics.RecordFeedRefresh(feedID, err)
	if err != nil {
		s.log.WithError(err).WithField("feed_id", feedID).Warn("feed fetch failed")
		return datafeed.Quote{}, errors.ExternalAPIError("datafeed", err)
	}

	q := datafeed.Quote{
		FeedID:    feedID,
		Price:     price,
		Decimals:  src.Feed().Decimals,
		Round:     prev.Round,
		Timestamp: s.now(),
	}
	if !had || prev.Price != price {
		q.Round++
	}
	s.mu.Lock()
	s.quotes[feedID] = q
	s.mu.Unlock()

	s.log.WithFields(map[string]interface{}{
		"feed_id": feedID,
		"price":   price,
		"round":   q.Round,
	}).Debug("feed refreshed")
	return q, nil
}

// RefreshAll refreshes every feed concurrently. A failing feed does not stop
// the others; all failures are returned joined.
func (s *Service) RefreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		emu  sync.Mutex
		errs []error
	)
	g.SetLimit(s.cfg.MaxConcurrent)
	for id := range s.sources {
		id := id
		g.Go(func() error {
			if _, err := s.Refresh(ctx, id); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}
