// Package accounts checks request owners against the accounts service.
package accounts

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/request_router/internal/app/domain/account"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/httputil"
	"github.com/R3E-Network/request_router/internal/logging"
)

// Getter is the subset of httputil.ServiceClient the checker needs.
type Getter interface {
	Get(ctx context.Context, path string) (*http.Response, error)
}

// HTTPChecker resolves accounts with GET /accounts/{id}. Positive answers
// are cached for CacheTTL.
type HTTPChecker struct {
	client   Getter
	cacheTTL time.Duration
	log      *logging.Logger

	mu    sync.Mutex
	known map[string]time.Time
	now   func() time.Time
}

var _ router.AccountChecker = (*HTTPChecker)(nil)

// NewHTTPChecker creates a checker. A zero ttl disables caching.
func NewHTTPChecker(client Getter, ttl time.Duration, log *logging.Logger) *HTTPChecker {
	if log == nil {
		log = logging.NewDefault("accounts")
	}
	return &HTTPChecker{
		client:   client,
		cacheTTL: ttl,
		log:      log,
		known:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// AccountExists returns nil for an active account, a validation error for
// an unknown or suspended one and an external API error otherwise.
func (c *HTTPChecker) AccountExists(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return errors.MissingParameter("account_id")
	}
	if c.cached(accountID) {
		return nil
	}

	resp, err := c.client.Get(ctx, "/accounts/"+url.PathEscape(accountID))
	if err != nil {
		return errors.ExternalAPIError("accounts", err)
	}
	var acct account.Account
	if err := httputil.DecodeResponse(resp, &acct); err != nil {
		var se *httputil.StatusError
		if stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return errors.Validation("account_id", "account not found")
		}
		c.log.WithError(err).WithField("account_id", accountID).Warn("account lookup failed")
		return errors.ExternalAPIError("accounts", err)
	}
	if !acct.CanSubmit() {
		return errors.Validation("account_id", "account is "+acct.Status)
	}

	if c.cacheTTL > 0 {
		c.mu.Lock()
		c.known[accountID] = c.now().Add(c.cacheTTL)
		c.mu.Unlock()
	}
	return nil
}

func (c *HTTPChecker) cached(id string) bool {
	if c.cacheTTL <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.known[id]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.known, id)
		return false
	}
	return true
}
