package mixer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/logging"
)

// proofKeyIndex is the processor index that signs linkage proofs. Pool
// accounts start after it.
const proofKeyIndex uint32 = 0

// PoolConfig sizes the pool of intermediary accounts.
type PoolConfig struct {
	// Size is the number of active accounts kept available.
	Size int
	// RetireAfter retires an account after this many payouts.
	RetireAfter int
}

// PoolManager derives, rotates and retires pool accounts. Keys stay in the
// processor; the store only holds addresses and public keys.
type PoolManager struct {
	store storage.PoolStore
	proc  confidential.Processor
	cfg   PoolConfig
	log   *logging.Logger

	mu       sync.Mutex
	acctLock map[string]*sync.Mutex
	now      func() time.Time
}

// NewPoolManager creates a pool manager.
func NewPoolManager(store storage.PoolStore, proc confidential.Processor, cfg PoolConfig, log *logging.Logger) *PoolManager {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.RetireAfter <= 0 {
		cfg.RetireAfter = 10
	}
	if log == nil {
		log = logging.NewDefault("mixer-pool")
	}
	return &PoolManager{
		store:    store,
		proc:     proc,
		cfg:      cfg,
		log:      log,
		acctLock: make(map[string]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ensure derives accounts until Size are active.
func (m *PoolManager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *PoolManager) ensureLocked(ctx context.Context) error {
	all, err := m.store.ListPoolAccounts(ctx, "")
	if err != nil {
		return err
	}
	active := 0
	next := proofKeyIndex + 1
	for _, a := range all {
		if a.Status == mixer.PoolActive {
			active++
		}
		if a.Index >= next {
			next = a.Index + 1
		}
	}
	for ; active < m.cfg.Size; active++ {
		if _, err := m.deriveLocked(ctx, next); err != nil {
			return err
		}
		next++
	}
	return nil
}

func (m *PoolManager) deriveLocked(ctx context.Context, index uint32) (mixer.PoolAccount, error) {
	pub, err := m.proc.PublicKey(ctx, index)
	if err != nil {
		return mixer.PoolAccount{}, err
	}
	acct := mixer.PoolAccount{
		ID:          fmt.Sprintf("pool-%d", index),
		Index:       index,
		Address:     pub.Address(),
		PublicKey:   hex.EncodeToString(pub.Bytes()),
		Status:      mixer.PoolActive,
		RetireAfter: m.cfg.RetireAfter,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreatePoolAccount(ctx, acct); err != nil {
		return mixer.PoolAccount{}, err
	}
	m.log.WithField("pool_account", acct.ID).Info("pool account derived")
	return acct, nil
}

// Active returns active accounts, least recently used first, skipping the
// ids in exclude.
func (m *PoolManager) Active(ctx context.Context, exclude map[string]bool) ([]mixer.PoolAccount, error) {
	accts, err := m.store.ListPoolAccounts(ctx, mixer.PoolActive)
	if err != nil {
		return nil, err
	}
	out := accts[:0]
	for _, a := range accts {
		if !exclude[a.ID] {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

// Pick selects the least recently used active account not in exclude and
// records the use. An account reaching RetireAfter uses is retired and a
// replacement derived.
func (m *PoolManager) Pick(ctx context.Context, exclude map[string]bool) (mixer.PoolAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return mixer.PoolAccount{}, err
	}
	candidates, err := m.Active(ctx, exclude)
	if err != nil {
		return mixer.PoolAccount{}, err
	}
	var acct mixer.PoolAccount
	if len(candidates) > 0 {
		acct = candidates[0]
	} else {
		all, err := m.store.ListPoolAccounts(ctx, "")
		if err != nil {
			return mixer.PoolAccount{}, err
		}
		next := proofKeyIndex + 1
		for _, a := range all {
			if a.Index >= next {
				next = a.Index + 1
			}
		}
		if acct, err = m.deriveLocked(ctx, next); err != nil {
			return mixer.PoolAccount{}, err
		}
	}
	return m.useLocked(ctx, acct)
}

// Use records one payout on acct, retiring it when its budget is spent.
func (m *PoolManager) Use(ctx context.Context, id string) (mixer.PoolAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.store.GetPoolAccount(ctx, id)
	if err != nil {
		return mixer.PoolAccount{}, err
	}
	return m.useLocked(ctx, acct)
}

func (m *PoolManager) useLocked(ctx context.Context, acct mixer.PoolAccount) (mixer.PoolAccount, error) {
	now := m.now()
	acct.UseCount++
	acct.LastUsedAt = now
	retire := acct.RetireAfter > 0 && acct.UseCount >= acct.RetireAfter
	if retire {
		acct.Status = mixer.PoolRetired
		acct.RetiredAt = &now
	}
	if err := m.store.UpdatePoolAccount(ctx, acct); err != nil {
		return mixer.PoolAccount{}, err
	}
	if retire {
		m.log.WithField("pool_account", acct.ID).Info("pool account retired")
		if err := m.ensureLocked(ctx); err != nil {
			return acct, err
		}
	}
	return acct, nil
}

// Signer returns a transaction signer for acct. The key never leaves the
// processor.
func (m *PoolManager) Signer(ctx context.Context, acct mixer.PoolAccount) (*confidential.TxSigner, error) {
	s, err := confidential.NewTxSigner(ctx, m.proc, acct.Index)
	if err != nil {
		return nil, err
	}
	if addr := s.Address(); addr != acct.Address {
		return nil, errors.ConfidentialBoundary("pool account key mismatch", nil)
	}
	return s, nil
}

// Lock serializes signing for one pool account and returns the unlock func.
func (m *PoolManager) Lock(id string) func() {
	m.mu.Lock()
	l, ok := m.acctLock[id]
	if !ok {
		l = &sync.Mutex{}
		m.acctLock[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}
