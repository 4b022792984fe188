package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/request_router/internal/app/confidential"
	"github.com/R3E-Network/request_router/internal/app/domain/ledger"
	"github.com/R3E-Network/request_router/internal/app/domain/mixer"
	"github.com/R3E-Network/request_router/internal/app/locks"
	"github.com/R3E-Network/request_router/internal/app/poller"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/services/accounts"
	automationsvc "github.com/R3E-Network/request_router/internal/app/services/automation"
	datafeedsvc "github.com/R3E-Network/request_router/internal/app/services/datafeed"
	"github.com/R3E-Network/request_router/internal/app/services/fulfillment"
	ledgersvc "github.com/R3E-Network/request_router/internal/app/services/ledger"
	mixersvc "github.com/R3E-Network/request_router/internal/app/services/mixer"
	"github.com/R3E-Network/request_router/internal/app/services/randomness"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/app/storage/memory"
	"github.com/R3E-Network/request_router/internal/app/storage/postgres"
	"github.com/R3E-Network/request_router/internal/app/system"
	"github.com/R3E-Network/request_router/internal/chain"
	"github.com/R3E-Network/request_router/internal/config"
	"github.com/R3E-Network/request_router/internal/httputil"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/internal/resilience"
)

// routerKeyIndex is the processor account that signs on-chain deliveries.
// Mixer pool accounts are derived from index 1 upward.
const routerKeyIndex uint32 = 0

// Stores groups the persistence the application runs on. Pools and tasks
// always live in Memory.
type Stores struct {
	Requests storage.RequestStore
	Payouts  storage.PayoutStore
	Ledger   storage.LedgerStore
	Memory   *memory.Memory
}

// Options overrides collaborators normally built from the configuration.
type Options struct {
	Stores Stores
	// Invoker replaces the RPC client.
	Invoker chain.Invoker
	Locker  locks.Locker
	Logger  *logging.Logger
}

// Application ties the router, its handlers and background workers
// together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger
	closers []func() error

	Router     *router.Router
	Requests   storage.RequestStore
	Processor  *confidential.SealedProcessor
	DataFeeds  *datafeedsvc.Service
	Automation *automationsvc.Service
	Ledger     *ledgersvc.Service
}

// New builds the application from cfg. Collaborators in opts take
// precedence over the configuration.
func New(ctx context.Context, cfg *config.Config, opts Options) (a *Application, err error) {
	log := opts.Logger
	if log == nil {
		log = logging.New("request-router", cfg.Logging.Level, cfg.Logging.Format)
	}
	a = &Application{manager: system.NewManager(), log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	stores, err := a.openStores(ctx, cfg, opts.Stores)
	if err != nil {
		return nil, err
	}
	a.Requests = stores.Requests

	locker := opts.Locker
	if locker == nil {
		if locker, err = a.openLocker(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	proc, err := newProcessor(ctx, cfg.Confidential, log.Named("confidential"))
	if err != nil {
		return nil, err
	}
	a.Processor = proc
	a.closers = append(a.closers, func() error { proc.Close(); return nil })

	var checker router.AccountChecker
	if base := strings.TrimSpace(cfg.Accounts.BaseURL); base != "" {
		client := httputil.NewServiceClient(httputil.ServiceClientConfig{BaseURL: base})
		checker = accounts.NewHTTPChecker(client, cfg.Accounts.CacheTTL, log.Named("accounts"))
	}

	feeds, err := datafeedsvc.New(datafeedsvc.Config{
		MaxAge:        cfg.DataFeed.MaxAge,
		MaxConcurrent: cfg.DataFeed.MaxConcurrent,
		Logger:        log.Named("datafeed"),
	}, cfg.Feeds)
	if err != nil {
		return nil, fmt.Errorf("data feeds: %w", err)
	}
	a.DataFeeds = feeds

	inv, err := openChain(cfg, opts)
	if err != nil {
		return nil, err
	}
	// Account 0 of the processor signs fulfillments, anchor marks and
	// automation target calls.
	var signer *confidential.TxSigner
	if inv != nil {
		if signer, err = confidential.NewTxSigner(context.WithoutCancel(ctx), proc, routerKeyIndex); err != nil {
			return nil, err
		}
		log.WithField("address", signer.Address()).Info("router signing account")
	}

	// Handlers deliver through the fulfiller only when a chain is reachable.
	var deliver randomness.Deliverer
	if inv != nil {
		fulfiller := chain.NewFulfiller(inv, signer, cfg.Chain.Contracts.Gateway)
		deliver = fulfillment.NewDeliverer(fulfiller, stores.Requests, log.Named("fulfillment"))
	}

	handlers := []router.Handler{randomness.NewHandler(proc, deliver, log.Named("randomness"))}
	if len(cfg.Feeds) > 0 {
		handlers = append(handlers, datafeedsvc.NewHandler(feeds, proc, deliver, log.Named("datafeed")))
	}

	var pool *mixersvc.PoolManager
	var fees router.FeeCollector
	if inv != nil {
		pool = mixersvc.NewPoolManager(stores.Memory, proc, mixersvc.PoolConfig{
			Size:        cfg.Mixer.PoolSize,
			RetireAfter: cfg.Mixer.RetireAfter,
		}, log.Named("mixer-pool"))
		handlers = append(handlers, mixersvc.NewHandler(mixersvc.Config{
			MinAmount: cfg.Mixer.MinAmount,
			MaxAmount: cfg.Mixer.MaxAmount,
		}, stores.Payouts, pool, deliver, log.Named("mixer")))

		anchor := chain.NewAutomationAnchor(inv, cfg.Chain.Contracts.Automation, signer)
		handlers = append(handlers, automationsvc.NewHandler(anchor, inv, signer, stores.Memory, deliver, log.Named("automation")))

		a.Ledger = ledgersvc.New(stores.Ledger, cfg.Ledger.RequireFunds, log.Named("ledger"))
		fees = a.Ledger
	} else {
		log.Warn("chain RPC not configured; mixing, automation and fees are disabled")
	}

	rt, err := router.New(router.Config{
		Store:           stores.Requests,
		Logger:          log.Named("router"),
		Handlers:        handlers,
		QueueSize:       cfg.Router.QueueSize,
		Workers:         cfg.Router.Workers,
		MaxAttempts:     cfg.Router.MaxAttempts,
		HandlerTimeout:  cfg.Router.HandlerTimeout,
		ResweepInterval: cfg.Router.ResweepInterval,
		ResweepLimit:    cfg.Router.ResweepLimit,
		Fulfill: resilience.RetryConfig{
			MaxAttempts:  cfg.Router.Fulfill.MaxAttempts,
			InitialDelay: cfg.Router.Fulfill.InitialDelay,
			MaxDelay:     cfg.Router.Fulfill.MaxDelay,
			Multiplier:   cfg.Router.Fulfill.Multiplier,
			Jitter:       cfg.Router.Fulfill.Jitter,
		},
		Accounts: checker,
		Fees:     fees,
	})
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	a.Router = rt
	if inv != nil {
		a.Automation = automationsvc.New(checker, stores.Memory, log.Named("automation"))
	}

	services := []system.Service{}
	if pool != nil {
		services = append(services, system.FuncService{ServiceName: "mixer-pool", StartFunc: pool.Ensure})
	}
	services = append(services, rt)
	if len(cfg.Feeds) > 0 {
		services = append(services, datafeedsvc.NewRefresher(feeds, cfg.DataFeed.RefreshInterval, log.Named("datafeed")))
	}
	if inv != nil {
		ledgerSettlement := ledgersvc.NewSettlement(ledgersvc.SettlementConfig{
			ConfirmationTimeout: cfg.Ledger.ConfirmationTimeout,
		}, stores.Ledger, inv, log.Named("ledger"))
		ledgerPoller, err := poller.New[ledger.Entry](poller.Config{
			Name:     "ledger-settlement",
			Interval: cfg.Ledger.PollInterval,
			Locker:   locker,
			Logger:   log.Named("ledger-poller"),
		}, ledgerSettlement, ledgerSettlement)
		if err != nil {
			return nil, err
		}

		token := cfg.Mixer.Token
		if token == "" {
			token = cfg.Chain.Contracts.GasToken
		}
		payoutSettlement := mixersvc.NewSettlement(mixersvc.SettlementConfig{
			Token:        token,
			MaxAttempts:  cfg.Mixer.MaxAttempts,
			ClaimTimeout: cfg.Mixer.ClaimTimeout,
		}, stores.Payouts, pool, proc, inv, rt, log.Named("mixer-settlement"))
		payoutPoller, err := poller.New[mixer.Payout](poller.Config{
			Name:     "mixer-payouts",
			Interval: cfg.Mixer.PollInterval,
			// One payout can wait out a full confirmation before the lease is renewed.
			LeaseTTL: chain.DefaultTxWaitTimeout + cfg.Mixer.PollInterval,
			Locker:   locker,
			Logger:   log.Named("mixer-poller"),
		}, payoutSettlement, payoutSettlement)
		if err != nil {
			return nil, err
		}

		scheduler := automationsvc.NewScheduler(automationsvc.SchedulerConfig{
			Interval:      cfg.Automation.TickInterval,
			MaxConcurrent: cfg.Automation.MaxConcurrent,
			ScriptTimeout: cfg.Automation.ScriptTimeout,
			Locker:        locker,
			Logger:        log.Named("automation-scheduler"),
		}, stores.Memory, rt, feeds, chain.NewNEP17(inv), eventSource(inv, cfg.Chain.EventWindow))

		services = append(services, ledgerPoller, payoutPoller, scheduler)
	}

	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

func (a *Application) openStores(ctx context.Context, cfg *config.Config, given Stores) (Stores, error) {
	if given.Memory == nil {
		given.Memory = memory.New()
	}
	if given.Requests == nil && cfg.Database.DSN != "" {
		pg, db, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return given, err
		}
		a.closers = append(a.closers, db.Close)
		given.Requests, given.Payouts, given.Ledger = pg, pg, pg
		a.log.Info("using postgres request store")
	}
	if given.Requests == nil {
		given.Requests = given.Memory
	}
	if given.Payouts == nil {
		given.Payouts = given.Memory
	}
	if given.Ledger == nil {
		given.Ledger = given.Memory
	}
	return given, nil
}

func (a *Application) openLocker(ctx context.Context, cfg config.RedisConfig) (locks.Locker, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return locks.NewMemoryLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return locks.NewRedisLocker(client, ""), nil
}

func newProcessor(ctx context.Context, cfg config.ConfidentialConfig, log *logging.Logger) (*confidential.SealedProcessor, error) {
	var attestor confidential.Attestor
	switch {
	case cfg.ReportPath != "":
		attestor = confidential.ReportAttestor{Path: cfg.ReportPath, Measurement: cfg.Measurement}
	case cfg.AllowSimulation:
		log.Warn("attestation simulated; do not run this configuration in production")
		attestor = confidential.Simulated()
	}
	return confidential.NewSealedProcessor(ctx, confidential.Config{
		Mnemonic:   cfg.Mnemonic,
		Passphrase: cfg.Passphrase,
		SeedHex:    cfg.SeedHex,
		Salt:       cfg.Salt,
		Attestor:   attestor,
		Logger:     log,
	})
}

func openChain(cfg *config.Config, opts Options) (chain.Invoker, error) {
	if opts.Invoker != nil {
		return opts.Invoker, nil
	}
	if !cfg.ChainEnabled() {
		return nil, nil
	}
	client, err := chain.NewClient(chain.Config{
		RPCURL:    cfg.Chain.RPCURL,
		NetworkID: cfg.Chain.NetworkID,
		Timeout:   cfg.Chain.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// eventSource scans blocks when inv can list them.
func eventSource(inv chain.Invoker, window uint32) automationsvc.EventSource {
	if r, ok := inv.(chain.BlockReader); ok {
		return chain.NewEventScanner(r, window)
	}
	return nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the managed services in start order.
func (a *Application) Services() []system.Service { return a.manager.Services() }

func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Close releases connections and wipes processor keys. Call after Stop.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stderrors.Join(errs...)
}
