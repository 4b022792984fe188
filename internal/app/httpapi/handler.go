// Package httpapi exposes the request router over HTTP.
package httpapi

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/request_router/internal/app/domain/request"
	"github.com/R3E-Network/request_router/internal/app/metrics"
	"github.com/R3E-Network/request_router/internal/app/router"
	"github.com/R3E-Network/request_router/internal/app/storage"
	"github.com/R3E-Network/request_router/internal/errors"
	"github.com/R3E-Network/request_router/internal/httputil"
	"github.com/R3E-Network/request_router/internal/logging"
	"github.com/R3E-Network/request_router/internal/middleware"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
)

// Router is the part of the request router the API serves.
type Router interface {
	CreateRequest(ctx context.Context, accountID string, st request.ServiceType, payload map[string]any, opts ...router.RequestOption) (*request.Request, error)
	GetRequest(ctx context.Context, id string) (*request.Request, error)
	GetRequestByExternalID(ctx context.Context, externalID string) (*request.Request, error)
	ListRequests(ctx context.Context, filter storage.RequestFilter) ([]*request.Request, error)
	CancelRequest(ctx context.Context, id, reason string) (*request.Request, error)
	Stats() router.Stats
}

// Config configures the HTTP surface.
type Config struct {
	Router    Router
	PublicKey *rsa.PublicKey
	// RateLimit is requests per second per account; zero disables limiting.
	RateLimit float64
	RateBurst int
	// Tasks and Ledger add the automation and ledger routes when set.
	Tasks  TaskService
	Ledger LedgerService
	Logger *logging.Logger
}

type handler struct {
	router  Router
	log     *logging.Logger
	audit   *auditLog
	started time.Time
}

// NewHandler builds the API. Every /v1 route requires a bearer token.
func NewHandler(cfg Config) (http.Handler, *middleware.RateLimiter) {
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	h := &handler{
		router:  cfg.Router,
		log:     log,
		audit:   newAuditLog(500, log),
		started: time.Now(),
	}

	root := mux.NewRouter()
	root.HandleFunc("/health", h.health).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/v1").Subrouter()
	api.Use(middleware.NewAuthMiddleware(cfg.PublicKey, log.Named("auth"), nil).Handler)
	var limiter *middleware.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, 0, log.Named("ratelimit"))
		api.Use(limiter.Handler)
	}
	api.HandleFunc("/requests", h.createRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", h.listRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/external/{externalID}", h.getByExternalID).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", h.getRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", h.cancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	api.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	if cfg.Tasks != nil {
		h.registerTasks(api, cfg.Tasks)
	}
	if cfg.Ledger != nil {
		h.registerLedger(api, cfg.Ledger)
	}

	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, string(errors.ErrCodeNotFound), "route not found", nil)
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "", "method not allowed", nil)
	})

	var out http.Handler = root
	out = metrics.InstrumentHandler(out)
	out = middleware.NewTracingMiddleware(log.Named("http")).Handler(out)
	return out, limiter
}

type createRequestBody struct {
	ServiceType  request.ServiceType `json:"service_type"`
	Payload      map[string]any      `json:"payload"`
	ExternalID   string              `json:"external_id,omitempty"`
	ServiceID    string              `json:"service_id,omitempty"`
	Fee          int64               `json:"fee,omitempty"`
	TxHash       string              `json:"tx_hash,omitempty"`
	CallbackHash string              `json:"callback_hash,omitempty"`
	MaxAttempts  int                 `json:"max_attempts,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

func (b createRequestBody) options() []router.RequestOption {
	opts := []router.RequestOption{
		router.WithExternalID(b.ExternalID),
		router.WithServiceID(b.ServiceID),
		router.WithFee(b.Fee),
		router.WithTxHash(b.TxHash),
		router.WithCallback(b.CallbackHash),
		router.WithMaxAttempts(b.MaxAttempts),
	}
	for k, v := range b.Metadata {
		opts = append(opts, router.WithMetadata(k, v))
	}
	return opts
}

func (h *handler) createRequest(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body createRequestBody
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.ServiceType == "" {
		httputil.WriteError(w, r, errors.MissingParameter("service_type"))
		return
	}

	req, err := h.router.CreateRequest(r.Context(), accountID, body.ServiceType, normalizeNumbers(body.Payload), body.options()...)
	if err != nil {
		if errors.IsCapacity(err) && req != nil {
			// The record is persisted and will be picked up by the next resweep.
			err = errors.GetServiceError(err).WithDetails("request_id", req.ID)
		}
		h.audit.add(r, "create", "", err)
		httputil.WriteError(w, r, err)
		return
	}
	h.audit.add(r, "create", req.ID, nil)
	httputil.WriteJSON(w, http.StatusCreated, req)
}

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RequestFilter{
		AccountID:   middleware.AccountID(r.Context()),
		ServiceType: request.ServiceType(q.Get("service_type")),
		Status:      request.Status(q.Get("status")),
		Limit:       httputil.QueryInt(r, "limit", defaultLimit),
	}
	if filter.ServiceType != "" && !filter.ServiceType.Valid() {
		httputil.WriteError(w, r, errors.Validation("service_type", "unknown service type"))
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.WriteError(w, r, errors.Validation("status", "unknown status"))
		return
	}
	if filter.Limit <= 0 || filter.Limit > maxLimit {
		httputil.WriteError(w, r, errors.OutOfRange("limit", 1, maxLimit))
		return
	}

	reqs, err := h.router.ListRequests(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*request.Request{}
	}
	httputil.WriteJSON(w, http.StatusOK, reqs)
}

func (h *handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := h.router.GetRequest(r.Context(), id)
	h.writeOwned(w, r, id, req, err)
}

func (h *handler) getByExternalID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["externalID"]
	req, err := h.router.GetRequestByExternalID(r.Context(), id)
	h.writeOwned(w, r, id, req, err)
}

// writeOwned renders req when it belongs to the caller. Requests of other
// accounts are reported as missing.
func (h *handler) writeOwned(w http.ResponseWriter, r *http.Request, id string, req *request.Request, err error) {
	if err == nil && req.AccountID != middleware.AccountID(r.Context()) {
		err = errors.NotFound("request", id)
	}
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

func (h *handler) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := h.router.GetRequest(r.Context(), id)
	if err == nil && req.AccountID != middleware.AccountID(r.Context()) {
		err = errors.NotFound("request", id)
	}
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
	}

	out, err := h.router.CancelRequest(r.Context(), id, strings.TrimSpace(body.Reason))
	if errors.Is(err, errors.ErrTerminal) {
		status := req.Status
		if out != nil {
			status = out.Status
		}
		err = errors.Conflict("request already finished").WithDetails("status", string(status))
	}
	h.audit.add(r, "cancel", id, err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.router.Stats())
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.audit.list(middleware.AccountID(r.Context())))
}

type healthResponse struct {
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Router        router.Stats `json:"router"`
	System        systemHealth `json:"system"`
}

type systemHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.router.Stats()
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Router:        stats,
	}
	if stats.QueueCapacity > 0 && stats.QueueDepth >= stats.QueueCapacity {
		resp.Status = "degraded"
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.System.MemoryPercent = vm.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(pct) > 0 {
		resp.System.CPUPercent = pct[0]
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
