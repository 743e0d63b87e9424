// Package httpapi exposes the gateway-local API the collector UI talks to:
// login, connectivity status, manual sync, the unsynchronized-collection
// view with provisional receipts, and the reconciled customer view used
// while offline. Everything that is not gateway API falls through to the
// request interceptor.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cobranzas/gateway/internal/broadcast"
	"cobranzas/gateway/internal/domain"
	"cobranzas/gateway/internal/interceptor"
	"cobranzas/gateway/internal/localstore"
	"cobranzas/gateway/internal/queue"
	"cobranzas/gateway/internal/receipt"
	"cobranzas/gateway/internal/reconcile"
	"cobranzas/gateway/internal/syncer"
)

type API struct {
	store        localstore.Store
	queue        *queue.Queue
	syncer       *syncer.Syncer
	hub          *broadcast.Hub
	proxy        *interceptor.Handler
	auth         *AuthManager
	logger       *zap.Logger
	loginLimiter *attemptLimiter
}

func New(store localstore.Store, q *queue.Queue, s *syncer.Syncer, hub *broadcast.Hub, proxy *interceptor.Handler, auth *AuthManager, logger *zap.Logger) *API {
	return &API{
		store:        store,
		queue:        q,
		syncer:       s,
		hub:          hub,
		proxy:        proxy,
		auth:         auth,
		logger:       logger,
		loginLimiter: newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/status", a.hub)

	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/status", a.handleStatus)

	mux.HandleFunc("/api/v1/sync", a.requireAuth(a.handleSync))
	mux.HandleFunc("/api/v1/refresh", a.requireAuth(a.handleRefresh))
	mux.HandleFunc("/api/v1/unsynchronized", a.requireAuth(a.handleUnsynchronized))
	mux.HandleFunc("/api/v1/unsynchronized/", a.requireAuth(a.handleReceipt))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerCollection))

	// Everything else is app traffic for the collections server.
	mux.Handle("/", a.proxy)

	return mux
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		token := strings.TrimSpace(authorization[len("Bearer "):])
		if _, err := a.auth.ParseToken(token); err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	depth, err := a.queue.Depth(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	lastUpdate, err := a.store.GetMeta(r.Context(), localstore.MetaClientLastUpdate)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":    a.hub.Current(),
		"queue_depth": depth,
		"last_update": lastUpdate,
	})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	result, err := a.syncer.Sync(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	result, err := a.syncer.Refresh(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleUnsynchronized(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	queues, err := a.queue.List(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type entry struct {
		Customer    domain.Customer            `json:"customer"`
		Submissions []domain.PendingSubmission `json:"data"`
	}

	entries := make([]entry, 0, len(queues))
	total := domain.Cents(0)
	count := 0
	for _, cq := range queues {
		customer := domain.Customer{ID: cq.CustomerID}
		if raw, err := a.store.Get(r.Context(), localstore.PartitionCustomers, strconv.Itoa(cq.CustomerID)); err == nil {
			_ = json.Unmarshal(raw, &customer)
		}
		entries = append(entries, entry{Customer: customer, Submissions: cq.Submissions})
		for _, sub := range cq.Submissions {
			total += sub.PaidTotal()
			count++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customers":   entries,
		"submissions": count,
		"total":       total,
	})
}

// handleReceipt serves GET /api/v1/unsynchronized/{customer}/receipt, with
// an optional ?submission=<id> selecting one buffered submission. Without
// it, the most recent one is used.
func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/unsynchronized/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "receipt" {
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	customerID, err := strconv.Atoi(parts[0])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("customer id must be numeric"))
		return
	}

	cq, err := a.queue.ForCustomer(r.Context(), customerID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(cq.Submissions) == 0 {
		a.writeError(w, http.StatusNotFound, errors.New("nothing queued for customer"))
		return
	}

	sub := cq.Submissions[len(cq.Submissions)-1]
	if wanted := r.URL.Query().Get("submission"); wanted != "" {
		found := false
		for _, candidate := range cq.Submissions {
			if candidate.ID == wanted {
				sub, found = candidate, true
				break
			}
		}
		if !found {
			a.writeError(w, http.StatusNotFound, errors.New("submission not queued"))
			return
		}
	}

	customer := domain.Customer{ID: customerID}
	if raw, err := a.store.Get(r.Context(), localstore.PartitionCustomers, parts[0]); err == nil {
		if err := json.Unmarshal(raw, &customer); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	number := receipt.NewNumber()
	pdf, err := receipt.Render(receipt.Data{
		ReceiptNo:  number,
		Customer:   customer,
		Submission: sub,
	})
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+number+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// handleCustomerCollection serves GET /api/v1/customers/{id}/collection:
// the customer's sales and schedules from the local store with every queued
// submission folded in. This is what renders the collection form offline.
func (a *API) handleCustomerCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/customers/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "collection" {
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	customerID, err := strconv.Atoi(parts[0])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("customer id must be numeric"))
		return
	}

	rawSales, err := a.store.Get(r.Context(), localstore.PartitionSales, parts[0])
	if errors.Is(err, localstore.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, errors.New("customer has no local data"))
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	var sales []domain.Sale
	if err := json.Unmarshal(rawSales, &sales); err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	schedules := domain.CustomerInstallments{}
	if raw, err := a.store.Get(r.Context(), localstore.PartitionInstallments, parts[0]); err == nil {
		if err := json.Unmarshal(raw, &schedules); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
	} else if !errors.Is(err, localstore.ErrNotFound) {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	cq, err := a.queue.ForCustomer(r.Context(), customerID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}

	view, err := reconcile.BuildCustomerView(customerID, sales, schedules, cq)
	if err != nil {
		var ierr *reconcile.InconsistencyError
		if errors.As(err, &ierr) {
			a.writeError(w, http.StatusConflict, err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx details stay in the log.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
