package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kasirbuku/backend/internal/domain"
	"kasirbuku/backend/internal/realtime"
	"kasirbuku/backend/internal/service"
	"kasirbuku/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	broker        realtime.Broker
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, broker realtime.Broker, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		broker:        broker,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
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

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		// the websocket handshake carries its token in the query string
		r.Get("/realtime", a.handleRealtime)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)

			r.Get("/auth/me", a.handleMe)

			r.Get("/sources", a.handleListSources)
			r.Post("/sources", a.handleCreateSource)
			r.Route("/sources/{sourceID}", func(r chi.Router) {
				r.Get("/", a.handleGetSource)
				r.Patch("/", a.handleRenameSource)
				r.Delete("/", a.handleDeleteSource)
				r.Get("/access", a.handleListSourceAccess)
				r.Post("/access", a.handleGrantSourceAccess)
				r.Delete("/access/{username}", a.handleRevokeSourceAccess)

				r.Get("/sessions", a.handleListSessions)
				r.Post("/sessions", a.handleStartSession)
				r.Get("/sessions/active", a.handleActiveSession)

				r.Get("/bills", a.handleListBills)
				r.Post("/bills/delete", a.handleDeleteBills)

				r.Get("/products", a.handleListProducts)
				r.Post("/products", a.handleCreateProduct)
				r.Get("/services", a.handleListServices)
				r.Post("/services", a.handleCreateService)
				r.Get("/consignments", a.handleListConsignments)
				r.Post("/consignments", a.handleCreateConsignment)
				r.Get("/categories", a.handleListCategories)
				r.Post("/categories", a.handleCreateCategory)
				r.Get("/suppliers", a.handleListSuppliers)
				r.Post("/suppliers", a.handleCreateSupplier)
				r.Get("/payer-settings", a.handleListPayerSettings)
				r.Put("/payer-settings", a.handleSetPayerCreditDays)

				r.Get("/transactions", a.handleListTransactions)
				r.Post("/transactions", a.handleRecordTransaction)
				r.Get("/stats", a.handleStats)
				r.Get("/audit-logs", a.handleAuditLogs)
			})

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/totals", a.handleSessionTotals)
				r.Post("/close", a.handleCloseSession)
				r.Post("/reconcile", a.handleReconcileSession)
			})

			r.Post("/checkout", a.handleCheckout)

			r.Route("/bills/{billID}", func(r chi.Router) {
				r.Get("/", a.handleGetBill)
				r.Patch("/status", a.handleSetBillStatus)
				r.Post("/payments", a.handleRecordPayment)
				r.Get("/receipt", a.handleBillReceipt)
			})

			r.Route("/products/{productID}", func(r chi.Router) {
				r.Get("/", a.handleGetProduct)
				r.Patch("/", a.handleUpdateProduct)
				r.Post("/stock", a.handleReceiveStock)
				r.Post("/adjustments", a.handleAdjustStock)
				r.Get("/movements", a.handleListMovements)
			})

			r.Post("/consignments/{consignmentID}/return", a.handleReturnConsignment)

			r.Get("/payers", a.handleListPayers)
			r.Post("/payers", a.handleCreatePayer)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(domain.RoleAdmin))
				r.Get("/users", a.handleListUsers)
				r.Post("/users", a.handleCreateUser)
				r.Patch("/users/{username}", a.handleUpdateUser)
			})
		})
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := service.ActorFromContext(r.Context())
			if !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"username": actor.Username,
		"role":     actor.Role,
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	user, err := a.auth.UpdateUser(r.Context(), actor, chi.URLParam(r, "username"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s [%s]", r.Method, r.URL.Path, time.Since(startedAt), middleware.GetReqID(r.Context()))
	})
}

func statsToCSV(stats domain.Stats) string {
	lines := []string{
		"section,key,value",
		fmt.Sprintf("summary,source_id,%s", stats.SourceID),
		fmt.Sprintf("summary,from,%s", stats.From),
		fmt.Sprintf("summary,to,%s", stats.To),
		fmt.Sprintf("summary,transactions,%d", stats.Transactions),
		fmt.Sprintf("summary,income,%s", stats.Income.StringFixed(2)),
		fmt.Sprintf("summary,expense,%s", stats.Expense.StringFixed(2)),
		fmt.Sprintf("summary,net,%s", stats.Net.StringFixed(2)),
		fmt.Sprintf("summary,outstanding,%s", stats.Outstanding.StringFixed(2)),
	}
	for _, payment := range stats.ByPayment {
		lines = append(lines, fmt.Sprintf("payment,%s_bills,%d", payment.PaymentMethod, payment.Bills))
		lines = append(lines, fmt.Sprintf("payment,%s_total,%s", payment.PaymentMethod, payment.Total.StringFixed(2)))
	}
	for _, category := range stats.ByCategory {
		key := category.CategoryID
		if key == "" {
			key = "uncategorized"
		}
		lines = append(lines, fmt.Sprintf("category,%s_%s,%s", key, category.Type, category.Total.StringFixed(2)))
	}
	for _, day := range stats.ByDay {
		lines = append(lines, fmt.Sprintf("day,%s_income,%s", day.Date, day.Income.StringFixed(2)))
		lines = append(lines, fmt.Sprintf("day,%s_expense,%s", day.Date, day.Expense.StringFixed(2)))
	}
	return strings.Join(lines, "\n") + "\n"
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// parseDayParam reads a YYYY-MM-DD query value. An empty value yields the zero time.
func parseDayParam(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", key, store.ErrInvalidTransaction)
	}
	return day, nil
}

// writeServiceError maps domain and store errors to a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrInvalidTransaction):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrActiveSessionExists),
		errors.Is(err, store.ErrSessionNotActive),
		errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
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
