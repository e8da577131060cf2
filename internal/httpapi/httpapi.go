package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/policy"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
)

const (
	maxBodyBytes        = 1 << 20
	pinAttemptsPerMin   = 8
	tenantHeader        = "X-Tenant-ID"
	defaultRatePerMin   = 120
	defaultReqTimeout   = 30 * time.Second
	defaultSaleListSize = 50
	maxSaleListSize     = 200
)

type Options struct {
	AllowedOrigin      string
	RequestTimeout     time.Duration
	RateLimitPerMinute int
	Production         bool
}

type API struct {
	sales      *service.SalesEngine
	register   *service.RegisterManager
	auth       *AuthManager
	policy     *policy.Policy
	logger     *slog.Logger
	opts       Options
	secure     *secure.Secure
	rateLimit  func(http.Handler) http.Handler
	pinLimiter func(http.Handler) http.Handler
}

func New(sales *service.SalesEngine, register *service.RegisterManager, auth *AuthManager, pol *policy.Policy, logger *slog.Logger, opts Options) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if pol == nil {
		pol = policy.New(logger)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultReqTimeout
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = defaultRatePerMin
	}
	if strings.TrimSpace(opts.AllowedOrigin) == "" {
		opts.AllowedOrigin = "*"
	}

	a := &API{
		sales:    sales,
		register: register,
		auth:     auth,
		policy:   pol,
		logger:   logger.With(slog.String("component", "httpapi")),
		opts:     opts,
	}
	a.secure = secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLRedirect:           opts.Production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
	a.rateLimit = httprate.Limit(opts.RateLimitPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			a.writeError(w, r, http.StatusTooManyRequests, errors.New("too many requests"))
		}),
	)
	a.pinLimiter = httprate.Limit(pinAttemptsPerMin, time.Minute,
		httprate.WithKeyFuncs(pinAttemptKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			a.writeError(w, r, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		}),
	)
	return a
}

func pinAttemptKey(r *http.Request) (string, error) {
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "pin:void:" + key, nil
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		a.accessLog,
		middleware.Recoverer,
		middleware.Timeout(a.opts.RequestTimeout),
		a.secureHeaders,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{a.opts.AllowedOrigin},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", tenantHeader, middleware.RequestIDHeader},
			ExposedHeaders:   []string{middleware.RequestIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		limitBody,
		a.rateLimit,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", a.handleCreateSale)
			r.Get("/", a.handleListSales)
			r.Get("/{id}", a.handleGetSale)
			r.Get("/{id}/transactions", a.handleSaleTransactions)
			r.Post("/{id}/payment", a.handleRegisterPayment)
			r.With(a.pinLimiter).Post("/{id}/void", a.handleVoidSale)
		})

		r.Route("/pos/register", func(r chi.Router) {
			r.Post("/open", a.handleOpenRegister)
			r.Post("/close", a.handleCloseRegister)
			r.Post("/movement", a.handleRegisterMovement)
			r.Get("/status", a.handleRegisterStatus)
		})

		r.Get("/pos/stock/{productID}", a.handleStockLevel)
	})

	return r
}

// requireAuth resolves the bearer token into an actor. SUPER_ADMIN may name
// the tenant to act on with X-Tenant-ID.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		if requested := strings.TrimSpace(r.Header.Get(tenantHeader)); requested != "" && requested != actor.TenantID {
			if !a.policy.CanSwitchTenant(actor) {
				a.logger.WarnContext(r.Context(), "tenant switch denied",
					slog.String("user_id", actor.UserID),
					slog.String("role", string(actor.Role)),
					slog.String("tenant_id", actor.TenantID),
					slog.String("requested_tenant_id", requested),
				)
				a.writeError(w, r, http.StatusForbidden, errors.New("tenant switch not allowed"))
				return
			}
			a.logger.InfoContext(r.Context(), "tenant switch",
				slog.String("user_id", actor.UserID),
				slog.String("from_tenant_id", actor.TenantID),
				slog.String("tenant_id", requested),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
			actor.TenantID = requested
		}

		next.ServeHTTP(w, r.WithContext(policy.WithActor(r.Context(), actor)))
	})
}

func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.secure.Process(w, r); err != nil {
			a.logger.WarnContext(r.Context(), "secure headers blocked request", slog.Any("error", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(startedAt)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	sale, err := a.sales.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleListSales(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.SaleFilter{
		UserID:        strings.TrimSpace(query.Get("user_id")),
		Status:        domain.SaleStatus(strings.ToUpper(strings.TrimSpace(query.Get("status")))),
		PaymentStatus: domain.PaymentStatus(strings.ToUpper(strings.TrimSpace(query.Get("payment_status")))),
		Limit:         parsePositiveLimit(query.Get("limit"), defaultSaleListSize, maxSaleListSize),
	}
	var err error
	if filter.From, err = parseTimeParam(query.Get("from")); err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Errorf("from: %w", err))
		return
	}
	if filter.To, err = parseTimeParam(query.Get("to")); err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Errorf("to: %w", err))
		return
	}

	sales, err := a.sales.ListSales(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleStockLevel(w http.ResponseWriter, r *http.Request) {
	unit, err := a.sales.StockLevel(r.Context(), chi.URLParam(r, "productID"), strings.TrimSpace(r.URL.Query().Get("variant_id")))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.sales.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := a.sales.SaleTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (a *API) handleRegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	req.SaleID = chi.URLParam(r, "id")

	sale, err := a.sales.RegisterPayment(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		actor, _ := policy.ActorFromContext(r.Context())
		a.logger.WarnContext(r.Context(), "invalid manager pin",
			slog.String("user_id", actor.UserID),
			slog.String("tenant_id", actor.TenantID),
			slog.String("sale_id", chi.URLParam(r, "id")),
		)
		a.writeError(w, r, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}
	req.SaleID = chi.URLParam(r, "id")

	sale, err := a.sales.VoidSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleOpenRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	session, err := a.register.OpenRegister(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCloseRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.CloseRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	session, err := a.register.CloseRegister(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleRegisterMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.MovementRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.register.RegisterMovement(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRegisterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.register.Status(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *store.InsufficientStockError
	if errors.As(err, &stockErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      err.Error(),
			"product_id": stockErr.Ref.ProductID,
			"variant_id": stockErr.Ref.VariantID,
			"available":  stockErr.Available,
			"requested":  stockErr.Requested,
		})
		return
	}
	a.writeError(w, r, statusFor(err), err)
}

// writeError hides the cause of 5xx responses from the client and logs it.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "internal error",
			slog.Int("status", status),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseTimeParam(raw string) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	parsed, err := time.Parse(time.DateOnly, trimmed)
	if err != nil {
		return nil, errors.New("expected RFC3339 timestamp or YYYY-MM-DD date")
	}
	return &parsed, nil
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
