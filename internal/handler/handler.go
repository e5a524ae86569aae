package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"coupon-finder/internal/features"
	"coupon-finder/internal/logger"
	"coupon-finder/internal/models"
	"coupon-finder/internal/service"
	"coupon-finder/internal/upstream"
	"coupon-finder/internal/validation"
)

// Handler provides HTTP handlers for the local API.
type Handler struct {
	service     *service.Service
	features    *features.Manager
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Features    *features.Manager
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Features == nil {
		opts.Features = features.Defaults(nil)
	}
	return &Handler{
		service:     svc,
		features:    opts.Features,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes mounts every API route on r. throttle wraps the reveal route.
func (h *Handler) Routes(r chi.Router, throttle func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/regions", h.GetRegions)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Put("/region", h.SetRegion)
		r.Put("/country", h.SetCountry)
		r.Put("/search", h.SetSearch)
		r.Post("/interstitial/ack", h.AcknowledgeInterstitial)
		r.Post("/daily-count/reset", h.ResetDailyCount)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
	})

	r.Get("/coupons", h.ListCoupons)
	r.Get("/stores", h.ListStores)
	r.Get("/browse", h.Browse)

	reveal := http.Handler(http.HandlerFunc(h.Reveal))
	if throttle != nil {
		reveal = throttle(reveal)
	}
	r.Method(http.MethodPost, "/coupons/{coupon_id}/reveal", reveal)

	r.Get("/features", h.ListFeatures)
	r.Put("/features/{name}", h.SetFeature)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// GetRegions handles GET /regions
func (h *Handler) GetRegions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"regions": h.service.Regions(r.Context())})
}

// GetSession handles GET /session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Session())
}

type regionRequest struct {
	Region string `json:"region"`
}

// SetRegion handles PUT /session/region
func (h *Handler) SetRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.service.SetRegion(r.Context(), validation.SanitizeString(req.Region))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

type countryRequest struct {
	Country *string `json:"country"`
}

// SetCountry handles PUT /session/country. A null country clears it.
func (h *Handler) SetCountry(w http.ResponseWriter, r *http.Request) {
	var req countryRequest
	if !h.decode(w, r, &req) {
		return
	}

	var country string
	if req.Country != nil {
		country = validation.SanitizeString(*req.Country)
	}
	view, err := h.service.SetCountry(country)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

type searchRequest struct {
	Query string `json:"query"`
}

// SetSearch handles PUT /session/search
func (h *Handler) SetSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.service.SetSearch(req.Query)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// AcknowledgeInterstitial handles POST /session/interstitial/ack
func (h *Handler) AcknowledgeInterstitial(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.AcknowledgeInterstitial())
}

// ResetDailyCount handles POST /session/daily-count/reset
func (h *Handler) ResetDailyCount(w http.ResponseWriter, r *http.Request) {
	h.service.ResetDailyCount(r.Context(), "api")
	h.respondJSON(w, http.StatusOK, h.service.Session())
}

// Register handles POST /auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, view)
}

// Login handles POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	view, err := h.service.Login(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// Logout handles POST /auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Logout(r.Context()))
}

// ListCoupons handles GET /coupons
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListCoupons(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, list)
}

// ListStores handles GET /stores
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListStores(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, list)
}

// Browse handles GET /browse
func (h *Handler) Browse(w http.ResponseWriter, r *http.Request) {
	f, ok := h.parseFilter(w, r)
	if !ok {
		return
	}

	out, err := h.service.Browse(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, out)
}

type revealRequest struct {
	Code string `json:"code"`
}

// Reveal handles POST /coupons/{coupon_id}/reveal. The body is optional.
func (h *Handler) Reveal(w http.ResponseWriter, r *http.Request) {
	couponID := validation.SanitizeString(chi.URLParam(r, "coupon_id"))

	var req revealRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}

	result, err := h.service.Reveal(r.Context(), couponID, validation.SanitizeString(req.Code))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// ListFeatures handles GET /features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"features": h.features.List()})
}

type featureRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetFeature handles PUT /features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	name := validation.SanitizeString(chi.URLParam(r, "name"))

	var req featureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := h.features.Set(name, *req.Enabled); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.Info("feature flag changed",
		logger.String("feature", name),
		logger.Bool("enabled", *req.Enabled))
	h.respondJSON(w, http.StatusOK, map[string]any{"features": h.features.List()})
}

// parseFilter reads list overrides from the query string. Values are
// validated by the service after merging with the session filter.
func (h *Handler) parseFilter(w http.ResponseWriter, r *http.Request) (models.ListFilter, bool) {
	q := r.URL.Query()
	f := models.ListFilter{
		Region:    models.Region(validation.SanitizeString(q.Get("region"))),
		Country:   validation.SanitizeString(q.Get("country")),
		StoreType: models.StoreType(validation.SanitizeString(q.Get("store_type"))),
		Category:  validation.SanitizeString(q.Get("category")),
		Search:    q.Get("search"),
	}

	if v := q.Get("store_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			h.respondError(w, http.StatusBadRequest, "invalid 'store_id' parameter, must be a positive integer")
			return models.ListFilter{}, false
		}
		f.StoreID = id
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			h.respondError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be a positive integer")
			return models.ListFilter{}, false
		}
		f.Limit = limit
	}
	return f, true
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// statusFor maps service and backend errors to HTTP statuses.
func statusFor(err error) int {
	var (
		validationErr *validation.ValidationError
		authErr       *upstream.AuthError
		notFoundErr   *upstream.NotFoundError
		rateLimitErr  *upstream.RateLimitError
		transientErr  *upstream.TransientNetworkError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.Is(err, service.ErrLimitReached), errors.As(err, &rateLimitErr):
		return http.StatusTooManyRequests
	case errors.As(err, &transientErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", logger.Int("status", status), logger.Err(err))
	}
	h.respondError(w, status, err.Error())
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", logger.Err(err))
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
