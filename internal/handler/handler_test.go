package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"coupon-finder/internal/features"
	"coupon-finder/internal/models"
	"coupon-finder/internal/service"
	"coupon-finder/internal/session"
	"coupon-finder/internal/storage"
	"coupon-finder/internal/upstream"
	"coupon-finder/internal/validation"
)

// backend is a minimal in-memory coupon REST API.
type backend struct {
	mu           sync.Mutex
	revealStatus int
	revealBody   string
	lastQuery    string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	write := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/api/auth/register" || r.URL.Path == "/api/auth/login":
		var body models.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password == "wrong-pass1" {
			write(http.StatusBadRequest, map[string]string{"detail": "Incorrect email or password"})
			return
		}
		write(http.StatusOK, models.AuthResponse{
			Token: "token",
			User:  models.User{ID: uuid.New().String(), Email: body.Email, Region: models.RegionEurope, Country: "GB"},
		})
	case r.URL.Path == "/api/coupons":
		b.lastQuery = r.URL.RawQuery
		write(http.StatusOK, models.CouponList{Coupons: []models.Coupon{{ID: uuid.New().String(), Code: "SAVE10"}}, Total: 1})
	case r.URL.Path == "/api/stores":
		b.lastQuery = r.URL.RawQuery
		write(http.StatusOK, models.StoreList{Stores: []models.Store{{ID: 7, Name: "Mart"}}, Total: 1})
	case r.URL.Path == "/api/regions":
		write(http.StatusServiceUnavailable, map[string]string{"detail": "down"})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/coupons/"):
		if b.revealStatus != 0 {
			w.WriteHeader(b.revealStatus)
			_, _ = w.Write([]byte(b.revealBody))
			return
		}
		write(http.StatusOK, models.RevealResponse{AffiliateURL: "https://store.example/go"})
	default:
		http.NotFound(w, r)
	}
}

func (b *backend) set(fn func(*backend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *backend) query() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastQuery
}

type testEnv struct {
	router  *chi.Mux
	store   *session.Store
	backend *backend
	flags   *features.Manager
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()

	b := &backend{}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	client, err := upstream.NewClient(upstream.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Failed to create backend client: %v", err)
	}

	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "handler.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := session.Open(context.Background(), db)
	t.Cleanup(store.Close)

	flags := features.Defaults(nil)
	svc := service.NewService(store, client, service.Options{Features: flags})
	h := NewHandlerWithOptions(svc, NewHandlerOptions{MaxBodySize: 4096, Features: flags})

	r := chi.NewRouter()
	h.Routes(r, nil)

	return &testEnv{router: r, store: store, backend: b, flags: flags}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthCheck(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rr.Body.String())
	}
}

func TestGetSession_Defaults(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "GET", "/session", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	view := decodeBody[models.SessionView](t, rr)
	if view.Authenticated || view.DailyRevealCount != 0 || view.DailyLimit != session.DailyRevealLimit {
		t.Errorf("Unexpected default view: %+v", view)
	}
	if !view.CanReveal || view.Remaining != session.DailyRevealLimit {
		t.Errorf("Expected full allowance, got %+v", view)
	}
}

func TestSetRegionAndCountry(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "PUT", "/session/region", map[string]string{"region": "asia"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, "PUT", "/session/country", map[string]string{"country": "jp"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if view := decodeBody[models.SessionView](t, rr); view.Region != models.RegionAsia || view.Country != "JP" {
		t.Errorf("Expected asia/JP, got %+v", view)
	}

	// Switching region clears the country.
	rr = env.do(t, "PUT", "/session/region", map[string]string{"region": "europe"})
	if view := decodeBody[models.SessionView](t, rr); view.Country != "" {
		t.Errorf("Expected country cleared, got %q", view.Country)
	}

	// Null clears explicitly.
	env.do(t, "PUT", "/session/country", map[string]string{"country": "DE"})
	rr = env.do(t, "PUT", "/session/country", `{"country": null}`)
	if view := decodeBody[models.SessionView](t, rr); rr.Code != http.StatusOK || view.Country != "" {
		t.Errorf("Expected null to clear country, got %d %+v", rr.Code, view)
	}
}

func TestSetRegion_Invalid(t *testing.T) {
	env := setupTestHandler(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"unknown region", "/session/region", map[string]string{"region": "antarctica"}},
		{"country outside region", "/session/country", map[string]string{"country": "JP"}},
		{"empty body", "/session/region", nil},
		{"malformed JSON", "/session/region", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "PUT", tt.path, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rr.Code)
			}
			if resp := decodeBody[models.ErrorResponse](t, rr); resp.Error == "" {
				t.Error("Expected error message")
			}
		})
	}
}

func TestSetSearch(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "PUT", "/session/search", map[string]string{"query": "  pizza "})
	if view := decodeBody[models.SessionView](t, rr); rr.Code != http.StatusOK || view.SearchQuery != "pizza" {
		t.Errorf("Expected search 'pizza', got %d %+v", rr.Code, view)
	}

	rr = env.do(t, "PUT", "/session/search", map[string]string{"query": strings.Repeat("q", 101)})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for long query, got %d", rr.Code)
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "POST", "/auth/register", models.RegisterRequest{
		Email:    "ada@example.com",
		Password: "secret123",
		FullName: "Ada Lovelace",
		Region:   models.RegionEurope,
		Country:  "GB",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if view := decodeBody[models.SessionView](t, rr); !view.Authenticated || view.User == nil {
		t.Errorf("Expected signed-in view, got %+v", view)
	}

	rr = env.do(t, "POST", "/auth/logout", nil)
	if view := decodeBody[models.SessionView](t, rr); rr.Code != http.StatusOK || view.Authenticated {
		t.Errorf("Expected signed-out view, got %d %+v", rr.Code, view)
	}

	rr = env.do(t, "POST", "/auth/login", models.LoginRequest{Email: "ada@example.com", Password: "secret123"})
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if env.store.Snapshot().Credential != "token" {
		t.Error("Expected credential stored after login")
	}
}

func TestLogin_Rejected(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "POST", "/auth/login", models.LoginRequest{Email: "ada@example.com", Password: "wrong-pass1"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	rr = env.do(t, "POST", "/auth/register", models.RegisterRequest{Email: "nope"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid registration, got %d", rr.Code)
	}
}

func TestListCoupons_QueryOverrides(t *testing.T) {
	env := setupTestHandler(t)
	env.do(t, "PUT", "/session/search", map[string]string{"query": "tacos"})

	rr := env.do(t, "GET", "/coupons?region=asia&country=sg&store_id=7&limit=5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if list := decodeBody[models.CouponList](t, rr); list.Total != 1 || len(list.Coupons) != 1 {
		t.Errorf("Unexpected list: %+v", list)
	}

	q := env.backend.query()
	for _, want := range []string{"region=asia", "country=SG", "store_id=7", "limit=5", "search=tacos"} {
		if !strings.Contains(q, want) {
			t.Errorf("Expected backend query to contain %s, got %s", want, q)
		}
	}
}

func TestListCoupons_BadParameters(t *testing.T) {
	env := setupTestHandler(t)

	for _, path := range []string{
		"/coupons?store_id=abc",
		"/coupons?store_id=-3",
		"/coupons?limit=0",
		"/coupons?region=mars",
		"/stores?store_type=pharmacy",
	} {
		if rr := env.do(t, "GET", path, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, rr.Code)
		}
	}
}

func TestListStoresAndBrowse(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "GET", "/stores?store_type=grocery", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if list := decodeBody[models.StoreList](t, rr); len(list.Stores) != 1 || list.Stores[0].ID != 7 {
		t.Errorf("Unexpected stores: %+v", list)
	}

	rr = env.do(t, "GET", "/browse?region=europe", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	out := decodeBody[models.Browse](t, rr)
	if out.Filter.Region != models.RegionEurope || out.Coupons.Total != 1 || out.Stores.Total != 1 {
		t.Errorf("Unexpected browse result: %+v", out)
	}
}

func TestGetRegions_FallsBackToCatalogue(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "GET", "/regions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	resp := decodeBody[struct {
		Regions []models.RegionInfo `json:"regions"`
	}](t, rr)
	if len(resp.Regions) != len(models.Regions()) {
		t.Errorf("Expected built-in catalogue, got %+v", resp.Regions)
	}
}

func TestReveal_Success(t *testing.T) {
	env := setupTestHandler(t)
	env.store.SetCredential("token")

	rr := env.do(t, "POST", "/coupons/"+uuid.New().String()+"/reveal", map[string]string{"code": "SAVE10"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	res := decodeBody[models.RevealResult](t, rr)
	if res.RedirectURL != "https://store.example/go" || res.DailyRevealCount != 1 || res.Code != "SAVE10" {
		t.Errorf("Unexpected reveal result: %+v", res)
	}
	if res.Remaining != session.DailyRevealLimit-1 {
		t.Errorf("Expected %d remaining, got %d", session.DailyRevealLimit-1, res.Remaining)
	}
}

func TestReveal_WithoutBody(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "POST", "/coupons/"+uuid.New().String()+"/reveal", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReveal_InvalidID(t *testing.T) {
	env := setupTestHandler(t)

	for _, path := range []string{"/coupons/%20/reveal", "/coupons/a%3Fb/reveal"} {
		if rr := env.do(t, "POST", path, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, rr.Code)
		}
	}

	// Ids are opaque to this side; the backend decides what exists.
	if rr := env.do(t, "POST", "/coupons/coupon-123/reveal", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected non-UUID id to be revealed, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReveal_LimitReached(t *testing.T) {
	env := setupTestHandler(t)
	env.store.ReconcileDailyCount(session.DailyRevealLimit)

	rr := env.do(t, "POST", "/coupons/"+uuid.New().String()+"/reveal", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rr.Code)
	}
}

func TestReveal_BackendErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   int
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail": "expired"}`, http.StatusUnauthorized},
		{"not found", http.StatusNotFound, `{"detail": "gone"}`, http.StatusNotFound},
		{"rate limited", http.StatusTooManyRequests, `{"detail": "slow down", "daily_count": 50}`, http.StatusTooManyRequests},
		{"server error", http.StatusBadGateway, `oops`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t)
			env.store.SetCredential("token")
			env.backend.set(func(b *backend) {
				b.revealStatus = tt.status
				b.revealBody = tt.body
			})

			rr := env.do(t, "POST", "/coupons/"+uuid.New().String()+"/reveal", nil)
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if env.store.Snapshot().DailyRevealCount == 1 {
				t.Error("Failed reveal must not count")
			}
		})
	}
}

func TestInterstitialAndReset(t *testing.T) {
	env := setupTestHandler(t)

	var last models.RevealResult
	for i := 0; i < 3; i++ {
		rr := env.do(t, "POST", "/coupons/"+uuid.New().String()+"/reveal", nil)
		last = decodeBody[models.RevealResult](t, rr)
	}
	if !last.ShowInterstitial {
		t.Fatalf("Expected interstitial after third reveal, got %+v", last)
	}

	rr := env.do(t, "POST", "/session/interstitial/ack", nil)
	if view := decodeBody[models.SessionView](t, rr); view.ShowInterstitial || view.DailyRevealCount != 3 {
		t.Errorf("Expected acknowledged interstitial, got %+v", view)
	}

	rr = env.do(t, "POST", "/session/daily-count/reset", nil)
	if view := decodeBody[models.SessionView](t, rr); view.DailyRevealCount != 0 || view.Remaining != session.DailyRevealLimit {
		t.Errorf("Expected reset count, got %+v", view)
	}
}

func TestFeatures(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.do(t, "GET", "/features", nil)
	resp := decodeBody[struct {
		Features []features.Flag `json:"features"`
	}](t, rr)
	if len(resp.Features) == 0 {
		t.Fatal("Expected default flags")
	}

	rr = env.do(t, "PUT", "/features/"+features.FeatureFetchCache, map[string]bool{"enabled": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if env.flags.IsEnabled(features.FeatureFetchCache) {
		t.Error("Expected fetch_cache disabled")
	}

	if rr := env.do(t, "PUT", "/features/no_such_flag", map[string]bool{"enabled": true}); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
	if rr := env.do(t, "PUT", "/features/"+features.FeatureFetchCache, map[string]string{}); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestRoutes_ThrottleWrapsRevealOnly(t *testing.T) {
	env := setupTestHandler(t)

	var calls int
	throttle := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}

	r := chi.NewRouter()
	svc := service.NewService(env.store, nil, service.Options{})
	NewHandler(svc).Routes(r, throttle)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("POST", fmt.Sprintf("/coupons/%s/reveal", uuid.New()), nil))
	if rr.Code != http.StatusTooManyRequests || calls != 1 {
		t.Errorf("Expected throttled reveal, got %d (calls %d)", rr.Code, calls)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/session", nil))
	if rr.Code != http.StatusOK || calls != 1 {
		t.Errorf("Expected session route unthrottled, got %d (calls %d)", rr.Code, calls)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&validation.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &upstream.AuthError{Status: 401}), http.StatusUnauthorized},
		{&upstream.NotFoundError{}, http.StatusNotFound},
		{&upstream.RateLimitError{}, http.StatusTooManyRequests},
		{service.ErrLimitReached, http.StatusTooManyRequests},
		{&upstream.TransientNetworkError{Op: "reveal"}, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: boom", service.ErrCopyFailed), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
