// Package upstream is the HTTP client for the coupon backend REST API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"coupon-finder/internal/metrics"
	"coupon-finder/internal/models"
	"coupon-finder/internal/validation"
)

const maxErrorBody = 64 << 10

// Config configures the backend client.
type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// Client talks to the backend. Every call is traced as a client span and
// propagates the trace context in the request headers.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient validates the base URL and builds a client.
func NewClient(cfg Config, tracer trace.Tracer) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", cfg.BaseURL)
	}
	if tracer == nil {
		tracer = otel.Tracer("coupon-finder/upstream")
	}

	return &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: tracer,
	}, nil
}

// Register creates an account and returns its credential.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.do(ctx, call{
		op:     "register",
		method: http.MethodPost,
		path:   "/api/auth/register",
		body:   req,
		auth:   true,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges email and password for a credential.
func (c *Client) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.do(ctx, call{
		op:     "login",
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   req,
		auth:   true,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListCoupons fetches one page of coupons matching f.
func (c *Client) ListCoupons(ctx context.Context, token string, f models.ListFilter) (models.CouponList, error) {
	q := filterQuery(f)
	if f.StoreID > 0 {
		q.Set("store_id", strconv.FormatInt(f.StoreID, 10))
	}

	var list models.CouponList
	err := c.do(ctx, call{
		op:     "list_coupons",
		method: http.MethodGet,
		path:   "/api/coupons",
		query:  q,
		token:  token,
	}, &list)
	return list, err
}

// ListStores fetches one page of stores matching f.
func (c *Client) ListStores(ctx context.Context, token string, f models.ListFilter) (models.StoreList, error) {
	q := filterQuery(f)
	if f.StoreType != "" {
		q.Set("store_type", string(f.StoreType))
	}

	var list models.StoreList
	err := c.do(ctx, call{
		op:     "list_stores",
		method: http.MethodGet,
		path:   "/api/stores",
		query:  q,
		token:  token,
	}, &list)
	return list, err
}

// Reveal records a click on a coupon and returns the store's affiliate URL.
func (c *Client) Reveal(ctx context.Context, token, couponID string) (*models.RevealResponse, error) {
	var resp models.RevealResponse
	if err := c.do(ctx, call{
		op:     "reveal",
		method: http.MethodPost,
		path:   "/api/coupons/" + url.PathEscape(couponID) + "/click",
		token:  token,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.AffiliateURL == "" {
		return nil, &TransientNetworkError{Op: "reveal", Err: errors.New("backend returned no affiliate url")}
	}
	return &resp, nil
}

// Regions fetches the backend's region catalogue.
func (c *Client) Regions(ctx context.Context) ([]models.RegionInfo, error) {
	var resp struct {
		Regions []models.RegionInfo `json:"regions"`
	}
	if err := c.do(ctx, call{op: "regions", method: http.MethodGet, path: "/api/regions"}, &resp); err != nil {
		return nil, err
	}
	return resp.Regions, nil
}

func filterQuery(f models.ListFilter) url.Values {
	q := url.Values{}
	q.Set("region", string(f.Region))
	if f.Country != "" {
		q.Set("country", f.Country)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	token  string
	// auth marks login/registration, where a rejected form is an AuthError.
	auth bool
}

func (c *Client) do(ctx context.Context, cl call, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "upstream."+cl.op, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.UpstreamRequests.WithLabelValues(cl.op, resultLabel(err)).Inc()
		span.End()
	}()

	target := *c.baseURL
	target.Path = c.baseURL.Path + cl.path
	if cl.query != nil {
		target.RawQuery = cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", cl.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, target.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	span.SetAttributes(
		attribute.String("http.method", cl.method),
		attribute.String("http.url", target.String()),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: cl.op, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		return classify(cl, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientNetworkError{Op: cl.op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

type errorBody struct {
	Detail     json.RawMessage `json:"detail"`
	DailyCount *int            `json:"daily_count"`
}

// classify maps a non-2xx answer onto the error taxonomy.
func classify(cl call, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var eb errorBody
	detail := http.StatusText(resp.StatusCode)
	if json.Unmarshal(raw, &eb) == nil && len(eb.Detail) > 0 {
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			detail = s
		} else {
			detail = string(eb.Detail)
		}
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Detail: detail}
	case cl.auth && (status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity):
		return &AuthError{Status: status, Detail: detail}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &validation.ValidationError{Field: "request", Message: detail}
	case status == http.StatusNotFound:
		return &NotFoundError{Detail: detail}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Detail: detail, DailyCount: eb.DailyCount}
	default:
		return &TransientNetworkError{Op: cl.op, Status: status, Err: errors.New(detail)}
	}
}

func resultLabel(err error) string {
	var (
		authErr      *AuthError
		notFoundErr  *NotFoundError
		rateLimitErr *RateLimitError
		validErr     *validation.ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &notFoundErr):
		return "not_found"
	case errors.As(err, &rateLimitErr):
		return "rate_limited"
	case errors.As(err, &validErr):
		return "invalid"
	default:
		return "transient"
	}
}
