package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"coupon-finder/internal/cache"
	"coupon-finder/internal/events"
	"coupon-finder/internal/features"
	"coupon-finder/internal/logger"
	"coupon-finder/internal/metrics"
	"coupon-finder/internal/models"
	"coupon-finder/internal/session"
	"coupon-finder/internal/upstream"
	"coupon-finder/internal/validation"
)

const (
	resourceCoupons = "coupons"
	resourceStores  = "stores"
	resourceRegions = "regions"
)

var (
	// ErrLimitReached is returned when the daily reveal allowance is used up.
	ErrLimitReached = errors.New("daily reveal limit reached")
	// ErrCopyFailed wraps a CodeSink failure.
	ErrCopyFailed = errors.New("failed to copy coupon code")
)

// Backend is the coupon REST API.
type Backend interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)
	ListCoupons(ctx context.Context, token string, f models.ListFilter) (models.CouponList, error)
	ListStores(ctx context.Context, token string, f models.ListFilter) (models.StoreList, error)
	Reveal(ctx context.Context, token, couponID string) (*models.RevealResponse, error)
	Regions(ctx context.Context) ([]models.RegionInfo, error)
}

// CodeSink receives a revealed code, e.g. to place it on a clipboard.
type CodeSink interface {
	Copy(ctx context.Context, code string) error
}

// NopSink discards codes.
type NopSink struct{}

func (NopSink) Copy(context.Context, string) error { return nil }

// Options carries the optional collaborators of a Service.
type Options struct {
	Events    *events.Manager
	Features  *features.Manager
	Sink      CodeSink
	StaleTime time.Duration
}

// Service provides the session agent's operations on top of the session
// store, the list caches and the backend.
type Service struct {
	store    *session.Store
	backend  Backend
	events   *events.Manager
	features *features.Manager
	sink     CodeSink

	coupons *cache.Client[models.CouponList]
	stores  *cache.Client[models.StoreList]
	regions *cache.Client[[]models.RegionInfo]

	// revealMu makes check, reveal and count one step so concurrent
	// reveals cannot overshoot the daily limit.
	revealMu sync.Mutex
}

// NewService creates a new service instance.
func NewService(store *session.Store, backend Backend, opts Options) *Service {
	if opts.Events == nil {
		opts.Events = events.NewManager(false)
	}
	if opts.Features == nil {
		opts.Features = features.Defaults(nil)
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}

	return &Service{
		store:    store,
		backend:  backend,
		events:   opts.Events,
		features: opts.Features,
		sink:     opts.Sink,
		coupons:  cache.New[models.CouponList](resourceCoupons, cache.WithStaleTime(opts.StaleTime)),
		stores:   cache.New[models.StoreList](resourceStores, cache.WithStaleTime(opts.StaleTime)),
		regions:  cache.New[[]models.RegionInfo](resourceRegions),
	}
}

// View renders a session snapshot for the UI.
func View(s session.Session) models.SessionView {
	return models.SessionView{
		User:             s.User,
		Authenticated:    s.Authenticated(),
		Region:           s.Region,
		Country:          s.Country,
		SearchQuery:      s.SearchQuery,
		DailyRevealCount: s.DailyRevealCount,
		DailyLimit:       session.DailyRevealLimit,
		Remaining:        session.Remaining(s),
		CanReveal:        session.CanReveal(s),
		ShowInterstitial: session.ShouldShowInterstitial(s),
	}
}

// Session returns the current session view.
func (s *Service) Session() models.SessionView {
	return View(s.store.Snapshot())
}

// Register creates an account and signs the session in.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (models.SessionView, error) {
	if err := validation.ValidateRegistration(&req); err != nil {
		return models.SessionView{}, err
	}

	resp, err := s.backend.Register(ctx, req)
	if err != nil {
		return models.SessionView{}, fmt.Errorf("registration failed: %w", err)
	}
	return s.signIn(ctx, resp), nil
}

// Login signs the session in with existing credentials.
func (s *Service) Login(ctx context.Context, req models.LoginRequest) (models.SessionView, error) {
	if err := validation.ValidateLogin(&req); err != nil {
		return models.SessionView{}, err
	}

	resp, err := s.backend.Login(ctx, req)
	if err != nil {
		return models.SessionView{}, fmt.Errorf("login failed: %w", err)
	}
	return s.signIn(ctx, resp), nil
}

func (s *Service) signIn(ctx context.Context, resp *models.AuthResponse) models.SessionView {
	user := resp.User
	s.store.SetUser(&user)
	s.store.SetCredential(resp.Token)
	s.invalidateLists()

	snap := s.store.Snapshot()
	s.publish(ctx, events.EventLoggedIn, events.SessionData{
		UserID:  user.ID,
		Region:  snap.Region,
		Country: snap.Country,
	})
	logger.Info("session signed in", logger.String("user_id", user.ID))
	return View(snap)
}

// Logout clears identity and credential. Filters and usage stay.
func (s *Service) Logout(ctx context.Context) models.SessionView {
	before := s.store.Snapshot()
	s.store.Logout()
	s.invalidateLists()

	var userID string
	if before.User != nil {
		userID = before.User.ID
	}
	s.publish(ctx, events.EventLoggedOut, events.SessionData{
		UserID:  userID,
		Region:  before.Region,
		Country: before.Country,
	})
	return s.Session()
}

// SetRegion switches the region filter and clears the country.
func (s *Service) SetRegion(ctx context.Context, raw string) (models.SessionView, error) {
	region, err := validation.ValidateRegion(raw)
	if err != nil {
		return models.SessionView{}, err
	}

	s.store.SetRegion(region)
	s.publish(ctx, events.EventRegionChanged, events.SessionData{Region: region})
	return s.Session(), nil
}

// SetCountry selects a country of the current region. Empty clears it.
func (s *Service) SetCountry(raw string) (models.SessionView, error) {
	country, err := validation.ValidateCountry(s.store.Snapshot().Region, raw)
	if err != nil {
		return models.SessionView{}, err
	}

	s.store.SetCountry(country)
	return s.Session(), nil
}

// SetSearch stores the free-text search.
func (s *Service) SetSearch(raw string) (models.SessionView, error) {
	q, err := validation.ValidateSearch(raw)
	if err != nil {
		return models.SessionView{}, err
	}

	s.store.SetSearchQuery(q)
	return s.Session(), nil
}

// AcknowledgeInterstitial clears a pending interstitial.
func (s *Service) AcknowledgeInterstitial() models.SessionView {
	s.store.AcknowledgeInterstitial()
	return s.Session()
}

// ResetDailyCount zeroes the usage counter. trigger names the caller.
func (s *Service) ResetDailyCount(ctx context.Context, trigger string) {
	prev := s.store.Snapshot().DailyRevealCount
	s.store.ResetDailyCount()
	metrics.DailyRevealCount.Set(0)

	s.publish(ctx, events.EventDailyCountReset, events.UsageResetData{
		PreviousCount: prev,
		Trigger:       trigger,
	})
	logger.Info("daily reveal count reset",
		logger.Int("previous_count", prev),
		logger.String("trigger", trigger))
}

// LastDailyReset reports when the usage counter was last zeroed. The zero
// time means no reset has been recorded.
func (s *Service) LastDailyReset() time.Time {
	return s.store.Snapshot().LastResetAt
}

// Filter merges the session's filter with per-view overrides. Empty
// override fields inherit from the session.
func (s *Service) Filter(overrides models.ListFilter) (models.ListFilter, error) {
	snap := s.store.Snapshot()

	f := overrides
	if f.Region == "" {
		f.Region = snap.Region
		if f.Country == "" {
			f.Country = snap.Country
		}
	}
	if f.Search == "" {
		f.Search = snap.SearchQuery
	}

	if err := validation.ValidateFilter(&f); err != nil {
		return models.ListFilter{}, err
	}
	return f, nil
}

// ListCoupons returns coupons for the merged filter.
func (s *Service) ListCoupons(ctx context.Context, overrides models.ListFilter) (models.CouponList, error) {
	f, err := s.Filter(overrides)
	if err != nil {
		return models.CouponList{}, err
	}
	// store_type is a store attribute only.
	f.StoreType = ""
	return s.listCoupons(ctx, f)
}

func (s *Service) listCoupons(ctx context.Context, f models.ListFilter) (models.CouponList, error) {
	token := s.store.Snapshot().Credential
	fetch := func(ctx context.Context) (models.CouponList, error) {
		return s.backend.ListCoupons(ctx, token, f)
	}

	var (
		list models.CouponList
		err  error
	)
	if s.features.IsEnabled(features.FeatureFetchCache) {
		res := s.coupons.Query(ctx, cache.KeyFor(resourceCoupons, f), fetch)
		list, err = res.Data, res.Err
	} else {
		list, err = fetch(ctx)
	}
	if err != nil {
		s.handleBackendError(ctx, err)
		return models.CouponList{}, fmt.Errorf("failed to list coupons: %w", err)
	}
	return list, nil
}

// ListStores returns stores for the merged filter.
func (s *Service) ListStores(ctx context.Context, overrides models.ListFilter) (models.StoreList, error) {
	f, err := s.Filter(overrides)
	if err != nil {
		return models.StoreList{}, err
	}
	// store_id narrows coupons only.
	f.StoreID = 0
	return s.listStores(ctx, f)
}

func (s *Service) listStores(ctx context.Context, f models.ListFilter) (models.StoreList, error) {
	token := s.store.Snapshot().Credential
	fetch := func(ctx context.Context) (models.StoreList, error) {
		return s.backend.ListStores(ctx, token, f)
	}

	var (
		list models.StoreList
		err  error
	)
	if s.features.IsEnabled(features.FeatureFetchCache) {
		res := s.stores.Query(ctx, cache.KeyFor(resourceStores, f), fetch)
		list, err = res.Data, res.Err
	} else {
		list, err = fetch(ctx)
	}
	if err != nil {
		s.handleBackendError(ctx, err)
		return models.StoreList{}, fmt.Errorf("failed to list stores: %w", err)
	}
	return list, nil
}

// Browse loads coupons and stores for the same filter concurrently.
func (s *Service) Browse(ctx context.Context, overrides models.ListFilter) (models.Browse, error) {
	f, err := s.Filter(overrides)
	if err != nil {
		return models.Browse{}, err
	}

	out := models.Browse{Filter: f}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cf := f
		cf.StoreType = ""
		list, err := s.listCoupons(gctx, cf)
		out.Coupons = list
		return err
	})
	g.Go(func() error {
		sf := f
		sf.StoreID = 0
		list, err := s.listStores(gctx, sf)
		out.Stores = list
		return err
	})
	if err := g.Wait(); err != nil {
		return models.Browse{}, err
	}
	return out, nil
}

// Regions returns the backend's region catalogue, falling back to the
// built-in one when the backend cannot be reached.
func (s *Service) Regions(ctx context.Context) []models.RegionInfo {
	res := s.regions.Query(ctx, cache.Key{Resource: resourceRegions}, s.backend.Regions)
	if res.Err != nil || len(res.Data) == 0 {
		if res.Err != nil {
			logger.Debug("using built-in region catalogue", logger.Err(res.Err))
		}
		return models.Regions()
	}
	return res.Data
}

// Reveal runs the reveal flow for one coupon: admission check, backend
// reveal, code hand-off, then counting. Nothing is counted unless every
// earlier step succeeded.
func (s *Service) Reveal(ctx context.Context, couponID, code string) (models.RevealResult, error) {
	couponID, err := validation.ValidateCouponID(couponID)
	if err != nil {
		return models.RevealResult{}, err
	}

	s.revealMu.Lock()
	defer s.revealMu.Unlock()

	snap := s.store.Snapshot()
	data := events.RevealData{
		CouponID:         couponID,
		Region:           snap.Region,
		Country:          snap.Country,
		DailyRevealCount: snap.DailyRevealCount,
		Remaining:        session.Remaining(snap),
	}

	if !session.CanReveal(snap) {
		metrics.Reveals.WithLabelValues("limit_reached").Inc()
		if s.hooks() {
			s.events.PublishRevealRefused(ctx, data)
		}
		return models.RevealResult{}, ErrLimitReached
	}

	resp, err := s.backend.Reveal(ctx, snap.Credential, couponID)
	if err != nil {
		metrics.Reveals.WithLabelValues("backend_error").Inc()
		s.handleBackendError(ctx, err)
		return models.RevealResult{}, fmt.Errorf("failed to reveal coupon: %w", err)
	}

	if code != "" {
		if err := s.sink.Copy(ctx, code); err != nil {
			metrics.Reveals.WithLabelValues("copy_error").Inc()
			return models.RevealResult{}, fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
	}

	after := s.store.RecordReveal()
	metrics.Reveals.WithLabelValues("ok").Inc()
	metrics.DailyRevealCount.Set(float64(after.DailyRevealCount))

	data.DailyRevealCount = after.DailyRevealCount
	data.Remaining = session.Remaining(after)
	if s.hooks() {
		s.events.PublishReveal(ctx, data)
		if after.InterstitialPending && !snap.InterstitialPending {
			s.events.PublishInterstitial(ctx, data)
		}
	}

	return models.RevealResult{
		CouponID:         couponID,
		Code:             code,
		RedirectURL:      resp.AffiliateURL,
		DailyRevealCount: after.DailyRevealCount,
		Remaining:        session.Remaining(after),
		ShowInterstitial: session.ShouldShowInterstitial(after),
	}, nil
}

// handleBackendError applies the session side effects of a failed
// credentialed call.
func (s *Service) handleBackendError(ctx context.Context, err error) {
	var (
		authErr      *upstream.AuthError
		notFoundErr  *upstream.NotFoundError
		rateLimitErr *upstream.RateLimitError
	)
	switch {
	case errors.As(err, &authErr):
		if s.store.Snapshot().Authenticated() {
			logger.Warn("backend rejected credential, signing out", logger.Err(err))
			s.Logout(ctx)
		}
	case errors.As(err, &notFoundErr):
		s.coupons.InvalidateAll()
	case errors.As(err, &rateLimitErr):
		if rateLimitErr.DailyCount != nil {
			s.store.ReconcileDailyCount(*rateLimitErr.DailyCount)
			metrics.DailyRevealCount.Set(float64(s.store.Snapshot().DailyRevealCount))
		}
	}
}

func (s *Service) invalidateLists() {
	s.coupons.InvalidateAll()
	s.stores.InvalidateAll()
}

func (s *Service) hooks() bool {
	return s.features.IsEnabled(features.FeatureEventHooks)
}

func (s *Service) publish(ctx context.Context, t events.EventType, data any) {
	if s.hooks() {
		s.events.Publish(ctx, t, data)
	}
}
