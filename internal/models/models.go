package models

import (
	"fmt"
	"math"
	"time"
)

// Region is one of the three coarse geographic filters.
type Region string

const (
	RegionAmerica Region = "america"
	RegionEurope  Region = "europe"
	RegionAsia    Region = "asia"
)

// DiscountType describes how a coupon discounts an order.
type DiscountType string

const (
	DiscountPercentage   DiscountType = "percentage"
	DiscountFixed        DiscountType = "fixed"
	DiscountFreeShipping DiscountType = "free_shipping"
	DiscountBOGO         DiscountType = "bogo"
)

// StoreType classifies stores.
type StoreType string

const (
	StoreRetail       StoreType = "retail"
	StoreFoodDelivery StoreType = "food_delivery"
	StoreGrocery      StoreType = "grocery"
)

// User is the backend's view of an account. The session keeps a copy but the
// backend owns it.
type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FullName         string `json:"full_name"`
	IsPremium        bool   `json:"is_premium"`
	Region           Region `json:"region"`
	Country          string `json:"country"`
	DailyCouponCount int    `json:"daily_coupon_count"`
}

// Store is a merchant that publishes coupons.
type Store struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Slug               string    `json:"slug"`
	Domain             string    `json:"domain"`
	LogoURL            string    `json:"logo_url,omitempty"`
	Region             Region    `json:"region"`
	Country            string    `json:"country"`
	StoreType          StoreType `json:"store_type"`
	Category           string    `json:"category"`
	ActiveCouponsCount int       `json:"active_coupons_count"`
}

// Coupon is a single code published by a store. Read-only on this side.
type Coupon struct {
	ID              string       `json:"id"` // uuid
	StoreID         int64        `json:"store_id"`
	Code            string       `json:"code"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	DiscountType    DiscountType `json:"discount_type"`
	DiscountValue   *float64     `json:"discount_value,omitempty"`
	MinimumPurchase *float64     `json:"minimum_purchase,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	SuccessCount    int          `json:"success_count"`
	FailureCount    int          `json:"failure_count"`
	ViewCount       int          `json:"view_count"`
	ClickCount      int          `json:"click_count"`
	IsVerified      bool         `json:"is_verified"`
	IsExclusive     bool         `json:"is_exclusive"`
	Store           Store        `json:"store"`
}

// SuccessRate returns the rounded percentage of successful uses, or false
// when nobody has voted yet.
func (c Coupon) SuccessRate() (int, bool) {
	total := c.SuccessCount + c.FailureCount
	if total == 0 {
		return 0, false
	}
	return int(math.Round(float64(c.SuccessCount) / float64(total) * 100)), true
}

// DiscountLabel renders the badge text shown next to a coupon.
func (c Coupon) DiscountLabel() string {
	switch {
	case c.DiscountType == DiscountFreeShipping:
		return "FREE SHIPPING"
	case c.DiscountType == DiscountBOGO:
		return "BUY ONE GET ONE"
	case c.DiscountValue == nil:
		return ""
	case c.DiscountType == DiscountPercentage:
		return fmt.Sprintf("%g%% OFF", *c.DiscountValue)
	default:
		return fmt.Sprintf("$%g OFF", *c.DiscountValue)
	}
}

// Expired reports whether the coupon has an expiry before now.
func (c Coupon) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Country is a selectable country within a region.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// RegionInfo is a region with its country catalogue.
type RegionInfo struct {
	ID        Region    `json:"id"`
	Name      string    `json:"name"`
	Countries []Country `json:"countries"`
}

// ListFilter carries every parameter a list view can filter on.
type ListFilter struct {
	Region    Region    `json:"region"`
	Country   string    `json:"country,omitempty"`
	StoreID   int64     `json:"store_id,omitempty"`
	StoreType StoreType `json:"store_type,omitempty"`
	Category  string    `json:"category,omitempty"`
	Search    string    `json:"search,omitempty"`
	Limit     int       `json:"limit"`
}

// CouponList is one page of coupons.
type CouponList struct {
	Coupons []Coupon `json:"coupons"`
	Total   int      `json:"total"`
}

// StoreList is one page of stores.
type StoreList struct {
	Stores []Store `json:"stores"`
	Total  int     `json:"total"`
}

// Browse is the combined landing view: coupons and stores for one filter.
type Browse struct {
	Filter  ListFilter `json:"filter"`
	Coupons CouponList `json:"coupons"`
	Stores  StoreList  `json:"stores"`
}

// RegisterRequest is the body of a registration.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Region   Region `json:"region"`
	Country  string `json:"country"`
}

// LoginRequest is the body of a login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is what the backend returns on register and login.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// RevealResponse is the backend's answer to a reveal.
type RevealResponse struct {
	AffiliateURL string `json:"affiliate_url"`
}

// RevealResult is returned to the UI after a successful reveal.
type RevealResult struct {
	CouponID         string `json:"coupon_id"`
	Code             string `json:"code,omitempty"`
	RedirectURL      string `json:"redirect_url"`
	DailyRevealCount int    `json:"daily_reveal_count"`
	Remaining        int    `json:"remaining"`
	ShowInterstitial bool   `json:"show_interstitial"`
}

// SessionView is the UI-facing rendering of the session.
type SessionView struct {
	User             *User  `json:"user"`
	Authenticated    bool   `json:"authenticated"`
	Region           Region `json:"region"`
	Country          string `json:"country,omitempty"`
	SearchQuery      string `json:"search_query,omitempty"`
	DailyRevealCount int    `json:"daily_reveal_count"`
	DailyLimit       int    `json:"daily_limit"`
	Remaining        int    `json:"remaining"`
	CanReveal        bool   `json:"can_reveal"`
	ShowInterstitial bool   `json:"show_interstitial"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
