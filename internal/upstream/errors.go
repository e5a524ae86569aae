package upstream

import "fmt"

// AuthError means the backend rejected the credential or the submitted
// login/registration.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Detail)
}

// NotFoundError means the requested coupon or store does not exist.
type NotFoundError struct {
	Detail string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Detail
}

// RateLimitError means the backend refused the request because the daily
// allowance is used up. DailyCount is set when the backend reported its own
// counter.
type RateLimitError struct {
	Detail     string
	DailyCount *int
}

func (e *RateLimitError) Error() string {
	if e.DailyCount != nil {
		return fmt.Sprintf("rate limited (daily count %d): %s", *e.DailyCount, e.Detail)
	}
	return "rate limited: " + e.Detail
}

// TransientNetworkError covers transport failures and 5xx answers. Retrying
// later may succeed.
type TransientNetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientNetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: backend returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}
