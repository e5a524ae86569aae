package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"coupon-finder/internal/models"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	maxSearchLength  = 100
	maxCouponIDLen   = 128
	minPasswordLen   = 8
)

var (
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	categoryRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,49}$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateCouponID checks an opaque coupon id. The backend owns the id
// format, so only emptiness, length and characters that would change the
// request path are rejected.
func ValidateCouponID(id string) (string, error) {
	id = SanitizeString(id)
	if id == "" {
		return "", &ValidationError{
			Field:   "coupon_id",
			Message: "is required",
		}
	}
	if len(id) > maxCouponIDLen {
		return "", &ValidationError{
			Field:   "coupon_id",
			Message: fmt.Sprintf("cannot exceed %d characters", maxCouponIDLen),
		}
	}
	if strings.ContainsAny(id, "/\\?#%") || strings.ContainsFunc(id, unicode.IsSpace) || id == "." || id == ".." {
		return "", &ValidationError{
			Field:   "coupon_id",
			Message: "contains characters not allowed in an id",
		}
	}
	return id, nil
}

// ValidateRegion parses a region name.
func ValidateRegion(value string) (models.Region, error) {
	if value == "" {
		return "", &ValidationError{Field: "region", Message: "is required"}
	}
	region, ok := models.ParseRegion(value)
	if !ok {
		return "", &ValidationError{
			Field:   "region",
			Message: "must be one of america, europe, asia",
		}
	}
	return region, nil
}

// ValidateCountry checks that a non-empty country code belongs to region and
// returns it upper-cased. An empty code is valid and means "any country".
func ValidateCountry(region models.Region, code string) (string, error) {
	code = strings.ToUpper(SanitizeString(code))
	if code == "" {
		return "", nil
	}
	if !region.HasCountry(code) {
		return "", &ValidationError{
			Field:   "country",
			Message: fmt.Sprintf("%s is not available in region %s", code, region),
		}
	}
	return code, nil
}

// ValidateRegistration checks a registration form and normalizes it in place.
func ValidateRegistration(req *models.RegisterRequest) error {
	req.Email = strings.ToLower(SanitizeString(req.Email))
	req.FullName = SanitizeString(req.FullName)

	if req.Email == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if !emailRegex.MatchString(req.Email) {
		return &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if err := validatePassword(req.Password); err != nil {
		return err
	}
	if req.FullName == "" {
		return &ValidationError{Field: "full_name", Message: "is required"}
	}
	if len(req.FullName) > 100 {
		return &ValidationError{Field: "full_name", Message: "cannot exceed 100 characters"}
	}

	region, err := ValidateRegion(string(req.Region))
	if err != nil {
		return err
	}
	req.Region = region

	if strings.TrimSpace(req.Country) == "" {
		return &ValidationError{Field: "country", Message: "is required"}
	}
	country, err := ValidateCountry(region, req.Country)
	if err != nil {
		return err
	}
	req.Country = country

	return nil
}

// ValidateLogin checks a login form.
func ValidateLogin(req *models.LoginRequest) error {
	req.Email = strings.ToLower(SanitizeString(req.Email))
	if req.Email == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if req.Password == "" {
		return &ValidationError{Field: "password", Message: "is required"}
	}
	return nil
}

func validatePassword(p string) error {
	if len(p) < minPasswordLen {
		return &ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("must be at least %d characters", minPasswordLen),
		}
	}
	var letter, digit bool
	for _, r := range p {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return &ValidationError{
			Field:   "password",
			Message: "must contain at least one letter and one digit",
		}
	}
	return nil
}

// ValidateFilter normalizes a list filter: region is required, the limit
// defaults to DefaultListLimit, country must belong to the region.
func ValidateFilter(f *models.ListFilter) error {
	region, err := ValidateRegion(string(f.Region))
	if err != nil {
		return err
	}
	f.Region = region

	country, err := ValidateCountry(region, f.Country)
	if err != nil {
		return err
	}
	f.Country = country

	if f.StoreID < 0 {
		return &ValidationError{Field: "store_id", Message: "must be positive"}
	}

	switch f.StoreType {
	case "", models.StoreRetail, models.StoreFoodDelivery, models.StoreGrocery:
	default:
		return &ValidationError{
			Field:   "store_type",
			Message: "must be one of retail, food_delivery, grocery",
		}
	}

	f.Category = strings.ToLower(SanitizeString(f.Category))
	if f.Category != "" && !categoryRegex.MatchString(f.Category) {
		return &ValidationError{Field: "category", Message: "must be a category slug"}
	}

	search, err := ValidateSearch(f.Search)
	if err != nil {
		return err
	}
	f.Search = search

	switch {
	case f.Limit == 0:
		f.Limit = DefaultListLimit
	case f.Limit < 0:
		return &ValidationError{Field: "limit", Message: "must be positive"}
	case f.Limit > MaxListLimit:
		return &ValidationError{
			Field:   "limit",
			Message: fmt.Sprintf("cannot exceed %d", MaxListLimit),
		}
	}

	return nil
}

// ValidateSearch sanitizes a free-text query and bounds its length.
func ValidateSearch(q string) (string, error) {
	q = SanitizeString(q)
	if len(q) > maxSearchLength {
		return "", &ValidationError{
			Field:   "search",
			Message: fmt.Sprintf("cannot exceed %d characters", maxSearchLength),
		}
	}
	return q, nil
}
