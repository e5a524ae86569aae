package models

import "strings"

var catalogue = []RegionInfo{
	{
		ID:   RegionAmerica,
		Name: "America",
		Countries: []Country{
			{Code: "US", Name: "United States"},
			{Code: "CA", Name: "Canada"},
			{Code: "MX", Name: "Mexico"},
			{Code: "BR", Name: "Brazil"},
		},
	},
	{
		ID:   RegionEurope,
		Name: "Europe",
		Countries: []Country{
			{Code: "GB", Name: "United Kingdom"},
			{Code: "DE", Name: "Germany"},
			{Code: "FR", Name: "France"},
			{Code: "IT", Name: "Italy"},
			{Code: "ES", Name: "Spain"},
			{Code: "NL", Name: "Netherlands"},
			{Code: "PL", Name: "Poland"},
		},
	},
	{
		ID:   RegionAsia,
		Name: "Asia",
		Countries: []Country{
			{Code: "IN", Name: "India"},
			{Code: "CN", Name: "China"},
			{Code: "JP", Name: "Japan"},
			{Code: "SG", Name: "Singapore"},
			{Code: "TH", Name: "Thailand"},
			{Code: "MY", Name: "Malaysia"},
			{Code: "PH", Name: "Philippines"},
			{Code: "ID", Name: "Indonesia"},
			{Code: "VN", Name: "Vietnam"},
			{Code: "KR", Name: "South Korea"},
		},
	},
}

// Regions returns a copy of the region catalogue.
func Regions() []RegionInfo {
	out := make([]RegionInfo, len(catalogue))
	for i, r := range catalogue {
		out[i] = RegionInfo{
			ID:        r.ID,
			Name:      r.Name,
			Countries: append([]Country(nil), r.Countries...),
		}
	}
	return out
}

// ParseRegion normalizes user input into a Region. "americas" is accepted
// as an alias of "america".
func ParseRegion(s string) (Region, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "america", "americas":
		return RegionAmerica, true
	case "europe":
		return RegionEurope, true
	case "asia":
		return RegionAsia, true
	}
	return "", false
}

// Valid reports whether r is one of the known regions.
func (r Region) Valid() bool {
	switch r {
	case RegionAmerica, RegionEurope, RegionAsia:
		return true
	}
	return false
}

// HasCountry reports whether the country code belongs to the region.
func (r Region) HasCountry(code string) bool {
	code = strings.ToUpper(code)
	for _, info := range catalogue {
		if info.ID != r {
			continue
		}
		for _, c := range info.Countries {
			if c.Code == code {
				return true
			}
		}
	}
	return false
}
