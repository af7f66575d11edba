// Package accounts resolves the marketplace facts the ingestor needs for an
// Ads account: its local time zone and its API region. It also loads the
// optional YAML roster that overrides or extends the accounts stored in
// Postgres.
package accounts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"adsingest/internal/types"
)

type marketplace struct {
	zone   string
	region types.Region
}

// marketplaces maps an Ads marketplace country code to the zone the reporting
// API uses for that marketplace's day and hour boundaries.
var marketplaces = map[string]marketplace{
	"US": {"America/Los_Angeles", types.RegionNA},
	"CA": {"America/Los_Angeles", types.RegionNA},
	"MX": {"America/Los_Angeles", types.RegionNA},
	"BR": {"America/Sao_Paulo", types.RegionNA},
	"UK": {"Europe/London", types.RegionEU},
	"GB": {"Europe/London", types.RegionEU},
	"IE": {"Europe/Dublin", types.RegionEU},
	"DE": {"Europe/Berlin", types.RegionEU},
	"FR": {"Europe/Paris", types.RegionEU},
	"IT": {"Europe/Rome", types.RegionEU},
	"ES": {"Europe/Madrid", types.RegionEU},
	"NL": {"Europe/Amsterdam", types.RegionEU},
	"BE": {"Europe/Brussels", types.RegionEU},
	"SE": {"Europe/Stockholm", types.RegionEU},
	"PL": {"Europe/Warsaw", types.RegionEU},
	"TR": {"Europe/Istanbul", types.RegionEU},
	"AE": {"Asia/Dubai", types.RegionEU},
	"SA": {"Asia/Riyadh", types.RegionEU},
	"EG": {"Africa/Cairo", types.RegionEU},
	"IN": {"Asia/Kolkata", types.RegionEU},
	"ZA": {"Africa/Johannesburg", types.RegionEU},
	"JP": {"Asia/Tokyo", types.RegionFE},
	"AU": {"Australia/Sydney", types.RegionFE},
	"SG": {"Asia/Singapore", types.RegionFE},
}

var (
	locMu    sync.RWMutex
	locCache = make(map[string]*time.Location)
)

func lookup(countryCode string) (marketplace, error) {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	m, ok := marketplaces[code]
	if !ok {
		return marketplace{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidCountry,
			fmt.Sprintf("unsupported marketplace country %q", countryCode),
			nil,
			map[string]any{"country_code": countryCode},
		)
	}
	return m, nil
}

// Location returns the time zone of the marketplace identified by countryCode.
// Loaded zones are cached for the life of the process.
func Location(countryCode string) (*time.Location, error) {
	m, err := lookup(countryCode)
	if err != nil {
		return nil, err
	}

	locMu.RLock()
	loc, ok := locCache[m.zone]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err = time.LoadLocation(m.zone)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("loading time zone %s", m.zone),
			err,
		)
	}

	locMu.Lock()
	locCache[m.zone] = loc
	locMu.Unlock()
	return loc, nil
}

// RegionFor returns the Ads API region serving the marketplace.
func RegionFor(countryCode string) (types.Region, error) {
	m, err := lookup(countryCode)
	if err != nil {
		return "", err
	}
	return m.region, nil
}
