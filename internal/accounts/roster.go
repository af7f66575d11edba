package accounts

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"adsingest/internal/types"
)

// rosterFile is the on-disk shape of an accounts roster:
//
//	accounts:
//	  - account_id: "1234567890"
//	    country_code: US
//	    enabled: true
type rosterFile struct {
	Accounts []types.Account `yaml:"accounts"`
}

// LoadRoster reads a YAML account roster. Every entry must name a supported
// marketplace; an entry without an explicit enabled flag is enabled.
func LoadRoster(path string) ([]types.Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading account roster %s: %w", path, err)
	}
	return parseRoster(raw)
}

func parseRoster(raw []byte) ([]types.Account, error) {
	var doc struct {
		Accounts []struct {
			ID          string `yaml:"account_id"`
			CountryCode string `yaml:"country_code"`
			Enabled     *bool  `yaml:"enabled"`
		} `yaml:"accounts"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing account roster: %w", err)
	}

	out := make([]types.Account, 0, len(doc.Accounts))
	for i, a := range doc.Accounts {
		if strings.TrimSpace(a.ID) == "" {
			return nil, types.NewAppError(
				types.ErrCodeValidationMissingField,
				fmt.Sprintf("roster entry %d has no account_id", i),
				nil,
			)
		}
		if _, err := lookup(a.CountryCode); err != nil {
			return nil, fmt.Errorf("roster entry %s: %w", a.ID, err)
		}
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		out = append(out, types.Account{
			ID:          strings.TrimSpace(a.ID),
			CountryCode: strings.ToUpper(strings.TrimSpace(a.CountryCode)),
			Enabled:     enabled,
		})
	}
	return out, nil
}

// MarshalRoster renders accounts in roster form.
func MarshalRoster(accts []types.Account) ([]byte, error) {
	return yaml.Marshal(rosterFile{Accounts: accts})
}

// AccountLister is the persistent account source.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]types.Account, error)
}

// Source merges the persistent account list with an optional roster. Roster
// entries win over stored accounts with the same ID.
type Source struct {
	store  AccountLister
	roster []types.Account
}

// NewSource creates a Source. store may be nil when the roster is the only
// source of accounts.
func NewSource(store AccountLister, roster []types.Account) *Source {
	return &Source{store: store, roster: roster}
}

// Enabled returns every enabled account, sorted by ID.
func (s *Source) Enabled(ctx context.Context) ([]types.Account, error) {
	byID := make(map[string]types.Account)
	if s.store != nil {
		stored, err := s.store.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range stored {
			byID[a.ID] = a
		}
	}
	for _, a := range s.roster {
		byID[a.ID] = a
	}

	out := make([]types.Account, 0, len(byID))
	for _, a := range byID {
		if a.Enabled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a single account by ID, enabled or not.
func (s *Source) Get(ctx context.Context, accountID string) (types.Account, error) {
	all := make([]types.Account, 0)
	if s.store != nil {
		stored, err := s.store.ListAccounts(ctx)
		if err != nil {
			return types.Account{}, err
		}
		all = append(all, stored...)
	}
	all = append(all, s.roster...)

	var found *types.Account
	for i := range all {
		if all[i].ID == accountID {
			found = &all[i]
		}
	}
	if found == nil {
		return types.Account{}, types.NewAppError(
			types.ErrCodeNotFoundAccount,
			fmt.Sprintf("account %s not found", accountID),
			nil,
		)
	}
	return *found, nil
}
