package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"adsingest/internal/types"
)

// EntityLookup finds internal entities. *db.TargetRepository satisfies it.
type EntityLookup interface {
	FindTarget(ctx context.Context, key types.TargetKey) (string, bool, error)
	FindProduct(ctx context.Context, key types.ProductKey) (string, bool, error)
}

// Report target.matchType values.
const (
	reportMatchExpression           = "TARGETING_EXPRESSION"
	reportMatchExpressionPredefined = "TARGETING_EXPRESSION_PREDEFINED"
)

var asinExpr = regexp.MustCompile(`(?i)^\s*(asin|asin-expanded)\s*=\s*"?([A-Za-z0-9]+)"?\s*$`)

// Predefined auto-targeting clauses, in both the report's display form and
// the API's expression form.
var autoClauses = map[string]types.MatchType{
	"close-match":           types.MatchAutoClose,
	"queryhighrelmatches":   types.MatchAutoClose,
	"loose-match":           types.MatchAutoLoose,
	"querybroadrelmatches":  types.MatchAutoLoose,
	"substitutes":           types.MatchAutoSubstitutes,
	"asinsubstituterelated": types.MatchAutoSubstitutes,
	"complements":           types.MatchAutoComplements,
	"asinaccessoryrelated":  types.MatchAutoComplements,
}

// ParseExpression classifies a targeting expression. ASIN expressions yield
// PRODUCT_EXACT or PRODUCT_SIMILAR with the ASIN as value; predefined
// clauses yield an AUTO match type with an empty value.
func ParseExpression(expr string) (types.TargetKey, error) {
	if m := asinExpr.FindStringSubmatch(expr); m != nil {
		mt := types.MatchProductExact
		if strings.EqualFold(m[1], "asin-expanded") {
			mt = types.MatchProductSimilar
		}
		return types.TargetKey{TargetType: types.TargetProduct, MatchType: mt, Value: strings.ToUpper(m[2])}, nil
	}
	clause := strings.ToLower(strings.Trim(strings.TrimSpace(expr), `"`))
	if mt, ok := autoClauses[clause]; ok {
		return types.TargetKey{TargetType: types.TargetAuto, MatchType: mt}, nil
	}
	return types.TargetKey{}, types.NewAppError(
		types.ErrCodeResolutionBadExpression,
		fmt.Sprintf("unsupported targeting expression %q", expr),
		nil,
	)
}

// TargetKeyFor derives the lookup key for a targeting row. When the target
// columns are empty the matched target text is used as an EXACT keyword.
func TargetKeyFor(accountID string, row *TargetRow) (types.TargetKey, error) {
	value := strings.TrimSpace(row.TargetValue)
	match := strings.ToUpper(strings.TrimSpace(row.TargetMatch))

	var key types.TargetKey
	switch {
	case value == "" && match == "":
		fallback := strings.TrimSpace(row.MatchedTarget)
		if fallback == "" {
			return types.TargetKey{}, types.NewAppError(types.ErrCodeResolutionNoEntity, "row has no target and no matched target", nil)
		}
		key = types.TargetKey{TargetType: types.TargetKeyword, MatchType: types.MatchExact, Value: fallback}
	case types.MatchType(match).IsKeyword():
		key = types.TargetKey{TargetType: types.TargetKeyword, MatchType: types.MatchType(match), Value: value}
	case match == reportMatchExpression, match == reportMatchExpressionPredefined, match == "":
		parsed, err := ParseExpression(value)
		if err != nil {
			return types.TargetKey{}, err
		}
		key = parsed
	default:
		return types.TargetKey{}, types.NewAppError(types.ErrCodeResolutionBadExpression, fmt.Sprintf("unknown match type %q", row.TargetMatch), nil)
	}
	key.AccountID = accountID
	key.AdGroupID = string(row.AdGroupID)
	return key, nil
}

// Resolver maps rows to internal entity ids, caching lookups for the life of
// one report.
type Resolver struct {
	lookup    EntityLookup
	accountID string
	targets   map[types.TargetKey]string
	products  map[types.ProductKey]string
}

// NewResolver creates a Resolver for one account's report.
func NewResolver(lookup EntityLookup, accountID string) *Resolver {
	return &Resolver{
		lookup:    lookup,
		accountID: accountID,
		targets:   make(map[types.TargetKey]string),
		products:  make(map[types.ProductKey]string),
	}
}

// ResolveTarget returns the entity id and match type of a targeting row.
func (r *Resolver) ResolveTarget(ctx context.Context, row *TargetRow, raw json.RawMessage) (string, types.MatchType, error) {
	key, err := TargetKeyFor(r.accountID, row)
	if err != nil {
		return "", "", withRow(err, raw)
	}
	if id, ok := r.targets[key]; ok {
		return id, key.MatchType, nil
	}
	id, found, err := r.lookup.FindTarget(ctx, key)
	if err != nil {
		return "", "", err
	}
	if !found {
		return "", "", noEntity(fmt.Sprintf("no %s target %q (%s) in ad group %s", strings.ToLower(string(key.TargetType)), key.Value, key.MatchType, key.AdGroupID), raw)
	}
	r.targets[key] = id
	return id, key.MatchType, nil
}

// ResolveProduct returns the entity id of an advertised-product row.
func (r *Resolver) ResolveProduct(ctx context.Context, row *ProductRow, raw json.RawMessage) (string, error) {
	key := types.ProductKey{
		AccountID: r.accountID,
		AdID:      string(row.AdID),
		AdGroupID: string(row.AdGroupID),
		ASIN:      row.ASIN,
	}
	if id, ok := r.products[key]; ok {
		return id, nil
	}
	id, found, err := r.lookup.FindProduct(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", noEntity(fmt.Sprintf("no product for ad %s (asin %q)", key.AdID, key.ASIN), raw)
	}
	r.products[key] = id
	return id, nil
}

func noEntity(msg string, raw json.RawMessage) error {
	return types.NewAppErrorWithDetails(types.ErrCodeResolutionNoEntity, msg+": "+truncate(string(raw), 1024), nil,
		map[string]any{"row": string(raw)})
}

func withRow(err error, raw json.RawMessage) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.WithDetails(map[string]any{"row": string(raw)})
	}
	return err
}
