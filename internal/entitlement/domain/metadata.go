package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Product metadata keys read from the provider.
const (
	MetaSchemaVersion = "schema_version"
	MetaTier          = "tier"
	MetaFeatureFlags  = "featureFlags"
	MetaSeats         = "seats"
	MetaLocations     = "locations"
	MetaRefreshQuota  = "refreshQuota"
	MetaUsageFeature  = "usage_feature"
	MetaQuotaPrefix   = "quota_"
)

// ProductMetadata is the validated form of a product's flat string map.
// Absent or malformed keys stay nil so tier defaults apply.
type ProductMetadata struct {
	SchemaVersion int
	Tier          string
	Features      []string
	HasFeatures   bool
	Seats         *int
	Locations     *int
	RefreshQuota  *int
	Quotas        map[string]int64
	UsageFeature  string
}

// ParseProductMetadata never fails; problems are returned as warnings and the
// offending key is dropped.
func ParseProductMetadata(raw map[string]string) (ProductMetadata, []string) {
	meta := ProductMetadata{SchemaVersion: SchemaVersion}
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	if v, ok := raw[MetaSchemaVersion]; ok {
		version, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || version != SchemaVersion {
			warn("unsupported metadata schema_version %q, reading as version %d", v, SchemaVersion)
		}
	}

	meta.Tier = strings.ToUpper(strings.TrimSpace(raw[MetaTier]))

	if v, ok := raw[MetaFeatureFlags]; ok {
		var flags []string
		if err := json.Unmarshal([]byte(v), &flags); err != nil {
			warn("featureFlags is not a JSON string array: %v", err)
		} else {
			meta.Features = NormalizeFeatures(flags)
			meta.HasFeatures = true
		}
	}

	meta.Seats = parseLimit(raw, MetaSeats, warn)
	meta.Locations = parseLimit(raw, MetaLocations, warn)
	meta.RefreshQuota = parseLimit(raw, MetaRefreshQuota, warn)
	if meta.RefreshQuota == nil {
		meta.RefreshQuota = parseLimit(raw, "refresh_quota", warn)
	}

	for key, value := range raw {
		feature, ok := strings.CutPrefix(key, MetaQuotaPrefix)
		if !ok || feature == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			warn("quota %s is not a non-negative integer: %q", feature, value)
			continue
		}
		if meta.Quotas == nil {
			meta.Quotas = map[string]int64{}
		}
		meta.Quotas[feature] = n
	}

	meta.UsageFeature = strings.TrimSpace(raw[MetaUsageFeature])
	sort.Strings(warnings)
	return meta, warnings
}

func parseLimit(raw map[string]string, key string, warn func(string, ...any)) *int {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		warn("%s is not a non-negative integer: %q", key, v)
		return nil
	}
	return &n
}

// NormalizeFeatures trims, drops empties, de-duplicates and sorts.
func NormalizeFeatures(features []string) []string {
	cleaned := lo.FilterMap(features, func(f string, _ int) (string, bool) {
		f = strings.TrimSpace(f)
		return f, f != ""
	})
	cleaned = lo.Uniq(cleaned)
	sort.Strings(cleaned)
	return cleaned
}
