package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProductMetadata(t *testing.T) {
	meta, warnings := ParseProductMetadata(map[string]string{
		"tier":            "pro",
		"featureFlags":    `["sso", "audit", "sso", " "]`,
		"seats":           "25",
		"locations":       "ten",
		"refreshQuota":    "1000",
		"quota_api_calls": "100000",
		"quota_exports":   "-5",
		"usage_feature":   "api_calls",
	})

	assert.Equal(t, "PRO", meta.Tier)
	assert.True(t, meta.HasFeatures)
	assert.Equal(t, []string{"audit", "sso"}, meta.Features)
	require.NotNil(t, meta.Seats)
	assert.Equal(t, 25, *meta.Seats)
	assert.Nil(t, meta.Locations, "malformed limit falls back")
	require.NotNil(t, meta.RefreshQuota)
	assert.Equal(t, 1000, *meta.RefreshQuota)
	assert.Equal(t, map[string]int64{"api_calls": 100000}, meta.Quotas)
	assert.Equal(t, "api_calls", meta.UsageFeature)
	assert.Len(t, warnings, 2)
}

func TestParseProductMetadataMalformedFlags(t *testing.T) {
	meta, warnings := ParseProductMetadata(map[string]string{
		"tier":         "STARTER",
		"featureFlags": `sso,audit`,
	})
	assert.False(t, meta.HasFeatures)
	assert.Empty(t, meta.Features)
	assert.Len(t, warnings, 1)
}

func TestParseProductMetadataEmpty(t *testing.T) {
	meta, warnings := ParseProductMetadata(nil)
	assert.Equal(t, SchemaVersion, meta.SchemaVersion)
	assert.Empty(t, meta.Tier)
	assert.Empty(t, warnings)
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	sub := "sub_1"
	snap := Snapshot{Features: []string{"a", "b"}, Quotas: map[string]int64{"x": 1}, ExternalSubscriptionID: &sub}
	clone := snap.Clone()
	clone.Features[0] = "z"
	clone.Quotas["x"] = 2
	*clone.ExternalSubscriptionID = "sub_2"

	assert.Equal(t, "a", snap.Features[0])
	assert.EqualValues(t, 1, snap.Quotas["x"])
	assert.Equal(t, "sub_1", *snap.ExternalSubscriptionID)
	assert.True(t, snap.HasFeature("b"))
	assert.False(t, snap.HasFeature("c"))
}
