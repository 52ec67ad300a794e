package intent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBundleCompiles(t *testing.T) {
	b := DefaultBundle()
	require.NoError(t, b.Compile())

	assert.Len(t, b.CategoryOrder, len(b.Categories))
	assert.Equal(t, "ml-enhanced", b.MetaRouting.Algorithm)
	assert.Equal(t, 300, b.MetaRouting.CacheTTLSeconds)

	payment := b.Categories["payment"]
	require.NotNil(t, payment)
	assert.True(t, payment.MatchPath("/payments/123"))
	assert.True(t, payment.MatchPath("/billing"))
	assert.False(t, payment.MatchPath("/auth/login"))

	_, ok := b.FindRule("payments-path")
	assert.True(t, ok)
	_, ok = b.FindRule("nope")
	assert.False(t, ok)
}

func TestBundleUnmarshalPreservesCategoryOrder(t *testing.T) {
	raw := `{
		"metaRouting": {"algorithm": "ml-enhanced"},
		"intentCategories": {
			"zeta":  {"keywords": ["z"], "targetService": "analytics-service"},
			"alpha": {"keywords": ["a"], "targetService": "data-storage-service"},
			"mid":   {"keywords": ["m"], "targetService": "notification-service"}
		}
	}`
	var b Bundle
	require.NoError(t, json.Unmarshal([]byte(raw), &b))

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, b.CategoryOrder)
	require.NoError(t, b.Compile())
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, b.CategoryOrder)
}

func TestBundleCompileRejectsMissingTarget(t *testing.T) {
	b := &Bundle{
		Categories: map[string]*Category{
			"broken": {Keywords: []string{"x"}},
		},
	}
	assert.Error(t, b.Compile())
}

func TestBundleCompileRejectsBadPattern(t *testing.T) {
	b := &Bundle{
		Categories: map[string]*Category{
			"broken": {Patterns: []string{"["}, TargetService: "x"},
		},
	}
	assert.Error(t, b.Compile())
}

func TestLoadBundleFromDirectory(t *testing.T) {
	dir := t.TempDir()

	meta := `{
		"metaRouting": {"algorithm": "rules-only", "cacheTtlSeconds": 60},
		"intentCategories": {
			"custom": {"keywords": ["widget"], "priority": 300, "targetService": "data-storage-service"}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta-routing.json"), []byte(meta), 0o644))

	rules := `[
		{"id": "r1", "name": "widget rule",
		 "conditions": {"type": "text", "operator": "contains", "value": "widget"},
		 "actions": {"route": "data-storage-service", "priority": 600}}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "routing-rules.json"), []byte(rules), 0o644))

	b, err := LoadBundle(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, "rules-only", b.MetaRouting.Algorithm)
	assert.Equal(t, 60, b.MetaRouting.CacheTTLSeconds)
	assert.Contains(t, b.Categories, "custom")
	require.Len(t, b.Rules, 1)
	assert.Equal(t, "r1", b.Rules[0].ID)
}

func TestLoadBundleMissingFilesUsesDefaults(t *testing.T) {
	b, err := LoadBundle(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Contains(t, b.Categories, "payment")
	assert.Len(t, b.Rules, 2)
}

func TestLoadBundleMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta-routing.json"), []byte("{nope"), 0o644))

	_, err := LoadBundle(dir, nil)
	assert.Error(t, err)
}
