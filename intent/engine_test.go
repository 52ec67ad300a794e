package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/metarouter/classify"
	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/registry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	bundle := DefaultBundle()
	require.NoError(t, bundle.Compile())

	reg := registry.New(registry.DefaultDescriptors(), nil)
	chain := classify.NewChain(nil, nil)
	return NewEngine(bundle, core.NewMemoryStore(), chain, reg, nil, nil)
}

func TestClassifyIntentPaymentText(t *testing.T) {
	engine := newTestEngine(t)

	resp, err := engine.ClassifyIntent(context.Background(), &Request{
		Text: "please refund the invoice payment",
	})
	require.NoError(t, err)

	assert.Equal(t, "payment-processing-service", resp.Routing.TargetService)
	assert.Equal(t, "payment", resp.RecognizedIntent.Category)
	assert.Equal(t, 250, resp.Routing.Priority)
	assert.Equal(t, "ml-enhanced", resp.Routing.Strategy)
	assert.Equal(t, 10000, resp.Routing.TimeoutMillis)
	assert.Equal(t, classify.HeuristicModelID, resp.RecognizedIntent.MLModel)
	assert.NotEmpty(t, resp.IntentID)
	assert.False(t, resp.Metadata.CacheHit)
	assert.Greater(t, resp.RecognizedIntent.Confidence, 0.0)
	assert.LessOrEqual(t, resp.RecognizedIntent.Confidence, 1.0)

	// All five contextual factors are reported
	for _, factor := range []string{"userProfile", "requestMetadata", "systemState", "temporalContext", "businessLogic"} {
		assert.Contains(t, resp.ContextualFactor, factor)
	}
}

func TestClassifyIntentCacheHit(t *testing.T) {
	engine := newTestEngine(t)
	req := &Request{Text: "reset my password", Path: "/auth/reset", Method: "POST"}

	first, err := engine.ClassifyIntent(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := engine.ClassifyIntent(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.Routing.TargetService, second.Routing.TargetService)
	assert.Equal(t, first.IntentID, second.IntentID)

	hits, misses := engine.CacheStats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestClassifyIntentValidation(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.ClassifyIntent(context.Background(), &Request{})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestClassifyIntentFallback(t *testing.T) {
	engine := newTestEngine(t)

	resp, err := engine.ClassifyIntent(context.Background(), &Request{
		Text: "zzz qqq completely unrelated noise",
	})
	require.NoError(t, err)

	assert.Equal(t, "api-gateway-service", resp.Routing.TargetService)
	assert.Equal(t, "general", resp.RecognizedIntent.Category)
}

func TestClassifyIntentPathOnly(t *testing.T) {
	engine := newTestEngine(t)

	resp, err := engine.ClassifyIntent(context.Background(), &Request{
		Path:   "/billing/renewals",
		Method: "POST",
	})
	require.NoError(t, err)

	// Pattern floor, the payments-path rule, and the heuristic all point at
	// the payment service.
	assert.Equal(t, "payment-processing-service", resp.Routing.TargetService)
	assert.Equal(t, "payment", resp.RecognizedIntent.Category)
}

func TestClassifyIntentAuthPattern(t *testing.T) {
	engine := newTestEngine(t)

	resp, err := engine.ClassifyIntent(context.Background(), &Request{
		Text: "let me in",
		Path: "/auth/login",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-authentication-service", resp.Routing.TargetService)
	assert.Equal(t, "authentication", resp.RecognizedIntent.Category)
}

func TestReplaceRule(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.ReplaceRule("admin-header", Rule{
		Name: "Admin goes to analytics now",
		Conditions: Condition{
			Type:     ConditionHeader,
			Operator: OpExists,
			Key:      "x-admin-request",
		},
		Actions: RuleActions{Route: "analytics-service", Priority: 700},
	})
	require.NoError(t, err)

	rule, ok := engine.Bundle().FindRule("admin-header")
	require.True(t, ok)
	assert.Equal(t, "analytics-service", rule.Actions.Route)
	assert.Equal(t, 700, rule.Actions.Priority)
}

func TestReplaceRuleNotFound(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.ReplaceRule("does-not-exist", Rule{
		Actions: RuleActions{Route: "x"},
	})
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestEngineReload(t *testing.T) {
	engine := newTestEngine(t)

	bundle := DefaultBundle()
	bundle.MetaRouting.Algorithm = "rules-only"
	require.NoError(t, bundle.Compile())

	engine.Reload(bundle)
	assert.Equal(t, "rules-only", engine.Bundle().MetaRouting.Algorithm)

	resp, err := engine.ClassifyIntent(context.Background(), &Request{Text: "refund the payment"})
	require.NoError(t, err)
	assert.Equal(t, "rules-only", resp.Routing.Strategy)
}
