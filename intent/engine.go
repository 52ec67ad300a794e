package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/metarouter/classify"
	"github.com/itsneelabh/metarouter/core"
	"github.com/itsneelabh/metarouter/registry"
)

// Source weights for score fusion. Only sources that actually scored a
// candidate count toward its weighted average.
var sourceWeights = map[string]float64{
	"ml":       2.0,
	"nlp":      1.0,
	"rules":    1.0,
	"patterns": 1.0,
}

const defaultRouteTimeoutMillis = 30000

// ServiceSource is the registry view the engine needs.
type ServiceSource interface {
	Names() []string
	HealthyCount() int
	GetDescriptor(name string) (registry.ServiceDescriptor, bool)
}

// CacheObserver receives cache hit/miss notifications (Prometheus counters
// in production, no-op in tests).
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

type noopObserver struct{}

func (noopObserver) CacheHit()  {}
func (noopObserver) CacheMiss() {}

// Engine fuses classification evidence into a routing decision.
//
// The Bayesian model is trained at config load; TF-IDF document
// frequencies accumulate over a bounded corpus of recent texts. Apart from
// that corpus, classification is pure given config and request, which is
// what makes the fingerprint cache sound.
type Engine struct {
	mu     sync.RWMutex
	bundle *Bundle
	bayes  *naiveBayes

	tfidf      *tfidfIndex
	cache      core.Memory
	classifier classify.Classifier
	services   ServiceSource
	observer   CacheObserver
	logger     core.Logger
	telemetry  core.Telemetry
	now        func() time.Time

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// Options configures optional engine collaborators.
type Options struct {
	Observer  CacheObserver
	Telemetry core.Telemetry
	Now       func() time.Time
}

// NewEngine creates the recognition engine over a compiled bundle.
func NewEngine(bundle *Bundle, cache core.Memory, classifier classify.Classifier, services ServiceSource, logger core.Logger, opts *Options) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cache == nil {
		cache = core.NewMemoryStore()
	}
	e := &Engine{
		tfidf:      newTFIDFIndex(),
		cache:      cache,
		classifier: classifier,
		services:   services,
		observer:   noopObserver{},
		logger:     logger,
		telemetry:  &core.NoOpTelemetry{},
		now:        time.Now,
	}
	if opts != nil {
		if opts.Observer != nil {
			e.observer = opts.Observer
		}
		if opts.Telemetry != nil {
			e.telemetry = opts.Telemetry
		}
		if opts.Now != nil {
			e.now = opts.Now
		}
	}
	e.Reload(bundle)
	return e
}

// Reload swaps in a new bundle and retrains the Bayesian model.
func (e *Engine) Reload(bundle *Bundle) {
	bayes := newNaiveBayes()
	for _, name := range bundle.CategoryOrder {
		cat := bundle.Categories[name]
		if cat == nil {
			continue
		}
		for _, kw := range cat.Keywords {
			bayes.train(name, tokenize(kw))
		}
	}

	e.mu.Lock()
	e.bundle = bundle
	e.bayes = bayes
	e.mu.Unlock()

	e.logger.Info("Intent configuration loaded", map[string]interface{}{
		"operation":  "engine_reload",
		"categories": len(bundle.Categories),
		"rules":      len(bundle.Rules),
		"algorithm":  bundle.MetaRouting.Algorithm,
	})
}

// Bundle returns the active configuration bundle.
func (e *Engine) Bundle() *Bundle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bundle
}

// ConfidenceThreshold returns the configured low-confidence boundary.
func (e *Engine) ConfidenceThreshold() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bundle.MetaRouting.ConfidenceThreshold
}

// CacheStats returns cumulative cache hit/miss counts.
func (e *Engine) CacheStats() (hits, misses uint64) {
	return e.cacheHits.Load(), e.cacheMisses.Load()
}

// ClassifyIntent runs the full recognition pipeline for one request.
func (e *Engine) ClassifyIntent(ctx context.Context, req *Request) (*Response, error) {
	start := e.now()
	ctx, span := e.telemetry.StartSpan(ctx, "intent.classify")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	key := core.Fingerprint(req.Text, req.Path, req.Method, req.Headers)
	span.SetAttribute("intent.fingerprint", key)

	if cached := e.cacheLookup(ctx, key); cached != nil {
		cached.Metadata.CacheHit = true
		cached.Metadata.ProcessingTimeMillis = e.now().Sub(start).Milliseconds()
		e.cacheHits.Add(1)
		e.observer.CacheHit()
		span.SetAttribute("intent.cache_hit", true)
		return cached, nil
	}
	e.cacheMisses.Add(1)
	e.observer.CacheMiss()

	e.mu.RLock()
	bundle := e.bundle
	bayes := e.bayes
	e.mu.RUnlock()

	tokens := tokenize(req.Text)
	e.tfidf.observe(tokens)

	sources := map[string]classify.ServiceScores{
		"nlp":      e.nlpScores(bundle, bayes, tokens),
		"ml":       e.mlScores(ctx, req),
		"rules":    e.ruleScores(bundle, req),
		"patterns": e.patternScores(bundle, req, tokens),
	}

	factors := computeFactors(req, bundle.ContextualFactors, e.services, e.now())
	multiplier := contextMultiplier(factors)

	target, confidence := e.fuse(bundle, sources, multiplier)
	category := e.categoryFor(bundle, target)

	resp := e.buildResponse(bundle, req, target, category, confidence, factors, start)
	span.SetAttribute("intent.target", resp.Routing.TargetService)
	span.SetAttribute("intent.confidence", resp.RecognizedIntent.Confidence)

	e.cacheStore(ctx, key, resp, bundle.MetaRouting.CacheTTLSeconds)

	if resp.RecognizedIntent.Confidence < bundle.MetaRouting.ConfidenceThreshold {
		// Low confidence annotates the decision, it does not reject it.
		e.logger.Warn("Low-confidence classification", map[string]interface{}{
			"operation":  "intent_classify",
			"category":   resp.RecognizedIntent.Category,
			"target":     resp.Routing.TargetService,
			"confidence": resp.RecognizedIntent.Confidence,
			"threshold":  bundle.MetaRouting.ConfidenceThreshold,
		})
	}
	return resp, nil
}

func (e *Engine) cacheLookup(ctx context.Context, key string) *Response {
	raw, err := e.cache.Get(ctx, key)
	if err != nil {
		// Cache failures never propagate; treat as a miss.
		e.logger.Warn("Cache lookup failed", map[string]interface{}{
			"operation": "cache_get",
			"key":       key,
			"error":     err.Error(),
		})
		return nil
	}
	if raw == "" {
		return nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		e.logger.Warn("Cache entry corrupt, discarding", map[string]interface{}{
			"operation": "cache_get",
			"key":       key,
		})
		_ = e.cache.Delete(ctx, key)
		return nil
	}
	return &resp
}

func (e *Engine) cacheStore(ctx context.Context, key string, resp *Response, ttlSeconds int) {
	stored := *resp
	stored.Metadata.CacheHit = false
	data, err := json.Marshal(&stored)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, string(data), time.Duration(ttlSeconds)*time.Second); err != nil {
		e.logger.Warn("Cache store failed", map[string]interface{}{
			"operation": "cache_set",
			"key":       key,
			"error":     err.Error(),
		})
	}
}

// nlpScores combines the Bayesian posterior with the TF-IDF keyword score
// per category, then maps the max of the two onto the target service.
func (e *Engine) nlpScores(bundle *Bundle, bayes *naiveBayes, tokens []string) classify.ServiceScores {
	if len(tokens) == 0 {
		return nil
	}
	probs := bayes.classify(tokens)
	scores := make(classify.ServiceScores)
	for _, name := range bundle.CategoryOrder {
		cat := bundle.Categories[name]
		if cat == nil {
			continue
		}
		score := probs[name]
		if tf := e.tfidf.score(tokens, cat.Keywords); tf > score {
			score = tf
		}
		if score <= 0 {
			continue
		}
		if existing, ok := scores[cat.TargetService]; !ok || score > existing {
			scores[cat.TargetService] = score
		}
	}
	return scores
}

func (e *Engine) mlScores(ctx context.Context, req *Request) classify.ServiceScores {
	if e.classifier == nil {
		return nil
	}
	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = strings.TrimSpace(req.Method + " " + req.Path)
	}
	scores, err := e.classifier.Classify(ctx, text, e.services.Names())
	if err != nil {
		// The chain already falls back to the heuristic; an error here
		// means both links failed, which the fusion treats as no signal.
		e.logger.Warn("ML source unavailable", map[string]interface{}{
			"operation": "intent_classify",
			"error":     err.Error(),
		})
		return nil
	}
	return scores
}

// ruleScores evaluates routingRules top to bottom; a matching rule
// contributes priority/1000 to its route.
func (e *Engine) ruleScores(bundle *Bundle, req *Request) classify.ServiceScores {
	scores := make(classify.ServiceScores)
	for i := range bundle.Rules {
		rule := &bundle.Rules[i]
		if !rule.Conditions.Eval(req) {
			continue
		}
		score := float64(rule.Actions.Priority) / 1000.0
		if score > 1 {
			score = 1
		}
		if existing, ok := scores[rule.Actions.Route]; !ok || score > existing {
			scores[rule.Actions.Route] = score
		}
	}
	return scores
}

// patternScores measures keyword overlap per category and floors the score
// at 0.8 when the HTTP path matches a category pattern.
func (e *Engine) patternScores(bundle *Bundle, req *Request, tokens []string) classify.ServiceScores {
	tokenSet := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		tokenSet[tok] = true
	}

	scores := make(classify.ServiceScores)
	for _, name := range bundle.CategoryOrder {
		cat := bundle.Categories[name]
		if cat == nil {
			continue
		}
		var score float64
		if len(cat.Keywords) > 0 {
			matches := 0
			for _, kw := range cat.Keywords {
				if tokenSet[strings.ToLower(kw)] {
					matches++
				}
			}
			score = float64(matches) / float64(len(cat.Keywords))
			if score > 1 {
				score = 1
			}
		}
		if cat.MatchPath(req.Path) && score < 0.8 {
			score = 0.8
		}
		if score <= 0 {
			continue
		}
		if existing, ok := scores[cat.TargetService]; !ok || score > existing {
			scores[cat.TargetService] = score
		}
	}
	return scores
}

// fuse computes the weighted average per candidate, applies the contextual
// multiplier, clamps, and selects the argmax. Candidates are visited in
// category insertion order so ties resolve deterministically.
func (e *Engine) fuse(bundle *Bundle, sources map[string]classify.ServiceScores, multiplier float64) (string, float64) {
	candidates := e.candidateOrder(bundle, sources)
	if len(candidates) == 0 {
		return "", 0
	}

	bestTarget := ""
	bestScore := -1.0
	for _, candidate := range candidates {
		var weighted, totalWeight float64
		for source, scores := range sources {
			score, ok := scores[candidate]
			if !ok {
				continue
			}
			w := sourceWeights[source]
			weighted += score * w
			totalWeight += w
		}
		if totalWeight == 0 {
			continue
		}
		fused := (weighted / totalWeight) * multiplier
		if fused > 1 {
			fused = 1
		}
		if fused < 0 {
			fused = 0
		}
		// Strict greater-than keeps the earliest candidate on ties.
		if fused > bestScore {
			bestScore = fused
			bestTarget = candidate
		}
	}
	if bestTarget == "" {
		return "", 0
	}
	return bestTarget, bestScore
}

// candidateOrder lists every scored service: category targets first (in
// insertion order), then any rule-only routes in registry order.
func (e *Engine) candidateOrder(bundle *Bundle, sources map[string]classify.ServiceScores) []string {
	scored := make(map[string]bool)
	for _, scores := range sources {
		for svc := range scores {
			scored[svc] = true
		}
	}

	var order []string
	seen := make(map[string]bool)
	for _, name := range bundle.CategoryOrder {
		cat := bundle.Categories[name]
		if cat == nil || seen[cat.TargetService] {
			continue
		}
		seen[cat.TargetService] = true
		if scored[cat.TargetService] {
			order = append(order, cat.TargetService)
		}
	}
	for _, name := range e.services.Names() {
		if scored[name] && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	// Services outside both the taxonomy and the registry (rule routes to
	// unknown targets) still participate, last.
	for svc := range scored {
		if !seen[svc] {
			order = append(order, svc)
		}
	}
	return order
}

// categoryFor returns the first category (in insertion order) targeting
// the service, or "general".
func (e *Engine) categoryFor(bundle *Bundle, target string) string {
	for _, name := range bundle.CategoryOrder {
		if cat := bundle.Categories[name]; cat != nil && cat.TargetService == target {
			return name
		}
	}
	return "general"
}

func (e *Engine) buildResponse(bundle *Bundle, req *Request, target, category string, confidence float64, factors map[string]float64, start time.Time) *Response {
	if target == "" {
		target = classify.DefaultTarget
		category = "general"
		confidence = 0
	}

	priority := 100
	var keywords []string
	if cat := bundle.Categories[category]; cat != nil {
		priority = cat.Priority
		keywords = cat.Keywords
	}

	timeout := defaultRouteTimeoutMillis
	if desc, ok := e.services.GetDescriptor(target); ok && desc.TimeoutMillis > 0 {
		timeout = desc.TimeoutMillis
	}

	modelID := ""
	if e.classifier != nil {
		modelID = e.classifier.ModelID()
	}

	return &Response{
		IntentID: uuid.NewString(),
		RecognizedIntent: RecognizedIntent{
			Category:   category,
			Confidence: confidence,
			Keywords:   keywords,
			MLModel:    modelID,
		},
		Routing: RoutingDecision{
			TargetService: target,
			Priority:      priority,
			Strategy:      bundle.MetaRouting.Algorithm,
			TimeoutMillis: timeout,
		},
		Metadata: ResponseMetadata{
			ProcessingTimeMillis: e.now().Sub(start).Milliseconds(),
			CacheHit:             false,
			ModelVersion:         modelID,
		},
		ContextualFactor: factors,
	}
}

// ReplaceRule swaps the rule with the given id and recompiles it.
func (e *Engine) ReplaceRule(id string, rule Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.bundle.Rules {
		if e.bundle.Rules[i].ID != id {
			continue
		}
		rule.ID = id
		if err := rule.compile(); err != nil {
			return err
		}
		e.bundle.Rules[i] = rule
		e.logger.Info("Routing rule replaced", map[string]interface{}{
			"operation": "rule_replace",
			"rule_id":   id,
		})
		return nil
	}
	return fmt.Errorf("rule %q: %w", id, core.ErrRuleNotFound)
}
