// Package classify maps free text onto downstream service scores.
//
// Two implementations exist: a remote LLM classifier and a keyword
// heuristic. The engine composes them as a chain: remote first, heuristic
// whenever the remote call errors out or returns nothing usable.
package classify

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/metarouter/core"
)

// ServiceScores maps a target service name to a score in [0,1].
type ServiceScores map[string]float64

// Classifier scores text against the known service taxonomy.
type Classifier interface {
	// Classify returns per-service scores for the text. services is the
	// ordered list of known service names; entries outside it are dropped.
	Classify(ctx context.Context, text string, services []string) (ServiceScores, error)

	// ModelID identifies the model that produced the last scores,
	// e.g. "gemini:gemini-1.5-flash" or "heuristic-keywords".
	ModelID() string
}

// Factory creates a remote classifier from LLM configuration.
type Factory interface {
	Name() string
	Create(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) Classifier
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Factory)
)

// Register adds a provider factory. Called from provider init functions.
func Register(f Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[f.Name()] = f
}

// GetProvider looks up a registered provider factory by name.
func GetProvider(name string) (Factory, bool) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	f, ok := providers[name]
	return f, ok
}

// ListProviders returns the names of all registered providers.
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

// NewRemote creates the configured remote classifier, or an error when the
// provider is unknown so the caller can run heuristic-only.
func NewRemote(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) (Classifier, error) {
	f, ok := GetProvider(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("LLM provider %q not registered (available: %v): %w",
			cfg.Provider, ListProviders(), core.ErrInvalidConfiguration)
	}
	return f.Create(cfg, logger, tel), nil
}

func clampScore(v float64) float64 {
	if v != v || v < 0 { // NaN or negative
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round4 rounds to 4 decimal places as the wire contract requires.
func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
