package classify

import (
	"context"
	"sync/atomic"

	"github.com/itsneelabh/metarouter/core"
)

// Chain composes the remote classifier with the heuristic fallback.
// The remote link runs first; any error or empty result delegates to the
// heuristic and the active model id flips to "heuristic-keywords".
type Chain struct {
	remote   Classifier
	fallback Classifier
	logger   core.Logger

	activeModelID atomic.Value // string
}

// NewChain builds the classifier chain. remote may be nil (provider not
// configured), in which case every call is heuristic.
func NewChain(remote Classifier, logger core.Logger) *Chain {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	c := &Chain{
		remote:   remote,
		fallback: NewHeuristicClassifier(),
		logger:   logger,
	}
	if remote != nil {
		c.activeModelID.Store(remote.ModelID())
	} else {
		c.activeModelID.Store(HeuristicModelID)
	}
	return c
}

// Classify tries the remote classifier, falling back to keywords on any
// failure. The fallback never errors, so neither does the chain.
func (c *Chain) Classify(ctx context.Context, text string, services []string) (ServiceScores, error) {
	if c.remote != nil {
		scores, err := c.remote.Classify(ctx, text, services)
		if err == nil && len(scores) > 0 {
			c.activeModelID.Store(c.remote.ModelID())
			return scores, nil
		}
		if err != nil {
			c.logger.Warn("Remote classifier failed, using heuristic fallback", map[string]interface{}{
				"operation": "classify_fallback",
				"model":     c.remote.ModelID(),
				"error":     err.Error(),
			})
		}
	}

	c.activeModelID.Store(HeuristicModelID)
	return c.fallback.Classify(ctx, text, services)
}

// ModelID reports which link produced the most recent classification.
func (c *Chain) ModelID() string {
	return c.activeModelID.Load().(string)
}
