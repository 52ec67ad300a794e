// Package intent implements the recognition engine: it fuses evidence
// from the LLM/heuristic chain, a Bayesian+TF-IDF text model, routing
// rules and path patterns, applies contextual factors, and caches the
// resulting decision by request fingerprint.
package intent

import (
	"fmt"
	"strings"

	"github.com/itsneelabh/metarouter/core"
)

// Request is the classification input. At least one of Text / Path is
// required.
type Request struct {
	Text    string            `json:"text,omitempty"`
	Path    string            `json:"httpPath,omitempty"`
	Method  string            `json:"httpMethod,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Context *RequestContext   `json:"context,omitempty"`
}

// RequestContext carries caller identity and request metadata.
type RequestContext struct {
	UserID    string                 `json:"userId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the minimum classification input.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" && strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("one of text or httpPath is required: %w", core.ErrValidation)
	}
	return nil
}

// Header performs a case-insensitive header lookup.
func (r *Request) Header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Response is the classification output.
type Response struct {
	IntentID         string             `json:"intentId"`
	RecognizedIntent RecognizedIntent   `json:"recognizedIntent"`
	Routing          RoutingDecision    `json:"routing"`
	Metadata         ResponseMetadata   `json:"metadata"`
	ContextualFactor map[string]float64 `json:"contextualFactors"`
}

// RecognizedIntent names the winning category and its evidence.
type RecognizedIntent struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
	MLModel    string   `json:"mlModel,omitempty"`
}

// RoutingDecision selects the downstream target.
type RoutingDecision struct {
	TargetService string `json:"targetService"`
	Priority      int    `json:"priority"`
	Strategy      string `json:"strategy"`
	TimeoutMillis int    `json:"timeoutMillis"`
}

// ResponseMetadata describes how the decision was produced.
type ResponseMetadata struct {
	ProcessingTimeMillis int64  `json:"processingTimeMillis"`
	CacheHit             bool   `json:"cacheHit"`
	ModelVersion         string `json:"modelVersion"`
}
