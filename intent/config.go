package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/itsneelabh/metarouter/core"
)

// MetaRouting configures the fusion algorithm and caching.
type MetaRouting struct {
	Algorithm           string  `json:"algorithm"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	FallbackStrategy    string  `json:"fallbackStrategy"`
	CacheTTLSeconds     int     `json:"cacheTtlSeconds"`
}

// Category describes one intent category in the taxonomy.
type Category struct {
	Keywords      []string `json:"keywords"`
	Patterns      []string `json:"patterns"`
	MLModelID     string   `json:"mlModelId,omitempty"`
	Priority      int      `json:"priority"`
	TargetService string   `json:"targetService"`

	compiled []*regexp.Regexp
}

// MatchPath reports whether the HTTP path matches any category pattern.
func (c *Category) MatchPath(path string) bool {
	if path == "" {
		return false
	}
	for _, re := range c.compiled {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// ContextFactor weights one contextual signal.
type ContextFactor struct {
	Weight  float64  `json:"weight"`
	Factors []string `json:"factors,omitempty"`
}

// Bundle is the full engine configuration: fusion parameters, the intent
// taxonomy (ordered; ties in fused scores resolve by insertion order),
// contextual factor weights, and the rule list.
type Bundle struct {
	MetaRouting       MetaRouting              `json:"metaRouting"`
	CategoryOrder     []string                 `json:"-"`
	Categories        map[string]*Category     `json:"intentCategories"`
	ContextualFactors map[string]ContextFactor `json:"contextualFactors"`
	Rules             []Rule                   `json:"routingRules"`
}

// UnmarshalJSON preserves the declaration order of intentCategories, which
// encoding/json would otherwise lose in the map.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	type alias Bundle
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = Bundle(a)

	order, err := categoryKeyOrder(data)
	if err != nil {
		return err
	}
	b.CategoryOrder = order
	return nil
}

// categoryKeyOrder walks the raw JSON tokens to record the key order of
// the intentCategories object.
func categoryKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	// Enter the top-level object
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "intentCategories" {
			// Skip the value
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		// Enter the categories object
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := nameTok.(string)
			order = append(order, name)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return nil, nil
}

// Compile validates the bundle, fills defaults, and compiles patterns.
func (b *Bundle) Compile() error {
	if b.MetaRouting.Algorithm == "" {
		b.MetaRouting.Algorithm = "ml-enhanced"
	}
	if b.MetaRouting.CacheTTLSeconds <= 0 {
		b.MetaRouting.CacheTTLSeconds = 300
	}
	if b.MetaRouting.ConfidenceThreshold <= 0 {
		b.MetaRouting.ConfidenceThreshold = 0.6
	}
	if b.Categories == nil {
		b.Categories = map[string]*Category{}
	}
	if len(b.CategoryOrder) != len(b.Categories) {
		// Order list missing entries (e.g. bundle built in code); rebuild
		// deterministically from whatever order information exists.
		seen := make(map[string]bool, len(b.CategoryOrder))
		for _, name := range b.CategoryOrder {
			seen[name] = true
		}
		for name := range b.Categories {
			if !seen[name] {
				b.CategoryOrder = append(b.CategoryOrder, name)
			}
		}
	}
	for name, cat := range b.Categories {
		if cat.TargetService == "" {
			return fmt.Errorf("category %q has no targetService: %w", name, core.ErrInvalidConfiguration)
		}
		if cat.Priority <= 0 {
			cat.Priority = 100
		}
		cat.compiled = cat.compiled[:0]
		for _, p := range cat.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("category %q pattern %q: %v: %w", name, p, err, core.ErrInvalidConfiguration)
			}
			cat.compiled = append(cat.compiled, re)
		}
	}
	if b.ContextualFactors == nil {
		b.ContextualFactors = defaultContextFactors()
	}
	for i := range b.Rules {
		if err := b.Rules[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

// FindRule returns the rule with the given id.
func (b *Bundle) FindRule(id string) (*Rule, bool) {
	for i := range b.Rules {
		if b.Rules[i].ID == id {
			return &b.Rules[i], true
		}
	}
	return nil, false
}

// LoadBundle reads meta-routing.json and routing-rules.json from the
// config directory. Missing files fall back to the embedded defaults;
// malformed files are an error so a bad edit cannot silently wipe the
// taxonomy.
func LoadBundle(configDir string, logger core.Logger) (*Bundle, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	bundle := DefaultBundle()

	metaPath := filepath.Join(configDir, "meta-routing.json")
	if data, err := os.ReadFile(metaPath); err == nil {
		var loaded Bundle
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("parse %s: %v: %w", metaPath, err, core.ErrInvalidConfiguration)
		}
		if loaded.MetaRouting.Algorithm != "" || loaded.MetaRouting.CacheTTLSeconds != 0 {
			bundle.MetaRouting = loaded.MetaRouting
		}
		if len(loaded.Categories) > 0 {
			bundle.Categories = loaded.Categories
			bundle.CategoryOrder = loaded.CategoryOrder
		}
		if len(loaded.ContextualFactors) > 0 {
			bundle.ContextualFactors = loaded.ContextualFactors
		}
		logger.Info("Loaded meta-routing configuration", map[string]interface{}{
			"operation":  "config_load",
			"path":       metaPath,
			"categories": len(bundle.Categories),
		})
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", metaPath, err)
	}

	rulesPath := filepath.Join(configDir, "routing-rules.json")
	if data, err := os.ReadFile(rulesPath); err == nil {
		var rules []Rule
		if err := json.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("parse %s: %v: %w", rulesPath, err, core.ErrInvalidConfiguration)
		}
		bundle.Rules = rules
		logger.Info("Loaded routing rules", map[string]interface{}{
			"operation": "config_load",
			"path":      rulesPath,
			"rules":     len(rules),
		})
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", rulesPath, err)
	}

	if err := bundle.Compile(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func defaultContextFactors() map[string]ContextFactor {
	return map[string]ContextFactor{
		"userProfile":     {Weight: 1.0, Factors: []string{"userId"}},
		"requestMetadata": {Weight: 1.0, Factors: []string{"headers"}},
		"systemState":     {Weight: 1.0, Factors: []string{"healthyServices"}},
		"temporalContext": {Weight: 1.0, Factors: []string{"businessHours"}},
		"businessLogic":   {Weight: 1.0},
	}
}

// DefaultBundle is the embedded configuration used when CONFIG_DIR has no
// overrides. Category order matters: it is the fused-score tie breaker.
func DefaultBundle() *Bundle {
	b := &Bundle{
		MetaRouting: MetaRouting{
			Algorithm:           "ml-enhanced",
			ConfidenceThreshold: 0.6,
			FallbackStrategy:    "heuristic",
			CacheTTLSeconds:     300,
		},
		CategoryOrder: []string{
			"authentication", "payment", "data", "notification",
			"media", "files", "analytics", "general",
		},
		Categories: map[string]*Category{
			"authentication": {
				Keywords:      []string{"login", "password", "reset", "credentials", "signin", "token", "auth", "logout", "session"},
				Patterns:      []string{`^/auth(/.*)?$`, `^/login$`, `^/session(/.*)?$`, `^/password(/.*)?$`},
				MLModelID:     "gemini-1.5-flash",
				Priority:      200,
				TargetService: "user-authentication-service",
			},
			"payment": {
				Keywords:      []string{"payment", "charge", "billing", "invoice", "refund", "subscription", "credit", "card", "checkout"},
				Patterns:      []string{`^/pay(ments?)?(/.*)?$`, `^/billing(/.*)?$`, `^/checkout(/.*)?$`},
				MLModelID:     "gemini-1.5-flash",
				Priority:      250,
				TargetService: "payment-processing-service",
			},
			"data": {
				Keywords:      []string{"database", "query", "record", "storage", "fetch", "save", "retrieve", "backup"},
				Patterns:      []string{`^/data(/.*)?$`, `^/query(/.*)?$`},
				Priority:      150,
				TargetService: "data-storage-service",
			},
			"notification": {
				Keywords:      []string{"notify", "notification", "email", "sms", "push", "alert"},
				Patterns:      []string{`^/notif(y|ications?)(/.*)?$`},
				Priority:      150,
				TargetService: "notification-service",
			},
			"media": {
				Keywords:      []string{"image", "photo", "thumbnail", "resize", "crop", "picture"},
				Patterns:      []string{`^/images?(/.*)?$`, `^/media(/.*)?$`},
				Priority:      150,
				TargetService: "image-processing-service",
			},
			"files": {
				Keywords:      []string{"file", "upload", "download", "document", "attachment"},
				Patterns:      []string{`^/files?(/.*)?$`, `^/upload(/.*)?$`},
				Priority:      140,
				TargetService: "file-processing-service",
			},
			"analytics": {
				Keywords:      []string{"analytics", "report", "metrics", "dashboard", "statistics", "trends"},
				Patterns:      []string{`^/analytics(/.*)?$`, `^/reports?(/.*)?$`},
				Priority:      120,
				TargetService: "analytics-service",
			},
			"general": {
				Keywords:      []string{"help", "info", "status"},
				Patterns:      nil,
				Priority:      100,
				TargetService: "api-gateway-service",
			},
		},
		ContextualFactors: defaultContextFactors(),
		Rules: []Rule{
			{
				ID:   "admin-header",
				Name: "Admin requests go to the gateway",
				Conditions: Condition{
					Type:     ConditionHeader,
					Operator: OpExists,
					Key:      "x-admin-request",
				},
				Actions: RuleActions{Route: "api-gateway-service", Priority: 500},
			},
			{
				ID:   "payments-path",
				Name: "Payment paths route directly",
				Conditions: Condition{
					Any: []Condition{
						{Type: ConditionPath, Operator: OpStarts, Value: "/payments"},
						{Type: ConditionPath, Operator: OpStarts, Value: "/billing"},
					},
				},
				Actions: RuleActions{Route: "payment-processing-service", Priority: 400, TimeoutMillis: 10000},
			},
		},
	}
	return b
}
