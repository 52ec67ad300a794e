package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itsneelabh/metarouter/core"
)

// Condition types name the request field a leaf inspects.
const (
	ConditionText    = "text"
	ConditionPath    = "path"
	ConditionMethod  = "method"
	ConditionHeader  = "header"
	ConditionContext = "context"
)

// Operators form a closed set. jsonPath is reserved: it parses but always
// evaluates to false until implemented.
const (
	OpEquals   = "equals"
	OpMatches  = "matches"
	OpContains = "contains"
	OpStarts   = "starts"
	OpIn       = "in"
	OpExists   = "exists"
	OpGreater  = "greater"
	OpJSONPath = "jsonPath"
)

// Condition is the AND/OR tree over leaf predicates. Exactly one of
// All / Any / leaf fields (Type+Operator) is meaningful per node.
type Condition struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`

	Type     string      `json:"type,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Key      string      `json:"key,omitempty"`
	Value    interface{} `json:"value,omitempty"`

	re *regexp.Regexp
}

// RuleActions describes the routing outcome of a matched rule.
type RuleActions struct {
	Route         string `json:"route"`
	Priority      int    `json:"priority"`
	TimeoutMillis int    `json:"timeout,omitempty"`
}

// Rule is one ordered routing rule. A matching rule contributes
// priority/1000 to its route's score.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Conditions Condition   `json:"conditions"`
	Actions    RuleActions `json:"actions"`
}

func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule without id: %w", core.ErrInvalidConfiguration)
	}
	if r.Actions.Route == "" {
		return fmt.Errorf("rule %q has no route action: %w", r.ID, core.ErrInvalidConfiguration)
	}
	if r.Actions.Priority <= 0 {
		r.Actions.Priority = 100
	}
	return r.Conditions.compile(r.ID)
}

func (c *Condition) compile(ruleID string) error {
	for i := range c.All {
		if err := c.All[i].compile(ruleID); err != nil {
			return err
		}
	}
	for i := range c.Any {
		if err := c.Any[i].compile(ruleID); err != nil {
			return err
		}
	}
	if len(c.All) > 0 || len(c.Any) > 0 {
		return nil
	}
	if c.Operator == OpMatches {
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("rule %q matches operator needs a string pattern: %w", ruleID, core.ErrInvalidConfiguration)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("rule %q pattern %q: %v: %w", ruleID, pattern, err, core.ErrInvalidConfiguration)
		}
		c.re = re
	}
	return nil
}

// Eval walks the tree. An empty node (no children, no leaf) is false so a
// misconfigured rule never routes everything.
func (c *Condition) Eval(req *Request) bool {
	if len(c.All) > 0 {
		for i := range c.All {
			if !c.All[i].Eval(req) {
				return false
			}
		}
		return true
	}
	if len(c.Any) > 0 {
		for i := range c.Any {
			if c.Any[i].Eval(req) {
				return true
			}
		}
		return false
	}
	if c.Type == "" || c.Operator == "" {
		return false
	}
	return c.evalLeaf(req)
}

func (c *Condition) evalLeaf(req *Request) bool {
	subject, present := c.subject(req)

	switch c.Operator {
	case OpExists:
		return present && subject != ""
	case OpEquals:
		return present && strings.EqualFold(subject, asString(c.Value))
	case OpContains:
		return present && strings.Contains(strings.ToLower(subject), strings.ToLower(asString(c.Value)))
	case OpStarts:
		return present && strings.HasPrefix(subject, asString(c.Value))
	case OpMatches:
		return present && c.re != nil && c.re.MatchString(subject)
	case OpIn:
		if !present {
			return false
		}
		list, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if strings.EqualFold(subject, asString(item)) {
				return true
			}
		}
		return false
	case OpGreater:
		if !present {
			return false
		}
		lhs, err := strconv.ParseFloat(subject, 64)
		if err != nil {
			return false
		}
		return lhs > asFloat(c.Value)
	case OpJSONPath:
		// Reserved, not implemented
		return false
	default:
		return false
	}
}

// subject extracts the inspected value from the request.
func (c *Condition) subject(req *Request) (string, bool) {
	switch c.Type {
	case ConditionText:
		return req.Text, req.Text != ""
	case ConditionPath:
		return req.Path, req.Path != ""
	case ConditionMethod:
		return strings.ToUpper(req.Method), req.Method != ""
	case ConditionHeader:
		return req.Header(c.Key)
	case ConditionContext:
		if req.Context == nil {
			return "", false
		}
		switch c.Key {
		case "userId":
			return req.Context.UserID, req.Context.UserID != ""
		case "sessionId":
			return req.Context.SessionID, req.Context.SessionID != ""
		case "ip":
			return req.Context.IP, req.Context.IP != ""
		case "userAgent":
			return req.Context.UserAgent, req.Context.UserAgent != ""
		default:
			if req.Context.Metadata == nil {
				return "", false
			}
			v, ok := req.Context.Metadata[c.Key]
			if !ok {
				return "", false
			}
			return asString(v), true
		}
	default:
		return "", false
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
