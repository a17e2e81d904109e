// Package rules implements the RuleEngine: a predicate tree evaluated
// against an upstream response, with cooldown and threshold gating before
// an action set (disable/ban credential, alert, log) executes.
package rules

import (
	"encoding/json"
	"fmt"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Response is the subset of an upstream HTTP response the predicate tree
// evaluates against.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       string
	LatencyMs  int64
}

// Condition is one node of a rule's predicate tree. Type selects which
// fields are meaningful; Logic/Conditions are only used when Type=composite.
type Condition struct {
	Type       string      `json:"type"`
	Operator   string      `json:"operator,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	Min        float64     `json:"min,omitempty"`
	Max        float64     `json:"max,omitempty"`
	Path       string      `json:"path,omitempty"`       // json_path
	Header     string      `json:"header,omitempty"`     // response_header
	Logic      string      `json:"logic,omitempty"`      // composite: "AND" | "OR"
	Conditions []Condition `json:"conditions,omitempty"` // composite
}

// ParseConditions decodes a rule's stored JSON predicate tree.
func ParseConditions(raw string) (Condition, error) {
	var c Condition
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Condition{}, fmt.Errorf("rules: decoding predicate tree: %w", err)
	}
	return c, nil
}

// Evaluate walks the predicate tree against resp. A malformed or
// unrecognized node evaluates to false rather than erroring, so one broken
// predicate never prevents other rules from evaluating (§7's containment
// rule).
func Evaluate(c Condition, resp Response) bool {
	switch c.Type {
	case "status_code":
		return evalStatusCode(c, resp)
	case "response_body":
		return evalResponseBody(c, resp)
	case "json_path":
		return evalJSONPath(c, resp)
	case "response_header":
		return evalResponseHeader(c, resp)
	case "latency":
		return evalLatency(c, resp)
	case "composite":
		return evalComposite(c, resp)
	default:
		return false
	}
}

func evalStatusCode(c Condition, resp Response) bool {
	actual := float64(resp.StatusCode)
	switch c.Operator {
	case "equals":
		return actual == toFloat(c.Value)
	case "not_equals":
		return actual != toFloat(c.Value)
	case "greater_than":
		return actual > toFloat(c.Value)
	case "less_than":
		return actual < toFloat(c.Value)
	case "in_range":
		return actual >= c.Min && actual <= c.Max
	default:
		return false
	}
}

func evalResponseBody(c Condition, resp Response) bool {
	needle, ok := c.Value.(string)
	if !ok {
		return false
	}
	switch c.Operator {
	case "contains":
		return strings.Contains(resp.Body, needle)
	case "not_contains":
		return !strings.Contains(resp.Body, needle)
	case "regex":
		re, err := regexp.Compile(needle)
		if err != nil {
			return false
		}
		return re.MatchString(resp.Body)
	default:
		return false
	}
}

// evalJSONPath parses the body as JSON and evaluates a dot-path predicate.
// A parse failure on the body yields false, not an error, per the boundary
// behavior that a json_path check against a non-JSON body never panics the
// evaluation.
func evalJSONPath(c Condition, resp Response) bool {
	if !gjson.Valid(resp.Body) {
		return false
	}
	result := gjson.Get(resp.Body, c.Path)

	switch c.Operator {
	case "exists":
		return result.Exists()
	case "is_null":
		return result.Exists() && result.Type == gjson.Null
	case "equals":
		if !result.Exists() {
			return false
		}
		return fmt.Sprintf("%v", c.Value) == result.String()
	case "not_equals":
		if !result.Exists() {
			return true
		}
		return fmt.Sprintf("%v", c.Value) != result.String()
	default:
		return false
	}
}

func evalResponseHeader(c Condition, resp Response) bool {
	values := resp.Headers[textproto.CanonicalMIMEHeaderKey(c.Header)]
	var actual string
	if len(values) > 0 {
		actual = values[0]
	}
	exists := len(values) > 0

	switch c.Operator {
	case "not_exists":
		return !exists
	case "equals":
		return exists && actual == fmt.Sprintf("%v", c.Value)
	case "not_equals":
		return !exists || actual != fmt.Sprintf("%v", c.Value)
	case "contains":
		return exists && strings.Contains(actual, fmt.Sprintf("%v", c.Value))
	case "less_than":
		if !exists {
			return false
		}
		actualNum, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false
		}
		return actualNum < toFloat(c.Value)
	default:
		return false
	}
}

func evalLatency(c Condition, resp Response) bool {
	actual := float64(resp.LatencyMs)
	switch c.Operator {
	case "greater_than":
		return actual > toFloat(c.Value)
	case "less_than":
		return actual < toFloat(c.Value)
	default:
		return false
	}
}

func evalComposite(c Condition, resp Response) bool {
	if len(c.Conditions) == 0 {
		return false
	}
	switch strings.ToUpper(c.Logic) {
	case "OR":
		for _, sub := range c.Conditions {
			if Evaluate(sub, resp) {
				return true
			}
		}
		return false
	default: // AND
		for _, sub := range c.Conditions {
			if !Evaluate(sub, resp) {
				return false
			}
		}
		return true
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
