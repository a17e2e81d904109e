package rules

import "testing"

func TestEvalStatusCode(t *testing.T) {
	resp := Response{StatusCode: 429}
	cond := Condition{Type: "status_code", Operator: "equals", Value: float64(429)}
	if !Evaluate(cond, resp) {
		t.Error("expected status_code equals 429 to match")
	}
	cond.Operator = "greater_than"
	cond.Value = float64(400)
	if !Evaluate(cond, resp) {
		t.Error("expected 429 > 400 to match")
	}
}

func TestEvalResponseBodyContains(t *testing.T) {
	resp := Response{Body: `{"error": "rate_limit_exceeded"}`}
	cond := Condition{Type: "response_body", Operator: "contains", Value: "rate_limit_exceeded"}
	if !Evaluate(cond, resp) {
		t.Error("expected body contains match")
	}
	cond.Value = "not_present"
	if Evaluate(cond, resp) {
		t.Error("expected no match for absent substring")
	}
}

func TestEvalJSONPath(t *testing.T) {
	resp := Response{Body: `{"error": {"type": "insufficient_quota"}}`}
	cond := Condition{Type: "json_path", Path: "error.type", Operator: "equals", Value: "insufficient_quota"}
	if !Evaluate(cond, resp) {
		t.Error("expected json_path equals match")
	}
}

func TestEvalCompositeAndOr(t *testing.T) {
	resp := Response{StatusCode: 401}
	and := Condition{
		Type: "composite", Logic: "AND",
		Conditions: []Condition{
			{Type: "status_code", Operator: "equals", Value: float64(401)},
			{Type: "status_code", Operator: "equals", Value: float64(403)},
		},
	}
	if Evaluate(and, resp) {
		t.Error("expected AND of contradictory conditions to be false")
	}

	or := and
	or.Logic = "OR"
	if !Evaluate(or, resp) {
		t.Error("expected OR of one true condition to be true")
	}
}

func TestEvalResponseHeaderCanonicalizesConfiguredName(t *testing.T) {
	resp := Response{Headers: map[string][]string{"Retry-After": {"30"}}}
	cond := Condition{Type: "response_header", Header: "retry-after", Operator: "equals", Value: "30"}
	if !Evaluate(cond, resp) {
		t.Error("expected a lowercase rule header name to match a canonical response header key")
	}
}

func TestEvalUnknownTypeIsFalse(t *testing.T) {
	cond := Condition{Type: "not_a_real_type"}
	if Evaluate(cond, Response{}) {
		t.Error("expected unrecognized condition type to evaluate false")
	}
}

func TestParseConditionsInvalidJSON(t *testing.T) {
	if _, err := ParseConditions("{not json"); err == nil {
		t.Error("expected error for malformed predicate JSON")
	}
}
