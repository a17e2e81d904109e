package storage

import "time"

// CredentialStatus is the lifecycle state of a Credential.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialDisabled CredentialStatus = "disabled"
	CredentialBanned   CredentialStatus = "banned"
)

// CredentialPlacement selects where a Credential's secret is injected.
type CredentialPlacement string

const (
	PlacementHeader CredentialPlacement = "header"
	PlacementQuery  CredentialPlacement = "query"
	PlacementBody   CredentialPlacement = "body"
)

// HeaderConfigKind selects how a HeaderConfig's value is produced.
type HeaderConfigKind string

const (
	HeaderStatic      HeaderConfigKind = "static"
	HeaderScriptedJS   HeaderConfigKind = "scripted-js"
	HeaderScriptedPY   HeaderConfigKind = "scripted-py"
)

// FallbackPolicy governs HeaderConfig behavior when script evaluation fails.
type FallbackPolicy string

const (
	FallbackUseDefault FallbackPolicy = "use_default"
	FallbackUseValue   FallbackPolicy = "use_value"
	FallbackFail       FallbackPolicy = "fail"
)

// RuleAction is one of the actions a triggered Rule may execute.
type RuleAction string

const (
	ActionDisableCredential RuleAction = "disable_credential"
	ActionBanCredential     RuleAction = "ban_credential"
	ActionAlert             RuleAction = "alert"
	ActionLog               RuleAction = "log"
)

// Upstream is a logical destination the gateway forwards requests to.
type Upstream struct {
	ID                string
	Name              string
	BaseURL           string
	RequestTimeout    time.Duration
	RetryCount        int
	ConnectionPoolCap int
	LogRequestBody    bool
	LogResponseBody   bool
	// RateLimitPerMinute/Hour/Day configure the RateLimiter's three windows
	// for this upstream; zero disables that window. The same limits apply
	// to both the upstream-wide bucket and each credential's own bucket.
	RateLimitPerMinute int64
	RateLimitPerHour   int64
	RateLimitPerDay    int64
	// SelectionStrategy names the KeySelector strategy this upstream's
	// traffic uses: "round_robin" (default), "random", or "weighted".
	SelectionStrategy string
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Quota tracks a Credential's usage budget.
type Quota struct {
	Enabled bool
	Total   int64
	Used    int64
	ResetAt time.Time
}

// Credential is a secret used to authenticate outbound requests to an Upstream.
type Credential struct {
	ID                  string
	UpstreamID          string
	Secret              string
	Placement           CredentialPlacement
	ParamName           string
	ValuePrefix         string
	Status              CredentialStatus
	Quota               Quota
	AutoDisableOnFailure bool
	AutoEnableDelay     time.Duration
	AutoEnableAt        *time.Time
	LastUsedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HeaderConfig produces one outbound header's value, static or scripted.
type HeaderConfig struct {
	ID             string
	UpstreamID     string
	HeaderName     string
	Kind           HeaderConfigKind
	StaticValue    string
	ScriptSource   string
	Priority       int
	Timeout        time.Duration
	Fallback       FallbackPolicy
	FallbackValue  string
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Rule is a predicate-plus-action clause evaluated against an upstream response.
type Rule struct {
	ID               string
	UpstreamID       string
	Name             string
	Conditions       string // JSON-encoded predicate tree, see rules.Condition
	Actions          []RuleAction
	AutoEnableDelay  time.Duration
	TriggerThreshold int
	TimeWindow       time.Duration
	CooldownSeconds  int
	Priority         int
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RequestLog is an append-only audit record of one outbound attempt.
type RequestLog struct {
	ID              int64
	UpstreamID      string
	CredentialID    *string
	Method          string
	Path            string
	RequestHeaders  string // JSON, empty unless upstream.LogRequestBody
	RequestBody     string
	ResponseHeaders string
	ResponseBody    string
	StatusCode      int
	LatencyMs       int64
	ClientIP        string
	ErrorMessage    string
	TriggeredRules  []string
	// PromptTokens/CompletionTokens/TotalTokens are opportunistically
	// extracted from the upstream's response body (OpenAI/Anthropic/Ollama
	// usage blocks); zero when the upstream's response didn't carry one.
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	// ToolCalls names any tool/function invocations the upstream's response
	// requested, for audit visibility into agentic traffic.
	ToolCalls []string
	CreatedAt time.Time
}

// IsEligible reports whether the credential may currently be selected, per
// invariant 2: active, and either quota is off, quota has headroom, or the
// reset deadline has already passed.
func (c *Credential) IsEligible(now time.Time) bool {
	if c.Status != CredentialActive {
		return false
	}
	if !c.Quota.Enabled {
		return true
	}
	return c.Quota.Used < c.Quota.Total || !now.Before(c.Quota.ResetAt)
}
