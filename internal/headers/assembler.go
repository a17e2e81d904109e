// Package headers assembles the outgoing header map (and query/body
// credential injection) for one proxied request, combining the inbound
// header map, an upstream's configured HeaderConfigs, and the chosen
// credential's placement.
package headers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shineme/aiproxy/internal/scripthost"
	"github.com/shineme/aiproxy/internal/storage"
)

// hopByHop lists headers that must never be forwarded to an upstream.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

// FailError is returned when a HeaderConfig's fallback policy is `fail` and
// its script evaluation failed; the Proxy maps it to a 502 per the
// script_failure_fail_policy failure category.
type FailError struct {
	HeaderName string
	Err        error
}

func (e *FailError) Error() string {
	return fmt.Sprintf("headers: header %q script failed and fallback policy is fail: %v", e.HeaderName, e.Err)
}

func (e *FailError) Unwrap() error { return e.Err }

// Request carries the inbound facts the assembler needs, decoupled from
// *http.Request so tests can construct it directly.
type Request struct {
	Method         string
	Path           string
	InboundHeaders http.Header
}

// Result is the outcome of assembling headers for one request.
type Result struct {
	Headers        http.Header
	QueryParam     string // non-empty if the credential placement is query
	QueryValue     string
	BodyField      string // non-empty if the credential placement is body
	BodyValue      string
	ScriptTimeouts []string // header names whose script hit ErrTimeout, for the log
}

// Assembler builds outgoing header maps per component D.
type Assembler struct {
	scripts scripthost.Host
}

// New creates an Assembler backed by the given ScriptHost.
func New(scripts scripthost.Host) *Assembler {
	return &Assembler{scripts: scripts}
}

// Assemble runs the HeaderAssembler algorithm: start from inbound headers,
// strip hop-by-hop headers, apply enabled HeaderConfigs in ascending
// priority order (so a higher-priority config overwrites one with lower
// priority), then compute the credential's injection per its placement.
func (a *Assembler) Assemble(ctx context.Context, req Request, configs []storage.HeaderConfig, credential *storage.Credential) (Result, error) {
	out := make(http.Header, len(req.InboundHeaders)+len(configs))
	for k, vs := range req.InboundHeaders {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}

	scriptCtx := scripthost.Context{
		"timestamp": time.Now().Format(time.RFC3339),
		"request": map[string]interface{}{
			"method": req.Method,
			"path":   req.Path,
		},
	}

	var timeouts []string
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		if cfg.Kind == storage.HeaderStatic {
			out.Set(cfg.HeaderName, cfg.StaticValue)
			continue
		}

		dialect := scripthost.DialectJS
		if cfg.Kind == storage.HeaderScriptedPY {
			dialect = scripthost.DialectPython
		}

		value, err := a.scripts.Eval(ctx, cfg.ScriptSource, dialect, scriptCtx, cfg.Timeout)
		if err == nil {
			out.Set(cfg.HeaderName, value)
			continue
		}

		if isTimeout(err) {
			timeouts = append(timeouts, cfg.HeaderName)
		}

		switch cfg.Fallback {
		case storage.FallbackFail:
			return Result{}, &FailError{HeaderName: cfg.HeaderName, Err: err}
		case storage.FallbackUseValue:
			out.Set(cfg.HeaderName, cfg.FallbackValue)
		case storage.FallbackUseDefault:
			// keep whatever inbound value survived (or omit if there was none)
		}
	}

	result := Result{Headers: out, ScriptTimeouts: timeouts}
	if credential != nil {
		applyCredential(&result, credential)
	}
	return result, nil
}

func applyCredential(r *Result, c *storage.Credential) {
	switch c.Placement {
	case storage.PlacementHeader:
		r.Headers.Set(c.ParamName, c.ValuePrefix+c.Secret)
	case storage.PlacementQuery:
		r.QueryParam = c.ParamName
		r.QueryValue = c.Secret
	case storage.PlacementBody:
		r.BodyField = c.ParamName
		r.BodyValue = c.Secret
	}
}

func isTimeout(err error) bool {
	var se *scripthost.ScriptError
	if errors.As(err, &se) {
		return se.Kind == scripthost.ErrTimeout
	}
	return false
}
