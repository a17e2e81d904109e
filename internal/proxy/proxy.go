// Package proxy implements the Proxy component: it composes the
// RateLimiter, KeySelector, HeaderAssembler, ScriptHost, RuleEngine, and
// Logger into the single request pipeline described by the data flow
// `Inbound → rate check → pick credential → build headers → HTTP to
// upstream (with retry) → evaluate rules → log → Outbound response`.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shineme/aiproxy/internal/auditlog"
	"github.com/shineme/aiproxy/internal/headers"
	"github.com/shineme/aiproxy/internal/metrics"
	"github.com/shineme/aiproxy/internal/ratelimit"
	"github.com/shineme/aiproxy/internal/rules"
	"github.com/shineme/aiproxy/internal/selector"
	"github.com/shineme/aiproxy/internal/storage"
	"github.com/shineme/aiproxy/internal/telemetry"
)

// Store is the subset of storage.Store the Proxy depends on directly (the
// rest of the pipeline is reached through the Selector/RuleEngine/Logger
// collaborators, which hold their own narrower Store views).
type Store interface {
	GetUpstreamByName(ctx context.Context, name string) (*storage.Upstream, error)
	ListEnabledHeaderConfigs(ctx context.Context, upstreamID string) ([]storage.HeaderConfig, error)
}

// Proxy is the gateway's inbound HTTP handler.
type Proxy struct {
	store      Store
	rateGate   *ratelimit.Gate
	selector   *selector.Selector
	assembler  *headers.Assembler
	ruleEngine *rules.Engine
	logger     *auditlog.Logger
	telemetry  *telemetry.Provider
	client     *http.Client
}

// New builds a Proxy from its collaborators. telemetry may be
// telemetry.NoopProvider() when tracing is disabled.
func New(store Store, rateGate *ratelimit.Gate, sel *selector.Selector, assembler *headers.Assembler, ruleEngine *rules.Engine, logger *auditlog.Logger, tp *telemetry.Provider) *Proxy {
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Proxy{
		store:      store,
		rateGate:   rateGate,
		selector:   sel,
		assembler:  assembler,
		ruleEngine: ruleEngine,
		logger:     logger,
		telemetry:  tp,
		client:     &http.Client{},
	}
}

// errorResponse is the JSON body written for every pipeline failure, so
// admin tooling and clients get a consistent shape regardless of which
// stage rejected the request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errCode, Message: message})
}

// ServeHTTP implements the inbound proxy surface:
// `{METHOD} /proxy/{upstream_name}/{path...}`.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := p.telemetry.StartRequestSpan(r.Context(), r.Method, r.URL.Path)
	defer span.End()

	upstreamName, remainder, ok := splitProxyPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_upstream", "malformed proxy path, expected /proxy/{upstream_name}/{path...}")
		return
	}
	p.telemetry.SetUpstream(span, upstreamName)

	upstream, err := p.store.GetUpstreamByName(ctx, upstreamName)
	if err != nil || !upstream.Enabled {
		writeError(w, http.StatusNotFound, "unknown_upstream", fmt.Sprintf("upstream %q is not known or not enabled", upstreamName))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "transport_error", "failed to read request body")
		return
	}
	r.Body.Close()

	limits := ratelimit.WindowLimits{
		PerMinute: upstream.RateLimitPerMinute,
		PerHour:   upstream.RateLimitPerHour,
		PerDay:    upstream.RateLimitPerDay,
	}

	if res, denied := p.checkRateLimit(ctx, "upstream:"+upstream.ID, limits); denied {
		p.denyRateLimited(w, *upstream, r, body, start, res)
		return
	}

	credential, err := p.selector.Select(ctx, upstream.ID, strategyOf(upstream))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no_eligible_credential", "no credential is currently eligible for this upstream")
		p.logOutcome(ctx, *upstream, nil, r, body, http.StatusServiceUnavailable, start, "no_eligible_credential", nil)
		return
	}

	if res, denied := p.checkRateLimit(ctx, "upstream:"+upstream.ID+":key:"+credential.ID, limits); denied {
		p.denyRateLimited(w, *upstream, r, body, start, res)
		return
	}
	p.telemetry.RecordCredentialSelected(ctx, upstream.Name, credential.ID)
	p.logger.TrackSecret(credential.Secret)

	configs, err := p.store.ListEnabledHeaderConfigs(ctx, upstream.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config_error", "failed to load header configuration")
		p.logOutcome(ctx, *upstream, &credential.ID, r, body, http.StatusInternalServerError, start, err.Error(), nil)
		return
	}

	assembled, err := p.assembler.Assemble(ctx, headers.Request{
		Method:         r.Method,
		Path:           remainder,
		InboundHeaders: r.Header,
	}, configs, credential)
	if err != nil {
		// A FailError means a scripted header's fallback policy is `fail`;
		// any other assembly error is likewise surfaced as a gateway failure.
		writeError(w, http.StatusBadGateway, "script_failure", err.Error())
		p.logOutcome(ctx, *upstream, &credential.ID, r, body, http.StatusBadGateway, start, err.Error(), nil)
		return
	}

	outboundURL := strings.TrimRight(upstream.BaseURL, "/") + remainder
	if r.URL.RawQuery != "" {
		outboundURL += "?" + r.URL.RawQuery
	}
	if assembled.QueryParam != "" {
		merged, err := headers.ApplyQueryParam(outboundURL, assembled.QueryParam, assembled.QueryValue)
		if err == nil {
			outboundURL = merged
		}
	}
	outboundBody := body
	if assembled.BodyField != "" {
		if merged, err := headers.MergeBodyField(body, assembled.BodyField, assembled.BodyValue); err == nil {
			outboundBody = merged
		}
	}

	resp, attempts, dispatchErr := p.dispatch(ctx, r.Method, outboundURL, assembled.Headers, outboundBody, upstream)
	latency := time.Since(start)

	if dispatchErr != nil {
		if err := p.selector.IncrementUsage(ctx, credential.ID); err != nil {
			slog.Error("proxy: failed to record credential usage", "credential_id", credential.ID, "error", err)
		}

		status, errCode := http.StatusBadGateway, "transport_error"
		if errors.Is(dispatchErr, context.DeadlineExceeded) {
			status, errCode = http.StatusGatewayTimeout, "timeout"
		}
		writeError(w, status, errCode, dispatchErr.Error())
		p.logOutcome(ctx, *upstream, &credential.ID, r, body, status, start, errCode, nil)
		slog.Error("proxy: upstream dispatch failed", "upstream", upstream.Name, "attempts", attempts, "error", dispatchErr)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "transport_error", "failed to read upstream response")
		p.logOutcome(ctx, *upstream, &credential.ID, r, body, http.StatusBadGateway, start, err.Error(), nil)
		return
	}

	if err := p.selector.IncrementUsage(ctx, credential.ID); err != nil {
		slog.Error("proxy: failed to record credential usage", "credential_id", credential.ID, "error", err)
	}

	triggered := p.ruleEngine.Evaluate(ctx, upstream.ID, credential.ID, rules.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       string(respBody),
		LatencyMs:  latency.Milliseconds(),
	})

	p.logSuccess(ctx, *upstream, credential.ID, r, body, resp, respBody, start, triggered)
	writeUpstreamResponse(w, resp, respBody)

	metrics.RequestsTotal.WithLabelValues(upstream.Name, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(upstream.Name).Observe(latency.Seconds())
	for _, rule := range triggered {
		metrics.RulesTriggeredTotal.WithLabelValues(rule).Inc()
	}

	slog.Info("proxy: request completed",
		"upstream", upstream.Name, "credential_id", credential.ID,
		"status", resp.StatusCode, "latency_ms", latency.Milliseconds(), "attempts", attempts,
		"triggered_rules", triggered)
}

func (p *Proxy) checkRateLimit(ctx context.Context, scopeKey string, limits ratelimit.WindowLimits) (ratelimit.Result, bool) {
	res, err := p.rateGate.Check(ctx, scopeKey, limits)
	if err != nil {
		slog.Error("proxy: rate limiter check failed, allowing request through", "scope", scopeKey, "error", err)
		return ratelimit.Result{Allowed: true}, false
	}
	return res, !res.Allowed
}

func (p *Proxy) denyRateLimited(w http.ResponseWriter, upstream storage.Upstream, r *http.Request, body []byte, start time.Time, res ratelimit.Result) {
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", res.RetryAfter.Seconds()))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	p.logOutcome(r.Context(), upstream, nil, r, body, http.StatusTooManyRequests, start, "rate_limited", nil)
	metrics.RateLimitDeniedTotal.WithLabelValues(upstream.Name).Inc()
}

// dispatch performs the outbound HTTP attempt, retrying on transport errors
// and 5xx responses up to upstream.RetryCount times with capped exponential
// backoff (min(2^attempt, 10) seconds); 4xx responses are never retried.
func (p *Proxy) dispatch(ctx context.Context, method, url string, hdr http.Header, body []byte, upstream *storage.Upstream) (*http.Response, int, error) {
	var lastErr error
	attempts := 0
	timeout := upstream.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for attempt := 0; attempt <= upstream.RetryCount; attempt++ {
		attempts++
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, attempts, fmt.Errorf("building outbound request: %w", err)
		}
		req.Header = hdr.Clone()

		resp, err := p.client.Do(req)
		failure := DetectFailure(resp, err)
		if err != nil {
			cancel()
			lastErr = err
			if failure != FailureNone && attempt < upstream.RetryCount {
				slog.Warn("proxy: dispatch attempt failed, retrying", "upstream", upstream.Name, "attempt", attempt, "failure", failure)
				p.telemetry.RecordRetry(ctx, attempt, failure.String())
				backoff(attempt)
				continue
			}
			return nil, attempts, lastErr
		}

		if failure == FailureServerError && attempt < upstream.RetryCount {
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			slog.Warn("proxy: dispatch attempt failed, retrying", "upstream", upstream.Name, "attempt", attempt, "failure", failure)
			p.telemetry.RecordRetry(ctx, attempt, failure.String())
			backoff(attempt)
			continue
		}

		return resp, attempts, nil
	}
	return nil, attempts, lastErr
}

func backoff(attempt int) {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	time.Sleep(d)
}

func (p *Proxy) logOutcome(ctx context.Context, upstream storage.Upstream, credentialID *string, r *http.Request, reqBody []byte, status int, start time.Time, errMsg string, triggered []string) {
	p.logger.Log(ctx, auditlog.Entry{
		Upstream:       upstream,
		CredentialID:   credentialID,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestHeaders: r.Header,
		RequestBody:    reqBody,
		StatusCode:     status,
		Latency:        time.Since(start),
		ClientIP:       clientIP(r),
		ErrorMessage:   errMsg,
		TriggeredRules: triggered,
	})
}

// logSuccess is logOutcome's variant for a completed upstream round trip,
// additionally capturing the response side of the Entry, including any
// token usage and tool calls opportunistically extracted from the body.
func (p *Proxy) logSuccess(ctx context.Context, upstream storage.Upstream, credentialID string, r *http.Request, reqBody []byte, resp *http.Response, respBody []byte, start time.Time, triggered []string) {
	entry := auditlog.Entry{
		Upstream:        upstream,
		CredentialID:    &credentialID,
		Method:          r.Method,
		Path:            r.URL.Path,
		RequestHeaders:  r.Header,
		RequestBody:     reqBody,
		ResponseHeaders: resp.Header,
		ResponseBody:    respBody,
		StatusCode:      resp.StatusCode,
		Latency:         time.Since(start),
		ClientIP:        clientIP(r),
		TriggeredRules:  triggered,
	}
	if usage := ExtractTokenUsage(respBody); usage != nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.TotalTokens = usage.TotalTokens
	}
	for _, tc := range ExtractToolCallsFromResponse(respBody) {
		entry.ToolCalls = append(entry.ToolCalls, tc.Name)
	}
	p.logger.Log(ctx, entry)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	return r.RemoteAddr
}

// splitProxyPath parses `/proxy/{upstream_name}/{path...}` into the
// upstream name and the remainder path (forwarded to the upstream as-is,
// always beginning with `/`).
func splitProxyPath(path string) (upstreamName, remainder string, ok bool) {
	const prefix = "/proxy/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := path[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		if rest == "" {
			return "", "", false
		}
		return rest, "/", true
	}
	name := rest[:idx]
	if name == "" {
		return "", "", false
	}
	return name, rest[idx:], true
}

func writeUpstreamResponse(w http.ResponseWriter, resp *http.Response, body []byte) {
	for k, vs := range resp.Header {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func strategyOf(u *storage.Upstream) selector.Strategy {
	switch selector.Strategy(u.SelectionStrategy) {
	case selector.Random:
		return selector.Random
	case selector.Weighted:
		return selector.Weighted
	default:
		return selector.RoundRobin
	}
}
