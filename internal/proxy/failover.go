package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
)

// FailureType classifies why a dispatch attempt failed, for the
// transport_error log entry and for deciding whether dispatch should retry.
type FailureType int

const (
	FailureNone FailureType = iota
	FailureTimeout
	FailureConnectionRefused
	FailureConnectionReset
	FailureServerError // 5xx
	FailureRateLimit   // 429 without Retry-After
	FailureStreamInterrupt
)

func (f FailureType) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionReset:
		return "connection_reset"
	case FailureServerError:
		return "server_error"
	case FailureRateLimit:
		return "rate_limit"
	case FailureStreamInterrupt:
		return "stream_interrupt"
	default:
		return "unknown"
	}
}

// DetectFailure classifies a completed dispatch attempt from its error or
// response, for logging and for dispatch's retry decision.
func DetectFailure(resp *http.Response, err error) FailureType {
	if err != nil {
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return FailureTimeout
		}

		var netErr *net.OpError
		if errors.As(err, &netErr) {
			if strings.Contains(netErr.Error(), "connection refused") {
				return FailureConnectionRefused
			}
			if strings.Contains(netErr.Error(), "connection reset") {
				return FailureConnectionReset
			}
		}

		errStr := err.Error()
		if strings.Contains(errStr, "connection refused") {
			return FailureConnectionRefused
		}
		if strings.Contains(errStr, "connection reset") {
			return FailureConnectionReset
		}
		return FailureStreamInterrupt
	}

	if resp == nil {
		return FailureStreamInterrupt
	}
	if resp.StatusCode >= 500 {
		return FailureServerError
	}
	if resp.StatusCode == 429 && resp.Header.Get("Retry-After") == "" {
		return FailureRateLimit
	}
	return FailureNone
}
