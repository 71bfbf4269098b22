package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/xerrors"
)

// Policy decides which responses and transport errors are retried. The
// condition names follow envoy's retry_on.
type Policy struct {
	serverError    bool
	gatewayError   bool
	connectFailure bool
	retriable4xx   bool
	statusCodes    []int
}

func DefaultPolicy() *Policy {
	return &Policy{
		gatewayError:   true,
		connectFailure: true,
	}
}

// ParsePolicy reads a comma separated list such as "5xx,connect-failure,429".
func ParsePolicy(s string) (*Policy, error) {
	p := &Policy{}
	for _, condition := range strings.Split(s, ",") {
		switch condition = strings.TrimSpace(condition); condition {
		case "":
		case "5xx":
			p.serverError = true
		case "gateway-error":
			p.gatewayError = true
		case "connect-failure":
			p.connectFailure = true
		case "retriable-4xx":
			p.retriable4xx = true
		default:
			statusCode, err := strconv.Atoi(condition)
			if err != nil || statusCode < 100 || statusCode > 599 {
				return nil, xerrors.Errorf("invalid retry condition: %q", condition)
			}
			p.statusCodes = append(p.statusCodes, statusCode)
		}
	}
	return p, nil
}

func (p *Policy) RetryResponse(response *http.Response) bool {
	code := response.StatusCode
	switch {
	case p.serverError && code >= 500 && code < 600:
		return true
	case p.gatewayError && code >= 502 && code <= 504:
		return true
	case p.retriable4xx && code == http.StatusConflict:
		return true
	}
	return slices.Contains(p.statusCodes, code)
}

func (p *Policy) RetryError(err error) bool {
	if !p.connectFailure && !p.serverError {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	return (errors.As(err, &netErr) && netErr.Timeout()) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
