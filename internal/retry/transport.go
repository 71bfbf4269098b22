package retry

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Transport retries requests according to Policy, waiting per Strategy between
// attempts. Requests with a body are only retried when GetBody is set.
type Transport struct {
	Base     http.RoundTripper
	Strategy Strategy
	Policy   *Policy
}

func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()

	for n := uint(0); ; n++ {
		response, err := t.base().RoundTrip(request)

		retry := t.Policy != nil && ((err != nil && t.Policy.RetryError(err)) || (err == nil && t.Policy.RetryResponse(response)))
		if !retry {
			return response, err
		}
		sleep, exhausted := t.strategy().Sleep(n)
		if exhausted {
			return response, err
		}

		next, rewindErr := rewind(request)
		if rewindErr != nil {
			return response, err
		}
		if response != nil {
			_, _ = io.Copy(io.Discard, response.Body)
			response.Body.Close()
		}

		slog.DebugContext(ctx, "retrying request",
			"method", request.Method,
			"url", request.URL.Redacted(),
			"attempt", n+1,
			"sleep", sleep,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		request = next
	}
}

func rewind(request *http.Request) (*http.Request, error) {
	if request.Body == nil || request.Body == http.NoBody {
		return request, nil
	}
	if request.GetBody == nil {
		return nil, http.ErrBodyReadAfterClose
	}
	body, err := request.GetBody()
	if err != nil {
		return nil, err
	}
	next := request.Clone(request.Context())
	next.Body = body
	return next, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) strategy() Strategy {
	if t.Strategy != nil {
		return t.Strategy
	}
	return Never{}
}
