package remote

import (
	"context"
	"fmt"

	"github.com/roach88/ccmrt/internal/ir"
)

// Exchanger performs one request/response exchange. *loader.Loader
// implements it.
type Exchanger interface {
	Exchange(ctx context.Context, u string, payload ir.IRObject) (ir.IRValue, error)
}

// HTTPTransport sends each request as an exchange with URL.
type HTTPTransport struct {
	URL       string
	Exchanger Exchanger
}

// NewHTTPTransport returns a transport posting to url through ex.
func NewHTTPTransport(url string, ex Exchanger) *HTTPTransport {
	return &HTTPTransport{URL: url, Exchanger: ex}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (ir.IRValue, error) {
	resp, err := t.Exchanger.Exchange(ctx, t.URL, req.Payload())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Op, t.URL, err)
	}
	return checkResponse(resp)
}

func (t *HTTPTransport) Close() error { return nil }
