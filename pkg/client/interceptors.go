package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// RequestInterceptor transforms the options of an outgoing request. It
// receives the full URL and the output of the previous stage.
type RequestInterceptor func(ctx context.Context, url string, opts RequestOptions) (RequestOptions, error)

// ResponseInterceptor transforms a response before its status is checked.
// Returning a nil response keeps the previous one.
type ResponseInterceptor func(ctx context.Context, resp *http.Response) (*http.Response, error)

// ErrorInterceptor transforms or reacts to a failed request. Returning nil
// keeps the previous error; the caller always receives a failure.
type ErrorInterceptor func(ctx context.Context, err error) error

type stage[F any] struct {
	id uint64
	fn F
}

// chain is an ordered list of interceptors that supports removal.
type chain[F any] struct {
	mu     sync.RWMutex
	nextID uint64
	stages []stage[F]
}

func (c *chain[F]) add(fn F) (remove func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stages = append(c.stages, stage[F]{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.stages {
				if s.id == id {
					c.stages = append(c.stages[:i:i], c.stages[i+1:]...)
					return
				}
			}
		})
	}
}

// snapshot returns the current stages in registration order.
func (c *chain[F]) snapshot() []F {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fns := make([]F, len(c.stages))
	for i, s := range c.stages {
		fns[i] = s.fn
	}
	return fns
}

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// RequestIDInterceptor sets a random X-Request-ID on requests that do not
// already carry one.
func RequestIDInterceptor() RequestInterceptor {
	return func(_ context.Context, _ string, opts RequestOptions) (RequestOptions, error) {
		key := http.CanonicalHeaderKey(RequestIDHeader)
		if opts.Headers[key] == "" {
			opts.Headers = cloneHeaders(opts.Headers)
			opts.Headers[key] = uuid.NewString()
		}
		return opts, nil
	}
}

// TracePropagationInterceptor injects the trace context of ctx into the
// request headers. A nil propagator uses the global one.
func TracePropagationInterceptor(propagator propagation.TextMapPropagator) RequestInterceptor {
	return func(ctx context.Context, _ string, opts RequestOptions) (RequestOptions, error) {
		p := propagator
		if p == nil {
			p = otel.GetTextMapPropagator()
		}

		carrier := propagation.MapCarrier{}
		p.Inject(ctx, carrier)
		if len(carrier) == 0 {
			return opts, nil
		}

		opts.Headers = cloneHeaders(opts.Headers)
		for key, value := range carrier {
			opts.Headers[http.CanonicalHeaderKey(key)] = value
		}
		return opts, nil
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
