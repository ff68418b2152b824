package session

import (
	"context"
	"errors"
	"time"

	"github.com/hoangphuc173/web1/pkg/cache"
	"github.com/hoangphuc173/web1/pkg/client"
	"github.com/hoangphuc173/web1/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "webclient_session_expired_total",
	Help: "Total number of 401 responses that invalidated the cached session",
})

// Navigator moves the user to another location, e.g. the login page.
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(target string)

// Navigate calls f(target).
func (f NavigatorFunc) Navigate(target string) { f(target) }

// UnauthorizedInterceptor returns the error stage that reacts to 401
// responses: it removes key from store and schedules nav to target after
// delay. The error itself is passed on unchanged. A nil nav skips the
// redirect.
func UnauthorizedInterceptor(store *cache.Manager, key string, nav Navigator, target string, delay time.Duration) client.ErrorInterceptor {
	logger := logging.NewLogger("session")

	return func(_ context.Context, err error) error {
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) || !apiErr.IsUnauthorized() {
			return err
		}

		store.Remove(key)
		sessionExpiredTotal.Inc()
		logger.Warn().Str("key", key).Str("target", target).Msg("Session expired, login required")

		if nav != nil {
			time.AfterFunc(delay, func() { nav.Navigate(target) })
		}
		return err
	}
}

// PassthroughRequestInterceptor is the auth header stage for cookie
// sessions: the cookie jar carries the session, so options pass through.
func PassthroughRequestInterceptor(_ context.Context, _ string, opts client.RequestOptions) (client.RequestOptions, error) {
	return opts, nil
}
