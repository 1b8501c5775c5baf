package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// Options tune the shared resty client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// NewDefaultRestyClient builds a resty client with the common configuration
// used by every backend adapter: base URL, timeout, JSON headers.
// Resty retries stay disabled: message submission owns its retry policy.
func NewDefaultRestyClient(opts Options) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "inboxsync/1.0"
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)
	if opts.BaseURL != "" {
		client.SetBaseURL(opts.BaseURL)
	}
	return client
}
