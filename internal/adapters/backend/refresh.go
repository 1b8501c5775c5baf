package backend

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"inboxsync/pkg/httputil"
)

// RefreshCookieName is the cookie carrying the long-lived refresh credential.
const RefreshCookieName = "refresh_token"

// Refresher renews access tokens with the refresh cookie. It implements
// auth.Refresher and never goes through the 401 retry path itself.
type Refresher struct {
	httpClient *resty.Client
	cookie     string
}

// NewRefresher creates a token refresher for baseURL.
func NewRefresher(baseURL, refreshCookie string) (*Refresher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend baseURL cannot be empty")
	}
	if refreshCookie == "" {
		return nil, fmt.Errorf("refresh cookie cannot be empty")
	}
	return &Refresher{
		httpClient: httputil.NewDefaultRestyClient(httputil.Options{BaseURL: baseURL}),
		cookie:     refreshCookie,
	}, nil
}

func (r *Refresher) RefreshAccessToken(ctx context.Context) (string, error) {
	var result RefreshResponse
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetHeader("Cookie", RefreshCookieName+"="+r.cookie).
		SetResult(&result).
		Get("/auth/refresh")
	if err != nil {
		log.Error().Err(err).Msg("Backend API: token refresh request failed")
		return "", fmt.Errorf("backend token refresh request failed: %w", err)
	}
	if resp.IsError() {
		log.Warn().Int("statusCode", resp.StatusCode()).Msg("Backend API: token refresh rejected")
		return "", &APIError{Op: "RefreshAccessToken", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return result.AccessToken, nil
}
